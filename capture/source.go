package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/room4-2/VoiceLedger/audio"
)

// StreamSource is a Source fed by pushing frames, used when the microphone
// lives on a remote client (browser or phone line).
type StreamSource struct {
	frames chan []byte

	mu      sync.Mutex
	denied  bool
	open    bool
	closed  chan struct{}
	pending []byte
}

// NewStreamSource creates a source buffering up to depth pushed frames.
func NewStreamSource(depth int) *StreamSource {
	if depth <= 0 {
		depth = 64
	}
	closed := make(chan struct{})
	close(closed)
	return &StreamSource{
		frames: make(chan []byte, depth),
		closed: closed,
	}
}

// Deny makes subsequent Open calls fail with ErrPermissionDenied.
func (s *StreamSource) Deny() {
	s.mu.Lock()
	s.denied = true
	s.mu.Unlock()
}

// Grant undoes Deny.
func (s *StreamSource) Grant() {
	s.mu.Lock()
	s.denied = false
	s.mu.Unlock()
}

func (s *StreamSource) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.denied {
		return fmt.Errorf("client refused microphone: %w", ErrPermissionDenied)
	}
	if s.open {
		return nil
	}

	// drop audio pushed while nobody was listening
	for len(s.frames) > 0 {
		<-s.frames
	}
	s.pending = nil
	s.closed = make(chan struct{})
	s.open = true
	return nil
}

// Push hands one frame to the reader. Frames are dropped while the source is
// closed or when the reader has fallen depth frames behind.
func (s *StreamSource) Push(frame []byte) bool {
	s.mu.Lock()
	open := s.open
	s.mu.Unlock()
	if !open || len(frame) == 0 {
		return false
	}

	cp := make([]byte, len(frame))
	copy(cp, frame)
	select {
	case s.frames <- cp:
		return true
	default:
		return false
	}
}

func (s *StreamSource) Read(p []byte) (int, error) {
	s.mu.Lock()
	if len(s.pending) > 0 {
		n := copy(p, s.pending)
		s.pending = s.pending[n:]
		s.mu.Unlock()
		return n, nil
	}
	closed := s.closed
	s.mu.Unlock()

	select {
	case frame := <-s.frames:
		n := copy(p, frame)
		if n < len(frame) {
			s.mu.Lock()
			s.pending = frame[n:]
			s.mu.Unlock()
		}
		return n, nil
	case <-closed:
		return 0, io.EOF
	}
}

func (s *StreamSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return nil
	}
	s.open = false
	close(s.closed)
	return nil
}

// CommandSource reads raw PCM from a recording subprocess's stdout.
type CommandSource struct {
	Name string
	Args []string

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

// NewSoxSource records from the default input device with sox's rec.
func NewSoxSource() *CommandSource {
	return &CommandSource{
		Name: "rec",
		Args: []string{
			"-q",
			"-t", "raw",
			"-r", strconv.Itoa(audio.SampleRate),
			"-b", "16",
			"-c", strconv.Itoa(audio.Channels),
			"-e", "signed-integer",
			"-",
		},
	}
}

func (c *CommandSource) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	// not bound to ctx: the device stays open after connect returns
	cmd := exec.Command(c.Name, c.Args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%s stdout: %w", c.Name, err)
	}
	if err := cmd.Start(); err != nil {
		if errors.Is(err, os.ErrPermission) {
			return fmt.Errorf("%s: %w: %v", c.Name, ErrPermissionDenied, err)
		}
		return fmt.Errorf("%s start: %w", c.Name, err)
	}

	c.cmd = cmd
	c.stdout = stdout
	return nil
}

func (c *CommandSource) Read(p []byte) (int, error) {
	c.mu.Lock()
	stdout := c.stdout
	c.mu.Unlock()
	if stdout == nil {
		return 0, io.EOF
	}
	return stdout.Read(p)
}

func (c *CommandSource) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd == nil {
		return nil
	}
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	_ = c.cmd.Wait()
	c.cmd = nil
	c.stdout = nil
	return nil
}
