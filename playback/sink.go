package playback

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/room4-2/VoiceLedger/audio"
)

// PacedSink hands each chunk to Write and then holds for the chunk's
// real-time duration, so a remote speaker never gets more than one chunk
// ahead of the queue.
type PacedSink struct {
	Write func(chunk []byte) error
}

func (s PacedSink) Play(ctx context.Context, chunk []byte) error {
	if err := s.Write(chunk); err != nil {
		return err
	}
	return wait(ctx, audio.Duration(len(chunk)))
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CommandSink streams PCM into a local player process's stdin.
type CommandSink struct {
	Name string
	Args []string

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

// NewSoxSink plays through the default output device with sox's play.
func NewSoxSink() *CommandSink {
	return &CommandSink{
		Name: "play",
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

// Start launches the player process.
func (s *CommandSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return nil
	}
	cmd := exec.Command(s.Name, s.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%s stdin: %w", s.Name, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%s start: %w", s.Name, err)
	}
	s.cmd = cmd
	s.stdin = stdin
	return nil
}

func (s *CommandSink) Play(ctx context.Context, chunk []byte) error {
	s.mu.Lock()
	stdin := s.stdin
	s.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("%s not started", s.Name)
	}
	if _, err := stdin.Write(chunk); err != nil {
		return err
	}
	return wait(ctx, audio.Duration(len(chunk)))
}

// Close stops the player process.
func (s *CommandSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil {
		return nil
	}
	_ = s.stdin.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	s.cmd = nil
	s.stdin = nil
	return nil
}
