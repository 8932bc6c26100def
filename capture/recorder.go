// Package capture turns a microphone into a stream of fixed-size PCM16
// chunks for upstream transmission.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/room4-2/VoiceLedger/audio"
)

// ErrPermissionDenied is wrapped by a Source whose device access was refused.
var ErrPermissionDenied = errors.New("microphone permission denied")

// PermissionError is returned by Start when the microphone cannot be used
// because the user or the OS refused access.
type PermissionError struct {
	Err error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("microphone access denied: %v", e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// Source is a microphone delivering PCM16 mono at audio.SampleRate.
type Source interface {
	// Open acquires the device. Refused access must wrap ErrPermissionDenied.
	Open(ctx context.Context) error
	// Read blocks until audio is available. It returns io.EOF once closed.
	Read(p []byte) (int, error)
	Close() error
}

// Recorder reads a Source on its own goroutine and pushes audio.ChunkBytes
// sized chunks to a callback in capture order.
type Recorder struct {
	source  Source
	onChunk func(chunk []byte)
	buf     *audio.Buffer
	logger  *zap.Logger

	paused atomic.Bool

	mu       sync.Mutex
	running  bool
	stopping atomic.Bool
	done     chan struct{}
}

// NewRecorder creates a stopped recorder. onChunk is called from the
// recorder goroutine and must not retain the slice's backing array beyond
// its own use; each chunk is a fresh allocation.
func NewRecorder(source Source, onChunk func(chunk []byte), logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		source:  source,
		onChunk: onChunk,
		buf:     audio.NewBuffer(audio.ChunkBytes * 16),
		logger:  logger,
	}
}

// Start opens the device and begins producing chunks. It returns without
// waiting for audio. Starting a running recorder is a no-op.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}

	if err := r.source.Open(ctx); err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			return &PermissionError{Err: err}
		}
		return fmt.Errorf("failed to open microphone: %w", err)
	}

	r.buf.Clear()
	r.paused.Store(false)
	r.stopping.Store(false)
	r.running = true
	r.done = make(chan struct{})
	go r.readLoop(r.done)

	r.logger.Debug("microphone capture started")
	return nil
}

func (r *Recorder) readLoop(done chan struct{}) {
	defer close(done)

	frame := make([]byte, audio.ChunkBytes)
	for {
		n, err := r.source.Read(frame)
		if n > 0 {
			r.consume(frame[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !r.stopping.Load() {
				r.logger.Warn("microphone read failed", zap.Error(err))
			}
			return
		}
	}
}

func (r *Recorder) consume(p []byte) {
	if r.paused.Load() {
		r.buf.Clear()
		return
	}

	if err := r.buf.Append(p); err != nil {
		r.logger.Warn("capture buffer overflow, dropping buffered audio", zap.Int("bytes", r.buf.Size()))
		r.buf.Clear()
		return
	}

	for chunk := r.buf.Next(audio.ChunkBytes); chunk != nil; chunk = r.buf.Next(audio.ChunkBytes) {
		r.onChunk(chunk)
	}
}

// Pause stops chunk production while keeping the device open.
func (r *Recorder) Pause() {
	r.paused.Store(true)
}

// Resume continues chunk production after Pause.
func (r *Recorder) Resume() {
	r.paused.Store(false)
}

// Stop releases the device and waits for the reader to exit. Safe to call
// repeatedly.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.stopping.Store(true)
	done := r.done
	err := r.source.Close()
	r.mu.Unlock()

	<-done
	r.buf.Clear()
	r.logger.Debug("microphone capture stopped")
	return err
}
