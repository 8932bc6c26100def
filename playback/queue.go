// Package playback renders assistant audio chunks strictly in arrival order,
// one at a time, and reports when the speaker starts and drains.
package playback

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrQueueClosed is returned by AddToQueue after Close.
var ErrQueueClosed = errors.New("playback queue closed")

// Sink renders one PCM16 chunk. Play must block until the chunk has been
// rendered or ctx is cancelled.
type Sink interface {
	Play(ctx context.Context, chunk []byte) error
}

// Hooks are invoked from the queue goroutine, never concurrently.
type Hooks struct {
	// OnPlaybackStart fires when the queue goes from idle to rendering.
	OnPlaybackStart func()
	// OnPlaybackEnd fires once the last queued chunk has finished.
	OnPlaybackEnd func()
}

// Queue is a FIFO of audio chunks drained by a single goroutine.
type Queue struct {
	sink   Sink
	hooks  Hooks
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}

	mu         sync.Mutex
	chunks     [][]byte
	playing    bool
	closed     bool
	cancelCurr context.CancelFunc
}

// NewQueue starts a queue rendering into sink.
func NewQueue(sink Sink, hooks Hooks, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		sink:   sink,
		hooks:  hooks,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// AddToQueue appends a chunk. Playing reports true as soon as this returns.
func (q *Queue) AddToQueue(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.chunks = append(q.chunks, cp)
	q.playing = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Playing reports whether audio is queued or being rendered.
func (q *Queue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// Clear drops pending chunks and cuts the current one short.
// OnPlaybackEnd still fires once the queue goroutine notices.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.chunks = nil
	if q.cancelCurr != nil {
		q.cancelCurr()
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Close stops rendering and discards queued audio without firing
// OnPlaybackEnd. Safe to call repeatedly.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.chunks = nil
	q.playing = false
	q.mu.Unlock()

	q.cancel()
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)

	started := false
	for {
		chunk, ctx, ok := q.next()
		if !ok {
			if q.ctx.Err() != nil {
				return
			}
			if q.finish() && started {
				started = false
				q.fire(q.hooks.OnPlaybackEnd)
			}
			select {
			case <-q.wake:
				continue
			case <-q.ctx.Done():
				return
			}
		}

		if !started {
			started = true
			q.fire(q.hooks.OnPlaybackStart)
		}

		if err := q.sink.Play(ctx, chunk); err != nil && ctx.Err() == nil {
			q.logger.Warn("failed to play audio chunk", zap.Int("bytes", len(chunk)), zap.Error(err))
		}

		q.mu.Lock()
		if q.cancelCurr != nil {
			q.cancelCurr()
			q.cancelCurr = nil
		}
		q.mu.Unlock()
	}
}

// next pops the head chunk along with a context cancelled by Clear.
func (q *Queue) next() ([]byte, context.Context, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.chunks) == 0 {
		return nil, nil, false
	}
	chunk := q.chunks[0]
	q.chunks[0] = nil
	q.chunks = q.chunks[1:]

	ctx, cancel := context.WithCancel(q.ctx)
	q.cancelCurr = cancel
	return chunk, ctx, true
}

// finish marks the queue idle if nothing arrived meanwhile.
func (q *Queue) finish() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.chunks) > 0 {
		return false
	}
	q.playing = false
	return true
}

func (q *Queue) fire(hook func()) {
	if hook != nil {
		hook()
	}
}
