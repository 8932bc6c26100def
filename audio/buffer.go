package audio

import (
	"errors"
	"sync"
)

// ErrBufferFull is returned when an append would exceed the buffer's maximum size
var ErrBufferFull = errors.New("audio buffer full")

// Buffer accumulates raw PCM and hands it out in fixed-size pieces
type Buffer struct {
	data    []byte
	maxSize int
	mu      sync.Mutex
}

// NewBuffer creates a buffer holding at most maxSize bytes
func NewBuffer(maxSize int) *Buffer {
	return &Buffer{
		data:    make([]byte, 0, ChunkBytes),
		maxSize: maxSize,
	}
}

// Append copies p into the buffer.
// Returns ErrBufferFull if adding p would exceed maxSize; nothing is written in that case.
func (b *Buffer) Append(p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.data)+len(p) > b.maxSize {
		return ErrBufferFull
	}
	b.data = append(b.data, p...)
	return nil
}

// Next removes and returns exactly n bytes, or nil if fewer are buffered
func (b *Buffer) Next(n int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || len(b.data) < n {
		return nil
	}
	out := make([]byte, n)
	copy(out, b.data)
	b.data = append(b.data[:0], b.data[n:]...)
	return out
}

// Clear empties the buffer without returning data
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = b.data[:0]
}

// Size returns the current number of buffered bytes
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}
