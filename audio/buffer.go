package audio

import (
	"sync"
)

// Buffer accumulates PCM chunks until flushed. When full, the oldest audio is
// dropped so the most recent audio is kept.
type Buffer struct {
	chunks    [][]byte
	totalSize int
	maxSize   int
	dropped   int
	mu        sync.Mutex
}

// NewBuffer creates a buffer with the specified maximum size in bytes
func NewBuffer(maxSize int) *Buffer {
	return &Buffer{
		chunks:  make([][]byte, 0),
		maxSize: maxSize,
	}
}

// MaxSize returns the maximum buffer size
func (b *Buffer) MaxSize() int {
	return b.maxSize
}

// Append adds an audio chunk to the buffer and returns the number of bytes
// evicted from the front to stay within maxSize
func (b *Buffer) Append(chunk []byte) int {
	if len(chunk) == 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	evicted := 0
	if b.maxSize > 0 && len(chunk) > b.maxSize {
		// Keep whole 16-bit samples from the tail
		cut := len(chunk) - b.maxSize
		cut += cut % 2
		evicted += cut
		chunk = chunk[cut:]
		evicted += b.totalSize
		b.chunks = b.chunks[:0]
		b.totalSize = 0
	}

	for b.maxSize > 0 && b.totalSize+len(chunk) > b.maxSize && len(b.chunks) > 0 {
		evicted += len(b.chunks[0])
		b.totalSize -= len(b.chunks[0])
		b.chunks[0] = nil
		b.chunks = b.chunks[1:]
	}

	b.chunks = append(b.chunks, chunk)
	b.totalSize += len(chunk)
	b.dropped += evicted
	return evicted
}

// Flush concatenates all chunks in order and clears the buffer
// Returns the complete audio data
func (b *Buffer) Flush() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.chunks) == 0 {
		return nil
	}

	result := make([]byte, 0, b.totalSize)
	for _, chunk := range b.chunks {
		result = append(result, chunk...)
	}

	b.chunks = make([][]byte, 0)
	b.totalSize = 0
	b.dropped = 0

	return result
}

// Clear empties the buffer without returning data
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = make([][]byte, 0)
	b.totalSize = 0
	b.dropped = 0
}

// Size returns the current total buffered bytes
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalSize
}

// Dropped returns the bytes evicted since the last Flush or Clear
func (b *Buffer) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// IsEmpty returns true if no chunks are buffered
func (b *Buffer) IsEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks) == 0
}

// ChunkCount returns the number of chunks in the buffer
func (b *Buffer) ChunkCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}
