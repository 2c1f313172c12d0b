package audio

import (
	"math"
	"time"
)

// PreBuffer is a bounded FIFO of chunks holding the audio just before
// speech onset. The oldest chunk is evicted when a push overflows it.
// It is not safe for concurrent use; the segmenter owns it.
type PreBuffer struct {
	chunks []Chunk
	start  int
	count  int
}

// PreBufferCapacity returns ceil(preRoll / chunkDuration), at least 1.
func PreBufferCapacity(preRoll, chunkDuration time.Duration) int {
	if chunkDuration <= 0 || preRoll <= 0 {
		return 1
	}
	n := int(math.Ceil(float64(preRoll) / float64(chunkDuration)))
	if n < 1 {
		n = 1
	}
	return n
}

// NewPreBuffer creates a buffer that holds at most capacity chunks
func NewPreBuffer(capacity int) *PreBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &PreBuffer{chunks: make([]Chunk, capacity)}
}

// Push appends c, evicting the oldest chunk when full.
func (b *PreBuffer) Push(c Chunk) {
	size := len(b.chunks)
	if b.count < size {
		b.chunks[(b.start+b.count)%size] = c
		b.count++
		return
	}
	b.chunks[b.start] = c
	b.start = (b.start + 1) % size
}

// Drain returns the contents oldest-first and empties the buffer.
func (b *PreBuffer) Drain() []Chunk {
	out := b.Snapshot()
	b.Clear()
	return out
}

// Snapshot returns the contents oldest-first without removing them.
func (b *PreBuffer) Snapshot() []Chunk {
	out := make([]Chunk, 0, b.count)
	for i := 0; i < b.count; i++ {
		out = append(out, b.chunks[(b.start+i)%len(b.chunks)])
	}
	return out
}

// Len returns the number of buffered chunks
func (b *PreBuffer) Len() int {
	return b.count
}

// Cap returns the maximum number of chunks
func (b *PreBuffer) Cap() int {
	return len(b.chunks)
}

// Clear empties the buffer
func (b *PreBuffer) Clear() {
	for i := range b.chunks {
		b.chunks[i] = Chunk{}
	}
	b.start = 0
	b.count = 0
}
