package transport

import (
	"strings"
	"sync"
)

// outputBuffer is a thread-safe ring buffer for storing recent output lines.
// It bounds memory by discarding older lines when capacity is reached.
type outputBuffer struct {
	lines    []string
	capacity int
	start    int // Index of oldest line
	count    int // Number of lines stored
	mu       sync.RWMutex
}

func newOutputBuffer(capacity int) *outputBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &outputBuffer{
		lines:    make([]string, capacity),
		capacity: capacity,
	}
}

// Write appends a line. If the buffer is full, the oldest line is overwritten.
func (b *outputBuffer) Write(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count < b.capacity {
		b.lines[b.count] = line
		b.count++
	} else {
		b.lines[b.start] = line
		b.start = (b.start + 1) % b.capacity
	}
}

// Tail returns up to n most recent lines joined with newlines.
func (b *outputBuffer) Tail(n int) string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n > b.count {
		n = b.count
	}
	if n <= 0 {
		return ""
	}

	out := make([]string, n)
	startIdx := b.count - n
	for i := 0; i < n; i++ {
		idx := (b.start + startIdx + i) % b.capacity
		out[i] = b.lines[idx]
	}
	return strings.Join(out, "\n")
}

// Len returns the number of stored lines.
func (b *outputBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}
