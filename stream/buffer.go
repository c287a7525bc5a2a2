package stream

import "sync"

// OutputBuffer accumulates session output up to a fixed size, dropping
// the oldest bytes once the cap is exceeded.
type OutputBuffer struct {
	mu        sync.Mutex
	max       int
	buf       []byte
	truncated bool
}

func NewOutputBuffer(max int) *OutputBuffer {
	return &OutputBuffer{max: max}
}

// Append adds p and reports true only the first time the buffer overflows.
func (b *OutputBuffer) Append(p []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if b.max <= 0 || len(b.buf) <= b.max {
		return false
	}

	kept := make([]byte, b.max)
	copy(kept, b.buf[len(b.buf)-b.max:])
	b.buf = kept

	if b.truncated {
		return false
	}
	b.truncated = true
	return true
}

func (b *OutputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func (b *OutputBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Truncated reports whether any output has been dropped.
func (b *OutputBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
