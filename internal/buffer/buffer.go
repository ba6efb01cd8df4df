package buffer

import (
	"fmt"
	"sync/atomic"
)

// SampleBuffer is a fixed-capacity array of 8-bit samples plus the cursor
// used by whichever clock currently owns it.
//
// There is no lock: the capture and playback phases never overlap, so at
// most one clock touches the samples at a time.
type SampleBuffer struct {
	samples []uint8
	cursor  Cursor
}

// New allocates a buffer of n samples. The capacity never changes afterwards.
func New(n int) (*SampleBuffer, error) {
	if n < 1 {
		return nil, fmt.Errorf("buffer length must be >= 1, got %d", n)
	}
	return &SampleBuffer{samples: make([]uint8, n)}, nil
}

// Len returns the fixed capacity N.
func (b *SampleBuffer) Len() int {
	return len(b.samples)
}

// Write stores one sample. Index must satisfy 0 <= i < Len().
func (b *SampleBuffer) Write(i int, v uint8) {
	if i < 0 || i >= len(b.samples) {
		panic(fmt.Sprintf("buffer: write index %d out of range [0,%d)", i, len(b.samples)))
	}
	b.samples[i] = v
}

// Read returns one sample. Index must satisfy 0 <= i < Len().
func (b *SampleBuffer) Read(i int) uint8 {
	if i < 0 || i >= len(b.samples) {
		panic(fmt.Sprintf("buffer: read index %d out of range [0,%d)", i, len(b.samples)))
	}
	return b.samples[i]
}

// CopyTo copies the samples into dst and returns the number copied.
// Only call it while no clock is armed.
func (b *SampleBuffer) CopyTo(dst []uint8) int {
	return copy(dst, b.samples)
}

// Cursor returns the buffer's shared cursor.
func (b *SampleBuffer) Cursor() *Cursor {
	return &b.cursor
}

// Cursor is a bounded, monotonically increasing index. Only the active clock
// moves it; the value is atomic so status readers can watch progress.
type Cursor struct {
	pos   atomic.Int64
	limit atomic.Int64
}

// Reset moves the cursor back to 0 and sets the bound for the new phase.
func (c *Cursor) Reset(limit int) {
	c.limit.Store(int64(limit))
	c.pos.Store(0)
}

// Pos returns the current index.
func (c *Cursor) Pos() int {
	return int(c.pos.Load())
}

// Limit returns the bound set by the last Reset.
func (c *Cursor) Limit() int {
	return int(c.limit.Load())
}

// Advance moves the cursor forward by one. It returns false, without
// moving, when the cursor already sits on its limit.
func (c *Cursor) Advance() bool {
	pos := c.pos.Load()
	if pos >= c.limit.Load() {
		return false
	}
	c.pos.Store(pos + 1)
	return true
}

// Done reports whether the cursor reached its limit.
func (c *Cursor) Done() bool {
	return c.pos.Load() >= c.limit.Load()
}
