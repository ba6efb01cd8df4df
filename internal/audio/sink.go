package audio

import (
	"bufio"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// Sink is an analog output that owns resources.
type Sink interface {
	SetLevel(level uint16)
	Close() error
}

// TraceSink counts output levels and optionally logs each one as a line.
type TraceSink struct {
	mu    sync.Mutex
	w     *bufio.Writer
	close func() error
	err   error

	count atomic.Int64
	last  atomic.Uint32
}

// NewTraceSink writes to w when it is non-nil. closeFn runs on Close after
// the trace is flushed.
func NewTraceSink(w io.Writer, closeFn func() error) *TraceSink {
	t := &TraceSink{close: closeFn}
	if w != nil && w != io.Discard {
		t.w = bufio.NewWriterSize(w, 64*1024)
	}
	return t
}

func (t *TraceSink) SetLevel(level uint16) {
	t.count.Add(1)
	t.last.Store(uint32(level))

	if t.w == nil {
		return
	}
	t.mu.Lock()
	if t.err == nil {
		_, t.err = fmt.Fprintf(t.w, "%d\n", level)
	}
	t.mu.Unlock()
}

// Count returns the number of levels received.
func (t *TraceSink) Count() int64 { return t.count.Load() }

// Last returns the most recent level.
func (t *TraceSink) Last() uint16 { return uint16(t.last.Load()) }

func (t *TraceSink) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	err := t.err
	if t.w != nil {
		if ferr := t.w.Flush(); err == nil {
			err = ferr
		}
	}
	if t.close != nil {
		if cerr := t.close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		return fmt.Errorf("failed to write output trace: %w", err)
	}
	return nil
}

// NullSink discards every level.
type NullSink struct{}

func (NullSink) SetLevel(uint16) {}
func (NullSink) Close() error    { return nil }
