package loopback

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/audiolibrelab/pwmloop/internal/buffer"
	"github.com/audiolibrelab/pwmloop/internal/hal"
	"github.com/audiolibrelab/pwmloop/internal/handoff"
)

// CaptureClock samples the analog source into the buffer at a fixed period.
type CaptureClock struct {
	timer  hal.TimerService
	source hal.AnalogSource
	buf    *buffer.SampleBuffer
	phase  *PhaseState
	done   *handoff.Signal
	period time.Duration
	shift  uint

	armed    atomic.Bool
	handle   hal.TimerHandle
	ticks    atomic.Int64
	rejected atomic.Int64
}

// NewCaptureClock wires a capture clock. adcBits is the width of a raw
// reading; readings are shifted down to 8 bits.
func NewCaptureClock(timer hal.TimerService, source hal.AnalogSource, buf *buffer.SampleBuffer,
	phase *PhaseState, done *handoff.Signal, period time.Duration, adcBits int) *CaptureClock {
	shift := uint(0)
	if adcBits > 8 {
		shift = uint(adcBits - 8)
	}
	return &CaptureClock{
		timer:  timer,
		source: source,
		buf:    buf,
		phase:  phase,
		done:   done,
		period: period,
		shift:  shift,
	}
}

// Arm resets the cursor and starts the sampling timer. The loop must be idle.
func (c *CaptureClock) Arm() error {
	if err := c.phase.Transition(PhaseIdle, PhaseCapturing); err != nil {
		return fmt.Errorf("arm capture: %w", err)
	}

	c.buf.Cursor().Reset(c.buf.Len())
	c.armed.Store(true)

	h, err := c.timer.Schedule(c.period, c.onTick)
	if err != nil {
		c.armed.Store(false)
		c.phase.Store(PhaseFault)
		return fmt.Errorf("%w: capture timer: %w", ErrArmFailed, err)
	}
	c.handle = h
	return nil
}

// Disarm cancels the timer and releases its slot. Cancelling a timer that
// already stopped itself is a no-op for the timer service.
func (c *CaptureClock) Disarm() {
	c.armed.Store(false)
	if c.handle != 0 {
		c.timer.Cancel(c.handle)
		c.handle = 0
	}
}

// Position returns the cursor position.
func (c *CaptureClock) Position() int {
	return c.buf.Cursor().Pos()
}

// Ticks returns the number of samples captured since construction.
func (c *CaptureClock) Ticks() int64 {
	return c.ticks.Load()
}

// Rejected returns the number of ticks ignored because capture was not active.
func (c *CaptureClock) Rejected() int64 {
	return c.rejected.Load()
}

// onTick runs in timer interrupt context. The return value tells the timer
// whether to keep repeating.
func (c *CaptureClock) onTick() bool {
	if !c.armed.Load() || c.phase.Load() != PhaseCapturing {
		c.rejected.Add(1)
		return false
	}

	cursor := c.buf.Cursor()
	pos := cursor.Pos()
	if pos >= cursor.Limit() {
		c.rejected.Add(1)
		return false
	}

	sample := c.source.Read() >> c.shift
	if sample > 0xFF {
		sample = 0xFF
	}
	c.buf.Write(pos, uint8(sample))
	cursor.Advance()
	c.ticks.Add(1)

	if cursor.Done() {
		c.armed.Store(false)
		c.done.Give()
		return false
	}
	return true
}
