package loopback

import (
	"fmt"
	"sync/atomic"

	"github.com/audiolibrelab/pwmloop/internal/buffer"
	"github.com/audiolibrelab/pwmloop/internal/hal"
	"github.com/audiolibrelab/pwmloop/internal/handoff"
)

// PlaybackClock drains the buffer into the output, holding each sample for
// 1<<shift consecutive output cycles.
type PlaybackClock struct {
	pwm   hal.CycleService
	buf   *buffer.SampleBuffer
	phase *PhaseState
	done  *handoff.Signal
	cycle hal.CycleConfig
	shift uint

	armed    atomic.Bool
	ticks    atomic.Int64
	rejected atomic.Int64
}

// NewPlaybackClock wires a playback clock.
func NewPlaybackClock(pwm hal.CycleService, buf *buffer.SampleBuffer, phase *PhaseState,
	done *handoff.Signal, cycle hal.CycleConfig, oversampleShift uint) *PlaybackClock {
	return &PlaybackClock{
		pwm:   pwm,
		buf:   buf,
		phase: phase,
		done:  done,
		cycle: cycle,
		shift: oversampleShift,
	}
}

// Arm configures the output cycle, zeroes the level and unmasks the wrap
// interrupt. The capture phase must have handed over.
func (p *PlaybackClock) Arm() error {
	if err := p.pwm.Configure(p.cycle); err != nil {
		p.phase.Store(PhaseFault)
		return fmt.Errorf("%w: output cycle: %w", ErrArmFailed, err)
	}

	p.buf.Cursor().Reset(p.buf.Len() << p.shift)
	p.pwm.SetLevel(0)
	p.pwm.ClearPending()

	if err := p.phase.Transition(PhasePlayInitPending, PhasePlaying); err != nil {
		return fmt.Errorf("arm playback: %w", err)
	}
	p.armed.Store(true)
	p.pwm.EnableInterrupt(p.onTick)
	p.pwm.SetEnabled(true)
	return nil
}

// Disable stops the output. The last level is held until this is called.
func (p *PlaybackClock) Disable() {
	p.armed.Store(false)
	p.pwm.DisableInterrupt()
	p.pwm.SetEnabled(false)
}

// Position returns the cursor position in output cycles.
func (p *PlaybackClock) Position() int {
	return p.buf.Cursor().Pos()
}

// Ticks returns the number of levels written since construction.
func (p *PlaybackClock) Ticks() int64 {
	return p.ticks.Load()
}

// Rejected returns the number of wraps ignored because playback was not active.
func (p *PlaybackClock) Rejected() int64 {
	return p.rejected.Load()
}

// onTick is the wrap interrupt handler.
func (p *PlaybackClock) onTick() {
	p.pwm.ClearPending()

	if !p.armed.Load() || p.phase.Load() != PhasePlaying {
		p.rejected.Add(1)
		return
	}

	cursor := p.buf.Cursor()
	pos := cursor.Pos()
	if pos < cursor.Limit() {
		p.pwm.SetLevel(uint16(p.buf.Read(pos >> p.shift)))
		cursor.Advance()
		p.ticks.Add(1)
		return
	}

	// exhausted: hand back, keep the output running on the last level
	p.armed.Store(false)
	p.pwm.DisableInterrupt()
	p.done.Give()
}
