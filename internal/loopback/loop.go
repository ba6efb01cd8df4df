package loopback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"sync/atomic"
	"time"

	"github.com/audiolibrelab/pwmloop/internal/buffer"
	"github.com/audiolibrelab/pwmloop/internal/diag"
	"github.com/audiolibrelab/pwmloop/internal/hal"
	"github.com/audiolibrelab/pwmloop/internal/handoff"
	"golang.org/x/sync/errgroup"
)

// ErrArmFailed is returned when a clock could not acquire its peripheral.
var ErrArmFailed = errors.New("clock arm failed")

// DefaultInitTimeout bounds the playback task's wait for PlayInit.
const DefaultInitTimeout = 500 * time.Millisecond

// Options is the fixed configuration of one loop.
type Options struct {
	Samples       int
	Oversample    int
	ADCBits       int
	CapturePeriod time.Duration
	Cycle         hal.CycleConfig
	InitTimeout   time.Duration

	// Cycles stops the loop after that many completed cycles. 0 runs forever.
	Cycles int64

	Diagnostics *diag.Reporter
	OnCycle     func(CycleReport)
}

// CycleReport summarises one completed capture/playback cycle.
type CycleReport struct {
	Cycle    int64         `json:"cycle"`
	Samples  int           `json:"samples"`
	Min      uint8         `json:"min"`
	Max      uint8         `json:"max"`
	Duration time.Duration `json:"duration_ns"`
}

// Status is a point-in-time view of the loop.
type Status struct {
	Phase         Phase  `json:"-"`
	PhaseName     string `json:"phase"`
	Cycles        int64  `json:"cycles"`
	Cursor        int    `json:"cursor"`
	Limit         int    `json:"limit"`
	CaptureTicks  int64  `json:"capture_ticks"`
	PlaybackTicks int64  `json:"playback_ticks"`
	RejectedTicks int64  `json:"rejected_ticks"`
	InitTimeouts  int64  `json:"init_timeouts"`
}

// Loop owns the buffer, both clocks and the three handoff signals.
type Loop struct {
	opts Options

	buf        *buffer.SampleBuffer
	phase      PhaseState
	recordDone *handoff.Signal
	playInit   *handoff.Signal
	playDone   *handoff.Signal

	capture  *CaptureClock
	playback *PlaybackClock

	snapshot     []uint8
	cycles       atomic.Int64
	initTimeouts atomic.Int64
}

// New builds a loop over the given peripherals.
func New(opts Options, timer hal.TimerService, pwm hal.CycleService, source hal.AnalogSource) (*Loop, error) {
	if opts.Oversample < 1 || bits.OnesCount(uint(opts.Oversample)) != 1 {
		return nil, fmt.Errorf("oversample must be a power of two, got %d", opts.Oversample)
	}
	if opts.CapturePeriod <= 0 {
		return nil, fmt.Errorf("capture period must be > 0, got %v", opts.CapturePeriod)
	}
	if opts.ADCBits < 8 || opts.ADCBits > 16 {
		return nil, fmt.Errorf("adc bits must be in [8, 16], got %d", opts.ADCBits)
	}
	if timer == nil || pwm == nil || source == nil {
		return nil, fmt.Errorf("timer, output and source are required")
	}
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = DefaultInitTimeout
	}

	buf, err := buffer.New(opts.Samples)
	if err != nil {
		return nil, err
	}

	l := &Loop{
		opts:       opts,
		buf:        buf,
		recordDone: handoff.New("RecordDone"),
		playInit:   handoff.New("PlayInit"),
		playDone:   handoff.New("PlayDone"),
		snapshot:   make([]uint8, opts.Samples),
	}
	shift := uint(bits.TrailingZeros(uint(opts.Oversample)))
	l.capture = NewCaptureClock(timer, source, buf, &l.phase, l.recordDone, opts.CapturePeriod, opts.ADCBits)
	l.playback = NewPlaybackClock(pwm, buf, &l.phase, l.playDone, opts.Cycle, shift)
	return l, nil
}

// Run starts both tasks and blocks until the context is cancelled, the
// cycle limit is reached or a clock fails to arm.
func (l *Loop) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return l.captureTask(gctx)
	})
	g.Go(func() error {
		return l.playbackTask(gctx)
	})

	err := g.Wait()
	l.capture.Disarm()
	l.playback.Disable()
	l.abort()
	return err
}

// abort returns an interrupted cycle to IDLE. It only runs once both tasks
// have exited, so nothing else moves the phase.
func (l *Loop) abort() {
	l.recordDone.Drain()
	l.playInit.Drain()
	l.playDone.Drain()

	phase := l.phase.Load()
	if phase == PhaseIdle || phase == PhaseFault {
		return
	}
	slog.Info("Cycle aborted", "cycle", l.cycles.Load()+1, "phase", phase, "cursor", l.buf.Cursor().Pos())
	l.phase.Store(PhaseIdle)
}

// Status returns the current phase and counters.
func (l *Loop) Status() Status {
	phase := l.phase.Load()
	cursor := l.buf.Cursor()
	return Status{
		Phase:         phase,
		PhaseName:     phase.String(),
		Cycles:        l.cycles.Load(),
		Cursor:        cursor.Pos(),
		Limit:         cursor.Limit(),
		CaptureTicks:  l.capture.Ticks(),
		PlaybackTicks: l.playback.Ticks(),
		RejectedTicks: l.capture.Rejected() + l.playback.Rejected(),
		InitTimeouts:  l.initTimeouts.Load(),
	}
}

// Phase returns the current phase.
func (l *Loop) Phase() Phase {
	return l.phase.Load()
}

// Cycles returns the number of completed cycles.
func (l *Loop) Cycles() int64 {
	return l.cycles.Load()
}
