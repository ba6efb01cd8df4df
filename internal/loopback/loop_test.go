package loopback

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/audiolibrelab/pwmloop/internal/diag"
	"github.com/audiolibrelab/pwmloop/internal/hal"
)

// eventLog records the order of capture reads and playback levels across
// the peripheral goroutines.
type eventLog struct {
	mu       sync.Mutex
	kinds    []byte
	readings []uint16
	levels   []uint16
	next     int
	reading  func(k int) uint16
}

func (e *eventLog) Read() uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := e.reading(e.next)
	e.next++
	e.kinds = append(e.kinds, 'c')
	e.readings = append(e.readings, v)
	return v
}

func (e *eventLog) SetLevel(level uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.kinds = append(e.kinds, 'p')
	e.levels = append(e.levels, level)
}

func (e *eventLog) snapshot() ([]byte, []uint16, []uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]byte(nil), e.kinds...), append([]uint16(nil), e.readings...), append([]uint16(nil), e.levels...)
}

func newFastLoop(t *testing.T, opts Options, slots int, log *eventLog) (*Loop, *hal.SimTimer, *hal.SimPWM) {
	t.Helper()
	timer := hal.NewSimTimer(hal.ModeFast, 0, slots)
	pwm := hal.NewSimPWM(hal.ModeFast, 0, 125e6, log)
	t.Cleanup(func() {
		timer.Close()
		pwm.Close()
	})

	if opts.CapturePeriod == 0 {
		opts.CapturePeriod = 125 * time.Microsecond
	}
	if opts.ADCBits == 0 {
		opts.ADCBits = 12
	}
	if opts.Cycle.Wrap == 0 {
		opts.Cycle = testCycle
	}
	opts.InitTimeout = 20 * time.Millisecond

	l, err := New(opts, timer, pwm, log)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return l, timer, pwm
}

func runWithTimeout(t *testing.T, l *Loop, d time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	err := l.Run(ctx)
	if ctx.Err() != nil {
		t.Fatalf("loop did not finish within %v (phase %s, cycles %d)", d, l.Phase(), l.Cycles())
	}
	return err
}

func TestLoop_RoundTripAcrossCycles(t *testing.T) {
	const (
		samples    = 32
		oversample = 4
		cycles     = 3
	)
	log := &eventLog{reading: func(k int) uint16 { return uint16((k * 37) % 4096) }}
	l, _, _ := newFastLoop(t, Options{Samples: samples, Oversample: oversample, Cycles: cycles}, 1, log)

	if err := runWithTimeout(t, l, 10*time.Second); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if l.Cycles() != cycles {
		t.Fatalf("Expected %d cycles, got %d", cycles, l.Cycles())
	}
	if l.Phase() != PhaseIdle {
		t.Errorf("Expected IDLE after the last cycle, got %s", l.Phase())
	}

	_, readings, levels := log.snapshot()
	if len(readings) != samples*cycles {
		t.Fatalf("Expected %d readings, got %d", samples*cycles, len(readings))
	}
	if len(levels) != samples*oversample*cycles {
		t.Fatalf("Expected %d levels, got %d", samples*oversample*cycles, len(levels))
	}

	for c := 0; c < cycles; c++ {
		for i := 0; i < samples; i++ {
			expected := readings[c*samples+i] >> 4
			for r := 0; r < oversample; r++ {
				tick := c*samples*oversample + i*oversample + r
				if levels[tick] != expected {
					t.Fatalf("cycle %d sample %d repeat %d: level %d, expected %d", c, i, r, levels[tick], expected)
				}
			}
		}
	}

	status := l.Status()
	if status.CaptureTicks != samples*cycles || status.PlaybackTicks != samples*oversample*cycles {
		t.Errorf("Unexpected tick counters: %+v", status)
	}
	if status.Cursor != samples*oversample || status.Limit != samples*oversample {
		t.Errorf("Expected playback cursor at %d, got %d/%d", samples*oversample, status.Cursor, status.Limit)
	}
}

func TestLoop_PhasesNeverInterleave(t *testing.T) {
	const (
		samples    = 8
		oversample = 2
		cycles     = 4
	)
	log := &eventLog{reading: func(k int) uint16 { return 2048 }}
	l, _, _ := newFastLoop(t, Options{Samples: samples, Oversample: oversample, Cycles: cycles}, 1, log)

	if err := runWithTimeout(t, l, 10*time.Second); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	kinds, _, levels := log.snapshot()
	cycle := strings.Repeat("c", samples) + strings.Repeat("p", samples*oversample)
	if string(kinds) != strings.Repeat(cycle, cycles) {
		t.Errorf("Capture and playback interleaved:\n%s", kinds)
	}

	// stable input comes back within 8-bit quantisation
	for _, level := range levels {
		if level != 2048>>4 {
			t.Fatalf("Expected level %d for stable input, got %d", 2048>>4, level)
		}
	}
}

func TestLoop_SingleSampleBuffer(t *testing.T) {
	log := &eventLog{reading: func(k int) uint16 { return 4095 }}
	l, _, pwm := newFastLoop(t, Options{Samples: 1, Oversample: 8, Cycles: 1}, 1, log)

	if err := runWithTimeout(t, l, 5*time.Second); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	_, readings, levels := log.snapshot()
	if len(readings) != 1 || len(levels) != 8 {
		t.Fatalf("Expected 1 reading and 8 levels, got %d and %d", len(readings), len(levels))
	}
	if pwm.Enabled() {
		t.Error("Expected output disabled after the cycle")
	}
}

func TestLoop_ArmFailureFaults(t *testing.T) {
	log := &eventLog{reading: func(k int) uint16 { return 0 }}
	l, _, _ := newFastLoop(t, Options{Samples: 4, Oversample: 2}, 0, log)

	err := runWithTimeout(t, l, 5*time.Second)
	if !errors.Is(err, ErrArmFailed) {
		t.Fatalf("Expected ErrArmFailed, got %v", err)
	}
	if l.Phase() != PhaseFault {
		t.Errorf("Expected FAULT, got %s", l.Phase())
	}
	if l.Cycles() != 0 {
		t.Errorf("Expected no completed cycles, got %d", l.Cycles())
	}
}

func TestLoop_CancelStopsAtPhaseBoundary(t *testing.T) {
	log := &eventLog{reading: func(k int) uint16 { return 100 }}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reports []CycleReport
	opts := Options{
		Samples:    16,
		Oversample: 2,
		OnCycle: func(r CycleReport) {
			reports = append(reports, r)
			if r.Cycle == 2 {
				cancel()
			}
		},
	}
	l, _, _ := newFastLoop(t, opts, 1, log)

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Expected clean stop, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("loop did not stop after cancel")
	}

	if l.Cycles() != 2 {
		t.Errorf("Expected to stop after 2 cycles, got %d", l.Cycles())
	}
	if len(reports) != 2 || reports[1].Samples != 16 || reports[1].Min != 100>>4 || reports[1].Max != 100>>4 {
		t.Errorf("Unexpected cycle reports: %+v", reports)
	}
}

func TestLoop_ReportsDiagnostics(t *testing.T) {
	log := &eventLog{reading: func(k int) uint16 { return 4095 }}
	var out bytes.Buffer
	opts := Options{
		Samples:     5,
		Oversample:  1,
		Cycles:      2,
		Diagnostics: diag.NewReporter(&out, 3.3),
	}
	l, _, _ := newFastLoop(t, opts, 1, log)

	if err := runWithTimeout(t, l, 5*time.Second); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 10 {
		t.Fatalf("Expected 10 diagnostic lines, got %d", len(lines))
	}
	for _, line := range lines {
		if line != "3.30" {
			t.Errorf("Expected 3.30, got %q", line)
		}
	}
}

func TestLoop_PacedPeripherals(t *testing.T) {
	log := &eventLog{reading: func(k int) uint16 { return uint16(k * 16) }}
	timer := hal.NewSimTimer(hal.ModePaced, time.Millisecond, 1)
	pwm := hal.NewSimPWM(hal.ModePaced, time.Millisecond, 125e6, log)
	defer timer.Close()
	defer pwm.Close()

	opts := Options{
		Samples:       8,
		Oversample:    4,
		ADCBits:       12,
		CapturePeriod: 100 * time.Microsecond,
		// 125 MHz / 2 / 250 = 250 kHz
		Cycle:       hal.CycleConfig{ClockDivider: 2, Wrap: 249},
		InitTimeout: 10 * time.Millisecond,
		Cycles:      1,
	}
	l, err := New(opts, timer, pwm, log)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := runWithTimeout(t, l, 5*time.Second); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	_, _, levels := log.snapshot()
	if len(levels) != 32 {
		t.Fatalf("Expected 32 levels, got %d", len(levels))
	}
	for tick, level := range levels {
		if level != uint16(tick/4) {
			t.Errorf("tick %d: level %d, expected %d", tick, level, tick/4)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	timer := hal.NewSimTimer(hal.ModeManual, 0, 1)
	pwm := hal.NewSimPWM(hal.ModeManual, 0, 125e6, nil)
	log := &eventLog{reading: func(k int) uint16 { return 0 }}
	base := Options{Samples: 4, Oversample: 8, ADCBits: 12, CapturePeriod: time.Millisecond, Cycle: testCycle}

	tests := []struct {
		name   string
		modify func(*Options)
	}{
		{"non power of two oversample", func(o *Options) { o.Oversample = 6 }},
		{"zero oversample", func(o *Options) { o.Oversample = 0 }},
		{"empty buffer", func(o *Options) { o.Samples = 0 }},
		{"zero period", func(o *Options) { o.CapturePeriod = 0 }},
		{"narrow adc", func(o *Options) { o.ADCBits = 4 }},
	}
	for _, tt := range tests {
		opts := base
		tt.modify(&opts)
		if _, err := New(opts, timer, pwm, log); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}

	if _, err := New(base, nil, pwm, log); err == nil {
		t.Error("Expected error for missing timer")
	}
	if _, err := New(base, timer, pwm, log); err != nil {
		t.Errorf("Expected valid options to succeed, got %v", err)
	}
}

// waitFor polls until ready reports true. Tasks arm the peripherals on their
// own goroutines, so manual steps must wait for the arm to land.
func waitFor(t *testing.T, what string, ready func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !ready() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func startManualLoop(t *testing.T, samples, oversample int, log *eventLog) (*Loop, *hal.SimTimer, *hal.SimPWM, context.CancelFunc, <-chan error) {
	t.Helper()
	timer := hal.NewSimTimer(hal.ModeManual, 0, 1)
	pwm := hal.NewSimPWM(hal.ModeManual, 0, 125e6, log)
	opts := Options{
		Samples:       samples,
		Oversample:    oversample,
		ADCBits:       12,
		CapturePeriod: 125 * time.Microsecond,
		Cycle:         testCycle,
		InitTimeout:   5 * time.Millisecond,
	}
	l, err := New(opts, timer, pwm, log)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	return l, timer, pwm, cancel, done
}

func waitForRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop after cancel")
		return nil
	}
}

func TestLoop_CancelDuringCaptureAborts(t *testing.T) {
	log := &eventLog{reading: func(k int) uint16 { return 4095 }}
	l, timer, _, cancel, done := startManualLoop(t, 8, 2, log)

	waitFor(t, "capture armed", func() bool { return l.Phase() == PhaseCapturing && timer.Active() == 1 })
	timer.Step(3)
	cancel()

	if err := waitForRun(t, done); err != nil {
		t.Fatalf("Expected clean stop, got %v", err)
	}
	if l.Phase() != PhaseIdle {
		t.Errorf("Expected IDLE after an aborted capture, got %s", l.Phase())
	}
	if l.Cycles() != 0 {
		t.Errorf("Expected the partial cycle not to count, got %d", l.Cycles())
	}
	if timer.Active() != 0 {
		t.Errorf("Expected the capture timer to be released, %d active", timer.Active())
	}
	if l.recordDone.Pending() || l.playInit.Pending() || l.playDone.Pending() {
		t.Error("Expected no signal left pending after abort")
	}

	timer.Step(5)
	_, readings, levels := log.snapshot()
	if len(readings) != 3 || len(levels) != 0 {
		t.Errorf("Expected 3 readings and no levels, got %d and %d", len(readings), len(levels))
	}
}

func TestLoop_CancelDuringPlaybackAborts(t *testing.T) {
	log := &eventLog{reading: func(k int) uint16 { return 4095 }}
	l, timer, pwm, cancel, done := startManualLoop(t, 4, 2, log)

	waitFor(t, "capture armed", func() bool { return l.Phase() == PhaseCapturing && timer.Active() == 1 })
	timer.Step(4)
	waitFor(t, "playback armed", func() bool {
		return l.Phase() == PhasePlaying && pwm.Enabled() && pwm.InterruptEnabled()
	})
	pwm.Step(5)
	cancel()

	if err := waitForRun(t, done); err != nil {
		t.Fatalf("Expected clean stop, got %v", err)
	}
	if l.Phase() != PhaseIdle {
		t.Errorf("Expected IDLE after an aborted playback, got %s", l.Phase())
	}
	if l.Cycles() != 0 {
		t.Errorf("Expected the partial cycle not to count, got %d", l.Cycles())
	}
	if pwm.Enabled() || pwm.InterruptEnabled() {
		t.Error("Expected output and wrap interrupt disabled after abort")
	}

	pwm.Step(3)
	_, _, levels := log.snapshot()
	if len(levels) != 5 {
		t.Errorf("Expected 5 levels before the abort and none after, got %d", len(levels))
	}
}

func TestLoop_PlayInitWaitRepolls(t *testing.T) {
	const (
		samples    = 16
		oversample = 4
	)
	log := &eventLog{reading: func(k int) uint16 { return uint16(k * 16) }}
	timer := hal.NewSimTimer(hal.ModePaced, time.Millisecond, 1)
	pwm := hal.NewSimPWM(hal.ModePaced, time.Millisecond, 125e6, log)
	defer timer.Close()
	defer pwm.Close()

	var l *Loop
	var leftover []string
	opts := Options{
		Samples:       samples,
		Oversample:    oversample,
		ADCBits:       12,
		CapturePeriod: time.Millisecond,
		Cycle:         hal.CycleConfig{ClockDivider: 2, Wrap: 249},
		InitTimeout:   2 * time.Millisecond,
		Cycles:        1,
		OnCycle: func(CycleReport) {
			if l.playInit.Pending() {
				leftover = append(leftover, "PlayInit")
			}
			if l.playDone.Pending() {
				leftover = append(leftover, "PlayDone")
			}
		},
	}
	var err error
	l, err = New(opts, timer, pwm, log)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := runWithTimeout(t, l, 5*time.Second); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if l.Cycles() != 1 {
		t.Fatalf("Expected 1 cycle, got %d", l.Cycles())
	}
	if n := l.Status().InitTimeouts; n < 2 {
		t.Errorf("Expected the PlayInit wait to time out while capturing, got %d timeouts", n)
	}
	if len(leftover) != 0 {
		t.Errorf("Expected no stray signals after the cycle, got %v", leftover)
	}

	_, _, levels := log.snapshot()
	if len(levels) != samples*oversample {
		t.Fatalf("Expected %d levels, got %d", samples*oversample, len(levels))
	}
	for tick, level := range levels {
		if level != uint16(tick/oversample) {
			t.Errorf("tick %d: level %d, expected %d", tick, level, tick/oversample)
		}
	}
}
