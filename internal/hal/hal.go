package hal

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNoTimer is returned when the timer service has no free slot.
var ErrNoTimer = errors.New("no timer slot available")

// AnalogSource yields one raw ADC reading per call.
type AnalogSource interface {
	Read() uint16
}

// AnalogSink receives the output duty level, one call per output cycle.
type AnalogSink interface {
	SetLevel(level uint16)
}

// TimerHandle identifies a scheduled repeating timer.
type TimerHandle int

// TimerService schedules repeating callbacks. A callback returns false to
// stop repeating. Callbacks run in interrupt context and must not block.
type TimerService interface {
	Schedule(period time.Duration, cb func() bool) (TimerHandle, error)
	Cancel(h TimerHandle)
}

// CycleConfig describes the output hardware cycle: the counter runs at
// system clock / ClockDivider and wraps after Wrap+1 counts.
type CycleConfig struct {
	ClockDivider float64
	Wrap         uint16
}

// CycleRate returns the wrap interrupt frequency for a system clock.
func (c CycleConfig) CycleRate(systemClockHz float64) float64 {
	if c.ClockDivider <= 0 {
		return 0
	}
	return systemClockHz / c.ClockDivider / float64(uint32(c.Wrap)+1)
}

// CycleService is the PWM-style output peripheral with a wrap interrupt.
type CycleService interface {
	Configure(cfg CycleConfig) error
	SetEnabled(enabled bool)
	SetLevel(level uint16)
	EnableInterrupt(handler func())
	DisableInterrupt()
	ClearPending()
}

// DriveMode selects how simulated peripherals advance time.
type DriveMode string

const (
	// ModeManual fires only when a test calls Step.
	ModeManual DriveMode = "manual"
	// ModeFast fires back to back on a goroutine.
	ModeFast DriveMode = "fast"
	// ModePaced fires at the configured rate, in batches of one resolution step.
	ModePaced DriveMode = "paced"
)

// ParseMode converts a config string to a DriveMode.
func ParseMode(s string) (DriveMode, error) {
	switch DriveMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeManual:
		return ModeManual, nil
	case ModeFast:
		return ModeFast, nil
	case ModePaced, "":
		return ModePaced, nil
	}
	return "", fmt.Errorf("unknown sim mode %q (valid: manual, fast, paced)", s)
}
