package handoff

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned by TakeTimeout when no signal arrived in time.
var ErrTimeout = errors.New("handoff: timed out waiting for signal")

// Signal is a binary semaphore: one outstanding give at most, consumed by take.
// Give never blocks and is safe to call from interrupt context.
type Signal struct {
	name string
	ch   chan struct{}
}

// New creates an empty signal. The name only shows up in logs and errors.
func New(name string) *Signal {
	return &Signal{name: name, ch: make(chan struct{}, 1)}
}

// Name returns the signal name.
func (s *Signal) Name() string {
	return s.name
}

// Give sets the flag. It returns false if the flag was already set.
func (s *Signal) Give() bool {
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Take blocks until the flag is set or ctx is done, then clears it.
func (s *Signal) Take(ctx context.Context) error {
	select {
	case <-s.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TakeTimeout is Take with an upper bound on the wait.
func (s *Signal) TakeTimeout(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-s.ch:
		return nil
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending reports whether the flag is currently set.
func (s *Signal) Pending() bool {
	return len(s.ch) == 1
}

// Drain clears the flag without waiting.
func (s *Signal) Drain() {
	select {
	case <-s.ch:
	default:
	}
}
