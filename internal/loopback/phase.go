package loopback

import (
	"fmt"
	"sync/atomic"
)

// Phase is the half-duplex state of the loop.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseCapturing
	PhasePlayInitPending
	PhasePlaying
	// PhaseFault is terminal: a clock failed to arm and the loop stopped.
	PhaseFault
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseCapturing:
		return "CAPTURING"
	case PhasePlayInitPending:
		return "PLAY_INIT_PENDING"
	case PhasePlaying:
		return "PLAYING"
	case PhaseFault:
		return "FAULT"
	default:
		return fmt.Sprintf("PHASE(%d)", int32(p))
	}
}

// PhaseState holds the current phase. Tick handlers load it, tasks move it.
type PhaseState struct {
	v atomic.Int32
}

// Load returns the current phase.
func (s *PhaseState) Load() Phase {
	return Phase(s.v.Load())
}

// Store forces a phase, used only for the fault path.
func (s *PhaseState) Store(p Phase) {
	s.v.Store(int32(p))
}

// Transition moves from one phase to the next and fails if the loop is not
// where the caller expects it.
func (s *PhaseState) Transition(from, to Phase) error {
	if !s.v.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("invalid phase transition %s -> %s, current: %s", from, to, s.Load())
	}
	return nil
}
