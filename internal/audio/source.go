package audio

import (
	"math"
	"sync"
)

// SineSource generates a test tone in ADC counts, centred at half scale.
// Each Read advances the tone by one sample period.
type SineSource struct {
	mu        sync.Mutex
	step      float64
	phase     float64
	mid       float64
	amplitude float64
	max       float64
}

// NewSineSource creates a tone of freq Hz sampled at sampleRate with the
// given peak amplitude in counts of an adcBits-wide converter.
func NewSineSource(freq float64, sampleRate, adcBits, amplitude int) *SineSource {
	full := float64(uint32(1)<<adcBits - 1)
	return &SineSource{
		step:      2 * math.Pi * freq / float64(sampleRate),
		mid:       math.Ceil(full / 2),
		amplitude: float64(amplitude),
		max:       full,
	}
}

func (s *SineSource) Read() uint16 {
	s.mu.Lock()
	v := s.mid + s.amplitude*math.Sin(s.phase)
	s.phase += s.step
	if s.phase >= 2*math.Pi {
		s.phase -= 2 * math.Pi
	}
	s.mu.Unlock()

	return uint16(math.Round(math.Max(0, math.Min(v, s.max))))
}

// ConstantSource always reads the same value, a DC input.
type ConstantSource uint16

func (c ConstantSource) Read() uint16 { return uint16(c) }

// SliceSource replays a fixed set of readings and wraps around at the end.
type SliceSource struct {
	mu      sync.Mutex
	samples []uint16
	pos     int
}

func NewSliceSource(samples []uint16) *SliceSource {
	return &SliceSource{samples: samples}
}

func (s *SliceSource) Read() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.samples) == 0 {
		return 0
	}
	v := s.samples[s.pos]
	s.pos = (s.pos + 1) % len(s.samples)
	return v
}

// Len returns the number of readings before the source wraps.
func (s *SliceSource) Len() int {
	return len(s.samples)
}
