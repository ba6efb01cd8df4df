package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ebitengine/oto/v3"
)

// oto allows a single context per process
var (
	otoMu   sync.Mutex
	otoCtx  *oto.Context
	otoRate int
)

// OtoSink plays the output on the host speaker. Each group of oversample
// levels is averaged into one 16-bit PCM frame, the way the output filter
// smooths the repeated duty cycles. Frames sit in a ring that the oto
// player pulls from; a full ring drops frames so SetLevel never blocks.
type OtoSink struct {
	mu     sync.Mutex
	ring   []int16
	head   int
	size   int
	acc    uint32
	n      int
	group  int
	player *oto.Player

	dropped int64
}

func newOtoStream(oversample, capacity int) *OtoSink {
	if oversample < 1 {
		oversample = 1
	}
	return &OtoSink{ring: make([]int16, capacity), group: oversample}
}

// NewOtoSink opens the host audio device at sampleRate and starts playback.
func NewOtoSink(sampleRate, oversample int) (*OtoSink, error) {
	ctx, err := otoContext(sampleRate)
	if err != nil {
		return nil, err
	}

	// half a second of headroom
	s := newOtoStream(oversample, sampleRate/2+1)
	s.player = ctx.NewPlayer(s)
	s.player.Play()

	slog.Debug("Host audio output opened", "sample_rate", sampleRate, "oversample", oversample)
	return s, nil
}

func otoContext(sampleRate int) (*oto.Context, error) {
	otoMu.Lock()
	defer otoMu.Unlock()

	if otoCtx != nil {
		if otoRate != sampleRate {
			return nil, fmt.Errorf("host audio already open at %d Hz, cannot reopen at %d Hz", otoRate, sampleRate)
		}
		return otoCtx, nil
	}

	op := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
	}
	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("failed to create oto context: %w", err)
	}
	<-ready

	otoCtx = ctx
	otoRate = sampleRate
	return ctx, nil
}

func (s *OtoSink) SetLevel(level uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.acc += uint32(level)
	s.n++
	if s.n < s.group {
		return
	}
	avg := int32(s.acc / uint32(s.n))
	s.acc, s.n = 0, 0

	if avg > 255 {
		avg = 255
	}
	frame := int16((avg - 128) << 8)

	if s.size == len(s.ring) {
		s.dropped++
		return
	}
	s.ring[(s.head+s.size)%len(s.ring)] = frame
	s.size++
}

// Read implements io.Reader for the oto player. Silence fills any gap.
func (s *OtoSink) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	frames := len(p) / 2
	for i := 0; i < frames; i++ {
		var v int16
		if s.size > 0 {
			v = s.ring[s.head]
			s.head = (s.head + 1) % len(s.ring)
			s.size--
		}
		binary.LittleEndian.PutUint16(p[i*2:], uint16(v))
	}
	return frames * 2, nil
}

// Buffered returns the number of frames waiting for the player.
func (s *OtoSink) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Dropped returns the number of frames lost to a full ring.
func (s *OtoSink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *OtoSink) Close() error {
	if s.player == nil {
		return nil
	}
	err := s.player.Close()
	s.player = nil
	if err != nil {
		return fmt.Errorf("failed to close audio player: %w", err)
	}
	return nil
}
