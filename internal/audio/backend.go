package audio

import (
	"fmt"
	"strings"

	"github.com/audiolibrelab/pwmloop/internal/config"
	"github.com/audiolibrelab/pwmloop/internal/diag"
	"github.com/audiolibrelab/pwmloop/internal/hal"
)

// BackendType names an analog source or sink implementation
type BackendType string

const (
	BackendSine     BackendType = "sine"
	BackendConstant BackendType = "constant"
	BackendMP3      BackendType = "mp3"
	BackendTrace    BackendType = "trace"
	BackendNull     BackendType = "null"
	BackendOto      BackendType = "oto"
)

// Backend describes one selectable backend
type Backend struct {
	Type        BackendType
	Role        string // "source" or "sink"
	Description string
}

// GetAvailableBackends returns every source and sink that can be configured
func GetAvailableBackends() []Backend {
	return []Backend{
		{BackendSine, "source", "test tone at capture.frequency with capture.level amplitude"},
		{BackendConstant, "source", "fixed reading of capture.level counts"},
		{BackendMP3, "source", "readings decoded from capture.file"},
		{BackendTrace, "sink", "counts levels, one line per level to playback.trace_file if set"},
		{BackendNull, "sink", "discards levels"},
		{BackendOto, "sink", "host speaker, one frame per oversample group"},
	}
}

// NewSource creates the analog input selected by capture.source
func NewSource(cfg *config.Config) (hal.AnalogSource, error) {
	c := cfg.Capture

	switch BackendType(strings.ToLower(c.Source)) {
	case BackendSine:
		return NewSineSource(c.Frequency, cfg.Audio.SampleRate, c.ADCBits, c.Level), nil
	case BackendConstant:
		return ConstantSource(c.Level), nil
	case BackendMP3:
		src, err := LoadMP3(c.File, cfg.Audio.SampleRate, c.ADCBits, cfg.BufferLen())
		if err != nil {
			return nil, fmt.Errorf("failed to load mp3 source: %w", err)
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown capture source: %s", c.Source)
	}
}

// NewSink creates the analog output selected by playback.sink
func NewSink(cfg *config.Config) (Sink, error) {
	p := cfg.Playback

	switch BackendType(strings.ToLower(p.Sink)) {
	case BackendTrace:
		if p.TraceFile == "" {
			return NewTraceSink(nil, nil), nil
		}
		w, closeFn, err := diag.Open(p.TraceFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open output trace: %w", err)
		}
		return NewTraceSink(w, closeFn), nil
	case BackendNull:
		return NullSink{}, nil
	case BackendOto:
		sink, err := NewOtoSink(cfg.Audio.SampleRate, cfg.Audio.Oversample)
		if err != nil {
			return nil, fmt.Errorf("failed to open host audio: %w", err)
		}
		return sink, nil
	default:
		return nil, fmt.Errorf("unknown playback sink: %s", p.Sink)
	}
}
