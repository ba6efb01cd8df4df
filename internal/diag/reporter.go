package diag

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Reporter writes each captured sample as a voltage, one line per sample.
// It is a side channel and never feeds back into the audio path.
type Reporter struct {
	w    io.Writer
	vref float64
}

// NewReporter creates a reporter. A nil writer discards everything.
func NewReporter(w io.Writer, vref float64) *Reporter {
	if w == nil {
		w = io.Discard
	}
	return &Reporter{w: w, vref: vref}
}

// Voltage converts an 8-bit sample back to the input voltage it represents.
func (r *Reporter) Voltage(sample uint8) float64 {
	return r.vref * (float64(sample) / 255.0)
}

// Report writes one "%.2f" line per sample.
func (r *Reporter) Report(samples []uint8) error {
	bw := bufio.NewWriter(r.w)
	for _, s := range samples {
		if _, err := fmt.Fprintf(bw, "%.2f\n", r.Voltage(s)); err != nil {
			return fmt.Errorf("failed to write diagnostic line: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush diagnostics: %w", err)
	}
	return nil
}

// Open resolves a diagnostics output target: "stdout", "stderr", "discard"
// or a file path. The returned close function is always non-nil.
func Open(target string) (io.Writer, func() error, error) {
	noop := func() error { return nil }

	switch target {
	case "", "stdout":
		return os.Stdout, noop, nil
	case "stderr":
		return os.Stderr, noop, nil
	case "discard", "none":
		return io.Discard, noop, nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return nil, noop, fmt.Errorf("failed to create diagnostics directory: %w", err)
	}
	f, err := os.Create(target)
	if err != nil {
		return nil, noop, fmt.Errorf("failed to open diagnostics file %s: %w", target, err)
	}
	return f, f.Close, nil
}
