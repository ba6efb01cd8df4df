package loopback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/audiolibrelab/pwmloop/internal/handoff"
)

// captureTask sequences the cycle: arm capture, wait RecordDone, hand over
// with PlayInit, wait PlayDone, disable the output. A cancelled wait leaves the
// cycle for Run to abort.
func (l *Loop) captureTask(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if l.opts.Cycles > 0 && l.cycles.Load() >= l.opts.Cycles {
			slog.Info("Cycle limit reached", "cycles", l.cycles.Load())
			return nil
		}

		cycle := l.cycles.Load() + 1
		start := time.Now()

		if err := l.capture.Arm(); err != nil {
			slog.Error("Failed to arm capture clock", "cycle", cycle, "error", err)
			return err
		}
		slog.Debug("Capture armed", "cycle", cycle, "samples", l.buf.Len(), "period", l.opts.CapturePeriod)

		if err := l.recordDone.Take(ctx); err != nil {
			return nil
		}

		// no clock is armed until PlayInit is given
		l.capture.Disarm()
		n := l.buf.CopyTo(l.snapshot)
		if err := l.phase.Transition(PhaseCapturing, PhasePlayInitPending); err != nil {
			return err
		}
		l.playInit.Give()
		slog.Debug("Capture complete, playback requested", "cycle", cycle, "samples", n)

		if l.opts.Diagnostics != nil {
			if err := l.opts.Diagnostics.Report(l.snapshot[:n]); err != nil {
				slog.Warn("Diagnostics report failed", "cycle", cycle, "error", err)
			}
		}

		if err := l.playDone.Take(ctx); err != nil {
			return nil
		}
		l.playback.Disable()

		if err := l.phase.Transition(PhasePlaying, PhaseIdle); err != nil {
			return err
		}
		l.cycles.Add(1)

		report := summarise(cycle, l.snapshot[:n], time.Since(start))
		slog.Debug("Cycle complete", "cycle", cycle, "min", report.Min, "max", report.Max, "duration", report.Duration)
		if l.opts.OnCycle != nil {
			l.opts.OnCycle(report)
		}
	}
}

// playbackTask waits for PlayInit and arms the playback clock. The wait is
// bounded so the task re-polls instead of sleeping forever.
func (l *Loop) playbackTask(ctx context.Context) error {
	for {
		err := l.playInit.TakeTimeout(ctx, l.opts.InitTimeout)
		if errors.Is(err, handoff.ErrTimeout) {
			l.initTimeouts.Add(1)
			continue
		}
		if err != nil {
			return nil
		}

		if err := l.playback.Arm(); err != nil {
			slog.Error("Failed to arm playback clock", "cycle", l.cycles.Load()+1, "error", err)
			return fmt.Errorf("playback task: %w", err)
		}
		slog.Debug("Playback armed", "cycle", l.cycles.Load()+1, "cycles_per_sample", l.opts.Oversample)
	}
}

func summarise(cycle int64, samples []uint8, d time.Duration) CycleReport {
	report := CycleReport{Cycle: cycle, Samples: len(samples), Min: 0xFF, Duration: d}
	for _, s := range samples {
		report.Min = min(report.Min, s)
		report.Max = max(report.Max, s)
	}
	if len(samples) == 0 {
		report.Min = 0
	}
	return report
}
