package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show resolved configuration and derived timing",
	Long:  `Display the resolved configuration with inheritance indicators and the timing derived from it. Shows which values are inherited from default vs profile-specific.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n := cfg.BufferLen()
		period := cfg.CapturePeriod()
		rate := cfg.CycleRate()

		fmt.Printf("=== TIMING (profile %s) ===\n", cfg.Profile)
		fmt.Printf("buffer: %d samples\n", n)
		fmt.Printf("capture_period: %v (%.1f Hz)\n", period, float64(time.Second)/float64(period))
		fmt.Printf("clock_divider: %.4f\n", cfg.ClockDivider())
		fmt.Printf("cycle_rate: %.1f Hz (%.3f x sample rate)\n", rate, rate/float64(cfg.Audio.SampleRate))
		fmt.Printf("capture_phase: %v\n", time.Duration(n)*period)
		if rate > 0 {
			playback := time.Duration(float64(n*cfg.Audio.Oversample) / rate * float64(time.Second))
			fmt.Printf("playback_phase: %v\n", playback.Round(time.Microsecond))
		}

		fmt.Printf("\n=== RESOLVED CONFIGURATION ===\n")

		fmt.Printf("\n[Audio]\n")
		printValue("audio.sample_rate", cfg.Audio.SampleRate)
		printValue("audio.duration_seconds", cfg.Audio.DurationSeconds)
		printValue("audio.oversample", cfg.Audio.Oversample)

		fmt.Printf("\n[Capture]\n")
		printValue("capture.adc_bits", cfg.Capture.ADCBits)
		printValue("capture.source", cfg.Capture.Source)
		printValue("capture.frequency", cfg.Capture.Frequency)
		printValue("capture.level", cfg.Capture.Level)
		printValue("capture.file", cfg.Capture.File)

		fmt.Printf("\n[Playback]\n")
		printValue("playback.system_clock_hz", cfg.Playback.SystemClockHz)
		printValue("playback.wrap", cfg.Playback.Wrap)
		printValue("playback.clock_divider", cfg.Playback.ClockDivider)
		printValue("playback.rate_tolerance", cfg.Playback.RateTolerance)
		printValue("playback.init_timeout", cfg.Playback.InitTimeout)
		printValue("playback.sink", cfg.Playback.Sink)
		printValue("playback.trace_file", cfg.Playback.TraceFile)

		fmt.Printf("\n[Diagnostics]\n")
		printValue("diagnostics.enabled", cfg.Diagnostics.Enabled)
		printValue("diagnostics.output", cfg.Diagnostics.Output)
		printValue("diagnostics.vref", cfg.Diagnostics.VRef)

		fmt.Printf("\n[Sim]\n")
		printValue("sim.mode", cfg.Sim.Mode)
		printValue("sim.resolution", cfg.Sim.Resolution)
		printValue("sim.timer_slots", cfg.Sim.TimerSlots)

		fmt.Printf("\n[Run]\n")
		printValue("run.cycles", cfg.Run.Cycles)

		return nil
	},
}

func printValue(key string, value interface{}) {
	fmt.Printf("%s: %v %s\n", key, value, getInheritanceIndicator(cfg.Inheritance[key]))
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	default:
		return "[unknown]"
	}
}
