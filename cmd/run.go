package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/audiolibrelab/pwmloop/internal/service"
	"github.com/audiolibrelab/pwmloop/internal/ui"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the capture and playback loop",
	Long: `Run the loop until interrupted, or for a fixed number of cycles with --cycles.
Each cycle captures the whole buffer, reports it on the diagnostics output and
plays it back. Ctrl+C stops at the next phase boundary.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("cycles") {
			cfg.Run.Cycles, _ = cmd.Flags().GetInt64("cycles")
		}
		if mode, _ := cmd.Flags().GetString("mode"); mode != "" {
			cfg.Sim.Mode = mode
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if cfg.Sim.Mode == "manual" {
			return fmt.Errorf("sim.mode manual has no tick driver on the command line, use paced or fast")
		}

		tui, _ := cmd.Flags().GetBool("tui")
		if tui && (cfg.Diagnostics.Output == "stdout" || cfg.Diagnostics.Output == "") {
			// the report would tear the screen
			cfg.Diagnostics.Output = "discard"
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc := service.New(cfg, cfgFile, nil)
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start: %w", err)
		}

		if tui {
			return runTUI(svc)
		}

		err := svc.Wait()
		st := svc.Status()
		fmt.Fprintf(os.Stderr, "Completed %d cycles (%s)\n", st.Loop.Cycles, st.State)
		if err != nil {
			return fmt.Errorf("loop failed: %w", err)
		}
		return nil
	},
}

func runTUI(svc service.Service) error {
	// log lines would tear the screen too
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer setupLogging(verboseLevel)

	p := ui.Run(svc, 100*time.Millisecond)
	_, err := p.Run()

	if stopErr := svc.Stop(); err == nil {
		err = stopErr
	}
	if err != nil {
		return fmt.Errorf("tui failed: %w", err)
	}
	if msg := svc.GetLastError(); msg != "" {
		return fmt.Errorf("loop failed: %s", msg)
	}
	return nil
}

func init() {
	runCmd.Flags().Int64("cycles", 0, "stop after this many cycles, 0 runs until interrupted (overrides config)")
	runCmd.Flags().Bool("tui", false, "show a live status view")
	runCmd.Flags().String("mode", "", "peripheral drive mode: paced, fast (overrides config)")
}
