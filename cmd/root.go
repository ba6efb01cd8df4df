package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/audiolibrelab/pwmloop/internal/config"

	"github.com/spf13/cobra"
)

var (
	cfg          *config.Config
	cfgFile      string
	profile      string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "pwmloop",
	Short: "Half-duplex audio capture and PWM playback loop",
	Long: `pwmloop records a fixed-length buffer from an analog input at a timer-driven
sample rate, then plays it back through a PWM-style output that repeats each
sample for a fixed number of output cycles, and starts over.

Capture and playback never overlap. The peripherals are simulated on the host,
either paced in real time or run as fast as possible.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(verboseLevel)

		// these resolve the config path themselves
		switch cmd.Name() {
		case "serve", "init":
			return nil
		}

		explicit := cfgFile != ""
		if !explicit {
			cfgFile = config.DefaultPath()
		}

		if _, err := os.Stat(cfgFile); errors.Is(err, fs.ErrNotExist) && !explicit {
			if profile != "" {
				return fmt.Errorf("profile '%s' requested but %s does not exist, run 'pwmloop config init'", profile, cfgFile)
			}
			slog.Debug("No config file, using built-in defaults", "path", cfgFile)
			cfg = config.Default()
			return nil
		}

		var err error
		cfg, err = config.LoadWithProfile(cfgFile, profile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/pwmloop.yaml)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_profile from file)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(backendsCmd)
	rootCmd.AddCommand(serveCmd)
}

// setupLogging configures slog based on the verbose level
func setupLogging(level int) {
	slogLevel := slog.LevelInfo
	if level >= 1 {
		slogLevel = slog.LevelDebug
	}

	// Configure text handler for clean terminal output
	opts := &slog.HandlerOptions{
		Level: slogLevel,
	}
	handler := slog.NewTextHandler(os.Stderr, opts)
	logger := slog.New(handler)
	slog.SetDefault(logger)
}
