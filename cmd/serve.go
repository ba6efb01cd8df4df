package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/audiolibrelab/pwmloop/internal/config"
	"github.com/audiolibrelab/pwmloop/internal/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP control server",
	Long: `Start the pwmloop control server. It exposes the engine status as JSON and
lets you start, stop and restart the loop or switch profiles remotely.
Profiles with sim.mode manual cannot be started from the server.

No audio is streamed over the network.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetString("port")

		path := cfgFile
		if path == "" {
			path = config.DefaultPath()
		}

		srv, err := server.New(path, port)
		if err != nil {
			return fmt.Errorf("failed to create server: %w (run 'pwmloop config init' to create one)", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		select {
		case err := <-errCh:
			srv.Shutdown()
			return fmt.Errorf("server failed: %w", err)
		case <-ctx.Done():
			slog.Info("Stopping control server", "config", path)
			return srv.Shutdown()
		}
	},
}

func init() {
	serveCmd.Flags().String("port", "8080", "port for the control server")
}
