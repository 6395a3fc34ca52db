package main

import (
	"os/signal"
	"syscall"

	"github.com/orchestra-mcp/realtime/providers"
	"github.com/orchestra-mcp/realtime/src/logging"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the WebSocket server and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := logging.New(cfg.Log)

		srv, err := providers.New(cfg, logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := srv.Start(ctx); err != nil {
			srv.Stop()
			return err
		}

		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()

		select {
		case err = <-errCh:
			logger.Error().Err(err).Msg("listener exited")
		case <-ctx.Done():
			logger.Info().Msg("shutdown signal received")
		}
		if stopErr := srv.Stop(); stopErr != nil && err == nil {
			err = stopErr
		}
		return err
	},
}
