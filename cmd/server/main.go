// Command server runs the in-memory development backend: the chat REST
// API and the realtime socket on one port.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/omochice/chatcore/internal/config"
	"github.com/omochice/chatcore/internal/logging"
	"github.com/omochice/chatcore/internal/server"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		addr  string
		token string
		log   config.LogConfig
	)
	defaults := config.Default().Logging

	cmd := &cobra.Command{
		Use:          "server",
		Short:        "Run the development chat backend",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := logging.New(log, os.Stderr)
			if err != nil {
				return err
			}

			srv := server.New(addr, server.WithLogger(logger), server.WithToken(token))
			if err := srv.Start(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			logger.Info().Msg("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Stop(shutdownCtx); err != nil {
				return err
			}
			logger.Info().Msg("server stopped")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&addr, "addr", "a", ":8080", "address to listen on")
	flags.StringVar(&token, "token", "", "bearer token every request must carry (empty disables auth)")
	flags.StringVar(&log.Level, "log-level", defaults.Level, "log level: debug, info, warn, error")
	flags.StringVar(&log.Format, "log-format", defaults.Format, "log format: console or json")
	return cmd
}
