// Command chat-client is an interactive terminal client for the chat
// backend. It keeps the chat list and the open conversation in a session
// and follows the open chat over the realtime socket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/omochice/chatcore/internal/auth"
	"github.com/omochice/chatcore/internal/client/connection"
	"github.com/omochice/chatcore/internal/client/rest"
	"github.com/omochice/chatcore/internal/config"
	"github.com/omochice/chatcore/internal/logging"
	"github.com/omochice/chatcore/internal/session"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type options struct {
	configPath string
	chatID     string
}

func newRootCommand() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:          "chat-client",
		Short:        "Interactive chat client",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if err := applyFlags(cmd.Flags(), &cfg); err != nil {
				return err
			}
			return run(cmd.Context(), cfg, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	flags.StringVar(&opts.chatID, "chat", "", "chat to open on start")
	flags.String("api-url", "", "REST backend root (overrides config)")
	flags.String("realtime-url", "", "realtime socket root (derived from --api-url when empty)")
	flags.String("token", "", "bearer token (overrides config)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: console or json")
	return cmd
}

// applyFlags overlays explicitly set flags on cfg and re-validates it.
func applyFlags(flags *pflag.FlagSet, cfg *config.Config) error {
	overrides := map[string]*string{
		"api-url":      &cfg.APIURL,
		"realtime-url": &cfg.RealtimeURL,
		"token":        &cfg.Token,
		"log-level":    &cfg.Logging.Level,
		"log-format":   &cfg.Logging.Format,
	}
	for name, field := range overrides {
		if !flags.Changed(name) {
			continue
		}
		value, err := flags.GetString(name)
		if err != nil {
			return err
		}
		*field = value
	}
	// A new API root implies a new realtime root unless both were given.
	if flags.Changed("api-url") && !flags.Changed("realtime-url") {
		cfg.RealtimeURL = ""
	}
	return cfg.Finalize()
}

func run(ctx context.Context, cfg config.Config, opts options) error {
	logger, err := logging.New(cfg.Logging, os.Stderr)
	if err != nil {
		return err
	}

	tokens := auth.StaticToken(cfg.Token)
	userID, err := auth.ResolveUserID(ctx, tokens)
	if err != nil {
		return err
	}

	client, err := rest.New(rest.Config{
		BaseURL: cfg.APIURL,
		Tokens:  tokens,
		Timeout: cfg.RequestTimeout,
		Logger:  &logger,
	})
	if err != nil {
		return err
	}

	conn, err := connection.New(connection.Config{
		URL:    connection.ChatURL(cfg.RealtimeURL),
		Tokens: tokens,
		Backoff: connection.Backoff{
			BaseDelay:   cfg.Reconnect.BaseDelay,
			MaxDelay:    cfg.Reconnect.MaxDelay,
			Factor:      cfg.Reconnect.Factor,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
		DialTimeout: cfg.Reconnect.DialTimeout,
		Logger:      &logger,
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	sessions, err := session.New(session.Config{Transport: client, Logger: &logger})
	if err != nil {
		return err
	}
	detach := sessions.Attach(conn)
	defer detach()

	logger.Info().
		Str("api_url", cfg.APIURL).
		Str("realtime_url", cfg.RealtimeURL).
		Str("user_id", userID).
		Msg("starting chat client")

	a := newApp(sessions, conn, userID, os.Stdout, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.watch(ctx)
	})
	g.Go(func() error {
		defer cancel()
		sessions.LoadChats(ctx)
		if opts.chatID != "" {
			a.handleLine(ctx, "/open "+opts.chatID)
		}
		return a.readLoop(ctx, os.Stdin)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("chat client stopped: %w", err)
	}
	return nil
}
