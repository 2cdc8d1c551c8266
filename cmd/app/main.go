package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/atvirokodosprendimai/offlinesync/internal/app"
	"github.com/atvirokodosprendimai/offlinesync/internal/core/domain"
)

func main() {
	cmd := &cli.Command{
		Name:  "offlinesync",
		Usage: "Offline mutation queue and version reconciliation for the estimation backend",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Value:   ":8080",
				Sources: cli.EnvVars("OFFLINESYNC_ADDR"),
				Usage:   "HTTP listen address",
			},
			&cli.StringFlag{
				Name:    "db-path",
				Value:   "./offlinesync.sqlite",
				Sources: cli.EnvVars("OFFLINESYNC_DB_PATH"),
				Usage:   "SQLite file path",
			},
			&cli.StringFlag{
				Name:    "remote-url",
				Value:   "http://127.0.0.1:9000",
				Sources: cli.EnvVars("OFFLINESYNC_REMOTE_URL"),
				Usage:   "Base URL of the estimation backend",
			},
			&cli.StringFlag{
				Name:    "remote-token",
				Sources: cli.EnvVars("OFFLINESYNC_REMOTE_TOKEN"),
				Usage:   "Bearer token sent to the backend",
			},
			&cli.DurationFlag{
				Name:    "remote-timeout",
				Value:   15 * time.Second,
				Sources: cli.EnvVars("OFFLINESYNC_REMOTE_TIMEOUT"),
				Usage:   "Timeout of a single backend request",
			},
			&cli.StringFlag{
				Name:    "policy",
				Sources: cli.EnvVars("OFFLINESYNC_POLICY"),
				Usage:   "YAML collection policy merged over the built-in defaults",
			},
			&cli.DurationFlag{
				Name:    "probe-interval",
				Value:   10 * time.Second,
				Sources: cli.EnvVars("OFFLINESYNC_PROBE_INTERVAL"),
				Usage:   "How often backend reachability is checked",
			},
			&cli.DurationFlag{
				Name:    "probe-timeout",
				Value:   3 * time.Second,
				Sources: cli.EnvVars("OFFLINESYNC_PROBE_TIMEOUT"),
				Usage:   "Timeout of a reachability check",
			},
			&cli.DurationFlag{
				Name:    "retry-delay",
				Value:   5 * time.Second,
				Sources: cli.EnvVars("OFFLINESYNC_RETRY_DELAY"),
				Usage:   "Delay before a follow-up drain after failures",
			},
			&cli.StringFlag{
				Name:    "webhook-url",
				Sources: cli.EnvVars("OFFLINESYNC_WEBHOOK_URL"),
				Usage:   "Webhook target notified about dead-lettered mutations and completed drains",
			},
			&cli.StringFlag{
				Name:    "webhook-secret",
				Sources: cli.EnvVars("OFFLINESYNC_WEBHOOK_SECRET"),
				Usage:   "HMAC-SHA256 signing secret for outbound webhook requests",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Sources: cli.EnvVars("OFFLINESYNC_LOG_LEVEL"),
				Usage:   "trace, debug, info, warn or error",
			},
			&cli.StringFlag{
				Name:    "log-format",
				Value:   "json",
				Sources: cli.EnvVars("OFFLINESYNC_LOG_FORMAT"),
				Usage:   "json or console",
			},
			&cli.StringFlag{
				Name:    "bootstrap-api-key",
				Sources: cli.EnvVars("OFFLINESYNC_BOOTSTRAP_API_KEY"),
				Usage:   "Optional operator API key to upsert at startup",
			},
			&cli.StringFlag{
				Name:    "owner-id",
				Value:   "default",
				Sources: cli.EnvVars("OFFLINESYNC_OWNER_ID"),
				Usage:   "User id that owns mutations issued with the bootstrap key",
			},
			&cli.StringFlag{
				Name:    "bootstrap-key-name",
				Value:   "bootstrap",
				Sources: cli.EnvVars("OFFLINESYNC_BOOTSTRAP_KEY_NAME"),
				Usage:   "Name for bootstrap API key",
			},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the operator API, connectivity monitor and drain loop",
				Action: serve,
			},
			{
				Name:   "sync",
				Usage:  "Probe the backend and drain the pending queue once",
				Action: syncOnce,
			},
			{
				Name:   "status",
				Usage:  "Print queue sizes",
				Action: status,
			},
			{
				Name:  "dead-letter",
				Usage: "Inspect or purge mutations that exhausted their retries",
				Commands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "Print dead-lettered mutations",
						Action: deadLetterList,
					},
					{
						Name:   "purge",
						Usage:  "Remove and print every dead-lettered mutation",
						Action: deadLetterPurge,
					},
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("offlinesync")
	}
}

func configFrom(c *cli.Command) app.Config {
	return app.Config{
		Addr:             c.String("addr"),
		DBPath:           c.String("db-path"),
		RemoteURL:        c.String("remote-url"),
		RemoteToken:      c.String("remote-token"),
		RemoteTimeout:    c.Duration("remote-timeout"),
		PolicyPath:       c.String("policy"),
		ProbeInterval:    c.Duration("probe-interval"),
		ProbeTimeout:     c.Duration("probe-timeout"),
		RetryDelay:       c.Duration("retry-delay"),
		WebhookURL:       c.String("webhook-url"),
		WebhookSecret:    c.String("webhook-secret"),
		LogLevel:         c.String("log-level"),
		LogFormat:        c.String("log-format"),
		BootstrapAPIKey:  c.String("bootstrap-api-key"),
		BootstrapOwnerID: c.String("owner-id"),
		BootstrapKeyName: c.String("bootstrap-key-name"),
	}
}

func serve(ctx context.Context, c *cli.Command) error {
	cfg := configFrom(c)
	server, closer, err := app.NewServer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	defer func() {
		if closeErr := closer.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("close resources")
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("listening")
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func withRuntime(ctx context.Context, c *cli.Command, fn func(rt *app.Runtime) error) error {
	rt, err := app.NewRuntime(ctx, configFrom(c))
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			rt.Logger.Error().Err(closeErr).Msg("close resources")
		}
	}()
	return fn(rt)
}

type statusOutput struct {
	Online         bool `json:"online"`
	QueueSize      int  `json:"queue_size"`
	DeadLetterSize int  `json:"dead_letter_size"`
}

func syncOnce(ctx context.Context, c *cli.Command) error {
	return withRuntime(ctx, c, func(rt *app.Runtime) error {
		if !rt.Monitor.Probe(ctx) {
			return domain.ErrOffline
		}

		// Going online already kicks the drain loop, so SyncNow may find it
		// busy; wait for that pass instead.
		_, err := rt.Manager.SyncNow(ctx)
		if err != nil && !errors.Is(err, domain.ErrSyncInProgress) && !errors.Is(err, domain.ErrNothingToSync) {
			return err
		}
		if err := waitIdle(ctx, rt); err != nil {
			return err
		}
		return printJSON(statusOutput{
			Online:         rt.Manager.IsOnline(),
			QueueSize:      rt.Manager.QueueSize(),
			DeadLetterSize: rt.Manager.DeadLetterSize(),
		})
	})
}

func waitIdle(ctx context.Context, rt *app.Runtime) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for rt.Manager.IsSyncing() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func status(ctx context.Context, c *cli.Command) error {
	return withRuntime(ctx, c, func(rt *app.Runtime) error {
		return printJSON(statusOutput{
			Online:         rt.Manager.IsOnline(),
			QueueSize:      rt.Manager.QueueSize(),
			DeadLetterSize: rt.Manager.DeadLetterSize(),
		})
	})
}

func deadLetterList(ctx context.Context, c *cli.Command) error {
	return withRuntime(ctx, c, func(rt *app.Runtime) error {
		return printJSON(rt.Manager.DeadLetter())
	})
}

func deadLetterPurge(ctx context.Context, c *cli.Command) error {
	return withRuntime(ctx, c, func(rt *app.Runtime) error {
		purged, err := rt.Manager.PurgeDeadLetter(ctx)
		if err != nil {
			return err
		}
		rt.Logger.Info().Int("purged", len(purged)).Msg("dead-letter queue purged")
		return printJSON(purged)
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
