package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/szaher/recall/internal/auth"
	"github.com/szaher/recall/internal/config"
	"github.com/szaher/recall/internal/janitor"
	"github.com/szaher/recall/internal/runtime"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var (
		addr   string
		noAuth bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the memory service HTTP server",
		Long:  "Opens the configured store, serves the HTTP API and, when enabled, runs the retention janitor.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if noAuth {
				cfg.Server.NoAuth = true
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			svc := runtime.NewService(cfg, runtime.WithLogger(logger))
			if err := svc.Open(ctx); err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			if cfg.SyncOnStart {
				indexed, err := svc.SyncVectorIndex(ctx, "")
				if err != nil {
					return fmt.Errorf("sync on start: %w", err)
				}
				logger.Info("startup index sync complete", "indexed", indexed)
			}

			if cfg.Janitor.Enabled {
				j, err := startJanitor(ctx, svc, cfg, logger)
				if err != nil {
					return err
				}
				defer j.Stop()
			}

			// A changed file needs a restart to take effect; watching it at
			// least makes that visible instead of silently stale.
			if configPath != "" {
				if err := config.Watch(ctx, configPath, func(*config.Config) {
					logger.Warn("configuration file changed, restart to apply", "path", configPath)
				}); err != nil {
					logger.Warn("config watch unavailable", "error", err)
				}
			}

			opts := []runtime.ServerOption{
				runtime.WithAPIKey(cfg.Server.APIKey),
				runtime.WithNoAuth(cfg.Server.NoAuth),
				runtime.WithServerLogger(logger),
				runtime.WithVersion(version),
			}
			if cfg.Server.RequestsPerSecond > 0 {
				opts = append(opts, runtime.WithRateLimiter(auth.NewRateLimiter(auth.RateLimitConfig{
					RequestsPerSecond: cfg.Server.RequestsPerSecond,
					Burst:             cfg.Server.Burst,
				})))
			}
			srv := runtime.NewServer(svc, opts...)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe(cfg.Server.Addr) }()

			select {
			case <-ctx.Done():
				logger.Info("shutting down")
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer shutdownCancel()
				return srv.Shutdown(shutdownCtx)
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	cmd.Flags().BoolVar(&noAuth, "no-auth", false, "Disable authentication")

	return cmd
}

func startJanitor(ctx context.Context, svc *runtime.Service, cfg *config.Config, logger *slog.Logger) (*janitor.Janitor, error) {
	store, err := svc.Store(ctx)
	if err != nil {
		return nil, fmt.Errorf("start janitor: %w", err)
	}
	exporter, err := svc.Exporter(ctx)
	if err != nil {
		return nil, fmt.Errorf("start janitor: %w", err)
	}

	opts := []janitor.Option{janitor.WithLogger(logger)}
	if exporter != nil {
		opts = append(opts, janitor.WithExporter(exporter))
	}
	j := janitor.New(store, cfg.Janitor.MaxAge.Std(), opts...)
	if err := j.Start(cfg.Janitor.Schedule); err != nil {
		return nil, fmt.Errorf("start janitor: %w", err)
	}
	return j, nil
}
