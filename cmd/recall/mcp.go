package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/szaher/recall/internal/mcp"
	"github.com/szaher/recall/internal/runtime"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve retrieval tools over MCP on stdio",
		Long: `Agent clients spawn this command as a subprocess and speak the Model
Context Protocol over stdin/stdout. Logs go to stderr so the protocol
stream stays clean.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap(cmd.Context())
			if err != nil {
				return err
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
					return err
				}
				logger.Info("startup index sync complete", "indexed", indexed)
			}

			logger.Info("mcp server listening on stdio")
			return mcp.NewServer(svc, version).Run(ctx)
		},
	}
}
