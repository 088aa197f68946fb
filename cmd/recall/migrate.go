package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/szaher/recall/internal/runtime"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Prepare the configured store backend",
		Long:  "Opens the configured database, applies the schema and seeds the system and default conversations.",
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

			fmt.Printf("Store ready (backend: %s)\n", cfg.Store.Backend)
			return nil
		},
	}
}
