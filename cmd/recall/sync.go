package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/szaher/recall/internal/runtime"
)

func newSyncCmd() *cobra.Command {
	var resourceID string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Rebuild the vector index from stored conversations",
		Long:  "Replays stored messages through the embedder so semantic search covers them.",
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

			indexed, err := svc.SyncVectorIndex(ctx, resourceID)
			if err != nil {
				return err
			}
			fmt.Printf("Indexed %d messages\n", indexed)
			return nil
		},
	}

	cmd.Flags().StringVar(&resourceID, "resource-id", "", "Only sync conversations owned by this resource")

	return cmd
}
