package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/szaher/recall/internal/archive"
	"github.com/szaher/recall/internal/runtime"
)

func newExportCmd() *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "export <conversation-id>",
		Short: "Export a conversation bundle",
		Long:  "Collects a conversation with its messages and writes the bundle to the configured archive backend, or to a local directory.",
		Args:  cobra.ExactArgs(1),
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

			store, err := svc.Store(ctx)
			if err != nil {
				return err
			}
			bundle, err := archive.Collect(ctx, store, args[0])
			if err != nil {
				return fmt.Errorf("collect %s: %w", args[0], err)
			}

			// --out-dir bypasses the configured backend.
			var exporter archive.Exporter
			if outDir != "" {
				exporter = archive.NewDirExporter(outDir)
			} else {
				exporter, err = svc.Exporter(ctx)
				if err != nil {
					return err
				}
				if exporter == nil {
					exporter = archive.NewDirExporter("./export/")
				}
			}

			location, err := exporter.Export(ctx, bundle)
			if err != nil {
				return fmt.Errorf("export failed: %w", err)
			}
			fmt.Printf("Exported %s to %s\n", args[0], location)
			return nil
		},
	}

	cmd.Flags().StringVar(&outDir, "out-dir", "", "Write the bundle to this directory instead of the configured archive")

	return cmd
}
