package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/szaher/recall/internal/runtime"
)

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats [conversation-id]",
		Short: "Show store statistics",
		Long:  "Without arguments lists all conversations; with an id prints that conversation's activity stats.",
		Args:  cobra.MaximumNArgs(1),
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

			if len(args) == 1 {
				stats, err := store.ConversationStats(ctx, args[0])
				if err != nil {
					return fmt.Errorf("stats for %s: %w", args[0], err)
				}
				data, err := json.MarshalIndent(stats, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}

			convs, err := store.ListConversations(ctx)
			if err != nil {
				return err
			}
			if len(convs) == 0 {
				fmt.Println("No conversations found.")
				return nil
			}

			fmt.Printf("%-28s %-20s %-30s %s\n", "ID", "RESOURCE", "TITLE", "UPDATED")
			fmt.Println(strings.Repeat("-", 100))
			for _, c := range convs {
				title := c.Title
				if title == "" {
					title = "-"
				}
				fmt.Printf("%-28s %-20s %-30s %s\n",
					c.ID, c.ResourceID, truncate(title, 30), c.UpdatedAt.Format("2006-01-02 15:04"))
			}
			fmt.Printf("\n%d conversations\n", len(convs))
			return nil
		},
	}

	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
