// Package main is the entry point for the recall service CLI.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/szaher/recall/internal/config"
	"github.com/szaher/recall/internal/secrets"
	"github.com/szaher/recall/internal/telemetry"
)

// Version information set at build time.
var version = "0.1.0"

// Global flags.
var (
	configPath    string
	verbose       bool
	correlationID string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "recall",
		Short: "Conversation memory and context retrieval service",
		Long: `Recall stores multi-agent conversation threads, execution history and
timeline events, indexes messages for semantic search, and serves
context retrieval over HTTP and MCP.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose output")
	root.PersistentFlags().StringVar(&correlationID, "correlation-id", "", "Set explicit correlation ID")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newMCPCmd())
	root.AddCommand(newSyncCmd())
	root.AddCommand(newStatsCmd())
	root.AddCommand(newExportCmd())
	root.AddCommand(newMigrateCmd())

	return root
}

// bootstrap loads configuration, resolves secret references in its
// credential fields and builds a logger that scrubs the resolved values
// from everything it emits.
func bootstrap(ctx context.Context) (*config.Config, *slog.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.ResolveSecrets(ctx, newSecretsResolver()); err != nil {
		return nil, nil, err
	}

	logger, redactor := newLogger()
	for _, v := range cfg.SecretValues() {
		redactor.AddSecret(v)
	}
	if correlationID != "" {
		logger = logger.With("correlation_id", correlationID)
	}
	return cfg, logger, nil
}

// loadConfig reads the file named by --config. Without the flag it tries
// ./recall.yaml and ~/.recall/config.yaml, falling back to defaults when
// neither exists.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	for _, p := range []string{"recall.yaml", userConfigPath()} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return config.Load(p)
		}
	}
	return config.Default(), nil
}

func userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".recall", "config.yaml")
}

// newSecretsResolver resolves env() references, plus vault() references
// when VAULT_ADDR is set.
func newSecretsResolver() secrets.Resolver {
	var vault *secrets.VaultResolver
	if addr := os.Getenv("VAULT_ADDR"); addr != "" {
		vault = secrets.NewVaultResolver(addr, os.Getenv("VAULT_TOKEN"))
	}
	return secrets.NewChain(vault)
}

func newLogger() (*slog.Logger, *secrets.RedactFilter) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	base := telemetry.NewLogger(os.Stderr, level)
	redactor := secrets.NewRedactFilter(base.Handler())
	return slog.New(redactor), redactor
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
