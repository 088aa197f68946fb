package config

import (
	"context"
	"fmt"

	"github.com/szaher/recall/internal/secrets"
)

// ResolveSecrets replaces secret references in credential fields with
// their resolved values. Literal values pass through unchanged, so a
// config without references resolves to itself.
func (c *Config) ResolveSecrets(ctx context.Context, r secrets.Resolver) error {
	fields := map[string]*string{
		"server.api_key":     &c.Server.APIKey,
		"store.dsn":          &c.Store.DSN,
		"embedder.api_key":   &c.Embedder.APIKey,
		"summarizer.api_key": &c.Summarizer.APIKey,
	}
	for name, field := range fields {
		value, err := secrets.Expand(ctx, r, *field)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", name, err)
		}
		*field = value
	}
	return nil
}

// SecretValues lists the resolved credential values, for registering
// with a log redactor. Empty fields are skipped.
func (c *Config) SecretValues() []string {
	var values []string
	for _, v := range []string{c.Server.APIKey, c.Store.DSN, c.Embedder.APIKey, c.Summarizer.APIKey} {
		if v != "" {
			values = append(values, v)
		}
	}
	return values
}
