// Package secrets resolves credential references in configuration.
// A reference names where a value lives instead of the value itself:
// env(RECALL_API_KEY) reads an environment variable, vault(path#key)
// reads a Vault KV v2 entry. Literal values pass through untouched.
package secrets

import (
	"context"
	"fmt"
	"strings"
)

// Resolver turns one secret reference into its value.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// IsRef reports whether v is a secret reference rather than a literal.
func IsRef(v string) bool {
	return (strings.HasPrefix(v, "env(") || strings.HasPrefix(v, "vault(")) &&
		strings.HasSuffix(v, ")")
}

// Expand resolves v when it is a reference and returns it unchanged
// otherwise.
func Expand(ctx context.Context, r Resolver, v string) (string, error) {
	if !IsRef(v) {
		return v, nil
	}
	return r.Resolve(ctx, v)
}

// Chain routes each reference to the resolver owning its scheme.
type Chain struct {
	env   *EnvResolver
	vault *VaultResolver
}

// NewChain builds the standard resolver: env() always works, vault()
// only when a Vault resolver is supplied.
func NewChain(vault *VaultResolver) *Chain {
	return &Chain{env: NewEnvResolver(), vault: vault}
}

// Resolve implements Resolver.
func (c *Chain) Resolve(ctx context.Context, ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "env("):
		return c.env.Resolve(ctx, ref)
	case strings.HasPrefix(ref, "vault("):
		if c.vault == nil {
			return "", fmt.Errorf("reference %q needs a vault resolver, none configured", ref)
		}
		return c.vault.Resolve(ctx, ref)
	default:
		return "", fmt.Errorf("unsupported secret reference %q", ref)
	}
}
