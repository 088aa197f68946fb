package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvResolver reads env(VAR_NAME) references from the process environment.
type EnvResolver struct{}

// NewEnvResolver creates an environment variable resolver.
func NewEnvResolver() *EnvResolver {
	return &EnvResolver{}
}

// Resolve implements Resolver. An unset variable is an error rather
// than an empty value so a missing credential fails at startup.
func (r *EnvResolver) Resolve(_ context.Context, ref string) (string, error) {
	if !strings.HasPrefix(ref, "env(") || !strings.HasSuffix(ref, ")") {
		return "", fmt.Errorf("malformed reference %q, expected env(VAR_NAME)", ref)
	}

	name := ref[4 : len(ref)-1]
	value, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", name)
	}
	return value, nil
}
