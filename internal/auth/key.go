// Package auth guards the recall HTTP API with API key validation and
// per-client rate limiting.
package auth

import (
	"crypto/subtle"
	"os"
)

// DefaultEnvVar is the environment variable holding the API key.
const DefaultEnvVar = "RECALL_API_KEY"

// ValidateKey compares the provided key against the expected key in
// constant time. An empty expected key never matches.
func ValidateKey(provided, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// KeyFromEnv reads the API key from DefaultEnvVar. Returns an empty
// string when unset.
func KeyFromEnv() string {
	return os.Getenv(DefaultEnvVar)
}
