package auth

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

// Middleware validates API keys on every request. Clients present the key
// either as "Authorization: Bearer <key>" or in the X-API-Key header.
// Paths in skipPaths (e.g. "/healthz") pass through unauthenticated, and
// noAuth disables the check entirely. When a rate limiter is supplied,
// clients that keep failing authentication are blocked for a cool-down.
func Middleware(apiKey string, noAuth bool, skipPaths []string, rateLimiter ...*RateLimiter) func(http.Handler) http.Handler {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}

	var rl *RateLimiter
	if len(rateLimiter) > 0 {
		rl = rateLimiter[0]
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if noAuth || skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			client := ClientIPKeyFunc(r)
			if rl != nil && rl.IsAuthBlocked(client) {
				w.Header().Set("Retry-After", strconv.Itoa(rl.AuthBlockRetryAfter(client)))
				writeAuthError(w, http.StatusTooManyRequests, "too many failed authentication attempts, try again later")
				return
			}

			// No key configured means nothing can authenticate.
			if apiKey == "" {
				writeAuthError(w, http.StatusUnauthorized, "API key not configured")
				return
			}

			key := requestKey(r)
			if key == "" {
				if rl != nil {
					rl.AuthFailure(client)
				}
				writeAuthError(w, http.StatusUnauthorized, "missing API key: send 'Authorization: Bearer <key>' or X-API-Key")
				return
			}
			if !ValidateKey(key, apiKey) {
				if rl != nil {
					rl.AuthFailure(client)
				}
				writeAuthError(w, http.StatusUnauthorized, "invalid API key")
				return
			}

			if rl != nil {
				rl.AuthSuccess(client)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestKey extracts the presented API key. A Bearer token takes
// precedence over the X-API-Key header.
func requestKey(r *http.Request) string {
	const prefix = "Bearer "
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, prefix) {
		return strings.TrimPrefix(auth, prefix)
	}
	return r.Header.Get("X-API-Key")
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   http.StatusText(status),
		"message": message,
	})
}
