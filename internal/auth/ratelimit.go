package auth

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig holds request rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultRateLimitConfig returns the default limits.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 10,
		Burst:             20,
	}
}

// RateLimitConfigFromEnv reads limits from the RECALL_RATE_LIMIT env var,
// formatted "rate:burst" (e.g. "10:20" means 10 req/s with a burst of 20).
// Unset or malformed values fall back to the defaults.
func RateLimitConfigFromEnv() RateLimitConfig {
	cfg := DefaultRateLimitConfig()

	val := os.Getenv("RECALL_RATE_LIMIT")
	if val == "" {
		return cfg
	}

	parts := strings.SplitN(val, ":", 2)
	if r, err := strconv.ParseFloat(parts[0], 64); err == nil && r > 0 {
		cfg.RequestsPerSecond = r
	}
	if len(parts) > 1 {
		if burst, err := strconv.Atoi(parts[1]); err == nil && burst > 0 {
			cfg.Burst = burst
		}
	}
	return cfg
}

// RateLimiter applies a per-client token bucket to requests and blocks
// clients that repeatedly fail authentication.
type RateLimiter struct {
	mu       sync.Mutex
	config   RateLimitConfig
	limiters map[string]*rate.Limiter

	authMu   sync.Mutex
	failures map[string]*failureRecord
}

// failureRecord tracks failed authentication attempts for one client.
type failureRecord struct {
	count        int
	windowStart  time.Time
	blockedUntil time.Time
}

const (
	authMaxFailures = 10
	authWindow      = 1 * time.Minute
	authBlock       = 5 * time.Minute
	authEvictAfter  = 10 * time.Minute
)

// NewRateLimiter creates a rate limiter with the given configuration.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		config:   config,
		limiters: make(map[string]*rate.Limiter),
		failures: make(map[string]*failureRecord),
	}
}

// Allow reports whether a request from key fits within its budget.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	lim, ok := rl.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.Burst)
		rl.limiters[key] = lim
	}
	rl.mu.Unlock()

	return lim.Allow()
}

// IsAuthBlocked reports whether a client is serving an auth-failure block.
func (rl *RateLimiter) IsAuthBlocked(client string) bool {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()

	rec, ok := rl.failures[client]
	if !ok {
		return false
	}

	now := time.Now()
	if now.Before(rec.blockedUntil) {
		return true
	}
	if !rec.blockedUntil.IsZero() {
		// Block served; start the client fresh.
		delete(rl.failures, client)
	}
	return false
}

// AuthBlockRetryAfter returns the seconds until a client's block expires.
func (rl *RateLimiter) AuthBlockRetryAfter(client string) int {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()

	rec, ok := rl.failures[client]
	if !ok {
		return 0
	}
	remaining := time.Until(rec.blockedUntil).Seconds()
	if remaining <= 0 {
		return 0
	}
	return int(remaining) + 1
}

// AuthFailure records a failed authentication attempt. It returns true
// once the client crosses the failure threshold and becomes blocked.
func (rl *RateLimiter) AuthFailure(client string) bool {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()

	now := time.Now()
	rec, ok := rl.failures[client]
	if !ok {
		rec = &failureRecord{windowStart: now}
		rl.failures[client] = rec
	}

	if now.Sub(rec.windowStart) > authWindow {
		rec.count = 0
		rec.windowStart = now
	}
	rec.count++

	if rec.count >= authMaxFailures {
		rec.blockedUntil = now.Add(authBlock)
		return true
	}

	if len(rl.failures) > 1000 {
		rl.evictStale(now)
	}
	return false
}

// AuthSuccess clears failure tracking for a client.
func (rl *RateLimiter) AuthSuccess(client string) {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()
	delete(rl.failures, client)
}

func (rl *RateLimiter) evictStale(now time.Time) {
	for client, rec := range rl.failures {
		expired := !rec.blockedUntil.IsZero() && now.After(rec.blockedUntil)
		idle := now.Sub(rec.windowStart) > authEvictAfter
		if expired || idle {
			delete(rl.failures, client)
		}
	}
}

// Middleware returns HTTP middleware that applies the request rate limit.
// keyFunc extracts the limit key from the request, typically the client IP.
func (rl *RateLimiter) Middleware(keyFunc func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			if !rl.Allow(key) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", fmt.Sprintf("%.0f", 1.0/rl.config.RequestsPerSecond))
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = fmt.Fprint(w, `{"error":"rate_limited","message":"rate limit exceeded, try again later"}`)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIPKeyFunc extracts the client IP from the request, honoring the
// first hop recorded in X-Forwarded-For.
func ClientIPKeyFunc(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.SplitN(forwarded, ",", 2)
		return strings.TrimSpace(parts[0])
	}
	return r.RemoteAddr
}
