package secrets

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

const placeholder = "***REDACTED***"

// RedactFilter wraps a slog handler and scrubs registered secret values
// from everything it emits. Register each resolved credential with
// AddSecret and a debug line that would have printed it prints the
// placeholder instead.
type RedactFilter struct {
	inner   slog.Handler
	mu      *sync.RWMutex
	secrets map[string]bool
}

// NewRedactFilter wraps inner with secret scrubbing.
func NewRedactFilter(inner slog.Handler) *RedactFilter {
	return &RedactFilter{
		inner:   inner,
		mu:      &sync.RWMutex{},
		secrets: make(map[string]bool),
	}
}

// AddSecret registers a value to scrub. Empty values are ignored.
func (f *RedactFilter) AddSecret(value string) {
	if value == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.secrets[value] = true
}

// Enabled implements slog.Handler.
func (f *RedactFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return f.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler, scrubbing the message and all string
// attribute values.
func (f *RedactFilter) Handle(ctx context.Context, record slog.Record) error {
	f.mu.RLock()
	secrets := make([]string, 0, len(f.secrets))
	for s := range f.secrets {
		secrets = append(secrets, s)
	}
	f.mu.RUnlock()

	if len(secrets) == 0 {
		return f.inner.Handle(ctx, record)
	}

	msg := record.Message
	for _, s := range secrets {
		msg = strings.ReplaceAll(msg, s, placeholder)
	}

	scrubbed := slog.NewRecord(record.Time, record.Level, msg, record.PC)
	record.Attrs(func(a slog.Attr) bool {
		scrubbed.AddAttrs(f.redactAttr(a, secrets))
		return true
	})
	return f.inner.Handle(ctx, scrubbed)
}

// WithAttrs implements slog.Handler. The child shares the parent's
// secret set so AddSecret on either applies to both.
func (f *RedactFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &RedactFilter{inner: f.inner.WithAttrs(attrs), mu: f.mu, secrets: f.secrets}
}

// WithGroup implements slog.Handler.
func (f *RedactFilter) WithGroup(name string) slog.Handler {
	return &RedactFilter{inner: f.inner.WithGroup(name), mu: f.mu, secrets: f.secrets}
}

func (f *RedactFilter) redactAttr(a slog.Attr, secrets []string) slog.Attr {
	if a.Value.Kind() != slog.KindString {
		return a
	}
	val := a.Value.String()
	for _, s := range secrets {
		val = strings.ReplaceAll(val, s, placeholder)
	}
	return slog.String(a.Key, val)
}
