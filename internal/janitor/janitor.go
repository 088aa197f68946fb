// Package janitor enforces the retention policy on the conversation
// store. A cron-scheduled sweep deletes conversations whose last update
// is older than a configured age, optionally exporting each one to an
// archive first. The system and default conversations are never removed.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/szaher/recall/internal/archive"
	"github.com/szaher/recall/internal/memory"
)

// DefaultSchedule runs the sweep nightly at 03:00 server time.
const DefaultSchedule = "0 3 * * *"

// sweepTimeout bounds a single scheduled sweep, including any archive
// uploads it performs.
const sweepTimeout = 10 * time.Minute

// Janitor deletes idle conversations on a schedule.
type Janitor struct {
	store    memory.Store
	maxAge   time.Duration
	exporter archive.Exporter
	logger   *slog.Logger
	cron     *cron.Cron
	now      func() time.Time
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithExporter archives each conversation before deleting it. When an
// export fails the conversation is kept for the next sweep.
func WithExporter(e archive.Exporter) Option {
	return func(j *Janitor) { j.exporter = e }
}

// WithLogger sets the logger used for sweep reporting.
func WithLogger(l *slog.Logger) Option {
	return func(j *Janitor) {
		if l != nil {
			j.logger = l
		}
	}
}

// New returns a Janitor that removes conversations idle for longer than
// maxAge. It does nothing until Start or SweepOnce is called.
func New(store memory.Store, maxAge time.Duration, opts ...Option) *Janitor {
	j := &Janitor{
		store:  store,
		maxAge: maxAge,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start schedules recurring sweeps. An empty schedule falls back to
// DefaultSchedule.
func (j *Janitor) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		if _, err := j.SweepOnce(ctx); err != nil {
			j.logger.Error("retention sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweep %q: %w", schedule, err)
	}
	c.Start()
	j.cron = c
	j.logger.Info("janitor started", "schedule", schedule, "max_age", j.maxAge)
	return nil
}

// Stop cancels the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
	j.cron = nil
}

// SweepOnce removes every conversation whose UpdatedAt is older than
// maxAge and reports how many were deleted. Failures on individual
// conversations are logged and skipped so one bad row cannot stall the
// whole sweep.
func (j *Janitor) SweepOnce(ctx context.Context) (int, error) {
	convs, err := j.store.ListConversations(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	cutoff := j.now().Add(-j.maxAge)

	swept := 0
	for _, conv := range convs {
		if conv.ID == memory.SystemConversationID || conv.ID == memory.DefaultConversationID {
			continue
		}
		if !conv.UpdatedAt.Before(cutoff) {
			continue
		}
		if j.exporter != nil {
			bundle, err := archive.Collect(ctx, j.store, conv.ID)
			if err != nil {
				j.logger.Warn("archive collect failed, conversation kept", "conversation_id", conv.ID, "error", err)
				continue
			}
			location, err := j.exporter.Export(ctx, bundle)
			if err != nil {
				j.logger.Warn("archive export failed, conversation kept", "conversation_id", conv.ID, "error", err)
				continue
			}
			j.logger.Info("conversation archived", "conversation_id", conv.ID, "location", location)
		}
		if err := j.store.DeleteConversation(ctx, conv.ID); err != nil {
			j.logger.Warn("retention delete failed", "conversation_id", conv.ID, "error", err)
			continue
		}
		swept++
	}
	if swept > 0 {
		j.logger.Info("retention sweep complete", "swept", swept, "cutoff", cutoff.Format(time.RFC3339))
	}
	return swept, nil
}
