package vector

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/szaher/recall/internal/telemetry"
)

// DefaultTopK bounds a search when the caller passes no limit.
const DefaultTopK = 5

// Index is an append-only in-memory vector index. Adds fail loud;
// searches fail soft, returning no matches so retrieval never takes a
// conversation turn down with it.
type Index struct {
	mu       sync.RWMutex
	embedder Embedder
	items    []Item
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger used for soft-failed searches.
func WithLogger(l *slog.Logger) Option {
	return func(ix *Index) { ix.logger = l }
}

// WithMetrics wires search and embedding instrumentation.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(ix *Index) { ix.metrics = m }
}

// NewIndex creates an empty index over the given embedder.
func NewIndex(embedder Embedder, opts ...Option) *Index {
	ix := &Index{
		embedder: embedder,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Add embeds text and appends it to the index. Repeated ids are kept as
// separate entries; the caller owns dedup if it wants any.
func (ix *Index) Add(ctx context.Context, id, text, role string) error {
	start := ix.now()
	embedding, err := ix.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed %q: %w", id, err)
	}
	if ix.metrics != nil {
		ix.metrics.RecordEmbed(ix.now().Sub(start))
	}

	ix.mu.Lock()
	ix.items = append(ix.items, Item{
		ID:        id,
		Text:      text,
		Role:      role,
		Embedding: embedding,
		CreatedAt: ix.now(),
	})
	size := len(ix.items)
	ix.mu.Unlock()

	if ix.metrics != nil {
		ix.metrics.SetIndexSize(size)
	}
	return nil
}

// Search returns the topK most similar items, best first. Ties keep
// insertion order. Blank queries and embedding failures yield no matches.
func (ix *Index) Search(ctx context.Context, query string, topK int) []Match {
	if strings.TrimSpace(query) == "" {
		return nil
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	start := ix.now()
	queryVec, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		ix.logger.Warn("vector search embed failed", "error", err)
		return nil
	}

	ix.mu.RLock()
	matches := make([]Match, 0, len(ix.items))
	for _, item := range ix.items {
		matches = append(matches, Match{Item: item, Score: Cosine(queryVec, item.Embedding)})
	}
	ix.mu.RUnlock()

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}

	if ix.metrics != nil {
		ix.metrics.RecordSearch(ix.now().Sub(start))
	}
	return matches
}

// Items returns a snapshot of the indexed documents in insertion order.
func (ix *Index) Items() []Item {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return append([]Item(nil), ix.items...)
}

// Len returns the number of indexed documents.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.items)
}
