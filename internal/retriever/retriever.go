// Package retriever assembles conversational context for agent turns. It
// combines semantic matches from the vector index with the recent tail of
// the active thread and renders both as a prompt-ready string.
//
// Retrieval is an enhancement, not a correctness path. Every failure mode
// degrades to a sentinel or a descriptive string so a missing context block
// never aborts the calling agent's turn.
package retriever

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/szaher/recall/internal/memory"
	"github.com/szaher/recall/internal/telemetry"
	"github.com/szaher/recall/internal/vector"
)

// Sentinel results. Both are valid, non-error outcomes; callers that parse
// the rendered string can branch on them to tell "no data" from a failure.
const (
	NoQuery   = "no query provided"
	NoContext = "no relevant context found"
)

const defaultRecentWindow = 10

// Retriever looks up context for a query: semantically similar past
// discussions from the index plus the newest messages of the active thread.
type Retriever struct {
	store        memory.Store
	index        *vector.Index
	logger       *slog.Logger
	metrics      *telemetry.Metrics
	topK         int
	recentWindow int
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithLogger sets the logger used for soft failures.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Retriever) { r.logger = logger }
}

// WithMetrics enables retrieval outcome counters.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Retriever) { r.metrics = m }
}

// WithTopK overrides how many semantic matches are requested.
func WithTopK(k int) Option {
	return func(r *Retriever) {
		if k > 0 {
			r.topK = k
		}
	}
}

// WithRecentWindow overrides how many recent thread messages are appended.
func WithRecentWindow(n int) Option {
	return func(r *Retriever) {
		if n > 0 {
			r.recentWindow = n
		}
	}
}

// New creates a retriever over store and index.
func New(store memory.Store, index *vector.Index, opts ...Option) *Retriever {
	r := &Retriever{
		store:        store,
		index:        index,
		logger:       slog.Default(),
		topK:         vector.DefaultTopK,
		recentWindow: defaultRecentWindow,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Result is the structured form of a retrieval. Err reports a store failure
// while fetching the recent thread tail; Previous stays valid when set, so
// callers can use partial results or fail the whole call as they prefer.
type Result struct {
	Previous []vector.Match
	Recent   []*memory.Message
	Err      error
}

// Retrieve runs a semantic search for query and, when conversationID is
// given, fetches that thread's newest messages in chronological order.
// It never returns an error; store failures are logged and recorded in
// Result.Err with the Recent section left empty.
func (r *Retriever) Retrieve(ctx context.Context, query, conversationID string) Result {
	var res Result
	res.Previous = r.index.Search(ctx, query, r.topK)

	if conversationID != "" {
		msgs, err := memory.RecentContext(ctx, r.store, conversationID, r.recentWindow)
		if err != nil {
			r.logger.Warn("recent context unavailable",
				"conversation_id", conversationID, "error", err)
			res.Err = fmt.Errorf("recent context for %s: %w", conversationID, err)
		} else {
			res.Recent = msgs
		}
	}
	return res
}

// RetrieveText renders a retrieval as the string handed to a calling agent.
// A blank query returns the NoQuery sentinel, an empty result the NoContext
// sentinel, and any error a description. It never returns an error value.
func (r *Retriever) RetrieveText(ctx context.Context, query, conversationID string) string {
	return r.retrieveText(ctx, "general", query, conversationID)
}

func (r *Retriever) retrieveText(ctx context.Context, domain, query, conversationID string) string {
	if strings.TrimSpace(query) == "" {
		r.record(domain, "empty")
		return NoQuery
	}

	res := r.Retrieve(ctx, query, conversationID)
	if res.Err != nil {
		r.record(domain, "error")
		return "context retrieval failed: " + res.Err.Error()
	}

	text := res.render()
	if text == "" {
		r.record(domain, "empty")
		return NoContext
	}
	r.record(domain, "hit")
	return text
}

func (r *Retriever) record(domain, outcome string) {
	if r.metrics != nil {
		r.metrics.RecordRetrieval(domain, outcome)
	}
}

func (res Result) render() string {
	var sections []string

	if len(res.Previous) > 0 {
		var b strings.Builder
		b.WriteString("Previous discussions:")
		for _, m := range res.Previous {
			role := m.Item.Role
			if role == "" {
				role = "unknown"
			}
			fmt.Fprintf(&b, "\n[%s] %s (%s)", role, m.Item.Text, m.Item.CreatedAt.Format(time.RFC3339))
		}
		sections = append(sections, b.String())
	}

	if len(res.Recent) > 0 {
		var b strings.Builder
		b.WriteString("Recent context:")
		for _, msg := range res.Recent {
			fmt.Fprintf(&b, "\n%s: %s", msg.Role, msg.Content)
		}
		sections = append(sections, b.String())
	}

	return strings.Join(sections, "\n\n")
}

// QueryFrom resolves the retrieval query from a turn sequence: the last
// message's content, with structured part lists flattened to their text.
func QueryFrom(msgs []*memory.Message) string {
	if len(msgs) == 0 {
		return ""
	}
	return flattenContent(msgs[len(msgs)-1].Content)
}

// flattenContent joins the text-bearing parts of a structured content
// payload. Content that is not a JSON part list passes through unchanged.
func flattenContent(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "[") {
		return content
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(trimmed), &parts); err != nil {
		return content
	}

	var texts []string
	for _, p := range parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}
