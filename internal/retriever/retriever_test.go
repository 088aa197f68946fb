package retriever

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/szaher/recall/internal/memory"
	"github.com/szaher/recall/internal/telemetry"
	"github.com/szaher/recall/internal/vector"
)

func newTestRetriever(t *testing.T, opts ...Option) (*Retriever, memory.Store, *vector.Index) {
	t.Helper()
	store := memory.NewInMemory()
	index := vector.NewIndex(vector.NewHashEmbedder(64))
	return New(store, index, opts...), store, index
}

func seedConversation(t *testing.T, store memory.Store, id, resourceID string, turns ...[2]string) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.CreateConversation(ctx, memory.Conversation{ID: id, ResourceID: resourceID}); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	for _, turn := range turns {
		if _, err := store.AddMessage(ctx, id, memory.Role(turn[0]), turn[1]); err != nil {
			t.Fatalf("AddMessage failed: %v", err)
		}
	}
}

func TestRetrieveTextSentinels(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRetriever(t)

	if got := r.RetrieveText(ctx, "", ""); got != NoQuery {
		t.Errorf("expected %q for blank query, got %q", NoQuery, got)
	}
	if got := r.RetrieveText(ctx, "   \n", ""); got != NoQuery {
		t.Errorf("expected %q for whitespace query, got %q", NoQuery, got)
	}
	if got := r.RetrieveText(ctx, "anything", ""); got != NoContext {
		t.Errorf("expected %q for empty index, got %q", NoContext, got)
	}
	if got := r.RetrieveText(ctx, "anything", "no-such-conversation"); got != NoContext {
		t.Errorf("expected %q for unknown conversation, got %q", NoContext, got)
	}
}

func TestRetrieveTextSections(t *testing.T) {
	ctx := context.Background()
	r, store, index := newTestRetriever(t)

	seedConversation(t, store, "c1", "u1",
		[2]string{"user", "how do I tune the pool size"},
		[2]string{"assistant", "start from the connection budget"},
		[2]string{"user", "what about timeouts"},
	)
	if err := index.Add(ctx, "m1", "postgres connection pool sizing", "user"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := index.Add(ctx, "m2", "apple pie recipe", "user"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	got := r.RetrieveText(ctx, "postgres connection pool sizing", "c1")

	if !strings.Contains(got, "Previous discussions:") {
		t.Errorf("missing previous discussions section:\n%s", got)
	}
	if !strings.Contains(got, "[user] postgres connection pool sizing (") {
		t.Errorf("match not rendered with role and timestamp:\n%s", got)
	}
	if !strings.Contains(got, "Recent context:") {
		t.Errorf("missing recent context section:\n%s", got)
	}

	// Thread messages appear chronologically, each prefixed by its role.
	wantOrder := []string{
		"user: how do I tune the pool size",
		"assistant: start from the connection budget",
		"user: what about timeouts",
	}
	last := -1
	for _, want := range wantOrder {
		idx := strings.Index(got, want)
		if idx < 0 {
			t.Fatalf("missing %q in:\n%s", want, got)
		}
		if idx < last {
			t.Errorf("%q out of order in:\n%s", want, got)
		}
		last = idx
	}
	if strings.Index(got, "Previous discussions:") > strings.Index(got, "Recent context:") {
		t.Errorf("sections out of order:\n%s", got)
	}
}

func TestRetrieveTextSearchOnly(t *testing.T) {
	ctx := context.Background()
	r, _, index := newTestRetriever(t)

	if err := index.Add(ctx, "m1", "deployment rollback steps", "assistant"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	got := r.RetrieveText(ctx, "deployment rollback steps", "")
	if !strings.Contains(got, "Previous discussions:") {
		t.Errorf("missing previous discussions section:\n%s", got)
	}
	if strings.Contains(got, "Recent context:") {
		t.Errorf("unexpected recent section without a conversation:\n%s", got)
	}
}

func TestRetrieveRecentWindow(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestRetriever(t, WithRecentWindow(2))

	seedConversation(t, store, "c1", "u1",
		[2]string{"user", "first"},
		[2]string{"assistant", "second"},
		[2]string{"user", "third"},
	)

	res := r.Retrieve(ctx, "", "c1")
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if len(res.Recent) != 2 {
		t.Fatalf("expected 2 recent messages, got %d", len(res.Recent))
	}
	if res.Recent[0].Content != "second" || res.Recent[1].Content != "third" {
		t.Errorf("expected trailing window in order, got [%s %s]",
			res.Recent[0].Content, res.Recent[1].Content)
	}
}

type failingStore struct {
	memory.Store
}

func (failingStore) GetMessages(context.Context, memory.MessageFilter) ([]*memory.Message, error) {
	return nil, errors.New("disk offline")
}

func TestRetrieveStoreFailure(t *testing.T) {
	ctx := context.Background()
	index := vector.NewIndex(vector.NewHashEmbedder(64))
	if err := index.Add(ctx, "m1", "some earlier note", "user"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	r := New(failingStore{memory.NewInMemory()}, index)

	res := r.Retrieve(ctx, "some earlier note", "c1")
	if res.Err == nil {
		t.Fatal("expected store failure to be reported")
	}
	if len(res.Recent) != 0 {
		t.Errorf("expected empty recent section, got %d messages", len(res.Recent))
	}
	if len(res.Previous) == 0 {
		t.Error("expected semantic matches to survive a store failure")
	}

	got := r.RetrieveText(ctx, "some earlier note", "c1")
	if !strings.HasPrefix(got, "context retrieval failed:") {
		t.Errorf("expected failure description, got %q", got)
	}
	if !strings.Contains(got, "disk offline") {
		t.Errorf("expected cause in description, got %q", got)
	}
}

func TestQueryFrom(t *testing.T) {
	msg := func(content string) *memory.Message {
		return &memory.Message{Role: memory.RoleUser, Content: content}
	}

	tests := []struct {
		name string
		msgs []*memory.Message
		want string
	}{
		{"no messages", nil, ""},
		{"plain content", []*memory.Message{msg("first"), msg("plain question")}, "plain question"},
		{
			"structured parts",
			[]*memory.Message{msg(`[{"type":"text","text":"part one"},{"type":"tool_use"},{"type":"text","text":"part two"}]`)},
			"part one\npart two",
		},
		{
			"no text parts",
			[]*memory.Message{msg(`[{"type":"tool_use"},{"type":"image"}]`)},
			"",
		},
		{"malformed list", []*memory.Message{msg(`[not json`)}, `[not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := QueryFrom(tt.msgs); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestRetrieverRecordsMetrics(t *testing.T) {
	ctx := context.Background()
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	store := memory.NewInMemory()
	index := vector.NewIndex(vector.NewHashEmbedder(64))
	r := New(store, index, WithMetrics(metrics))

	if err := index.Add(ctx, "m1", "kept note", "user"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	if got := r.RetrieveText(ctx, "kept note", ""); !strings.Contains(got, "kept note") {
		t.Errorf("expected hit, got %q", got)
	}
	if got := r.RetrieveText(ctx, "", ""); got != NoQuery {
		t.Errorf("expected sentinel, got %q", got)
	}
}
