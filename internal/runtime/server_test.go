package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/szaher/recall/internal/config"
	"github.com/szaher/recall/internal/memory"
	"github.com/szaher/recall/internal/retriever"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Store.Backend = "memory"
	cfg.Store.Path = ""
	return cfg
}

func newTestServer(t *testing.T, opts ...ServerOption) (*Server, *Service) {
	t.Helper()
	svc := NewService(testConfig(), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	t.Cleanup(func() { _ = svc.Close() })
	opts = append([]ServerOption{WithNoAuth(true)}, opts...)
	return NewServer(svc, opts...), svc
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]string
	decodeBody(t, rec, &payload)
	return payload["error"]
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doRequest(t, h, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want %d", rec.Code, http.StatusOK)
	}

	var payload map[string]string
	decodeBody(t, rec, &payload)
	if payload["status"] != "healthy" {
		t.Errorf("status = %q, want %q", payload["status"], "healthy")
	}
	if payload["store"] != "memory" {
		t.Errorf("store = %q, want %q", payload["store"], "memory")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv.Handler(), http.MethodGet, "/metrics", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "recall_index_documents") {
		t.Errorf("metrics output missing recall_index_documents gauge")
	}
}

func TestConversationCRUD(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	create := map[string]any{"id": "c1", "resource_id": "agent-1", "title": "First"}
	rec := doRequest(t, h, http.MethodPost, "/v1/conversations", create)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want %d: %s", rec.Code, http.StatusCreated, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodPost, "/v1/conversations", create)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate create status = %d, want %d", rec.Code, http.StatusConflict)
	}
	if code := errorCode(t, rec); code != "duplicate_id" {
		t.Errorf("duplicate create error = %q, want %q", code, "duplicate_id")
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/conversations/c1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want %d", rec.Code, http.StatusOK)
	}
	var conv memory.Conversation
	decodeBody(t, rec, &conv)
	if conv.Title != "First" {
		t.Errorf("title = %q, want %q", conv.Title, "First")
	}

	rec = doRequest(t, h, http.MethodPatch, "/v1/conversations/c1", map[string]any{"title": "Renamed"})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	decodeBody(t, rec, &conv)
	if conv.Title != "Renamed" {
		t.Errorf("updated title = %q, want %q", conv.Title, "Renamed")
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/conversations?resource_id=agent-1", nil)
	var scoped struct {
		Conversations []*memory.Conversation `json:"conversations"`
	}
	decodeBody(t, rec, &scoped)
	if len(scoped.Conversations) != 1 || scoped.Conversations[0].ID != "c1" {
		t.Errorf("scoped list = %+v, want exactly c1", scoped.Conversations)
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/conversations", nil)
	var all struct {
		Conversations []*memory.Conversation `json:"conversations"`
	}
	decodeBody(t, rec, &all)
	seen := map[string]bool{}
	for _, c := range all.Conversations {
		seen[c.ID] = true
	}
	for _, id := range []string{"c1", memory.SystemConversationID, memory.DefaultConversationID} {
		if !seen[id] {
			t.Errorf("full list missing %q", id)
		}
	}

	rec = doRequest(t, h, http.MethodDelete, "/v1/conversations/c1", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want %d", rec.Code, http.StatusNoContent)
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/conversations/c1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if code := errorCode(t, rec); code != "not_found" {
		t.Errorf("get after delete error = %q, want %q", code, "not_found")
	}
}

func TestMessages(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	doRequest(t, h, http.MethodPost, "/v1/conversations", map[string]any{"id": "c1", "resource_id": "r1"})

	rec := doRequest(t, h, http.MethodPost, "/v1/conversations/c1/messages",
		map[string]any{"role": "user", "content": "hello there"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add message status = %d, want %d: %s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	var created map[string]string
	decodeBody(t, rec, &created)
	if created["id"] == "" {
		t.Fatal("add message returned empty id")
	}

	rec = doRequest(t, h, http.MethodPost, "/v1/conversations/c1/messages",
		map[string]any{"role": "oracle", "content": "nope"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad role status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	doRequest(t, h, http.MethodPost, "/v1/conversations/c1/messages",
		map[string]any{"role": "assistant", "content": "hi!"})

	rec = doRequest(t, h, http.MethodGet, "/v1/conversations/c1/messages", nil)
	var listed struct {
		Messages []*memory.Message `json:"messages"`
	}
	decodeBody(t, rec, &listed)
	if len(listed.Messages) != 2 {
		t.Fatalf("message count = %d, want 2", len(listed.Messages))
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/conversations/c1/messages?role=assistant", nil)
	decodeBody(t, rec, &listed)
	if len(listed.Messages) != 1 || listed.Messages[0].Role != memory.RoleAssistant {
		t.Errorf("role filter returned %+v, want one assistant message", listed.Messages)
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/conversations/c1/messages?limit=abc", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/conversations/c1/messages?before=yesterday", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad timestamp status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/conversations/c1/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d, want %d", rec.Code, http.StatusOK)
	}
	var stats memory.Stats
	decodeBody(t, rec, &stats)
	if stats.MessageCount != 2 {
		t.Errorf("stats message count = %d, want 2", stats.MessageCount)
	}
}

func TestDefaultThreadMessages(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doRequest(t, h, http.MethodPost, "/v1/messages",
		map[string]any{"role": "user", "content": "to the default thread"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("default append status = %d, want %d: %s", rec.Code, http.StatusCreated, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/conversations/"+memory.DefaultConversationID+"/messages", nil)
	var listed struct {
		Messages []*memory.Message `json:"messages"`
	}
	decodeBody(t, rec, &listed)
	if len(listed.Messages) != 1 {
		t.Fatalf("default thread message count = %d, want 1", len(listed.Messages))
	}

	// Without a default conversation there is nowhere to append.
	doRequest(t, h, http.MethodDelete, "/v1/conversations/"+memory.DefaultConversationID, nil)
	rec = doRequest(t, h, http.MethodPost, "/v1/messages",
		map[string]any{"role": "user", "content": "orphaned"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("orphaned append status = %d, want %d", rec.Code, http.StatusConflict)
	}
	if code := errorCode(t, rec); code != "no_active_conversation" {
		t.Errorf("orphaned append error = %q, want %q", code, "no_active_conversation")
	}
}

func TestSearchAndIndexSync(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	doRequest(t, h, http.MethodPost, "/v1/conversations", map[string]any{"id": "c1", "resource_id": "r1"})
	doRequest(t, h, http.MethodPost, "/v1/conversations/c1/messages",
		map[string]any{"role": "user", "content": "deploy the payment service"})
	doRequest(t, h, http.MethodPost, "/v1/conversations/c1/messages",
		map[string]any{"role": "assistant", "content": "rolling out to staging first"})

	rec := doRequest(t, h, http.MethodPost, "/v1/index/sync", map[string]any{})
	if rec.Code != http.StatusOK {
		t.Fatalf("sync status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var synced map[string]int
	decodeBody(t, rec, &synced)
	if synced["indexed"] != 2 {
		t.Fatalf("indexed = %d, want 2", synced["indexed"])
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/index/stats", nil)
	var stats map[string]int
	decodeBody(t, rec, &stats)
	if stats["size"] != 2 {
		t.Errorf("index size = %d, want 2", stats["size"])
	}

	rec = doRequest(t, h, http.MethodPost, "/v1/search",
		map[string]any{"query": "deploy the payment service", "top_k": 1})
	if rec.Code != http.StatusOK {
		t.Fatalf("search status = %d, want %d", rec.Code, http.StatusOK)
	}
	var result struct {
		Matches []struct {
			Item struct {
				Text string `json:"text"`
				Role string `json:"role"`
			} `json:"item"`
			Score float64 `json:"score"`
		} `json:"matches"`
		Count int `json:"count"`
	}
	decodeBody(t, rec, &result)
	if result.Count != 1 || len(result.Matches) != 1 {
		t.Fatalf("search returned %d matches, want 1", len(result.Matches))
	}
	if got := result.Matches[0].Item.Text; got != "deploy the payment service" {
		t.Errorf("top match text = %q, want the query's own message", got)
	}
	if result.Matches[0].Score < 0.99 {
		t.Errorf("self-similarity score = %f, want ~1.0", result.Matches[0].Score)
	}
}

func TestRetrieve(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	doRequest(t, h, http.MethodPost, "/v1/conversations", map[string]any{"id": "c1", "resource_id": "r1"})
	doRequest(t, h, http.MethodPost, "/v1/conversations/c1/messages",
		map[string]any{"role": "user", "content": "the database migration plan"})
	doRequest(t, h, http.MethodPost, "/v1/index/sync", map[string]any{})

	retrieve := func(body map[string]any) (*httptest.ResponseRecorder, string) {
		rec := doRequest(t, h, http.MethodPost, "/v1/retrieve", body)
		var payload map[string]string
		if rec.Code == http.StatusOK {
			decodeBody(t, rec, &payload)
		}
		return rec, payload["context"]
	}

	_, text := retrieve(map[string]any{"query": "   "})
	if text != retriever.NoQuery {
		t.Errorf("blank query context = %q, want %q", text, retriever.NoQuery)
	}

	_, text = retrieve(map[string]any{"query": "the database migration plan", "conversation_id": "c1"})
	if !strings.Contains(text, "Previous discussions:") {
		t.Errorf("context %q missing semantic section", text)
	}
	if !strings.Contains(text, "Recent context:") {
		t.Errorf("context %q missing recent section", text)
	}

	_, text = retrieve(map[string]any{"query": "the database migration plan", "domain": "code"})
	if !strings.Contains(text, "the database migration plan") {
		t.Errorf("domain retrieval context = %q, want a hit", text)
	}

	rec, _ := retrieve(map[string]any{"query": "x", "domain": "astrology"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown domain status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHistoryAndTimeline(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doRequest(t, h, http.MethodPut, "/v1/history/run-1", map[string]any{
		"agent_id": "coder",
		"value":    map[string]any{"task": "refactor", "status": "running"},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("put history status = %d, want %d: %s", rec.Code, http.StatusNoContent, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/history/run-1", nil)
	var entry memory.HistoryEntry
	decodeBody(t, rec, &entry)
	if entry.Value.Task != "refactor" || entry.AgentID != "coder" {
		t.Errorf("entry = %+v, want task refactor owned by coder", entry)
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/history?agent_id=coder", nil)
	var entries struct {
		Entries []*memory.HistoryEntry `json:"entries"`
	}
	decodeBody(t, rec, &entries)
	if len(entries.Entries) != 1 {
		t.Fatalf("history list count = %d, want 1", len(entries.Entries))
	}

	rec = doRequest(t, h, http.MethodPut, "/v1/history/run-1/steps/step-1", map[string]any{
		"agent_id": "coder",
		"value":    map[string]any{"name": "plan", "status": "done"},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("put step status = %d, want %d: %s", rec.Code, http.StatusNoContent, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/history/run-1/steps/step-1", nil)
	var step memory.HistoryStep
	decodeBody(t, rec, &step)
	if step.Value.Name != "plan" {
		t.Errorf("step value = %+v, want name plan", step.Value)
	}

	rec = doRequest(t, h, http.MethodPost, "/v1/timeline", map[string]any{
		"key":        "ev-1",
		"history_id": "run-1",
		"agent_id":   "coder",
		"event":      map[string]any{"type": "tool:start", "label": "grep"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add timeline status = %d, want %d: %s", rec.Code, http.StatusCreated, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodPost, "/v1/timeline", map[string]any{
		"key":        "ev-2",
		"history_id": "run-1",
		"event":      map[string]any{"type": "tool:explode"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad event type status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if code := errorCode(t, rec); code != "invalid_event_type" {
		t.Errorf("bad event type error = %q, want %q", code, "invalid_event_type")
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/timeline?history_id=run-1", nil)
	var events struct {
		Events []*memory.TimelineEvent `json:"events"`
	}
	decodeBody(t, rec, &events)
	if len(events.Events) != 1 || events.Events[0].Value.Type != memory.EventToolStart {
		t.Errorf("timeline = %+v, want one tool:start event", events.Events)
	}

	rec = doRequest(t, h, http.MethodDelete, "/v1/history?agent_id=coder", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("clear history status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	rec = doRequest(t, h, http.MethodGet, "/v1/history/run-1", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("history after clear status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	rec = doRequest(t, h, http.MethodDelete, "/v1/history", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("clear without agent_id status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestAuthGate(t *testing.T) {
	svc := NewService(testConfig(), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	t.Cleanup(func() { _ = svc.Close() })
	srv := NewServer(svc, WithAPIKey("sekrit"))
	h := srv.Handler()

	rec := doRequest(t, h, http.MethodGet, "/v1/conversations", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/conversations", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/conversations", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	// Probes and scrapers carry no credentials.
	for _, path := range []string{"/healthz", "/metrics"} {
		rec = doRequest(t, h, http.MethodGet, path, nil)
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want %d", path, rec.Code, http.StatusOK)
		}
	}
}

func TestTimelineStream(t *testing.T) {
	srv, svc := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ctx := context.Background()
	store, err := svc.Store(ctx)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	resp, err := http.Get(ts.URL + "/v1/timeline/stream?history_id=run-9")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q, want text/event-stream", ct)
	}

	// A wedged stream would otherwise hang the test until the suite
	// timeout; closing the body unblocks the reader.
	guard := time.AfterFunc(10*time.Second, func() { _ = resp.Body.Close() })
	defer guard.Stop()

	br := bufio.NewReader(resp.Body)
	if name, _ := readSSEEvent(t, br); name != "ready" {
		t.Fatalf("first event = %q, want ready", name)
	}

	// The subscriber is registered once "ready" arrives; the filtered-out
	// event lands first so a leak would surface in the payload check.
	if err := store.AddTimelineEvent(ctx, "ev-other", memory.Event{Type: memory.EventAgentStart}, "other-run", "a1"); err != nil {
		t.Fatalf("add filtered event: %v", err)
	}
	if err := store.AddTimelineEvent(ctx, "ev-9", memory.Event{Type: memory.EventToolStart, Label: "grep"}, "run-9", "a1"); err != nil {
		t.Fatalf("add streamed event: %v", err)
	}

	name, data := readSSEEvent(t, br)
	if name != "timeline" {
		t.Fatalf("event = %q, want timeline", name)
	}
	var m memory.Mutation
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		t.Fatalf("decode mutation %q: %v", data, err)
	}
	if m.Op != memory.OpTimelineAdd {
		t.Errorf("op = %q, want %q", m.Op, memory.OpTimelineAdd)
	}
	if m.HistoryID != "run-9" || m.Key != "ev-9" {
		t.Errorf("mutation = %+v, want the run-9 event", m)
	}
	if m.Event == nil || m.Event.Type != memory.EventToolStart {
		t.Errorf("event payload = %+v, want tool:start", m.Event)
	}
}

// readSSEEvent reads one "event:"/"data:" pair, skipping blank keepalive
// lines.
func readSSEEvent(t *testing.T, br *bufio.Reader) (name, data string) {
	t.Helper()
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
			return name, data
		}
	}
}
