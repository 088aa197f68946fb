package memory

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
)

// recordingProcessor captures every mutation it is notified about.
type recordingProcessor struct {
	mu        sync.Mutex
	mutations []Mutation
}

func (p *recordingProcessor) Name() string { return "recorder" }

func (p *recordingProcessor) Process(_ context.Context, m Mutation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mutations = append(p.mutations, m)
	return nil
}

func (p *recordingProcessor) seen() []Mutation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Mutation(nil), p.mutations...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWithProcessorsNotifies(t *testing.T) {
	ctx := context.Background()
	rec := &recordingProcessor{}
	store := WithProcessors(newTestStore(), discardLogger(), []Processor{rec})

	conv, err := store.CreateConversation(ctx, Conversation{ID: "c1", ResourceID: "r1"})
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	msgID, err := store.AddMessage(ctx, "c1", RoleUser, "hello")
	if err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}
	if err := store.AddHistoryEntry(ctx, "h1", ExecutionRecord{}, "agent-a"); err != nil {
		t.Fatalf("AddHistoryEntry failed: %v", err)
	}
	if err := store.ClearHistory(ctx, "agent-a"); err != nil {
		t.Fatalf("ClearHistory failed: %v", err)
	}

	seen := rec.seen()
	if len(seen) != 4 {
		t.Fatalf("expected 4 mutations, got %d: %+v", len(seen), seen)
	}
	if seen[0].Op != OpConversationCreate || seen[0].ConversationID != conv.ID || seen[0].ResourceID != "r1" {
		t.Errorf("unexpected create mutation: %+v", seen[0])
	}
	if seen[1].Op != OpMessageAdd || seen[1].MessageID != msgID || seen[1].Role != RoleUser {
		t.Errorf("unexpected message mutation: %+v", seen[1])
	}
	if seen[2].Op != OpHistoryWrite || seen[2].Key != "h1" || seen[2].AgentID != "agent-a" {
		t.Errorf("unexpected history mutation: %+v", seen[2])
	}
	if seen[3].Op != OpHistoryClear || seen[3].AgentID != "agent-a" {
		t.Errorf("unexpected clear mutation: %+v", seen[3])
	}
	for i, m := range seen {
		if m.At.IsZero() {
			t.Errorf("mutation %d: expected At to be stamped", i)
		}
	}
}

func TestWithProcessorsDefaultConversation(t *testing.T) {
	ctx := context.Background()
	rec := &recordingProcessor{}
	store := WithProcessors(newTestStore(), discardLogger(), []Processor{rec})

	if _, err := store.AddMessage(ctx, "", RoleUser, "hello"); err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}

	seen := rec.seen()
	if len(seen) != 1 {
		t.Fatalf("expected 1 mutation, got %d", len(seen))
	}
	if seen[0].ConversationID != DefaultConversationID {
		t.Errorf("expected mutation to carry the resolved conversation, got %q", seen[0].ConversationID)
	}
}

func TestWithProcessorsSkipsFailedWrites(t *testing.T) {
	ctx := context.Background()
	rec := &recordingProcessor{}
	store := WithProcessors(newTestStore(), discardLogger(), []Processor{rec})

	if _, err := store.AddMessage(ctx, "missing", RoleUser, "hello"); err == nil {
		t.Fatal("expected AddMessage to fail")
	}
	if n := len(rec.seen()); n != 0 {
		t.Errorf("expected no notification for a failed write, got %d", n)
	}
}

func TestProcessorErrorsSwallowed(t *testing.T) {
	ctx := context.Background()
	var failures []string
	failing := NewProcessor("flaky", func(context.Context, Mutation) error {
		return errors.New("boom")
	})
	rec := &recordingProcessor{}
	store := WithProcessors(newTestStore(), discardLogger(), []Processor{failing, rec},
		WithFailureHook(func(name string) { failures = append(failures, name) }))

	if _, err := store.AddMessage(ctx, "", RoleUser, "hello"); err != nil {
		t.Fatalf("expected write to succeed despite processor error, got %v", err)
	}
	if len(failures) != 1 || failures[0] != "flaky" {
		t.Errorf("expected failure hook for flaky, got %v", failures)
	}
	if n := len(rec.seen()); n != 1 {
		t.Errorf("expected later processors to still run, got %d notifications", n)
	}
}

func TestOpHookObservesOutcomes(t *testing.T) {
	ctx := context.Background()
	type opCall struct {
		op string
		ok bool
	}
	var calls []opCall
	store := WithProcessors(newTestStore(), discardLogger(), nil,
		WithOpHook(func(op string, err error) {
			calls = append(calls, opCall{op, err == nil})
		}))

	if _, err := store.AddMessage(ctx, "", RoleUser, "hello"); err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}
	if _, err := store.AddMessage(ctx, "missing", RoleUser, "hello"); err == nil {
		t.Fatal("expected AddMessage to an unknown conversation to fail")
	}
	if err := store.ClearHistory(ctx, "agent-a"); err != nil {
		t.Fatalf("ClearHistory failed: %v", err)
	}

	want := []opCall{{"message.add", true}, {"message.add", false}, {"history.clear", true}}
	if len(calls) != len(want) {
		t.Fatalf("expected %d hook calls, got %d: %v", len(want), len(calls), calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %+v, want %+v", i, calls[i], want[i])
		}
	}
}

func TestProcessorPanicsRecovered(t *testing.T) {
	ctx := context.Background()
	var failures []string
	panicking := NewProcessor("wild", func(context.Context, Mutation) error {
		panic("unexpected state")
	})
	store := WithProcessors(newTestStore(), discardLogger(), []Processor{panicking},
		WithFailureHook(func(name string) { failures = append(failures, name) }))

	if _, err := store.AddMessage(ctx, "", RoleUser, "hello"); err != nil {
		t.Fatalf("expected write to survive processor panic, got %v", err)
	}
	if len(failures) != 1 || failures[0] != "wild" {
		t.Errorf("expected failure hook for wild, got %v", failures)
	}
}

func TestFiltered(t *testing.T) {
	ctx := context.Background()

	t.Run("matching mutations pass through", func(t *testing.T) {
		rec := &recordingProcessor{}
		p, err := Filtered(rec, `op == "message.add" && role == "tool"`)
		if err != nil {
			t.Fatalf("Filtered failed: %v", err)
		}
		store := WithProcessors(newTestStore(), discardLogger(), []Processor{p})

		if _, err := store.AddMessage(ctx, "", RoleUser, "chat"); err != nil {
			t.Fatalf("AddMessage failed: %v", err)
		}
		if _, err := store.AddMessage(ctx, "", RoleTool, "result"); err != nil {
			t.Fatalf("AddMessage failed: %v", err)
		}

		seen := rec.seen()
		if len(seen) != 1 {
			t.Fatalf("expected only the tool message through the filter, got %d", len(seen))
		}
		if seen[0].Role != RoleTool {
			t.Errorf("expected tool mutation, got %+v", seen[0])
		}
	})

	t.Run("rejects non-boolean conditions", func(t *testing.T) {
		if _, err := Filtered(&recordingProcessor{}, `conversation_id`); err == nil {
			t.Error("expected compile error for non-boolean condition")
		}
	})

	t.Run("rejects malformed conditions", func(t *testing.T) {
		if _, err := Filtered(&recordingProcessor{}, `op == `); err == nil {
			t.Error("expected compile error for malformed condition")
		}
	})

	t.Run("keeps the wrapped name", func(t *testing.T) {
		p, err := Filtered(&recordingProcessor{}, `op == "message.add"`)
		if err != nil {
			t.Fatalf("Filtered failed: %v", err)
		}
		if p.Name() != "recorder" {
			t.Errorf("expected wrapped name recorder, got %q", p.Name())
		}
	})
}

func TestNewProcessor(t *testing.T) {
	called := false
	p := NewProcessor("inline", func(context.Context, Mutation) error {
		called = true
		return nil
	})
	if p.Name() != "inline" {
		t.Errorf("expected name inline, got %q", p.Name())
	}
	if err := p.Process(context.Background(), Mutation{Op: OpMessageAdd}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !called {
		t.Error("expected wrapped function to run")
	}
}

func TestEventTypeValidation(t *testing.T) {
	valid := []EventType{
		EventToolStart, EventToolSuccess, EventToolError,
		EventAgentStart, EventAgentSuccess, EventAgentError,
		EventMemoryReadStart, EventMemoryReadSuccess, EventMemoryReadError,
		EventMemoryWriteStart, EventMemoryWriteSuccess, EventMemoryWriteError,
		EventRetrieverStart, EventRetrieverSuccess, EventRetrieverError,
	}
	for _, typ := range valid {
		if !typ.Valid() {
			t.Errorf("expected %s to be valid", typ)
		}
	}
	for _, typ := range []EventType{"", "tool", "tool:done", "agent:crashed"} {
		if typ.Valid() {
			t.Errorf("expected %q to be invalid", typ)
		}
	}
	if got := len(EventTypes()); got != len(valid) {
		t.Errorf("expected %d event types, got %d", len(valid), got)
	}
}

func TestRoleValidation(t *testing.T) {
	for _, role := range []Role{RoleUser, RoleAssistant, RoleSystem, RoleTool} {
		if !role.Valid() {
			t.Errorf("expected %s to be valid", role)
		}
	}
	if Role("operator").Valid() {
		t.Error("expected operator to be invalid")
	}
}
