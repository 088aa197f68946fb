package memory

import (
	"context"
	"log/slog"
	"time"
)

// Op identifies the store mutation a processor is notified about.
type Op string

const (
	OpConversationCreate Op = "conversation.create"
	OpConversationUpdate Op = "conversation.update"
	OpConversationDelete Op = "conversation.delete"
	OpMessageAdd         Op = "message.add"
	OpHistoryWrite       Op = "history.write"
	OpStepWrite          Op = "step.write"
	OpTimelineAdd        Op = "timeline.add"
	OpHistoryClear       Op = "history.clear"
)

// Mutation describes one successful store mutation. Fields that do not
// apply to the operation are left zero.
type Mutation struct {
	Op             Op        `json:"op"`
	At             time.Time `json:"at"`
	ConversationID string    `json:"conversation_id,omitempty"`
	ResourceID     string    `json:"resource_id,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	Role           Role      `json:"role,omitempty"`
	AgentID        string    `json:"agent_id,omitempty"`
	Key            string    `json:"key,omitempty"`
	HistoryID      string    `json:"history_id,omitempty"`
	Event          *Event    `json:"event,omitempty"`
}

// Processor observes store mutations. Process runs after the write has
// committed; returning an error never affects the write.
type Processor interface {
	Name() string
	Process(ctx context.Context, m Mutation) error
}

type processorFunc struct {
	name string
	fn   func(ctx context.Context, m Mutation) error
}

func (p processorFunc) Name() string { return p.name }

func (p processorFunc) Process(ctx context.Context, m Mutation) error { return p.fn(ctx, m) }

// NewProcessor adapts a function to the Processor interface.
func NewProcessor(name string, fn func(ctx context.Context, m Mutation) error) Processor {
	return processorFunc{name: name, fn: fn}
}

// NotifyOption configures the processor-notifying store decorator.
type NotifyOption func(*notifyingStore)

// WithFailureHook registers a callback invoked with the processor name
// each time a processor fails.
func WithFailureHook(fn func(processor string)) NotifyOption {
	return func(s *notifyingStore) { s.onFailure = fn }
}

// WithOpHook registers a callback invoked with the operation name and
// outcome of every mutating store call, failed writes included.
func WithOpHook(fn func(op string, err error)) NotifyOption {
	return func(s *notifyingStore) { s.onOp = fn }
}

// WithProcessors decorates a store so every successful mutation notifies
// the given processors. Processor errors and panics are logged and
// swallowed; the triggering write always keeps its outcome.
func WithProcessors(s Store, logger *slog.Logger, procs []Processor, opts ...NotifyOption) Store {
	if logger == nil {
		logger = slog.Default()
	}
	ns := &notifyingStore{Store: s, logger: logger, procs: procs}
	for _, opt := range opts {
		opt(ns)
	}
	return ns
}

type notifyingStore struct {
	Store
	logger    *slog.Logger
	procs     []Processor
	onFailure func(processor string)
	onOp      func(op string, err error)
}

func (s *notifyingStore) observe(op Op, err error) {
	if s.onOp != nil {
		s.onOp(string(op), err)
	}
}

func (s *notifyingStore) notify(ctx context.Context, m Mutation) {
	if m.At.IsZero() {
		m.At = time.Now()
	}
	for _, p := range s.procs {
		s.run(ctx, p, m)
	}
}

func (s *notifyingStore) run(ctx context.Context, p Processor, m Mutation) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("memory processor panicked",
				"processor", p.Name(), "op", string(m.Op), "panic", r)
			if s.onFailure != nil {
				s.onFailure(p.Name())
			}
		}
	}()
	if err := p.Process(ctx, m); err != nil {
		s.logger.Warn("memory processor failed",
			"processor", p.Name(), "op", string(m.Op), "error", err)
		if s.onFailure != nil {
			s.onFailure(p.Name())
		}
	}
}

func (s *notifyingStore) CreateConversation(ctx context.Context, conv Conversation) (*Conversation, error) {
	created, err := s.Store.CreateConversation(ctx, conv)
	s.observe(OpConversationCreate, err)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, Mutation{
		Op:             OpConversationCreate,
		ConversationID: created.ID,
		ResourceID:     created.ResourceID,
	})
	return created, nil
}

func (s *notifyingStore) UpdateConversation(ctx context.Context, id string, update ConversationUpdate) (*Conversation, error) {
	updated, err := s.Store.UpdateConversation(ctx, id, update)
	s.observe(OpConversationUpdate, err)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, Mutation{
		Op:             OpConversationUpdate,
		ConversationID: updated.ID,
		ResourceID:     updated.ResourceID,
	})
	return updated, nil
}

func (s *notifyingStore) DeleteConversation(ctx context.Context, id string) error {
	err := s.Store.DeleteConversation(ctx, id)
	s.observe(OpConversationDelete, err)
	if err != nil {
		return err
	}
	s.notify(ctx, Mutation{Op: OpConversationDelete, ConversationID: id})
	return nil
}

func (s *notifyingStore) AddMessage(ctx context.Context, conversationID string, role Role, content string) (string, error) {
	id, err := s.Store.AddMessage(ctx, conversationID, role, content)
	s.observe(OpMessageAdd, err)
	if err != nil {
		return "", err
	}
	if conversationID == "" {
		conversationID = DefaultConversationID
	}
	s.notify(ctx, Mutation{
		Op:             OpMessageAdd,
		ConversationID: conversationID,
		MessageID:      id,
		Role:           role,
	})
	return id, nil
}

func (s *notifyingStore) AddHistoryEntry(ctx context.Context, key string, value ExecutionRecord, agentID string) error {
	err := s.Store.AddHistoryEntry(ctx, key, value, agentID)
	s.observe(OpHistoryWrite, err)
	if err != nil {
		return err
	}
	s.notify(ctx, Mutation{Op: OpHistoryWrite, Key: key, AgentID: agentID})
	return nil
}

func (s *notifyingStore) UpdateHistoryEntry(ctx context.Context, key string, value ExecutionRecord) error {
	err := s.Store.UpdateHistoryEntry(ctx, key, value)
	s.observe(OpHistoryWrite, err)
	if err != nil {
		return err
	}
	s.notify(ctx, Mutation{Op: OpHistoryWrite, Key: key})
	return nil
}

func (s *notifyingStore) AddHistoryStep(ctx context.Context, key string, value StepRecord, historyID, agentID string) error {
	err := s.Store.AddHistoryStep(ctx, key, value, historyID, agentID)
	s.observe(OpStepWrite, err)
	if err != nil {
		return err
	}
	s.notify(ctx, Mutation{Op: OpStepWrite, Key: key, AgentID: agentID, HistoryID: historyID})
	return nil
}

func (s *notifyingStore) UpdateHistoryStep(ctx context.Context, key string, value StepRecord) error {
	err := s.Store.UpdateHistoryStep(ctx, key, value)
	s.observe(OpStepWrite, err)
	if err != nil {
		return err
	}
	s.notify(ctx, Mutation{Op: OpStepWrite, Key: key})
	return nil
}

func (s *notifyingStore) AddTimelineEvent(ctx context.Context, key string, value Event, historyID, agentID string) error {
	err := s.Store.AddTimelineEvent(ctx, key, value, historyID, agentID)
	s.observe(OpTimelineAdd, err)
	if err != nil {
		return err
	}
	s.notify(ctx, Mutation{Op: OpTimelineAdd, Key: key, AgentID: agentID, HistoryID: historyID, Event: &value})
	return nil
}

func (s *notifyingStore) ClearHistory(ctx context.Context, agentID string) error {
	err := s.Store.ClearHistory(ctx, agentID)
	s.observe(OpHistoryClear, err)
	if err != nil {
		return err
	}
	s.notify(ctx, Mutation{Op: OpHistoryClear, AgentID: agentID})
	return nil
}
