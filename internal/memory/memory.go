// Package memory defines the conversation store: a thread-scoped record of
// dialogue, agent execution history and timeline audit events.
package memory

import (
	"context"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// Bootstrap conversation ids that every store guarantees to exist.
const (
	SystemConversationID  = "system"
	DefaultConversationID = "default"
)

// Conversation is a thread of messages under one owning resource.
type Conversation struct {
	ID         string         `json:"id"`
	ResourceID string         `json:"resource_id"`
	Title      string         `json:"title"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// ConversationUpdate carries the fields of a partial conversation update.
// Nil fields are left unchanged.
type ConversationUpdate struct {
	Title      *string        `json:"title,omitempty"`
	ResourceID *string        `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Message is one turn in a conversation. Messages are immutable once
// written; corrections are new messages.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// MessageFilter selects messages for GetMessages. A zero Before/After
// leaves that bound open. Limit defaults to 50 when not positive.
type MessageFilter struct {
	ConversationID string
	ResourceID     string
	Role           Role
	Before         time.Time
	After          time.Time
	Limit          int
}

// DefaultMessageLimit bounds GetMessages when the filter carries no limit.
const DefaultMessageLimit = 50

// ExecutionRecord is the typed value of a history entry: one agent
// execution episode.
type ExecutionRecord struct {
	Task         string         `json:"task,omitempty"`
	Status       string         `json:"status,omitempty"`
	Output       string         `json:"output,omitempty"`
	Error        string         `json:"error,omitempty"`
	InputTokens  int            `json:"input_tokens,omitempty"`
	OutputTokens int            `json:"output_tokens,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// HistoryEntry records one agent execution episode under an opaque key.
// Unlike messages, entries may be updated in place while the execution runs.
type HistoryEntry struct {
	Key       string          `json:"key"`
	AgentID   string          `json:"agent_id"`
	Value     ExecutionRecord `json:"value"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// StepRecord is the typed value of a history step.
type StepRecord struct {
	Name   string         `json:"name,omitempty"`
	Status string         `json:"status,omitempty"`
	Detail string         `json:"detail,omitempty"`
	Extra  map[string]any `json:"extra,omitempty"`
}

// HistoryStep is one step within a history entry's execution.
type HistoryStep struct {
	Key       string     `json:"key"`
	HistoryID string     `json:"history_id"`
	AgentID   string     `json:"agent_id"`
	Value     StepRecord `json:"value"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TimelineEvent is an append-only audit record of a lifecycle transition.
type TimelineEvent struct {
	Key       string    `json:"key"`
	HistoryID string    `json:"history_id"`
	AgentID   string    `json:"agent_id"`
	Value     Event     `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats aggregates a conversation's activity. ToolCallCount counts
// messages with role "tool".
type Stats struct {
	MessageCount  int       `json:"message_count"`
	ToolCallCount int       `json:"tool_call_count"`
	StartTime     time.Time `json:"start_time"`
	LastActivity  time.Time `json:"last_activity"`
}

// Store is the durable conversation store. Mutations fail loud: backend
// errors surface to the caller instead of being absorbed.
type Store interface {
	// CreateConversation inserts a new conversation. An empty ID is
	// replaced with a generated one; a colliding ID fails with
	// ErrDuplicateID.
	CreateConversation(ctx context.Context, conv Conversation) (*Conversation, error)

	// GetConversation retrieves one conversation by id.
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// GetConversations returns all conversations owned by resourceID,
	// newest-updated-first.
	GetConversations(ctx context.Context, resourceID string) ([]*Conversation, error)

	// ListConversations returns every conversation, newest-updated-first.
	ListConversations(ctx context.Context) ([]*Conversation, error)

	// UpdateConversation merges the provided fields into an existing
	// conversation and bumps UpdatedAt.
	UpdateConversation(ctx context.Context, id string, update ConversationUpdate) (*Conversation, error)

	// DeleteConversation removes a conversation and all of its messages.
	// Deleting an unknown id is not an error.
	DeleteConversation(ctx context.Context, id string) error

	// AddMessage appends a message and bumps the owning conversation's
	// UpdatedAt. An empty conversationID falls back to the default
	// conversation; if that is gone the call fails with
	// ErrNoActiveConversation.
	AddMessage(ctx context.Context, conversationID string, role Role, content string) (string, error)

	// GetMessages returns messages matching the filter, newest-first.
	GetMessages(ctx context.Context, filter MessageFilter) ([]*Message, error)

	// AddHistoryEntry upserts an execution record under key.
	AddHistoryEntry(ctx context.Context, key string, value ExecutionRecord, agentID string) error

	// UpdateHistoryEntry replaces the value of an existing entry and
	// fails with ErrNotFound when the key is unknown.
	UpdateHistoryEntry(ctx context.Context, key string, value ExecutionRecord) error

	// GetHistoryEntry retrieves an entry by key.
	GetHistoryEntry(ctx context.Context, key string) (*HistoryEntry, error)

	// ListHistoryEntries returns an agent's entries, newest-first.
	ListHistoryEntries(ctx context.Context, agentID string) ([]*HistoryEntry, error)

	// AddHistoryStep upserts a step under its own key, scoped to an
	// existing history entry.
	AddHistoryStep(ctx context.Context, key string, value StepRecord, historyID, agentID string) error

	// UpdateHistoryStep replaces the value of an existing step and fails
	// with ErrNotFound when the key is unknown.
	UpdateHistoryStep(ctx context.Context, key string, value StepRecord) error

	// GetHistoryStep retrieves a step by key.
	GetHistoryStep(ctx context.Context, key string) (*HistoryStep, error)

	// AddTimelineEvent upserts an audit event under key after validating
	// the event type, so idempotent retries of the same event are safe.
	// An unknown type fails with ErrInvalidEventType and writes nothing.
	AddTimelineEvent(ctx context.Context, key string, value Event, historyID, agentID string) error

	// GetTimelineEvents returns the events referencing historyID in
	// chronological order.
	GetTimelineEvents(ctx context.Context, historyID string) ([]*TimelineEvent, error)

	// ClearHistory removes all of an agent's history entries together
	// with their steps and timeline events.
	ClearHistory(ctx context.Context, agentID string) error

	// ConversationStats aggregates a conversation's activity. Unknown or
	// empty ids yield zeroed stats rather than an error.
	ConversationStats(ctx context.Context, conversationID string) (*Stats, error)

	// Bootstrap ensures the system and default conversations exist.
	Bootstrap(ctx context.Context) error

	// Close releases the backend handle.
	Close() error
}

// RecentContext returns the last limit messages of a conversation in
// chronological order, ready for prompt assembly. The limit defaults
// to 10 when not positive.
func RecentContext(ctx context.Context, s Store, conversationID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 10
	}
	msgs, err := s.GetMessages(ctx, MessageFilter{ConversationID: conversationID, Limit: limit})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
