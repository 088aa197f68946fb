package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// InMemory is a non-durable Store backed by maps. It serves tests and
// ephemeral runs; the sqlite and postgres packages provide durability.
type InMemory struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[string][]*Message // keyed by conversation id, append order
	entries       map[string]*HistoryEntry
	steps         map[string]*HistoryStep
	events        map[string]*TimelineEvent
	now           func() time.Time
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty in-memory store with the bootstrap
// conversations in place.
func NewInMemory() *InMemory {
	s := &InMemory{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		entries:       make(map[string]*HistoryEntry),
		steps:         make(map[string]*HistoryStep),
		events:        make(map[string]*TimelineEvent),
		now:           time.Now,
	}
	_ = s.Bootstrap(context.Background())
	return s
}

// Bootstrap ensures the system and default conversations exist.
func (s *InMemory) Bootstrap(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureConversation(SystemConversationID, "system", "System")
	s.ensureConversation(DefaultConversationID, "default", "Default")
	return nil
}

func (s *InMemory) ensureConversation(id, resourceID, title string) {
	if _, ok := s.conversations[id]; ok {
		return
	}
	now := s.now()
	s.conversations[id] = &Conversation{
		ID:         id,
		ResourceID: resourceID,
		Title:      title,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// CreateConversation inserts a new conversation.
func (s *InMemory) CreateConversation(_ context.Context, conv Conversation) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv.ID == "" {
		conv.ID = NewID()
	} else if _, ok := s.conversations[conv.ID]; ok {
		return nil, fmt.Errorf("conversation %q: %w", conv.ID, ErrDuplicateID)
	}

	now := s.now()
	conv.CreatedAt = now
	conv.UpdatedAt = now
	conv.Metadata = copyMetadata(conv.Metadata)

	stored := conv
	s.conversations[conv.ID] = &stored
	out := conv
	return &out, nil
}

// GetConversation retrieves one conversation by id.
func (s *InMemory) GetConversation(_ context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %q: %w", id, ErrNotFound)
	}
	return copyConversation(conv), nil
}

// GetConversations returns all conversations owned by resourceID,
// newest-updated-first.
func (s *InMemory) GetConversations(_ context.Context, resourceID string) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Conversation
	for _, conv := range s.conversations {
		if conv.ResourceID == resourceID {
			out = append(out, copyConversation(conv))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// ListConversations returns every conversation, newest-updated-first.
func (s *InMemory) ListConversations(_ context.Context) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		out = append(out, copyConversation(conv))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// UpdateConversation merges the provided fields and bumps UpdatedAt.
func (s *InMemory) UpdateConversation(_ context.Context, id string, update ConversationUpdate) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %q: %w", id, ErrNotFound)
	}

	if update.Title != nil {
		conv.Title = *update.Title
	}
	if update.ResourceID != nil {
		conv.ResourceID = *update.ResourceID
	}
	if update.Metadata != nil {
		conv.Metadata = copyMetadata(update.Metadata)
	}
	conv.UpdatedAt = s.now()
	return copyConversation(conv), nil
}

// DeleteConversation removes a conversation and its messages. Unknown
// ids are ignored.
func (s *InMemory) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, id)
	delete(s.conversations, id)
	return nil
}

// AddMessage appends a message to a conversation.
func (s *InMemory) AddMessage(_ context.Context, conversationID string, role Role, content string) (string, error) {
	if !role.Valid() {
		return "", fmt.Errorf("add message: unknown role %q", role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if conversationID == "" {
		if _, ok := s.conversations[DefaultConversationID]; !ok {
			return "", fmt.Errorf("add message: %w", ErrNoActiveConversation)
		}
		conversationID = DefaultConversationID
	}

	conv, ok := s.conversations[conversationID]
	if !ok {
		return "", fmt.Errorf("conversation %q: %w", conversationID, ErrNotFound)
	}

	now := s.now()
	msg := &Message{
		ID:             NewID(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
	}
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	conv.UpdatedAt = now
	return msg.ID, nil
}

// GetMessages returns messages matching the filter, newest-first.
func (s *InMemory) GetMessages(_ context.Context, filter MessageFilter) ([]*Message, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultMessageLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Message
	for convID, msgs := range s.messages {
		if filter.ConversationID != "" && convID != filter.ConversationID {
			continue
		}
		if filter.ResourceID != "" {
			conv, ok := s.conversations[convID]
			if !ok || conv.ResourceID != filter.ResourceID {
				continue
			}
		}
		for _, m := range msgs {
			if filter.Role != "" && m.Role != filter.Role {
				continue
			}
			if !filter.Before.IsZero() && !m.CreatedAt.Before(filter.Before) {
				continue
			}
			if !filter.After.IsZero() && !m.CreatedAt.After(filter.After) {
				continue
			}
			copied := *m
			out = append(out, &copied)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AddHistoryEntry upserts an execution record under key.
func (s *InMemory) AddHistoryEntry(_ context.Context, key string, value ExecutionRecord, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.entries[key]; ok {
		existing.Value = value
		existing.AgentID = agentID
		existing.UpdatedAt = now
		return nil
	}
	s.entries[key] = &HistoryEntry{
		Key:       key,
		AgentID:   agentID,
		Value:     value,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

// UpdateHistoryEntry replaces the value of an existing entry.
func (s *InMemory) UpdateHistoryEntry(_ context.Context, key string, value ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return fmt.Errorf("history entry %q: %w", key, ErrNotFound)
	}
	entry.Value = value
	entry.UpdatedAt = s.now()
	return nil
}

// GetHistoryEntry retrieves an entry by key.
func (s *InMemory) GetHistoryEntry(_ context.Context, key string) (*HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, fmt.Errorf("history entry %q: %w", key, ErrNotFound)
	}
	copied := *entry
	return &copied, nil
}

// ListHistoryEntries returns an agent's entries, newest-first.
func (s *InMemory) ListHistoryEntries(_ context.Context, agentID string) ([]*HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*HistoryEntry
	for _, entry := range s.entries {
		if entry.AgentID == agentID {
			copied := *entry
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

// AddHistoryStep upserts a step scoped to an existing history entry.
func (s *InMemory) AddHistoryStep(_ context.Context, key string, value StepRecord, historyID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[historyID]; !ok {
		return fmt.Errorf("history entry %q: %w", historyID, ErrNotFound)
	}

	now := s.now()
	if existing, ok := s.steps[key]; ok {
		existing.Value = value
		existing.HistoryID = historyID
		existing.AgentID = agentID
		existing.UpdatedAt = now
		return nil
	}
	s.steps[key] = &HistoryStep{
		Key:       key,
		HistoryID: historyID,
		AgentID:   agentID,
		Value:     value,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

// UpdateHistoryStep replaces the value of an existing step.
func (s *InMemory) UpdateHistoryStep(_ context.Context, key string, value StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, ok := s.steps[key]
	if !ok {
		return fmt.Errorf("history step %q: %w", key, ErrNotFound)
	}
	step.Value = value
	step.UpdatedAt = s.now()
	return nil
}

// GetHistoryStep retrieves a step by key.
func (s *InMemory) GetHistoryStep(_ context.Context, key string) (*HistoryStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	step, ok := s.steps[key]
	if !ok {
		return nil, fmt.Errorf("history step %q: %w", key, ErrNotFound)
	}
	copied := *step
	return &copied, nil
}

// AddTimelineEvent upserts an audit event after validating its type.
func (s *InMemory) AddTimelineEvent(_ context.Context, key string, value Event, historyID, agentID string) error {
	if !value.Type.Valid() {
		return fmt.Errorf("timeline event %q: %w", value.Type, ErrInvalidEventType)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[historyID]; !ok {
		return fmt.Errorf("history entry %q: %w", historyID, ErrNotFound)
	}

	if value.At.IsZero() {
		value.At = s.now()
	}
	if existing, ok := s.events[key]; ok {
		existing.Value = value
		existing.HistoryID = historyID
		existing.AgentID = agentID
		return nil
	}
	s.events[key] = &TimelineEvent{
		Key:       key,
		HistoryID: historyID,
		AgentID:   agentID,
		Value:     value,
		CreatedAt: s.now(),
	}
	return nil
}

// GetTimelineEvents returns events for historyID in chronological order.
func (s *InMemory) GetTimelineEvents(_ context.Context, historyID string) ([]*TimelineEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*TimelineEvent
	for _, ev := range s.events {
		if ev.HistoryID == historyID {
			copied := *ev
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

// ClearHistory removes an agent's entries with their steps and events.
func (s *InMemory) ClearHistory(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := make(map[string]struct{})
	for key, entry := range s.entries {
		if entry.AgentID == agentID {
			removed[key] = struct{}{}
			delete(s.entries, key)
		}
	}
	for key, step := range s.steps {
		if _, gone := removed[step.HistoryID]; gone || step.AgentID == agentID {
			delete(s.steps, key)
		}
	}
	for key, ev := range s.events {
		if _, gone := removed[ev.HistoryID]; gone || ev.AgentID == agentID {
			delete(s.events, key)
		}
	}
	return nil
}

// ConversationStats aggregates a conversation's activity.
func (s *InMemory) ConversationStats(_ context.Context, conversationID string) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return &Stats{}, nil
	}

	stats := &Stats{
		StartTime:    conv.CreatedAt,
		LastActivity: conv.UpdatedAt,
	}
	for _, m := range s.messages[conversationID] {
		stats.MessageCount++
		if m.Role == RoleTool {
			stats.ToolCallCount++
		}
	}
	return stats, nil
}

// Close implements Store; the in-memory backend holds no handle.
func (s *InMemory) Close() error { return nil }

func copyConversation(c *Conversation) *Conversation {
	copied := *c
	copied.Metadata = copyMetadata(c.Metadata)
	return &copied
}

func copyMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
