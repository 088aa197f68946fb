// Package postgres backs the conversation store with PostgreSQL for
// multi-instance deployments where the embedded store is not enough.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/szaher/recall/internal/memory"
)

// Store is the PostgreSQL-backed memory.Store.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ memory.Store = (*Store)(nil)

// Open connects to the database at dsn, applies the schema and seeds the
// bootstrap conversations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: %w", err)
	}
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
	}

	s := &Store{pool: pool, now: time.Now}
	if err := s.Bootstrap(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Bootstrap ensures the system and default conversations exist.
func (s *Store) Bootstrap(ctx context.Context) error {
	now := s.now()
	for _, row := range []struct{ id, resource, title string }{
		{memory.SystemConversationID, "system", "System"},
		{memory.DefaultConversationID, "default", "Default"},
	} {
		_, err := s.pool.Exec(ctx, `
INSERT INTO conversations(id, resource_id, title, metadata, created_at, updated_at)
VALUES($1, $2, $3, NULL, $4, $4)
ON CONFLICT (id) DO NOTHING
`, row.id, row.resource, row.title, now)
		if err != nil {
			return fmt.Errorf("bootstrap %s: %w", row.id, err)
		}
	}
	return nil
}

// CreateConversation inserts a new conversation.
func (s *Store) CreateConversation(ctx context.Context, conv memory.Conversation) (*memory.Conversation, error) {
	if conv.ID == "" {
		conv.ID = memory.NewID()
	}
	now := s.now()
	conv.CreatedAt = now
	conv.UpdatedAt = now

	tag, err := s.pool.Exec(ctx, `
INSERT INTO conversations(id, resource_id, title, metadata, created_at, updated_at)
VALUES($1, $2, $3, $4, $5, $5)
ON CONFLICT (id) DO NOTHING
`, conv.ID, conv.ResourceID, conv.Title, conv.Metadata, now)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("conversation %q: %w", conv.ID, memory.ErrDuplicateID)
	}
	return &conv, nil
}

// GetConversation retrieves one conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*memory.Conversation, error) {
	var conv memory.Conversation
	err := s.pool.QueryRow(ctx, `
SELECT id, resource_id, title, metadata, created_at, updated_at
FROM conversations
WHERE id = $1
`, id).Scan(&conv.ID, &conv.ResourceID, &conv.Title, &conv.Metadata, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("conversation %q: %w", id, memory.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &conv, nil
}

// GetConversations returns all conversations owned by resourceID,
// newest-updated-first.
func (s *Store) GetConversations(ctx context.Context, resourceID string) ([]*memory.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, resource_id, title, metadata, created_at, updated_at
FROM conversations
WHERE resource_id = $1
ORDER BY updated_at DESC, id DESC
`, resourceID)
	if err != nil {
		return nil, fmt.Errorf("get conversations: %w", err)
	}
	defer rows.Close()

	var out []*memory.Conversation
	for rows.Next() {
		var conv memory.Conversation
		if err := rows.Scan(&conv.ID, &conv.ResourceID, &conv.Title, &conv.Metadata, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("get conversations: %w", err)
		}
		out = append(out, &conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get conversations: %w", err)
	}
	return out, nil
}

// ListConversations returns every conversation, newest-updated-first.
func (s *Store) ListConversations(ctx context.Context) ([]*memory.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, resource_id, title, metadata, created_at, updated_at
FROM conversations
ORDER BY updated_at DESC, id DESC
`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*memory.Conversation
	for rows.Next() {
		var conv memory.Conversation
		if err := rows.Scan(&conv.ID, &conv.ResourceID, &conv.Title, &conv.Metadata, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("list conversations: %w", err)
		}
		out = append(out, &conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return out, nil
}

// UpdateConversation merges the provided fields and bumps UpdatedAt.
func (s *Store) UpdateConversation(ctx context.Context, id string, update memory.ConversationUpdate) (*memory.Conversation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var conv memory.Conversation
	err = tx.QueryRow(ctx, `
SELECT id, resource_id, title, metadata, created_at, updated_at
FROM conversations
WHERE id = $1
FOR UPDATE
`, id).Scan(&conv.ID, &conv.ResourceID, &conv.Title, &conv.Metadata, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("conversation %q: %w", id, memory.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}

	if update.Title != nil {
		conv.Title = *update.Title
	}
	if update.ResourceID != nil {
		conv.ResourceID = *update.ResourceID
	}
	if update.Metadata != nil {
		conv.Metadata = update.Metadata
	}
	conv.UpdatedAt = s.now()

	if _, err := tx.Exec(ctx, `
UPDATE conversations
SET resource_id = $1, title = $2, metadata = $3, updated_at = $4
WHERE id = $5
`, conv.ResourceID, conv.Title, conv.Metadata, conv.UpdatedAt, id); err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}
	return &conv, nil
}

// DeleteConversation removes a conversation; its messages cascade.
// Unknown ids are ignored.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// AddMessage appends a message and bumps the conversation's UpdatedAt in
// the same transaction.
func (s *Store) AddMessage(ctx context.Context, conversationID string, role memory.Role, content string) (string, error) {
	if !role.Valid() {
		return "", fmt.Errorf("add message: unknown role %q", role)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("add message: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	fallback := conversationID == ""
	if fallback {
		conversationID = memory.DefaultConversationID
	}
	var one int
	err = tx.QueryRow(ctx, `SELECT 1 FROM conversations WHERE id = $1`, conversationID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		if fallback {
			return "", fmt.Errorf("add message: %w", memory.ErrNoActiveConversation)
		}
		return "", fmt.Errorf("conversation %q: %w", conversationID, memory.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("add message: %w", err)
	}

	id := memory.NewID()
	now := s.now()
	if _, err := tx.Exec(ctx, `
INSERT INTO messages(id, conversation_id, role, content, created_at)
VALUES($1, $2, $3, $4, $5)
`, id, conversationID, string(role), content, now); err != nil {
		return "", fmt.Errorf("add message: %w", err)
	}
	if _, err := tx.Exec(ctx, `
UPDATE conversations SET updated_at = $1 WHERE id = $2
`, now, conversationID); err != nil {
		return "", fmt.Errorf("add message: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("add message: %w", err)
	}
	return id, nil
}

// GetMessages returns messages matching the filter, newest-first.
func (s *Store) GetMessages(ctx context.Context, filter memory.MessageFilter) ([]*memory.Message, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = memory.DefaultMessageLimit
	}

	q := `
SELECT m.id, m.conversation_id, m.role, m.content, m.created_at
FROM messages m
JOIN conversations c ON c.id = m.conversation_id
WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.ConversationID != "" {
		q += " AND m.conversation_id = " + arg(filter.ConversationID)
	}
	if filter.ResourceID != "" {
		q += " AND c.resource_id = " + arg(filter.ResourceID)
	}
	if filter.Role != "" {
		q += " AND m.role = " + arg(string(filter.Role))
	}
	if !filter.Before.IsZero() {
		q += " AND m.created_at < " + arg(filter.Before)
	}
	if !filter.After.IsZero() {
		q += " AND m.created_at > " + arg(filter.After)
	}
	q += "\nORDER BY m.created_at DESC, m.id DESC\nLIMIT " + arg(limit)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var out []*memory.Message
	for rows.Next() {
		var m memory.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("get messages: %w", err)
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	return out, nil
}

// AddHistoryEntry upserts an execution record under key.
func (s *Store) AddHistoryEntry(ctx context.Context, key string, value memory.ExecutionRecord, agentID string) error {
	now := s.now()
	_, err := s.pool.Exec(ctx, `
INSERT INTO history_entries(key, agent_id, value, created_at, updated_at)
VALUES($1, $2, $3, $4, $4)
ON CONFLICT (key) DO UPDATE SET
  agent_id = EXCLUDED.agent_id,
  value = EXCLUDED.value,
  updated_at = EXCLUDED.updated_at
`, key, agentID, value, now)
	if err != nil {
		return fmt.Errorf("add history entry: %w", err)
	}
	return nil
}

// UpdateHistoryEntry replaces the value of an existing entry.
func (s *Store) UpdateHistoryEntry(ctx context.Context, key string, value memory.ExecutionRecord) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE history_entries SET value = $1, updated_at = $2 WHERE key = $3
`, value, s.now(), key)
	if err != nil {
		return fmt.Errorf("update history entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("history entry %q: %w", key, memory.ErrNotFound)
	}
	return nil
}

// GetHistoryEntry retrieves an entry by key.
func (s *Store) GetHistoryEntry(ctx context.Context, key string) (*memory.HistoryEntry, error) {
	var entry memory.HistoryEntry
	err := s.pool.QueryRow(ctx, `
SELECT key, agent_id, value, created_at, updated_at
FROM history_entries
WHERE key = $1
`, key).Scan(&entry.Key, &entry.AgentID, &entry.Value, &entry.CreatedAt, &entry.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("history entry %q: %w", key, memory.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get history entry: %w", err)
	}
	return &entry, nil
}

// ListHistoryEntries returns an agent's entries, newest-first.
func (s *Store) ListHistoryEntries(ctx context.Context, agentID string) ([]*memory.HistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
SELECT key, agent_id, value, created_at, updated_at
FROM history_entries
WHERE agent_id = $1
ORDER BY created_at DESC, key
`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list history entries: %w", err)
	}
	defer rows.Close()

	var out []*memory.HistoryEntry
	for rows.Next() {
		var entry memory.HistoryEntry
		if err := rows.Scan(&entry.Key, &entry.AgentID, &entry.Value, &entry.CreatedAt, &entry.UpdatedAt); err != nil {
			return nil, fmt.Errorf("list history entries: %w", err)
		}
		out = append(out, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list history entries: %w", err)
	}
	return out, nil
}

// AddHistoryStep upserts a step scoped to an existing history entry.
func (s *Store) AddHistoryStep(ctx context.Context, key string, value memory.StepRecord, historyID, agentID string) error {
	if err := s.requireEntry(ctx, historyID); err != nil {
		return err
	}
	now := s.now()
	_, err := s.pool.Exec(ctx, `
INSERT INTO history_steps(key, history_id, agent_id, value, created_at, updated_at)
VALUES($1, $2, $3, $4, $5, $5)
ON CONFLICT (key) DO UPDATE SET
  history_id = EXCLUDED.history_id,
  agent_id = EXCLUDED.agent_id,
  value = EXCLUDED.value,
  updated_at = EXCLUDED.updated_at
`, key, historyID, agentID, value, now)
	if err != nil {
		return fmt.Errorf("add history step: %w", err)
	}
	return nil
}

// UpdateHistoryStep replaces the value of an existing step.
func (s *Store) UpdateHistoryStep(ctx context.Context, key string, value memory.StepRecord) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE history_steps SET value = $1, updated_at = $2 WHERE key = $3
`, value, s.now(), key)
	if err != nil {
		return fmt.Errorf("update history step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("history step %q: %w", key, memory.ErrNotFound)
	}
	return nil
}

// GetHistoryStep retrieves a step by key.
func (s *Store) GetHistoryStep(ctx context.Context, key string) (*memory.HistoryStep, error) {
	var step memory.HistoryStep
	err := s.pool.QueryRow(ctx, `
SELECT key, history_id, agent_id, value, created_at, updated_at
FROM history_steps
WHERE key = $1
`, key).Scan(&step.Key, &step.HistoryID, &step.AgentID, &step.Value, &step.CreatedAt, &step.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("history step %q: %w", key, memory.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get history step: %w", err)
	}
	return &step, nil
}

// AddTimelineEvent upserts an audit event after validating its type.
func (s *Store) AddTimelineEvent(ctx context.Context, key string, value memory.Event, historyID, agentID string) error {
	if !value.Type.Valid() {
		return fmt.Errorf("timeline event %q: %w", value.Type, memory.ErrInvalidEventType)
	}
	if err := s.requireEntry(ctx, historyID); err != nil {
		return err
	}
	if value.At.IsZero() {
		value.At = s.now()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO timeline_events(key, history_id, agent_id, value, created_at)
VALUES($1, $2, $3, $4, $5)
ON CONFLICT (key) DO UPDATE SET
  history_id = EXCLUDED.history_id,
  agent_id = EXCLUDED.agent_id,
  value = EXCLUDED.value
`, key, historyID, agentID, value, s.now())
	if err != nil {
		return fmt.Errorf("add timeline event: %w", err)
	}
	return nil
}

// GetTimelineEvents returns events for historyID in chronological order.
func (s *Store) GetTimelineEvents(ctx context.Context, historyID string) ([]*memory.TimelineEvent, error) {
	rows, err := s.pool.Query(ctx, `
SELECT key, history_id, agent_id, value, created_at
FROM timeline_events
WHERE history_id = $1
ORDER BY created_at, key
`, historyID)
	if err != nil {
		return nil, fmt.Errorf("get timeline events: %w", err)
	}
	defer rows.Close()

	var out []*memory.TimelineEvent
	for rows.Next() {
		var ev memory.TimelineEvent
		if err := rows.Scan(&ev.Key, &ev.HistoryID, &ev.AgentID, &ev.Value, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("get timeline events: %w", err)
		}
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get timeline events: %w", err)
	}
	return out, nil
}

// ClearHistory removes an agent's entries with their steps and events.
func (s *Store) ClearHistory(ctx context.Context, agentID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM history_entries WHERE agent_id = $1`, agentID); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM history_steps WHERE agent_id = $1`, agentID); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM timeline_events WHERE agent_id = $1`, agentID); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

// ConversationStats aggregates a conversation's activity. Unknown ids
// yield zeroed stats.
func (s *Store) ConversationStats(ctx context.Context, conversationID string) (*memory.Stats, error) {
	var stats memory.Stats
	err := s.pool.QueryRow(ctx, `
SELECT created_at, updated_at FROM conversations WHERE id = $1
`, conversationID).Scan(&stats.StartTime, &stats.LastActivity)
	if errors.Is(err, pgx.ErrNoRows) {
		return &memory.Stats{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("conversation stats: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
SELECT COUNT(*), COUNT(*) FILTER (WHERE role = 'tool')
FROM messages
WHERE conversation_id = $1
`, conversationID).Scan(&stats.MessageCount, &stats.ToolCallCount)
	if err != nil {
		return nil, fmt.Errorf("conversation stats: %w", err)
	}
	return &stats, nil
}

func (s *Store) requireEntry(ctx context.Context, historyID string) error {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM history_entries WHERE key = $1`, historyID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("history entry %q: %w", historyID, memory.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("history entry %q: %w", historyID, err)
	}
	return nil
}
