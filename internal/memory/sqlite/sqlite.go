// Package sqlite backs the conversation store with an embedded SQLite
// database. WAL keeps readers unblocked while a single writer connection
// persists mutations.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/szaher/recall/internal/memory"
)

// Store is the SQLite-backed memory.Store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ memory.Store = (*Store)(nil)

// Open creates or opens the database at path, applies the schema and
// seeds the bootstrap conversations.
func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("sqlite: missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}

	dsn := "file:" + p + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Bootstrap ensures the system and default conversations exist.
func (s *Store) Bootstrap(ctx context.Context) error {
	now := s.now().UnixMilli()
	for _, row := range []struct{ id, resource, title string }{
		{memory.SystemConversationID, "system", "System"},
		{memory.DefaultConversationID, "default", "Default"},
	} {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO conversations(id, resource_id, title, metadata, created_at, updated_at)
VALUES(?, ?, ?, 'null', ?, ?)
ON CONFLICT(id) DO NOTHING
`, row.id, row.resource, row.title, now, now)
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
	now := s.now().UnixMilli()
	conv.CreatedAt = fromMillis(now)
	conv.UpdatedAt = conv.CreatedAt

	meta, err := json.Marshal(conv.Metadata)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO conversations(id, resource_id, title, metadata, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING
`, conv.ID, conv.ResourceID, conv.Title, string(meta), now, now)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("conversation %q: %w", conv.ID, memory.ErrDuplicateID)
	}
	return &conv, nil
}

// GetConversation retrieves one conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*memory.Conversation, error) {
	conv, err := scanConversation(s.db.QueryRowContext(ctx, `
SELECT id, resource_id, title, metadata, created_at, updated_at
FROM conversations
WHERE id = ?
`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %q: %w", id, memory.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

// GetConversations returns all conversations owned by resourceID,
// newest-updated-first.
func (s *Store) GetConversations(ctx context.Context, resourceID string) ([]*memory.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, resource_id, title, metadata, created_at, updated_at
FROM conversations
WHERE resource_id = ?
ORDER BY updated_at DESC, id DESC
`, resourceID)
	if err != nil {
		return nil, fmt.Errorf("get conversations: %w", err)
	}
	defer rows.Close()

	var out []*memory.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("get conversations: %w", err)
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get conversations: %w", err)
	}
	return out, nil
}

// ListConversations returns every conversation, newest-updated-first.
func (s *Store) ListConversations(ctx context.Context) ([]*memory.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
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
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("list conversations: %w", err)
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return out, nil
}

// UpdateConversation merges the provided fields and bumps UpdatedAt.
func (s *Store) UpdateConversation(ctx context.Context, id string, update memory.ConversationUpdate) (*memory.Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	conv, err := scanConversation(tx.QueryRowContext(ctx, `
SELECT id, resource_id, title, metadata, created_at, updated_at
FROM conversations
WHERE id = ?
`, id))
	if errors.Is(err, sql.ErrNoRows) {
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
	conv.UpdatedAt = fromMillis(s.now().UnixMilli())

	meta, err := json.Marshal(conv.Metadata)
	if err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE conversations
SET resource_id = ?, title = ?, metadata = ?, updated_at = ?
WHERE id = ?
`, conv.ResourceID, conv.Title, string(meta), conv.UpdatedAt.UnixMilli(), id); err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}
	return conv, nil
}

// DeleteConversation removes a conversation; its messages cascade.
// Unknown ids are ignored.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("add message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	fallback := conversationID == ""
	if fallback {
		conversationID = memory.DefaultConversationID
	}
	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, conversationID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		if fallback {
			return "", fmt.Errorf("add message: %w", memory.ErrNoActiveConversation)
		}
		return "", fmt.Errorf("conversation %q: %w", conversationID, memory.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("add message: %w", err)
	}

	id := memory.NewID()
	now := s.now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages(id, conversation_id, role, content, created_at)
VALUES(?, ?, ?, ?, ?)
`, id, conversationID, string(role), content, now); err != nil {
		return "", fmt.Errorf("add message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE conversations SET updated_at = ? WHERE id = ?
`, now, conversationID); err != nil {
		return "", fmt.Errorf("add message: %w", err)
	}
	if err := tx.Commit(); err != nil {
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

	var (
		where []string
		args  []any
	)
	if filter.ConversationID != "" {
		where = append(where, "m.conversation_id = ?")
		args = append(args, filter.ConversationID)
	}
	if filter.ResourceID != "" {
		where = append(where, "c.resource_id = ?")
		args = append(args, filter.ResourceID)
	}
	if filter.Role != "" {
		where = append(where, "m.role = ?")
		args = append(args, string(filter.Role))
	}
	if !filter.Before.IsZero() {
		where = append(where, "m.created_at < ?")
		args = append(args, filter.Before.UnixMilli())
	}
	if !filter.After.IsZero() {
		where = append(where, "m.created_at > ?")
		args = append(args, filter.After.UnixMilli())
	}

	q := `
SELECT m.id, m.conversation_id, m.role, m.content, m.created_at
FROM messages m
JOIN conversations c ON c.id = m.conversation_id
`
	if len(where) > 0 {
		q += "WHERE " + strings.Join(where, " AND ") + "\n"
	}
	q += "ORDER BY m.created_at DESC, m.id DESC\nLIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var out []*memory.Message
	for rows.Next() {
		var (
			m  memory.Message
			ms int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &ms); err != nil {
			return nil, fmt.Errorf("get messages: %w", err)
		}
		m.CreatedAt = fromMillis(ms)
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	return out, nil
}

// AddHistoryEntry upserts an execution record under key.
func (s *Store) AddHistoryEntry(ctx context.Context, key string, value memory.ExecutionRecord, agentID string) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("add history entry: %w", err)
	}
	now := s.now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO history_entries(key, agent_id, value, created_at, updated_at)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
  agent_id=excluded.agent_id,
  value=excluded.value,
  updated_at=excluded.updated_at
`, key, agentID, string(raw), now, now)
	if err != nil {
		return fmt.Errorf("add history entry: %w", err)
	}
	return nil
}

// UpdateHistoryEntry replaces the value of an existing entry.
func (s *Store) UpdateHistoryEntry(ctx context.Context, key string, value memory.ExecutionRecord) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("update history entry: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE history_entries SET value = ?, updated_at = ? WHERE key = ?
`, string(raw), s.now().UnixMilli(), key)
	if err != nil {
		return fmt.Errorf("update history entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("history entry %q: %w", key, memory.ErrNotFound)
	}
	return nil
}

// GetHistoryEntry retrieves an entry by key.
func (s *Store) GetHistoryEntry(ctx context.Context, key string) (*memory.HistoryEntry, error) {
	var (
		entry              memory.HistoryEntry
		raw                string
		createdMs, updated int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT key, agent_id, value, created_at, updated_at
FROM history_entries
WHERE key = ?
`, key).Scan(&entry.Key, &entry.AgentID, &raw, &createdMs, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("history entry %q: %w", key, memory.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get history entry: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &entry.Value); err != nil {
		return nil, fmt.Errorf("get history entry: %w", err)
	}
	entry.CreatedAt = fromMillis(createdMs)
	entry.UpdatedAt = fromMillis(updated)
	return &entry, nil
}

// ListHistoryEntries returns an agent's entries, newest-first.
func (s *Store) ListHistoryEntries(ctx context.Context, agentID string) ([]*memory.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT key, agent_id, value, created_at, updated_at
FROM history_entries
WHERE agent_id = ?
ORDER BY created_at DESC, key
`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list history entries: %w", err)
	}
	defer rows.Close()

	var out []*memory.HistoryEntry
	for rows.Next() {
		var (
			entry              memory.HistoryEntry
			raw                string
			createdMs, updated int64
		)
		if err := rows.Scan(&entry.Key, &entry.AgentID, &raw, &createdMs, &updated); err != nil {
			return nil, fmt.Errorf("list history entries: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &entry.Value); err != nil {
			return nil, fmt.Errorf("list history entries: %w", err)
		}
		entry.CreatedAt = fromMillis(createdMs)
		entry.UpdatedAt = fromMillis(updated)
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
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("add history step: %w", err)
	}
	now := s.now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO history_steps(key, history_id, agent_id, value, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
  history_id=excluded.history_id,
  agent_id=excluded.agent_id,
  value=excluded.value,
  updated_at=excluded.updated_at
`, key, historyID, agentID, string(raw), now, now)
	if err != nil {
		return fmt.Errorf("add history step: %w", err)
	}
	return nil
}

// UpdateHistoryStep replaces the value of an existing step.
func (s *Store) UpdateHistoryStep(ctx context.Context, key string, value memory.StepRecord) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("update history step: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE history_steps SET value = ?, updated_at = ? WHERE key = ?
`, string(raw), s.now().UnixMilli(), key)
	if err != nil {
		return fmt.Errorf("update history step: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("history step %q: %w", key, memory.ErrNotFound)
	}
	return nil
}

// GetHistoryStep retrieves a step by key.
func (s *Store) GetHistoryStep(ctx context.Context, key string) (*memory.HistoryStep, error) {
	var (
		step               memory.HistoryStep
		raw                string
		createdMs, updated int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT key, history_id, agent_id, value, created_at, updated_at
FROM history_steps
WHERE key = ?
`, key).Scan(&step.Key, &step.HistoryID, &step.AgentID, &raw, &createdMs, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("history step %q: %w", key, memory.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get history step: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &step.Value); err != nil {
		return nil, fmt.Errorf("get history step: %w", err)
	}
	step.CreatedAt = fromMillis(createdMs)
	step.UpdatedAt = fromMillis(updated)
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
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("add timeline event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO timeline_events(key, history_id, agent_id, value, created_at)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
  history_id=excluded.history_id,
  agent_id=excluded.agent_id,
  value=excluded.value
`, key, historyID, agentID, string(raw), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("add timeline event: %w", err)
	}
	return nil
}

// GetTimelineEvents returns events for historyID in chronological order.
func (s *Store) GetTimelineEvents(ctx context.Context, historyID string) ([]*memory.TimelineEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT key, history_id, agent_id, value, created_at
FROM timeline_events
WHERE history_id = ?
ORDER BY created_at, key
`, historyID)
	if err != nil {
		return nil, fmt.Errorf("get timeline events: %w", err)
	}
	defer rows.Close()

	var out []*memory.TimelineEvent
	for rows.Next() {
		var (
			ev  memory.TimelineEvent
			raw string
			ms  int64
		)
		if err := rows.Scan(&ev.Key, &ev.HistoryID, &ev.AgentID, &raw, &ms); err != nil {
			return nil, fmt.Errorf("get timeline events: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &ev.Value); err != nil {
			return nil, fmt.Errorf("get timeline events: %w", err)
		}
		ev.CreatedAt = fromMillis(ms)
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get timeline events: %w", err)
	}
	return out, nil
}

// ClearHistory removes an agent's entries with their steps and events.
func (s *Store) ClearHistory(ctx context.Context, agentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Entries cascade to their steps and events; the follow-up deletes
	// catch strays tagged with the agent under other entries.
	if _, err := tx.ExecContext(ctx, `DELETE FROM history_entries WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM history_steps WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM timeline_events WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

// ConversationStats aggregates a conversation's activity. Unknown ids
// yield zeroed stats.
func (s *Store) ConversationStats(ctx context.Context, conversationID string) (*memory.Stats, error) {
	var createdMs, updatedMs int64
	err := s.db.QueryRowContext(ctx, `
SELECT created_at, updated_at FROM conversations WHERE id = ?
`, conversationID).Scan(&createdMs, &updatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return &memory.Stats{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("conversation stats: %w", err)
	}

	stats := &memory.Stats{
		StartTime:    fromMillis(createdMs),
		LastActivity: fromMillis(updatedMs),
	}
	err = s.db.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(CASE WHEN role = 'tool' THEN 1 ELSE 0 END), 0)
FROM messages
WHERE conversation_id = ?
`, conversationID).Scan(&stats.MessageCount, &stats.ToolCallCount)
	if err != nil {
		return nil, fmt.Errorf("conversation stats: %w", err)
	}
	return stats, nil
}

func (s *Store) requireEntry(ctx context.Context, historyID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM history_entries WHERE key = ?`, historyID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("history entry %q: %w", historyID, memory.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("history entry %q: %w", historyID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*memory.Conversation, error) {
	var (
		conv               memory.Conversation
		meta               string
		createdMs, updated int64
	)
	if err := row.Scan(&conv.ID, &conv.ResourceID, &conv.Title, &meta, &createdMs, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(meta), &conv.Metadata); err != nil {
		return nil, err
	}
	conv.CreatedAt = fromMillis(createdMs)
	conv.UpdatedAt = fromMillis(updated)
	return &conv, nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
