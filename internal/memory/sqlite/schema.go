package sqlite

// Timestamps are stored as unix milliseconds. Messages cascade with their
// conversation; steps and timeline events cascade with their history entry.
const schema = `
CREATE TABLE IF NOT EXISTS conversations (
  id          TEXT PRIMARY KEY,
  resource_id TEXT NOT NULL DEFAULT '',
  title       TEXT NOT NULL DEFAULT '',
  metadata    TEXT NOT NULL DEFAULT 'null',
  created_at  INTEGER NOT NULL,
  updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_resource ON conversations(resource_id);

CREATE TABLE IF NOT EXISTS messages (
  id              TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
  role            TEXT NOT NULL,
  content         TEXT NOT NULL DEFAULT '',
  created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS history_entries (
  key        TEXT PRIMARY KEY,
  agent_id   TEXT NOT NULL DEFAULT '',
  value      TEXT NOT NULL DEFAULT '{}',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_entries_agent ON history_entries(agent_id);

CREATE TABLE IF NOT EXISTS history_steps (
  key        TEXT PRIMARY KEY,
  history_id TEXT NOT NULL REFERENCES history_entries(key) ON DELETE CASCADE,
  agent_id   TEXT NOT NULL DEFAULT '',
  value      TEXT NOT NULL DEFAULT '{}',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_steps_history ON history_steps(history_id);
CREATE INDEX IF NOT EXISTS idx_history_steps_agent ON history_steps(agent_id);

CREATE TABLE IF NOT EXISTS timeline_events (
  key        TEXT PRIMARY KEY,
  history_id TEXT NOT NULL REFERENCES history_entries(key) ON DELETE CASCADE,
  agent_id   TEXT NOT NULL DEFAULT '',
  value      TEXT NOT NULL DEFAULT '{}',
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_timeline_events_history ON timeline_events(history_id);
CREATE INDEX IF NOT EXISTS idx_timeline_events_agent ON timeline_events(agent_id);
`
