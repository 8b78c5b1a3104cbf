package store

import "fmt"

// schema is the command table described by the persisted model: indices
// support the "oldest eligible" drain query and the stuck-executing recovery
// scan. Timestamps are stored as UTC Unix nanoseconds so range comparisons in
// SQL never depend on a text format.
const schema = `
CREATE TABLE IF NOT EXISTS commands (
    seq             INTEGER PRIMARY KEY AUTOINCREMENT,
    id              TEXT NOT NULL UNIQUE,
    type            TEXT NOT NULL,
    resource_key    TEXT NOT NULL,
    payload         BLOB NOT NULL,
    idempotency_key TEXT NOT NULL,
    status          TEXT NOT NULL DEFAULT 'pending',
    retry_count     INTEGER NOT NULL DEFAULT 0,
    max_retries     INTEGER NOT NULL DEFAULT 5,
    next_attempt_at INTEGER NOT NULL,
    last_error      TEXT NOT NULL DEFAULT '',
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_commands_status_next
    ON commands(status, next_attempt_at, seq);

CREATE INDEX IF NOT EXISTS idx_commands_resource
    ON commands(resource_key, seq);

CREATE INDEX IF NOT EXISTS idx_commands_updated
    ON commands(status, updated_at);
`

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to run store migrations: %w", err)
	}
	return nil
}
