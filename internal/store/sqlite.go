package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/openfleet/fieldsync/internal/queue"
)

const defaultMaxRetries = 5

// SQLiteStore implements Store on a local SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if necessary) the command database at dbPath
// and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open command database: %w", err)
	}

	// One local writer per queue instance; serializing connections avoids
	// SQLITE_BUSY churn under concurrent enqueue and drain.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping command database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

const commandColumns = `seq, id, type, resource_key, payload, idempotency_key,
       status, retry_count, max_retries, next_attempt_at, last_error,
       created_at, updated_at`

// Enqueue implements Store.
func (s *SQLiteStore) Enqueue(ctx context.Context, p queue.Payload, maxRetries int) (queue.Command, error) {
	data, err := queue.EncodePayload(p)
	if err != nil {
		return queue.Command{}, err
	}
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	now := time.Now().UTC()
	cmd := queue.Command{
		ID:             uuid.NewString(),
		Type:           p.CommandType(),
		ResourceKey:    p.ResourceKey(),
		Payload:        data,
		IdempotencyKey: uuid.NewString(),
		Status:         queue.StatusPending,
		MaxRetries:     maxRetries,
		NextAttemptAt:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO commands (id, type, resource_key, payload, idempotency_key,
                      status, retry_count, max_retries, next_attempt_at,
                      last_error, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, '', ?, ?)`,
		cmd.ID, cmd.Type, cmd.ResourceKey, cmd.Payload, cmd.IdempotencyKey,
		cmd.Status, cmd.MaxRetries, cmd.NextAttemptAt.UnixNano(),
		cmd.CreatedAt.UnixNano(), cmd.UpdatedAt.UnixNano())
	if err != nil {
		return queue.Command{}, fmt.Errorf("failed to enqueue command: %w", err)
	}
	cmd.Seq, err = res.LastInsertId()
	if err != nil {
		return queue.Command{}, fmt.Errorf("failed to read command sequence: %w", err)
	}
	return cmd, nil
}

// DequeueBatch implements Store. The NOT EXISTS subquery gates commands whose
// resource still has an earlier command executing or waiting out its backoff,
// preserving per-resource causal order while letting unrelated resources
// interleave.
func (s *SQLiteStore) DequeueBatch(ctx context.Context, limit int, now time.Time) ([]queue.Command, error) {
	if limit <= 0 {
		return nil, nil
	}
	now = now.UTC()
	rows, err := s.db.QueryContext(ctx, `
SELECT `+commandColumns+`
FROM commands c
WHERE c.status IN (?, ?)
  AND c.next_attempt_at <= ?
  AND NOT EXISTS (
      SELECT 1 FROM commands p
      WHERE p.resource_key = c.resource_key
        AND p.seq < c.seq
        AND p.status NOT IN (?, ?)
        AND (p.status = ? OR p.next_attempt_at > ?)
  )
ORDER BY c.seq ASC
LIMIT ?`,
		queue.StatusPending, queue.StatusFailed, now.UnixNano(),
		queue.StatusDone, queue.StatusDead,
		queue.StatusExecuting, now.UnixNano(),
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue batch: %w", err)
	}
	defer rows.Close()

	var out []queue.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cmd)
	}
	return out, rows.Err()
}

// MarkExecuting implements Store.
func (s *SQLiteStore) MarkExecuting(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE commands
SET status = ?, updated_at = ?
WHERE id = ? AND status IN (?, ?)`,
		queue.StatusExecuting, time.Now().UTC().UnixNano(), id, queue.StatusPending, queue.StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to claim command %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to claim command %s: %w", id, err)
	}
	if n != 1 {
		return ErrNotClaimable
	}
	return nil
}

// MarkDone implements Store. Success resets the command's backoff state.
func (s *SQLiteStore) MarkDone(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE commands
SET status = ?, retry_count = 0, last_error = '', updated_at = ?
WHERE id = ? AND status = ?`,
		queue.StatusDone, time.Now().UTC().UnixNano(), id, queue.StatusExecuting)
	if err != nil {
		return fmt.Errorf("failed to mark command %s done: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark command %s done: %w", id, err)
	}
	if n != 1 {
		return ErrNotClaimable
	}
	return nil
}

// MarkFailed implements Store. The increment, ceiling check and status
// transition happen in a single transaction so a crash cannot observe a
// half-applied retry.
func (s *SQLiteStore) MarkFailed(ctx context.Context, id string, lastError string, nextAttemptAt time.Time) (queue.Status, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin failure transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE commands
SET status = CASE WHEN retry_count + 1 > max_retries THEN ? ELSE ? END,
    retry_count = MIN(retry_count + 1, max_retries),
    next_attempt_at = CASE WHEN retry_count + 1 > max_retries THEN next_attempt_at ELSE ? END,
    last_error = ?,
    updated_at = ?
WHERE id = ? AND status = ?`,
		queue.StatusDead, queue.StatusFailed,
		nextAttemptAt.UTC().UnixNano(), lastError, time.Now().UTC().UnixNano(),
		id, queue.StatusExecuting)
	if err != nil {
		return "", fmt.Errorf("failed to mark command %s failed: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to mark command %s failed: %w", id, err)
	}
	if n != 1 {
		return "", ErrNotClaimable
	}

	var st queue.Status
	if err := tx.QueryRowContext(ctx, `SELECT status FROM commands WHERE id = ?`, id).Scan(&st); err != nil {
		return "", fmt.Errorf("failed to read status of command %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit failure transaction: %w", err)
	}
	return st, nil
}

// MarkDead implements Store.
func (s *SQLiteStore) MarkDead(ctx context.Context, id string, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE commands
SET status = ?, last_error = ?, updated_at = ?
WHERE id = ? AND status IN (?, ?, ?)`,
		queue.StatusDead, lastError, time.Now().UTC().UnixNano(),
		id, queue.StatusPending, queue.StatusExecuting, queue.StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to mark command %s dead: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark command %s dead: %w", id, err)
	}
	if n != 1 {
		return ErrNotClaimable
	}
	return nil
}

// RequeueStuckExecuting implements Store.
func (s *SQLiteStore) RequeueStuckExecuting(ctx context.Context, stuckFor time.Duration) (int64, error) {
	threshold := time.Now().UTC().Add(-stuckFor)
	res, err := s.db.ExecContext(ctx, `
UPDATE commands
SET status = ?, updated_at = ?
WHERE status = ? AND updated_at <= ?`,
		queue.StatusPending, time.Now().UTC().UnixNano(), queue.StatusExecuting, threshold.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stuck commands: %w", err)
	}
	return res.RowsAffected()
}

// Purge implements Store.
func (s *SQLiteStore) Purge(ctx context.Context, olderThan time.Time, statuses ...queue.Status) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, st)
	}
	args = append(args, olderThan.UTC().UnixNano())

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM commands WHERE status IN (`+placeholders+`) AND updated_at <= ?`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to purge commands: %w", err)
	}
	return res.RowsAffected()
}

// Counts implements Store.
func (s *SQLiteStore) Counts(ctx context.Context) (map[queue.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM commands GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count commands: %w", err)
	}
	defer rows.Close()

	out := map[queue.Status]int{
		queue.StatusPending:   0,
		queue.StatusExecuting: 0,
		queue.StatusFailed:    0,
		queue.StatusDone:      0,
		queue.StatusDead:      0,
	}
	for rows.Next() {
		var st queue.Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("failed to scan command counts: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (queue.Command, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM commands WHERE id = ?`, id)
	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return queue.Command{}, ErrNotFound
	}
	return cmd, err
}

// ListByStatus implements Store.
func (s *SQLiteStore) ListByStatus(ctx context.Context, status queue.Status, limit int) ([]queue.Command, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+commandColumns+`
FROM commands WHERE status = ? ORDER BY seq ASC LIMIT ?`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s commands: %w", status, err)
	}
	defer rows.Close()

	var out []queue.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cmd)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCommand(row scanner) (queue.Command, error) {
	var cmd queue.Command
	var nextAttempt, createdAt, updatedAt int64
	err := row.Scan(
		&cmd.Seq, &cmd.ID, &cmd.Type, &cmd.ResourceKey, &cmd.Payload,
		&cmd.IdempotencyKey, &cmd.Status, &cmd.RetryCount, &cmd.MaxRetries,
		&nextAttempt, &cmd.LastError, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return queue.Command{}, err
		}
		return queue.Command{}, fmt.Errorf("failed to scan command row: %w", err)
	}
	cmd.NextAttemptAt = time.Unix(0, nextAttempt).UTC()
	cmd.CreatedAt = time.Unix(0, createdAt).UTC()
	cmd.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return cmd, nil
}
