// Package store provides durable, transactional persistence for the local
// command queue. It is the single source of truth for command state; the
// coordinator mutates it and the status publisher projects it.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/openfleet/fieldsync/internal/queue"
)

var (
	// ErrNotFound is returned when no command with the given id exists.
	ErrNotFound = errors.New("command not found")

	// ErrNotClaimable is returned when a claim or transition loses the race
	// against a concurrent mutation.
	ErrNotClaimable = errors.New("command not in a claimable state")
)

// Store is the contract between the command queue and its consumers.
// Enqueue and drain operations use independent short transactions so
// producers never block on a slow dispatch.
type Store interface {
	// Enqueue validates and persists a new Pending command. It fails only on
	// storage I/O errors.
	Enqueue(ctx context.Context, p queue.Payload, maxRetries int) (queue.Command, error)

	// DequeueBatch returns up to limit eligible commands in creation order.
	// A command is eligible when it is Pending or Failed with NextAttemptAt
	// at or before now, and no earlier command on the same resource is still
	// executing or gated by backoff.
	DequeueBatch(ctx context.Context, limit int, now time.Time) ([]queue.Command, error)

	// MarkExecuting atomically claims a command for dispatch. It returns
	// ErrNotClaimable if the command is no longer Pending or Failed, so two
	// concurrent readers never both claim it.
	MarkExecuting(ctx context.Context, id string) error

	// MarkDone transitions an Executing command to Done and resets its
	// backoff state.
	MarkDone(ctx context.Context, id string) error

	// MarkFailed records a transient failure: it increments RetryCount and
	// schedules the retry at nextAttemptAt, or transitions to Dead when the
	// retry ceiling is exhausted. The resulting status is returned.
	MarkFailed(ctx context.Context, id string, lastError string, nextAttemptAt time.Time) (queue.Status, error)

	// MarkDead transitions a command to Dead immediately, with no retry
	// scheduled. Used for permanent failures.
	MarkDead(ctx context.Context, id string, lastError string) error

	// RequeueStuckExecuting returns commands left Executing for longer than
	// stuckFor back to Pending. Run at coordinator startup to recover from
	// crashes between dispatch and the terminal mark.
	RequeueStuckExecuting(ctx context.Context, stuckFor time.Duration) (int64, error)

	// Purge deletes commands in the given statuses last updated at or before
	// olderThan and returns the number removed.
	Purge(ctx context.Context, olderThan time.Time, statuses ...queue.Status) (int64, error)

	// Counts returns the number of commands per status.
	Counts(ctx context.Context) (map[queue.Status]int, error)

	// Get returns a single command by id, or ErrNotFound.
	Get(ctx context.Context, id string) (queue.Command, error)

	// ListByStatus returns up to limit commands with the given status in
	// creation order. Used by diagnostics (dead-letter inspection).
	ListByStatus(ctx context.Context, status queue.Status, limit int) ([]queue.Command, error)

	// Close releases the underlying database handle.
	Close() error
}
