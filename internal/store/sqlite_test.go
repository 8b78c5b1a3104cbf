package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfleet/fieldsync/internal/queue"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "commands.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func enqueueLocation(t *testing.T, s *SQLiteStore, dutyID string) queue.Command {
	t.Helper()
	cmd, err := s.Enqueue(context.Background(), &queue.LocationUpdatePayload{
		DutyID:     dutyID,
		Latitude:   48.2,
		Longitude:  16.4,
		RecordedAt: time.Now().UTC(),
	}, 3)
	require.NoError(t, err)
	return cmd
}

func TestEnqueue(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	cmd, err := s.Enqueue(ctx, &queue.BeginShiftPayload{
		DutyID:    "d-1",
		DriverID:  "drv-1",
		StartedAt: time.Now().UTC(),
	}, 0)
	require.NoError(t, err)

	assert.NotEmpty(t, cmd.ID)
	assert.NotEmpty(t, cmd.IdempotencyKey)
	assert.Equal(t, queue.TypeBeginShift, cmd.Type)
	assert.Equal(t, "duty/d-1", cmd.ResourceKey)
	assert.Equal(t, queue.StatusPending, cmd.Status)
	assert.Equal(t, defaultMaxRetries, cmd.MaxRetries)
	assert.Positive(t, cmd.Seq)

	got, err := s.Get(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, cmd.ID, got.ID)
	assert.Equal(t, cmd.IdempotencyKey, got.IdempotencyKey)
	assert.Equal(t, cmd.Payload, got.Payload)
	assert.Equal(t, queue.StatusPending, got.Status)
}

func TestEnqueue_InvalidPayload(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.Enqueue(context.Background(), &queue.BeginShiftPayload{}, 3)
	assert.Error(t, err)
}

func TestGet_NotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDequeueBatch_FIFO(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	first := enqueueLocation(t, s, "d-1")
	second := enqueueLocation(t, s, "d-2")
	third := enqueueLocation(t, s, "d-3")

	batch, err := s.DequeueBatch(ctx, 10, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, first.ID, batch[0].ID)
	assert.Equal(t, second.ID, batch[1].ID)
	assert.Equal(t, third.ID, batch[2].ID)

	// Limit truncates from the tail, never reorders.
	batch, err = s.DequeueBatch(ctx, 2, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, first.ID, batch[0].ID)
}

func TestDequeueBatch_BackoffGate(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	cmd := enqueueLocation(t, s, "d-1")
	require.NoError(t, s.MarkExecuting(ctx, cmd.ID))
	st, err := s.MarkFailed(ctx, cmd.ID, "connection reset", time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailed, st)

	// Gated by its future next_attempt_at.
	batch, err := s.DequeueBatch(ctx, 10, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, batch)

	// Eligible once now passes the gate.
	batch, err = s.DequeueBatch(ctx, 10, time.Now().UTC().Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, cmd.ID, batch[0].ID)
	assert.Equal(t, queue.StatusFailed, batch[0].Status)
	assert.Equal(t, 1, batch[0].RetryCount)
}

func TestDequeueBatch_CausalOrdering(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	blocked := enqueueLocation(t, s, "d-1")
	laterSameDuty := enqueueLocation(t, s, "d-1")
	unrelated := enqueueLocation(t, s, "d-2")

	// Put the first d-1 command into a backoff window; its successor must not
	// overtake it, while the unrelated duty keeps flowing.
	require.NoError(t, s.MarkExecuting(ctx, blocked.ID))
	_, err := s.MarkFailed(ctx, blocked.ID, "timeout", time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)

	batch, err := s.DequeueBatch(ctx, 10, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, unrelated.ID, batch[0].ID)

	require.NoError(t, s.MarkExecuting(ctx, unrelated.ID))
	require.NoError(t, s.MarkDone(ctx, unrelated.ID))

	// An executing predecessor gates the same way.
	require.NoError(t, s.MarkDead(ctx, blocked.ID, "gave up"))
	require.NoError(t, s.MarkExecuting(ctx, laterSameDuty.ID))
	third := enqueueLocation(t, s, "d-1")

	batch, err = s.DequeueBatch(ctx, 10, time.Now().UTC())
	require.NoError(t, err)
	for _, cmd := range batch {
		assert.NotEqual(t, third.ID, cmd.ID)
	}

	// Terminal predecessors release the gate.
	require.NoError(t, s.MarkDone(ctx, laterSameDuty.ID))
	batch, err = s.DequeueBatch(ctx, 10, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, third.ID, batch[0].ID)
}

func TestMarkExecuting_SingleClaim(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	cmd := enqueueLocation(t, s, "d-1")
	require.NoError(t, s.MarkExecuting(ctx, cmd.ID))

	// A second claim must lose.
	err := s.MarkExecuting(ctx, cmd.ID)
	assert.ErrorIs(t, err, ErrNotClaimable)

	// Claimed commands are invisible to dequeue.
	batch, err := s.DequeueBatch(ctx, 10, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestMarkDone_ResetsBackoffState(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	cmd := enqueueLocation(t, s, "d-1")

	require.NoError(t, s.MarkExecuting(ctx, cmd.ID))
	_, err := s.MarkFailed(ctx, cmd.ID, "timeout", time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, s.MarkExecuting(ctx, cmd.ID))
	require.NoError(t, s.MarkDone(ctx, cmd.ID))

	got, err := s.Get(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusDone, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Empty(t, got.LastError)

	// Done is terminal.
	assert.ErrorIs(t, s.MarkDone(ctx, cmd.ID), ErrNotClaimable)
	assert.ErrorIs(t, s.MarkExecuting(ctx, cmd.ID), ErrNotClaimable)
}

func TestMarkFailed_RetryCeiling(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	cmd, err := s.Enqueue(ctx, &queue.RegisterPushTokenPayload{Token: "tok", Platform: "android"}, 2)
	require.NoError(t, err)

	for i := 1; i <= 2; i++ {
		require.NoError(t, s.MarkExecuting(ctx, cmd.ID))
		st, err := s.MarkFailed(ctx, cmd.ID, "unreachable", time.Now().UTC())
		require.NoError(t, err)
		assert.Equal(t, queue.StatusFailed, st)

		got, err := s.Get(ctx, cmd.ID)
		require.NoError(t, err)
		assert.Equal(t, i, got.RetryCount)
	}

	// Third transient failure exceeds max_retries=2 and goes dead.
	require.NoError(t, s.MarkExecuting(ctx, cmd.ID))
	st, err := s.MarkFailed(ctx, cmd.ID, "unreachable", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, queue.StatusDead, st)

	got, err := s.Get(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusDead, got.Status)
	assert.LessOrEqual(t, got.RetryCount, got.MaxRetries)
	assert.Equal(t, "unreachable", got.LastError)
}

func TestMarkDead_Immediate(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	cmd := enqueueLocation(t, s, "d-1")
	require.NoError(t, s.MarkExecuting(ctx, cmd.ID))
	require.NoError(t, s.MarkDead(ctx, cmd.ID, "validation rejected"))

	got, err := s.Get(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusDead, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, "validation rejected", got.LastError)
}

func TestRequeueStuckExecuting(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	stuck := enqueueLocation(t, s, "d-1")
	healthy := enqueueLocation(t, s, "d-2")
	require.NoError(t, s.MarkExecuting(ctx, stuck.ID))

	n, err := s.RequeueStuckExecuting(ctx, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, got.Status)

	got, err = s.Get(ctx, healthy.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, got.Status)

	// A long timeout leaves fresh executing rows alone.
	require.NoError(t, s.MarkExecuting(ctx, healthy.ID))
	n, err = s.RequeueStuckExecuting(ctx, time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestPurge(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	done := enqueueLocation(t, s, "d-1")
	dead := enqueueLocation(t, s, "d-2")
	pending := enqueueLocation(t, s, "d-3")

	require.NoError(t, s.MarkExecuting(ctx, done.ID))
	require.NoError(t, s.MarkDone(ctx, done.ID))
	require.NoError(t, s.MarkDead(ctx, dead.ID, "rejected"))

	// Nothing is old enough yet.
	n, err := s.Purge(ctx, time.Now().UTC().Add(-time.Hour), queue.StatusDone, queue.StatusDead)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	// Terminal rows go; the pending one stays.
	n, err = s.Purge(ctx, time.Now().UTC(), queue.StatusDone, queue.StatusDead)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	_, err = s.Get(ctx, done.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, pending.ID)
	assert.NoError(t, err)
}

func TestCounts(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	a := enqueueLocation(t, s, "d-1")
	enqueueLocation(t, s, "d-2")
	b := enqueueLocation(t, s, "d-3")

	require.NoError(t, s.MarkExecuting(ctx, a.ID))
	require.NoError(t, s.MarkDone(ctx, a.ID))
	require.NoError(t, s.MarkDead(ctx, b.ID, "rejected"))

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[queue.StatusPending])
	assert.Equal(t, 1, counts[queue.StatusDone])
	assert.Equal(t, 1, counts[queue.StatusDead])
	assert.Equal(t, 0, counts[queue.StatusExecuting])
}

func TestListByStatus(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	first := enqueueLocation(t, s, "d-1")
	second := enqueueLocation(t, s, "d-2")
	require.NoError(t, s.MarkDead(ctx, first.ID, "rejected"))
	require.NoError(t, s.MarkDead(ctx, second.ID, "rejected"))

	deadCmds, err := s.ListByStatus(ctx, queue.StatusDead, 10)
	require.NoError(t, err)
	require.Len(t, deadCmds, 2)
	assert.Equal(t, first.ID, deadCmds[0].ID)
	assert.Equal(t, second.ID, deadCmds[1].ID)
}
