// Package sync implements the drain coordinator: the single-flight state
// machine that moves queued commands to the remote backend.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openfleet/fieldsync/internal/connectivity"
	"github.com/openfleet/fieldsync/internal/dispatch"
	"github.com/openfleet/fieldsync/internal/queue"
	"github.com/openfleet/fieldsync/internal/status"
	"github.com/openfleet/fieldsync/internal/store"
	"github.com/openfleet/fieldsync/internal/telemetry"
)

// Coordinator states. Stored in an atomic so triggers from any goroutine
// can test-and-set without taking a lock.
const (
	stateIdle int32 = iota
	stateDraining
	stateCooldown
)

var (
	// ErrAlreadySyncing is returned by TriggerNow when a drain session is
	// already running. The trigger is dropped; the running session keeps
	// draining until the queue is empty, so no work is lost.
	ErrAlreadySyncing = errors.New("sync already in progress")

	// ErrCoolingDown is returned by TriggerNow while the coordinator is
	// backing off after a failed session.
	ErrCoolingDown = errors.New("sync cooling down after failed session")

	// ErrDisconnected is returned by TriggerNow when no network is
	// available.
	ErrDisconnected = errors.New("no network connectivity")
)

// Session end reasons, recorded on the session duration metric.
const (
	reasonDrained    = "drained"
	reasonFailureCap = "failure_cap"
	reasonDisconnect = "disconnected"
	reasonCanceled   = "canceled"
	reasonStoreError = "store_error"
)

// Config controls the coordinator's timing and failure handling.
type Config struct {
	// Interval is the periodic drain interval.
	Interval time.Duration
	// Jitter is the maximum random offset added to each interval tick.
	Jitter time.Duration
	// BatchSize is the number of commands claimed per store round-trip.
	BatchSize int
	// InterCommandDelay is the pause between consecutive dispatches
	// within a session.
	InterCommandDelay time.Duration
	// SessionFailureCap aborts the session once this much consecutive
	// failure weight accumulates. Transient failures weigh 1, unknown
	// outcomes weigh 2, a success resets the count.
	SessionFailureCap int
	// Cooldown is how long the coordinator refuses new sessions after
	// hitting the failure cap.
	Cooldown time.Duration
	// ExecutingTimeout is how long a command may sit in executing before
	// startup recovery requeues it.
	ExecutingTimeout time.Duration
	// Backoff computes per-command retry delays.
	Backoff BackoffPolicy
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		Interval:          5 * time.Minute,
		Jitter:            30 * time.Second,
		BatchSize:         25,
		InterCommandDelay: 500 * time.Millisecond,
		SessionFailureCap: 3,
		Cooldown:          30 * time.Second,
		ExecutingTimeout:  5 * time.Minute,
		Backoff:           DefaultBackoffPolicy(),
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.InterCommandDelay <= 0 {
		c.InterCommandDelay = def.InterCommandDelay
	}
	if c.SessionFailureCap <= 0 {
		c.SessionFailureCap = def.SessionFailureCap
	}
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	if c.ExecutingTimeout <= 0 {
		c.ExecutingTimeout = def.ExecutingTimeout
	}
	if c.Backoff == (BackoffPolicy{}) {
		c.Backoff = def.Backoff
	}
}

// Coordinator owns the drain loop. At most one drain session runs at a
// time; triggers arriving while a session is active are dropped, because
// the active session keeps claiming batches until the queue is empty.
type Coordinator struct {
	store      store.Store
	dispatcher dispatch.Dispatcher
	monitor    connectivity.Monitor
	publisher  *status.Publisher
	metrics    *telemetry.SyncMetrics
	cfg        Config
	logger     *slog.Logger

	state         atomic.Int32
	cooldownUntil atomic.Int64 // unix nanos; 0 when not cooling down

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithConfig overrides the default coordinator configuration.
func WithConfig(cfg Config) Option {
	return func(c *Coordinator) {
		c.cfg = cfg
	}
}

// WithMetrics attaches sync metrics. A nil value disables recording.
func WithMetrics(m *telemetry.SyncMetrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// NewCoordinator creates a coordinator over the given store, dispatcher
// and connectivity monitor. The publisher receives phase and queue-count
// updates as sessions run.
func NewCoordinator(
	st store.Store,
	d dispatch.Dispatcher,
	monitor connectivity.Monitor,
	publisher *status.Publisher,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		store:      st,
		dispatcher: d,
		monitor:    monitor,
		publisher:  publisher,
		cfg:        DefaultConfig(),
		logger:     slog.Default(),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cfg.applyDefaults()
	c.logger = c.logger.With("component", "sync.coordinator")
	return c
}

// Start recovers commands stranded in executing by a previous crash, then
// runs the trigger loop until ctx is canceled or Stop is called. It
// returns an error only if startup recovery fails.
func (c *Coordinator) Start(ctx context.Context) error {
	requeued, err := c.store.RequeueStuckExecuting(ctx, c.cfg.ExecutingTimeout)
	if err != nil {
		return fmt.Errorf("failed to recover stuck commands: %w", err)
	}
	if requeued > 0 {
		c.logger.Warn("requeued commands stranded in executing", "count", requeued)
	}
	c.publishCounts(ctx)

	go c.run(ctx)
	return nil
}

// Stop terminates the trigger loop and waits for it to exit. A drain
// session in flight finishes its current command and aborts.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	<-c.doneCh
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.doneCh)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	transitions := c.monitor.Subscribe(ctx)

	timer := time.NewTimer(c.jitteredInterval())
	defer timer.Stop()

	// Drain on startup if anything is already queued and we are online.
	c.tryTrigger(ctx, "startup")

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			c.tryTrigger(ctx, "interval")
			timer.Reset(c.jitteredInterval())
		case st, ok := <-transitions:
			if !ok {
				return
			}
			if st.Connected {
				c.tryTrigger(ctx, "connectivity")
			}
		}
	}
}

func (c *Coordinator) jitteredInterval() time.Duration {
	if c.cfg.Jitter <= 0 {
		return c.cfg.Interval
	}
	return c.cfg.Interval + time.Duration(rand.Int63n(int64(c.cfg.Jitter)))
}

func (c *Coordinator) tryTrigger(ctx context.Context, source string) {
	executed, err := c.TriggerNow(ctx)
	switch {
	case err == nil:
		if executed > 0 {
			c.logger.Info("drain session finished", "source", source, "executed", executed)
		}
	case errors.Is(err, ErrAlreadySyncing), errors.Is(err, ErrCoolingDown), errors.Is(err, ErrDisconnected):
		c.logger.Debug("trigger dropped", "source", source, "reason", err)
	case errors.Is(err, context.Canceled):
	default:
		c.logger.Error("drain session failed", "source", source, "error", err)
	}
}

// TriggerNow starts a drain session if the coordinator is idle and the
// network is up. It returns the number of commands that completed
// successfully during the session. Triggers while a session is running
// return ErrAlreadySyncing and are otherwise ignored.
func (c *Coordinator) TriggerNow(ctx context.Context) (int, error) {
	if !c.monitor.Current().Connected {
		return 0, ErrDisconnected
	}

	// Leave cooldown once the window has passed.
	if c.state.Load() == stateCooldown {
		until := time.Unix(0, c.cooldownUntil.Load())
		if time.Now().Before(until) {
			return 0, ErrCoolingDown
		}
		if c.state.CompareAndSwap(stateCooldown, stateIdle) {
			c.cooldownUntil.Store(0)
			c.publisher.SetPhase(status.PhaseIdle)
		}
	}

	if !c.state.CompareAndSwap(stateIdle, stateDraining) {
		return 0, ErrAlreadySyncing
	}

	c.publisher.SetPhase(status.PhaseDraining)
	start := time.Now()

	executed, reason, err := c.drainSession(ctx)

	c.metrics.RecordSessionDuration(ctx, time.Since(start), reason)
	c.publishCounts(ctx)

	if reason == reasonFailureCap {
		c.cooldownUntil.Store(time.Now().Add(c.cfg.Cooldown).UnixNano())
		c.state.Store(stateCooldown)
		c.publisher.SetPhase(status.PhaseCooldown)
	} else {
		c.state.Store(stateIdle)
		c.publisher.SetPhase(status.PhaseIdle)
	}

	return executed, err
}

// drainSession claims batches until the queue has nothing eligible, the
// failure cap is hit, connectivity drops, or ctx is canceled. It returns
// the number of successful commands and the reason the session ended.
func (c *Coordinator) drainSession(ctx context.Context) (int, string, error) {
	executed := 0
	failureWeight := 0

	for {
		if err := ctx.Err(); err != nil {
			return executed, reasonCanceled, err
		}
		if !c.monitor.Current().Connected {
			c.logger.Info("connectivity lost, ending session", "executed", executed)
			return executed, reasonDisconnect, nil
		}

		batch, err := c.store.DequeueBatch(ctx, c.cfg.BatchSize, time.Now())
		if err != nil {
			c.publisher.SetLastError(fmt.Sprintf("queue read failed: %v", err))
			return executed, reasonStoreError, fmt.Errorf("failed to dequeue batch: %w", err)
		}
		if len(batch) == 0 {
			c.publisher.SetLastError("")
			return executed, reasonDrained, nil
		}

		// Resource keys whose command did not settle terminally in this
		// batch. Later same-resource entries were fetched before the
		// failure was recorded, so they must wait for the next batch to
		// keep creation order per resource.
		held := make(map[string]struct{})

		for i, cmd := range batch {
			if err := ctx.Err(); err != nil {
				return executed, reasonCanceled, err
			}
			if _, blocked := held[cmd.ResourceKey]; blocked {
				continue
			}

			res, err := c.executeOne(ctx, cmd)
			if err != nil {
				return executed, reasonStoreError, err
			}
			if res.holdsResource {
				held[cmd.ResourceKey] = struct{}{}
			}
			if res.completed {
				executed++
				failureWeight = 0
			} else {
				failureWeight += res.weight
				if failureWeight >= c.cfg.SessionFailureCap {
					c.logger.Warn("session failure cap reached, cooling down",
						"executed", executed, "cooldown", c.cfg.Cooldown)
					return executed, reasonFailureCap, nil
				}
			}

			if i < len(batch)-1 && c.cfg.InterCommandDelay > 0 {
				select {
				case <-ctx.Done():
					return executed, reasonCanceled, ctx.Err()
				case <-time.After(c.cfg.InterCommandDelay):
				}
			}
		}
	}
}

// commandResult describes how a single command settled within a session.
// holdsResource means the command did not reach a terminal state, so
// later same-batch commands on the same resource must not dispatch.
type commandResult struct {
	completed     bool
	weight        int
	holdsResource bool
}

// executeOne claims, dispatches and settles a single command. A returned
// error means the store itself failed and the session must abort.
func (c *Coordinator) executeOne(ctx context.Context, cmd queue.Command) (commandResult, error) {
	logger := c.logger.With("command_id", cmd.ID, "type", cmd.Type, "resource", cmd.ResourceKey)

	if err := c.store.MarkExecuting(ctx, cmd.ID); err != nil {
		if errors.Is(err, store.ErrNotClaimable) {
			// Claimed or settled elsewhere since the batch was read.
			logger.Debug("command no longer claimable, skipping")
			return commandResult{holdsResource: true}, nil
		}
		return commandResult{}, fmt.Errorf("failed to claim command %s: %w", cmd.ID, err)
	}

	outcome := c.dispatcher.Execute(ctx, cmd)
	c.metrics.RecordDispatch(ctx, string(cmd.Type), string(outcome.Class))

	if !outcome.Failed() {
		if err := c.store.MarkDone(ctx, cmd.ID); err != nil {
			return commandResult{}, fmt.Errorf("failed to mark command %s done: %w", cmd.ID, err)
		}
		logger.Info("command delivered", "retries", cmd.RetryCount)
		return commandResult{completed: true}, nil
	}

	switch outcome.Class {
	case dispatch.ClassPermanent:
		if err := c.store.MarkDead(ctx, cmd.ID, outcome.Err.Error()); err != nil {
			return commandResult{}, fmt.Errorf("failed to mark command %s dead: %w", cmd.ID, err)
		}
		logger.Warn("command rejected permanently", "error", outcome.Err)
		c.publisher.SetLastError(outcome.Err.Error())
		// Permanent rejections are not connectivity problems; they do
		// not count toward the session failure cap. Dead commands do not
		// block their resource either.
		return commandResult{}, nil

	case dispatch.ClassUnknown, dispatch.ClassTransient:
		delay := c.cfg.Backoff.Delay(cmd.RetryCount)
		newStatus, err := c.store.MarkFailed(ctx, cmd.ID, outcome.Err.Error(), time.Now().Add(delay))
		if err != nil {
			return commandResult{}, fmt.Errorf("failed to mark command %s failed: %w", cmd.ID, err)
		}
		logger.Warn("command attempt failed",
			"class", outcome.Class, "error", outcome.Err,
			"retry", cmd.RetryCount+1, "next_delay", delay, "status", newStatus)
		c.publisher.SetLastError(outcome.Err.Error())
		weight := 1
		if outcome.Class == dispatch.ClassUnknown {
			// The remote may or may not have applied the command; weigh
			// it double so repeated ambiguity ends the session sooner.
			weight = 2
		}
		return commandResult{weight: weight, holdsResource: true}, nil

	default:
		return commandResult{}, fmt.Errorf("unrecognized outcome class %q for command %s", outcome.Class, cmd.ID)
	}
}

func (c *Coordinator) publishCounts(ctx context.Context) {
	counts, err := c.store.Counts(ctx)
	if err != nil {
		c.logger.Error("failed to read queue counts", "error", err)
		return
	}
	pending := counts[queue.StatusPending] + counts[queue.StatusFailed] + counts[queue.StatusExecuting]
	c.publisher.SetQueueCounts(pending, counts[queue.StatusDead])
}
