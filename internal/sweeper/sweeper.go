// Package sweeper removes settled commands from the local queue once
// their retention window has passed, keeping the database bounded on
// long-lived devices.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openfleet/fieldsync/internal/queue"
	"github.com/openfleet/fieldsync/internal/store"
	"github.com/openfleet/fieldsync/internal/telemetry"
)

// Config controls sweep cadence and retention windows.
type Config struct {
	// Interval is how often a sweep runs.
	Interval time.Duration
	// DoneRetention is how long completed commands are kept, as a local
	// audit trail of what was delivered.
	DoneRetention time.Duration
	// DeadRetention is how long dead commands are kept for inspection
	// before being discarded.
	DeadRetention time.Duration
}

// DefaultConfig returns the sweeper defaults: hourly sweeps, done
// commands kept for a day, dead commands for a week.
func DefaultConfig() Config {
	return Config{
		Interval:      time.Hour,
		DoneRetention: 24 * time.Hour,
		DeadRetention: 7 * 24 * time.Hour,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.DoneRetention <= 0 {
		c.DoneRetention = def.DoneRetention
	}
	if c.DeadRetention <= 0 {
		c.DeadRetention = def.DeadRetention
	}
}

// Sweeper periodically purges terminal commands past retention. It runs
// independently of the drain coordinator; a sweep failure is logged and
// retried on the next tick rather than surfaced.
type Sweeper struct {
	store   store.Store
	cfg     Config
	metrics *telemetry.QueueMetrics
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithConfig overrides the default sweeper configuration.
func WithConfig(cfg Config) Option {
	return func(s *Sweeper) {
		s.cfg = cfg
	}
}

// WithMetrics attaches queue metrics. A nil value disables recording.
func WithMetrics(m *telemetry.QueueMetrics) Option {
	return func(s *Sweeper) {
		s.metrics = m
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) {
		s.logger = logger
	}
}

// New creates a sweeper over the given store.
func New(st store.Store, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:  st,
		cfg:    DefaultConfig(),
		logger: slog.Default(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cfg.applyDefaults()
	s.logger = s.logger.With("component", "sweeper")
	return s
}

// Start runs the sweep loop until ctx is canceled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		defer close(s.doneCh)

		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				if err := s.SweepOnce(ctx); err != nil {
					s.logger.Error("retention sweep failed", "error", err)
				}
			}
		}
	}()
}

// Stop terminates the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	<-s.doneCh
}

// SweepOnce purges done and dead commands past their retention windows.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	now := time.Now()

	removedDone, err := s.store.Purge(ctx, now.Add(-s.cfg.DoneRetention), queue.StatusDone)
	if err != nil {
		return fmt.Errorf("failed to purge done commands: %w", err)
	}

	removedDead, err := s.store.Purge(ctx, now.Add(-s.cfg.DeadRetention), queue.StatusDead)
	if err != nil {
		return fmt.Errorf("failed to purge dead commands: %w", err)
	}

	if removedDone > 0 || removedDead > 0 {
		s.logger.Info("retention sweep removed commands",
			"done", removedDone, "dead", removedDead)
	}
	s.metrics.RecordPurged(ctx, string(queue.StatusDone), removedDone)
	s.metrics.RecordPurged(ctx, string(queue.StatusDead), removedDead)

	return nil
}
