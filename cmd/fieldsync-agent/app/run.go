package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/openfleet/fieldsync/internal/api"
	"github.com/openfleet/fieldsync/internal/config"
	"github.com/openfleet/fieldsync/internal/connectivity"
	"github.com/openfleet/fieldsync/internal/dispatch"
	"github.com/openfleet/fieldsync/internal/status"
	"github.com/openfleet/fieldsync/internal/store"
	"github.com/openfleet/fieldsync/internal/sweeper"
	enginesync "github.com/openfleet/fieldsync/internal/sync"
	"github.com/openfleet/fieldsync/internal/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync agent",
	Long: `Run the sync agent: open the local command queue, watch
connectivity, drain queued commands to the backend, and serve the local
control API.

The agent requires a configuration file (--config) that specifies the
database path and the backend base URL. See examples/ for sample
configurations.`,
	RunE: runAgent,
}

const (
	defaultGracefulTimeout = 10 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 15 * time.Second
	serverIdleTimeout      = 60 * time.Second
)

func init() {
	runCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")

	if err := viper.BindPFlag("config", runCmd.Flags().Lookup("config")); err != nil {
		slog.Error("Failed to bind config flag", "error", err)
		os.Exit(1)
	}

	if err := runCmd.MarkFlagRequired("config"); err != nil {
		slog.Error("Failed to mark config flag as required", "error", err)
		os.Exit(1)
	}
}

func runAgent(_ *cobra.Command, _ []string) error {
	configPath := viper.GetString("config")
	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// The env-configured bootstrap logger only covers config loading;
	// from here on log.level and log.format come from the config file.
	logger := newLogger(os.Stderr, cfg.Log)
	slog.SetDefault(logger)

	logger.Info("loaded configuration",
		"path", configPath, "database", cfg.Database.Path, "remote", cfg.Remote.BaseURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open command queue: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("failed to close command queue", "error", err)
		}
	}()

	publisher := status.NewPublisher()

	var proberOpts []connectivity.ProberOption
	if cfg.Remote.ProbeInterval.Std() > 0 {
		proberOpts = append(proberOpts, connectivity.WithProbeInterval(cfg.Remote.ProbeInterval.Std()))
	}
	prober := connectivity.NewProber(cfg.Remote.ProbeURL, proberOpts...)

	var dispatchOpts []dispatch.HTTPOption
	if cfg.Remote.AuthToken != "" {
		token := cfg.Remote.AuthToken
		dispatchOpts = append(dispatchOpts, dispatch.WithAuth(func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+token)
		}))
	}
	dispatcher, err := dispatch.NewHTTPDispatcher(cfg.Remote.BaseURL, dispatchOpts...)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	meterProvider := otel.GetMeterProvider()
	syncMetrics, err := telemetry.NewSyncMetrics(meterProvider)
	if err != nil {
		return fmt.Errorf("failed to create sync metrics: %w", err)
	}
	queueMetrics, err := telemetry.NewQueueMetrics(meterProvider)
	if err != nil {
		return fmt.Errorf("failed to create queue metrics: %w", err)
	}

	coordinator := enginesync.NewCoordinator(st, dispatcher, prober, publisher,
		enginesync.WithConfig(coordinatorConfig(cfg)),
		enginesync.WithMetrics(syncMetrics),
	)

	sweep := sweeper.New(st,
		sweeper.WithConfig(sweeperConfig(cfg)),
		sweeper.WithMetrics(queueMetrics),
	)

	router := api.NewServer(st, coordinator, publisher,
		api.WithMiddlewares(api.LoggingMiddleware(logger)),
	)
	server := &http.Server{
		Addr:         cfg.API.Address,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	if err := coordinator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sync coordinator: %w", err)
	}
	sweep.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return prober.Run(gctx)
	})

	// Mirror connectivity transitions into the published status.
	g.Go(func() error {
		publisher.SetConnectivity(prober.Current())
		for state := range prober.Subscribe(gctx) {
			publisher.SetConnectivity(state)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("control API listening", "address", cfg.API.Address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control API server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("control API forced to shut down", "error", err)
		}
		return nil
	})

	<-ctx.Done()
	logger.Info("shutting down")

	coordinator.Stop()
	sweep.Stop()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("shutdown complete")
	return nil
}

// newLogger builds the agent logger from the config file's log section.
func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func coordinatorConfig(cfg *config.Config) enginesync.Config {
	c := enginesync.Config{
		Interval:          cfg.Sync.Interval.Std(),
		Jitter:            cfg.Sync.Jitter.Std(),
		BatchSize:         cfg.Sync.BatchSize,
		InterCommandDelay: cfg.Sync.InterCommandDelay.Std(),
		SessionFailureCap: cfg.Sync.SessionFailureCap,
		Cooldown:          cfg.Sync.Cooldown.Std(),
		ExecutingTimeout:  cfg.Sync.ExecutingTimeout.Std(),
	}
	c.Backoff = enginesync.BackoffPolicy{
		Initial:    cfg.Sync.Backoff.Initial.Std(),
		Max:        cfg.Sync.Backoff.Max.Std(),
		Multiplier: cfg.Sync.Backoff.Multiplier,
	}
	if c.Backoff == (enginesync.BackoffPolicy{}) {
		c.Backoff = enginesync.DefaultBackoffPolicy()
	}
	return c
}

func sweeperConfig(cfg *config.Config) sweeper.Config {
	return sweeper.Config{
		Interval:      cfg.Retention.SweepInterval.Std(),
		DoneRetention: cfg.Retention.Done.Std(),
		DeadRetention: cfg.Retention.Dead.Std(),
	}
}
