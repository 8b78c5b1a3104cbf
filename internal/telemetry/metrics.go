// Package telemetry provides OpenTelemetry instrumentation for the sync
// engine.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// SyncMetricsMeterName is the name used for the sync metrics meter
	SyncMetricsMeterName = "github.com/openfleet/fieldsync/sync"

	// QueueMetricsMeterName is the name used for the queue metrics meter
	QueueMetricsMeterName = "github.com/openfleet/fieldsync/queue"
)

// SyncMetrics holds the OpenTelemetry instruments for drain sessions and
// dispatch attempts.
type SyncMetrics struct {
	sessionDuration metric.Float64Histogram
	dispatches      metric.Int64Counter
}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter
// provider. If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	sessionDuration, err := meter.Float64Histogram(
		"fieldsync_session_duration_seconds",
		metric.WithDescription("Duration of drain sessions in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	dispatches, err := meter.Int64Counter(
		"fieldsync_dispatches_total",
		metric.WithDescription("Command dispatch attempts by outcome class"),
		metric.WithUnit("{dispatch}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		sessionDuration: sessionDuration,
		dispatches:      dispatches,
	}, nil
}

// RecordSessionDuration records the duration and end reason of one drain
// session.
func (m *SyncMetrics) RecordSessionDuration(ctx context.Context, duration time.Duration, reason string) {
	if m == nil || m.sessionDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("end_reason", reason),
	}

	m.sessionDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordDispatch records one dispatch attempt with its outcome class.
func (m *SyncMetrics) RecordDispatch(ctx context.Context, commandType string, class string) {
	if m == nil || m.dispatches == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("type", commandType),
		attribute.String("class", class),
	}

	m.dispatches.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// QueueMetrics holds the OpenTelemetry instruments for queue depth and
// retention sweeps.
type QueueMetrics struct {
	depth  metric.Int64Gauge
	purged metric.Int64Counter
}

// NewQueueMetrics creates a new QueueMetrics instance with the given meter
// provider. If provider is nil, it returns nil (no-op metrics).
func NewQueueMetrics(provider metric.MeterProvider) (*QueueMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(QueueMetricsMeterName)

	depth, err := meter.Int64Gauge(
		"fieldsync_queue_depth",
		metric.WithDescription("Number of commands per status"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return nil, err
	}

	purged, err := meter.Int64Counter(
		"fieldsync_commands_purged_total",
		metric.WithDescription("Commands removed by the retention sweeper"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return nil, err
	}

	return &QueueMetrics{
		depth:  depth,
		purged: purged,
	}, nil
}

// RecordDepth records the current number of commands in a status.
func (m *QueueMetrics) RecordDepth(ctx context.Context, status string, count int64) {
	if m == nil || m.depth == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("status", status),
	}

	m.depth.Record(ctx, count, metric.WithAttributes(attrs...))
}

// RecordPurged records commands removed by a retention sweep.
func (m *QueueMetrics) RecordPurged(ctx context.Context, status string, count int64) {
	if m == nil || m.purged == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("status", status),
	}

	m.purged.Add(ctx, count, metric.WithAttributes(attrs...))
}
