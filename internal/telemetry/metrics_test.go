package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewSyncMetrics_NilProvider(t *testing.T) {
	t.Parallel()

	m, err := NewSyncMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	// Nil receiver must be safe to use.
	m.RecordSessionDuration(context.Background(), time.Second, "drained")
	m.RecordDispatch(context.Background(), "location-update", "success")
}

func TestNewQueueMetrics_NilProvider(t *testing.T) {
	t.Parallel()

	m, err := NewQueueMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	m.RecordDepth(context.Background(), "pending", 3)
	m.RecordPurged(context.Background(), "done", 5)
}

func TestSyncMetrics_Record(t *testing.T) {
	t.Parallel()

	reader := metric.NewManualReader()
	provider := metric.NewMeterProvider(metric.WithReader(reader))

	m, err := NewSyncMetrics(provider)
	require.NoError(t, err)
	require.NotNil(t, m)

	ctx := context.Background()
	m.RecordSessionDuration(ctx, 2*time.Second, "drained")
	m.RecordDispatch(ctx, "location-update", "success")
	m.RecordDispatch(ctx, "location-update", "transient")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	names := make(map[string]bool)
	for _, sm := range rm.ScopeMetrics[0].Metrics {
		names[sm.Name] = true
	}
	assert.True(t, names["fieldsync_session_duration_seconds"])
	assert.True(t, names["fieldsync_dispatches_total"])

	for _, sm := range rm.ScopeMetrics[0].Metrics {
		if sm.Name != "fieldsync_dispatches_total" {
			continue
		}
		sum, ok := sm.Data.(metricdata.Sum[int64])
		require.True(t, ok)
		var total int64
		for _, dp := range sum.DataPoints {
			total += dp.Value
		}
		assert.Equal(t, int64(2), total)
	}
}

func TestQueueMetrics_Record(t *testing.T) {
	t.Parallel()

	reader := metric.NewManualReader()
	provider := metric.NewMeterProvider(metric.WithReader(reader))

	m, err := NewQueueMetrics(provider)
	require.NoError(t, err)
	require.NotNil(t, m)

	ctx := context.Background()
	m.RecordDepth(ctx, "pending", 7)
	m.RecordPurged(ctx, "done", 4)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	names := make(map[string]bool)
	for _, sm := range rm.ScopeMetrics[0].Metrics {
		names[sm.Name] = true
	}
	assert.True(t, names["fieldsync_queue_depth"])
	assert.True(t, names["fieldsync_commands_purged_total"])
}
