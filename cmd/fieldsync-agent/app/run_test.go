package app

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfleet/fieldsync/internal/config"
	enginesync "github.com/openfleet/fieldsync/internal/sync"
)

func TestNewLogger_LevelAndFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		cfg       config.LogConfig
		wantDebug bool
		wantJSON  bool
	}{
		{
			name:      "json info",
			cfg:       config.LogConfig{Level: "info", Format: "json"},
			wantDebug: false,
			wantJSON:  true,
		},
		{
			name:      "text debug",
			cfg:       config.LogConfig{Level: "debug", Format: "text"},
			wantDebug: true,
			wantJSON:  false,
		},
		{
			name:      "error level drops info",
			cfg:       config.LogConfig{Level: "error", Format: "json"},
			wantDebug: false,
			wantJSON:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			logger := newLogger(&buf, tt.cfg)

			logger.Debug("debug line")
			hadDebug := buf.Len() > 0
			assert.Equal(t, tt.wantDebug, hadDebug)

			buf.Reset()
			logger.Error("error line", "key", "value")
			require.NotZero(t, buf.Len())

			var record map[string]any
			isJSON := json.Unmarshal(buf.Bytes(), &record) == nil
			assert.Equal(t, tt.wantJSON, isJSON)
		})
	}
}

func TestNewLogger_InfoGatedByErrorLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := newLogger(&buf, config.LogConfig{Level: "error", Format: "json"})

	logger.Info("should be dropped")
	assert.Zero(t, buf.Len())
}

func TestCoordinatorConfig_Mapping(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Sync.Interval = config.Duration(2 * time.Minute)
	cfg.Sync.BatchSize = 10
	cfg.Sync.Backoff.Initial = config.Duration(2 * time.Second)
	cfg.Sync.Backoff.Max = config.Duration(time.Minute)
	cfg.Sync.Backoff.Multiplier = 3

	got := coordinatorConfig(cfg)
	assert.Equal(t, 2*time.Minute, got.Interval)
	assert.Equal(t, 10, got.BatchSize)
	assert.Equal(t, 2*time.Second, got.Backoff.Initial)
	assert.Equal(t, float64(3), got.Backoff.Multiplier)
}

func TestCoordinatorConfig_DefaultBackoff(t *testing.T) {
	t.Parallel()

	got := coordinatorConfig(&config.Config{})
	assert.Equal(t, enginesync.DefaultBackoffPolicy(), got.Backoff)
}
