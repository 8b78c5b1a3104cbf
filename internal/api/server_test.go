package api_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfleet/fieldsync/internal/api"
	"github.com/openfleet/fieldsync/internal/status"
	"github.com/openfleet/fieldsync/internal/store"
)

type stubTrigger struct{}

func (stubTrigger) TriggerNow(_ context.Context) (int, error) { return 0, nil }

func newServer(t *testing.T, opts ...api.ServerOption) http.Handler {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	return api.NewServer(st, stubTrigger{}, status.NewPublisher(), opts...)
}

func TestNewServer_Routes(t *testing.T) {
	t.Parallel()

	server := newServer(t)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{name: "health", method: http.MethodGet, path: "/health", wantStatus: http.StatusOK},
		{name: "version", method: http.MethodGet, path: "/version", wantStatus: http.StatusOK},
		{name: "status", method: http.MethodGet, path: "/api/v0/status", wantStatus: http.StatusOK},
		{name: "sync", method: http.MethodPost, path: "/api/v0/sync", wantStatus: http.StatusOK},
		{name: "dead letters", method: http.MethodGet, path: "/api/v0/commands/dead", wantStatus: http.StatusOK},
		{name: "unknown route", method: http.MethodGet, path: "/api/v0/nope", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(tt.method, tt.path, nil)
			rr := httptest.NewRecorder()
			server.ServeHTTP(rr, req)

			assert.Equal(t, tt.wantStatus, rr.Code)
		})
	}
}

func TestNewServer_WithMiddlewares(t *testing.T) {
	t.Parallel()

	var seen bool
	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = true
			next.ServeHTTP(w, r)
		})
	}

	server := newServer(t, api.WithMiddlewares(mw, api.LoggingMiddleware(slog.Default())))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	server.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, seen)
}
