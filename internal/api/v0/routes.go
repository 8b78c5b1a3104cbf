// Package v0 provides the REST handlers for the local control API.
package v0

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/openfleet/fieldsync/internal/queue"
	"github.com/openfleet/fieldsync/internal/status"
	"github.com/openfleet/fieldsync/internal/store"
	enginesync "github.com/openfleet/fieldsync/internal/sync"
	"github.com/openfleet/fieldsync/internal/versions"
)

const defaultListLimit = 50

// CommandQueue is the queue surface the API needs.
type CommandQueue interface {
	Enqueue(ctx context.Context, p queue.Payload, maxRetries int) (queue.Command, error)
	Get(ctx context.Context, id string) (queue.Command, error)
	ListByStatus(ctx context.Context, st queue.Status, limit int) ([]queue.Command, error)
}

// SyncTrigger starts a drain session on demand.
type SyncTrigger interface {
	TriggerNow(ctx context.Context) (int, error)
}

// StatusSource exposes the current sync status snapshot.
type StatusSource interface {
	Current() status.SyncStatus
}

// EnqueueRequest is the body of POST /api/v0/commands.
type EnqueueRequest struct {
	Type       queue.CommandType `json:"type"`
	MaxRetries int               `json:"max_retries,omitempty"`
	Payload    json.RawMessage   `json:"payload"`
}

// EnqueueResponse confirms an accepted command.
type EnqueueResponse struct {
	ID     string       `json:"id"`
	Seq    int64        `json:"seq"`
	Status queue.Status `json:"status"`
}

// SyncResponse reports the result of a manual sync trigger.
type SyncResponse struct {
	Executed int `json:"executed"`
}

// CommandListResponse wraps a page of commands.
type CommandListResponse struct {
	Commands []queue.Command `json:"commands"`
}

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// Routes defines the routes for the control API with dependency injection
type Routes struct {
	queue    CommandQueue
	trigger  SyncTrigger
	statuses StatusSource
	logger   *slog.Logger
}

// NewRoutes creates a new Routes instance with the provided dependencies
func NewRoutes(q CommandQueue, trigger SyncTrigger, statuses StatusSource) *Routes {
	return &Routes{
		queue:    q,
		trigger:  trigger,
		statuses: statuses,
		logger:   slog.Default().With("component", "api"),
	}
}

// Router creates a new router for the control API
func Router(q CommandQueue, trigger SyncTrigger, statuses StatusSource) http.Handler {
	routes := NewRoutes(q, trigger, statuses)

	r := chi.NewRouter()

	r.Get("/status", routes.getStatus)
	r.Post("/sync", routes.postSync)
	r.Post("/commands", routes.postCommand)
	r.Get("/commands/dead", routes.listDead)
	r.Get("/commands/{id}", routes.getCommand)

	return r
}

// getStatus handles GET /api/v0/status
func (rr *Routes) getStatus(w http.ResponseWriter, _ *http.Request) {
	rr.writeJSONResponse(w, rr.statuses.Current())
}

// postSync handles POST /api/v0/sync
func (rr *Routes) postSync(w http.ResponseWriter, r *http.Request) {
	executed, err := rr.trigger.TriggerNow(r.Context())
	switch {
	case err == nil:
		rr.writeJSONResponse(w, SyncResponse{Executed: executed})
	case errors.Is(err, enginesync.ErrAlreadySyncing), errors.Is(err, enginesync.ErrCoolingDown):
		rr.writeErrorResponse(w, err.Error(), http.StatusConflict)
	case errors.Is(err, enginesync.ErrDisconnected):
		rr.writeErrorResponse(w, err.Error(), http.StatusServiceUnavailable)
	default:
		rr.logger.Error("manual sync failed", "error", err)
		rr.writeErrorResponse(w, "sync failed", http.StatusInternalServerError)
	}
}

// postCommand handles POST /api/v0/commands
func (rr *Routes) postCommand(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rr.writeErrorResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}

	p, err := queue.DecodePayload(req.Type, req.Payload)
	if err != nil {
		rr.writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	cmd, err := rr.queue.Enqueue(r.Context(), p, req.MaxRetries)
	if err != nil {
		rr.logger.Error("failed to enqueue command", "type", req.Type, "error", err)
		rr.writeErrorResponse(w, "failed to enqueue command", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(EnqueueResponse{ID: cmd.ID, Seq: cmd.Seq, Status: cmd.Status}); err != nil {
		rr.logger.Error("failed to encode enqueue response", "error", err)
	}
}

// listDead handles GET /api/v0/commands/dead
func (rr *Routes) listDead(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			rr.writeErrorResponse(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	cmds, err := rr.queue.ListByStatus(r.Context(), queue.StatusDead, limit)
	if err != nil {
		rr.logger.Error("failed to list dead commands", "error", err)
		rr.writeErrorResponse(w, "failed to list dead commands", http.StatusInternalServerError)
		return
	}
	if cmds == nil {
		cmds = []queue.Command{}
	}

	rr.writeJSONResponse(w, CommandListResponse{Commands: cmds})
}

// getCommand handles GET /api/v0/commands/{id}
func (rr *Routes) getCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	cmd, err := rr.queue.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			rr.writeErrorResponse(w, "command not found", http.StatusNotFound)
			return
		}
		rr.logger.Error("failed to load command", "id", id, "error", err)
		rr.writeErrorResponse(w, "failed to load command", http.StatusInternalServerError)
		return
	}

	rr.writeJSONResponse(w, cmd)
}

func (rr *Routes) writeJSONResponse(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		rr.logger.Error("failed to encode response", "error", err)
	}
}

func (rr *Routes) writeErrorResponse(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: msg}); err != nil {
		rr.logger.Error("failed to encode error response", "error", err)
	}
}

// HealthRouter creates a router for health check endpoints
func HealthRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler)

	return r
}

// healthHandler handles health check requests
func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy"}`))
}

// versionHandler handles version information requests
func versionHandler(w http.ResponseWriter, _ *http.Request) {
	info := versions.GetVersionInfo()

	response := map[string]string{
		"version":    info.Version,
		"commit":     info.Commit,
		"build_date": info.BuildDate,
		"go_version": info.GoVersion,
		"platform":   info.Platform,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Error("failed to encode version info", "error", err)
	}
}
