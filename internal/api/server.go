// Package api serves the debug and observability HTTP surface: Prometheus
// metrics, resident workspace inspection, and operational actions (flush,
// replay, degraded-mode reset). It is a local diagnostics endpoint, not a
// public API; bind it to loopback.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atelier-notes/atelier/internal/engine"
	"github.com/atelier-notes/atelier/internal/errors"
	"github.com/atelier-notes/atelier/internal/logging"
)

// Handler serves the debug API over an engine.
type Handler struct {
	engine   *engine.Engine
	registry *prometheus.Registry
	logger   *logging.Logger
}

// NewHandler creates a debug API handler. The registry may be nil when no
// metrics endpoint is wanted.
func NewHandler(e *engine.Engine, registry *prometheus.Registry, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Handler{
		engine:   e,
		registry: registry,
		logger:   logger.WithComponent("api"),
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", h.Health).Methods("GET")
	r.HandleFunc("/status", h.Status).Methods("GET")

	r.HandleFunc("/workspaces", h.ListWorkspaces).Methods("GET")
	r.HandleFunc("/workspaces/{id}", h.GetWorkspace).Methods("GET")
	r.HandleFunc("/workspaces/{id}/flush", h.FlushWorkspace).Methods("POST")

	r.HandleFunc("/replay", h.Replay).Methods("POST")
	r.HandleFunc("/degraded/reset", h.ResetDegraded).Methods("POST")

	if h.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{})).Methods("GET")
	}
}

// workspaceSummary is the JSON shape for one resident workspace.
type workspaceSummary struct {
	ID                   string    `json:"id"`
	Phase                string    `json:"phase"`
	LastVisibleAt        time.Time `json:"last_visible_at"`
	ActiveOperationCount int       `json:"active_operation_count"`
	Shared               bool      `json:"shared"`
	Pinned               bool      `json:"pinned"`
	Dirty                bool      `json:"dirty"`
	ComponentCount       int       `json:"component_count"`
}

func (h *Handler) summarize(id string) workspaceSummary {
	rt, _ := h.engine.Residency().Get(id)
	store := h.engine.ComponentStore(id)
	return workspaceSummary{
		ID:                   id,
		Phase:                h.engine.Lifecycle().Phase(id).String(),
		LastVisibleAt:        rt.LastVisibleAt,
		ActiveOperationCount: rt.ActiveOperationCount,
		Shared:               rt.Shared,
		Pinned:               h.engine.Residency().IsPinned(id),
		Dirty:                store.HasDirty(),
		ComponentCount:       store.Len(),
	}
}

// Health handles liveness probes
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Status reports the engine's operational state
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"degraded":       h.engine.IsDegraded(),
		"resident_count": h.engine.Residency().Count(),
		"residency_cap":  h.engine.Residency().Cap(),
		"pending_saves":  h.engine.Coordinator().PendingCount(),
	})
}

// ListWorkspaces returns a summary of every resident workspace
func (h *Handler) ListWorkspaces(w http.ResponseWriter, r *http.Request) {
	ids := h.engine.Residency().IDs()
	out := make([]workspaceSummary, 0, len(ids))
	for _, id := range ids {
		out = append(out, h.summarize(id))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetWorkspace returns one workspace's summary plus its dirty component ids
func (h *Handler) GetWorkspace(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !h.engine.Residency().Has(id) {
		http.Error(w, "workspace not resident", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"workspace": h.summarize(id),
		"dirty_ids": h.engine.ComponentStore(id).DirtyIDs(),
	})
}

// FlushWorkspace forces a flush of one workspace's dirty state
func (h *Handler) FlushWorkspace(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !h.engine.Residency().Has(id) {
		http.Error(w, "workspace not resident", http.StatusNotFound)
		return
	}

	if err := h.engine.FlushWorkspace(r.Context(), id); err != nil {
		status := http.StatusInternalServerError
		if errors.IsConflict(err) {
			status = http.StatusConflict
		}
		h.logger.Warn("flush via api failed",
			"workspace_id", id,
			"error", err.Error())
		http.Error(w, err.Error(), status)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
}

// Replay drains the pending save queue
func (h *Handler) Replay(w http.ResponseWriter, r *http.Request) {
	replayed, err := h.engine.ReplayPending(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"replayed": replayed,
			"error":    err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"replayed": replayed})
}

// ResetDegraded clears degraded mode
func (h *Handler) ResetDegraded(w http.ResponseWriter, r *http.Request) {
	h.engine.ResetDegradedMode()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Server wraps the handler in an http.Server with sane timeouts.
type Server struct {
	srv    *http.Server
	logger *logging.Logger
}

// NewServer builds a server listening on addr.
func NewServer(addr string, h *Handler, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}

	r := mux.NewRouter()
	h.RegisterRoutes(r)

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      30 * time.Second,
		},
		logger: logger.WithComponent("api"),
	}
}

// Start serves until Shutdown. Blocks; run in a goroutine.
func (s *Server) Start() error {
	s.logger.Info("debug api listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
