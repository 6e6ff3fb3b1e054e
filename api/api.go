// Package api exposes the engine over HTTP: job listing and inspection,
// cancellation, rerun, stats, and a health probe. The API is a thin
// read-mostly layer over registry snapshots; it never touches runner
// internals.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/shalfeiok/jobcore"
	"github.com/shalfeiok/jobcore/engine"
)

// API wires the HTTP handlers for the job engine.
type API struct {
	eng    *engine.Engine
	logger *slog.Logger
}

// New creates an API over an engine.
func New(eng *engine.Engine, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{eng: eng, logger: logger}
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	a.RegisterRoutes(r)
	return r
}

// RegisterRoutes mounts all routes on the given router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Get("/jobs", a.listJobs)
		r.Post("/jobs", a.submitJob)
		r.Get("/jobs/{jobID}", a.getJob)
		r.Get("/jobs/{jobID}/logs", a.jobLogs)
		r.Post("/jobs/{jobID}/cancel", a.cancelJob)
		r.Post("/jobs/{jobID}/rerun", a.rerunJob)
		r.Get("/stats", a.stats)
	})
	r.Get("/healthz", a.health)
}

// ──────────────────────────────────────────────────
// Response plumbing
// ──────────────────────────────────────────────────

type errorResponse struct {
	Error string       `json:"error"`
	Code  jobcore.Code `json:"code,omitempty"`
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("response encode failed", slog.String("error", err.Error()))
	}
}

// writeError maps domain errors onto HTTP statuses.
func (a *API) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, jobcore.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, jobcore.ErrNotCancellable),
		errors.Is(err, jobcore.ErrNotRerunnable):
		status = http.StatusConflict
	case errors.Is(err, jobcore.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	case jobcore.CodeOf(err) == jobcore.CodeValidation:
		status = http.StatusBadRequest
	}
	a.writeJSON(w, status, errorResponse{Error: err.Error(), Code: jobcore.CodeOf(err)})
}
