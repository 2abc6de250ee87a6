// Package api is the HTTP surface of the orchestration core: job queue
// control, engine lifecycle, settings, and the event stream.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxweave/voxweave/internal/app"
	"github.com/voxweave/voxweave/internal/bus"
	"github.com/voxweave/voxweave/internal/observe"
	"github.com/voxweave/voxweave/internal/settings"
	"github.com/voxweave/voxweave/internal/store"
)

// Handler serves the HTTP API.
type Handler struct {
	jobs     *app.JobService
	engines  *app.EngineService
	settings *settings.Service
	bus      *bus.Bus

	mux http.Handler
}

// New assembles the router over the application services.
func New(a *app.App) *Handler {
	h := &Handler{
		jobs:     a.Jobs,
		engines:  a.Engines,
		settings: a.Settings,
		bus:      a.Bus,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/jobs", h.createJob)
	mux.HandleFunc("GET /api/jobs", h.listJobs)
	mux.HandleFunc("GET /api/jobs/{id}", h.getJob)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", h.cancelJob)
	mux.HandleFunc("POST /api/jobs/{id}/resume", h.resumeJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", h.deleteJob)

	mux.HandleFunc("GET /api/engines", h.listEngines)
	mux.HandleFunc("GET /api/engines/{id}", h.getEngine)
	mux.HandleFunc("POST /api/engines/rescan", h.rescanEngines)
	mux.HandleFunc("POST /api/engines/{id}/enable", h.setEnabled(true))
	mux.HandleFunc("POST /api/engines/{id}/disable", h.setEnabled(false))
	mux.HandleFunc("POST /api/engines/{id}/start", h.startEngine)
	mux.HandleFunc("POST /api/engines/{id}/stop", h.stopEngine)
	mux.HandleFunc("POST /api/engines/{id}/default", h.setDefaultEngine)
	mux.HandleFunc("POST /api/engines/{id}/keep-warm", h.setKeepWarm)
	mux.HandleFunc("GET /api/engines/{id}/models", h.listModels)
	mux.HandleFunc("POST /api/engines/{id}/default-model", h.setDefaultModel)
	mux.HandleFunc("POST /api/engines/{id}/install", h.installEngine)
	mux.HandleFunc("POST /api/engines/{id}/install/cancel", h.cancelInstall)
	mux.HandleFunc("POST /api/engines/{id}/uninstall", h.uninstallEngine)

	mux.HandleFunc("GET /api/settings/{category}", h.getSettings)
	mux.HandleFunc("PUT /api/settings", h.putSetting)

	mux.HandleFunc("GET /events", h.events)

	mux.Handle("GET /metrics", promhttp.Handler())
	a.Health.Register(mux)

	h.mux = observe.Middleware(observe.DefaultMetrics())(mux)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// respond writes v as JSON with the given status.
func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response write failed", "error", err)
	}
}

// fail maps an error to its HTTP status and writes a JSON error body.
func fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, settings.ErrUnknownKey):
		status = http.StatusBadRequest
	}
	respond(w, status, map[string]string{"error": err.Error()})
}

// decode reads the request body into v, rejecting unknown fields.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
