// Package health serves the liveness and readiness probes.
//
// /healthz answers 200 whenever the process can serve HTTP at all.
// /readyz runs every registered checker and answers 503 as soon as one of
// them fails, with a per-check breakdown in the body:
//
//	{"status":"fail","checks":{"database":"ok","engines":"fail: ..."}}
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout caps one checker's probe. A dependency that cannot answer
// within it is reported as failed, not waited on.
const checkTimeout = 5 * time.Second

// Checker probes one dependency for /readyz.
type Checker struct {
	// Name keys the check in the response body ("database", "engines").
	Name string

	// Check returns nil while the dependency is usable. It must honour
	// ctx cancellation.
	Check func(ctx context.Context) error
}

// Handler answers the probe endpoints. The checker set is fixed at
// construction, so it needs no locking.
type Handler struct {
	checkers []Checker
}

// New builds a handler over the given checkers. /readyz runs them in order.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz always answers ok. Liveness means the process is up, nothing more.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, probeResult{Status: "ok"})
}

// Readyz answers ok only when every checker passes, 503 otherwise. Each
// checker runs under its own checkTimeout derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := probeResult{
		Status: "ok",
		Checks: make(map[string]string, len(h.checkers)),
	}
	status := http.StatusOK

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()
		if err != nil {
			res.Checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}

	writeJSON(w, status, res)
}

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// probeResult is the response body of both probes.
type probeResult struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
