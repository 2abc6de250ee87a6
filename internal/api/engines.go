package api

import (
	"fmt"
	"net/http"

	"github.com/voxweave/voxweave/internal/engine"
)

// engineView is one variant plus its live run state.
type engineView struct {
	*engine.Variant
	State engine.RunState `json:"state"`
}

func (h *Handler) listEngines(w http.ResponseWriter, r *http.Request) {
	kind := engine.Kind(r.URL.Query().Get("kind"))
	if kind == "" {
		kind = engine.KindSynthesis
	}
	if !kind.IsValid() {
		respond(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("unknown engine kind %q", kind),
		})
		return
	}
	variants, states, err := h.engines.List(r.Context(), kind)
	if err != nil {
		fail(w, err)
		return
	}
	views := make([]engineView, len(variants))
	for i, v := range variants {
		views[i] = engineView{Variant: v, State: states[v.ID]}
	}
	respond(w, http.StatusOK, map[string]any{"engines": views})
}

func (h *Handler) getEngine(w http.ResponseWriter, r *http.Request) {
	v, err := h.engines.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, v)
}

func (h *Handler) rescanEngines(w http.ResponseWriter, r *http.Request) {
	if err := h.engines.SyncFromDisk(r.Context()); err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (h *Handler) setEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := h.engines.SetEnabled(r.Context(), r.PathValue("id"), enabled)
		if err != nil {
			fail(w, err)
			return
		}
		respond(w, http.StatusOK, v)
	}
}

func (h *Handler) startEngine(w http.ResponseWriter, r *http.Request) {
	if err := h.engines.Start(r.Context(), r.PathValue("id")); err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (h *Handler) stopEngine(w http.ResponseWriter, r *http.Request) {
	if err := h.engines.Stop(r.Context(), r.PathValue("id")); err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (h *Handler) setDefaultEngine(w http.ResponseWriter, r *http.Request) {
	if err := h.engines.SetDefault(r.Context(), r.PathValue("id")); err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (h *Handler) setKeepWarm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KeepWarm bool `json:"keepWarm"`
	}
	if err := decode(r, &req); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.engines.SetKeepWarm(r.Context(), r.PathValue("id"), req.KeepWarm); err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (h *Handler) listModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.engines.Models(r.Context(), r.PathValue("id"))
	if err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"models": models})
}

func (h *Handler) setDefaultModel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model string `json:"model"`
	}
	if err := decode(r, &req); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Model == "" {
		respond(w, http.StatusBadRequest, map[string]string{"error": "model must not be empty"})
		return
	}
	if err := h.engines.SetDefaultModel(r.Context(), r.PathValue("id"), req.Model); err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

// installEngine blocks until the pull completes; progress streams on the
// engines event channel meanwhile.
func (h *Handler) installEngine(w http.ResponseWriter, r *http.Request) {
	if err := h.engines.InstallImage(r.Context(), r.PathValue("id")); err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (h *Handler) cancelInstall(w http.ResponseWriter, r *http.Request) {
	cancelled := h.engines.CancelInstall(r.PathValue("id"))
	respond(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (h *Handler) uninstallEngine(w http.ResponseWriter, r *http.Request) {
	if err := h.engines.UninstallImage(r.Context(), r.PathValue("id")); err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}
