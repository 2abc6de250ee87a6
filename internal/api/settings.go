package api

import (
	"net/http"
)

func (h *Handler) getSettings(w http.ResponseWriter, r *http.Request) {
	doc, err := h.settings.Category(r.Context(), r.PathValue("category"))
	if err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, doc)
}

type putSettingRequest struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

func (h *Handler) putSetting(w http.ResponseWriter, r *http.Request) {
	var req putSettingRequest
	if err := decode(r, &req); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Key == "" {
		respond(w, http.StatusBadRequest, map[string]string{"error": "key must not be empty"})
		return
	}
	if err := h.settings.Set(r.Context(), req.Key, req.Value); err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}
