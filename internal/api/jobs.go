package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/voxweave/voxweave/internal/job"
	"github.com/voxweave/voxweave/internal/store"
)

type createJobRequest struct {
	Kind       job.Kind `json:"kind"`
	ChapterID  string   `json:"chapterId"`
	EngineID   string   `json:"engineId"`
	ModelName  string   `json:"modelName"`
	SegmentIDs []string `json:"segmentIds"`
}

func (h *Handler) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decode(r, &req); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if !req.Kind.IsValid() {
		respond(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("unknown job kind %q", req.Kind),
		})
		return
	}
	if len(req.SegmentIDs) == 0 {
		respond(w, http.StatusBadRequest, map[string]string{"error": "segmentIds must not be empty"})
		return
	}
	j, err := h.jobs.Create(r.Context(), req.Kind, req.ChapterID, req.EngineID, req.ModelName, req.SegmentIDs, job.TriggerUser)
	if err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusCreated, j)
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.JobFilter{
		Kind:      job.Kind(q.Get("kind")),
		Status:    job.Status(q.Get("status")),
		ChapterID: q.Get("chapter"),
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))

	jobs, err := h.jobs.List(r.Context(), f)
	if err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, j)
}

func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	if err := h.jobs.Cancel(r.Context(), r.PathValue("id")); err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusAccepted, nil)
}

func (h *Handler) resumeJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobs.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, j)
}

func (h *Handler) deleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.jobs.Delete(r.Context(), r.PathValue("id")); err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusNoContent, nil)
}
