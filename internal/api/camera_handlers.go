package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/technosupport/nvr-router/internal/data"
	"github.com/technosupport/nvr-router/internal/frigate"
)

// GET /api/v1/cameras
func (h *Handler) ListCameras(w http.ResponseWriter, r *http.Request) {
	if h.Frigate == nil {
		respondError(w, http.StatusServiceUnavailable, "frigate not configured")
		return
	}
	cams, err := h.Frigate.Cameras(r.Context())
	if err != nil {
		h.upstreamError(w, "list cameras", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string][]string{"cameras": cams})
}

// GET /api/v1/cameras/{camera}/events?after=&before=&limit=
// after and before are unix seconds.
func (h *Handler) CameraEvents(w http.ResponseWriter, r *http.Request) {
	if h.Frigate == nil {
		respondError(w, http.StatusServiceUnavailable, "frigate not configured")
		return
	}
	q := frigate.EventQuery{Camera: chi.URLParam(r, "camera")}
	var err error
	if q.Limit, err = queryLimit(r); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if q.After, err = queryUnix(r, "after"); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if q.Before, err = queryUnix(r, "before"); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := h.Frigate.Events(r.Context(), q)
	if err != nil {
		h.upstreamError(w, "list events", err)
		return
	}
	respondJSON(w, http.StatusOK, events)
}

// GET /api/v1/cameras/{camera}/clip.mp4?start=&end=
func (h *Handler) CameraClip(w http.ResponseWriter, r *http.Request) {
	if h.Frigate == nil {
		respondError(w, http.StatusServiceUnavailable, "frigate not configured")
		return
	}
	start, err1 := strconv.ParseInt(r.URL.Query().Get("start"), 10, 64)
	end, err2 := strconv.ParseInt(r.URL.Query().Get("end"), 10, 64)
	if err1 != nil || err2 != nil {
		respondError(w, http.StatusBadRequest, "start and end must be unix seconds")
		return
	}
	rc, err := h.Frigate.OpenRangeClip(r.Context(), chi.URLParam(r, "camera"), start, end)
	if errors.Is(err, frigate.ErrInvalidClipRange) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.upstreamError(w, "clip", err)
		return
	}
	streamClip(w, rc)
}

// GET /api/v1/summaries/{id} returns the VSS summary pipeline state. ready
// stays false until the summary text is available.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	if h.Summaries == nil {
		respondError(w, http.StatusServiceUnavailable, "summary service not configured")
		return
	}
	res, err := h.Summaries.GetSummary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.upstreamError(w, "get summary", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"pipeline_id": res.PipelineID,
		"ready":       res.Ready(),
		"summary":     res.Summary,
		"status":      res.Status,
	})
}

func queryUnix(r *http.Request, key string) (time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return time.Time{}, nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || secs < 0 {
		return time.Time{}, errors.New(key + " must be unix seconds")
	}
	return data.UnixFloat(secs), nil
}
