package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/technosupport/nvr-router/internal/audit"
	"github.com/technosupport/nvr-router/internal/data"
	"github.com/technosupport/nvr-router/internal/frigate"
	"github.com/technosupport/nvr-router/internal/pipeline"
)

// POST /api/v1/events takes a Frigate event, the same shape as the items
// of Frigate's /api/events, and queues it for routing.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var raw frigate.Event
	if err := decodeJSON(w, r, &raw); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	evt, err := frigate.Normalize(raw, data.SourceAPI, time.Now())
	var malformed *data.MalformedEventError
	switch {
	case errors.As(err, &malformed):
		respondJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "malformed event",
			Details: map[string]string{"field": malformed.Field, "reason": malformed.Reason},
		})
		return
	case errors.Is(err, frigate.ErrInProgress), errors.Is(err, frigate.ErrFalsePositive):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.Ingest.Submit(evt); err != nil {
		if errors.Is(err, pipeline.ErrQueueFull) {
			w.Header().Set("Retry-After", "1")
			respondError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		h.Log.Error("submit event", zap.String("event_id", evt.ID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to queue event")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"event_id": evt.ID})
}

// GET /api/v1/events
func (h *Handler) RecentEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	statuses, err := h.Status.Recent(r.Context(), limit)
	if err != nil {
		h.Log.Error("list recent events", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	respondJSON(w, http.StatusOK, statuses)
}

// GET /api/v1/events/{id}/decision
func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := h.Decisions.Decision(r.Context(), id)
	if errors.Is(err, data.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "no decision for event")
		return
	}
	if err != nil {
		h.Log.Error("get decision", zap.String("event_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to load decision")
		return
	}
	respondJSON(w, http.StatusOK, d)
}

// GET /api/v1/events/{id}/status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := h.Status.GetStatus(r.Context(), id)
	if errors.Is(err, data.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "unknown event")
		return
	}
	if err != nil {
		h.Log.Error("get status", zap.String("event_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to load status")
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// DELETE /api/v1/events/{id} stops any dispatch still running for the event.
// The decision and the attempt log are kept.
func (h *Handler) CancelEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cancelled := h.Dispatcher.Cancel(id)
	h.Status.Invalidate(id)
	h.record(r, audit.ActionEventCancel, id, nil)
	h.Log.Info("event cancelled", zap.String("event_id", id), zap.Bool("was_running", cancelled))
	respondJSON(w, http.StatusOK, map[string]any{"event_id": id, "cancelled": cancelled})
}

// GET /api/v1/events/{id}/clip.mp4
func (h *Handler) EventClip(w http.ResponseWriter, r *http.Request) {
	if h.Frigate == nil {
		respondError(w, http.StatusServiceUnavailable, "frigate not configured")
		return
	}
	rc, err := h.Frigate.OpenEventClip(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.upstreamError(w, "clip", err)
		return
	}
	streamClip(w, rc)
}

func streamClip(w http.ResponseWriter, rc io.ReadCloser) {
	defer rc.Close()
	w.Header().Set("Content-Type", "video/mp4")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}
