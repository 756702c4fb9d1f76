package api

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/technosupport/nvr-router/internal/audit"
	"github.com/technosupport/nvr-router/internal/data"
	"github.com/technosupport/nvr-router/internal/frigate"
)

// POST /api/v1/cameras/{camera}/export?start_time=&end_time=
// The JSON body is optional and passed to Frigate as is.
func (h *Handler) StartExport(w http.ResponseWriter, r *http.Request) {
	if h.Frigate == nil {
		respondError(w, http.StatusServiceUnavailable, "frigate not configured")
		return
	}
	camera := chi.URLParam(r, "camera")
	start, end, err := queryRange(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	req := frigate.ExportRequest{Playback: "realtime", Source: "recordings"}
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	started, err := h.Frigate.StartExport(r.Context(), camera, start, end, req)
	h.record(r, audit.ActionExportStart, camera, err)
	if errors.Is(err, frigate.ErrInvalidClipRange) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.upstreamError(w, "start export", err)
		return
	}
	respondJSON(w, http.StatusOK, started)
}

// GET /api/v1/exports/{id}
func (h *Handler) GetExport(w http.ResponseWriter, r *http.Request) {
	if h.Frigate == nil {
		respondError(w, http.StatusServiceUnavailable, "frigate not configured")
		return
	}
	exp, err := h.Frigate.GetExport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.upstreamError(w, "get export", err)
		return
	}
	respondJSON(w, http.StatusOK, exp)
}

// GET /api/v1/exports/{id}/video?download=true
func (h *Handler) ExportVideo(w http.ResponseWriter, r *http.Request) {
	if h.Frigate == nil {
		respondError(w, http.StatusServiceUnavailable, "frigate not configured")
		return
	}
	id := chi.URLParam(r, "id")
	rc, err := h.Frigate.OpenExportVideo(r.Context(), id)
	if errors.Is(err, frigate.ErrExportInProgress) {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		h.upstreamError(w, "export video", err)
		return
	}
	disposition := "inline"
	if download, _ := strconv.ParseBool(r.URL.Query().Get("download")); download {
		disposition = "attachment"
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("%s; filename=%q", disposition, id+".mp4"))
	streamClip(w, rc)
}

// POST /api/v1/cameras/{camera}/summary?start_time=&end_time=
func (h *Handler) SummarizeRange(w http.ResponseWriter, r *http.Request) {
	h.dispatchRange(w, r, data.TargetSummary)
}

// POST /api/v1/cameras/{camera}/search-embeddings?start_time=&end_time=
func (h *Handler) IndexRange(w http.ResponseWriter, r *http.Request) {
	h.dispatchRange(w, r, data.TargetSearch)
}

// dispatchRange cuts the requested slice of the camera recording and sends
// it to one sink directly. Nothing is stored in the decision log.
func (h *Handler) dispatchRange(w http.ResponseWriter, r *http.Request, target data.Target) {
	sink, ok := h.Ranges[target]
	if !ok {
		respondError(w, http.StatusServiceUnavailable, string(target)+" not configured")
		return
	}
	start, end, err := queryRange(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	evt, err := frigate.RangeEvent(chi.URLParam(r, "camera"), int64(math.Floor(start)), int64(math.Ceil(end)), time.Now())
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ref, err := sink.Send(r.Context(), evt, &data.RoutingDecision{EventID: evt.ID, CameraID: evt.CameraID, Destinations: []data.Target{target}})
	h.record(r, audit.ActionRangeDispatch, evt.ID, err)
	if err != nil {
		h.upstreamError(w, string(target), err)
		return
	}
	h.Log.Info("range dispatched", zap.String("event_id", evt.ID), zap.String("destination", string(target)), zap.String("ref", ref))
	respondJSON(w, http.StatusOK, map[string]string{
		"event_id":    evt.ID,
		"destination": string(target),
		"ref":         ref,
	})
}

// queryRange reads the required start_time and end_time, in unix seconds.
func queryRange(r *http.Request) (float64, float64, error) {
	q := r.URL.Query()
	start, err1 := strconv.ParseFloat(q.Get("start_time"), 64)
	end, err2 := strconv.ParseFloat(q.Get("end_time"), 64)
	if err1 != nil || err2 != nil || start < 0 || end < 0 {
		return 0, 0, errors.New("start_time and end_time must be unix seconds")
	}
	return start, end, nil
}
