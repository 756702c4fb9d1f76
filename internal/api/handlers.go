package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/technosupport/nvr-router/internal/audit"
	"github.com/technosupport/nvr-router/internal/data"
	"github.com/technosupport/nvr-router/internal/frigate"
	"github.com/technosupport/nvr-router/internal/health"
	"github.com/technosupport/nvr-router/internal/middleware"
	"github.com/technosupport/nvr-router/internal/vss"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxBodyBytes     = 1 << 20
)

type RuleService interface {
	List() []*data.Rule
	Get(id string) (*data.Rule, error)
	Create(ctx context.Context, r *data.Rule) (*data.Rule, error)
	Upsert(ctx context.Context, r *data.Rule) (*data.Rule, error)
	Delete(ctx context.Context, id string) error
}

type DecisionReader interface {
	Decision(ctx context.Context, eventID string) (*data.RoutingDecision, error)
}

type StatusReader interface {
	GetStatus(ctx context.Context, eventID string) (*data.EventStatus, error)
	ByRule(ctx context.Context, ruleID string, limit int) ([]*data.EventStatus, error)
	Recent(ctx context.Context, limit int) ([]*data.EventStatus, error)
	Invalidate(eventID string)
}

type Canceller interface {
	Cancel(eventID string) bool
}

type Ingestor interface {
	Submit(evt data.Event) error
}

// FrigateReader is the part of the Frigate client the API proxies.
type FrigateReader interface {
	Cameras(ctx context.Context) ([]string, error)
	Events(ctx context.Context, q frigate.EventQuery) ([]frigate.Event, error)
	OpenEventClip(ctx context.Context, eventID string) (io.ReadCloser, error)
	OpenRangeClip(ctx context.Context, camera string, start, end int64) (io.ReadCloser, error)
	StartExport(ctx context.Context, camera string, start, end float64, req frigate.ExportRequest) (*frigate.ExportStarted, error)
	GetExport(ctx context.Context, id string) (*frigate.Export, error)
	OpenExportVideo(ctx context.Context, id string) (io.ReadCloser, error)
}

// RangeSink sends a slice of a camera recording to one downstream service.
type RangeSink interface {
	Send(ctx context.Context, evt data.Event, decision *data.RoutingDecision) (string, error)
}

type AuditLog interface {
	Write(ctx context.Context, e audit.Entry) error
	List(ctx context.Context, limit int) ([]audit.Entry, error)
}

type HealthReporter interface {
	Snapshot() []health.Status
}

type SummaryReader interface {
	GetSummary(ctx context.Context, pipelineID string) (*vss.SummaryResult, error)
}

// Handler serves the router's HTTP API. Frigate and Summaries may be nil,
// in which case their routes answer 503, as do range triggers for targets
// missing from Ranges.
type Handler struct {
	Rules      RuleService
	Decisions  DecisionReader
	Status     StatusReader
	Dispatcher Canceller
	Ingest     Ingestor
	Frigate    FrigateReader
	Summaries  SummaryReader
	Ranges     map[data.Target]RangeSink
	Audit      AuditLog
	Health     HealthReporter
	Log        *zap.Logger

	// Ping reports whether the backing store is reachable. Optional.
	Ping func(ctx context.Context) error
}

type errorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(out)
}

// queryLimit parses ?limit=, clamped to maxListLimit.
func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxListLimit), nil
}

// record writes an audit entry for a mutating request. Failures are logged
// and never change the response.
func (h *Handler) record(r *http.Request, action, target string, err error) {
	if h.Audit == nil {
		return
	}
	e := audit.Entry{
		Action:    action,
		TargetID:  target,
		Result:    audit.ResultSuccess,
		RequestID: chimiddleware.GetReqID(r.Context()),
		ClientIP:  r.RemoteAddr,
	}
	if ac, ok := middleware.GetAuthContext(r.Context()); ok {
		e.Actor = ac.Subject
	}
	if err != nil {
		e.Result = audit.ResultFailure
		e.Reason = err.Error()
	}
	if werr := h.Audit.Write(r.Context(), e); werr != nil {
		h.Log.Error("audit write failed", zap.String("action", action), zap.Error(werr))
	}
}

// GET /api/v1/audit
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.Audit == nil {
		respondJSON(w, http.StatusOK, []audit.Entry{})
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := h.Audit.List(r.Context(), limit)
	if err != nil {
		h.Log.Error("list audit", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list audit entries")
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

// upstreamError maps a proxied Frigate or VSS failure onto a response.
func (h *Handler) upstreamError(w http.ResponseWriter, op string, err error) {
	var fse *frigate.StatusError
	var vse *vss.StatusError
	switch {
	case errors.As(err, &fse) && fse.StatusCode == http.StatusNotFound,
		errors.As(err, &vse) && vse.StatusCode == http.StatusNotFound:
		respondError(w, http.StatusNotFound, "not found upstream")
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, op+" timed out")
	default:
		h.Log.Warn("upstream request failed", zap.String("op", op), zap.Error(err))
		respondError(w, http.StatusBadGateway, op+" failed")
	}
}

// GET /healthz answers 503 only when the store is unreachable. A failing
// upstream marks the router degraded but it keeps accepting events.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "rules": len(h.Rules.List())}
	if h.Health != nil {
		checks := h.Health.Snapshot()
		body["checks"] = checks
		for _, c := range checks {
			if c.State == health.StateDown {
				body["status"] = "degraded"
			}
		}
	}
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			h.Log.Warn("health check failed", zap.Error(err))
			body["status"] = "degraded"
			body["store"] = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}
	respondJSON(w, http.StatusOK, body)
}
