package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/technosupport/nvr-router/internal/middleware"
	"github.com/technosupport/nvr-router/internal/tokens"
)

type RouterConfig struct {
	RequestTimeout time.Duration
	AllowedOrigins []string
	// RateLimit is skipped when nil.
	RateLimit *middleware.RateLimitMiddleware
	// Auth guards mutating routes when set.
	Auth *middleware.JWTAuth
}

func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(h.Log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(middleware.Metrics)

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	guard := func(scope string) func(http.Handler) http.Handler {
		if cfg.Auth == nil {
			return func(next http.Handler) http.Handler { return next }
		}
		return func(next http.Handler) http.Handler {
			return cfg.Auth.Middleware(middleware.RequireScope(scope)(next))
		}
	}

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.RateLimit != nil {
			r.Use(cfg.RateLimit.GlobalLimiter)
		}

		// clips stream for as long as Frigate takes and range triggers upload
		// a whole clip; everything else is bounded
		r.Get("/events/{id}/clip.mp4", h.EventClip)
		r.Get("/cameras/{camera}/clip.mp4", h.CameraClip)
		r.Get("/exports/{id}/video", h.ExportVideo)
		r.With(guard(tokens.ScopeEventsWrite)).Post("/cameras/{camera}/summary", h.SummarizeRange)
		r.With(guard(tokens.ScopeEventsWrite)).Post("/cameras/{camera}/search-embeddings", h.IndexRange)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(cfg.RequestTimeout))

			r.Get("/rules", h.ListRules)
			r.With(guard(tokens.ScopeRulesWrite)).Post("/rules", h.CreateRule)
			r.Get("/rules/{id}", h.GetRule)
			r.With(guard(tokens.ScopeRulesWrite)).Put("/rules/{id}", h.PutRule)
			r.With(guard(tokens.ScopeRulesWrite)).Delete("/rules/{id}", h.DeleteRule)
			r.Get("/rules/{id}/responses", h.RuleResponses)

			r.Get("/events", h.RecentEvents)
			r.With(guard(tokens.ScopeEventsWrite)).Post("/events", h.IngestEvent)
			r.Get("/events/{id}/decision", h.GetDecision)
			r.Get("/events/{id}/status", h.GetStatus)
			r.With(guard(tokens.ScopeEventsWrite)).Delete("/events/{id}", h.CancelEvent)

			r.Get("/cameras", h.ListCameras)
			r.Get("/cameras/{camera}/events", h.CameraEvents)
			r.With(guard(tokens.ScopeEventsWrite)).Post("/cameras/{camera}/export", h.StartExport)
			r.Get("/exports/{id}", h.GetExport)
			r.Get("/summaries/{id}", h.GetSummary)
			r.Get("/audit", h.ListAudit)
		})
	})

	return r
}
