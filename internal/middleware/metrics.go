package middleware

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/technosupport/nvr-router/internal/metrics"
)

// Metrics counts requests by chi route pattern, never by raw path, so ids in
// URLs do not become label values.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(rw.status/100)+"xx").Inc()
	})
}
