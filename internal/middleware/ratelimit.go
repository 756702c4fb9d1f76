package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/technosupport/nvr-router/internal/ratelimit"
)

type RateLimitMiddleware struct {
	limiter *ratelimit.Limiter
	limit   ratelimit.LimitConfig
	log     *zap.Logger
}

func NewRateLimitMiddleware(l *ratelimit.Limiter, limit ratelimit.LimitConfig, log *zap.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{limiter: l, limit: limit, log: log.Named("ratelimit")}
}

// GlobalLimiter limits requests per client address. It fails open when
// Redis is unreachable: the API must stay usable for the UI.
func (m *RateLimitMiddleware) GlobalLimiter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// RemoteAddr is already rewritten by chi's RealIP
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		key := fmt.Sprintf("router:rl:ip:%s", m.limiter.HashIP(ip))

		decision, err := m.limiter.CheckRateLimit(r.Context(), key, m.limit)
		if err != nil {
			m.log.Warn("rate limiter unavailable, allowing request", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		writeRateLimitHeaders(w, decision)
		if !decision.Allowed {
			respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeRateLimitHeaders(w http.ResponseWriter, d *ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	if !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
	}
}
