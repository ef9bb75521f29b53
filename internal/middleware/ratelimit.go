package middleware

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/intellioptics/platform/internal/ratelimit"
)

// DefaultLoginLimit bounds credential attempts per client address. The
// per-account lockout in the auth service covers targeted guessing.
var DefaultLoginLimit = ratelimit.Limit{Rate: 10, Window: time.Minute}

// RateLimit throttles a route by hashed client IP.
type RateLimit struct {
	limiter *ratelimit.Limiter
	scope   string
	limit   ratelimit.Limit
}

func NewRateLimit(l *ratelimit.Limiter, scope string, limit ratelimit.Limit) *RateLimit {
	if limit.Rate <= 0 {
		limit = DefaultLoginLimit
	}
	return &RateLimit{limiter: l, scope: scope, limit: limit}
}

// Middleware counts the request against the caller's window and rejects
// with 429 once the budget is spent. Redis outages fail open.
func (m *RateLimit) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil || m.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := m.scope + ":" + m.limiter.HashIP(clientIP(r))
		decision, err := m.limiter.Allow(r.Context(), key, m.limit)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		writeRateLimitHeaders(w, decision)
		if !decision.Allowed {
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP trusts RemoteAddr, which the RealIP middleware has already
// rewritten from X-Forwarded-For when a proxy sits in front.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeRateLimitHeaders(w http.ResponseWriter, d *ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	if !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
	}
}
