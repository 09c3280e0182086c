package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/fanpulse/internal/domain"
)

// KeyFunc derives the rate-limit bucket of a request.
type KeyFunc func(r *http.Request) string

// ByHeader buckets requests by a header value, falling back to the client IP
// when the header is absent.
func ByHeader(name string) KeyFunc {
	return func(r *http.Request) string {
		if v := strings.TrimSpace(r.Header.Get(name)); v != "" {
			return "user:" + v
		}
		return "ip:" + extractClientIP(r)
	}
}

// RateLimit returns middleware that applies a sliding window of limit
// requests per window to each bucket produced by key. scope namespaces the
// buckets so several limiters can share one backend. A limit of zero
// disables the middleware.
func RateLimit(limiter domain.RateLimiter, scope string, limit int, window time.Duration, key KeyFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil || limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bucket := "ratelimit:" + scope + ":" + key(r)

			allowed, err := limiter.Allow(r.Context(), bucket, limit, window)
			if err != nil {
				// Fail open: a limiter outage must not block bets.
				logger.WarnContext(r.Context(), "rate limiter unavailable",
					slog.String("scope", scope),
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r)
				return
			}

			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
				writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractClientIP attempts to determine the real client IP from standard
// proxy headers, falling back to the direct remote address.
func extractClientIP(r *http.Request) string {
	// Check X-Forwarded-For first (may contain multiple IPs).
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		ip := strings.TrimSpace(parts[0])
		if ip != "" {
			return ip
		}
	}

	// Check X-Real-IP.
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	// Fall back to RemoteAddr.
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
