package api

import (
	"context"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/moccet/moccet-health-sub016/internal/metrics"
	redisclient "github.com/moccet/moccet-health-sub016/internal/redis"
)

// RateLimiter is the limiter surface the middleware needs.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (*redisclient.RateLimitResult, error)
}

// RateLimit applies the sliding-window limiter per caller. Keyed by
// user_id when the request carries one, remote address otherwise. Limiter
// outages fail open; availability beats throttling accuracy here.
func RateLimit(limiter RateLimiter, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.URL.Query().Get("user_id")
			if key == "" {
				key = r.RemoteAddr
			}

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limiter unavailable, failing open", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			if !result.Allowed {
				metrics.RecordRateLimitRejection(key)
				w.Header().Set("Retry-After", result.ResetAt.UTC().Format(http.TimeFormat))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
