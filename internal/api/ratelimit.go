package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/felipepmaragno/rag-gateway/internal/domain"
	"github.com/felipepmaragno/rag-gateway/internal/gateway"
	"github.com/felipepmaragno/rag-gateway/internal/ratelimit"
)

// rateLimit rejects callers over their request rate. Admins are exempt and
// limiter errors let the request through.
func rateLimit(limiter ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			caller, _ := gateway.CallerFromContext(ctx)
			if limiter == nil || caller.Admin {
				next.ServeHTTP(w, r)
				return
			}

			d, err := limiter.Allow(ctx, caller.User)
			if err != nil {
				slog.Warn("rate limiter unavailable", "user", caller.User, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if !d.Allowed {
				retry := int(time.Until(d.ResetAt).Seconds()) + 1
				w.Header().Set("Retry-After", strconv.Itoa(max(retry, 1)))
				writeError(w, &domain.RateLimitedError{Limit: d.Limit, ResetAt: d.ResetAt})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
