package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"completion-gateway/pkg/logging/logging"

	"go.uber.org/zap"
)

// Timeout cancels the request context after d. The handler owns the
// response and is expected to map the cancelled context to a 504.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()

			next.ServeHTTP(w, r.WithContext(ctx))

			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				logging.L(ctx).Warn("request timeout", zap.Duration("timeout", d))
			}
		})
	}
}
