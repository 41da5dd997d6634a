package middleware

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/kevin07696/tenant-billing/pkg/resilience"
)

// Timeout applies the handler layer of the timeout hierarchy to every request
// that does not already carry a deadline
func Timeout(config *resilience.TimeoutConfig, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, hasDeadline := r.Context().Deadline(); hasDeadline {
				next.ServeHTTP(w, r)
				return
			}

			ctx, cancel := config.HandlerContext(r.Context())
			defer cancel()

			next.ServeHTTP(w, r.WithContext(ctx))

			if ctx.Err() != nil {
				logger.Warn("Request exceeded handler timeout",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Duration("timeout", config.HTTPHandler),
				)
			}
		})
	}
}
