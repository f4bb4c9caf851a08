package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/upb/careportal-auth/internal/observability"
	"go.uber.org/zap"
)

// RequestLogger logs one line per request with zap. It replaces chi's
// stdlib logger so request lines share the service's encoder and fields.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				fields := []zap.Field{
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("remote_addr", r.RemoteAddr),
				}

				log := observability.WithRequest(r.Context(), logger)
				if ww.Status() >= http.StatusInternalServerError {
					log.Warn("request completed", fields...)
					return
				}
				log.Info("request completed", fields...)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
