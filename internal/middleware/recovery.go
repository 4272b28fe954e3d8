package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// Recovery returns a middleware that recovers from panics and answers
// with the standard response envelope.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					correlationID := GetCorrelationID(r.Context())

					logger.Error("panic recovered",
						"error", err,
						"stack", string(debug.Stack()),
						"correlation_id", correlationID,
						"method", r.Method,
						"path", r.URL.Path,
					)

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					json.NewEncoder(w).Encode(map[string]any{
						"success": false,
						"error": map[string]string{
							"code":    "INTERNAL_ERROR",
							"message": "internal server error",
						},
					})
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
