package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/jmylchreest/livebridge/internal/observability"
)

// Recovery recovers from handler panics, logs them and answers 500 with the
// JSON error shape the ingest clients expect.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}

					requestID := observability.RequestIDFromContext(r.Context())
					logger.ErrorContext(r.Context(), "panic recovered",
						slog.Any("panic", err),
						slog.String("stack", string(debug.Stack())),
						slog.String("method", r.Method),
						slog.String("path", r.URL.Path),
						slog.String("request_id", requestID),
					)

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]any{
						"success":   false,
						"error":     http.StatusText(http.StatusInternalServerError),
						"requestId": requestID,
					})
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
