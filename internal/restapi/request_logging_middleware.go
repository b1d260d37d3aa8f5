package restapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/eric-warren/bus-tracker/internal/logging"
)

// statusRecorder captures the status code a handler writes so the completion
// log line can include it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// NewRequestLoggingMiddleware logs one line per completed request and seeds
// the request context with the logger for downstream handlers. It expects to
// run inside RequestIDMiddleware so the correlation id is already present.
func NewRequestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r.WithContext(logging.WithLogger(r.Context(), logger)))

			logging.LogHTTPRequest(logger,
				r.Method,
				r.URL.Path,
				recorder.status,
				float64(time.Since(start).Microseconds())/1e3,
				slog.String("request_id", GetRequestID(r.Context())),
				slog.String("user_agent", r.Header.Get("User-Agent")),
				slog.String("component", "http_server"))
		})
	}
}
