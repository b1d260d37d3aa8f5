package restapi

import (
	"context"
	"net/http"
	"regexp"

	"github.com/google/uuid"
)

type contextKey string

const RequestIDKey contextKey = "request_id"

// requestIDPattern matches ids safe to echo into response headers and logs.
var requestIDPattern = regexp.MustCompile(`^[a-zA-Z0-9-._:]+$`)

func validRequestID(id string) bool {
	return id != "" && len(id) <= 128 && requestIDPattern.MatchString(id)
}

// RequestIDMiddleware tags every request with a correlation id: the caller's
// X-Request-ID when it is header-safe, a fresh UUID otherwise. The id is
// echoed on the response and carried in the request context.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if !validRequestID(reqID) {
			reqID = uuid.NewString()
		}

		w.Header().Set("X-Request-ID", reqID)

		ctx := context.WithValue(r.Context(), RequestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID allows other packages to retrieve the ID without importing restapi.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}
