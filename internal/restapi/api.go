// Package restapi exposes the tracker's query surface over HTTP: schedule
// resolution, on-time-performance reports, block tracing and cache
// introspection. Handlers are thin; domain logic lives in the packages they
// call into.
package restapi

import (
	"net/http"
	"time"

	"github.com/eric-warren/bus-tracker/internal/app"
)

type RestAPI struct {
	*app.Application

	rateLimiter *RateLimitMiddleware
}

// NewRestAPI creates the API with a shared per-key rate limiter. A
// non-positive rate limit disables limiting.
func NewRestAPI(application *app.Application) *RestAPI {
	api := &RestAPI{Application: application}
	if application.Config.RateLimit > 0 {
		api.rateLimiter = NewRateLimitMiddleware(application.Config.RateLimit, time.Second, nil, application.Clock)
	}
	return api
}

// Shutdown stops background goroutines owned by the API layer.
func (api *RestAPI) Shutdown() {
	if api.rateLimiter != nil {
		api.rateLimiter.Stop()
	}
}

// limited wraps a handler with the shared rate limiter when one is
// configured.
func (api *RestAPI) limited(handler http.HandlerFunc) http.Handler {
	if api.rateLimiter == nil {
		return handler
	}
	return api.rateLimiter.Handler()(handler)
}

// SetRoutes registers all endpoints. Health and metrics are exempt from rate
// limiting so probes and scrapes never get throttled.
func (api *RestAPI) SetRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", api.healthHandler)
	mux.Handle("GET /metrics", api.Metrics.Handler())

	mux.Handle("GET /api/schedule/service-ids", api.limited(api.serviceIDsHandler))
	mux.Handle("GET /api/schedule/version", api.limited(api.scheduleVersionHandler))
	mux.Handle("GET /api/schedule/service-day", api.limited(api.serviceDayHandler))
	mux.Handle("GET /api/otp", api.limited(api.otpHandler))
	mux.Handle("GET /api/blocks/trace", api.limited(api.traceHandler))
	mux.Handle("GET /api/blocks/cancellation-streak", api.limited(api.cancellationStreakHandler))
	mux.Handle("GET /api/cache/stats", api.limited(api.cacheStatsHandler))
}
