package metrics

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus instruments for the server. A dedicated
// registry keeps the /metrics output limited to what we register here.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	PollsTotal          *prometheus.CounterVec
	PollDuration        prometheus.Histogram
	ObservationsWritten prometheus.Counter
	TripStartsRecorded  prometheus.Counter
	CancellationsSeen   prometheus.Counter
	UnresolvedTrips     prometheus.Counter

	OtpCacheHits   prometheus.Counter
	OtpCacheMisses prometheus.Counter
	OtpComputeTime prometheus.Histogram

	ScheduleImportsTotal *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bustracker_http_requests_total",
			Help: "Total number of HTTP requests processed, by endpoint, method and status code.",
		}, []string{"endpoint", "method", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bustracker_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds, by endpoint.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		PollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bustracker_realtime_polls_total",
			Help: "Total number of realtime poll cycles, by outcome.",
		}, []string{"status"}),
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bustracker_realtime_poll_duration_seconds",
			Help:    "Duration of a full realtime poll cycle in seconds.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		ObservationsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustracker_vehicle_observations_written_total",
			Help: "Total number of vehicle observations persisted.",
		}),
		TripStartsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustracker_trip_starts_recorded_total",
			Help: "Total number of trip start records created.",
		}),
		CancellationsSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustracker_cancellations_seen_total",
			Help: "Total number of canceled trips observed in trip-update feeds.",
		}),
		UnresolvedTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustracker_unresolved_trips_total",
			Help: "Total number of placeholder trip ids that could not be matched to the schedule.",
		}),
		OtpCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustracker_otp_cache_hits_total",
			Help: "Total number of on-time-performance daily cache hits.",
		}),
		OtpCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustracker_otp_cache_misses_total",
			Help: "Total number of on-time-performance daily cache misses.",
		}),
		OtpComputeTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bustracker_otp_compute_duration_seconds",
			Help:    "Time spent computing a single day of on-time-performance statistics.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		ScheduleImportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bustracker_schedule_imports_total",
			Help: "Total number of static schedule import attempts, by outcome.",
		}, []string{"status"}),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PollsTotal,
		m.PollDuration,
		m.ObservationsWritten,
		m.TripStartsRecorded,
		m.CancellationsSeen,
		m.UnresolvedTrips,
		m.OtpCacheHits,
		m.OtpCacheMisses,
		m.OtpComputeTime,
		m.ScheduleImportsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RegisterDBStats exposes database/sql pool statistics on the registry.
func (m *Metrics) RegisterDBStats(db *sql.DB, dbName string) {
	m.registry.MustRegister(collectors.NewDBStatsCollector(db, dbName))
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest updates the request counter and latency histogram.
func (m *Metrics) RecordHTTPRequest(endpoint, method, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}
