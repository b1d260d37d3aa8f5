package restapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eric-warren/bus-tracker/busdb"
	"github.com/eric-warren/bus-tracker/internal/app"
	"github.com/eric-warren/bus-tracker/internal/appconf"
	"github.com/eric-warren/bus-tracker/internal/clock"
	"github.com/eric-warren/bus-tracker/internal/metrics"
	"github.com/eric-warren/bus-tracker/internal/models"
	"github.com/eric-warren/bus-tracker/internal/otp"
	"github.com/eric-warren/bus-tracker/internal/schedule"
	"github.com/eric-warren/bus-tracker/internal/trace"
)

type apiFixture struct {
	client *busdb.Client
	clock  *clock.MockClock
	api    *RestAPI
	server *httptest.Server
}

// newAPIFixture seeds one everyday schedule version with a two-trip block on
// route 10 and starts a server with the full middleware chain. The clock sits
// at noon on 2025-03-12.
func newAPIFixture(t *testing.T, rateLimit int) *apiFixture {
	t.Helper()

	client, err := busdb.NewClient(busdb.NewConfig(":memory:", appconf.Test, false))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	loc, err := time.LoadLocation("America/Halifax")
	require.NoError(t, err)

	ctx := context.Background()
	version, err := client.Queries.CreateGtfsVersion(ctx, "20250101")
	require.NoError(t, err)
	require.NoError(t, client.Queries.CreateCalendar(ctx, busdb.CreateCalendarParams{
		GtfsVersion: version,
		ServiceID:   "DAILY",
		Monday:      1, Tuesday: 1, Wednesday: 1, Thursday: 1, Friday: 1, Saturday: 1, Sunday: 1,
		StartDate: "20250101",
		EndDate:   "20251231",
	}))

	seedTrip := func(tripID string, startSeconds int64) {
		require.NoError(t, client.Queries.CreateBlock(ctx, busdb.CreateBlockParams{
			GtfsVersion: version,
			TripID:      tripID,
			RouteID:     "10",
			ServiceID:   "DAILY",
			Direction:   sql.NullInt64{Int64: 0, Valid: true},
			BlockID:     sql.NullString{String: "BLK1", Valid: true},
			StartTime:   startSeconds,
			EndTime:     startSeconds + 3600,
		}))
	}
	seedTrip("T1", 8*3600)
	seedTrip("T2", 10*3600)

	mock := clock.NewMockClock(time.Date(2025, 3, 12, 12, 0, 0, 0, loc))
	resolver := schedule.NewResolver(client.Queries, loc, mock)
	m := metrics.NewMetrics()
	cache := otp.NewCache(client.Queries, resolver, mock)
	engine := otp.NewEngine(client.Queries, resolver, cache, otp.DefaultConfig(), m)
	tracer := trace.NewTracer(client.Queries, resolver, mock)

	application := &app.Application{
		Config:   appconf.Config{Env: appconf.Test, RateLimit: rateLimit},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:    mock,
		DB:       client,
		Resolver: resolver,
		Metrics:  m,
		Cache:    cache,
		Engine:   engine,
		Tracer:   tracer,
	}

	api := NewRestAPI(application)
	t.Cleanup(api.Shutdown)

	mux := http.NewServeMux()
	api.SetRoutes(mux)

	handler := RequestIDMiddleware(MetricsHandler(m)(mux))
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &apiFixture{client: client, clock: mock, api: api, server: server}
}

func (f *apiFixture) get(t *testing.T, path string) (*http.Response, models.ResponseModel) {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var model models.ResponseModel
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&model))
	return resp, model
}

func (f *apiFixture) observe(t *testing.T, serviceDate, busID, tripID string, recordedWide int64, delay float64) {
	t.Helper()
	err := f.client.Queries.CreateVehicleObservation(context.Background(), busdb.CreateVehicleObservationParams{
		ObservedAt:   f.clock.Now().Unix(),
		ServiceDate:  serviceDate,
		BusID:        busID,
		TripID:       sql.NullString{String: tripID, Valid: true},
		DelayMinutes: sql.NullFloat64{Float64: delay, Valid: true},
		Lat:          44.65,
		Lon:          -63.57,
		RecordedWide: recordedWide,
	})
	require.NoError(t, err)
}

func TestServiceIDsEndpoint(t *testing.T) {
	f := newAPIFixture(t, 0)

	resp, model := f.get(t, "/api/schedule/service-ids?date=20250310")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, http.StatusOK, model.Code)
	assert.Equal(t, "OK", model.Text)

	data, ok := model.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "20250310", data["date"])
	assert.Equal(t, []interface{}{"DAILY"}, data["serviceIds"])
}

func TestServiceIDsUncoveredDateIs404(t *testing.T) {
	f := newAPIFixture(t, 0)

	resp, model := f.get(t, "/api/schedule/service-ids?date=20240301")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, http.StatusNotFound, model.Code)
}

func TestServiceIDsMalformedDateIs400(t *testing.T) {
	f := newAPIFixture(t, 0)

	resp, _ := f.get(t, "/api/schedule/service-ids?date=march-10")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestScheduleVersionEndpoint(t *testing.T) {
	f := newAPIFixture(t, 0)

	resp, model := f.get(t, "/api/schedule/version?date=20250310")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data, ok := model.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1), data["version"])
	assert.Equal(t, "20250101", data["importedAt"])
}

func TestServiceDayEndpointWindow(t *testing.T) {
	f := newAPIFixture(t, 0)

	resp, model := f.get(t, "/api/schedule/service-day?date=20250310")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data, ok := model.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "20250310", data["serviceDate"])
	assert.Equal(t, false, data["isCurrent"])

	// 03:00 local on the date through 05:00 local the next day.
	start := int64(data["windowStart"].(float64))
	end := int64(data["windowEnd"].(float64))
	assert.Equal(t, int64(26*3600), end-start)
}

func TestOtpEndpointReport(t *testing.T) {
	f := newAPIFixture(t, 0)

	f.observe(t, "20250310", "bus-1", "T1", 8*3600, 3)
	f.observe(t, "20250310", "bus-1", "T2", 10*3600, 12)

	resp, model := f.get(t, "/api/otp?date=20250310")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data, ok := model.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "20250310", data["date"])
	assert.Equal(t, "delay", data["metric"])

	overall, ok := data["overall"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(2), overall["scheduledTrips"])
	assert.Equal(t, float64(1), overall["onTimeTrips"])
}

func TestOtpEndpointValidation(t *testing.T) {
	f := newAPIFixture(t, 0)

	for _, path := range []string{
		"/api/otp?date=20250310&metric=teleport",
		"/api/otp?date=20250310&threshold=-1",
		"/api/otp?date=20250310&includeCanceled=perhaps",
		"/api/otp?date=20250310&frequency=sometimes",
		"/api/otp?date=20250311&endDate=20250310",
	} {
		resp, _ := f.get(t, path)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}
}

func TestTraceEndpointByBlock(t *testing.T) {
	f := newAPIFixture(t, 0)

	resp, model := f.get(t, "/api/blocks/trace?blockId=BLK1&date=20250310")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data, ok := model.Data.(map[string]interface{})
	require.True(t, ok)
	blocks, ok := data["blocks"].(map[string]interface{})
	require.True(t, ok)
	trips, ok := blocks["BLK1"].([]interface{})
	require.True(t, ok)
	assert.Len(t, trips, 2)
}

func TestTraceEndpointGhostBusIs404(t *testing.T) {
	f := newAPIFixture(t, 0)

	resp, _ := f.get(t, "/api/blocks/trace?busId=nope&date=20250310")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTraceEndpointRequiresExactlyOneID(t *testing.T) {
	f := newAPIFixture(t, 0)

	resp, _ := f.get(t, "/api/blocks/trace?date=20250310")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.get(t, "/api/blocks/trace?blockId=BLK1&busId=bus-1&date=20250310")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancellationStreakEndpoint(t *testing.T) {
	f := newAPIFixture(t, 0)

	ctx := context.Background()
	for _, tripID := range []string{"T1", "T2"} {
		require.NoError(t, f.client.Queries.UpsertCancellation(ctx, busdb.UpsertCancellationParams{
			ServiceDate:          "20250310",
			TripID:               tripID,
			ScheduleRelationship: 3,
		}))
	}

	resp, model := f.get(t, "/api/blocks/cancellation-streak?blockId=BLK1&date=20250310")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data, ok := model.Data.(map[string]interface{})
	require.True(t, ok)
	streak, ok := data["streak"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1), streak["daysCanceled"])
	assert.Equal(t, false, streak["allDays"])
}

func TestCacheStatsEndpoint(t *testing.T) {
	f := newAPIFixture(t, 0)

	f.observe(t, "20250310", "bus-1", "T1", 8*3600, 3)

	// Computing a past day populates the cache.
	resp, _ := f.get(t, "/api/otp?date=20250310")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, model := f.get(t, "/api/cache/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data, ok := model.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1), data["totalEntries"])
	assert.Equal(t, "20250310", data["oldestDate"])
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t, 0)

	resp, err := http.Get(f.server.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
}

func TestRequestIDHeaderIsEchoedOrGenerated(t *testing.T) {
	f := newAPIFixture(t, 0)

	req, err := http.NewRequest("GET", f.server.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "abc-123")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, "abc-123", resp.Header.Get("X-Request-ID"))

	resp2, err := http.Get(f.server.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.NotEmpty(t, resp2.Header.Get("X-Request-ID"))
}

func TestRequestIDRejectsUnsafeValues(t *testing.T) {
	f := newAPIFixture(t, 0)

	for _, unsafe := range []string{"id with spaces", "bad\theader", strings.Repeat("x", 129)} {
		req, err := http.NewRequest("GET", f.server.URL+"/health", nil)
		require.NoError(t, err)
		req.Header.Set("X-Request-ID", unsafe)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()

		got := resp.Header.Get("X-Request-ID")
		assert.NotEmpty(t, got)
		assert.NotEqual(t, unsafe, got)
	}
}

func TestRateLimitExceededIs429(t *testing.T) {
	f := newAPIFixture(t, 2)

	var lastStatus int
	for i := 0; i < 5; i++ {
		resp, err := http.Get(f.server.URL + "/api/schedule/service-day?date=20250310&key=abuser")
		require.NoError(t, err)
		lastStatus = resp.StatusCode
		_ = resp.Body.Close()
	}
	assert.Equal(t, http.StatusTooManyRequests, lastStatus)

	// Health stays reachable regardless of API rate limiting.
	resp, err := http.Get(f.server.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	f := newAPIFixture(t, 2)

	resp, err := http.Get(f.server.URL + "/api/schedule/service-day?date=20250310&key=once")
	require.NoError(t, err)
	_ = resp.Body.Close()

	rl := f.api.rateLimiter
	rl.mu.RLock()
	assert.Len(t, rl.limiters, 1)
	rl.mu.RUnlock()

	f.clock.Advance(11 * time.Minute)
	rl.cleanupOnce()

	rl.mu.RLock()
	assert.Empty(t, rl.limiters)
	rl.mu.RUnlock()
}
