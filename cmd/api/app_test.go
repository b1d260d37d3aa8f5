package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eric-warren/bus-tracker/busdb"
	"github.com/eric-warren/bus-tracker/internal/app"
	"github.com/eric-warren/bus-tracker/internal/appconf"
	"github.com/eric-warren/bus-tracker/internal/clock"
	"github.com/eric-warren/bus-tracker/internal/metrics"
	"github.com/eric-warren/bus-tracker/internal/otp"
	"github.com/eric-warren/bus-tracker/internal/schedule"
	"github.com/eric-warren/bus-tracker/internal/trace"
)

func TestBuildApplicationRequiresScheduleSource(t *testing.T) {
	cfg := appconf.Config{Env: appconf.Test}
	feeds := FeedConfig{DBPath: ":memory:", Timezone: "America/Halifax"}

	_, err := BuildApplication(context.Background(), cfg, feeds)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no static GTFS URL")
}

func TestBuildApplicationRejectsBadTimezone(t *testing.T) {
	cfg := appconf.Config{Env: appconf.Test}
	feeds := FeedConfig{DBPath: ":memory:", Timezone: "Mars/Olympus_Mons"}

	_, err := BuildApplication(context.Background(), cfg, feeds)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timezone")
}

func TestCreateServerServesHealth(t *testing.T) {
	client, err := busdb.NewClient(busdb.NewConfig(":memory:", appconf.Test, false))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	loc, err := time.LoadLocation("America/Halifax")
	require.NoError(t, err)

	appClock := clock.NewMockClock(time.Date(2025, 3, 12, 12, 0, 0, 0, loc))
	resolver := schedule.NewResolver(client.Queries, loc, appClock)
	m := metrics.NewMetrics()
	cache := otp.NewCache(client.Queries, resolver, appClock)

	application := &app.Application{
		Config:   appconf.Config{Env: appconf.Test, Port: 0},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:    appClock,
		DB:       client,
		Resolver: resolver,
		Metrics:  m,
		Cache:    cache,
		Engine:   otp.NewEngine(client.Queries, resolver, cache, otp.DefaultConfig(), m),
		Tracer:   trace.NewTracer(client.Queries, resolver, appClock),
	}

	srv, api := CreateServer(application, application.Config)
	t.Cleanup(api.Shutdown)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// The middleware chain stamps every response with a request id.
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
