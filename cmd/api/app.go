package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/eric-warren/bus-tracker/busdb"
	"github.com/eric-warren/bus-tracker/internal/app"
	"github.com/eric-warren/bus-tracker/internal/appconf"
	"github.com/eric-warren/bus-tracker/internal/clock"
	"github.com/eric-warren/bus-tracker/internal/geo"
	"github.com/eric-warren/bus-tracker/internal/ingest"
	"github.com/eric-warren/bus-tracker/internal/logging"
	"github.com/eric-warren/bus-tracker/internal/metrics"
	"github.com/eric-warren/bus-tracker/internal/otp"
	"github.com/eric-warren/bus-tracker/internal/restapi"
	"github.com/eric-warren/bus-tracker/internal/schedule"
	"github.com/eric-warren/bus-tracker/internal/trace"
)

// FeedConfig carries the data-source settings that live outside
// appconf.Config: where the schedule and realtime feeds come from and where
// the database lives.
type FeedConfig struct {
	DBPath        string
	Timezone      string
	StaticGTFSURL string
	Ingest        ingest.Config
}

// BuildApplication initializes every component in dependency order: storage,
// schedule resolver, stop index, cache, engine, tracer, poller. Nothing
// initializes lazily; a failure here fails startup.
func BuildApplication(ctx context.Context, cfg appconf.Config, feeds FeedConfig) (*app.Application, error) {
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := logging.NewStructuredLogger(os.Stdout, level)

	client, err := busdb.NewClient(busdb.NewConfig(feeds.DBPath, cfg.Env, cfg.Verbose))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	loc, err := time.LoadLocation(feeds.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", feeds.Timezone, err)
	}

	appClock := clock.RealClock{}
	resolver := schedule.NewResolver(client.Queries, loc, appClock)

	// First boot against an empty database pulls the static schedule before
	// anything else needs it.
	if _, err := resolver.ResolveVersion(ctx, resolver.CurrentServiceDate()); err != nil {
		if !errors.Is(err, schedule.ErrNoScheduleAvailable) {
			return nil, err
		}
		if feeds.StaticGTFSURL == "" {
			return nil, fmt.Errorf("database holds no schedule and no static GTFS URL is configured")
		}
		logging.LogOperation(logger, "importing_initial_schedule", slog.String("url", feeds.StaticGTFSURL))
		today := resolver.CurrentServiceDate().Format(schedule.DateLayout)
		if err := client.DownloadAndStore(ctx, feeds.StaticGTFSURL,
			feeds.Ingest.AuthHeaderKey, feeds.Ingest.AuthHeaderValue, today); err != nil {
			return nil, fmt.Errorf("initial schedule import: %w", err)
		}
	}

	stops, err := geo.BuildStopIndex(ctx, client.Queries)
	if err != nil {
		return nil, fmt.Errorf("building stop index: %w", err)
	}

	m := metrics.NewMetrics()
	m.RegisterDBStats(client.DB, "busdb")

	cache := otp.NewCache(client.Queries, resolver, appClock)
	engine := otp.NewEngine(client.Queries, resolver, cache, otp.DefaultConfig(), m)
	tracer := trace.NewTracer(client.Queries, resolver, appClock)
	poller := ingest.NewPoller(feeds.Ingest, client.Queries, resolver, stops, m, appClock)

	return &app.Application{
		Config:   cfg,
		Logger:   logger,
		Clock:    appClock,
		DB:       client,
		Resolver: resolver,
		Stops:    stops,
		Metrics:  m,
		Cache:    cache,
		Engine:   engine,
		Tracer:   tracer,
		Poller:   poller,
	}, nil
}

// CreateServer assembles the mux and the middleware chain: request id
// outermost so logging and handlers can read it, then request logging, then
// metrics.
func CreateServer(application *app.Application, cfg appconf.Config) (*http.Server, *restapi.RestAPI) {
	api := restapi.NewRestAPI(application)

	mux := http.NewServeMux()
	api.SetRoutes(mux)

	handler := restapi.MetricsHandler(application.Metrics)(mux)
	handler = restapi.NewRequestLoggingMiddleware(application.Logger)(handler)
	handler = restapi.RequestIDMiddleware(handler)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		ErrorLog:     slog.NewLogLogger(application.Logger.Handler(), slog.LevelError),
	}

	return srv, api
}

// runDailyJobs refreshes the static schedule and pre-warms the aggregate
// cache once per day until the context is canceled. The first pre-warm runs
// immediately so a restarted instance serves historical queries from cache.
func runDailyJobs(ctx context.Context, application *app.Application, feeds FeedConfig, wg *sync.WaitGroup) {
	defer wg.Done()

	application.Engine.PrewarmCache(ctx)

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if feeds.StaticGTFSURL != "" {
				today := application.Resolver.CurrentServiceDate().Format(schedule.DateLayout)
				jobCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
				if err := application.DB.DownloadAndStore(jobCtx, feeds.StaticGTFSURL,
					feeds.Ingest.AuthHeaderKey, feeds.Ingest.AuthHeaderValue, today); err != nil {
					logging.LogError(application.Logger, "daily schedule refresh failed", err)
				}
				cancel()
			}
			application.Engine.PrewarmCache(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Run starts the server and blocks until a shutdown signal arrives, then
// stops the poller, the API's background goroutines and the HTTP server in
// that order.
func Run(ctx context.Context, srv *http.Server, application *app.Application, api *restapi.RestAPI) error {
	logger := application.Logger
	logger.Info("starting server", "addr", srv.Addr)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverErrors := make(chan error, 1)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server failed to start: %w", err)
	case <-ctx.Done():
		logger.Info("shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	if application.Poller != nil {
		application.Poller.Shutdown()
	}
	if api != nil {
		api.Shutdown()
	}

	logger.Info("server exited")
	return nil
}
