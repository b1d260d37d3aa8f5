package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"github.com/eric-warren/bus-tracker/internal/appconf"
	"github.com/eric-warren/bus-tracker/internal/ingest"
)

// envOr reads an environment variable with a fallback, so flags can default
// from a .env file loaded by godotenv.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func main() {
	_ = godotenv.Load()

	var (
		port      = flag.Int("port", envIntOr("PORT", 4000), "HTTP listen port")
		env       = flag.String("env", envOr("ENV", "development"), "environment (development|test|production)")
		rateLimit = flag.Int("rate-limit", envIntOr("RATE_LIMIT", 100), "requests per second per API key, 0 disables")
		verbose   = flag.Bool("verbose", os.Getenv("VERBOSE") == "true", "debug-level logging")

		dbPath   = flag.String("db-path", envOr("DB_PATH", "data/bustracker.db"), "SQLite database path")
		timezone = flag.String("timezone", envOr("AGENCY_TIMEZONE", "America/Halifax"), "agency timezone")

		staticURL    = flag.String("static-gtfs-url", envOr("STATIC_GTFS_URL", ""), "static GTFS zip URL")
		vehiclesURL  = flag.String("vehicle-positions-url", envOr("VEHICLE_POSITIONS_URL", ""), "GTFS-RT vehicle positions URL")
		tripsURL     = flag.String("trip-updates-url", envOr("TRIP_UPDATES_URL", ""), "GTFS-RT trip updates URL")
		authKey      = flag.String("feed-auth-header-name", envOr("FEED_AUTH_HEADER_NAME", ""), "auth header name for feed requests")
		authValue    = flag.String("feed-auth-header-value", envOr("FEED_AUTH_HEADER_VALUE", ""), "auth header value for feed requests")
		pollInterval = flag.Duration("poll-interval", 30*time.Second, "realtime poll interval")
	)
	flag.Parse()

	cfg := appconf.Config{
		Env:       appconf.EnvFromString(*env),
		Port:      *port,
		RateLimit: *rateLimit,
		Verbose:   *verbose,
	}

	ingestCfg := ingest.DefaultConfig()
	ingestCfg.VehiclePositionsURL = *vehiclesURL
	ingestCfg.TripUpdatesURL = *tripsURL
	ingestCfg.AuthHeaderKey = *authKey
	ingestCfg.AuthHeaderValue = *authValue
	ingestCfg.PollInterval = *pollInterval

	feeds := FeedConfig{
		DBPath:        *dbPath,
		Timezone:      *timezone,
		StaticGTFSURL: *staticURL,
		Ingest:        ingestCfg,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := BuildApplication(ctx, cfg, feeds)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = application.DB.Close() }()

	srv, api := CreateServer(application, cfg)

	var wg sync.WaitGroup
	if ingestCfg.VehiclePositionsURL != "" || ingestCfg.TripUpdatesURL != "" {
		wg.Add(1)
		go application.Poller.RunPeriodically(&wg)
	}
	wg.Add(1)
	go runDailyJobs(ctx, application, feeds, &wg)

	if err := Run(ctx, srv, application, api); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		cancel()
		wg.Wait()
		os.Exit(1)
	}

	cancel()
	wg.Wait()
}
