// Package app wires the long-lived components of the tracker together so the
// HTTP layer and the entry point share one view of the running system.
package app

import (
	"log/slog"

	"github.com/eric-warren/bus-tracker/busdb"
	"github.com/eric-warren/bus-tracker/internal/appconf"
	"github.com/eric-warren/bus-tracker/internal/clock"
	"github.com/eric-warren/bus-tracker/internal/geo"
	"github.com/eric-warren/bus-tracker/internal/ingest"
	"github.com/eric-warren/bus-tracker/internal/metrics"
	"github.com/eric-warren/bus-tracker/internal/otp"
	"github.com/eric-warren/bus-tracker/internal/schedule"
	"github.com/eric-warren/bus-tracker/internal/trace"
)

// Application holds the fully-initialized component graph. Construction order
// lives in cmd/api; nothing here initializes lazily.
type Application struct {
	Config appconf.Config
	Logger *slog.Logger
	Clock  clock.Clock

	DB       *busdb.Client
	Resolver *schedule.Resolver
	Stops    *geo.StopIndex
	Metrics  *metrics.Metrics

	Cache  *otp.Cache
	Engine *otp.Engine
	Tracer *trace.Tracer
	Poller *ingest.Poller
}
