package ingest

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strconv"

	"github.com/OneBusAway/go-gtfs"

	"github.com/eric-warren/bus-tracker/busdb"
	"github.com/eric-warren/bus-tracker/internal/logging"
	"github.com/eric-warren/bus-tracker/internal/svctime"
)

// TripResolution is the outcome of mapping a feed-reported trip id onto the
// schedule. TripID is what gets persisted: the schedule's id when Resolved,
// otherwise the feed's id verbatim. Block is set when the schedule row was
// loaded along the way.
type TripResolution struct {
	TripID   string
	Resolved bool
	Block    *busdb.Block
}

// resolveTrip maps the reported trip id onto the schedule. Real schedule ids
// pass through unchanged. Placeholder ids, which the feed substitutes for
// trips it cannot name, are matched by route and scheduled start time among
// the services valid on the day, preferring newer schedule versions. A
// placeholder that matches nothing stays in the record as reported, flagged
// unresolved.
func (p *Poller) resolveTrip(ctx context.Context, day serviceDay, trip *gtfs.Trip) TripResolution {
	reported := trip.ID.ID
	if reported == "" {
		return TripResolution{}
	}

	if !p.isPlaceholderTripID(reported) {
		res := TripResolution{TripID: reported, Resolved: true}
		if block, err := p.queries.GetBlockLatestVersion(ctx, reported); err == nil {
			res.Block = &block
		}
		return res
	}

	if trip.ID.RouteID == "" || len(day.serviceIDs) == 0 {
		return TripResolution{TripID: reported}
	}

	start := svctime.FromDuration(trip.ID.StartTime)
	block, err := p.queries.FindBlockByRouteAndStart(ctx, busdb.FindBlockByRouteAndStartParams{
		RouteID:    trip.ID.RouteID,
		StartTime:  start.Seconds(),
		ServiceIDs: day.serviceIDs,
	})
	if errors.Is(err, sql.ErrNoRows) {
		return TripResolution{TripID: reported}
	}
	if err != nil {
		logging.LogError(p.logger, "failed to match placeholder trip", err,
			slog.String("reported_trip_id", reported),
			slog.String("route_id", trip.ID.RouteID))
		return TripResolution{TripID: reported}
	}

	return TripResolution{TripID: block.TripID, Resolved: true, Block: &block}
}

// isPlaceholderTripID reports whether the feed id falls in the synthetic
// range. Non-numeric ids are never placeholders.
func (p *Poller) isPlaceholderTripID(id string) bool {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return false
	}
	return n >= 0 && n <= p.cfg.PlaceholderTripIDMax
}

// isRevenueRoute reports whether the route carries passengers. Non-numeric
// route ids are treated as revenue; only the high numeric range is internal.
func (p *Poller) isRevenueRoute(routeID string) bool {
	n, err := strconv.ParseInt(routeID, 10, 64)
	if err != nil {
		return true
	}
	return n <= p.cfg.RevenueRouteIDMax
}
