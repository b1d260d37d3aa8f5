// Package trace reconstructs the chain of scheduled work a bus or block
// touches on a service day by expanding the bus/block relation breadth-first
// over stored observations and trip starts.
package trace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/eric-warren/bus-tracker/busdb"
	"github.com/eric-warren/bus-tracker/internal/clock"
	"github.com/eric-warren/bus-tracker/internal/logging"
	"github.com/eric-warren/bus-tracker/internal/schedule"
	"github.com/eric-warren/bus-tracker/internal/svctime"
)

// ErrNoActiveBlock means the seed bus had no observed trip that maps onto a
// block for the requested service day.
var ErrNoActiveBlock = errors.New("no active block for bus on date")

const (
	// observationGrace excludes sightings from before a trip plausibly began,
	// so a bus finishing the previous trip of its block is not counted.
	observationGrace = 2 * time.Minute

	// staleAfter is how old the last sighting may be before the trip is
	// considered over on the current service day.
	staleAfter = 30 * time.Minute
)

// TripDetail is one trip's reconciled schedule-versus-observation view.
type TripDetail struct {
	TripID    string `json:"tripId"`
	RouteID   string `json:"routeId"`
	Direction *int64 `json:"direction,omitempty"`
	Headsign  string `json:"headsign,omitempty"`

	ScheduledStart string `json:"scheduledStart"`
	ScheduledEnd   string `json:"scheduledEnd"`

	BusID         string   `json:"busId,omitempty"`
	ObservedStart *int64   `json:"observedStart,omitempty"`
	ObservedEnd   *int64   `json:"observedEnd,omitempty"`
	DelayMinutes  *float64 `json:"delayMinutes,omitempty"`
	NextStopID    string   `json:"nextStopId,omitempty"`

	CancellationCode *int64 `json:"cancellationCode,omitempty"`
	Over             bool   `json:"over"`
}

// Tracer walks the bus/block graph for a service day.
type Tracer struct {
	queries  *busdb.Queries
	resolver *schedule.Resolver
	clock    clock.Clock
	logger   *slog.Logger
}

func NewTracer(queries *busdb.Queries, resolver *schedule.Resolver, clk clock.Clock) *Tracer {
	return &Tracer{
		queries:  queries,
		resolver: resolver,
		clock:    clk,
		logger:   slog.Default().With(slog.String("component", "block_tracer")),
	}
}

// dayContext bundles the schedule scope and time window of one service day.
type dayContext struct {
	date        time.Time
	dateStr     string
	version     int64
	serviceIDs  []string
	windowStart time.Time
	windowEnd   time.Time
	isToday     bool
}

func (t *Tracer) dayContext(ctx context.Context, date time.Time) (dayContext, error) {
	version, err := t.resolver.ResolveVersion(ctx, date)
	if err != nil {
		return dayContext{}, err
	}
	set, err := t.resolver.ResolveServiceIDs(ctx, version.Version, date)
	if err != nil {
		return dayContext{}, err
	}
	start, end := t.resolver.ServiceDayBoundaries(date)
	return dayContext{
		date:        date,
		dateStr:     date.Format(schedule.DateLayout),
		version:     version.Version,
		serviceIDs:  schedule.ServiceIDList(set),
		windowStart: start,
		windowEnd:   end,
		isToday:     t.resolver.IsCurrentServiceDay(date),
	}, nil
}

// TraceBus expands the graph starting from the block the bus was first seen
// running inside the service-day window.
func (t *Tracer) TraceBus(ctx context.Context, busID string, date time.Time) (map[string][]TripDetail, error) {
	day, err := t.dayContext(ctx, date)
	if err != nil {
		return nil, err
	}

	tripID, err := t.queries.EarliestObservedTripForBus(ctx, busdb.EarliestObservedTripForBusParams{
		BusID:     busID,
		StartUnix: day.windowStart.Unix(),
		EndUnix:   day.windowEnd.Unix(),
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bus %s: %w", busID, ErrNoActiveBlock)
	}
	if err != nil {
		return nil, err
	}

	block, err := t.queries.GetBlockLatestVersion(ctx, tripID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !block.BlockID.Valid) {
		return nil, fmt.Errorf("bus %s trip %s: %w", busID, tripID, ErrNoActiveBlock)
	}
	if err != nil {
		return nil, err
	}

	return t.expand(ctx, day, block.BlockID.String)
}

// TraceBlock expands the graph starting from a known block id.
func (t *Tracer) TraceBlock(ctx context.Context, blockID string, date time.Time) (map[string][]TripDetail, error) {
	day, err := t.dayContext(ctx, date)
	if err != nil {
		return nil, err
	}
	return t.expand(ctx, day, blockID)
}

// expand is the worklist BFS. The frontier holds block ids; the visited set
// holds bus ids, so each bus is expanded at most once and cyclic bus/block
// relationships terminate.
func (t *Tracer) expand(ctx context.Context, day dayContext, seedBlockID string) (map[string][]TripDetail, error) {
	result := make(map[string][]TripDetail)
	visitedBuses := make(map[string]bool)
	frontier := []string{seedBlockID}

	for len(frontier) > 0 {
		blockID := frontier[0]
		frontier = frontier[1:]
		if _, done := result[blockID]; done {
			continue
		}

		details, buses, err := t.blockDetail(ctx, day, blockID)
		if err != nil {
			return nil, fmt.Errorf("expanding block %s: %w", blockID, err)
		}
		result[blockID] = details

		for _, busID := range buses {
			if visitedBuses[busID] {
				continue
			}
			visitedBuses[busID] = true

			starts, err := t.queries.ListTripStartsForBusOnDate(ctx, day.dateStr, busID)
			if err != nil {
				return nil, fmt.Errorf("loading blocks for bus %s: %w", busID, err)
			}
			for _, start := range starts {
				if !start.BlockID.Valid {
					continue
				}
				if _, done := result[start.BlockID.String]; !done {
					frontier = append(frontier, start.BlockID.String)
				}
			}
		}
	}

	return result, nil
}

// blockDetail builds the trip-detail list for one block and collects every
// bus observed running any of its trips.
func (t *Tracer) blockDetail(ctx context.Context, day dayContext, blockID string) ([]TripDetail, []string, error) {
	trips, err := t.queries.ListTripsForBlock(ctx, busdb.ListTripsForBlockParams{
		GtfsVersion: day.version,
		BlockID:     blockID,
		ServiceIDs:  day.serviceIDs,
	})
	if err != nil {
		return nil, nil, err
	}

	details := make([]TripDetail, 0, len(trips))
	busSet := make(map[string]bool)
	var buses []string

	for _, block := range trips {
		detail, tripBuses, err := t.tripDetail(ctx, day, block)
		if err != nil {
			logging.LogError(t.logger, "failed to reconcile trip, reporting schedule only", err,
				slog.String("trip_id", block.TripID))
		}
		details = append(details, detail)
		for _, busID := range tripBuses {
			if !busSet[busID] {
				busSet[busID] = true
				buses = append(buses, busID)
			}
		}
	}

	return details, buses, nil
}

func (t *Tracer) tripDetail(ctx context.Context, day dayContext, block busdb.Block) (TripDetail, []string, error) {
	detail := TripDetail{
		TripID:         block.TripID,
		RouteID:        block.RouteID,
		Headsign:       block.Headsign.String,
		ScheduledStart: svctime.Wide(block.StartTime).String(),
		ScheduledEnd:   svctime.Wide(block.EndTime).String(),
	}
	if block.Direction.Valid {
		dir := block.Direction.Int64
		detail.Direction = &dir
	}

	if cancel, err := t.queries.GetCancellation(ctx, day.dateStr, block.TripID); err == nil {
		code := cancel.ScheduleRelationship
		detail.CancellationCode = &code
	}

	if start, err := t.queries.GetTripStart(ctx, day.dateStr, block.TripID); err == nil {
		detail.BusID = start.BusID
		observed := start.ObservedStart
		detail.ObservedStart = &observed
	}

	buses, err := t.queries.ListBusesForTrip(ctx, busdb.ListBusesForTripParams{
		TripID:    block.TripID,
		StartUnix: day.windowStart.Unix(),
		EndUnix:   day.windowEnd.Unix(),
	})
	if err != nil {
		return detail, nil, err
	}

	obs, err := t.queries.ListObservationsForTrip(ctx, busdb.ListObservationsForTripParams{
		TripID:    block.TripID,
		StartUnix: day.windowStart.Unix(),
		EndUnix:   day.windowEnd.Unix(),
	})
	if err != nil {
		return detail, buses, err
	}

	// Keep only sightings from past the grace window; earlier rows are the
	// bus still working the previous trip of the block.
	gate := svctime.Wide(block.StartTime).Add(observationGrace)
	matched := obs[:0]
	for _, o := range obs {
		if svctime.Wide(o.RecordedWide) >= gate {
			matched = append(matched, o)
		}
	}
	if len(matched) == 0 {
		detail.Over = t.isTripOver(day, nil)
		return detail, buses, nil
	}

	first := matched[0]
	last := matched[len(matched)-1]

	if detail.ObservedStart == nil {
		observed := first.ObservedAt
		detail.ObservedStart = &observed
	}
	if last.DelayMinutes.Valid {
		delay := last.DelayMinutes.Float64
		detail.DelayMinutes = &delay
	}
	if last.NextStopID.Valid {
		detail.NextStopID = last.NextStopID.String
	}

	detail.Over = t.isTripOver(day, &last)
	if detail.Over {
		end := t.deriveEnd(ctx, day, block, last)
		detail.ObservedEnd = &end
	}

	return detail, buses, nil
}

// isTripOver applies three independent signals: the feed no longer predicts a
// next stop, the last sighting is stale, or the query date is not the current
// service day. Layovers longer than the staleness bound therefore read as
// over; that matches the upstream heuristic.
func (t *Tracer) isTripOver(day dayContext, last *busdb.VehicleObservation) bool {
	if !day.isToday {
		return true
	}
	if last == nil || !last.NextStopID.Valid {
		return true
	}
	return t.clock.Now().Sub(time.Unix(last.ObservedAt, 0)) > staleAfter
}

// deriveEnd estimates when the trip actually finished. A bus last seen still
// heading for the final stop gets the final scheduled leg's duration added to
// its last sighting; otherwise the last sighting stands.
func (t *Tracer) deriveEnd(ctx context.Context, day dayContext, block busdb.Block, last busdb.VehicleObservation) int64 {
	end := last.ObservedAt

	stops, err := t.queries.ListLastStopTimes(ctx, day.version, block.TripID, 2)
	if err != nil || len(stops) < 2 {
		return end
	}
	finalStop, penultimate := stops[0], stops[1]
	if last.NextStopID.Valid && last.NextStopID.String == finalStop.StopID {
		end += finalStop.ArrivalTime - penultimate.ArrivalTime
	}
	return end
}
