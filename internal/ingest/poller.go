// Package ingest polls GTFS-RT vehicle-position and trip-update feeds and
// persists observations, trip starts, and cancellations keyed by service date.
package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/OneBusAway/go-gtfs"
	gtfsrt "github.com/OneBusAway/go-gtfs/proto"

	"github.com/eric-warren/bus-tracker/busdb"
	"github.com/eric-warren/bus-tracker/internal/clock"
	"github.com/eric-warren/bus-tracker/internal/geo"
	"github.com/eric-warren/bus-tracker/internal/logging"
	"github.com/eric-warren/bus-tracker/internal/metrics"
	"github.com/eric-warren/bus-tracker/internal/schedule"
	"github.com/eric-warren/bus-tracker/internal/svctime"
)

type Config struct {
	VehiclePositionsURL string
	TripUpdatesURL      string
	AuthHeaderKey       string
	AuthHeaderValue     string
	PollInterval        time.Duration

	// PlaceholderTripIDMax is the upper bound of the synthetic trip-id range.
	// The feed vendor substitutes small numeric ids when a vehicle's trip is
	// not in the published schedule; real schedule ids sit well above this.
	PlaceholderTripIDMax int64

	// RevenueRouteIDMax is the upper bound of the revenue route-id range.
	// Numeric route ids above it belong to garage pulls and other internal
	// movements, which never produce trip starts.
	RevenueRouteIDMax int64

	// TripStartGrace is how far past the scheduled start a bus must be
	// observed before the trip counts as started. It filters out buses
	// still assigned to the previous trip of the block.
	TripStartGrace time.Duration

	// NearestStopRadiusMeters bounds the fallback search for a next stop
	// when the feed omits one.
	NearestStopRadiusMeters float64
}

func DefaultConfig() Config {
	return Config{
		PollInterval:            30 * time.Second,
		PlaceholderTripIDMax:    999,
		RevenueRouteIDMax:       999,
		TripStartGrace:          2 * time.Minute,
		NearestStopRadiusMeters: 400,
	}
}

// Poller runs the realtime ingestion cycle. All persistence goes through the
// queries it is constructed with; time comes from the injected clock so tests
// can pin the service day.
type Poller struct {
	cfg      Config
	queries  *busdb.Queries
	resolver *schedule.Resolver
	stops    *geo.StopIndex
	metrics  *metrics.Metrics
	clock    clock.Clock
	logger   *slog.Logger

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

func NewPoller(cfg Config, queries *busdb.Queries, resolver *schedule.Resolver, stops *geo.StopIndex, m *metrics.Metrics, clk clock.Clock) *Poller {
	return &Poller{
		cfg:          cfg,
		queries:      queries,
		resolver:     resolver,
		stops:        stops,
		metrics:      m,
		clock:        clk,
		logger:       slog.Default().With(slog.String("component", "realtime_poller")),
		shutdownChan: make(chan struct{}),
	}
}

// serviceDay carries everything the per-vehicle work needs about "now": the
// service date the observations belong to and the services running on it.
type serviceDay struct {
	now        time.Time
	date       time.Time
	dateStr    string
	serviceIDs []string
}

// Poll runs one ingestion cycle: fetch both feeds, then persist the snapshot.
// A failure fetching or decoding either feed aborts the cycle with
// ErrUpstreamFeed; nothing from a partial snapshot is written.
func (p *Poller) Poll(ctx context.Context) error {
	started := p.clock.Now()

	headers := map[string]string{}
	if p.cfg.AuthHeaderKey != "" && p.cfg.AuthHeaderValue != "" {
		headers[p.cfg.AuthHeaderKey] = p.cfg.AuthHeaderValue
	}

	var wg sync.WaitGroup
	var vehicleData, tripData *gtfs.Realtime
	var vehicleErr, tripErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		vehicleData, vehicleErr = fetchFeed(ctx, p.cfg.VehiclePositionsURL, headers)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		tripData, tripErr = fetchFeed(ctx, p.cfg.TripUpdatesURL, headers)
	}()

	wg.Wait()

	if vehicleErr != nil {
		p.metrics.PollsTotal.WithLabelValues("feed_error").Inc()
		return fmt.Errorf("%w: vehicle positions: %v", ErrUpstreamFeed, vehicleErr)
	}
	if tripErr != nil {
		p.metrics.PollsTotal.WithLabelValues("feed_error").Inc()
		return fmt.Errorf("%w: trip updates: %v", ErrUpstreamFeed, tripErr)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err := p.processSnapshot(ctx, vehicleData.Vehicles, tripData.Trips); err != nil {
		p.metrics.PollsTotal.WithLabelValues("error").Inc()
		return err
	}

	p.metrics.PollsTotal.WithLabelValues("success").Inc()
	p.metrics.PollDuration.Observe(p.clock.Now().Sub(started).Seconds())
	return nil
}

// processSnapshot persists one decoded pair of feeds. Per-entity failures are
// logged and skipped so a single bad vehicle cannot poison the cycle.
func (p *Poller) processSnapshot(ctx context.Context, vehicles []gtfs.Vehicle, trips []gtfs.Trip) error {
	now := p.clock.Now()
	date := p.resolver.ServiceDate(now)
	day := serviceDay{
		now:     now,
		date:    date,
		dateStr: date.Format(schedule.DateLayout),
	}

	version, err := p.resolver.ResolveVersion(ctx, date)
	switch {
	case errors.Is(err, schedule.ErrNoScheduleAvailable):
		// Observations are still worth keeping; matching just won't work.
		logging.LogOperation(p.logger, "no_schedule_for_service_date",
			slog.String("service_date", day.dateStr))
	case err != nil:
		return fmt.Errorf("resolving schedule version: %w", err)
	default:
		set, err := p.resolver.ResolveServiceIDs(ctx, version.Version, date)
		if err != nil {
			return fmt.Errorf("resolving service ids: %w", err)
		}
		day.serviceIDs = schedule.ServiceIDList(set)
	}

	updates := make(map[string]*gtfs.Trip, len(trips))
	for i := range trips {
		if id := trips[i].ID.ID; id != "" {
			updates[id] = &trips[i]
		}
	}

	p.recordCancellations(ctx, day, trips)

	var wg sync.WaitGroup
	for i := range vehicles {
		v := &vehicles[i]
		if v.ID == nil || v.ID.ID == "" || v.Position == nil ||
			v.Position.Latitude == nil || v.Position.Longitude == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.processVehicle(ctx, day, v, updates); err != nil {
				logging.LogError(p.logger, "failed to persist vehicle observation", err,
					slog.String("bus_id", v.ID.ID))
			}
		}()
	}
	wg.Wait()

	return nil
}

// recordCancellations upserts a row for every trip the update feed marks
// canceled. Re-reporting the same cancellation is a no-op.
func (p *Poller) recordCancellations(ctx context.Context, day serviceDay, trips []gtfs.Trip) {
	for i := range trips {
		t := &trips[i]
		if t.ID.ScheduleRelationship != gtfsrt.TripDescriptor_CANCELED {
			continue
		}
		res := p.resolveTrip(ctx, day, &gtfs.Trip{ID: t.ID})
		if res.TripID == "" {
			continue
		}
		err := p.queries.UpsertCancellation(ctx, busdb.UpsertCancellationParams{
			ServiceDate:          day.dateStr,
			TripID:               res.TripID,
			ScheduleRelationship: int64(t.ID.ScheduleRelationship),
		})
		if err != nil {
			logging.LogError(p.logger, "failed to record cancellation", err,
				slog.String("trip_id", res.TripID))
			continue
		}
		p.metrics.CancellationsSeen.Inc()
	}
}

func (p *Poller) processVehicle(ctx context.Context, day serviceDay, v *gtfs.Vehicle, updates map[string]*gtfs.Trip) error {
	observedAt := day.now
	if v.Timestamp != nil {
		observedAt = *v.Timestamp
	}
	recordedWide := svctime.FromInstant(observedAt, day.date, p.resolver.Location())

	params := busdb.CreateVehicleObservationParams{
		ObservedAt:   observedAt.Unix(),
		ServiceDate:  day.dateStr,
		BusID:        v.ID.ID,
		Lat:          float64(*v.Position.Latitude),
		Lon:          float64(*v.Position.Longitude),
		RecordedWide: recordedWide.Seconds(),
	}
	if v.Position.Speed != nil {
		params.Speed = sql.NullFloat64{Float64: float64(*v.Position.Speed), Valid: true}
	}

	var res TripResolution
	if v.Trip != nil {
		res = p.resolveTrip(ctx, day, v.Trip)
		if res.TripID != "" {
			params.TripID = sql.NullString{String: res.TripID, Valid: true}
		}
		if !res.Resolved {
			p.metrics.UnresolvedTrips.Inc()
		}
	}

	nextStopID, delay := p.correlatePrediction(ctx, day, v, res, updates)
	if nextStopID == "" && p.stops != nil {
		if near, ok := p.stops.Nearest(params.Lat, params.Lon, p.cfg.NearestStopRadiusMeters); ok {
			nextStopID = near.StopID
		}
	}
	if nextStopID != "" {
		params.NextStopID = sql.NullString{String: nextStopID, Valid: true}
	}
	if delay.Valid {
		params.DelayMinutes = delay
	}

	if err := p.queries.CreateVehicleObservation(ctx, params); err != nil {
		return err
	}
	p.metrics.ObservationsWritten.Inc()

	if res.Resolved {
		p.maybeRecordTripStart(ctx, day, v.ID.ID, observedAt, res)
	}
	return nil
}

// correlatePrediction joins the vehicle against its trip update, keyed by the
// trip id as originally reported so placeholder resolution cannot break the
// join. It returns the predicted next stop and the delay in extended-range
// minutes; delay is null whenever either side of the comparison is missing.
func (p *Poller) correlatePrediction(ctx context.Context, day serviceDay, v *gtfs.Vehicle, res TripResolution, updates map[string]*gtfs.Trip) (string, sql.NullFloat64) {
	var nextStopID string
	if v.StopID != nil {
		nextStopID = *v.StopID
	}

	if v.Trip == nil {
		return nextStopID, sql.NullFloat64{}
	}
	update, ok := updates[v.Trip.ID.ID]
	if !ok || len(update.StopTimeUpdates) == 0 {
		return nextStopID, sql.NullFloat64{}
	}

	stu := update.StopTimeUpdates[0]
	if stu.StopID != nil {
		nextStopID = *stu.StopID
	}

	predicted := stu.Arrival
	if predicted == nil {
		predicted = stu.Departure
	}
	if predicted == nil || predicted.Time == nil || res.TripID == "" || stu.StopID == nil || stu.StopSequence == nil {
		return nextStopID, sql.NullFloat64{}
	}

	scheduled, err := p.queries.GetScheduledArrival(ctx, busdb.GetScheduledArrivalParams{
		TripID:       res.TripID,
		StopID:       *stu.StopID,
		StopSequence: int64(*stu.StopSequence),
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nextStopID, sql.NullFloat64{}
	}
	if err != nil {
		logging.LogError(p.logger, "failed to load scheduled arrival", err,
			slog.String("trip_id", res.TripID), slog.String("stop_id", *stu.StopID))
		return nextStopID, sql.NullFloat64{}
	}

	predictedWide := svctime.FromInstant(*predicted.Time, day.date, p.resolver.Location())
	delay := predictedWide.MinutesApart(svctime.Wide(scheduled))
	return nextStopID, sql.NullFloat64{Float64: delay, Valid: true}
}

// maybeRecordTripStart creates the once-per-day trip start record. Only
// revenue trips qualify, and only once the bus is seen past the grace window,
// so a bus finishing the previous trip of its block is not counted early.
func (p *Poller) maybeRecordTripStart(ctx context.Context, day serviceDay, busID string, observedAt time.Time, res TripResolution) {
	block := res.Block
	if block == nil {
		found, err := p.queries.GetBlockLatestVersion(ctx, res.TripID)
		if errors.Is(err, sql.ErrNoRows) {
			logging.LogOperation(p.logger, "trip_start_skipped_unknown_trip",
				slog.String("trip_id", res.TripID))
			return
		}
		if err != nil {
			logging.LogError(p.logger, "failed to load scheduled trip", err,
				slog.String("trip_id", res.TripID))
			return
		}
		block = &found
	}

	if !p.isRevenueRoute(block.RouteID) {
		return
	}

	observedWide := svctime.FromInstant(observedAt, day.date, p.resolver.Location())
	startGate := svctime.Wide(block.StartTime).Add(p.cfg.TripStartGrace)
	if observedWide < startGate {
		return
	}

	if _, err := p.queries.GetTripStart(ctx, day.dateStr, res.TripID); err == nil {
		return
	} else if !errors.Is(err, sql.ErrNoRows) {
		logging.LogError(p.logger, "failed to check trip start", err,
			slog.String("trip_id", res.TripID))
		return
	}

	err := p.queries.CreateTripStart(ctx, busdb.CreateTripStartParams{
		ServiceDate:    day.dateStr,
		TripID:         res.TripID,
		BusID:          busID,
		BlockID:        block.BlockID,
		RouteID:        sql.NullString{String: block.RouteID, Valid: true},
		Direction:      block.Direction,
		ObservedStart:  observedAt.Unix(),
		ScheduledStart: block.StartTime,
	})
	if err != nil {
		// A concurrent goroutine may have won the insert; the primary key
		// keeps the record unique either way.
		logging.LogError(p.logger, "failed to record trip start", err,
			slog.String("trip_id", res.TripID))
		return
	}
	p.metrics.TripStartsRecorded.Inc()
}

// RunPeriodically polls on the configured interval until Shutdown is called.
// Meant to run as a goroutine; the caller's WaitGroup is released on exit.
func (p *Poller) RunPeriodically(parentWG *sync.WaitGroup) {
	defer parentWG.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			if err := p.Poll(ctx); err != nil {
				logging.LogError(p.logger, "realtime poll failed", err)
			}
			cancel()
		case <-p.shutdownChan:
			logging.LogOperation(p.logger, "shutting_down_realtime_poller")
			return
		}
	}
}

// Shutdown stops the periodic runner. Safe to call more than once.
func (p *Poller) Shutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdownChan)
	})
}
