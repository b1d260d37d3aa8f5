package ingest

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/OneBusAway/go-gtfs"
	gtfsrt "github.com/OneBusAway/go-gtfs/proto"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eric-warren/bus-tracker/busdb"
	"github.com/eric-warren/bus-tracker/internal/appconf"
	"github.com/eric-warren/bus-tracker/internal/clock"
	"github.com/eric-warren/bus-tracker/internal/metrics"
	"github.com/eric-warren/bus-tracker/internal/schedule"
)

type pollerFixture struct {
	client *busdb.Client
	clock  *clock.MockClock
	poller *Poller
	loc    *time.Location
}

// newPollerFixture pins the clock to a Monday at 12:05 local time with one
// imported schedule version: trip 5001000 on route 10 starts at 12:00 and
// arrives at stop S1 (sequence 5) at 12:05.
func newPollerFixture(t *testing.T) *pollerFixture {
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
		ServiceID:   "WKDY",
		Monday:      1, Tuesday: 1, Wednesday: 1, Thursday: 1, Friday: 1,
		StartDate: "20250101",
		EndDate:   "20251231",
	}))

	require.NoError(t, client.Queries.CreateBlock(ctx, busdb.CreateBlockParams{
		GtfsVersion: version,
		TripID:      "5001000",
		RouteID:     "10",
		ServiceID:   "WKDY",
		BlockID:     sql.NullString{String: "B10", Valid: true},
		Direction:   sql.NullInt64{Int64: 0, Valid: true},
		StartTime:   12 * 3600,
		EndTime:     13 * 3600,
	}))
	require.NoError(t, client.Queries.CreateStopTime(ctx, busdb.CreateStopTimeParams{
		GtfsVersion:   version,
		TripID:        "5001000",
		StopID:        "S1",
		StopSequence:  5,
		ArrivalTime:   12*3600 + 300,
		DepartureTime: 12*3600 + 300,
	}))
	require.NoError(t, client.Queries.CreateStop(ctx, busdb.CreateStopParams{
		ID: "S1", Lat: 44.65, Lon: -63.57,
	}))

	now := time.Date(2025, 3, 10, 12, 5, 0, 0, loc)
	mock := clock.NewMockClock(now)
	resolver := schedule.NewResolver(client.Queries, loc, mock)
	poller := NewPoller(DefaultConfig(), client.Queries, resolver, nil, metrics.NewMetrics(), mock)

	return &pollerFixture{client: client, clock: mock, poller: poller, loc: loc}
}

func f32(v float32) *float32 { return &v }

func (f *pollerFixture) vehicle(busID, tripID string, routeID string) gtfs.Vehicle {
	now := f.clock.Now()
	v := gtfs.Vehicle{
		ID:        &gtfs.VehicleID{ID: busID},
		Position:  &gtfs.Position{Latitude: f32(44.65), Longitude: f32(-63.57)},
		Timestamp: &now,
	}
	if tripID != "" {
		v.Trip = &gtfs.Trip{ID: gtfs.TripID{ID: tripID, RouteID: routeID, StartTime: 12 * time.Hour}}
	}
	return v
}

func (f *pollerFixture) observations(t *testing.T, tripID string) []busdb.VehicleObservation {
	t.Helper()
	obs, err := f.client.Queries.ListObservationsForTrip(context.Background(), busdb.ListObservationsForTripParams{
		TripID:    tripID,
		StartUnix: 0,
		EndUnix:   time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC).Unix(),
	})
	require.NoError(t, err)
	return obs
}

func TestProcessSnapshotRecordsObservationWithDelay(t *testing.T) {
	f := newPollerFixture(t)
	ctx := context.Background()

	// Feed predicts arrival at 12:10, five minutes after the scheduled 12:05.
	predicted := time.Date(2025, 3, 10, 12, 10, 0, 0, f.loc)
	seq := uint32(5)
	stopID := "S1"
	update := gtfs.Trip{
		ID: gtfs.TripID{ID: "5001000", RouteID: "10", StartTime: 12 * time.Hour},
		StopTimeUpdates: []gtfs.StopTimeUpdate{{
			StopSequence: &seq,
			StopID:       &stopID,
			Arrival:      &gtfs.StopTimeEvent{Time: &predicted},
		}},
	}

	err := f.poller.processSnapshot(ctx, []gtfs.Vehicle{f.vehicle("1201", "5001000", "10")}, []gtfs.Trip{update})
	require.NoError(t, err)

	obs := f.observations(t, "5001000")
	require.Len(t, obs, 1)
	assert.Equal(t, "1201", obs[0].BusID)
	assert.Equal(t, "20250310", obs[0].ServiceDate)
	require.True(t, obs[0].DelayMinutes.Valid)
	assert.InDelta(t, 5.0, obs[0].DelayMinutes.Float64, 0.001)
	require.True(t, obs[0].NextStopID.Valid)
	assert.Equal(t, "S1", obs[0].NextStopID.String)
	assert.Equal(t, int64(12*3600+300), obs[0].RecordedWide)
}

func TestProcessSnapshotDelayNullWithoutPrediction(t *testing.T) {
	f := newPollerFixture(t)

	err := f.poller.processSnapshot(context.Background(), []gtfs.Vehicle{f.vehicle("1201", "5001000", "10")}, nil)
	require.NoError(t, err)

	obs := f.observations(t, "5001000")
	require.Len(t, obs, 1)
	assert.False(t, obs[0].DelayMinutes.Valid)
}

func TestProcessSnapshotResolvesPlaceholderTrip(t *testing.T) {
	f := newPollerFixture(t)

	// Id 42 is synthetic; route 10 starting 12:00 is trip 5001000.
	err := f.poller.processSnapshot(context.Background(), []gtfs.Vehicle{f.vehicle("1201", "42", "10")}, nil)
	require.NoError(t, err)

	obs := f.observations(t, "5001000")
	require.Len(t, obs, 1)
	assert.Equal(t, "5001000", obs[0].TripID.String)
}

func TestProcessSnapshotUnresolvedPlaceholderKeepsReportedID(t *testing.T) {
	f := newPollerFixture(t)

	err := f.poller.processSnapshot(context.Background(), []gtfs.Vehicle{f.vehicle("1201", "42", "99")}, nil)
	require.NoError(t, err)

	obs := f.observations(t, "42")
	require.Len(t, obs, 1)
	assert.Equal(t, "42", obs[0].TripID.String)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.poller.metrics.UnresolvedTrips))
}

func TestProcessSnapshotObservationWithoutTrip(t *testing.T) {
	f := newPollerFixture(t)

	err := f.poller.processSnapshot(context.Background(), []gtfs.Vehicle{f.vehicle("1201", "", "")}, nil)
	require.NoError(t, err)

	stats, err := f.client.Queries.ListObservationStatsForDate(context.Background(), "20250310")
	require.NoError(t, err)
	assert.Empty(t, stats, "tripless observations are excluded from per-trip stats")
}

func TestTripStartRecordedOncePastGrace(t *testing.T) {
	f := newPollerFixture(t)
	ctx := context.Background()

	// 12:05 is past the 12:00 start plus the two-minute grace.
	require.NoError(t, f.poller.processSnapshot(ctx, []gtfs.Vehicle{f.vehicle("1201", "5001000", "10")}, nil))

	start, err := f.client.Queries.GetTripStart(ctx, "20250310", "5001000")
	require.NoError(t, err)
	assert.Equal(t, "1201", start.BusID)
	assert.Equal(t, int64(12*3600), start.ScheduledStart)
	firstObserved := start.ObservedStart

	f.clock.Advance(time.Minute)
	require.NoError(t, f.poller.processSnapshot(ctx, []gtfs.Vehicle{f.vehicle("1201", "5001000", "10")}, nil))

	start, err = f.client.Queries.GetTripStart(ctx, "20250310", "5001000")
	require.NoError(t, err)
	assert.Equal(t, firstObserved, start.ObservedStart, "later sightings must not move the start")
}

func TestTripStartNotRecordedBeforeGrace(t *testing.T) {
	f := newPollerFixture(t)
	ctx := context.Background()

	f.clock.Set(time.Date(2025, 3, 10, 12, 1, 0, 0, f.loc))
	require.NoError(t, f.poller.processSnapshot(ctx, []gtfs.Vehicle{f.vehicle("1201", "5001000", "10")}, nil))

	_, err := f.client.Queries.GetTripStart(ctx, "20250310", "5001000")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestTripStartSkippedForNonRevenueRoute(t *testing.T) {
	f := newPollerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.client.Queries.CreateBlock(ctx, busdb.CreateBlockParams{
		GtfsVersion: 1,
		TripID:      "7001000",
		RouteID:     "1000",
		ServiceID:   "WKDY",
		StartTime:   12 * 3600,
		EndTime:     13 * 3600,
	}))

	v := f.vehicle("1201", "7001000", "1000")
	require.NoError(t, f.poller.processSnapshot(ctx, []gtfs.Vehicle{v}, nil))

	// The observation is kept; only the trip start is suppressed.
	require.Len(t, f.observations(t, "7001000"), 1)
	_, err := f.client.Queries.GetTripStart(ctx, "20250310", "7001000")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestProcessSnapshotRecordsCancellation(t *testing.T) {
	f := newPollerFixture(t)
	ctx := context.Background()

	canceled := gtfs.Trip{
		ID: gtfs.TripID{
			ID:                   "5001000",
			RouteID:              "10",
			ScheduleRelationship: gtfsrt.TripDescriptor_CANCELED,
		},
	}
	require.NoError(t, f.poller.processSnapshot(ctx, nil, []gtfs.Trip{canceled}))

	got, err := f.client.Queries.GetCancellation(ctx, "20250310", "5001000")
	require.NoError(t, err)
	assert.Equal(t, int64(gtfsrt.TripDescriptor_CANCELED), got.ScheduleRelationship)
}

func TestOvernightObservationBelongsToPriorServiceDay(t *testing.T) {
	f := newPollerFixture(t)
	ctx := context.Background()

	// 1:30 AM Tuesday is still Monday's service day; the recorded time lands
	// in extended range past 24 hours.
	f.clock.Set(time.Date(2025, 3, 11, 1, 30, 0, 0, f.loc))
	require.NoError(t, f.poller.processSnapshot(ctx, []gtfs.Vehicle{f.vehicle("1201", "", "")}, nil))

	dates, err := f.client.Queries.ListDistinctObservationDates(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"20250310"}, dates)
}

func TestPollAbortsWholeCycleOnFeedError(t *testing.T) {
	f := newPollerFixture(t)

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	f.poller.cfg.VehiclePositionsURL = bad.URL
	f.poller.cfg.TripUpdatesURL = bad.URL

	err := f.poller.Poll(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUpstreamFeed))

	dates, err := f.client.Queries.ListDistinctObservationDates(context.Background())
	require.NoError(t, err)
	assert.Empty(t, dates)
}

func TestIsPlaceholderTripID(t *testing.T) {
	f := newPollerFixture(t)

	assert.True(t, f.poller.isPlaceholderTripID("0"))
	assert.True(t, f.poller.isPlaceholderTripID("999"))
	assert.False(t, f.poller.isPlaceholderTripID("1000"))
	assert.False(t, f.poller.isPlaceholderTripID("5001000"))
	assert.False(t, f.poller.isPlaceholderTripID("TRIP-A"))
}

func TestIsRevenueRoute(t *testing.T) {
	f := newPollerFixture(t)

	assert.True(t, f.poller.isRevenueRoute("10"))
	assert.True(t, f.poller.isRevenueRoute("999"))
	assert.False(t, f.poller.isRevenueRoute("1000"))
	assert.True(t, f.poller.isRevenueRoute("GREEN"))
}
