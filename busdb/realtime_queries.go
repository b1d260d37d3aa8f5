package busdb

// Hand-maintained queries over the realtime tables: vehicle observations,
// trip starts, and cancellations. Observation reads always order by
// observed_at; insertion order carries no meaning.

import (
	"context"
	"database/sql"
)

type CreateVehicleObservationParams struct {
	ObservedAt   int64
	ServiceDate  string
	BusID        string
	TripID       sql.NullString
	DelayMinutes sql.NullFloat64
	Lat          float64
	Lon          float64
	Speed        sql.NullFloat64
	RecordedWide int64
	NextStopID   sql.NullString
}

const createVehicleObservation = `
INSERT INTO vehicle_observations (
    observed_at, service_date, bus_id, trip_id, delay_minutes, lat, lon,
    speed, recorded_wide, next_stop_id
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

func (q *Queries) CreateVehicleObservation(ctx context.Context, arg CreateVehicleObservationParams) error {
	_, err := q.db.ExecContext(ctx, createVehicleObservation,
		arg.ObservedAt,
		arg.ServiceDate,
		arg.BusID,
		arg.TripID,
		arg.DelayMinutes,
		arg.Lat,
		arg.Lon,
		arg.Speed,
		arg.RecordedWide,
		arg.NextStopID,
	)
	return err
}

type CreateTripStartParams struct {
	ServiceDate    string
	TripID         string
	BusID          string
	BlockID        sql.NullString
	RouteID        sql.NullString
	Direction      sql.NullInt64
	ObservedStart  int64
	ScheduledStart int64
}

const createTripStart = `
INSERT INTO trip_starts (
    service_date, trip_id, bus_id, block_id, route_id, direction,
    observed_start, scheduled_start
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`

func (q *Queries) CreateTripStart(ctx context.Context, arg CreateTripStartParams) error {
	_, err := q.db.ExecContext(ctx, createTripStart,
		arg.ServiceDate,
		arg.TripID,
		arg.BusID,
		arg.BlockID,
		arg.RouteID,
		arg.Direction,
		arg.ObservedStart,
		arg.ScheduledStart,
	)
	return err
}

const getTripStart = `
SELECT service_date, trip_id, bus_id, block_id, route_id, direction,
       observed_start, scheduled_start
FROM trip_starts
WHERE service_date = ? AND trip_id = ?
`

func (q *Queries) GetTripStart(ctx context.Context, serviceDate, tripID string) (TripStart, error) {
	var i TripStart
	err := q.db.QueryRowContext(ctx, getTripStart, serviceDate, tripID).Scan(
		&i.ServiceDate,
		&i.TripID,
		&i.BusID,
		&i.BlockID,
		&i.RouteID,
		&i.Direction,
		&i.ObservedStart,
		&i.ScheduledStart,
	)
	return i, err
}

const listTripStartsForBlockOnDate = `
SELECT service_date, trip_id, bus_id, block_id, route_id, direction,
       observed_start, scheduled_start
FROM trip_starts
WHERE service_date = ? AND block_id = ?
ORDER BY scheduled_start
`

func (q *Queries) ListTripStartsForBlockOnDate(ctx context.Context, serviceDate, blockID string) ([]TripStart, error) {
	return q.listTripStarts(ctx, listTripStartsForBlockOnDate, serviceDate, blockID)
}

const listTripStartsForBusOnDate = `
SELECT service_date, trip_id, bus_id, block_id, route_id, direction,
       observed_start, scheduled_start
FROM trip_starts
WHERE service_date = ? AND bus_id = ?
ORDER BY scheduled_start
`

func (q *Queries) ListTripStartsForBusOnDate(ctx context.Context, serviceDate, busID string) ([]TripStart, error) {
	return q.listTripStarts(ctx, listTripStartsForBusOnDate, serviceDate, busID)
}

func (q *Queries) listTripStarts(ctx context.Context, query string, args ...interface{}) ([]TripStart, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // closing is also checked explicitly below
	var items []TripStart
	for rows.Next() {
		var i TripStart
		if err := rows.Scan(
			&i.ServiceDate,
			&i.TripID,
			&i.BusID,
			&i.BlockID,
			&i.RouteID,
			&i.Direction,
			&i.ObservedStart,
			&i.ScheduledStart,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

type UpsertCancellationParams struct {
	ServiceDate          string
	TripID               string
	ScheduleRelationship int64
}

const upsertCancellation = `
INSERT INTO cancellations (service_date, trip_id, schedule_relationship)
VALUES (?, ?, ?)
ON CONFLICT (service_date, trip_id) DO UPDATE SET
    schedule_relationship = excluded.schedule_relationship
`

func (q *Queries) UpsertCancellation(ctx context.Context, arg UpsertCancellationParams) error {
	_, err := q.db.ExecContext(ctx, upsertCancellation,
		arg.ServiceDate,
		arg.TripID,
		arg.ScheduleRelationship,
	)
	return err
}

const getCancellation = `
SELECT service_date, trip_id, schedule_relationship
FROM cancellations
WHERE service_date = ? AND trip_id = ?
`

func (q *Queries) GetCancellation(ctx context.Context, serviceDate, tripID string) (Cancellation, error) {
	var i Cancellation
	err := q.db.QueryRowContext(ctx, getCancellation, serviceDate, tripID).Scan(
		&i.ServiceDate,
		&i.TripID,
		&i.ScheduleRelationship,
	)
	return i, err
}

const listCancellationsForDate = `
SELECT service_date, trip_id, schedule_relationship
FROM cancellations
WHERE service_date = ?
`

func (q *Queries) ListCancellationsForDate(ctx context.Context, serviceDate string) ([]Cancellation, error) {
	rows, err := q.db.QueryContext(ctx, listCancellationsForDate, serviceDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // closing is also checked explicitly below
	var items []Cancellation
	for rows.Next() {
		var i Cancellation
		if err := rows.Scan(&i.ServiceDate, &i.TripID, &i.ScheduleRelationship); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// ObservationStatsRow is the per-trip aggregate the performance engine reads:
// average delay over every sighting, plus the earliest sighting's wall-clock
// and extended-range times.
type ObservationStatsRow struct {
	TripID    string
	AvgDelay  sql.NullFloat64
	FirstSeen int64
	LastSeen  int64
	FirstWide int64
}

// first_wide needs its own subquery: SQLite's bare-column shortcut only pins
// a row when the query has a single min()/max() aggregate, and this one has
// both.
const listObservationStatsForDate = `
SELECT v.trip_id,
       AVG(v.delay_minutes) AS avg_delay,
       MIN(v.observed_at) AS first_seen,
       MAX(v.observed_at) AS last_seen,
       (SELECT v2.recorded_wide
        FROM vehicle_observations v2
        WHERE v2.service_date = v.service_date AND v2.trip_id = v.trip_id
        ORDER BY v2.observed_at
        LIMIT 1) AS first_wide
FROM vehicle_observations v
WHERE v.service_date = ? AND v.trip_id IS NOT NULL
GROUP BY v.trip_id
`

func (q *Queries) ListObservationStatsForDate(ctx context.Context, serviceDate string) ([]ObservationStatsRow, error) {
	rows, err := q.db.QueryContext(ctx, listObservationStatsForDate, serviceDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // closing is also checked explicitly below
	var items []ObservationStatsRow
	for rows.Next() {
		var i ObservationStatsRow
		if err := rows.Scan(&i.TripID, &i.AvgDelay, &i.FirstSeen, &i.LastSeen, &i.FirstWide); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

type ListObservationsForTripParams struct {
	TripID    string
	StartUnix int64
	EndUnix   int64
}

const listObservationsForTrip = `
SELECT id, observed_at, service_date, bus_id, trip_id, delay_minutes, lat,
       lon, speed, recorded_wide, next_stop_id
FROM vehicle_observations
WHERE trip_id = ? AND observed_at >= ? AND observed_at < ?
ORDER BY observed_at
`

func (q *Queries) ListObservationsForTrip(ctx context.Context, arg ListObservationsForTripParams) ([]VehicleObservation, error) {
	rows, err := q.db.QueryContext(ctx, listObservationsForTrip, arg.TripID, arg.StartUnix, arg.EndUnix)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // closing is also checked explicitly below
	var items []VehicleObservation
	for rows.Next() {
		var i VehicleObservation
		if err := rows.Scan(
			&i.ID,
			&i.ObservedAt,
			&i.ServiceDate,
			&i.BusID,
			&i.TripID,
			&i.DelayMinutes,
			&i.Lat,
			&i.Lon,
			&i.Speed,
			&i.RecordedWide,
			&i.NextStopID,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

type EarliestObservedTripForBusParams struct {
	BusID     string
	StartUnix int64
	EndUnix   int64
}

const earliestObservedTripForBus = `
SELECT trip_id
FROM vehicle_observations
WHERE bus_id = ? AND trip_id IS NOT NULL AND observed_at >= ? AND observed_at < ?
ORDER BY observed_at
LIMIT 1
`

func (q *Queries) EarliestObservedTripForBus(ctx context.Context, arg EarliestObservedTripForBusParams) (string, error) {
	var tripID string
	err := q.db.QueryRowContext(ctx, earliestObservedTripForBus, arg.BusID, arg.StartUnix, arg.EndUnix).Scan(&tripID)
	return tripID, err
}

type ListBusesForTripParams struct {
	TripID    string
	StartUnix int64
	EndUnix   int64
}

const listBusesForTrip = `
SELECT DISTINCT bus_id
FROM vehicle_observations
WHERE trip_id = ? AND observed_at >= ? AND observed_at < ?
ORDER BY bus_id
`

func (q *Queries) ListBusesForTrip(ctx context.Context, arg ListBusesForTripParams) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, listBusesForTrip, arg.TripID, arg.StartUnix, arg.EndUnix)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // closing is also checked explicitly below
	var items []string
	for rows.Next() {
		var busID string
		if err := rows.Scan(&busID); err != nil {
			return nil, err
		}
		items = append(items, busID)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const listDistinctObservationDates = `
SELECT DISTINCT service_date
FROM vehicle_observations
ORDER BY service_date
`

func (q *Queries) ListDistinctObservationDates(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, listDistinctObservationDates)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // closing is also checked explicitly below
	var items []string
	for rows.Next() {
		var date string
		if err := rows.Scan(&date); err != nil {
			return nil, err
		}
		items = append(items, date)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
