package busdb

// Hand-maintained queries over the versioned static-schedule tables.
//
// Schedule rows are immutable once a version is imported; every read below is
// either pinned to an explicit version or walks versions newest-first.

import (
	"context"
	"database/sql"
	"strings"
)

const createGtfsVersion = `
INSERT INTO gtfs_versions (imported_at) VALUES (?)
`

func (q *Queries) CreateGtfsVersion(ctx context.Context, importedAt string) (int64, error) {
	result, err := q.db.ExecContext(ctx, createGtfsVersion, importedAt)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

const latestVersionForDate = `
SELECT version, imported_at
FROM gtfs_versions
WHERE imported_at <= ?
ORDER BY version DESC
LIMIT 1
`

// LatestVersionForDate returns the newest schedule version whose import date
// is on or before the given service date (yyyymmdd).
func (q *Queries) LatestVersionForDate(ctx context.Context, date string) (GtfsVersion, error) {
	var v GtfsVersion
	err := q.db.QueryRowContext(ctx, latestVersionForDate, date).Scan(&v.Version, &v.ImportedAt)
	return v, err
}

type CreateBlockParams struct {
	GtfsVersion int64
	TripID      string
	RouteID     string
	ServiceID   string
	Headsign    sql.NullString
	Direction   sql.NullInt64
	BlockID     sql.NullString
	ShapeID     sql.NullString
	StartTime   int64
	EndTime     int64
}

const createBlock = `
INSERT INTO blocks (
    gtfs_version, trip_id, route_id, service_id, headsign, direction,
    block_id, shape_id, start_time, end_time
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

func (q *Queries) CreateBlock(ctx context.Context, arg CreateBlockParams) error {
	_, err := q.db.ExecContext(ctx, createBlock,
		arg.GtfsVersion,
		arg.TripID,
		arg.RouteID,
		arg.ServiceID,
		arg.Headsign,
		arg.Direction,
		arg.BlockID,
		arg.ShapeID,
		arg.StartTime,
		arg.EndTime,
	)
	return err
}

type CreateCalendarParams struct {
	GtfsVersion int64
	ServiceID   string
	Monday      int64
	Tuesday     int64
	Wednesday   int64
	Thursday    int64
	Friday      int64
	Saturday    int64
	Sunday      int64
	StartDate   string
	EndDate     string
}

const createCalendar = `
INSERT INTO calendar (
    gtfs_version, service_id, monday, tuesday, wednesday, thursday, friday,
    saturday, sunday, start_date, end_date
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

func (q *Queries) CreateCalendar(ctx context.Context, arg CreateCalendarParams) error {
	_, err := q.db.ExecContext(ctx, createCalendar,
		arg.GtfsVersion,
		arg.ServiceID,
		arg.Monday,
		arg.Tuesday,
		arg.Wednesday,
		arg.Thursday,
		arg.Friday,
		arg.Saturday,
		arg.Sunday,
		arg.StartDate,
		arg.EndDate,
	)
	return err
}

type CreateCalendarDateParams struct {
	GtfsVersion   int64
	ServiceID     string
	Date          string
	ExceptionType int64
}

const createCalendarDate = `
INSERT INTO calendar_dates (gtfs_version, service_id, date, exception_type)
VALUES (?, ?, ?, ?)
`

func (q *Queries) CreateCalendarDate(ctx context.Context, arg CreateCalendarDateParams) error {
	_, err := q.db.ExecContext(ctx, createCalendarDate,
		arg.GtfsVersion,
		arg.ServiceID,
		arg.Date,
		arg.ExceptionType,
	)
	return err
}

type CreateStopTimeParams struct {
	GtfsVersion   int64
	TripID        string
	StopID        string
	StopSequence  int64
	ArrivalTime   int64
	DepartureTime int64
	DistTraveled  sql.NullFloat64
	Timepoint     sql.NullInt64
}

const createStopTime = `
INSERT INTO stop_times (
    gtfs_version, trip_id, stop_id, stop_sequence, arrival_time,
    departure_time, dist_traveled, timepoint
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`

// CreateStopTime inserts a single stop time. Imports use the bulk path
// instead; this exists for incremental fixes and fixtures.
func (q *Queries) CreateStopTime(ctx context.Context, arg CreateStopTimeParams) error {
	_, err := q.db.ExecContext(ctx, createStopTime,
		arg.GtfsVersion,
		arg.TripID,
		arg.StopID,
		arg.StopSequence,
		arg.ArrivalTime,
		arg.DepartureTime,
		arg.DistTraveled,
		arg.Timepoint,
	)
	return err
}

type CreateStopParams struct {
	ID   string
	Name sql.NullString
	Lat  float64
	Lon  float64
}

const createStop = `
INSERT INTO stops (id, name, lat, lon) VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET name = excluded.name, lat = excluded.lat, lon = excluded.lon
`

func (q *Queries) CreateStop(ctx context.Context, arg CreateStopParams) error {
	_, err := q.db.ExecContext(ctx, createStop, arg.ID, arg.Name, arg.Lat, arg.Lon)
	return err
}

const listAllStops = `
SELECT id, name, lat, lon FROM stops ORDER BY id
`

func (q *Queries) ListAllStops(ctx context.Context) ([]Stop, error) {
	rows, err := q.db.QueryContext(ctx, listAllStops)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // closing is also checked explicitly below
	var items []Stop
	for rows.Next() {
		var i Stop
		if err := rows.Scan(&i.ID, &i.Name, &i.Lat, &i.Lon); err != nil {
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

const listCalendarsForVersion = `
SELECT gtfs_version, service_id, monday, tuesday, wednesday, thursday, friday,
       saturday, sunday, start_date, end_date
FROM calendar
WHERE gtfs_version = ?
`

func (q *Queries) ListCalendarsForVersion(ctx context.Context, version int64) ([]Calendar, error) {
	rows, err := q.db.QueryContext(ctx, listCalendarsForVersion, version)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // closing is also checked explicitly below
	var items []Calendar
	for rows.Next() {
		var i Calendar
		if err := rows.Scan(
			&i.GtfsVersion,
			&i.ServiceID,
			&i.Monday,
			&i.Tuesday,
			&i.Wednesday,
			&i.Thursday,
			&i.Friday,
			&i.Saturday,
			&i.Sunday,
			&i.StartDate,
			&i.EndDate,
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

const listCalendarExceptionsForDate = `
SELECT gtfs_version, service_id, date, exception_type
FROM calendar_dates
WHERE gtfs_version = ? AND date = ?
`

func (q *Queries) ListCalendarExceptionsForDate(ctx context.Context, version int64, date string) ([]CalendarDate, error) {
	rows, err := q.db.QueryContext(ctx, listCalendarExceptionsForDate, version, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // closing is also checked explicitly below
	var items []CalendarDate
	for rows.Next() {
		var i CalendarDate
		if err := rows.Scan(&i.GtfsVersion, &i.ServiceID, &i.Date, &i.ExceptionType); err != nil {
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

const blockColumns = `
gtfs_version, trip_id, route_id, service_id, headsign, direction, block_id,
shape_id, start_time, end_time
`

func scanBlock(rows *sql.Rows) (Block, error) {
	var i Block
	err := rows.Scan(
		&i.GtfsVersion,
		&i.TripID,
		&i.RouteID,
		&i.ServiceID,
		&i.Headsign,
		&i.Direction,
		&i.BlockID,
		&i.ShapeID,
		&i.StartTime,
		&i.EndTime,
	)
	return i, err
}

const getBlock = `
SELECT ` + blockColumns + `
FROM blocks
WHERE gtfs_version = ? AND trip_id = ?
`

func (q *Queries) GetBlock(ctx context.Context, version int64, tripID string) (Block, error) {
	var i Block
	err := q.db.QueryRowContext(ctx, getBlock, version, tripID).Scan(
		&i.GtfsVersion,
		&i.TripID,
		&i.RouteID,
		&i.ServiceID,
		&i.Headsign,
		&i.Direction,
		&i.BlockID,
		&i.ShapeID,
		&i.StartTime,
		&i.EndTime,
	)
	return i, err
}

const getBlockLatestVersion = `
SELECT ` + blockColumns + `
FROM blocks
WHERE trip_id = ?
ORDER BY gtfs_version DESC
LIMIT 1
`

// GetBlockLatestVersion returns the newest stored scheduled trip for the id,
// regardless of which version is active for any particular date.
func (q *Queries) GetBlockLatestVersion(ctx context.Context, tripID string) (Block, error) {
	var i Block
	err := q.db.QueryRowContext(ctx, getBlockLatestVersion, tripID).Scan(
		&i.GtfsVersion,
		&i.TripID,
		&i.RouteID,
		&i.ServiceID,
		&i.Headsign,
		&i.Direction,
		&i.BlockID,
		&i.ShapeID,
		&i.StartTime,
		&i.EndTime,
	)
	return i, err
}

type FindBlockByRouteAndStartParams struct {
	RouteID    string
	StartTime  int64
	ServiceIDs []string
}

// FindBlockByRouteAndStart locates the scheduled trip matching a feed-reported
// route and start time among the services valid that day, preferring newer
// schedule versions. The IN clause is built by hand; placeholders only.
func (q *Queries) FindBlockByRouteAndStart(ctx context.Context, arg FindBlockByRouteAndStartParams) (Block, error) {
	if len(arg.ServiceIDs) == 0 {
		return Block{}, sql.ErrNoRows
	}

	var query strings.Builder
	query.WriteString(`SELECT ` + blockColumns + ` FROM blocks WHERE route_id = ? AND start_time = ? AND service_id IN (`)
	args := []interface{}{arg.RouteID, arg.StartTime}
	for idx, id := range arg.ServiceIDs {
		if idx > 0 {
			query.WriteString(", ")
		}
		query.WriteString("?")
		args = append(args, id)
	}
	query.WriteString(`) ORDER BY gtfs_version DESC LIMIT 1`)

	var i Block
	err := q.db.QueryRowContext(ctx, query.String(), args...).Scan(
		&i.GtfsVersion,
		&i.TripID,
		&i.RouteID,
		&i.ServiceID,
		&i.Headsign,
		&i.Direction,
		&i.BlockID,
		&i.ShapeID,
		&i.StartTime,
		&i.EndTime,
	)
	return i, err
}

type ListBlocksForServicesParams struct {
	GtfsVersion int64
	ServiceIDs  []string
}

// ListBlocksForServices returns every scheduled trip for the given services
// in one version, ordered by start time.
func (q *Queries) ListBlocksForServices(ctx context.Context, arg ListBlocksForServicesParams) ([]Block, error) {
	if len(arg.ServiceIDs) == 0 {
		return nil, nil
	}

	var query strings.Builder
	query.WriteString(`SELECT ` + blockColumns + ` FROM blocks WHERE gtfs_version = ? AND service_id IN (`)
	args := []interface{}{arg.GtfsVersion}
	for idx, id := range arg.ServiceIDs {
		if idx > 0 {
			query.WriteString(", ")
		}
		query.WriteString("?")
		args = append(args, id)
	}
	query.WriteString(`) ORDER BY start_time, trip_id`)

	rows, err := q.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // closing is also checked explicitly below
	var items []Block
	for rows.Next() {
		i, err := scanBlock(rows)
		if err != nil {
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

type ListTripsForBlockParams struct {
	GtfsVersion int64
	BlockID     string
	ServiceIDs  []string
}

// ListTripsForBlock returns the block's trips among the given services,
// ordered by scheduled start.
func (q *Queries) ListTripsForBlock(ctx context.Context, arg ListTripsForBlockParams) ([]Block, error) {
	if len(arg.ServiceIDs) == 0 {
		return nil, nil
	}

	var query strings.Builder
	query.WriteString(`SELECT ` + blockColumns + ` FROM blocks WHERE gtfs_version = ? AND block_id = ? AND service_id IN (`)
	args := []interface{}{arg.GtfsVersion, arg.BlockID}
	for idx, id := range arg.ServiceIDs {
		if idx > 0 {
			query.WriteString(", ")
		}
		query.WriteString("?")
		args = append(args, id)
	}
	query.WriteString(`) ORDER BY start_time, trip_id`)

	rows, err := q.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // closing is also checked explicitly below
	var items []Block
	for rows.Next() {
		i, err := scanBlock(rows)
		if err != nil {
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

type GetScheduledArrivalParams struct {
	TripID       string
	StopID       string
	StopSequence int64
}

const getScheduledArrival = `
SELECT arrival_time
FROM stop_times
WHERE trip_id = ? AND stop_id = ? AND stop_sequence = ?
ORDER BY gtfs_version DESC
LIMIT 1
`

// GetScheduledArrival returns the static arrival time (extended-range
// seconds) for a stop-time prediction correlation, newest version first.
func (q *Queries) GetScheduledArrival(ctx context.Context, arg GetScheduledArrivalParams) (int64, error) {
	var arrival int64
	err := q.db.QueryRowContext(ctx, getScheduledArrival, arg.TripID, arg.StopID, arg.StopSequence).Scan(&arrival)
	return arrival, err
}

const listLastStopTimes = `
SELECT gtfs_version, trip_id, stop_id, stop_sequence, arrival_time,
       departure_time, dist_traveled, timepoint
FROM stop_times
WHERE gtfs_version = ? AND trip_id = ?
ORDER BY stop_sequence DESC
LIMIT ?
`

// ListLastStopTimes returns the trailing stop times of a trip in descending
// sequence order. The tracer uses the last two to extrapolate end times.
func (q *Queries) ListLastStopTimes(ctx context.Context, version int64, tripID string, limit int64) ([]StopTime, error) {
	rows, err := q.db.QueryContext(ctx, listLastStopTimes, version, tripID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // closing is also checked explicitly below
	var items []StopTime
	for rows.Next() {
		var i StopTime
		if err := rows.Scan(
			&i.GtfsVersion,
			&i.TripID,
			&i.StopID,
			&i.StopSequence,
			&i.ArrivalTime,
			&i.DepartureTime,
			&i.DistTraveled,
			&i.Timepoint,
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

const getImportMetadata = `
SELECT id, file_hash, import_time, file_source FROM import_metadata WHERE id = 1
`

func (q *Queries) GetImportMetadata(ctx context.Context) (ImportMetadata, error) {
	var m ImportMetadata
	err := q.db.QueryRowContext(ctx, getImportMetadata).Scan(&m.ID, &m.FileHash, &m.ImportTime, &m.FileSource)
	return m, err
}

type UpsertImportMetadataParams struct {
	FileHash   string
	ImportTime int64
	FileSource string
}

const upsertImportMetadata = `
INSERT INTO import_metadata (id, file_hash, import_time, file_source)
VALUES (1, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    file_hash = excluded.file_hash,
    import_time = excluded.import_time,
    file_source = excluded.file_source
`

func (q *Queries) UpsertImportMetadata(ctx context.Context, arg UpsertImportMetadataParams) error {
	_, err := q.db.ExecContext(ctx, upsertImportMetadata, arg.FileHash, arg.ImportTime, arg.FileSource)
	return err
}
