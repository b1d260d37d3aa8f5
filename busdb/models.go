package busdb

import "database/sql"

// GtfsVersion identifies one immutable import of the static schedule.
// ImportedAt is the service date (yyyymmdd) the version became active.
type GtfsVersion struct {
	Version    int64
	ImportedAt string
}

// Block is one scheduled trip within a schedule version. The name follows the
// agency's convention of calling the scheduled-trip table "blocks"; the
// block_id column groups trips chained onto the same physical vehicle.
type Block struct {
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

type Calendar struct {
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

type CalendarDate struct {
	GtfsVersion   int64
	ServiceID     string
	Date          string
	ExceptionType int64
}

type StopTime struct {
	GtfsVersion   int64
	TripID        string
	StopID        string
	StopSequence  int64
	ArrivalTime   int64
	DepartureTime int64
	DistTraveled  sql.NullFloat64
	Timepoint     sql.NullInt64
}

type Stop struct {
	ID   string
	Name sql.NullString
	Lat  float64
	Lon  float64
}

// VehicleObservation is one feed-poll sighting of one bus. Rows are append
// only; ordering for first/last queries comes from observed_at, not insertion
// order.
type VehicleObservation struct {
	ID           int64
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

// TripStart records the first confirmed sighting of a bus running a trip on a
// service date. At most one row exists per (service_date, trip_id).
type TripStart struct {
	ServiceDate    string
	TripID         string
	BusID          string
	BlockID        sql.NullString
	RouteID        sql.NullString
	Direction      sql.NullInt64
	ObservedStart  int64
	ScheduledStart int64
}

// Cancellation holds the feed-reported schedule relationship for a trip on a
// date. Absence of a row means "not reported", not "ran as scheduled".
type Cancellation struct {
	ServiceDate          string
	TripID               string
	ScheduleRelationship int64
}

type OtpCacheEntry struct {
	ServiceDate      string
	Metric           string
	ThresholdMinutes int64
	IncludeCanceled  int64
	FrequencyFilter  string
	RouteID          string
	Payload          []byte
	CachedAt         int64
}

type ImportMetadata struct {
	ID         int64
	FileHash   string
	ImportTime int64
	FileSource string
}
