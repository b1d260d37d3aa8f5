// Package schedule resolves calendar dates against the versioned static
// schedule: which schedule version applies, which services run, and where the
// service day begins and ends.
package schedule

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/eric-warren/bus-tracker/busdb"
	"github.com/eric-warren/bus-tracker/internal/clock"
)

// ErrNoScheduleAvailable is returned when no schedule version covers the
// requested date.
var ErrNoScheduleAvailable = errors.New("no schedule available for date")

const (
	// Service days conventionally start at 3 AM so overnight trips are not
	// split across two days.
	serviceDayStartHour = 3
	// The window extends to 5 AM the next day; the two extra hours past the
	// nominal end absorb buses still finishing a run late.
	serviceDayEndHour = 5

	// DateLayout is the yyyymmdd service-date form used across storage.
	DateLayout = "20060102"
)

// Resolver answers schedule-version and service-day questions for calendar
// dates. It reads the immutable calendar tables; no locking is needed.
type Resolver struct {
	queries  *busdb.Queries
	location *time.Location
	clock    clock.Clock
}

func NewResolver(queries *busdb.Queries, location *time.Location, clk clock.Clock) *Resolver {
	return &Resolver{
		queries:  queries,
		location: location,
		clock:    clk,
	}
}

// Location returns the agency's local timezone.
func (r *Resolver) Location() *time.Location {
	return r.location
}

// ResolveVersion returns the latest schedule version whose import date is on
// or before the given date.
func (r *Resolver) ResolveVersion(ctx context.Context, date time.Time) (busdb.GtfsVersion, error) {
	v, err := r.queries.LatestVersionForDate(ctx, date.In(r.location).Format(DateLayout))
	if errors.Is(err, sql.ErrNoRows) {
		return busdb.GtfsVersion{}, fmt.Errorf("%w: %s", ErrNoScheduleAvailable, date.Format("2006-01-02"))
	}
	if err != nil {
		return busdb.GtfsVersion{}, fmt.Errorf("resolving schedule version: %w", err)
	}
	return v, nil
}

// ResolveServiceIDs returns the set of service ids active on the date within
// the given version: calendar rows whose weekday flag is set and whose
// validity range covers the date, then calendar exceptions applied on top
// (type 1 adds the service even if the weekday rule says otherwise, any
// other type removes it).
func (r *Resolver) ResolveServiceIDs(ctx context.Context, version int64, date time.Time) (map[string]bool, error) {
	local := date.In(r.location)
	dateStr := local.Format(DateLayout)

	calendars, err := r.queries.ListCalendarsForVersion(ctx, version)
	if err != nil {
		return nil, fmt.Errorf("listing calendars: %w", err)
	}

	serviceIDs := make(map[string]bool)
	for _, cal := range calendars {
		if dateStr < cal.StartDate || dateStr > cal.EndDate {
			continue
		}
		if weekdayFlag(cal, local.Weekday()) == 1 {
			serviceIDs[cal.ServiceID] = true
		}
	}

	exceptions, err := r.queries.ListCalendarExceptionsForDate(ctx, version, dateStr)
	if err != nil {
		return nil, fmt.Errorf("listing calendar exceptions: %w", err)
	}
	for _, exc := range exceptions {
		if exc.ExceptionType == 1 {
			serviceIDs[exc.ServiceID] = true
		} else {
			delete(serviceIDs, exc.ServiceID)
		}
	}

	return serviceIDs, nil
}

// ServiceIDList returns the resolved set as a slice for query parameters.
func ServiceIDList(set map[string]bool) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// ServiceDayBoundaries returns the window during which observations belong to
// the given service date: 03:00 local on the date through 05:00 local the
// next calendar day.
func (r *Resolver) ServiceDayBoundaries(date time.Time) (time.Time, time.Time) {
	local := date.In(r.location)
	y, m, d := local.Date()
	start := time.Date(y, m, d, serviceDayStartHour, 0, 0, 0, r.location)
	end := time.Date(y, m, d, serviceDayEndHour, 0, 0, 0, r.location).AddDate(0, 0, 1)
	return start, end
}

// ServiceDate maps an instant to its service date: the calendar date, shifted
// back one day when the local hour is before 03:00.
func (r *Resolver) ServiceDate(instant time.Time) time.Time {
	local := instant.In(r.location)
	if local.Hour() < serviceDayStartHour {
		local = local.AddDate(0, 0, -1)
	}
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, r.location)
}

// CurrentServiceDate returns the service date of the clock's current time.
func (r *Resolver) CurrentServiceDate() time.Time {
	return r.ServiceDate(r.clock.Now())
}

// IsCurrentServiceDay reports whether the date is today's still-accumulating
// service day.
func (r *Resolver) IsCurrentServiceDay(date time.Time) bool {
	return date.In(r.location).Format(DateLayout) == r.CurrentServiceDate().Format(DateLayout)
}

func weekdayFlag(cal busdb.Calendar, day time.Weekday) int64 {
	switch day {
	case time.Monday:
		return cal.Monday
	case time.Tuesday:
		return cal.Tuesday
	case time.Wednesday:
		return cal.Wednesday
	case time.Thursday:
		return cal.Thursday
	case time.Friday:
		return cal.Friday
	case time.Saturday:
		return cal.Saturday
	default:
		return cal.Sunday
	}
}
