// Package svctime implements extended-range time-of-day values.
//
// GTFS schedule times may exceed 24:00:00 (25:30:00 is 1:30 AM on the next
// calendar day but still part of the prior service day). Comparing such times
// on a wrapped 0-24h clock corrupts ordering across midnight, so all schedule
// arithmetic in this codebase happens on Wide values instead.
package svctime

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Wide is a time of day expressed as seconds since midnight of the service
// day. Values at or above 24*3600 denote times past midnight that still
// belong to the same service day.
type Wide int64

const secondsPerDay = 24 * 60 * 60

// Parse parses a GTFS-style HH:MM:SS string. Hours may exceed 24.
func Parse(s string) (Wide, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid extended time %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 {
		return 0, fmt.Errorf("invalid hours in extended time %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minutes in extended time %q", s)
	}
	sec, err := strconv.Atoi(parts[2])
	if err != nil || sec < 0 || sec > 59 {
		return 0, fmt.Errorf("invalid seconds in extended time %q", s)
	}
	return Wide(h*3600 + m*60 + sec), nil
}

// FromDuration converts a duration since service-day midnight (the
// representation go-gtfs uses for stop times) to a Wide value.
func FromDuration(d time.Duration) Wide {
	return Wide(d / time.Second)
}

// FromInstant renders an absolute timestamp as an extended-range time of day.
// The wall clock of ts in loc supplies hours/minutes/seconds; when ts falls
// on a different calendar date than today, 24 hours are added so overnight
// feed timestamps stay comparable to extended-range schedule times.
func FromInstant(ts time.Time, today time.Time, loc *time.Location) Wide {
	local := ts.In(loc)
	w := Wide(local.Hour()*3600 + local.Minute()*60 + local.Second())

	ty, tm, td := today.In(loc).Date()
	ly, lm, ld := local.Date()
	if ty != ly || tm != lm || td != ld {
		w += secondsPerDay
	}
	return w
}

// Seconds returns the value as whole seconds.
func (w Wide) Seconds() int64 {
	return int64(w)
}

// Minutes returns the value as fractional minutes.
func (w Wide) Minutes() float64 {
	return float64(w) / 60
}

// MinutesApart returns w - other in fractional minutes. Both operands stay in
// extended range, so differences across midnight come out signed correctly.
func (w Wide) MinutesApart(other Wide) float64 {
	return float64(w-other) / 60
}

// Add returns the value shifted by d.
func (w Wide) Add(d time.Duration) Wide {
	return w + Wide(d/time.Second)
}

// String formats the value as HH:MM:SS, with hours above 24 preserved.
func (w Wide) String() string {
	s := int64(w)
	neg := ""
	if s < 0 {
		neg = "-"
		s = -s
	}
	return fmt.Sprintf("%s%02d:%02d:%02d", neg, s/3600, (s%3600)/60, s%60)
}
