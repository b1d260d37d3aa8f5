package otp

import (
	"math"
	"sort"
)

// TripResult is the raw per-trip material a day's aggregate is built from.
// The day aggregate stores these rather than pre-bucketed counts so filtered
// views can always be re-derived from the cached baseline.
type TripResult struct {
	TripID    string `json:"tripId"`
	RouteID   string `json:"routeId"`
	Direction *int64 `json:"direction,omitempty"`

	// StartMinutes is the scheduled start in extended-range minutes; nil when
	// the trip has no resolvable scheduled start.
	StartMinutes *float64 `json:"startMinutes,omitempty"`

	Canceled bool `json:"canceled"`

	// Metric is the signed per-trip measurement in minutes; nil when the trip
	// was never observed.
	Metric *float64 `json:"metric,omitempty"`
}

// DayAggregate is one service date's computed baseline. It is the unit the
// daily cache stores.
type DayAggregate struct {
	ServiceDate string       `json:"serviceDate"`
	Metric      Metric       `json:"metric"`
	Trips       []TripResult `json:"trips"`
}

// Counts accumulates classification tallies plus the raw absolute-delay list
// the distribution statistics derive from. Merging days means adding counts
// and concatenating delays; percentages are only ever derived afterward.
type Counts struct {
	Scheduled int       `json:"scheduledTrips"`
	Evaluated int       `json:"evaluatedTrips"`
	OnTime    int       `json:"onTimeTrips"`
	Canceled  int       `json:"canceledTrips"`
	Delays    []float64 `json:"-"`
}

func (c *Counts) merge(other Counts) {
	c.Scheduled += other.Scheduled
	c.Evaluated += other.Evaluated
	c.OnTime += other.OnTime
	c.Canceled += other.Canceled
	c.Delays = append(c.Delays, other.Delays...)
}

// classify folds one trip into the counts under the given threshold and
// cancellation policy. Canceled trips enter the evaluated set, as not on
// time, only when includeCanceled is set; otherwise they are tallied but not
// evaluated. Unobserved trips are never evaluated.
func (c *Counts) classify(trip TripResult, thresholdMinutes int64, includeCanceled bool) {
	c.Scheduled++

	if trip.Canceled {
		c.Canceled++
		if includeCanceled {
			c.Evaluated++
		}
		return
	}

	if trip.Metric == nil {
		return
	}

	c.Evaluated++
	magnitude := math.Abs(*trip.Metric)
	c.Delays = append(c.Delays, magnitude)
	if magnitude <= float64(thresholdMinutes) {
		c.OnTime++
	}
}

// Stats is the derived, reportable form of a Counts.
type Stats struct {
	ScheduledTrips int `json:"scheduledTrips"`
	EvaluatedTrips int `json:"evaluatedTrips"`
	OnTimeTrips    int `json:"onTimeTrips"`
	CanceledTrips  int `json:"canceledTrips"`

	// OnTimePercent is nil when no trips were evaluated.
	OnTimePercent *float64 `json:"onTimePercent"`

	AvgDelay    *float64 `json:"avgDelay,omitempty"`
	MedianDelay *float64 `json:"medianDelay,omitempty"`
	P90Delay    *float64 `json:"p90Delay,omitempty"`
	MaxDelay    *float64 `json:"maxDelay,omitempty"`
}

func deriveStats(c Counts) Stats {
	s := Stats{
		ScheduledTrips: c.Scheduled,
		EvaluatedTrips: c.Evaluated,
		OnTimeTrips:    c.OnTime,
		CanceledTrips:  c.Canceled,
	}
	if c.Evaluated > 0 {
		pct := float64(c.OnTime) / float64(c.Evaluated) * 100
		s.OnTimePercent = &pct
	}
	if len(c.Delays) > 0 {
		avg := mean(c.Delays)
		med := median(c.Delays)
		p90 := percentile90(c.Delays)
		max := maxOf(c.Delays)
		s.AvgDelay = &avg
		s.MedianDelay = &med
		s.P90Delay = &p90
		s.MaxDelay = &max
	}
	return s
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// median uses midpoint averaging for even-length lists.
func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// percentile90 picks index ceil(n*0.9)-1, clamped at zero.
func percentile90(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(math.Ceil(float64(len(sorted))*0.9)) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

// sortRouteStats orders breakdown rows by route id then direction so report
// output is deterministic regardless of map iteration.
func sortRouteStats(rows []RouteStats) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].RouteID != rows[j].RouteID {
			return rows[i].RouteID < rows[j].RouteID
		}
		di, dj := int64(-1), int64(-1)
		if rows[i].Direction != nil {
			di = *rows[i].Direction
		}
		if rows[j].Direction != nil {
			dj = *rows[j].Direction
		}
		return di < dj
	})
}

func maxOf(values []float64) float64 {
	max := values[0]
	for _, v := range values[1:] {
		if v > max {
			max = v
		}
	}
	return max
}
