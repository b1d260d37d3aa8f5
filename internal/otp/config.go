// Package otp computes scheduled-versus-observed on-time-performance
// aggregates over service dates, backed by a per-day cache of the unfiltered
// baseline.
package otp

// Metric selects what per-trip number feeds the on-time comparison.
type Metric string

const (
	// MetricDelay averages every observed delay sample for the trip.
	MetricDelay Metric = "delay"
	// MetricStartGap compares the first sighting time to the scheduled start.
	MetricStartGap Metric = "start-gap"
)

// FrequencyFilter restricts reporting to routes in or out of the configured
// frequent-route set.
type FrequencyFilter string

const (
	FrequencyAll        FrequencyFilter = ""
	FrequencyFrequent   FrequencyFilter = "frequent"
	FrequencyInfrequent FrequencyFilter = "infrequent"
)

// Bucket is one fixed time-of-day band. Bounds are extended-range minutes
// from service-day midnight; Start is inclusive, End exclusive. A trip's
// membership is decided solely by its scheduled start.
type Bucket struct {
	Name        string `json:"name"`
	StartMinute int64  `json:"startMinute"`
	EndMinute   int64  `json:"endMinute"`
}

// Config carries the thresholds and groupings the engine uses. Callers pass
// it explicitly so tests can substitute alternative schemes.
type Config struct {
	// ThresholdMinutes is the default on-time tolerance: a trip is on time
	// when the absolute value of its metric is at or below it.
	ThresholdMinutes int64

	// Buckets partition the service day by scheduled start.
	Buckets []Bucket

	// FrequentRoutes is the set of route ids the agency brands as
	// high-frequency corridor service.
	FrequentRoutes map[string]bool
}

func DefaultConfig() Config {
	return Config{
		ThresholdMinutes: 5,
		Buckets: []Bucket{
			{Name: "early", StartMinute: 0, EndMinute: 300},
			{Name: "morning", StartMinute: 300, EndMinute: 540},
			{Name: "midday", StartMinute: 540, EndMinute: 900},
			{Name: "evening", StartMinute: 900, EndMinute: 1140},
			{Name: "late", StartMinute: 1140, EndMinute: 1620},
		},
		FrequentRoutes: map[string]bool{
			"1": true, "2": true, "3": true, "4": true, "5": true,
			"6": true, "7": true, "8": true, "9": true, "10": true,
		},
	}
}

func (c Config) bucketFor(startMinute float64) int {
	for i, b := range c.Buckets {
		if startMinute >= float64(b.StartMinute) && startMinute < float64(b.EndMinute) {
			return i
		}
	}
	return -1
}
