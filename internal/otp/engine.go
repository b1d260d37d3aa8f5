package otp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/eric-warren/bus-tracker/busdb"
	"github.com/eric-warren/bus-tracker/internal/logging"
	"github.com/eric-warren/bus-tracker/internal/metrics"
	"github.com/eric-warren/bus-tracker/internal/schedule"
)

// Request describes one on-time-performance query. StartDate and EndDate are
// inclusive service dates; a single-day query sets them equal.
type Request struct {
	StartDate time.Time
	EndDate   time.Time

	Metric           Metric
	ThresholdMinutes int64
	IncludeCanceled  bool
	FrequencyFilter  FrequencyFilter
	RouteID          string
}

// RouteStats is one row of the per-route breakdown. Direction is nil in the
// combined-direction list.
type RouteStats struct {
	RouteID   string `json:"routeId"`
	Direction *int64 `json:"direction,omitempty"`
	Stats
}

// BucketStats is one time-of-day band's statistics.
type BucketStats struct {
	Bucket
	Stats
}

// Report is the full aggregate payload for a date range.
type Report struct {
	Date             string          `json:"date"`
	EndDate          string          `json:"endDate"`
	Metric           Metric          `json:"metric"`
	ThresholdMinutes int64           `json:"thresholdMinutes"`
	IncludeCanceled  bool            `json:"includeCanceled"`
	RouteID          string          `json:"routeId,omitempty"`
	FrequencyFilter  FrequencyFilter `json:"frequencyFilter,omitempty"`

	Overall      Stats         `json:"overall"`
	RouteSummary *Stats        `json:"routeSummary,omitempty"`
	Routes       []RouteStats  `json:"routes"`
	RoutesByID   []RouteStats  `json:"routesCombined"`
	Buckets      []BucketStats `json:"buckets"`
	RouteBuckets []BucketStats `json:"routeBuckets,omitempty"`
}

// Engine computes daily aggregates and assembles multi-day reports. The cache
// is optional; with a nil cache every day is computed fresh.
type Engine struct {
	queries  *busdb.Queries
	resolver *schedule.Resolver
	cache    *Cache
	cfg      Config
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewEngine(queries *busdb.Queries, resolver *schedule.Resolver, cache *Cache, cfg Config, m *metrics.Metrics) *Engine {
	return &Engine{
		queries:  queries,
		resolver: resolver,
		cache:    cache,
		cfg:      cfg,
		metrics:  m,
		logger:   slog.Default().With(slog.String("component", "otp_engine")),
	}
}

// Compute runs the request over every service date in the range: each day is
// fetched from cache or computed, days merge additively, and percentages are
// derived only from the merged counts. Averaging per-day percentages would
// weight uneven days incorrectly, so it never happens here.
func (e *Engine) Compute(ctx context.Context, req Request) (*Report, error) {
	if req.Metric == "" {
		req.Metric = MetricDelay
	}
	if req.ThresholdMinutes == 0 {
		req.ThresholdMinutes = e.cfg.ThresholdMinutes
	}
	if req.EndDate.IsZero() {
		req.EndDate = req.StartDate
	}
	if req.EndDate.Before(req.StartDate) {
		return nil, fmt.Errorf("end date %s precedes start date %s",
			req.EndDate.Format(schedule.DateLayout), req.StartDate.Format(schedule.DateLayout))
	}

	var days []*DayAggregate
	for d := req.StartDate; !d.After(req.EndDate); d = d.AddDate(0, 0, 1) {
		day, err := e.dayAggregate(ctx, d, req)
		if err != nil {
			return nil, err
		}
		days = append(days, day)
	}

	return e.assemble(req, days), nil
}

// dayAggregate returns one day's baseline, consulting the cache for any day
// that is no longer accruing data. Only the unfiltered base key is ever read
// or written; filtered views always derive from it at assembly time.
func (e *Engine) dayAggregate(ctx context.Context, date time.Time, req Request) (*DayAggregate, error) {
	key := e.baseKey(date, req)
	cacheable := e.cache != nil && !e.resolver.IsCurrentServiceDay(date)

	if cacheable {
		if day, ok := e.cache.Get(ctx, key); ok {
			e.metrics.OtpCacheHits.Inc()
			return day, nil
		}
		e.metrics.OtpCacheMisses.Inc()
	}

	day, err := e.computeDay(ctx, date, req.Metric)
	if err != nil {
		return nil, err
	}

	if cacheable {
		e.cache.Put(ctx, key, day)
	}
	return day, nil
}

// baseKey is the unfiltered cache key for a day: route and frequency filters
// are always blank so the key space stays bounded.
func (e *Engine) baseKey(date time.Time, req Request) busdb.CacheKey {
	return busdb.CacheKey{
		ServiceDate:      date.Format(schedule.DateLayout),
		Metric:           string(req.Metric),
		ThresholdMinutes: req.ThresholdMinutes,
		IncludeCanceled:  boolKey(req.IncludeCanceled),
		FrequencyFilter:  "",
		RouteID:          "",
	}
}

func boolKey(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// computeDay builds the baseline for one service date: every scheduled trip
// for the day's services, joined against observation statistics and
// cancellations.
func (e *Engine) computeDay(ctx context.Context, date time.Time, metric Metric) (*DayAggregate, error) {
	started := time.Now()
	dateStr := date.Format(schedule.DateLayout)

	version, err := e.resolver.ResolveVersion(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("no data for %s: %w", dateStr, err)
	}
	serviceSet, err := e.resolver.ResolveServiceIDs(ctx, version.Version, date)
	if err != nil {
		return nil, fmt.Errorf("resolving services for %s: %w", dateStr, err)
	}

	blocks, err := e.queries.ListBlocksForServices(ctx, busdb.ListBlocksForServicesParams{
		GtfsVersion: version.Version,
		ServiceIDs:  schedule.ServiceIDList(serviceSet),
	})
	if err != nil {
		return nil, fmt.Errorf("loading scheduled trips for %s: %w", dateStr, err)
	}

	statRows, err := e.queries.ListObservationStatsForDate(ctx, dateStr)
	if err != nil {
		return nil, fmt.Errorf("loading observation stats for %s: %w", dateStr, err)
	}
	observed := make(map[string]busdb.ObservationStatsRow, len(statRows))
	for _, row := range statRows {
		observed[row.TripID] = row
	}

	cancelRows, err := e.queries.ListCancellationsForDate(ctx, dateStr)
	if err != nil {
		return nil, fmt.Errorf("loading cancellations for %s: %w", dateStr, err)
	}
	canceled := make(map[string]bool, len(cancelRows))
	for _, row := range cancelRows {
		canceled[row.TripID] = true
	}

	day := &DayAggregate{ServiceDate: dateStr, Metric: metric, Trips: make([]TripResult, 0, len(blocks))}
	for _, block := range blocks {
		trip := TripResult{
			TripID:   block.TripID,
			RouteID:  block.RouteID,
			Canceled: canceled[block.TripID],
		}
		if block.Direction.Valid {
			dir := block.Direction.Int64
			trip.Direction = &dir
		}
		startMinutes := float64(block.StartTime) / 60
		trip.StartMinutes = &startMinutes

		if row, ok := observed[block.TripID]; ok {
			switch metric {
			case MetricStartGap:
				gap := float64(row.FirstWide-block.StartTime) / 60
				trip.Metric = &gap
			default:
				if row.AvgDelay.Valid {
					avg := row.AvgDelay.Float64
					trip.Metric = &avg
				}
			}
		}
		day.Trips = append(day.Trips, trip)
	}

	e.metrics.OtpComputeTime.Observe(time.Since(started).Seconds())
	return day, nil
}

// assemble merges the per-day baselines and derives every reported grouping.
// Filters act on the merged trip material, which is exactly what the cached
// baseline stores, so filtered views of past days never need a recompute.
func (e *Engine) assemble(req Request, days []*DayAggregate) *Report {
	report := &Report{
		Date:             req.StartDate.Format(schedule.DateLayout),
		EndDate:          req.EndDate.Format(schedule.DateLayout),
		Metric:           req.Metric,
		ThresholdMinutes: req.ThresholdMinutes,
		IncludeCanceled:  req.IncludeCanceled,
		RouteID:          req.RouteID,
		FrequencyFilter:  req.FrequencyFilter,
	}

	var overall Counts
	byRouteDir := map[string]*Counts{}
	byRoute := map[string]*Counts{}
	buckets := make([]Counts, len(e.cfg.Buckets))
	var routeOnly Counts
	routeBuckets := make([]Counts, len(e.cfg.Buckets))
	routeScoped := req.RouteID != ""

	type routeDirKey struct {
		route string
		dir   int64
	}
	dirKeys := map[string]routeDirKey{}

	for _, day := range days {
		for _, trip := range day.Trips {
			if !e.passesFrequency(trip.RouteID, req.FrequencyFilter) {
				continue
			}

			overall.classify(trip, req.ThresholdMinutes, req.IncludeCanceled)

			dir := int64(-1)
			if trip.Direction != nil {
				dir = *trip.Direction
			}
			rdKey := fmt.Sprintf("%s|%d", trip.RouteID, dir)
			dirKeys[rdKey] = routeDirKey{route: trip.RouteID, dir: dir}
			if byRouteDir[rdKey] == nil {
				byRouteDir[rdKey] = &Counts{}
			}
			byRouteDir[rdKey].classify(trip, req.ThresholdMinutes, req.IncludeCanceled)

			if byRoute[trip.RouteID] == nil {
				byRoute[trip.RouteID] = &Counts{}
			}
			byRoute[trip.RouteID].classify(trip, req.ThresholdMinutes, req.IncludeCanceled)

			if trip.StartMinutes != nil {
				if idx := e.cfg.bucketFor(*trip.StartMinutes); idx >= 0 {
					buckets[idx].classify(trip, req.ThresholdMinutes, req.IncludeCanceled)
				}
			}

			if routeScoped && trip.RouteID == req.RouteID {
				routeOnly.classify(trip, req.ThresholdMinutes, req.IncludeCanceled)
				if trip.StartMinutes != nil {
					if idx := e.cfg.bucketFor(*trip.StartMinutes); idx >= 0 {
						routeBuckets[idx].classify(trip, req.ThresholdMinutes, req.IncludeCanceled)
					}
				}
			}
		}
	}

	report.Overall = deriveStats(overall)

	for key, counts := range byRouteDir {
		rd := dirKeys[key]
		row := RouteStats{RouteID: rd.route, Stats: deriveStats(*counts)}
		if rd.dir >= 0 {
			dir := rd.dir
			row.Direction = &dir
		}
		report.Routes = append(report.Routes, row)
	}
	sortRouteStats(report.Routes)

	for routeID, counts := range byRoute {
		report.RoutesByID = append(report.RoutesByID, RouteStats{RouteID: routeID, Stats: deriveStats(*counts)})
	}
	sortRouteStats(report.RoutesByID)

	for i, b := range e.cfg.Buckets {
		report.Buckets = append(report.Buckets, BucketStats{Bucket: b, Stats: deriveStats(buckets[i])})
	}

	if routeScoped {
		summary := deriveStats(routeOnly)
		report.RouteSummary = &summary
		for i, b := range e.cfg.Buckets {
			report.RouteBuckets = append(report.RouteBuckets, BucketStats{Bucket: b, Stats: deriveStats(routeBuckets[i])})
		}
	}

	return report
}

func (e *Engine) passesFrequency(routeID string, filter FrequencyFilter) bool {
	switch filter {
	case FrequencyFrequent:
		return e.cfg.FrequentRoutes[routeID]
	case FrequencyInfrequent:
		return !e.cfg.FrequentRoutes[routeID]
	default:
		return true
	}
}

// PrewarmCache computes and caches the default baseline for every completed
// service date present in observation storage. Per-date failures are logged
// and skipped so one bad day cannot halt the sweep.
func (e *Engine) PrewarmCache(ctx context.Context) {
	if e.cache == nil {
		return
	}

	dates, err := e.queries.ListDistinctObservationDates(ctx)
	if err != nil {
		logging.LogError(e.logger, "failed to enumerate observation dates", err)
		return
	}

	warmed := 0
	for _, dateStr := range dates {
		if ctx.Err() != nil {
			return
		}
		date, err := time.ParseInLocation(schedule.DateLayout, dateStr, e.resolver.Location())
		if err != nil {
			logging.LogError(e.logger, "skipping malformed observation date", err,
				slog.String("service_date", dateStr))
			continue
		}
		if e.resolver.IsCurrentServiceDay(date) {
			continue
		}

		req := Request{
			StartDate:        date,
			EndDate:          date,
			Metric:           MetricDelay,
			ThresholdMinutes: e.cfg.ThresholdMinutes,
		}
		key := e.baseKey(date, req)
		if _, ok := e.cache.Get(ctx, key); ok {
			continue
		}

		day, err := e.computeDay(ctx, date, req.Metric)
		if err != nil {
			logging.LogError(e.logger, "failed to pre-warm cache for date", err,
				slog.String("service_date", dateStr))
			continue
		}
		e.cache.Put(ctx, key, day)
		warmed++
	}

	logging.LogOperation(e.logger, "cache_prewarm_complete",
		slog.Int("dates_warmed", warmed), slog.Int("dates_seen", len(dates)))
}
