package otp

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eric-warren/bus-tracker/busdb"
	"github.com/eric-warren/bus-tracker/internal/appconf"
	"github.com/eric-warren/bus-tracker/internal/clock"
	"github.com/eric-warren/bus-tracker/internal/schedule"
)

func newCacheFixture(t *testing.T) (*Cache, *busdb.Client) {
	t.Helper()

	client, err := busdb.NewClient(busdb.NewConfig(":memory:", appconf.Test, false))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	loc, err := time.LoadLocation("America/Halifax")
	require.NoError(t, err)

	mock := clock.NewMockClock(time.Date(2025, 3, 12, 12, 0, 0, 0, loc))
	resolver := schedule.NewResolver(client.Queries, loc, mock)
	return NewCache(client.Queries, resolver, mock), client
}

func sampleDay(date string) *DayAggregate {
	metric := 4.0
	return &DayAggregate{
		ServiceDate: date,
		Metric:      MetricDelay,
		Trips: []TripResult{
			{TripID: "T1", RouteID: "10", Metric: &metric},
			{TripID: "T2", RouteID: "10", Canceled: true},
		},
	}
}

func baseKeyFor(date string) busdb.CacheKey {
	return busdb.CacheKey{ServiceDate: date, Metric: string(MetricDelay), ThresholdMinutes: 5}
}

func TestCacheRoundTrip(t *testing.T) {
	cache, _ := newCacheFixture(t)
	ctx := context.Background()

	day := sampleDay("20250310")
	cache.Put(ctx, baseKeyFor("20250310"), day)

	got, ok := cache.Get(ctx, baseKeyFor("20250310"))
	require.True(t, ok)
	assert.Equal(t, day, got)
}

func TestCacheOverwriteKeepsSingleRow(t *testing.T) {
	cache, client := newCacheFixture(t)
	ctx := context.Background()

	cache.Put(ctx, baseKeyFor("20250310"), sampleDay("20250310"))

	replacement := sampleDay("20250310")
	replacement.Trips = replacement.Trips[:1]
	cache.Put(ctx, baseKeyFor("20250310"), replacement)

	got, ok := cache.Get(ctx, baseKeyFor("20250310"))
	require.True(t, ok)
	assert.Len(t, got.Trips, 1, "second write wins")

	stats, err := client.Queries.GetCacheStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalEntries)
}

func TestCacheRefusesCurrentServiceDay(t *testing.T) {
	cache, client := newCacheFixture(t)
	ctx := context.Background()

	// The clock sits at noon on 2025-03-12, making it the current service day.
	cache.Put(ctx, baseKeyFor("20250312"), sampleDay("20250312"))

	_, err := client.Queries.GetCacheEntry(ctx, baseKeyFor("20250312"))
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestCacheMissOnAbsentKey(t *testing.T) {
	cache, _ := newCacheFixture(t)

	_, ok := cache.Get(context.Background(), baseKeyFor("20250101"))
	assert.False(t, ok)
}

func TestCacheCorruptPayloadDegradesToMiss(t *testing.T) {
	cache, client := newCacheFixture(t)
	ctx := context.Background()

	err := client.Queries.UpsertCacheEntry(ctx, busdb.UpsertCacheEntryParams{
		Key:      baseKeyFor("20250310"),
		Payload:  []byte("not gzip"),
		CachedAt: 1,
	})
	require.NoError(t, err)

	_, ok := cache.Get(ctx, baseKeyFor("20250310"))
	assert.False(t, ok)
}

func TestCacheInvalidateRange(t *testing.T) {
	cache, _ := newCacheFixture(t)
	ctx := context.Background()

	cache.Put(ctx, baseKeyFor("20250308"), sampleDay("20250308"))
	cache.Put(ctx, baseKeyFor("20250309"), sampleDay("20250309"))
	cache.Put(ctx, baseKeyFor("20250310"), sampleDay("20250310"))

	deleted, err := cache.InvalidateRange(ctx, "20250308", "20250309")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	_, ok := cache.Get(ctx, baseKeyFor("20250310"))
	assert.True(t, ok, "dates outside the range survive")
}

func TestCacheStats(t *testing.T) {
	cache, _ := newCacheFixture(t)
	ctx := context.Background()

	cache.Put(ctx, baseKeyFor("20250309"), sampleDay("20250309"))
	cache.Put(ctx, baseKeyFor("20250310"), sampleDay("20250310"))

	stats, err := cache.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalEntries)
	assert.Equal(t, int64(2), stats.DatesWithCache)
	assert.Equal(t, "20250309", stats.OldestDate.String)
	assert.Equal(t, "20250310", stats.NewestDate.String)
	assert.Greater(t, stats.ApproximateSize, int64(0))
}
