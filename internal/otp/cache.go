package otp

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/eric-warren/bus-tracker/busdb"
	"github.com/eric-warren/bus-tracker/internal/clock"
	"github.com/eric-warren/bus-tracker/internal/logging"
	"github.com/eric-warren/bus-tracker/internal/schedule"
)

// Cache persists per-day baselines as gzipped JSON. It is strictly a
// performance layer: every failure degrades to a miss or a skipped write and
// the computation proceeds without it.
type Cache struct {
	queries  *busdb.Queries
	resolver *schedule.Resolver
	clock    clock.Clock
	logger   *slog.Logger
}

func NewCache(queries *busdb.Queries, resolver *schedule.Resolver, clk clock.Clock) *Cache {
	return &Cache{
		queries:  queries,
		resolver: resolver,
		clock:    clk,
		logger:   slog.Default().With(slog.String("component", "otp_cache")),
	}
}

// Get returns the cached baseline for the key, or false on any miss,
// including read and decode failures.
func (c *Cache) Get(ctx context.Context, key busdb.CacheKey) (*DayAggregate, bool) {
	entry, err := c.queries.GetCacheEntry(ctx, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false
	}
	if err != nil {
		logging.LogError(c.logger, "cache read failed, treating as miss", err,
			slog.String("service_date", key.ServiceDate))
		return nil, false
	}

	day, err := decodePayload(entry.Payload)
	if err != nil {
		logging.LogError(c.logger, "cache payload corrupt, treating as miss", err,
			slog.String("service_date", key.ServiceDate))
		return nil, false
	}
	return day, true
}

// Put upserts the baseline for the key. The current service day is still
// accruing observations and is never written; write failures are logged and
// swallowed.
func (c *Cache) Put(ctx context.Context, key busdb.CacheKey, day *DayAggregate) {
	date, err := time.ParseInLocation(schedule.DateLayout, key.ServiceDate, c.resolver.Location())
	if err != nil {
		logging.LogError(c.logger, "refusing cache write for malformed date", err,
			slog.String("service_date", key.ServiceDate))
		return
	}
	if c.resolver.IsCurrentServiceDay(date) {
		logging.LogOperation(c.logger, "skipping_cache_write_for_current_service_day",
			slog.String("service_date", key.ServiceDate))
		return
	}

	payload, err := encodePayload(day)
	if err != nil {
		logging.LogError(c.logger, "failed to encode cache payload", err,
			slog.String("service_date", key.ServiceDate))
		return
	}

	err = c.queries.UpsertCacheEntry(ctx, busdb.UpsertCacheEntryParams{
		Key:      key,
		Payload:  payload,
		CachedAt: c.clock.Now().Unix(),
	})
	if err != nil {
		logging.LogError(c.logger, "cache write failed", err,
			slog.String("service_date", key.ServiceDate))
	}
}

// InvalidateRange deletes every entry whose service date falls inside the
// inclusive range, returning how many rows went away. Used after upstream
// data corrections.
func (c *Cache) InvalidateRange(ctx context.Context, startDate, endDate string) (int64, error) {
	return c.queries.DeleteCacheEntriesInRange(ctx, startDate, endDate)
}

// Stats reports cache occupancy for the operational endpoint.
func (c *Cache) Stats(ctx context.Context) (busdb.CacheStatsRow, error) {
	return c.queries.GetCacheStats(ctx)
}

func encodePayload(day *DayAggregate) ([]byte, error) {
	raw, err := json.Marshal(day)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodePayload(payload []byte) (*DayAggregate, error) {
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer zr.Close() //nolint:errcheck

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, err
	}
	var day DayAggregate
	if err := json.Unmarshal(raw, &day); err != nil {
		return nil, err
	}
	return &day, nil
}
