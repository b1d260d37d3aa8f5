package busdb

// Hand-maintained queries over the otp_cache table. The upsert-on-conflict is
// the only concurrency control the cache needs: payloads are derivable
// artifacts, so last writer wins.

import (
	"context"
	"database/sql"
)

type CacheKey struct {
	ServiceDate      string
	Metric           string
	ThresholdMinutes int64
	IncludeCanceled  int64
	FrequencyFilter  string
	RouteID          string
}

const getCacheEntry = `
SELECT service_date, metric, threshold_minutes, include_canceled,
       frequency_filter, route_id, payload, cached_at
FROM otp_cache
WHERE service_date = ? AND metric = ? AND threshold_minutes = ?
  AND include_canceled = ? AND frequency_filter = ? AND route_id = ?
`

func (q *Queries) GetCacheEntry(ctx context.Context, key CacheKey) (OtpCacheEntry, error) {
	var i OtpCacheEntry
	err := q.db.QueryRowContext(ctx, getCacheEntry,
		key.ServiceDate,
		key.Metric,
		key.ThresholdMinutes,
		key.IncludeCanceled,
		key.FrequencyFilter,
		key.RouteID,
	).Scan(
		&i.ServiceDate,
		&i.Metric,
		&i.ThresholdMinutes,
		&i.IncludeCanceled,
		&i.FrequencyFilter,
		&i.RouteID,
		&i.Payload,
		&i.CachedAt,
	)
	return i, err
}

type UpsertCacheEntryParams struct {
	Key      CacheKey
	Payload  []byte
	CachedAt int64
}

const upsertCacheEntry = `
INSERT INTO otp_cache (
    service_date, metric, threshold_minutes, include_canceled,
    frequency_filter, route_id, payload, cached_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (service_date, metric, threshold_minutes, include_canceled, frequency_filter, route_id)
DO UPDATE SET payload = excluded.payload, cached_at = excluded.cached_at
`

func (q *Queries) UpsertCacheEntry(ctx context.Context, arg UpsertCacheEntryParams) error {
	_, err := q.db.ExecContext(ctx, upsertCacheEntry,
		arg.Key.ServiceDate,
		arg.Key.Metric,
		arg.Key.ThresholdMinutes,
		arg.Key.IncludeCanceled,
		arg.Key.FrequencyFilter,
		arg.Key.RouteID,
		arg.Payload,
		arg.CachedAt,
	)
	return err
}

const deleteCacheEntriesInRange = `
DELETE FROM otp_cache
WHERE service_date >= ? AND service_date <= ?
`

// DeleteCacheEntriesInRange removes every cached aggregate whose service date
// falls in the inclusive range. Used after upstream data corrections.
func (q *Queries) DeleteCacheEntriesInRange(ctx context.Context, startDate, endDate string) (int64, error) {
	result, err := q.db.ExecContext(ctx, deleteCacheEntriesInRange, startDate, endDate)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type CacheStatsRow struct {
	TotalEntries    int64
	DatesWithCache  int64
	OldestDate      sql.NullString
	NewestDate      sql.NullString
	ApproximateSize int64
}

const getCacheStats = `
SELECT COUNT(*),
       COUNT(DISTINCT service_date),
       MIN(service_date),
       MAX(service_date),
       COALESCE(SUM(LENGTH(payload)), 0)
FROM otp_cache
`

func (q *Queries) GetCacheStats(ctx context.Context) (CacheStatsRow, error) {
	var i CacheStatsRow
	err := q.db.QueryRowContext(ctx, getCacheStats).Scan(
		&i.TotalEntries,
		&i.DatesWithCache,
		&i.OldestDate,
		&i.NewestDate,
		&i.ApproximateSize,
	)
	return i, err
}

const listCachedDates = `
SELECT DISTINCT service_date FROM otp_cache ORDER BY service_date
`

func (q *Queries) ListCachedDates(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, listCachedDates)
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
