package busdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/OneBusAway/go-gtfs"

	"github.com/eric-warren/bus-tracker/internal/logging"
	"github.com/eric-warren/bus-tracker/internal/svctime"
)

// DownloadAndStore downloads a static GTFS zip from the given URL and imports
// it as a new schedule version valid from importDate (yyyymmdd). An unchanged
// feed (same content hash) is skipped rather than re-versioned.
func (c *Client) DownloadAndStore(ctx context.Context, url, authHeaderKey, authHeaderValue, importDate string) error {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return err
	}

	if authHeaderKey != "" && authHeaderValue != "" {
		req.Header.Set(authHeaderKey, authHeaderValue)
	}

	client := &http.Client{
		Timeout: 5 * time.Minute,
		Transport: &http.Transport{
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			IdleConnTimeout:       90 * time.Second,
		}}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("static GTFS fetch failed: %s returned %s", url, resp.Status)
	}

	const maxBodySize = 200 * 1024 * 1024
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if int64(len(body)) > maxBodySize {
		return fmt.Errorf("static GTFS response exceeds size limit of %d bytes", maxBodySize)
	}

	return c.importScheduleVersion(ctx, body, url, importDate)
}

// ImportFromFile imports a local GTFS zip as a new schedule version.
func (c *Client) ImportFromFile(ctx context.Context, path, importDate string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return c.importScheduleVersion(ctx, data, path, importDate)
}

// importScheduleVersion parses the zip and inserts a complete new schedule
// version. Existing versions are never mutated; readers resolve the version
// applicable for a date themselves.
func (c *Client) importScheduleVersion(ctx context.Context, b []byte, source, importDate string) error {
	logger := slog.Default().With(slog.String("component", "schedule_importer"))

	startTime := time.Now()
	defer func() {
		logging.LogOperation(logger, "schedule_import_finished",
			slog.Duration("duration", time.Since(startTime)),
			slog.String("source", source))
	}()

	hash := sha256.Sum256(b)
	hashStr := hex.EncodeToString(hash[:])

	existing, err := c.Queries.GetImportMetadata(ctx)
	if err == nil {
		if existing.FileHash == hashStr && existing.FileSource == source {
			logging.LogOperation(logger, "schedule_unchanged_skipping_import",
				slog.String("hash", hashStr[:8]))
			return nil
		}
		logging.LogOperation(logger, "schedule_changed_importing_new_version",
			slog.String("old_hash", existing.FileHash[:8]),
			slog.String("new_hash", hashStr[:8]))
	} else if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("error checking import metadata: %w", err)
	}

	staticData, err := gtfs.ParseStatic(b, gtfs.ParseStaticOptions{})
	if err != nil {
		return fmt.Errorf("failed to parse static GTFS: %w", err)
	}

	tx, err := c.DB.Begin()
	if err != nil {
		return err
	}
	defer logging.SafeRollbackWithLogging(tx, logger, "schedule_import")
	qtx := c.Queries.WithTx(tx)

	version, err := qtx.CreateGtfsVersion(ctx, importDate)
	if err != nil {
		return fmt.Errorf("unable to create schedule version: %w", err)
	}

	logging.LogOperation(logger, "importing_schedule_version",
		slog.Int64("version", version),
		slog.Int("trips", len(staticData.Trips)),
		slog.Int("services", len(staticData.Services)),
		slog.Int("stops", len(staticData.Stops)))

	for _, s := range staticData.Stops {
		// Stops without coordinates (generic nodes, boarding areas) would
		// contaminate the nearest-stop index with (0,0) placeholders.
		if s.Latitude == nil || s.Longitude == nil {
			continue
		}
		err := qtx.CreateStop(ctx, CreateStopParams{
			ID:   s.Id,
			Name: toNullString(s.Name),
			Lat:  *s.Latitude,
			Lon:  *s.Longitude,
		})
		if err != nil {
			return fmt.Errorf("unable to create stop: %w", err)
		}
	}

	for _, s := range staticData.Services {
		err := qtx.CreateCalendar(ctx, CreateCalendarParams{
			GtfsVersion: version,
			ServiceID:   s.Id,
			Monday:      boolToInt(s.Monday),
			Tuesday:     boolToInt(s.Tuesday),
			Wednesday:   boolToInt(s.Wednesday),
			Thursday:    boolToInt(s.Thursday),
			Friday:      boolToInt(s.Friday),
			Saturday:    boolToInt(s.Saturday),
			Sunday:      boolToInt(s.Sunday),
			StartDate:   s.StartDate.Format("20060102"),
			EndDate:     s.EndDate.Format("20060102"),
		})
		if err != nil {
			return fmt.Errorf("unable to create calendar: %w", err)
		}

		for _, date := range s.AddedDates {
			err := qtx.CreateCalendarDate(ctx, CreateCalendarDateParams{
				GtfsVersion:   version,
				ServiceID:     s.Id,
				Date:          date.Format("20060102"),
				ExceptionType: 1,
			})
			if err != nil {
				return fmt.Errorf("unable to create calendar exception: %w", err)
			}
		}
		for _, date := range s.RemovedDates {
			err := qtx.CreateCalendarDate(ctx, CreateCalendarDateParams{
				GtfsVersion:   version,
				ServiceID:     s.Id,
				Date:          date.Format("20060102"),
				ExceptionType: 2,
			})
			if err != nil {
				return fmt.Errorf("unable to create calendar exception: %w", err)
			}
		}
	}

	var allStopTimeParams []CreateStopTimeParams
	for _, t := range staticData.Trips {
		if len(t.StopTimes) == 0 {
			continue
		}

		start := svctime.FromDuration(t.StopTimes[0].DepartureTime)
		end := svctime.FromDuration(t.StopTimes[len(t.StopTimes)-1].ArrivalTime)

		err := qtx.CreateBlock(ctx, CreateBlockParams{
			GtfsVersion: version,
			TripID:      t.ID,
			RouteID:     t.Route.Id,
			ServiceID:   t.Service.Id,
			Headsign:    toNullString(t.Headsign),
			Direction:   sql.NullInt64{Int64: int64(t.DirectionId), Valid: t.DirectionId >= 0},
			BlockID:     toNullString(t.BlockID),
			ShapeID:     toNullString(shapeID(t)),
			StartTime:   start.Seconds(),
			EndTime:     end.Seconds(),
		})
		if err != nil {
			return fmt.Errorf("unable to create scheduled trip: %w", err)
		}

		for _, st := range t.StopTimes {
			var distTraveled sql.NullFloat64
			if st.ShapeDistanceTraveled != nil {
				distTraveled = sql.NullFloat64{Float64: *st.ShapeDistanceTraveled, Valid: true}
			}
			allStopTimeParams = append(allStopTimeParams, CreateStopTimeParams{
				GtfsVersion:   version,
				TripID:        t.ID,
				StopID:        st.Stop.Id,
				StopSequence:  int64(st.StopSequence),
				ArrivalTime:   svctime.FromDuration(st.ArrivalTime).Seconds(),
				DepartureTime: svctime.FromDuration(st.DepartureTime).Seconds(),
				DistTraveled:  distTraveled,
				Timepoint:     sql.NullInt64{Int64: boolToInt(st.ExactTimes), Valid: true},
			})
		}
	}

	if err := bulkInsertStopTimes(ctx, tx, allStopTimeParams, c.config.GetBulkInsertBatchSize(), logger); err != nil {
		return fmt.Errorf("unable to create stop times: %w", err)
	}

	err = qtx.UpsertImportMetadata(ctx, UpsertImportMetadataParams{
		FileHash:   hashStr,
		ImportTime: time.Now().Unix(),
		FileSource: source,
	})
	if err != nil {
		return fmt.Errorf("error updating import metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	logging.LogOperation(logger, "schedule_version_imported",
		slog.Int64("version", version),
		slog.Int("stop_times", len(allStopTimeParams)))

	return nil
}

// bulkInsertStopTimes writes stop times in multi-row INSERT batches inside
// the caller's transaction. Placeholders only; values are never concatenated
// into the query string.
func bulkInsertStopTimes(ctx context.Context, tx *sql.Tx, stopTimes []CreateStopTimeParams, batchSize int, logger *slog.Logger) error {
	const baseQuery = `INSERT INTO stop_times (
		gtfs_version, trip_id, stop_id, stop_sequence, arrival_time,
		departure_time, dist_traveled, timepoint
	) VALUES `

	for start := 0; start < len(stopTimes); start += batchSize {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		end := start + batchSize
		if end > len(stopTimes) {
			end = len(stopTimes)
		}
		batch := stopTimes[start:end]

		var query strings.Builder
		query.WriteString(baseQuery)
		args := make([]interface{}, 0, len(batch)*8)
		for j, params := range batch {
			if j > 0 {
				query.WriteString(", ")
			}
			query.WriteString("(?, ?, ?, ?, ?, ?, ?, ?)")
			args = append(args,
				params.GtfsVersion,
				params.TripID,
				params.StopID,
				params.StopSequence,
				params.ArrivalTime,
				params.DepartureTime,
				params.DistTraveled,
				params.Timepoint,
			)
		}

		if _, err := tx.ExecContext(ctx, query.String(), args...); err != nil {
			return fmt.Errorf("failed to insert stop_times batch: %w", err)
		}

		if end%100000 == 0 || end == len(stopTimes) {
			logging.LogOperation(logger, "stop_times_progress",
				slog.Int("inserted", end),
				slog.Int("total", len(stopTimes)))
		}
	}
	return nil
}

func shapeID(t gtfs.ScheduledTrip) string {
	if t.Shape != nil {
		return t.Shape.ID
	}
	return ""
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// toNullString converts a string to sql.NullString, empty becoming NULL.
func toNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
