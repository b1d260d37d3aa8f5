package busdb

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eric-warren/bus-tracker/internal/appconf"
)

// writeGtfsZip builds a static GTFS zip from CSV lines and writes it to a
// temp file.
func writeGtfsZip(t *testing.T, files map[string][]string) string {
	t.Helper()

	buf := &bytes.Buffer{}
	w := zip.NewWriter(buf)
	for filename, content := range files {
		f, err := w.Create(filename)
		require.NoError(t, err)
		_, err = f.Write([]byte(strings.Join(content, "\n")))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	path := filepath.Join(t.TempDir(), "gtfs.zip")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func sampleFeed() map[string][]string {
	return map[string][]string{
		"agency.txt": {
			"agency_id,agency_name,agency_url,agency_timezone",
			"HFX,Halifax Transit,https://example.org,America/Halifax",
		},
		"routes.txt": {
			"route_id,agency_id,route_short_name,route_type",
			"10,HFX,10,3",
		},
		"stops.txt": {
			"stop_id,stop_name,stop_lat,stop_lon",
			"S1,Terminal,44.65,-63.57",
			"S2,Downtown,44.66,-63.58",
		},
		"calendar.txt": {
			"service_id,monday,tuesday,wednesday,thursday,friday,saturday,sunday,start_date,end_date",
			"WKDY,1,1,1,1,1,0,0,20250101,20251231",
		},
		"calendar_dates.txt": {
			"service_id,date,exception_type",
			"WKDY,20250421,2",
		},
		"trips.txt": {
			"route_id,service_id,trip_id,trip_headsign,direction_id,block_id",
			"10,WKDY,T1,Downtown,0,BLK1",
		},
		"stop_times.txt": {
			"trip_id,arrival_time,departure_time,stop_id,stop_sequence",
			"T1,08:00:00,08:00:00,S1,1",
			"T1,08:20:00,08:20:00,S2,2",
		},
	}
}

func TestImportFromFileCreatesVersion(t *testing.T) {
	client, err := NewClient(NewConfig(":memory:", appconf.Test, false))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	path := writeGtfsZip(t, sampleFeed())
	require.NoError(t, client.ImportFromFile(ctx, path, "20250301"))

	version, err := client.Queries.LatestVersionForDate(ctx, "20250310")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version.Version)
	assert.Equal(t, "20250301", version.ImportedAt)

	block, err := client.Queries.GetBlock(ctx, version.Version, "T1")
	require.NoError(t, err)
	assert.Equal(t, "10", block.RouteID)
	assert.Equal(t, "WKDY", block.ServiceID)
	assert.Equal(t, "BLK1", block.BlockID.String)
	assert.Equal(t, int64(8*3600), block.StartTime)
	assert.Equal(t, int64(8*3600+20*60), block.EndTime)

	stops, err := client.Queries.ListAllStops(ctx)
	require.NoError(t, err)
	assert.Len(t, stops, 2)

	arrival, err := client.Queries.GetScheduledArrival(ctx, GetScheduledArrivalParams{
		TripID:       "T1",
		StopID:       "S2",
		StopSequence: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(8*3600+20*60), arrival)

	exceptions, err := client.Queries.ListCalendarExceptionsForDate(ctx, version.Version, "20250421")
	require.NoError(t, err)
	require.Len(t, exceptions, 1)
	assert.Equal(t, int64(2), exceptions[0].ExceptionType)
}

func TestImportSkipsUnchangedFeed(t *testing.T) {
	client, err := NewClient(NewConfig(":memory:", appconf.Test, false))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	path := writeGtfsZip(t, sampleFeed())
	require.NoError(t, client.ImportFromFile(ctx, path, "20250301"))
	require.NoError(t, client.ImportFromFile(ctx, path, "20250302"))

	// The unchanged feed must not produce a second version.
	version, err := client.Queries.LatestVersionForDate(ctx, "20250310")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version.Version)
	assert.Equal(t, "20250301", version.ImportedAt)
}

func TestImportChangedFeedCreatesNewVersion(t *testing.T) {
	client, err := NewClient(NewConfig(":memory:", appconf.Test, false))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	require.NoError(t, client.ImportFromFile(ctx, writeGtfsZip(t, sampleFeed()), "20250301"))

	changed := sampleFeed()
	changed["trips.txt"] = append(changed["trips.txt"], "10,WKDY,T2,Terminal,1,BLK1")
	changed["stop_times.txt"] = append(changed["stop_times.txt"],
		"T2,09:00:00,09:00:00,S2,1",
		"T2,09:20:00,09:20:00,S1,2")
	require.NoError(t, client.ImportFromFile(ctx, writeGtfsZip(t, changed), "20250315"))

	version, err := client.Queries.LatestVersionForDate(ctx, "20250320")
	require.NoError(t, err)
	assert.Equal(t, int64(2), version.Version)

	// Both versions remain; readers resolve by date.
	old, err := client.Queries.LatestVersionForDate(ctx, "20250310")
	require.NoError(t, err)
	assert.Equal(t, int64(1), old.Version)

	block, err := client.Queries.GetBlockLatestVersion(ctx, "T2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), block.GtfsVersion)
}
