package busdb

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eric-warren/bus-tracker/internal/appconf"
)

func seedObservation(t *testing.T, client *Client, observedAt int64, tripID string, recordedWide int64, delay float64) {
	t.Helper()
	require.NoError(t, client.Queries.CreateVehicleObservation(context.Background(), CreateVehicleObservationParams{
		ObservedAt:   observedAt,
		ServiceDate:  "20250310",
		BusID:        "bus-" + tripID,
		TripID:       sql.NullString{String: tripID, Valid: true},
		DelayMinutes: sql.NullFloat64{Float64: delay, Valid: true},
		Lat:          44.65,
		Lon:          -63.57,
		RecordedWide: recordedWide,
	}))
}

func TestObservationStatsFirstWideTracksEarliestSighting(t *testing.T) {
	client, err := NewClient(NewConfig(":memory:", appconf.Test, false))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	// Two sightings of A1 in chronological insertion order, two of B1 with
	// the later sighting inserted first. first_wide must follow observed_at,
	// not insertion order or the max row.
	seedObservation(t, client, 1000, "A1", 8*3600, 2)
	seedObservation(t, client, 2000, "A1", 8*3600+1800, 6)
	seedObservation(t, client, 2000, "B1", 9*3600+1800, 6)
	seedObservation(t, client, 1000, "B1", 9*3600, 2)

	rows, err := client.Queries.ListObservationStatsForDate(context.Background(), "20250310")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byTrip := make(map[string]ObservationStatsRow, len(rows))
	for _, row := range rows {
		byTrip[row.TripID] = row
	}

	a1 := byTrip["A1"]
	assert.Equal(t, int64(1000), a1.FirstSeen)
	assert.Equal(t, int64(2000), a1.LastSeen)
	assert.Equal(t, int64(8*3600), a1.FirstWide)
	assert.InDelta(t, 4.0, a1.AvgDelay.Float64, 0.001)

	b1 := byTrip["B1"]
	assert.Equal(t, int64(1000), b1.FirstSeen)
	assert.Equal(t, int64(9*3600), b1.FirstWide)
}
