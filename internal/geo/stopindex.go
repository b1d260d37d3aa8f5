package geo

import (
	"context"
	"fmt"

	"github.com/tidwall/rtree"

	"github.com/eric-warren/bus-tracker/busdb"
)

// StopIndex is an in-memory spatial index over the static stop table, used to
// attribute a vehicle position to its nearest scheduled stop when the feed
// omits the next-stop reference. The stop table is read-only after import, so
// the index is built once and shared without locking.
type StopIndex struct {
	tree  rtree.RTree
	count int
}

// NearestStop is one candidate from a spatial lookup.
type NearestStop struct {
	StopID string
	Meters float64
}

// BuildStopIndex loads every stop with coordinates into an R-tree.
func BuildStopIndex(ctx context.Context, queries *busdb.Queries) (*StopIndex, error) {
	stops, err := queries.ListAllStops(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading stops for spatial index: %w", err)
	}

	idx := &StopIndex{}
	for _, stop := range stops {
		point := [2]float64{stop.Lon, stop.Lat}
		idx.tree.Insert(point, point, stop.ID)
	}
	idx.count = len(stops)
	return idx, nil
}

// Len returns the number of indexed stops.
func (idx *StopIndex) Len() int {
	return idx.count
}

// Nearest returns the closest stop within maxMeters of the point, or false
// when no stop qualifies.
func (idx *StopIndex) Nearest(lat, lon, maxMeters float64) (NearestStop, bool) {
	bounds := BoundsAround(lat, lon, maxMeters)

	best := NearestStop{Meters: maxMeters}
	found := false
	idx.tree.Search(
		[2]float64{bounds.MinLon, bounds.MinLat},
		[2]float64{bounds.MaxLon, bounds.MaxLat},
		func(min, max [2]float64, data interface{}) bool {
			stopID, ok := data.(string)
			if !ok {
				return true
			}
			d := Distance(lat, lon, min[1], min[0])
			if d <= best.Meters {
				best = NearestStop{StopID: stopID, Meters: d}
				found = true
			}
			return true
		},
	)
	return best, found
}
