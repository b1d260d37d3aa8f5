package trace

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/eric-warren/bus-tracker/busdb"
	"github.com/eric-warren/bus-tracker/internal/schedule"
)

// StreakResult reports how many consecutive service days, counting back from
// the queried date, a block's full trip set was canceled. AllDays is true
// when the walk ran out of comparable history while still fully canceled,
// false when it found a day the block actually ran.
type StreakResult struct {
	DaysCanceled int  `json:"daysCanceled"`
	AllDays      bool `json:"allDays"`
}

const (
	// maxMismatchDays is how many consecutive schedule-signature mismatches
	// (weekends, holiday schedules) the backward walk tolerates before it
	// treats the history as exhausted.
	maxMismatchDays = 2

	// maxLookbackDays bounds the walk regardless of what it finds.
	maxLookbackDays = 60
)

// CancellationStreak counts consecutive fully-canceled days for a block,
// ending at date. A queried day that is not itself fully canceled yields a
// zero streak immediately.
func (t *Tracer) CancellationStreak(ctx context.Context, blockID string, date time.Time) (StreakResult, error) {
	day, err := t.dayContext(ctx, date)
	if err != nil {
		return StreakResult{}, err
	}

	trips, err := t.blockTrips(ctx, day, blockID)
	if err != nil {
		return StreakResult{}, err
	}
	if len(trips) == 0 {
		return StreakResult{}, fmt.Errorf("block %s on %s: %w", blockID, day.dateStr, ErrNoActiveBlock)
	}

	canceled, err := t.fullyCanceled(ctx, day.dateStr, trips)
	if err != nil {
		return StreakResult{}, err
	}
	if !canceled {
		return StreakResult{}, nil
	}

	reference := tripSignature(trips)
	result := StreakResult{DaysCanceled: 1, AllDays: true}
	mismatches := 0

	for back := 1; back <= maxLookbackDays; back++ {
		prior := date.AddDate(0, 0, -back)

		priorDay, err := t.dayContext(ctx, prior)
		if errors.Is(err, schedule.ErrNoScheduleAvailable) {
			// History ends here, still fully canceled so far.
			return result, nil
		}
		if err != nil {
			return StreakResult{}, err
		}

		priorTrips, err := t.blockTrips(ctx, priorDay, blockID)
		if err != nil {
			return StreakResult{}, err
		}

		if tripSignature(priorTrips) != reference {
			mismatches++
			if mismatches > maxMismatchDays {
				return result, nil
			}
			continue
		}
		mismatches = 0

		canceled, err := t.fullyCanceled(ctx, priorDay.dateStr, priorTrips)
		if err != nil {
			return StreakResult{}, err
		}
		if !canceled {
			result.AllDays = false
			return result, nil
		}
		result.DaysCanceled++
	}

	return result, nil
}

func (t *Tracer) blockTrips(ctx context.Context, day dayContext, blockID string) ([]busdb.Block, error) {
	return t.queries.ListTripsForBlock(ctx, busdb.ListTripsForBlockParams{
		GtfsVersion: day.version,
		BlockID:     blockID,
		ServiceIDs:  day.serviceIDs,
	})
}

func (t *Tracer) fullyCanceled(ctx context.Context, dateStr string, trips []busdb.Block) (bool, error) {
	rows, err := t.queries.ListCancellationsForDate(ctx, dateStr)
	if err != nil {
		return false, err
	}
	canceled := make(map[string]bool, len(rows))
	for _, row := range rows {
		canceled[row.TripID] = true
	}
	for _, trip := range trips {
		if !canceled[trip.TripID] {
			return false, nil
		}
	}
	return true, nil
}

// tripSignature fingerprints a day's trip set by (start time, route,
// direction). A different signature means the schedule changed shape for the
// block, so cancellation comparisons across it are meaningless.
func tripSignature(trips []busdb.Block) string {
	parts := make([]string, 0, len(trips))
	for _, trip := range trips {
		dir := int64(-1)
		if trip.Direction.Valid {
			dir = trip.Direction.Int64
		}
		parts = append(parts, fmt.Sprintf("%d|%s|%d", trip.StartTime, trip.RouteID, dir))
	}
	sort.Strings(parts)
	return strings.Join(parts, ";")
}
