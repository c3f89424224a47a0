// Package period computes the calendar windows of each raffle tier. All
// boundaries are in UTC; weeks start on Monday.
package period

import (
	"time"

	"github.com/wnt/fortuna/internal/models"
)

// Start returns the start of the tier period containing t.
func Start(tier models.Tier, t time.Time) time.Time {
	t = t.UTC()
	y, m, d := t.Date()

	switch tier {
	case models.TierDaily:
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	case models.TierWeekly:
		offset := (int(t.Weekday()) + 6) % 7
		return time.Date(y, m, d-offset, 0, 0, 0, 0, time.UTC)
	case models.TierMonthly:
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(y, time.January, 1, 0, 0, 0, 0, time.UTC)
	}
}

// End returns the exclusive end of the period starting at start. It is also
// the draw time of that period.
func End(tier models.Tier, start time.Time) time.Time {
	start = start.UTC()

	switch tier {
	case models.TierDaily:
		return start.AddDate(0, 0, 1)
	case models.TierWeekly:
		return start.AddDate(0, 0, 7)
	case models.TierMonthly:
		return start.AddDate(0, 1, 0)
	default:
		return start.AddDate(1, 0, 0)
	}
}

// Next returns the start of the period following the one starting at start.
func Next(tier models.Tier, start time.Time) time.Time {
	return End(tier, start)
}

// Window returns the period containing t as [start, end).
func Window(tier models.Tier, t time.Time) (time.Time, time.Time) {
	start := Start(tier, t)
	return start, End(tier, start)
}
