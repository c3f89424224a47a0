package stats

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/wnt/fortuna/internal/errorx"
	"github.com/wnt/fortuna/internal/ledger"
	"github.com/wnt/fortuna/internal/logger"
	"github.com/wnt/fortuna/internal/metrics"
	"github.com/wnt/fortuna/internal/models"
)

// Aggregator checks and repairs the stored counters against history.
type Aggregator struct {
	store  *ledger.Store
	logger zerolog.Logger
}

// Report is the outcome of one verification.
type Report struct {
	UserID string
	Stored models.UserStat
	Folded models.UserStat
	Diffs  []string
}

// Consistent reports whether stored and folded stats agree.
func (r *Report) Consistent() bool {
	return len(r.Diffs) == 0
}

// Summary aggregates a reconciliation run.
type Summary struct {
	Checked    int
	Violations int
	Repaired   int
}

// NewAggregator creates an aggregator.
func NewAggregator(store *ledger.Store, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		store:  store,
		logger: log.With().Str("component", "stats").Logger(),
	}
}

// LoadHistory reads everything a user's stats derive from.
func LoadHistory(ctx context.Context, store *ledger.Store, userID string) (History, error) {
	var (
		h   History
		err error
	)
	if h.Tickets, err = store.TicketsByUser(ctx, userID, false); err != nil {
		return h, err
	}
	if h.Pulls, err = store.PullsByUser(ctx, userID); err != nil {
		return h, err
	}
	if h.Winners, err = store.WinnersByUser(ctx, userID); err != nil {
		return h, err
	}
	if h.ConfirmedPayouts, err = store.ConfirmedPayoutsByUser(ctx, userID); err != nil {
		return h, err
	}
	return h, nil
}

// Verify compares the stored stats with the folded history. A mismatch is
// logged, counted and returned as an IntegrityViolation; nothing is
// corrected.
func (a *Aggregator) Verify(ctx context.Context, userID string) (*Report, error) {
	report := &Report{UserID: userID}

	err := a.store.Transaction(ctx, func(tx *ledger.Store) error {
		stored, err := tx.LockStats(ctx, userID)
		if err != nil {
			return err
		}
		h, err := LoadHistory(ctx, tx, userID)
		if err != nil {
			return err
		}
		report.Stored = *stored
		report.Folded = Fold(userID, h)
		return nil
	})
	if err != nil {
		return nil, err
	}

	report.Diffs = Diff(report.Stored, report.Folded)
	if report.Consistent() {
		return report, nil
	}

	metrics.RecordIntegrityViolation()
	log := logger.WithUser(a.logger, userID)
	log.Error().
		Strs("fields", report.Diffs).
		Msg("User stats disagree with history")

	return report, errorx.Wrap(errorx.IntegrityViolation, "integrity violation",
		fmt.Errorf("stats of user %s: %s", userID, strings.Join(report.Diffs, ", ")))
}

// Rebuild overwrites the stored stats with the folded history.
func (a *Aggregator) Rebuild(ctx context.Context, userID string) (*models.UserStat, error) {
	var rebuilt models.UserStat

	err := a.store.Transaction(ctx, func(tx *ledger.Store) error {
		stored, err := tx.LockStats(ctx, userID)
		if err != nil {
			return err
		}
		h, err := LoadHistory(ctx, tx, userID)
		if err != nil {
			return err
		}

		rebuilt = Fold(userID, h)
		rebuilt.UpdatedAt = stored.UpdatedAt
		return tx.SaveStats(ctx, &rebuilt)
	})
	if err != nil {
		return nil, err
	}

	log := logger.WithUser(a.logger, userID)
	log.Warn().Msg("Rebuilt user stats from history")
	return &rebuilt, nil
}

// ReconcileAll verifies every user. With repair, mismatched users are
// rebuilt.
func (a *Aggregator) ReconcileAll(ctx context.Context, repair bool) (Summary, error) {
	var summary Summary

	ids, err := a.store.UserIDs(ctx)
	if err != nil {
		return summary, err
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		summary.Checked++
		report, err := a.Verify(ctx, id)
		if err == nil {
			continue
		}
		if report == nil {
			return summary, err
		}

		summary.Violations++
		if !repair {
			continue
		}
		if _, err := a.Rebuild(ctx, id); err != nil {
			return summary, err
		}
		summary.Repaired++
	}

	a.logger.Info().
		Int("checked", summary.Checked).
		Int("violations", summary.Violations).
		Int("repaired", summary.Repaired).
		Msg("Stats reconciliation finished")

	return summary, nil
}

// Diff names the counters that differ.
func Diff(a, b models.UserStat) []string {
	fields := []struct {
		name string
		x, y int64
	}{
		{"currentDailyTickets", int64(a.CurrentDailyTickets), int64(b.CurrentDailyTickets)},
		{"currentWeeklyTickets", int64(a.CurrentWeeklyTickets), int64(b.CurrentWeeklyTickets)},
		{"currentMonthlyTickets", int64(a.CurrentMonthlyTickets), int64(b.CurrentMonthlyTickets)},
		{"currentYearlyTickets", int64(a.CurrentYearlyTickets), int64(b.CurrentYearlyTickets)},
		{"lifetimeDailyTickets", int64(a.LifetimeDailyTickets), int64(b.LifetimeDailyTickets)},
		{"lifetimeWeeklyTickets", int64(a.LifetimeWeeklyTickets), int64(b.LifetimeWeeklyTickets)},
		{"lifetimeMonthlyTickets", int64(a.LifetimeMonthlyTickets), int64(b.LifetimeMonthlyTickets)},
		{"lifetimeYearlyTickets", int64(a.LifetimeYearlyTickets), int64(b.LifetimeYearlyTickets)},
		{"totalPulls", int64(a.TotalPulls), int64(b.TotalPulls)},
		{"rewardPulls", int64(a.RewardPulls), int64(b.RewardPulls)},
		{"ticketPulls", int64(a.TicketPulls), int64(b.TicketPulls)},
		{"drawWins", int64(a.DrawWins), int64(b.DrawWins)},
		{"instantWins", int64(a.InstantWins), int64(b.InstantWins)},
		{"totalSolSpent", a.TotalSolSpent, b.TotalSolSpent},
		{"totalSolWon", a.TotalSolWon, b.TotalSolWon},
		{"totalRewardBuybacks", a.TotalRewardBuybacks, b.TotalRewardBuybacks},
	}

	var diffs []string
	for _, f := range fields {
		if f.x != f.y {
			diffs = append(diffs, f.name)
		}
	}

	switch {
	case a.LastPullAt == nil && b.LastPullAt == nil:
	case a.LastPullAt == nil || b.LastPullAt == nil || !a.LastPullAt.Equal(*b.LastPullAt):
		diffs = append(diffs, "lastPullAt")
	}
	return diffs
}
