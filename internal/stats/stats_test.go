package stats_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wnt/fortuna/internal/draw"
	"github.com/wnt/fortuna/internal/errorx"
	"github.com/wnt/fortuna/internal/ledger"
	"github.com/wnt/fortuna/internal/models"
	"github.com/wnt/fortuna/internal/period"
	"github.com/wnt/fortuna/internal/pull"
	"github.com/wnt/fortuna/internal/settlement"
	"github.com/wnt/fortuna/internal/solana"
	"github.com/wnt/fortuna/internal/stats"
	"github.com/wnt/fortuna/internal/testutil"
	"github.com/wnt/fortuna/internal/tiers"
)

// sequence hands out preset rolls and always the first prize.
type sequence struct {
	rolls []float64
	next  int
}

func (s *sequence) Float64() float64 {
	v := s.rolls[s.next%len(s.rolls)]
	s.next++
	return v
}

func (s *sequence) IntN(int) int { return 0 }

type beacon struct{}

func (beacon) Observe(context.Context, time.Time) (draw.BeaconValue, error) {
	return draw.BeaconValue{Slot: 7, Hash: "4sGjMW1sUnHzSxGspuhpqLDx6wiyjNtZAMdL4VZHirAn"}, nil
}

// landingPayer confirms every transfer on the first status check.
type landingPayer struct{ n int }

func (p *landingPayer) Prepare(context.Context, string, int64) (solana.Transfer, error) {
	p.n++
	return solana.Transfer{Signature: fmt.Sprintf("sig-%d", p.n), LastValidBlockHeight: 100}, nil
}
func (p *landingPayer) Send(context.Context, solana.Transfer) error { return nil }
func (p *landingPayer) Status(context.Context, string) (solana.Status, error) {
	return solana.Status{Found: true, Finalized: true}, nil
}
func (p *landingPayer) BlockHeight(context.Context) (uint64, error) { return 1, nil }

var monday = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

// play runs pulls, a weekly draw and settlement so every counter moves.
func play(t *testing.T) (*ledger.Store, *stats.Aggregator) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	testutil.CreateUser(t, db, "alice")
	testutil.CreateUser(t, db, "bob")
	store := ledger.New(db)
	clock := testutil.NewClock(monday)
	tables := tiers.Defaults()

	rolls := &sequence{rolls: []float64{0.99, 0.0, 0.99, 0.99}}
	engine := pull.NewEngine(store, tables, zerolog.Nop(), pull.WithClock(clock.Now), pull.WithRandom(rolls))
	for _, req := range []pull.Request{
		{UserID: "alice", Tier: models.TierWeekly},
		{UserID: "alice", Tier: models.TierDaily},
		{UserID: "bob", Tier: models.TierWeekly},
		{UserID: "bob", Tier: models.TierMonthly},
	} {
		_, err := engine.Pull(ctx, req)
		require.NoError(t, err)
	}

	d, _, err := draw.EnsureDraw(ctx, store, tables, models.TierWeekly, period.Start(models.TierWeekly, monday))
	require.NoError(t, err)
	clock.Set(d.DrawTime.Add(time.Minute))

	executor := draw.NewExecutor(store, beacon{}, tables, zerolog.Nop(), draw.WithClock(clock.Now))
	result, err := executor.ExecuteDraw(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, result.Winners, 1)

	settler := settlement.NewSettler(store, &landingPayer{}, zerolog.Nop(), settlement.WithClock(clock.Now))
	for _, status := range []models.PayoutStatus{models.PayoutStatusAwaiting, models.PayoutStatusSubmitted} {
		payouts, err := store.PayoutsByStatus(ctx, status)
		require.NoError(t, err)
		for _, p := range payouts {
			_, err := settler.Settle(ctx, p.ID)
			require.NoError(t, err)
		}
	}
	confirmed, err := store.PayoutsByStatus(ctx, models.PayoutStatusConfirmed)
	require.NoError(t, err)
	require.Len(t, confirmed, 2)

	return store, stats.NewAggregator(store, zerolog.Nop())
}

func TestFoldMatchesIncrementalStats(t *testing.T) {
	ctx := context.Background()
	store, agg := play(t)

	for _, id := range []string{"alice", "bob"} {
		report, err := agg.Verify(ctx, id)
		require.NoError(t, err, id)
		assert.True(t, report.Consistent(), id)

		h, err := stats.LoadHistory(ctx, store, id)
		require.NoError(t, err)
		folded := stats.Fold(id, h)
		stored, err := store.GetStats(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, stats.Diff(*stored, folded), id)
	}

	alice, err := store.GetStats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, alice.TotalPulls)
	assert.Equal(t, 1, alice.RewardPulls)
	assert.Equal(t, 1, alice.TicketPulls)
	assert.Equal(t, 1, alice.InstantWins)
	assert.Zero(t, alice.CurrentWeeklyTickets)
	assert.Equal(t, 1, alice.LifetimeWeeklyTickets)

	bob, err := store.GetStats(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, bob.CurrentMonthlyTickets)
	assert.Equal(t, 1, bob.CurrentYearlyTickets)
	assert.Zero(t, bob.CurrentWeeklyTickets)

	assert.Equal(t, 1, alice.DrawWins+bob.DrawWins)
	weeklyBase := tiers.Defaults()[models.TierWeekly].BasePrize
	assert.Equal(t, weeklyBase+alice.TotalRewardBuybacks, alice.TotalSolWon+bob.TotalSolWon)
}

func TestVerifyReportsMismatchWithoutFixing(t *testing.T) {
	ctx := context.Background()
	store, agg := play(t)

	stat, err := store.GetStats(ctx, "alice")
	require.NoError(t, err)
	stat.TotalPulls += 3
	stat.CurrentDailyTickets = 9
	require.NoError(t, store.SaveStats(ctx, stat))

	report, err := agg.Verify(ctx, "alice")
	assert.ErrorIs(t, err, errorx.ErrIntegrity)
	assert.Equal(t, errorx.KindIntegrity, errorx.KindOf(err))
	require.NotNil(t, report)
	assert.ElementsMatch(t, []string{"totalPulls", "currentDailyTickets"}, report.Diffs)

	again, err := store.GetStats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, stat.TotalPulls, again.TotalPulls)
}

func TestReconcileAllRepairs(t *testing.T) {
	ctx := context.Background()
	store, agg := play(t)

	stat, err := store.GetStats(ctx, "bob")
	require.NoError(t, err)
	stat.TotalSolWon = 1
	require.NoError(t, store.SaveStats(ctx, stat))

	summary, err := agg.ReconcileAll(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, stats.Summary{Checked: 2, Violations: 1}, summary)

	summary, err = agg.ReconcileAll(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, stats.Summary{Checked: 2, Violations: 1, Repaired: 1}, summary)

	_, err = agg.Verify(ctx, "bob")
	assert.NoError(t, err)
}

func TestRebuildFromEmptyHistory(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	testutil.CreateUser(t, db, "dave")
	agg := stats.NewAggregator(ledger.New(db), zerolog.Nop())

	rebuilt, err := agg.Rebuild(ctx, "dave")
	require.NoError(t, err)
	assert.True(t, rebuilt.Equal(models.UserStat{UserID: "dave"}))
}
