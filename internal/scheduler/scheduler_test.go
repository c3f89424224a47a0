package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wnt/fortuna/internal/draw"
	"github.com/wnt/fortuna/internal/ledger"
	"github.com/wnt/fortuna/internal/models"
	"github.com/wnt/fortuna/internal/testutil"
	"github.com/wnt/fortuna/internal/tiers"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[models.Tier]error
	store *ledger.Store
}

func (r *fakeRunner) ExecuteDraw(ctx context.Context, drawID string) (*draw.Result, error) {
	d, err := r.store.GetDraw(ctx, drawID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.calls[drawID]++
	failure := r.fail[d.Tier]
	r.mu.Unlock()

	if failure != nil {
		return nil, failure
	}

	now := d.DrawTime
	d.CompletedAt = &now
	d.TicketPool = models.Array[string]{}
	if err := r.store.CompleteDraw(ctx, d); err != nil {
		return nil, err
	}
	return &draw.Result{Draw: d, NoEntrants: true}, nil
}

type fixture struct {
	store  *ledger.Store
	clock  *testutil.Clock
	runner *fakeRunner
	sched  *Scheduler
}

func newFixture(t *testing.T, lock Locker) *fixture {
	store := ledger.New(testutil.NewDB(t))
	f := &fixture{
		store: store,
		clock: testutil.NewClock(time.Date(2025, time.March, 12, 12, 0, 0, 0, time.UTC)),
		runner: &fakeRunner{
			calls: map[string]int{},
			fail:  map[models.Tier]error{},
			store: store,
		},
	}
	f.sched = New(store, f.runner, tiers.Defaults(), lock, "@every 1m", 3, zerolog.Nop(), WithClock(f.clock.Now))
	return f
}

func (f *fixture) pending(t *testing.T) []models.Draw {
	draws, err := f.store.DrawsByStatus(context.Background(), models.DrawStatusPending)
	require.NoError(t, err)
	return draws
}

func TestTickOpensEveryTier(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &LocalLock{})

	require.NoError(t, f.sched.Tick(ctx))
	require.NoError(t, f.sched.Tick(ctx))

	draws := f.pending(t)
	require.Len(t, draws, 4)

	seen := map[models.Tier]models.Draw{}
	for _, d := range draws {
		seen[d.Tier] = d
	}
	assert.Equal(t, time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC), seen[models.TierDaily].PeriodStart)
	assert.Equal(t, time.Date(2025, 3, 13, 0, 0, 0, 0, time.UTC), seen[models.TierDaily].DrawTime)
	assert.Equal(t, tiers.Defaults()[models.TierYearly].BasePrize, seen[models.TierYearly].PrizeAmount)
}

func TestTickExecutesDueDraws(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &LocalLock{})

	require.NoError(t, f.sched.Tick(ctx))
	daily, err := f.store.DrawForPeriod(ctx, models.TierDaily, time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	f.clock.Set(time.Date(2025, 3, 13, 0, 0, 30, 0, time.UTC))
	require.NoError(t, f.sched.Tick(ctx))
	require.NoError(t, f.sched.Tick(ctx))

	assert.Equal(t, 1, f.runner.calls[daily.ID])

	got, err := f.store.GetDraw(ctx, daily.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DrawStatusCompleted, got.Status)

	// the new daily period was opened on the same tick
	_, err = f.store.DrawForPeriod(ctx, models.TierDaily, time.Date(2025, 3, 13, 0, 0, 0, 0, time.UTC))
	assert.NoError(t, err)
}

func TestFailingTierStallsWithoutBlockingOthers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &LocalLock{})
	f.runner.fail[models.TierDaily] = errors.New("beacon unavailable")

	// Open the March 10-16 week and March 12 day, then move past both.
	require.NoError(t, f.sched.Tick(ctx))
	f.clock.Set(time.Date(2025, 3, 17, 0, 5, 0, 0, time.UTC))

	for i := 0; i < 3; i++ {
		err := f.sched.Tick(ctx)
		assert.Error(t, err)
	}

	stalled, err := f.store.DrawsByStatus(ctx, models.DrawStatusStalled)
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, models.TierDaily, stalled[0].Tier)
	assert.Equal(t, 3, stalled[0].Attempts)
	assert.Equal(t, "beacon unavailable", stalled[0].LastError)

	weekly, err := f.store.DrawForPeriod(ctx, models.TierWeekly, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, models.DrawStatusCompleted, weekly.Status)

	// stalled draws are no longer retried
	calls := f.runner.calls[stalled[0].ID]
	_ = f.sched.Tick(ctx)
	assert.Equal(t, calls, f.runner.calls[stalled[0].ID])

	f.runner.fail[models.TierDaily] = nil
	require.NoError(t, f.sched.RetryStalledDraw(ctx, stalled[0].ID))
	require.NoError(t, f.sched.Tick(ctx))

	got, err := f.store.GetDraw(ctx, stalled[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.DrawStatusCompleted, got.Status)
}

func TestFailingDrawHoldsBackLaterDrawsOfItsTier(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &LocalLock{})
	f.runner.fail[models.TierDaily] = errors.New("beacon unavailable")

	require.NoError(t, f.sched.Tick(ctx))
	f.clock.Set(time.Date(2025, 3, 13, 0, 0, 30, 0, time.UTC))
	assert.Error(t, f.sched.Tick(ctx))

	day12, err := f.store.DrawForPeriod(ctx, models.TierDaily, time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	day13, err := f.store.DrawForPeriod(ctx, models.TierDaily, time.Date(2025, 3, 13, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	f.clock.Set(time.Date(2025, 3, 14, 0, 0, 30, 0, time.UTC))
	assert.Error(t, f.sched.Tick(ctx))

	assert.Equal(t, 2, f.runner.calls[day12.ID])
	assert.Zero(t, f.runner.calls[day13.ID])
}

type heldLock struct{}

func (heldLock) TryLock(context.Context) (bool, error) { return false, nil }
func (heldLock) Unlock(context.Context) error          { return ErrLockNotHeld }

func TestTickWithoutLeadershipDoesNothing(t *testing.T) {
	f := newFixture(t, heldLock{})

	require.NoError(t, f.sched.Tick(context.Background()))
	assert.Empty(t, f.pending(t))
}

func TestLocalLock(t *testing.T) {
	ctx := context.Background()
	var l LocalLock

	ok, err := l.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = l.TryLock(ctx)
	assert.False(t, ok)

	require.NoError(t, l.Unlock(ctx))
	ok, _ = l.TryLock(ctx)
	assert.True(t, ok)
}

func TestStartRejectsBadSpec(t *testing.T) {
	f := newFixture(t, &LocalLock{})
	f.sched.spec = "not a spec"
	assert.Error(t, f.sched.Start(context.Background()))
}
