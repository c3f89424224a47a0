package settlement_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wnt/fortuna/internal/errorx"
	"github.com/wnt/fortuna/internal/ledger"
	"github.com/wnt/fortuna/internal/models"
	"github.com/wnt/fortuna/internal/settlement"
	"github.com/wnt/fortuna/internal/solana"
	"github.com/wnt/fortuna/internal/testutil"
	"github.com/wnt/fortuna/internal/tiers"
)

type fakePayer struct {
	mu         sync.Mutex
	seq        int
	prepared   []solana.Transfer
	sent       []string
	prepareErr error
	hangOnSend bool
	onSend     func()
	statusErr  error
	statuses   map[string]solana.Status
	height     uint64
}

func newFakePayer() *fakePayer {
	return &fakePayer{statuses: map[string]solana.Status{}, height: 1000}
}

func (p *fakePayer) Prepare(_ context.Context, wallet string, lamports int64) (solana.Transfer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.prepareErr != nil {
		return solana.Transfer{}, p.prepareErr
	}
	p.seq++
	tr := solana.Transfer{
		Signature:            fmt.Sprintf("sig-%d", p.seq),
		LastValidBlockHeight: p.height + 150,
		Raw:                  []byte(fmt.Sprintf("%s:%d", wallet, lamports)),
	}
	p.prepared = append(p.prepared, tr)
	return tr, nil
}

func (p *fakePayer) Send(ctx context.Context, tr solana.Transfer) error {
	p.mu.Lock()
	hang := p.hangOnSend
	onSend := p.onSend
	p.sent = append(p.sent, tr.Signature)
	p.mu.Unlock()
	if onSend != nil {
		onSend()
	}
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (p *fakePayer) Status(_ context.Context, sig string) (solana.Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.statusErr != nil {
		return solana.Status{}, p.statusErr
	}
	return p.statuses[sig], nil
}

func (p *fakePayer) BlockHeight(context.Context) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.height, nil
}

func (p *fakePayer) setStatus(sig string, st solana.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses[sig] = st
}

func (p *fakePayer) setHeight(h uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.height = h
}

var finalized = solana.Status{Found: true, Finalized: true}

type fixture struct {
	store *ledger.Store
	clock *testutil.Clock
	payer *fakePayer
}

func newFixture(t *testing.T) *fixture {
	db := testutil.NewDB(t)
	testutil.CreateUser(t, db, "alice")
	return &fixture{
		store: ledger.New(db),
		clock: testutil.NewClock(time.Date(2025, time.April, 2, 12, 0, 0, 0, time.UTC)),
		payer: newFakePayer(),
	}
}

func (f *fixture) settler(opts ...settlement.Option) *settlement.Settler {
	opts = append([]settlement.Option{
		settlement.WithClock(f.clock.Now),
		settlement.WithSubmitTimeout(20 * time.Millisecond),
		settlement.WithPollInterval(10 * time.Second),
		settlement.WithBackoff(time.Minute, 10*time.Minute),
	}, opts...)
	return settlement.NewSettler(f.store, f.payer, zerolog.Nop(), opts...)
}

// winnerPayout creates a completed weekly draw with one winner and its payout.
func (f *fixture) winnerPayout(t *testing.T) (*models.Winner, *models.Payout) {
	ctx := context.Background()
	start := time.Date(2025, time.March, 24, 0, 0, 0, 0, time.UTC)
	d := &models.Draw{
		Tier:        models.TierWeekly,
		PeriodStart: start,
		DrawTime:    start.AddDate(0, 0, 7),
		Status:      models.DrawStatusCompleted,
		PrizeAmount: 2 * tiers.LamportsPerSOL,
	}
	require.NoError(t, f.store.CreateDraw(ctx, d))

	w := &models.Winner{UserID: "alice", DrawID: d.ID, PrizeAmount: d.PrizeAmount}
	require.NoError(t, f.store.CreateWinners(ctx, []*models.Winner{w}))

	p := &models.Payout{
		Source:        models.PayoutSourceDraw,
		WinnerID:      &w.ID,
		UserID:        "alice",
		WalletAddress: testutil.Wallet("alice"),
		Amount:        w.PrizeAmount,
		Status:        models.PayoutStatusAwaiting,
		NextAttemptAt: f.clock.Now(),
	}
	require.NoError(t, f.store.CreatePayouts(ctx, p))
	return w, p
}

func (f *fixture) pullPayout(t *testing.T) *models.Payout {
	pullID := "pull-1"
	p := &models.Payout{
		Source:        models.PayoutSourcePull,
		PullID:        &pullID,
		UserID:        "alice",
		WalletAddress: testutil.Wallet("alice"),
		Amount:        tiers.LamportsPerSOL / 20,
		Status:        models.PayoutStatusAwaiting,
		NextAttemptAt: f.clock.Now(),
	}
	require.NoError(t, f.store.CreatePayouts(context.Background(), p))
	return p
}

func TestSettleConfirmsWinnerPayout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w, p := f.winnerPayout(t)
	s := f.settler()

	got, err := s.SettleWinner(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusSubmitted, got.Status)
	require.NotNil(t, got.Signature)
	assert.Equal(t, "sig-1", *got.Signature)
	assert.Equal(t, 1, got.Attempts)

	f.payer.setStatus("sig-1", finalized)
	f.clock.Advance(15 * time.Second)

	got, err = s.Settle(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusConfirmed, got.Status)
	assert.NotNil(t, got.ConfirmedAt)

	winner, err := f.store.GetWinner(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, winner.PrizeClaimed)
	require.NotNil(t, winner.TransactionSignature)
	assert.Equal(t, "sig-1", *winner.TransactionSignature)

	stat, err := f.store.GetStats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, w.PrizeAmount, stat.TotalSolWon)
	assert.Zero(t, stat.InstantWins)

	// Confirmed payouts are left alone.
	again, err := s.Settle(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusConfirmed, again.Status)
	assert.Len(t, f.payer.prepared, 1)
}

func TestTimedOutSubmissionKeepsOneSignature(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w, p := f.winnerPayout(t)
	f.payer.hangOnSend = true
	s := f.settler()

	got, err := s.Settle(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusSubmitted, got.Status)
	assert.NotEmpty(t, got.LastError)

	// Retries only poll while the blockhash is still valid.
	for i := 0; i < 3; i++ {
		f.clock.Advance(15 * time.Second)
		got, err = s.Settle(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, models.PayoutStatusSubmitted, got.Status)
	}

	f.payer.setStatus("sig-1", finalized)
	got, err = s.Settle(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusConfirmed, got.Status)

	assert.Len(t, f.payer.prepared, 1)
	assert.Equal(t, []string{"sig-1"}, f.payer.sent)

	winner, err := f.store.GetWinner(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "sig-1", *winner.TransactionSignature)
}

func TestSendErrorOnMovedPayoutIsLogged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, p := f.winnerPayout(t)
	f.payer.hangOnSend = true
	// An operator parks the payout while the send is still in flight.
	f.payer.onSend = func() {
		require.NoError(t, f.store.TransitionPayout(ctx, p.ID, models.PayoutStatusSubmitted, map[string]any{
			"status": models.PayoutStatusManualReview,
		}))
	}

	var logs bytes.Buffer
	s := settlement.NewSettler(f.store, f.payer, zerolog.New(&logs),
		settlement.WithClock(f.clock.Now),
		settlement.WithSubmitTimeout(20*time.Millisecond),
	)

	got, err := s.Settle(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusManualReview, got.Status)
	assert.Empty(t, got.LastError)
	assert.Contains(t, logs.String(), "Failed to record send error on payout")
	assert.Contains(t, logs.String(), `"level":"warn"`)
}

func TestExpiredBlockhashFailsThenResubmits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, p := f.winnerPayout(t)
	s := f.settler()

	got, err := s.Settle(ctx, p.ID)
	require.NoError(t, err)
	f.payer.setHeight(got.LastValidBlockHeight + 1)

	got, err = s.Settle(ctx, p.ID)
	assert.ErrorIs(t, err, errorx.ErrPayoutFailed)
	assert.Equal(t, errorx.KindSettlement, errorx.KindOf(err))
	assert.Equal(t, models.PayoutStatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, f.clock.Now().Add(time.Minute), got.NextAttemptAt.UTC())

	// Backoff holds the retry.
	got, err = s.Settle(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusFailed, got.Status)

	f.clock.Advance(time.Minute)
	got, err = s.Settle(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusSubmitted, got.Status)
	assert.Equal(t, "sig-2", *got.Signature)
	assert.Equal(t, 2, got.Attempts)
}

func TestLandedTransferFoundAfterExpiryConfirms(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, p := f.winnerPayout(t)
	s := f.settler()

	got, err := s.Settle(ctx, p.ID)
	require.NoError(t, err)
	f.payer.setHeight(got.LastValidBlockHeight + 10)
	f.payer.setStatus("sig-1", finalized)

	got, err = s.Settle(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusConfirmed, got.Status)
}

func TestOnChainErrorsEndInManualReview(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, p := f.winnerPayout(t)
	s := f.settler(settlement.WithMaxAttempts(2))
	rejected := solana.Status{Found: true, Finalized: true, Err: "InsufficientFundsForRent"}

	_, err := s.Settle(ctx, p.ID)
	require.NoError(t, err)
	f.payer.setStatus("sig-1", rejected)
	got, err := s.Settle(ctx, p.ID)
	assert.ErrorIs(t, err, errorx.ErrPayoutFailed)
	assert.Equal(t, models.PayoutStatusFailed, got.Status)

	f.clock.Advance(time.Minute)
	_, err = s.Settle(ctx, p.ID)
	require.NoError(t, err)
	f.payer.setStatus("sig-2", rejected)
	got, err = s.Settle(ctx, p.ID)
	assert.ErrorIs(t, err, errorx.ErrManualReview)
	assert.Equal(t, models.PayoutStatusManualReview, got.Status)
	assert.Contains(t, got.LastError, "InsufficientFundsForRent")

	f.clock.Advance(time.Hour)
	got, err = s.Settle(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusManualReview, got.Status)
	assert.Len(t, f.payer.prepared, 2)

	parked, err := f.store.PayoutsByStatus(ctx, models.PayoutStatusManualReview)
	require.NoError(t, err)
	assert.Len(t, parked, 1)

	reset, err := s.RetryManualPayout(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusAwaiting, reset.Status)
	assert.Zero(t, reset.Attempts)
	assert.Nil(t, reset.Signature)

	_, err = s.RetryManualPayout(ctx, p.ID)
	assert.ErrorIs(t, err, errorx.New(errorx.BadRequest, ""))
}

func TestPrepareFailureCountsAsAttempt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.pullPayout(t)
	f.payer.prepareErr = errors.New("node unreachable")
	s := f.settler()

	got, err := s.Settle(ctx, p.ID)
	assert.ErrorIs(t, err, errorx.ErrPayoutFailed)
	assert.Equal(t, models.PayoutStatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Nil(t, got.Signature)
	assert.Empty(t, f.payer.sent)
}

func TestPullPayoutCountsInstantWin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.pullPayout(t)
	s := f.settler()

	_, err := s.Settle(ctx, p.ID)
	require.NoError(t, err)
	f.payer.setStatus("sig-1", finalized)
	got, err := s.Settle(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusConfirmed, got.Status)

	stat, err := f.store.GetStats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, stat.InstantWins)
	assert.Equal(t, p.Amount, stat.TotalSolWon)
}

func TestStatusOutageIsTransient(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.pullPayout(t)
	s := f.settler()

	_, err := s.Settle(ctx, p.ID)
	require.NoError(t, err)
	f.payer.statusErr = errors.New("connection refused")

	got, err := s.Settle(ctx, p.ID)
	assert.True(t, errorx.Retryable(err))
	assert.Equal(t, models.PayoutStatusSubmitted, got.Status)
}

func TestSettleUnknownPayout(t *testing.T) {
	f := newFixture(t)
	_, err := f.settler().Settle(context.Background(), "missing")
	assert.ErrorIs(t, err, errorx.ErrNotFound)
}
