// Package draw closes raffle periods: it selects winners from the eligible
// ticket pool with a block-hash anchored seed and settles the pool in one
// ledger transaction.
package draw

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wnt/fortuna/internal/errorx"
	"github.com/wnt/fortuna/internal/ledger"
	"github.com/wnt/fortuna/internal/logger"
	"github.com/wnt/fortuna/internal/metrics"
	"github.com/wnt/fortuna/internal/models"
	"github.com/wnt/fortuna/internal/period"
	"github.com/wnt/fortuna/internal/stats"
	"github.com/wnt/fortuna/internal/tiers"
)

// BeaconValue is a finalized block observed after a draw time.
type BeaconValue struct {
	Slot uint64
	Hash string
}

// Beacon provides the public randomness a draw is anchored on.
type Beacon interface {
	// Observe returns a finalized block produced at or after the given time.
	Observe(ctx context.Context, after time.Time) (BeaconValue, error)
}

// Result describes an executed draw.
type Result struct {
	Draw             *models.Draw
	Winners          []models.Winner
	NoEntrants       bool
	RolledOverTo     string
	AlreadyCompleted bool
}

// Executor runs draws.
type Executor struct {
	store          *ledger.Store
	beacon         Beacon
	selection      WinnerSelection
	tables         tiers.Tables
	winnersPerDraw int
	beaconTimeout  time.Duration
	now            func() time.Time
	logger         zerolog.Logger
}

// Option customizes an Executor.
type Option func(*Executor)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(x *Executor) { x.now = now }
}

// WithSelection replaces the weighted selection.
func WithSelection(s WinnerSelection) Option {
	return func(x *Executor) { x.selection = s }
}

// WithWinnersPerDraw sets how many distinct users a draw picks.
func WithWinnersPerDraw(n int) Option {
	return func(x *Executor) { x.winnersPerDraw = n }
}

// NewExecutor creates a draw executor.
func NewExecutor(store *ledger.Store, beacon Beacon, tables tiers.Tables, log zerolog.Logger, opts ...Option) *Executor {
	x := &Executor{
		store:          store,
		beacon:         beacon,
		selection:      WeightedSelection{},
		tables:         tables,
		winnersPerDraw: 1,
		beaconTimeout:  30 * time.Second,
		now:            time.Now,
		logger:         log.With().Str("component", "draw").Logger(),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// EnsureDraw returns the draw of a tier period, creating it pending with the
// tier's base prize when absent.
func EnsureDraw(ctx context.Context, store *ledger.Store, tables tiers.Tables, tier models.Tier, periodStart time.Time) (*models.Draw, bool, error) {
	d, err := store.DrawForPeriod(ctx, tier, periodStart)
	if err == nil {
		return d, false, nil
	}
	if !ledger.IsNotFound(err) {
		return nil, false, err
	}

	d = &models.Draw{
		Tier:        tier,
		PeriodStart: periodStart.UTC(),
		DrawTime:    period.End(tier, periodStart),
		Status:      models.DrawStatusPending,
		PrizeAmount: tables[tier].BasePrize,
	}
	err = store.CreateDraw(ctx, d)
	if errors.Is(err, errorx.ErrDuplicateDrawPeriod) {
		existing, getErr := store.DrawForPeriod(ctx, tier, periodStart)
		if getErr != nil {
			return nil, false, getErr
		}
		return existing, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return d, true, nil
}

// ExecuteDraw closes a due draw. Executing a completed draw again returns
// its recorded outcome without touching the ledger.
func (x *Executor) ExecuteDraw(ctx context.Context, drawID string) (*Result, error) {
	d, err := x.store.GetDraw(ctx, drawID)
	if err != nil {
		return nil, err
	}
	log := logger.WithDraw(logger.WithTier(x.logger, string(d.Tier)), d.ID)

	switch d.Status {
	case models.DrawStatusCompleted:
		return x.completedResult(ctx, d)
	case models.DrawStatusStalled:
		return nil, errorx.Wrap(errorx.DrawNotPending, "draw is not pending",
			fmt.Errorf("draw %s is stalled", d.ID))
	}

	now := x.now().UTC()
	if now.Before(d.DrawTime) {
		return nil, errorx.Newf(errorx.BadRequest, "draw closes at %s", d.DrawTime.Format(time.RFC3339))
	}

	// Draws of a tier close in order; a later draw would take the earlier
	// one's tickets.
	open, err := x.store.OpenDrawBefore(ctx, d.Tier, d.DrawTime)
	switch {
	case err == nil:
		return nil, errorx.Wrap(errorx.DrawBlocked, "an earlier draw of the tier is still open",
			fmt.Errorf("draw %s waits for %s draw %s", d.ID, open.Status, open.ID))
	case !ledger.IsNotFound(err):
		return nil, err
	}

	pool, err := x.store.EligibleTickets(ctx, d.Tier, d.DrawTime)
	if err != nil {
		return nil, err
	}
	if len(pool) == 0 {
		return x.rollover(ctx, log, d, now)
	}

	beaconCtx, cancel := context.WithTimeout(ctx, x.beaconTimeout)
	beacon, err := x.beacon.Observe(beaconCtx, d.DrawTime)
	cancel()
	if err != nil {
		return nil, errorx.Wrap(errorx.NetworkFailure, "temporary network failure",
			fmt.Errorf("observe beacon: %w", err))
	}

	digest := PoolDigest(pool)
	seed := Seed(beacon.Hash, d.ID, d.Tier, d.PeriodStart, digest)
	stream, err := NewStream(seed)
	if err != nil {
		return nil, err
	}
	chosen := x.selection.Select(Entrants(pool), x.winnersPerDraw, stream)

	ids := make([]string, len(pool))
	for i, t := range pool {
		ids[i] = t.ID
	}

	d.BeaconSlot = beacon.Slot
	d.BeaconHash = beacon.Hash
	d.PoolDigest = digest
	d.Seed = seed
	d.TicketPool = ids
	d.CompletedAt = &now

	var winners []*models.Winner
	err = x.store.Transaction(ctx, func(tx *ledger.Store) error {
		locked, err := tx.LockDraw(ctx, d.ID)
		if err != nil {
			return err
		}
		if locked.Status != models.DrawStatusPending {
			return errorx.ErrDrawNotPending
		}

		// The pool must not have changed since the seed committed to it.
		current, err := tx.EligibleTickets(ctx, d.Tier, d.DrawTime)
		if err != nil {
			return err
		}
		if PoolDigest(current) != digest {
			return errorx.Wrap(errorx.LostRace, "concurrent update",
				fmt.Errorf("ticket pool of draw %s changed during execution", d.ID))
		}

		if err := tx.ConsumeTickets(ctx, ids, d.ID, now); err != nil {
			return err
		}

		winners, err = x.recordWinners(ctx, tx, locked, chosen, now)
		if err != nil {
			return err
		}

		if err := x.applyStats(ctx, tx, pool, winners); err != nil {
			return err
		}

		return tx.CompleteDraw(ctx, d)
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordDraw(string(d.Tier), "won")
	log.Info().
		Int("pool_size", len(pool)).
		Int("winners", len(winners)).
		Uint64("beacon_slot", beacon.Slot).
		Str("seed", seed).
		Msg("Draw completed")

	result := &Result{Draw: d}
	for _, w := range winners {
		result.Winners = append(result.Winners, *w)
	}
	return result, nil
}

func (x *Executor) recordWinners(ctx context.Context, tx *ledger.Store, d *models.Draw, chosen []string, now time.Time) ([]*models.Winner, error) {
	shares := SplitPrize(d.PrizeAmount, len(chosen))
	winners := make([]*models.Winner, 0, len(chosen))
	payouts := make([]*models.Payout, 0, len(chosen))

	for rank, userID := range chosen {
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return nil, err
		}

		w := &models.Winner{
			Base:        models.Base{ID: uuid.NewString(), CreatedAt: now},
			UserID:      userID,
			DrawID:      d.ID,
			Rank:        rank,
			PrizeAmount: shares[rank],
		}
		winners = append(winners, w)
		payouts = append(payouts, &models.Payout{
			Base:          models.Base{CreatedAt: now},
			Source:        models.PayoutSourceDraw,
			WinnerID:      &w.ID,
			UserID:        userID,
			WalletAddress: user.WalletAddress,
			Amount:        shares[rank],
			Status:        models.PayoutStatusAwaiting,
			NextAttemptAt: now,
		})
	}

	if err := tx.CreateWinners(ctx, winners); err != nil {
		return nil, err
	}
	if err := tx.CreatePayouts(ctx, payouts...); err != nil {
		return nil, err
	}
	return winners, nil
}

// applyStats locks affected users in ID order so concurrent draws of
// different tiers cannot deadlock.
func (x *Executor) applyStats(ctx context.Context, tx *ledger.Store, pool []models.Ticket, winners []*models.Winner) error {
	byUser := make(map[string][]*models.Ticket)
	for i := range pool {
		t := &pool[i]
		byUser[t.UserID] = append(byUser[t.UserID], t)
	}
	wins := make(map[string][]*models.Winner)
	for _, w := range winners {
		wins[w.UserID] = append(wins[w.UserID], w)
	}

	users := make([]string, 0, len(byUser))
	for id := range byUser {
		users = append(users, id)
	}
	sort.Strings(users)

	for _, id := range users {
		stat, err := tx.LockStats(ctx, id)
		if err != nil {
			return err
		}
		for _, t := range byUser[id] {
			stats.ApplyTicketConsumed(stat, t)
		}
		for _, w := range wins[id] {
			stats.ApplyWin(stat, w)
		}
		if err := tx.SaveStats(ctx, stat); err != nil {
			return err
		}
	}
	return nil
}

// rolloverTarget is the oldest pending draw of the tier after d. Without
// one, the next period without a closed draw gets a fresh draw.
func (x *Executor) rolloverTarget(ctx context.Context, d *models.Draw) (*models.Draw, error) {
	next, err := x.store.PendingDrawAfter(ctx, d.Tier, d.PeriodStart)
	if err == nil {
		return next, nil
	}
	if !ledger.IsNotFound(err) {
		return nil, err
	}

	for start := period.Next(d.Tier, d.PeriodStart); ; start = period.Next(d.Tier, start) {
		next, _, err := EnsureDraw(ctx, x.store, x.tables, d.Tier, start)
		if err != nil && !errors.Is(err, errorx.ErrDuplicateDrawPeriod) {
			return nil, err
		}
		if next.Status == models.DrawStatusPending {
			return next, nil
		}
	}
}

// rollover completes a draw without entrants and carries its prize into the
// next open draw of the tier.
func (x *Executor) rollover(ctx context.Context, log zerolog.Logger, d *models.Draw, now time.Time) (*Result, error) {
	next, err := x.rolloverTarget(ctx, d)
	if err != nil {
		return nil, err
	}

	d.PoolDigest = PoolDigest(nil)
	d.TicketPool = models.Array[string]{}
	d.RolledOverToDrawID = &next.ID
	d.CompletedAt = &now

	err = x.store.Transaction(ctx, func(tx *ledger.Store) error {
		locked, err := tx.LockDraw(ctx, d.ID)
		if err != nil {
			return err
		}
		if locked.Status != models.DrawStatusPending {
			return errorx.ErrDrawNotPending
		}
		// Late tickets would make this draw winnable after all.
		current, err := tx.EligibleTickets(ctx, d.Tier, d.DrawTime)
		if err != nil {
			return err
		}
		if len(current) > 0 {
			return errorx.Wrap(errorx.LostRace, "concurrent update",
				fmt.Errorf("draw %s received tickets during rollover", d.ID))
		}

		if err := tx.AddRollover(ctx, next.ID, locked.PrizeAmount); err != nil {
			return err
		}
		return tx.CompleteDraw(ctx, d)
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordDraw(string(d.Tier), "rollover")
	log.Info().
		Str("next_draw_id", next.ID).
		Int64("amount", d.PrizeAmount).
		Msg("Draw had no entrants, prize rolled over")

	return &Result{Draw: d, NoEntrants: true, RolledOverTo: next.ID}, nil
}

func (x *Executor) completedResult(ctx context.Context, d *models.Draw) (*Result, error) {
	winners, err := x.store.WinnersByDraw(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	result := &Result{Draw: d, Winners: winners, NoEntrants: len(winners) == 0, AlreadyCompleted: true}
	if d.RolledOverToDrawID != nil {
		result.RolledOverTo = *d.RolledOverToDrawID
	}
	return result, nil
}

// Verify recomputes a completed draw's winners from its stored beacon and
// consumed pool and reports whether they match the recorded winners.
func (x *Executor) Verify(ctx context.Context, drawID string) (bool, error) {
	d, err := x.store.GetDraw(ctx, drawID)
	if err != nil {
		return false, err
	}
	if d.Status != models.DrawStatusCompleted {
		return false, errorx.ErrDrawNotPending
	}

	pool, err := x.store.TicketsByDraw(ctx, d.ID)
	if err != nil {
		return false, err
	}
	recorded, err := x.store.WinnersByDraw(ctx, d.ID)
	if err != nil {
		return false, err
	}
	if len(pool) == 0 {
		return len(recorded) == 0, nil
	}

	// Consumed tickets come back in (created_at, id) order, the pool order.
	digest := PoolDigest(pool)
	if digest != d.PoolDigest {
		return false, nil
	}
	if Seed(d.BeaconHash, d.ID, d.Tier, d.PeriodStart, digest) != d.Seed {
		return false, nil
	}

	// The stored beacon must be the block the chain assigns to the draw time.
	beaconCtx, cancel := context.WithTimeout(ctx, x.beaconTimeout)
	defer cancel()
	canonical, err := x.beacon.Observe(beaconCtx, d.DrawTime)
	if err != nil {
		return false, fmt.Errorf("observe beacon: %w", err)
	}
	if d.BeaconSlot != canonical.Slot || d.BeaconHash != canonical.Hash {
		x.logger.Warn().
			Str("draw_id", d.ID).
			Uint64("beacon_slot", d.BeaconSlot).
			Uint64("canonical_slot", canonical.Slot).
			Msg("Draw beacon is not the first block after the draw time")
		return false, nil
	}

	stream, err := NewStream(d.Seed)
	if err != nil {
		return false, err
	}
	chosen := x.selection.Select(Entrants(pool), len(recorded), stream)
	if len(chosen) != len(recorded) {
		return false, nil
	}
	for i, w := range recorded {
		if chosen[i] != w.UserID {
			return false, nil
		}
	}
	return true, nil
}
