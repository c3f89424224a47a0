// Package pull decides and records the outcome of user pulls.
package pull

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync"
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

// Request asks for one pull. IdempotencyKey is optional.
type Request struct {
	UserID         string
	Tier           models.Tier
	IdempotencyKey string
}

// Outcome is the result of a pull, fresh or replayed.
type Outcome struct {
	PullID         string
	Type           models.PullOutcome
	Tier           models.Tier
	Prize          int64
	TicketID       string
	BonusTicketIDs []string
	PayoutID       string
	IdempotencyKey string
	Message        string
	Replayed       bool
	CreatedAt      time.Time
}

// Engine runs pulls against the ledger.
type Engine struct {
	store  *ledger.Store
	tables tiers.Tables
	random Random
	now    func() time.Time
	locks  *xsync.MapOf[string, *sync.Mutex]
	logger zerolog.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRandom replaces the random source.
func WithRandom(r Random) Option {
	return func(e *Engine) { e.random = r }
}

// NewEngine creates a pull engine.
func NewEngine(store *ledger.Store, tables tiers.Tables, log zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		tables: tables,
		random: CryptoRandom{},
		now:    time.Now,
		locks:  xsync.NewMapOf[*sync.Mutex](),
		logger: log.With().Str("component", "pull").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CooldownWindow returns the cooldown window containing t. Windows are laid
// out from the start of the tier's draw period, and the last one runs to the
// period end, so a window never spans two draws and is never shorter than the
// cooldown.
func CooldownWindow(tier models.Tier, t time.Time, cooldown time.Duration) (time.Time, time.Time) {
	start, end := period.Window(tier, t)
	if cooldown <= 0 {
		return start, end
	}

	slots := int64(end.Sub(start) / cooldown)
	if slots <= 1 {
		return start, end
	}
	k := int64(t.Sub(start) / cooldown)
	if k >= slots-1 {
		return start.Add(time.Duration(slots-1) * cooldown), end
	}
	from := start.Add(time.Duration(k) * cooldown)
	return from, from.Add(cooldown)
}

// IdempotencyKey is the token a pull made now would be stored under when the
// client supplies none.
func (e *Engine) IdempotencyKey(userID string, tier models.Tier, now time.Time) string {
	from, _ := CooldownWindow(tier, now, e.tables[tier].Cooldown)
	return fmt.Sprintf("%s:%s:%d", userID, tier, from.Unix())
}

// Pull performs one pull. A second pull of the same tier within the cooldown
// bucket fails with CooldownActive unless it carries the stored pull's
// idempotency key, in which case the stored outcome is replayed.
func (e *Engine) Pull(ctx context.Context, req Request) (*Outcome, error) {
	log := logger.WithTier(logger.WithUser(e.logger, req.UserID), string(req.Tier))

	if !req.Tier.Pullable() {
		metrics.RecordPullRejection(string(req.Tier), "invalid_tier")
		return nil, errorx.Newf(errorx.InvalidTier, "tier %q cannot be pulled", req.Tier)
	}
	table, ok := e.tables[req.Tier]
	if !ok {
		metrics.RecordPullRejection(string(req.Tier), "invalid_tier")
		return nil, errorx.Newf(errorx.InvalidTier, "tier %q is not configured", req.Tier)
	}

	mu := e.lockFor(req.UserID, req.Tier)
	mu.Lock()
	defer mu.Unlock()

	now := e.now().UTC()
	from, until := CooldownWindow(req.Tier, now, table.Cooldown)
	bucket := from.Unix()
	key := req.IdempotencyKey
	if key == "" {
		key = e.IdempotencyKey(req.UserID, req.Tier, now)
	}

	var out *Outcome
	err := e.store.Transaction(ctx, func(tx *ledger.Store) error {
		user, err := tx.ActiveUser(ctx, req.UserID)
		if err != nil {
			return err
		}
		stat, err := tx.LockStats(ctx, user.ID)
		if err != nil {
			return err
		}

		if req.IdempotencyKey != "" {
			stored, err := tx.PullByKey(ctx, req.IdempotencyKey)
			switch {
			case err == nil:
				out, err = e.replay(ctx, tx, req, stored)
				return err
			case !ledger.IsNotFound(err):
				return err
			}
		}

		if _, err := tx.PullInBucket(ctx, user.ID, req.Tier, bucket); err == nil {
			return errorx.Cooldown(until.Sub(now))
		} else if !ledger.IsNotFound(err) {
			return err
		}

		out, err = e.issue(ctx, tx, user, stat, req.Tier, table, bucket, key, now)
		return err
	})

	if errors.Is(err, errorx.ErrLostRace) {
		// Another process committed a pull for this bucket first.
		out, err = e.resolveRace(ctx, req, now, until, bucket)
	}
	if err != nil {
		e.reject(log, req.Tier, err)
		return nil, err
	}

	if !out.Replayed {
		metrics.RecordPull(string(req.Tier), string(out.Type))
		log.Info().
			Str("pull_id", out.PullID).
			Str("outcome", string(out.Type)).
			Int64("prize", out.Prize).
			Msg("Pull recorded")
	}
	return out, nil
}

func (e *Engine) issue(
	ctx context.Context,
	tx *ledger.Store,
	user *models.User,
	stat *models.UserStat,
	tier models.Tier,
	table tiers.Table,
	bucket int64,
	key string,
	now time.Time,
) (*Outcome, error) {
	p := &models.Pull{
		Base:           models.Base{ID: uuid.NewString(), CreatedAt: now},
		UserID:         user.ID,
		Tier:           tier,
		Bucket:         bucket,
		IdempotencyKey: key,
		Cost:           table.Cost,
	}
	out := &Outcome{
		PullID:         p.ID,
		Tier:           tier,
		IdempotencyKey: key,
		CreatedAt:      now,
	}

	var (
		activity *models.Activity
		tickets  []*models.Ticket
		payout   *models.Payout
	)

	outcome, prize := Decide(table, e.random)
	if outcome == models.PullOutcomeReward {
		payoutID := uuid.NewString()

		p.Outcome = models.PullOutcomeReward
		p.PrizeAmount = prize
		p.PayoutID = &payoutID

		payout = &models.Payout{
			Base:          models.Base{ID: payoutID, CreatedAt: now},
			Source:        models.PayoutSourcePull,
			PullID:        &p.ID,
			UserID:        user.ID,
			WalletAddress: user.WalletAddress,
			Amount:        prize,
			Status:        models.PayoutStatusAwaiting,
			NextAttemptAt: now,
		}

		out.Type = models.PullOutcomeReward
		out.Prize = prize
		out.PayoutID = payoutID
		out.Message = rewardMessage(prize)

		activity = models.NewRewardActivity(user.ID, models.RewardDetails{
			PullID:   p.ID,
			Tier:     tier,
			Prize:    prize,
			PayoutID: payoutID,
			Message:  out.Message,
		})
	} else {
		ticket := &models.Ticket{
			Base:     models.Base{ID: uuid.NewString(), CreatedAt: now},
			UserID:   user.ID,
			Tier:     tier,
			Quantity: 1,
			PullID:   p.ID,
		}
		tickets = append(tickets, ticket)

		if tier == models.TierMonthly {
			bonus := &models.Ticket{
				Base:     models.Base{ID: uuid.NewString(), CreatedAt: now},
				UserID:   user.ID,
				Tier:     models.TierYearly,
				Quantity: 1,
				PullID:   p.ID,
			}
			tickets = append(tickets, bonus)
			out.BonusTicketIDs = append(out.BonusTicketIDs, bonus.ID)
		}

		p.Outcome = models.PullOutcomeTicket
		p.TicketID = &ticket.ID

		out.Type = models.PullOutcomeTicket
		out.TicketID = ticket.ID
		out.Message = ticketMessage(tier)

		activity = models.NewTicketActivity(user.ID, models.TicketDetails{
			PullID:   p.ID,
			Tier:     tier,
			TicketID: ticket.ID,
			Bonus:    out.BonusTicketIDs,
			Message:  out.Message,
		})
	}
	activity.CreatedAt = now

	if err := tx.CreatePull(ctx, p); err != nil {
		return nil, err
	}
	if err := tx.CreateTickets(ctx, tickets...); err != nil {
		return nil, err
	}
	if payout != nil {
		if err := tx.CreatePayouts(ctx, payout); err != nil {
			return nil, err
		}
	}
	if err := tx.AppendActivity(ctx, activity); err != nil {
		return nil, err
	}

	stats.ApplyPull(stat, p)
	for _, t := range tickets {
		stats.ApplyTicketIssued(stat, t)
	}
	if err := tx.SaveStats(ctx, stat); err != nil {
		return nil, err
	}

	return out, nil
}

func (e *Engine) replay(ctx context.Context, tx *ledger.Store, req Request, p *models.Pull) (*Outcome, error) {
	if p.UserID != req.UserID || p.Tier != req.Tier {
		return nil, errorx.New(errorx.BadRequest, "idempotency key belongs to a different pull")
	}

	out := &Outcome{
		PullID:         p.ID,
		Type:           p.Outcome,
		Tier:           p.Tier,
		Prize:          p.PrizeAmount,
		IdempotencyKey: p.IdempotencyKey,
		Replayed:       true,
		CreatedAt:      p.CreatedAt,
	}
	if p.PayoutID != nil {
		out.PayoutID = *p.PayoutID
	}

	switch p.Outcome {
	case models.PullOutcomeReward:
		out.Message = rewardMessage(p.PrizeAmount)
	default:
		out.Message = ticketMessage(p.Tier)
		tickets, err := tx.TicketsByPull(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		for _, t := range tickets {
			if t.Tier == p.Tier {
				out.TicketID = t.ID
			} else {
				out.BonusTicketIDs = append(out.BonusTicketIDs, t.ID)
			}
		}
	}
	return out, nil
}

func (e *Engine) resolveRace(ctx context.Context, req Request, now, until time.Time, bucket int64) (*Outcome, error) {
	if req.IdempotencyKey != "" {
		stored, err := e.store.PullByKey(ctx, req.IdempotencyKey)
		if err == nil {
			return e.replay(ctx, e.store, req, stored)
		}
		if !ledger.IsNotFound(err) {
			return nil, err
		}
	}

	if _, err := e.store.PullInBucket(ctx, req.UserID, req.Tier, bucket); err == nil {
		return nil, errorx.Cooldown(until.Sub(now))
	}
	return nil, errorx.Wrap(errorx.PersistenceFailure, "temporary storage failure",
		fmt.Errorf("pull for %s/%s lost a race without a visible winner", req.UserID, req.Tier))
}

func (e *Engine) reject(log zerolog.Logger, tier models.Tier, err error) {
	reason := "persistence"
	if xe, ok := errorx.From(err); ok {
		switch xe.Code {
		case errorx.CooldownActive:
			reason = "cooldown"
		case errorx.UserNotFound:
			reason = "user_not_found"
		case errorx.BadRequest:
			reason = "bad_request"
		}
	}
	metrics.RecordPullRejection(string(tier), reason)

	if reason == "persistence" {
		log.Error().Err(err).Msg("Pull failed")
		return
	}
	log.Debug().Err(err).Str("reason", reason).Msg("Pull rejected")
}

func (e *Engine) lockFor(userID string, tier models.Tier) *sync.Mutex {
	mu, _ := e.locks.LoadOrStore(userID+":"+string(tier), &sync.Mutex{})
	return mu
}

// Decide makes the two uniform draws of a pull: win or not against the
// tier's probability, then the prize from the weighted list.
func Decide(table tiers.Table, r Random) (models.PullOutcome, int64) {
	if r.Float64() >= table.WinProbability {
		return models.PullOutcomeTicket, 0
	}
	return models.PullOutcomeReward, pickPrize(table, r)
}

func pickPrize(table tiers.Table, r Random) int64 {
	n := r.IntN(table.TotalWeight())
	for _, p := range table.Prizes {
		if n < p.Weight {
			return p.Amount
		}
		n -= p.Weight
	}
	return table.Prizes[len(table.Prizes)-1].Amount
}

func rewardMessage(prize int64) string {
	return fmt.Sprintf("You won %s!", tiers.FormatSOL(prize))
}

func ticketMessage(tier models.Tier) string {
	if tier == models.TierMonthly {
		return "You earned a monthly ticket and a bonus yearly ticket."
	}
	return fmt.Sprintf("You earned a %s ticket.", tier)
}
