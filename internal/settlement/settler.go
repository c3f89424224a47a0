// Package settlement drives prize payouts from awaiting to confirmed on chain.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/wnt/fortuna/internal/errorx"
	"github.com/wnt/fortuna/internal/ledger"
	"github.com/wnt/fortuna/internal/logger"
	"github.com/wnt/fortuna/internal/metrics"
	"github.com/wnt/fortuna/internal/models"
	"github.com/wnt/fortuna/internal/solana"
	"github.com/wnt/fortuna/internal/stats"
)

// Payer signs and submits transfers and reports on their fate.
type Payer interface {
	Prepare(ctx context.Context, wallet string, lamports int64) (solana.Transfer, error)
	Send(ctx context.Context, transfer solana.Transfer) error
	Status(ctx context.Context, signature string) (solana.Status, error)
	BlockHeight(ctx context.Context) (uint64, error)
}

// Settler owns the payout state machine.
type Settler struct {
	store         *ledger.Store
	payer         Payer
	maxAttempts   int
	submitTimeout time.Duration
	pollInterval  time.Duration
	baseBackoff   time.Duration
	maxBackoff    time.Duration
	now           func() time.Time
	logger        zerolog.Logger
}

// Option configures a Settler.
type Option func(*Settler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Settler) { s.now = now }
}

// WithMaxAttempts sets how many submissions a payout gets before manual review.
func WithMaxAttempts(n int) Option {
	return func(s *Settler) { s.maxAttempts = n }
}

// WithSubmitTimeout bounds a single send.
func WithSubmitTimeout(d time.Duration) Option {
	return func(s *Settler) { s.submitTimeout = d }
}

// WithPollInterval sets how long a submitted payout waits between status checks.
func WithPollInterval(d time.Duration) Option {
	return func(s *Settler) { s.pollInterval = d }
}

// WithBackoff sets the retry delay after the first failure and its cap.
func WithBackoff(base, max time.Duration) Option {
	return func(s *Settler) {
		s.baseBackoff = base
		s.maxBackoff = max
	}
}

// NewSettler creates a settler paying through payer.
func NewSettler(store *ledger.Store, payer Payer, log zerolog.Logger, opts ...Option) *Settler {
	s := &Settler{
		store:         store,
		payer:         payer,
		maxAttempts:   5,
		submitTimeout: 30 * time.Second,
		pollInterval:  15 * time.Second,
		baseBackoff:   30 * time.Second,
		maxBackoff:    time.Hour,
		now:           time.Now,
		logger:        log.With().Str("component", "settlement").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Settle advances one payout by a single step and returns its new state.
// Confirmed and manual-review payouts are returned untouched.
func (s *Settler) Settle(ctx context.Context, payoutID string) (*models.Payout, error) {
	p, err := s.store.GetPayout(ctx, payoutID)
	if err != nil {
		return nil, err
	}

	if p.Status == models.PayoutStatusFailed {
		if s.now().Before(p.NextAttemptAt) {
			return p, nil
		}
		if p, err = s.reopen(ctx, p); err != nil {
			return p, err
		}
	}

	switch p.Status {
	case models.PayoutStatusAwaiting:
		return s.submit(ctx, p)
	case models.PayoutStatusSubmitted:
		return s.poll(ctx, p)
	default:
		return p, nil
	}
}

// SettleWinner settles the payout owned by a draw winner.
func (s *Settler) SettleWinner(ctx context.Context, winnerID string) (*models.Payout, error) {
	p, err := s.store.PayoutByWinner(ctx, winnerID)
	if err != nil {
		return nil, err
	}
	return s.Settle(ctx, p.ID)
}

// RetryManualPayout puts a payout parked for manual review back in the queue
// with a fresh attempt budget.
func (s *Settler) RetryManualPayout(ctx context.Context, payoutID string) (*models.Payout, error) {
	err := s.store.TransitionPayout(ctx, payoutID, models.PayoutStatusManualReview, map[string]any{
		"status":                  models.PayoutStatusAwaiting,
		"attempts":                0,
		"signature":               nil,
		"last_valid_block_height": 0,
		"submitted_at":            nil,
		"next_attempt_at":         s.now(),
		"last_error":              "",
	})
	if err != nil {
		if errors.Is(err, errorx.ErrLostRace) {
			return nil, errorx.Newf(errorx.BadRequest, "payout %s is not awaiting manual review", payoutID)
		}
		return nil, err
	}

	log := logger.WithPayout(s.logger, payoutID)
	log.Warn().Msg("Manual payout reset to awaiting by operator")
	return s.store.GetPayout(ctx, payoutID)
}

func (s *Settler) reopen(ctx context.Context, p *models.Payout) (*models.Payout, error) {
	err := s.store.TransitionPayout(ctx, p.ID, models.PayoutStatusFailed, map[string]any{
		"status":                  models.PayoutStatusAwaiting,
		"signature":               nil,
		"last_valid_block_height": 0,
		"submitted_at":            nil,
	})
	if err != nil {
		return s.settled(ctx, p, err)
	}
	return s.store.GetPayout(ctx, p.ID)
}

func (s *Settler) submit(ctx context.Context, p *models.Payout) (*models.Payout, error) {
	log := logger.WithPayout(s.logger, p.ID)

	transfer, err := s.payer.Prepare(ctx, p.WalletAddress, p.Amount)
	if err != nil {
		return s.fail(ctx, p, models.PayoutStatusAwaiting, fmt.Errorf("prepare transfer: %w", err))
	}

	now := s.now()
	err = s.store.TransitionPayout(ctx, p.ID, models.PayoutStatusAwaiting, map[string]any{
		"status":                  models.PayoutStatusSubmitted,
		"signature":               transfer.Signature,
		"last_valid_block_height": transfer.LastValidBlockHeight,
		"submitted_at":            now,
		"attempts":                gorm.Expr("attempts + 1"),
		"next_attempt_at":         now.Add(s.pollInterval),
		"last_error":              "",
	})
	if err != nil {
		return s.settled(ctx, p, err)
	}
	metrics.RecordPayout(string(models.PayoutStatusSubmitted))

	sendCtx, cancel := context.WithTimeout(ctx, s.submitTimeout)
	err = s.payer.Send(sendCtx, transfer)
	cancel()
	if err != nil {
		// The signature may still land, so polling decides what happens next.
		log.Warn().Err(err).Str("signature", transfer.Signature).Msg("Transfer send did not complete")
		if terr := s.store.TransitionPayout(ctx, p.ID, models.PayoutStatusSubmitted, map[string]any{
			"last_error": err.Error(),
		}); terr != nil {
			log.Warn().Err(terr).Msg("Failed to record send error on payout")
		}
	} else {
		log.Info().
			Str("signature", transfer.Signature).
			Int64("amount", p.Amount).
			Msg("Payout submitted")
	}

	return s.store.GetPayout(ctx, p.ID)
}

func (s *Settler) poll(ctx context.Context, p *models.Payout) (*models.Payout, error) {
	if p.Signature == nil || *p.Signature == "" {
		return s.fail(ctx, p, models.PayoutStatusSubmitted, errors.New("submitted payout has no signature"))
	}

	status, err := s.payer.Status(ctx, *p.Signature)
	if err != nil {
		return p, errorx.Wrap(errorx.NetworkFailure, "signature status unavailable", err)
	}

	switch {
	case status.Failed():
		return s.fail(ctx, p, models.PayoutStatusSubmitted, fmt.Errorf("transfer failed on chain: %s", status.Err))
	case status.Finalized:
		return s.confirm(ctx, p)
	case status.Found:
		return s.reschedule(ctx, p)
	}

	height, err := s.payer.BlockHeight(ctx)
	if err != nil {
		return p, errorx.Wrap(errorx.NetworkFailure, "block height unavailable", err)
	}
	if height <= p.LastValidBlockHeight {
		return s.reschedule(ctx, p)
	}

	// The blockhash has expired; look once more so a transfer that landed
	// just before expiry is not mistaken for a lost one.
	status, err = s.payer.Status(ctx, *p.Signature)
	if err != nil {
		return p, errorx.Wrap(errorx.NetworkFailure, "signature status unavailable", err)
	}
	if status.Found {
		if status.Failed() {
			return s.fail(ctx, p, models.PayoutStatusSubmitted, fmt.Errorf("transfer failed on chain: %s", status.Err))
		}
		if status.Finalized {
			return s.confirm(ctx, p)
		}
		return s.reschedule(ctx, p)
	}
	return s.fail(ctx, p, models.PayoutStatusSubmitted,
		fmt.Errorf("blockhash expired at height %d before the transfer landed", p.LastValidBlockHeight))
}

func (s *Settler) confirm(ctx context.Context, p *models.Payout) (*models.Payout, error) {
	now := s.now()
	err := s.store.Transaction(ctx, func(tx *ledger.Store) error {
		err := tx.TransitionPayout(ctx, p.ID, models.PayoutStatusSubmitted, map[string]any{
			"status":       models.PayoutStatusConfirmed,
			"confirmed_at": now,
			"last_error":   "",
		})
		if err != nil {
			return err
		}
		if p.WinnerID != nil {
			if err := tx.MarkWinnerClaimed(ctx, *p.WinnerID, *p.Signature); err != nil {
				return err
			}
		}
		stat, err := tx.LockStats(ctx, p.UserID)
		if err != nil {
			return err
		}
		stats.ApplyConfirmedPayout(stat, p)
		return tx.SaveStats(ctx, stat)
	})
	if err != nil {
		return s.settled(ctx, p, err)
	}

	metrics.RecordPayout(string(models.PayoutStatusConfirmed))
	if p.SubmittedAt != nil {
		metrics.RecordSettlement(now.Sub(*p.SubmittedAt).Seconds())
	}
	log := logger.WithUser(logger.WithPayout(s.logger, p.ID), p.UserID)
	log.Info().
		Str("signature", *p.Signature).
		Int64("amount", p.Amount).
		Str("source", string(p.Source)).
		Msg("Payout confirmed")

	return s.store.GetPayout(ctx, p.ID)
}

func (s *Settler) reschedule(ctx context.Context, p *models.Payout) (*models.Payout, error) {
	err := s.store.TransitionPayout(ctx, p.ID, models.PayoutStatusSubmitted, map[string]any{
		"next_attempt_at": s.now().Add(s.pollInterval),
	})
	if err != nil {
		return s.settled(ctx, p, err)
	}
	return s.store.GetPayout(ctx, p.ID)
}

// fail records a failed attempt. Once the attempt budget is spent the payout
// parks in manual review; it is never dropped.
func (s *Settler) fail(ctx context.Context, p *models.Payout, from models.PayoutStatus, cause error) (*models.Payout, error) {
	attempts := p.Attempts
	if from == models.PayoutStatusAwaiting {
		attempts++
	}

	now := s.now()
	updates := map[string]any{
		"attempts":   attempts,
		"last_error": cause.Error(),
	}
	status := models.PayoutStatusFailed
	if attempts >= s.maxAttempts {
		status = models.PayoutStatusManualReview
	} else {
		updates["next_attempt_at"] = now.Add(s.backoff(attempts))
	}
	updates["status"] = status

	if err := s.store.TransitionPayout(ctx, p.ID, from, updates); err != nil {
		return s.settled(ctx, p, err)
	}
	metrics.RecordPayout(string(status))

	log := logger.WithUser(logger.WithPayout(s.logger, p.ID), p.UserID)
	current, err := s.store.GetPayout(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	if status == models.PayoutStatusManualReview {
		log.Error().
			Err(cause).
			Int("attempts", attempts).
			Int64("amount", p.Amount).
			Msg("Payout needs manual review")
		return current, errorx.Wrap(errorx.PayoutManualReview, "payout needs manual review", cause)
	}

	log.Warn().
		Err(cause).
		Int("attempts", attempts).
		Time("next_attempt_at", current.NextAttemptAt).
		Msg("Payout attempt failed")
	return current, errorx.Wrap(errorx.PayoutFailed, "payout attempt failed", cause)
}

// settled handles a transition that lost to a concurrent settler: the other
// side's result stands.
func (s *Settler) settled(ctx context.Context, p *models.Payout, err error) (*models.Payout, error) {
	if !errors.Is(err, errorx.ErrLostRace) {
		return p, err
	}
	log := logger.WithPayout(s.logger, p.ID)
	log.Debug().Msg("Payout moved concurrently")
	return s.store.GetPayout(ctx, p.ID)
}

func (s *Settler) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := s.baseBackoff
	for i := 1; i < attempts && delay < s.maxBackoff; i++ {
		delay *= 2
	}
	if delay > s.maxBackoff {
		delay = s.maxBackoff
	}
	return delay
}
