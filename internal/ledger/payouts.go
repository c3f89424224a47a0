package ledger

import (
	"context"
	"time"

	"gorm.io/gorm/clause"

	"github.com/wnt/fortuna/internal/models"
)

// CreatePayouts inserts prize obligations.
func (s *Store) CreatePayouts(ctx context.Context, payouts ...*models.Payout) error {
	if len(payouts) == 0 {
		return nil
	}
	if err := s.conn(ctx).Create(payouts).Error; err != nil {
		return translate("create payouts", err)
	}
	return nil
}

// GetPayout returns one payout.
func (s *Store) GetPayout(ctx context.Context, id string) (*models.Payout, error) {
	var p models.Payout
	if err := s.conn(ctx).Take(&p, "id = ?", id).Error; err != nil {
		return nil, translate("get payout", err)
	}
	return &p, nil
}

// LockPayout returns the payout under a row lock.
func (s *Store) LockPayout(ctx context.Context, id string) (*models.Payout, error) {
	var p models.Payout
	err := s.conn(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Take(&p, "id = ?", id).Error
	if err != nil {
		return nil, translate("lock payout", err)
	}
	return &p, nil
}

// PayoutByWinner returns the payout owned by a winner.
func (s *Store) PayoutByWinner(ctx context.Context, winnerID string) (*models.Payout, error) {
	var p models.Payout
	if err := s.conn(ctx).Take(&p, "winner_id = ?", winnerID).Error; err != nil {
		return nil, translate("get winner payout", err)
	}
	return &p, nil
}

// PayoutByPull returns the payout owned by a reward pull.
func (s *Store) PayoutByPull(ctx context.Context, pullID string) (*models.Payout, error) {
	var p models.Payout
	if err := s.conn(ctx).Take(&p, "pull_id = ?", pullID).Error; err != nil {
		return nil, translate("get pull payout", err)
	}
	return &p, nil
}

// DuePayouts returns open payouts whose next attempt time has passed.
func (s *Store) DuePayouts(ctx context.Context, now time.Time, limit int) ([]models.Payout, error) {
	var payouts []models.Payout
	err := s.conn(ctx).
		Where("status IN ? AND next_attempt_at <= ?", []models.PayoutStatus{
			models.PayoutStatusAwaiting,
			models.PayoutStatusSubmitted,
			models.PayoutStatusFailed,
		}, now).
		Order("next_attempt_at, id").
		Limit(limit).
		Find(&payouts).Error
	if err != nil {
		return nil, translate("list due payouts", err)
	}
	return payouts, nil
}

// PayoutsByStatus lists payouts in one status.
func (s *Store) PayoutsByStatus(ctx context.Context, status models.PayoutStatus) ([]models.Payout, error) {
	var payouts []models.Payout
	if err := s.conn(ctx).Where("status = ?", status).Order("created_at, id").Find(&payouts).Error; err != nil {
		return nil, translate("list payouts", err)
	}
	return payouts, nil
}

// ConfirmedPayoutsByUser returns the user's settled payouts.
func (s *Store) ConfirmedPayoutsByUser(ctx context.Context, userID string) ([]models.Payout, error) {
	var payouts []models.Payout
	err := s.conn(ctx).
		Where("user_id = ? AND status = ?", userID, models.PayoutStatusConfirmed).
		Order("confirmed_at, id").
		Find(&payouts).Error
	if err != nil {
		return nil, translate("list confirmed payouts", err)
	}
	return payouts, nil
}

// TransitionPayout applies updates only if the payout is still in from. A
// concurrent settler that got there first makes this a lost race.
func (s *Store) TransitionPayout(ctx context.Context, id string, from models.PayoutStatus, updates map[string]any) error {
	result := s.conn(ctx).Model(&models.Payout{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	return checkAffected("transition payout", result, 1)
}
