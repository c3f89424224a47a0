package ledger

import (
	"context"

	"gorm.io/gorm/clause"

	"github.com/wnt/fortuna/internal/models"
)

// CreateWinners inserts the winners of one draw.
func (s *Store) CreateWinners(ctx context.Context, winners []*models.Winner) error {
	if len(winners) == 0 {
		return nil
	}
	if err := s.conn(ctx).Omit(clause.Associations).Create(winners).Error; err != nil {
		return translate("create winners", err)
	}
	return nil
}

// GetWinner returns one winner.
func (s *Store) GetWinner(ctx context.Context, id string) (*models.Winner, error) {
	var w models.Winner
	if err := s.conn(ctx).Take(&w, "id = ?", id).Error; err != nil {
		return nil, translate("get winner", err)
	}
	return &w, nil
}

// WinnersByDraw returns a draw's winners by rank.
func (s *Store) WinnersByDraw(ctx context.Context, drawID string) ([]models.Winner, error) {
	var winners []models.Winner
	if err := s.conn(ctx).Where("draw_id = ?", drawID).Order("prize_rank").Find(&winners).Error; err != nil {
		return nil, translate("list draw winners", err)
	}
	return winners, nil
}

// WinnersByUser returns every win of a user with its draw.
func (s *Store) WinnersByUser(ctx context.Context, userID string) ([]models.Winner, error) {
	var winners []models.Winner
	err := s.conn(ctx).Preload("Draw").
		Where("user_id = ?", userID).
		Order("created_at, id").
		Find(&winners).Error
	if err != nil {
		return nil, translate("list user winners", err)
	}
	return winners, nil
}

// RecentWinners returns the newest winners with user and draw loaded.
func (s *Store) RecentWinners(ctx context.Context, limit int) ([]models.Winner, error) {
	var winners []models.Winner
	err := s.conn(ctx).Preload("User").Preload("Draw").
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&winners).Error
	if err != nil {
		return nil, translate("list recent winners", err)
	}
	return winners, nil
}

// MarkWinnerClaimed records the landed transfer on the winner. It succeeds
// at most once per winner.
func (s *Store) MarkWinnerClaimed(ctx context.Context, winnerID, signature string) error {
	result := s.conn(ctx).Model(&models.Winner{}).
		Where("id = ? AND prize_claimed = ?", winnerID, false).
		Updates(map[string]any{
			"prize_claimed":         true,
			"transaction_signature": signature,
		})
	return checkAffected("mark winner claimed", result, 1)
}
