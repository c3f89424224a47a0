package ledger

import (
	"context"
	"errors"

	"gorm.io/gorm/clause"

	"github.com/wnt/fortuna/internal/errorx"
	"github.com/wnt/fortuna/internal/models"
)

// LockStats returns the user's stats row under a row lock, creating it
// first when missing. Every mutation that touches a user's counters goes
// through here, which also serializes them.
func (s *Store) LockStats(ctx context.Context, userID string) (*models.UserStat, error) {
	seed := models.UserStat{UserID: userID}
	err := s.conn(ctx).Omit(clause.Associations).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&seed).Error
	if err != nil {
		return nil, translate("seed stats", err)
	}

	var stat models.UserStat
	err = s.conn(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Take(&stat, "user_id = ?", userID).Error
	if err != nil {
		return nil, translate("lock stats", err)
	}
	return &stat, nil
}

// GetStats returns the stored stats, or a zero row for users without any.
func (s *Store) GetStats(ctx context.Context, userID string) (*models.UserStat, error) {
	var stat models.UserStat
	err := s.conn(ctx).Take(&stat, "user_id = ?", userID).Error
	if err != nil {
		err = translate("get stats", err)
		if errors.Is(err, errorx.ErrNotFound) {
			return &models.UserStat{UserID: userID}, nil
		}
		return nil, err
	}
	return &stat, nil
}

// SaveStats writes every counter of the row.
func (s *Store) SaveStats(ctx context.Context, stat *models.UserStat) error {
	if err := s.conn(ctx).Omit(clause.Associations).Save(stat).Error; err != nil {
		return translate("save stats", err)
	}
	return nil
}
