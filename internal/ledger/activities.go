package ledger

import (
	"context"

	"gorm.io/gorm/clause"

	"github.com/wnt/fortuna/internal/errorx"
	"github.com/wnt/fortuna/internal/models"
)

// AppendActivity adds an audit entry. Activities are never updated.
func (s *Store) AppendActivity(ctx context.Context, a *models.Activity) error {
	if err := a.Details.Validate(); err != nil {
		return errorx.Wrap(errorx.BadRequest, "invalid activity", err)
	}
	if err := s.conn(ctx).Omit(clause.Associations).Create(a).Error; err != nil {
		return translate("append activity", err)
	}
	return nil
}

// ActivitiesByUser returns the newest entries of a user's trail.
func (s *Store) ActivitiesByUser(ctx context.Context, userID string, limit int) ([]models.Activity, error) {
	var activities []models.Activity
	err := s.conn(ctx).Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&activities).Error
	if err != nil {
		return nil, translate("list activities", err)
	}
	return activities, nil
}

// CountActivities counts a user's entries.
func (s *Store) CountActivities(ctx context.Context, userID string) (int64, error) {
	var n int64
	if err := s.conn(ctx).Model(&models.Activity{}).Where("user_id = ?", userID).Count(&n).Error; err != nil {
		return 0, translate("count activities", err)
	}
	return n, nil
}
