package ledger

import (
	"context"

	"gorm.io/gorm/clause"

	"github.com/wnt/fortuna/internal/models"
)

// CreatePull inserts a pull. A second pull in the same cooldown bucket or
// with a reused idempotency key fails as a lost race.
func (s *Store) CreatePull(ctx context.Context, p *models.Pull) error {
	if err := s.conn(ctx).Omit(clause.Associations).Create(p).Error; err != nil {
		return translate("create pull", err)
	}
	return nil
}

// PullByKey finds the pull stored under an idempotency key.
func (s *Store) PullByKey(ctx context.Context, key string) (*models.Pull, error) {
	var p models.Pull
	if err := s.conn(ctx).Take(&p, "idempotency_key = ?", key).Error; err != nil {
		return nil, translate("get pull by key", err)
	}
	return &p, nil
}

// PullInBucket finds the user's pull of a tier in a cooldown bucket.
func (s *Store) PullInBucket(ctx context.Context, userID string, tier models.Tier, bucket int64) (*models.Pull, error) {
	var p models.Pull
	err := s.conn(ctx).
		Take(&p, "user_id = ? AND tier = ? AND bucket = ?", userID, tier, bucket).Error
	if err != nil {
		return nil, translate("get pull in bucket", err)
	}
	return &p, nil
}

// PullsByUser returns the user's pulls in creation order.
func (s *Store) PullsByUser(ctx context.Context, userID string) ([]models.Pull, error) {
	var pulls []models.Pull
	if err := s.conn(ctx).Where("user_id = ?", userID).Order("created_at, id").Find(&pulls).Error; err != nil {
		return nil, translate("list pulls", err)
	}
	return pulls, nil
}
