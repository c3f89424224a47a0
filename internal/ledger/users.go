package ledger

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm/clause"

	"github.com/wnt/fortuna/internal/errorx"
	"github.com/wnt/fortuna/internal/models"
)

// UpsertUser records an authenticated contact from the identity provider.
// The wallet address follows the provider; a deactivated user stays
// deactivated.
func (s *Store) UpsertUser(ctx context.Context, id, wallet string, now time.Time) (*models.User, error) {
	if id == "" || wallet == "" {
		return nil, errorx.New(errorx.BadRequest, "user id and wallet address are required")
	}

	u := models.User{
		ID:            id,
		WalletAddress: wallet,
		Active:        true,
		CreatedAt:     now,
		LastLoginAt:   now,
	}
	err := s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"wallet_address", "last_login_at"}),
	}).Create(&u).Error
	if err != nil {
		return nil, translate("upsert user", err)
	}

	return s.GetUser(ctx, id)
}

// GetUser returns an active or inactive user.
func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	if err := s.conn(ctx).Take(&u, "id = ?", id).Error; err != nil {
		err = translate("get user", err)
		if errors.Is(err, errorx.ErrNotFound) {
			return nil, errorx.Wrap(errorx.UserNotFound, "user not found", err)
		}
		return nil, err
	}
	return &u, nil
}

// ActiveUser returns the user if it exists and is active.
func (s *Store) ActiveUser(ctx context.Context, id string) (*models.User, error) {
	u, err := s.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if !u.Active {
		return nil, errorx.New(errorx.UserNotFound, "user not found")
	}
	return u, nil
}

// DeactivateUser flags a user inactive. Users are never deleted.
func (s *Store) DeactivateUser(ctx context.Context, id string) error {
	result := s.conn(ctx).Model(&models.User{}).Where("id = ?", id).Update("active", false)
	if result.Error != nil {
		return translate("deactivate user", result.Error)
	}
	if result.RowsAffected == 0 {
		return errorx.New(errorx.UserNotFound, "user not found")
	}
	return nil
}

// UserIDs lists every known user ID.
func (s *Store) UserIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.conn(ctx).Model(&models.User{}).Order("id").Pluck("id", &ids).Error; err != nil {
		return nil, translate("list users", err)
	}
	return ids, nil
}
