package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wnt/fortuna/internal/errorx"
	"github.com/wnt/fortuna/internal/models"
)

// CreateDraw inserts a pending draw. A second draw for the same tier period
// is rejected as DuplicateDrawPeriod.
func (s *Store) CreateDraw(ctx context.Context, d *models.Draw) error {
	if d.Status == "" {
		d.Status = models.DrawStatusPending
	}
	if err := s.conn(ctx).Create(d).Error; err != nil {
		if IsDuplicate(err) {
			return errorx.Wrap(errorx.DuplicateDrawPeriod, "draw already exists for period",
				fmt.Errorf("create draw %s %s: %w", d.Tier, d.PeriodStart.Format(time.RFC3339), err))
		}
		return translate("create draw", err)
	}
	return nil
}

// GetDraw returns one draw.
func (s *Store) GetDraw(ctx context.Context, id string) (*models.Draw, error) {
	var d models.Draw
	if err := s.conn(ctx).Take(&d, "id = ?", id).Error; err != nil {
		return nil, translate("get draw", err)
	}
	return &d, nil
}

// LockDraw returns the draw under a row lock.
func (s *Store) LockDraw(ctx context.Context, id string) (*models.Draw, error) {
	var d models.Draw
	err := s.conn(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Take(&d, "id = ?", id).Error
	if err != nil {
		return nil, translate("lock draw", err)
	}
	return &d, nil
}

// DrawForPeriod returns the draw of a tier period, NotFound when absent.
func (s *Store) DrawForPeriod(ctx context.Context, tier models.Tier, periodStart time.Time) (*models.Draw, error) {
	var d models.Draw
	err := s.conn(ctx).Take(&d, "tier = ? AND period_start = ?", tier, periodStart.UTC()).Error
	if err != nil {
		return nil, translate("get draw for period", err)
	}
	return &d, nil
}

// IsNotFound reports a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, errorx.ErrNotFound) || errors.Is(err, gorm.ErrRecordNotFound)
}

// DueDraws returns pending draws whose draw time has passed, oldest first.
func (s *Store) DueDraws(ctx context.Context, tier models.Tier, now time.Time) ([]models.Draw, error) {
	var draws []models.Draw
	err := s.conn(ctx).
		Where("tier = ? AND status = ? AND draw_time <= ?", tier, models.DrawStatusPending, now).
		Order("draw_time, id").
		Find(&draws).Error
	if err != nil {
		return nil, translate("list due draws", err)
	}
	return draws, nil
}

// OpenDrawBefore returns the oldest draw of a tier that closes before
// drawTime and is not completed yet, pending or stalled.
func (s *Store) OpenDrawBefore(ctx context.Context, tier models.Tier, drawTime time.Time) (*models.Draw, error) {
	var d models.Draw
	err := s.conn(ctx).
		Where("tier = ? AND status <> ? AND draw_time < ?", tier, models.DrawStatusCompleted, drawTime).
		Order("draw_time, id").
		Take(&d).Error
	if err != nil {
		return nil, translate("find open earlier draw", err)
	}
	return &d, nil
}

// PendingDrawAfter returns the oldest pending draw of a tier whose period
// starts after periodStart.
func (s *Store) PendingDrawAfter(ctx context.Context, tier models.Tier, periodStart time.Time) (*models.Draw, error) {
	var d models.Draw
	err := s.conn(ctx).
		Where("tier = ? AND status = ? AND period_start > ?", tier, models.DrawStatusPending, periodStart.UTC()).
		Order("period_start, id").
		Take(&d).Error
	if err != nil {
		return nil, translate("find next pending draw", err)
	}
	return &d, nil
}

// DrawsByStatus lists draws in one status ordered by draw time.
func (s *Store) DrawsByStatus(ctx context.Context, status models.DrawStatus) ([]models.Draw, error) {
	var draws []models.Draw
	if err := s.conn(ctx).Where("status = ?", status).Order("draw_time, tier").Find(&draws).Error; err != nil {
		return nil, translate("list draws", err)
	}
	return draws, nil
}

// CompleteDraw writes the outcome fields of a pending draw and marks it
// completed.
func (s *Store) CompleteDraw(ctx context.Context, d *models.Draw) error {
	result := s.conn(ctx).Model(&models.Draw{}).
		Where("id = ? AND status = ?", d.ID, models.DrawStatusPending).
		Updates(map[string]any{
			"status":                 models.DrawStatusCompleted,
			"beacon_slot":            d.BeaconSlot,
			"beacon_hash":            d.BeaconHash,
			"pool_digest":            d.PoolDigest,
			"seed":                   d.Seed,
			"ticket_pool":            d.TicketPool,
			"rolled_over_to_draw_id": d.RolledOverToDrawID,
			"completed_at":           d.CompletedAt,
			"last_error":             "",
		})
	if err := checkAffected("complete draw", result, 1); err != nil {
		return err
	}
	d.Status = models.DrawStatusCompleted
	return nil
}

// AddRollover moves an unclaimed prize into a pending draw.
func (s *Store) AddRollover(ctx context.Context, drawID string, amount int64) error {
	result := s.conn(ctx).Model(&models.Draw{}).
		Where("id = ? AND status = ?", drawID, models.DrawStatusPending).
		Updates(map[string]any{
			"prize_amount":    gorm.Expr("prize_amount + ?", amount),
			"rollover_amount": gorm.Expr("rollover_amount + ?", amount),
		})
	return checkAffected("add rollover", result, 1)
}

// RecordDrawFailure counts a failed execution attempt. Once maxAttempts is
// reached the draw is flagged stalled; the returned flag reports that.
func (s *Store) RecordDrawFailure(ctx context.Context, drawID string, cause error, maxAttempts int) (bool, error) {
	d, err := s.LockDraw(ctx, drawID)
	if err != nil {
		return false, err
	}
	if d.Status != models.DrawStatusPending {
		return false, errorx.ErrDrawNotPending
	}

	attempts := d.Attempts + 1
	status := models.DrawStatusPending
	if attempts >= maxAttempts {
		status = models.DrawStatusStalled
	}

	result := s.conn(ctx).Model(&models.Draw{}).
		Where("id = ? AND status = ?", drawID, models.DrawStatusPending).
		Updates(map[string]any{
			"attempts":   attempts,
			"last_error": cause.Error(),
			"status":     status,
		})
	if err := checkAffected("record draw failure", result, 1); err != nil {
		return false, err
	}
	return status == models.DrawStatusStalled, nil
}

// ResetStalledDraw puts a stalled draw back to pending with a clean attempt
// counter.
func (s *Store) ResetStalledDraw(ctx context.Context, drawID string) error {
	result := s.conn(ctx).Model(&models.Draw{}).
		Where("id = ? AND status = ?", drawID, models.DrawStatusStalled).
		Updates(map[string]any{
			"status":     models.DrawStatusPending,
			"attempts":   0,
			"last_error": "",
		})
	return checkAffected("reset stalled draw", result, 1)
}
