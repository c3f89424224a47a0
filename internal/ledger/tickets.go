package ledger

import (
	"context"
	"time"

	"gorm.io/gorm/clause"

	"github.com/wnt/fortuna/internal/models"
)

const consumeChunk = 500

// CreateTickets inserts entry batches.
func (s *Store) CreateTickets(ctx context.Context, tickets ...*models.Ticket) error {
	if len(tickets) == 0 {
		return nil
	}
	if err := s.conn(ctx).Omit(clause.Associations).Create(tickets).Error; err != nil {
		return translate("create tickets", err)
	}
	return nil
}

// GetTicket returns one ticket.
func (s *Store) GetTicket(ctx context.Context, id string) (*models.Ticket, error) {
	var t models.Ticket
	if err := s.conn(ctx).Take(&t, "id = ?", id).Error; err != nil {
		return nil, translate("get ticket", err)
	}
	return &t, nil
}

// EligibleTickets returns the unconsumed tickets of a tier created before
// cutoff, in pool order.
func (s *Store) EligibleTickets(ctx context.Context, tier models.Tier, cutoff time.Time) ([]models.Ticket, error) {
	var tickets []models.Ticket
	err := s.conn(ctx).
		Where("tier = ? AND draw_id IS NULL AND created_at < ?", tier, cutoff).
		Order("created_at, id").
		Find(&tickets).Error
	if err != nil {
		return nil, translate("list eligible tickets", err)
	}
	return tickets, nil
}

// ConsumeTickets archives the pool into a draw. Every ticket must still be
// outstanding; otherwise nothing is consumed and a lost race is returned.
func (s *Store) ConsumeTickets(ctx context.Context, ids []string, drawID string, at time.Time) error {
	for start := 0; start < len(ids); start += consumeChunk {
		end := min(start+consumeChunk, len(ids))
		chunk := ids[start:end]

		result := s.conn(ctx).Model(&models.Ticket{}).
			Where("id IN ? AND draw_id IS NULL", chunk).
			Updates(map[string]any{"draw_id": drawID, "consumed_at": at})
		if err := checkAffected("consume tickets", result, int64(len(chunk))); err != nil {
			return err
		}
	}
	return nil
}

// TicketsByUser returns every ticket of the user, newest first. With
// outstandingOnly, consumed tickets are skipped.
func (s *Store) TicketsByUser(ctx context.Context, userID string, outstandingOnly bool) ([]models.Ticket, error) {
	q := s.conn(ctx).Where("user_id = ?", userID)
	if outstandingOnly {
		q = q.Where("draw_id IS NULL")
	}

	var tickets []models.Ticket
	if err := q.Order("created_at DESC, id DESC").Find(&tickets).Error; err != nil {
		return nil, translate("list tickets", err)
	}
	return tickets, nil
}

// TicketsByDraw returns the tickets consumed by a draw.
func (s *Store) TicketsByDraw(ctx context.Context, drawID string) ([]models.Ticket, error) {
	var tickets []models.Ticket
	if err := s.conn(ctx).Where("draw_id = ?", drawID).Order("created_at, id").Find(&tickets).Error; err != nil {
		return nil, translate("list draw tickets", err)
	}
	return tickets, nil
}

// OutstandingCounts sums the user's outstanding ticket quantities per tier.
func (s *Store) OutstandingCounts(ctx context.Context, userID string) (map[models.Tier]int, error) {
	var rows []struct {
		Tier  models.Tier
		Total int
	}
	err := s.conn(ctx).Model(&models.Ticket{}).
		Select("tier, SUM(quantity) AS total").
		Where("user_id = ? AND draw_id IS NULL", userID).
		Group("tier").
		Scan(&rows).Error
	if err != nil {
		return nil, translate("count tickets", err)
	}

	counts := make(map[models.Tier]int, len(models.AllTiers))
	for _, tier := range models.AllTiers {
		counts[tier] = 0
	}
	for _, r := range rows {
		counts[r.Tier] = r.Total
	}
	return counts, nil
}

// TicketsByPull returns the tickets issued by one pull.
func (s *Store) TicketsByPull(ctx context.Context, pullID string) ([]models.Ticket, error) {
	var tickets []models.Ticket
	if err := s.conn(ctx).Where("pull_id = ?", pullID).Order("created_at, id").Find(&tickets).Error; err != nil {
		return nil, translate("list pull tickets", err)
	}
	return tickets, nil
}
