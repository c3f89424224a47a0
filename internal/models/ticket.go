package models

import "time"

// Ticket is a raffle entry batch. Entry data is immutable; DrawID and
// ConsumedAt are written exactly once, when a draw archives the ticket.
type Ticket struct {
	Base
	UserID   string `gorm:"size:64;not null;index:idx_tickets_user_tier"`
	Tier     Tier   `gorm:"size:16;not null;index:idx_tickets_user_tier;index:idx_tickets_pool"`
	Quantity int    `gorm:"not null"`
	PullID   string `gorm:"size:36;index"`

	DrawID     *string `gorm:"size:36;index;index:idx_tickets_pool"`
	ConsumedAt *time.Time

	User User `gorm:"foreignKey:UserID" json:"-"`
}

// Outstanding reports whether the ticket is still eligible for a draw.
func (t *Ticket) Outstanding() bool {
	return t.DrawID == nil
}
