package models

import "time"

// DrawStatus is the lifecycle state of a draw.
type DrawStatus string

const (
	DrawStatusPending   DrawStatus = "pending"
	DrawStatusCompleted DrawStatus = "completed"
	// DrawStatusStalled marks a draw that exhausted its execution attempts and
	// waits for an operator.
	DrawStatusStalled DrawStatus = "stalled"
)

// Draw is the selection event of one tier period. (Tier, PeriodStart) is
// unique, which is what makes scheduling exactly-once across instances.
type Draw struct {
	Base
	Tier        Tier       `gorm:"size:16;not null;uniqueIndex:idx_draws_tier_period"`
	PeriodStart time.Time  `gorm:"not null;uniqueIndex:idx_draws_tier_period"`
	DrawTime    time.Time  `gorm:"not null;index"`
	Status      DrawStatus `gorm:"size:16;not null;index;default:'pending'"`

	// PrizeAmount is in lamports and already includes RolloverAmount.
	PrizeAmount    int64 `gorm:"not null;default:0"`
	RolloverAmount int64 `gorm:"not null;default:0"`

	Attempts  int `gorm:"not null;default:0"`
	LastError string

	// Verifiable seed material.
	BeaconSlot uint64
	BeaconHash string `gorm:"size:64"`
	PoolDigest string `gorm:"size:64"`
	Seed       string `gorm:"size:64"`

	TicketPool         Array[string] `gorm:"type:text"`
	RolledOverToDrawID *string       `gorm:"size:36"`
	CompletedAt        *time.Time
}

// Due reports whether the draw's period has ended at now.
func (d *Draw) Due(now time.Time) bool {
	return d.Status == DrawStatusPending && !d.DrawTime.After(now)
}
