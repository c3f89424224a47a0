package models

// PullOutcome is the result class of a pull.
type PullOutcome string

const (
	PullOutcomeReward PullOutcome = "reward"
	PullOutcomeTicket PullOutcome = "ticket_earned"
)

// Pull records one accepted pull. (UserID, Tier, Bucket) is unique so a
// cooldown bucket can only ever hold one pull, even across processes.
type Pull struct {
	Base
	UserID         string      `gorm:"size:64;not null;uniqueIndex:idx_pulls_bucket"`
	Tier           Tier        `gorm:"size:16;not null;uniqueIndex:idx_pulls_bucket"`
	Bucket         int64       `gorm:"not null;uniqueIndex:idx_pulls_bucket"`
	IdempotencyKey string      `gorm:"size:128;not null;uniqueIndex"`
	Outcome        PullOutcome `gorm:"size:16;not null"`
	PrizeAmount    int64       `gorm:"not null;default:0"`
	Cost           int64       `gorm:"not null;default:0"`
	TicketID       *string     `gorm:"size:36"`
	PayoutID       *string     `gorm:"size:36"`

	User User `gorm:"foreignKey:UserID" json:"-"`
}
