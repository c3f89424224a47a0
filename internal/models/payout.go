package models

import "time"

// PayoutSource tells which event created the prize obligation.
type PayoutSource string

const (
	PayoutSourceDraw PayoutSource = "draw"
	PayoutSourcePull PayoutSource = "pull"
)

// PayoutStatus is the settlement state of a payout.
type PayoutStatus string

const (
	PayoutStatusAwaiting     PayoutStatus = "awaiting"
	PayoutStatusSubmitted    PayoutStatus = "submitted"
	PayoutStatusConfirmed    PayoutStatus = "confirmed"
	PayoutStatusFailed       PayoutStatus = "failed"
	PayoutStatusManualReview PayoutStatus = "manual_review"
)

// Payout is one prize obligation and its settlement progress. A winner or a
// reward pull owns at most one payout.
type Payout struct {
	Base
	Source        PayoutSource `gorm:"size:8;not null"`
	WinnerID      *string      `gorm:"size:36;uniqueIndex"`
	PullID        *string      `gorm:"size:36;uniqueIndex"`
	UserID        string       `gorm:"size:64;not null;index"`
	WalletAddress string       `gorm:"size:44;not null"`
	Amount        int64        `gorm:"not null"`

	Status   PayoutStatus `gorm:"size:16;not null;index:idx_payouts_due;default:'awaiting'"`
	Attempts int          `gorm:"not null;default:0"`

	Signature            *string `gorm:"size:88;index"`
	LastValidBlockHeight uint64
	SubmittedAt          *time.Time
	ConfirmedAt          *time.Time
	NextAttemptAt        time.Time `gorm:"index:idx_payouts_due"`
	LastError            string
	UpdatedAt            time.Time
}

// Terminal reports whether settlement has nothing left to do automatically.
func (p *Payout) Terminal() bool {
	return p.Status == PayoutStatusConfirmed || p.Status == PayoutStatusManualReview
}
