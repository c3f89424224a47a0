package models

import "time"

// UserStat is a read-optimized projection of a user's history. Every field
// can be recomputed from tickets, pulls, winners and confirmed payouts.
type UserStat struct {
	UserID string `gorm:"size:64;primaryKey"`

	CurrentDailyTickets   int `gorm:"not null;default:0"`
	CurrentWeeklyTickets  int `gorm:"not null;default:0"`
	CurrentMonthlyTickets int `gorm:"not null;default:0"`
	CurrentYearlyTickets  int `gorm:"not null;default:0"`

	LifetimeDailyTickets   int `gorm:"not null;default:0"`
	LifetimeWeeklyTickets  int `gorm:"not null;default:0"`
	LifetimeMonthlyTickets int `gorm:"not null;default:0"`
	LifetimeYearlyTickets  int `gorm:"not null;default:0"`

	TotalPulls  int `gorm:"not null;default:0"`
	RewardPulls int `gorm:"not null;default:0"`
	TicketPulls int `gorm:"not null;default:0"`
	DrawWins    int `gorm:"not null;default:0"`
	InstantWins int `gorm:"not null;default:0"`

	// Lamports.
	TotalSolSpent       int64 `gorm:"not null;default:0"`
	TotalSolWon         int64 `gorm:"not null;default:0"`
	TotalRewardBuybacks int64 `gorm:"not null;default:0"`

	LastPullAt *time.Time
	UpdatedAt  time.Time

	User User `gorm:"foreignKey:UserID" json:"-"`
}

// AddTickets applies a ticket delta to the current and lifetime counters.
// Negative quantities (consumption) only touch the current counters.
func (s *UserStat) AddTickets(tier Tier, quantity int) {
	current, lifetime := s.counters(tier)
	*current += quantity
	if quantity > 0 {
		*lifetime += quantity
	}
}

// CurrentTickets returns the outstanding ticket count for a tier.
func (s *UserStat) CurrentTickets(tier Tier) int {
	current, _ := s.counters(tier)
	return *current
}

func (s *UserStat) counters(tier Tier) (*int, *int) {
	switch tier {
	case TierDaily:
		return &s.CurrentDailyTickets, &s.LifetimeDailyTickets
	case TierWeekly:
		return &s.CurrentWeeklyTickets, &s.LifetimeWeeklyTickets
	case TierMonthly:
		return &s.CurrentMonthlyTickets, &s.LifetimeMonthlyTickets
	default:
		return &s.CurrentYearlyTickets, &s.LifetimeYearlyTickets
	}
}

// Equal compares the folded fields, ignoring bookkeeping timestamps other
// than LastPullAt.
func (s UserStat) Equal(o UserStat) bool {
	a, b := s, o
	a.UpdatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	a.User, b.User = User{}, User{}
	la, lb := a.LastPullAt, b.LastPullAt
	a.LastPullAt, b.LastPullAt = nil, nil
	if a != b {
		return false
	}
	if la == nil || lb == nil {
		return la == nil && lb == nil
	}
	return la.Equal(*lb)
}
