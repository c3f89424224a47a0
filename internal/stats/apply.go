// Package stats maintains the per-user counters. The Apply functions are the
// only way counters change, both inside mutation transactions and when the
// history is folded, so the two paths cannot drift apart in code.
package stats

import (
	"github.com/wnt/fortuna/internal/models"
)

// ApplyPull counts an accepted pull.
func ApplyPull(s *models.UserStat, p *models.Pull) {
	s.TotalPulls++
	s.TotalSolSpent += p.Cost

	switch p.Outcome {
	case models.PullOutcomeReward:
		s.RewardPulls++
		s.TotalRewardBuybacks += p.PrizeAmount
	case models.PullOutcomeTicket:
		s.TicketPulls++
	}

	if s.LastPullAt == nil || p.CreatedAt.After(*s.LastPullAt) {
		at := p.CreatedAt
		s.LastPullAt = &at
	}
}

// ApplyTicketIssued counts a new entry batch.
func ApplyTicketIssued(s *models.UserStat, t *models.Ticket) {
	s.AddTickets(t.Tier, t.Quantity)
}

// ApplyTicketConsumed removes an archived batch from the outstanding count.
func ApplyTicketConsumed(s *models.UserStat, t *models.Ticket) {
	s.AddTickets(t.Tier, -t.Quantity)
}

// ApplyWin counts a draw win.
func ApplyWin(s *models.UserStat, _ *models.Winner) {
	s.DrawWins++
}

// ApplyConfirmedPayout counts a prize that landed on chain.
func ApplyConfirmedPayout(s *models.UserStat, p *models.Payout) {
	s.TotalSolWon += p.Amount
	if p.Source == models.PayoutSourcePull {
		s.InstantWins++
	}
}
