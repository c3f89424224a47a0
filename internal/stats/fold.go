package stats

import "github.com/wnt/fortuna/internal/models"

// History is everything a user's counters derive from.
type History struct {
	Tickets          []models.Ticket
	Pulls            []models.Pull
	Winners          []models.Winner
	ConfirmedPayouts []models.Payout
}

// Fold recomputes a user's stats from history.
func Fold(userID string, h History) models.UserStat {
	s := models.UserStat{UserID: userID}

	for i := range h.Tickets {
		t := &h.Tickets[i]
		ApplyTicketIssued(&s, t)
		if !t.Outstanding() {
			ApplyTicketConsumed(&s, t)
		}
	}
	for i := range h.Pulls {
		ApplyPull(&s, &h.Pulls[i])
	}
	for i := range h.Winners {
		ApplyWin(&s, &h.Winners[i])
	}
	for i := range h.ConfirmedPayouts {
		ApplyConfirmedPayout(&s, &h.ConfirmedPayouts[i])
	}

	return s
}
