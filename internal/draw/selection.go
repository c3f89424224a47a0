package draw

import (
	"github.com/wnt/fortuna/internal/models"
)

// Entrant is one user's stake in a pool.
type Entrant struct {
	UserID string
	Weight int64
}

// WinnerSelection picks up to k distinct users from the entrants.
type WinnerSelection interface {
	Select(entrants []Entrant, k int, stream *Stream) []string
}

// Entrants aggregates a pool by user, in order of first appearance.
func Entrants(tickets []models.Ticket) []Entrant {
	index := make(map[string]int)
	var out []Entrant
	for _, t := range tickets {
		i, ok := index[t.UserID]
		if !ok {
			i = len(out)
			index[t.UserID] = i
			out = append(out, Entrant{UserID: t.UserID})
		}
		out[i].Weight += int64(t.Quantity)
	}
	return out
}

// WeightedSelection draws users with probability proportional to their
// ticket quantity, without replacement.
type WeightedSelection struct{}

func (WeightedSelection) Select(entrants []Entrant, k int, stream *Stream) []string {
	remaining := make([]Entrant, 0, len(entrants))
	var total int64
	for _, e := range entrants {
		if e.Weight > 0 {
			remaining = append(remaining, e)
			total += e.Weight
		}
	}

	var winners []string
	for len(winners) < k && len(remaining) > 0 {
		r := int64(stream.Uint64N(uint64(total)))
		for i, e := range remaining {
			if r < e.Weight {
				winners = append(winners, e.UserID)
				total -= e.Weight
				remaining = append(remaining[:i], remaining[i+1:]...)
				break
			}
			r -= e.Weight
		}
	}
	return winners
}

// SplitPrize divides a prize between n winners; rank 0 takes the remainder.
func SplitPrize(prize int64, n int) []int64 {
	if n == 0 {
		return nil
	}
	shares := make([]int64, n)
	each := prize / int64(n)
	for i := range shares {
		shares[i] = each
	}
	shares[0] += prize - each*int64(n)
	return shares
}
