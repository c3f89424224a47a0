package models

import "fmt"

// Tier is a raffle tier. Each tier has its own win probability, prize
// magnitude and draw cadence.
type Tier string

const (
	TierDaily   Tier = "daily"
	TierWeekly  Tier = "weekly"
	TierMonthly Tier = "monthly"
	TierYearly  Tier = "yearly"
)

// AllTiers lists every tier in cadence order.
var AllTiers = []Tier{TierDaily, TierWeekly, TierMonthly, TierYearly}

// PullableTiers lists the tiers a user may pull directly. Yearly tickets only
// accrue as a by-product of monthly pulls.
var PullableTiers = []Tier{TierDaily, TierWeekly, TierMonthly}

// ParseTier converts a wire value into a Tier.
func ParseTier(s string) (Tier, error) {
	for _, t := range AllTiers {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// Pullable reports whether users can pull this tier directly.
func (t Tier) Pullable() bool {
	return t == TierDaily || t == TierWeekly || t == TierMonthly
}

func (t Tier) String() string {
	return string(t)
}
