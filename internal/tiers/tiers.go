// Package tiers holds the per-tier game tables: win probability, instant
// prize list, cooldown, pull cost and the base prize of each draw.
package tiers

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wnt/fortuna/internal/models"
)

// LamportsPerSOL converts SOL amounts to lamports.
const LamportsPerSOL int64 = 1_000_000_000

// Prize is one entry of a weighted discrete prize list.
type Prize struct {
	Amount int64 `yaml:"amount"`
	Weight int   `yaml:"weight"`
}

// Table configures one tier.
type Table struct {
	WinProbability float64       `yaml:"winProbability"`
	Prizes         []Prize       `yaml:"prizes"`
	Cooldown       time.Duration `yaml:"cooldown"`
	Cost           int64         `yaml:"cost"`
	BasePrize      int64         `yaml:"basePrize"`
}

// Tables maps every tier to its table.
type Tables map[models.Tier]Table

// Defaults returns the built-in tables.
func Defaults() Tables {
	sol := func(f float64) int64 { return int64(f * float64(LamportsPerSOL)) }

	return Tables{
		models.TierDaily: {
			WinProbability: 0.10,
			Prizes: []Prize{
				{Amount: sol(0.01), Weight: 70},
				{Amount: sol(0.05), Weight: 25},
				{Amount: sol(0.1), Weight: 5},
			},
			Cooldown:  24 * time.Hour,
			Cost:      sol(0.01),
			BasePrize: sol(0.5),
		},
		models.TierWeekly: {
			WinProbability: 0.05,
			Prizes: []Prize{
				{Amount: sol(0.1), Weight: 80},
				{Amount: sol(0.5), Weight: 20},
			},
			Cooldown:  7 * 24 * time.Hour,
			Cost:      sol(0.05),
			BasePrize: sol(2),
		},
		models.TierMonthly: {
			WinProbability: 0.02,
			Prizes: []Prize{
				{Amount: sol(0.5), Weight: 90},
				{Amount: sol(2), Weight: 10},
			},
			Cooldown:  30 * 24 * time.Hour,
			Cost:      sol(0.1),
			BasePrize: sol(10),
		},
		models.TierYearly: {
			BasePrize: sol(100),
		},
	}
}

// Load reads a YAML override file. Tiers present in the file replace the
// defaults of that tier; absent tiers keep their defaults.
func Load(path string) (Tables, error) {
	tables := Defaults()
	if path == "" {
		return tables, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tier table file: %w", err)
	}

	var overrides map[string]Table
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse tier table file: %w", err)
	}

	for name, table := range overrides {
		tier, err := models.ParseTier(name)
		if err != nil {
			return nil, fmt.Errorf("tier table file: %w", err)
		}
		tables[tier] = table
	}

	if err := tables.Validate(); err != nil {
		return nil, err
	}
	return tables, nil
}

// Validate checks every pullable tier can actually be played.
func (t Tables) Validate() error {
	for _, tier := range models.AllTiers {
		table, ok := t[tier]
		if !ok {
			return fmt.Errorf("missing table for tier %s", tier)
		}
		if table.BasePrize < 0 {
			return fmt.Errorf("tier %s: base prize must not be negative", tier)
		}
		if !tier.Pullable() {
			continue
		}
		if table.WinProbability < 0 || table.WinProbability > 1 {
			return fmt.Errorf("tier %s: win probability %v outside [0, 1]", tier, table.WinProbability)
		}
		if table.Cooldown <= 0 {
			return fmt.Errorf("tier %s: cooldown must be positive", tier)
		}
		if table.Cost < 0 {
			return fmt.Errorf("tier %s: cost must not be negative", tier)
		}
		if table.WinProbability > 0 && len(table.Prizes) == 0 {
			return fmt.Errorf("tier %s: winnable tier needs at least one prize", tier)
		}
		for _, p := range table.Prizes {
			if p.Amount <= 0 || p.Weight <= 0 {
				return fmt.Errorf("tier %s: prizes need positive amount and weight", tier)
			}
		}
	}
	return nil
}

// TotalWeight sums the prize weights.
func (t Table) TotalWeight() int {
	total := 0
	for _, p := range t.Prizes {
		total += p.Weight
	}
	return total
}

// FormatSOL renders lamports as a SOL amount, e.g. "0.05 SOL".
func FormatSOL(lamports int64) string {
	whole := lamports / LamportsPerSOL
	frac := lamports % LamportsPerSOL
	if frac < 0 {
		frac = -frac
	}
	if frac == 0 {
		return fmt.Sprintf("%d SOL", whole)
	}
	s := fmt.Sprintf("%d.%09d", whole, frac)
	for s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	return s + " SOL"
}
