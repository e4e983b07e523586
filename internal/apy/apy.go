// Package apy selects the monthly growth rate applied to the Senior supply
// at each rebase.
//
// Tiers are tried highest first (13%, 12%, 11%). The first tier whose grown
// supply is still fully backed wins. If none is, tier 1 is used anyway and
// the selection is flagged so the caller runs a backstop straight after.
package apy

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/tranche-engine/internal/fees"
	"github.com/atmx/tranche-engine/internal/fixedpoint"
)

// Tier identifies an APY tier: 1 (11%), 2 (12%) or 3 (13%).
type Tier int

const (
	Tier11 Tier = 1
	Tier12 Tier = 2
	Tier13 Tier = 3
)

// Tiers in the order the selector tries them.
var selectionOrder = []Tier{Tier13, Tier12, Tier11}

// Selection is the outcome of SelectDynamicAPY.
type Selection struct {
	Tier           Tier            `json:"apy_tier"`
	SelectedRate   decimal.Decimal `json:"selected_rate"`
	NewSupply      decimal.Decimal `json:"new_supply"`
	BackstopNeeded bool            `json:"backstop_needed"`
}

// Simulation is the backing ratio each tier would leave behind.
type Simulation struct {
	Backing11 decimal.Decimal `json:"backing_11"`
	Backing12 decimal.Decimal `json:"backing_12"`
	Backing13 decimal.Decimal `json:"backing_13"`
}

// GetAPYInBps returns the annual rate of tier in basis points, 0 if unknown.
func GetAPYInBps(tier Tier) int64 {
	switch tier {
	case Tier11:
		return fixedpoint.APY11Bps
	case Tier12:
		return fixedpoint.APY12Bps
	case Tier13:
		return fixedpoint.APY13Bps
	default:
		return 0
	}
}

// GetMonthlyRate returns the monthly compounding rate of tier, 0 if unknown.
func GetMonthlyRate(tier Tier) decimal.Decimal {
	switch tier {
	case Tier11:
		return fixedpoint.MonthlyRate11
	case Tier12:
		return fixedpoint.MonthlyRate12
	case Tier13:
		return fixedpoint.MonthlyRate13
	default:
		return decimal.Zero
	}
}

// SelectDynamicAPY picks the highest tier that keeps netVaultValue at or
// above 100% of the grown supply. currentSupply must be positive.
func SelectDynamicAPY(currentSupply, netVaultValue decimal.Decimal) (Selection, error) {
	for _, tier := range selectionOrder {
		rate := GetMonthlyRate(tier)
		newSupply := fees.CalculateRebaseSupply(currentSupply, rate).NewSupply

		backing, err := fixedpoint.BackingRatio(netVaultValue, newSupply)
		if err != nil {
			return Selection{}, err
		}
		if backing.GreaterThanOrEqual(fixedpoint.TriggerRatio) {
			return Selection{Tier: tier, SelectedRate: rate, NewSupply: newSupply}, nil
		}
	}

	rate := GetMonthlyRate(Tier11)
	return Selection{
		Tier:           Tier11,
		SelectedRate:   rate,
		NewSupply:      fees.CalculateRebaseSupply(currentSupply, rate).NewSupply,
		BackstopNeeded: true,
	}, nil
}

// SimulateAllAPYs previews the backing ratio under each tier without
// selecting one.
func SimulateAllAPYs(currentSupply, netVaultValue decimal.Decimal) (Simulation, error) {
	var out [3]decimal.Decimal
	for i, tier := range []Tier{Tier11, Tier12, Tier13} {
		newSupply := fees.CalculateRebaseSupply(currentSupply, GetMonthlyRate(tier)).NewSupply
		backing, err := fixedpoint.BackingRatio(netVaultValue, newSupply)
		if err != nil {
			return Simulation{}, err
		}
		out[i] = backing
	}
	return Simulation{Backing11: out[0], Backing12: out[1], Backing13: out[2]}, nil
}
