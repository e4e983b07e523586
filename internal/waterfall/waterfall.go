// Package waterfall classifies Senior backing into zones and computes the
// two value transfers that keep it inside the healthy band:
//
//   - spillover: backing > 110%, the excess leaves Senior, split 80/20
//     between Junior and Reserve, and Senior ends at exactly 110%;
//   - backstop: backing < 100%, Reserve then Junior refill Senior towards
//     100.9%, each up to its full value.
//
// The functions are pure. Moving value between ledgers is the caller's job.
package waterfall

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/tranche-engine/internal/fixedpoint"
)

// Zone is the three-way classification of a backing ratio.
type Zone int

const (
	ZoneHealthy Zone = iota
	ZoneSpillover
	ZoneBackstop
)

func (z Zone) String() string {
	switch z {
	case ZoneSpillover:
		return "SPILLOVER"
	case ZoneBackstop:
		return "BACKSTOP"
	default:
		return "HEALTHY"
	}
}

// MarshalText renders the zone name in JSON and logs.
func (z Zone) MarshalText() ([]byte, error) {
	return []byte(z.String()), nil
}

// ProfitSpillover is the result of distributing Senior excess.
type ProfitSpillover struct {
	ExcessAmount     decimal.Decimal `json:"excess_amount"`
	ToJunior         decimal.Decimal `json:"to_junior"`
	ToReserve        decimal.Decimal `json:"to_reserve"`
	SeniorFinalValue decimal.Decimal `json:"senior_final_value"`
}

// BackstopResult is the result of refilling a Senior deficit.
type BackstopResult struct {
	DeficitAmount    decimal.Decimal `json:"deficit_amount"`
	FromReserve      decimal.Decimal `json:"from_reserve"`
	FromJunior       decimal.Decimal `json:"from_junior"`
	FullyRestored    bool            `json:"fully_restored"`
	SeniorFinalValue decimal.Decimal `json:"senior_final_value"`
}

// Thresholds are absolute Senior values at the three ratios for a supply.
type Thresholds struct {
	Target  decimal.Decimal `json:"target"`
	Trigger decimal.Decimal `json:"trigger"`
	Restore decimal.Decimal `json:"restore"`
}

// DetermineZone classifies a backing ratio. Both 100% and 110% are HEALTHY.
func DetermineZone(backingRatio decimal.Decimal) Zone {
	switch {
	case backingRatio.GreaterThan(fixedpoint.TargetRatio):
		return ZoneSpillover
	case backingRatio.LessThan(fixedpoint.TriggerRatio):
		return ZoneBackstop
	default:
		return ZoneHealthy
	}
}

// ZoneOf classifies value against supply.
func ZoneOf(value, supply decimal.Decimal) (Zone, error) {
	ratio, err := fixedpoint.BackingRatio(value, supply)
	if err != nil {
		return ZoneHealthy, err
	}
	return DetermineZone(ratio), nil
}

// IsHealthyBufferZone reports backing within [100%, 110%].
func IsHealthyBufferZone(backingRatio decimal.Decimal) bool {
	return DetermineZone(backingRatio) == ZoneHealthy
}

// NeedsProfitSpillover reports backing above 110%.
func NeedsProfitSpillover(backingRatio decimal.Decimal) bool {
	return DetermineZone(backingRatio) == ZoneSpillover
}

// NeedsBackstop reports backing below 100%.
func NeedsBackstop(backingRatio decimal.Decimal) bool {
	return DetermineZone(backingRatio) == ZoneBackstop
}

// CalculateProfitSpillover splits the excess above supply*110%. Junior gets
// floor(excess*80%); Reserve gets the remainder so the split is exact.
// When netValue is at or below the target nothing moves.
func CalculateProfitSpillover(netValue, supply decimal.Decimal) ProfitSpillover {
	target := fixedpoint.MulDiv(supply, fixedpoint.TargetRatio)
	if !netValue.GreaterThan(target) {
		return ProfitSpillover{
			ExcessAmount:     decimal.Zero,
			ToJunior:         decimal.Zero,
			ToReserve:        decimal.Zero,
			SeniorFinalValue: netValue,
		}
	}

	excess := netValue.Sub(target)
	toJunior := fixedpoint.Bps(excess, fixedpoint.JuniorSpilloverBps)

	return ProfitSpillover{
		ExcessAmount:     excess,
		ToJunior:         toJunior,
		ToReserve:        excess.Sub(toJunior),
		SeniorFinalValue: target,
	}
}

// CalculateBackstop computes how much Reserve and then Junior must supply
// to lift netValue to supply*100.9%. A shortfall is reported through
// FullyRestored, not as an error.
func CalculateBackstop(netValue, supply, reserveValue, juniorValue decimal.Decimal) BackstopResult {
	restore := fixedpoint.MulDiv(supply, fixedpoint.RestoreRatio)
	deficit := restore.Sub(netValue)
	if deficit.Sign() <= 0 {
		return BackstopResult{
			DeficitAmount:    decimal.Zero,
			FromReserve:      decimal.Zero,
			FromJunior:       decimal.Zero,
			FullyRestored:    true,
			SeniorFinalValue: netValue,
		}
	}

	fromReserve := fixedpoint.Min(deficit, nonNegative(reserveValue))
	fromJunior := fixedpoint.Min(deficit.Sub(fromReserve), nonNegative(juniorValue))
	provided := fromReserve.Add(fromJunior)

	return BackstopResult{
		DeficitAmount:    deficit,
		FromReserve:      fromReserve,
		FromJunior:       fromJunior,
		FullyRestored:    provided.Equal(deficit),
		SeniorFinalValue: netValue.Add(provided),
	}
}

// CalculateZoneThresholds returns the target, trigger and restore values for supply.
func CalculateZoneThresholds(supply decimal.Decimal) Thresholds {
	return Thresholds{
		Target:  fixedpoint.MulDiv(supply, fixedpoint.TargetRatio),
		Trigger: fixedpoint.MulDiv(supply, fixedpoint.TriggerRatio),
		Restore: fixedpoint.MulDiv(supply, fixedpoint.RestoreRatio),
	}
}

func nonNegative(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
