// Package fees implements management-fee streaming, the performance-fee
// skim on rebase growth, withdrawal penalties and rebase-index compounding.
package fees

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/tranche-engine/internal/fixedpoint"
)

// RebaseSupply splits one month of growth into holder and fee tokens.
// Fee tokens are minted on top of holder growth; they are not deducted
// from value.
type RebaseSupply struct {
	UserTokens decimal.Decimal `json:"user_tokens"`
	FeeTokens  decimal.Decimal `json:"fee_tokens"`
	NewSupply  decimal.Decimal `json:"new_supply"`
}

// WithdrawalPenalty is the outcome of an early-withdrawal check.
type WithdrawalPenalty struct {
	Penalty decimal.Decimal `json:"penalty"`
	Net     decimal.Decimal `json:"net"`
}

// CalculateManagementFee returns one month of the 1% annual fee on vaultValue.
func CalculateManagementFee(vaultValue decimal.Decimal) decimal.Decimal {
	annual := fixedpoint.Bps(vaultValue, fixedpoint.ManagementFeeBps)
	return fixedpoint.Quo(annual, decimal.NewFromInt(fixedpoint.MonthsPerYear))
}

// CalculatePerformanceFee returns 2% of newly accrued tokens.
func CalculatePerformanceFee(userAccruedTokens decimal.Decimal) decimal.Decimal {
	return fixedpoint.Bps(userAccruedTokens, fixedpoint.PerformanceFeeBps)
}

// CooldownElapsed reports whether a cooldown started at cooldownStart has
// run its full period by now. A zero start means no cooldown was requested.
func CooldownElapsed(cooldownStart, now time.Time) bool {
	if cooldownStart.IsZero() {
		return false
	}
	return now.Sub(cooldownStart) >= fixedpoint.CooldownPeriod
}

// CalculateWithdrawalPenalty charges a flat 20% unless the cooldown has elapsed.
func CalculateWithdrawalPenalty(amount decimal.Decimal, cooldownStart, now time.Time) WithdrawalPenalty {
	if CooldownElapsed(cooldownStart, now) {
		return WithdrawalPenalty{Penalty: decimal.Zero, Net: amount}
	}
	penalty := fixedpoint.Bps(amount, fixedpoint.EarlyWithdrawalPenaltyBps)
	return WithdrawalPenalty{Penalty: penalty, Net: amount.Sub(penalty)}
}

// CalculateWithdrawalFee returns the standing 1% fee charged on every withdrawal.
func CalculateWithdrawalFee(amount decimal.Decimal) decimal.Decimal {
	return fixedpoint.Bps(amount, fixedpoint.WithdrawalFeeBps)
}

// CalculateRebaseSupply grows currentSupply by one month at monthlyRate:
//
//	userTokens = supply * rate
//	feeTokens  = userTokens * 2%
//	newSupply  = supply + userTokens + feeTokens
func CalculateRebaseSupply(currentSupply, monthlyRate decimal.Decimal) RebaseSupply {
	userTokens := fixedpoint.MulDiv(currentSupply, monthlyRate)
	feeTokens := CalculatePerformanceFee(userTokens)
	return RebaseSupply{
		UserTokens: userTokens,
		FeeTokens:  feeTokens,
		NewSupply:  currentSupply.Add(userTokens).Add(feeTokens),
	}
}

// GrossRate is monthlyRate * 1.02: holder growth plus the performance fee.
func GrossRate(monthlyRate decimal.Decimal) decimal.Decimal {
	return monthlyRate.Add(CalculatePerformanceFee(monthlyRate))
}

// CalculateNewRebaseIndex returns oldIndex * (1 + monthlyRate*1.02).
func CalculateNewRebaseIndex(oldIndex, monthlyRate decimal.Decimal) decimal.Decimal {
	return oldIndex.Add(fixedpoint.MulDiv(oldIndex, GrossRate(monthlyRate)))
}
