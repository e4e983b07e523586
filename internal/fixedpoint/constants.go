package fixedpoint

import (
	"time"

	"github.com/shopspring/decimal"
)

var (
	// Precision is the fixed-point scalar: 1.0 == 10^18.
	Precision = decimal.New(1, 18)

	// BpsDenominator is 100% in basis points.
	BpsDenominator = decimal.NewFromInt(MaxBps)

	// TargetRatio (110%) is the upper edge of the healthy band. Above it,
	// excess value spills over to Junior and Reserve.
	TargetRatio = decimal.New(110, 16)

	// TriggerRatio (100%) is the lower edge of the healthy band. Below it,
	// Junior and Reserve backstop the Senior ledger.
	TriggerRatio = decimal.New(1, 18)

	// RestoreRatio (100.9%) is what a backstop refills to, leaving headroom
	// above the trigger.
	RestoreRatio = decimal.New(1009, 15)

	// Monthly compounding rates per APY tier: (1 + apy)^(1/12) - 1.
	MonthlyRate11 = decimal.RequireFromString("8734593823551902")
	MonthlyRate12 = decimal.RequireFromString("9488792934582974")
	MonthlyRate13 = decimal.RequireFromString("10236844358176363")
)

const (
	// MaxBps is 100% in basis points.
	MaxBps int64 = 10_000

	// Annualised APY tiers.
	APY11Bps int64 = 1_100
	APY12Bps int64 = 1_200
	APY13Bps int64 = 1_300

	// Spillover split between Junior and Reserve.
	JuniorSpilloverBps  int64 = 8_000
	ReserveSpilloverBps int64 = 2_000

	ManagementFeeBps          int64 = 100   // per year, streamed monthly
	PerformanceFeeBps         int64 = 200   // of newly accrued tokens
	EarlyWithdrawalPenaltyBps int64 = 2_000 // before cooldown elapses
	WithdrawalFeeBps          int64 = 100   // standing fee on every withdrawal

	// DepletionThresholdBps marks the Reserve as depleted below 1% of its
	// last monthly snapshot.
	DepletionThresholdBps int64 = 100

	// Bounds on a single relative value update.
	MaxValueIncreaseBps int64 = 10_000
	MaxValueDecreaseBps int64 = -5_000

	// DepositCapMultiplier bounds Senior supply to ten times Reserve value.
	DepositCapMultiplier int64 = 10

	MonthsPerYear int64 = 12
)

const (
	CooldownPeriod      = 7 * 24 * time.Hour
	DepositExpiry       = 48 * time.Hour
	ManagementFeePeriod = 30 * 24 * time.Hour
)
