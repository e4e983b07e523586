// Package fixedpoint implements the unsigned fixed-point arithmetic used by
// every tranche ledger, together with the protocol's immutable constants.
//
// Amounts are integer base units carried in shopspring/decimal (exponent 0):
// one whole unit is Precision (10^18) base units. Ratios and rates use the
// same scale, so 1.10 is 1_100_000_000_000_000_000. Every division floors,
// which on non-negative operands is truncation toward zero.
package fixedpoint

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/tranche-engine/internal/apperr"
)

var (
	// ErrOutOfRange is returned when a negative percentage exceeds 100%.
	ErrOutOfRange = apperr.New(apperr.ErrValidation, "fixedpoint: percentage out of range")

	// ErrDivideByZero is returned for a backing ratio or share conversion
	// against a zero denominator.
	ErrDivideByZero = apperr.New(apperr.ErrArithmetic, "fixedpoint: division by zero")

	// ErrNegativeValue is returned when an operand that must be non-negative is not.
	ErrNegativeValue = apperr.New(apperr.ErrArithmetic, "fixedpoint: negative value")

	// ErrFractional is returned for an amount that is not a whole number of
	// base units.
	ErrFractional = apperr.New(apperr.ErrValidation, "fixedpoint: amount has a fractional base unit")
)

// IsWhole reports whether v is a whole number of base units.
func IsWhole(v decimal.Decimal) bool {
	return v.Equal(v.Truncate(0))
}

// Quo returns floor(a / b) for non-negative a and positive b.
func Quo(a, b decimal.Decimal) decimal.Decimal {
	q, _ := a.QuoRem(b, 0)
	return q
}

// MulDiv multiplies a by a fixed-point factor and divides by Precision:
//
//	floor(a * factor / 10^18)
//
// The product is formed before the division so no precision is lost to an
// intermediate truncation.
func MulDiv(a, factor decimal.Decimal) decimal.Decimal {
	return Quo(a.Mul(factor), Precision)
}

// MulDivBy returns floor(a * b / c). c must be positive.
func MulDivBy(a, b, c decimal.Decimal) decimal.Decimal {
	return Quo(a.Mul(b), c)
}

// MulDivByUp returns ceil(a * b / c). c must be positive.
func MulDivByUp(a, b, c decimal.Decimal) decimal.Decimal {
	q, r := a.Mul(b).QuoRem(c, 0)
	if r.IsPositive() {
		return q.Add(decimal.NewFromInt(1))
	}
	return q
}

// Bps returns floor(value * bps / 10_000).
func Bps(value decimal.Decimal, bps int64) decimal.Decimal {
	return MulDivBy(value, decimal.NewFromInt(bps), BpsDenominator)
}

// ApplyPercentage adds (bps > 0) or subtracts (bps < 0) a basis-point scaled
// percentage of value. A decrease larger than 100% is rejected with
// ErrOutOfRange; exactly -100% yields zero.
func ApplyPercentage(value decimal.Decimal, signedBps int64) (decimal.Decimal, error) {
	if value.IsNegative() {
		return decimal.Zero, ErrNegativeValue
	}
	if signedBps < -MaxBps {
		return decimal.Zero, ErrOutOfRange
	}
	if signedBps >= 0 {
		return value.Add(Bps(value, signedBps)), nil
	}
	return value.Sub(Bps(value, -signedBps)), nil
}

// BackingRatio returns value * 10^18 / supply, i.e. 1.0 at full backing.
func BackingRatio(value, supply decimal.Decimal) (decimal.Decimal, error) {
	if supply.Sign() <= 0 {
		return decimal.Zero, ErrDivideByZero
	}
	return MulDivBy(value, Precision, supply), nil
}

// BalanceFromShares converts a share count to a balance: shares * index / 10^18.
func BalanceFromShares(shares, index decimal.Decimal) decimal.Decimal {
	return MulDiv(shares, index)
}

// SharesFromBalance converts a balance to shares: balance * 10^18 / index.
// It is the inverse of BalanceFromShares up to integer truncation.
func SharesFromBalance(balance, index decimal.Decimal) (decimal.Decimal, error) {
	if index.Sign() <= 0 {
		return decimal.Zero, ErrDivideByZero
	}
	return MulDivBy(balance, Precision, index), nil
}

// DepositCap returns the maximum Senior supply a Reserve of reserveValue can back.
func DepositCap(reserveValue decimal.Decimal) decimal.Decimal {
	return reserveValue.Mul(decimal.NewFromInt(DepositCapMultiplier))
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Units returns n whole units expressed in base units.
func Units(n int64) decimal.Decimal {
	return decimal.NewFromInt(n).Mul(Precision)
}

// Parse reads a base-unit integer from its decimal string form.
func Parse(s string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	return v.Truncate(0), nil
}

// ParseUnits reads a human amount such as "1.5" and scales it to base units.
func ParseUnits(s string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	return v.Mul(Precision).Truncate(0), nil
}

// FormatUnits renders base units as whole units with up to 18 decimals.
func FormatUnits(v decimal.Decimal) string {
	return v.DivRound(Precision, 18).String()
}
