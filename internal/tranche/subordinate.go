package tranche

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/tranche-engine/internal/address"
	"github.com/atmx/tranche-engine/internal/fixedpoint"
	"github.com/atmx/tranche-engine/internal/model"
)

// Subordinate is a Junior (first-loss) or Reserve (secondary-loss) ledger.
// Holders own NAV shares: balance = shares × value / totalShares.
type Subordinate struct {
	book

	senior            string
	spilloverReceived decimal.Decimal
	backstopProvided  decimal.Decimal
	lpReleased        decimal.Decimal // backstop value in LP units at the rebase price
}

var _ Peer = (*Subordinate)(nil)

// NewJunior creates an empty Junior ledger.
func NewJunior(cfg Config) (*Subordinate, error) {
	return newSubordinate(cfg, model.KindJunior)
}

// NewReserve creates an empty Reserve ledger.
func NewReserve(cfg Config) (*Subordinate, error) {
	return newSubordinate(cfg, model.KindReserve)
}

func newSubordinate(cfg Config, kind string) (*Subordinate, error) {
	cfg, err := cfg.validate()
	if err != nil {
		return nil, err
	}
	return &Subordinate{
		book:              newBook(cfg, kind),
		spilloverReceived: decimal.Zero,
		backstopProvided:  decimal.Zero,
		lpReleased:        decimal.Zero,
	}, nil
}

func (l *Subordinate) Senior() string                     { return l.senior }
func (l *Subordinate) SpilloverReceived() decimal.Decimal { return l.spilloverReceived }
func (l *Subordinate) BackstopProvided() decimal.Decimal  { return l.backstopProvided }
func (l *Subordinate) LPReleased() decimal.Decimal        { return l.lpReleased }

// SetSenior names the only ledger allowed to push spillover or pull backstop.
func (l *Subordinate) SetSenior(caller, senior string) error {
	release, err := l.guard.enter()
	if err != nil {
		return err
	}
	defer release()

	if err := l.requireOperator(caller); err != nil {
		return err
	}
	id, err := address.Parse(senior)
	if err != nil {
		return err
	}
	l.senior = id
	return nil
}

func (l *Subordinate) requireSenior(caller string) error {
	if !address.Equal(caller, l.senior) {
		return ErrNotSenior
	}
	return nil
}

// ReceiveSpillover credits Senior's excess to value.
func (l *Subordinate) ReceiveSpillover(_ context.Context, caller string, amount decimal.Decimal) error {
	release, err := l.guard.enter()
	if err != nil {
		return err
	}
	defer release()

	if err := l.requireSenior(caller); err != nil {
		return err
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	l.value = l.value.Add(amount)
	l.spilloverReceived = l.spilloverReceived.Add(amount)
	return nil
}

// ProvideBackstop releases min(amount, value) to Senior and returns it.
// price, when positive, converts the released value into LP units for the
// lpReleased audit counter.
func (l *Subordinate) ProvideBackstop(_ context.Context, caller string, amount, price decimal.Decimal) (decimal.Decimal, error) {
	release, err := l.guard.enter()
	if err != nil {
		return decimal.Zero, err
	}
	defer release()

	if err := l.requireSenior(caller); err != nil {
		return decimal.Zero, err
	}
	if err := checkAmount(amount); err != nil {
		return decimal.Zero, err
	}
	actual := fixedpoint.Min(amount, fixedpoint.Max(l.value, decimal.Zero))
	l.value = l.value.Sub(actual)
	l.backstopProvided = l.backstopProvided.Add(actual)
	l.lpReleased = l.lpReleased.Add(LPUnits(actual, price))
	return actual, nil
}

// LPUnits converts value to LP units at price, or zero when price is unset.
func LPUnits(value, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	return fixedpoint.MulDivBy(value, fixedpoint.Precision, price)
}

// IsDepleted reports value below 1% of the last monthly snapshot. It is a
// health signal only; nothing is locked.
func (l *Subordinate) IsDepleted() bool {
	if !l.lastMonthValue.IsPositive() {
		return false
	}
	return l.value.LessThan(fixedpoint.Bps(l.lastMonthValue, fixedpoint.DepletionThresholdBps))
}

// BalanceOf returns holder's share of value.
func (l *Subordinate) BalanceOf(holder string) decimal.Decimal {
	if !l.totalShares.IsPositive() {
		return decimal.Zero
	}
	return fixedpoint.MulDivBy(l.SharesOf(holder), l.value, l.totalShares)
}

// SharePrice is the value of one whole share, 1.0 for an empty ledger.
func (l *Subordinate) SharePrice() decimal.Decimal {
	if !l.totalShares.IsPositive() {
		return fixedpoint.Precision
	}
	return fixedpoint.MulDivBy(l.value, fixedpoint.Precision, l.totalShares)
}

// MintForDeposit issues NAV shares worth amount and adds amount to value.
func (l *Subordinate) MintForDeposit(_ context.Context, caller, holder string, amount decimal.Decimal) (decimal.Decimal, error) {
	release, err := l.guard.enter()
	if err != nil {
		return decimal.Zero, err
	}
	defer release()

	if !l.IsMinter(caller) {
		return decimal.Zero, ErrNotMinter
	}
	holder, err = address.Parse(holder)
	if err != nil {
		return decimal.Zero, err
	}
	if err := checkAmount(amount); err != nil {
		return decimal.Zero, err
	}

	shares := amount
	if l.totalShares.IsPositive() {
		if !l.value.IsPositive() {
			return decimal.Zero, fmt.Errorf("%w: %s has shares but no value", ErrNoSupply, l.kind)
		}
		shares = fixedpoint.MulDivBy(amount, l.totalShares, l.value)
	}
	if !shares.IsPositive() {
		return decimal.Zero, ErrZeroAmount
	}
	l.credit(holder, shares)
	l.value = l.value.Add(amount)
	return shares, nil
}

// Withdraw redeems amount of caller's NAV balance.
func (l *Subordinate) Withdraw(_ context.Context, caller string, amount decimal.Decimal) (WithdrawResult, error) {
	release, err := l.guard.enter()
	if err != nil {
		return WithdrawResult{}, err
	}
	defer release()

	if caller, err = address.Parse(caller); err != nil {
		return WithdrawResult{}, err
	}
	if err := checkAmount(amount); err != nil {
		return WithdrawResult{}, err
	}
	if amount.GreaterThan(l.BalanceOf(caller)) {
		return WithdrawResult{}, ErrInsufficientShares
	}
	burn := fixedpoint.Min(fixedpoint.MulDivByUp(amount, l.totalShares, l.value), l.shares[caller])
	return l.settleWithdrawal(caller, amount, burn)
}

// State returns the persisted form of the ledger.
func (l *Subordinate) State() model.LedgerState {
	st := l.state()
	st.RebaseIndex = decimal.Zero
	st.Senior = l.senior
	st.SpilloverReceived = l.spilloverReceived
	st.BackstopProvided = l.backstopProvided
	st.LPReleased = l.lpReleased
	return st
}

// Restore replaces the ledger state with st.
func (l *Subordinate) Restore(st model.LedgerState) error {
	if err := l.restore(st); err != nil {
		return err
	}
	l.senior = st.Senior
	l.spilloverReceived = st.SpilloverReceived
	l.backstopProvided = st.BackstopProvided
	l.lpReleased = st.LPReleased
	return nil
}
