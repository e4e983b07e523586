// Package tranche implements the three cooperating ledgers: Senior, Junior
// and Reserve.
//
// Senior holds rebasing shares: a holder's balance is shares × index, and a
// rebase only moves the index. Junior and Reserve hold NAV shares and back
// Senior: they receive its excess on spillover and refill its deficit on
// backstop. Senior reaches them only through the Peer capability, injected
// with SetPeers, so any implementation can stand in for either.
//
// Every mutating entry point is guarded against re-entry: a peer that calls
// back into the ledger in the middle of a rebase gets ErrReentrant. Ledgers
// are not safe for concurrent use; the host serialises calls.
package tranche

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/tranche-engine/internal/address"
	"github.com/atmx/tranche-engine/internal/allowlist"
	"github.com/atmx/tranche-engine/internal/apperr"
	"github.com/atmx/tranche-engine/internal/fees"
	"github.com/atmx/tranche-engine/internal/fixedpoint"
	"github.com/atmx/tranche-engine/internal/model"
)

var (
	ErrZeroAmount         = apperr.New(apperr.ErrValidation, "tranche: amount must be positive")
	ErrInvalidPrice       = apperr.New(apperr.ErrValidation, "tranche: price must be positive")
	ErrInsufficientShares = apperr.New(apperr.ErrValidation, "tranche: insufficient balance")

	ErrNotOperator = apperr.New(apperr.ErrAuthorization, "tranche: caller is not the operator")
	ErrNotSenior   = apperr.New(apperr.ErrAuthorization, "tranche: caller is not the senior ledger")
	ErrNotMinter   = apperr.New(apperr.ErrAuthorization, "tranche: caller may not mint")
	ErrNotHolder   = apperr.New(apperr.ErrAuthorization, "tranche: caller is not the holder")

	ErrReentrant          = apperr.New(apperr.ErrState, "tranche: reentrant call")
	ErrInsufficientValue  = apperr.New(apperr.ErrState, "tranche: ledger value cannot cover withdrawal")
	ErrPeersNotConfigured = apperr.New(apperr.ErrState, "tranche: peer ledgers not configured")
	ErrNoSupply           = apperr.New(apperr.ErrState, "tranche: ledger has no supply")
	ErrDepositCapExceeded = apperr.New(apperr.ErrState, "tranche: deposit cap exceeded")
	ErrKindMismatch       = apperr.New(apperr.ErrState, "tranche: state belongs to a different ledger")
	ErrSchemaVersion      = apperr.New(apperr.ErrState, "tranche: unsupported schema version")

	ErrTooSoon = apperr.New(apperr.ErrTiming, "tranche: interval has not elapsed")
)

// Peer is what Senior needs from Junior and Reserve.
type Peer interface {
	ID() string
	Value() decimal.Decimal
	// ReceiveSpillover credits amount to the peer. Only Senior may call it.
	ReceiveSpillover(ctx context.Context, caller string, amount decimal.Decimal) error
	// ProvideBackstop debits up to amount and returns what was actually
	// provided, min(amount, value). It never fails for lack of value.
	ProvideBackstop(ctx context.Context, caller string, amount, price decimal.Decimal) (decimal.Decimal, error)
}

// ValueSource reports position holdings in LP units. When a Senior ledger
// has one, rebase derives value as holdings × price.
type ValueSource interface {
	Holdings(ctx context.Context) (decimal.Decimal, error)
}

// Config carries the settings shared by all ledgers.
type Config struct {
	ID       string
	Operator string

	// MinRebaseInterval gates Senior rebases. Ignored by Junior and Reserve.
	MinRebaseInterval time.Duration

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

func (c Config) validate() (Config, error) {
	id, err := address.Parse(c.ID)
	if err != nil {
		return c, fmt.Errorf("ledger id: %w", err)
	}
	op, err := address.Parse(c.Operator)
	if err != nil {
		return c, fmt.Errorf("operator: %w", err)
	}
	c.ID, c.Operator = id, op
	if c.Now == nil {
		c.Now = time.Now
	}
	return c, nil
}

// WithdrawResult describes a completed withdrawal.
type WithdrawResult struct {
	Holder       string          `json:"holder"`
	Amount       decimal.Decimal `json:"amount"`
	SharesBurned decimal.Decimal `json:"shares_burned"`
	Penalty      decimal.Decimal `json:"penalty"`
	Fee          decimal.Decimal `json:"fee"`
	Payout       decimal.Decimal `json:"payout"`
}

// guard rejects re-entry into a ledger while one of its operations runs.
type guard struct {
	entered atomic.Bool
}

func (g *guard) enter() (func(), error) {
	if !g.entered.CompareAndSwap(false, true) {
		return nil, ErrReentrant
	}
	return func() { g.entered.Store(false) }, nil
}

// book is the state every ledger carries: value, shares per holder,
// cooldowns, the operator capability and the fee treasury.
type book struct {
	id       string
	kind     string
	operator string
	now      func() time.Time
	guard    guard

	value          decimal.Decimal
	lastMonthValue decimal.Decimal
	totalShares    decimal.Decimal
	treasury       decimal.Decimal
	lastFeeAt      time.Time

	shares    map[string]decimal.Decimal
	cooldowns map[string]time.Time
	minters   *allowlist.Set[string]
}

func newBook(cfg Config, kind string) book {
	return book{
		id:             cfg.ID,
		kind:           kind,
		operator:       cfg.Operator,
		now:            cfg.Now,
		value:          decimal.Zero,
		lastMonthValue: decimal.Zero,
		totalShares:    decimal.Zero,
		treasury:       decimal.Zero,
		shares:         make(map[string]decimal.Decimal),
		cooldowns:      make(map[string]time.Time),
		minters:        allowlist.New[string](),
	}
}

func (b *book) ID() string                      { return b.id }
func (b *book) Kind() string                    { return b.kind }
func (b *book) Operator() string                { return b.operator }
func (b *book) Value() decimal.Decimal          { return b.value }
func (b *book) LastMonthValue() decimal.Decimal { return b.lastMonthValue }
func (b *book) TotalShares() decimal.Decimal    { return b.totalShares }
func (b *book) Treasury() decimal.Decimal       { return b.treasury }

// SharesOf returns the share balance of holder.
func (b *book) SharesOf(holder string) decimal.Decimal {
	return b.shares[strings.ToLower(holder)]
}

// CooldownStart returns when holder last started a cooldown, or zero.
func (b *book) CooldownStart(holder string) time.Time {
	return b.cooldowns[strings.ToLower(holder)]
}

// IsMinter reports whether principal may mint shares through MintForDeposit.
func (b *book) IsMinter(principal string) bool {
	return b.minters.Contains(principal)
}

// checkAmount rejects zero, negative and fractional base-unit amounts.
func checkAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrZeroAmount
	}
	if !fixedpoint.IsWhole(amount) {
		return fmt.Errorf("%w: %s", fixedpoint.ErrFractional, amount)
	}
	return nil
}

func (b *book) requireOperator(caller string) error {
	if !address.Equal(caller, b.operator) {
		return ErrNotOperator
	}
	return nil
}

// setValue moves the current value into the monthly snapshot before
// writing v, so lastMonthValue becomes meaningful after two writes.
func (b *book) setValue(v decimal.Decimal) {
	b.lastMonthValue = b.value
	b.value = v
}

// TransferOperator hands the operator capability to next in one step.
func (b *book) TransferOperator(caller, next string) error {
	release, err := b.guard.enter()
	if err != nil {
		return err
	}
	defer release()

	if err := b.requireOperator(caller); err != nil {
		return err
	}
	n, err := address.Parse(next)
	if err != nil {
		return err
	}
	b.operator = n
	return nil
}

// SetMinter grants or revokes the right to mint shares for approved deposits.
func (b *book) SetMinter(caller, principal string, allowed bool) error {
	release, err := b.guard.enter()
	if err != nil {
		return err
	}
	defer release()

	if err := b.requireOperator(caller); err != nil {
		return err
	}
	p, err := address.Parse(principal)
	if err != nil {
		return err
	}
	if allowed {
		b.minters.Add(p)
	} else {
		b.minters.Remove(p)
	}
	return nil
}

// SetValue writes an absolute value. Used to initialise a ledger and by
// operators reconciling against off-ledger holdings.
func (b *book) SetValue(caller string, v decimal.Decimal) error {
	release, err := b.guard.enter()
	if err != nil {
		return err
	}
	defer release()

	if err := b.requireOperator(caller); err != nil {
		return err
	}
	if v.IsNegative() {
		return fixedpoint.ErrNegativeValue
	}
	if !fixedpoint.IsWhole(v) {
		return fmt.Errorf("%w: %s", fixedpoint.ErrFractional, v)
	}
	b.setValue(v)
	return nil
}

// UpdateValue moves value by signedBps, bounded to [-50%, +100%] per call.
func (b *book) UpdateValue(caller string, signedBps int64) (decimal.Decimal, error) {
	release, err := b.guard.enter()
	if err != nil {
		return decimal.Zero, err
	}
	defer release()

	if err := b.requireOperator(caller); err != nil {
		return decimal.Zero, err
	}
	if signedBps < fixedpoint.MaxValueDecreaseBps || signedBps > fixedpoint.MaxValueIncreaseBps {
		return decimal.Zero, fmt.Errorf("%w: %d bps outside [%d, %d]",
			fixedpoint.ErrOutOfRange, signedBps, fixedpoint.MaxValueDecreaseBps, fixedpoint.MaxValueIncreaseBps)
	}
	next, err := fixedpoint.ApplyPercentage(b.value, signedBps)
	if err != nil {
		return decimal.Zero, err
	}
	b.setValue(next)
	return next, nil
}

// StartCooldown starts (or restarts) the withdrawal cooldown for holder.
func (b *book) StartCooldown(caller, holder string) (time.Time, error) {
	release, err := b.guard.enter()
	if err != nil {
		return time.Time{}, err
	}
	defer release()

	if caller, err = address.Parse(caller); err != nil {
		return time.Time{}, err
	}
	if holder, err = address.Parse(holder); err != nil {
		return time.Time{}, err
	}
	if caller != holder {
		return time.Time{}, ErrNotHolder
	}
	if !b.shares[holder].IsPositive() {
		return time.Time{}, ErrInsufficientShares
	}
	start := b.now()
	b.cooldowns[holder] = start
	return start, nil
}

// ChargeManagementFee streams one month of the management fee out of value
// into the treasury. It may run once per fee period.
func (b *book) ChargeManagementFee(caller string) (decimal.Decimal, error) {
	release, err := b.guard.enter()
	if err != nil {
		return decimal.Zero, err
	}
	defer release()

	if err := b.requireOperator(caller); err != nil {
		return decimal.Zero, err
	}
	now := b.now()
	if !b.lastFeeAt.IsZero() && now.Sub(b.lastFeeAt) < fixedpoint.ManagementFeePeriod {
		return decimal.Zero, fmt.Errorf("%w: next management fee due at %s",
			ErrTooSoon, b.lastFeeAt.Add(fixedpoint.ManagementFeePeriod).Format(time.RFC3339))
	}
	fee := fees.CalculateManagementFee(b.value)
	b.value = b.value.Sub(fee)
	b.treasury = b.treasury.Add(fee)
	b.lastFeeAt = now
	return fee, nil
}

// credit adds shares to holder.
func (b *book) credit(holder string, shares decimal.Decimal) {
	b.shares[holder] = b.shares[holder].Add(shares)
	b.totalShares = b.totalShares.Add(shares)
}

// debit burns shares from holder, dropping empty holdings.
func (b *book) debit(holder string, shares decimal.Decimal) {
	left := b.shares[holder].Sub(shares)
	if left.IsZero() {
		delete(b.shares, holder)
		delete(b.cooldowns, holder)
	} else {
		b.shares[holder] = left
	}
	b.totalShares = b.totalShares.Sub(shares)
}

// settleWithdrawal applies the early-withdrawal penalty and the standing
// fee to amount. The penalty stays in value for the remaining holders; the
// fee moves to the treasury; the payout leaves the ledger.
func (b *book) settleWithdrawal(holder string, amount, sharesBurned decimal.Decimal) (WithdrawResult, error) {
	p := fees.CalculateWithdrawalPenalty(amount, b.cooldowns[holder], b.now())
	fee := fees.CalculateWithdrawalFee(p.Net)
	payout := p.Net.Sub(fee)

	outflow := payout.Add(fee)
	if outflow.GreaterThan(b.value) {
		return WithdrawResult{}, fmt.Errorf("%w: need %s, have %s", ErrInsufficientValue, outflow, b.value)
	}

	b.debit(holder, sharesBurned)
	delete(b.cooldowns, holder)
	b.value = b.value.Sub(outflow)
	b.treasury = b.treasury.Add(fee)

	return WithdrawResult{
		Holder:       holder,
		Amount:       amount,
		SharesBurned: sharesBurned,
		Penalty:      p.Penalty,
		Fee:          fee,
		Payout:       payout,
	}, nil
}

func (b *book) state() model.LedgerState {
	holders := make([]string, 0, len(b.shares))
	for h := range b.shares {
		holders = append(holders, h)
	}
	sort.Strings(holders)

	holdings := make([]model.Holding, 0, len(holders))
	for _, h := range holders {
		holdings = append(holdings, model.Holding{
			Holder:        h,
			Shares:        b.shares[h],
			CooldownStart: b.cooldowns[h],
		})
	}

	return model.LedgerState{
		SchemaVersion:  model.SchemaVersion,
		ID:             b.id,
		Kind:           b.kind,
		Operator:       b.operator,
		Value:          b.value,
		LastMonthValue: b.lastMonthValue,
		TotalShares:    b.totalShares,
		Treasury:       b.treasury,
		LastFeeAt:      b.lastFeeAt,
		Minters:        b.minters.Members(),
		Holdings:       holdings,
	}
}

func (b *book) restore(st model.LedgerState) error {
	if st.SchemaVersion > model.SchemaVersion || st.SchemaVersion < 1 {
		return fmt.Errorf("%w: %d", ErrSchemaVersion, st.SchemaVersion)
	}
	if st.Kind != b.kind || !address.Equal(st.ID, b.id) {
		return fmt.Errorf("%w: %s %s", ErrKindMismatch, st.Kind, st.ID)
	}

	b.operator = st.Operator
	b.value = st.Value
	b.lastMonthValue = st.LastMonthValue
	b.totalShares = st.TotalShares
	b.treasury = st.Treasury
	b.lastFeeAt = st.LastFeeAt
	b.minters = allowlist.New(st.Minters...)
	b.shares = make(map[string]decimal.Decimal, len(st.Holdings))
	b.cooldowns = make(map[string]time.Time)
	for _, h := range st.Holdings {
		b.shares[h.Holder] = h.Shares
		if !h.CooldownStart.IsZero() {
			b.cooldowns[h.Holder] = h.CooldownStart
		}
	}
	return nil
}
