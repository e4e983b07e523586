package tranche

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/tranche-engine/internal/address"
	"github.com/atmx/tranche-engine/internal/apy"
	"github.com/atmx/tranche-engine/internal/fees"
	"github.com/atmx/tranche-engine/internal/fixedpoint"
	"github.com/atmx/tranche-engine/internal/model"
	"github.com/atmx/tranche-engine/internal/waterfall"
)

// Senior is the rebasing ledger whose backing the waterfall protects.
type Senior struct {
	book

	index        decimal.Decimal
	epoch        uint64
	lastRebaseAt time.Time
	minInterval  time.Duration

	junior  Peer
	reserve Peer
	source  ValueSource
}

// RebaseResult records one rebase: the tier chosen, how the index and
// supply moved, and which waterfall transfer ran.
type RebaseResult struct {
	Epoch        uint64                     `json:"epoch"`
	Selection    apy.Selection              `json:"selection"`
	FeeTokens    decimal.Decimal            `json:"fee_tokens"`
	OldIndex     decimal.Decimal            `json:"old_index"`
	NewIndex     decimal.Decimal            `json:"new_index"`
	SupplyBefore decimal.Decimal            `json:"supply_before"`
	SupplyAfter  decimal.Decimal            `json:"supply_after"`
	ValueBefore  decimal.Decimal            `json:"value_before"`
	Zone         waterfall.Zone             `json:"zone"` // after growth, before transfers
	Spillover    *waterfall.ProfitSpillover `json:"spillover,omitempty"`
	Backstop     *waterfall.BackstopResult  `json:"backstop,omitempty"`
	FinalValue   decimal.Decimal            `json:"final_value"`
	FinalBacking decimal.Decimal            `json:"final_backing"`
	Timestamp    time.Time                  `json:"timestamp"`
}

// NewSenior creates an empty Senior ledger with index 1.0.
func NewSenior(cfg Config) (*Senior, error) {
	cfg, err := cfg.validate()
	if err != nil {
		return nil, err
	}
	return &Senior{
		book:        newBook(cfg, model.KindSenior),
		index:       fixedpoint.Precision,
		minInterval: cfg.MinRebaseInterval,
	}, nil
}

func (s *Senior) RebaseIndex() decimal.Decimal { return s.index }
func (s *Senior) Epoch() uint64                { return s.epoch }
func (s *Senior) LastRebaseAt() time.Time      { return s.lastRebaseAt }

// Junior returns the configured Junior peer, or nil.
func (s *Senior) Junior() Peer { return s.junior }

// Reserve returns the configured Reserve peer, or nil.
func (s *Senior) Reserve() Peer { return s.reserve }

// TotalSupply is totalShares × index.
func (s *Senior) TotalSupply() decimal.Decimal {
	return fixedpoint.BalanceFromShares(s.totalShares, s.index)
}

// BalanceOf returns holder's balance at the current index.
func (s *Senior) BalanceOf(holder string) decimal.Decimal {
	return fixedpoint.BalanceFromShares(s.SharesOf(holder), s.index)
}

// BackingRatio returns value / supply.
func (s *Senior) BackingRatio() (decimal.Decimal, error) {
	return fixedpoint.BackingRatio(s.value, s.TotalSupply())
}

// CurrentZone classifies the current backing ratio.
func (s *Senior) CurrentZone() (waterfall.Zone, error) {
	return waterfall.ZoneOf(s.value, s.TotalSupply())
}

// ZoneThresholds returns the absolute target, trigger and restore values
// for the current supply.
func (s *Senior) ZoneThresholds() waterfall.Thresholds {
	return waterfall.CalculateZoneThresholds(s.TotalSupply())
}

// SimulateAllAPYs previews each tier against current supply and value.
func (s *Senior) SimulateAllAPYs() (apy.Simulation, error) {
	return apy.SimulateAllAPYs(s.TotalSupply(), s.value)
}

// DepositCap returns the supply ceiling implied by the Reserve's value, and
// false when no Reserve is configured.
func (s *Senior) DepositCap() (decimal.Decimal, bool) {
	if s.reserve == nil {
		return decimal.Zero, false
	}
	return fixedpoint.DepositCap(s.reserve.Value()), true
}

// SetPeers installs the Junior and Reserve handles.
func (s *Senior) SetPeers(caller string, junior, reserve Peer) error {
	release, err := s.guard.enter()
	if err != nil {
		return err
	}
	defer release()

	if err := s.requireOperator(caller); err != nil {
		return err
	}
	if junior == nil || reserve == nil {
		return ErrPeersNotConfigured
	}
	s.junior, s.reserve = junior, reserve
	return nil
}

// SetValueSource switches the ledger to automatic oracle mode; nil switches
// it back to operator-set values.
func (s *Senior) SetValueSource(caller string, src ValueSource) error {
	release, err := s.guard.enter()
	if err != nil {
		return err
	}
	defer release()

	if err := s.requireOperator(caller); err != nil {
		return err
	}
	s.source = src
	return nil
}

// MintForDeposit issues shares worth amount to holder and adds amount to
// value. The caller must be an authorised minter. Supply may not exceed the
// deposit cap while a Reserve is configured.
func (s *Senior) MintForDeposit(_ context.Context, caller, holder string, amount decimal.Decimal) (decimal.Decimal, error) {
	release, err := s.guard.enter()
	if err != nil {
		return decimal.Zero, err
	}
	defer release()

	if !s.IsMinter(caller) {
		return decimal.Zero, ErrNotMinter
	}
	holder, err = address.Parse(holder)
	if err != nil {
		return decimal.Zero, err
	}
	if err := checkAmount(amount); err != nil {
		return decimal.Zero, err
	}
	if limit, ok := s.DepositCap(); ok {
		if s.TotalSupply().Add(amount).GreaterThan(limit) {
			return decimal.Zero, fmt.Errorf("%w: supply %s + %s exceeds cap %s",
				ErrDepositCapExceeded, s.TotalSupply(), amount, limit)
		}
	}

	shares, err := fixedpoint.SharesFromBalance(amount, s.index)
	if err != nil {
		return decimal.Zero, err
	}
	if !shares.IsPositive() {
		return decimal.Zero, ErrZeroAmount
	}
	s.credit(holder, shares)
	s.value = s.value.Add(amount)
	return shares, nil
}

// Withdraw redeems amount of caller's balance. Shares are burned rounding
// up so the ledger never pays out more than the shares are worth.
func (s *Senior) Withdraw(_ context.Context, caller string, amount decimal.Decimal) (WithdrawResult, error) {
	release, err := s.guard.enter()
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
	if amount.GreaterThan(s.BalanceOf(caller)) {
		return WithdrawResult{}, ErrInsufficientShares
	}
	burn := fixedpoint.Min(fixedpoint.MulDivByUp(amount, fixedpoint.Precision, s.index), s.shares[caller])
	return s.settleWithdrawal(caller, amount, burn)
}

// Rebase runs one full cycle: select the APY tier, grow the index, then
// spill excess to or pull a deficit from the peers. It runs at most once
// per MinRebaseInterval. price converts LP holdings to value when a
// ValueSource is set and is passed through to backstop providers.
//
// On any error the Senior ledger is left as it was. Peers that already
// moved value are restored by the host, which snapshots all three ledgers.
func (s *Senior) Rebase(ctx context.Context, caller string, price decimal.Decimal) (*RebaseResult, error) {
	release, err := s.guard.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	if err := s.requireOperator(caller); err != nil {
		return nil, err
	}
	if !price.IsPositive() || !fixedpoint.IsWhole(price) {
		return nil, ErrInvalidPrice
	}
	now := s.now()
	if !s.lastRebaseAt.IsZero() && now.Sub(s.lastRebaseAt) < s.minInterval {
		return nil, fmt.Errorf("%w: next rebase allowed at %s",
			ErrTooSoon, s.lastRebaseAt.Add(s.minInterval).Format(time.RFC3339))
	}
	if s.junior == nil || s.reserve == nil {
		return nil, ErrPeersNotConfigured
	}
	if !s.totalShares.IsPositive() {
		return nil, ErrNoSupply
	}

	value := s.value
	if s.source != nil {
		holdings, err := s.source.Holdings(ctx)
		if err != nil {
			return nil, fmt.Errorf("read holdings: %w", err)
		}
		value = fixedpoint.MulDiv(holdings, price)
	}

	supplyBefore := s.TotalSupply()
	sel, err := apy.SelectDynamicAPY(supplyBefore, value)
	if err != nil {
		return nil, err
	}
	grown := fees.CalculateRebaseSupply(supplyBefore, sel.SelectedRate)
	newIndex := fees.CalculateNewRebaseIndex(s.index, sel.SelectedRate)

	saved := s.snapshot()

	res := &RebaseResult{
		Selection:    sel,
		FeeTokens:    grown.FeeTokens,
		OldIndex:     s.index,
		NewIndex:     newIndex,
		SupplyBefore: supplyBefore,
		ValueBefore:  value,
		Timestamp:    now,
	}

	s.setValue(value)
	s.index = newIndex
	s.epoch++
	s.lastRebaseAt = now

	supply := s.TotalSupply()
	ratio, err := fixedpoint.BackingRatio(s.value, supply)
	if err != nil {
		s.rollback(saved)
		return nil, err
	}
	res.Zone = waterfall.DetermineZone(ratio)

	switch {
	case sel.BackstopNeeded || res.Zone == waterfall.ZoneBackstop:
		bs, err := s.pullBackstop(ctx, supply, price)
		if err != nil {
			s.rollback(saved)
			return nil, err
		}
		res.Backstop = &bs
	case res.Zone == waterfall.ZoneSpillover:
		sp, err := s.pushSpillover(ctx, supply)
		if err != nil {
			s.rollback(saved)
			return nil, err
		}
		res.Spillover = &sp
	}

	res.Epoch = s.epoch
	res.SupplyAfter = supply
	res.FinalValue = s.value
	res.FinalBacking, _ = fixedpoint.BackingRatio(s.value, supply)
	return res, nil
}

// pushSpillover moves everything above 110% to Junior and Reserve.
func (s *Senior) pushSpillover(ctx context.Context, supply decimal.Decimal) (waterfall.ProfitSpillover, error) {
	plan := waterfall.CalculateProfitSpillover(s.value, supply)
	if plan.ToJunior.IsPositive() {
		if err := s.junior.ReceiveSpillover(ctx, s.id, plan.ToJunior); err != nil {
			return plan, fmt.Errorf("junior spillover: %w", err)
		}
	}
	if plan.ToReserve.IsPositive() {
		if err := s.reserve.ReceiveSpillover(ctx, s.id, plan.ToReserve); err != nil {
			return plan, fmt.Errorf("reserve spillover: %w", err)
		}
	}
	s.value = plan.SeniorFinalValue
	return plan, nil
}

// pullBackstop draws the deficit below 100.9% from Reserve first, then
// Junior, combining whatever each could actually provide.
func (s *Senior) pullBackstop(ctx context.Context, supply, price decimal.Decimal) (waterfall.BackstopResult, error) {
	plan := waterfall.CalculateBackstop(s.value, supply, s.reserve.Value(), s.junior.Value())

	fromReserve := decimal.Zero
	if plan.FromReserve.IsPositive() {
		got, err := s.reserve.ProvideBackstop(ctx, s.id, plan.FromReserve, price)
		if err != nil {
			return plan, fmt.Errorf("reserve backstop: %w", err)
		}
		fromReserve = clamp(got, plan.FromReserve)
	}

	fromJunior := decimal.Zero
	if want := fixedpoint.Min(plan.DeficitAmount.Sub(fromReserve), s.junior.Value()); want.IsPositive() {
		got, err := s.junior.ProvideBackstop(ctx, s.id, want, price)
		if err != nil {
			return plan, fmt.Errorf("junior backstop: %w", err)
		}
		fromJunior = clamp(got, want)
	}

	provided := fromReserve.Add(fromJunior)
	s.value = s.value.Add(provided)

	return waterfall.BackstopResult{
		DeficitAmount:    plan.DeficitAmount,
		FromReserve:      fromReserve,
		FromJunior:       fromJunior,
		FullyRestored:    provided.Equal(plan.DeficitAmount),
		SeniorFinalValue: s.value,
	}, nil
}

// clamp bounds a peer's reported amount to [0, requested].
func clamp(got, requested decimal.Decimal) decimal.Decimal {
	if got.IsNegative() {
		return decimal.Zero
	}
	return fixedpoint.Min(got, requested)
}

type seniorSnapshot struct {
	value, lastMonthValue, index decimal.Decimal
	epoch                        uint64
	lastRebaseAt                 time.Time
}

func (s *Senior) snapshot() seniorSnapshot {
	return seniorSnapshot{
		value:          s.value,
		lastMonthValue: s.lastMonthValue,
		index:          s.index,
		epoch:          s.epoch,
		lastRebaseAt:   s.lastRebaseAt,
	}
}

func (s *Senior) rollback(v seniorSnapshot) {
	s.value = v.value
	s.lastMonthValue = v.lastMonthValue
	s.index = v.index
	s.epoch = v.epoch
	s.lastRebaseAt = v.lastRebaseAt
}

// State returns the persisted form of the ledger.
func (s *Senior) State() model.LedgerState {
	st := s.state()
	st.RebaseIndex = s.index
	st.Epoch = s.epoch
	st.LastRebaseAt = s.lastRebaseAt
	st.SpilloverReceived = decimal.Zero
	st.BackstopProvided = decimal.Zero
	st.LPReleased = decimal.Zero
	return st
}

// Restore replaces the ledger state with st. Peers and the value source
// are wiring, not state, and are left untouched.
func (s *Senior) Restore(st model.LedgerState) error {
	if err := s.restore(st); err != nil {
		return err
	}
	s.index = st.RebaseIndex
	if !s.index.IsPositive() {
		s.index = fixedpoint.Precision
	}
	s.epoch = st.Epoch
	s.lastRebaseAt = st.LastRebaseAt
	return nil
}
