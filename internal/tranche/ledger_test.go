package tranche

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/tranche-engine/internal/apperr"
	"github.com/atmx/tranche-engine/internal/fixedpoint"
	"github.com/atmx/tranche-engine/internal/model"
)

func tenth(n int64) decimal.Decimal {
	return decimal.New(n, 17)
}

// --- Minting ---

func TestSeniorMint_DepositCap(t *testing.T) {
	e := newEnv(t, u(900), u(900), u(0), u(100))
	ctx := context.Background()

	if limit, ok := e.senior.DepositCap(); !ok || !limit.Equal(u(1_000)) {
		t.Fatalf("expected cap 1,000, got %s (%v)", limit, ok)
	}
	if _, err := e.senior.MintForDeposit(ctx, registryID, bob, u(100)); err != nil {
		t.Fatalf("mint up to the cap: %v", err)
	}
	_, err := e.senior.MintForDeposit(ctx, registryID, bob, u(1))
	if !errors.Is(err, ErrDepositCapExceeded) || !errors.Is(err, apperr.ErrState) {
		t.Errorf("expected ErrDepositCapExceeded, got %v", err)
	}
	if !e.senior.TotalSupply().Equal(u(1_000)) {
		t.Errorf("rejected mint must not change supply, got %s", fixedpoint.FormatUnits(e.senior.TotalSupply()))
	}
}

func TestSeniorMint_Validation(t *testing.T) {
	e := newEnv(t, u(100), u(100), u(0), u(100))
	ctx := context.Background()

	if _, err := e.senior.MintForDeposit(ctx, stranger, bob, u(1)); !errors.Is(err, ErrNotMinter) {
		t.Errorf("expected ErrNotMinter, got %v", err)
	}
	if _, err := e.senior.MintForDeposit(ctx, registryID, bob, decimal.Zero); !errors.Is(err, ErrZeroAmount) {
		t.Errorf("expected ErrZeroAmount, got %v", err)
	}
	if _, err := e.senior.MintForDeposit(ctx, registryID, "bob", u(1)); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}

	must(t, e.senior.SetMinter(operator, registryID, false))
	if _, err := e.senior.MintForDeposit(ctx, registryID, bob, u(1)); !errors.Is(err, ErrNotMinter) {
		t.Errorf("removed minter should be rejected, got %v", err)
	}
}

func TestSubordinateMint_NAVShares(t *testing.T) {
	e := newEnv(t, u(1), u(1), u(0), u(0))
	ctx := context.Background()
	must(t, e.junior.SetMinter(operator, registryID, true))

	shares, err := e.junior.MintForDeposit(ctx, registryID, alice, u(100))
	must(t, err)
	if !shares.Equal(u(100)) {
		t.Errorf("first deposit should mint 1:1, got %s", shares)
	}

	_, err = e.junior.UpdateValue(operator, 10_000)
	must(t, err)

	shares, err = e.junior.MintForDeposit(ctx, registryID, bob, u(100))
	must(t, err)
	if !shares.Equal(u(50)) {
		t.Errorf("share price doubled, expected 50 shares, got %s", fixedpoint.FormatUnits(shares))
	}
	if !e.junior.BalanceOf(alice).Equal(u(200)) || !e.junior.BalanceOf(bob).Equal(u(100)) {
		t.Errorf("balances: alice=%s bob=%s", e.junior.BalanceOf(alice), e.junior.BalanceOf(bob))
	}
	if !e.junior.SharePrice().Equal(decimal.New(2, 18)) {
		t.Errorf("expected share price 2.0, got %s", e.junior.SharePrice())
	}
}

// --- Withdrawals ---

func TestSeniorWithdraw_EarlyPenalty(t *testing.T) {
	e := newEnv(t, u(1_000), u(1_000), u(0), u(0))

	res, err := e.senior.Withdraw(context.Background(), alice, u(100))
	must(t, err)

	if !res.Penalty.Equal(u(20)) {
		t.Errorf("expected penalty 20, got %s", fixedpoint.FormatUnits(res.Penalty))
	}
	if !res.Fee.Equal(tenth(8)) {
		t.Errorf("expected fee 0.8, got %s", fixedpoint.FormatUnits(res.Fee))
	}
	if !res.Payout.Equal(u(80).Sub(tenth(8))) {
		t.Errorf("expected payout 79.2, got %s", fixedpoint.FormatUnits(res.Payout))
	}
	if !res.SharesBurned.Equal(u(100)) {
		t.Errorf("expected 100 shares burned, got %s", res.SharesBurned)
	}
	if !e.senior.Value().Equal(u(920)) {
		t.Errorf("penalty stays in value, expected 920, got %s", fixedpoint.FormatUnits(e.senior.Value()))
	}
	if !e.senior.Treasury().Equal(tenth(8)) {
		t.Errorf("expected treasury 0.8, got %s", e.senior.Treasury())
	}
}

func TestSeniorWithdraw_AfterCooldown(t *testing.T) {
	e := newEnv(t, u(1_000), u(1_000), u(0), u(0))

	if _, err := e.senior.StartCooldown(alice, alice); err != nil {
		t.Fatal(err)
	}
	e.clock.Advance(fixedpoint.CooldownPeriod)

	res, err := e.senior.Withdraw(context.Background(), alice, u(100))
	must(t, err)
	if !res.Penalty.IsZero() {
		t.Errorf("expected no penalty, got %s", res.Penalty)
	}
	if !res.Fee.Equal(u(1)) || !res.Payout.Equal(u(99)) {
		t.Errorf("expected fee 1 / payout 99, got %s / %s", res.Fee, res.Payout)
	}
	if !e.senior.CooldownStart(alice).IsZero() {
		t.Error("withdrawal should reset the cooldown")
	}
}

func TestWithdraw_Rejections(t *testing.T) {
	e := newEnv(t, u(1_000), u(1_000), u(0), u(0))
	ctx := context.Background()

	if _, err := e.senior.Withdraw(ctx, alice, u(1_001)); !errors.Is(err, ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares, got %v", err)
	}
	if _, err := e.senior.Withdraw(ctx, bob, u(1)); !errors.Is(err, ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares for non-holder, got %v", err)
	}
	if _, err := e.senior.Withdraw(ctx, alice, decimal.Zero); !errors.Is(err, ErrZeroAmount) {
		t.Errorf("expected ErrZeroAmount, got %v", err)
	}

	must(t, e.senior.SetValue(operator, u(10)))
	if _, err := e.senior.Withdraw(ctx, alice, u(500)); !errors.Is(err, ErrInsufficientValue) {
		t.Errorf("expected ErrInsufficientValue, got %v", err)
	}
	if !e.senior.SharesOf(alice).Equal(u(1_000)) {
		t.Error("failed withdrawal must not burn shares")
	}
}

func TestStartCooldown(t *testing.T) {
	e := newEnv(t, u(1_000), u(1_000), u(0), u(0))

	if _, err := e.senior.StartCooldown(stranger, alice); !errors.Is(err, ErrNotHolder) {
		t.Errorf("expected ErrNotHolder, got %v", err)
	}
	if _, err := e.senior.StartCooldown(bob, bob); !errors.Is(err, ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares, got %v", err)
	}
	start, err := e.senior.StartCooldown(alice, alice)
	must(t, err)
	if !start.Equal(e.clock.Now()) || !e.senior.CooldownStart(alice).Equal(start) {
		t.Errorf("cooldown should start now, got %s", start)
	}
}

func TestHolderLookups_IgnoreHexCase(t *testing.T) {
	e := newEnv(t, u(1_000), u(1_000), u(0), u(0))
	ctx := context.Background()
	checksummed := "0x00000000000000000000000000000000000A11CE"

	if _, err := e.senior.StartCooldown(checksummed, checksummed); err != nil {
		t.Fatalf("cooldown with upper-case hex: %v", err)
	}
	if e.senior.CooldownStart(alice).IsZero() {
		t.Error("cooldown should be recorded against the canonical holder")
	}
	e.clock.Advance(fixedpoint.CooldownPeriod)

	res, err := e.senior.Withdraw(ctx, checksummed, u(100))
	must(t, err)
	if res.Holder != alice || !res.Penalty.IsZero() {
		t.Errorf("expected penalty-free withdrawal for %s, got holder %s penalty %s", alice, res.Holder, res.Penalty)
	}
	if !e.senior.SharesOf(alice).Equal(u(900)) {
		t.Errorf("expected 900 shares left, got %s", e.senior.SharesOf(alice))
	}

	if _, err := e.senior.Withdraw(ctx, "alice", u(1)); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error for a malformed caller, got %v", err)
	}
}

func TestAmounts_MustBeWholeBaseUnits(t *testing.T) {
	e := newEnv(t, u(1_000), u(1_000), u(0), u(0))
	ctx := context.Background()
	half := decimal.RequireFromString("0.5")

	if _, err := e.senior.Withdraw(ctx, alice, u(1).Add(half)); !errors.Is(err, fixedpoint.ErrFractional) {
		t.Errorf("withdraw: expected ErrFractional, got %v", err)
	}
	if _, err := e.senior.MintForDeposit(ctx, registryID, bob, half); !errors.Is(err, fixedpoint.ErrFractional) {
		t.Errorf("mint: expected ErrFractional, got %v", err)
	}
	if err := e.junior.SetValue(operator, u(1).Add(half)); !errors.Is(err, fixedpoint.ErrFractional) {
		t.Errorf("set value: expected ErrFractional, got %v", err)
	}
	if _, err := e.senior.Rebase(ctx, operator, half); !errors.Is(err, ErrInvalidPrice) {
		t.Errorf("rebase: expected ErrInvalidPrice, got %v", err)
	}
	if !e.senior.SharesOf(alice).Equal(u(1_000)) || !e.junior.Value().IsZero() {
		t.Error("rejected amounts must not change state")
	}
}

// --- Fees ---

func TestChargeManagementFee(t *testing.T) {
	e := newEnv(t, u(1_200), u(1_200), u(0), u(0))

	fee, err := e.senior.ChargeManagementFee(operator)
	must(t, err)
	if !fee.Equal(u(1)) {
		t.Errorf("1%% / 12 of 1,200 should be 1, got %s", fixedpoint.FormatUnits(fee))
	}
	if !e.senior.Value().Equal(u(1_199)) || !e.senior.Treasury().Equal(u(1)) {
		t.Errorf("value=%s treasury=%s", e.senior.Value(), e.senior.Treasury())
	}

	e.clock.Advance(fixedpoint.ManagementFeePeriod - time.Hour)
	if _, err := e.senior.ChargeManagementFee(operator); !errors.Is(err, ErrTooSoon) {
		t.Errorf("expected ErrTooSoon, got %v", err)
	}
	e.clock.Advance(time.Hour)
	if _, err := e.senior.ChargeManagementFee(operator); err != nil {
		t.Errorf("fee after a full period: %v", err)
	}
	if _, err := e.junior.ChargeManagementFee(stranger); !errors.Is(err, ErrNotOperator) {
		t.Errorf("expected ErrNotOperator, got %v", err)
	}
}

// --- Persistence ---

func TestSeniorStateRestore(t *testing.T) {
	e := newEnv(t, u(1_000_000), u(1_300_000), u(100_000), u(100_000))
	_, err := e.senior.StartCooldown(alice, alice)
	must(t, err)
	_, err = e.senior.Rebase(context.Background(), operator, fixedpoint.Precision)
	must(t, err)
	st := e.senior.State()

	fresh, err := NewSenior(Config{ID: seniorID, Operator: operator, MinRebaseInterval: month, Now: e.clock.Now})
	must(t, err)
	must(t, fresh.Restore(st))

	if !fresh.RebaseIndex().Equal(e.senior.RebaseIndex()) || fresh.Epoch() != 1 {
		t.Errorf("index/epoch not restored: %s %d", fresh.RebaseIndex(), fresh.Epoch())
	}
	if !fresh.Value().Equal(e.senior.Value()) || !fresh.TotalSupply().Equal(e.senior.TotalSupply()) {
		t.Error("value/supply not restored")
	}
	if !fresh.CooldownStart(alice).Equal(e.senior.CooldownStart(alice)) {
		t.Error("cooldown not restored")
	}
	if !fresh.IsMinter(registryID) {
		t.Error("minters not restored")
	}
	if !fresh.LastRebaseAt().Equal(e.senior.LastRebaseAt()) {
		t.Error("last rebase time not restored")
	}
}

func TestSubordinateStateRestore(t *testing.T) {
	e := newEnv(t, u(1_000_000), u(1_300_000), u(100_000), u(100_000))
	_, err := e.senior.Rebase(context.Background(), operator, fixedpoint.Precision)
	must(t, err)

	fresh, err := NewJunior(Config{ID: juniorID, Operator: operator})
	must(t, err)
	must(t, fresh.Restore(e.junior.State()))

	if fresh.Senior() != seniorID {
		t.Errorf("expected senior %s, got %s", seniorID, fresh.Senior())
	}
	if !fresh.SpilloverReceived().Equal(e.junior.SpilloverReceived()) || !fresh.Value().Equal(e.junior.Value()) {
		t.Error("junior counters not restored")
	}
}

func TestRestore_Rejections(t *testing.T) {
	e := newEnv(t, u(1), u(1), u(0), u(0))

	st := e.junior.State()
	if err := e.reserve.Restore(st); !errors.Is(err, ErrKindMismatch) {
		t.Errorf("expected ErrKindMismatch, got %v", err)
	}

	st.SchemaVersion = model.SchemaVersion + 1
	if err := e.junior.Restore(st); !errors.Is(err, ErrSchemaVersion) {
		t.Errorf("expected ErrSchemaVersion, got %v", err)
	}
}
