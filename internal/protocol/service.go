// Package protocol hosts the three tranche ledgers and their deposit
// registries behind one serialised entry point, and exposes them over
// HTTP and WebSocket.
//
// Every state-changing operation runs under a single mutex and is
// all-or-nothing: the host snapshots every ledger, registry and escrow sink
// before the call and restores them if the call or its persistence fails.
// On success the touched records are saved, an audit event is appended
// and the change is broadcast to WebSocket clients.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/tranche-engine/internal/apperr"
	"github.com/atmx/tranche-engine/internal/apy"
	"github.com/atmx/tranche-engine/internal/deposit"
	"github.com/atmx/tranche-engine/internal/metrics"
	"github.com/atmx/tranche-engine/internal/model"
	"github.com/atmx/tranche-engine/internal/store"
	"github.com/atmx/tranche-engine/internal/tranche"
	"github.com/atmx/tranche-engine/internal/waterfall"
)

// ErrUnknownTranche is returned for a tranche name other than senior,
// junior or reserve.
var ErrUnknownTranche = apperr.New(apperr.ErrValidation, "protocol: unknown tranche")

// Ledger is the surface the host drives on every tranche.
type Ledger interface {
	ID() string
	Kind() string
	Operator() string
	Value() decimal.Decimal
	LastMonthValue() decimal.Decimal
	TotalShares() decimal.Decimal
	Treasury() decimal.Decimal
	BalanceOf(holder string) decimal.Decimal
	CooldownStart(holder string) time.Time

	TransferOperator(caller, next string) error
	SetMinter(caller, principal string, allowed bool) error
	SetValue(caller string, v decimal.Decimal) error
	UpdateValue(caller string, signedBps int64) (decimal.Decimal, error)
	StartCooldown(caller, holder string) (time.Time, error)
	ChargeManagementFee(caller string) (decimal.Decimal, error)
	Withdraw(ctx context.Context, caller string, amount decimal.Decimal) (tranche.WithdrawResult, error)
	MintForDeposit(ctx context.Context, caller, holder string, amount decimal.Decimal) (decimal.Decimal, error)

	State() model.LedgerState
	Restore(st model.LedgerState) error
}

var (
	_ Ledger = (*tranche.Senior)(nil)
	_ Ledger = (*tranche.Subordinate)(nil)
)

// Config wires the host. Every ID is a principal in 0x form.
type Config struct {
	Operator string

	SeniorID  string
	JuniorID  string
	ReserveID string

	SeniorRegistryID  string
	JuniorRegistryID  string
	ReserveRegistryID string

	MinRebaseInterval  time.Duration
	DepositExpiry      time.Duration
	RestrictedDeposits bool

	// ValueFromHoldings puts Senior in automatic oracle mode: each rebase
	// values the LP deployed through Senior's registry at the rebase price.
	ValueFromHoldings bool

	Now func() time.Time
}

// tier bundles one ledger with its deposit registry and escrow.
type tier struct {
	kind     string
	ledger   Ledger
	registry *deposit.Registry
	sink     *deposit.MemorySink
}

// Service is the host. Calls are serialised with a mutex, which keeps
// the single-instance design of the ledgers. Horizontal scaling would need
// distributed locking in front of it.
type Service struct {
	mu    sync.Mutex
	store store.Store
	hub   *WSHub
	now   func() time.Time

	senior  *tranche.Senior
	junior  *tranche.Subordinate
	reserve *tranche.Subordinate
	tiers   map[string]*tier
	order   []*tier
}

// NewService builds the three ledgers and registries, wires them to each
// other and loads any state already in st. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(ctx context.Context, cfg Config, st store.Store, hub *WSHub) (*Service, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	lcfg := func(id string) tranche.Config {
		return tranche.Config{ID: id, Operator: cfg.Operator, MinRebaseInterval: cfg.MinRebaseInterval, Now: cfg.Now}
	}

	senior, err := tranche.NewSenior(lcfg(cfg.SeniorID))
	if err != nil {
		return nil, fmt.Errorf("senior: %w", err)
	}
	junior, err := tranche.NewJunior(lcfg(cfg.JuniorID))
	if err != nil {
		return nil, fmt.Errorf("junior: %w", err)
	}
	reserve, err := tranche.NewReserve(lcfg(cfg.ReserveID))
	if err != nil {
		return nil, fmt.Errorf("reserve: %w", err)
	}

	s := &Service{
		store:   st,
		hub:     hub,
		now:     cfg.Now,
		senior:  senior,
		junior:  junior,
		reserve: reserve,
		tiers:   make(map[string]*tier),
	}

	op := cfg.Operator
	if err := senior.SetPeers(op, junior, reserve); err != nil {
		return nil, fmt.Errorf("wire peers: %w", err)
	}
	for _, sub := range []*tranche.Subordinate{junior, reserve} {
		if err := sub.SetSenior(op, senior.ID()); err != nil {
			return nil, fmt.Errorf("wire %s: %w", sub.Kind(), err)
		}
	}

	for _, w := range []struct {
		ledger     Ledger
		registryID string
	}{
		{senior, cfg.SeniorRegistryID},
		{junior, cfg.JuniorRegistryID},
		{reserve, cfg.ReserveRegistryID},
	} {
		reg, err := deposit.New(deposit.Config{
			ID:         w.registryID,
			Ledger:     w.ledger.ID(),
			Operator:   op,
			Expiry:     cfg.DepositExpiry,
			Restricted: cfg.RestrictedDeposits,
			Now:        cfg.Now,
		})
		if err != nil {
			return nil, fmt.Errorf("%s registry: %w", w.ledger.Kind(), err)
		}
		sink := deposit.NewMemorySink()
		if err := reg.SetMinter(op, w.ledger); err != nil {
			return nil, err
		}
		if err := reg.SetSink(op, sink); err != nil {
			return nil, err
		}
		if err := w.ledger.SetMinter(op, reg.ID(), true); err != nil {
			return nil, fmt.Errorf("authorise %s registry: %w", w.ledger.Kind(), err)
		}
		t := &tier{kind: w.ledger.Kind(), ledger: w.ledger, registry: reg, sink: sink}
		s.tiers[t.kind] = t
		s.order = append(s.order, t)
	}

	if cfg.ValueFromHoldings {
		if err := senior.SetValueSource(op, s.tiers[model.KindSenior].sink); err != nil {
			return nil, err
		}
	}

	if err := s.load(ctx); err != nil {
		return nil, err
	}
	s.observe()
	return s, nil
}

// load restores every ledger and registry found in the store and saves
// the initial state of those that are not there yet.
func (s *Service) load(ctx context.Context) error {
	for _, t := range s.order {
		st, err := s.store.GetLedger(ctx, t.ledger.ID())
		switch {
		case errors.Is(err, store.ErrNotFound):
			initial := t.ledger.State()
			if err := s.store.SaveLedger(ctx, &initial); err != nil {
				return fmt.Errorf("save initial %s ledger: %w", t.kind, err)
			}
		case err != nil:
			return fmt.Errorf("load %s ledger: %w", t.kind, err)
		default:
			if err := t.ledger.Restore(*st); err != nil {
				return fmt.Errorf("restore %s ledger: %w", t.kind, err)
			}
		}

		reg, err := s.store.GetRegistry(ctx, t.ledger.ID())
		switch {
		case errors.Is(err, store.ErrNotFound):
			initial, _ := t.registry.State()
			if err := s.store.SaveRegistry(ctx, &initial); err != nil {
				return fmt.Errorf("save initial %s registry: %w", t.kind, err)
			}
			continue
		case err != nil:
			return fmt.Errorf("load %s registry: %w", t.kind, err)
		}
		deposits, err := s.store.ListDeposits(ctx, t.ledger.ID())
		if err != nil {
			return fmt.Errorf("load %s deposits: %w", t.kind, err)
		}
		if err := t.registry.Restore(*reg, deposits); err != nil {
			return fmt.Errorf("restore %s registry: %w", t.kind, err)
		}
		t.sink.Restore(rebuildEscrow(deposits))
	}
	slog.Info("ledgers loaded",
		"senior_value", s.senior.Value().String(),
		"senior_supply", s.senior.TotalSupply().String(),
		"junior_value", s.junior.Value().String(),
		"reserve_value", s.reserve.Value().String(),
		"epoch", s.senior.Epoch(),
	)
	return nil
}

// rebuildEscrow derives the sink's books from deposit records: pending
// deposits are still escrowed, approved ones were deployed and the rest
// went back to their depositors.
func rebuildEscrow(deposits []model.PendingDeposit) (escrowed, deployed, returned map[string]decimal.Decimal) {
	escrowed = make(map[string]decimal.Decimal)
	deployed = make(map[string]decimal.Decimal)
	returned = make(map[string]decimal.Decimal)
	for _, d := range deposits {
		switch d.Status {
		case model.DepositPending:
			escrowed[d.LPToken] = escrowed[d.LPToken].Add(d.Amount)
		case model.DepositApproved:
			deployed[d.LPToken] = deployed[d.LPToken].Add(d.Amount)
		default:
			returned[d.Depositor] = returned[d.Depositor].Add(d.Amount)
		}
	}
	return escrowed, deployed, returned
}

func (s *Service) tier(kind string) (*tier, error) {
	t, ok := s.tiers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTranche, kind)
	}
	return t, nil
}

// --- Atomic execution ---

// hostSnapshot is everything an operation may touch.
type hostSnapshot struct {
	ledgers    []model.LedgerState
	registries []model.RegistryState
	deposits   [][]model.PendingDeposit
	escrow     [][3]map[string]decimal.Decimal
}

func (s *Service) capture() hostSnapshot {
	var snap hostSnapshot
	for _, t := range s.order {
		snap.ledgers = append(snap.ledgers, t.ledger.State())
		reg, deps := t.registry.State()
		snap.registries = append(snap.registries, reg)
		snap.deposits = append(snap.deposits, deps)
		e, d, r := t.sink.State()
		snap.escrow = append(snap.escrow, [3]map[string]decimal.Decimal{e, d, r})
	}
	return snap
}

func (s *Service) rollback(snap hostSnapshot) {
	for i, t := range s.order {
		if err := t.ledger.Restore(snap.ledgers[i]); err != nil {
			slog.Error("rollback ledger", "tranche", t.kind, "err", err)
		}
		if err := t.registry.Restore(snap.registries[i], snap.deposits[i]); err != nil {
			slog.Error("rollback registry", "tranche", t.kind, "err", err)
		}
		t.sink.Restore(snap.escrow[i][0], snap.escrow[i][1], snap.escrow[i][2])
	}
}

// outcome is what a successful operation asks the host to record. commit
// carries the operation's logs and counters, which must not fire for an
// operation that is rolled back.
type outcome struct {
	deposits []model.PendingDeposit
	events   []*model.Event
	ws       []WSMessage
	commit   func()
}

// execute runs fn under the host lock. If fn or persistence fails, every
// ledger, registry and sink is put back as it was.
func (s *Service) execute(ctx context.Context, op string, fn func() (*outcome, error)) error {
	start := time.Now()
	defer func() {
		metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.capture()
	out, err := fn()
	if err == nil {
		err = s.persist(ctx, out)
	}
	if err != nil {
		s.rollback(snap)
		metrics.OperationErrors.WithLabelValues(op, className(err)).Inc()
		return err
	}

	if out.commit != nil {
		out.commit()
	}
	s.observe()
	if s.hub != nil {
		for _, msg := range out.ws {
			s.hub.Broadcast(msg)
		}
	}
	return nil
}

func (s *Service) persist(ctx context.Context, out *outcome) error {
	for _, t := range s.order {
		st := t.ledger.State()
		if err := s.store.SaveLedger(ctx, &st); err != nil {
			return fmt.Errorf("persist %s ledger: %w", t.kind, err)
		}
		reg, _ := t.registry.State()
		if err := s.store.SaveRegistry(ctx, &reg); err != nil {
			return fmt.Errorf("persist %s registry: %w", t.kind, err)
		}
	}
	for i := range out.deposits {
		if err := s.store.SaveDeposit(ctx, &out.deposits[i]); err != nil {
			return fmt.Errorf("persist deposit %d: %w", out.deposits[i].ID, err)
		}
	}
	for _, e := range out.events {
		if err := s.store.InsertEvent(ctx, e); err != nil {
			return fmt.Errorf("persist event %s: %w", e.Type, err)
		}
	}
	return nil
}

// event builds an audit record. The payload must marshal.
func (s *Service) event(typ, ledger, caller string, payload any) (*model.Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return &model.Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Ledger:    ledger,
		Caller:    caller,
		Payload:   data,
		Timestamp: s.now().UTC(),
	}, nil
}

// record is the common tail of single-event operations. commit, if not
// nil, runs only after the operation has been persisted.
func (s *Service) record(t *tier, typ, caller string, payload any, commit func(), deposits ...model.PendingDeposit) (*outcome, error) {
	e, err := s.event(typ, t.ledger.ID(), caller, payload)
	if err != nil {
		return nil, err
	}
	return &outcome{
		deposits: deposits,
		events:   []*model.Event{e},
		ws:       []WSMessage{{Type: typ, Tranche: t.kind, Payload: e.Payload}},
		commit:   commit,
	}, nil
}

// observe publishes gauges after a successful operation.
func (s *Service) observe() {
	for _, t := range s.order {
		metrics.TrancheValue.WithLabelValues(t.kind).Set(metrics.Units(t.ledger.Value()))
	}
	metrics.SeniorSupply.Set(metrics.Units(s.senior.TotalSupply()))
	metrics.RebaseIndex.Set(metrics.Units(s.senior.RebaseIndex()))
	if ratio, err := s.senior.BackingRatio(); err == nil {
		metrics.BackingRatio.Set(metrics.Units(ratio))
	}
	if s.reserve.IsDepleted() {
		metrics.ReserveDepleted.Set(1)
	} else {
		metrics.ReserveDepleted.Set(0)
	}
}

func className(err error) string {
	switch apperr.Class(err) {
	case apperr.ErrValidation:
		return "validation"
	case apperr.ErrAuthorization:
		return "authorization"
	case apperr.ErrState:
		return "state"
	case apperr.ErrTiming:
		return "timing"
	case apperr.ErrArithmetic:
		return "arithmetic"
	default:
		return "internal"
	}
}

// --- Ledger operations ---

// UpdateValue moves a ledger's value by signedBps.
func (s *Service) UpdateValue(ctx context.Context, caller, kind string, signedBps int64) (decimal.Decimal, error) {
	var next decimal.Decimal
	err := s.execute(ctx, "update_value", func() (*outcome, error) {
		t, err := s.tier(kind)
		if err != nil {
			return nil, err
		}
		prev := t.ledger.Value()
		next, err = t.ledger.UpdateValue(caller, signedBps)
		if err != nil {
			return nil, err
		}
		commit := func() {
			slog.Info("value updated",
				"tranche", kind,
				"caller", caller,
				"bps", signedBps,
				"old_value", prev.String(),
				"new_value", next.String(),
			)
		}
		return s.record(t, model.EventValueUpdated, caller, map[string]any{
			"bps":       signedBps,
			"old_value": prev,
			"new_value": next,
		}, commit)
	})
	return next, err
}

// SetValue writes an absolute ledger value.
func (s *Service) SetValue(ctx context.Context, caller, kind string, value decimal.Decimal) error {
	return s.execute(ctx, "set_value", func() (*outcome, error) {
		t, err := s.tier(kind)
		if err != nil {
			return nil, err
		}
		prev := t.ledger.Value()
		if err := t.ledger.SetValue(caller, value); err != nil {
			return nil, err
		}
		commit := func() {
			slog.Info("value set",
				"tranche", kind,
				"caller", caller,
				"old_value", prev.String(),
				"new_value", t.ledger.Value().String(),
			)
		}
		return s.record(t, model.EventValueSet, caller, map[string]any{
			"old_value": prev,
			"new_value": t.ledger.Value(),
		}, commit)
	})
}

// Rebase grows Senior's supply at the best affordable APY tier and runs
// the waterfall transfer the new backing calls for.
func (s *Service) Rebase(ctx context.Context, caller string, price decimal.Decimal) (*tranche.RebaseResult, error) {
	var res *tranche.RebaseResult
	err := s.execute(ctx, "rebase", func() (*outcome, error) {
		var err error
		res, err = s.senior.Rebase(ctx, caller, price)
		if err != nil {
			return nil, err
		}
		t := s.tiers[model.KindSenior]
		return s.record(t, model.EventRebase, caller, res, func() { s.reportRebase(res) })
	})
	return res, err
}

// reportRebase logs a committed rebase and feeds its transfers to metrics.
func (s *Service) reportRebase(res *tranche.RebaseResult) {
	metrics.RebasesTotal.WithLabelValues(strconv.FormatInt(apy.GetAPYInBps(res.Selection.Tier), 10)).Inc()

	attrs := []any{
		"epoch", res.Epoch,
		"apy_tier", int(res.Selection.Tier),
		"old_index", res.OldIndex.String(),
		"new_index", res.NewIndex.String(),
		"supply_after", res.SupplyAfter.String(),
		"zone", res.Zone.String(),
		"final_value", res.FinalValue.String(),
	}
	if sp := res.Spillover; sp != nil {
		metrics.SpilloverTotal.WithLabelValues(model.KindJunior).Add(metrics.Units(sp.ToJunior))
		metrics.SpilloverTotal.WithLabelValues(model.KindReserve).Add(metrics.Units(sp.ToReserve))
		attrs = append(attrs, "to_junior", sp.ToJunior.String(), "to_reserve", sp.ToReserve.String())
	}
	if bs := res.Backstop; bs != nil {
		metrics.BackstopTotal.WithLabelValues(model.KindReserve).Add(metrics.Units(bs.FromReserve))
		metrics.BackstopTotal.WithLabelValues(model.KindJunior).Add(metrics.Units(bs.FromJunior))
		attrs = append(attrs,
			"from_reserve", bs.FromReserve.String(),
			"from_junior", bs.FromJunior.String(),
			"fully_restored", bs.FullyRestored,
		)
		if !bs.FullyRestored {
			metrics.PartialBackstops.Inc()
			slog.Warn("backstop could not restore senior", append(attrs, "deficit", bs.DeficitAmount.String())...)
		}
	}
	slog.Info("rebase complete", attrs...)
	if s.reserve.IsDepleted() {
		slog.Warn("reserve depleted",
			"value", s.reserve.Value().String(),
			"last_month_value", s.reserve.LastMonthValue().String(),
		)
	}
}

// ChargeManagementFee streams one month of the management fee on a ledger.
func (s *Service) ChargeManagementFee(ctx context.Context, caller, kind string) (decimal.Decimal, error) {
	var fee decimal.Decimal
	err := s.execute(ctx, "management_fee", func() (*outcome, error) {
		t, err := s.tier(kind)
		if err != nil {
			return nil, err
		}
		fee, err = t.ledger.ChargeManagementFee(caller)
		if err != nil {
			return nil, err
		}
		commit := func() {
			slog.Info("management fee charged",
				"tranche", kind,
				"fee", fee.String(),
				"treasury", t.ledger.Treasury().String(),
			)
		}
		return s.record(t, model.EventManagementFee, caller, map[string]any{
			"fee":      fee,
			"treasury": t.ledger.Treasury(),
		}, commit)
	})
	return fee, err
}

// StartCooldown starts the caller's withdrawal cooldown on a ledger.
func (s *Service) StartCooldown(ctx context.Context, caller, kind string) (time.Time, error) {
	var start time.Time
	err := s.execute(ctx, "start_cooldown", func() (*outcome, error) {
		t, err := s.tier(kind)
		if err != nil {
			return nil, err
		}
		start, err = t.ledger.StartCooldown(caller, caller)
		if err != nil {
			return nil, err
		}
		commit := func() {
			slog.Info("cooldown started", "tranche", kind, "holder", caller)
		}
		return s.record(t, model.EventCooldownStarted, caller, map[string]any{
			"holder":     caller,
			"started_at": start,
		}, commit)
	})
	return start, err
}

// Withdraw redeems amount of the caller's balance.
func (s *Service) Withdraw(ctx context.Context, caller, kind string, amount decimal.Decimal) (tranche.WithdrawResult, error) {
	var res tranche.WithdrawResult
	err := s.execute(ctx, "withdraw", func() (*outcome, error) {
		t, err := s.tier(kind)
		if err != nil {
			return nil, err
		}
		res, err = t.ledger.Withdraw(ctx, caller, amount)
		if err != nil {
			return nil, err
		}
		commit := func() {
			slog.Info("withdrawal",
				"tranche", kind,
				"holder", caller,
				"amount", res.Amount.String(),
				"penalty", res.Penalty.String(),
				"fee", res.Fee.String(),
				"payout", res.Payout.String(),
			)
		}
		return s.record(t, model.EventWithdrawal, caller, res, commit)
	})
	return res, err
}

// TransferOperator hands the operator capability of a ledger and its
// deposit registry to next.
func (s *Service) TransferOperator(ctx context.Context, caller, kind, next string) error {
	return s.execute(ctx, "transfer_operator", func() (*outcome, error) {
		t, err := s.tier(kind)
		if err != nil {
			return nil, err
		}
		if err := t.ledger.TransferOperator(caller, next); err != nil {
			return nil, err
		}
		if err := t.registry.TransferOperator(caller, next); err != nil {
			return nil, err
		}
		commit := func() {
			slog.Info("operator changed", "tranche", kind, "from", caller, "to", t.ledger.Operator())
		}
		return s.record(t, model.EventOperatorChanged, caller, map[string]string{
			"from": caller,
			"to":   t.ledger.Operator(),
		}, commit)
	})
}

// SetMinter grants or revokes a principal's right to mint on a ledger.
func (s *Service) SetMinter(ctx context.Context, caller, kind, principal string, allowed bool) error {
	return s.execute(ctx, "set_minter", func() (*outcome, error) {
		t, err := s.tier(kind)
		if err != nil {
			return nil, err
		}
		if err := t.ledger.SetMinter(caller, principal, allowed); err != nil {
			return nil, err
		}
		commit := func() {
			slog.Info("minter changed", "tranche", kind, "principal", principal, "allowed", allowed)
		}
		return s.record(t, model.EventMinterChanged, caller, map[string]any{
			"principal": principal,
			"allowed":   allowed,
		}, commit)
	})
}

// --- Deposit registry operations ---

// SetLPToken adds or removes an LP token from a registry's allow-list.
func (s *Service) SetLPToken(ctx context.Context, caller, kind, lpToken string, allowed bool) error {
	return s.execute(ctx, "set_lp_token", func() (*outcome, error) {
		t, err := s.tier(kind)
		if err != nil {
			return nil, err
		}
		if err := t.registry.SetLPToken(caller, lpToken, allowed); err != nil {
			return nil, err
		}
		typ := model.EventLPTokenAllowed
		if !allowed {
			typ = model.EventLPTokenDisallowed
		}
		commit := func() {
			slog.Info("lp token list changed", "tranche", kind, "lp_token", lpToken, "allowed", allowed)
		}
		return s.record(t, typ, caller, map[string]string{"lp_token": lpToken}, commit)
	})
}

// SetDepositor adds or removes a depositor from a registry's allow-list.
func (s *Service) SetDepositor(ctx context.Context, caller, kind, depositor string, allowed bool) error {
	return s.execute(ctx, "set_depositor", func() (*outcome, error) {
		t, err := s.tier(kind)
		if err != nil {
			return nil, err
		}
		if err := t.registry.SetDepositor(caller, depositor, allowed); err != nil {
			return nil, err
		}
		commit := func() {
			slog.Info("depositor list changed", "tranche", kind, "depositor", depositor, "allowed", allowed)
		}
		return s.record(t, model.EventDepositorAllowed, caller, map[string]any{
			"depositor": depositor,
			"allowed":   allowed,
		}, commit)
	})
}

// DepositLP escrows amount of lpToken and queues it for operator review.
func (s *Service) DepositLP(ctx context.Context, caller, kind, lpToken string, amount decimal.Decimal) (model.PendingDeposit, error) {
	var d model.PendingDeposit
	err := s.execute(ctx, "deposit_lp", func() (*outcome, error) {
		t, err := s.tier(kind)
		if err != nil {
			return nil, err
		}
		id, err := t.registry.DepositLP(ctx, caller, lpToken, amount)
		if err != nil {
			return nil, err
		}
		d, _ = t.registry.GetPendingDeposit(id)
		return s.depositOutcome(t, model.EventDepositCreated, caller, d)
	})
	return d, err
}

// ApproveDeposit mints ledger shares for a pending deposit at price.
func (s *Service) ApproveDeposit(ctx context.Context, caller, kind string, id uint64, price decimal.Decimal) (model.PendingDeposit, error) {
	var d model.PendingDeposit
	err := s.execute(ctx, "approve_deposit", func() (*outcome, error) {
		t, err := s.tier(kind)
		if err != nil {
			return nil, err
		}
		d, err = t.registry.ApproveLPDeposit(ctx, caller, id, price)
		if err != nil {
			return nil, err
		}
		return s.depositOutcome(t, model.EventDepositApproved, caller, d)
	})
	return d, err
}

// RejectDeposit returns a pending deposit to its depositor.
func (s *Service) RejectDeposit(ctx context.Context, caller, kind string, id uint64, reason string) (model.PendingDeposit, error) {
	var d model.PendingDeposit
	err := s.execute(ctx, "reject_deposit", func() (*outcome, error) {
		t, err := s.tier(kind)
		if err != nil {
			return nil, err
		}
		d, err = t.registry.RejectLPDeposit(ctx, caller, id, reason)
		if err != nil {
			return nil, err
		}
		return s.depositOutcome(t, model.EventDepositRejected, caller, d)
	})
	return d, err
}

// CancelDeposit lets the depositor withdraw a pending deposit.
func (s *Service) CancelDeposit(ctx context.Context, caller, kind string, id uint64) (model.PendingDeposit, error) {
	var d model.PendingDeposit
	err := s.execute(ctx, "cancel_deposit", func() (*outcome, error) {
		t, err := s.tier(kind)
		if err != nil {
			return nil, err
		}
		d, err = t.registry.CancelPendingDeposit(ctx, caller, id)
		if err != nil {
			return nil, err
		}
		return s.depositOutcome(t, model.EventDepositCancelled, caller, d)
	})
	return d, err
}

// ClaimExpiredDeposit returns an expired deposit to its depositor. Anyone
// may call it.
func (s *Service) ClaimExpiredDeposit(ctx context.Context, caller, kind string, id uint64) (model.PendingDeposit, error) {
	var d model.PendingDeposit
	err := s.execute(ctx, "claim_expired_deposit", func() (*outcome, error) {
		t, err := s.tier(kind)
		if err != nil {
			return nil, err
		}
		d, err = t.registry.ClaimExpiredDeposit(ctx, id)
		if err != nil {
			return nil, err
		}
		return s.depositOutcome(t, model.EventDepositClaimed, caller, d)
	})
	return d, err
}

func (s *Service) depositOutcome(t *tier, typ, caller string, d model.PendingDeposit) (*outcome, error) {
	commit := func() {
		metrics.DepositsTotal.WithLabelValues(t.kind, string(d.Status)).Inc()
		slog.Info("deposit "+string(d.Status),
			"tranche", t.kind,
			"id", d.ID,
			"depositor", d.Depositor,
			"lp_token", d.LPToken,
			"amount", d.Amount.String(),
			"shares", d.Shares.String(),
		)
	}
	return s.record(t, typ, caller, d, commit, d)
}

// --- Read views ---

// Summary is a point-in-time view of one ledger.
type Summary struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	Operator       string          `json:"operator"`
	Value          decimal.Decimal `json:"value"`
	LastMonthValue decimal.Decimal `json:"last_month_value"`
	TotalShares    decimal.Decimal `json:"total_shares"`
	Treasury       decimal.Decimal `json:"treasury"`
	Registry       string          `json:"registry"`
	NextDepositID  uint64          `json:"next_deposit_id"`

	// Senior only.
	TotalSupply  *decimal.Decimal      `json:"total_supply,omitempty"`
	RebaseIndex  *decimal.Decimal      `json:"rebase_index,omitempty"`
	Epoch        uint64                `json:"epoch,omitempty"`
	LastRebaseAt *time.Time            `json:"last_rebase_at,omitempty"`
	BackingRatio *decimal.Decimal      `json:"backing_ratio,omitempty"`
	Zone         string                `json:"zone,omitempty"`
	Thresholds   *waterfall.Thresholds `json:"thresholds,omitempty"`
	DepositCap   *decimal.Decimal      `json:"deposit_cap,omitempty"`

	// Junior and Reserve only.
	SharePrice        *decimal.Decimal `json:"share_price,omitempty"`
	SpilloverReceived *decimal.Decimal `json:"spillover_received,omitempty"`
	BackstopProvided  *decimal.Decimal `json:"backstop_provided,omitempty"`
	Depleted          *bool            `json:"depleted,omitempty"`
}

// Tranche returns the summary of one ledger.
func (s *Service) Tranche(kind string) (*Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.tier(kind)
	if err != nil {
		return nil, err
	}
	sum := &Summary{
		ID:             t.ledger.ID(),
		Kind:           t.kind,
		Operator:       t.ledger.Operator(),
		Value:          t.ledger.Value(),
		LastMonthValue: t.ledger.LastMonthValue(),
		TotalShares:    t.ledger.TotalShares(),
		Treasury:       t.ledger.Treasury(),
		Registry:       t.registry.ID(),
		NextDepositID:  t.registry.GetNextDepositId(),
	}

	switch l := t.ledger.(type) {
	case *tranche.Senior:
		supply, index, at := l.TotalSupply(), l.RebaseIndex(), l.LastRebaseAt()
		thresholds := l.ZoneThresholds()
		sum.TotalSupply, sum.RebaseIndex, sum.Thresholds = &supply, &index, &thresholds
		sum.Epoch = l.Epoch()
		if !at.IsZero() {
			sum.LastRebaseAt = &at
		}
		if ratio, err := l.BackingRatio(); err == nil {
			sum.BackingRatio = &ratio
			sum.Zone = waterfall.DetermineZone(ratio).String()
		}
		if limit, ok := l.DepositCap(); ok {
			sum.DepositCap = &limit
		}
	case *tranche.Subordinate:
		price, spill, back, depleted := l.SharePrice(), l.SpilloverReceived(), l.BackstopProvided(), l.IsDepleted()
		sum.SharePrice, sum.SpilloverReceived, sum.BackstopProvided, sum.Depleted = &price, &spill, &back, &depleted
	}
	return sum, nil
}

// ZoneView is Senior's current backing and zone.
type ZoneView struct {
	Zone         waterfall.Zone       `json:"zone"`
	BackingRatio decimal.Decimal      `json:"backing_ratio"`
	Value        decimal.Decimal      `json:"value"`
	Supply       decimal.Decimal      `json:"supply"`
	Thresholds   waterfall.Thresholds `json:"thresholds"`
}

// Zone classifies Senior's current backing.
func (s *Service) Zone() (ZoneView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ratio, err := s.senior.BackingRatio()
	if err != nil {
		return ZoneView{}, err
	}
	return ZoneView{
		Zone:         waterfall.DetermineZone(ratio),
		BackingRatio: ratio,
		Value:        s.senior.Value(),
		Supply:       s.senior.TotalSupply(),
		Thresholds:   s.senior.ZoneThresholds(),
	}, nil
}

// SimulateAPYs previews the backing each APY tier would leave behind.
func (s *Service) SimulateAPYs() (apy.Simulation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.senior.SimulateAllAPYs()
}

// Deposit returns one pending deposit record. Ids the registry has not
// seen are looked up in the store, which other instances may share.
func (s *Service) Deposit(ctx context.Context, kind string, id uint64) (model.PendingDeposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.tier(kind)
	if err != nil {
		return model.PendingDeposit{}, err
	}
	d, err := t.registry.GetPendingDeposit(id)
	if !errors.Is(err, deposit.ErrNotFound) {
		return d, err
	}
	stored, err := s.store.GetDeposit(ctx, t.ledger.ID(), id)
	if err != nil {
		return model.PendingDeposit{}, err
	}
	return *stored, nil
}

// UserDeposits returns every deposit user has made on a ledger, oldest first.
func (s *Service) UserDeposits(kind, user string) ([]model.PendingDeposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.tier(kind)
	if err != nil {
		return nil, err
	}
	ids := t.registry.GetUserDepositIds(user)
	out := make([]model.PendingDeposit, 0, len(ids))
	for _, id := range ids {
		d, err := t.registry.GetPendingDeposit(id)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Events returns the audit log, oldest first. An empty kind means every
// ledger; limit <= 0 means no limit.
func (s *Service) Events(ctx context.Context, kind string, limit int) ([]model.Event, error) {
	ledger := ""
	if kind != "" {
		s.mu.Lock()
		t, err := s.tier(kind)
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
		ledger = t.ledger.ID()
	}
	return s.store.ListEvents(ctx, ledger, limit)
}
