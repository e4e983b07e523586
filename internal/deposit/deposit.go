// Package deposit implements the pending LP deposit registry that admits
// external liquidity into a tranche ledger.
//
// A deposit is escrowed on creation and ends in exactly one terminal state:
// approved (shares minted at an operator price), rejected, cancelled by the
// depositor, or claimed back after expiry. Nothing moves out of a terminal
// state.
package deposit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/tranche-engine/internal/address"
	"github.com/atmx/tranche-engine/internal/allowlist"
	"github.com/atmx/tranche-engine/internal/apperr"
	"github.com/atmx/tranche-engine/internal/fixedpoint"
	"github.com/atmx/tranche-engine/internal/model"
)

var (
	ErrZeroAmount       = apperr.New(apperr.ErrValidation, "deposit: amount must be positive")
	ErrFractionalAmount = apperr.New(apperr.ErrValidation, "deposit: amount must be whole base units")
	ErrInvalidPrice     = apperr.New(apperr.ErrValidation, "deposit: price must be positive")
	ErrLPTokenRequired  = apperr.New(apperr.ErrValidation, "deposit: lp token required")
	ErrLPTokenNotListed = apperr.New(apperr.ErrValidation, "deposit: lp token not allowed")

	ErrNotOperator  = apperr.New(apperr.ErrAuthorization, "deposit: caller is not the operator")
	ErrNotDepositor = apperr.New(apperr.ErrAuthorization, "deposit: caller is not the depositor")
	ErrNotAllowed   = apperr.New(apperr.ErrAuthorization, "deposit: depositor not allowed")

	ErrNotFound            = apperr.New(apperr.ErrState, "deposit: not found")
	ErrNotPending          = apperr.New(apperr.ErrState, "deposit: not pending")
	ErrNotExpired          = apperr.New(apperr.ErrState, "deposit: not yet expired")
	ErrSinkNotConfigured   = apperr.New(apperr.ErrState, "deposit: sink not configured")
	ErrMinterNotConfigured = apperr.New(apperr.ErrState, "deposit: minter not configured")
	ErrReentrant           = apperr.New(apperr.ErrState, "deposit: reentrant call")
	ErrSchemaVersion       = apperr.New(apperr.ErrState, "deposit: unsupported schema version")

	ErrExpired = apperr.New(apperr.ErrTiming, "deposit: expired")
)

// Minter issues ledger shares for approved deposits. Tranche ledgers
// satisfy it; the registry calls it with its own ID as caller.
type Minter interface {
	MintForDeposit(ctx context.Context, caller, holder string, amount decimal.Decimal) (decimal.Decimal, error)
}

// Sink holds escrowed LP value. Release returns it to the depositor;
// Deploy hands it to the ledger's liquidity position. Escrowed reports what
// is still held for lpToken.
type Sink interface {
	Escrow(ctx context.Context, depositor, lpToken string, amount decimal.Decimal) error
	Release(ctx context.Context, depositor, lpToken string, amount decimal.Decimal) error
	Deploy(ctx context.Context, lpToken string, amount decimal.Decimal) error
	Escrowed(lpToken string) decimal.Decimal
}

// Config configures a Registry.
type Config struct {
	// ID is the registry's own principal, authorised as a minter on the ledger.
	ID       string
	Ledger   string
	Operator string

	// Expiry is how long a deposit waits for a decision. Defaults to 48h.
	Expiry time.Duration

	// Restricted requires depositors to be allow-listed.
	Restricted bool

	Now func() time.Time
}

// Registry is the pending deposit queue for one ledger. It is not safe
// for concurrent use.
type Registry struct {
	id         string
	ledger     string
	operator   string
	expiry     time.Duration
	restricted bool
	now        func() time.Time
	entered    atomic.Bool

	minter Minter
	sink   Sink

	lpTokens   *allowlist.Set[string]
	depositors *allowlist.Set[string]

	deposits []model.PendingDeposit // indexed by id
	byUser   map[string][]uint64
}

// New creates an empty registry.
func New(cfg Config) (*Registry, error) {
	id, err := address.Parse(cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("registry id: %w", err)
	}
	ledger, err := address.Parse(cfg.Ledger)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	op, err := address.Parse(cfg.Operator)
	if err != nil {
		return nil, fmt.Errorf("operator: %w", err)
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = fixedpoint.DepositExpiry
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		id:         id,
		ledger:     ledger,
		operator:   op,
		expiry:     cfg.Expiry,
		restricted: cfg.Restricted,
		now:        cfg.Now,
		lpTokens:   allowlist.New[string](),
		depositors: allowlist.New[string](),
		byUser:     make(map[string][]uint64),
	}, nil
}

func (r *Registry) enter() (func(), error) {
	if !r.entered.CompareAndSwap(false, true) {
		return nil, ErrReentrant
	}
	return func() { r.entered.Store(false) }, nil
}

func (r *Registry) requireOperator(caller string) error {
	if !address.Equal(caller, r.operator) {
		return ErrNotOperator
	}
	return nil
}

func (r *Registry) ID() string       { return r.id }
func (r *Registry) Ledger() string   { return r.ledger }
func (r *Registry) Operator() string { return r.operator }

// SetMinter installs the ledger that mints shares on approval.
func (r *Registry) SetMinter(caller string, m Minter) error {
	if err := r.requireOperator(caller); err != nil {
		return err
	}
	r.minter = m
	return nil
}

// SetSink installs the escrow and deployment sink.
func (r *Registry) SetSink(caller string, s Sink) error {
	if err := r.requireOperator(caller); err != nil {
		return err
	}
	r.sink = s
	return nil
}

// TransferOperator hands the operator capability to next.
func (r *Registry) TransferOperator(caller, next string) error {
	release, err := r.enter()
	if err != nil {
		return err
	}
	defer release()

	if err := r.requireOperator(caller); err != nil {
		return err
	}
	op, err := address.Parse(next)
	if err != nil {
		return err
	}
	r.operator = op
	return nil
}

// SetLPToken adds or removes lpToken from the accepted tokens.
func (r *Registry) SetLPToken(caller, lpToken string, allowed bool) error {
	if err := r.requireOperator(caller); err != nil {
		return err
	}
	token, err := address.Parse(lpToken)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLPTokenRequired, err)
	}
	if allowed {
		r.lpTokens.Add(token)
	} else {
		r.lpTokens.Remove(token)
	}
	return nil
}

// SetDepositor adds or removes a depositor from the allow-list. The list
// is only enforced when the registry is restricted.
func (r *Registry) SetDepositor(caller, depositor string, allowed bool) error {
	if err := r.requireOperator(caller); err != nil {
		return err
	}
	d, err := address.Parse(depositor)
	if err != nil {
		return err
	}
	if allowed {
		r.depositors.Add(d)
	} else {
		r.depositors.Remove(d)
	}
	return nil
}

// LPTokens lists the accepted LP tokens. An empty list accepts any token.
func (r *Registry) LPTokens() []string { return r.lpTokens.Members() }

// DepositLP escrows amount of lpToken from caller and queues it for
// approval. It returns the new deposit id.
func (r *Registry) DepositLP(ctx context.Context, caller, lpToken string, amount decimal.Decimal) (uint64, error) {
	release, err := r.enter()
	if err != nil {
		return 0, err
	}
	defer release()

	depositor, err := address.Parse(caller)
	if err != nil {
		return 0, err
	}
	token, err := address.Parse(lpToken)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrLPTokenRequired, err)
	}
	if !amount.IsPositive() {
		return 0, ErrZeroAmount
	}
	if !fixedpoint.IsWhole(amount) {
		return 0, fmt.Errorf("%w: %s", ErrFractionalAmount, amount)
	}
	if r.lpTokens.Len() > 0 && !r.lpTokens.Contains(token) {
		return 0, ErrLPTokenNotListed
	}
	if r.restricted && !r.depositors.Contains(depositor) {
		return 0, ErrNotAllowed
	}
	if r.sink == nil {
		return 0, ErrSinkNotConfigured
	}

	if err := r.sink.Escrow(ctx, depositor, token, amount); err != nil {
		return 0, fmt.Errorf("escrow: %w", err)
	}

	now := r.now()
	id := uint64(len(r.deposits))
	r.deposits = append(r.deposits, model.PendingDeposit{
		SchemaVersion: model.SchemaVersion,
		Ledger:        r.ledger,
		ID:            id,
		Depositor:     depositor,
		LPToken:       token,
		Amount:        amount,
		CreatedAt:     now,
		ExpiresAt:     now.Add(r.expiry),
		Status:        model.DepositPending,
		Price:         decimal.Zero,
		Shares:        decimal.Zero,
	})
	r.byUser[depositor] = append(r.byUser[depositor], id)
	return id, nil
}

// pending returns deposit id if it can still transition.
func (r *Registry) pending(id uint64) (*model.PendingDeposit, error) {
	if id >= uint64(len(r.deposits)) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	d := &r.deposits[id]
	if d.Status.Terminal() {
		return nil, fmt.Errorf("%w: %d is %s", ErrNotPending, id, d.Status)
	}
	return d, nil
}

// ApproveLPDeposit mints ledger value worth amount × price to the depositor
// and deploys the escrowed LP. It must happen before the deposit expires.
//
// The escrow is checked before minting. A Deploy that still fails after a
// successful mint leaves the minted shares in place; callers that need the
// pair to be atomic snapshot the ledger and restore it on error.
func (r *Registry) ApproveLPDeposit(ctx context.Context, caller string, id uint64, price decimal.Decimal) (model.PendingDeposit, error) {
	release, err := r.enter()
	if err != nil {
		return model.PendingDeposit{}, err
	}
	defer release()

	if err := r.requireOperator(caller); err != nil {
		return model.PendingDeposit{}, err
	}
	d, err := r.pending(id)
	if err != nil {
		return model.PendingDeposit{}, err
	}
	now := r.now()
	if !now.Before(d.ExpiresAt) {
		return model.PendingDeposit{}, fmt.Errorf("%w: %d expired at %s", ErrExpired, id, d.ExpiresAt.Format(time.RFC3339))
	}
	if !price.IsPositive() || !fixedpoint.IsWhole(price) {
		return model.PendingDeposit{}, ErrInvalidPrice
	}
	if r.minter == nil {
		return model.PendingDeposit{}, ErrMinterNotConfigured
	}
	if r.sink == nil {
		return model.PendingDeposit{}, ErrSinkNotConfigured
	}

	if held := r.sink.Escrowed(d.LPToken); held.LessThan(d.Amount) {
		return model.PendingDeposit{}, fmt.Errorf("%w: %s holds %s, need %s", ErrInsufficientEscrow, d.LPToken, held, d.Amount)
	}

	value := fixedpoint.MulDiv(d.Amount, price)
	if !value.IsPositive() {
		return model.PendingDeposit{}, fmt.Errorf("%w: %s at price %s is worth nothing", ErrZeroAmount, d.Amount, price)
	}
	shares, err := r.minter.MintForDeposit(ctx, r.id, d.Depositor, value)
	if err != nil {
		return model.PendingDeposit{}, fmt.Errorf("mint: %w", err)
	}
	if err := r.sink.Deploy(ctx, d.LPToken, d.Amount); err != nil {
		return model.PendingDeposit{}, fmt.Errorf("deploy: %w", err)
	}

	d.Status = model.DepositApproved
	d.Price = price
	d.Shares = shares
	d.ResolvedAt = now
	return *d, nil
}

// RejectLPDeposit returns the escrowed LP to the depositor.
func (r *Registry) RejectLPDeposit(ctx context.Context, caller string, id uint64, reason string) (model.PendingDeposit, error) {
	release, err := r.enter()
	if err != nil {
		return model.PendingDeposit{}, err
	}
	defer release()

	if err := r.requireOperator(caller); err != nil {
		return model.PendingDeposit{}, err
	}
	d, err := r.pending(id)
	if err != nil {
		return model.PendingDeposit{}, err
	}
	if err := r.refund(ctx, d, model.DepositRejected); err != nil {
		return model.PendingDeposit{}, err
	}
	d.Reason = reason
	return *d, nil
}

// CancelPendingDeposit lets the depositor take the LP back.
func (r *Registry) CancelPendingDeposit(ctx context.Context, caller string, id uint64) (model.PendingDeposit, error) {
	release, err := r.enter()
	if err != nil {
		return model.PendingDeposit{}, err
	}
	defer release()

	d, err := r.pending(id)
	if err != nil {
		return model.PendingDeposit{}, err
	}
	if !address.Equal(caller, d.Depositor) {
		return model.PendingDeposit{}, ErrNotDepositor
	}
	if err := r.refund(ctx, d, model.DepositCancelled); err != nil {
		return model.PendingDeposit{}, err
	}
	return *d, nil
}

// ClaimExpiredDeposit returns an expired deposit to its depositor. Anyone
// may call it.
func (r *Registry) ClaimExpiredDeposit(ctx context.Context, id uint64) (model.PendingDeposit, error) {
	release, err := r.enter()
	if err != nil {
		return model.PendingDeposit{}, err
	}
	defer release()

	d, err := r.pending(id)
	if err != nil {
		return model.PendingDeposit{}, err
	}
	if r.now().Before(d.ExpiresAt) {
		return model.PendingDeposit{}, fmt.Errorf("%w: %d expires at %s", ErrNotExpired, id, d.ExpiresAt.Format(time.RFC3339))
	}
	if err := r.refund(ctx, d, model.DepositExpiredClaimed); err != nil {
		return model.PendingDeposit{}, err
	}
	return *d, nil
}

func (r *Registry) refund(ctx context.Context, d *model.PendingDeposit, status model.DepositStatus) error {
	if r.sink == nil {
		return ErrSinkNotConfigured
	}
	if err := r.sink.Release(ctx, d.Depositor, d.LPToken, d.Amount); err != nil {
		return fmt.Errorf("release: %w", err)
	}
	d.Status = status
	d.ResolvedAt = r.now()
	return nil
}

// GetPendingDeposit returns deposit id in whatever state it is in.
func (r *Registry) GetPendingDeposit(id uint64) (model.PendingDeposit, error) {
	if id >= uint64(len(r.deposits)) {
		return model.PendingDeposit{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return r.deposits[id], nil
}

// GetUserDepositIds returns every id user has created, oldest first.
func (r *Registry) GetUserDepositIds(user string) []uint64 {
	u, err := address.Parse(user)
	if err != nil {
		return nil
	}
	ids := r.byUser[u]
	out := make([]uint64, len(ids))
	copy(out, ids)
	return out
}

// GetNextDepositId is the id the next deposit will receive.
func (r *Registry) GetNextDepositId() uint64 {
	return uint64(len(r.deposits))
}

// State returns the registry configuration and every deposit record.
func (r *Registry) State() (model.RegistryState, []model.PendingDeposit) {
	deposits := make([]model.PendingDeposit, len(r.deposits))
	copy(deposits, r.deposits)
	return model.RegistryState{
		SchemaVersion: model.SchemaVersion,
		ID:            r.id,
		Ledger:        r.ledger,
		Operator:      r.operator,
		NextID:        uint64(len(r.deposits)),
		Restricted:    r.restricted,
		LPTokens:      r.lpTokens.Members(),
		Depositors:    r.depositors.Members(),
	}, deposits
}

// Restore replaces the registry's state. deposits must hold ids
// 0..st.NextID-1; their order does not matter.
func (r *Registry) Restore(st model.RegistryState, deposits []model.PendingDeposit) error {
	if st.SchemaVersion < 1 || st.SchemaVersion > model.SchemaVersion {
		return fmt.Errorf("%w: %d", ErrSchemaVersion, st.SchemaVersion)
	}
	if uint64(len(deposits)) != st.NextID {
		return fmt.Errorf("%w: have %d deposits, next id %d", ErrSchemaVersion, len(deposits), st.NextID)
	}

	records := make([]model.PendingDeposit, st.NextID)
	seen := make([]bool, st.NextID)
	byUser := make(map[string][]uint64)
	for _, d := range deposits {
		if d.SchemaVersion > model.SchemaVersion {
			return fmt.Errorf("%w: deposit %d has version %d", ErrSchemaVersion, d.ID, d.SchemaVersion)
		}
		if d.ID >= st.NextID || seen[d.ID] {
			return fmt.Errorf("%w: deposit id %d out of sequence", ErrSchemaVersion, d.ID)
		}
		records[d.ID] = d
		seen[d.ID] = true
	}
	for _, d := range records {
		byUser[d.Depositor] = append(byUser[d.Depositor], d.ID)
	}

	r.operator = st.Operator
	r.restricted = st.Restricted
	r.lpTokens = allowlist.New(st.LPTokens...)
	r.depositors = allowlist.New(st.Depositors...)
	r.deposits = records
	r.byUser = byUser
	return nil
}
