package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/tranche-engine/internal/address"
	"github.com/atmx/tranche-engine/internal/apperr"
	"github.com/atmx/tranche-engine/internal/deposit"
	"github.com/atmx/tranche-engine/internal/model"
	"github.com/atmx/tranche-engine/internal/store"
)

// principalHeader carries the caller's principal. Authentication happens
// upstream; the ledgers only authorise.
const principalHeader = "X-Principal"

// API serves the host over HTTP.
type API struct {
	svc     *Service
	hub     *WSHub
	limiter *RateLimiter
}

// NewAPI creates the HTTP layer. hub and limiter may be nil.
func NewAPI(svc *Service, hub *WSHub, limiter *RateLimiter) *API {
	return &API{svc: svc, hub: hub, limiter: limiter}
}

// Routes registers every endpoint on r. State-changing routes go through
// the rate limiter.
func (a *API) Routes(r chi.Router) {
	if a.hub != nil {
		r.Get("/ws", a.hub.HandleWS)
	}

	r.Get("/events", a.ListEvents)
	r.Get("/senior/zone", a.GetZone)
	r.Get("/senior/apy/simulate", a.SimulateAPYs)
	r.Get("/tranches/{tranche}", a.GetTranche)
	r.Get("/tranches/{tranche}/deposits", a.ListUserDeposits)
	r.Get("/tranches/{tranche}/deposits/{id}", a.GetDeposit)

	r.Group(func(r chi.Router) {
		if a.limiter != nil {
			r.Use(a.limiter.Middleware)
		}

		r.Post("/senior/rebase", a.Rebase)

		r.Post("/tranches/{tranche}/value", a.UpdateValue)
		r.Post("/tranches/{tranche}/value/set", a.SetValue)
		r.Post("/tranches/{tranche}/fees/management", a.ChargeManagementFee)
		r.Post("/tranches/{tranche}/cooldown", a.StartCooldown)
		r.Post("/tranches/{tranche}/withdraw", a.Withdraw)
		r.Post("/tranches/{tranche}/operator", a.TransferOperator)
		r.Post("/tranches/{tranche}/minters", a.SetMinter)
		r.Post("/tranches/{tranche}/lp-tokens", a.SetLPToken)
		r.Post("/tranches/{tranche}/depositors", a.SetDepositor)

		r.Post("/tranches/{tranche}/deposits", a.DepositLP)
		r.Post("/tranches/{tranche}/deposits/{id}/approve", a.ApproveDeposit)
		r.Post("/tranches/{tranche}/deposits/{id}/reject", a.RejectDeposit)
		r.Post("/tranches/{tranche}/deposits/{id}/cancel", a.CancelDeposit)
		r.Post("/tranches/{tranche}/deposits/{id}/claim", a.ClaimExpiredDeposit)
	})
}

// --- Request types ---

// UpdateValueRequest moves value by a signed basis-point percentage.
type UpdateValueRequest struct {
	Bps int64 `json:"bps"` // -5000..10000
}

// SetValueRequest writes an absolute value in base units.
type SetValueRequest struct {
	Value decimal.Decimal `json:"value"`
}

// RebaseRequest carries the LP price, 1e18-scaled.
type RebaseRequest struct {
	Price decimal.Decimal `json:"price"`
}

// WithdrawRequest redeems an amount of the caller's balance.
type WithdrawRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// OperatorRequest names the next operator.
type OperatorRequest struct {
	Operator string `json:"operator"`
}

// AllowRequest adds or removes an address from an allow-list.
type AllowRequest struct {
	Address string `json:"address"`
	Allowed bool   `json:"allowed"`
}

// DepositRequest escrows LP value for operator review.
type DepositRequest struct {
	LPToken string          `json:"lp_token"`
	Amount  decimal.Decimal `json:"amount"`
}

// ApproveRequest carries the price the deposit is valued at, 1e18-scaled.
type ApproveRequest struct {
	Price decimal.Decimal `json:"price"`
}

// RejectRequest explains a rejection to the depositor.
type RejectRequest struct {
	Reason string `json:"reason"`
}

// --- Ledger handlers ---

// GetTranche handles GET /api/v1/tranches/{tranche}
func (a *API) GetTranche(w http.ResponseWriter, r *http.Request) {
	sum, err := a.svc.Tranche(chi.URLParam(r, "tranche"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// UpdateValue handles POST /api/v1/tranches/{tranche}/value
func (a *API) UpdateValue(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	var req UpdateValueRequest
	if !decode(w, r, &req) {
		return
	}
	next, err := a.svc.UpdateValue(r.Context(), caller, chi.URLParam(r, "tranche"), req.Bps)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"value": next})
}

// SetValue handles POST /api/v1/tranches/{tranche}/value/set
func (a *API) SetValue(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	var req SetValueRequest
	if !decode(w, r, &req) {
		return
	}
	kind := chi.URLParam(r, "tranche")
	if err := a.svc.SetValue(r.Context(), caller, kind, req.Value); err != nil {
		writeAppError(w, err)
		return
	}
	a.GetTranche(w, r)
}

// Rebase handles POST /api/v1/senior/rebase
func (a *API) Rebase(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	var req RebaseRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := a.svc.Rebase(r.Context(), caller, req.Price)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ChargeManagementFee handles POST /api/v1/tranches/{tranche}/fees/management
func (a *API) ChargeManagementFee(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	fee, err := a.svc.ChargeManagementFee(r.Context(), caller, chi.URLParam(r, "tranche"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"fee": fee})
}

// StartCooldown handles POST /api/v1/tranches/{tranche}/cooldown
func (a *API) StartCooldown(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	start, err := a.svc.StartCooldown(r.Context(), caller, chi.URLParam(r, "tranche"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"holder": caller, "started_at": start})
}

// Withdraw handles POST /api/v1/tranches/{tranche}/withdraw
func (a *API) Withdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	var req WithdrawRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := a.svc.Withdraw(r.Context(), caller, chi.URLParam(r, "tranche"), req.Amount)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// TransferOperator handles POST /api/v1/tranches/{tranche}/operator
func (a *API) TransferOperator(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	var req OperatorRequest
	if !decode(w, r, &req) {
		return
	}
	if err := a.svc.TransferOperator(r.Context(), caller, chi.URLParam(r, "tranche"), req.Operator); err != nil {
		writeAppError(w, err)
		return
	}
	a.GetTranche(w, r)
}

// SetMinter handles POST /api/v1/tranches/{tranche}/minters
func (a *API) SetMinter(w http.ResponseWriter, r *http.Request) {
	a.allow(w, r, a.svc.SetMinter)
}

// SetLPToken handles POST /api/v1/tranches/{tranche}/lp-tokens
func (a *API) SetLPToken(w http.ResponseWriter, r *http.Request) {
	a.allow(w, r, a.svc.SetLPToken)
}

// SetDepositor handles POST /api/v1/tranches/{tranche}/depositors
func (a *API) SetDepositor(w http.ResponseWriter, r *http.Request) {
	a.allow(w, r, a.svc.SetDepositor)
}

type allowFunc func(ctx context.Context, caller, kind, addr string, allowed bool) error

func (a *API) allow(w http.ResponseWriter, r *http.Request, fn allowFunc) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	var req AllowRequest
	if !decode(w, r, &req) {
		return
	}
	if err := fn(r.Context(), caller, chi.URLParam(r, "tranche"), req.Address, req.Allowed); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// GetZone handles GET /api/v1/senior/zone
func (a *API) GetZone(w http.ResponseWriter, r *http.Request) {
	view, err := a.svc.Zone()
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// SimulateAPYs handles GET /api/v1/senior/apy/simulate
func (a *API) SimulateAPYs(w http.ResponseWriter, r *http.Request) {
	sim, err := a.svc.SimulateAPYs()
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sim)
}

// ListEvents handles GET /api/v1/events
// Optional ?tranche=<kind> and ?limit=<n> (most recent n, oldest first).
func (a *API) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	events, err := a.svc.Events(r.Context(), r.URL.Query().Get("tranche"), limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Deposit handlers ---

// DepositLP handles POST /api/v1/tranches/{tranche}/deposits
func (a *API) DepositLP(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	var req DepositRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := a.svc.DepositLP(r.Context(), caller, chi.URLParam(r, "tranche"), req.LPToken, req.Amount)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// GetDeposit handles GET /api/v1/tranches/{tranche}/deposits/{id}
func (a *API) GetDeposit(w http.ResponseWriter, r *http.Request) {
	id, ok := depositID(w, r)
	if !ok {
		return
	}
	d, err := a.svc.Deposit(r.Context(), chi.URLParam(r, "tranche"), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// ListUserDeposits handles GET /api/v1/tranches/{tranche}/deposits?user=<principal>
func (a *API) ListUserDeposits(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		writeError(w, "user is required", http.StatusBadRequest)
		return
	}
	deposits, err := a.svc.UserDeposits(chi.URLParam(r, "tranche"), user)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deposits)
}

// ApproveDeposit handles POST /api/v1/tranches/{tranche}/deposits/{id}/approve
func (a *API) ApproveDeposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := depositID(w, r)
	if !ok {
		return
	}
	var req ApproveRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := a.svc.ApproveDeposit(r.Context(), caller, chi.URLParam(r, "tranche"), id, req.Price)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// RejectDeposit handles POST /api/v1/tranches/{tranche}/deposits/{id}/reject
func (a *API) RejectDeposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := depositID(w, r)
	if !ok {
		return
	}
	var req RejectRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := a.svc.RejectDeposit(r.Context(), caller, chi.URLParam(r, "tranche"), id, req.Reason)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// CancelDeposit handles POST /api/v1/tranches/{tranche}/deposits/{id}/cancel
func (a *API) CancelDeposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := depositID(w, r)
	if !ok {
		return
	}
	d, err := a.svc.CancelDeposit(r.Context(), caller, chi.URLParam(r, "tranche"), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// ClaimExpiredDeposit handles POST /api/v1/tranches/{tranche}/deposits/{id}/claim
func (a *API) ClaimExpiredDeposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := depositID(w, r)
	if !ok {
		return
	}
	d, err := a.svc.ClaimExpiredDeposit(r.Context(), caller, chi.URLParam(r, "tranche"), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// --- Helpers ---

// principal returns the caller's canonical address. Ledgers key balances
// by the canonical form, so a checksummed header must map to the same holder.
func principal(w http.ResponseWriter, r *http.Request) (string, bool) {
	p := strings.TrimSpace(r.Header.Get(principalHeader))
	if p == "" {
		writeError(w, principalHeader+" header is required", http.StatusUnauthorized)
		return "", false
	}
	canonical, err := address.Parse(p)
	if err != nil {
		writeError(w, principalHeader+": "+err.Error(), http.StatusBadRequest)
		return "", false
	}
	return canonical, true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func depositID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, "deposit id must be a non-negative integer", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// statusOf maps an operation error to an HTTP status by its class.
func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrUnknownTranche),
		errors.Is(err, deposit.ErrNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	}
	switch apperr.Class(err) {
	case apperr.ErrValidation:
		return http.StatusBadRequest
	case apperr.ErrAuthorization:
		return http.StatusForbidden
	case apperr.ErrState:
		return http.StatusConflict
	case apperr.ErrTiming:
		return http.StatusTooEarly
	case apperr.ErrArithmetic:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeAppError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		slog.Error("operation failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
