package protocol_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"

	"github.com/atmx/tranche-engine/internal/metrics"
	"github.com/atmx/tranche-engine/internal/model"
	"github.com/atmx/tranche-engine/internal/protocol"
	"github.com/atmx/tranche-engine/internal/store"
	"github.com/atmx/tranche-engine/internal/tranche"
)

const (
	operator = "0x00000000000000000000000000000000000000aa"
	alice    = "0x00000000000000000000000000000000000a11ce"
	bob      = "0x0000000000000000000000000000000000000b0b"
	lpToken  = "0x00000000000000000000000000000000000001b1"
)

// units returns n whole units in base units, as the API expects them.
func units(n int64) string {
	return decimal.New(n, 18).String()
}

func u(n int64) decimal.Decimal {
	return decimal.New(n, 18)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	svc    *protocol.Service
	store  store.Store
	clock  *clock
	hub    *protocol.WSHub
	router chi.Router
}

func testConfig(c *clock) protocol.Config {
	return protocol.Config{
		Operator:          operator,
		SeniorID:          "0x0000000000000000000000000000000000000051",
		JuniorID:          "0x000000000000000000000000000000000000004a",
		ReserveID:         "0x0000000000000000000000000000000000000052",
		SeniorRegistryID:  "0x00000000000000000000000000000000000000d1",
		JuniorRegistryID:  "0x00000000000000000000000000000000000000d2",
		ReserveRegistryID: "0x00000000000000000000000000000000000000d3",
		MinRebaseInterval: 30 * 24 * time.Hour,
		DepositExpiry:     48 * time.Hour,
		Now:               c.Now,
	}
}

// newTestEnv creates a Service over st with a chi router mounted at /api/v1.
func newTestEnv(t *testing.T, st store.Store, c *clock, limiter *protocol.RateLimiter) *testEnv {
	t.Helper()
	if c == nil {
		c = &clock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	}
	hub := protocol.NewWSHub()
	svc, err := protocol.NewService(context.Background(), testConfig(c), st, hub)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	r := chi.NewRouter()
	r.Route("/api/v1", protocol.NewAPI(svc, hub, limiter).Routes)
	return &testEnv{svc: svc, store: st, clock: c, hub: hub, router: r}
}

func (e *testEnv) do(t *testing.T, method, path, principal string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, "/api/v1"+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if principal != "" {
		req.Header.Set("X-Principal", principal)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) must(t *testing.T, method, path, principal string, body any, want int) *httptest.ResponseRecorder {
	t.Helper()
	rec := e.do(t, method, path, principal, body)
	if rec.Code != want {
		t.Fatalf("%s %s: expected %d, got %d: %s", method, path, want, rec.Code, rec.Body.String())
	}
	return rec
}

func decodeInto[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

// seed gives the Reserve 1000 units of value and Senior 1000 units of
// supply held by alice, bought through an approved deposit.
func seed(t *testing.T, e *testEnv) {
	t.Helper()
	e.must(t, "POST", "/tranches/reserve/value/set", operator, map[string]string{"value": units(1000)}, http.StatusOK)
	e.must(t, "POST", "/tranches/senior/deposits", alice, map[string]string{"lp_token": lpToken, "amount": units(500)}, http.StatusCreated)
	e.must(t, "POST", "/tranches/senior/deposits/0/approve", operator, map[string]string{"price": units(2)}, http.StatusOK)
}

func TestDepositApproveFlow(t *testing.T) {
	e := newTestEnv(t, store.NewMemoryStore(), nil, nil)
	e.must(t, "POST", "/tranches/reserve/value/set", operator, map[string]string{"value": units(1000)}, http.StatusOK)

	rec := e.must(t, "POST", "/tranches/senior/deposits", alice,
		map[string]string{"lp_token": lpToken, "amount": units(500)}, http.StatusCreated)
	d := decodeInto[model.PendingDeposit](t, rec)
	if d.ID != 0 || d.Status != model.DepositPending {
		t.Fatalf("expected pending deposit 0, got %d %s", d.ID, d.Status)
	}
	if !d.ExpiresAt.Equal(d.CreatedAt.Add(48 * time.Hour)) {
		t.Errorf("expiry should be 48h after creation, got %v -> %v", d.CreatedAt, d.ExpiresAt)
	}

	rec = e.must(t, "POST", "/tranches/senior/deposits/0/approve", operator,
		map[string]string{"price": units(2)}, http.StatusOK)
	d = decodeInto[model.PendingDeposit](t, rec)
	if d.Status != model.DepositApproved {
		t.Fatalf("expected APPROVED, got %s", d.Status)
	}
	if !d.Shares.Equal(u(1000)) {
		t.Errorf("expected 1000 units of shares at price 2, got %s", d.Shares)
	}

	sum := decodeInto[protocol.Summary](t, e.must(t, "GET", "/tranches/senior", "", nil, http.StatusOK))
	if !sum.Value.Equal(u(1000)) {
		t.Errorf("senior value = %s, want %s", sum.Value, u(1000))
	}
	if sum.TotalSupply == nil || !sum.TotalSupply.Equal(u(1000)) {
		t.Errorf("senior supply = %v", sum.TotalSupply)
	}
	if sum.DepositCap == nil || !sum.DepositCap.Equal(u(10_000)) {
		t.Errorf("deposit cap = %v, want 10x reserve", sum.DepositCap)
	}
	if sum.NextDepositID != 1 {
		t.Errorf("next deposit id = %d", sum.NextDepositID)
	}

	list := decodeInto[[]model.PendingDeposit](t, e.must(t, "GET", "/tranches/senior/deposits?user="+alice, "", nil, http.StatusOK))
	if len(list) != 1 || list[0].ID != 0 {
		t.Fatalf("expected alice's one deposit, got %+v", list)
	}

	events := decodeInto[[]model.Event](t, e.must(t, "GET", "/events?tranche=senior", "", nil, http.StatusOK))
	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	if strings.Join(types, ",") != "deposit_created,deposit_approved" {
		t.Errorf("senior events = %v", types)
	}
}

func TestDepositCapRejectsApproval(t *testing.T) {
	e := newTestEnv(t, store.NewMemoryStore(), nil, nil)
	e.must(t, "POST", "/tranches/reserve/value/set", operator, map[string]string{"value": units(10)}, http.StatusOK)
	e.must(t, "POST", "/tranches/senior/deposits", alice, map[string]string{"lp_token": lpToken, "amount": units(101)}, http.StatusCreated)

	e.must(t, "POST", "/tranches/senior/deposits/0/approve", operator, map[string]string{"price": units(1)}, http.StatusConflict)

	d := decodeInto[model.PendingDeposit](t, e.must(t, "GET", "/tranches/senior/deposits/0", "", nil, http.StatusOK))
	if d.Status != model.DepositPending {
		t.Errorf("failed approval must leave the deposit pending, got %s", d.Status)
	}
}

func TestRebase_HealthyThenTooSoon(t *testing.T) {
	e := newTestEnv(t, store.NewMemoryStore(), nil, nil)
	seed(t, e)
	e.must(t, "POST", "/tranches/senior/value/set", operator, map[string]string{"value": units(1100)}, http.StatusOK)

	rec := e.must(t, "POST", "/senior/rebase", operator, map[string]string{"price": units(1)}, http.StatusOK)
	res := decodeInto[map[string]any](t, rec)
	if res["zone"] != "HEALTHY" {
		t.Errorf("zone = %v, want HEALTHY", res["zone"])
	}
	if res["epoch"] != float64(1) {
		t.Errorf("epoch = %v", res["epoch"])
	}
	sel := res["selection"].(map[string]any)
	if sel["apy_tier"] != float64(3) {
		t.Errorf("expected the 13%% tier, got %v", sel["apy_tier"])
	}

	e.must(t, "POST", "/senior/rebase", operator, map[string]string{"price": units(1)}, http.StatusTooEarly)

	e.clock.Advance(30 * 24 * time.Hour)
	e.must(t, "POST", "/senior/rebase", operator, map[string]string{"price": units(1)}, http.StatusOK)

	sum := decodeInto[protocol.Summary](t, e.must(t, "GET", "/tranches/senior", "", nil, http.StatusOK))
	if sum.Epoch != 2 {
		t.Errorf("epoch = %d, want 2", sum.Epoch)
	}
	if sum.RebaseIndex == nil || !sum.RebaseIndex.GreaterThan(decimal.New(1, 18)) {
		t.Errorf("index should have grown, got %v", sum.RebaseIndex)
	}
}

func TestRebase_SpilloverReachesJuniorAndReserve(t *testing.T) {
	e := newTestEnv(t, store.NewMemoryStore(), nil, nil)
	seed(t, e)
	e.must(t, "POST", "/tranches/senior/value/set", operator, map[string]string{"value": units(1300)}, http.StatusOK)

	res := decodeInto[map[string]any](t, e.must(t, "POST", "/senior/rebase", operator, map[string]string{"price": units(1)}, http.StatusOK))
	if res["zone"] != "SPILLOVER" {
		t.Fatalf("zone = %v, want SPILLOVER", res["zone"])
	}

	junior := decodeInto[protocol.Summary](t, e.must(t, "GET", "/tranches/junior", "", nil, http.StatusOK))
	reserve := decodeInto[protocol.Summary](t, e.must(t, "GET", "/tranches/reserve", "", nil, http.StatusOK))
	if !junior.Value.IsPositive() || junior.SpilloverReceived == nil || !junior.SpilloverReceived.Equal(junior.Value) {
		t.Errorf("junior should hold exactly its spillover, value %s received %v", junior.Value, junior.SpilloverReceived)
	}
	gained := reserve.Value.Sub(u(1000))
	if !gained.IsPositive() {
		t.Fatalf("reserve should have gained value, has %s", reserve.Value)
	}
	// 80/20 split: junior gets four times the reserve's share, within rounding.
	if junior.Value.Sub(gained.Mul(decimal.NewFromInt(4))).Abs().GreaterThan(decimal.NewFromInt(5)) {
		t.Errorf("split off: junior %s, reserve %s", junior.Value, gained)
	}

	zone := decodeInto[map[string]any](t, e.must(t, "GET", "/senior/zone", "", nil, http.StatusOK))
	if zone["zone"] != "HEALTHY" {
		t.Errorf("senior should sit at 110%% after spillover, zone %v", zone["zone"])
	}
}

func TestErrorStatuses(t *testing.T) {
	e := newTestEnv(t, store.NewMemoryStore(), nil, nil)

	tests := []struct {
		name      string
		method    string
		path      string
		principal string
		body      any
		want      int
	}{
		{"unknown tranche", "GET", "/tranches/mezzanine", "", nil, http.StatusNotFound},
		{"missing principal", "POST", "/tranches/senior/value/set", "", map[string]string{"value": "1"}, http.StatusUnauthorized},
		{"not operator", "POST", "/tranches/senior/value/set", alice, map[string]string{"value": "1"}, http.StatusForbidden},
		{"bad body", "POST", "/tranches/senior/value", operator, "{", http.StatusBadRequest},
		{"bps out of range", "POST", "/tranches/senior/value", operator, map[string]int64{"bps": 20_000}, http.StatusBadRequest},
		{"rebase without supply", "POST", "/senior/rebase", operator, map[string]string{"price": units(1)}, http.StatusConflict},
		{"rebase zero price", "POST", "/senior/rebase", operator, map[string]string{"price": "0"}, http.StatusBadRequest},
		{"zone without supply", "GET", "/senior/zone", "", nil, http.StatusUnprocessableEntity},
		{"deposit not found", "GET", "/tranches/senior/deposits/7", "", nil, http.StatusNotFound},
		{"deposit id not a number", "GET", "/tranches/senior/deposits/seven", "", nil, http.StatusBadRequest},
		{"user required", "GET", "/tranches/senior/deposits", "", nil, http.StatusBadRequest},
		{"zero deposit", "POST", "/tranches/junior/deposits", alice, map[string]string{"lp_token": lpToken, "amount": "0"}, http.StatusBadRequest},
		{"bad limit", "GET", "/events?limit=-1", "", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, tt.method, tt.path, tt.principal, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), `"error"`) {
				t.Errorf("expected a JSON error body, got %s", rec.Body.String())
			}
		})
	}
}

func TestDepositLifecycle(t *testing.T) {
	e := newTestEnv(t, store.NewMemoryStore(), nil, nil)
	for i := 0; i < 3; i++ {
		e.must(t, "POST", "/tranches/junior/deposits", alice, map[string]string{"lp_token": lpToken, "amount": units(10)}, http.StatusCreated)
	}

	// Only the depositor may cancel.
	e.must(t, "POST", "/tranches/junior/deposits/0/cancel", bob, nil, http.StatusForbidden)
	d := decodeInto[model.PendingDeposit](t, e.must(t, "POST", "/tranches/junior/deposits/0/cancel", alice, nil, http.StatusOK))
	if d.Status != model.DepositCancelled {
		t.Fatalf("expected CANCELLED, got %s", d.Status)
	}

	d = decodeInto[model.PendingDeposit](t, e.must(t, "POST", "/tranches/junior/deposits/1/reject", operator,
		map[string]string{"reason": "lp token under review"}, http.StatusOK))
	if d.Status != model.DepositRejected || d.Reason != "lp token under review" {
		t.Fatalf("unexpected rejection: %+v", d)
	}

	// Terminal states are final.
	e.must(t, "POST", "/tranches/junior/deposits/0/approve", operator, map[string]string{"price": units(1)}, http.StatusConflict)
	e.must(t, "POST", "/tranches/junior/deposits/1/cancel", alice, nil, http.StatusConflict)

	// Deposit 2 cannot be claimed early, cannot be approved late.
	e.must(t, "POST", "/tranches/junior/deposits/2/claim", bob, nil, http.StatusConflict)
	e.clock.Advance(48 * time.Hour)
	e.must(t, "POST", "/tranches/junior/deposits/2/approve", operator, map[string]string{"price": units(1)}, http.StatusTooEarly)
	d = decodeInto[model.PendingDeposit](t, e.must(t, "POST", "/tranches/junior/deposits/2/claim", bob, nil, http.StatusOK))
	if d.Status != model.DepositExpiredClaimed || d.Depositor != alice {
		t.Fatalf("unexpected claim result: %+v", d)
	}
}

func TestWithdrawAfterCooldown(t *testing.T) {
	e := newTestEnv(t, store.NewMemoryStore(), nil, nil)
	seed(t, e)

	e.must(t, "POST", "/tranches/senior/cooldown", bob, nil, http.StatusBadRequest) // holds nothing
	e.must(t, "POST", "/tranches/senior/cooldown", alice, nil, http.StatusOK)
	e.clock.Advance(7 * 24 * time.Hour)

	res := decodeInto[tranche.WithdrawResult](t, e.must(t, "POST", "/tranches/senior/withdraw", alice,
		map[string]string{"amount": units(100)}, http.StatusOK))
	if !res.Penalty.IsZero() {
		t.Errorf("no penalty after cooldown, got %s", res.Penalty)
	}
	if !res.Fee.Equal(u(1)) || !res.Payout.Equal(u(99)) {
		t.Errorf("fee %s payout %s, want 1 and 99", res.Fee, res.Payout)
	}

	sum := decodeInto[protocol.Summary](t, e.must(t, "GET", "/tranches/senior", "", nil, http.StatusOK))
	if !sum.Value.Equal(u(900)) || !sum.Treasury.Equal(u(1)) {
		t.Errorf("value %s treasury %s, want 900 and 1", sum.Value, sum.Treasury)
	}
}

func TestManagementFee(t *testing.T) {
	e := newTestEnv(t, store.NewMemoryStore(), nil, nil)
	e.must(t, "POST", "/tranches/reserve/value/set", operator, map[string]string{"value": units(1200)}, http.StatusOK)

	rec := e.must(t, "POST", "/tranches/reserve/fees/management", operator, nil, http.StatusOK)
	fee := decodeInto[map[string]decimal.Decimal](t, rec)["fee"]
	if !fee.Equal(u(1)) {
		t.Errorf("fee = %s, want 1 unit", fee)
	}
	e.must(t, "POST", "/tranches/reserve/fees/management", operator, nil, http.StatusTooEarly)
}

func TestTransferOperator(t *testing.T) {
	e := newTestEnv(t, store.NewMemoryStore(), nil, nil)
	e.must(t, "POST", "/tranches/junior/operator", operator, map[string]string{"operator": bob}, http.StatusOK)

	e.must(t, "POST", "/tranches/junior/value/set", operator, map[string]string{"value": units(5)}, http.StatusForbidden)
	e.must(t, "POST", "/tranches/junior/value/set", bob, map[string]string{"value": units(5)}, http.StatusOK)
	e.must(t, "POST", "/tranches/junior/lp-tokens", bob, map[string]any{"address": lpToken, "allowed": true}, http.StatusOK)

	// Other tranches keep the original operator.
	e.must(t, "POST", "/tranches/senior/value/set", operator, map[string]string{"value": units(5)}, http.StatusOK)
}

func TestLPTokenAllowList(t *testing.T) {
	e := newTestEnv(t, store.NewMemoryStore(), nil, nil)
	other := "0x00000000000000000000000000000000000001b2"

	e.must(t, "POST", "/tranches/senior/deposits", alice, map[string]string{"lp_token": other, "amount": units(1)}, http.StatusCreated)
	e.must(t, "POST", "/tranches/senior/lp-tokens", operator, map[string]any{"address": lpToken, "allowed": true}, http.StatusOK)
	e.must(t, "POST", "/tranches/senior/deposits", alice, map[string]string{"lp_token": other, "amount": units(1)}, http.StatusBadRequest)
	e.must(t, "POST", "/tranches/senior/deposits", alice, map[string]string{"lp_token": lpToken, "amount": units(1)}, http.StatusCreated)
}

func TestRestart_RestoresLedgersAndEscrow(t *testing.T) {
	st := store.NewMemoryStore()
	c := &clock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	e := newTestEnv(t, st, c, nil)
	seed(t, e)
	e.must(t, "POST", "/tranches/junior/deposits", bob, map[string]string{"lp_token": lpToken, "amount": units(10)}, http.StatusCreated)

	restarted := newTestEnv(t, st, c, nil)

	sum := decodeInto[protocol.Summary](t, restarted.must(t, "GET", "/tranches/senior", "", nil, http.StatusOK))
	if !sum.Value.Equal(u(1000)) || sum.TotalSupply == nil || !sum.TotalSupply.Equal(u(1000)) {
		t.Fatalf("senior not restored: value %s supply %v", sum.Value, sum.TotalSupply)
	}
	if sum.NextDepositID != 1 {
		t.Errorf("next deposit id = %d, want 1", sum.NextDepositID)
	}

	// Cancelling needs the rebuilt escrow to release from.
	d := decodeInto[model.PendingDeposit](t, restarted.must(t, "POST", "/tranches/junior/deposits/0/cancel", bob, nil, http.StatusOK))
	if d.Status != model.DepositCancelled {
		t.Fatalf("expected CANCELLED, got %s", d.Status)
	}
	restarted.must(t, "POST", "/tranches/senior/deposits", alice, map[string]string{"lp_token": lpToken, "amount": units(1)}, http.StatusCreated)
	got := decodeInto[model.PendingDeposit](t, restarted.must(t, "GET", "/tranches/senior/deposits/1", "", nil, http.StatusOK))
	if got.Depositor != alice {
		t.Errorf("ids must continue after restart, got %+v", got)
	}
}

// flakyStore fails InsertEvent while fail is set.
type flakyStore struct {
	store.Store
	fail bool
}

func (s *flakyStore) InsertEvent(ctx context.Context, e *model.Event) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.Store.InsertEvent(ctx, e)
}

func TestRollbackOnPersistFailure(t *testing.T) {
	st := &flakyStore{Store: store.NewMemoryStore()}
	e := newTestEnv(t, st, nil, nil)
	seed(t, e)
	e.must(t, "POST", "/tranches/senior/value/set", operator, map[string]string{"value": units(1300)}, http.StatusOK)

	toJunior := metrics.SpilloverTotal.WithLabelValues(model.KindJunior)
	toReserve := metrics.SpilloverTotal.WithLabelValues(model.KindReserve)
	pending := metrics.DepositsTotal.WithLabelValues(model.KindJunior, string(model.DepositPending))
	juniorBefore, reserveBefore, pendingBefore := counterValue(t, toJunior), counterValue(t, toReserve), counterValue(t, pending)

	st.fail = true
	e.must(t, "POST", "/senior/rebase", operator, map[string]string{"price": units(1)}, http.StatusInternalServerError)
	e.must(t, "POST", "/tranches/junior/deposits", bob, map[string]string{"lp_token": lpToken, "amount": units(1)}, http.StatusInternalServerError)

	if counterValue(t, toJunior) != juniorBefore || counterValue(t, toReserve) != reserveBefore {
		t.Errorf("rolled-back rebase must not count spillover")
	}
	if counterValue(t, pending) != pendingBefore {
		t.Errorf("rolled-back deposit must not be counted")
	}
	if j, _ := e.svc.Tranche("junior"); j.NextDepositID != 0 {
		t.Errorf("rolled-back deposit must not consume an id, next is %d", j.NextDepositID)
	}

	senior, _ := e.svc.Tranche("senior")
	junior, _ := e.svc.Tranche("junior")
	reserve, _ := e.svc.Tranche("reserve")
	if senior.Epoch != 0 || !senior.Value.Equal(u(1300)) {
		t.Errorf("senior should be untouched: epoch %d value %s", senior.Epoch, senior.Value)
	}
	if !junior.Value.IsZero() || !reserve.Value.Equal(u(1000)) {
		t.Errorf("peers should be untouched: junior %s reserve %s", junior.Value, reserve.Value)
	}

	st.fail = false
	res, err := e.svc.Rebase(context.Background(), operator, u(1))
	if err != nil {
		t.Fatalf("rebase after recovery: %v", err)
	}
	if res.Epoch != 1 || res.Spillover == nil {
		t.Errorf("expected first epoch with spillover, got %+v", res)
	}
	if counterValue(t, toJunior) <= juniorBefore {
		t.Errorf("committed rebase should count spillover")
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestChecksummedPrincipal_OwnsItsShares(t *testing.T) {
	e := newTestEnv(t, store.NewMemoryStore(), nil, nil)
	checksummed := "0x00000000000000000000000000000000000A11CE"

	e.must(t, "POST", "/tranches/reserve/value/set", operator, map[string]string{"value": units(1000)}, http.StatusOK)
	d := decodeInto[model.PendingDeposit](t, e.must(t, "POST", "/tranches/senior/deposits", checksummed,
		map[string]string{"lp_token": lpToken, "amount": units(100)}, http.StatusCreated))
	if d.Depositor != alice {
		t.Fatalf("depositor = %s, want canonical %s", d.Depositor, alice)
	}
	e.must(t, "POST", "/tranches/senior/deposits/0/approve", "0x"+strings.ToUpper(operator[2:]), map[string]string{"price": units(1)}, http.StatusOK)

	e.must(t, "POST", "/tranches/senior/cooldown", checksummed, nil, http.StatusOK)
	e.clock.Advance(7 * 24 * time.Hour)
	res := decodeInto[tranche.WithdrawResult](t, e.must(t, "POST", "/tranches/senior/withdraw", checksummed,
		map[string]string{"amount": units(100)}, http.StatusOK))
	if res.Holder != alice || !res.Penalty.IsZero() {
		t.Errorf("expected a penalty-free withdrawal by %s, got %+v", alice, res)
	}

	e.must(t, "POST", "/tranches/senior/cooldown", "alice", nil, http.StatusBadRequest)
}

func TestFractionalAmounts_RejectedOnEveryStore(t *testing.T) {
	bolt, err := store.OpenBoltStore(filepath.Join(t.TempDir(), "tranche.db"))
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	t.Cleanup(func() { bolt.Close() })

	stores := []struct {
		name  string
		store store.Store
	}{
		{"memory", store.NewMemoryStore()},
		{"bolt", bolt},
	}
	for _, tt := range stores {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t, tt.store, nil, nil)
			seed(t, e)

			e.must(t, "POST", "/tranches/junior/deposits", alice, map[string]string{"lp_token": lpToken, "amount": "0.5"}, http.StatusBadRequest)
			e.must(t, "POST", "/tranches/senior/withdraw", alice, map[string]string{"amount": "1.5"}, http.StatusBadRequest)
			e.must(t, "POST", "/tranches/junior/value/set", operator, map[string]string{"value": "2.5"}, http.StatusBadRequest)
			e.must(t, "POST", "/senior/rebase", operator, map[string]string{"price": "0.5"}, http.StatusBadRequest)

			j := decodeInto[protocol.Summary](t, e.must(t, "GET", "/tranches/junior", "", nil, http.StatusOK))
			if j.NextDepositID != 0 || !j.Value.IsZero() {
				t.Errorf("rejected requests must not change junior: next id %d value %s", j.NextDepositID, j.Value)
			}
		})
	}
}

func TestDeposit_ReadsThroughToStore(t *testing.T) {
	st := store.NewMemoryStore()
	e := newTestEnv(t, st, nil, nil)

	// Written by another instance sharing the store.
	err := st.SaveDeposit(context.Background(), &model.PendingDeposit{
		SchemaVersion: model.SchemaVersion,
		Ledger:        testConfig(e.clock).SeniorID,
		ID:            5,
		Depositor:     bob,
		LPToken:       lpToken,
		Amount:        u(3),
		Status:        model.DepositPending,
	})
	if err != nil {
		t.Fatalf("save deposit: %v", err)
	}

	d := decodeInto[model.PendingDeposit](t, e.must(t, "GET", "/tranches/senior/deposits/5", "", nil, http.StatusOK))
	if d.Depositor != bob || !d.Amount.Equal(u(3)) {
		t.Errorf("unexpected deposit %+v", d)
	}
	e.must(t, "GET", "/tranches/senior/deposits/6", "", nil, http.StatusNotFound)
}

func TestRateLimiter(t *testing.T) {
	e := newTestEnv(t, store.NewMemoryStore(), nil, protocol.NewRateLimiter(60, 1))

	e.must(t, "POST", "/tranches/senior/value/set", alice, map[string]string{"value": "1"}, http.StatusForbidden)
	rec := e.must(t, "POST", "/tranches/senior/value/set", alice, map[string]string{"value": "1"}, http.StatusTooManyRequests)
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	// Buckets are per principal, and reads are not limited.
	e.must(t, "POST", "/tranches/senior/value/set", bob, map[string]string{"value": "1"}, http.StatusForbidden)
	e.must(t, "GET", "/tranches/senior", alice, nil, http.StatusOK)
}

func TestWebSocketBroadcast(t *testing.T) {
	e := newTestEnv(t, store.NewMemoryStore(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.hub.Run(ctx)

	srv := httptest.NewServer(e.router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for e.hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := e.svc.SetValue(context.Background(), operator, "junior", u(42)); err != nil {
		t.Fatalf("set value: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg protocol.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != model.EventValueSet || msg.Tranche != "junior" {
		t.Errorf("unexpected message: %+v", msg)
	}
	var payload map[string]decimal.Decimal
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if !payload["new_value"].Equal(u(42)) {
		t.Errorf("new_value = %s", payload["new_value"])
	}
}
