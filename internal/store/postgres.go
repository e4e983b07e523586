package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/tranche-engine/internal/model"
)

// Schema creates the tables PostgresStore uses. Migrate applies it.
const Schema = `
CREATE TABLE IF NOT EXISTS ledgers (
	id                 TEXT PRIMARY KEY,
	schema_version     INTEGER     NOT NULL,
	kind               TEXT        NOT NULL,
	operator           TEXT        NOT NULL,
	value              NUMERIC     NOT NULL,
	last_month_value   NUMERIC     NOT NULL,
	total_shares       NUMERIC     NOT NULL,
	treasury           NUMERIC     NOT NULL,
	last_fee_at        TIMESTAMPTZ NOT NULL,
	rebase_index       NUMERIC     NOT NULL,
	epoch              BIGINT      NOT NULL,
	last_rebase_at     TIMESTAMPTZ NOT NULL,
	senior             TEXT        NOT NULL,
	spillover_received NUMERIC     NOT NULL,
	backstop_provided  NUMERIC     NOT NULL,
	lp_released        NUMERIC     NOT NULL,
	minters            TEXT[]      NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_holdings (
	ledger_id      TEXT        NOT NULL REFERENCES ledgers(id),
	holder         TEXT        NOT NULL,
	shares         NUMERIC     NOT NULL,
	cooldown_start TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (ledger_id, holder)
);

CREATE TABLE IF NOT EXISTS deposit_registries (
	ledger         TEXT PRIMARY KEY,
	schema_version INTEGER NOT NULL,
	id             TEXT    NOT NULL,
	operator       TEXT    NOT NULL,
	next_id        BIGINT  NOT NULL,
	restricted     BOOLEAN NOT NULL,
	lp_tokens      TEXT[]  NOT NULL,
	depositors     TEXT[]  NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_deposits (
	ledger         TEXT        NOT NULL,
	id             BIGINT      NOT NULL,
	schema_version INTEGER     NOT NULL,
	depositor      TEXT        NOT NULL,
	lp_token       TEXT        NOT NULL,
	amount         NUMERIC     NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	expires_at     TIMESTAMPTZ NOT NULL,
	status         TEXT        NOT NULL,
	price          NUMERIC     NOT NULL,
	shares         NUMERIC     NOT NULL,
	reason         TEXT        NOT NULL,
	resolved_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (ledger, id)
);

CREATE TABLE IF NOT EXISTS events (
	seq       BIGSERIAL PRIMARY KEY,
	id        TEXT UNIQUE NOT NULL,
	type      TEXT        NOT NULL,
	ledger    TEXT        NOT NULL,
	caller    TEXT        NOT NULL,
	payload   JSONB       NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS events_ledger_seq ON events (ledger, seq);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All amounts are stored as NUMERIC for exact integer precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates any missing tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) SaveLedger(ctx context.Context, st *model.LedgerState) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO ledgers (id, schema_version, kind, operator, value, last_month_value, total_shares,
		                      treasury, last_fee_at, rebase_index, epoch, last_rebase_at, senior,
		                      spillover_received, backstop_provided, lp_released, minters)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10::NUMERIC,
		         $11, $12, $13, $14::NUMERIC, $15::NUMERIC, $16::NUMERIC, $17)
		 ON CONFLICT (id) DO UPDATE SET
		     schema_version = EXCLUDED.schema_version, kind = EXCLUDED.kind, operator = EXCLUDED.operator,
		     value = EXCLUDED.value, last_month_value = EXCLUDED.last_month_value,
		     total_shares = EXCLUDED.total_shares, treasury = EXCLUDED.treasury,
		     last_fee_at = EXCLUDED.last_fee_at, rebase_index = EXCLUDED.rebase_index,
		     epoch = EXCLUDED.epoch, last_rebase_at = EXCLUDED.last_rebase_at, senior = EXCLUDED.senior,
		     spillover_received = EXCLUDED.spillover_received,
		     backstop_provided = EXCLUDED.backstop_provided, lp_released = EXCLUDED.lp_released,
		     minters = EXCLUDED.minters`,
		st.ID, st.SchemaVersion, st.Kind, st.Operator,
		st.Value.String(), st.LastMonthValue.String(), st.TotalShares.String(),
		st.Treasury.String(), st.LastFeeAt, st.RebaseIndex.String(),
		int64(st.Epoch), st.LastRebaseAt, st.Senior,
		st.SpilloverReceived.String(), st.BackstopProvided.String(), st.LPReleased.String(),
		nonNil(st.Minters),
	)
	if err != nil {
		return fmt.Errorf("save ledger %s: %w", st.ID, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM ledger_holdings WHERE ledger_id = $1`, st.ID); err != nil {
		return fmt.Errorf("clear holdings %s: %w", st.ID, err)
	}
	for _, h := range st.Holdings {
		_, err := tx.Exec(ctx,
			`INSERT INTO ledger_holdings (ledger_id, holder, shares, cooldown_start)
			 VALUES ($1, $2, $3::NUMERIC, $4)`,
			st.ID, h.Holder, h.Shares.String(), h.CooldownStart)
		if err != nil {
			return fmt.Errorf("save holding %s/%s: %w", st.ID, h.Holder, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetLedger(ctx context.Context, id string) (*model.LedgerState, error) {
	var st model.LedgerState
	var value, lastMonth, totalShares, treasury, index, spill, backstop, lpReleased string
	var epoch int64

	err := s.pool.QueryRow(ctx,
		`SELECT id, schema_version, kind, operator,
		        value::TEXT, last_month_value::TEXT, total_shares::TEXT, treasury::TEXT,
		        last_fee_at, rebase_index::TEXT, epoch, last_rebase_at, senior,
		        spillover_received::TEXT, backstop_provided::TEXT, lp_released::TEXT, minters
		 FROM ledgers WHERE id = $1`, id).
		Scan(&st.ID, &st.SchemaVersion, &st.Kind, &st.Operator,
			&value, &lastMonth, &totalShares, &treasury,
			&st.LastFeeAt, &index, &epoch, &st.LastRebaseAt, &st.Senior,
			&spill, &backstop, &lpReleased, &st.Minters)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ledger %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger %s: %w", id, err)
	}

	st.Value, _ = decimal.NewFromString(value)
	st.LastMonthValue, _ = decimal.NewFromString(lastMonth)
	st.TotalShares, _ = decimal.NewFromString(totalShares)
	st.Treasury, _ = decimal.NewFromString(treasury)
	st.RebaseIndex, _ = decimal.NewFromString(index)
	st.Epoch = uint64(epoch)
	st.SpilloverReceived, _ = decimal.NewFromString(spill)
	st.BackstopProvided, _ = decimal.NewFromString(backstop)
	st.LPReleased, _ = decimal.NewFromString(lpReleased)
	st.LastFeeAt = utcOrZero(st.LastFeeAt)
	st.LastRebaseAt = utcOrZero(st.LastRebaseAt)

	rows, err := s.pool.Query(ctx,
		`SELECT holder, shares::TEXT, cooldown_start
		 FROM ledger_holdings WHERE ledger_id = $1 ORDER BY holder`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	st.Holdings = []model.Holding{}
	for rows.Next() {
		var h model.Holding
		var shares string
		if err := rows.Scan(&h.Holder, &shares, &h.CooldownStart); err != nil {
			return nil, err
		}
		h.Shares, _ = decimal.NewFromString(shares)
		h.CooldownStart = utcOrZero(h.CooldownStart)
		st.Holdings = append(st.Holdings, h)
	}
	return &st, rows.Err()
}

func (s *PostgresStore) SaveRegistry(ctx context.Context, st *model.RegistryState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO deposit_registries (ledger, schema_version, id, operator, next_id, restricted, lp_tokens, depositors)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (ledger) DO UPDATE SET
		     schema_version = EXCLUDED.schema_version, id = EXCLUDED.id, operator = EXCLUDED.operator,
		     next_id = EXCLUDED.next_id, restricted = EXCLUDED.restricted,
		     lp_tokens = EXCLUDED.lp_tokens, depositors = EXCLUDED.depositors`,
		st.Ledger, st.SchemaVersion, st.ID, st.Operator, int64(st.NextID), st.Restricted,
		nonNil(st.LPTokens), nonNil(st.Depositors),
	)
	return err
}

func (s *PostgresStore) GetRegistry(ctx context.Context, ledger string) (*model.RegistryState, error) {
	var st model.RegistryState
	var nextID int64
	err := s.pool.QueryRow(ctx,
		`SELECT ledger, schema_version, id, operator, next_id, restricted, lp_tokens, depositors
		 FROM deposit_registries WHERE ledger = $1`, ledger).
		Scan(&st.Ledger, &st.SchemaVersion, &st.ID, &st.Operator, &nextID, &st.Restricted,
			&st.LPTokens, &st.Depositors)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("registry %s: %w", ledger, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get registry %s: %w", ledger, err)
	}
	st.NextID = uint64(nextID)
	return &st, nil
}

func (s *PostgresStore) SaveDeposit(ctx context.Context, d *model.PendingDeposit) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pending_deposits (ledger, id, schema_version, depositor, lp_token, amount, created_at,
		                               expires_at, status, price, shares, reason, resolved_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9, $10::NUMERIC, $11::NUMERIC, $12, $13)
		 ON CONFLICT (ledger, id) DO UPDATE SET
		     status = EXCLUDED.status, price = EXCLUDED.price, shares = EXCLUDED.shares,
		     reason = EXCLUDED.reason, resolved_at = EXCLUDED.resolved_at`,
		d.Ledger, int64(d.ID), d.SchemaVersion, d.Depositor, d.LPToken, d.Amount.String(),
		d.CreatedAt, d.ExpiresAt, string(d.Status), d.Price.String(), d.Shares.String(),
		d.Reason, d.ResolvedAt,
	)
	return err
}

const depositColumns = `ledger, id, schema_version, depositor, lp_token, amount::TEXT, created_at,
		        expires_at, status, price::TEXT, shares::TEXT, reason, resolved_at`

func (s *PostgresStore) GetDeposit(ctx context.Context, ledger string, id uint64) (*model.PendingDeposit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+depositColumns+` FROM pending_deposits WHERE ledger = $1 AND id = $2`,
		ledger, int64(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deposits, err := scanDeposits(rows)
	if err != nil {
		return nil, err
	}
	if len(deposits) == 0 {
		return nil, fmt.Errorf("deposit %s/%d: %w", ledger, id, ErrNotFound)
	}
	return &deposits[0], nil
}

func (s *PostgresStore) ListDeposits(ctx context.Context, ledger string) ([]model.PendingDeposit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+depositColumns+` FROM pending_deposits WHERE ledger = $1 ORDER BY id`, ledger)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanDeposits(rows)
}

func (s *PostgresStore) InsertEvent(ctx context.Context, e *model.Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO events (id, type, ledger, caller, payload, timestamp)
		 VALUES ($1, $2, $3, $4, $5::JSONB, $6)`,
		e.ID, e.Type, e.Ledger, e.Caller, string(e.Payload), e.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListEvents(ctx context.Context, ledger string, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, type, ledger, caller, payload::TEXT, timestamp FROM (
		     SELECT seq, id, type, ledger, caller, payload, timestamp
		     FROM events
		     WHERE $1 = '' OR ledger = $1
		     ORDER BY seq DESC
		     LIMIT $2
		 ) recent ORDER BY seq`, ledger, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		var payload string
		if err := rows.Scan(&e.ID, &e.Type, &e.Ledger, &e.Caller, &payload, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Payload = []byte(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanDeposits(rows pgxRows) ([]model.PendingDeposit, error) {
	var deposits []model.PendingDeposit
	for rows.Next() {
		var d model.PendingDeposit
		var id int64
		var status, amount, price, shares string

		if err := rows.Scan(&d.Ledger, &id, &d.SchemaVersion, &d.Depositor, &d.LPToken, &amount,
			&d.CreatedAt, &d.ExpiresAt, &status, &price, &shares, &d.Reason, &d.ResolvedAt); err != nil {
			return nil, err
		}

		d.ID = uint64(id)
		d.Status = model.DepositStatus(status)
		d.Amount, _ = decimal.NewFromString(amount)
		d.Price, _ = decimal.NewFromString(price)
		d.Shares, _ = decimal.NewFromString(shares)
		d.CreatedAt = utcOrZero(d.CreatedAt)
		d.ExpiresAt = utcOrZero(d.ExpiresAt)
		d.ResolvedAt = utcOrZero(d.ResolvedAt)

		deposits = append(deposits, d)
	}
	return deposits, rows.Err()
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

// utcOrZero normalises a scanned timestamp; the zero time comes back from
// TIMESTAMPTZ in the session zone and must stay IsZero.
func utcOrZero(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC()
}
