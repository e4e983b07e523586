// Package model defines the records the tranche engine persists.
// All amounts are integer base units in shopspring/decimal, never float64.
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// SchemaVersion is the current at-rest layout of LedgerState and
// PendingDeposit. Stores reject records written by a newer version.
const SchemaVersion = 1

// Tranche kinds.
const (
	KindSenior  = "senior"
	KindJunior  = "junior"
	KindReserve = "reserve"
)

// LedgerState is the full persisted state of one tranche ledger.
// Senior-only fields are zero on Junior and Reserve.
type LedgerState struct {
	SchemaVersion  int             `json:"schema_version" db:"schema_version"`
	ID             string          `json:"id" db:"id"`
	Kind           string          `json:"kind" db:"kind"`
	Operator       string          `json:"operator" db:"operator"`
	Value          decimal.Decimal `json:"value" db:"value"`
	LastMonthValue decimal.Decimal `json:"last_month_value" db:"last_month_value"`
	TotalShares    decimal.Decimal `json:"total_shares" db:"total_shares"`
	Treasury       decimal.Decimal `json:"treasury" db:"treasury"` // fees collected out of value
	LastFeeAt      time.Time       `json:"last_fee_at" db:"last_fee_at"`

	// Senior only.
	RebaseIndex  decimal.Decimal `json:"rebase_index" db:"rebase_index"`
	Epoch        uint64          `json:"epoch" db:"epoch"`
	LastRebaseAt time.Time       `json:"last_rebase_at" db:"last_rebase_at"`

	// Junior and Reserve only.
	Senior            string          `json:"senior,omitempty" db:"senior"` // peer allowed to call in
	SpilloverReceived decimal.Decimal `json:"spillover_received" db:"spillover_received"`
	BackstopProvided  decimal.Decimal `json:"backstop_provided" db:"backstop_provided"`
	LPReleased        decimal.Decimal `json:"lp_released" db:"lp_released"`

	Minters  []string  `json:"minters"`
	Holdings []Holding `json:"holdings"` // sorted by holder
}

// Holding is one holder's share balance and cooldown.
type Holding struct {
	Holder        string          `json:"holder" db:"holder"`
	Shares        decimal.Decimal `json:"shares" db:"shares"`
	CooldownStart time.Time       `json:"cooldown_start" db:"cooldown_start"`
}

// DepositStatus is the lifecycle state of a pending LP deposit.
type DepositStatus string

const (
	DepositPending        DepositStatus = "PENDING"
	DepositApproved       DepositStatus = "APPROVED"
	DepositRejected       DepositStatus = "REJECTED"
	DepositCancelled      DepositStatus = "CANCELLED"
	DepositExpiredClaimed DepositStatus = "EXPIRED_CLAIMED"
)

// Terminal reports whether no further transition is allowed.
func (s DepositStatus) Terminal() bool {
	return s != DepositPending
}

// PendingDeposit is LP value held in escrow awaiting an operator decision.
type PendingDeposit struct {
	SchemaVersion int             `json:"schema_version" db:"schema_version"`
	Ledger        string          `json:"ledger" db:"ledger"`
	ID            uint64          `json:"id" db:"id"`
	Depositor     string          `json:"depositor" db:"depositor"`
	LPToken       string          `json:"lp_token" db:"lp_token"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	ExpiresAt     time.Time       `json:"expires_at" db:"expires_at"`
	Status        DepositStatus   `json:"status" db:"status"`
	Price         decimal.Decimal `json:"price" db:"price"`   // set on approval
	Shares        decimal.Decimal `json:"shares" db:"shares"` // minted on approval
	Reason        string          `json:"reason,omitempty" db:"reason"`
	ResolvedAt    time.Time       `json:"resolved_at" db:"resolved_at"`
}

// RegistryState is the persisted configuration of one deposit registry.
// The deposits themselves are stored as PendingDeposit records.
type RegistryState struct {
	SchemaVersion int      `json:"schema_version" db:"schema_version"`
	ID            string   `json:"id" db:"id"`
	Ledger        string   `json:"ledger" db:"ledger"`
	Operator      string   `json:"operator" db:"operator"`
	NextID        uint64   `json:"next_id" db:"next_id"`
	Restricted    bool     `json:"restricted" db:"restricted"` // depositors must be allow-listed
	LPTokens      []string `json:"lp_tokens"`
	Depositors    []string `json:"depositors"`
}

// Event is an immutable audit record of one successful operation.
// Once created, these are never modified or deleted.
type Event struct {
	ID        string          `json:"id" db:"id"`
	Type      string          `json:"type" db:"type"`
	Ledger    string          `json:"ledger" db:"ledger"`
	Caller    string          `json:"caller" db:"caller"`
	Payload   json.RawMessage `json:"payload" db:"payload"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Event types.
const (
	EventValueUpdated      = "value_updated"
	EventValueSet          = "value_set"
	EventRebase            = "rebase"
	EventManagementFee     = "management_fee"
	EventCooldownStarted   = "cooldown_started"
	EventWithdrawal        = "withdrawal"
	EventOperatorChanged   = "operator_changed"
	EventDepositCreated    = "deposit_created"
	EventDepositApproved   = "deposit_approved"
	EventDepositRejected   = "deposit_rejected"
	EventDepositCancelled  = "deposit_cancelled"
	EventDepositClaimed    = "deposit_expired_claimed"
	EventLPTokenAllowed    = "lp_token_allowed"
	EventLPTokenDisallowed = "lp_token_disallowed"
	EventDepositorAllowed  = "depositor_allowed"
	EventMinterChanged     = "minter_changed"
)
