package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryDeposit      EntryType = "deposit"
	EntryWithdrawal   EntryType = "withdrawal"
	EntryManual       EntryType = "manual"
	EntrySystem       EntryType = "system"
	EntryVerification EntryType = "verification"
)

// EntryStatus is the lifecycle state of a ledger entry.
type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryCompleted EntryStatus = "completed"
	EntryFailed    EntryStatus = "failed"
	EntryCancelled EntryStatus = "cancelled"
)

// Terminal reports whether no further automatic transition is allowed.
func (s EntryStatus) Terminal() bool {
	return s == EntryCompleted || s == EntryFailed || s == EntryCancelled
}

// CanTransition reports whether moving from s to next is allowed. Pending may
// complete or fail; cancellation is an administrative action on entries that
// never credited.
func (s EntryStatus) CanTransition(next EntryStatus) bool {
	switch next {
	case EntryCompleted, EntryFailed:
		return s == EntryPending
	case EntryCancelled:
		return s == EntryPending || s == EntryFailed
	default:
		return false
	}
}

// FeeBreakdown itemizes fees deducted at settlement.
type FeeBreakdown struct {
	Percent decimal.Decimal `json:"percent"`
	Fixed   decimal.Decimal `json:"fixed"`
	Total   decimal.Decimal `json:"total"`
}

// Entry is one ledger transaction. The (Type, Reference, OwnerID) and
// (Type, AltReference, OwnerID) combinations are unique among non-deleted rows.
type Entry struct {
	ID             string          `json:"id"`
	OwnerID        string          `json:"owner_id"`
	Type           EntryType       `json:"type"`
	PaymentMethod  string          `json:"payment_method"`
	Reference      string          `json:"reference"`
	AltReference   string          `json:"alt_reference,omitempty"`
	Status         EntryStatus     `json:"status"`
	OriginCurrency string          `json:"origin_currency"`
	Currency       string          `json:"currency"`
	ClaimedAmount  decimal.Decimal `json:"claimed_amount"`
	OriginAmount   decimal.Decimal `json:"origin_amount"`
	SettledAmount  decimal.Decimal `json:"settled_amount"`
	Fees           FeeBreakdown    `json:"fees"`
	Rate           decimal.Decimal `json:"rate"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	DeletedAt      *time.Time      `json:"deleted_at,omitempty"`
}

// Settlement carries the amounts applied when an entry completes.
type Settlement struct {
	OriginAmount  decimal.Decimal
	SettledAmount decimal.Decimal
	Fees          FeeBreakdown
	Rate          decimal.Decimal
	Metadata      json.RawMessage
}
