// Package ledger persists deposit entries and owner balances and applies each
// verified credit exactly once.
package ledger

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/payment-proxy/internal/model"
)

var (
	// ErrNotFound is returned when no live entry matches.
	ErrNotFound = eris.New("ledger: entry not found")
	// ErrDuplicateSettlement means the entry was already settled or a
	// concurrent attempt won the race. Callers treat it as "already settled".
	ErrDuplicateSettlement = eris.New("ledger: duplicate settlement")
	// ErrInvalidTransition is returned for a status change the entry's
	// current state does not allow.
	ErrInvalidTransition = eris.New("ledger: invalid status transition")
	// ErrNoStore is returned by a Settler running without persistence.
	ErrNoStore = eris.New("ledger: no store configured")
)

// Balance is an owner's running credit in the settlement currency.
type Balance struct {
	OwnerID   string          `json:"owner_id"`
	Currency  string          `json:"currency"`
	Amount    decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ListFilter specifies criteria for listing entries.
type ListFilter struct {
	OwnerID string            `json:"owner_id,omitempty"`
	Status  model.EntryStatus `json:"status,omitempty"`
	Type    model.EntryType   `json:"type,omitempty"`
	Limit   int               `json:"limit,omitempty"`
	Offset  int               `json:"offset,omitempty"`

	CreatedAfter time.Time `json:"created_after,omitzero"`
}

// Store defines ledger persistence. Uniqueness of (type, reference, owner)
// and (type, alt_reference, owner) among live entries is enforced by the
// database, never in process.
type Store interface {
	// Open inserts a pending entry. When a live entry with the same key
	// exists, a pending one is returned for reuse; any other state yields
	// ErrDuplicateSettlement.
	Open(ctx context.Context, e *model.Entry) (*model.Entry, error)
	// Complete moves a pending entry to completed and credits the owner's
	// balance in one transaction. A non-pending entry yields
	// ErrDuplicateSettlement.
	Complete(ctx context.Context, id string, s model.Settlement) (*model.Entry, error)
	Fail(ctx context.Context, id, reason string) (*model.Entry, error)
	Cancel(ctx context.Context, id, reason string) (*model.Entry, error)

	Get(ctx context.Context, id string) (*model.Entry, error)
	// FindByReference returns the newest live entry for the reference. An
	// empty ownerID matches any owner.
	FindByReference(ctx context.Context, typ model.EntryType, reference, ownerID string) (*model.Entry, error)
	Balance(ctx context.Context, ownerID string) (*Balance, error)
	List(ctx context.Context, filter ListFilter) ([]model.Entry, error)

	Migrate(ctx context.Context) error
	Close() error
}

const entryColumns = `id, owner_id, type, payment_method, reference, alt_reference, status,
	origin_currency, currency, claimed_amount, origin_amount, settled_amount,
	fee_percent, fee_fixed, fee_total, rate, metadata, failure_reason,
	created_at, updated_at, deleted_at`

// scanner is satisfied by pgx.Row and *sql.Row.
type scanner interface {
	Scan(dest ...any) error
}

// entryRow holds the raw column values. Amounts travel as text so both
// backends keep full decimal precision.
type entryRow struct {
	id, ownerID, typ, method, reference string
	altReference                        *string
	status                              string
	originCurrency, currency            string
	claimed, origin, settled            string
	feePercent, feeFixed, feeTotal      string
	rate                                string
	metadata                            []byte
	failureReason                       *string
	createdAt, updatedAt                time.Time
	deletedAt                           *time.Time
}

func scanEntry(row scanner) (*model.Entry, error) {
	var r entryRow
	if err := row.Scan(
		&r.id, &r.ownerID, &r.typ, &r.method, &r.reference, &r.altReference, &r.status,
		&r.originCurrency, &r.currency, &r.claimed, &r.origin, &r.settled,
		&r.feePercent, &r.feeFixed, &r.feeTotal, &r.rate, &r.metadata, &r.failureReason,
		&r.createdAt, &r.updatedAt, &r.deletedAt,
	); err != nil {
		return nil, err
	}
	return r.entry()
}

func (r entryRow) entry() (*model.Entry, error) {
	e := &model.Entry{
		ID:             r.id,
		OwnerID:        r.ownerID,
		Type:           model.EntryType(r.typ),
		PaymentMethod:  r.method,
		Reference:      r.reference,
		Status:         model.EntryStatus(r.status),
		OriginCurrency: r.originCurrency,
		Currency:       r.currency,
		CreatedAt:      r.createdAt,
		UpdatedAt:      r.updatedAt,
		DeletedAt:      r.deletedAt,
	}
	if r.altReference != nil {
		e.AltReference = *r.altReference
	}
	if r.failureReason != nil {
		e.FailureReason = *r.failureReason
	}
	if len(r.metadata) > 0 {
		e.Metadata = append([]byte(nil), r.metadata...)
	}

	amounts := []struct {
		raw string
		dst *decimal.Decimal
	}{
		{r.claimed, &e.ClaimedAmount},
		{r.origin, &e.OriginAmount},
		{r.settled, &e.SettledAmount},
		{r.feePercent, &e.Fees.Percent},
		{r.feeFixed, &e.Fees.Fixed},
		{r.feeTotal, &e.Fees.Total},
		{r.rate, &e.Rate},
	}
	for _, a := range amounts {
		d, err := parseDecimal(a.raw)
		if err != nil {
			return nil, eris.Wrapf(err, "ledger: entry %s", r.id)
		}
		*a.dst = d
	}
	return e, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, eris.Wrapf(err, "parse amount %q", s)
	}
	return d, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// transitionErr explains why a guarded update touched no rows.
func transitionErr(current *model.Entry, next model.EntryStatus) error {
	if next == model.EntryCompleted {
		return eris.Wrapf(ErrDuplicateSettlement, "entry %s is %s", current.ID, current.Status)
	}
	return eris.Wrapf(ErrInvalidTransition, "entry %s: %s -> %s", current.ID, current.Status, next)
}

func listLimit(n int) int {
	if n <= 0 || n > 500 {
		return 100
	}
	return n
}
