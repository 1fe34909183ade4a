package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/payment-proxy/internal/db"
	"github.com/sells-group/payment-proxy/internal/model"
)

// PostgresStore implements Store using pgx.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres connects to PostgreSQL.
func NewPostgres(ctx context.Context, connString string, poolCfg db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. The caller owns its lifecycle.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// pgSelect casts amounts to text so they scan into decimals without loss.
const pgSelect = `SELECT id, owner_id, type, payment_method, reference, alt_reference, status,
	origin_currency, currency, claimed_amount::text, origin_amount::text, settled_amount::text,
	fee_percent::text, fee_fixed::text, fee_total::text, rate::text, metadata, failure_reason,
	created_at, updated_at, deleted_at
FROM ledger_entries`

const pgReturning = ` RETURNING id, owner_id, type, payment_method, reference, alt_reference, status,
	origin_currency, currency, claimed_amount::text, origin_amount::text, settled_amount::text,
	fee_percent::text, fee_fixed::text, fee_total::text, rate::text, metadata, failure_reason,
	created_at, updated_at, deleted_at`

const postgresMigration = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	id              TEXT PRIMARY KEY,
	owner_id        TEXT NOT NULL,
	type            TEXT NOT NULL,
	payment_method  TEXT NOT NULL DEFAULT '',
	reference       TEXT NOT NULL,
	alt_reference   TEXT,
	status          TEXT NOT NULL DEFAULT 'pending',
	origin_currency TEXT NOT NULL DEFAULT '',
	currency        TEXT NOT NULL DEFAULT '',
	claimed_amount  NUMERIC(20,4) NOT NULL DEFAULT 0,
	origin_amount   NUMERIC(20,4) NOT NULL DEFAULT 0,
	settled_amount  NUMERIC(20,4) NOT NULL DEFAULT 0,
	fee_percent     NUMERIC(20,4) NOT NULL DEFAULT 0,
	fee_fixed       NUMERIC(20,4) NOT NULL DEFAULT 0,
	fee_total       NUMERIC(20,4) NOT NULL DEFAULT 0,
	rate            NUMERIC(20,8) NOT NULL DEFAULT 0,
	metadata        JSONB,
	failure_reason  TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted_at      TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_ledger_entries_reference
	ON ledger_entries(type, reference, owner_id) WHERE deleted_at IS NULL;
CREATE UNIQUE INDEX IF NOT EXISTS ux_ledger_entries_alt_reference
	ON ledger_entries(type, alt_reference, owner_id) WHERE deleted_at IS NULL AND alt_reference IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_ledger_entries_owner ON ledger_entries(owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_status ON ledger_entries(status);

CREATE TABLE IF NOT EXISTS balances (
	owner_id   TEXT PRIMARY KEY,
	currency   TEXT NOT NULL,
	balance    NUMERIC(20,4) NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) Open(ctx context.Context, e *model.Entry) (*model.Entry, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()

	row := s.pool.QueryRow(ctx,
		`INSERT INTO ledger_entries (id, owner_id, type, payment_method, reference, alt_reference, status,
			origin_currency, currency, claimed_amount, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::numeric, $11, $12, $13)`+pgReturning,
		e.ID, e.OwnerID, string(e.Type), e.PaymentMethod, e.Reference, nullable(e.AltReference),
		string(model.EntryPending), e.OriginCurrency, e.Currency, e.ClaimedAmount.String(),
		jsonbArg(e.Metadata), now, now,
	)
	opened, err := scanEntry(row)
	if err == nil {
		return opened, nil
	}
	if !db.IsUniqueViolation(err) {
		return nil, eris.Wrapf(err, "postgres: open entry %s", e.Reference)
	}

	existing, ferr := s.findExisting(ctx, e)
	if ferr != nil {
		return nil, ferr
	}
	if existing.Status == model.EntryPending {
		return existing, nil
	}
	return existing, eris.Wrapf(ErrDuplicateSettlement, "reference %s is %s", e.Reference, existing.Status)
}

// findExisting loads the live entry that collided with e on either key.
func (s *PostgresStore) findExisting(ctx context.Context, e *model.Entry) (*model.Entry, error) {
	row := s.pool.QueryRow(ctx, pgSelect+`
		WHERE type = $1 AND owner_id = $2 AND deleted_at IS NULL
		AND (reference = $3 OR alt_reference = $4)
		ORDER BY created_at DESC LIMIT 1`,
		string(e.Type), e.OwnerID, e.Reference, nullable(e.AltReference),
	)
	existing, err := scanEntry(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load existing entry %s", e.Reference)
	}
	return existing, nil
}

func (s *PostgresStore) Complete(ctx context.Context, id string, st model.Settlement) (*model.Entry, error) {
	var done *model.Entry
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`UPDATE ledger_entries SET status = $1, origin_amount = $2::numeric, settled_amount = $3::numeric,
				fee_percent = $4::numeric, fee_fixed = $5::numeric, fee_total = $6::numeric, rate = $7::numeric,
				metadata = COALESCE($8, metadata), updated_at = $9
			WHERE id = $10 AND status = 'pending' AND deleted_at IS NULL`+pgReturning,
			string(model.EntryCompleted), st.OriginAmount.String(), st.SettledAmount.String(),
			st.Fees.Percent.String(), st.Fees.Fixed.String(), st.Fees.Total.String(), st.Rate.String(),
			jsonbArg(st.Metadata), time.Now().UTC(), id,
		)
		e, err := scanEntry(row)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO balances (owner_id, currency, balance, updated_at) VALUES ($1, $2, $3::numeric, now())
			ON CONFLICT (owner_id) DO UPDATE SET balance = balances.balance + EXCLUDED.balance, updated_at = now()`,
			e.OwnerID, e.Currency, e.SettledAmount.String(),
		); err != nil {
			return eris.Wrapf(err, "postgres: credit balance for %s", e.OwnerID)
		}
		done = e
		return nil
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.transitionFailure(ctx, id, model.EntryCompleted)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: complete entry %s", id)
	}
	return done, nil
}

func (s *PostgresStore) Fail(ctx context.Context, id, reason string) (*model.Entry, error) {
	return s.transition(ctx, id, model.EntryFailed, reason, []model.EntryStatus{model.EntryPending})
}

func (s *PostgresStore) Cancel(ctx context.Context, id, reason string) (*model.Entry, error) {
	return s.transition(ctx, id, model.EntryCancelled, reason, []model.EntryStatus{model.EntryPending, model.EntryFailed})
}

func (s *PostgresStore) transition(ctx context.Context, id string, next model.EntryStatus, reason string, from []model.EntryStatus) (*model.Entry, error) {
	states := make([]string, len(from))
	for i, st := range from {
		states[i] = string(st)
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE ledger_entries SET status = $1, failure_reason = COALESCE($2, failure_reason), updated_at = $3
		WHERE id = $4 AND status = ANY($5) AND deleted_at IS NULL`+pgReturning,
		string(next), nullable(reason), time.Now().UTC(), id, states,
	)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.transitionFailure(ctx, id, next)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: mark entry %s %s", id, next)
	}
	return e, nil
}

func (s *PostgresStore) transitionFailure(ctx context.Context, id string, next model.EntryStatus) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return transitionErr(current, next)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*model.Entry, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx, pgSelect+` WHERE id = $1 AND deleted_at IS NULL`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "id %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get entry %s", id)
	}
	return e, nil
}

func (s *PostgresStore) FindByReference(ctx context.Context, typ model.EntryType, reference, ownerID string) (*model.Entry, error) {
	query := pgSelect + ` WHERE type = $1 AND (reference = $2 OR alt_reference = $2) AND deleted_at IS NULL`
	args := []any{string(typ), reference}
	if ownerID != "" {
		query += ` AND owner_id = $3`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at DESC LIMIT 1`

	e, err := scanEntry(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "reference %s", reference)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find reference %s", reference)
	}
	return e, nil
}

func (s *PostgresStore) Balance(ctx context.Context, ownerID string) (*Balance, error) {
	var (
		b   = Balance{OwnerID: ownerID}
		raw string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT currency, balance::text, updated_at FROM balances WHERE owner_id = $1`, ownerID,
	).Scan(&b.Currency, &raw, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &b, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: balance for %s", ownerID)
	}
	if b.Amount, err = parseDecimal(raw); err != nil {
		return nil, eris.Wrapf(err, "postgres: balance for %s", ownerID)
	}
	return &b, nil
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]model.Entry, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	where = append(where, "deleted_at IS NULL")
	if filter.OwnerID != "" {
		add("owner_id = $%d", filter.OwnerID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.Type != "" {
		add("type = $%d", string(filter.Type))
	}
	if !filter.CreatedAfter.IsZero() {
		add("created_at >= $%d", filter.CreatedAfter)
	}
	args = append(args, listLimit(filter.Limit), filter.Offset)
	query := fmt.Sprintf("%s WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		pgSelect, strings.Join(where, " AND "), len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list entries")
	}
	defer rows.Close()

	var out []model.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan entry")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list entries")
}

// jsonbArg maps empty metadata to NULL.
func jsonbArg(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
