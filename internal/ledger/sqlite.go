package ledger

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sells-group/payment-proxy/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It serves local
// development and tests; amounts are stored as decimal text.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// A single connection serializes writers.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
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
	claimed_amount  TEXT NOT NULL DEFAULT '0',
	origin_amount   TEXT NOT NULL DEFAULT '0',
	settled_amount  TEXT NOT NULL DEFAULT '0',
	fee_percent     TEXT NOT NULL DEFAULT '0',
	fee_fixed       TEXT NOT NULL DEFAULT '0',
	fee_total       TEXT NOT NULL DEFAULT '0',
	rate            TEXT NOT NULL DEFAULT '0',
	metadata        TEXT,
	failure_reason  TEXT,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	deleted_at      DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_ledger_entries_reference
	ON ledger_entries(type, reference, owner_id) WHERE deleted_at IS NULL;
CREATE UNIQUE INDEX IF NOT EXISTS ux_ledger_entries_alt_reference
	ON ledger_entries(type, alt_reference, owner_id) WHERE deleted_at IS NULL AND alt_reference IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_ledger_entries_owner ON ledger_entries(owner_id, created_at);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_status ON ledger_entries(status);

CREATE TABLE IF NOT EXISTS balances (
	owner_id   TEXT PRIMARY KEY,
	currency   TEXT NOT NULL,
	balance    TEXT NOT NULL DEFAULT '0',
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);
`

const sqliteSelect = `SELECT ` + entryColumns + ` FROM ledger_entries`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Open(ctx context.Context, e *model.Entry) (*model.Entry, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger_entries (id, owner_id, type, payment_method, reference, alt_reference, status,
			origin_currency, currency, claimed_amount, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OwnerID, string(e.Type), e.PaymentMethod, e.Reference, nullable(e.AltReference),
		string(model.EntryPending), e.OriginCurrency, e.Currency, e.ClaimedAmount.String(),
		nullable(string(e.Metadata)), now, now,
	)
	if err == nil {
		return s.Get(ctx, e.ID)
	}
	if !isSQLiteUnique(err) {
		return nil, eris.Wrapf(err, "sqlite: open entry %s", e.Reference)
	}

	row := s.db.QueryRowContext(ctx, sqliteSelect+`
		WHERE type = ? AND owner_id = ? AND deleted_at IS NULL AND (reference = ? OR alt_reference = ?)
		ORDER BY created_at DESC LIMIT 1`,
		string(e.Type), e.OwnerID, e.Reference, nullable(e.AltReference),
	)
	existing, err := scanEntry(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load existing entry %s", e.Reference)
	}
	if existing.Status == model.EntryPending {
		return existing, nil
	}
	return existing, eris.Wrapf(ErrDuplicateSettlement, "reference %s is %s", e.Reference, existing.Status)
}

func (s *SQLiteStore) Complete(ctx context.Context, id string, st model.Settlement) (*model.Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE ledger_entries SET status = ?, origin_amount = ?, settled_amount = ?,
			fee_percent = ?, fee_fixed = ?, fee_total = ?, rate = ?,
			metadata = COALESCE(?, metadata), updated_at = ?
		WHERE id = ? AND status = 'pending' AND deleted_at IS NULL`,
		string(model.EntryCompleted), st.OriginAmount.String(), st.SettledAmount.String(),
		st.Fees.Percent.String(), st.Fees.Fixed.String(), st.Fees.Total.String(), st.Rate.String(),
		nullable(string(st.Metadata)), now, id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: complete entry %s", id)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, eris.Wrap(err, "sqlite: rows affected")
	} else if n == 0 {
		tx.Rollback() //nolint:errcheck
		return nil, s.transitionFailure(ctx, id, model.EntryCompleted)
	}

	e, err := scanEntry(tx.QueryRowContext(ctx, sqliteSelect+` WHERE id = ?`, id))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: reload entry %s", id)
	}

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT balance FROM balances WHERE owner_id = ?`, e.OwnerID).Scan(&raw)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(err, "sqlite: read balance for %s", e.OwnerID)
	}
	current, err := parseDecimal(raw)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: read balance for %s", e.OwnerID)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO balances (owner_id, currency, balance, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (owner_id) DO UPDATE SET balance = excluded.balance, updated_at = excluded.updated_at`,
		e.OwnerID, e.Currency, current.Add(e.SettledAmount).String(), now,
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: credit balance for %s", e.OwnerID)
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit tx")
	}
	return e, nil
}

func (s *SQLiteStore) Fail(ctx context.Context, id, reason string) (*model.Entry, error) {
	return s.transition(ctx, id, model.EntryFailed, reason, `status = 'pending'`)
}

func (s *SQLiteStore) Cancel(ctx context.Context, id, reason string) (*model.Entry, error) {
	return s.transition(ctx, id, model.EntryCancelled, reason, `status IN ('pending', 'failed')`)
}

func (s *SQLiteStore) transition(ctx context.Context, id string, next model.EntryStatus, reason, guard string) (*model.Entry, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ledger_entries SET status = ?, failure_reason = COALESCE(?, failure_reason), updated_at = ?
		WHERE id = ? AND deleted_at IS NULL AND `+guard,
		string(next), nullable(reason), time.Now().UTC(), id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: mark entry %s %s", id, next)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return nil, s.transitionFailure(ctx, id, next)
	}
	return s.Get(ctx, id)
}

func (s *SQLiteStore) transitionFailure(ctx context.Context, id string, next model.EntryStatus) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return transitionErr(current, next)
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Entry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, sqliteSelect+` WHERE id = ? AND deleted_at IS NULL`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "id %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get entry %s", id)
	}
	return e, nil
}

func (s *SQLiteStore) FindByReference(ctx context.Context, typ model.EntryType, reference, ownerID string) (*model.Entry, error) {
	query := sqliteSelect + ` WHERE type = ? AND (reference = ? OR alt_reference = ?) AND deleted_at IS NULL`
	args := []any{string(typ), reference, reference}
	if ownerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at DESC LIMIT 1`

	e, err := scanEntry(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "reference %s", reference)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find reference %s", reference)
	}
	return e, nil
}

func (s *SQLiteStore) Balance(ctx context.Context, ownerID string) (*Balance, error) {
	var (
		b   = Balance{OwnerID: ownerID}
		raw string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT currency, balance, updated_at FROM balances WHERE owner_id = ?`, ownerID,
	).Scan(&b.Currency, &raw, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &b, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: balance for %s", ownerID)
	}
	if b.Amount, err = parseDecimal(raw); err != nil {
		return nil, eris.Wrapf(err, "sqlite: balance for %s", ownerID)
	}
	return &b, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]model.Entry, error) {
	query := sqliteSelect + ` WHERE deleted_at IS NULL`
	var args []any

	if filter.OwnerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, filter.OwnerID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(filter.Type))
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.CreatedAfter.UTC())
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, listLimit(filter.Limit), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list entries")
	}
	defer rows.Close()

	var out []model.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan entry")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list entries iterate")
}

func isSQLiteUnique(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
		return true
	}
	return code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "UNIQUE")
}
