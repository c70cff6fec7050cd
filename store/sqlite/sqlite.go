/*
Package sqlite provides a SQLite-backed implementation of generic.Store.

PURPOSE:
  Persists every record of the booking core: credit balances and their
  transaction log, allocations, promo codes, reservations, recurring series,
  charges and equipment loans.

KEY TABLES:
  user_credits:        Cached balance per (user, credit type)
  credit_transactions: Append-only ledger, ordered by seq
  credit_allocations:  Recurring grant rules
  promo_codes, promo_redemptions
  recurring_series, series_skips
  reservations:        Room claims
  charges:             One per chargeable
  equipment_loans:     Flat loan records

SERIALIZED WRITES:
  The database is opened with _txlock=immediate so every WithTx starts with
  BEGIN IMMEDIATE and takes SQLite's write lock up front. A booking's claim
  lookup and insert therefore run under the write lock, and a concurrent
  booking waits (busy_timeout) instead of reading a stale "no conflict".
  The lock lives in the database file, so it also orders writers from
  other processes or other Store handles on the same file.

INDEXES:
  - idx_reservations_series_instance: (series_id, instance_date) is unique,
    which makes series expansion idempotent
  - idx_reservations_active_window, idx_loans_active_window: claim lookups
  - promo_redemptions UNIQUE(code, user_id): single use per user
  - charges UNIQUE(chargeable_kind, chargeable_id): one charge per chargeable

TIMESTAMPS:
  Stored as fixed-width UTC text (nanosecond precision), so string
  comparison in SQL orders the same way as time comparison.

USAGE:
  store, err := sqlite.New("./data/rehearsal.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/rehearsal-engine/generic"
)

// Store implements generic.Store using SQLite.
type Store struct {
	*queries
	db *sql.DB
}

var _ generic.Store = (*Store)(nil)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds every repository method over one dbtx.
type queries struct {
	db dbtx
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{queries: &queries{db: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Credit balances (cached projection of credit_transactions)
	CREATE TABLE IF NOT EXISTS user_credits (
		user_id TEXT NOT NULL,
		credit_type TEXT NOT NULL,
		balance INTEGER NOT NULL CHECK (balance >= 0),
		max_balance INTEGER,
		rollover INTEGER NOT NULL DEFAULT 1,
		expires_at TEXT,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (user_id, credit_type)
	);

	-- Credit transactions (append-only)
	CREATE TABLE IF NOT EXISTS credit_transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		credit_type TEXT NOT NULL,
		amount INTEGER NOT NULL,
		balance_after INTEGER NOT NULL CHECK (balance_after >= 0),
		source TEXT NOT NULL,
		source_ref TEXT,
		reason TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_credit_transactions_user_type
		ON credit_transactions(user_id, credit_type, seq);

	-- Recurring grants
	CREATE TABLE IF NOT EXISTS credit_allocations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		credit_type TEXT NOT NULL,
		amount INTEGER NOT NULL CHECK (amount > 0),
		frequency TEXT NOT NULL,
		source TEXT,
		starts_at TEXT NOT NULL,
		ends_at TEXT,
		last_allocated_at TEXT,
		next_allocation_at TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_credit_allocations_due
		ON credit_allocations(next_allocation_at) WHERE active = 1;

	-- Promo codes
	CREATE TABLE IF NOT EXISTS promo_codes (
		code TEXT PRIMARY KEY,
		credit_type TEXT NOT NULL,
		amount INTEGER NOT NULL CHECK (amount > 0),
		max_uses INTEGER,
		uses_count INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 1,
		expires_at TEXT,
		created_at TEXT NOT NULL,
		CHECK (max_uses IS NULL OR uses_count <= max_uses)
	);

	CREATE TABLE IF NOT EXISTS promo_redemptions (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL REFERENCES promo_codes(code),
		user_id TEXT NOT NULL,
		transaction_id TEXT NOT NULL,
		redeemed_at TEXT NOT NULL,
		UNIQUE (code, user_id)
	);

	-- Recurring series
	CREATE TABLE IF NOT EXISTS recurring_series (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		reservable_kind TEXT NOT NULL,
		reservable_id TEXT NOT NULL,
		space_id TEXT NOT NULL,
		rule_json TEXT NOT NULL,
		start_minute INTEGER NOT NULL,
		end_minute INTEGER NOT NULL,
		location TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT,
		max_advance_days INTEGER NOT NULL,
		status TEXT NOT NULL,
		notes TEXT,
		last_expanded_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS series_skips (
		series_id TEXT NOT NULL REFERENCES recurring_series(id),
		instance_date TEXT NOT NULL,
		reason TEXT NOT NULL,
		conflict_with TEXT,
		start_at TEXT NOT NULL,
		end_at TEXT NOT NULL,
		recorded_at TEXT NOT NULL,
		PRIMARY KEY (series_id, instance_date)
	);

	-- Reservations (soft-removed through status)
	CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		space_id TEXT NOT NULL,
		reservable_kind TEXT NOT NULL,
		reservable_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		start_at TEXT NOT NULL,
		end_at TEXT NOT NULL,
		status TEXT NOT NULL,
		series_id TEXT REFERENCES recurring_series(id),
		instance_date TEXT,
		free_hours_used TEXT NOT NULL DEFAULT '0',
		notes TEXT,
		cancelled_at TEXT,
		cancel_reason TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (start_at < end_at)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_reservations_series_instance
		ON reservations(series_id, instance_date) WHERE series_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_reservations_active_window
		ON reservations(space_id, start_at, end_at) WHERE status IN ('scheduled', 'confirmed');

	-- Charges
	CREATE TABLE IF NOT EXISTS charges (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		chargeable_kind TEXT NOT NULL,
		chargeable_id TEXT NOT NULL,
		currency TEXT NOT NULL,
		gross TEXT NOT NULL,
		credits_applied_json TEXT NOT NULL,
		credit_value TEXT NOT NULL,
		net TEXT NOT NULL,
		status TEXT NOT NULL,
		payment_method TEXT,
		external_ref TEXT,
		paid_at TEXT,
		refunded_at TEXT,
		failure_reason TEXT,
		failed_attempts INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (chargeable_kind, chargeable_id)
	);

	CREATE INDEX IF NOT EXISTS idx_charges_user ON charges(user_id, created_at);

	-- Equipment loans
	CREATE TABLE IF NOT EXISTS equipment_loans (
		id TEXT PRIMARY KEY,
		equipment_id TEXT NOT NULL,
		borrower_id TEXT NOT NULL,
		reserved_from TEXT NOT NULL,
		due_at TEXT NOT NULL,
		state TEXT NOT NULL,
		checked_out_at TEXT,
		returned_at TEXT,
		cancelled_at TEXT,
		dropoff_at TEXT,
		condition_out TEXT,
		condition_in TEXT,
		damage_notes TEXT,
		cancel_reason TEXT,
		handled_by TEXT,
		deposit TEXT NOT NULL DEFAULT '0',
		deposit_released INTEGER NOT NULL DEFAULT 0,
		rental_fee TEXT NOT NULL DEFAULT '0',
		charge_id TEXT,
		overdue_notified_at TEXT,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (reserved_from < due_at),
		CHECK (returned_at IS NULL OR checked_out_at IS NULL OR returned_at >= checked_out_at)
	);

	CREATE INDEX IF NOT EXISTS idx_loans_active_window
		ON equipment_loans(equipment_id, reserved_from, due_at) WHERE state NOT IN ('returned', 'cancelled');
	CREATE INDEX IF NOT EXISTS idx_loans_due
		ON equipment_loans(due_at) WHERE state = 'checked_out';
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx generic.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{db: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Reset deletes all rows. Used by tests and the demo reset endpoint.
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{
		"promo_redemptions", "promo_codes", "credit_transactions", "user_credits",
		"credit_allocations", "charges", "series_skips", "reservations",
		"recurring_series", "equipment_loans",
	}
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+t); err != nil {
			return fmt.Errorf("reset %s: %w", t, err)
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func scanNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func scanNullInt(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// mapWriteErr converts driver errors to generic sentinels.
func mapWriteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%s: %w", op, generic.ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// expectOneRow turns "no rows affected" into notFound or ErrConcurrentModification.
func expectOneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
