/*
Package sqlite provides a SQLite-backed implementation of the ledger storage interfaces.

PURPOSE:
  Implements ledger.TxStore using SQLite. The same schema carries over to
  PostgreSQL with minor dialect changes (RETURNING, ON CONFLICT and partial
  indexes are supported by both).

INTERFACES IMPLEMENTED:
  ledger.Store:   Row persistence for every ledger entity
  ledger.TxStore: One database transaction per unit of work

KEY TABLES:
  invoices:               Money owed, one row per bill
  bank_transactions:      Imported payment lines, unique per file + natural key
  credit_notes:           Refund instruments, numbered NC-YY-NNNNN
  user_provisions:        Credit balances owned by users
  provision_applications: Allocations of provisions to invoices
  sequences:              Per-(kind, year) counters
  registrations/sessions: Collaborator view of the registration module
  cancellation_requests:  One per registration
  subscribers:            Newsletter addresses

STORAGE FORMATS:
  - Money is TEXT holding the exact decimal string; sums happen in Go
  - Times are TEXT in a fixed-width UTC layout so string order is time order
  - Empty references are stored as NULL

CONCURRENCY:
  The pool is capped at one connection. Units of work are therefore
  serialized, which is the SQLite equivalent of the row lock a PostgreSQL
  deployment takes on the invoice being reconciled. It also keeps a
  ":memory:" database alive and shared for the life of the Store.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store, ledger.DefaultConfig(), logger)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface definitions
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
	"github.com/warp/reconcile-engine/ledger"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements ledger.Store over whichever querier it wraps.
type queries struct {
	q querier
}

// Store implements ledger.TxStore using SQLite.
type Store struct {
	*queries
	db *sql.DB
}

var _ ledger.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{queries: &queries{q: db}, db: db}
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
	-- Invoices (money owed)
	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		invoice_number TEXT NOT NULL UNIQUE,
		communication TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		total_payments TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL DEFAULT 'pending',
		due_date TEXT,
		paid_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_invoices_status_created
		ON invoices(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_invoices_user_status
		ON invoices(user_id, status, created_at);
	CREATE INDEX IF NOT EXISTS idx_invoices_communication
		ON invoices(communication) WHERE communication != '';

	-- Bank transactions (money received)
	CREATE TABLE IF NOT EXISTS bank_transactions (
		id TEXT PRIMARY KEY,
		transaction_date TEXT NOT NULL,
		amount TEXT NOT NULL,
		communication TEXT NOT NULL DEFAULT '',
		extracted_invoice_number TEXT,
		invoice_id TEXT REFERENCES invoices(id),
		status TEXT NOT NULL DEFAULT 'unmatched',
		import_batch_id TEXT,
		raw_file_path TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: A bank line is imported at most once per file
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_bank_line
		ON bank_transactions(raw_file_path, transaction_date, amount, communication)
		WHERE raw_file_path != '';

	CREATE INDEX IF NOT EXISTS idx_bank_transactions_invoice
		ON bank_transactions(invoice_id) WHERE invoice_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_bank_transactions_file
		ON bank_transactions(raw_file_path);

	-- Credit notes (money refunded)
	CREATE TABLE IF NOT EXISTS credit_notes (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		credit_note_number TEXT NOT NULL UNIQUE,
		amount TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'issued',
		invoice_id TEXT REFERENCES invoices(id),
		invoice_number TEXT,
		registration_id TEXT,
		cancellation_request_id TEXT,
		source_transaction_id TEXT,
		reason TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_credit_notes_invoice
		ON credit_notes(invoice_id) WHERE invoice_id IS NOT NULL;

	-- User provisions (money held in trust)
	CREATE TABLE IF NOT EXISTS user_provisions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount_initial TEXT NOT NULL,
		amount_remaining TEXT NOT NULL,
		amount_reversed TEXT NOT NULL DEFAULT '0',
		amount_refunded TEXT NOT NULL DEFAULT '0',
		type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'available',
		source_invoice_id TEXT,
		source_bank_transaction_id TEXT,
		source_credit_note_id TEXT,
		reason TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_provisions_user
		ON user_provisions(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_provisions_source_tx
		ON user_provisions(source_bank_transaction_id) WHERE source_bank_transaction_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_provisions_source_invoice
		ON user_provisions(source_invoice_id) WHERE source_invoice_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS provision_applications (
		id TEXT PRIMARY KEY,
		provision_id TEXT NOT NULL REFERENCES user_provisions(id),
		invoice_id TEXT NOT NULL REFERENCES invoices(id),
		amount TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_applications_invoice
		ON provision_applications(invoice_id);
	CREATE INDEX IF NOT EXISTS idx_applications_provision
		ON provision_applications(provision_id);

	-- Sequences (document numbering, restarts every year)
	CREATE TABLE IF NOT EXISTS sequences (
		kind TEXT NOT NULL,
		year INTEGER NOT NULL,
		value INTEGER NOT NULL,
		PRIMARY KEY (kind, year)
	);

	-- Registration module (collaborator view)
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		capacity INTEGER NOT NULL DEFAULT 0,
		active_registrations INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS registrations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		kid_id TEXT,
		session_id TEXT,
		activity_id TEXT,
		invoice_id TEXT REFERENCES invoices(id),
		price TEXT NOT NULL,
		amount_paid TEXT NOT NULL DEFAULT '0',
		payment_status TEXT NOT NULL DEFAULT 'pending',
		cancellation_status TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_registrations_invoice
		ON registrations(invoice_id) WHERE invoice_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_registrations_session
		ON registrations(session_id, payment_status);

	CREATE TABLE IF NOT EXISTS cancellation_requests (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		registration_id TEXT NOT NULL UNIQUE,
		kid_id TEXT,
		activity_id TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		refund_type TEXT,
		refund_amount TEXT NOT NULL DEFAULT '0',
		reason TEXT,
		admin_notes TEXT,
		credit_note_number TEXT,
		processed_at TEXT,
		created_at TEXT NOT NULL
	);

	-- Newsletter (shares the database only)
	CREATE TABLE IF NOT EXISTS subscribers (
		email TEXT PRIMARY KEY,
		created_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
// The store passed to fn must not escape it.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// Reset deletes every ledger row. Subscribers are kept. Used by the demo
// scenario loader.
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{
		"provision_applications", "user_provisions", "credit_notes",
		"cancellation_requests", "bank_transactions", "registrations",
		"invoices", "sessions", "sequences",
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, table := range tables {
		if _, err := sqlTx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return sqlTx.Commit()
}

// =============================================================================
// HELPERS
// =============================================================================

// timeLayout is fixed width so lexical order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString[T ~string](s T) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(s), Valid: true}
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isBankLineUniquenessError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "bank_transactions.raw_file_path")
}
