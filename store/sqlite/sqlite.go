/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  One database file holds the state of all three services. Each service only
  sees its own interface, so they can be split into separate databases
  without code changes.

INTERFACES IMPLEMENTED:
  wallet.Store:     Wallets, journal, idempotency records   (wallet.go)
  program.Store:    Programs, assignments, pools, runs      (program.go)
  settlement.Store: Establishments and payments             (settlement.go)

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on wallet_transactions
  - The only DELETE is retention pruning (PruneJournal)
  - wallet_operations is never pruned, so idempotency outlives the journal

KEY TABLES:
  wallets:              Stored balances, lifetime totals, journal head
  wallet_transactions:  Append-only journal
  wallet_operations:    Idempotency key -> journal entry (or fence)
  programs, program_assignments, funding_pools
  disbursement_runs, disbursement_items
  establishments, payments

AMOUNTS:
  Stored as INTEGER counts of 1/10000 units, never as REAL.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety plus a single open connection, so an
  in-memory database is shared by every caller and a write transaction
  never waits on a reader holding another connection.

USAGE:
  store, err := sqlite.New("./data/benefits.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := wallet.NewLedger(store)
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
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

// Ping checks the database is reachable. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Wallets: balances are stored, never replayed from the journal
	CREATE TABLE IF NOT EXISTS wallets (
		owner_id TEXT PRIMARY KEY,
		total_balance INTEGER NOT NULL DEFAULT 0 CHECK (total_balance >= 0),
		credited INTEGER NOT NULL DEFAULT 0,
		debited INTEGER NOT NULL DEFAULT 0,
		sequence INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		last_activity TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS wallet_balances (
		owner_id TEXT NOT NULL REFERENCES wallets(owner_id),
		category TEXT NOT NULL,
		balance INTEGER NOT NULL CHECK (balance >= 0),
		PRIMARY KEY (owner_id, category)
	);

	-- Journal (append-only, pruned by retention only)
	CREATE TABLE IF NOT EXISTS wallet_transactions (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL REFERENCES wallets(owner_id),
		sequence INTEGER NOT NULL,
		tx_type TEXT NOT NULL,
		category TEXT NOT NULL,
		amount INTEGER NOT NULL CHECK (amount > 0),
		source_ref TEXT NOT NULL,
		counterparty_id TEXT,
		program_id TEXT,
		idempotency_key TEXT,
		description TEXT,
		created_at TEXT NOT NULL,
		UNIQUE (owner_id, sequence)
	);

	-- Hot path: history, newest first
	CREATE INDEX IF NOT EXISTS idx_wallet_tx_owner_seq
		ON wallet_transactions(owner_id, sequence DESC);
	CREATE INDEX IF NOT EXISTS idx_wallet_tx_counterparty
		ON wallet_transactions(counterparty_id, created_at DESC) WHERE counterparty_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_wallet_tx_created
		ON wallet_transactions(created_at);

	-- Idempotency records survive journal pruning
	CREATE TABLE IF NOT EXISTS wallet_operations (
		idempotency_key TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		transaction_id TEXT,
		tx_type TEXT,
		category TEXT,
		amount INTEGER,
		fenced BOOLEAN NOT NULL DEFAULT FALSE,
		recorded_at TEXT NOT NULL
	);

	-- Programs
	CREATE TABLE IF NOT EXISTS programs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		company_id TEXT NOT NULL,
		category TEXT NOT NULL,
		amount_per_worker INTEGER NOT NULL CHECK (amount_per_worker > 0),
		frequency TEXT NOT NULL,
		payment_day INTEGER NOT NULL,
		created_by TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_programs_company
		ON programs(company_id);

	CREATE TABLE IF NOT EXISTS program_assignments (
		worker_id TEXT NOT NULL,
		program_id TEXT NOT NULL REFERENCES programs(id),
		custom_amount INTEGER,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		assigned_by TEXT NOT NULL,
		assigned_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (worker_id, program_id)
	);

	CREATE INDEX IF NOT EXISTS idx_assignments_program
		ON program_assignments(program_id, is_active);

	CREATE TABLE IF NOT EXISTS funding_pools (
		company_id TEXT PRIMARY KEY,
		available INTEGER NOT NULL DEFAULT 0 CHECK (available >= 0),
		deposited INTEGER NOT NULL DEFAULT 0,
		disbursed INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	-- Disbursement runs: one per program period
	CREATE TABLE IF NOT EXISTS disbursement_runs (
		id TEXT PRIMARY KEY,
		program_id TEXT NOT NULL REFERENCES programs(id),
		company_id TEXT NOT NULL,
		period TEXT NOT NULL,
		category TEXT NOT NULL,
		total INTEGER NOT NULL,
		status TEXT NOT NULL,
		trigger_kind TEXT NOT NULL,
		triggered_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (program_id, period)
	);

	CREATE TABLE IF NOT EXISTS disbursement_items (
		run_id TEXT NOT NULL REFERENCES disbursement_runs(id),
		worker_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		status TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		transaction_id TEXT,
		last_error TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (run_id, worker_id)
	);

	-- Establishments
	CREATE TABLE IF NOT EXISTS establishments (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		country TEXT,
		business_code TEXT,
		wallet_principal TEXT NOT NULL,
		accepted_categories TEXT NOT NULL,
		total_received INTEGER NOT NULL DEFAULT 0,
		total_transactions INTEGER NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		registered_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		worker_id TEXT NOT NULL,
		establishment_id TEXT NOT NULL REFERENCES establishments(id),
		category TEXT NOT NULL,
		amount INTEGER NOT NULL CHECK (amount > 0),
		description TEXT,
		status TEXT NOT NULL,
		ledger_tx_id TEXT,
		failure_reason TEXT,
		created_at TEXT NOT NULL,
		processed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_payments_establishment
		ON payments(establishment_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_payments_status
		ON payments(status, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for tests and demos).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"payments", "establishments",
		"disbursement_items", "disbursement_runs", "funding_pools", "program_assignments", "programs",
		"wallet_operations", "wallet_transactions", "wallet_balances", "wallets",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn in a transaction. The caller must hold s.mu.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr[T ~string](s *T) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return nullString(string(*s))
}

func stringPtr[T ~string](ns sql.NullString) *T {
	if !ns.Valid {
		return nil
	}
	v := T(ns.String)
	return &v
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY constraint failed"))
}

func isCheckConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "CHECK constraint failed")
}
