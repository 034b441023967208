/*
Package sqlite provides a SQLite-backed finance.TxStore.

PURPOSE:
  Opens a SQLite database with the settings the engine relies on and hands
  it to sqlstore with the SQLite dialect. Used for local development, the
  verify command and tests.

APPEND-ONLY ENFORCEMENT:
  Triggers abort every UPDATE and DELETE on ledger_entries, ledger_lines,
  ledger_accounts and transactions. The repository never issues one; the
  triggers catch anyone going around it.

KEY TABLES:
  ledger_accounts, ledger_entries, ledger_lines: Double-entry ledger
  wallets, transactions:                         Wallet state and history
  payments, payment_refunds:                     Gateway payments
  chargeback_receivables:                        Money users owe
  allocations:                                   Shares bought from a payment
  audit_log:                                     Audit trail and event outbox

CONCURRENCY:
  One connection, and every transaction starts with BEGIN IMMEDIATE, so
  units of work are serialized. ":memory:" databases are per-connection,
  which the single connection also takes care of.

WAL MODE:
  File databases are opened with WAL journaling: readers don't block the
  writer and crash recovery is better.

USAGE:
  store, err := sqlite.New("./data/fincore.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := finance.New(store)

SEE ALSO:
  - store/sqlstore: Queries and scanning shared with Postgres
  - finance/store.go: Interface definitions
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/preiposip/fincore/store/sqlstore"
)

// Dialect is the sqlstore dialect for mattn/go-sqlite3.
var Dialect = sqlstore.Dialect{
	Name:              "sqlite",
	Rebind:            sqlstore.QuestionMarks,
	IsUniqueViolation: isUniqueConstraintError,
	Schema:            schema,
}

// New opens (creating if needed) and migrates a SQLite store.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*sqlstore.DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := sqlstore.New(db, Dialect)
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

const schema = `
-- Chart of accounts, seeded at bootstrap
CREATE TABLE IF NOT EXISTS ledger_accounts (
	code TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	type TEXT NOT NULL CHECK (type IN ('asset', 'liability', 'income', 'expense')),
	normal_balance TEXT NOT NULL CHECK (normal_balance IN ('debit', 'credit'))
);

-- Ledger entries (append-only)
CREATE TABLE IF NOT EXISTS ledger_entries (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	reference_type TEXT NOT NULL,
	reference_id TEXT NOT NULL,
	entry_date TEXT NOT NULL,
	description TEXT NOT NULL,
	reverses_entry_id TEXT UNIQUE REFERENCES ledger_entries(id)
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_reference
	ON ledger_entries(reference_type, reference_id);

-- Ledger lines (append-only)
CREATE TABLE IF NOT EXISTS ledger_lines (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	entry_id TEXT NOT NULL REFERENCES ledger_entries(id),
	account_code TEXT NOT NULL REFERENCES ledger_accounts(code),
	direction TEXT NOT NULL CHECK (direction IN ('debit', 'credit')),
	amount BIGINT NOT NULL CHECK (amount > 0),
	user_id TEXT NOT NULL DEFAULT ''
);

-- Balance queries (hot path)
CREATE INDEX IF NOT EXISTS idx_ledger_lines_account_user
	ON ledger_lines(account_code, user_id);
CREATE INDEX IF NOT EXISTS idx_ledger_lines_entry
	ON ledger_lines(entry_id);

-- Wallets
CREATE TABLE IF NOT EXISTS wallets (
	user_id TEXT PRIMARY KEY,
	balance BIGINT NOT NULL CHECK (balance >= 0),
	locked_balance BIGINT NOT NULL CHECK (locked_balance >= 0),
	is_recovery_mode BOOLEAN NOT NULL DEFAULT FALSE,
	version BIGINT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

-- Wallet transactions (append-only)
CREATE TABLE IF NOT EXISTS transactions (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	user_id TEXT NOT NULL REFERENCES wallets(user_id),
	type TEXT NOT NULL,
	amount BIGINT NOT NULL CHECK (amount > 0),
	balance_before BIGINT NOT NULL,
	balance_after BIGINT NOT NULL CHECK (balance_after >= 0),
	status TEXT NOT NULL,
	reference_type TEXT NOT NULL DEFAULT '',
	reference_id TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_user
	ON transactions(user_id);

-- One withdrawal per client request id
CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_withdrawal_request
	ON transactions(user_id, reference_id) WHERE reference_type = 'withdrawal';

-- Payments; NULL gateway ids do not collide
CREATE TABLE IF NOT EXISTS payments (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES wallets(user_id),
	amount BIGINT NOT NULL CHECK (amount > 0),
	status TEXT NOT NULL,
	gateway_order_id TEXT NOT NULL UNIQUE,
	gateway_payment_id TEXT UNIQUE,
	chargeback_gateway_id TEXT UNIQUE,
	refund_amount BIGINT NOT NULL DEFAULT 0,
	chargeback_amount BIGINT NOT NULL DEFAULT 0,
	failure_reason TEXT NOT NULL DEFAULT '',
	paid_at TEXT,
	chargeback_initiated_at TEXT,
	resolved_at TEXT,
	version BIGINT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	CHECK (refund_amount + chargeback_amount <= amount)
);

CREATE TABLE IF NOT EXISTS payment_refunds (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	payment_id TEXT NOT NULL REFERENCES payments(id),
	gateway_refund_id TEXT NOT NULL UNIQUE,
	amount BIGINT NOT NULL CHECK (amount > 0),
	created_at TEXT NOT NULL
);

-- Receivables, oldest first by seq
CREATE TABLE IF NOT EXISTS chargeback_receivables (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	user_id TEXT NOT NULL REFERENCES wallets(user_id),
	payment_id TEXT NOT NULL REFERENCES payments(id),
	kind TEXT NOT NULL,
	amount BIGINT NOT NULL CHECK (amount > 0),
	paid BIGINT NOT NULL CHECK (paid >= 0 AND paid <= amount),
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	settled_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_receivables_user_status
	ON chargeback_receivables(user_id, status);

CREATE TABLE IF NOT EXISTS allocations (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	user_id TEXT NOT NULL REFERENCES wallets(user_id),
	payment_id TEXT NOT NULL REFERENCES payments(id),
	amount BIGINT NOT NULL CHECK (amount > 0),
	description TEXT NOT NULL DEFAULT '',
	is_reversed BOOLEAN NOT NULL DEFAULT FALSE,
	reversed_at TEXT,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_allocations_payment
	ON allocations(payment_id);

-- Audit log; published_at IS NULL rows form the outbox
CREATE TABLE IF NOT EXISTS audit_log (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	action TEXT NOT NULL,
	actor_id TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	payment_id TEXT NOT NULL DEFAULT '',
	metadata_json TEXT,
	created_at TEXT NOT NULL,
	published_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_audit_log_unpublished
	ON audit_log(seq) WHERE published_at IS NULL;

-- CRITICAL: ledger rows are immutable
CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update BEFORE UPDATE ON ledger_entries
BEGIN SELECT RAISE(ABORT, 'immutable ledger record: UPDATE ledger_entries'); END;
CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete BEFORE DELETE ON ledger_entries
BEGIN SELECT RAISE(ABORT, 'immutable ledger record: DELETE ledger_entries'); END;
CREATE TRIGGER IF NOT EXISTS ledger_lines_no_update BEFORE UPDATE ON ledger_lines
BEGIN SELECT RAISE(ABORT, 'immutable ledger record: UPDATE ledger_lines'); END;
CREATE TRIGGER IF NOT EXISTS ledger_lines_no_delete BEFORE DELETE ON ledger_lines
BEGIN SELECT RAISE(ABORT, 'immutable ledger record: DELETE ledger_lines'); END;
CREATE TRIGGER IF NOT EXISTS ledger_accounts_no_update BEFORE UPDATE ON ledger_accounts
BEGIN SELECT RAISE(ABORT, 'immutable ledger record: UPDATE ledger_accounts'); END;
CREATE TRIGGER IF NOT EXISTS ledger_accounts_no_delete BEFORE DELETE ON ledger_accounts
BEGIN SELECT RAISE(ABORT, 'immutable ledger record: DELETE ledger_accounts'); END;
CREATE TRIGGER IF NOT EXISTS transactions_no_update BEFORE UPDATE ON transactions
BEGIN SELECT RAISE(ABORT, 'immutable ledger record: UPDATE transactions'); END;
CREATE TRIGGER IF NOT EXISTS transactions_no_delete BEFORE DELETE ON transactions
BEGIN SELECT RAISE(ABORT, 'immutable ledger record: DELETE transactions'); END;
`
