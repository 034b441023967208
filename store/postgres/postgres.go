/*
Package postgres provides a PostgreSQL-backed finance.TxStore (lib/pq).

PURPOSE:
  Production storage. Same repository as SQLite (store/sqlstore); this
  package only adds the connection pool, $n placeholders, row locks and the
  Postgres schema.

CONCURRENCY:
  LockWallet and LockPayment read with SELECT ... FOR UPDATE, so two
  webhooks for the same payment queue on the row. The loser then sees the
  winner's committed state and resolves to a no-op.

APPEND-ONLY ENFORCEMENT:
  reject_ledger_mutation() is attached BEFORE UPDATE OR DELETE to the
  ledger and transaction tables and raises "immutable ledger record".

USAGE:
  store, err := postgres.Open(ctx, postgres.Config{DSN: os.Getenv("FINCORE_DATABASE_DSN")})
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/preiposip/fincore/store/sqlstore"
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Dialect is the sqlstore dialect for lib/pq.
var Dialect = sqlstore.Dialect{
	Name:              "postgres",
	Rebind:            sqlstore.DollarN,
	ForUpdate:         " FOR UPDATE",
	IsUniqueViolation: isUniqueViolation,
	Schema:            schema,
	TxOptions:         &sql.TxOptions{Isolation: sql.LevelReadCommitted},
}

// Config holds the connection settings.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects, pings and migrates.
func Open(ctx context.Context, cfg Config) (*sqlstore.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	store := New(db)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an existing pool without migrating.
func New(db *sql.DB) *sqlstore.DB {
	return sqlstore.New(db, Dialect)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

const schema = `
CREATE TABLE IF NOT EXISTS ledger_accounts (
	code TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	type TEXT NOT NULL CHECK (type IN ('asset', 'liability', 'income', 'expense')),
	normal_balance TEXT NOT NULL CHECK (normal_balance IN ('debit', 'credit'))
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	reference_type TEXT NOT NULL,
	reference_id TEXT NOT NULL,
	entry_date TEXT NOT NULL,
	description TEXT NOT NULL,
	reverses_entry_id TEXT UNIQUE REFERENCES ledger_entries(id)
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_reference
	ON ledger_entries(reference_type, reference_id);

CREATE TABLE IF NOT EXISTS ledger_lines (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	entry_id TEXT NOT NULL REFERENCES ledger_entries(id),
	account_code TEXT NOT NULL REFERENCES ledger_accounts(code),
	direction TEXT NOT NULL CHECK (direction IN ('debit', 'credit')),
	amount BIGINT NOT NULL CHECK (amount > 0),
	user_id TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_ledger_lines_account_user
	ON ledger_lines(account_code, user_id);
CREATE INDEX IF NOT EXISTS idx_ledger_lines_entry
	ON ledger_lines(entry_id);

CREATE TABLE IF NOT EXISTS wallets (
	user_id TEXT PRIMARY KEY,
	balance BIGINT NOT NULL CHECK (balance >= 0),
	locked_balance BIGINT NOT NULL CHECK (locked_balance >= 0),
	is_recovery_mode BOOLEAN NOT NULL DEFAULT FALSE,
	version BIGINT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
	seq BIGSERIAL PRIMARY KEY,
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

CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id);

-- One withdrawal per client request id
CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_withdrawal_request
	ON transactions(user_id, reference_id) WHERE reference_type = 'withdrawal';

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
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	payment_id TEXT NOT NULL REFERENCES payments(id),
	gateway_refund_id TEXT NOT NULL UNIQUE,
	amount BIGINT NOT NULL CHECK (amount > 0),
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS chargeback_receivables (
	seq BIGSERIAL PRIMARY KEY,
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
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	user_id TEXT NOT NULL REFERENCES wallets(user_id),
	payment_id TEXT NOT NULL REFERENCES payments(id),
	amount BIGINT NOT NULL CHECK (amount > 0),
	description TEXT NOT NULL DEFAULT '',
	is_reversed BOOLEAN NOT NULL DEFAULT FALSE,
	reversed_at TEXT,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_allocations_payment ON allocations(payment_id);

CREATE TABLE IF NOT EXISTS audit_log (
	seq BIGSERIAL PRIMARY KEY,
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

CREATE OR REPLACE FUNCTION reject_ledger_mutation() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'immutable ledger record: % %', TG_OP, TG_TABLE_NAME;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS ledger_entries_immutable ON ledger_entries;
CREATE TRIGGER ledger_entries_immutable BEFORE UPDATE OR DELETE ON ledger_entries
	FOR EACH ROW EXECUTE FUNCTION reject_ledger_mutation();
DROP TRIGGER IF EXISTS ledger_lines_immutable ON ledger_lines;
CREATE TRIGGER ledger_lines_immutable BEFORE UPDATE OR DELETE ON ledger_lines
	FOR EACH ROW EXECUTE FUNCTION reject_ledger_mutation();
DROP TRIGGER IF EXISTS ledger_accounts_immutable ON ledger_accounts;
CREATE TRIGGER ledger_accounts_immutable BEFORE UPDATE OR DELETE ON ledger_accounts
	FOR EACH ROW EXECUTE FUNCTION reject_ledger_mutation();
DROP TRIGGER IF EXISTS transactions_immutable ON transactions;
CREATE TRIGGER transactions_immutable BEFORE UPDATE OR DELETE ON transactions
	FOR EACH ROW EXECUTE FUNCTION reject_ledger_mutation();
`
