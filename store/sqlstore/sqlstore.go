/*
Package sqlstore implements finance.TxStore over database/sql.

PURPOSE:
  One repository for every SQL backend. A Dialect supplies what differs
  between SQLite and PostgreSQL: placeholders, row locking, the schema and
  how a unique violation is recognised. Everything else (queries, scanning,
  error mapping) lives here once.

APPEND-ONLY ENFORCEMENT:
  The repository only INSERTs into ledger_entries, ledger_lines and
  transactions. Each dialect's schema also installs triggers that abort any
  UPDATE or DELETE on those tables with "immutable ledger record: OP TABLE".
  That message is mapped to *finance.ImmutableRecordError.

CONCURRENCY:
  LockWallet/LockPayment append the dialect's lock clause (FOR UPDATE on
  Postgres). SQLite serializes writers with BEGIN IMMEDIATE instead.
  UpdateWallet/UpdatePayment are guarded by the version column.

TIMESTAMPS:
  Stored as RFC3339Nano text in UTC so both dialects scan them the same way.

SEE ALSO:
  - finance/store.go: Interface definitions
  - store/sqlite, store/postgres: Dialects
*/
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/preiposip/fincore/finance"
)

// Dialect describes one SQL backend.
type Dialect struct {
	Name string
	// Rebind rewrites ? placeholders for the driver.
	Rebind func(query string) string
	// ForUpdate is appended to row-lock reads inside a transaction.
	ForUpdate string
	// IsUniqueViolation reports whether err is a unique or primary key
	// constraint failure.
	IsUniqueViolation func(err error) bool
	// Schema is executed once by Migrate. It must be idempotent.
	Schema string
	// TxOptions are passed to BeginTx.
	TxOptions *sql.TxOptions
}

// QuestionMarks is the Rebind for drivers that take ? natively.
func QuestionMarks(query string) string { return query }

// DollarN rewrites ? placeholders to $1, $2, ...
func DollarN(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// immutableMarker is the message prefix raised by the immutability triggers.
const immutableMarker = "immutable ledger record"

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// DB - finance.TxStore entry point
// =============================================================================

// DB is a finance.TxStore over one *sql.DB. Calls outside WithTx run
// directly against the pool; multi-statement writes open their own
// transaction.
type DB struct {
	*repo
	db *sql.DB
}

var _ finance.TxStore = (*DB)(nil)

// New wraps db. Call Migrate before first use.
func New(db *sql.DB, d Dialect) *DB {
	return &DB{repo: &repo{q: db, d: d}, db: db}
}

// Migrate applies the dialect schema.
func (s *DB) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.d.Schema); err != nil {
		return fmt.Errorf("migrate %s schema: %w", s.d.Name, err)
	}
	return nil
}

func (s *DB) Close() error {
	return s.db.Close()
}

// Ping checks the connection, for readiness probes.
func (s *DB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Exec runs a raw statement outside the finance.Store contract, for
// maintenance scripts. Trigger rejections surface as
// *finance.ImmutableRecordError.
func (s *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := s.db.ExecContext(ctx, s.d.Rebind(query), args...)
	if err != nil {
		return nil, mapImmutable(err)
	}
	return res, nil
}

// WithTx executes fn within a database transaction.
func (s *DB) WithTx(ctx context.Context, fn func(finance.Store) error) error {
	tx, err := s.db.BeginTx(ctx, s.d.TxOptions)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&repo{q: tx, d: s.d, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// AppendEntry writes the entry and its lines atomically.
func (s *DB) AppendEntry(ctx context.Context, e finance.LedgerEntry) error {
	return s.WithTx(ctx, func(st finance.Store) error { return st.AppendEntry(ctx, e) })
}

func (s *DB) SeedAccounts(ctx context.Context, accounts []finance.LedgerAccount) error {
	return s.WithTx(ctx, func(st finance.Store) error { return st.SeedAccounts(ctx, accounts) })
}

func (s *DB) MarkAuditPublished(ctx context.Context, ids []string, at time.Time) error {
	return s.WithTx(ctx, func(st finance.Store) error { return st.MarkAuditPublished(ctx, ids, at) })
}

// =============================================================================
// REPO - finance.Store over a querier
// =============================================================================

type repo struct {
	q    querier
	d    Dialect
	inTx bool
}

var _ finance.Store = (*repo)(nil)

func (r *repo) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := r.q.ExecContext(ctx, r.d.Rebind(query), args...)
	if err != nil {
		return nil, mapImmutable(err)
	}
	return res, nil
}

func (r *repo) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return r.q.QueryContext(ctx, r.d.Rebind(query), args...)
}

func (r *repo) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return r.q.QueryRowContext(ctx, r.d.Rebind(query), args...)
}

func (r *repo) lockClause() string {
	if r.inTx {
		return r.d.ForUpdate
	}
	return ""
}

// -----------------------------------------------------------------------------
// Ledger
// -----------------------------------------------------------------------------

func (r *repo) SeedAccounts(ctx context.Context, accounts []finance.LedgerAccount) error {
	for _, a := range accounts {
		var typ, normal string
		err := r.queryRow(ctx,
			`SELECT type, normal_balance FROM ledger_accounts WHERE code = ?`, a.Code,
		).Scan(&typ, &normal)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = r.exec(ctx,
				`INSERT INTO ledger_accounts (code, name, type, normal_balance) VALUES (?, ?, ?, ?)`,
				a.Code, a.Name, a.Type, a.NormalBalance)
			if err != nil {
				return fmt.Errorf("insert account %s: %w", a.Code, err)
			}
		case err != nil:
			return fmt.Errorf("load account %s: %w", a.Code, err)
		case typ != string(a.Type) || normal != string(a.NormalBalance):
			return fmt.Errorf("%w: %s is %s/%s, chart says %s/%s",
				finance.ErrAccountConflict, a.Code, typ, normal, a.Type, a.NormalBalance)
		}
	}
	return nil
}

func (r *repo) ListAccounts(ctx context.Context) ([]finance.LedgerAccount, error) {
	rows, err := r.query(ctx, `SELECT code, name, type, normal_balance FROM ledger_accounts ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var out []finance.LedgerAccount
	for rows.Next() {
		var a finance.LedgerAccount
		if err := rows.Scan(&a.Code, &a.Name, &a.Type, &a.NormalBalance); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *repo) AppendEntry(ctx context.Context, e finance.LedgerEntry) error {
	_, err := r.exec(ctx, `
		INSERT INTO ledger_entries (id, reference_type, reference_id, entry_date, description, reverses_entry_id)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.ReferenceType, e.ReferenceID, formatTime(e.EntryDate), e.Description, nullString(e.ReversesEntryID))
	if err != nil {
		if e.ReversesEntryID != "" && r.d.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", finance.ErrAlreadyReversed, e.ReversesEntryID)
		}
		return fmt.Errorf("insert entry: %w", err)
	}
	for _, l := range e.Lines {
		_, err := r.exec(ctx, `
			INSERT INTO ledger_lines (id, entry_id, account_code, direction, amount, user_id)
			VALUES (?, ?, ?, ?, ?, ?)`,
			l.ID, e.ID, l.Account, l.Direction, int64(l.Amount), l.UserID)
		if err != nil {
			return fmt.Errorf("insert line on %s: %w", l.Account, err)
		}
	}
	return nil
}

const entryColumns = `id, reference_type, reference_id, entry_date, description, reverses_entry_id`

func (r *repo) GetEntry(ctx context.Context, id string) (finance.LedgerEntry, error) {
	e, err := scanEntry(r.queryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return finance.LedgerEntry{}, fmt.Errorf("%w: %s", finance.ErrEntryNotFound, id)
	}
	if err != nil {
		return finance.LedgerEntry{}, err
	}
	if e.Lines, err = r.linesFor(ctx, e.ID); err != nil {
		return finance.LedgerEntry{}, err
	}
	return e, nil
}

func (r *repo) EntriesByReference(ctx context.Context, refType, refID string) ([]finance.LedgerEntry, error) {
	rows, err := r.query(ctx, `SELECT `+entryColumns+` FROM ledger_entries
		WHERE reference_type = ? AND reference_id = ? ORDER BY seq`, refType, refID)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	var out []finance.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Lines, err = r.linesFor(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *repo) linesFor(ctx context.Context, entryID string) ([]finance.LedgerLine, error) {
	rows, err := r.query(ctx, `SELECT id, entry_id, account_code, direction, amount, user_id
		FROM ledger_lines WHERE entry_id = ? ORDER BY seq`, entryID)
	if err != nil {
		return nil, fmt.Errorf("query lines: %w", err)
	}
	defer rows.Close()

	var out []finance.LedgerLine
	for rows.Next() {
		var l finance.LedgerLine
		if err := rows.Scan(&l.ID, &l.EntryID, &l.Account, &l.Direction, &l.Amount, &l.UserID); err != nil {
			return nil, fmt.Errorf("scan line: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *repo) AccountTotals(ctx context.Context, code finance.AccountCode, userID string) (finance.Totals, error) {
	query := `SELECT direction, COALESCE(SUM(amount), 0) FROM ledger_lines WHERE account_code = ?`
	args := []any{code}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	query += ` GROUP BY direction`

	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return finance.Totals{}, fmt.Errorf("query totals: %w", err)
	}
	defer rows.Close()

	var t finance.Totals
	for rows.Next() {
		var (
			dir string
			sum int64
		)
		if err := rows.Scan(&dir, &sum); err != nil {
			return finance.Totals{}, fmt.Errorf("scan totals: %w", err)
		}
		t = t.Add(directionTotals(dir, sum))
	}
	return t, rows.Err()
}

func (r *repo) LedgerTotals(ctx context.Context) (map[finance.AccountCode]finance.Totals, error) {
	rows, err := r.query(ctx, `SELECT account_code, direction, SUM(amount)
		FROM ledger_lines GROUP BY account_code, direction`)
	if err != nil {
		return nil, fmt.Errorf("query ledger totals: %w", err)
	}
	defer rows.Close()

	out := make(map[finance.AccountCode]finance.Totals)
	for rows.Next() {
		var (
			code finance.AccountCode
			dir  string
			sum  int64
		)
		if err := rows.Scan(&code, &dir, &sum); err != nil {
			return nil, fmt.Errorf("scan ledger totals: %w", err)
		}
		out[code] = out[code].Add(directionTotals(dir, sum))
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// Wallets
// -----------------------------------------------------------------------------

const walletColumns = `user_id, balance, locked_balance, is_recovery_mode, version, created_at, updated_at`

func (r *repo) CreateWallet(ctx context.Context, w finance.Wallet) error {
	_, err := r.exec(ctx, `INSERT INTO wallets (`+walletColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.UserID, int64(w.Balance), int64(w.LockedBalance), w.IsRecoveryMode, w.Version,
		formatTime(w.CreatedAt), formatTime(w.UpdatedAt))
	if err != nil {
		if r.d.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", finance.ErrWalletExists, w.UserID)
		}
		return fmt.Errorf("insert wallet: %w", err)
	}
	return nil
}

func (r *repo) GetWallet(ctx context.Context, userID string) (finance.Wallet, error) {
	return r.wallet(ctx, userID, "")
}

func (r *repo) LockWallet(ctx context.Context, userID string) (finance.Wallet, error) {
	return r.wallet(ctx, userID, r.lockClause())
}

func (r *repo) wallet(ctx context.Context, userID, lock string) (finance.Wallet, error) {
	w, err := scanWallet(r.queryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = ?`+lock, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return finance.Wallet{}, fmt.Errorf("%w: %s", finance.ErrWalletNotFound, userID)
	}
	return w, err
}

func (r *repo) UpdateWallet(ctx context.Context, w finance.Wallet) error {
	res, err := r.exec(ctx, `UPDATE wallets
		SET balance = ?, locked_balance = ?, is_recovery_mode = ?, version = ?, updated_at = ?
		WHERE user_id = ? AND version = ?`,
		int64(w.Balance), int64(w.LockedBalance), w.IsRecoveryMode, w.Version, formatTime(w.UpdatedAt),
		w.UserID, w.Version-1)
	if err != nil {
		return fmt.Errorf("update wallet: %w", err)
	}
	return r.expectOne(ctx, res, "wallet", w.UserID, func(ctx context.Context) error {
		_, err := r.GetWallet(ctx, w.UserID)
		return err
	})
}

func (r *repo) ListWallets(ctx context.Context) ([]finance.Wallet, error) {
	rows, err := r.query(ctx, `SELECT `+walletColumns+` FROM wallets ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("query wallets: %w", err)
	}
	defer rows.Close()

	var out []finance.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

const transactionColumns = `id, user_id, type, amount, balance_before, balance_after, status,
	reference_type, reference_id, description, created_at`

func (r *repo) AppendTransaction(ctx context.Context, tx finance.Transaction) error {
	_, err := r.exec(ctx, `INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.UserID, tx.Type, int64(tx.Amount), int64(tx.BalanceBefore), int64(tx.BalanceAfter),
		tx.Status, tx.ReferenceType, tx.ReferenceID, tx.Description, formatTime(tx.CreatedAt))
	if err != nil {
		if r.d.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s %s", finance.ErrConcurrentModification, tx.ReferenceType, tx.ReferenceID)
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (r *repo) TransactionByReference(ctx context.Context, userID, refType, refID string) (finance.Transaction, bool, error) {
	rows, err := r.query(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE user_id = ? AND reference_type = ? AND reference_id = ? ORDER BY seq LIMIT 1`, userID, refType, refID)
	if err != nil {
		return finance.Transaction{}, false, fmt.Errorf("query transaction by reference: %w", err)
	}
	defer rows.Close()
	txs, err := scanTransactions(rows)
	if err != nil || len(txs) == 0 {
		return finance.Transaction{}, false, err
	}
	return txs[0], true, nil
}

func (r *repo) ListTransactions(ctx context.Context, userID string) ([]finance.Transaction, error) {
	rows, err := r.query(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE user_id = ? ORDER BY seq`, userID)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func scanTransactions(rows *sql.Rows) ([]finance.Transaction, error) {
	var out []finance.Transaction
	for rows.Next() {
		var (
			tx      finance.Transaction
			created string
		)
		err := rows.Scan(&tx.ID, &tx.UserID, &tx.Type, &tx.Amount, &tx.BalanceBefore, &tx.BalanceAfter,
			&tx.Status, &tx.ReferenceType, &tx.ReferenceID, &tx.Description, &created)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		if tx.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// Payments
// -----------------------------------------------------------------------------

const paymentColumns = `id, user_id, amount, status, gateway_order_id, gateway_payment_id,
	chargeback_gateway_id, refund_amount, chargeback_amount, failure_reason, paid_at,
	chargeback_initiated_at, resolved_at, version, created_at, updated_at`

func (r *repo) CreatePayment(ctx context.Context, p finance.Payment) error {
	_, err := r.exec(ctx, `INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, int64(p.Amount), p.Status, p.GatewayOrderID,
		nullString(p.GatewayPaymentID), nullString(p.ChargebackGatewayID),
		int64(p.RefundAmount), int64(p.ChargebackAmount), p.FailureReason,
		nullTime(p.PaidAt), nullTime(p.ChargebackInitiatedAt), nullTime(p.ResolvedAt),
		p.Version, formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		if r.d.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s (order %s)", finance.ErrPaymentExists, p.ID, p.GatewayOrderID)
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r *repo) GetPayment(ctx context.Context, id string) (finance.Payment, error) {
	return r.payment(ctx, `id = ?`, id, "")
}

func (r *repo) GetPaymentByOrderID(ctx context.Context, gatewayOrderID string) (finance.Payment, error) {
	return r.payment(ctx, `gateway_order_id = ?`, gatewayOrderID, "")
}

func (r *repo) LockPayment(ctx context.Context, id string) (finance.Payment, error) {
	return r.payment(ctx, `id = ?`, id, r.lockClause())
}

func (r *repo) payment(ctx context.Context, where, arg, lock string) (finance.Payment, error) {
	p, err := scanPayment(r.queryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE `+where+lock, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return finance.Payment{}, fmt.Errorf("%w: %s", finance.ErrPaymentNotFound, arg)
	}
	return p, err
}

// UpdatePayment maps a unique violation to ErrDuplicateGatewayEvent: on
// update only the gateway payment and chargeback ids can collide.
func (r *repo) UpdatePayment(ctx context.Context, p finance.Payment) error {
	res, err := r.exec(ctx, `UPDATE payments
		SET status = ?, gateway_payment_id = ?, chargeback_gateway_id = ?, refund_amount = ?,
		    chargeback_amount = ?, failure_reason = ?, paid_at = ?, chargeback_initiated_at = ?,
		    resolved_at = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		p.Status, nullString(p.GatewayPaymentID), nullString(p.ChargebackGatewayID),
		int64(p.RefundAmount), int64(p.ChargebackAmount), p.FailureReason,
		nullTime(p.PaidAt), nullTime(p.ChargebackInitiatedAt), nullTime(p.ResolvedAt),
		p.Version, formatTime(p.UpdatedAt), p.ID, p.Version-1)
	if err != nil {
		if r.d.IsUniqueViolation(err) {
			return fmt.Errorf("%w: payment %s", finance.ErrDuplicateGatewayEvent, p.ID)
		}
		return fmt.Errorf("update payment: %w", err)
	}
	return r.expectOne(ctx, res, "payment", p.ID, func(ctx context.Context) error {
		_, err := r.GetPayment(ctx, p.ID)
		return err
	})
}

func (r *repo) AppendRefund(ctx context.Context, ref finance.PaymentRefund) error {
	_, err := r.exec(ctx, `INSERT INTO payment_refunds (id, payment_id, gateway_refund_id, amount, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		ref.ID, ref.PaymentID, ref.GatewayRefundID, int64(ref.Amount), formatTime(ref.CreatedAt))
	if err != nil {
		if r.d.IsUniqueViolation(err) {
			return fmt.Errorf("%w: refund %s", finance.ErrDuplicateGatewayEvent, ref.GatewayRefundID)
		}
		return fmt.Errorf("insert refund: %w", err)
	}
	return nil
}

func (r *repo) HasRefund(ctx context.Context, gatewayRefundID string) (bool, error) {
	var n int
	err := r.queryRow(ctx, `SELECT COUNT(*) FROM payment_refunds WHERE gateway_refund_id = ?`, gatewayRefundID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count refunds: %w", err)
	}
	return n > 0, nil
}

func (r *repo) ListRefunds(ctx context.Context, paymentID string) ([]finance.PaymentRefund, error) {
	rows, err := r.query(ctx, `SELECT id, payment_id, gateway_refund_id, amount, created_at
		FROM payment_refunds WHERE payment_id = ? ORDER BY seq`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("query refunds: %w", err)
	}
	defer rows.Close()

	var out []finance.PaymentRefund
	for rows.Next() {
		var (
			ref     finance.PaymentRefund
			created string
		)
		if err := rows.Scan(&ref.ID, &ref.PaymentID, &ref.GatewayRefundID, &ref.Amount, &created); err != nil {
			return nil, fmt.Errorf("scan refund: %w", err)
		}
		if ref.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// Receivables
// -----------------------------------------------------------------------------

const receivableColumns = `id, user_id, payment_id, kind, amount, paid, status, created_at, updated_at, settled_at`

func (r *repo) CreateReceivable(ctx context.Context, rcv finance.ChargebackReceivable) error {
	_, err := r.exec(ctx, `INSERT INTO chargeback_receivables (`+receivableColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rcv.ID, rcv.UserID, rcv.PaymentID, rcv.Kind, int64(rcv.Amount), int64(rcv.Paid), rcv.Status,
		formatTime(rcv.CreatedAt), formatTime(rcv.UpdatedAt), nullTime(rcv.SettledAt))
	if err != nil {
		return fmt.Errorf("insert receivable: %w", err)
	}
	return nil
}

func (r *repo) UpdateReceivable(ctx context.Context, rcv finance.ChargebackReceivable) error {
	res, err := r.exec(ctx, `UPDATE chargeback_receivables
		SET paid = ?, status = ?, updated_at = ?, settled_at = ? WHERE id = ?`,
		int64(rcv.Paid), rcv.Status, formatTime(rcv.UpdatedAt), nullTime(rcv.SettledAt), rcv.ID)
	if err != nil {
		return fmt.Errorf("update receivable: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("receivable %s not found", rcv.ID)
	}
	return nil
}

func (r *repo) ListReceivables(ctx context.Context, userID string, outstandingOnly bool) ([]finance.ChargebackReceivable, error) {
	query := `SELECT ` + receivableColumns + ` FROM chargeback_receivables WHERE user_id = ?`
	args := []any{userID}
	if outstandingOnly {
		query += ` AND status <> ?`
		args = append(args, finance.ReceivableSettled)
	}
	query += ` ORDER BY seq`

	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query receivables: %w", err)
	}
	defer rows.Close()

	var out []finance.ChargebackReceivable
	for rows.Next() {
		var (
			rcv              finance.ChargebackReceivable
			created, updated string
			settled          sql.NullString
		)
		err := rows.Scan(&rcv.ID, &rcv.UserID, &rcv.PaymentID, &rcv.Kind, &rcv.Amount, &rcv.Paid,
			&rcv.Status, &created, &updated, &settled)
		if err != nil {
			return nil, fmt.Errorf("scan receivable: %w", err)
		}
		if rcv.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if rcv.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		if rcv.SettledAt, err = parseNullTime(settled); err != nil {
			return nil, err
		}
		out = append(out, rcv)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// Allocations
// -----------------------------------------------------------------------------

const allocationColumns = `id, user_id, payment_id, amount, description, is_reversed, reversed_at, created_at`

func (r *repo) CreateAllocation(ctx context.Context, a finance.Allocation) error {
	_, err := r.exec(ctx, `INSERT INTO allocations (`+allocationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.PaymentID, int64(a.Amount), a.Description, a.IsReversed,
		nullTime(a.ReversedAt), formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert allocation: %w", err)
	}
	return nil
}

func (r *repo) GetAllocation(ctx context.Context, id string) (finance.Allocation, error) {
	rows, err := r.query(ctx, `SELECT `+allocationColumns+` FROM allocations WHERE id = ?`, id)
	if err != nil {
		return finance.Allocation{}, fmt.Errorf("query allocation: %w", err)
	}
	out, err := scanAllocations(rows)
	if err != nil {
		return finance.Allocation{}, err
	}
	if len(out) == 0 {
		return finance.Allocation{}, fmt.Errorf("%w: %s", finance.ErrAllocationNotFound, id)
	}
	return out[0], nil
}

func (r *repo) AllocationsForPayment(ctx context.Context, paymentID string) ([]finance.Allocation, error) {
	rows, err := r.query(ctx, `SELECT `+allocationColumns+` FROM allocations WHERE payment_id = ? ORDER BY seq`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("query allocations: %w", err)
	}
	return scanAllocations(rows)
}

func (r *repo) MarkAllocationReversed(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.exec(ctx, `UPDATE allocations SET is_reversed = ?, reversed_at = ?
		WHERE id = ? AND is_reversed = ?`, true, formatTime(at), id, false)
	if err != nil {
		return false, fmt.Errorf("reverse allocation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := r.GetAllocation(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// -----------------------------------------------------------------------------
// Audit
// -----------------------------------------------------------------------------

const auditColumns = `id, action, actor_id, user_id, payment_id, metadata_json, created_at, published_at`

func (r *repo) AppendAudit(ctx context.Context, rec finance.AuditRecord) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode audit metadata: %w", err)
	}
	_, err = r.exec(ctx, `INSERT INTO audit_log (`+auditColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Action, rec.ActorID, rec.UserID, rec.PaymentID, string(meta),
		formatTime(rec.CreatedAt), nullTime(rec.PublishedAt))
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (r *repo) ListAudit(ctx context.Context, filter finance.AuditFilter) ([]finance.AuditRecord, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_log WHERE 1 = 1`
	var args []any
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.PaymentID != "" {
		query += ` AND payment_id = ?`
		args = append(args, filter.PaymentID)
	}
	if filter.Action != "" {
		query += ` AND action = ?`
		args = append(args, filter.Action)
	}
	rows, err := r.query(ctx, query+` ORDER BY seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	return scanAudit(rows)
}

func (r *repo) UnpublishedAudit(ctx context.Context, limit int) ([]finance.AuditRecord, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_log WHERE published_at IS NULL ORDER BY seq`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	return scanAudit(rows)
}

func (r *repo) MarkAuditPublished(ctx context.Context, ids []string, at time.Time) error {
	for _, id := range ids {
		_, err := r.exec(ctx, `UPDATE audit_log SET published_at = ? WHERE id = ? AND published_at IS NULL`,
			formatTime(at), id)
		if err != nil {
			return fmt.Errorf("mark %s published: %w", id, err)
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// expectOne turns a zero-row versioned update into ErrConcurrentModification,
// or the not-found error from exists if the row is gone.
func (r *repo) expectOne(ctx context.Context, res sql.Result, kind, id string, exists func(context.Context) error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	if err := exists(ctx); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s %s", finance.ErrConcurrentModification, kind, id)
}

// mapImmutable converts a trigger rejection into *finance.ImmutableRecordError.
func mapImmutable(err error) error {
	msg := err.Error()
	i := strings.Index(msg, immutableMarker)
	if i < 0 {
		return err
	}
	rec := &finance.ImmutableRecordError{Cause: err}
	rest := strings.TrimPrefix(msg[i+len(immutableMarker):], ":")
	if fields := strings.Fields(rest); len(fields) >= 2 {
		rec.Operation = fields[0]
		rec.Table = strings.Trim(fields[1], `"'`)
	}
	return rec
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (finance.LedgerEntry, error) {
	var (
		e        finance.LedgerEntry
		date     string
		reverses sql.NullString
	)
	if err := row.Scan(&e.ID, &e.ReferenceType, &e.ReferenceID, &date, &e.Description, &reverses); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("scan entry: %w", err)
	}
	var err error
	if e.EntryDate, err = parseTime(date); err != nil {
		return e, err
	}
	e.ReversesEntryID = reverses.String
	return e, nil
}

func scanWallet(row rowScanner) (finance.Wallet, error) {
	var (
		w                finance.Wallet
		created, updated string
	)
	err := row.Scan(&w.UserID, &w.Balance, &w.LockedBalance, &w.IsRecoveryMode, &w.Version, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return w, err
		}
		return w, fmt.Errorf("scan wallet: %w", err)
	}
	if w.CreatedAt, err = parseTime(created); err != nil {
		return w, err
	}
	if w.UpdatedAt, err = parseTime(updated); err != nil {
		return w, err
	}
	return w, nil
}

func scanPayment(row rowScanner) (finance.Payment, error) {
	var (
		p                                finance.Payment
		gatewayPayment, chargeback       sql.NullString
		paidAt, chargebackAt, resolvedAt sql.NullString
		created, updated                 string
	)
	err := row.Scan(&p.ID, &p.UserID, &p.Amount, &p.Status, &p.GatewayOrderID, &gatewayPayment,
		&chargeback, &p.RefundAmount, &p.ChargebackAmount, &p.FailureReason, &paidAt,
		&chargebackAt, &resolvedAt, &p.Version, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("scan payment: %w", err)
	}
	p.GatewayPaymentID = gatewayPayment.String
	p.ChargebackGatewayID = chargeback.String
	if p.PaidAt, err = parseNullTime(paidAt); err != nil {
		return p, err
	}
	if p.ChargebackInitiatedAt, err = parseNullTime(chargebackAt); err != nil {
		return p, err
	}
	if p.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
		return p, err
	}
	if p.CreatedAt, err = parseTime(created); err != nil {
		return p, err
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return p, err
	}
	return p, nil
}

func scanAllocations(rows *sql.Rows) ([]finance.Allocation, error) {
	defer rows.Close()
	var out []finance.Allocation
	for rows.Next() {
		var (
			a        finance.Allocation
			reversed sql.NullString
			created  string
		)
		err := rows.Scan(&a.ID, &a.UserID, &a.PaymentID, &a.Amount, &a.Description, &a.IsReversed, &reversed, &created)
		if err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		if a.ReversedAt, err = parseNullTime(reversed); err != nil {
			return nil, err
		}
		if a.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAudit(rows *sql.Rows) ([]finance.AuditRecord, error) {
	defer rows.Close()
	var out []finance.AuditRecord
	for rows.Next() {
		var (
			rec       finance.AuditRecord
			meta      sql.NullString
			created   string
			published sql.NullString
		)
		err := rows.Scan(&rec.ID, &rec.Action, &rec.ActorID, &rec.UserID, &rec.PaymentID, &meta, &created, &published)
		if err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		if meta.Valid && meta.String != "" && meta.String != "null" {
			if err := json.Unmarshal([]byte(meta.String), &rec.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata %s: %w", rec.ID, err)
			}
		}
		if rec.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if rec.PublishedAt, err = parseNullTime(published); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func directionTotals(dir string, sum int64) finance.Totals {
	if finance.Direction(dir) == finance.Debit {
		return finance.Totals{Debits: finance.Money(sum)}
	}
	return finance.Totals{Credits: finance.Money(sum)}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
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

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
