/*
store.go - Persistence interfaces for the financial engine

PURPOSE:
  Defines the boundary between engine logic and the database. Different
  implementations use SQLite, PostgreSQL, or in-memory storage.

KEY INTERFACES:
  LedgerStore:     Accounts, entries and lines (append-only)
  WalletStore:     Wallet rows and their transaction history
  PaymentStore:    Payments and per-refund gateway ids
  ReceivableStore: Chargeback receivables
  AllocationStore: Share allocations bought from wallet funds
  AuditStore:      Audit log doubling as the event outbox
  TxStore:         Runs a unit of work atomically

APPEND-ONLY CONTRACT:
  LedgerStore has AppendEntry and nothing that edits or removes an entry.
  SQL implementations additionally install triggers that reject UPDATE and
  DELETE on ledger_entries and ledger_lines, surfacing ImmutableRecordError
  for anyone going around this interface.

LOCKING:
  LockWallet and LockPayment read a row and hold it for the rest of the
  unit of work (SELECT ... FOR UPDATE on Postgres). Called outside WithTx
  they behave like plain reads. Update* methods use an optimistic version
  check: the caller increments Version, the store writes only if the row
  still carries Version-1, else ErrConcurrentModification.

  Lock order is always payment before wallet.

IMPLEMENTATIONS:
  - finance/store/memory.go: In-memory for tests
  - store/sqlite: SQLite
  - store/postgres: PostgreSQL (lib/pq)
*/
package finance

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Composite persistence interface
// =============================================================================

type LedgerStore interface {
	// SeedAccounts inserts missing accounts. An existing account with a
	// different type or normal balance is ErrAccountConflict.
	SeedAccounts(ctx context.Context, accounts []LedgerAccount) error
	ListAccounts(ctx context.Context) ([]LedgerAccount, error)

	// AppendEntry persists an entry with all of its lines. The ONLY ledger write.
	AppendEntry(ctx context.Context, entry LedgerEntry) error
	GetEntry(ctx context.Context, id string) (LedgerEntry, error)
	EntriesByReference(ctx context.Context, refType, refID string) ([]LedgerEntry, error)

	// AccountTotals sums lines for one account. userID "" means every user.
	AccountTotals(ctx context.Context, code AccountCode, userID string) (Totals, error)
	// LedgerTotals sums lines for every account that has any.
	LedgerTotals(ctx context.Context) (map[AccountCode]Totals, error)
}

type WalletStore interface {
	CreateWallet(ctx context.Context, w Wallet) error
	GetWallet(ctx context.Context, userID string) (Wallet, error)
	LockWallet(ctx context.Context, userID string) (Wallet, error)
	UpdateWallet(ctx context.Context, w Wallet) error
	ListWallets(ctx context.Context) ([]Wallet, error)

	// AppendTransaction rejects a second withdrawal with the same request
	// id for a user with ErrConcurrentModification.
	AppendTransaction(ctx context.Context, tx Transaction) error
	ListTransactions(ctx context.Context, userID string) ([]Transaction, error)
	// TransactionByReference returns the user's first transaction carrying
	// the reference. ok is false if there is none.
	TransactionByReference(ctx context.Context, userID, refType, refID string) (tx Transaction, ok bool, err error)
}

type PaymentStore interface {
	CreatePayment(ctx context.Context, p Payment) error
	GetPayment(ctx context.Context, id string) (Payment, error)
	GetPaymentByOrderID(ctx context.Context, gatewayOrderID string) (Payment, error)
	LockPayment(ctx context.Context, id string) (Payment, error)
	UpdatePayment(ctx context.Context, p Payment) error

	// AppendRefund records one applied refund. A reused gateway refund id
	// is ErrDuplicateGatewayEvent.
	AppendRefund(ctx context.Context, r PaymentRefund) error
	HasRefund(ctx context.Context, gatewayRefundID string) (bool, error)
	ListRefunds(ctx context.Context, paymentID string) ([]PaymentRefund, error)
}

type ReceivableStore interface {
	CreateReceivable(ctx context.Context, r ChargebackReceivable) error
	UpdateReceivable(ctx context.Context, r ChargebackReceivable) error
	// ListReceivables returns receivables oldest first.
	ListReceivables(ctx context.Context, userID string, outstandingOnly bool) ([]ChargebackReceivable, error)
}

type AllocationStore interface {
	CreateAllocation(ctx context.Context, a Allocation) error
	GetAllocation(ctx context.Context, id string) (Allocation, error)
	AllocationsForPayment(ctx context.Context, paymentID string) ([]Allocation, error)
	// MarkAllocationReversed flips is_reversed once. It reports false if
	// the allocation was already reversed.
	MarkAllocationReversed(ctx context.Context, id string, at time.Time) (bool, error)
}

type AuditStore interface {
	AppendAudit(ctx context.Context, rec AuditRecord) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]AuditRecord, error)
	UnpublishedAudit(ctx context.Context, limit int) ([]AuditRecord, error)
	MarkAuditPublished(ctx context.Context, ids []string, at time.Time) error
}

// Store is everything the engine persists.
type Store interface {
	LedgerStore
	WalletStore
	PaymentStore
	ReceivableStore
	AllocationStore
	AuditStore
}

// TxStore runs fn against a transaction-scoped Store. If fn returns an
// error every write made through that Store is rolled back.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}
