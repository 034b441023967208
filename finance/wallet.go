/*
wallet.go - Per-user wallet ledger

PURPOSE:
  The wallet is what the platform owes one user, as a running balance plus
  an append-only history of Transactions. It is the only component that
  writes wallet rows. Every balance change is paired with a ledger posting
  against USER_WALLET_LIABILITY in the same unit of work.

BALANCE RULES:
  - balance >= 0 and locked_balance >= 0, always
  - balance = Σ(credit transactions) - Σ(debit transactions)
  - user-initiated debits fail with InsufficientFundsError past zero
  - system debits (chargeback/refund clawback, receivable recovery) may
    take the balance to exactly zero, never below

RECOVERY MODE:
  Set when a chargeback or refund leaves a receivable. Deposits are always
  accepted and then absorbed into the oldest receivable first. User-initiated
  debits fail with RecoveryModeError until the receivable clears.

POSTINGS:
  Type                 Wallet   Ledger
  deposit              +amt     Dr BANK                 / Cr USER_WALLET_LIABILITY
  bonus_credit         +net     Dr BONUS_EXPENSE gross  / Cr LIABILITY net, Cr TDS_PAYABLE tds
  refund_credit        +amt     Dr SHARE_SALE_INCOME    / Cr USER_WALLET_LIABILITY
  admin_credit         +amt     Dr BONUS_EXPENSE        / Cr USER_WALLET_LIABILITY
  withdrawal           -amt     Dr USER_WALLET_LIABILITY / Cr BANK
  investment_debit     -amt     Dr USER_WALLET_LIABILITY / Cr SHARE_SALE_INCOME
  admin_debit          -amt     Dr USER_WALLET_LIABILITY / Cr BONUS_EXPENSE
  receivable_recovery  -amt     Dr USER_WALLET_LIABILITY / Cr ACCOUNTS_RECEIVABLE
  funds_lock/unlock    moves between balance and locked_balance, no posting

SEE ALSO:
  - receivable.go: Absorption of deposits into receivables
  - resolution.go: Chargeback and refund clawbacks
*/
package finance

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// =============================================================================
// TYPES
// =============================================================================

// Wallet is one user's balance. Version is bumped on every write.
type Wallet struct {
	UserID         string    `json:"user_id"`
	Balance        Money     `json:"balance"`
	LockedBalance  Money     `json:"locked_balance"`
	IsRecoveryMode bool      `json:"is_recovery_mode"`
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TransactionType classifies a wallet mutation as credit or debit.
type TransactionType string

const (
	TxDeposit      TransactionType = "deposit"
	TxBonusCredit  TransactionType = "bonus_credit"
	TxRefundCredit TransactionType = "refund_credit"
	TxAdminCredit  TransactionType = "admin_credit"
	TxFundsUnlock  TransactionType = "funds_unlock"

	TxWithdrawal         TransactionType = "withdrawal"
	TxInvestmentDebit    TransactionType = "investment_debit"
	TxAdminDebit         TransactionType = "admin_debit"
	TxFundsLock          TransactionType = "funds_lock"
	TxChargebackDebit    TransactionType = "chargeback_debit"
	TxRefundDebit        TransactionType = "refund_debit"
	TxReceivableRecovery TransactionType = "receivable_recovery"
)

func (t TransactionType) IsCredit() bool {
	switch t {
	case TxDeposit, TxBonusCredit, TxRefundCredit, TxAdminCredit, TxFundsUnlock:
		return true
	}
	return false
}

// IsSystem reports whether the engine itself issues this debit.
func (t TransactionType) IsSystem() bool {
	switch t {
	case TxChargebackDebit, TxRefundDebit, TxReceivableRecovery:
		return true
	}
	return false
}

func (t TransactionType) isLockMove() bool {
	return t == TxFundsLock || t == TxFundsUnlock
}

// counterpart is the account on the other side of USER_WALLET_LIABILITY.
func (t TransactionType) counterpart() (AccountCode, error) {
	switch t {
	case TxDeposit, TxWithdrawal, TxChargebackDebit, TxRefundDebit:
		return AccountBank, nil
	case TxBonusCredit, TxAdminCredit, TxAdminDebit:
		return AccountBonusExpense, nil
	case TxRefundCredit, TxInvestmentDebit:
		return AccountShareSaleIncome, nil
	case TxReceivableRecovery:
		return AccountReceivable, nil
	}
	return "", fmt.Errorf("%w: %q has no ledger counterpart", ErrInvalidTransactionType, t)
}

type TransactionStatus string

const (
	TxStatusPending   TransactionStatus = "pending"
	TxStatusCompleted TransactionStatus = "completed"
	TxStatusFailed    TransactionStatus = "failed"
)

// Transaction is the append-only record of one wallet mutation.
type Transaction struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id"`
	Type          TransactionType   `json:"type"`
	Amount        Money             `json:"amount"`
	BalanceBefore Money             `json:"balance_before"`
	BalanceAfter  Money             `json:"balance_after"`
	Status        TransactionStatus `json:"status"`
	ReferenceType string            `json:"reference_type,omitempty"`
	ReferenceID   string            `json:"reference_id,omitempty"`
	Description   string            `json:"description"`
	CreatedAt     time.Time         `json:"created_at"`
}

type DepositRequest struct {
	UserID                string
	Amount                Money
	Type                  TransactionType
	Description           string
	Reference             Reference
	BypassComplianceCheck bool
	ActorID               string
}

type WithdrawRequest struct {
	UserID      string
	Amount      Money
	Type        TransactionType
	Description string
	Reference   Reference
}

// BonusRequest is one award from the bonus service. Gross = TDS + Net.
type BonusRequest struct {
	UserID      string
	AwardID     string
	Gross       Money
	TDS         Money
	Net         Money
	Description string
}

// ComplianceGate decides whether a deposit may be accepted.
type ComplianceGate interface {
	AllowDeposit(ctx context.Context, userID string, amount Money) error
}

// =============================================================================
// WALLET SERVICE
// =============================================================================

type WalletService struct {
	store       TxStore
	ledger      *Ledger
	receivables *receivables
	compliance  ComplianceGate
	logger      *slog.Logger
	now         func() time.Time
}

// Open creates an empty wallet at user registration.
func (ws *WalletService) Open(ctx context.Context, userID string) (Wallet, error) {
	if userID == "" {
		return Wallet{}, fmt.Errorf("open wallet: empty user id: %w", ErrInvalidRequest)
	}
	now := ws.now()
	w := Wallet{UserID: userID, Version: 1, CreatedAt: now, UpdatedAt: now}
	if err := ws.store.CreateWallet(ctx, w); err != nil {
		return Wallet{}, err
	}
	ws.logger.Info("wallet opened", "user_id", userID)
	return w, nil
}

func (ws *WalletService) Get(ctx context.Context, userID string) (Wallet, error) {
	return ws.store.GetWallet(ctx, userID)
}

func (ws *WalletService) Transactions(ctx context.Context, userID string) ([]Transaction, error) {
	if _, err := ws.store.GetWallet(ctx, userID); err != nil {
		return nil, err
	}
	return ws.store.ListTransactions(ctx, userID)
}

// Deposit credits the wallet. In recovery mode the deposit is accepted and
// then absorbed into outstanding receivables in the same unit of work.
func (ws *WalletService) Deposit(ctx context.Context, req DepositRequest) (Transaction, error) {
	var txn Transaction
	err := ws.store.WithTx(ctx, func(s Store) error {
		w, err := s.LockWallet(ctx, req.UserID)
		if err != nil {
			return err
		}
		if txn, err = ws.deposit(ctx, s, &w, req); err != nil {
			return err
		}
		return ws.save(ctx, s, &w)
	})
	if err != nil {
		return Transaction{}, err
	}
	return txn, nil
}

func (ws *WalletService) deposit(ctx context.Context, s Store, w *Wallet, req DepositRequest) (Transaction, error) {
	if req.Amount <= 0 {
		return Transaction{}, fmt.Errorf("deposit %d paise: %w", req.Amount, ErrInvalidAmount)
	}
	if req.Type == "" {
		req.Type = TxDeposit
	}
	if !req.Type.IsCredit() || req.Type.isLockMove() {
		return Transaction{}, fmt.Errorf("deposit as %q: %w", req.Type, ErrInvalidTransactionType)
	}
	counterpart, err := req.Type.counterpart()
	if err != nil {
		return Transaction{}, err
	}
	if err := ws.checkCompliance(ctx, s, req); err != nil {
		return Transaction{}, err
	}

	txn, err := recordMutation(ctx, s, w, req.Type, req.Amount, req.Reference, req.Description, ws.now())
	if err != nil {
		return Transaction{}, err
	}
	lines := []Line{
		DebitLine(counterpart, req.Amount).For(w.UserID),
		CreditLine(AccountUserWalletLiability, req.Amount).For(w.UserID),
	}
	if _, err := ws.ledger.post(ctx, s, lines, postingRef(req.Reference, txn), req.Description); err != nil {
		return Transaction{}, err
	}

	if w.IsRecoveryMode {
		if _, err := ws.receivables.absorb(ctx, s, w, req.Amount); err != nil {
			return Transaction{}, err
		}
	}
	return txn, nil
}

func (ws *WalletService) checkCompliance(ctx context.Context, s Store, req DepositRequest) error {
	if ws.compliance == nil {
		return nil
	}
	if req.BypassComplianceCheck {
		return appendAudit(ctx, s, ws.now(), AuditRecord{
			Action:   AuditComplianceCheckBypassed,
			ActorID:  req.ActorID,
			UserID:   req.UserID,
			Metadata: map[string]any{"amount": int64(req.Amount), "type": string(req.Type)},
		})
	}
	if err := ws.compliance.AllowDeposit(ctx, req.UserID, req.Amount); err != nil {
		return fmt.Errorf("%w: %v", ErrComplianceRejected, err)
	}
	return nil
}

// Withdraw debits the wallet. A Withdrawal reference makes it idempotent:
// replaying a request id returns the original transaction.
func (ws *WalletService) Withdraw(ctx context.Context, req WithdrawRequest) (Transaction, error) {
	var txn Transaction
	err := ws.store.WithTx(ctx, func(s Store) error {
		w, err := s.LockWallet(ctx, req.UserID)
		if err != nil {
			return err
		}
		if ref, ok := req.Reference.(Withdrawal); ok && ref.RequestID != "" {
			prior, found, err := s.TransactionByReference(ctx, w.UserID, ref.ReferenceType(), ref.RequestID)
			if err != nil {
				return err
			}
			if found {
				if prior.Amount != req.Amount {
					return fmt.Errorf("%w: withdrawal %s was %s", ErrRequestReused, ref.RequestID, prior.Amount)
				}
				txn = prior
				return nil
			}
		}
		if txn, err = ws.withdraw(ctx, s, &w, req); err != nil {
			return err
		}
		return ws.save(ctx, s, &w)
	})
	if err != nil {
		ws.logger.Warn("withdrawal rejected",
			"user_id", req.UserID, "type", req.Type, "amount", req.Amount, "error", err)
		return Transaction{}, err
	}
	return txn, nil
}

func (ws *WalletService) withdraw(ctx context.Context, s Store, w *Wallet, req WithdrawRequest) (Transaction, error) {
	if req.Amount <= 0 {
		return Transaction{}, fmt.Errorf("withdraw %d paise: %w", req.Amount, ErrInvalidAmount)
	}
	if req.Type == "" {
		req.Type = TxWithdrawal
	}
	if req.Type.IsCredit() || req.Type.isLockMove() {
		return Transaction{}, fmt.Errorf("withdraw as %q: %w", req.Type, ErrInvalidTransactionType)
	}
	counterpart, err := req.Type.counterpart()
	if err != nil {
		return Transaction{}, err
	}
	if w.IsRecoveryMode && !req.Type.IsSystem() {
		return Transaction{}, &RecoveryModeError{UserID: w.UserID, Type: req.Type}
	}

	txn, err := recordMutation(ctx, s, w, req.Type, req.Amount, req.Reference, req.Description, ws.now())
	if err != nil {
		return Transaction{}, err
	}
	lines := []Line{
		DebitLine(AccountUserWalletLiability, req.Amount).For(w.UserID),
		CreditLine(counterpart, req.Amount).For(w.UserID),
	}
	if _, err := ws.ledger.post(ctx, s, lines, postingRef(req.Reference, txn), req.Description); err != nil {
		return Transaction{}, err
	}
	return txn, nil
}

// CreditBonus records a bonus net of TDS. The gross amount is expensed;
// the withheld tax becomes a TDS_PAYABLE liability.
func (ws *WalletService) CreditBonus(ctx context.Context, req BonusRequest) (Transaction, error) {
	if req.Net <= 0 || req.TDS < 0 || req.Gross != req.TDS+req.Net {
		return Transaction{}, fmt.Errorf("%w: gross %s, tds %s, net %s",
			ErrInvalidBonus, req.Gross, req.TDS, req.Net)
	}
	ref := BonusAward{AwardID: req.AwardID}
	if req.AwardID == "" {
		ref.AwardID = NewID(prefixTransaction)
	}

	var txn Transaction
	err := ws.store.WithTx(ctx, func(s Store) error {
		w, err := s.LockWallet(ctx, req.UserID)
		if err != nil {
			return err
		}
		txn, err = recordMutation(ctx, s, &w, TxBonusCredit, req.Net, ref, req.Description, ws.now())
		if err != nil {
			return err
		}
		lines := []Line{
			DebitLine(AccountBonusExpense, req.Gross).For(w.UserID),
			CreditLine(AccountUserWalletLiability, req.Net).For(w.UserID),
		}
		if req.TDS > 0 {
			lines = append(lines, CreditLine(AccountTDSPayable, req.TDS).For(w.UserID))
		}
		if _, err := ws.ledger.post(ctx, s, lines, ref, req.Description); err != nil {
			return err
		}
		if w.IsRecoveryMode {
			if _, err := ws.receivables.absorb(ctx, s, &w, req.Net); err != nil {
				return err
			}
		}
		return ws.save(ctx, s, &w)
	})
	if err != nil {
		return Transaction{}, err
	}
	return txn, nil
}

// LockFunds earmarks part of the balance for a pending withdrawal. The
// money stays owed to the user, so nothing is posted.
func (ws *WalletService) LockFunds(ctx context.Context, userID string, amount Money, reason string) (Wallet, error) {
	return ws.moveLocked(ctx, userID, amount, TxFundsLock, reason)
}

// UnlockFunds returns earmarked funds to the spendable balance.
func (ws *WalletService) UnlockFunds(ctx context.Context, userID string, amount Money, reason string) (Wallet, error) {
	return ws.moveLocked(ctx, userID, amount, TxFundsUnlock, reason)
}

func (ws *WalletService) moveLocked(ctx context.Context, userID string, amount Money, txType TransactionType, reason string) (Wallet, error) {
	if amount <= 0 {
		return Wallet{}, fmt.Errorf("%s %d paise: %w", txType, amount, ErrInvalidAmount)
	}
	var w Wallet
	err := ws.store.WithTx(ctx, func(s Store) error {
		var err error
		if w, err = s.LockWallet(ctx, userID); err != nil {
			return err
		}
		if txType == TxFundsLock && w.IsRecoveryMode {
			return &RecoveryModeError{UserID: userID, Type: txType}
		}
		if _, err := recordMutation(ctx, s, &w, txType, amount, nil, reason, ws.now()); err != nil {
			return err
		}
		return ws.save(ctx, s, &w)
	})
	if err != nil {
		return Wallet{}, err
	}
	return w, nil
}

func (ws *WalletService) save(ctx context.Context, s Store, w *Wallet) error {
	return saveWallet(ctx, s, w, ws.now())
}

// =============================================================================
// MUTATION PRIMITIVE
// =============================================================================

// recordMutation applies one transaction to w in memory and appends it to
// the history. The caller posts the matching ledger entry and saves w.
func recordMutation(ctx context.Context, s Store, w *Wallet, txType TransactionType, amount Money, ref Reference, description string, at time.Time) (Transaction, error) {
	before := w.Balance
	if txType.IsCredit() && amount > math.MaxInt64-w.Balance-w.LockedBalance {
		return Transaction{}, fmt.Errorf("%s %d paise overflows wallet %s: %w", txType, amount, w.UserID, ErrInvalidAmount)
	}
	switch {
	case txType == TxFundsUnlock:
		if amount > w.LockedBalance {
			return Transaction{}, fmt.Errorf("%w: locked %s, requested %s",
				ErrInsufficientLockedFunds, w.LockedBalance, amount)
		}
		w.LockedBalance -= amount
		w.Balance += amount
	case txType.IsCredit():
		w.Balance += amount
	default:
		if amount > w.Balance {
			return Transaction{}, &InsufficientFundsError{UserID: w.UserID, Available: w.Balance, Requested: amount}
		}
		w.Balance -= amount
		if txType == TxFundsLock {
			w.LockedBalance += amount
		}
	}

	refType, refID := ReferenceColumns(ref)
	txn := Transaction{
		ID:            NewID(prefixTransaction),
		UserID:        w.UserID,
		Type:          txType,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  w.Balance,
		Status:        TxStatusCompleted,
		ReferenceType: refType,
		ReferenceID:   refID,
		Description:   description,
		CreatedAt:     at,
	}
	if err := s.AppendTransaction(ctx, txn); err != nil {
		return Transaction{}, fmt.Errorf("append wallet transaction: %w", err)
	}
	return txn, nil
}

func saveWallet(ctx context.Context, s Store, w *Wallet, at time.Time) error {
	w.Version++
	w.UpdatedAt = at
	if err := s.UpdateWallet(ctx, *w); err != nil {
		return fmt.Errorf("update wallet %s: %w", w.UserID, err)
	}
	return nil
}

// postingRef tags a mutation without a causing event as an admin
// adjustment on the user.
func postingRef(ref Reference, txn Transaction) Reference {
	if ref != nil {
		return ref
	}
	return AdminAdjustment{UserID: txn.UserID}
}
