/*
errors.go - Centralized error types for the financial engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Business-rule violations are returned to the caller as-is; they are
  never swallowed and never retried by the engine itself.

ERROR CATEGORIES:
  1. Ledger errors - Unbalanced postings, immutable rows
  2. Wallet errors - Insufficient funds, recovery mode
  3. Payment errors - Invalid transitions, over-claimed reversals
  4. Store errors - Missing rows, optimistic-lock conflicts

USAGE:
  if errors.Is(err, finance.ErrInsufficientFunds) {
      var ife *finance.InsufficientFundsError
      errors.As(err, &ife) // ife.Available, ife.Requested
  }

SEE ALSO:
  - api/handlers.go: Maps these errors to HTTP status codes
  - webhook/processor.go: Decides which errors acknowledge a delivery
*/
package finance

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrUnbalancedEntry is returned when Σdebits != Σcredits. Nothing is written.
	ErrUnbalancedEntry = errors.New("unbalanced ledger entry")

	// ErrImmutableRecord is returned when storage rejects an update or delete
	// of a posted ledger row.
	ErrImmutableRecord = errors.New("ledger records are immutable")

	// ErrInvalidRequest is returned when a required identifier is missing.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvalidAmount is returned for zero, negative or unparseable amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrUnknownAccount is returned when a posting names an account code
	// that is not in the chart of accounts.
	ErrUnknownAccount = errors.New("unknown ledger account")

	// ErrAccountConflict is returned when seeding would change an existing account.
	ErrAccountConflict = errors.New("ledger account conflicts with seeded account")

	// ErrEntryNotFound is returned when a referenced ledger entry doesn't exist.
	ErrEntryNotFound = errors.New("ledger entry not found")

	// ErrAlreadyReversed is returned when reversing an entry twice.
	ErrAlreadyReversed = errors.New("ledger entry already reversed")

	// ErrInsufficientFunds is returned when a user-initiated debit exceeds the balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInsufficientLockedFunds is returned when unlocking more than is locked.
	ErrInsufficientLockedFunds = errors.New("insufficient locked funds")

	// ErrRecoveryMode is returned for user-initiated debits while the wallet
	// carries an outstanding receivable.
	ErrRecoveryMode = errors.New("wallet is in recovery mode")

	// ErrOutstandingReceivable is returned when clearing recovery mode
	// while a receivable is still open.
	ErrOutstandingReceivable = errors.New("outstanding receivable")

	// ErrChargebackExceedsRefundable is returned when a chargeback or refund
	// asks for more than the payment's remaining claimable amount.
	ErrChargebackExceedsRefundable = errors.New("amount exceeds refundable amount")

	// ErrInvalidTransition is returned when a payment event doesn't apply
	// to the payment's current status.
	ErrInvalidTransition = errors.New("invalid payment transition")

	// ErrDisputeAlreadyRecorded is returned when a second, different dispute
	// arrives for a payment that already carries one.
	ErrDisputeAlreadyRecorded = errors.New("payment already has a dispute")

	// ErrDisputeOpen is returned for refunds while a dispute is pending.
	ErrDisputeOpen = errors.New("payment has an open dispute")

	// ErrPaymentFinalized is returned for refunds against a terminal payment.
	ErrPaymentFinalized = errors.New("payment is finalized")

	// ErrPaymentMismatch is returned when a payment doesn't belong to the
	// user named in the request.
	ErrPaymentMismatch = errors.New("payment does not belong to user")

	// ErrAllocationExceedsPayment is returned when investments against a
	// payment would exceed the payment amount.
	ErrAllocationExceedsPayment = errors.New("allocations exceed payment amount")

	// ErrInvalidTransactionType is returned when a transaction type is used
	// on the wrong side (a debit type passed to Deposit, for example).
	ErrInvalidTransactionType = errors.New("invalid transaction type")

	// ErrInvalidBonus is returned when gross != tds + net.
	ErrInvalidBonus = errors.New("bonus amounts do not reconcile")

	// ErrComplianceRejected is returned when the compliance gate refuses a deposit.
	ErrComplianceRejected = errors.New("deposit rejected by compliance")

	// ErrWalletNotFound is returned when a user has no wallet.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrWalletExists is returned when opening a second wallet for a user.
	ErrWalletExists = errors.New("wallet already exists")

	// ErrPaymentNotFound is returned when a referenced payment doesn't exist.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrPaymentExists is returned when a payment id or gateway order id is reused.
	ErrPaymentExists = errors.New("payment already exists")

	// ErrAllocationNotFound is returned when a referenced allocation doesn't exist.
	ErrAllocationNotFound = errors.New("allocation not found")

	// ErrDuplicateGatewayEvent is returned by stores when a gateway id unique
	// constraint fires. Callers translate it into a successful no-op.
	ErrDuplicateGatewayEvent = errors.New("duplicate gateway event")

	// ErrRequestReused is returned when a client request id is replayed with
	// different parameters.
	ErrRequestReused = errors.New("request id reused with different parameters")

	// ErrConcurrentModification is returned when optimistic locking detects a conflict.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// UnbalancedEntryError reports the two sides of a rejected posting.
type UnbalancedEntryError struct {
	Debits  Money
	Credits Money
}

func (e *UnbalancedEntryError) Error() string {
	return fmt.Sprintf("unbalanced ledger entry: debits %s, credits %s", e.Debits, e.Credits)
}

func (e *UnbalancedEntryError) Unwrap() error { return ErrUnbalancedEntry }

// ImmutableRecordError names the table and operation storage refused.
type ImmutableRecordError struct {
	Table     string
	Operation string
	Cause     error
}

func (e *ImmutableRecordError) Error() string {
	return fmt.Sprintf("%s on %s rejected: ledger records are immutable", e.Operation, e.Table)
}

func (e *ImmutableRecordError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrImmutableRecord}
	}
	return []error{ErrImmutableRecord, e.Cause}
}

// InsufficientFundsError provides details about a balance shortage.
type InsufficientFundsError struct {
	UserID    string
	Available Money
	Requested Money
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for %s: available %s, requested %s",
		e.UserID, e.Available, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// RecoveryModeError is returned for user-initiated debits on a wallet in
// recovery mode.
type RecoveryModeError struct {
	UserID string
	Type   TransactionType
}

func (e *RecoveryModeError) Error() string {
	return fmt.Sprintf("wallet %s is in recovery mode: %s blocked until receivable clears",
		e.UserID, e.Type)
}

func (e *RecoveryModeError) Unwrap() error { return ErrRecoveryMode }

// ChargebackExceedsRefundableAmountError is returned when a reversal asks
// for more than the payment can still give back.
type ChargebackExceedsRefundableAmountError struct {
	PaymentID  string
	Requested  Money
	Refundable Money
}

func (e *ChargebackExceedsRefundableAmountError) Error() string {
	return fmt.Sprintf("payment %s: requested %s exceeds refundable %s",
		e.PaymentID, e.Requested, e.Refundable)
}

func (e *ChargebackExceedsRefundableAmountError) Unwrap() error {
	return ErrChargebackExceedsRefundable
}

// OutstandingReceivableError blocks clearing recovery mode.
type OutstandingReceivableError struct {
	UserID      string
	Outstanding Money
}

func (e *OutstandingReceivableError) Error() string {
	return fmt.Sprintf("user %s still owes %s", e.UserID, e.Outstanding)
}

func (e *OutstandingReceivableError) Unwrap() error { return ErrOutstandingReceivable }

// InvalidTransitionError names the event a payment could not accept.
type InvalidTransitionError struct {
	PaymentID string
	From      PaymentStatus
	Event     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("payment %s: cannot apply %s in status %s", e.PaymentID, e.Event, e.From)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is a business-rule violation
// the end user can act on.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrRecoveryMode)
}

// IsConflict returns true if the request collides with existing state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrWalletExists) ||
		errors.Is(err, ErrPaymentExists) ||
		errors.Is(err, ErrDisputeAlreadyRecorded) ||
		errors.Is(err, ErrAlreadyReversed) ||
		errors.Is(err, ErrRequestReused)
}

// IsValidation returns true if the request itself was malformed.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidTransactionType) ||
		errors.Is(err, ErrInvalidBonus) ||
		errors.Is(err, ErrUnknownAccount)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWalletNotFound) ||
		errors.Is(err, ErrPaymentNotFound) ||
		errors.Is(err, ErrEntryNotFound) ||
		errors.Is(err, ErrAllocationNotFound)
}
