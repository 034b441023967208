/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Amounts cross the API
  as decimal rupee strings ("1250.50") and are parsed into paise once, at
  the edge. Responses carry both paise and the formatted rupee string.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Struct tags are checked by go-playground/validator before a handler
  touches the engine. Amount strings are parsed by finance.ParseRupees,
  which rejects sub-paise precision.

SEE ALSO:
  - handlers.go: Uses these types
  - finance/money.go: Money and ParseRupees
*/
package api

import (
	"time"

	"github.com/preiposip/fincore/finance"
)

// =============================================================================
// MONEY
// =============================================================================

// AmountDTO shows an amount both ways.
type AmountDTO struct {
	Paise  int64  `json:"paise"`
	Rupees string `json:"rupees"`
}

func amount(m finance.Money) AmountDTO {
	return AmountDTO{Paise: int64(m), Rupees: m.Decimal().StringFixed(2)}
}

// =============================================================================
// WALLETS
// =============================================================================

type OpenWalletRequest struct {
	UserID string `json:"user_id" validate:"required,max=128"`
}

type WalletDTO struct {
	UserID         string    `json:"user_id"`
	Balance        AmountDTO `json:"balance"`
	LockedBalance  AmountDTO `json:"locked_balance"`
	IsRecoveryMode bool      `json:"is_recovery_mode"`
	Version        int64     `json:"version"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func toWalletDTO(w finance.Wallet) WalletDTO {
	return WalletDTO{
		UserID:         w.UserID,
		Balance:        amount(w.Balance),
		LockedBalance:  amount(w.LockedBalance),
		IsRecoveryMode: w.IsRecoveryMode,
		Version:        w.Version,
		UpdatedAt:      w.UpdatedAt,
	}
}

type DepositRequest struct {
	Amount      string `json:"amount" validate:"required,numeric"`
	Type        string `json:"type" validate:"omitempty,oneof=deposit admin_credit"`
	Description string `json:"description" validate:"max=255"`
	// BypassComplianceCheck is honoured for admins only.
	BypassComplianceCheck bool `json:"bypass_compliance_check"`
}

type WithdrawRequest struct {
	Amount      string `json:"amount" validate:"required,numeric"`
	RequestID   string `json:"request_id" validate:"required,max=128"`
	Description string `json:"description" validate:"max=255"`
}

type LockRequest struct {
	Amount string `json:"amount" validate:"required,numeric"`
	Reason string `json:"reason" validate:"required,max=255"`
}

type BonusRequest struct {
	AwardID     string `json:"award_id" validate:"required,max=128"`
	Gross       string `json:"gross" validate:"required,numeric"`
	TDS         string `json:"tds" validate:"required,numeric"`
	Net         string `json:"net" validate:"required,numeric"`
	Description string `json:"description" validate:"max=255"`
}

type ClearRecoveryRequest struct {
	Note          string `json:"note" validate:"required,max=500"`
	ForceOverride bool   `json:"force_override"`
}

type TransactionDTO struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Amount        AmountDTO `json:"amount"`
	BalanceBefore AmountDTO `json:"balance_before"`
	BalanceAfter  AmountDTO `json:"balance_after"`
	Status        string    `json:"status"`
	ReferenceType string    `json:"reference_type,omitempty"`
	ReferenceID   string    `json:"reference_id,omitempty"`
	Description   string    `json:"description,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func toTransactionDTO(tx finance.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:            tx.ID,
		Type:          string(tx.Type),
		Amount:        amount(tx.Amount),
		BalanceBefore: amount(tx.BalanceBefore),
		BalanceAfter:  amount(tx.BalanceAfter),
		Status:        string(tx.Status),
		ReferenceType: tx.ReferenceType,
		ReferenceID:   tx.ReferenceID,
		Description:   tx.Description,
		CreatedAt:     tx.CreatedAt,
	}
}

type ReceivableDTO struct {
	ID        string     `json:"id"`
	PaymentID string     `json:"payment_id"`
	Kind      string     `json:"kind"`
	Amount    AmountDTO  `json:"amount"`
	Paid      AmountDTO  `json:"paid"`
	Balance   AmountDTO  `json:"balance"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	SettledAt *time.Time `json:"settled_at,omitempty"`
}

func toReceivableDTO(r finance.ChargebackReceivable) ReceivableDTO {
	return ReceivableDTO{
		ID:        r.ID,
		PaymentID: r.PaymentID,
		Kind:      r.Kind,
		Amount:    amount(r.Amount),
		Paid:      amount(r.Paid),
		Balance:   amount(r.Balance()),
		Status:    string(r.Status),
		CreatedAt: r.CreatedAt,
		SettledAt: r.SettledAt,
	}
}

// =============================================================================
// PAYMENTS
// =============================================================================

type CreatePaymentRequest struct {
	UserID         string `json:"user_id" validate:"required,max=128"`
	Amount         string `json:"amount" validate:"required,numeric"`
	GatewayOrderID string `json:"gateway_order_id" validate:"required,max=128"`
}

type PaymentDTO struct {
	ID                  string     `json:"id"`
	UserID              string     `json:"user_id"`
	Amount              AmountDTO  `json:"amount"`
	Status              string     `json:"status"`
	GatewayOrderID      string     `json:"gateway_order_id"`
	GatewayPaymentID    string     `json:"gateway_payment_id,omitempty"`
	ChargebackGatewayID string     `json:"chargeback_gateway_id,omitempty"`
	RefundAmount        AmountDTO  `json:"refund_amount"`
	ChargebackAmount    AmountDTO  `json:"chargeback_amount"`
	FailureReason       string     `json:"failure_reason,omitempty"`
	PaidAt              *time.Time `json:"paid_at,omitempty"`
	ResolvedAt          *time.Time `json:"resolved_at,omitempty"`
	Version             int64      `json:"version"`
}

func toPaymentDTO(p finance.Payment) PaymentDTO {
	return PaymentDTO{
		ID:                  p.ID,
		UserID:              p.UserID,
		Amount:              amount(p.Amount),
		Status:              string(p.Status),
		GatewayOrderID:      p.GatewayOrderID,
		GatewayPaymentID:    p.GatewayPaymentID,
		ChargebackGatewayID: p.ChargebackGatewayID,
		RefundAmount:        amount(p.RefundAmount),
		ChargebackAmount:    amount(p.ChargebackAmount),
		FailureReason:       p.FailureReason,
		PaidAt:              p.PaidAt,
		ResolvedAt:          p.ResolvedAt,
		Version:             p.Version,
	}
}

type InvestRequest struct {
	Amount      string `json:"amount" validate:"required,numeric"`
	Description string `json:"description" validate:"max=255"`
}

type AllocationDTO struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	PaymentID   string     `json:"payment_id"`
	Amount      AmountDTO  `json:"amount"`
	Description string     `json:"description,omitempty"`
	IsReversed  bool       `json:"is_reversed"`
	ReversedAt  *time.Time `json:"reversed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func toAllocationDTO(a finance.Allocation) AllocationDTO {
	return AllocationDTO{
		ID:          a.ID,
		UserID:      a.UserID,
		PaymentID:   a.PaymentID,
		Amount:      amount(a.Amount),
		Description: a.Description,
		IsReversed:  a.IsReversed,
		ReversedAt:  a.ReversedAt,
		CreatedAt:   a.CreatedAt,
	}
}

// ChargebackRequest drives a dispute by hand when the gateway's webhook
// was lost. Amount is optional.
type ChargebackRequest struct {
	ChargebackID string `json:"chargeback_id" validate:"required,max=128"`
	Amount       string `json:"amount" validate:"omitempty,numeric"`
}

type RefundRequest struct {
	RefundID string `json:"refund_id" validate:"required,max=128"`
	Amount   string `json:"amount" validate:"required,numeric"`
}

// =============================================================================
// LEDGER
// =============================================================================

type ReverseEntryRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type LedgerLineDTO struct {
	Account   string    `json:"account"`
	Direction string    `json:"direction"`
	Amount    AmountDTO `json:"amount"`
	UserID    string    `json:"user_id,omitempty"`
}

type LedgerEntryDTO struct {
	ID              string          `json:"id"`
	ReferenceType   string          `json:"reference_type"`
	ReferenceID     string          `json:"reference_id"`
	EntryDate       time.Time       `json:"entry_date"`
	Description     string          `json:"description"`
	ReversesEntryID string          `json:"reverses_entry_id,omitempty"`
	Lines           []LedgerLineDTO `json:"lines"`
}

func toLedgerEntryDTO(e finance.LedgerEntry) LedgerEntryDTO {
	lines := make([]LedgerLineDTO, len(e.Lines))
	for i, l := range e.Lines {
		lines[i] = LedgerLineDTO{
			Account:   string(l.Account),
			Direction: string(l.Direction),
			Amount:    amount(l.Amount),
			UserID:    l.UserID,
		}
	}
	return LedgerEntryDTO{
		ID:              e.ID,
		ReferenceType:   e.ReferenceType,
		ReferenceID:     e.ReferenceID,
		EntryDate:       e.EntryDate,
		Description:     e.Description,
		ReversesEntryID: e.ReversesEntryID,
		Lines:           lines,
	}
}

type AccountBalanceDTO struct {
	Code          string    `json:"code"`
	Name          string    `json:"name"`
	Type          string    `json:"type"`
	NormalBalance string    `json:"normal_balance"`
	Balance       AmountDTO `json:"balance"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}
