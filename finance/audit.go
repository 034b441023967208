package finance

import (
	"context"
	"fmt"
	"time"
)

// AuditAction tags an audit record.
type AuditAction string

const (
	AuditPaymentCaptured         AuditAction = "payment.captured"
	AuditPaymentFailed           AuditAction = "payment.failed"
	AuditChargebackOpened        AuditAction = "payment.chargeback_opened"
	AuditChargebackDismissed     AuditAction = "payment.chargeback_dismissed"
	AuditChargebackConfirmed     AuditAction = "payment.chargeback_confirmed"
	AuditRefundApplied           AuditAction = "payment.refund_applied"
	AuditReceivableCreated       AuditAction = "chargeback.shortfall.receivable_created"
	AuditReceivablePayment       AuditAction = "receivable.payment_applied"
	AuditRecoveryModeCleared     AuditAction = "wallet.recovery_mode.cleared"
	AuditRecoveryModeOverride    AuditAction = "wallet.recovery_mode.force_cleared"
	AuditLedgerEntryReversed     AuditAction = "ledger.entry_reversed"
	AuditAllocationReversed      AuditAction = "allocation.reversed"
	AuditComplianceCheckBypassed AuditAction = "wallet.deposit.compliance_bypassed"
)

// AuditRecord is written in the same unit of work as the change it
// describes. Unpublished records form the outbox the event relay drains.
type AuditRecord struct {
	ID          string         `json:"id"`
	Action      AuditAction    `json:"action"`
	ActorID     string         `json:"actor_id,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	PaymentID   string         `json:"payment_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	PublishedAt *time.Time     `json:"published_at,omitempty"`
}

// AuditFilter narrows ListAudit. Zero fields match everything.
type AuditFilter struct {
	UserID    string
	PaymentID string
	Action    AuditAction
}

// Matches reports whether rec passes the filter.
func (f AuditFilter) Matches(rec AuditRecord) bool {
	return (f.UserID == "" || f.UserID == rec.UserID) &&
		(f.PaymentID == "" || f.PaymentID == rec.PaymentID) &&
		(f.Action == "" || f.Action == rec.Action)
}

const systemActor = "system"

func appendAudit(ctx context.Context, s Store, at time.Time, rec AuditRecord) error {
	rec.ID = NewID(prefixAudit)
	rec.CreatedAt = at
	if rec.ActorID == "" {
		rec.ActorID = systemActor
	}
	if err := s.AppendAudit(ctx, rec); err != nil {
		return fmt.Errorf("append audit %s: %w", rec.Action, err)
	}
	return nil
}
