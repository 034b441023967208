/*
payment.go - Payment state machine

PURPOSE:
  Tracks a subscription payment from creation to its final state. The
  transition methods below are the only code that writes Status or the
  gateway and chargeback fields; stores just persist what they produce.

STATES:
                 ┌──────────► failed
  pending ──► paid ──────────────────────► refunded            (terminal)
                 │   ▲
                 ▼   │ dismissed
          chargeback_pending ──► chargeback_confirmed           (terminal)

  A partial refund keeps the payment paid. The refund that exhausts the
  claimable amount moves it to refunded.

IDEMPOTENCY:
  Every gateway-driven transition is keyed by a gateway id. Replaying the
  same id returns replayed and writes nothing. Events against a terminal
  payment return ignored and write nothing.

CLAIMABLE AMOUNT:
  One pool per payment: Amount - RefundAmount, and zero once terminal.
  Refunds and chargebacks both validate against it.

SEE ALSO:
  - resolution.go: Money movement for chargebacks and refunds
*/
package finance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// =============================================================================
// TYPES
// =============================================================================

type PaymentStatus string

const (
	PaymentPending             PaymentStatus = "pending"
	PaymentPaid                PaymentStatus = "paid"
	PaymentFailed              PaymentStatus = "failed"
	PaymentRefunded            PaymentStatus = "refunded"
	PaymentChargebackPending   PaymentStatus = "chargeback_pending"
	PaymentChargebackConfirmed PaymentStatus = "chargeback_confirmed"
)

// IsTerminal reports whether no further financial mutation may apply.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentRefunded || s == PaymentChargebackConfirmed
}

type Payment struct {
	ID                    string        `json:"id"`
	UserID                string        `json:"user_id"`
	Amount                Money         `json:"amount"`
	Status                PaymentStatus `json:"status"`
	GatewayOrderID        string        `json:"gateway_order_id"`
	GatewayPaymentID      string        `json:"gateway_payment_id,omitempty"`
	ChargebackGatewayID   string        `json:"chargeback_gateway_id,omitempty"`
	RefundAmount          Money         `json:"refund_amount"`
	ChargebackAmount      Money         `json:"chargeback_amount"`
	FailureReason         string        `json:"failure_reason,omitempty"`
	PaidAt                *time.Time    `json:"paid_at,omitempty"`
	ChargebackInitiatedAt *time.Time    `json:"chargeback_initiated_at,omitempty"`
	ResolvedAt            *time.Time    `json:"resolved_at,omitempty"`
	Version               int64         `json:"version"`
	CreatedAt             time.Time     `json:"created_at"`
	UpdatedAt             time.Time     `json:"updated_at"`
}

// Refundable is the remaining claimable amount.
func (p Payment) Refundable() Money {
	if p.Status.IsTerminal() {
		return 0
	}
	return p.Amount - p.RefundAmount
}

// PaymentRefund is one applied refund, unique by gateway refund id.
type PaymentRefund struct {
	ID              string    `json:"id"`
	PaymentID       string    `json:"payment_id"`
	GatewayRefundID string    `json:"gateway_refund_id"`
	Amount          Money     `json:"amount"`
	CreatedAt       time.Time `json:"created_at"`
}

// =============================================================================
// TRANSITIONS
// =============================================================================

type outcome int

const (
	applied  outcome = iota // state changed, caller persists
	replayed                // same gateway id seen before
	ignored                 // payment is terminal
)

func (p *Payment) invalid(event string) error {
	return &InvalidTransitionError{PaymentID: p.ID, From: p.Status, Event: event}
}

func (p *Payment) capture(gatewayPaymentID string, at time.Time) (outcome, error) {
	switch {
	case p.GatewayPaymentID != "" && p.GatewayPaymentID == gatewayPaymentID:
		return replayed, nil
	case p.Status.IsTerminal():
		return ignored, nil
	case p.Status != PaymentPending:
		return 0, p.invalid("capture")
	}
	p.Status = PaymentPaid
	p.GatewayPaymentID = gatewayPaymentID
	p.PaidAt = &at
	return applied, nil
}

func (p *Payment) fail(reason string, at time.Time) (outcome, error) {
	switch {
	case p.Status == PaymentFailed:
		return replayed, nil
	case p.Status.IsTerminal():
		return ignored, nil
	case p.Status != PaymentPending:
		return 0, p.invalid("fail")
	}
	p.Status = PaymentFailed
	p.FailureReason = reason
	p.ResolvedAt = &at
	return applied, nil
}

// openChargeback records a dispute. A payment accepts one dispute id in
// its lifetime, for no more than it can still give back.
func (p *Payment) openChargeback(chargebackID string, amount Money, at time.Time) (outcome, error) {
	switch {
	case p.ChargebackGatewayID == chargebackID:
		return replayed, nil
	case p.Status.IsTerminal():
		return ignored, nil
	case p.ChargebackGatewayID != "":
		return 0, fmt.Errorf("%w: payment %s has %s, got %s",
			ErrDisputeAlreadyRecorded, p.ID, p.ChargebackGatewayID, chargebackID)
	case p.Status != PaymentPaid:
		return 0, p.invalid("chargeback")
	}
	if amount <= 0 {
		amount = p.Refundable()
	}
	if amount > p.Refundable() {
		return 0, &ChargebackExceedsRefundableAmountError{
			PaymentID: p.ID, Requested: amount, Refundable: p.Refundable(),
		}
	}
	p.Status = PaymentChargebackPending
	p.ChargebackGatewayID = chargebackID
	p.ChargebackAmount = amount
	p.ChargebackInitiatedAt = &at
	return applied, nil
}

// confirmChargeback finalizes a dispute. A dispute reported lost without a
// prior open is opened implicitly. The amount is validated before anything
// on p changes.
func (p *Payment) confirmChargeback(chargebackID string, amount Money, at time.Time) (outcome, error) {
	switch {
	case p.Status == PaymentChargebackConfirmed && p.ChargebackGatewayID == chargebackID:
		return replayed, nil
	case p.Status.IsTerminal():
		return ignored, nil
	case p.ChargebackGatewayID != "" && p.ChargebackGatewayID != chargebackID:
		return 0, fmt.Errorf("%w: payment %s has %s, got %s",
			ErrDisputeAlreadyRecorded, p.ID, p.ChargebackGatewayID, chargebackID)
	case p.Status != PaymentPaid && p.Status != PaymentChargebackPending:
		return 0, p.invalid("chargeback confirmation")
	}

	if amount <= 0 {
		amount = p.ChargebackAmount
	}
	if amount <= 0 {
		amount = p.Refundable()
	}
	if amount > p.Refundable() {
		return 0, &ChargebackExceedsRefundableAmountError{
			PaymentID: p.ID, Requested: amount, Refundable: p.Refundable(),
		}
	}
	if p.ChargebackInitiatedAt == nil {
		p.ChargebackInitiatedAt = &at
	}
	p.Status = PaymentChargebackConfirmed
	p.ChargebackGatewayID = chargebackID
	p.ChargebackAmount = amount
	p.ResolvedAt = &at
	return applied, nil
}

// dismissChargeback returns a won dispute to paid. The dispute id stays on
// the payment so replays of it remain no-ops.
func (p *Payment) dismissChargeback(chargebackID string) (outcome, error) {
	switch {
	case p.Status.IsTerminal():
		return ignored, nil
	case p.ChargebackGatewayID == "":
		return 0, p.invalid("chargeback dismissal")
	case p.ChargebackGatewayID != chargebackID:
		return 0, fmt.Errorf("%w: payment %s has %s, got %s",
			ErrDisputeAlreadyRecorded, p.ID, p.ChargebackGatewayID, chargebackID)
	case p.Status == PaymentPaid:
		return replayed, nil
	case p.Status != PaymentChargebackPending:
		return 0, p.invalid("chargeback dismissal")
	}
	p.Status = PaymentPaid
	p.ChargebackAmount = 0
	return applied, nil
}

// refund applies one refund. Bank finality outranks a later refund, so a
// refund after a confirmed chargeback is rejected rather than ignored.
func (p *Payment) refund(amount Money, at time.Time) (outcome, error) {
	switch p.Status {
	case PaymentChargebackConfirmed:
		return 0, fmt.Errorf("%w: payment %s is %s", ErrPaymentFinalized, p.ID, p.Status)
	case PaymentRefunded:
		return ignored, nil
	case PaymentChargebackPending:
		return 0, fmt.Errorf("%w: payment %s", ErrDisputeOpen, p.ID)
	case PaymentPaid:
	default:
		return 0, p.invalid("refund")
	}
	if amount <= 0 {
		return 0, fmt.Errorf("refund %d paise: %w", amount, ErrInvalidAmount)
	}
	if amount > p.Refundable() {
		return 0, &ChargebackExceedsRefundableAmountError{
			PaymentID: p.ID, Requested: amount, Refundable: p.Refundable(),
		}
	}
	p.RefundAmount += amount
	if p.RefundAmount == p.Amount {
		p.Status = PaymentRefunded
		p.ResolvedAt = &at
	}
	return applied, nil
}

func savePayment(ctx context.Context, s Store, p *Payment, at time.Time) error {
	p.Version++
	p.UpdatedAt = at
	if err := s.UpdatePayment(ctx, *p); err != nil {
		return fmt.Errorf("update payment %s: %w", p.ID, err)
	}
	return nil
}

// =============================================================================
// PAYMENT SERVICE
// =============================================================================

type CreatePaymentRequest struct {
	UserID         string
	Amount         Money
	GatewayOrderID string
}

type PaymentService struct {
	store   TxStore
	wallets *WalletService
	logger  *slog.Logger
	now     func() time.Time
}

// Create registers a pending payment for a gateway order.
func (ps *PaymentService) Create(ctx context.Context, req CreatePaymentRequest) (Payment, error) {
	if req.Amount <= 0 {
		return Payment{}, fmt.Errorf("payment of %d paise: %w", req.Amount, ErrInvalidAmount)
	}
	if req.GatewayOrderID == "" {
		return Payment{}, fmt.Errorf("payment without gateway order id: %w", ErrInvalidRequest)
	}
	if _, err := ps.store.GetWallet(ctx, req.UserID); err != nil {
		return Payment{}, err
	}
	now := ps.now()
	p := Payment{
		ID:             NewID(prefixPayment),
		UserID:         req.UserID,
		Amount:         req.Amount,
		Status:         PaymentPending,
		GatewayOrderID: req.GatewayOrderID,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := ps.store.CreatePayment(ctx, p); err != nil {
		return Payment{}, err
	}
	return p, nil
}

// MarkPaid captures a pending payment and credits the wallet in the same
// unit of work. Replaying the same gateway payment id is a no-op.
func (ps *PaymentService) MarkPaid(ctx context.Context, paymentID, gatewayPaymentID string) (Payment, error) {
	if gatewayPaymentID == "" {
		return Payment{}, fmt.Errorf("capture without gateway payment id: %w", ErrInvalidRequest)
	}
	var p Payment
	err := ps.store.WithTx(ctx, func(s Store) error {
		var err error
		if p, err = s.LockPayment(ctx, paymentID); err != nil {
			return err
		}
		now := ps.now()
		out, err := p.capture(gatewayPaymentID, now)
		if err != nil || out != applied {
			return err
		}

		w, err := s.LockWallet(ctx, p.UserID)
		if err != nil {
			return err
		}
		_, err = ps.wallets.deposit(ctx, s, &w, DepositRequest{
			UserID:      p.UserID,
			Amount:      p.Amount,
			Type:        TxDeposit,
			Description: "payment captured " + gatewayPaymentID,
			Reference:   PaymentCapture{PaymentID: p.ID},
		})
		if err != nil {
			return err
		}
		if err := saveWallet(ctx, s, &w, now); err != nil {
			return err
		}
		if err := savePayment(ctx, s, &p, now); err != nil {
			return err
		}
		return appendAudit(ctx, s, now, AuditRecord{
			Action:    AuditPaymentCaptured,
			UserID:    p.UserID,
			PaymentID: p.ID,
			Metadata:  map[string]any{"amount": int64(p.Amount), "gateway_payment_id": gatewayPaymentID},
		})
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateGatewayEvent) {
			ps.logger.Warn("gateway payment id already used by another payment",
				"payment_id", paymentID, "gateway_payment_id", gatewayPaymentID)
		}
		return Payment{}, err
	}
	return p, nil
}

// MarkFailed moves a pending payment to failed.
func (ps *PaymentService) MarkFailed(ctx context.Context, paymentID, reason string) (Payment, error) {
	var p Payment
	err := ps.store.WithTx(ctx, func(s Store) error {
		var err error
		if p, err = s.LockPayment(ctx, paymentID); err != nil {
			return err
		}
		now := ps.now()
		out, err := p.fail(reason, now)
		if err != nil || out != applied {
			return err
		}
		if err := savePayment(ctx, s, &p, now); err != nil {
			return err
		}
		return appendAudit(ctx, s, now, AuditRecord{
			Action:    AuditPaymentFailed,
			UserID:    p.UserID,
			PaymentID: p.ID,
			Metadata:  map[string]any{"reason": reason},
		})
	})
	if err != nil {
		return Payment{}, err
	}
	return p, nil
}

func (ps *PaymentService) Get(ctx context.Context, id string) (Payment, error) {
	return ps.store.GetPayment(ctx, id)
}

func (ps *PaymentService) GetByOrderID(ctx context.Context, gatewayOrderID string) (Payment, error) {
	return ps.store.GetPaymentByOrderID(ctx, gatewayOrderID)
}

func (ps *PaymentService) Refunds(ctx context.Context, paymentID string) ([]PaymentRefund, error) {
	return ps.store.ListRefunds(ctx, paymentID)
}
