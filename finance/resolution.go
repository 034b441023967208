/*
resolution.go - Chargeback and refund resolution

PURPOSE:
  Reconciles "money the platform owes the user" against "shares already
  granted" when a payment is reversed after its funds were spent.

ALGORITHM:
  For a confirmed chargeback or refund of X on payment P:

  1. If the reversal makes P terminal, reverse P's un-reversed allocations.
     I = their total value.
  2. Dr SHARE_SALE_INCOME I / Cr USER_WALLET_LIABILITY I   (revenue undone)
  3. coverable = min(X, wallet.balance); wallet -= coverable
     Dr USER_WALLET_LIABILITY (coverable+I) / Cr BANK (coverable+I)
  4. shortfall = X - coverable. If > 0: receivable, recovery mode on,
     Dr ACCOUNTS_RECEIVABLE / Cr USER_WALLET_LIABILITY (see receivable.go)
  5. Persist the payment's new state.

  Steps 2 and 3 share one entry (reference_type chargeback/refund); the
  receivable has its own (chargeback_receivable/refund_receivable).

EXAMPLE:
  Deposit 1000, invest 600 (wallet 400), chargeback 1000:
    I = 600, coverable = 400, shortfall = 600
    wallet 0, SHARE_SALE_INCOME 0, BANK 0, ACCOUNTS_RECEIVABLE 600
    USER_WALLET_LIABILITY 600 = wallet 0 + receivable 600

IDEMPOTENCY:
  Detected from payment state inside the locked unit of work, never by
  re-deriving amounts. A replay writes nothing and returns NoOp.
*/
package finance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

type reversalKind int

const (
	kindChargeback reversalKind = iota
	kindRefund
)

func (k reversalKind) String() string {
	if k == kindRefund {
		return "refund"
	}
	return "chargeback"
}

func (k reversalKind) ref(paymentID string) Reference {
	if k == kindRefund {
		return Refund{PaymentID: paymentID}
	}
	return Chargeback{PaymentID: paymentID}
}

func (k reversalKind) receivableRef(paymentID string) Reference {
	if k == kindRefund {
		return RefundReceivable{PaymentID: paymentID}
	}
	return ChargebackReceivableRef{PaymentID: paymentID}
}

func (k reversalKind) debitType() TransactionType {
	if k == kindRefund {
		return TxRefundDebit
	}
	return TxChargebackDebit
}

// ChargebackNotice is a dispute event from the gateway. Amount 0 means the
// disputed amount already on the payment, or everything still claimable.
type ChargebackNotice struct {
	PaymentID           string
	GatewayChargebackID string
	Amount              Money
}

// RefundNotice is a processed refund from the gateway.
type RefundNotice struct {
	PaymentID       string
	GatewayRefundID string
	Amount          Money
}

// ClearRecoveryRequest is an administrative request to lift recovery mode.
type ClearRecoveryRequest struct {
	UserID        string
	Note          string
	ForceOverride bool
	ActorID       string
}

// ResolutionResult describes what a resolution did. NoOp is set for
// replays and events against terminal payments.
type ResolutionResult struct {
	PaymentID          string        `json:"payment_id"`
	Status             PaymentStatus `json:"status"`
	Amount             Money         `json:"amount"`
	AllocationReversed Money         `json:"allocation_reversed"`
	Covered            Money         `json:"covered"`
	Shortfall          Money         `json:"shortfall"`
	ReceivableID       string        `json:"receivable_id,omitempty"`
	EntryIDs           []string      `json:"entry_ids,omitempty"`
	NoOp               bool          `json:"no_op"`
}

// =============================================================================
// RESOLUTION SERVICE
// =============================================================================

type ResolutionService struct {
	store       TxStore
	ledger      *Ledger
	allocations *AllocationService
	receivables *receivables
	logger      *slog.Logger
	now         func() time.Time
}

// OpenChargeback moves a paid payment to chargeback_pending. No money moves
// until the dispute is confirmed.
func (rs *ResolutionService) OpenChargeback(ctx context.Context, n ChargebackNotice) (Payment, error) {
	if n.GatewayChargebackID == "" {
		return Payment{}, fmt.Errorf("chargeback without gateway id: %w", ErrInvalidRequest)
	}
	var p Payment
	err := rs.store.WithTx(ctx, func(s Store) error {
		var err error
		if p, err = s.LockPayment(ctx, n.PaymentID); err != nil {
			return err
		}
		now := rs.now()
		out, err := p.openChargeback(n.GatewayChargebackID, n.Amount, now)
		if err != nil || out != applied {
			return err
		}
		if err := savePayment(ctx, s, &p, now); err != nil {
			return err
		}
		return appendAudit(ctx, s, now, AuditRecord{
			Action:    AuditChargebackOpened,
			UserID:    p.UserID,
			PaymentID: p.ID,
			Metadata: map[string]any{
				"chargeback_gateway_id": n.GatewayChargebackID,
				"amount":                int64(p.ChargebackAmount),
			},
		})
	})
	if err != nil {
		if err = rs.duplicateAsNoOp(ctx, err, &p, n.PaymentID); err != nil {
			return Payment{}, err
		}
	}
	return p, nil
}

// DismissChargeback returns a won dispute to paid.
func (rs *ResolutionService) DismissChargeback(ctx context.Context, n ChargebackNotice) (Payment, error) {
	if n.GatewayChargebackID == "" {
		return Payment{}, fmt.Errorf("dismissal without gateway id: %w", ErrInvalidRequest)
	}
	var p Payment
	err := rs.store.WithTx(ctx, func(s Store) error {
		var err error
		if p, err = s.LockPayment(ctx, n.PaymentID); err != nil {
			return err
		}
		out, err := p.dismissChargeback(n.GatewayChargebackID)
		if err != nil || out != applied {
			return err
		}
		now := rs.now()
		if err := savePayment(ctx, s, &p, now); err != nil {
			return err
		}
		return appendAudit(ctx, s, now, AuditRecord{
			Action:    AuditChargebackDismissed,
			UserID:    p.UserID,
			PaymentID: p.ID,
			Metadata:  map[string]any{"chargeback_gateway_id": n.GatewayChargebackID},
		})
	})
	if err != nil {
		return Payment{}, err
	}
	return p, nil
}

// ResolveChargeback confirms a chargeback and unwinds its money.
func (rs *ResolutionService) ResolveChargeback(ctx context.Context, n ChargebackNotice) (ResolutionResult, error) {
	if n.GatewayChargebackID == "" {
		return ResolutionResult{}, fmt.Errorf("chargeback without gateway id: %w", ErrInvalidRequest)
	}
	var res ResolutionResult
	err := rs.store.WithTx(ctx, func(s Store) error {
		p, err := s.LockPayment(ctx, n.PaymentID)
		if err != nil {
			return err
		}
		now := rs.now()
		out, err := p.confirmChargeback(n.GatewayChargebackID, n.Amount, now)
		if err != nil {
			return err
		}
		if out != applied {
			res = ResolutionResult{PaymentID: p.ID, Status: p.Status, NoOp: true}
			return nil
		}

		w, err := s.LockWallet(ctx, p.UserID)
		if err != nil {
			return err
		}
		if res, err = rs.unwind(ctx, s, &p, &w, kindChargeback, p.ChargebackAmount, true); err != nil {
			return err
		}
		if err := saveWallet(ctx, s, &w, now); err != nil {
			return err
		}
		if err := savePayment(ctx, s, &p, now); err != nil {
			return err
		}
		return appendAudit(ctx, s, now, AuditRecord{
			Action:    AuditChargebackConfirmed,
			UserID:    p.UserID,
			PaymentID: p.ID,
			Metadata:  res.metadata(n.GatewayChargebackID),
		})
	})
	if err != nil {
		rs.logger.Warn("chargeback resolution failed",
			"payment_id", n.PaymentID, "chargeback_gateway_id", n.GatewayChargebackID,
			"amount", n.Amount, "error", err)
		return ResolutionResult{}, err
	}
	if res.NoOp {
		rs.logger.Info("chargeback replay ignored", "payment_id", n.PaymentID,
			"chargeback_gateway_id", n.GatewayChargebackID, "status", res.Status)
	}
	return res, nil
}

// ResolveRefund applies a processed refund. Only the refund that makes the
// payment terminal reverses its allocations.
func (rs *ResolutionService) ResolveRefund(ctx context.Context, n RefundNotice) (ResolutionResult, error) {
	if n.GatewayRefundID == "" {
		n.GatewayRefundID = NewID(prefixRefund)
	}
	var res ResolutionResult
	err := rs.store.WithTx(ctx, func(s Store) error {
		p, err := s.LockPayment(ctx, n.PaymentID)
		if err != nil {
			return err
		}
		seen, err := s.HasRefund(ctx, n.GatewayRefundID)
		if err != nil {
			return err
		}
		if seen {
			res = ResolutionResult{PaymentID: p.ID, Status: p.Status, NoOp: true}
			return nil
		}

		now := rs.now()
		out, err := p.refund(n.Amount, now)
		if err != nil {
			return err
		}
		if out != applied {
			res = ResolutionResult{PaymentID: p.ID, Status: p.Status, NoOp: true}
			return nil
		}
		err = s.AppendRefund(ctx, PaymentRefund{
			ID:              NewID(prefixRefund),
			PaymentID:       p.ID,
			GatewayRefundID: n.GatewayRefundID,
			Amount:          n.Amount,
			CreatedAt:       now,
		})
		if err != nil {
			return err
		}

		w, err := s.LockWallet(ctx, p.UserID)
		if err != nil {
			return err
		}
		terminal := p.Status == PaymentRefunded
		if res, err = rs.unwind(ctx, s, &p, &w, kindRefund, n.Amount, terminal); err != nil {
			return err
		}
		if err := saveWallet(ctx, s, &w, now); err != nil {
			return err
		}
		if err := savePayment(ctx, s, &p, now); err != nil {
			return err
		}
		return appendAudit(ctx, s, now, AuditRecord{
			Action:    AuditRefundApplied,
			UserID:    p.UserID,
			PaymentID: p.ID,
			Metadata:  res.metadata(n.GatewayRefundID),
		})
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateGatewayEvent) {
			return ResolutionResult{PaymentID: n.PaymentID, NoOp: true}, nil
		}
		rs.logger.Warn("refund resolution failed",
			"payment_id", n.PaymentID, "gateway_refund_id", n.GatewayRefundID,
			"amount", n.Amount, "error", err)
		return ResolutionResult{}, err
	}
	return res, nil
}

// unwind moves the money for a reversal of x. p has already transitioned;
// the caller saves p and w.
func (rs *ResolutionService) unwind(ctx context.Context, s Store, p *Payment, w *Wallet, kind reversalKind, x Money, reverseAllocations bool) (ResolutionResult, error) {
	res := ResolutionResult{PaymentID: p.ID, Status: p.Status, Amount: x}

	if reverseAllocations {
		allocs, err := s.AllocationsForPayment(ctx, p.ID)
		if err != nil {
			return res, fmt.Errorf("load allocations: %w", err)
		}
		for _, a := range allocs {
			if a.IsReversed {
				continue
			}
			value, err := rs.allocations.reverse(ctx, s, a)
			if err != nil {
				return res, err
			}
			res.AllocationReversed += value
		}
	}

	res.Covered = MinMoney(x, w.Balance)
	res.Shortfall = x - res.Covered

	var lines []Line
	if i := res.AllocationReversed; i > 0 {
		lines = append(lines,
			DebitLine(AccountShareSaleIncome, i).For(w.UserID),
			CreditLine(AccountUserWalletLiability, i).For(w.UserID))
	}
	if clawback := res.Covered + res.AllocationReversed; clawback > 0 {
		lines = append(lines,
			DebitLine(AccountUserWalletLiability, clawback).For(w.UserID),
			CreditLine(AccountBank, clawback).For(w.UserID))
	}
	desc := fmt.Sprintf("%s of %s on payment %s", kind, x, p.ID)
	if res.Covered > 0 {
		if _, err := recordMutation(ctx, s, w, kind.debitType(), res.Covered, kind.ref(p.ID), desc, rs.now()); err != nil {
			return res, err
		}
	}
	if len(lines) > 0 {
		entry, err := rs.ledger.post(ctx, s, lines, kind.ref(p.ID), desc)
		if err != nil {
			return res, err
		}
		res.EntryIDs = append(res.EntryIDs, entry.ID)
	}

	if res.Shortfall > 0 {
		rcv, err := rs.receivables.open(ctx, s, w, *p, kind, res.Shortfall)
		if err != nil {
			return res, err
		}
		res.ReceivableID = rcv.ID
	}
	return res, nil
}

// ApplyDepositToReceivable applies funds already in the wallet to the
// user's receivables, oldest first.
func (rs *ResolutionService) ApplyDepositToReceivable(ctx context.Context, userID string, depositAmount Money) (ReceivableApplication, error) {
	if depositAmount <= 0 {
		return ReceivableApplication{}, fmt.Errorf("apply %d paise: %w", depositAmount, ErrInvalidAmount)
	}
	var app ReceivableApplication
	err := rs.store.WithTx(ctx, func(s Store) error {
		w, err := s.LockWallet(ctx, userID)
		if err != nil {
			return err
		}
		if app, err = rs.receivables.absorb(ctx, s, &w, depositAmount); err != nil {
			return err
		}
		return saveWallet(ctx, s, &w, rs.now())
	})
	if err != nil {
		return ReceivableApplication{}, err
	}
	return app, nil
}

// ClearRecoveryMode lifts recovery mode. With receivables outstanding it
// fails unless ForceOverride is set; the override is audit-logged.
func (rs *ResolutionService) ClearRecoveryMode(ctx context.Context, req ClearRecoveryRequest) (Wallet, error) {
	var w Wallet
	err := rs.store.WithTx(ctx, func(s Store) error {
		var err error
		if w, err = s.LockWallet(ctx, req.UserID); err != nil {
			return err
		}
		outstanding, err := rs.receivables.outstanding(ctx, s, req.UserID)
		if err != nil {
			return err
		}
		if outstanding > 0 && !req.ForceOverride {
			return &OutstandingReceivableError{UserID: req.UserID, Outstanding: outstanding}
		}

		now := rs.now()
		action := AuditRecoveryModeCleared
		if outstanding > 0 {
			action = AuditRecoveryModeOverride
		}
		w.IsRecoveryMode = false
		if err := saveWallet(ctx, s, &w, now); err != nil {
			return err
		}
		return appendAudit(ctx, s, now, AuditRecord{
			Action:  action,
			ActorID: req.ActorID,
			UserID:  req.UserID,
			Metadata: map[string]any{
				"note":           req.Note,
				"force_override": req.ForceOverride,
				"outstanding":    int64(outstanding),
			},
		})
	})
	if err != nil {
		return Wallet{}, err
	}
	if req.ForceOverride {
		rs.logger.Warn("recovery mode force-cleared",
			"user_id", req.UserID, "actor_id", req.ActorID, "note", req.Note)
	}
	return w, nil
}

// Receivables lists a user's receivables oldest first.
func (rs *ResolutionService) Receivables(ctx context.Context, userID string, outstandingOnly bool) ([]ChargebackReceivable, error) {
	return rs.store.ListReceivables(ctx, userID, outstandingOnly)
}

// duplicateAsNoOp turns a lost race on the chargeback gateway id unique
// index into the current payment state.
func (rs *ResolutionService) duplicateAsNoOp(ctx context.Context, err error, p *Payment, paymentID string) error {
	if !errors.Is(err, ErrDuplicateGatewayEvent) {
		return err
	}
	current, getErr := rs.store.GetPayment(ctx, paymentID)
	if getErr != nil {
		return err
	}
	*p = current
	return nil
}

func (r ResolutionResult) metadata(gatewayID string) map[string]any {
	return map[string]any{
		"gateway_id":          gatewayID,
		"amount":              int64(r.Amount),
		"allocation_reversed": int64(r.AllocationReversed),
		"covered":             int64(r.Covered),
		"shortfall":           int64(r.Shortfall),
		"receivable_id":       r.ReceivableID,
	}
}
