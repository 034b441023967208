/*
receivable.go - Money users owe the platform

PURPOSE:
  When a chargeback or refund takes back more than the wallet holds, the
  difference becomes a ChargebackReceivable and the wallet enters recovery
  mode. Later deposits pay receivables off oldest first. Recovery mode is
  lifted automatically once the user's outstanding balance is exactly zero,
  or manually by an audited administrative override.

LEDGER:
  open:    Dr ACCOUNTS_RECEIVABLE / Cr USER_WALLET_LIABILITY   (shortfall)
  absorb:  Dr USER_WALLET_LIABILITY / Cr ACCOUNTS_RECEIVABLE   (applied)
           Dr USER_WALLET_LIABILITY / Cr SHARE_SALE_INCOME     (applied)

  The second absorb pair releases the shortfall that open parked in the
  liability account. Applying a reduces both balance and outstanding by a,
  so liability has to drop by 2a.

  Together with the wallet postings this keeps, per user:
    liability = balance + locked_balance + outstanding receivables
*/
package finance

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

type ReceivableStatus string

const (
	ReceivablePending       ReceivableStatus = "pending"
	ReceivablePartiallyPaid ReceivableStatus = "partially_paid"
	ReceivableSettled       ReceivableStatus = "settled"
)

// ChargebackReceivable is an amount owed by a user after an under-covered
// chargeback or refund. Only settlement mutates it; it is never deleted.
type ChargebackReceivable struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	PaymentID string           `json:"payment_id"`
	Kind      string           `json:"kind"`
	Amount    Money            `json:"amount"`
	Paid      Money            `json:"paid"`
	Status    ReceivableStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	SettledAt *time.Time       `json:"settled_at,omitempty"`
}

// Balance is what is still owed.
func (r ChargebackReceivable) Balance() Money { return r.Amount - r.Paid }

func (r *ChargebackReceivable) pay(amount Money, at time.Time) {
	r.Paid += amount
	r.UpdatedAt = at
	switch {
	case r.Paid >= r.Amount:
		r.Status = ReceivableSettled
		r.SettledAt = &at
	case r.Paid > 0:
		r.Status = ReceivablePartiallyPaid
	}
}

// ReceivableApplication is the result of applying a deposit to receivables.
type ReceivableApplication struct {
	Applied             Money    `json:"applied"`
	Remaining           Money    `json:"remaining"`
	Outstanding         Money    `json:"outstanding"`
	RecoveryModeCleared bool     `json:"recovery_mode_cleared"`
	Settled             []string `json:"settled,omitempty"`
}

// =============================================================================
// RECEIVABLE LEDGER
// =============================================================================

type receivables struct {
	ledger *Ledger
	logger *slog.Logger
	now    func() time.Time
}

// open records a shortfall, posts the reconciling entry and puts the
// wallet into recovery mode. The caller saves w.
func (rl *receivables) open(ctx context.Context, s Store, w *Wallet, p Payment, kind reversalKind, shortfall Money) (ChargebackReceivable, error) {
	now := rl.now()
	rcv := ChargebackReceivable{
		ID:        NewID(prefixReceivable),
		UserID:    w.UserID,
		PaymentID: p.ID,
		Kind:      kind.String(),
		Amount:    shortfall,
		Status:    ReceivablePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.CreateReceivable(ctx, rcv); err != nil {
		return ChargebackReceivable{}, fmt.Errorf("create receivable: %w", err)
	}
	lines := []Line{
		DebitLine(AccountReceivable, shortfall).For(w.UserID),
		CreditLine(AccountUserWalletLiability, shortfall).For(w.UserID),
	}
	desc := fmt.Sprintf("%s shortfall on payment %s", kind, p.ID)
	if _, err := rl.ledger.post(ctx, s, lines, kind.receivableRef(p.ID), desc); err != nil {
		return ChargebackReceivable{}, err
	}

	w.IsRecoveryMode = true
	err := appendAudit(ctx, s, now, AuditRecord{
		Action:    AuditReceivableCreated,
		UserID:    w.UserID,
		PaymentID: p.ID,
		Metadata: map[string]any{
			"shortfall":     int64(shortfall),
			"receivable_id": rcv.ID,
			"kind":          kind.String(),
		},
	})
	if err != nil {
		return ChargebackReceivable{}, err
	}
	rl.logger.Warn("receivable created for shortfall",
		"user_id", w.UserID, "payment_id", p.ID, "shortfall", shortfall)
	return rcv, nil
}

// absorb applies up to min(amount, balance) to the user's receivables,
// oldest first. The caller saves w.
func (rl *receivables) absorb(ctx context.Context, s Store, w *Wallet, amount Money) (ReceivableApplication, error) {
	open, err := s.ListReceivables(ctx, w.UserID, true)
	if err != nil {
		return ReceivableApplication{}, fmt.Errorf("list receivables: %w", err)
	}

	now := rl.now()
	var app ReceivableApplication
	budget := MinMoney(amount, w.Balance)
	for i := range open {
		rcv := &open[i]
		if budget > 0 {
			applied := MinMoney(budget, rcv.Balance())
			rcv.pay(applied, now)
			if err := s.UpdateReceivable(ctx, *rcv); err != nil {
				return ReceivableApplication{}, fmt.Errorf("update receivable %s: %w", rcv.ID, err)
			}
			budget -= applied
			app.Applied += applied
			if rcv.Status == ReceivableSettled {
				app.Settled = append(app.Settled, rcv.ID)
			}
		}
		app.Outstanding += rcv.Balance()
	}
	app.Remaining = amount - app.Applied

	if app.Applied > 0 {
		ref := ReceivableRecovery{UserID: w.UserID}
		desc := "deposit applied to outstanding receivable"
		if _, err := recordMutation(ctx, s, w, TxReceivableRecovery, app.Applied, ref, desc, now); err != nil {
			return ReceivableApplication{}, err
		}
		lines := []Line{
			DebitLine(AccountUserWalletLiability, app.Applied).For(w.UserID),
			CreditLine(AccountReceivable, app.Applied).For(w.UserID),
			DebitLine(AccountUserWalletLiability, app.Applied).For(w.UserID),
			CreditLine(AccountShareSaleIncome, app.Applied).For(w.UserID),
		}
		if _, err := rl.ledger.post(ctx, s, lines, ref, desc); err != nil {
			return ReceivableApplication{}, err
		}
		err := appendAudit(ctx, s, now, AuditRecord{
			Action: AuditReceivablePayment,
			UserID: w.UserID,
			Metadata: map[string]any{
				"applied":     int64(app.Applied),
				"outstanding": int64(app.Outstanding),
				"settled":     app.Settled,
			},
		})
		if err != nil {
			return ReceivableApplication{}, err
		}
	}

	if app.Outstanding == 0 && w.IsRecoveryMode {
		w.IsRecoveryMode = false
		app.RecoveryModeCleared = true
		err := appendAudit(ctx, s, now, AuditRecord{
			Action:   AuditRecoveryModeCleared,
			UserID:   w.UserID,
			Metadata: map[string]any{"reason": "receivables settled"},
		})
		if err != nil {
			return ReceivableApplication{}, err
		}
		rl.logger.Info("recovery mode cleared", "user_id", w.UserID)
	}
	return app, nil
}

// outstanding sums what a user still owes.
func (rl *receivables) outstanding(ctx context.Context, s Store, userID string) (Money, error) {
	open, err := s.ListReceivables(ctx, userID, true)
	if err != nil {
		return 0, fmt.Errorf("list receivables: %w", err)
	}
	var total Money
	for _, r := range open {
		total += r.Balance()
	}
	return total, nil
}
