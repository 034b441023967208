package finance

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Allocation is a share purchase paid for from wallet funds and tied to
// the payment that funded it. A chargeback or refund that reverses it posts
// the income reversal itself; ReverseAllocation credits the wallet.
type Allocation struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	PaymentID   string     `json:"payment_id"`
	Amount      Money      `json:"amount"`
	Description string     `json:"description,omitempty"`
	IsReversed  bool       `json:"is_reversed"`
	ReversedAt  *time.Time `json:"reversed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type InvestRequest struct {
	UserID      string
	PaymentID   string
	Amount      Money
	Description string
}

type AllocationService struct {
	store   TxStore
	wallets *WalletService
	logger  *slog.Logger
	now     func() time.Time
}

// Invest debits the wallet (investment_debit, recognising SHARE_SALE_INCOME)
// and records an allocation against a paid payment. Allocations against one
// payment never exceed its amount.
func (as *AllocationService) Invest(ctx context.Context, req InvestRequest) (Allocation, Transaction, error) {
	if req.Amount <= 0 {
		return Allocation{}, Transaction{}, fmt.Errorf("invest %d paise: %w", req.Amount, ErrInvalidAmount)
	}

	var (
		alloc Allocation
		txn   Transaction
	)
	err := as.store.WithTx(ctx, func(s Store) error {
		p, err := s.LockPayment(ctx, req.PaymentID)
		if err != nil {
			return err
		}
		if p.UserID != req.UserID {
			return fmt.Errorf("%w: payment %s, user %s", ErrPaymentMismatch, p.ID, req.UserID)
		}
		if p.Status != PaymentPaid {
			return p.invalid("investment")
		}
		existing, err := s.AllocationsForPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		var allocated Money
		for _, a := range existing {
			if !a.IsReversed {
				allocated += a.Amount
			}
		}
		if allocated+req.Amount > p.Amount {
			return fmt.Errorf("%w: payment %s has %s allocated of %s, requested %s",
				ErrAllocationExceedsPayment, p.ID, allocated, p.Amount, req.Amount)
		}

		w, err := s.LockWallet(ctx, req.UserID)
		if err != nil {
			return err
		}
		now := as.now()
		alloc = Allocation{
			ID:          NewID(prefixAllocation),
			UserID:      req.UserID,
			PaymentID:   p.ID,
			Amount:      req.Amount,
			Description: req.Description,
			CreatedAt:   now,
		}
		txn, err = as.wallets.withdraw(ctx, s, &w, WithdrawRequest{
			UserID:      req.UserID,
			Amount:      req.Amount,
			Type:        TxInvestmentDebit,
			Description: req.Description,
			Reference:   Investment{AllocationID: alloc.ID},
		})
		if err != nil {
			return err
		}
		if err := s.CreateAllocation(ctx, alloc); err != nil {
			return fmt.Errorf("create allocation: %w", err)
		}
		return saveWallet(ctx, s, &w, now)
	})
	if err != nil {
		as.logger.Warn("investment rejected",
			"user_id", req.UserID, "payment_id", req.PaymentID, "amount", req.Amount, "error", err)
		return Allocation{}, Transaction{}, err
	}
	return alloc, txn, nil
}

// ReverseAllocation cancels a share purchase outside a chargeback or refund.
// The allocation is flagged reversed and its value returns to the wallet as
// a refund_credit (Dr SHARE_SALE_INCOME / Cr USER_WALLET_LIABILITY), which
// pays down receivables first in recovery mode. A second call returns 0.
func (as *AllocationService) ReverseAllocation(ctx context.Context, allocationID string) (Money, error) {
	var value Money
	err := as.store.WithTx(ctx, func(s Store) error {
		a, err := s.GetAllocation(ctx, allocationID)
		if err != nil {
			return err
		}
		if _, err := s.LockPayment(ctx, a.PaymentID); err != nil {
			return err
		}
		if value, err = as.reverse(ctx, s, a); err != nil || value == 0 {
			return err
		}

		w, err := s.LockWallet(ctx, a.UserID)
		if err != nil {
			return err
		}
		ref := Investment{AllocationID: a.ID}
		desc := fmt.Sprintf("reversal of allocation %s", a.ID)
		if _, err := recordMutation(ctx, s, &w, TxRefundCredit, value, ref, desc, as.now()); err != nil {
			return err
		}
		lines := []Line{
			DebitLine(AccountShareSaleIncome, value).For(w.UserID),
			CreditLine(AccountUserWalletLiability, value).For(w.UserID),
		}
		if _, err := as.wallets.ledger.post(ctx, s, lines, ref, desc); err != nil {
			return err
		}
		if w.IsRecoveryMode {
			if _, err := as.wallets.receivables.absorb(ctx, s, &w, value); err != nil {
				return err
			}
		}
		return saveWallet(ctx, s, &w, as.now())
	})
	if err != nil {
		return 0, err
	}
	return value, nil
}

func (as *AllocationService) reverse(ctx context.Context, s Store, a Allocation) (Money, error) {
	now := as.now()
	flipped, err := s.MarkAllocationReversed(ctx, a.ID, now)
	if err != nil {
		return 0, fmt.Errorf("reverse allocation %s: %w", a.ID, err)
	}
	if !flipped {
		return 0, nil
	}
	err = appendAudit(ctx, s, now, AuditRecord{
		Action:    AuditAllocationReversed,
		UserID:    a.UserID,
		PaymentID: a.PaymentID,
		Metadata:  map[string]any{"allocation_id": a.ID, "amount": int64(a.Amount)},
	})
	if err != nil {
		return 0, err
	}
	return a.Amount, nil
}

// ForPayment lists the allocations funded by a payment.
func (as *AllocationService) ForPayment(ctx context.Context, paymentID string) ([]Allocation, error) {
	return as.store.AllocationsForPayment(ctx, paymentID)
}
