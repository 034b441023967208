package finance_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preiposip/fincore/finance"
)

// =============================================================================
// DEPOSIT AND WITHDRAWAL
// =============================================================================

func TestWallet_DepositAndWithdraw(t *testing.T) {
	// GIVEN: An empty wallet
	// WHEN: Deposit 1000, withdraw 300
	// THEN: Balance 700, BANK 700, liability 700, both transactions recorded

	f := newFixture(t)
	f.openWallet(t, "user-1")

	dep, err := f.engine.Wallets.Deposit(f.ctx, finance.DepositRequest{
		UserID: "user-1", Amount: rupees(1000), Description: "UPI top-up",
	})
	require.NoError(t, err)
	assert.Equal(t, finance.TxDeposit, dep.Type)
	assert.Equal(t, finance.Money(0), dep.BalanceBefore)
	assert.Equal(t, rupees(1000), dep.BalanceAfter)

	wd, err := f.engine.Wallets.Withdraw(f.ctx, finance.WithdrawRequest{
		UserID: "user-1", Amount: rupees(300), Reference: finance.Withdrawal{RequestID: "wd-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, finance.TxWithdrawal, wd.Type)
	assert.Equal(t, rupees(700), wd.BalanceAfter)
	assert.Equal(t, "withdrawal", wd.ReferenceType)

	assert.Equal(t, rupees(700), f.wallet(t, "user-1").Balance)
	assert.Equal(t, rupees(700), f.accountBalance(t, finance.AccountBank))
	assert.Equal(t, rupees(700), f.accountBalance(t, finance.AccountUserWalletLiability))

	f.assertIntegrity(t)
	f.assertTransactionsReplay(t, "user-1")
}

func TestWallet_Withdraw_InsufficientFunds(t *testing.T) {
	f := newFixture(t)
	f.openWallet(t, "user-1")
	_, err := f.engine.Wallets.Deposit(f.ctx, finance.DepositRequest{UserID: "user-1", Amount: rupees(100)})
	require.NoError(t, err)
	lines := f.lineCount()

	_, err = f.engine.Wallets.Withdraw(f.ctx, finance.WithdrawRequest{UserID: "user-1", Amount: rupees(101)})

	var ife *finance.InsufficientFundsError
	require.ErrorAs(t, err, &ife)
	assert.Equal(t, rupees(100), ife.Available)
	assert.Equal(t, rupees(101), ife.Requested)
	assert.True(t, finance.IsClientError(err))

	assert.Equal(t, rupees(100), f.wallet(t, "user-1").Balance)
	assert.Equal(t, lines, f.lineCount())
	f.assertTransactionsReplay(t, "user-1")
}

func TestWallet_Withdraw_RetriedRequestDebitsOnce(t *testing.T) {
	// GIVEN: A wallet of 1000 and a withdrawal of 300 under request wd-1
	// WHEN: The same request is sent again, then wd-1 with another amount
	// THEN: The retry returns the original transaction; the mismatch is a conflict

	f := newFixture(t)
	f.openWallet(t, "user-1")
	_, err := f.engine.Wallets.Deposit(f.ctx, finance.DepositRequest{UserID: "user-1", Amount: rupees(1000)})
	require.NoError(t, err)

	req := finance.WithdrawRequest{
		UserID: "user-1", Amount: rupees(300), Reference: finance.Withdrawal{RequestID: "wd-1"},
	}
	first, err := f.engine.Wallets.Withdraw(f.ctx, req)
	require.NoError(t, err)
	lines := f.lineCount()

	again, err := f.engine.Wallets.Withdraw(f.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, rupees(700), f.wallet(t, "user-1").Balance)
	assert.Equal(t, lines, f.lineCount())

	req.Amount = rupees(200)
	_, err = f.engine.Wallets.Withdraw(f.ctx, req)
	assert.ErrorIs(t, err, finance.ErrRequestReused)
	assert.True(t, finance.IsConflict(err))
	assert.Equal(t, rupees(700), f.wallet(t, "user-1").Balance)

	// Request ids are scoped to the user.
	f.openWallet(t, "user-2")
	_, err = f.engine.Wallets.Deposit(f.ctx, finance.DepositRequest{UserID: "user-2", Amount: rupees(500)})
	require.NoError(t, err)
	other, err := f.engine.Wallets.Withdraw(f.ctx, finance.WithdrawRequest{
		UserID: "user-2", Amount: rupees(300), Reference: finance.Withdrawal{RequestID: "wd-1"},
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	f.assertIntegrity(t)
	f.assertTransactionsReplay(t, "user-1")
}

func TestWallet_Deposit_OverflowRejected(t *testing.T) {
	f := newFixture(t)
	f.openWallet(t, "user-1")
	_, err := f.engine.Wallets.Deposit(f.ctx, finance.DepositRequest{UserID: "user-1", Amount: rupees(100)})
	require.NoError(t, err)

	_, err = f.engine.Wallets.Deposit(f.ctx, finance.DepositRequest{UserID: "user-1", Amount: math.MaxInt64})

	assert.ErrorIs(t, err, finance.ErrInvalidAmount)
	assert.Equal(t, rupees(100), f.wallet(t, "user-1").Balance)
	f.assertIntegrity(t)
}

func TestWallet_Validation(t *testing.T) {
	f := newFixture(t)
	f.openWallet(t, "user-1")

	tests := []struct {
		name    string
		run     func() error
		wantErr error
	}{
		{
			name: "zero deposit",
			run: func() error {
				_, err := f.engine.Wallets.Deposit(f.ctx, finance.DepositRequest{UserID: "user-1"})
				return err
			},
			wantErr: finance.ErrInvalidAmount,
		},
		{
			name: "deposit typed as a debit",
			run: func() error {
				_, err := f.engine.Wallets.Deposit(f.ctx, finance.DepositRequest{
					UserID: "user-1", Amount: 100, Type: finance.TxWithdrawal,
				})
				return err
			},
			wantErr: finance.ErrInvalidTransactionType,
		},
		{
			name: "withdrawal typed as a lock",
			run: func() error {
				_, err := f.engine.Wallets.Withdraw(f.ctx, finance.WithdrawRequest{
					UserID: "user-1", Amount: 100, Type: finance.TxFundsLock,
				})
				return err
			},
			wantErr: finance.ErrInvalidTransactionType,
		},
		{
			name: "unknown wallet",
			run: func() error {
				_, err := f.engine.Wallets.Deposit(f.ctx, finance.DepositRequest{UserID: "ghost", Amount: 100})
				return err
			},
			wantErr: finance.ErrWalletNotFound,
		},
		{
			name: "empty user id",
			run: func() error {
				_, err := f.engine.Wallets.Open(f.ctx, "")
				return err
			},
			wantErr: finance.ErrInvalidRequest,
		},
		{
			name: "duplicate wallet",
			run: func() error {
				_, err := f.engine.Wallets.Open(f.ctx, "user-1")
				return err
			},
			wantErr: finance.ErrWalletExists,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.run(), tt.wantErr)
		})
	}
	assert.Zero(t, f.lineCount())
}

// =============================================================================
// LOCKED FUNDS
// =============================================================================

func TestWallet_LockAndUnlock(t *testing.T) {
	// GIVEN: Balance 1000
	// WHEN: Lock 300, then unlock 100
	// THEN: Balances move between spendable and locked; the ledger is
	//       untouched and the mirror still holds

	f := newFixture(t)
	f.openWallet(t, "user-1")
	_, err := f.engine.Wallets.Deposit(f.ctx, finance.DepositRequest{UserID: "user-1", Amount: rupees(1000)})
	require.NoError(t, err)
	lines := f.lineCount()

	w, err := f.engine.Wallets.LockFunds(f.ctx, "user-1", rupees(300), "withdrawal wd-1 pending")
	require.NoError(t, err)
	assert.Equal(t, rupees(700), w.Balance)
	assert.Equal(t, rupees(300), w.LockedBalance)

	w, err = f.engine.Wallets.UnlockFunds(f.ctx, "user-1", rupees(100), "withdrawal wd-1 reduced")
	require.NoError(t, err)
	assert.Equal(t, rupees(800), w.Balance)
	assert.Equal(t, rupees(200), w.LockedBalance)

	_, err = f.engine.Wallets.UnlockFunds(f.ctx, "user-1", rupees(500), "too much")
	assert.ErrorIs(t, err, finance.ErrInsufficientLockedFunds)

	_, err = f.engine.Wallets.LockFunds(f.ctx, "user-1", rupees(5000), "too much")
	assert.ErrorIs(t, err, finance.ErrInsufficientFunds)

	assert.Equal(t, lines, f.lineCount(), "locking moves no money between accounts")
	f.assertIntegrity(t)
	f.assertTransactionsReplay(t, "user-1")
}

// =============================================================================
// BONUS
// =============================================================================

func TestWallet_CreditBonus_WithTDS(t *testing.T) {
	// GIVEN: A bonus of gross 100, TDS 10, net 90
	// WHEN: Credited
	// THEN: Wallet +90, BONUS_EXPENSE 100, TDS_PAYABLE 10

	f := newFixture(t)
	f.openWallet(t, "user-1")

	txn, err := f.engine.Wallets.CreditBonus(f.ctx, finance.BonusRequest{
		UserID: "user-1", AwardID: "award-1",
		Gross: rupees(100), TDS: rupees(10), Net: rupees(90),
		Description: "referral bonus",
	})
	require.NoError(t, err)
	assert.Equal(t, finance.TxBonusCredit, txn.Type)
	assert.Equal(t, rupees(90), txn.Amount)

	assert.Equal(t, rupees(90), f.wallet(t, "user-1").Balance)
	assert.Equal(t, rupees(100), f.accountBalance(t, finance.AccountBonusExpense))
	assert.Equal(t, rupees(10), f.accountBalance(t, finance.AccountTDSPayable))

	entries, err := f.engine.Ledger.Entries(f.ctx, finance.BonusAward{AwardID: "award-1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Len(t, entries[0].Lines, 3)

	f.assertIntegrity(t)
}

func TestWallet_CreditBonus_Invalid(t *testing.T) {
	f := newFixture(t)
	f.openWallet(t, "user-1")

	_, err := f.engine.Wallets.CreditBonus(f.ctx, finance.BonusRequest{
		UserID: "user-1", Gross: rupees(100), TDS: rupees(10), Net: rupees(80),
	})
	assert.ErrorIs(t, err, finance.ErrInvalidBonus)
	assert.Zero(t, f.lineCount())
}

func TestWallet_CreditBonus_AbsorbedInRecoveryMode(t *testing.T) {
	f := newFixture(t)
	shortfallOf600(t, f)

	_, err := f.engine.Wallets.CreditBonus(f.ctx, finance.BonusRequest{
		UserID: "user-1", Gross: rupees(100), TDS: rupees(10), Net: rupees(90),
	})
	require.NoError(t, err)

	assert.Equal(t, finance.Money(0), f.wallet(t, "user-1").Balance)
	assert.Equal(t, rupees(510), f.outstanding(t, "user-1"))
	f.assertIntegrity(t)
}

// =============================================================================
// COMPLIANCE GATE
// =============================================================================

type stubGate struct{ err error }

func (g stubGate) AllowDeposit(context.Context, string, finance.Money) error { return g.err }

func TestWallet_ComplianceGate(t *testing.T) {
	// GIVEN: A gate that rejects every deposit
	// WHEN: A deposit is made with and without the bypass flag
	// THEN: The plain deposit is rejected; the bypass succeeds and is audited

	f := newFixture(t, finance.WithComplianceGate(stubGate{err: errors.New("kyc incomplete")}))
	f.openWallet(t, "user-1")

	_, err := f.engine.Wallets.Deposit(f.ctx, finance.DepositRequest{UserID: "user-1", Amount: rupees(100)})
	assert.ErrorIs(t, err, finance.ErrComplianceRejected)
	assert.Equal(t, finance.Money(0), f.wallet(t, "user-1").Balance)

	_, err = f.engine.Wallets.Deposit(f.ctx, finance.DepositRequest{
		UserID: "user-1", Amount: rupees(100), Type: finance.TxAdminCredit,
		BypassComplianceCheck: true, ActorID: "admin-1",
	})
	require.NoError(t, err)
	assert.Equal(t, rupees(100), f.wallet(t, "user-1").Balance)

	audits, err := f.engine.Audit(f.ctx, finance.AuditFilter{Action: finance.AuditComplianceCheckBypassed})
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, "admin-1", audits[0].ActorID)
}
