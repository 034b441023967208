package finance_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preiposip/fincore/finance"
	"github.com/preiposip/fincore/finance/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fixture struct {
	ctx    context.Context
	store  *store.Memory
	engine *finance.Engine
}

func newFixture(t *testing.T, opts ...finance.Option) *fixture {
	t.Helper()
	mem := store.NewMemory()
	opts = append([]finance.Option{finance.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	engine := finance.New(mem, opts...)
	ctx := context.Background()
	require.NoError(t, engine.Bootstrap(ctx))
	return &fixture{ctx: ctx, store: mem, engine: engine}
}

func rupees(r int64) finance.Money { return finance.Rupees(r) }

// openWallet opens a wallet, ignoring "already open".
func (f *fixture) openWallet(t *testing.T, userID string) {
	t.Helper()
	_, err := f.engine.Wallets.Open(f.ctx, userID)
	if err != nil {
		require.ErrorIs(t, err, finance.ErrWalletExists)
	}
}

// paidPayment creates and captures a payment, crediting the wallet.
func (f *fixture) paidPayment(t *testing.T, userID string, amount finance.Money) finance.Payment {
	t.Helper()
	f.openWallet(t, userID)
	p, err := f.engine.Payments.Create(f.ctx, finance.CreatePaymentRequest{
		UserID:         userID,
		Amount:         amount,
		GatewayOrderID: finance.NewID("order"),
	})
	require.NoError(t, err)
	p, err = f.engine.Payments.MarkPaid(f.ctx, p.ID, finance.NewID("gwpay"))
	require.NoError(t, err)
	require.Equal(t, finance.PaymentPaid, p.Status)
	return p
}

func (f *fixture) invest(t *testing.T, p finance.Payment, amount finance.Money) finance.Allocation {
	t.Helper()
	alloc, _, err := f.engine.Allocations.Invest(f.ctx, finance.InvestRequest{
		UserID:    p.UserID,
		PaymentID: p.ID,
		Amount:    amount,
	})
	require.NoError(t, err)
	return alloc
}

func (f *fixture) wallet(t *testing.T, userID string) finance.Wallet {
	t.Helper()
	w, err := f.engine.Wallets.Get(f.ctx, userID)
	require.NoError(t, err)
	return w
}

func (f *fixture) accountBalance(t *testing.T, code finance.AccountCode) finance.Money {
	t.Helper()
	bal, err := f.engine.Ledger.AccountBalance(f.ctx, code)
	require.NoError(t, err)
	return bal
}

func (f *fixture) outstanding(t *testing.T, userID string) finance.Money {
	t.Helper()
	rcvs, err := f.engine.Resolution.Receivables(f.ctx, userID, true)
	require.NoError(t, err)
	var total finance.Money
	for _, r := range rcvs {
		total += r.Balance()
	}
	return total
}

func (f *fixture) lineCount() int {
	n := 0
	for _, e := range f.store.Entries() {
		n += len(e.Lines)
	}
	return n
}

// assertIntegrity checks the global balance, the accounting equation, no
// negative wallets and the per-user liability mirror.
func (f *fixture) assertIntegrity(t *testing.T) {
	t.Helper()
	rep, err := f.engine.VerifyIntegrity(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, rep.Equation.TotalDebits, rep.Equation.TotalCredits, "Σdebits must equal Σcredits")
	assert.True(t, rep.Equation.IsBalanced, "accounting equation: %+v", rep.Equation)
	assert.Empty(t, rep.NegativeWallets)
	assert.Empty(t, rep.Mirrors, "liability mirror violations")
	assert.True(t, rep.Healthy)
}

// assertTransactionsReplay checks balance = Σcredits - Σdebits over the
// wallet's completed transactions.
func (f *fixture) assertTransactionsReplay(t *testing.T, userID string) {
	t.Helper()
	txns, err := f.engine.Wallets.Transactions(f.ctx, userID)
	require.NoError(t, err)
	var sum finance.Money
	for _, tx := range txns {
		if tx.Status != finance.TxStatusCompleted {
			continue
		}
		if tx.Type.IsCredit() {
			sum += tx.Amount
		} else {
			sum -= tx.Amount
		}
	}
	assert.Equal(t, f.wallet(t, userID).Balance, sum, "wallet balance must replay from transactions")
}
