package finance_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preiposip/fincore/finance"
)

// =============================================================================
// CAPTURE AND FAILURE
// =============================================================================

func TestPayment_Capture_CreditsWallet(t *testing.T) {
	// GIVEN: A pending payment of 1000
	// WHEN: The gateway reports it captured
	// THEN: Payment is paid, wallet is credited, entry references the payment

	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	f := newFixture(t, finance.WithClock(func() time.Time { return fixed }))
	f.openWallet(t, "user-1")

	p, err := f.engine.Payments.Create(f.ctx, finance.CreatePaymentRequest{
		UserID: "user-1", Amount: rupees(1000), GatewayOrderID: "order_1",
	})
	require.NoError(t, err)
	assert.Equal(t, finance.PaymentPending, p.Status)

	p, err = f.engine.Payments.MarkPaid(f.ctx, p.ID, "pay_gw_1")
	require.NoError(t, err)
	assert.Equal(t, finance.PaymentPaid, p.Status)
	assert.Equal(t, "pay_gw_1", p.GatewayPaymentID)
	require.NotNil(t, p.PaidAt)
	assert.Equal(t, fixed, *p.PaidAt)

	assert.Equal(t, rupees(1000), f.wallet(t, "user-1").Balance)
	entries, err := f.engine.Ledger.Entries(f.ctx, finance.PaymentCapture{PaymentID: p.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, fixed, entries[0].EntryDate)

	byOrder, err := f.engine.Payments.GetByOrderID(f.ctx, "order_1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, byOrder.ID)

	f.assertIntegrity(t)
}

func TestPayment_Capture_Replay(t *testing.T) {
	f := newFixture(t)
	p := f.paidPayment(t, "user-1", rupees(1000))
	lines := f.lineCount()

	again, err := f.engine.Payments.MarkPaid(f.ctx, p.ID, p.GatewayPaymentID)
	require.NoError(t, err)
	assert.Equal(t, finance.PaymentPaid, again.Status)
	assert.Equal(t, p.Version, again.Version)
	assert.Equal(t, rupees(1000), f.wallet(t, "user-1").Balance)
	assert.Equal(t, lines, f.lineCount())
}

func TestPayment_Capture_DifferentGatewayID_Rejected(t *testing.T) {
	f := newFixture(t)
	p := f.paidPayment(t, "user-1", rupees(1000))

	_, err := f.engine.Payments.MarkPaid(f.ctx, p.ID, "pay_gw_other")
	var ite *finance.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, finance.PaymentPaid, ite.From)
	assert.ErrorIs(t, err, finance.ErrInvalidTransition)
}

func TestPayment_Fail(t *testing.T) {
	// GIVEN: A pending payment
	// WHEN: It fails, the failure is replayed, then a capture arrives
	// THEN: Failed is sticky and nothing is posted

	f := newFixture(t)
	f.openWallet(t, "user-1")
	p, err := f.engine.Payments.Create(f.ctx, finance.CreatePaymentRequest{
		UserID: "user-1", Amount: rupees(500), GatewayOrderID: "order_1",
	})
	require.NoError(t, err)

	p, err = f.engine.Payments.MarkFailed(f.ctx, p.ID, "card declined")
	require.NoError(t, err)
	assert.Equal(t, finance.PaymentFailed, p.Status)
	assert.Equal(t, "card declined", p.FailureReason)

	_, err = f.engine.Payments.MarkFailed(f.ctx, p.ID, "card declined")
	require.NoError(t, err)

	_, err = f.engine.Payments.MarkPaid(f.ctx, p.ID, "pay_gw_1")
	assert.ErrorIs(t, err, finance.ErrInvalidTransition)

	assert.Zero(t, f.lineCount())
	assert.Equal(t, finance.Money(0), f.wallet(t, "user-1").Balance)
}

func TestPayment_Create_Validation(t *testing.T) {
	f := newFixture(t)
	f.openWallet(t, "user-1")

	tests := []struct {
		name    string
		req     finance.CreatePaymentRequest
		wantErr error
	}{
		{
			name:    "zero amount",
			req:     finance.CreatePaymentRequest{UserID: "user-1", GatewayOrderID: "o1"},
			wantErr: finance.ErrInvalidAmount,
		},
		{
			name:    "missing order id",
			req:     finance.CreatePaymentRequest{UserID: "user-1", Amount: 100},
			wantErr: finance.ErrInvalidRequest,
		},
		{
			name:    "no wallet",
			req:     finance.CreatePaymentRequest{UserID: "ghost", Amount: 100, GatewayOrderID: "o1"},
			wantErr: finance.ErrWalletNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Payments.Create(f.ctx, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	_, err := f.engine.Payments.Create(f.ctx, finance.CreatePaymentRequest{UserID: "user-1", Amount: 100, GatewayOrderID: "o1"})
	require.NoError(t, err)
	_, err = f.engine.Payments.Create(f.ctx, finance.CreatePaymentRequest{UserID: "user-1", Amount: 100, GatewayOrderID: "o1"})
	assert.ErrorIs(t, err, finance.ErrPaymentExists)
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

func TestAllocation_CannotExceedPayment(t *testing.T) {
	f := newFixture(t)
	p := f.paidPayment(t, "user-1", rupees(1000))
	f.invest(t, p, rupees(700))

	_, _, err := f.engine.Allocations.Invest(f.ctx, finance.InvestRequest{
		UserID: "user-1", PaymentID: p.ID, Amount: rupees(400),
	})
	assert.ErrorIs(t, err, finance.ErrAllocationExceedsPayment)
	assert.Equal(t, rupees(300), f.wallet(t, "user-1").Balance)
}

func TestAllocation_WrongUser(t *testing.T) {
	f := newFixture(t)
	p := f.paidPayment(t, "user-1", rupees(1000))
	f.openWallet(t, "user-2")

	_, _, err := f.engine.Allocations.Invest(f.ctx, finance.InvestRequest{
		UserID: "user-2", PaymentID: p.ID, Amount: rupees(100),
	})
	assert.ErrorIs(t, err, finance.ErrPaymentMismatch)
}

func TestAllocation_ReverseOnce(t *testing.T) {
	f := newFixture(t)
	p := f.paidPayment(t, "user-1", rupees(1000))
	a := f.invest(t, p, rupees(250))

	value, err := f.engine.Allocations.ReverseAllocation(f.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, rupees(250), value)
	assert.Equal(t, rupees(1000), f.wallet(t, "user-1").Balance)
	assert.Equal(t, finance.Money(0), f.accountBalance(t, finance.AccountShareSaleIncome))

	value, err = f.engine.Allocations.ReverseAllocation(f.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, finance.Money(0), value)

	allocs, err := f.engine.Allocations.ForPayment(f.ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	assert.True(t, allocs[0].IsReversed)
	f.assertIntegrity(t)
	f.assertTransactionsReplay(t, "user-1")
}
