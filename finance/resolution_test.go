package finance_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preiposip/fincore/finance"
)

// =============================================================================
// CHARGEBACK SCENARIOS
// =============================================================================

func TestChargeback_AfterPartialInvestment_CreatesReceivable(t *testing.T) {
	// GIVEN: Deposit 1000, invest 600 (wallet = 400)
	// WHEN: Chargeback of 1000 is confirmed
	// THEN: wallet 0, income 0, bank 0, receivable 600, recovery mode on

	f := newFixture(t)
	p := f.paidPayment(t, "user-1", rupees(1000))
	alloc := f.invest(t, p, rupees(600))
	require.Equal(t, rupees(400), f.wallet(t, "user-1").Balance)

	res, err := f.engine.Resolution.ResolveChargeback(f.ctx, finance.ChargebackNotice{
		PaymentID:           p.ID,
		GatewayChargebackID: "cb_1",
		Amount:              rupees(1000),
	})
	require.NoError(t, err)

	assert.False(t, res.NoOp)
	assert.Equal(t, rupees(600), res.AllocationReversed)
	assert.Equal(t, rupees(400), res.Covered)
	assert.Equal(t, rupees(600), res.Shortfall)
	assert.NotEmpty(t, res.ReceivableID)

	w := f.wallet(t, "user-1")
	assert.Equal(t, finance.Money(0), w.Balance)
	assert.True(t, w.IsRecoveryMode)
	assert.Equal(t, finance.Money(0), f.accountBalance(t, finance.AccountShareSaleIncome))
	assert.Equal(t, finance.Money(0), f.accountBalance(t, finance.AccountBank))
	assert.Equal(t, rupees(600), f.accountBalance(t, finance.AccountReceivable))
	assert.Equal(t, rupees(600), f.outstanding(t, "user-1"))

	liability, err := f.engine.Ledger.UserBalance(f.ctx, finance.AccountUserWalletLiability, "user-1")
	require.NoError(t, err)
	assert.Equal(t, rupees(600), liability, "liability = wallet 0 + receivable 600")

	got, err := f.engine.Payments.Get(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, finance.PaymentChargebackConfirmed, got.Status)
	assert.Equal(t, rupees(1000), got.ChargebackAmount)

	reversed, err := f.store.GetAllocation(f.ctx, alloc.ID)
	require.NoError(t, err)
	assert.True(t, reversed.IsReversed)

	audits, err := f.engine.Audit(f.ctx, finance.AuditFilter{Action: finance.AuditReceivableCreated})
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, int64(rupees(600)), audits[0].Metadata["shortfall"])

	f.assertIntegrity(t)
	f.assertTransactionsReplay(t, "user-1")
}

func TestChargeback_NoInvestment_CleanUnwind(t *testing.T) {
	// GIVEN: Deposit 1000, nothing invested
	// WHEN: Chargeback of 1000 is confirmed
	// THEN: wallet 0, no receivable, no recovery mode

	f := newFixture(t)
	p := f.paidPayment(t, "user-1", rupees(1000))

	res, err := f.engine.Resolution.ResolveChargeback(f.ctx, finance.ChargebackNotice{
		PaymentID:           p.ID,
		GatewayChargebackID: "cb_1",
		Amount:              rupees(1000),
	})
	require.NoError(t, err)

	assert.Equal(t, rupees(1000), res.Covered)
	assert.Equal(t, finance.Money(0), res.Shortfall)
	assert.Empty(t, res.ReceivableID)

	w := f.wallet(t, "user-1")
	assert.Equal(t, finance.Money(0), w.Balance)
	assert.False(t, w.IsRecoveryMode)
	assert.Equal(t, finance.Money(0), f.outstanding(t, "user-1"))
	assert.Equal(t, finance.Money(0), f.accountBalance(t, finance.AccountReceivable))

	entries, err := f.engine.Ledger.Entries(f.ctx, finance.ChargebackReceivableRef{PaymentID: p.ID})
	require.NoError(t, err)
	assert.Empty(t, entries, "no receivable entry without a shortfall")

	f.assertIntegrity(t)
	f.assertTransactionsReplay(t, "user-1")
}

func TestChargeback_FullyInvested_FullShortfall(t *testing.T) {
	// GIVEN: Deposit 1000, invest all 1000 (wallet = 0)
	// WHEN: Chargeback of 1000 is confirmed
	// THEN: receivable is the full 1000

	f := newFixture(t)
	p := f.paidPayment(t, "user-1", rupees(1000))
	f.invest(t, p, rupees(1000))

	res, err := f.engine.Resolution.ResolveChargeback(f.ctx, finance.ChargebackNotice{
		PaymentID:           p.ID,
		GatewayChargebackID: "cb_1",
		Amount:              rupees(1000),
	})
	require.NoError(t, err)

	assert.Equal(t, finance.Money(0), res.Covered)
	assert.Equal(t, rupees(1000), res.Shortfall)
	assert.Equal(t, rupees(1000), f.outstanding(t, "user-1"))
	assert.Equal(t, finance.Money(0), f.wallet(t, "user-1").Balance)
	assert.True(t, f.wallet(t, "user-1").IsRecoveryMode)

	f.assertIntegrity(t)
}

func TestChargeback_DefaultsToDisputedAmount(t *testing.T) {
	// GIVEN: A dispute opened for 400 on a 1000 payment
	// WHEN: It is confirmed without an amount
	// THEN: 400 is clawed back

	f := newFixture(t)
	p := f.paidPayment(t, "user-1", rupees(1000))

	opened, err := f.engine.Resolution.OpenChargeback(f.ctx, finance.ChargebackNotice{
		PaymentID: p.ID, GatewayChargebackID: "cb_1", Amount: rupees(400),
	})
	require.NoError(t, err)
	assert.Equal(t, finance.PaymentChargebackPending, opened.Status)
	assert.Equal(t, rupees(1000), f.wallet(t, "user-1").Balance, "opening a dispute moves no money")

	res, err := f.engine.Resolution.ResolveChargeback(f.ctx, finance.ChargebackNotice{
		PaymentID: p.ID, GatewayChargebackID: "cb_1",
	})
	require.NoError(t, err)
	assert.Equal(t, rupees(400), res.Amount)
	assert.Equal(t, rupees(600), f.wallet(t, "user-1").Balance)

	f.assertIntegrity(t)
}

// =============================================================================
// IDEMPOTENCE AND TERMINAL STATE
// =============================================================================

func TestChargeback_Replay_IsNoOp(t *testing.T) {
	// GIVEN: A confirmed chargeback
	// WHEN: The identical webhook is delivered again
	// THEN: Wallet, ledger line count and payment status are unchanged

	f := newFixture(t)
	p := f.paidPayment(t, "user-1", rupees(1000))
	f.invest(t, p, rupees(600))

	notice := finance.ChargebackNotice{PaymentID: p.ID, GatewayChargebackID: "cb_1", Amount: rupees(1000)}
	_, err := f.engine.Resolution.ResolveChargeback(f.ctx, notice)
	require.NoError(t, err)

	walletBefore := f.wallet(t, "user-1")
	linesBefore := f.lineCount()

	res, err := f.engine.Resolution.ResolveChargeback(f.ctx, notice)
	require.NoError(t, err)
	assert.True(t, res.NoOp)

	assert.Equal(t, walletBefore, f.wallet(t, "user-1"))
	assert.Equal(t, linesBefore, f.lineCount())
	got, err := f.engine.Payments.Get(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, finance.PaymentChargebackConfirmed, got.Status)

	rcvs, err := f.engine.Resolution.Receivables(f.ctx, "user-1", false)
	require.NoError(t, err)
	assert.Len(t, rcvs, 1, "replay must not create a second receivable")
}

func TestChargeback_Concurrent_SingleEntry(t *testing.T) {
	// GIVEN: A paid payment
	// WHEN: Ten identical chargeback webhooks race
	// THEN: Exactly one chargeback entry, wallet debited once

	f := newFixture(t)
	p := f.paidPayment(t, "user-1", rupees(1000))
	notice := finance.ChargebackNotice{PaymentID: p.ID, GatewayChargebackID: "cb_1", Amount: rupees(1000)}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		noOps int
		errs  []error
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.engine.Resolution.ResolveChargeback(f.ctx, notice)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if res.NoOp {
				noOps++
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Equal(t, 9, noOps)

	entries, err := f.engine.Ledger.Entries(f.ctx, finance.Chargeback{PaymentID: p.ID})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	txns, err := f.engine.Wallets.Transactions(f.ctx, "user-1")
	require.NoError(t, err)
	debits := 0
	for _, tx := range txns {
		if tx.Type == finance.TxChargebackDebit {
			debits++
		}
	}
	assert.Equal(t, 1, debits)
	assert.Equal(t, finance.Money(0), f.wallet(t, "user-1").Balance)
	f.assertIntegrity(t)
}

func TestTerminalState_ChargebackConfirmed_RejectsFurtherReversals(t *testing.T) {
	// GIVEN: A payment in chargeback_confirmed
	// WHEN: A refund, a second chargeback and a new dispute arrive
	// THEN: Status and balances never change

	f := newFixture(t)
	p := f.paidPayment(t, "user-1", rupees(1000))
	_, err := f.engine.Resolution.ResolveChargeback(f.ctx, finance.ChargebackNotice{
		PaymentID: p.ID, GatewayChargebackID: "cb_1", Amount: rupees(500),
	})
	require.NoError(t, err)

	walletBefore := f.wallet(t, "user-1")
	linesBefore := f.lineCount()

	_, err = f.engine.Resolution.ResolveRefund(f.ctx, finance.RefundNotice{
		PaymentID: p.ID, GatewayRefundID: "rf_1", Amount: rupees(100),
	})
	assert.ErrorIs(t, err, finance.ErrPaymentFinalized)

	res, err := f.engine.Resolution.ResolveChargeback(f.ctx, finance.ChargebackNotice{
		PaymentID: p.ID, GatewayChargebackID: "cb_2", Amount: rupees(100),
	})
	require.NoError(t, err)
	assert.True(t, res.NoOp)

	_, err = f.engine.Resolution.OpenChargeback(f.ctx, finance.ChargebackNotice{
		PaymentID: p.ID, GatewayChargebackID: "cb_3",
	})
	require.NoError(t, err)

	got, err := f.engine.Payments.Get(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, finance.PaymentChargebackConfirmed, got.Status)
	assert.Equal(t, "cb_1", got.ChargebackGatewayID)
	assert.Equal(t, rupees(500), got.ChargebackAmount)
	assert.Equal(t, walletBefore, f.wallet(t, "user-1"))
	assert.Equal(t, linesBefore, f.lineCount())
}

func TestChargeback_ExceedsRefundable_NoMutation(t *testing.T) {
	// GIVEN: A 1000 payment with 300 already refunded
	// WHEN: A chargeback for 1000 is confirmed
	// THEN: ChargebackExceedsRefundableAmountError, nothing written

	f := newFixture(t)
	p := f.paidPayment(t, "user-1", rupees(1000))
	_, err := f.engine.Resolution.ResolveRefund(f.ctx, finance.RefundNotice{
		PaymentID: p.ID, GatewayRefundID: "rf_1", Amount: rupees(300),
	})
	require.NoError(t, err)

	walletBefore := f.wallet(t, "user-1")
	linesBefore := f.lineCount()

	_, err = f.engine.Resolution.ResolveChargeback(f.ctx, finance.ChargebackNotice{
		PaymentID: p.ID, GatewayChargebackID: "cb_1", Amount: rupees(1000),
	})
	var exceeds *finance.ChargebackExceedsRefundableAmountError
	require.ErrorAs(t, err, &exceeds)
	assert.Equal(t, rupees(700), exceeds.Refundable)

	got, err := f.engine.Payments.Get(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, finance.PaymentPaid, got.Status)
	assert.Empty(t, got.ChargebackGatewayID)
	assert.Equal(t, walletBefore, f.wallet(t, "user-1"))
	assert.Equal(t, linesBefore, f.lineCount())
}

func TestDispute_OpenedForMoreThanRefundable_Rejected(t *testing.T) {
	// GIVEN: A 1000 payment with 300 already refunded
	// WHEN: A dispute for 1000 is opened, then one for the default amount
	//       is opened and lost without an amount
	// THEN: The oversized dispute is rejected and leaves the payment paid;
	//       the second settles for the remaining 700

	f := newFixture(t)
	p := f.paidPayment(t, "user-1", rupees(1000))
	_, err := f.engine.Resolution.ResolveRefund(f.ctx, finance.RefundNotice{
		PaymentID: p.ID, GatewayRefundID: "rf_1", Amount: rupees(300),
	})
	require.NoError(t, err)

	_, err = f.engine.Resolution.OpenChargeback(f.ctx, finance.ChargebackNotice{
		PaymentID: p.ID, GatewayChargebackID: "cb_1", Amount: rupees(1000),
	})
	var exceeds *finance.ChargebackExceedsRefundableAmountError
	require.ErrorAs(t, err, &exceeds)
	assert.Equal(t, rupees(700), exceeds.Refundable)

	got, err := f.engine.Payments.Get(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, finance.PaymentPaid, got.Status)
	assert.Empty(t, got.ChargebackGatewayID)

	opened, err := f.engine.Resolution.OpenChargeback(f.ctx, finance.ChargebackNotice{
		PaymentID: p.ID, GatewayChargebackID: "cb_2",
	})
	require.NoError(t, err)
	assert.Equal(t, rupees(700), opened.ChargebackAmount)

	res, err := f.engine.Resolution.ResolveChargeback(f.ctx, finance.ChargebackNotice{
		PaymentID: p.ID, GatewayChargebackID: "cb_2",
	})
	require.NoError(t, err)
	assert.Equal(t, finance.PaymentChargebackConfirmed, res.Status)
	assert.Equal(t, rupees(700), res.Amount)
	f.assertIntegrity(t)
}

func TestDispute_Dismissed_ReturnsToPaid(t *testing.T) {
	// GIVEN: An open dispute
	// WHEN: The dispute is won, then replayed, then a new dispute arrives
	// THEN: Payment is paid, replay is a no-op, the new dispute is rejected

	f := newFixture(t)
	p := f.paidPayment(t, "user-1", rupees(1000))
	_, err := f.engine.Resolution.OpenChargeback(f.ctx, finance.ChargebackNotice{
		PaymentID: p.ID, GatewayChargebackID: "cb_1",
	})
	require.NoError(t, err)

	got, err := f.engine.Resolution.DismissChargeback(f.ctx, finance.ChargebackNotice{
		PaymentID: p.ID, GatewayChargebackID: "cb_1",
	})
	require.NoError(t, err)
	assert.Equal(t, finance.PaymentPaid, got.Status)

	got, err = f.engine.Resolution.DismissChargeback(f.ctx, finance.ChargebackNotice{
		PaymentID: p.ID, GatewayChargebackID: "cb_1",
	})
	require.NoError(t, err)
	assert.Equal(t, finance.PaymentPaid, got.Status)

	_, err = f.engine.Resolution.OpenChargeback(f.ctx, finance.ChargebackNotice{
		PaymentID: p.ID, GatewayChargebackID: "cb_2",
	})
	assert.ErrorIs(t, err, finance.ErrDisputeAlreadyRecorded)
	assert.Equal(t, rupees(1000), f.wallet(t, "user-1").Balance)
}

// =============================================================================
// REFUNDS
// =============================================================================

func TestRefund_ExceedingPayment_Rejected(t *testing.T) {
	// GIVEN: A 1000 payment
	// WHEN: A refund of 2000 is requested
	// THEN: Rejected, no state change, no wallet mutation

	f := newFixture(t)
	p := f.paidPayment(t, "user-1", rupees(1000))
	walletBefore := f.wallet(t, "user-1")
	txnsBefore, err := f.engine.Wallets.Transactions(f.ctx, "user-1")
	require.NoError(t, err)

	_, err = f.engine.Resolution.ResolveRefund(f.ctx, finance.RefundNotice{
		PaymentID: p.ID, GatewayRefundID: "rf_1", Amount: rupees(2000),
	})
	var exceeds *finance.ChargebackExceedsRefundableAmountError
	require.ErrorAs(t, err, &exceeds)
	assert.Equal(t, rupees(2000), exceeds.Requested)
	assert.Equal(t, rupees(1000), exceeds.Refundable)

	got, err := f.engine.Payments.Get(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, finance.PaymentPaid, got.Status)
	assert.Equal(t, finance.Money(0), got.RefundAmount)
	assert.Equal(t, walletBefore, f.wallet(t, "user-1"))

	txnsAfter, err := f.engine.Wallets.Transactions(f.ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, txnsAfter, len(txnsBefore))

	seen, err := f.store.HasRefund(f.ctx, "rf_1")
	require.NoError(t, err)
	assert.False(t, seen, "rejected refund must not be recorded")
}

func TestRefund_PartialThenFinal(t *testing.T) {
	// GIVEN: A 1000 payment with 400 invested
	// WHEN: Refund 300, replay it, then refund the remaining 700
	// THEN: Payment stays paid until the final refund; allocations are
	//       only reversed by the final one

	f := newFixture(t)
	p := f.paidPayment(t, "user-1", rupees(1000))
	alloc := f.invest(t, p, rupees(400))

	res, err := f.engine.Resolution.ResolveRefund(f.ctx, finance.RefundNotice{
		PaymentID: p.ID, GatewayRefundID: "rf_1", Amount: rupees(300),
	})
	require.NoError(t, err)
	assert.Equal(t, finance.PaymentPaid, res.Status)
	assert.Equal(t, finance.Money(0), res.AllocationReversed)
	assert.Equal(t, rupees(300), f.wallet(t, "user-1").Balance)

	res, err = f.engine.Resolution.ResolveRefund(f.ctx, finance.RefundNotice{
		PaymentID: p.ID, GatewayRefundID: "rf_1", Amount: rupees(300),
	})
	require.NoError(t, err)
	assert.True(t, res.NoOp)
	assert.Equal(t, rupees(300), f.wallet(t, "user-1").Balance)

	res, err = f.engine.Resolution.ResolveRefund(f.ctx, finance.RefundNotice{
		PaymentID: p.ID, GatewayRefundID: "rf_2", Amount: rupees(700),
	})
	require.NoError(t, err)
	assert.Equal(t, finance.PaymentRefunded, res.Status)
	assert.Equal(t, rupees(400), res.AllocationReversed)
	assert.Equal(t, rupees(300), res.Covered)
	assert.Equal(t, rupees(400), res.Shortfall)

	a, err := f.store.GetAllocation(f.ctx, alloc.ID)
	require.NoError(t, err)
	assert.True(t, a.IsReversed)

	refunds, err := f.engine.Payments.Refunds(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, refunds, 2)

	entries, err := f.engine.Ledger.Entries(f.ctx, finance.RefundReceivable{PaymentID: p.ID})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	f.assertIntegrity(t)
	f.assertTransactionsReplay(t, "user-1")
}

func TestRefund_DuringOpenDispute_Rejected(t *testing.T) {
	f := newFixture(t)
	p := f.paidPayment(t, "user-1", rupees(1000))
	_, err := f.engine.Resolution.OpenChargeback(f.ctx, finance.ChargebackNotice{
		PaymentID: p.ID, GatewayChargebackID: "cb_1",
	})
	require.NoError(t, err)

	_, err = f.engine.Resolution.ResolveRefund(f.ctx, finance.RefundNotice{
		PaymentID: p.ID, GatewayRefundID: "rf_1", Amount: rupees(100),
	})
	assert.ErrorIs(t, err, finance.ErrDisputeOpen)
}

// =============================================================================
// RECEIVABLE SETTLEMENT AND RECOVERY MODE
// =============================================================================

// shortfallOf600 leaves user-1 owing 600 with an empty wallet.
func shortfallOf600(t *testing.T, f *fixture) finance.Payment {
	t.Helper()
	p := f.paidPayment(t, "user-1", rupees(1000))
	f.invest(t, p, rupees(600))
	_, err := f.engine.Resolution.ResolveChargeback(f.ctx, finance.ChargebackNotice{
		PaymentID: p.ID, GatewayChargebackID: "cb_1", Amount: rupees(1000),
	})
	require.NoError(t, err)
	return p
}

func TestRecoveryMode_DepositsAbsorbedFIFO(t *testing.T) {
	// GIVEN: A user owing 600 in recovery mode
	// WHEN: They deposit 250, then 500
	// THEN: The first deposit is fully absorbed; the second settles the
	//       receivable, leaves 150 in the wallet and clears recovery mode

	f := newFixture(t)
	shortfallOf600(t, f)

	_, err := f.engine.Wallets.Deposit(f.ctx, finance.DepositRequest{
		UserID: "user-1", Amount: rupees(250), Type: finance.TxDeposit,
	})
	require.NoError(t, err)

	w := f.wallet(t, "user-1")
	assert.Equal(t, finance.Money(0), w.Balance)
	assert.True(t, w.IsRecoveryMode)
	assert.Equal(t, rupees(350), f.outstanding(t, "user-1"))

	rcvs, err := f.engine.Resolution.Receivables(f.ctx, "user-1", true)
	require.NoError(t, err)
	require.Len(t, rcvs, 1)
	assert.Equal(t, finance.ReceivablePartiallyPaid, rcvs[0].Status)
	f.assertIntegrity(t)

	_, err = f.engine.Wallets.Deposit(f.ctx, finance.DepositRequest{
		UserID: "user-1", Amount: rupees(500), Type: finance.TxDeposit,
	})
	require.NoError(t, err)

	w = f.wallet(t, "user-1")
	assert.Equal(t, rupees(150), w.Balance)
	assert.False(t, w.IsRecoveryMode)
	assert.Equal(t, finance.Money(0), f.outstanding(t, "user-1"))

	all, err := f.engine.Resolution.Receivables(f.ctx, "user-1", false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, finance.ReceivableSettled, all[0].Status)
	assert.NotNil(t, all[0].SettledAt)

	cleared, err := f.engine.Audit(f.ctx, finance.AuditFilter{UserID: "user-1", Action: finance.AuditRecoveryModeCleared})
	require.NoError(t, err)
	assert.Len(t, cleared, 1)

	f.assertIntegrity(t)
	f.assertTransactionsReplay(t, "user-1")
}

func TestRecoveryMode_OldestReceivableFirst(t *testing.T) {
	// GIVEN: Two receivables, 1000 (older) and 500 (newer)
	// WHEN: 1200 is applied
	// THEN: The older one settles, the newer one is partially paid

	f := newFixture(t)
	p1 := f.paidPayment(t, "user-1", rupees(1000))
	f.invest(t, p1, rupees(1000))
	p2 := f.paidPayment(t, "user-1", rupees(500))
	f.invest(t, p2, rupees(500))

	for i, p := range []finance.Payment{p1, p2} {
		_, err := f.engine.Resolution.ResolveChargeback(f.ctx, finance.ChargebackNotice{
			PaymentID: p.ID, GatewayChargebackID: []string{"cb_1", "cb_2"}[i],
		})
		require.NoError(t, err)
	}
	require.Equal(t, rupees(1500), f.outstanding(t, "user-1"))

	_, err := f.engine.Wallets.Deposit(f.ctx, finance.DepositRequest{
		UserID: "user-1", Amount: rupees(1200), Type: finance.TxDeposit,
	})
	require.NoError(t, err)

	all, err := f.engine.Resolution.Receivables(f.ctx, "user-1", false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, p1.ID, all[0].PaymentID)
	assert.Equal(t, finance.ReceivableSettled, all[0].Status)
	assert.Equal(t, finance.ReceivablePartiallyPaid, all[1].Status)
	assert.Equal(t, rupees(300), all[1].Balance())
	assert.True(t, f.wallet(t, "user-1").IsRecoveryMode)

	f.assertIntegrity(t)
}

func TestRecoveryMode_BlocksUserDebits(t *testing.T) {
	f := newFixture(t)
	shortfallOf600(t, f)

	// Settle the first receivable, then fall back into recovery mode.
	_, err := f.engine.Wallets.Deposit(f.ctx, finance.DepositRequest{
		UserID: "user-1", Amount: rupees(700), Type: finance.TxDeposit,
	})
	require.NoError(t, err)
	require.False(t, f.wallet(t, "user-1").IsRecoveryMode)

	p := f.paidPayment(t, "user-1", rupees(200))
	f.invest(t, p, rupees(200))
	_, err = f.engine.Resolution.ResolveChargeback(f.ctx, finance.ChargebackNotice{
		PaymentID: p.ID, GatewayChargebackID: "cb_2",
	})
	require.NoError(t, err)
	require.True(t, f.wallet(t, "user-1").IsRecoveryMode)

	_, err = f.engine.Wallets.Withdraw(f.ctx, finance.WithdrawRequest{
		UserID: "user-1", Amount: rupees(10), Type: finance.TxWithdrawal,
	})
	var rme *finance.RecoveryModeError
	require.ErrorAs(t, err, &rme)
	assert.Equal(t, "user-1", rme.UserID)

	_, err = f.engine.Wallets.LockFunds(f.ctx, "user-1", rupees(10), "pending withdrawal")
	assert.ErrorIs(t, err, finance.ErrRecoveryMode)
}

func TestApplyDepositToReceivable_Direct(t *testing.T) {
	f := newFixture(t)
	shortfallOf600(t, f)

	app, err := f.engine.Resolution.ApplyDepositToReceivable(f.ctx, "user-1", rupees(100))
	require.NoError(t, err)
	assert.Equal(t, finance.Money(0), app.Applied, "nothing to apply from an empty wallet")
	assert.Equal(t, rupees(100), app.Remaining)
	assert.Equal(t, rupees(600), app.Outstanding)
	assert.False(t, app.RecoveryModeCleared)
}

func TestClearRecoveryMode_RequiresForceWhileOutstanding(t *testing.T) {
	// GIVEN: A user owing 600
	// WHEN: Recovery mode is cleared without, then with, force
	// THEN: The first fails with OutstandingReceivableError; the second
	//       succeeds and is audit-logged as an override

	f := newFixture(t)
	shortfallOf600(t, f)

	_, err := f.engine.Resolution.ClearRecoveryMode(f.ctx, finance.ClearRecoveryRequest{
		UserID: "user-1", Note: "customer called",
	})
	var ore *finance.OutstandingReceivableError
	require.ErrorAs(t, err, &ore)
	assert.Equal(t, rupees(600), ore.Outstanding)
	assert.True(t, f.wallet(t, "user-1").IsRecoveryMode)

	w, err := f.engine.Resolution.ClearRecoveryMode(f.ctx, finance.ClearRecoveryRequest{
		UserID: "user-1", Note: "payment plan agreed", ForceOverride: true, ActorID: "admin-7",
	})
	require.NoError(t, err)
	assert.False(t, w.IsRecoveryMode)

	overrides, err := f.engine.Audit(f.ctx, finance.AuditFilter{Action: finance.AuditRecoveryModeOverride})
	require.NoError(t, err)
	require.Len(t, overrides, 1)
	assert.Equal(t, "admin-7", overrides[0].ActorID)
	assert.Equal(t, "payment plan agreed", overrides[0].Metadata["note"])

	// The receivable itself is untouched by the override.
	assert.Equal(t, rupees(600), f.outstanding(t, "user-1"))
	f.assertIntegrity(t)
}

func TestClearRecoveryMode_NothingOutstanding(t *testing.T) {
	f := newFixture(t)
	f.openWallet(t, "user-1")

	w, err := f.engine.Resolution.ClearRecoveryMode(f.ctx, finance.ClearRecoveryRequest{UserID: "user-1"})
	require.NoError(t, err)
	assert.False(t, w.IsRecoveryMode)
}

func TestChargeback_AfterAllocationReversed_UnwindsCleanly(t *testing.T) {
	// GIVEN: Deposit 1000, invest 600, the allocation reversed by an admin
	// WHEN: Chargeback of 1000 is confirmed
	// THEN: The returned 600 is clawed back with the rest: income 0, bank 0,
	//       no receivable

	f := newFixture(t)
	p := f.paidPayment(t, "user-1", rupees(1000))
	alloc := f.invest(t, p, rupees(600))

	value, err := f.engine.Allocations.ReverseAllocation(f.ctx, alloc.ID)
	require.NoError(t, err)
	require.Equal(t, rupees(600), value)
	require.Equal(t, rupees(1000), f.wallet(t, "user-1").Balance)

	res, err := f.engine.Resolution.ResolveChargeback(f.ctx, finance.ChargebackNotice{
		PaymentID:           p.ID,
		GatewayChargebackID: "cb_1",
		Amount:              rupees(1000),
	})
	require.NoError(t, err)

	assert.Equal(t, finance.Money(0), res.AllocationReversed)
	assert.Equal(t, rupees(1000), res.Covered)
	assert.Equal(t, finance.Money(0), res.Shortfall)
	assert.Empty(t, res.ReceivableID)

	w := f.wallet(t, "user-1")
	assert.Equal(t, finance.Money(0), w.Balance)
	assert.False(t, w.IsRecoveryMode)
	assert.Equal(t, finance.Money(0), f.accountBalance(t, finance.AccountShareSaleIncome))
	assert.Equal(t, finance.Money(0), f.accountBalance(t, finance.AccountBank))
	assert.Equal(t, finance.Money(0), f.accountBalance(t, finance.AccountReceivable))
	f.assertIntegrity(t)
	f.assertTransactionsReplay(t, "user-1")
}

func TestAllocationReversal_InRecoveryMode_PaysReceivable(t *testing.T) {
	// GIVEN: Payments A (1000) and B (500), both fully invested, then A
	//        charged back (receivable 1000, recovery mode)
	// WHEN: B's allocation is reversed
	// THEN: The 500 returned to the wallet pays down the receivable

	f := newFixture(t)
	a := f.paidPayment(t, "user-1", rupees(1000))
	b := f.paidPayment(t, "user-1", rupees(500))
	f.invest(t, a, rupees(1000))
	bAlloc := f.invest(t, b, rupees(500))

	_, err := f.engine.Resolution.ResolveChargeback(f.ctx, finance.ChargebackNotice{
		PaymentID: a.ID, GatewayChargebackID: "cb_a", Amount: rupees(1000),
	})
	require.NoError(t, err)
	require.Equal(t, rupees(1000), f.outstanding(t, "user-1"))
	require.True(t, f.wallet(t, "user-1").IsRecoveryMode)

	value, err := f.engine.Allocations.ReverseAllocation(f.ctx, bAlloc.ID)
	require.NoError(t, err)
	assert.Equal(t, rupees(500), value)

	w := f.wallet(t, "user-1")
	assert.Equal(t, finance.Money(0), w.Balance)
	assert.True(t, w.IsRecoveryMode)
	assert.Equal(t, rupees(500), f.outstanding(t, "user-1"))
	f.assertIntegrity(t)
	f.assertTransactionsReplay(t, "user-1")
}

// =============================================================================
// LIABILITY MIRROR
// =============================================================================

func TestCheckUserMirror_CountsLockedAndReceivable(t *testing.T) {
	// GIVEN: A shortfall receivable of 600 and, after a 1000 deposit, 200 locked
	// WHEN: The mirror is checked
	// THEN: liability = balance + locked + outstanding

	f := newFixture(t)
	p := f.paidPayment(t, "user-1", rupees(1000))
	f.invest(t, p, rupees(600))
	_, err := f.engine.Resolution.ResolveChargeback(f.ctx, finance.ChargebackNotice{
		PaymentID:           p.ID,
		GatewayChargebackID: "cb_1",
		Amount:              rupees(1000),
	})
	require.NoError(t, err)

	rep, err := f.engine.CheckUserMirror(f.ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, rep.Holds)
	assert.Equal(t, rupees(600), rep.Outstanding)
	assert.Equal(t, rupees(600), rep.Receivable)
	assert.Equal(t, rupees(600), rep.Liability)

	_, err = f.engine.Wallets.Deposit(f.ctx, finance.DepositRequest{UserID: "user-1", Amount: rupees(1000)})
	require.NoError(t, err)
	_, err = f.engine.Wallets.LockFunds(f.ctx, "user-1", rupees(200), "withdrawal pending")
	require.NoError(t, err)

	rep, err = f.engine.CheckUserMirror(f.ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, rep.Holds, "%+v", rep)
	assert.Equal(t, finance.Money(0), rep.Outstanding)
	assert.Equal(t, rupees(200), rep.Locked)
	assert.Equal(t, rupees(200), rep.Balance)
	assert.Equal(t, rupees(400), rep.Liability)
	f.assertIntegrity(t)
}

func TestCheckUserMirror_UnknownUser(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.CheckUserMirror(f.ctx, "nobody")
	assert.True(t, finance.IsNotFound(err))
}
