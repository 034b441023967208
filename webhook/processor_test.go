package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preiposip/fincore/finance"
	"github.com/preiposip/fincore/finance/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type harness struct {
	ctx       context.Context
	engine    *finance.Engine
	processor *Processor
}

func newHarness(t *testing.T, dedup Deduper) *harness {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := finance.New(store.NewMemory(), finance.WithLogger(logger))
	require.NoError(t, engine.Bootstrap(ctx))
	return &harness{ctx: ctx, engine: engine, processor: NewProcessor(engine, dedup, logger)}
}

// pendingOrder opens a wallet and a pending payment for order_1.
func (h *harness) pendingOrder(t *testing.T, amount finance.Money) finance.Payment {
	t.Helper()
	_, err := h.engine.Wallets.Open(h.ctx, "user-1")
	require.NoError(t, err)
	p, err := h.engine.Payments.Create(h.ctx, finance.CreatePaymentRequest{
		UserID: "user-1", Amount: amount, GatewayOrderID: "order_1",
	})
	require.NoError(t, err)
	return p
}

func (h *harness) process(t *testing.T, ev Event) Outcome {
	t.Helper()
	out, err := h.processor.Process(h.ctx, ev)
	require.NoError(t, err)
	return out
}

func (h *harness) balance(t *testing.T) finance.Money {
	t.Helper()
	w, err := h.engine.Wallets.Get(h.ctx, "user-1")
	require.NoError(t, err)
	return w.Balance
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestProcessor_CaptureThenLostDispute(t *testing.T) {
	// GIVEN: A captured payment of 1000 with 600 invested
	// WHEN: dispute.created then dispute.lost arrive
	// THEN: Payment ends chargeback_confirmed with a 600 receivable

	h := newHarness(t, NewMemoryDeduper())
	p := h.pendingOrder(t, finance.Rupees(1000))

	out := h.process(t, Event{ID: "evt_1", Type: PaymentCaptured, Payload: Payload{OrderID: "order_1", PaymentID: "pay_gw_1"}})
	assert.Equal(t, finance.PaymentPaid, out.Status)
	assert.False(t, out.NoOp)
	assert.Equal(t, finance.Rupees(1000), h.balance(t))

	_, _, err := h.engine.Allocations.Invest(h.ctx, finance.InvestRequest{UserID: "user-1", PaymentID: p.ID, Amount: finance.Rupees(600)})
	require.NoError(t, err)

	out = h.process(t, Event{ID: "evt_2", Type: DisputeCreated, Payload: Payload{OrderID: "order_1", ChargebackID: "cb_1", Amount: int64(finance.Rupees(1000))}})
	assert.Equal(t, finance.PaymentChargebackPending, out.Status)

	out = h.process(t, Event{ID: "evt_3", Type: DisputeLost, Payload: Payload{OrderID: "order_1", ChargebackID: "cb_1"}})
	assert.Equal(t, finance.PaymentChargebackConfirmed, out.Status)
	require.NotNil(t, out.Resolution)
	assert.Equal(t, finance.Rupees(600), out.Resolution.Shortfall)
	assert.Equal(t, finance.Money(0), h.balance(t))

	rep, err := h.engine.VerifyIntegrity(h.ctx)
	require.NoError(t, err)
	assert.True(t, rep.Healthy)
}

func TestProcessor_DisputeWon(t *testing.T) {
	h := newHarness(t, NewMemoryDeduper())
	h.pendingOrder(t, finance.Rupees(500))
	h.process(t, Event{ID: "evt_1", Type: PaymentCaptured, Payload: Payload{OrderID: "order_1", PaymentID: "pay_gw_1"}})
	h.process(t, Event{ID: "evt_2", Type: DisputeCreated, Payload: Payload{OrderID: "order_1", ChargebackID: "cb_1"}})

	out := h.process(t, Event{ID: "evt_3", Type: DisputeWon, Payload: Payload{OrderID: "order_1", ChargebackID: "cb_1"}})
	assert.Equal(t, finance.PaymentPaid, out.Status)
	assert.Equal(t, finance.Rupees(500), h.balance(t))
}

func TestProcessor_RefundAndFailure(t *testing.T) {
	h := newHarness(t, NewMemoryDeduper())
	h.pendingOrder(t, finance.Rupees(1000))
	h.process(t, Event{ID: "evt_1", Type: PaymentCaptured, Payload: Payload{OrderID: "order_1", PaymentID: "pay_gw_1"}})

	out := h.process(t, Event{ID: "evt_2", Type: RefundProcessed, Payload: Payload{OrderID: "order_1", RefundID: "rf_1", Amount: int64(finance.Rupees(250))}})
	assert.Equal(t, finance.PaymentPaid, out.Status)
	assert.Equal(t, finance.Rupees(750), h.balance(t))

	// Same refund under a new event id: the engine, not the deduper, catches it.
	out = h.process(t, Event{ID: "evt_3", Type: RefundProcessed, Payload: Payload{OrderID: "order_1", RefundID: "rf_1", Amount: int64(finance.Rupees(250))}})
	assert.True(t, out.NoOp)
	assert.Equal(t, finance.Rupees(750), h.balance(t))

	_, err := h.engine.Payments.Create(h.ctx, finance.CreatePaymentRequest{UserID: "user-1", Amount: 100, GatewayOrderID: "order_2"})
	require.NoError(t, err)
	out = h.process(t, Event{ID: "evt_4", Type: PaymentFailed, Payload: Payload{OrderID: "order_2", FailureReason: "card declined"}})
	assert.Equal(t, finance.PaymentFailed, out.Status)
}

// =============================================================================
// DEDUPLICATION
// =============================================================================

func TestProcessor_DuplicateEventID(t *testing.T) {
	h := newHarness(t, NewMemoryDeduper())
	h.pendingOrder(t, finance.Rupees(1000))
	ev := Event{ID: "evt_1", Type: PaymentCaptured, Payload: Payload{OrderID: "order_1", PaymentID: "pay_gw_1"}}

	h.process(t, ev)
	out := h.process(t, ev)
	assert.True(t, out.Duplicate)
	assert.Equal(t, finance.Rupees(1000), h.balance(t))
}

func TestProcessor_ConcurrentDeliveries(t *testing.T) {
	// GIVEN: A paid payment and 8 concurrent dispute.lost deliveries,
	//        each with its own event id
	// WHEN: They race
	// THEN: Exactly one unwinds money; the rest are no-ops

	h := newHarness(t, NewMemoryDeduper())
	h.pendingOrder(t, finance.Rupees(1000))
	h.process(t, Event{ID: "evt_0", Type: PaymentCaptured, Payload: Payload{OrderID: "order_1", PaymentID: "pay_gw_1"}})

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		noops int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := h.processor.Process(h.ctx, Event{
				ID: "evt_lost_" + string(rune('a'+i)), Type: DisputeLost,
				Payload: Payload{OrderID: "order_1", ChargebackID: "cb_1"},
			})
			assert.NoError(t, err)
			if out.NoOp {
				mu.Lock()
				noops++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 7, noops)
	assert.Equal(t, finance.Money(0), h.balance(t))
}

type failingDeduper struct{ released []string }

func (d *failingDeduper) Claim(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func (d *failingDeduper) Release(_ context.Context, id string) error {
	d.released = append(d.released, id)
	return nil
}

func TestProcessor_DeduperDown_StillProcesses(t *testing.T) {
	dedup := &failingDeduper{}
	h := newHarness(t, dedup)
	h.pendingOrder(t, finance.Rupees(1000))

	out := h.process(t, Event{ID: "evt_1", Type: PaymentCaptured, Payload: Payload{OrderID: "order_1", PaymentID: "pay_gw_1"}})
	assert.False(t, out.Duplicate)
	assert.Equal(t, finance.PaymentPaid, out.Status)
}

func TestProcessor_FailedDispatchReleasesClaim(t *testing.T) {
	// GIVEN: A capture webhook for an order that does not exist yet
	// WHEN: It fails, the order appears, and the gateway retries
	// THEN: The retry is processed rather than dropped as a duplicate

	h := newHarness(t, NewMemoryDeduper())
	ev := Event{ID: "evt_1", Type: PaymentCaptured, Payload: Payload{OrderID: "order_1", PaymentID: "pay_gw_1"}}

	_, err := h.processor.Process(h.ctx, ev)
	assert.ErrorIs(t, err, finance.ErrPaymentNotFound)

	h.pendingOrder(t, finance.Rupees(100))
	out := h.process(t, ev)
	assert.False(t, out.Duplicate)
	assert.Equal(t, finance.PaymentPaid, out.Status)
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestProcessor_InvalidEvents(t *testing.T) {
	h := newHarness(t, NewMemoryDeduper())
	h.pendingOrder(t, finance.Rupees(1000))

	tests := []struct {
		name string
		ev   Event
	}{
		{"missing id", Event{Type: PaymentCaptured, Payload: Payload{OrderID: "order_1", PaymentID: "p"}}},
		{"unknown type", Event{ID: "e1", Type: "payment.teleported", Payload: Payload{OrderID: "order_1"}}},
		{"missing order", Event{ID: "e2", Type: PaymentCaptured, Payload: Payload{PaymentID: "p"}}},
		{"negative amount", Event{ID: "e3", Type: RefundProcessed, Payload: Payload{OrderID: "order_1", RefundID: "r", Amount: -1}}},
		{"capture without payment id", Event{ID: "e4", Type: PaymentCaptured, Payload: Payload{OrderID: "order_1"}}},
		{"refund without amount", Event{ID: "e5", Type: RefundProcessed, Payload: Payload{OrderID: "order_1", RefundID: "r"}}},
		{"dispute without chargeback id", Event{ID: "e6", Type: DisputeLost, Payload: Payload{OrderID: "order_1"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.processor.Process(h.ctx, tt.ev)
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}

func TestVerifySignature(t *testing.T) {
	secret := []byte("whsec_test")
	body := []byte(`{"id":"evt_1"}`)
	sig := Sign(secret, body)

	assert.True(t, VerifySignature(secret, body, sig))
	assert.False(t, VerifySignature(secret, []byte(`{"id":"evt_2"}`), sig))
	assert.False(t, VerifySignature([]byte("other"), body, sig))
	assert.False(t, VerifySignature(secret, body, "not-hex"))
}
