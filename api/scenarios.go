/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built chargeback walkthroughs that run real operations
	through the engine: a payment is captured, some of it is invested,
	and the gateway then claws it back.

AVAILABLE SCENARIOS:

	clean-unwind:       1000 paid, nothing invested, chargeback 1000
	partial-investment: 1000 paid, 600 invested, chargeback 1000
	fully-invested:     1000 paid, 1000 invested, chargeback 1000
	recovery-repayment: fully-invested, then a 1000 deposit repays it

HOW SCENARIOS WORK:
 1. Open a wallet for a fresh demo user
 2. Create and capture a payment
 3. Invest part of it
 4. Confirm the chargeback
 5. Optionally deposit to repay the receivable

	The ledger is append-only, so nothing is reset. Every load gets its
	own user and order ids and leaves earlier loads untouched.

USAGE VIA API:

	POST /api/admin/scenarios/load
	{"scenario_id": "partial-investment"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Add its plan to scenarioSteps

SEE ALSO:
  - finance/resolution.go: Chargeback resolution
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/preiposip/fincore/finance"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "clean-unwind",
		Name:        "Clean Unwind",
		Description: "Chargeback fully covered by the wallet, no receivable",
	},
	{
		ID:          "partial-investment",
		Name:        "Partial Investment",
		Description: "600 of 1000 invested before the chargeback, 600 receivable",
	},
	{
		ID:          "fully-invested",
		Name:        "Fully Invested",
		Description: "Whole payment invested, full 1000 shortfall and recovery mode",
	},
	{
		ID:          "recovery-repayment",
		Name:        "Recovery Repayment",
		Description: "Fully invested chargeback, then a deposit settles the receivable",
	},
}

type scenarioPlan struct {
	invest  finance.Money
	deposit finance.Money
}

var scenarioSteps = map[string]scenarioPlan{
	"clean-unwind":       {},
	"partial-investment": {invest: finance.Rupees(600)},
	"fully-invested":     {invest: finance.Rupees(1000)},
	"recovery-repayment": {invest: finance.Rupees(1000), deposit: finance.Rupees(1000)},
}

// ScenarioResult is what a load produced.
type ScenarioResult struct {
	Scenario    ScenarioDTO              `json:"scenario"`
	UserID      string                   `json:"user_id"`
	Payment     PaymentDTO               `json:"payment"`
	Resolution  finance.ResolutionResult `json:"resolution"`
	Wallet      WalletDTO                `json:"wallet"`
	Receivables []ReceivableDTO          `json:"receivables"`
	Integrity   finance.IntegrityReport  `json:"integrity"`
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the most recently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario runs a predefined scenario against the engine.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	var def ScenarioDTO
	for _, s := range scenarios {
		if s.ID == req.ScenarioID {
			def = s
		}
	}
	plan, ok := scenarioSteps[req.ScenarioID]
	if !ok || def.ID == "" {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown scenario: %s", req.ScenarioID), nil)
		return
	}

	res, err := h.runScenario(r.Context(), def, plan)
	if err != nil {
		h.writeEngineError(w, r, "Failed to load scenario", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = def.ID
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) runScenario(ctx context.Context, def ScenarioDTO, plan scenarioPlan) (ScenarioResult, error) {
	e := h.Engine
	run := finance.NewID("demo")
	userID := run
	paid := finance.Rupees(1000)

	if _, err := e.Wallets.Open(ctx, userID); err != nil {
		return ScenarioResult{}, err
	}
	p, err := e.Payments.Create(ctx, finance.CreatePaymentRequest{
		UserID: userID, Amount: paid, GatewayOrderID: "order_" + run,
	})
	if err != nil {
		return ScenarioResult{}, err
	}
	if _, err := e.Payments.MarkPaid(ctx, p.ID, "pay_"+run); err != nil {
		return ScenarioResult{}, err
	}
	if plan.invest > 0 {
		if _, _, err := e.Allocations.Invest(ctx, finance.InvestRequest{
			UserID: userID, PaymentID: p.ID, Amount: plan.invest, Description: def.Name,
		}); err != nil {
			return ScenarioResult{}, err
		}
	}

	res, err := e.Resolution.ResolveChargeback(ctx, finance.ChargebackNotice{
		PaymentID: p.ID, GatewayChargebackID: "cb_" + run, Amount: paid,
	})
	if err != nil {
		return ScenarioResult{}, err
	}

	if plan.deposit > 0 {
		if _, err := e.Wallets.Deposit(ctx, finance.DepositRequest{
			UserID: userID, Amount: plan.deposit, Description: "repayment",
		}); err != nil {
			return ScenarioResult{}, err
		}
	}

	out := ScenarioResult{Scenario: def, UserID: userID, Resolution: res}
	if p, err = e.Payments.Get(ctx, p.ID); err != nil {
		return ScenarioResult{}, err
	}
	out.Payment = toPaymentDTO(p)

	wallet, err := e.Wallets.Get(ctx, userID)
	if err != nil {
		return ScenarioResult{}, err
	}
	out.Wallet = toWalletDTO(wallet)

	rcvs, err := e.Resolution.Receivables(ctx, userID, false)
	if err != nil {
		return ScenarioResult{}, err
	}
	out.Receivables = make([]ReceivableDTO, len(rcvs))
	for i, rc := range rcvs {
		out.Receivables[i] = toReceivableDTO(rc)
	}

	if out.Integrity, err = e.VerifyIntegrity(ctx); err != nil {
		return ScenarioResult{}, err
	}
	return out, nil
}
