/*
handlers.go - HTTP API handlers for the financial integrity engine

PURPOSE:
  Exposes the engine via REST API. Handles HTTP request/response, JSON
  serialization, and delegates to the finance services.

ENDPOINTS:
  Public:
    GET    /healthz                                 Liveness + store ping
    POST   /webhooks/gateway                        Signed gateway events

  Wallets (owner or admin):
    POST   /api/wallets                             Open wallet
    GET    /api/wallets/{userID}                    Wallet state
    GET    /api/wallets/{userID}/transactions       Wallet history
    GET    /api/wallets/{userID}/receivables        Receivables (?outstanding=true)
    POST   /api/wallets/{userID}/withdrawals        Withdraw

  Payments (owner or admin):
    POST   /api/payments                            Create pending payment
    GET    /api/payments/{id}                       Payment state
    GET    /api/payments/{id}/refunds               Refunds applied
    GET    /api/payments/{id}/allocations           Investments funded by it
    POST   /api/payments/{id}/investments           Invest from wallet

  Admin:
    POST   /api/admin/wallets/{userID}/deposits     Manual credit
    POST   /api/admin/wallets/{userID}/bonuses      Bonus net of TDS
    POST   /api/admin/wallets/{userID}/locks        Lock funds
    POST   /api/admin/wallets/{userID}/unlocks      Unlock funds
    POST   /api/admin/wallets/{userID}/recovery/clear
    GET    /api/admin/wallets/{userID}/mirror       Liability mirror check
    POST   /api/admin/payments/{id}/chargebacks     Open dispute
    POST   /api/admin/payments/{id}/chargebacks/confirm
    POST   /api/admin/payments/{id}/chargebacks/dismiss
    POST   /api/admin/payments/{id}/refunds         Apply refund
    POST   /api/admin/allocations/{id}/reverse      Reverse one allocation
    GET    /api/admin/ledger/entries/{id}           One ledger entry
    POST   /api/admin/ledger/entries/{id}/reverse   Post the opposite entry
    GET    /api/admin/accounts                      Chart + balances
    GET    /api/admin/integrity                     Equation + mirrors
    GET    /api/admin/audit                         Audit trail

REQUEST FLOW:
  1. Decode JSON body
  2. Validate struct tags, parse rupee amounts
  3. Check the caller may touch the resource
  4. Call the engine
  5. Serialize response, or map the error to a status

ERROR HANDLING:
  Engine errors are mapped by writeEngineError:
  - 400: Validation errors, malformed events
  - 403: Compliance rejection
  - 404: Resource not found
  - 409: Conflicts (duplicates, invalid transitions, open disputes)
  - 422: Business rules (insufficient funds, refundable amount exceeded)
  - 423: Wallet in recovery mode
  - 503: Concurrent modification, safe to retry
  - 500: Everything else, details withheld

SEE ALSO:
  - dto.go: Request/response data structures
  - middleware.go: Authentication
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/preiposip/fincore/finance"
	"github.com/preiposip/fincore/webhook"
)

// maxWebhookBody caps what the gateway endpoint will read.
const maxWebhookBody = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger is implemented by SQL stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *finance.Engine
	Processor *webhook.Processor

	webhookSecret []byte
	pinger        Pinger
	validate      *validator.Validate
	logger        *slog.Logger

	// Track the most recently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithWebhookSecret sets the HMAC key for /webhooks/gateway. Without it
// every webhook is rejected.
func WithWebhookSecret(secret []byte) HandlerOption {
	return func(h *Handler) { h.webhookSecret = secret }
}

func WithPinger(p Pinger) HandlerOption {
	return func(h *Handler) { h.pinger = p }
}

func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

// NewHandler creates a new handler around engine and processor.
func NewHandler(engine *finance.Engine, processor *webhook.Processor, opts ...HandlerOption) *Handler {
	h := &Handler{
		Engine:    engine,
		Processor: processor,
		validate:  validator.New(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// =============================================================================
// HEALTH & WEBHOOKS
// =============================================================================

// Health reports liveness.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.pinger != nil {
		if err := h.pinger.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GatewayWebhook verifies and processes one gateway event.
// POST /webhooks/gateway
func (h *Handler) GatewayWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if len(h.webhookSecret) == 0 || !webhook.VerifySignature(h.webhookSecret, body, r.Header.Get("X-Signature")) {
		writeError(w, http.StatusUnauthorized, "Invalid signature", nil)
		return
	}

	var ev webhook.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid event", err)
		return
	}

	out, err := h.Processor.Process(r.Context(), ev)
	if err != nil {
		h.writeEngineError(w, r, "Failed to process event", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// WALLET ENDPOINTS
// =============================================================================

// OpenWallet creates an empty wallet.
// POST /api/wallets
func (h *Handler) OpenWallet(w http.ResponseWriter, r *http.Request) {
	var req OpenWalletRequest
	if !h.decode(w, r, &req) || !h.authorize(w, r, req.UserID) {
		return
	}
	wallet, err := h.Engine.Wallets.Open(r.Context(), req.UserID)
	if err != nil {
		h.writeEngineError(w, r, "Failed to open wallet", err)
		return
	}
	writeJSON(w, http.StatusCreated, toWalletDTO(wallet))
}

// GetWallet returns wallet state.
// GET /api/wallets/{userID}
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !h.authorize(w, r, userID) {
		return
	}
	wallet, err := h.Engine.Wallets.Get(r.Context(), userID)
	if err != nil {
		h.writeEngineError(w, r, "Failed to get wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(wallet))
}

// GetTransactions returns wallet history, oldest first.
// GET /api/wallets/{userID}/transactions
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !h.authorize(w, r, userID) {
		return
	}
	txs, err := h.Engine.Wallets.Transactions(r.Context(), userID)
	if err != nil {
		h.writeEngineError(w, r, "Failed to get transactions", err)
		return
	}
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetReceivables lists a user's receivables.
// GET /api/wallets/{userID}/receivables?outstanding=true
func (h *Handler) GetReceivables(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !h.authorize(w, r, userID) {
		return
	}
	outstanding, _ := strconv.ParseBool(r.URL.Query().Get("outstanding"))
	rcvs, err := h.Engine.Resolution.Receivables(r.Context(), userID, outstanding)
	if err != nil {
		h.writeEngineError(w, r, "Failed to get receivables", err)
		return
	}
	dtos := make([]ReceivableDTO, len(rcvs))
	for i, rc := range rcvs {
		dtos[i] = toReceivableDTO(rc)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Withdraw debits the wallet. Blocked in recovery mode.
// POST /api/wallets/{userID}/withdrawals
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req WithdrawRequest
	if !h.authorize(w, r, userID) || !h.decode(w, r, &req) {
		return
	}
	amt, ok := parseAmount(w, "amount", req.Amount)
	if !ok {
		return
	}
	tx, err := h.Engine.Wallets.Withdraw(r.Context(), finance.WithdrawRequest{
		UserID:      userID,
		Amount:      amt,
		Description: req.Description,
		Reference:   finance.Withdrawal{RequestID: req.RequestID},
	})
	if err != nil {
		h.writeEngineError(w, r, "Failed to withdraw", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// Deposit credits the wallet by hand. In recovery mode the deposit first
// pays down outstanding receivables.
// POST /api/admin/wallets/{userID}/deposits
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req DepositRequest
	if !h.decode(w, r, &req) {
		return
	}
	amt, ok := parseAmount(w, "amount", req.Amount)
	if !ok {
		return
	}
	tx, err := h.Engine.Wallets.Deposit(r.Context(), finance.DepositRequest{
		UserID:                userID,
		Amount:                amt,
		Type:                  finance.TransactionType(req.Type),
		Description:           req.Description,
		BypassComplianceCheck: req.BypassComplianceCheck,
		ActorID:               actorID(r),
	})
	if err != nil {
		h.writeEngineError(w, r, "Failed to deposit", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// CreditBonus credits a bonus net of TDS.
// POST /api/admin/wallets/{userID}/bonuses
func (h *Handler) CreditBonus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req BonusRequest
	if !h.decode(w, r, &req) {
		return
	}
	gross, ok := parseAmount(w, "gross", req.Gross)
	if !ok {
		return
	}
	tds, ok := parseAmount(w, "tds", req.TDS)
	if !ok {
		return
	}
	net, ok := parseAmount(w, "net", req.Net)
	if !ok {
		return
	}
	tx, err := h.Engine.Wallets.CreditBonus(r.Context(), finance.BonusRequest{
		UserID:      userID,
		AwardID:     req.AwardID,
		Gross:       gross,
		TDS:         tds,
		Net:         net,
		Description: req.Description,
	})
	if err != nil {
		h.writeEngineError(w, r, "Failed to credit bonus", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// LockFunds moves available balance to locked.
// POST /api/admin/wallets/{userID}/locks
func (h *Handler) LockFunds(w http.ResponseWriter, r *http.Request) {
	h.moveLocked(w, r, h.Engine.Wallets.LockFunds)
}

// UnlockFunds moves locked balance back to available.
// POST /api/admin/wallets/{userID}/unlocks
func (h *Handler) UnlockFunds(w http.ResponseWriter, r *http.Request) {
	h.moveLocked(w, r, h.Engine.Wallets.UnlockFunds)
}

func (h *Handler) moveLocked(w http.ResponseWriter, r *http.Request,
	move func(context.Context, string, finance.Money, string) (finance.Wallet, error)) {
	userID := chi.URLParam(r, "userID")
	var req LockRequest
	if !h.decode(w, r, &req) {
		return
	}
	amt, ok := parseAmount(w, "amount", req.Amount)
	if !ok {
		return
	}
	wallet, err := move(r.Context(), userID, amt, req.Reason)
	if err != nil {
		h.writeEngineError(w, r, "Failed to move locked funds", err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(wallet))
}

// ClearRecoveryMode lifts recovery mode. Without force_override it is
// refused while any receivable is outstanding.
// POST /api/admin/wallets/{userID}/recovery/clear
func (h *Handler) ClearRecoveryMode(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req ClearRecoveryRequest
	if !h.decode(w, r, &req) {
		return
	}
	wallet, err := h.Engine.Resolution.ClearRecoveryMode(r.Context(), finance.ClearRecoveryRequest{
		UserID:        userID,
		Note:          req.Note,
		ForceOverride: req.ForceOverride,
		ActorID:       actorID(r),
	})
	if err != nil {
		h.writeEngineError(w, r, "Failed to clear recovery mode", err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(wallet))
}

// GetMirror checks one user's liability sub-ledger against the wallet.
// GET /api/admin/wallets/{userID}/mirror
func (h *Handler) GetMirror(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Engine.CheckUserMirror(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeEngineError(w, r, "Failed to check mirror", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// =============================================================================
// PAYMENT ENDPOINTS
// =============================================================================

// CreatePayment records a pending gateway order.
// POST /api/payments
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if !h.decode(w, r, &req) || !h.authorize(w, r, req.UserID) {
		return
	}
	amt, ok := parseAmount(w, "amount", req.Amount)
	if !ok {
		return
	}
	p, err := h.Engine.Payments.Create(r.Context(), finance.CreatePaymentRequest{
		UserID:         req.UserID,
		Amount:         amt,
		GatewayOrderID: req.GatewayOrderID,
	})
	if err != nil {
		h.writeEngineError(w, r, "Failed to create payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentDTO(p))
}

// GetPayment returns payment state.
// GET /api/payments/{id}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, ok := h.loadPayment(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(p))
}

// GetRefunds lists refunds applied to a payment.
// GET /api/payments/{id}/refunds
func (h *Handler) GetRefunds(w http.ResponseWriter, r *http.Request) {
	p, ok := h.loadPayment(w, r)
	if !ok {
		return
	}
	refunds, err := h.Engine.Payments.Refunds(r.Context(), p.ID)
	if err != nil {
		h.writeEngineError(w, r, "Failed to get refunds", err)
		return
	}
	if refunds == nil {
		refunds = []finance.PaymentRefund{}
	}
	writeJSON(w, http.StatusOK, refunds)
}

// GetAllocations lists investments funded by a payment.
// GET /api/payments/{id}/allocations
func (h *Handler) GetAllocations(w http.ResponseWriter, r *http.Request) {
	p, ok := h.loadPayment(w, r)
	if !ok {
		return
	}
	allocs, err := h.Engine.Allocations.ForPayment(r.Context(), p.ID)
	if err != nil {
		h.writeEngineError(w, r, "Failed to get allocations", err)
		return
	}
	dtos := make([]AllocationDTO, len(allocs))
	for i, a := range allocs {
		dtos[i] = toAllocationDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Invest debits the wallet and records an allocation against the payment.
// POST /api/payments/{id}/investments
func (h *Handler) Invest(w http.ResponseWriter, r *http.Request) {
	p, ok := h.loadPayment(w, r)
	if !ok {
		return
	}
	var req InvestRequest
	if !h.decode(w, r, &req) {
		return
	}
	amt, ok := parseAmount(w, "amount", req.Amount)
	if !ok {
		return
	}
	alloc, _, err := h.Engine.Allocations.Invest(r.Context(), finance.InvestRequest{
		UserID:      p.UserID,
		PaymentID:   p.ID,
		Amount:      amt,
		Description: req.Description,
	})
	if err != nil {
		h.writeEngineError(w, r, "Failed to invest", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAllocationDTO(alloc))
}

// =============================================================================
// RESOLUTION ENDPOINTS (admin)
// =============================================================================

// OpenChargeback moves a paid payment to chargeback_pending.
// POST /api/admin/payments/{id}/chargebacks
func (h *Handler) OpenChargeback(w http.ResponseWriter, r *http.Request) {
	h.chargebackTransition(w, r, h.Engine.Resolution.OpenChargeback)
}

// DismissChargeback returns a disputed payment to paid.
// POST /api/admin/payments/{id}/chargebacks/dismiss
func (h *Handler) DismissChargeback(w http.ResponseWriter, r *http.Request) {
	h.chargebackTransition(w, r, h.Engine.Resolution.DismissChargeback)
}

func (h *Handler) chargebackTransition(w http.ResponseWriter, r *http.Request,
	apply func(context.Context, finance.ChargebackNotice) (finance.Payment, error)) {
	notice, ok := h.chargebackNotice(w, r)
	if !ok {
		return
	}
	p, err := apply(r.Context(), notice)
	if err != nil {
		h.writeEngineError(w, r, "Failed to update dispute", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(p))
}

// ConfirmChargeback resolves a lost dispute: reverses allocations, claws
// back the wallet and books any shortfall as a receivable.
// POST /api/admin/payments/{id}/chargebacks/confirm
func (h *Handler) ConfirmChargeback(w http.ResponseWriter, r *http.Request) {
	notice, ok := h.chargebackNotice(w, r)
	if !ok {
		return
	}
	res, err := h.Engine.Resolution.ResolveChargeback(r.Context(), notice)
	if err != nil {
		h.writeEngineError(w, r, "Failed to resolve chargeback", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ApplyRefund resolves a gateway refund.
// POST /api/admin/payments/{id}/refunds
func (h *Handler) ApplyRefund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if !h.decode(w, r, &req) {
		return
	}
	amt, ok := parseAmount(w, "amount", req.Amount)
	if !ok {
		return
	}
	res, err := h.Engine.Resolution.ResolveRefund(r.Context(), finance.RefundNotice{
		PaymentID:       chi.URLParam(r, "id"),
		GatewayRefundID: req.RefundID,
		Amount:          amt,
	})
	if err != nil {
		h.writeEngineError(w, r, "Failed to apply refund", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) chargebackNotice(w http.ResponseWriter, r *http.Request) (finance.ChargebackNotice, bool) {
	var req ChargebackRequest
	if !h.decode(w, r, &req) {
		return finance.ChargebackNotice{}, false
	}
	var amt finance.Money
	if req.Amount != "" {
		var ok bool
		if amt, ok = parseAmount(w, "amount", req.Amount); !ok {
			return finance.ChargebackNotice{}, false
		}
	}
	return finance.ChargebackNotice{
		PaymentID:           chi.URLParam(r, "id"),
		GatewayChargebackID: req.ChargebackID,
		Amount:              amt,
	}, true
}

// ReverseAllocation cancels one allocation, credits its value back to the
// wallet and reports the value reversed.
// POST /api/admin/allocations/{id}/reverse
func (h *Handler) ReverseAllocation(w http.ResponseWriter, r *http.Request) {
	value, err := h.Engine.Allocations.ReverseAllocation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, r, "Failed to reverse allocation", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]AmountDTO{"value_reversed": amount(value)})
}

// =============================================================================
// LEDGER ENDPOINTS (admin)
// =============================================================================

// GetEntry returns one ledger entry with its lines.
// GET /api/admin/ledger/entries/{id}
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	e, err := h.Engine.Ledger.Entry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, r, "Failed to get entry", err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerEntryDTO(e))
}

// ReverseEntry posts the opposite of an entry. An entry reverses once.
// POST /api/admin/ledger/entries/{id}/reverse
func (h *Handler) ReverseEntry(w http.ResponseWriter, r *http.Request) {
	var req ReverseEntryRequest
	if !h.decode(w, r, &req) {
		return
	}
	e, err := h.Engine.Ledger.Reverse(r.Context(), chi.URLParam(r, "id"), req.Reason, actorID(r))
	if err != nil {
		h.writeEngineError(w, r, "Failed to reverse entry", err)
		return
	}
	writeJSON(w, http.StatusCreated, toLedgerEntryDTO(e))
}

// ListAccounts returns the chart of accounts with signed balances.
// GET /api/admin/accounts
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts := h.Engine.Ledger.Chart().Accounts()
	dtos := make([]AccountBalanceDTO, 0, len(accounts))
	for _, a := range accounts {
		bal, err := h.Engine.Ledger.AccountBalance(r.Context(), a.Code)
		if err != nil {
			h.writeEngineError(w, r, "Failed to get balance", err)
			return
		}
		dtos = append(dtos, AccountBalanceDTO{
			Code:          string(a.Code),
			Name:          a.Name,
			Type:          string(a.Type),
			NormalBalance: string(a.NormalBalance),
			Balance:       amount(bal),
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetIntegrity runs the accounting equation and every liability mirror.
// Unhealthy books answer 500 so probes notice.
// GET /api/admin/integrity
func (h *Handler) GetIntegrity(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Engine.VerifyIntegrity(r.Context())
	if err != nil {
		h.writeEngineError(w, r, "Failed to verify integrity", err)
		return
	}
	status := http.StatusOK
	if !rep.Healthy {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, rep)
}

// ListAudit returns audit records, oldest first.
// GET /api/admin/audit?user_id=&payment_id=&action=
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	recs, err := h.Engine.Audit(r.Context(), finance.AuditFilter{
		UserID:    q.Get("user_id"),
		PaymentID: q.Get("payment_id"),
		Action:    finance.AuditAction(q.Get("action")),
	})
	if err != nil {
		h.writeEngineError(w, r, "Failed to list audit records", err)
		return
	}
	if recs == nil {
		recs = []finance.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads and validates a JSON body. It writes the 400 itself.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fmt.Sprintf("failed on %q", fe.Tag())
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Fields: fields})
			return false
		}
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

// authorize writes a 403 unless the caller may act for userID.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, userID string) bool {
	p, ok := PrincipalFrom(r.Context())
	if !ok || !p.CanAccess(userID) {
		writeError(w, http.StatusForbidden, "Not allowed for this user", nil)
		return false
	}
	return true
}

// loadPayment fetches {id} and checks the caller owns it.
func (h *Handler) loadPayment(w http.ResponseWriter, r *http.Request) (finance.Payment, bool) {
	p, err := h.Engine.Payments.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, r, "Failed to get payment", err)
		return finance.Payment{}, false
	}
	if !h.authorize(w, r, p.UserID) {
		return finance.Payment{}, false
	}
	return p, true
}

func parseAmount(w http.ResponseWriter, field, raw string) (finance.Money, bool) {
	m, err := finance.ParseRupees(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid amount",
			Details: err.Error(),
			Fields:  map[string]string{field: "must be rupees with at most two decimals, within range"},
		})
		return 0, false
	}
	return m, true
}

func actorID(r *http.Request) string {
	p, _ := PrincipalFrom(r.Context())
	return p.UserID
}

// statusFor maps engine errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case finance.IsNotFound(err):
		return http.StatusNotFound
	case finance.IsValidation(err), errors.Is(err, webhook.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, finance.ErrRecoveryMode):
		return http.StatusLocked
	case errors.Is(err, finance.ErrInsufficientFunds),
		errors.Is(err, finance.ErrInsufficientLockedFunds),
		errors.Is(err, finance.ErrAllocationExceedsPayment),
		errors.Is(err, finance.ErrChargebackExceedsRefundable):
		return http.StatusUnprocessableEntity
	case finance.IsConflict(err),
		errors.Is(err, finance.ErrInvalidTransition),
		errors.Is(err, finance.ErrDisputeOpen),
		errors.Is(err, finance.ErrPaymentFinalized),
		errors.Is(err, finance.ErrOutstandingReceivable),
		errors.Is(err, finance.ErrPaymentMismatch):
		return http.StatusConflict
	case errors.Is(err, finance.ErrComplianceRejected):
		return http.StatusForbidden
	case finance.IsRetryable(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeEngineError writes err with its mapped status. Internal errors are
// logged and their details withheld.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), message, "path", r.URL.Path, "error", err)
		writeError(w, status, message, nil)
		return
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
