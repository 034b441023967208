/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the admin console

ROUTE GROUPS:
  /healthz              Liveness, unauthenticated
  /webhooks/gateway     Gateway events, HMAC-signed
  /api/wallets/*        Wallet reads and withdrawals (owner or admin)
  /api/payments/*       Payments and investments (owner or admin)
  /api/admin/*          Resolution, ledger, integrity, audit, scenarios

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: JWT authentication
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions tunes NewRouter.
type RouterOptions struct {
	AllowedOrigins  []string
	EnableScenarios bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, auth *Authenticator, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
		}))
	}

	r.Get("/healthz", h.Health)
	r.Post("/webhooks/gateway", h.GatewayWebhook)

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware)

		// Wallet routes
		r.Route("/wallets", func(r chi.Router) {
			r.Post("/", h.OpenWallet)
			r.Get("/{userID}", h.GetWallet)
			r.Get("/{userID}/transactions", h.GetTransactions)
			r.Get("/{userID}/receivables", h.GetReceivables)
			r.Post("/{userID}/withdrawals", h.Withdraw)
		})

		// Payment routes
		r.Route("/payments", func(r chi.Router) {
			r.Post("/", h.CreatePayment)
			r.Get("/{id}", h.GetPayment)
			r.Get("/{id}/refunds", h.GetRefunds)
			r.Get("/{id}/allocations", h.GetAllocations)
			r.Post("/{id}/investments", h.Invest)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAdmin)

			r.Route("/wallets/{userID}", func(r chi.Router) {
				r.Post("/deposits", h.Deposit)
				r.Post("/bonuses", h.CreditBonus)
				r.Post("/locks", h.LockFunds)
				r.Post("/unlocks", h.UnlockFunds)
				r.Post("/recovery/clear", h.ClearRecoveryMode)
				r.Get("/mirror", h.GetMirror)
			})

			r.Route("/payments/{id}", func(r chi.Router) {
				r.Post("/chargebacks", h.OpenChargeback)
				r.Post("/chargebacks/confirm", h.ConfirmChargeback)
				r.Post("/chargebacks/dismiss", h.DismissChargeback)
				r.Post("/refunds", h.ApplyRefund)
			})

			r.Post("/allocations/{id}/reverse", h.ReverseAllocation)
			r.Get("/ledger/entries/{id}", h.GetEntry)
			r.Post("/ledger/entries/{id}/reverse", h.ReverseEntry)
			r.Get("/accounts", h.ListAccounts)
			r.Get("/integrity", h.GetIntegrity)
			r.Get("/audit", h.ListAudit)

			// Scenario routes
			if opts.EnableScenarios {
				r.Route("/scenarios", func(r chi.Router) {
					r.Get("/", h.ListScenarios)
					r.Get("/current", h.GetCurrentScenario)
					r.Post("/load", h.LoadScenario)
				})
			}
		})
	})

	return r
}
