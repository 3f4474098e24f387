/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the HR and merchant dashboards
  5. RateLimit:  Token bucket per principal (or client IP)

ROUTE GROUPS:
  /healthz              Liveness, open
  /api/ledger/*         Wallet ledger, service token
  /api/*                Everything else, caller resolved from X-Principal-ID

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Authentication and rate limiting
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/benefits-engine/benefit"
)

// RouterConfig carries what the router needs beyond the handlers.
type RouterConfig struct {
	AllowedOrigins []string
	// ServiceToken guards /api/ledger. Required when the ledger is mounted.
	ServiceToken string
	Identities   benefit.IdentityProvider
	// RateLimiter is optional; nil disables rate limiting.
	RateLimiter *RateLimiter
	// Health reports whether the backing store is reachable.
	Health func(ctx context.Context) error
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", PrincipalHeader},
		AllowCredentials: true,
	}))
	if cfg.RateLimiter != nil {
		r.Use(cfg.RateLimiter.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Health != nil {
			if err := cfg.Health(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		// Ledger routes, only when the ledger runs in this process
		if h.Ledger != nil {
			r.Route("/ledger", func(r chi.Router) {
				r.Use(RequireServiceToken(cfg.ServiceToken))
				r.Post("/credits", h.LedgerCredit)
				r.Post("/debits", h.LedgerDebit)
				r.Get("/operations/{key}", h.LookupOperation)
				r.Post("/operations/{key}/fence", h.FenceOperation)
				r.Get("/wallets/{owner}", h.LedgerWallet)
				r.Get("/wallets/{owner}/transactions", h.LedgerHistory)
				r.Get("/wallets/{owner}/can-pay", h.LedgerCanPay)
				r.Get("/counterparties/{id}/transactions", h.CounterpartyTransactions)
				r.Post("/cleanup", h.Cleanup)
			})
		}

		r.Group(func(r chi.Router) {
			r.Use(RequirePrincipal(cfg.Identities))

			// Wallet routes
			if h.Ledger != nil {
				r.Route("/wallets", func(r chi.Router) {
					r.Post("/", h.CreateWallet)
					r.Get("/{owner}", h.GetWallet)
					r.Get("/{owner}/transactions", h.GetWalletTransactions)
					r.Get("/{owner}/can-pay", h.CanPay)
				})
			}

			// Program routes
			r.Route("/programs", func(r chi.Router) {
				r.Get("/", h.ListPrograms)
				r.Post("/", h.CreateProgram)
				r.Get("/{id}", h.GetProgram)
				r.Put("/{id}/active", h.SetProgramActive)
				r.Get("/{id}/assignments", h.ListAssignments)
				r.Post("/{id}/assignments", h.AssignWorker)
				r.Put("/{id}/assignments/{worker}", h.UpdateAssignment)
				r.Delete("/{id}/assignments/{worker}", h.RemoveWorker)
				r.Get("/{id}/disbursements", h.ListDisbursements)
				r.Post("/{id}/disbursements", h.TriggerDisbursement)
			})
			r.Get("/workers/{id}/benefits", h.WorkerBenefits)

			// Funding pool routes
			r.Route("/companies/{id}/pool", func(r chi.Router) {
				r.Get("/", h.GetPool)
				r.Post("/deposits", h.DepositFunds)
			})

			// Establishment routes
			r.Route("/establishments", func(r chi.Router) {
				r.Get("/", h.ListEstablishments)
				r.Post("/", h.RegisterEstablishment)
				r.Get("/me", h.GetOwnEstablishment)
				r.Patch("/me", h.UpdateEstablishment)
				r.Get("/me/payments", h.ListPayments)
				r.Post("/me/payments", h.ProcessPayment)
				r.Post("/me/intents", h.ProcessIntent)
				r.Post("/me/payments/{id}/cancel", h.CancelPayment)
				r.Post("/me/payments/{id}/resolve", h.ResolvePayment)
				r.Get("/me/validate", h.ValidatePayment)
			})

			// Report routes
			r.Route("/reports", func(r chi.Router) {
				r.Get("/establishments/{id}/reconciliation", h.Reconciliation)
				r.Get("/workers/{id}/statement", h.WorkerStatement)
			})
		})
	})

	return r
}
