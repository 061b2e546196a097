/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:        Request logging
  2. Recoverer:     Panic recovery (500 instead of crash)
  3. RequestID:     Unique ID per request for tracing
  4. CORS:          Cross-origin requests for frontend
  5. Authenticator: Bearer token to actor resolution (API routes only)

ROUTE GROUPS:
  /api/chapters/*   Chapter lifecycle, content, bids
  /api/payments/*   Payment settlement and disputes
  /api/earnings/*   Writer earnings and payouts
  /api/pricing/*    Cost estimation
  /healthz          Liveness probe (unauthenticated)

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"

	"github.com/quill/chapter-engine/core"
)

// NewRouter creates a new router with all routes configured. allowedOrigins
// is a comma-separated origin list; "*" allows everything.
func NewRouter(h *Handler, allowedOrigins string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitOrigins(allowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(h.Authenticator)

		// Chapter routes
		r.Route("/chapters", func(r chi.Router) {
			r.Get("/", h.ListChapters)
			r.Post("/", h.CreateChapter)
			r.With(h.RequireRole(core.RoleWriter)).Get("/open", h.ListOpenChapters)
			r.With(h.RequireRole(core.RoleAdmin)).Get("/overdue", h.ListOverdueChapters)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetChapter)
				r.Delete("/", h.DeleteChapter)
				r.Put("/content", h.UpdateChapterContent)
				r.Post("/status", h.ChangeChapterStatus)
				r.With(h.RequireRole(core.RoleAdmin)).Post("/assign", h.AssignWriter)
				r.With(h.RequireRole(core.RoleWriter)).Post("/accept", h.AcceptChapter)
				r.With(h.RequireRole(core.RoleAdmin)).Post("/deadline", h.ExtendDeadline)
				r.With(h.RequireRole(core.RoleAdmin)).Post("/cost", h.UpdateChapterCost)

				// Bid sub-ledger
				r.Get("/bids", h.ListBids)
				r.With(h.RequireRole(core.RoleWriter)).Post("/bids", h.SubmitBid)
				r.With(h.RequireRole(core.RoleAdmin)).Post("/bids/{bidId}/resolve", h.ResolveBid)
			})
		})

		// Payment routes
		r.Route("/payments", func(r chi.Router) {
			r.Get("/", h.ListPayments)
			r.Post("/", h.CreatePayment)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetPayment)
				r.With(h.RequireRole(core.RoleAdmin)).Post("/paid", h.MarkPaymentPaid)
				r.With(h.RequireRole(core.RoleAdmin)).Post("/processing", h.MarkPaymentProcessing)
				r.With(h.RequireRole(core.RoleAdmin)).Post("/refund", h.RefundPayment)
				r.Post("/dispute", h.DisputePayment)
				r.With(h.RequireRole(core.RoleAdmin)).Post("/resolve", h.ResolvePaymentDispute)
				r.With(h.RequireRole(core.RoleAdmin)).Post("/amount", h.UpdatePaymentAmount)
				r.With(h.RequireRole(core.RoleAdmin)).Post("/due-date", h.ExtendPaymentDueDate)
			})
		})

		// Earnings routes
		r.Route("/earnings", func(r chi.Router) {
			r.Get("/{writerId}", h.GetEarnings)
			r.With(h.RequireRole(core.RoleWriter)).Post("/payouts", h.RequestPayout)
		})

		// Pricing routes
		r.Post("/pricing/estimate", h.EstimatePrice)
	})

	return r
}

func splitOrigins(origins string) []string {
	if origins == "" {
		return []string{"*"}
	}
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
