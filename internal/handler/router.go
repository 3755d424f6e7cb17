package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/rewards-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса вознаграждений.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/token", h.IssueToken)
		r.Get("/tiers", h.GetTiers)

		r.Route("/rewards", func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)
			r.Use(h.authMiddleware.RequireScope(custommiddleware.ScopeStaff))

			r.Post("/validate", h.ValidateCode)
			r.Post("/consume", h.ConsumeCode)
			r.Post("/refund-expired", h.RefundExpired)
		})

		r.Route("/user", func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)
			r.Use(h.authMiddleware.RequireScope(custommiddleware.ScopeCustomer))

			r.Post("/redemptions", h.IssueRedemption)
			r.Get("/redemptions", h.GetActiveRedemptions)
			r.Get("/redemptions/stream", h.StreamActiveRedemptions)

			r.Get("/balance", h.GetBalance)
			r.Get("/transactions", h.GetTransactions)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)
			r.Use(h.authMiddleware.RequireScope(custommiddleware.ScopeAdmin))

			r.Post("/tiers", h.UpsertTier)
			r.Post("/points", h.AdjustPoints)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
