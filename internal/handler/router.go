package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/safedeal/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса безопасных сделок.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/user/register", h.Register)
		r.Post("/user/login", h.Login)
		r.Post("/payments/webhook", h.PaymentWebhook)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/user/{id}", h.GetUser)
			r.Get("/user/{id}/deals", h.GetUserDeals)
			r.Get("/user/{id}/referral-stats", h.GetReferralStats)
			r.Get("/user/{id}/referral-link", h.GetReferralLink)

			r.Post("/deals", h.CreateDeal)
			r.Get("/deals/{id}", h.GetDeal)
			r.Post("/deals/{id}/accept", h.AcceptDeal)
			r.Post("/deals/{id}/cancel", h.CancelDeal)
			r.Post("/deals/{id}/confirm", h.ConfirmDeal)
			r.Post("/deals/{id}/dispute", h.OpenDispute)

			r.Post("/ratings", h.SubmitRating)

			r.Post("/deposit", h.RequestDeposit)
			r.Get("/deposits/{id}", h.GetDeposit)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.arbiterAuth.Middleware)

			r.Post("/arbiter/deals/{id}/resolve", h.ResolveDispute)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeErrorMessage(w, http.StatusNotFound, http.StatusText(http.StatusNotFound))
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeErrorMessage(w, http.StatusMethodNotAllowed, http.StatusText(http.StatusMethodNotAllowed))
	})

	return r
}
