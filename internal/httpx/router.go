package httpx

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(Trace)

	r.Route("/api/v1", func(r chi.Router) {
		// No identity: the provider signs the webhook itself, and the load
		// balancer probes health anonymously.
		r.Post("/payments/webhook", handler.Webhook)
		r.Get("/health", handler.Health)

		r.Group(func(r chi.Router) {
			r.Use(Identity)

			r.Post("/orders", handler.CreateOrder)
			r.Get("/orders", handler.ListOrders)
			r.Get("/orders/{id}", handler.GetOrder)
			r.Post("/orders/{id}/status", handler.SetStatus)
			r.Post("/orders/{id}/cancel", handler.CancelOrder)
			r.Post("/orders/{id}/payment", handler.Payment)

			r.Get("/cart", handler.GetCart)
			r.Put("/cart", handler.ReplaceCart)

			r.Post("/addresses", handler.CreateAddress)
			r.Get("/addresses", handler.ListAddresses)
			r.Get("/notifications", handler.ListNotifications)
		})
	})

	return r
}
