package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/promo-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware промо-движка.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/checkout/evaluate", h.Evaluate)

		r.Route("/voucher", func(r chi.Router) {
			r.Post("/reserve", h.ReserveVoucher)
			r.Post("/confirm", h.ConfirmVoucher)
			r.Post("/release", h.ReleaseVoucher)
		})

		// Служебные вызовы доступны только доверенным сервисам.
		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/events/catalog", h.CatalogEvent)
			r.Get("/rules", h.GetRules)
		})
	})

	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
