package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mmeshcher/grocery-console/internal/metrics"
	custommiddleware "github.com/mmeshcher/grocery-console/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware консоли. Метрики запросов пишутся в m,
// а /metrics отдаёт всё собранное из g.
func (h *Handler) SetupRouter(m *metrics.Metrics, g prometheus.Gatherer) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(custommiddleware.Metrics(m))

	r.Get("/healthz", h.Healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(g))

	r.Route("/api", func(r chi.Router) {
		r.Use(h.auth.Middleware)

		r.Route("/orders", func(r chi.Router) {
			r.Post("/", h.CreateOrder)
			r.Get("/{id}", h.GetOrder)
			r.Post("/{id}/status", h.TransitionOrderStatus)
			r.Post("/{id}/partner", h.AssignDeliveryPartner)
		})

		r.Route("/coupons", func(r chi.Router) {
			r.Post("/", h.CreateCoupon)
			r.Get("/{code}", h.GetCoupon)
			r.Put("/{code}", h.UpdateCoupon)
			r.Post("/{code}/validate", h.ValidateCoupon)
			r.Post("/{code}/redeem", h.RedeemCoupon)
		})

		r.Route("/earnings/{accountId}", func(r chi.Router) {
			r.Get("/", h.GetEarnings)
			r.Get("/entries", h.ListLedgerEntries)
			r.Post("/apply", h.ApplyEarnings)
			r.Get("/withdrawals", h.ListWithdrawals)
		})

		r.Route("/withdrawals", func(r chi.Router) {
			r.Post("/", h.RequestWithdrawal)
			r.Get("/{id}", h.GetWithdrawal)
			r.Post("/{id}/processing", h.MarkWithdrawalProcessing)
			r.Post("/{id}/complete", h.CompleteWithdrawal)
			r.Post("/{id}/reject", h.RejectWithdrawal)
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
