// Package metrics содержит счётчики Prometheus консоли.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mmeshcher/grocery-console/internal/model"
)

const namespace = "console"

// Metrics объединяет метрики сервиса.
type Metrics struct {
	OrderTransitions      *prometheus.CounterVec
	CouponRedemptions     *prometheus.CounterVec
	LedgerApplies         *prometheus.CounterVec
	WithdrawalTransitions *prometheus.CounterVec
	CreditAttempts        *prometheus.CounterVec
	HTTPRequests          *prometheus.CounterVec
	HTTPDuration          *prometheus.HistogramVec
}

// New создаёт метрики и регистрирует их в reg. При nil метрики работают без регистрации.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transitions_total",
			Help:      "Committed order status transitions.",
		}, []string{"to"}),
		CouponRedemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coupon_redemptions_total",
			Help:      "Coupon redemption attempts by outcome.",
		}, []string{"result"}),
		LedgerApplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_applies_total",
			Help:      "Ledger operations by action and outcome.",
		}, []string{"action", "result"}),
		WithdrawalTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "withdrawal_transitions_total",
			Help:      "Committed withdrawal status changes.",
		}, []string{"to"}),
		CreditAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_attempts_total",
			Help:      "Delivery credit attempts by outcome.",
		}, []string{"result"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.OrderTransitions,
			m.CouponRedemptions,
			m.LedgerApplies,
			m.WithdrawalTransitions,
			m.CreditAttempts,
			m.HTTPRequests,
			m.HTTPDuration,
		)
	}

	return m
}

// Result возвращает метку исхода операции по её ошибке.
func Result(err error) string {
	return model.KindName(err)
}

// Handler отдаёт метрики из g в формате Prometheus.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
