package metrics

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/grocery-console/internal/model"
)

func TestResult(t *testing.T) {
	assert.Equal(t, "ok", Result(nil))
	assert.Equal(t, "usage_limit_exceeded", Result(fmt.Errorf("redeem: %w", model.ErrUsageLimitExceeded)))
	assert.Equal(t, "internal", Result(fmt.Errorf("boom")))
}

func TestHandlerExposesRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.OrderTransitions.WithLabelValues("delivered").Inc()
	m.LedgerApplies.WithLabelValues("add", "ok").Add(2)

	assert.InDelta(t, 1, testutil.ToFloat64(m.OrderTransitions.WithLabelValues("delivered")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.LedgerApplies.WithLabelValues("add", "ok")), 0)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `console_order_transitions_total{to="delivered"} 1`)
}

func TestNewWithoutRegistry(t *testing.T) {
	m := New(nil)
	m.CreditAttempts.WithLabelValues("ok").Inc()
	assert.InDelta(t, 1, testutil.ToFloat64(m.CreditAttempts.WithLabelValues("ok")), 0)
}
