package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.RecordMessage("in", "tick_ack")
	m.RecordMessage("in", "tick_ack")
	m.RecordOrders(3, 1)
	m.RecordError("VALIDATION_ERROR")
	m.Ticks.Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Messages.WithLabelValues("in", "tick_ack")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Orders.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Orders.WithLabelValues("rejected")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `simutrador_errors_total{error_code="VALIDATION_ERROR"} 1`)
	assert.Contains(t, string(body), "simutrador_ticks_sent_total 1")
}

func TestIndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.Executions.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Executions))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Executions))
}
