// Package metrics exposes the simulator's Prometheus collectors. Each
// Metrics value owns its registry so tests and multiple servers in one
// process do not collide on the default one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "simutrador"

type Metrics struct {
	registry *prometheus.Registry

	Connections    prometheus.Gauge
	ActiveSessions prometheus.Gauge
	Messages       *prometheus.CounterVec
	Ticks          prometheus.Counter
	AckLatencyMs   prometheus.Histogram
	AckTimeouts    prometheus.Counter
	Orders         *prometheus.CounterVec
	Executions     prometheus.Counter
	Errors         *prometheus.CounterVec
	SessionsEnded  *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections",
			Help:      "Open WebSocket connections",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Simulation sessions currently registered",
		}),
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Envelopes by direction and message type",
		}, []string{"direction", "type"}),
		Ticks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_sent_total",
			Help:      "Ticks emitted to clients",
		}),
		AckLatencyMs: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_ack_latency_ms",
			Help:      "Time from tick emission to a ready acknowledgement in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}),
		AckTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tick_ack_timeouts_total",
			Help:      "Ack waits that expired and were treated as ready",
		}),
		Orders: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Orders received by validation outcome",
		}, []string{"outcome"}),
		Executions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Execution reports applied to session ledgers",
		}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Error envelopes sent by error code",
		}, []string{"error_code"}),
		SessionsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Finished sessions by final state",
		}, []string{"state"}),
	}
}

// Handler serves this registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordMessage(direction, msgType string) {
	m.Messages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) RecordOrders(accepted, rejected int) {
	m.Orders.WithLabelValues("accepted").Add(float64(accepted))
	m.Orders.WithLabelValues("rejected").Add(float64(rejected))
}

func (m *Metrics) RecordError(code string) {
	m.Errors.WithLabelValues(code).Inc()
}
