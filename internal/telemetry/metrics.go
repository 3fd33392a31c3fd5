package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors exposed on the optional
// /metrics endpoint (athena serve --metrics-addr): histograms for dispatch
// latency, gauges for queue depth and degraded state, scoped to Athena's
// broker/queue/store domain.
type Metrics struct {
	registry *prometheus.Registry

	// DispatchDuration measures time from hook_event receipt to result send.
	// Labels: hook_event_name
	DispatchDuration *prometheus.HistogramVec

	// QueueDepth tracks live item counts for the permission/question queues.
	// Labels: queue ("permission" | "question")
	QueueDepth *prometheus.GaugeVec

	// StoreDegraded is 1 when the session store is in degraded mode, else 0.
	StoreDegraded prometheus.Gauge

	// DecisionsTotal counts resolved decisions.
	// Labels: decision_type, decision_reason
	DecisionsTotal *prometheus.CounterVec
}

// NewMetrics registers and returns the Athena metric collectors on a fresh
// registry, so multiple test instances never collide on default registration.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		DispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "athena_broker_dispatch_duration_seconds",
			Help:    "Time from hook_event receipt to hook_result send.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, []string{"hook_event_name"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "athena_queue_depth",
			Help: "Current number of items waiting in a queue.",
		}, []string{"queue"}),
		StoreDegraded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "athena_store_degraded",
			Help: "1 if the session store is in degraded mode, else 0.",
		}),
		DecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "athena_decisions_total",
			Help: "Count of resolved decisions by type and reason.",
		}, []string{"decision_type", "decision_reason"}),
	}
}

// Handler returns the HTTP handler to mount at the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
