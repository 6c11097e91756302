package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "xpengine"

// Metrics holds the engine's Prometheus collectors on a private registry.
type Metrics struct {
	OperationDuration  *prometheus.HistogramVec
	OperationsTotal    *prometheus.CounterVec
	ConsistencyRepairs prometheus.Counter
	TotalXP            prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Engine operation latency by operation.",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"op"},
		),
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Engine operations by operation and outcome.",
			},
			[]string{"op", "status"},
		),
		ConsistencyRepairs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consistency_repairs_total",
			Help:      "Reconciliation passes that rewrote stored state.",
		}),
		TotalXP: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "total_xp",
			Help:      "Current XP total.",
		}),
		registry: reg,
	}

	reg.MustRegister(m.OperationDuration)
	reg.MustRegister(m.OperationsTotal)
	reg.MustRegister(m.ConsistencyRepairs)
	reg.MustRegister(m.TotalXP)

	return m
}

// Registry exposes the private registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
