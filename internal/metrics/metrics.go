// Package metrics exposes prometheus instruments for the execution core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the instruments incremented by the engine and runner.
type Metrics struct {
	ExecutionsStarted   prometheus.Counter
	ExecutionsCompleted *prometheus.CounterVec
	NodeAttempts        *prometheus.CounterVec
	NodeDuration        prometheus.Histogram
	RunningExecutions   prometheus.Gauge
}

// New registers the core instruments on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ExecutionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orcaflow",
			Name:      "executions_started_total",
			Help:      "Number of workflow executions claimed by this engine.",
		}),
		ExecutionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orcaflow",
			Name:      "executions_finished_total",
			Help:      "Number of workflow executions finished, by terminal status.",
		}, []string{"status"}),
		NodeAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orcaflow",
			Name:      "node_attempts_total",
			Help:      "Number of node dispatch attempts, by outcome.",
		}, []string{"status"}),
		NodeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "orcaflow",
			Name:      "node_duration_seconds",
			Help:      "Wall-clock duration of node attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		RunningExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "orcaflow",
			Name:      "running_executions",
			Help:      "Executions currently owned by this engine instance.",
		}),
	}
	reg.MustRegister(
		m.ExecutionsStarted,
		m.ExecutionsCompleted,
		m.NodeAttempts,
		m.NodeDuration,
		m.RunningExecutions,
	)
	return m
}

// NewUnregistered returns instruments backed by a throwaway registry,
// for tests and for components constructed without a registry.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
