// Package metrics exports tree operation metrics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/ammiranda/treeext/mapping"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records structural tree operations and cache lookups.
type Metrics struct {
	registry   *prometheus.Registry
	operations *prometheus.CounterVec
	failures   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	cache      *prometheus.CounterVec
}

// New registers the tree metrics on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "treeext",
			Name:      "operations_total",
			Help:      "Structural tree operations applied, by class, strategy and operation.",
		}, []string{"class", "strategy", "op"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "treeext",
			Name:      "operation_failures_total",
			Help:      "Structural tree operations that failed.",
		}, []string{"class", "strategy", "op"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "treeext",
			Name:      "operation_duration_seconds",
			Help:      "Duration of structural tree operations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"strategy", "op"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "treeext",
			Name:      "hierarchy_cache_lookups_total",
			Help:      "Hierarchy cache lookups by result.",
		}, []string{"class", "result"}),
	}
	m.registry.MustRegister(m.operations, m.failures, m.duration, m.cache)
	return m
}

// ObserveOperation implements tree.Observer.
func (m *Metrics) ObserveOperation(class string, strategy mapping.StrategyType, op string, d time.Duration, err error) {
	labels := prometheus.Labels{"class": class, "strategy": string(strategy), "op": op}
	if err != nil {
		m.failures.With(labels).Inc()
		return
	}
	m.operations.With(labels).Inc()
	m.duration.WithLabelValues(string(strategy), op).Observe(d.Seconds())
}

// CacheLookup counts a hierarchy cache hit or miss.
func (m *Metrics) CacheLookup(class string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cache.WithLabelValues(class, result).Inc()
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Operations returns the counter of successful operations, for tests.
func (m *Metrics) Operations() *prometheus.CounterVec { return m.operations }

// Failures returns the counter of failed operations, for tests.
func (m *Metrics) Failures() *prometheus.CounterVec { return m.failures }
