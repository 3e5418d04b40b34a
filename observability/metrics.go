package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics records settlement-engine operation activity segmented by
// operation and outcome.
type EngineMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	engineMetricsOnce sync.Once
	engineRegistry    *EngineMetrics
)

// Engine returns the lazily-initialised engine metrics registry.
func Engine() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gigvault",
				Subsystem: "escrow",
				Name:      "requests_total",
				Help:      "Total settlement operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gigvault",
				Subsystem: "escrow",
				Name:      "errors_total",
				Help:      "Settlement operation failures segmented by operation and error kind.",
			}, []string{"operation", "kind"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "gigvault",
				Subsystem: "escrow",
				Name:      "latency_seconds",
				Help:      "Settlement operation latency in seconds.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
		}
		prometheus.MustRegister(engineRegistry.requests, engineRegistry.errors, engineRegistry.latency)
	})
	return engineRegistry
}

// ObserveRequest records one operation invocation.
func (m *EngineMetrics) ObserveRequest(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	operation = normalizeLabel(operation)
	outcome = normalizeLabel(outcome)
	m.requests.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveError records a failed operation with its error kind
// (validation, authorization, state, arithmetic, internal).
func (m *EngineMetrics) ObserveError(operation, kind string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(normalizeLabel(operation), normalizeLabel(kind)).Inc()
}

func normalizeLabel(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return "unknown"
	}
	return value
}
