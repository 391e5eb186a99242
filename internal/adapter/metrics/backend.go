package metrics

import "github.com/prometheus/client_golang/prometheus"

// BackendMetrics holds Prometheus metrics for circuit breakers guarding
// backing services.
type BackendMetrics struct {
	CircuitState        *prometheus.GaugeVec
	CircuitStateChanges *prometheus.CounterVec
}

// NewBackendMetrics creates and registers backend metrics on the given registry.
func NewBackendMetrics(reg prometheus.Registerer) *BackendMetrics {
	m := &BackendMetrics{
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "circuit_state",
			Help:      "Circuit breaker state by component (0=closed, 1=half-open, 2=open).",
		}, []string{"component"}),
		CircuitStateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "circuit_state_changes_total",
			Help:      "Total number of circuit breaker transitions, by component and new state.",
		}, []string{"component", "state"}),
	}
	reg.MustRegister(m.CircuitState, m.CircuitStateChanges)
	return m
}
