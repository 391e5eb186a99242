package metrics

import "github.com/prometheus/client_golang/prometheus"

// IdentityMetrics holds Prometheus metrics for token validation.
type IdentityMetrics struct {
	Validations *prometheus.CounterVec
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
}

// NewIdentityMetrics creates and registers identity metrics on the given registry.
func NewIdentityMetrics(reg prometheus.Registerer) *IdentityMetrics {
	m := &IdentityMetrics{
		Validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "identity",
			Name:      "validations_total",
			Help:      "Total number of token validations, by result.",
		}, []string{"result"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "identity",
			Name:      "cache_hits_total",
			Help:      "Total number of token lookups served from the local cache.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "identity",
			Name:      "cache_misses_total",
			Help:      "Total number of token lookups that went to the backing store.",
		}),
	}

	reg.MustRegister(m.Validations, m.CacheHits, m.CacheMisses)
	return m
}
