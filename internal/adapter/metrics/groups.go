package metrics

import "github.com/prometheus/client_golang/prometheus"

// GroupMetrics holds Prometheus metrics for broadcast groups.
type GroupMetrics struct {
	ActiveGroups prometheus.Gauge
	Published    prometheus.Counter
	Delivered    prometheus.Counter
	Dropped      prometheus.Counter
	RelayErrors  *prometheus.CounterVec
}

// NewGroupMetrics creates and registers broadcast group metrics on the given registry.
func NewGroupMetrics(reg prometheus.Registerer) *GroupMetrics {
	m := &GroupMetrics{
		ActiveGroups: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "groups",
			Name:      "active",
			Help:      "Number of broadcast groups with at least one local member.",
		}),
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "groups",
			Name:      "published_total",
			Help:      "Total number of envelopes published to groups.",
		}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "groups",
			Name:      "delivered_total",
			Help:      "Total number of envelopes delivered to group members.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "groups",
			Name:      "dropped_total",
			Help:      "Total number of deliveries skipped because a member was slow.",
		}),
		RelayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "groups",
			Name:      "relay_errors_total",
			Help:      "Total number of cross-instance relay failures, by operation.",
		}, []string{"operation"}),
	}

	reg.MustRegister(m.ActiveGroups, m.Published, m.Delivered, m.Dropped, m.RelayErrors)
	return m
}
