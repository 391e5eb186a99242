package metrics

import "github.com/prometheus/client_golang/prometheus"

// DispatchMetrics holds Prometheus metrics for runs started over persistent connections.
type DispatchMetrics struct {
	StartsTotal  *prometheus.CounterVec
	ActiveRuns   prometheus.Gauge
	FramesSent   *prometheus.CounterVec
	RunDuration  *prometheus.HistogramVec
	ThrottledMsg prometheus.Counter
}

// NewDispatchMetrics creates and registers dispatcher metrics on the given registry.
func NewDispatchMetrics(reg prometheus.Registerer) *DispatchMetrics {
	m := &DispatchMetrics{
		StartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "starts_total",
			Help:      "Total number of start commands, by route and outcome.",
		}, []string{"route", "outcome"}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "active_runs",
			Help:      "Number of runs currently producing frames.",
		}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "frames_sent_total",
			Help:      "Total number of operation frames forwarded, by route.",
		}, []string{"route"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "run_duration_seconds",
			Help:      "Duration of runs in seconds, by route and finish reason.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600},
		}, []string{"route", "reason"}),
		ThrottledMsg: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "throttled_messages_total",
			Help:      "Total number of control messages rejected by the per-connection rate limit.",
		}),
	}

	reg.MustRegister(m.StartsTotal, m.ActiveRuns, m.FramesSent, m.RunDuration, m.ThrottledMsg)
	return m
}
