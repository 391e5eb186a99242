package metrics

import "github.com/prometheus/client_golang/prometheus"

// StreamMetrics holds Prometheus metrics for line-delimited streams.
type StreamMetrics struct {
	ActiveStreams prometheus.Gauge
	Frames        *prometheus.CounterVec
	Finished      *prometheus.CounterVec
	Cancels       *prometheus.CounterVec
}

// NewStreamMetrics creates and registers stream metrics on the given registry.
func NewStreamMetrics(reg prometheus.Registerer) *StreamMetrics {
	m := &StreamMetrics{
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "active",
			Help:      "Number of line-delimited streams in progress.",
		}),
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "frames_total",
			Help:      "Total number of lines written, by route.",
		}, []string{"route"}),
		Finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "finished_total",
			Help:      "Total number of finished streams, by route and outcome.",
		}, []string{"route", "outcome"}),
		Cancels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "cancel_requests_total",
			Help:      "Total number of out-of-band cancel calls, by whether a stream was found.",
		}, []string{"found"}),
	}

	reg.MustRegister(m.ActiveStreams, m.Frames, m.Finished, m.Cancels)
	return m
}
