package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "whalgebra"

// Metrics are shared by the channel and the dispatcher. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Invocations *prometheus.CounterVec
	InFlight    prometheus.Gauge
	Latency     *prometheus.HistogramVec
	Restarts    *prometheus.CounterVec
	LateResults prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "invocations_total",
			Help:      "Settled invocations by operation and outcome.",
		}, []string{"op", "outcome"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "in_flight",
			Help:      "Invocations waiting for a reply.",
		}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "invocation_seconds",
			Help:      "Time from invoke to settlement.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"op"}),
		Restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "unit_restarts_total",
			Help:      "Execution unit restarts by triggering error kind.",
		}, []string{"reason"}),
		LateResults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "late_results_total",
			Help:      "Replies dropped because their invocation was already settled.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Invocations, m.InFlight, m.Latency, m.Restarts, m.LateResults)
	}
	return m
}

// Started records a new invocation and returns the func that settles it.
func (m *Metrics) Started(op string) func(outcome string) {
	if m == nil {
		return func(string) {}
	}
	m.InFlight.Inc()
	t0 := time.Now()
	return func(outcome string) {
		m.InFlight.Dec()
		m.Invocations.WithLabelValues(op, outcome).Inc()
		m.Latency.WithLabelValues(op).Observe(time.Since(t0).Seconds())
	}
}

func (m *Metrics) Restarted(reason string) {
	if m != nil {
		m.Restarts.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) LateResult() {
	if m != nil {
		m.LateResults.Inc()
	}
}
