package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the gateway's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	calls    *prometheus.CounterVec
	attempts *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the gateway collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campaign_gateway_calls_total",
			Help: "External operations by final outcome (ok, permanent, exhausted).",
		}, []string{"operation", "outcome"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campaign_gateway_attempts_total",
			Help: "Individual attempts including retries.",
		}, []string{"operation"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "campaign_gateway_call_duration_seconds",
			Help:    "Wall time of an operation including retries and backoff.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"operation"}),
	}
	reg.MustRegister(m.calls, m.attempts, m.duration)
	return m
}

func (m *Metrics) attempt(op string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(op).Inc()
}

func (m *Metrics) done(op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(op, outcome).Inc()
	m.duration.WithLabelValues(op).Observe(elapsed.Seconds())
}
