package tripmind

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "tripmind"

// Metrics are the dispatcher's Prometheus collectors.
type Metrics struct {
	// RequestsTotal counts dispatched actions by outcome ("ok" or error kind).
	RequestsTotal *prometheus.CounterVec
	// RequestDuration is wall time per dispatched action, retries included.
	RequestDuration *prometheus.HistogramVec
	// UpstreamCallsTotal counts single upstream attempts by result.
	UpstreamCallsTotal *prometheus.CounterVec
	// RetriesTotal counts sleeps taken before a retry.
	RetriesTotal *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Dispatched actions by outcome.",
		}, []string{"action", "outcome"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "dispatch",
			Name:      "request_duration_seconds",
			Help:      "Time to answer a dispatched action.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		}, []string{"action"}),
		UpstreamCallsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "upstream",
			Name:      "calls_total",
			Help:      "Upstream attempts by result.",
		}, []string{"action", "result"}),
		RetriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "upstream",
			Name:      "retries_total",
			Help:      "Backoff sleeps taken after rate-limited attempts.",
		}, []string{"action"}),
	}
}

func (m *Metrics) observeUpstream(action Action, err error) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case IsRateLimited(err):
		result = "rate_limited"
	default:
		var ue *UpstreamError
		if errors.As(err, &ue) {
			result = "error"
		} else {
			result = "transport_error"
		}
	}
	m.UpstreamCallsTotal.WithLabelValues(string(action), result).Inc()
}

func (m *Metrics) observeRequest(action Action, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(Classify(err).Kind)
	}
	m.RequestsTotal.WithLabelValues(string(action), outcome).Inc()
	m.RequestDuration.WithLabelValues(string(action)).Observe(time.Since(start).Seconds())
}
