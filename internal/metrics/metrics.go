package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups all Prometheus instruments used across the engine.
// Registered once at startup via New(); passed by pointer wherever needed.
// Using a custom registry (instead of prometheus.DefaultRegisterer) keeps
// tests isolated and avoids global state.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	Submissions        *prometheus.CounterVec
	Dispatches         *prometheus.CounterVec
	DispatchLatency    *prometheus.HistogramVec
	Retries            *prometheus.CounterVec
	DLQAdmissions      *prometheus.CounterVec
	BreakerTransitions *prometheus.CounterVec
	ConsumerLag        *prometheus.GaugeVec
	InflightDispatches prometheus.Gauge
}

// New registers all instruments with the given registerer and returns
// the populated Metrics struct.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),

		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notification_submissions_total",
			Help: "Accepted submissions by result (created, replayed, conflict, invalid).",
		}, []string{"result"}),

		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notification_dispatches_total",
			Help: "Provider dispatch attempts by channel and outcome.",
		}, []string{"channel", "outcome"}),

		DispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "notification_dispatch_latency_seconds",
			Help:    "Provider dispatch latency in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"channel"}),

		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notification_retries_total",
			Help: "Messages routed to the retry topic by channel.",
		}, []string{"channel"}),

		DLQAdmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notification_dlq_total",
			Help: "DLQ admissions by reason.",
		}, []string{"reason"}),

		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions by provider.",
		}, []string{"provider", "to_state"}),

		ConsumerLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "consumer_lag",
			Help: "Approximate uncommitted messages per topic-partition.",
		}, []string{"topic", "partition"}),

		InflightDispatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "worker_inflight_dispatches",
			Help: "Dispatches currently occupying the worker pool.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.Submissions,
		m.Dispatches,
		m.DispatchLatency,
		m.Retries,
		m.DLQAdmissions,
		m.BreakerTransitions,
		m.ConsumerLag,
		m.InflightDispatches,
	)

	return m
}

// RecordRequest records HTTP request metrics.
func (m *Metrics) RecordRequest(method, path, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDispatch records one provider dispatch attempt.
func (m *Metrics) RecordDispatch(channel, outcome string, latency time.Duration) {
	m.Dispatches.WithLabelValues(channel, outcome).Inc()
	m.DispatchLatency.WithLabelValues(channel).Observe(latency.Seconds())
}
