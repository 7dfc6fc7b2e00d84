package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const Namespace = "promptrelay"

// Outcome label values.
const (
	OutcomeOK            = "ok"
	OutcomeUpstreamError = "upstream_error"
	OutcomeBadRequest    = "bad_request"
	OutcomeInternalError = "internal_error"
)

// Metrics holds the collectors exported on /metrics.
type Metrics struct {
	Registry *prometheus.Registry

	requests         *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	sessions         prometheus.GaugeFunc
}

// New registers all collectors on a fresh registry. sessionCount, if
// non-nil, is sampled on every scrape for the live session gauge.
func New(sessionCount func() int) *Metrics {
	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		Registry: r,
		requests: promauto.With(r).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "requests_total",
				Help:      "Relay requests by endpoint and outcome.",
			},
			[]string{"endpoint", "outcome"},
		),
		upstreamDuration: promauto.With(r).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "upstream_duration_seconds",
				Help:      "Latency of completion API calls.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"endpoint"},
		),
	}
	if sessionCount != nil {
		m.sessions = promauto.With(r).NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "sessions",
				Help:      "Conversations currently held by the session store.",
			},
			func() float64 { return float64(sessionCount()) },
		)
	}
	return m
}

// ObserveRequest counts one finished request. Safe on a nil receiver.
func (m *Metrics) ObserveRequest(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(endpoint, outcome).Inc()
}

// ObserveUpstream records the latency of one completion call. Safe on a nil receiver.
func (m *Metrics) ObserveUpstream(endpoint string, d time.Duration) {
	if m == nil {
		return
	}
	m.upstreamDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
