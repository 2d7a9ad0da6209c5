package app

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds HTTP collectors. A nil *Metrics records nothing.
type Metrics struct {
	requests         *prometheus.CounterVec
	duration         *prometheus.HistogramVec
	versionConflicts prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "casebook",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route template, method and status.",
		}, []string{"route", "method", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "casebook",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route template.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		versionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "casebook",
			Subsystem: "reports",
			Name:      "version_conflicts_total",
			Help:      "Report saves rejected because the expected version was stale.",
		}),
	}
	for _, c := range []prometheus.Collector{m.requests, m.duration, m.versionConflicts} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeRequest(route, method, status string, seconds float64) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, method, status).Inc()
	m.duration.WithLabelValues(route).Observe(seconds)
}

func (m *Metrics) versionConflict() {
	if m != nil {
		m.versionConflicts.Inc()
	}
}
