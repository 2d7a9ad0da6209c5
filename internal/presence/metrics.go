package presence

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the presence collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	connections     prometheus.Gauge
	editingSessions prometheus.Gauge
	broadcasts      prometheus.Counter
	evictions       prometheus.Counter
	reapedSessions  prometheus.Counter
	ignored         *prometheus.CounterVec
}

// NewMetrics creates the presence collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "casebook",
			Subsystem: "presence",
			Name:      "connections",
			Help:      "Open presence connections.",
		}),
		editingSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "casebook",
			Subsystem: "presence",
			Name:      "editing_sessions",
			Help:      "Editing sessions currently tracked across all reports.",
		}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "casebook",
			Subsystem: "presence",
			Name:      "broadcasts_total",
			Help:      "editing_users updates fanned out.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "casebook",
			Subsystem: "presence",
			Name:      "slow_consumer_evictions_total",
			Help:      "Connections closed because their send queue overflowed.",
		}),
		reapedSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "casebook",
			Subsystem: "presence",
			Name:      "reaped_sessions_total",
			Help:      "Editing sessions removed for inactivity.",
		}),
		ignored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "casebook",
			Subsystem: "presence",
			Name:      "ignored_messages_total",
			Help:      "Inbound messages dropped without processing.",
		}, []string{"reason"}),
	}
	for _, c := range []prometheus.Collector{
		m.connections, m.editingSessions, m.broadcasts, m.evictions, m.reapedSessions, m.ignored,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) connectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.editingSessions.Inc()
	}
}

func (m *Metrics) sessionClosed() {
	if m != nil {
		m.editingSessions.Dec()
	}
}

func (m *Metrics) broadcast() {
	if m != nil {
		m.broadcasts.Inc()
	}
}

func (m *Metrics) evicted() {
	if m != nil {
		m.evictions.Inc()
	}
}

func (m *Metrics) reaped(n int) {
	if m != nil && n > 0 {
		m.reapedSessions.Add(float64(n))
	}
}

func (m *Metrics) ignoredMessage(reason string) {
	if m != nil {
		m.ignored.WithLabelValues(reason).Inc()
	}
}
