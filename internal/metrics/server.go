package metrics

import "github.com/prometheus/client_golang/prometheus"

// ServerMetrics contains the development server metrics
type ServerMetrics struct {
	Published      *prometheus.CounterVec
	ActivePolls    prometheus.Gauge
	PresenceEvents *prometheus.CounterVec
	Denied         prometheus.Counter
}

// NewServer creates the server metrics and registers them with reg. A nil
// reg returns nil metrics.
func NewServer(reg prometheus.Registerer) (*ServerMetrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &ServerMetrics{
		Published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "published_total",
				Help:      "Total number of messages published",
			},
			[]string{"kind"},
		),

		ActivePolls: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "active_polls",
				Help:      "Number of subscribe requests currently held open",
			},
		),

		PresenceEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "presence_events_total",
				Help:      "Total number of presence events by action",
			},
			[]string{"action"},
		),

		Denied: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "denied_total",
				Help:      "Total number of subscribe requests refused with 403",
			},
		),
	}

	for _, c := range []prometheus.Collector{m.Published, m.ActivePolls, m.PresenceEvents, m.Denied} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RecordPublish counts a published message
func (m *ServerMetrics) RecordPublish(kind string) {
	if m == nil {
		return
	}
	m.Published.WithLabelValues(kind).Inc()
}

// PollStarted increments the active poll gauge
func (m *ServerMetrics) PollStarted() {
	if m == nil {
		return
	}
	m.ActivePolls.Inc()
}

// PollFinished decrements the active poll gauge
func (m *ServerMetrics) PollFinished() {
	if m == nil {
		return
	}
	m.ActivePolls.Dec()
}

// RecordPresence counts a presence event
func (m *ServerMetrics) RecordPresence(action string) {
	if m == nil {
		return
	}
	m.PresenceEvents.WithLabelValues(action).Inc()
}

// RecordDenied counts a refused subscribe
func (m *ServerMetrics) RecordDenied() {
	if m == nil {
		return
	}
	m.Denied.Inc()
}
