// Package metrics defines the Prometheus collectors of the PollMesh client
// and development server. All Record methods are safe on a nil receiver so
// components can run without metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rmacdonaldsmith/pollmesh-go/internal/pnerrors"
	"github.com/rmacdonaldsmith/pollmesh-go/pkg/transport"
)

const namespace = "pollmesh"

// Metrics contains the client metrics
type Metrics struct {
	Transitions        *prometheus.CounterVec
	State              *prometheus.GaugeVec
	MessagesDelivered  *prometheus.CounterVec
	StatusesEmitted    *prometheus.CounterVec
	Requests           *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	HeartbeatFailures  prometheus.Counter
	DecryptionFailures prometheus.Counter
}

// New creates the client metrics and registers them with reg. A nil reg
// returns nil metrics.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &Metrics{
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "transitions_total",
				Help:      "Total number of subscribe state machine transitions",
			},
			[]string{"from", "to", "event"},
		),

		State: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "state",
				Help:      "Current subscribe state (1 for the active state, 0 otherwise)",
			},
			[]string{"state"},
		),

		MessagesDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "delivered_total",
				Help:      "Total number of messages and presence events delivered to listeners",
			},
			[]string{"kind"},
		),

		StatusesEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "statuses_total",
				Help:      "Total number of statuses emitted to listeners",
			},
			[]string{"category"},
		),

		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "requests_total",
				Help:      "Total number of requests by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   []float64{.005, .01, .05, .1, .5, 1, 5, 30, 120, 320},
			},
			[]string{"operation"},
		),

		HeartbeatFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "presence",
				Name:      "heartbeat_failures_total",
				Help:      "Total number of failed presence heartbeats",
			},
		),

		DecryptionFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "decryption_failures_total",
				Help:      "Total number of payloads that could not be decrypted",
			},
		),
	}

	collectors := []prometheus.Collector{
		m.Transitions, m.State, m.MessagesDelivered, m.StatusesEmitted,
		m.Requests, m.RequestDuration, m.HeartbeatFailures, m.DecryptionFailures,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RecordTransition counts a transition and moves the state gauge
func (m *Metrics) RecordTransition(from, to, event string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to, event).Inc()
	if from != to {
		m.State.WithLabelValues(from).Set(0)
	}
	m.State.WithLabelValues(to).Set(1)
}

// RecordDelivered counts a delivered message of the given kind
func (m *Metrics) RecordDelivered(kind string) {
	if m == nil {
		return
	}
	m.MessagesDelivered.WithLabelValues(kind).Inc()
}

// RecordStatus counts an emitted status
func (m *Metrics) RecordStatus(category string) {
	if m == nil {
		return
	}
	m.StatusesEmitted.WithLabelValues(category).Inc()
}

// RecordRequest counts a request and records its duration
func (m *Metrics) RecordRequest(op transport.Operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(string(op), outcome).Inc()
	m.RequestDuration.WithLabelValues(string(op)).Observe(duration.Seconds())
}

// RecordHeartbeatFailure increments the heartbeat failure counter
func (m *Metrics) RecordHeartbeatFailure() {
	if m == nil {
		return
	}
	m.HeartbeatFailures.Inc()
}

// RecordDecryptionFailure increments the decryption failure counter
func (m *Metrics) RecordDecryptionFailure() {
	if m == nil {
		return
	}
	m.DecryptionFailures.Inc()
}

// Instrument wraps a transport so every request is counted and timed.
func (m *Metrics) Instrument(next transport.Transport) transport.Transport {
	if m == nil {
		return next
	}
	return transport.Func(func(ctx context.Context, req transport.Request) (*transport.Response, error) {
		start := time.Now()
		resp, err := next.Do(ctx, req)
		m.RecordRequest(req.Operation, Outcome(resp, err), time.Since(start))
		return resp, err
	})
}

// Outcome labels the result of a request.
func Outcome(resp *transport.Response, err error) string {
	switch {
	case err != nil && errors.Is(err, transport.ErrTimeout):
		return "timeout"
	case err != nil && errors.Is(err, context.Canceled):
		return "cancelled"
	case err != nil:
		return "error"
	case resp == nil:
		return "error"
	case resp.StatusCode == http.StatusForbidden:
		return pnerrors.ClassAccessDenied.String()
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return pnerrors.ClassTransient.String()
	case resp.StatusCode >= 400:
		return pnerrors.ClassInvalid.String()
	default:
		return "ok"
	}
}

// Handler serves the metrics gathered by g in the OpenMetrics format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
