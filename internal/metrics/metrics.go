// Package metrics holds the Prometheus collectors for the session transport.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Call outcomes recorded by CallFinished.
const (
	OutcomeOK        = "ok"
	OutcomeToolError = "tool_error"
	OutcomeFault     = "fault"
	OutcomeCancelled = "cancelled"
	OutcomeDuplicate = "duplicate"
)

// Metrics groups the collectors registered on one registry.
type Metrics struct {
	sessionsActive  prometheus.Gauge
	sessionsCreated prometheus.Counter
	calls           *prometheus.CounterVec
	eventsAppended  prometheus.Counter
	streamsActive   prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcp_sessions_active",
			Help: "Sessions currently present in the registry",
		}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcp_sessions_created_total",
			Help: "Sessions initialized since process start",
		}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_calls_total",
			Help: "Calls submitted to the tool router, by outcome",
		}, []string{"outcome"}),
		eventsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcp_events_appended_total",
			Help: "Events appended to session event logs",
		}),
		streamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcp_streams_active",
			Help: "Open server-sent event response streams",
		}),
	}
	reg.MustRegister(m.sessionsActive, m.sessionsCreated, m.calls, m.eventsAppended, m.streamsActive)
	return m
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
	m.sessionsCreated.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

func (m *Metrics) CallFinished(outcome string) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) EventAppended() {
	if m == nil {
		return
	}
	m.eventsAppended.Inc()
}

func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.streamsActive.Inc()
}

func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.streamsActive.Dec()
}
