// Package metrics exposes Prometheus instrumentation for the SSE transport.
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Close reasons reported on mcp_sse_sessions_closed_total.
const (
	ReasonDeleted  = "deleted"
	ReasonIdle     = "idle"
	ReasonShutdown = "shutdown"
)

// Metrics holds the transport collectors and the private registry they are
// registered with.
type Metrics struct {
	registry *prometheus.Registry

	sessionsOpen      prometheus.Gauge
	sessionsOpened    prometheus.Counter
	sessionsClosed    *prometheus.CounterVec
	messagesInbound   prometheus.Counter
	eventsPublished   *prometheus.CounterVec
	streamsSuperseded prometheus.Counter
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		sessionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcp_sse_sessions_open",
			Help: "Number of sessions currently held by the registry",
		}),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcp_sse_sessions_opened_total",
			Help: "Sessions opened since process start",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_sse_sessions_closed_total",
			Help: "Sessions closed since process start, by reason",
		}, []string{"reason"}),
		messagesInbound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcp_sse_messages_inbound_total",
			Help: "Client messages accepted onto a session inbound queue",
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_sse_events_published_total",
			Help: "Events appended to session outbound logs, by SSE event name",
		}, []string{"event"}),
		streamsSuperseded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcp_sse_streams_superseded_total",
			Help: "Event streams evicted because a newer stream attached to the same session",
		}),
	}

	registry.MustRegister(
		m.sessionsOpen,
		m.sessionsOpened,
		m.sessionsClosed,
		m.messagesInbound,
		m.eventsPublished,
		m.streamsSuperseded,
	)

	return m
}

// Registry returns the underlying registry so callers can add collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsOpened.Inc()
	m.sessionsOpen.Inc()
}

func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.sessionsClosed.WithLabelValues(reason).Inc()
	m.sessionsOpen.Dec()
}

func (m *Metrics) MessageInbound() {
	if m == nil {
		return
	}
	m.messagesInbound.Inc()
}

func (m *Metrics) EventPublished(event string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(event).Inc()
}

func (m *Metrics) StreamSuperseded() {
	if m == nil {
		return
	}
	m.streamsSuperseded.Inc()
}
