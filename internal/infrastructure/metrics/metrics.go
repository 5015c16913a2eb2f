// Package metrics exposes the relay's Prometheus instruments.
//
// A Metrics value owns its own registry, so tests and multiple relays in
// one process never collide on registration. Every method is safe to call
// on a nil *Metrics and then does nothing.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "relay"
)

// Metrics holds every collector the relay reports.
type Metrics struct {
	registry *prometheus.Registry

	brokerConnected   prometheus.Gauge
	reconnectAttempts prometheus.Counter
	inboundMessages   *prometheus.CounterVec
	decodeFallbacks   prometheus.Counter
	commands          *prometheus.CounterVec
	queueDepth        prometheus.Gauge
	viewers           prometheus.Gauge
	roomJoins         *prometheus.CounterVec
	persistenceErrors *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New creates a Metrics with a fresh registry, including Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		brokerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "broker", Name: "connected",
			Help: "1 when the broker connection is up.",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broker", Name: "reconnect_attempts_total",
			Help: "Total number of broker reconnect attempts.",
		}),
		inboundMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "messages_total",
			Help: "Total number of inbound device messages by kind.",
		}, []string{"kind"}),
		decodeFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "decode_fallbacks_total",
			Help: "Status payloads kept as raw strings because they were not JSON.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "command", Name: "outcomes_total",
			Help: "Total number of outbound commands by outcome.",
		}, []string{"outcome"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "command", Name: "queue_depth",
			Help: "Commands waiting for the broker connection.",
		}),
		viewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "viewers",
			Help: "Connected realtime viewers.",
		}),
		roomJoins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "joins_total",
			Help: "Room join attempts by result.",
		}, []string{"result"}),
		persistenceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "errors_total",
			Help: "Failed store writes by operation.",
		}, []string{"op"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.brokerConnected,
		m.reconnectAttempts,
		m.inboundMessages,
		m.decodeFallbacks,
		m.commands,
		m.queueDepth,
		m.viewers,
		m.roomJoins,
		m.persistenceErrors,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Registry returns the underlying registry, mainly for tests.
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
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetBrokerConnected records the broker link state.
func (m *Metrics) SetBrokerConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.brokerConnected.Set(1)
	} else {
		m.brokerConnected.Set(0)
	}
}

// ReconnectAttempt counts one scheduled reconnect.
func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

// InboundMessage counts one inbound message of the given kind.
func (m *Metrics) InboundMessage(kind string) {
	if m == nil {
		return
	}
	m.inboundMessages.WithLabelValues(kind).Inc()
}

// DecodeFallback counts a status payload kept as a raw string.
func (m *Metrics) DecodeFallback() {
	if m == nil {
		return
	}
	m.decodeFallbacks.Inc()
}

// CommandOutcome counts a command outcome (queued, published, failed, dropped, rejected).
func (m *Metrics) CommandOutcome(outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(outcome).Inc()
}

// SetQueueDepth records the outbound queue length.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// ViewerConnected adjusts the viewer gauge by delta.
func (m *Metrics) ViewerConnected(delta int) {
	if m == nil {
		return
	}
	m.viewers.Add(float64(delta))
}

// RoomJoin counts a join attempt by result (ok, unauthenticated, forbidden, rate_limited).
func (m *Metrics) RoomJoin(result string) {
	if m == nil {
		return
	}
	m.roomJoins.WithLabelValues(result).Inc()
}

// PersistenceError counts a failed store write.
func (m *Metrics) PersistenceError(op string) {
	if m == nil {
		return
	}
	m.persistenceErrors.WithLabelValues(op).Inc()
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(seconds)
}
