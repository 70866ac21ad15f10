// Package metrics exposes Prometheus collectors for the server engine:
// connection admission, request cycles, websocket sessions and worker
// restarts. Registration happens once in New; recording sites hold a
// *Metrics that may be nil, in which case nothing is recorded.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every engine metric.
const Namespace = "async_server"

// Metrics holds the engine's collectors.
type Metrics struct {
	connectionsOpen     prometheus.Gauge
	connectionsTotal    prometheus.Counter
	connectionsRejected prometheus.Counter

	cyclesTotal   *prometheus.CounterVec
	cycleDuration prometheus.Histogram

	sessionsOpen  prometheus.Gauge
	sessionsTotal prometheus.Counter
	messagesTotal *prometheus.CounterVec
	messageBytes  *prometheus.CounterVec

	workerRestarts prometheus.Counter
}

// New registers the engine collectors with reg and returns them. A nil reg
// falls back to the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		connectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "connections_open",
			Help:      "Connections currently admitted and being served",
		}),
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "connections_total",
			Help:      "Connections admitted since the worker started",
		}),
		connectionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "connections_rejected_total",
			Help:      "Connections refused with a 503 at the concurrency ceiling",
		}),

		cyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "http_cycles_total",
			Help:      "Completed HTTP request/response cycles by status class",
		}, []string{"status"}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "http_cycle_duration_seconds",
			Help:      "Time from parsed request head to settled response",
			Buckets:   prometheus.DefBuckets,
		}),

		sessionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "websocket_sessions_open",
			Help:      "WebSocket sessions currently handed off to a driver",
		}),
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "websocket_sessions_total",
			Help:      "WebSocket sessions started since the worker started",
		}),
		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "websocket_messages_total",
			Help:      "WebSocket data messages by direction",
		}, []string{"direction"}),
		messageBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "websocket_message_bytes_total",
			Help:      "WebSocket data message payload bytes by direction",
		}, []string{"direction"}),

		workerRestarts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "worker_restarts_total",
			Help:      "Worker processes restarted by the supervisor",
		}),
	}
}

// ConnOpened records an admitted connection.
func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
	m.connectionsOpen.Inc()
}

// ConnClosed records the end of an admitted connection.
func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.connectionsOpen.Dec()
}

// ConnRejected records a connection refused at the concurrency ceiling.
func (m *Metrics) ConnRejected() {
	if m == nil {
		return
	}
	m.connectionsRejected.Inc()
}

// CycleServed records one settled request/response cycle.
func (m *Metrics) CycleServed(status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.cyclesTotal.WithLabelValues(statusClass(status)).Inc()
	m.cycleDuration.Observe(elapsed.Seconds())
}

// SessionOpened records a websocket session handoff.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
	m.sessionsOpen.Inc()
}

// SessionClosed records the end of a websocket session.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsOpen.Dec()
}

// MessageReceived records one reassembled inbound websocket message.
func (m *Metrics) MessageReceived(bytes int) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues("rx").Inc()
	m.messageBytes.WithLabelValues("rx").Add(float64(bytes))
}

// MessageSent records one queued outbound websocket message.
func (m *Metrics) MessageSent(bytes int) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues("tx").Inc()
	m.messageBytes.WithLabelValues("tx").Add(float64(bytes))
}

// WorkerRestarted records a supervisor-initiated worker replacement.
func (m *Metrics) WorkerRestarted() {
	if m == nil {
		return
	}
	m.workerRestarts.Inc()
}

// statusClass collapses a status code to its class so the label stays
// low-cardinality whatever the application sends.
func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "other"
	}
	return strconv.Itoa(status/100) + "xx"
}
