// Package metrics exposes delivery counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/orchestra-mcp/realtime/src/offline"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "realtime"

// ConnectionCounter reports live connections.
type ConnectionCounter interface {
	ConnectionCount() int
	UserCount() int
}

// QueueCounters reports offline queue lifetime counters.
type QueueCounters interface {
	Counters() offline.Stats
}

// Metrics owns a private registry so tests can build several instances.
type Metrics struct {
	registry *prometheus.Registry

	delivered         *prometheus.CounterVec
	queued            prometheus.Counter
	transportErrors   prometheus.Counter
	heartbeatTimeouts prometheus.Counter
}

// New registers every collector. conns and queue are sampled at scrape time.
func New(conns ConnectionCounter, queue QueueCounters) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Messages written to live connections, by message type.",
		}, []string{"type"}),
		queued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_queued_total",
			Help:      "Messages retained for offline users.",
		}),
		transportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_errors_total",
			Help:      "Writes that failed and evicted their connection.",
		}),
		heartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_timeouts_total",
			Help:      "Connections evicted by the heartbeat monitor.",
		}),
	}

	m.registry.MustRegister(
		m.delivered,
		m.queued,
		m.transportErrors,
		m.heartbeatTimeouts,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live connections.",
		}, func() float64 { return float64(conns.ConnectionCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "users",
			Help:      "Users with at least one live connection.",
		}, func() float64 { return float64(conns.UserCount()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_evicted_total",
			Help:      "Offline messages dropped because the user's queue was full.",
		}, func() float64 { return float64(queue.Counters().Evicted) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_expired_total",
			Help:      "Offline messages that passed their TTL undelivered.",
		}, func() float64 { return float64(queue.Counters().Expired) }),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// MessageDelivered counts one live delivery.
func (m *Metrics) MessageDelivered(t types.MessageType) {
	m.delivered.WithLabelValues(string(t)).Inc()
}

// MessageQueued counts one offline retention.
func (m *Metrics) MessageQueued() { m.queued.Inc() }

// TransportError counts one failed write.
func (m *Metrics) TransportError() { m.transportErrors.Inc() }

// HeartbeatTimeout counts one heartbeat eviction.
func (m *Metrics) HeartbeatTimeout(string) { m.heartbeatTimeouts.Inc() }

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
