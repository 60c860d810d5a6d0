// Package metrics collects and exposes Prometheus metrics for the gateway,
// delivery engine and presence relay.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the metrics surface used by the real-time components.
type Recorder interface {
	ConnectionOpened()
	ConnectionClosed(reason string)
	RoomJoined()
	RoomLeft(n int)
	EventDelivered(eventType string)
	EventDropped(eventType string)
	MessagePersisted(latency time.Duration)
	SendFailed(code string)
	TypingRelayed(eventType string)
}

// Collector is the Prometheus implementation of Recorder.
type Collector struct {
	connections     prometheus.Gauge
	connClosed      *prometheus.CounterVec
	roomMemberships prometheus.Gauge
	delivered       *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	persisted       prometheus.Counter
	appendLatency   prometheus.Histogram
	sendFailed      *prometheus.CounterVec
	typing          *prometheus.CounterVec
}

var _ Recorder = (*Collector)(nil)

// NewCollector creates a Collector and registers its metrics on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dm_gateway_connections",
			Help: "Live connections currently registered with the gateway.",
		}),
		connClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dm_gateway_connections_closed_total",
			Help: "Connections closed, by reason code.",
		}, []string{"reason"}),
		roomMemberships: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dm_gateway_room_memberships",
			Help: "Connection to room memberships currently held.",
		}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dm_gateway_events_delivered_total",
			Help: "Events queued to a connection, by event type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dm_gateway_events_dropped_total",
			Help: "Events dropped because a connection buffer was full, by event type.",
		}, []string{"type"}),
		persisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dm_delivery_messages_persisted_total",
			Help: "Messages durably appended.",
		}),
		appendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dm_delivery_append_latency_seconds",
			Help:    "Latency of conversation store appends.",
			Buckets: prometheus.DefBuckets,
		}),
		sendFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dm_delivery_send_failed_total",
			Help: "Refused or failed send intents, by error code.",
		}, []string{"code"}),
		typing: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dm_presence_signals_total",
			Help: "Presence signals relayed, by event type.",
		}, []string{"type"}),
	}

	reg.MustRegister(
		c.connections,
		c.connClosed,
		c.roomMemberships,
		c.delivered,
		c.dropped,
		c.persisted,
		c.appendLatency,
		c.sendFailed,
		c.typing,
	)
	return c
}

func (c *Collector) ConnectionOpened() { c.connections.Inc() }

func (c *Collector) ConnectionClosed(reason string) {
	c.connections.Dec()
	c.connClosed.WithLabelValues(reason).Inc()
}

func (c *Collector) RoomJoined() { c.roomMemberships.Inc() }

func (c *Collector) RoomLeft(n int) { c.roomMemberships.Sub(float64(n)) }

func (c *Collector) EventDelivered(eventType string) { c.delivered.WithLabelValues(eventType).Inc() }

func (c *Collector) EventDropped(eventType string) { c.dropped.WithLabelValues(eventType).Inc() }

// MessagePersisted records one successful append and its store latency.
func (c *Collector) MessagePersisted(latency time.Duration) {
	c.persisted.Inc()
	c.appendLatency.Observe(latency.Seconds())
}

func (c *Collector) SendFailed(code string) { c.sendFailed.WithLabelValues(code).Inc() }

func (c *Collector) TypingRelayed(eventType string) { c.typing.WithLabelValues(eventType).Inc() }

// Nop discards everything. Used when metrics are not wired, mostly in tests.
type Nop struct{}

func (Nop) ConnectionOpened()              {}
func (Nop) ConnectionClosed(string)        {}
func (Nop) RoomJoined()                    {}
func (Nop) RoomLeft(int)                   {}
func (Nop) EventDelivered(string)          {}
func (Nop) EventDropped(string)            {}
func (Nop) MessagePersisted(time.Duration) {}
func (Nop) SendFailed(string)              {}
func (Nop) TypingRelayed(string)           {}

// Handler returns the Prometheus scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
