package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

// Reasons an outbound frame was not delivered.
const (
	SkipNotOpen    = "not_open"
	SkipBacklogged = "backlogged"
)

// Reasons an inbound frame was dropped before dispatch.
const (
	DropMalformed   = "malformed"
	DropUnknown     = "unknown_type"
	DropInvalid     = "invalid"
	DropRateLimited = "rate_limited"
)

type Metrics struct {
	Rooms       prometheus.Gauge
	Connections prometheus.Gauge
	Inbound     *prometheus.CounterVec
	Dropped     *prometheus.CounterVec
	Sent        prometheus.Counter
	Skipped     *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates the relay collectors and registers them with reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Number of rooms with at least one member.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of attached connections.",
		}),
		Inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Dispatched inbound messages by type.",
		}, []string{"type"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_dropped_total",
			Help:      "Inbound frames dropped before dispatch by reason.",
		}, []string{"reason"}),
		Sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_frames_total",
			Help:      "Frames queued to connections.",
		}),
		Skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_skipped_total",
			Help:      "Frames not delivered to a recipient by reason.",
		}, []string{"reason"}),
		gatherer: reg,
	}
	reg.MustRegister(m.Rooms, m.Connections, m.Inbound, m.Dropped, m.Sent, m.Skipped)
	return m
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
