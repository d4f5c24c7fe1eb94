// Package metrics exposes Prometheus instrumentation for the game server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rubycave-project/rubycave/internal/protocol"
)

const namespace = "rubycave"

// Handshake results used as label values.
const (
	HandshakeAccepted = "accepted"
	HandshakeRejected = "rejected"
	HandshakeFailed   = "failed"
)

// Metrics holds the server's collectors and the registry they live in.
// All methods are safe on a nil *Metrics, which records nothing.
type Metrics struct {
	registry *prometheus.Registry

	connectionsActive prometheus.Gauge
	playersOnline     prometheus.Gauge
	handshakes        *prometheus.CounterVec
	packets           *prometheus.CounterVec
	corruptFrames     prometheus.Counter
	acceptsRejected   *prometheus.CounterVec
	kicks             *prometheus.CounterVec
	keepAliveLatency  prometheus.Histogram
}

// New creates a Metrics with its own registry, including Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of open TCP connections, including ones still handshaking",
		}),

		playersOnline: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "players_online",
			Help:      "Number of connections that completed the handshake",
		}),

		handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Handshakes by result",
		}, []string{"result"}),

		packets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_total",
			Help:      "Packets read or written, by direction and kind",
		}, []string{"direction", "kind"}),

		corruptFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "corrupt_frames_total",
			Help:      "Connections dropped because of an undecodable frame",
		}),

		acceptsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accepts_rejected_total",
			Help:      "Accepted sockets closed immediately, by reason",
		}, []string{"reason"}),

		kicks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kicks_total",
			Help:      "Kicks sent to players, by reason kind",
		}, []string{"kind"}),

		keepAliveLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "keep_alive_latency_seconds",
			Help:      "Difference between server receive time and the client's keep-alive timestamp",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connectionsActive.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connectionsActive.Dec()
	}
}

func (m *Metrics) PlayerJoined() {
	if m != nil {
		m.playersOnline.Inc()
	}
}

func (m *Metrics) PlayerLeft() {
	if m != nil {
		m.playersOnline.Dec()
	}
}

// Handshake counts one handshake outcome.
func (m *Metrics) Handshake(result string) {
	if m != nil {
		m.handshakes.WithLabelValues(result).Inc()
	}
}

// PacketIn counts a packet read from a peer.
func (m *Metrics) PacketIn(p protocol.Packet) {
	if m != nil {
		m.packets.WithLabelValues("in", p.Kind().String()).Inc()
	}
}

// PacketOut counts a packet written to a peer.
func (m *Metrics) PacketOut(p protocol.Packet) {
	if m != nil {
		m.packets.WithLabelValues("out", p.Kind().String()).Inc()
	}
}

func (m *Metrics) CorruptFrame() {
	if m != nil {
		m.corruptFrames.Inc()
	}
}

// AcceptRejected counts a socket dropped right after accept.
func (m *Metrics) AcceptRejected(reason string) {
	if m != nil {
		m.acceptsRejected.WithLabelValues(reason).Inc()
	}
}

// Kick counts a kick by its reason kind.
func (m *Metrics) Kick(reason protocol.KickReason) {
	if m == nil {
		return
	}
	kind := "packet"
	if reason.Kind == protocol.KickOperator {
		kind = "operator"
	}
	m.kicks.WithLabelValues(kind).Inc()
}

// KeepAliveLatency observes one keep-alive round.
func (m *Metrics) KeepAliveLatency(d time.Duration) {
	if m != nil && d >= 0 {
		m.keepAliveLatency.Observe(d.Seconds())
	}
}
