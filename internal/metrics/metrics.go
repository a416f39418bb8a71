// Package metrics exposes prometheus collectors for the connection, router
// and time-series buffer. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JQIamo/temperature-control-app/internal/connectors"
)

const namespace = "tempctl"

var connectionStates = []connectors.ConnectionState{
	connectors.ConnectionStateDisconnected,
	connectors.ConnectionStateDiscovering,
	connectors.ConnectionStateOpen,
	connectors.ConnectionStateReconnecting,
}

type Metrics struct {
	connectionState   *prometheus.GaugeVec
	reconnects        prometheus.Counter
	discoveryFailures prometheus.Counter
	framesIn          prometheus.Counter
	framesOut         prometheus.Counter
	droppedSends      prometheus.Counter
	malformedFrames   prometheus.Counter
	replacedPending   *prometheus.CounterVec
	seriesLength      *prometheus.GaugeVec
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Socket reconnect attempts.",
		}),
		discoveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_failures_total",
			Help:      "Failed endpoint discovery exchanges.",
		}),
		framesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound frames read from the socket.",
		}),
		framesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Outbound frames written to the socket.",
		}),
		droppedSends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_sends_total",
			Help:      "Outbound frames dropped because the socket was not open.",
		}),
		malformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Inbound frames dropped by the router.",
		}),
		replacedPending: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replaced_pending_requests_total",
			Help:      "Pending request handlers discarded by a newer request of the same kind.",
		}, []string{"kind"}),
		seriesLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "series_samples",
			Help:      "Samples currently buffered per series.",
		}, []string{"series"}),
	}

	reg.MustRegister(
		m.connectionState,
		m.reconnects,
		m.discoveryFailures,
		m.framesIn,
		m.framesOut,
		m.droppedSends,
		m.malformedFrames,
		m.replacedPending,
		m.seriesLength,
	)
	m.SetConnectionState(connectors.ConnectionStateDisconnected)

	return m
}

// Handler serves the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) SetConnectionState(state connectors.ConnectionState) {
	if m == nil {
		return
	}
	for _, s := range connectionStates {
		value := 0.0
		if s == state {
			value = 1
		}
		m.connectionState.WithLabelValues(string(s)).Set(value)
	}
}

func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) DiscoveryFailed() {
	if m == nil {
		return
	}
	m.discoveryFailures.Inc()
}

func (m *Metrics) FrameReceived() {
	if m == nil {
		return
	}
	m.framesIn.Inc()
}

func (m *Metrics) FrameSent() {
	if m == nil {
		return
	}
	m.framesOut.Inc()
}

func (m *Metrics) SendDropped() {
	if m == nil {
		return
	}
	m.droppedSends.Inc()
}

func (m *Metrics) MalformedFrame() {
	if m == nil {
		return
	}
	m.malformedFrames.Inc()
}

func (m *Metrics) PendingReplaced(kind string) {
	if m == nil {
		return
	}
	m.replacedPending.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetSeriesLength(series string, n int) {
	if m == nil {
		return
	}
	m.seriesLength.WithLabelValues(series).Set(float64(n))
}
