package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// relayMetrics is shared by the router, channel manager, matchmaker and dispatcher.
// A nil *relayMetrics is a valid no-op.
type relayMetrics struct {
	activeConns    prometheus.Gauge
	connTotal      prometheus.Counter
	activeChannels prometheus.Gauge
	channelsSealed prometheus.Counter
	channelsClosed *prometheus.CounterVec
	matches        *prometheus.CounterVec
	relayed        *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	frameErrors    *prometheus.CounterVec
	frameLatency   *prometheus.HistogramVec
}

func newRelayMetrics(reg prometheus.Registerer) *relayMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &relayMetrics{
		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "duet_connections_active",
			Help: "Current number of registered client connections.",
		}),
		connTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "duet_connections_total",
			Help: "Total number of client connections registered since start.",
		}),
		activeChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "duet_channels_active",
			Help: "Current number of open channels.",
		}),
		channelsSealed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "duet_channels_sealed_total",
			Help: "Channels that reached two members.",
		}),
		channelsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "duet_channels_closed_total",
			Help: "Closed channels grouped by reason.",
		}, []string{"reason"}),
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "duet_matches_total",
			Help: "Match requests grouped by outcome.",
		}, []string{"outcome"}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "duet_relayed_events_total",
			Help: "Events delivered to a peer grouped by kind.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "duet_dropped_events_total",
			Help: "Events the peer's send buffer refused, grouped by kind.",
		}, []string{"kind"}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "duet_router_errors_total",
			Help: "Frame validation or routing errors by code.",
		}, []string{"code"}),
		frameLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "duet_router_latency_seconds",
			Help:    "Latency for handling client frames.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"op"}),
	}

	reg.MustRegister(
		m.activeConns,
		m.connTotal,
		m.activeChannels,
		m.channelsSealed,
		m.channelsClosed,
		m.matches,
		m.relayed,
		m.dropped,
		m.frameErrors,
		m.frameLatency,
	)
	return m
}

func (m *relayMetrics) incConn() {
	if m == nil {
		return
	}
	m.activeConns.Inc()
	m.connTotal.Inc()
}

func (m *relayMetrics) decConn() {
	if m == nil {
		return
	}
	m.activeConns.Dec()
}

func (m *relayMetrics) recordError(code string) {
	if m == nil {
		return
	}
	m.frameErrors.WithLabelValues(code).Inc()
}

func (m *relayMetrics) observeLatency(op string, dur time.Duration) {
	if m == nil || op == "" {
		return
	}
	m.frameLatency.WithLabelValues(op).Observe(dur.Seconds())
}

func (m *relayMetrics) ChannelOpened() {
	if m == nil {
		return
	}
	m.activeChannels.Inc()
}

func (m *relayMetrics) ChannelSealed() {
	if m == nil {
		return
	}
	m.channelsSealed.Inc()
}

func (m *relayMetrics) ChannelClosed(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.activeChannels.Dec()
	m.channelsClosed.WithLabelValues(reason).Inc()
}

func (m *relayMetrics) MatchOutcome(outcome string) {
	if m == nil {
		return
	}
	m.matches.WithLabelValues(outcome).Inc()
}

func (m *relayMetrics) Relayed(kind string) {
	if m == nil {
		return
	}
	m.relayed.WithLabelValues(kind).Inc()
}

func (m *relayMetrics) Dropped(kind string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(kind).Inc()
}
