package holepunch

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for one Server instance. Each
// Server gets its own isolated prometheus.Registry (mirroring the teacher's
// per-instance registry pattern) so embedding multiple Servers in one
// process — or in one test binary — never collides on metric registration.
type Metrics struct {
	Registry *prometheus.Registry

	HolePunchTotal           *prometheus.CounterVec
	HolePunchDurationSeconds *prometheus.HistogramVec

	STUNProbeTotal *prometheus.CounterVec

	TickDurationSeconds prometheus.Histogram
	ConnectedPeers      prometheus.Gauge
	KeepAliveTargets    prometheus.Gauge

	DatagramsSentTotal     *prometheus.CounterVec
	DatagramsReceivedTotal *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance with all collectors registered on a
// fresh, isolated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())

	m := &Metrics{
		Registry: reg,

		HolePunchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "holepunch_attempts_total",
				Help: "Total number of hole punch attempts by outcome.",
			},
			[]string{"result"},
		),
		HolePunchDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "holepunch_duration_seconds",
				Help:    "Duration of hole punch attempts in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms..5.12s
			},
			[]string{"result"},
		),
		STUNProbeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "holepunch_stun_probe_total",
				Help: "Total number of STUN binding requests by outcome.",
			},
			[]string{"result"},
		),
		TickDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "holepunch_tick_duration_seconds",
				Help:    "Duration of Server.Tick calls, including callback dispatch.",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
			},
		),
		ConnectedPeers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "holepunch_connected_peers",
				Help: "Number of live connections in the registry.",
			},
		),
		KeepAliveTargets: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "holepunch_keepalive_targets",
				Help: "Number of endpoints receiving periodic keep-alive datagrams.",
			},
		),
		DatagramsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "holepunch_datagrams_sent_total",
				Help: "Total UDP datagrams sent, including zero-length keep-alives.",
			},
			[]string{"kind"},
		),
		DatagramsReceivedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "holepunch_datagrams_received_total",
				Help: "Total UDP datagrams received, including dropped zero-length keep-alives.",
			},
			[]string{"kind"},
		),
	}

	reg.MustRegister(
		m.HolePunchTotal,
		m.HolePunchDurationSeconds,
		m.STUNProbeTotal,
		m.TickDurationSeconds,
		m.ConnectedPeers,
		m.KeepAliveTargets,
		m.DatagramsSentTotal,
		m.DatagramsReceivedTotal,
	)

	return m
}

// Handler returns an http.Handler serving this instance's metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
