// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Label values for BytesForwarded.
const (
	DirectionClientToUpstream = "client_to_upstream"
	DirectionUpstreamToClient = "upstream_to_client"
)

// Label values for ConnectionsRejected.
const (
	ReasonUpstreamDial = "upstream_dial"
	ReasonRateLimited  = "rate_limited"
)

// Label values for PairsClosed.
const (
	CauseEOF      = "eof"
	CauseIOError  = "io_error"
	CauseShutdown = "shutdown"
)

// Label values for Rewrites.
const (
	OutcomeRewritten   = "rewritten"
	OutcomePassthrough = "passthrough"
)

// Default histogram buckets for upstream dial latency.
var dialBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectionsAccepted prometheus.Counter
	ConnectionsRejected *prometheus.CounterVec
	PairsLive           prometheus.Gauge
	PairsClosed         *prometheus.CounterVec

	BytesForwarded *prometheus.CounterVec
	Rewrites       *prometheus.CounterVec

	DialDuration prometheus.Histogram
	LoopRestarts prometheus.Counter
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forward_proxy_connections_accepted_total",
			Help: "Total inbound connections paired with an upstream connection.",
		}),

		ConnectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forward_proxy_connections_rejected_total",
			Help: "Total inbound connections closed without pairing, by reason.",
		}, []string{"reason"}),

		PairsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forward_proxy_pairs_live",
			Help: "Number of live connection pairs.",
		}),

		PairsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forward_proxy_pairs_closed_total",
			Help: "Total connection pairs torn down, by cause.",
		}, []string{"cause"}),

		BytesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forward_proxy_bytes_forwarded_total",
			Help: "Total bytes relayed, by direction.",
		}, []string{"direction"}),

		Rewrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forward_proxy_first_chunk_rewrites_total",
			Help: "First-chunk header rewrite outcomes.",
		}, []string{"outcome"}),

		DialDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "forward_proxy_upstream_dial_duration_seconds",
			Help:    "Upstream dial latency in seconds.",
			Buckets: dialBuckets,
		}),

		LoopRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forward_proxy_loop_restarts_total",
			Help: "Times the relay loop was restarted after a fault.",
		}),
	}

	reg.MustRegister(
		m.ConnectionsAccepted,
		m.ConnectionsRejected,
		m.PairsLive,
		m.PairsClosed,
		m.BytesForwarded,
		m.Rewrites,
		m.DialDuration,
		m.LoopRestarts,
	)

	return m
}
