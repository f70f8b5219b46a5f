// Package metrics exposes the Session/Transport counters an operator
// would scrape alongside the reference deployment: packets sent,
// received and retransmitted, ACKs sent, current window fill, and
// buffer-pool exhaustion events.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors bundles every metric one Session/Transport pair reports.
// Construct one per process (or per Session, with distinct constant
// labels) and register it with a prometheus.Registry.
type Collectors struct {
	PacketsSent        prometheus.Counter
	PacketsRetransmitted prometheus.Counter
	PacketsReceived    prometheus.Counter
	AcksSent           prometheus.Counter
	CodecErrorsDropped prometheus.Counter
	WindowFill         prometheus.Gauge
	PoolExhaustedTotal prometheus.Counter
}

// New builds a Collectors with the given constant labels (e.g.
// session_id) attached to every metric, so multiple concurrent sessions
// in one process stay distinguishable once registered.
func New(constLabels prometheus.Labels) *Collectors {
	return &Collectors{
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "rdma_rpc_packets_sent_total",
			Help:        "Data packets posted for the first time (see packets_retransmitted_total for re-posts).",
			ConstLabels: constLabels,
		}),
		PacketsRetransmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "rdma_rpc_packets_retransmitted_total",
			Help:        "Data packets re-posted because their ACK had not yet arrived.",
			ConstLabels: constLabels,
		}),
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "rdma_rpc_packets_received_total",
			Help:        "Inbound data packets accepted into the reorder buffer (already-delivered duplicates are not counted).",
			ConstLabels: constLabels,
		}),
		AcksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "rdma_rpc_acks_sent_total",
			Help:        "ACK packets posted.",
			ConstLabels: constLabels,
		}),
		CodecErrorsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "rdma_rpc_codec_errors_dropped_total",
			Help:        "Inbound datagrams dropped after failing to decode.",
			ConstLabels: constLabels,
		}),
		WindowFill: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "rdma_rpc_window_fill",
			Help:        "Number of fragments of the current send not yet acknowledged; may exceed the window size.",
			ConstLabels: constLabels,
		}),
		PoolExhaustedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "rdma_rpc_buffer_pool_exhausted_total",
			Help:        "Times AcquireFree found no free buffer.",
			ConstLabels: constLabels,
		}),
	}
}

// MustRegister registers every collector with reg, panicking on a
// duplicate-registration error the way prometheus's own MustRegister
// does (a programmer error, not a runtime condition).
func (c *Collectors) MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		c.PacketsSent,
		c.PacketsRetransmitted,
		c.PacketsReceived,
		c.AcksSent,
		c.CodecErrorsDropped,
		c.WindowFill,
		c.PoolExhaustedTotal,
	)
}
