package node

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace is the namespace all metrics are defined under.
const Namespace = "tether"

// Metrics are the Prometheus collectors of a Node. They are registered on the
// registry of the Node's Config, so several nodes can live in one process.
type Metrics struct {
	State             *prometheus.GaugeVec
	FramesSent        *prometheus.CounterVec
	FramesReceived    *prometheus.CounterVec
	Changes           *prometheus.CounterVec
	Conflicts         prometheus.Counter
	Reconnects        prometheus.Counter
	HeartbeatTimeouts prometheus.Counter
	AuthFailures      prometheus.Counter
	Handshakes        *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		State: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "connection",
			Name:      "state",
			Help:      "Connection state of each pairing (see state.State)",
		}, []string{"pairing"}),
		FramesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "link",
			Name:      "frames_sent_total",
			Help:      "Frames written, by frame type",
		}, []string{"type"}),
		FramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "link",
			Name:      "frames_received_total",
			Help:      "Frames read, by frame type",
		}, []string{"type"}),
		Changes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "reconcile",
			Name:      "changes_total",
			Help:      "Inbound change records, by outcome",
		}, []string{"outcome"}),
		Conflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "reconcile",
			Name:      "conflicts_total",
			Help:      "Concurrent changes resolved",
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "connection",
			Name:      "reconnects_total",
			Help:      "Connections lost and retried",
		}),
		HeartbeatTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "connection",
			Name:      "heartbeat_timeouts_total",
			Help:      "Connections dropped after missing heartbeats",
		}),
		AuthFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "session",
			Name:      "auth_failures_total",
			Help:      "Sessions or handshakes that failed authentication",
		}),
		Handshakes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "session",
			Name:      "handshakes_total",
			Help:      "Handshake messages handled, by kind",
		}, []string{"kind"}),
	}
}
