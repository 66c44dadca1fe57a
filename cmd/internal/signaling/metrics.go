package signaling

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the signaling counters exported via /metrics.
//
// A Metrics value is bound to an explicit Registerer so tests can run many
// gateways in one process without duplicate-registration panics.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	Registrations     prometheus.Counter
	Supersessions     prometheus.Counter
	Relayed           *prometheus.CounterVec // by message type
	Dropped           *prometheus.CounterVec // by reason
	SendFailures      prometheus.Counter
	CallEvents        *prometheus.CounterVec // by lifecycle event
}

// Drop reasons recorded on Metrics.Dropped.
const (
	DropReasonDecode       = "decode"
	DropReasonInvalid      = "invalid"
	DropReasonUnknownType  = "unknown_type"
	DropReasonBackpressure = "backpressure"
	DropReasonRateLimited  = "rate_limited"
	DropReasonLedger       = "ledger_conflict"
)

// NewMetrics constructs and registers the signaling metric set.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "beacon",
			Subsystem: "signaling",
			Name:      "connections_active",
			Help:      "Currently registered client connections.",
		}),
		Registrations: f.NewCounter(prometheus.CounterOpts{
			Namespace: "beacon",
			Subsystem: "signaling",
			Name:      "registrations_total",
			Help:      "Completed registration handshakes.",
		}),
		Supersessions: f.NewCounter(prometheus.CounterOpts{
			Namespace: "beacon",
			Subsystem: "signaling",
			Name:      "supersessions_total",
			Help:      "Connections closed because a newer connection claimed their identity.",
		}),
		Relayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beacon",
			Subsystem: "signaling",
			Name:      "messages_relayed_total",
			Help:      "Messages relayed to at least one recipient, by type.",
		}, []string{"type"}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beacon",
			Subsystem: "signaling",
			Name:      "messages_dropped_total",
			Help:      "Messages dropped without relay, by reason.",
		}, []string{"reason"}),
		SendFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "beacon",
			Subsystem: "signaling",
			Name:      "send_failures_total",
			Help:      "Per-recipient delivery failures during fanout.",
		}),
		CallEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beacon",
			Subsystem: "signaling",
			Name:      "call_events_total",
			Help:      "Call ledger writes, by lifecycle event.",
		}, []string{"event"}),
	}
}
