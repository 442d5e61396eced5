// Package metrics provides Prometheus instrumentation for the classroom
// agent: control socket connections, session transitions, negotiation
// latency and side-channel throughput.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ControlConnections tracks the current number of UI control sockets.
	ControlConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "classroom_control_connections",
		Help: "Current number of control WebSocket connections",
	})

	// StateTransitions counts session lifecycle transitions by target state.
	StateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "classroom_state_transitions_total",
		Help: "Session lifecycle transitions",
	}, []string{"state"})

	// NegotiationDuration records the time from entering connecting to the
	// peer connection reporting connected.
	NegotiationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "classroom_negotiation_duration_seconds",
		Help:    "Time from connecting to connected",
		Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 20, 30},
	})

	// Reconnects counts re-negotiations, labeled by outcome:
	// "attempt", "recovered" or "exhausted".
	Reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "classroom_reconnects_total",
		Help: "Peer connection re-negotiations",
	}, []string{"outcome"})

	// Envelopes counts signaling channel traffic by direction
	// ("sent", "received", "dropped") and kind.
	Envelopes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "classroom_envelopes_total",
		Help: "Envelopes on the session channel",
	}, []string{"direction", "kind"})

	// ChatMessages counts chat messages by result: "sent", "received",
	// "rejected", "rate_limited" or "persist_failed".
	ChatMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "classroom_chat_messages_total",
		Help: "Chat messages processed",
	}, []string{"result"})

	// SnapshotSaves counts whiteboard snapshot writes by result.
	SnapshotSaves = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "classroom_snapshot_saves_total",
		Help: "Whiteboard snapshot saves",
	}, []string{"result"})

	// PresenceOnline tracks how many identities the presence tracker sees.
	PresenceOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "classroom_presence_online",
		Help: "Identities currently online in the presence scope",
	})
)

func init() {
	prometheus.MustRegister(
		ControlConnections,
		StateTransitions,
		NegotiationDuration,
		Reconnects,
		Envelopes,
		ChatMessages,
		SnapshotSaves,
		PresenceOnline,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
