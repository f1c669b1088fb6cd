package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Realtime sessions
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ops_chat_ws_sessions_active",
			Help: "Currently connected websocket sessions",
		},
	)

	SessionsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ops_chat_ws_sessions_dropped_total",
			Help: "Sessions disconnected by the server",
		},
		[]string{"reason"}, // "slow_consumer", "write_error"
	)

	ProtocolErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ops_chat_protocol_errors_total",
			Help: "Protocol violations reported to clients",
		},
		[]string{"event"},
	)

	// Message store
	MessagesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ops_chat_messages_appended_total",
			Help: "Messages accepted by the message store",
		},
		[]string{"room"},
	)

	RoomSequenceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ops_chat_room_sequence_failures_total",
			Help: "Append failures at the per-room serialization point",
		},
		[]string{"room"},
	)

	BroadcastFanout = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ops_chat_broadcast_fanout",
			Help:    "Sessions reached by one room broadcast",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		},
	)

	// Unread counters
	UnreadOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ops_chat_unread_ops_total",
			Help: "Unread counter operations",
		},
		[]string{"op", "status"},
	)

	// Mention notifications
	MentionDispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ops_chat_mention_dispatches_total",
			Help: "Mention notification dispatch attempts",
		},
		[]string{"status"}, // "ok", "failed", "dropped"
	)
)
