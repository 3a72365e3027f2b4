package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RedisErrors counts Redis errors by command name.
	RedisErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_redis_errors_total",
		Help: "Total number of Redis errors by command",
	}, []string{"command"})

	// DatabaseQueryLatency records database query latency by operation and table.
	DatabaseQueryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "parley_database_query_latency_seconds",
		Help:    "Database query latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	// WebSocketSessions is the gauge of live gateway sessions.
	WebSocketSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parley_websocket_sessions",
		Help: "Number of live WebSocket sessions",
	})

	// WebSocketEventsTotal counts inbound and outbound WebSocket events by type.
	WebSocketEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_websocket_events_total",
		Help: "Total WebSocket events by direction and type",
	}, []string{"direction", "event_type"})

	// WebSocketBackpressureDrops counts events dropped due to full session buffers.
	WebSocketBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_websocket_backpressure_drops_total",
		Help: "Total number of WebSocket messages dropped due to backpressure",
	}, []string{"hub", "reason"})

	// MessageThroughput counts persisted messages by type.
	MessageThroughput = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_message_throughput_total",
		Help: "Total number of messages persisted",
	}, []string{"message_type"})

	// PresenceTransitions counts online/offline edges.
	PresenceTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_presence_transitions_total",
		Help: "Presence edges emitted by the gateway",
	}, []string{"state"})

	// TypingExpirations counts typing indicators cleared by the expiry timer.
	TypingExpirations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_typing_expirations_total",
		Help: "Typing indicators cleared automatically after timeout",
	})

	// NotificationDispatch counts offline notification hand-offs by outcome.
	NotificationDispatch = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_notification_dispatch_total",
		Help: "Offline notification hand-offs by outcome",
	}, []string{"outcome"})

	// AttachmentsPurged counts storage objects removed by the janitor.
	AttachmentsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_attachments_purged_total",
		Help: "Attachment storage objects purged after retention",
	})
)

// TrackQuery returns a function that records query latency when called (e.g. defer).
func TrackQuery(operation, table string) func() {
	start := time.Now()
	return func() {
		DatabaseQueryLatency.WithLabelValues(operation, table).Observe(time.Since(start).Seconds())
	}
}

// RecordInbound counts a frame received from a client.
func RecordInbound(eventType string) {
	WebSocketEventsTotal.WithLabelValues("in", eventType).Inc()
}

// RecordOutbound counts an event queued to a client.
func RecordOutbound(eventType string) {
	WebSocketEventsTotal.WithLabelValues("out", eventType).Inc()
}
