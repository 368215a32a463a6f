package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var msBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

var (
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_events_published_total",
			Help: "Publish attempts by outcome (appended, deduplicated, rejected, error) (count)",
		},
		[]string{"event_type", "status"},
	)

	PublishDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulse_publish_duration_ms",
			Help:    "Publish latency including validation and the store round trip in milliseconds",
			Buckets: msBuckets,
		},
		[]string{"event_type"},
	)

	HandlerInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_handler_invocations_total",
			Help: "Handler invocations by outcome (ok, failed, panic) (count)",
		},
		[]string{"stream", "group", "status"},
	)

	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulse_handler_duration_ms",
			Help:    "Handler execution time per attempt in milliseconds",
			Buckets: msBuckets,
		},
		[]string{"group"},
	)

	DispatchOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_dispatch_outcomes_total",
			Help: "Dispatcher handler outcomes (ok, failed, filtered, filter_error) (count)",
		},
		[]string{"handler", "outcome"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_retry_attempts_total",
			Help: "Total number of retry attempts (count)",
		},
		[]string{"component", "target"},
	)

	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_dead_letters_total",
			Help: "Entries moved to a dead-letter stream (count)",
		},
		[]string{"stream", "group", "reason"},
	)

	ReadErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_stream_read_errors_total",
			Help: "Failed stream reads (count)",
		},
		[]string{"stream", "group"},
	)

	ClaimedEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_claimed_entries_total",
			Help: "Pending entries reclaimed from idle consumers (count)",
		},
		[]string{"stream", "group"},
	)

	StreamDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pulse_stream_depth",
			Help: "Number of entries retained in a stream (count)",
		},
		[]string{"stream"},
	)

	ConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pulse_consumer_lag",
			Help: "Entries appended but not yet acknowledged by a consumer group (count)",
		},
		[]string{"stream", "group"},
	)

	ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulse_connections_active",
			Help: "Live broadcast connections (count)",
		},
	)

	RoomsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulse_rooms_active",
			Help: "Rooms with at least one connection (count)",
		},
	)

	ConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_connections_total",
			Help: "Connection attempts by result (count)",
		},
		[]string{"result"},
	)

	DisconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_disconnects_total",
			Help: "Disconnections by reason (count)",
		},
		[]string{"reason"},
	)

	OutboundMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_outbound_messages_total",
			Help: "Messages sent to clients by type and status (count)",
		},
		[]string{"type", "status"},
	)

	InboundMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_inbound_messages_total",
			Help: "Messages received from clients by type and status (count)",
		},
		[]string{"type", "status"},
	)

	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pulse_heartbeat_sweep_duration_ms",
			Help:    "Duration of one heartbeat sweep in milliseconds",
			Buckets: msBuckets,
		},
	)

	LeaderboardUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_leaderboard_updates_total",
			Help: "Leaderboard projections applied (count)",
		},
		[]string{"status"},
	)

	AuthAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_auth_attempts_total",
			Help: "Token verifications by result (count)",
		},
		[]string{"result"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	KafkaMessagesReadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_read_total",
			Help: "Total number of messages read from Kafka (count)",
		},
		[]string{"service", "topic"},
	)

	KafkaMessagesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_written_total",
			Help: "Total number of messages written to Kafka (count)",
		},
		[]string{"service", "topic"},
	)

	KafkaWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_write_duration_ms",
			Help:    "Duration of writing messages to Kafka in milliseconds",
			Buckets: msBuckets,
		},
		[]string{"service", "topic"},
	)

	KafkaDLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_dlq_messages_total",
			Help: "Total number of messages sent to the Kafka DLQ (count)",
		},
		[]string{"service", "topic", "reason"},
	)
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call more
// than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			EventsPublishedTotal, PublishDuration,
			HandlerInvocationsTotal, HandlerDuration, DispatchOutcomesTotal, RetryAttemptsTotal,
			DeadLettersTotal, ReadErrorsTotal, ClaimedEntriesTotal,
			StreamDepth, ConsumerLag,
			ConnectionsActive, RoomsActive, ConnectionsTotal, DisconnectsTotal,
			OutboundMessagesTotal, InboundMessagesTotal, SweepDuration,
			LeaderboardUpdatesTotal, AuthAttemptsTotal,
			CircuitBreakerState, CircuitBreakerRequests, CircuitBreakerFailures,
			RateLimitRequestsTotal,
			KafkaMessagesReadTotal, KafkaMessagesWrittenTotal, KafkaWriteDuration, KafkaDLQMessagesTotal,
		)
	})
}

func ObservePublish(eventType string, duration time.Duration) {
	PublishDuration.WithLabelValues(eventType).Observe(float64(duration.Milliseconds()))
}

func ObserveHandler(group string, duration time.Duration) {
	HandlerDuration.WithLabelValues(group).Observe(float64(duration.Milliseconds()))
}

func ObserveSweep(duration time.Duration) {
	SweepDuration.Observe(float64(duration.Milliseconds()))
}

func ObserveKafkaWriteDuration(service, topic string, duration time.Duration) {
	KafkaWriteDuration.WithLabelValues(service, topic).Observe(float64(duration.Milliseconds()))
}
