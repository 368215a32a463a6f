package broker

import (
	"context"

	"pulse/internal/logger"
	"pulse/internal/stream"
	"pulse/pkg/metrics"
)

// DeadLetterMirror copies bus dead letters to a Kafka topic so operators can
// consume them outside Redis.
type DeadLetterMirror struct {
	producer Producer
	topic    string
	logger   logger.Logger
}

func NewDeadLetterMirror(producer Producer, topic string, log logger.Logger) *DeadLetterMirror {
	return &DeadLetterMirror{producer: producer, topic: topic, logger: log.Named("dlq-mirror")}
}

func (m *DeadLetterMirror) PublishDeadLetter(ctx context.Context, dl stream.DeadLetter) error {
	if err := m.producer.Publish(ctx, m.topic, dl.Stream, dl); err != nil {
		m.logger.WarnwCtx(ctx, "dead letter not mirrored", "stream", dl.Stream, "dead_letter_id", dl.ID, "error", err)
		return err
	}
	metrics.KafkaDLQMessagesTotal.WithLabelValues("bus", dl.Stream, dl.Reason).Inc()
	return nil
}

func (m *DeadLetterMirror) Close() error {
	return m.producer.Close()
}
