package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"pulse/internal/config"
	"pulse/internal/constants"
	"pulse/internal/events"
	"pulse/internal/logger"
	"pulse/pkg/errors"
	"pulse/pkg/logging"
	"pulse/pkg/metrics"
	"pulse/pkg/retry"
	"pulse/pkg/tracing"
)

// Headers added to messages written to the dead-letter topic.
const (
	HeaderDLQReason      = "dlq_reason"
	HeaderDLQSourceTopic = "dlq_source_topic"
	HeaderDLQTimestamp   = "dlq_timestamp"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer      messageWriter
	logger      logger.Logger
	serviceName string
}

func NewKafkaProducer(cfg config.KafkaConfig, log logger.Logger) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           constants.KafkaBatchTimeout,
		WriteTimeout:           constants.KafkaWriteTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		Async:                  false,
	}
	return &KafkaProducer{writer: w, logger: log, serviceName: "pulse"}
}

func (p *KafkaProducer) Publish(ctx context.Context, topic, key string, value interface{}) error {
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return p.write(ctx, kafka.Message{Topic: topic, Key: []byte(key), Value: body})
}

func (p *KafkaProducer) write(ctx context.Context, msg kafka.Message) error {
	msg.Headers = tracing.InjectTraceContext(ctx, msg.Headers)
	msg.Time = time.Now()

	start := time.Now()
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}
	metrics.ObserveKafkaWriteDuration(p.serviceName, msg.Topic, time.Since(start))
	metrics.KafkaMessagesWrittenTotal.WithLabelValues(p.serviceName, msg.Topic).Inc()
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConsumer struct {
	cfg         config.KafkaConfig
	wg          sync.WaitGroup
	reader      messageReader
	newReader   func(topic string) messageReader
	logger      logger.Logger
	dlqProducer *KafkaProducer
	serviceName string
	// holdBackoff spaces the attempts on a message that could neither be
	// handled nor dead-lettered.
	holdBackoff time.Duration
}

func NewKafkaConsumer(cfg config.KafkaConfig, log logger.Logger) *KafkaConsumer {
	consumer := &KafkaConsumer{
		cfg:         cfg,
		logger:      log,
		serviceName: "unknown",
		holdBackoff: constants.KafkaFetchBackoff,
	}
	consumer.newReader = func(topic string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  cfg.GroupID,
			Topic:    topic,
			MinBytes: 10e3,
			MaxBytes: 10e6,
		})
	}

	if cfg.DLQTopic != "" {
		consumer.dlqProducer = NewKafkaProducer(cfg, log)
	}

	return consumer
}

func (c *KafkaConsumer) SetServiceName(name string) {
	c.serviceName = name
	if c.dlqProducer != nil {
		c.dlqProducer.serviceName = name
	}
}

// Consume blocks until ctx is done. Messages whose handler keeps failing are
// copied to the dead-letter topic, then committed. A message that cannot be
// dead-lettered stays uncommitted and holds the partition until it is handled
// or stored in the dead-letter topic.
func (c *KafkaConsumer) Consume(ctx context.Context, topic string, handler HandlerFunc) error {
	c.logger.InfowCtx(ctx, "Creating Kafka reader",
		"topic", topic,
		"brokers", c.cfg.Brokers,
		"group_id", c.cfg.GroupID,
		"service_name", c.serviceName,
	)
	c.reader = c.newReader(topic)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		consumeCtx := logging.WithServiceName(ctx, c.serviceName)
		c.logger.InfowCtx(consumeCtx, "Started consuming", "topic", topic)

		for {
			m, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					c.logger.InfowCtx(consumeCtx, "Stopped consuming", "topic", topic, "reason", "context canceled")
					return
				}
				c.logger.ErrorwCtx(consumeCtx, "Error fetching kafka message", "error", err, "topic", topic)
				select {
				case <-ctx.Done():
					return
				case <-time.After(constants.KafkaFetchBackoff):
				}
				continue
			}
			metrics.KafkaMessagesReadTotal.WithLabelValues(c.serviceName, topic).Inc()
			c.handleUntilSettled(ctx, consumeCtx, topic, m, handler)
		}
	}()

	<-ctx.Done()
	return ctx.Err()
}

func (c *KafkaConsumer) handleUntilSettled(ctx, consumeCtx context.Context, topic string, m kafka.Message, handler HandlerFunc) {
	for {
		err := c.handleMessage(consumeCtx, topic, m, handler)
		if err == nil || ctx.Err() != nil {
			return
		}
		c.logger.ErrorwCtx(consumeCtx, "Message held uncommitted",
			"error", err,
			"topic", topic,
			"partition", m.Partition,
			"offset", m.Offset,
			"retry_in", c.holdBackoff,
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.holdBackoff):
		}
	}
}

// handleMessage commits m once it was handled or dead-lettered. It returns an
// error, and leaves m uncommitted, when neither happened.
func (c *KafkaConsumer) handleMessage(ctx context.Context, topic string, m kafka.Message, handler HandlerFunc) error {
	env, err := events.Parse(m.Value)
	if err != nil {
		c.logger.ErrorwCtx(ctx, "Failed to unmarshal message", "error", err, "topic", topic)
		if !c.hasDLQ() {
			// Redelivery cannot make it decodable.
			c.logger.ErrorwCtx(ctx, "No DLQ configured, discarding undecodable message",
				"topic", topic, "partition", m.Partition, "offset", m.Offset)
			c.commit(ctx, m, topic)
			return nil
		}
		if err := c.sendToDLQ(ctx, m, "undecodable: "+err.Error(), topic); err != nil {
			return err
		}
		c.commit(ctx, m, topic)
		return nil
	}

	msgCtx, span := tracing.StartSpanFromKafkaMessage(ctx, "kafka.consume", m.Headers)
	defer span.End()
	if env.TraceID != "" {
		msgCtx = tracing.WithTraceParent(msgCtx, env.TraceID)
	}
	if traceID := tracing.TraceID(msgCtx); traceID != "" {
		msgCtx = logging.WithTraceID(msgCtx, traceID)
	}
	msgCtx = logging.WithEventID(msgCtx, env.EventID)
	msgCtx = logging.WithCorrelationID(msgCtx, env.CorrelationID)

	if err := c.processMessageWithRetry(msgCtx, env, handler, topic); err != nil {
		if ctx.Err() != nil {
			// Left uncommitted; the group redelivers it after a restart.
			return err
		}
		c.logger.ErrorwCtx(msgCtx, "Failed to process message after retries", "error", err, "topic", topic)
		if !c.hasDLQ() {
			return fmt.Errorf("no DLQ configured for failed message: %w", err)
		}
		if dlqErr := c.sendToDLQ(msgCtx, m, err.Error(), topic); dlqErr != nil {
			return dlqErr
		}
	}
	c.commit(msgCtx, m, topic)
	return nil
}

func (c *KafkaConsumer) commit(ctx context.Context, m kafka.Message, topic string) {
	if err := c.reader.CommitMessages(context.WithoutCancel(ctx), m); err != nil {
		c.logger.ErrorwCtx(ctx, "Failed to commit message", "error", err, "topic", topic)
	}
}

func (c *KafkaConsumer) hasDLQ() bool {
	return c.dlqProducer != nil && c.cfg.DLQTopic != ""
}

func (c *KafkaConsumer) Close() error {
	var err error
	c.wg.Wait()
	if c.reader != nil {
		err = c.reader.Close()
	}
	if c.dlqProducer != nil {
		if closeErr := c.dlqProducer.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}

func (c *KafkaConsumer) retryPolicy() retry.Policy {
	policy := retry.Policy{
		MaxAttempts:     3,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
	}
	if c.cfg.Retry.MaxAttempts > 0 {
		policy.MaxAttempts = c.cfg.Retry.MaxAttempts
	}
	if c.cfg.Retry.InitialInterval > 0 {
		policy.InitialInterval = c.cfg.Retry.InitialInterval
	}
	if c.cfg.Retry.MaxInterval > 0 {
		policy.MaxInterval = c.cfg.Retry.MaxInterval
	}
	if c.cfg.Retry.Multiplier > 0 {
		policy.Multiplier = c.cfg.Retry.Multiplier
	}
	if c.cfg.Retry.MaxElapsedTime > 0 {
		policy.MaxElapsedTime = c.cfg.Retry.MaxElapsedTime
	}
	return policy
}

func (c *KafkaConsumer) processMessageWithRetry(ctx context.Context, env events.Envelope, handler HandlerFunc, topic string) error {
	policy := c.retryPolicy()
	return retry.RetryWithCallback(ctx, policy, func() error {
		return errors.Guard(func() error { return handler(ctx, env) })
	}, func(attempt int, err error, nextDelay time.Duration) {
		metrics.RetryAttemptsTotal.WithLabelValues(c.serviceName, topic).Inc()
		c.logger.WarnwCtx(ctx, "Retrying message processing",
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"next_delay", nextDelay,
			"error", err,
			"topic", topic,
		)
	})
}

func (c *KafkaConsumer) sendToDLQ(ctx context.Context, m kafka.Message, reason, sourceTopic string) error {
	headers := append([]kafka.Header{}, m.Headers...)
	headers = append(headers,
		kafka.Header{Key: HeaderDLQReason, Value: []byte(reason)},
		kafka.Header{Key: HeaderDLQSourceTopic, Value: []byte(sourceTopic)},
		kafka.Header{Key: HeaderDLQTimestamp, Value: []byte(time.Now().UTC().Format(time.RFC3339Nano))},
	)

	dlqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), constants.KafkaWriteTimeout)
	defer cancel()
	err := c.dlqProducer.write(dlqCtx, kafka.Message{
		Topic:   c.cfg.DLQTopic,
		Key:     m.Key,
		Value:   m.Value,
		Headers: headers,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}

	metrics.KafkaDLQMessagesTotal.WithLabelValues(c.serviceName, sourceTopic, "max_retries_exceeded").Inc()
	c.logger.InfowCtx(ctx, "Message sent to DLQ",
		"source_topic", sourceTopic,
		"dlq_topic", c.cfg.DLQTopic,
		"reason", reason,
	)
	return nil
}
