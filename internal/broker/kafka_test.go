package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/config"
	"pulse/internal/events"
	"pulse/internal/logger"
	"pulse/internal/stream"
	"pulse/pkg/retry"
)

type fakeReader struct {
	messages chan kafka.Message

	mu        sync.Mutex
	committed []kafka.Message
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{messages: make(chan kafka.Message, len(msgs))}
	for _, m := range msgs {
		r.messages <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.messages:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	r.committed = append(r.committed, msgs...)
	r.mu.Unlock()
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	// failures is the number of writes to reject before accepting
	failures int
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return errors.New("leader not available")
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.messages...)
}

func header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func testConsumer(reader *fakeReader, dlq *fakeWriter) *KafkaConsumer {
	cfg := config.KafkaConfig{
		Brokers:  []string{"localhost:9092"},
		GroupID:  "test",
		DLQTopic: "pulse.dead-letters",
		Retry:    config.RetryConfig{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1},
	}
	c := NewKafkaConsumer(cfg, logger.NopLogger())
	c.newReader = func(string) messageReader { return reader }
	c.dlqProducer.writer = dlq
	c.holdBackoff = time.Millisecond
	return c
}

func envelopeMessage(t *testing.T) (events.Envelope, kafka.Message) {
	t.Helper()
	env := events.NewBuilder(events.NFTMinted{TokenID: "tok-1", OwnerID: "user-1", Collection: "genesis"}).MustBuild()
	body, err := env.Marshal()
	require.NoError(t, err)
	return env, kafka.Message{Topic: "pulse.events", Key: []byte(env.EventID), Value: body}
}

func runConsumer(t *testing.T, c *KafkaConsumer, handler HandlerFunc) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Consume(ctx, "pulse.events", handler)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = c.Close()
	})
	return cancel
}

func TestConsumerCommitsHandledMessages(t *testing.T) {
	env, msg := envelopeMessage(t)
	reader, dlq := newFakeReader(msg), &fakeWriter{}
	c := testConsumer(reader, dlq)

	var got atomic.Value
	runConsumer(t, c, func(ctx context.Context, e events.Envelope) error {
		got.Store(e.EventID)
		return nil
	})

	assert.Eventually(t, func() bool { return reader.commits() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, env.EventID, got.Load())
	assert.Empty(t, dlq.written())
}

func TestConsumerDeadLettersAfterRetries(t *testing.T) {
	_, msg := envelopeMessage(t)
	reader, dlq := newFakeReader(msg), &fakeWriter{}
	c := testConsumer(reader, dlq)

	var calls atomic.Int32
	runConsumer(t, c, func(ctx context.Context, e events.Envelope) error {
		calls.Add(1)
		return errors.New("bus unavailable")
	})

	assert.Eventually(t, func() bool { return reader.commits() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())

	written := dlq.written()
	require.Len(t, written, 1)
	assert.Equal(t, "pulse.dead-letters", written[0].Topic)
	assert.Equal(t, msg.Value, written[0].Value)
	assert.Contains(t, header(written[0], HeaderDLQReason), "bus unavailable")
	assert.Equal(t, "pulse.events", header(written[0], HeaderDLQSourceTopic))
}

func TestConsumerDeadLettersFatalErrorsImmediately(t *testing.T) {
	_, msg := envelopeMessage(t)
	reader, dlq := newFakeReader(msg), &fakeWriter{}
	c := testConsumer(reader, dlq)

	var calls atomic.Int32
	runConsumer(t, c, func(ctx context.Context, e events.Envelope) error {
		calls.Add(1)
		return retry.NewFatalError(errors.New("rejected"))
	})

	assert.Eventually(t, func() bool { return len(dlq.written()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestConsumerDeadLettersUndecodableMessages(t *testing.T) {
	reader, dlq := newFakeReader(kafka.Message{Topic: "pulse.events", Value: []byte("not json")}), &fakeWriter{}
	c := testConsumer(reader, dlq)

	runConsumer(t, c, func(ctx context.Context, e events.Envelope) error {
		t.Error("handler must not run for undecodable messages")
		return nil
	})

	assert.Eventually(t, func() bool { return reader.commits() == 1 }, time.Second, 5*time.Millisecond)
	written := dlq.written()
	require.Len(t, written, 1)
	assert.Contains(t, header(written[0], HeaderDLQReason), "undecodable")
}

func TestConsumerHoldsMessageWhenDLQWriteFails(t *testing.T) {
	_, msg := envelopeMessage(t)
	reader, dlq := newFakeReader(msg), &fakeWriter{failures: 2}
	c := testConsumer(reader, dlq)

	var calls atomic.Int32
	runConsumer(t, c, func(ctx context.Context, e events.Envelope) error {
		calls.Add(1)
		return errors.New("bus unavailable")
	})

	assert.Eventually(t, func() bool { return len(dlq.written()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return reader.commits() == 1 }, time.Second, 5*time.Millisecond)
	// two attempts per pass, three passes until the DLQ accepted the message
	assert.Equal(t, int32(6), calls.Load())
}

func TestConsumerWithoutDLQHoldsFailedMessageUntilHandled(t *testing.T) {
	_, msg := envelopeMessage(t)
	reader := newFakeReader(msg)
	c := NewKafkaConsumer(config.KafkaConfig{
		Brokers: []string{"localhost:9092"},
		GroupID: "test",
		Retry:   config.RetryConfig{MaxAttempts: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1},
	}, logger.NopLogger())
	c.newReader = func(string) messageReader { return reader }
	c.holdBackoff = time.Millisecond

	var calls atomic.Int32
	runConsumer(t, c, func(ctx context.Context, e events.Envelope) error {
		if calls.Add(1) < 4 {
			return errors.New("bus unavailable")
		}
		return nil
	})

	assert.Eventually(t, func() bool { return reader.commits() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(4), calls.Load())
}

func TestProducerPublishesJSONWithKey(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaProducer{writer: w, logger: logger.NopLogger(), serviceName: "test"}

	env, _ := envelopeMessage(t)
	require.NoError(t, p.Publish(context.Background(), "pulse.events", env.EventID, env))

	written := w.written()
	require.Len(t, written, 1)
	assert.Equal(t, env.EventID, string(written[0].Key))
	decoded, err := events.Parse(written[0].Value)
	require.NoError(t, err)
	assert.Equal(t, env.EventID, decoded.EventID)
}

type recordingProducer struct {
	topic, key string
	value      []byte
	err        error
}

func (p *recordingProducer) Publish(ctx context.Context, topic, key string, value interface{}) error {
	if p.err != nil {
		return p.err
	}
	p.topic, p.key = topic, key
	p.value, _ = json.Marshal(value)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

func TestDeadLetterMirror(t *testing.T) {
	p := &recordingProducer{}
	mirror := NewDeadLetterMirror(p, "pulse.dead-letters", logger.NopLogger())

	dl := stream.DeadLetter{ID: "1-0", Stream: events.TypeNFTMinted, Group: "core", Reason: stream.ReasonHandlerFailed}
	require.NoError(t, mirror.PublishDeadLetter(context.Background(), dl))
	assert.Equal(t, "pulse.dead-letters", p.topic)
	assert.Equal(t, events.TypeNFTMinted, p.key)

	var back stream.DeadLetter
	require.NoError(t, json.Unmarshal(p.value, &back))
	assert.Equal(t, "core", back.Group)

	p.err = errors.New("kafka down")
	assert.Error(t, mirror.PublishDeadLetter(context.Background(), dl))
}
