package broker

import (
	"context"
	"errors"

	"pulse/internal/events"
	"pulse/internal/logger"
	"pulse/internal/stream"
	"pulse/pkg/retry"
)

// Publisher is the bus entry point remote producers are bridged into.
type Publisher interface {
	Publish(ctx context.Context, env events.Envelope) (stream.PublishResult, error)
}

// Ingress republishes envelopes read from an external topic onto the bus.
type Ingress struct {
	consumer Consumer
	bus      Publisher
	topic    string
	logger   logger.Logger
}

func NewIngress(consumer Consumer, bus Publisher, topic string, log logger.Logger) *Ingress {
	consumer.SetServiceName("ingress")
	return &Ingress{consumer: consumer, bus: bus, topic: topic, logger: log.Named("ingress")}
}

// Run blocks until ctx is done.
func (i *Ingress) Run(ctx context.Context) error {
	err := i.consumer.Consume(ctx, i.topic, i.handle)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (i *Ingress) handle(ctx context.Context, env events.Envelope) error {
	res, err := i.bus.Publish(ctx, env)
	if err != nil {
		var verr *events.SchemaValidationError
		if errors.As(err, &verr) {
			return retry.NewFatalError(err)
		}
		return err
	}
	if res.Deduplicated {
		i.logger.DebugwCtx(ctx, "ingress envelope deduplicated", "event_id", res.EventID)
	}
	return nil
}

func (i *Ingress) Close() error {
	return i.consumer.Close()
}
