package broker

import (
	"context"

	"pulse/internal/events"
)

// Producer writes JSON values to a topic, keyed for partitioning.
type Producer interface {
	Publish(ctx context.Context, topic, key string, value interface{}) error
	Close() error
}

// Consumer feeds envelopes read from a topic to handler until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, topic string, handler HandlerFunc) error
	Close() error
	SetServiceName(name string)
}

type HandlerFunc func(ctx context.Context, env events.Envelope) error
