package dispatch

import (
	"context"

	"pulse/internal/events"
	"pulse/internal/stream"
	apperrors "pulse/pkg/errors"
)

// Publisher is the publishing half of the bus.
type Publisher interface {
	Publish(ctx context.Context, env events.Envelope) (stream.PublishResult, error)
}

// Emitter publishes follow-up envelopes from inside handlers, carrying the
// correlation id forward and pointing causation at the triggering event.
type Emitter struct {
	pub Publisher
}

func NewEmitter(pub Publisher) *Emitter {
	return &Emitter{pub: pub}
}

// Emit publishes payload as reaction's consequence of parent. The idempotency
// key is derived from the parent event, the reaction and the payload type, so
// a redelivered parent does not produce a second follow-up while two reactions
// to the same parent still both publish.
func (e *Emitter) Emit(ctx context.Context, parent events.Envelope, reaction string, payload events.Payload) (stream.PublishResult, error) {
	if reaction == "" {
		return stream.PublishResult{}, apperrors.ErrValidation.WithMessage("reaction name is required")
	}
	env, err := events.NewBuilder(payload).
		CausedBy(parent).
		WithIdempotencyKey(parent.EventID + ":" + reaction + ":" + payload.EventType()).
		Build()
	if err != nil {
		return stream.PublishResult{}, err
	}
	return e.pub.Publish(ctx, env)
}
