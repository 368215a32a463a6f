package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Builder assembles an Envelope around a typed payload.
type Builder struct {
	env     Envelope
	payload Payload
}

func NewBuilder(payload Payload) *Builder {
	return &Builder{payload: payload}
}

func (b *Builder) WithEventID(id string) *Builder {
	b.env.EventID = id
	return b
}

func (b *Builder) WithIdempotencyKey(key string) *Builder {
	b.env.IdempotencyKey = key
	return b
}

func (b *Builder) WithCorrelationID(id string) *Builder {
	b.env.CorrelationID = id
	return b
}

func (b *Builder) WithOccurredAt(t time.Time) *Builder {
	b.env.OccurredAt = t
	return b
}

func (b *Builder) WithTraceID(traceID string) *Builder {
	b.env.TraceID = traceID
	return b
}

// CausedBy marks the envelope as a consequence of parent: the correlation id
// is carried forward and the causation id points at the parent event.
func (b *Builder) CausedBy(parent Envelope) *Builder {
	b.env.CorrelationID = parent.CorrelationID
	b.env.CausationID = parent.EventID
	if b.env.TraceID == "" {
		b.env.TraceID = parent.TraceID
	}
	return b
}

// Build serializes the payload and fills defaults. The event id stays empty
// unless set explicitly; the bus assigns it on publish.
func (b *Builder) Build() (Envelope, error) {
	if b.payload == nil {
		return Envelope{}, fmt.Errorf("envelope payload is required")
	}
	eventType := b.payload.EventType()
	domain, err := DomainOf(eventType)
	if err != nil {
		return Envelope{}, err
	}

	raw, err := json.Marshal(b.payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}

	env := b.env
	env.EventType = eventType
	env.Domain = domain
	env.Payload = raw
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now()
	}
	env.OccurredAt = env.OccurredAt.UTC()
	if env.CorrelationID == "" {
		env.CorrelationID = uuid.NewString()
	}
	if env.SchemaVersion == 0 {
		env.SchemaVersion = 1
	}
	return env, nil
}

// MustBuild is Build for fixtures and tests.
func (b *Builder) MustBuild() Envelope {
	env, err := b.Build()
	if err != nil {
		panic(err)
	}
	return env
}
