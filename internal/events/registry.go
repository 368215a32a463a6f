package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	apperrors "pulse/pkg/errors"
)

// SchemaValidationError is returned when an envelope does not match the schema
// registered for its event type. It is never retried.
type SchemaValidationError struct {
	EventType string
	Field     string
	Reason    string
}

func (e *SchemaValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("schema validation failed for %q: %s", e.EventType, e.Reason)
	}
	return fmt.Sprintf("schema validation failed for %q: %s %s", e.EventType, e.Field, e.Reason)
}

func (e *SchemaValidationError) Unwrap() error { return apperrors.ErrSchemaValidation }
func (e *SchemaValidationError) IsFatal() bool { return true }

// Factory returns a pointer to a zero payload value to decode into.
type Factory func() Payload

type schema struct {
	version int
	factory Factory
}

// Registry maps event types to their payload schemas. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]schema
}

func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]schema)}
}

// DefaultRegistry returns a registry with every built-in event type.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, f := range []Factory{
		func() Payload { return &TradeExecuted{} },
		func() Payload { return &PositionClosed{} },
		func() Payload { return &XPAwarded{} },
		func() Payload { return &AchievementUnlocked{} },
		func() Payload { return &LeaderboardUpdated{} },
		func() Payload { return &LevelUp{} },
		func() Payload { return &UserFollowed{} },
		func() Payload { return &CommentPosted{} },
		func() Payload { return &PaymentCompleted{} },
		func() Payload { return &FeeCharged{} },
		func() Payload { return &NFTMinted{} },
		func() Payload { return &NFTSold{} },
		func() Payload { return &UserRegistered{} },
		func() Payload { return &ProfileUpdated{} },
	} {
		if err := r.Register(1, f); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds the schema produced by factory. The event type is taken from
// the payload itself.
func (r *Registry) Register(version int, factory Factory) error {
	if factory == nil {
		return errors.New("nil payload factory")
	}
	eventType := factory().EventType()
	if _, err := DomainOf(eventType); err != nil {
		return err
	}
	if version < 1 {
		return fmt.Errorf("schema version for %s must be >= 1", eventType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.schemas[eventType]; exists {
		return fmt.Errorf("event type %s already registered", eventType)
	}
	r.schemas[eventType] = schema{version: version, factory: factory}
	return nil
}

func (r *Registry) lookup(eventType string) (schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[eventType]
	return s, ok
}

func (r *Registry) Known(eventType string) bool {
	_, ok := r.lookup(eventType)
	return ok
}

// Version returns the registered schema version for eventType, or 0.
func (r *Registry) Version(eventType string) int {
	s, _ := r.lookup(eventType)
	return s.version
}

// Types returns all registered event types in lexical order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Validate checks envelope metadata and decodes the payload against its
// schema. Any failure is a *SchemaValidationError.
func (r *Registry) Validate(env Envelope) error {
	_, err := r.Decode(env)
	return err
}

// Decode validates env and returns its typed payload.
func (r *Registry) Decode(env Envelope) (Payload, error) {
	if verr := env.checkMetadata(); verr != nil {
		return nil, verr
	}

	s, ok := r.lookup(env.EventType)
	if !ok {
		return nil, &SchemaValidationError{EventType: env.EventType, Field: "event_type", Reason: "is not registered"}
	}
	if env.SchemaVersion != 0 && env.SchemaVersion != s.version {
		return nil, &SchemaValidationError{
			EventType: env.EventType,
			Field:     "schema_version",
			Reason:    fmt.Sprintf("must be %d, got %d", s.version, env.SchemaVersion),
		}
	}

	payload := s.factory()
	dec := json.NewDecoder(bytes.NewReader(env.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(payload); err != nil {
		return nil, &SchemaValidationError{EventType: env.EventType, Field: "payload", Reason: err.Error()}
	}

	if err := payload.Validate(); err != nil {
		var fe *FieldError
		if errors.As(err, &fe) {
			return nil, &SchemaValidationError{EventType: env.EventType, Field: "payload." + fe.Field, Reason: fe.Message}
		}
		return nil, &SchemaValidationError{EventType: env.EventType, Field: "payload", Reason: err.Error()}
	}
	return payload, nil
}

// Expand resolves a subscription pattern into the concrete registered event
// types it covers. Unknown exact types, unknown domains and patterns that
// match nothing are rejected.
func (r *Registry) Expand(pattern string) ([]string, error) {
	p, err := ParsePattern(pattern)
	if err != nil {
		return nil, err
	}
	if p.kind == patternExact && !r.Known(p.raw) {
		return nil, fmt.Errorf("event type %q is not registered", p.raw)
	}

	var out []string
	for _, t := range r.Types() {
		if p.Match(t) {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("pattern %q matches no registered event types", pattern)
	}
	return out, nil
}
