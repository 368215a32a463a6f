package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the unit of transport on the bus. Payload holds the JSON of the
// typed payload registered for EventType.
type Envelope struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	Domain         Domain          `json:"domain"`
	OccurredAt     time.Time       `json:"occurred_at"`
	CorrelationID  string          `json:"correlation_id"`
	CausationID    string          `json:"causation_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	SchemaVersion  int             `json:"schema_version"`
	TraceID        string          `json:"trace_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Parse decodes an envelope from its wire form.
func Parse(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// PayloadMap returns the payload as a generic map, for rule evaluation.
func (e Envelope) PayloadMap() (map[string]interface{}, error) {
	out := make(map[string]interface{})
	if len(e.Payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(e.Payload, &out); err != nil {
		return nil, fmt.Errorf("payload of %s is not an object: %w", e.EventType, err)
	}
	return out, nil
}

// checkMetadata validates the envelope fields that do not depend on the payload
// schema.
func (e Envelope) checkMetadata() *SchemaValidationError {
	if e.EventType == "" {
		return &SchemaValidationError{Field: "event_type", Reason: "is required"}
	}
	domain, err := DomainOf(e.EventType)
	if err != nil {
		return &SchemaValidationError{EventType: e.EventType, Field: "event_type", Reason: err.Error()}
	}
	if e.Domain != domain {
		return &SchemaValidationError{
			EventType: e.EventType,
			Field:     "domain",
			Reason:    fmt.Sprintf("must be %q for this event type, got %q", domain, e.Domain),
		}
	}
	if e.OccurredAt.IsZero() {
		return &SchemaValidationError{EventType: e.EventType, Field: "occurred_at", Reason: "is required"}
	}
	if e.CorrelationID == "" {
		return &SchemaValidationError{EventType: e.EventType, Field: "correlation_id", Reason: "is required"}
	}
	if len(e.Payload) == 0 {
		return &SchemaValidationError{EventType: e.EventType, Field: "payload", Reason: "is required"}
	}
	return nil
}
