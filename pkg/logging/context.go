package logging

import (
	"context"
)

type ctxKey string

const (
	TraceIDKey       = "trace_id"
	EventIDKey       = "event_id"
	CorrelationIDKey = "correlation_id"
	ConnectionIDKey  = "connection_id"
	RoomIDKey        = "room_id"
	ServiceNameKey   = "service_name"
)

// fieldOrder fixes the order in which context values are emitted as log fields.
var fieldOrder = []string{TraceIDKey, CorrelationIDKey, EventIDKey, RoomIDKey, ConnectionIDKey, ServiceNameKey}

func with(ctx context.Context, key, value string) context.Context {
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey(key), value)
}

func get(ctx context.Context, key string) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxKey(key)).(string); ok {
		return v
	}
	return ""
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return with(ctx, TraceIDKey, traceID)
}

func WithEventID(ctx context.Context, eventID string) context.Context {
	return with(ctx, EventIDKey, eventID)
}

func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return with(ctx, CorrelationIDKey, correlationID)
}

func WithConnectionID(ctx context.Context, connectionID string) context.Context {
	return with(ctx, ConnectionIDKey, connectionID)
}

func WithRoomID(ctx context.Context, roomID string) context.Context {
	return with(ctx, RoomIDKey, roomID)
}

func WithServiceName(ctx context.Context, serviceName string) context.Context {
	return with(ctx, ServiceNameKey, serviceName)
}

func GetTraceID(ctx context.Context) string       { return get(ctx, TraceIDKey) }
func GetEventID(ctx context.Context) string       { return get(ctx, EventIDKey) }
func GetCorrelationID(ctx context.Context) string { return get(ctx, CorrelationIDKey) }
func GetConnectionID(ctx context.Context) string  { return get(ctx, ConnectionIDKey) }
func GetRoomID(ctx context.Context) string        { return get(ctx, RoomIDKey) }
func GetServiceName(ctx context.Context) string   { return get(ctx, ServiceNameKey) }

// GetLogFields returns the known context values as alternating key/value
// pairs suitable for zap's sugared *w methods.
func GetLogFields(ctx context.Context) []interface{} {
	fields := make([]interface{}, 0, len(fieldOrder)*2)
	for _, key := range fieldOrder {
		if v := get(ctx, key); v != "" {
			fields = append(fields, key, v)
		}
	}
	return fields
}
