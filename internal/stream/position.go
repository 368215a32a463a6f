package stream

import "context"

// Position locates an entry within its stream.
type Position struct {
	Stream   string
	Sequence int64
}

type positionKey struct{}

// WithPosition attaches the position of the entry being handled to ctx.
func WithPosition(ctx context.Context, p Position) context.Context {
	return context.WithValue(ctx, positionKey{}, p)
}

// PositionFromContext returns the position of the entry a handler was called
// for. ok is false outside of a consumer loop.
func PositionFromContext(ctx context.Context) (Position, bool) {
	p, ok := ctx.Value(positionKey{}).(Position)
	return p, ok
}
