package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestTraceParentRoundTrip(t *testing.T) {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	parent := TraceParent(ctx)
	assert.NotEmpty(t, parent)

	restored := WithTraceParent(context.Background(), parent)
	assert.Equal(t, TraceID(ctx), TraceID(restored))
}

func TestTraceParentWithoutSpan(t *testing.T) {
	assert.Empty(t, TraceParent(context.Background()))
	assert.Empty(t, TraceID(WithTraceParent(context.Background(), "garbage")))
}
