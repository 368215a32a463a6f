package tracing

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"pulse/internal/config"
)

func TestTraceRequestSkipsHealthAndUpgrades(t *testing.T) {
	assert.True(t, traceRequest(httptest.NewRequest("POST", "/api/v1/events", nil)))
	assert.False(t, traceRequest(httptest.NewRequest("GET", "/health", nil)))
	assert.False(t, traceRequest(httptest.NewRequest("GET", "/metrics", nil)))

	upgrade := httptest.NewRequest("GET", "/ws/rooms/daily", nil)
	upgrade.Header.Set("Upgrade", "WebSocket")
	assert.False(t, traceRequest(upgrade))
}

func TestCreateSampler(t *testing.T) {
	assert.Equal(t, sdktrace.NeverSample().Description(), createSampler(config.SamplerConfig{Type: "never"}).Description())
	assert.Equal(t, sdktrace.TraceIDRatioBased(0.25).Description(), createSampler(config.SamplerConfig{Type: "ratio", Param: 0.25}).Description())
	assert.Equal(t, sdktrace.AlwaysSample().Description(), createSampler(config.SamplerConfig{}).Description())
}
