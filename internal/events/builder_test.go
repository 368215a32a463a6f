package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderDefaults(t *testing.T) {
	local := time.Date(2024, 1, 15, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	env, err := NewBuilder(XPAwarded{UserID: "u-1", Amount: 50, Reason: "trade"}).
		WithOccurredAt(local).
		WithIdempotencyKey("xp:t-1").
		Build()
	require.NoError(t, err)

	assert.Equal(t, TypeXPAwarded, env.EventType)
	assert.Equal(t, DomainGamification, env.Domain)
	assert.Equal(t, time.UTC, env.OccurredAt.Location())
	assert.True(t, env.OccurredAt.Equal(local))
	assert.NotEmpty(t, env.CorrelationID)
	assert.Empty(t, env.EventID)
	assert.Empty(t, env.CausationID)
	assert.Equal(t, 1, env.SchemaVersion)
	assert.Equal(t, "xp:t-1", env.IdempotencyKey)
}

func TestBuilderCausedByCarriesCorrelation(t *testing.T) {
	parent := NewBuilder(trade()).WithEventID("evt-parent").WithTraceID("trace-1").MustBuild()
	child := NewBuilder(XPAwarded{UserID: "u-1", Amount: 10, Reason: "trade"}).CausedBy(parent).MustBuild()

	assert.Equal(t, parent.CorrelationID, child.CorrelationID)
	assert.Equal(t, "evt-parent", child.CausationID)
	assert.Equal(t, "trace-1", child.TraceID)
}

func TestEnvelopeRoundTripThroughWire(t *testing.T) {
	env := NewBuilder(trade()).WithEventID("evt-1").MustBuild()
	raw, err := env.Marshal()
	require.NoError(t, err)

	back, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, env.EventID, back.EventID)
	assert.True(t, env.OccurredAt.Equal(back.OccurredAt))
	require.NoError(t, DefaultRegistry().Validate(back))

	m, err := back.PayloadMap()
	require.NoError(t, err)
	assert.Equal(t, "BTC-USD", m["symbol"])
}
