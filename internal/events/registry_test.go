package events

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "pulse/pkg/errors"
)

func trade() TradeExecuted {
	return TradeExecuted{
		TradeID:      "t-1",
		UserID:       "u-1",
		TournamentID: "daily:2024-01-15",
		Symbol:       "BTC-USD",
		Side:         "buy",
		Quantity:     0.5,
		Price:        42000,
	}
}

func TestRegistryDecodeTyped(t *testing.T) {
	r := DefaultRegistry()
	env := NewBuilder(trade()).MustBuild()

	payload, err := r.Decode(env)
	require.NoError(t, err)

	got, ok := payload.(*TradeExecuted)
	require.True(t, ok)
	assert.Equal(t, "BTC-USD", got.Symbol)
	assert.Equal(t, "daily:2024-01-15", got.RoomID())
}

func TestRegistryValidateRejects(t *testing.T) {
	r := DefaultRegistry()
	valid := NewBuilder(trade()).MustBuild()

	tests := []struct {
		name   string
		mutate func(*Envelope)
		field  string
	}{
		{name: "unregistered type", mutate: func(e *Envelope) { e.EventType = "trading.unknown" }, field: "event_type"},
		{name: "unknown domain", mutate: func(e *Envelope) { e.EventType = "weather.rain"; e.Domain = "weather" }, field: "event_type"},
		{name: "domain mismatch", mutate: func(e *Envelope) { e.Domain = DomainSocial }, field: "domain"},
		{name: "missing correlation", mutate: func(e *Envelope) { e.CorrelationID = "" }, field: "correlation_id"},
		{name: "unknown payload field", mutate: func(e *Envelope) {
			e.Payload = json.RawMessage(`{"trade_id":"t","user_id":"u","symbol":"X","side":"buy","quantity":1,"price":1,"leverage":10}`)
		}, field: "payload"},
		{name: "invalid payload value", mutate: func(e *Envelope) {
			e.Payload = json.RawMessage(`{"trade_id":"t","user_id":"u","symbol":"X","side":"hold","quantity":1,"price":1}`)
		}, field: "payload.side"},
		{name: "schema version", mutate: func(e *Envelope) { e.SchemaVersion = 7 }, field: "schema_version"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := valid
			tt.mutate(&env)

			err := r.Validate(env)
			require.Error(t, err)

			var sErr *SchemaValidationError
			require.True(t, errors.As(err, &sErr))
			assert.Equal(t, tt.field, sErr.Field)
			assert.True(t, errors.Is(err, apperrors.ErrSchemaValidation))
		})
	}
}

func TestRegistryRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(1, func() Payload { return &NFTMinted{} }))
	require.Error(t, r.Register(1, func() Payload { return &NFTMinted{} }))
	assert.Equal(t, []string{TypeNFTMinted}, r.Types())
	assert.Equal(t, 1, r.Version(TypeNFTMinted))
}

func TestRegistryExpand(t *testing.T) {
	r := DefaultRegistry()

	types, err := r.Expand("gamification.*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{TypeXPAwarded, TypeAchievementUnlocked, TypeLeaderboardUpdated, TypeLevelUp}, types)

	types, err = r.Expand(TypeNFTSold)
	require.NoError(t, err)
	assert.Equal(t, []string{TypeNFTSold}, types)

	all, err := r.Expand("*")
	require.NoError(t, err)
	assert.Len(t, all, 14)

	_, err = r.Expand("trading.nope")
	assert.Error(t, err)
	_, err = r.Expand("casino.*")
	assert.Error(t, err)

	empty := NewRegistry()
	_, err = empty.Expand("nft.*")
	assert.Error(t, err)
}

func TestPatternMatch(t *testing.T) {
	tests := []struct {
		pattern   string
		eventType string
		want      bool
	}{
		{"*", TypeFeeCharged, true},
		{"trading.*", TypeTradeExecuted, true},
		{"trading.*", TypeXPAwarded, false},
		{TypeLevelUp, TypeLevelUp, true},
		{TypeLevelUp, TypeXPAwarded, false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.eventType, func(t *testing.T) {
			assert.Equal(t, tt.want, MustPattern(tt.pattern).Match(tt.eventType))
		})
	}

	for _, bad := range []string{"trad*", "trading.*.x", "*.trade_executed", "plain"} {
		_, err := ParsePattern(bad)
		assert.Error(t, err, bad)
	}
}
