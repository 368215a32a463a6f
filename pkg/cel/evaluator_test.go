package cel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/events"
)

func trade(side string, qty, price float64) events.Envelope {
	return events.NewBuilder(events.TradeExecuted{
		TradeID:      "t-1",
		UserID:       "u-1",
		TournamentID: "weekly",
		Symbol:       "BTC-USD",
		Side:         side,
		Quantity:     qty,
		Price:        price,
	}).MustBuild()
}

func TestNewEvaluator(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)
	assert.NotNil(t, eval)
}

func TestValidateExpression(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	tests := []struct {
		name      string
		expr      string
		wantError bool
	}{
		{
			name: "valid simple expression",
			expr: `payload.side == "buy"`,
		},
		{
			name: "metadata variable",
			expr: `event_type.startsWith("trading.")`,
		},
		{
			name:      "invalid expression",
			expr:      `invalid syntax here!!!`,
			wantError: true,
		},
		{
			name:      "undefined variable",
			expr:      `source == "test"`,
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := eval.ValidateExpression(tt.expr)
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateFilterExpression(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	assert.NoError(t, eval.ValidateFilterExpression(`payload.price > 1.0`))
	assert.Error(t, eval.ValidateFilterExpression(`payload.price`))
	assert.Error(t, eval.ValidateFilterExpression(`event_id + "x"`))
}

func TestFilterExpressionExamplesCompile(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	for name, expr := range FilterExpressionExamples {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, eval.ValidateFilterExpression(expr))
		})
	}
}

func TestFilterMatch(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	large, err := eval.CompileFilter(FilterExpressionExamples["large_trade"])
	require.NoError(t, err)

	ctx := context.Background()
	ok, err := large.Match(ctx, trade("buy", 1, 42000))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = large.Match(ctx, trade("buy", 0.01, 42000))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = eval.EvaluateFilter(ctx, `domain == "trading" && payload.tournament_id == "weekly"`, trade("sell", 1, 1))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFilterMatchMissingField(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	f, err := eval.CompileFilter(`payload.nonexistent == "x"`)
	require.NoError(t, err)

	_, err = f.Match(context.Background(), trade("buy", 1, 1))
	assert.Error(t, err)
}
