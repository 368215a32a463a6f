package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetLogFields(t *testing.T) {
	ctx := context.Background()
	ctx = WithEventID(ctx, "evt-1")
	ctx = WithCorrelationID(ctx, "corr-1")
	ctx = WithRoomID(ctx, "")

	assert.Equal(t, []interface{}{"correlation_id", "corr-1", "event_id", "evt-1"}, GetLogFields(ctx))
	assert.Empty(t, GetRoomID(ctx))
	assert.Empty(t, GetLogFields(context.Background()))
}
