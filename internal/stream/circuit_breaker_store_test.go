package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/config"
	apperrors "pulse/pkg/errors"
)

func TestCircuitBreakerStoreDisabledReturnsInner(t *testing.T) {
	inner := NewMemoryStore()
	store := NewCircuitBreakerStore(inner, config.CircuitBreakerConfig{Enabled: false})
	assert.Same(t, inner, store)
}

func TestCircuitBreakerStoreOpensOnRedisFailures(t *testing.T) {
	redisStore, mr := newRedisStore(t)
	store := NewCircuitBreakerStore(redisStore, config.CircuitBreakerConfig{
		Enabled:      true,
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		FailureRatio: 0.5,
		MinRequests:  2,
	})
	cb, ok := store.(*CircuitBreakerStore)
	require.True(t, ok)
	ctx := context.Background()

	_, err := store.Length(ctx, "trading.trade_executed")
	require.NoError(t, err)
	assert.False(t, cb.IsOpen())

	mr.Close()
	for i := 0; i < 3; i++ {
		_, _ = store.Length(ctx, "trading.trade_executed")
	}
	assert.True(t, cb.IsOpen())
	assert.Equal(t, "open", cb.State())

	_, err = store.Length(ctx, "trading.trade_executed")
	require.Error(t, err)
	assert.True(t, apperrors.IsTransientStore(err))
}
