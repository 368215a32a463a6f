//go:build integration

package stream

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	redismodule "github.com/testcontainers/testcontainers-go/modules/redis"

	"pulse/internal/events"
	"pulse/internal/logger"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	if os.Getenv("TESTCONTAINERS_RYUK_DISABLED") == "" {
		os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	}

	container, err := redismodule.Run(ctx, "redis:8.4.0-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	t.Cleanup(func() {
		container.Terminate(ctx)
	})

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("failed to get redis uri: %v", err)
	}
	opt, err := redis.ParseURL(uri)
	if err != nil {
		t.Fatalf("failed to parse redis URL: %v", err)
	}

	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		t.Fatalf("failed to ping redis: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisContainerIdempotentPublish(t *testing.T) {
	client := setupRedis(t)
	b := NewBus(NewRedisStore(client, "it"), events.DefaultRegistry(), logger.NopLogger(), testOptions())
	t.Cleanup(b.StopConsuming)
	ctx := context.Background()

	env := tradeEnvelope("t-1")
	env.IdempotencyKey = "k1"
	first, err := b.Publish(ctx, env)
	require.NoError(t, err)
	second, err := b.Publish(ctx, tradeEnvelope("t-1-retry"))
	require.NoError(t, err)

	dup := tradeEnvelope("t-1-dup")
	dup.IdempotencyKey = "k1"
	third, err := b.Publish(ctx, dup)
	require.NoError(t, err)

	assert.True(t, third.Deduplicated)
	assert.Equal(t, first.StreamID, third.StreamID)
	assert.Equal(t, first.Sequence+1, second.Sequence)

	n, err := b.store.Length(ctx, events.TypeTradeExecuted)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestRedisContainerRedeliversAfterRestart(t *testing.T) {
	client := setupRedis(t)
	store := NewRedisStore(client, "it")
	ctx := context.Background()

	first := NewBus(store, events.DefaultRegistry(), logger.NopLogger(), testOptions())
	_, err := first.Subscribe(ctx, events.TypeTradeExecuted, "restart", func(ctx context.Context, env events.Envelope) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	require.NoError(t, first.StartConsuming(ctx))

	_, err = first.Publish(ctx, tradeEnvelope("t-1"))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	first.StopConsuming()

	c, err := store.Cursor(ctx, events.TypeTradeExecuted, "restart")
	require.NoError(t, err)
	assert.Zero(t, c)

	second := NewBus(store, events.DefaultRegistry(), logger.NopLogger(), testOptions())
	t.Cleanup(second.StopConsuming)
	var delivered atomic.Int32
	_, err = second.Subscribe(ctx, events.TypeTradeExecuted, "restart", func(ctx context.Context, env events.Envelope) error {
		delivered.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, second.StartConsuming(ctx))

	assert.Eventually(t, func() bool { return delivered.Load() == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool {
		c, err := store.Cursor(ctx, events.TypeTradeExecuted, "restart")
		return err == nil && c == 1
	}, 5*time.Second, 20*time.Millisecond)
}
