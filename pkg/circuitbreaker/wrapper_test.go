package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapperOpensAfterFailures(t *testing.T) {
	cfg := DefaultConfig("test-store")
	cfg.ReadyToTrip = RatioTrip(2, 0.5)
	cfg.Timeout = time.Hour
	w := NewWrapper(cfg)

	boom := errors.New("redis down")
	for i := 0; i < 2; i++ {
		require.ErrorIs(t, w.Do(context.Background(), func() error { return boom }), boom)
	}

	assert.True(t, w.IsOpen())
	err := w.Do(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestExecuteReturnsValue(t *testing.T) {
	w := NewWrapper(DefaultConfig("value"))
	n, err := Execute(context.Background(), w, func() (int64, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	assert.Equal(t, gobreaker.StateClosed, w.State())
}

func TestIsSuccessfulIgnoresSelectedErrors(t *testing.T) {
	ignored := errors.New("not found")
	cfg := DefaultConfig("ignore")
	cfg.ReadyToTrip = RatioTrip(1, 0.1)
	cfg.IsSuccessful = func(err error) bool { return err == nil || errors.Is(err, ignored) }
	w := NewWrapper(cfg)

	for i := 0; i < 5; i++ {
		_ = w.Do(context.Background(), func() error { return ignored })
	}
	assert.False(t, w.IsOpen())
}

func TestDoSkipsCancelledContext(t *testing.T) {
	w := NewWrapper(DefaultConfig("cancel"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := w.Do(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
