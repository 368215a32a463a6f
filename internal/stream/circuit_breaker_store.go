package stream

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"pulse/internal/config"
	"pulse/pkg/circuitbreaker"
	apperrors "pulse/pkg/errors"
)

// CircuitBreakerStore guards a Store with a breaker so that a failing Redis
// makes publishers fail fast instead of piling up on timeouts.
type CircuitBreakerStore struct {
	store Store
	cb    *circuitbreaker.Wrapper
}

func NewCircuitBreakerStore(store Store, cfg config.CircuitBreakerConfig) Store {
	if !cfg.Enabled {
		return store
	}

	cbConfig := circuitbreaker.DefaultConfig("stream-store")
	if cfg.MaxRequests > 0 {
		cbConfig.MaxRequests = cfg.MaxRequests
	}
	if cfg.Interval > 0 {
		cbConfig.Interval = cfg.Interval
	}
	if cfg.Timeout > 0 {
		cbConfig.Timeout = cfg.Timeout
	}
	if cfg.FailureRatio > 0 && cfg.MinRequests > 0 {
		cbConfig.ReadyToTrip = circuitbreaker.RatioTrip(cfg.MinRequests, cfg.FailureRatio)
	}
	cbConfig.IsSuccessful = func(err error) bool {
		return err == nil ||
			errors.Is(err, ErrGroupNotFound) ||
			errors.Is(err, ErrDeadLetterNotFound) ||
			errors.Is(err, context.Canceled)
	}

	return &CircuitBreakerStore{store: store, cb: circuitbreaker.NewWrapper(cbConfig)}
}

func (s *CircuitBreakerStore) State() string {
	return s.cb.State().String()
}

func (s *CircuitBreakerStore) IsOpen() bool {
	return s.cb.IsOpen()
}

func openErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperrors.ErrTransientStore.WithCause(err).WithMessage("stream store circuit is open").AsFatal()
	}
	return err
}

func guarded[T any](ctx context.Context, s *CircuitBreakerStore, fn func() (T, error)) (T, error) {
	out, err := circuitbreaker.Execute(ctx, s.cb, fn)
	return out, openErr(err)
}

func (s *CircuitBreakerStore) run(ctx context.Context, fn func() error) error {
	return openErr(s.cb.Do(ctx, fn))
}

func (s *CircuitBreakerStore) Append(ctx context.Context, stream string, req AppendRequest) (AppendResult, error) {
	return guarded(ctx, s, func() (AppendResult, error) { return s.store.Append(ctx, stream, req) })
}

func (s *CircuitBreakerStore) EnsureGroup(ctx context.Context, stream, group string, start StartPosition) error {
	return s.run(ctx, func() error { return s.store.EnsureGroup(ctx, stream, group, start) })
}

func (s *CircuitBreakerStore) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration, pending bool) ([]Entry, error) {
	return guarded(ctx, s, func() ([]Entry, error) {
		entries, err := s.store.ReadGroup(ctx, stream, group, consumer, count, block, pending)
		if err != nil && ctx.Err() != nil {
			// Shutdown while blocked is not a store failure.
			return nil, context.Canceled
		}
		return entries, err
	})
}

func (s *CircuitBreakerStore) ClaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	return guarded(ctx, s, func() ([]Entry, error) {
		return s.store.ClaimStale(ctx, stream, group, consumer, minIdle, count)
	})
}

func (s *CircuitBreakerStore) Ack(ctx context.Context, stream, group string, entries []Entry) error {
	return s.run(ctx, func() error { return s.store.Ack(ctx, stream, group, entries) })
}

func (s *CircuitBreakerStore) Cursor(ctx context.Context, stream, group string) (int64, error) {
	return guarded(ctx, s, func() (int64, error) { return s.store.Cursor(ctx, stream, group) })
}

func (s *CircuitBreakerStore) Length(ctx context.Context, stream string) (int64, error) {
	return guarded(ctx, s, func() (int64, error) { return s.store.Length(ctx, stream) })
}

func (s *CircuitBreakerStore) LastSequence(ctx context.Context, stream string) (int64, error) {
	return guarded(ctx, s, func() (int64, error) { return s.store.LastSequence(ctx, stream) })
}

func (s *CircuitBreakerStore) Groups(ctx context.Context, stream string) ([]GroupInfo, error) {
	return guarded(ctx, s, func() ([]GroupInfo, error) { return s.store.Groups(ctx, stream) })
}

func (s *CircuitBreakerStore) DeleteGroup(ctx context.Context, stream, group string) error {
	return s.run(ctx, func() error { return s.store.DeleteGroup(ctx, stream, group) })
}

func (s *CircuitBreakerStore) AppendDeadLetter(ctx context.Context, stream string, dl DeadLetter) (string, error) {
	return guarded(ctx, s, func() (string, error) { return s.store.AppendDeadLetter(ctx, stream, dl) })
}

func (s *CircuitBreakerStore) DeadLetters(ctx context.Context, stream string, limit int64) ([]DeadLetter, error) {
	return guarded(ctx, s, func() ([]DeadLetter, error) { return s.store.DeadLetters(ctx, stream, limit) })
}

func (s *CircuitBreakerStore) DeadLetter(ctx context.Context, stream, id string) (DeadLetter, error) {
	return guarded(ctx, s, func() (DeadLetter, error) { return s.store.DeadLetter(ctx, stream, id) })
}

func (s *CircuitBreakerStore) DeleteDeadLetter(ctx context.Context, stream, id string) error {
	return s.run(ctx, func() error { return s.store.DeleteDeadLetter(ctx, stream, id) })
}

func (s *CircuitBreakerStore) DeadLetterCount(ctx context.Context, stream string) (int64, error) {
	return guarded(ctx, s, func() (int64, error) { return s.store.DeadLetterCount(ctx, stream) })
}

func (s *CircuitBreakerStore) Ping(ctx context.Context) error {
	return s.run(ctx, func() error { return s.store.Ping(ctx) })
}
