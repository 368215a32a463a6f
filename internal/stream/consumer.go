package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pulse/internal/events"
	apperrors "pulse/pkg/errors"
	"pulse/pkg/logging"
	"pulse/pkg/metrics"
	"pulse/pkg/retry"
	"pulse/pkg/tracing"
)

const (
	ReasonUndecodable        = "undecodable"
	ReasonDeliveriesExceeded = "delivery_attempts_exhausted"
	ReasonHandlerFailed      = "handler_failed"
)

type registration struct {
	id      uint64
	name    string
	handler Handler
}

// worker is the read loop of one consumer group on one stream.
type worker struct {
	bus      *Bus
	key      workerKey
	consumer string

	mu       sync.RWMutex
	handlers []registration

	// guarded by bus.mu
	cancel  context.CancelFunc
	running bool

	drainPending bool
	lastClaim    time.Time
}

func newWorker(b *Bus, key workerKey) *worker {
	return &worker{
		bus:      b,
		key:      key,
		consumer: b.opts.InstanceID,
	}
}

func (w *worker) add(reg registration) {
	w.mu.Lock()
	w.handlers = append(w.handlers, reg)
	w.mu.Unlock()
}

func (w *worker) remove(id uint64) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	kept := w.handlers[:0]
	for _, r := range w.handlers {
		if r.id != id {
			kept = append(kept, r)
		}
	}
	w.handlers = kept
	return len(w.handlers)
}

func (w *worker) snapshot() []registration {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]registration, len(w.handlers))
	copy(out, w.handlers)
	return out
}

func (w *worker) stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.running = false
}

func (w *worker) run(ctx context.Context) {
	log := w.bus.logger
	log.DebugwCtx(ctx, "read loop started", "stream", w.key.stream, "group", w.key.group, "consumer", w.consumer)
	defer log.DebugwCtx(context.Background(), "read loop stopped", "stream", w.key.stream, "group", w.key.group)

	wait := w.bus.opts.Retry.Ticker()
	w.drainPending = true
	w.lastClaim = time.Now()

	for ctx.Err() == nil {
		entries, err := w.fetch(ctx)
		if err == nil && len(entries) > 0 {
			err = w.process(ctx, entries)
		}
		if err == nil {
			wait.Reset()
			continue
		}
		if ctx.Err() != nil {
			return
		}

		metrics.ReadErrorsTotal.WithLabelValues(w.key.stream, w.key.group).Inc()
		if errors.Is(err, ErrGroupNotFound) {
			log.WarnwCtx(ctx, "consumer group disappeared, recreating", "stream", w.key.stream, "group", w.key.group)
			if gerr := w.bus.store.EnsureGroup(ctx, w.key.stream, w.key.group, StartNow); gerr != nil {
				err = gerr
			}
		}

		delay := wait.NextBackOff()
		log.WarnwCtx(ctx, "stream read failed",
			"stream", w.key.stream,
			"group", w.key.group,
			"retry_in", delay,
			"error", err,
		)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// fetch returns the next batch: this consumer's own pending entries first,
// then entries claimed from idle consumers, then new entries.
func (w *worker) fetch(ctx context.Context) ([]Entry, error) {
	store := w.bus.store
	opts := w.bus.opts

	if w.drainPending {
		entries, err := store.ReadGroup(ctx, w.key.stream, w.key.group, w.consumer, opts.BatchSize, 0, true)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			return entries, nil
		}
		w.drainPending = false
	}

	if opts.ClaimInterval > 0 && time.Since(w.lastClaim) >= opts.ClaimInterval {
		w.lastClaim = time.Now()
		entries, err := store.ClaimStale(ctx, w.key.stream, w.key.group, w.consumer, opts.ClaimMinIdle, opts.BatchSize)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			metrics.ClaimedEntriesTotal.WithLabelValues(w.key.stream, w.key.group).Add(float64(len(entries)))
			w.bus.logger.InfowCtx(ctx, "claimed idle entries", "stream", w.key.stream, "group", w.key.group, "count", len(entries))
			return entries, nil
		}
	}

	return store.ReadGroup(ctx, w.key.stream, w.key.group, w.consumer, opts.BatchSize, opts.BlockTimeout, false)
}

// process handles entries in stream order and acknowledges the completed
// prefix. It stops at the first entry that cannot be completed so that the
// entry and everything after it are re-read from the pending list in order.
func (w *worker) process(ctx context.Context, entries []Entry) error {
	done := make([]Entry, 0, len(entries))
	var firstErr error
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		if err := w.handle(ctx, e); err != nil {
			firstErr = err
			break
		}
		done = append(done, e)
	}

	if len(done) > 0 {
		ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.bus.opts.AckTimeout)
		err := w.bus.store.Ack(ackCtx, w.key.stream, w.key.group, done)
		cancel()
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("ack %d entries: %w", len(done), err)
		}
	}

	if len(done) < len(entries) {
		w.drainPending = true
	}
	return firstErr
}

// handle returns nil when the entry may be acknowledged: every handler
// succeeded, or it was dead-lettered.
func (w *worker) handle(ctx context.Context, e Entry) error {
	log := w.bus.logger
	if len(e.Payload) == 0 {
		log.WarnwCtx(ctx, "skipping entry without envelope", "stream", w.key.stream, "entry_id", e.ID)
		return nil
	}

	env, err := events.Parse(e.Payload)
	if err != nil {
		return w.deadLetter(ctx, e, ReasonUndecodable, []FailureRecord{{
			Handler:  "decoder",
			Attempts: 1,
			Error:    err.Error(),
			FailedAt: time.Now().UTC(),
		}})
	}

	ctx = WithPosition(ctx, Position{Stream: w.key.stream, Sequence: e.Sequence})
	ctx = logging.WithEventID(ctx, env.EventID)
	ctx = logging.WithCorrelationID(ctx, env.CorrelationID)
	ctx = tracing.WithTraceParent(ctx, env.TraceID)
	ctx, span := w.bus.tracer.Start(ctx, "stream.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("event.type", env.EventType),
			attribute.String("event.id", env.EventID),
			attribute.String("consumer.group", w.key.group),
		),
	)
	defer span.End()
	if traceID := tracing.TraceID(ctx); traceID != "" {
		ctx = logging.WithTraceID(ctx, traceID)
	}

	ceiling := int64(w.bus.opts.Retry.MaxAttempts)
	if e.Deliveries > ceiling {
		span.SetStatus(codes.Error, "poison entry")
		return w.deadLetter(ctx, e, ReasonDeliveriesExceeded, []FailureRecord{{
			Handler:  w.key.group,
			Attempts: int(e.Deliveries),
			Error:    fmt.Sprintf("delivered %d times without acknowledgement", e.Deliveries),
			FailedAt: time.Now().UTC(),
		}})
	}

	handlers := w.snapshot()
	if len(handlers) == 0 {
		return fmt.Errorf("no handlers registered for %s/%s", w.key.stream, w.key.group)
	}

	failures := w.dispatch(ctx, env, handlers)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if len(failures) > 0 {
		span.SetStatus(codes.Error, "handler failed")
		return w.deadLetter(ctx, e, ReasonHandlerFailed, failures)
	}
	return nil
}

// dispatch runs every handler concurrently and returns the failures in
// registration order.
func (w *worker) dispatch(ctx context.Context, env events.Envelope, handlers []registration) []FailureRecord {
	results := make([]*FailureRecord, len(handlers))
	var wg sync.WaitGroup
	for i, reg := range handlers {
		wg.Add(1)
		go func(i int, reg registration) {
			defer wg.Done()
			results[i] = w.invoke(ctx, reg, env)
		}(i, reg)
	}
	wg.Wait()

	var failures []FailureRecord
	for _, r := range results {
		if r != nil {
			failures = append(failures, *r)
		}
	}
	return failures
}

func (w *worker) invoke(ctx context.Context, reg registration, env events.Envelope) *FailureRecord {
	attempts := 0
	err := retry.RetryWithCallback(ctx, w.bus.opts.Retry, func() error {
		attempts++
		start := time.Now()
		err := apperrors.Guard(func() error { return reg.handler(ctx, env) })
		metrics.ObserveHandler(w.key.group, time.Since(start))
		return err
	}, func(attempt int, err error, next time.Duration) {
		metrics.RetryAttemptsTotal.WithLabelValues("handler", reg.name).Inc()
		w.bus.logger.DebugwCtx(ctx, "handler failed, retrying",
			"handler", reg.name,
			"attempt", attempt,
			"next_delay", next,
			"error", err,
		)
	})
	if err == nil {
		metrics.HandlerInvocationsTotal.WithLabelValues(w.key.stream, w.key.group, "ok").Inc()
		return nil
	}
	if isCancellation(err) && ctx.Err() != nil {
		return nil
	}

	status := "failed"
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && appErr.Details["panic"] == true {
		status = "panic"
	}
	metrics.HandlerInvocationsTotal.WithLabelValues(w.key.stream, w.key.group, status).Inc()

	herr := &HandlerExecutionError{
		Handler:   reg.name,
		EventID:   env.EventID,
		EventType: env.EventType,
		Attempts:  attempts,
		Err:       err,
	}
	w.bus.logger.ErrorwCtx(ctx, "handler gave up", "handler", reg.name, "attempts", attempts, "error", herr)

	return &FailureRecord{
		Handler:  reg.name,
		Attempts: attempts,
		Error:    err.Error(),
		FailedAt: time.Now().UTC(),
	}
}

func (w *worker) deadLetter(ctx context.Context, e Entry, reason string, failures []FailureRecord) error {
	dlCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.bus.opts.AckTimeout)
	defer cancel()
	if err := w.bus.deadLetter(dlCtx, w.key, e, reason, failures); err != nil {
		w.bus.logger.ErrorwCtx(ctx, "dead letter append failed, entry stays pending",
			"stream", w.key.stream,
			"entry_id", e.ID,
			"error", err,
		)
		return fmt.Errorf("dead-letter %s: %w", e.ID, err)
	}
	return nil
}

// rawEnvelope keeps undecodable payloads representable as JSON.
func rawEnvelope(payload []byte) json.RawMessage {
	if json.Valid(payload) {
		return json.RawMessage(payload)
	}
	quoted, _ := json.Marshal(string(payload))
	return quoted
}
