package stream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pulse/internal/config"
	"pulse/internal/events"
	"pulse/internal/logger"
	apperrors "pulse/pkg/errors"
	"pulse/pkg/metrics"
	"pulse/pkg/retry"
	"pulse/pkg/tracing"
)

// Handler processes one envelope. A returned error is retried under the bus
// retry policy unless it is fatal.
type Handler func(ctx context.Context, env events.Envelope) error

// DeadLetterSink receives a copy of every dead letter after it has been
// stored. Sink errors are logged and never block acknowledgement.
type DeadLetterSink interface {
	PublishDeadLetter(ctx context.Context, dl DeadLetter) error
}

type Options struct {
	InstanceID            string
	BatchSize             int64
	BlockTimeout          time.Duration
	IdempotencyTTL        time.Duration
	ClaimInterval         time.Duration
	ClaimMinIdle          time.Duration
	HealthRefreshInterval time.Duration
	AckTimeout            time.Duration
	MaxLen                int64
	Retry                 retry.Policy
}

func DefaultOptions() Options {
	return Options{
		BatchSize:             32,
		BlockTimeout:          2 * time.Second,
		IdempotencyTTL:        time.Hour,
		ClaimInterval:         30 * time.Second,
		ClaimMinIdle:          time.Minute,
		HealthRefreshInterval: 5 * time.Second,
		AckTimeout:            5 * time.Second,
		Retry:                 retry.DefaultPolicy(),
	}
}

// OptionsFromConfig maps the bus section of the configuration onto Options.
func OptionsFromConfig(cfg config.BusConfig) Options {
	opts := DefaultOptions()
	opts.InstanceID = cfg.InstanceID
	if cfg.BatchSize > 0 {
		opts.BatchSize = cfg.BatchSize
	}
	if cfg.BlockTimeout > 0 {
		opts.BlockTimeout = cfg.BlockTimeout
	}
	if cfg.IdempotencyTTL > 0 {
		opts.IdempotencyTTL = cfg.IdempotencyTTL
	}
	opts.ClaimInterval = cfg.ClaimInterval
	if cfg.ClaimMinIdle > 0 {
		opts.ClaimMinIdle = cfg.ClaimMinIdle
	}
	if cfg.HealthRefreshInterval > 0 {
		opts.HealthRefreshInterval = cfg.HealthRefreshInterval
	}
	opts.MaxLen = cfg.MaxLen
	opts.Retry = retry.Policy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
		Multiplier:      cfg.Retry.Multiplier,
		MaxElapsedTime:  cfg.Retry.MaxElapsedTime,
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = retry.DefaultPolicy().MaxAttempts
	}
	return opts
}

type BusOption func(*Bus)

func WithDeadLetterSink(sink DeadLetterSink) BusOption {
	return func(b *Bus) { b.sink = sink }
}

// PublishResult identifies the stored entry. For a deduplicated publish it
// identifies the entry stored by the first publish of the key.
type PublishResult struct {
	EventID      string `json:"event_id"`
	StreamID     string `json:"stream_id"`
	Sequence     int64  `json:"sequence"`
	Deduplicated bool   `json:"deduplicated"`
}

type workerKey struct {
	stream string
	group  string
}

// Bus publishes envelopes to per-type streams and runs consumer group loops
// for subscribed handlers.
type Bus struct {
	store    Store
	registry *events.Registry
	logger   logger.Logger
	opts     Options
	tracer   trace.Tracer
	sink     DeadLetterSink

	mu        sync.Mutex
	workers   map[workerKey]*worker
	nextSubID uint64
	consuming bool
	started   bool
	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup

	healthMu sync.RWMutex
	health   Health
}

func NewBus(store Store, registry *events.Registry, log logger.Logger, opts Options, busOpts ...BusOption) *Bus {
	if opts.InstanceID == "" {
		host, _ := os.Hostname()
		opts.InstanceID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions().BatchSize
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultOptions().AckTimeout
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.DefaultPolicy()
	}

	b := &Bus{
		store:    store,
		registry: registry,
		logger:   log.Named("stream"),
		opts:     opts,
		tracer:   tracing.GetTracer("pulse-stream"),
		workers:  make(map[workerKey]*worker),
		health:   newHealth(StatusStarting),
	}
	for _, o := range busOpts {
		o(b)
	}
	return b
}

func (b *Bus) Registry() *events.Registry { return b.registry }

func (b *Bus) InstanceID() string { return b.opts.InstanceID }

// Publish validates env against its registered schema and appends it to the
// stream of its event type. A repeated idempotency key within the TTL returns
// the original entry with Deduplicated set and appends nothing.
func (b *Bus) Publish(ctx context.Context, env events.Envelope) (PublishResult, error) {
	start := time.Now()
	ctx, span := b.tracer.Start(ctx, "stream.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("event.type", env.EventType)),
	)
	defer span.End()

	if err := b.registry.Validate(env); err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(env.EventType, "rejected").Inc()
		span.SetStatus(codes.Error, "schema validation")
		return PublishResult{}, err
	}

	if env.EventID == "" {
		env.EventID = uuid.NewString()
	}
	if env.SchemaVersion == 0 {
		env.SchemaVersion = b.registry.Version(env.EventType)
	}
	if env.TraceID == "" {
		env.TraceID = tracing.TraceParent(ctx)
	}
	span.SetAttributes(attribute.String("event.id", env.EventID))

	data, err := env.Marshal()
	if err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(env.EventType, "rejected").Inc()
		return PublishResult{}, apperrors.ErrSchemaValidation.WithCause(err)
	}

	req := AppendRequest{
		EventID:        env.EventID,
		Payload:        data,
		IdempotencyKey: env.IdempotencyKey,
		IdempotencyTTL: b.opts.IdempotencyTTL,
		MaxLen:         b.opts.MaxLen,
	}

	var res AppendResult
	err = retry.RetryWithCallback(ctx, b.opts.Retry, func() error {
		var appendErr error
		res, appendErr = b.store.Append(ctx, env.EventType, req)
		return appendErr
	}, func(attempt int, err error, next time.Duration) {
		metrics.RetryAttemptsTotal.WithLabelValues("publish", env.EventType).Inc()
		b.logger.WarnwCtx(ctx, "append failed, retrying",
			"event_type", env.EventType,
			"attempt", attempt,
			"next_delay", next,
			"error", err,
		)
	})
	metrics.ObservePublish(env.EventType, time.Since(start))
	if err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(env.EventType, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return PublishResult{}, fmt.Errorf("publish %s: %w", env.EventType, ctxErr)
		}
		if apperrors.IsTransientStore(err) {
			return PublishResult{}, err
		}
		return PublishResult{}, apperrors.Wrap(err, apperrors.ErrTransientStore)
	}

	status := "appended"
	if res.Duplicate {
		status = "deduplicated"
	}
	metrics.EventsPublishedTotal.WithLabelValues(env.EventType, status).Inc()
	b.logger.DebugwCtx(ctx, "event published",
		"event_type", env.EventType,
		"event_id", res.EventID,
		"stream_id", res.ID,
		"sequence", res.Sequence,
		"deduplicated", res.Duplicate,
	)

	return PublishResult{
		EventID:      res.EventID,
		StreamID:     res.ID,
		Sequence:     res.Sequence,
		Deduplicated: res.Duplicate,
	}, nil
}

type subscribeOptions struct {
	start StartPosition
	name  string
}

type SubscribeOption func(*subscribeOptions)

// FromOrigin makes a newly created group replay the retained stream.
func FromOrigin() SubscribeOption {
	return func(o *subscribeOptions) { o.start = StartOrigin }
}

// FromNow makes a newly created group see only later entries. This is the
// default.
func FromNow() SubscribeOption {
	return func(o *subscribeOptions) { o.start = StartNow }
}

// Named sets the handler name used in logs, metrics and failure records.
func Named(name string) SubscribeOption {
	return func(o *subscribeOptions) { o.name = name }
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	bus     *Bus
	id      uint64
	Pattern string
	Group   string
	Name    string
	Streams []string
	once    sync.Once
}

// Unsubscribe removes the handler from every stream it was registered on.
// Loops left without handlers stop; the consumer group keeps its position.
// It may be called from inside a handler.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.bus.unsubscribe(s) })
}

// Subscribe registers handler for every event type matched by pattern under
// consumer group group. The group is created if needed; existing groups keep
// their durable position regardless of the start option.
func (b *Bus) Subscribe(ctx context.Context, pattern, group string, handler Handler, opts ...SubscribeOption) (*Subscription, error) {
	if handler == nil {
		return nil, apperrors.ErrValidation.WithMessage("handler is required")
	}
	if group == "" {
		return nil, apperrors.ErrValidation.WithMessage("consumer group is required")
	}
	streams, err := b.registry.Expand(pattern)
	if err != nil {
		return nil, apperrors.ErrValidation.WithCause(err)
	}

	o := subscribeOptions{start: StartNow}
	for _, opt := range opts {
		opt(&o)
	}

	for _, stream := range streams {
		stream := stream
		err := retry.Retry(ctx, b.opts.Retry, func() error {
			return b.store.EnsureGroup(ctx, stream, group, o.start)
		})
		if err != nil {
			return nil, apperrors.Wrap(fmt.Errorf("create group %s on %s: %w", group, stream, err), apperrors.ErrTransientStore)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSubID++
	sub := &Subscription{
		bus:     b,
		id:      b.nextSubID,
		Pattern: pattern,
		Group:   group,
		Name:    o.name,
		Streams: streams,
	}
	if sub.Name == "" {
		sub.Name = fmt.Sprintf("%s#%d", group, sub.id)
	}

	reg := registration{id: sub.id, name: sub.Name, handler: handler}
	for _, stream := range streams {
		key := workerKey{stream: stream, group: group}
		w, ok := b.workers[key]
		if !ok {
			w = newWorker(b, key)
			b.workers[key] = w
		}
		w.add(reg)
		if b.consuming && !w.running {
			b.startWorkerLocked(w)
		}
	}

	b.logger.InfowCtx(ctx, "subscribed",
		"pattern", pattern,
		"group", group,
		"handler", sub.Name,
		"streams", len(streams),
		"start", o.start.String(),
	)
	return sub, nil
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, stream := range sub.Streams {
		key := workerKey{stream: stream, group: sub.Group}
		w, ok := b.workers[key]
		if !ok {
			continue
		}
		if w.remove(sub.id) == 0 {
			w.stop()
			delete(b.workers, key)
		}
	}
	b.logger.InfowCtx(context.Background(), "unsubscribed", "handler", sub.Name, "group", sub.Group)
}

// StartConsuming starts one read loop per (stream, group) and the health
// refresher. Calling it again while consuming is a no-op.
func (b *Bus) StartConsuming(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.consuming {
		return nil
	}

	b.runCtx, b.cancelRun = context.WithCancel(ctx)
	b.consuming = true
	b.started = true
	for _, w := range b.workers {
		b.startWorkerLocked(w)
	}

	b.wg.Add(1)
	go b.healthLoop(b.runCtx)

	b.logger.InfowCtx(ctx, "consuming started", "instance_id", b.opts.InstanceID, "loops", len(b.workers))
	return nil
}

// StopConsuming stops every loop and waits for in-flight entries to finish.
// Unacknowledged entries stay pending and are redelivered later. It must not
// be called from a handler.
func (b *Bus) StopConsuming() {
	b.mu.Lock()
	if !b.consuming {
		b.mu.Unlock()
		return
	}
	b.consuming = false
	b.cancelRun()
	for _, w := range b.workers {
		w.running = false
	}
	b.mu.Unlock()

	b.wg.Wait()

	b.healthMu.Lock()
	b.health.Status = StatusStopped
	b.healthMu.Unlock()
	b.logger.InfowCtx(context.Background(), "consuming stopped", "instance_id", b.opts.InstanceID)
}

// Consuming reports whether read loops are running.
func (b *Bus) Consuming() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consuming
}

func (b *Bus) startWorkerLocked(w *worker) {
	ctx, cancel := context.WithCancel(b.runCtx)
	w.cancel = cancel
	w.running = true
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		w.run(ctx)
	}()
}

func (b *Bus) activeGroup(stream, group string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.workers[workerKey{stream: stream, group: group}]
	return ok
}

func (b *Bus) deadLetter(ctx context.Context, key workerKey, e Entry, reason string, failures []FailureRecord) error {
	dl := DeadLetter{
		Stream:         key.stream,
		EntryID:        e.ID,
		Sequence:       e.Sequence,
		Group:          key.group,
		Reason:         reason,
		Envelope:       rawEnvelope(e.Payload),
		Failures:       failures,
		DeadLetteredAt: time.Now().UTC(),
	}

	id, err := b.store.AppendDeadLetter(ctx, key.stream, dl)
	if err != nil {
		return err
	}
	dl.ID = id
	metrics.DeadLettersTotal.WithLabelValues(key.stream, key.group, reason).Inc()
	b.logger.WarnwCtx(ctx, "entry dead-lettered",
		"stream", key.stream,
		"group", key.group,
		"entry_id", e.ID,
		"reason", reason,
		"failures", len(failures),
	)

	if b.sink != nil {
		if err := b.sink.PublishDeadLetter(ctx, dl); err != nil {
			b.logger.WarnwCtx(ctx, "dead letter mirror failed", "stream", key.stream, "id", id, "error", err)
		}
	}
	return nil
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
