package dispatch

import (
	"context"
	"errors"
	"sync"

	"pulse/internal/events"
	"pulse/internal/logger"
	"pulse/internal/stream"
	"pulse/pkg/cel"
	apperrors "pulse/pkg/errors"
	"pulse/pkg/metrics"
)

// Handler reacts to one envelope. Returned errors are retried by the bus and
// dead-lettered once the retry ceiling is reached.
type Handler func(ctx context.Context, env events.Envelope) error

// Subscriber is the part of the bus the dispatcher routes through.
type Subscriber interface {
	Subscribe(ctx context.Context, pattern, group string, handler stream.Handler, opts ...stream.SubscribeOption) (*stream.Subscription, error)
}

// Registration is the handle of one registered handler.
type Registration struct {
	Name    string `json:"name"`
	Pattern string `json:"pattern"`
	Group   string `json:"group"`
	Filter  string `json:"filter,omitempty"`

	sub *stream.Subscription
}

type registerOptions struct {
	filter string
	group  string
	start  stream.SubscribeOption
}

type Option func(*registerOptions)

// WithFilter restricts the handler to envelopes for which the CEL expression
// evaluates to true.
func WithFilter(expression string) Option {
	return func(o *registerOptions) { o.filter = expression }
}

// WithGroup overrides the dispatcher's consumer group for one handler.
func WithGroup(group string) Option {
	return func(o *registerOptions) { o.group = group }
}

// WithStart chooses where a newly created group begins.
func WithStart(start stream.StartPosition) Option {
	return func(o *registerOptions) {
		if start == stream.StartOrigin {
			o.start = stream.FromOrigin()
		} else {
			o.start = stream.FromNow()
		}
	}
}

// Dispatcher routes envelopes matching a pattern to handlers and contains
// their failures. It keeps no state beyond its registrations; delivery,
// ordering and retries are the bus's.
type Dispatcher struct {
	bus       Subscriber
	group     string
	evaluator *cel.Evaluator
	logger    logger.Logger

	mu   sync.Mutex
	regs map[*Registration]struct{}
}

func New(bus Subscriber, group string, log logger.Logger) (*Dispatcher, error) {
	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		bus:       bus,
		group:     group,
		evaluator: evaluator,
		logger:    log.Named("dispatch"),
		regs:      make(map[*Registration]struct{}),
	}, nil
}

// Register subscribes handler to every event type matched by pattern.
func (d *Dispatcher) Register(ctx context.Context, pattern, name string, handler Handler, opts ...Option) (*Registration, error) {
	if _, err := events.ParsePattern(pattern); err != nil {
		return nil, apperrors.ErrValidation.WithCause(err)
	}
	if name == "" {
		return nil, apperrors.ErrValidation.WithMessage("handler name is required")
	}

	o := registerOptions{group: d.group}
	for _, opt := range opts {
		opt(&o)
	}

	var filter *cel.Filter
	if o.filter != "" {
		f, err := d.evaluator.CompileFilter(o.filter)
		if err != nil {
			return nil, apperrors.ErrValidation.WithCause(err)
		}
		filter = f
	}

	reg := &Registration{Name: name, Pattern: pattern, Group: o.group, Filter: o.filter}
	subOpts := []stream.SubscribeOption{stream.Named(name)}
	if o.start != nil {
		subOpts = append(subOpts, o.start)
	}

	sub, err := d.bus.Subscribe(ctx, pattern, o.group, d.contain(name, filter, handler), subOpts...)
	if err != nil {
		return nil, err
	}
	reg.sub = sub

	d.mu.Lock()
	d.regs[reg] = struct{}{}
	d.mu.Unlock()

	d.logger.InfowCtx(ctx, "handler registered", "handler", name, "pattern", pattern, "group", o.group, "filter", o.filter)
	return reg, nil
}

// contain wraps handler with filtering, panic recovery and failure
// reporting.
func (d *Dispatcher) contain(name string, filter *cel.Filter, handler Handler) stream.Handler {
	return func(ctx context.Context, env events.Envelope) error {
		if filter != nil {
			ok, err := filter.Match(ctx, env)
			if err != nil {
				metrics.DispatchOutcomesTotal.WithLabelValues(name, "filter_error").Inc()
				d.logger.WarnwCtx(ctx, "filter evaluation failed, skipping",
					"handler", name,
					"event_type", env.EventType,
					"filter", filter.String(),
					"error", err,
				)
				return nil
			}
			if !ok {
				metrics.DispatchOutcomesTotal.WithLabelValues(name, "filtered").Inc()
				return nil
			}
		}

		err := apperrors.Guard(func() error { return handler(ctx, env) })
		if err == nil {
			metrics.DispatchOutcomesTotal.WithLabelValues(name, "ok").Inc()
			return nil
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return err
		}

		metrics.DispatchOutcomesTotal.WithLabelValues(name, "failed").Inc()
		d.logger.ErrorwCtx(ctx, "handler failed",
			"handler", name,
			"event_type", env.EventType,
			"event_id", env.EventID,
			"correlation_id", env.CorrelationID,
			"causation_id", env.CausationID,
			"error", err,
		)
		return &stream.HandlerExecutionError{
			Handler:   name,
			EventID:   env.EventID,
			EventType: env.EventType,
			Err:       err,
		}
	}
}

// Unregister removes a handler. It is safe to call more than once and from
// inside the handler itself.
func (d *Dispatcher) Unregister(reg *Registration) {
	if reg == nil {
		return
	}
	d.mu.Lock()
	_, ok := d.regs[reg]
	delete(d.regs, reg)
	d.mu.Unlock()
	if !ok {
		return
	}
	reg.sub.Unsubscribe()
	d.logger.InfowCtx(context.Background(), "handler unregistered", "handler", reg.Name, "pattern", reg.Pattern)
}

// Registrations lists the live registrations.
func (d *Dispatcher) Registrations() []Registration {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Registration, 0, len(d.regs))
	for r := range d.regs {
		out = append(out, Registration{Name: r.Name, Pattern: r.Pattern, Group: r.Group, Filter: r.Filter})
	}
	return out
}

// Close unregisters every handler.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	regs := make([]*Registration, 0, len(d.regs))
	for r := range d.regs {
		regs = append(regs, r)
	}
	d.mu.Unlock()
	for _, r := range regs {
		d.Unregister(r)
	}
}
