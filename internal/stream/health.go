package stream

import (
	"context"
	"strconv"
	"time"

	"pulse/pkg/metrics"
)

type Status string

const (
	StatusStarting Status = "starting"
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusStopped  Status = "stopped"
)

// Health is the last snapshot taken by the background refresher.
type Health struct {
	Status         Status                      `json:"status"`
	PerStreamDepth map[string]int64            `json:"perStreamDepth"`
	ConsumerLag    map[string]map[string]int64 `json:"consumerLag"`
	DeadLetters    map[string]int64            `json:"deadLetters"`
	CheckedAt      time.Time                   `json:"checkedAt"`
	Error          string                      `json:"error,omitempty"`
}

func newHealth(status Status) Health {
	return Health{
		Status:         status,
		PerStreamDepth: map[string]int64{},
		ConsumerLag:    map[string]map[string]int64{},
		DeadLetters:    map[string]int64{},
	}
}

func (h Health) clone() Health {
	out := newHealth(h.Status)
	out.CheckedAt = h.CheckedAt
	out.Error = h.Error
	for k, v := range h.PerStreamDepth {
		out.PerStreamDepth[k] = v
	}
	for k, v := range h.DeadLetters {
		out.DeadLetters[k] = v
	}
	for stream, groups := range h.ConsumerLag {
		m := make(map[string]int64, len(groups))
		for g, lag := range groups {
			m[g] = lag
		}
		out.ConsumerLag[stream] = m
	}
	return out
}

// HealthCheck returns the latest snapshot without touching the store.
func (b *Bus) HealthCheck() Health {
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()
	return b.health.clone()
}

func (b *Bus) healthLoop(ctx context.Context) {
	defer b.wg.Done()

	interval := b.opts.HealthRefreshInterval
	if interval <= 0 {
		interval = DefaultOptions().HealthRefreshInterval
	}
	_ = b.RefreshHealth(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.RefreshHealth(ctx); err != nil && ctx.Err() == nil {
				b.logger.WarnwCtx(ctx, "health refresh failed", "error", err)
			}
		}
	}
}

// RefreshHealth measures depth, lag and dead letters of every registered
// stream and replaces the snapshot. On store errors the previous figures are
// kept and the status becomes degraded.
func (b *Bus) RefreshHealth(ctx context.Context) error {
	next := newHealth(StatusHealthy)
	next.CheckedAt = time.Now().UTC()

	err := b.measure(ctx, &next)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	b.mu.Lock()
	consuming, started := b.consuming, b.started
	b.mu.Unlock()

	b.healthMu.Lock()
	defer b.healthMu.Unlock()
	if err != nil {
		prev := b.health.clone()
		prev.Status = StatusDegraded
		prev.Error = err.Error()
		prev.CheckedAt = next.CheckedAt
		b.health = prev
		return err
	}
	switch {
	case consuming:
	case started:
		next.Status = StatusStopped
	default:
		next.Status = StatusStarting
	}
	b.health = next
	return nil
}

func (b *Bus) measure(ctx context.Context, h *Health) error {
	if err := b.store.Ping(ctx); err != nil {
		return err
	}
	for _, stream := range b.registry.Types() {
		depth, err := b.store.Length(ctx, stream)
		if err != nil {
			return err
		}
		h.PerStreamDepth[stream] = depth
		metrics.StreamDepth.WithLabelValues(stream).Set(float64(depth))

		groups, err := b.store.Groups(ctx, stream)
		if err != nil {
			return err
		}
		if len(groups) > 0 {
			last, err := b.store.LastSequence(ctx, stream)
			if err != nil {
				return err
			}
			lags := make(map[string]int64, len(groups))
			for _, g := range groups {
				lag := last - g.Cursor
				if lag < 0 {
					lag = 0
				}
				lags[g.Name] = lag
				metrics.ConsumerLag.WithLabelValues(stream, g.Name).Set(float64(lag))
			}
			h.ConsumerLag[stream] = lags
		}

		dead, err := b.store.DeadLetterCount(ctx, stream)
		if err != nil {
			return err
		}
		if dead > 0 {
			h.DeadLetters[stream] = dead
		}
	}
	return nil
}

// String renders the status with counts for log lines.
func (h Health) String() string {
	return string(h.Status) + " streams=" + strconv.Itoa(len(h.PerStreamDepth)) + " dead_letter_streams=" + strconv.Itoa(len(h.DeadLetters))
}
