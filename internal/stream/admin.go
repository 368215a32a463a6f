package stream

import (
	"context"
	"errors"

	"pulse/internal/events"
	apperrors "pulse/pkg/errors"
)

func (b *Bus) knownStream(eventType string) error {
	if !b.registry.Known(eventType) {
		return apperrors.ErrNotFound.WithMessage("unknown event type " + eventType)
	}
	return nil
}

// DeleteGroup removes a consumer group and its cursor. Groups with a live
// subscription in this process are refused.
func (b *Bus) DeleteGroup(ctx context.Context, eventType, group string) error {
	if err := b.knownStream(eventType); err != nil {
		return err
	}
	if b.activeGroup(eventType, group) {
		return apperrors.ErrValidation.WithMessage("group " + group + " has active subscriptions")
	}
	err := b.store.DeleteGroup(ctx, eventType, group)
	if errors.Is(err, ErrGroupNotFound) {
		return apperrors.ErrNotFound.WithMessage("group " + group + " not found on " + eventType)
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrTransientStore)
	}
	b.logger.InfowCtx(ctx, "consumer group deleted", "stream", eventType, "group", group)
	return nil
}

func (b *Bus) DeadLetters(ctx context.Context, eventType string, limit int64) ([]DeadLetter, error) {
	if err := b.knownStream(eventType); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	out, err := b.store.DeadLetters(ctx, eventType, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrTransientStore)
	}
	return out, nil
}

// ReplayDeadLetter appends the original envelope again, bypassing the
// idempotency check, and removes the dead letter. Every group on the stream
// sees the replayed entry.
func (b *Bus) ReplayDeadLetter(ctx context.Context, eventType, id string) (PublishResult, error) {
	if err := b.knownStream(eventType); err != nil {
		return PublishResult{}, err
	}
	dl, err := b.store.DeadLetter(ctx, eventType, id)
	if errors.Is(err, ErrDeadLetterNotFound) {
		return PublishResult{}, apperrors.ErrNotFound.WithMessage("dead letter " + id + " not found")
	}
	if err != nil {
		return PublishResult{}, apperrors.Wrap(err, apperrors.ErrTransientStore)
	}

	env, err := events.Parse(dl.Envelope)
	if err != nil {
		return PublishResult{}, apperrors.ErrSchemaValidation.WithCause(err)
	}
	if err := b.registry.Validate(env); err != nil {
		return PublishResult{}, err
	}

	data, err := env.Marshal()
	if err != nil {
		return PublishResult{}, apperrors.ErrSchemaValidation.WithCause(err)
	}
	res, err := b.store.Append(ctx, eventType, AppendRequest{
		EventID: env.EventID,
		Payload: data,
		MaxLen:  b.opts.MaxLen,
	})
	if err != nil {
		return PublishResult{}, apperrors.Wrap(err, apperrors.ErrTransientStore)
	}
	if err := b.store.DeleteDeadLetter(ctx, eventType, id); err != nil && !errors.Is(err, ErrDeadLetterNotFound) {
		b.logger.WarnwCtx(ctx, "replayed dead letter could not be removed", "stream", eventType, "id", id, "error", err)
	}

	b.logger.InfowCtx(ctx, "dead letter replayed", "stream", eventType, "id", id, "event_id", env.EventID, "sequence", res.Sequence)
	return PublishResult{EventID: env.EventID, StreamID: res.ID, Sequence: res.Sequence}, nil
}

// Cursor returns the highest sequence acknowledged by group on eventType.
func (b *Bus) Cursor(ctx context.Context, eventType, group string) (int64, error) {
	if err := b.knownStream(eventType); err != nil {
		return 0, err
	}
	c, err := b.store.Cursor(ctx, eventType, group)
	if errors.Is(err, ErrGroupNotFound) {
		return 0, apperrors.ErrNotFound.WithMessage("group " + group + " not found on " + eventType)
	}
	return c, err
}

// LastSequence returns the sequence of the newest entry appended to eventType,
// zero for an empty stream.
func (b *Bus) LastSequence(ctx context.Context, eventType string) (int64, error) {
	if err := b.knownStream(eventType); err != nil {
		return 0, err
	}
	seq, err := b.store.LastSequence(ctx, eventType)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrTransientStore)
	}
	return seq, nil
}
