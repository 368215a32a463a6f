package broadcast

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"pulse/internal/dispatch"
	"pulse/internal/events"
	"pulse/internal/leaderboard"
	"pulse/internal/logger"
	"pulse/internal/stream"
)

// LeaderboardUpdateData is the body of a leaderboard_update message.
type LeaderboardUpdateData struct {
	RoomID  string              `json:"room_id"`
	EventID string              `json:"event_id"`
	Entries []leaderboard.Entry `json:"entries"`
}

// StreamHeads reports how far each stream has been appended.
type StreamHeads interface {
	LastSequence(ctx context.Context, eventType string) (int64, error)
}

// RoomFeed subscribes rooms to the bus through the dispatcher. Every room gets
// its own handler per pattern, filtered to the envelopes scoped to it.
type RoomFeed struct {
	dispatcher *dispatch.Dispatcher
	heads      StreamHeads
	registry   *events.Registry
	patterns   []string
	logger     logger.Logger
}

func NewRoomFeed(d *dispatch.Dispatcher, heads StreamHeads, registry *events.Registry, patterns []string, log logger.Logger) *RoomFeed {
	return &RoomFeed{
		dispatcher: d,
		heads:      heads,
		registry:   registry,
		patterns:   patterns,
		logger:     log.Named("room-feed"),
	}
}

// SubscribeRoom delivers the room's envelopes appended after the call. The
// shared feed group may resume from before the room existed, so each stream's
// head is recorded first and entries at or below it are skipped.
func (f *RoomFeed) SubscribeRoom(ctx context.Context, roomID string, deliver func(context.Context, Message)) (func(), error) {
	heads, err := f.streamHeads(ctx)
	if err != nil {
		return nil, err
	}

	regs := make([]*dispatch.Registration, 0, len(f.patterns))
	for _, p := range f.patterns {
		reg, err := f.dispatcher.Register(ctx, p, fmt.Sprintf("room:%s:%s", roomID, p),
			f.handler(roomID, heads, deliver),
			dispatch.WithStart(stream.StartNow),
		)
		if err != nil {
			for _, r := range regs {
				f.dispatcher.Unregister(r)
			}
			return nil, err
		}
		regs = append(regs, reg)
	}
	return func() {
		for _, r := range regs {
			f.dispatcher.Unregister(r)
		}
	}, nil
}

func (f *RoomFeed) streamHeads(ctx context.Context) (map[string]int64, error) {
	heads := make(map[string]int64)
	for _, p := range f.patterns {
		types, err := f.registry.Expand(p)
		if err != nil {
			return nil, err
		}
		for _, t := range types {
			if _, seen := heads[t]; seen {
				continue
			}
			seq, err := f.heads.LastSequence(ctx, t)
			if err != nil {
				return nil, fmt.Errorf("read head of %s: %w", t, err)
			}
			heads[t] = seq
		}
	}
	return heads, nil
}

func (f *RoomFeed) handler(roomID string, heads map[string]int64, deliver func(context.Context, Message)) dispatch.Handler {
	return func(ctx context.Context, env events.Envelope) error {
		if pos, ok := stream.PositionFromContext(ctx); ok && pos.Sequence <= heads[pos.Stream] {
			return nil
		}
		payload, err := f.registry.Decode(env)
		if err != nil {
			f.logger.WarnwCtx(ctx, "dropping undecodable envelope", "event_type", env.EventType, "error", err)
			return nil
		}
		scoped, ok := payload.(events.RoomScoped)
		if !ok || scoped.RoomID() != roomID {
			return nil
		}
		deliver(ctx, ToMessage(env, payload))
		return nil
	}
}

// ToMessage re-formats a room scoped envelope for viewers.
func ToMessage(env events.Envelope, payload events.Payload) Message {
	switch p := payload.(type) {
	case *events.LeaderboardUpdated:
		return NewMessage(TypeLeaderboardUpdate, LeaderboardUpdateData{
			RoomID:  p.TournamentID,
			EventID: env.EventID,
			Entries: lo.Map(p.Entries, func(e events.LeaderboardEntry, i int) leaderboard.Entry {
				return leaderboard.Entry{
					Rank:        int64(i + 1),
					UserID:      e.UserID,
					DisplayName: e.DisplayName,
					Score:       e.Score,
				}
			}),
		})
	case *events.AchievementUnlocked:
		return NewMessage(TypeAchievementUnlocked, p)
	}
	return NewMessage(TypeLiveEvent, LiveEventData{
		EventID:    env.EventID,
		EventType:  env.EventType,
		OccurredAt: env.OccurredAt,
		Payload:    env.Payload,
	})
}
