package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"

	"pulse/internal/events"
	apperrors "pulse/pkg/errors"
)

// Entry is one ranked standing. Rank is 1-based.
type Entry struct {
	Rank          int64   `json:"rank"`
	UserID        string  `json:"user_id"`
	DisplayName   string  `json:"display_name,omitempty"`
	Score         float64 `json:"score"`
	IsCurrentUser bool    `json:"is_current_user,omitempty"`
}

// Snapshot is the view pushed to a viewer when it joins a room.
type Snapshot struct {
	RoomID      string    `json:"room_id"`
	Top         []Entry   `json:"top"`
	Total       int64     `json:"total"`
	You         *Entry    `json:"you,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Board keeps one sorted set per room, highest score first.
type Board struct {
	client       redis.UniversalClient
	prefix       string
	snapshotSize int64
}

func NewBoard(client redis.UniversalClient, prefix string, snapshotSize int) *Board {
	if snapshotSize <= 0 {
		snapshotSize = 10
	}
	return &Board{client: client, prefix: prefix, snapshotSize: int64(snapshotSize)}
}

func (b *Board) scoresKey(room string) string { return b.prefix + ":lb:" + room }
func (b *Board) namesKey(room string) string  { return b.prefix + ":lb:" + room + ":names" }

// Apply writes the standings of a leaderboard update. Users missing from the
// update keep their score.
func (b *Board) Apply(ctx context.Context, update events.LeaderboardUpdated) error {
	if update.TournamentID == "" || len(update.Entries) == 0 {
		return nil
	}
	members := lo.Map(update.Entries, func(e events.LeaderboardEntry, _ int) redis.Z {
		return redis.Z{Score: e.Score, Member: e.UserID}
	})
	named := lo.Filter(update.Entries, func(e events.LeaderboardEntry, _ int) bool { return e.DisplayName != "" })

	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, b.scoresKey(update.TournamentID), members...)
		if len(named) > 0 {
			names := make(map[string]interface{}, len(named))
			for _, e := range named {
				names[e.UserID] = e.DisplayName
			}
			pipe.HSet(ctx, b.namesKey(update.TournamentID), names)
		}
		return nil
	})
	if err != nil {
		return apperrors.Wrap(fmt.Errorf("apply leaderboard %s: %w", update.TournamentID, err), apperrors.ErrTransientStore)
	}
	return nil
}

// scoreOnceScript applies a score delta at most once per source event.
var scoreOnceScript = redis.NewScript(`
if redis.call('SET', KEYS[2], '1', 'NX', 'PX', ARGV[3]) then
  return redis.call('ZINCRBY', KEYS[1], ARGV[1], ARGV[2])
end
return redis.call('ZSCORE', KEYS[1], ARGV[2])
`)

const appliedTTL = 24 * time.Hour

// AddScore increments a user's score and returns the new total. A non-empty
// sourceEventID makes the increment idempotent for redelivered events.
func (b *Board) AddScore(ctx context.Context, room, userID string, delta float64, sourceEventID string) (float64, error) {
	if sourceEventID == "" {
		score, err := b.client.ZIncrBy(ctx, b.scoresKey(room), delta, userID).Result()
		if err != nil {
			return 0, apperrors.Wrap(err, apperrors.ErrTransientStore)
		}
		return score, nil
	}

	marker := b.appliedKey(room, sourceEventID)
	raw, err := scoreOnceScript.Run(ctx, b.client, []string{b.scoresKey(room), marker},
		delta, userID, appliedTTL.Milliseconds()).Text()
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrTransientStore)
	}
	score, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse score %q: %w", raw, err)
	}
	return score, nil
}

// Scored reports whether a score delta from sourceEventID was applied to room.
func (b *Board) Scored(ctx context.Context, room, sourceEventID string) (bool, error) {
	if sourceEventID == "" {
		return false, nil
	}
	n, err := b.client.Exists(ctx, b.appliedKey(room, sourceEventID)).Result()
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrTransientStore)
	}
	return n > 0, nil
}

func (b *Board) appliedKey(room, sourceEventID string) string {
	return b.prefix + ":lb:" + room + ":applied:" + sourceEventID
}

// SetDisplayName records the name shown for userID in room.
func (b *Board) SetDisplayName(ctx context.Context, room, userID, name string) error {
	if err := b.client.HSet(ctx, b.namesKey(room), userID, name).Err(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrTransientStore)
	}
	return nil
}

// Snapshot returns the top of the board and, when userID is ranked, the
// user's own standing.
func (b *Board) Snapshot(ctx context.Context, room, userID string) (Snapshot, error) {
	top, err := b.rangeByRank(ctx, room, 0, b.snapshotSize-1, userID)
	if err != nil {
		return Snapshot{}, err
	}
	total, err := b.client.ZCard(ctx, b.scoresKey(room)).Result()
	if err != nil {
		return Snapshot{}, apperrors.Wrap(err, apperrors.ErrTransientStore)
	}

	snap := Snapshot{RoomID: room, Top: top, Total: total, GeneratedAt: time.Now().UTC()}
	if userID != "" {
		you, err := b.Standing(ctx, room, userID)
		switch {
		case err == nil:
			snap.You = &you
		case !apperrors.IsNotFound(err):
			return Snapshot{}, err
		}
	}
	return snap, nil
}

// Standing returns the rank and score of userID.
func (b *Board) Standing(ctx context.Context, room, userID string) (Entry, error) {
	idx, err := b.rank(ctx, room, userID)
	if err != nil {
		return Entry{}, err
	}
	entries, err := b.rangeByRank(ctx, room, idx, idx, userID)
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, apperrors.ErrNotFound.WithMessage("user " + userID + " is not ranked in " + room)
	}
	return entries[0], nil
}

// Nearby returns the standings within radius ranks of userID, clipped to the
// board. The caller's own entry is flagged.
func (b *Board) Nearby(ctx context.Context, room, userID string, radius int) ([]Entry, error) {
	if radius < 0 {
		radius = 0
	}
	idx, err := b.rank(ctx, room, userID)
	if err != nil {
		return nil, err
	}
	start := idx - int64(radius)
	if start < 0 {
		start = 0
	}
	return b.rangeByRank(ctx, room, start, idx+int64(radius), userID)
}

// Range returns limit standings starting at the 1-based rank start.
func (b *Board) Range(ctx context.Context, room string, start, limit int) ([]Entry, error) {
	if start < 1 {
		start = 1
	}
	if limit <= 0 {
		return []Entry{}, nil
	}
	from := int64(start - 1)
	return b.rangeByRank(ctx, room, from, from+int64(limit)-1, "")
}

func (b *Board) rank(ctx context.Context, room, userID string) (int64, error) {
	idx, err := b.client.ZRevRank(ctx, b.scoresKey(room), userID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, apperrors.ErrNotFound.WithMessage("user " + userID + " is not ranked in " + room)
	}
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrTransientStore)
	}
	return idx, nil
}

func (b *Board) rangeByRank(ctx context.Context, room string, start, stop int64, currentUser string) ([]Entry, error) {
	zs, err := b.client.ZRevRangeWithScores(ctx, b.scoresKey(room), start, stop).Result()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrTransientStore)
	}
	if len(zs) == 0 {
		return []Entry{}, nil
	}

	ids := lo.Map(zs, func(z redis.Z, _ int) string { return fmt.Sprint(z.Member) })
	names, err := b.client.HMGet(ctx, b.namesKey(room), ids...).Result()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrTransientStore)
	}

	out := make([]Entry, len(zs))
	for i, z := range zs {
		e := Entry{
			Rank:          start + int64(i) + 1,
			UserID:        ids[i],
			Score:         z.Score,
			IsCurrentUser: currentUser != "" && ids[i] == currentUser,
		}
		if name, ok := names[i].(string); ok {
			e.DisplayName = name
		}
		out[i] = e
	}
	return out, nil
}
