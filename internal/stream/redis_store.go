package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// appendScript performs the idempotency check, the sequence increment and the
// XADD in one step. It returns {"<id> <seq> <event id>", duplicate}.
var appendScript = redis.NewScript(`
if #KEYS == 3 then
  local existing = redis.call('GET', KEYS[3])
  if existing then
    return {existing, 1}
  end
end
local seq = redis.call('INCR', KEYS[2])
local id
local maxlen = tonumber(ARGV[4])
if maxlen > 0 then
  id = redis.call('XADD', KEYS[1], 'MAXLEN', '~', maxlen, '*', 'seq', seq, 'event_id', ARGV[2], 'envelope', ARGV[1])
else
  id = redis.call('XADD', KEYS[1], '*', 'seq', seq, 'event_id', ARGV[2], 'envelope', ARGV[1])
end
local ref = id .. ' ' .. seq .. ' ' .. ARGV[2]
if #KEYS == 3 then
  redis.call('SET', KEYS[3], ref, 'PX', ARGV[3])
end
return {ref, 0}
`)

// ackScript acknowledges ids and moves the group cursor forward, never back.
var ackScript = redis.NewScript(`
local acked = redis.call('XACK', KEYS[1], ARGV[1], unpack(ARGV, 3))
local cur = tonumber(redis.call('HGET', KEYS[2], ARGV[1]) or '0')
if tonumber(ARGV[2]) > cur then
  redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
end
return acked
`)

// RedisStore keeps streams in Redis Streams.
type RedisStore struct {
	client redis.UniversalClient
	keys   keySpace
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, keys: keySpace{prefix: prefix}}
}

func (s *RedisStore) Append(ctx context.Context, stream string, req AppendRequest) (AppendResult, error) {
	keys := []string{s.keys.stream(stream), s.keys.sequence(stream)}
	if req.IdempotencyKey != "" {
		keys = append(keys, s.keys.idempotency(stream, req.IdempotencyKey))
	}
	ttl := req.IdempotencyTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	raw, err := appendScript.Run(ctx, s.client, keys,
		string(req.Payload), req.EventID, ttl.Milliseconds(), req.MaxLen,
	).Slice()
	if err != nil {
		return AppendResult{}, fmt.Errorf("append to %s: %w", stream, err)
	}
	if len(raw) != 2 {
		return AppendResult{}, fmt.Errorf("append to %s: unexpected script reply %v", stream, raw)
	}

	ref, _ := raw[0].(string)
	dup, _ := raw[1].(int64)
	res, err := parseAppendRef(ref)
	if err != nil {
		return AppendResult{}, fmt.Errorf("append to %s: %w", stream, err)
	}
	res.Duplicate = dup == 1
	return res, nil
}

func parseAppendRef(ref string) (AppendResult, error) {
	parts := strings.Fields(ref)
	if len(parts) < 2 {
		return AppendResult{}, fmt.Errorf("malformed entry reference %q", ref)
	}
	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return AppendResult{}, fmt.Errorf("malformed sequence in %q: %w", ref, err)
	}
	res := AppendResult{ID: parts[0], Sequence: seq}
	if len(parts) > 2 {
		res.EventID = parts[2]
	}
	return res, nil
}

func (s *RedisStore) EnsureGroup(ctx context.Context, stream, group string, start StartPosition) error {
	startID := "$"
	if start == StartOrigin {
		startID = "0"
	}

	err := s.client.XGroupCreateMkStream(ctx, s.keys.stream(stream), group, startID).Err()
	if err != nil {
		if strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return nil
		}
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}

	var cursor int64
	if start == StartNow {
		if cursor, err = s.LastSequence(ctx, stream); err != nil {
			return err
		}
	}
	if err := s.client.HSetNX(ctx, s.keys.cursor(stream), group, cursor).Err(); err != nil {
		return fmt.Errorf("init cursor for %s on %s: %w", group, stream, err)
	}
	return nil
}

func (s *RedisStore) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration, pending bool) ([]Entry, error) {
	id := ">"
	if pending {
		id = "0"
		block = -1
	}

	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{s.keys.stream(stream), id},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, mapGroupErr(err)
	}

	var out []Entry
	for _, xs := range res {
		for _, msg := range xs.Messages {
			e := toEntry(msg)
			if !pending {
				e.Deliveries = 1
			}
			out = append(out, e)
		}
	}
	if pending && len(out) > 0 {
		if err := s.fillDeliveries(ctx, stream, group, consumer, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// fillDeliveries copies the delivery counters Redis keeps in the pending
// entries list onto entries re-read from the consumer's history.
func (s *RedisStore) fillDeliveries(ctx context.Context, stream, group, consumer string, entries []Entry) error {
	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   s.keys.stream(stream),
		Group:    group,
		Start:    entries[0].ID,
		End:      entries[len(entries)-1].ID,
		Count:    int64(len(entries)),
		Consumer: consumer,
	}).Result()
	if err != nil {
		return mapGroupErr(err)
	}
	counts := make(map[string]int64, len(pending))
	for _, p := range pending {
		counts[p.ID] = p.RetryCount
	}
	for i := range entries {
		entries[i].Deliveries = counts[entries[i].ID]
	}
	return nil
}

func (s *RedisStore) ClaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	key := s.keys.stream(stream)
	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: key,
		Group:  group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, mapGroupErr(err)
	}

	ids := make([]string, 0, len(pending))
	deliveries := make(map[string]int64, len(pending))
	for _, p := range pending {
		if p.Consumer == consumer {
			continue
		}
		ids = append(ids, p.ID)
		deliveries[p.ID] = p.RetryCount + 1
	}
	if len(ids) == 0 {
		return nil, nil
	}

	msgs, err := s.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   key,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, mapGroupErr(err)
	}

	out := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		e := toEntry(msg)
		e.Deliveries = deliveries[msg.ID]
		out = append(out, e)
	}
	return out, nil
}

func toEntry(msg redis.XMessage) Entry {
	e := Entry{ID: msg.ID}
	if v, ok := msg.Values["seq"].(string); ok {
		e.Sequence, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := msg.Values["envelope"].(string); ok {
		e.Payload = []byte(v)
	}
	return e
}

func mapGroupErr(err error) error {
	if err != nil && strings.HasPrefix(err.Error(), "NOGROUP") {
		return fmt.Errorf("%w: %v", ErrGroupNotFound, err)
	}
	return err
}

func (s *RedisStore) Ack(ctx context.Context, stream, group string, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(entries)+2)
	args = append(args, group, maxSequence(entries))
	for _, e := range entries {
		args = append(args, e.ID)
	}
	err := ackScript.Run(ctx, s.client, []string{s.keys.stream(stream), s.keys.cursor(stream)}, args...).Err()
	if err != nil {
		return fmt.Errorf("ack %d entries on %s/%s: %w", len(entries), stream, group, err)
	}
	return nil
}

func (s *RedisStore) Cursor(ctx context.Context, stream, group string) (int64, error) {
	v, err := s.client.HGet(ctx, s.keys.cursor(stream), group).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, ErrGroupNotFound
	}
	return v, err
}

func (s *RedisStore) Length(ctx context.Context, stream string) (int64, error) {
	return s.client.XLen(ctx, s.keys.stream(stream)).Result()
}

func (s *RedisStore) LastSequence(ctx context.Context, stream string) (int64, error) {
	v, err := s.client.Get(ctx, s.keys.sequence(stream)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

func (s *RedisStore) Groups(ctx context.Context, stream string) ([]GroupInfo, error) {
	cursors, err := s.client.HGetAll(ctx, s.keys.cursor(stream)).Result()
	if err != nil {
		return nil, err
	}

	out := make([]GroupInfo, 0, len(cursors))
	for name, raw := range cursors {
		cursor, _ := strconv.ParseInt(raw, 10, 64)
		info := GroupInfo{Name: name, Cursor: cursor}
		summary, err := s.client.XPending(ctx, s.keys.stream(stream), name).Result()
		if err == nil {
			info.Pending = summary.Count
		} else if !errors.Is(mapGroupErr(err), ErrGroupNotFound) {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

func (s *RedisStore) DeleteGroup(ctx context.Context, stream, group string) error {
	n, err := s.client.XGroupDestroy(ctx, s.keys.stream(stream), group).Result()
	if err != nil {
		if msg := err.Error(); strings.Contains(msg, "no such key") || strings.Contains(msg, "requires the key to exist") {
			return ErrGroupNotFound
		}
		return mapGroupErr(err)
	}
	if err := s.client.HDel(ctx, s.keys.cursor(stream), group).Err(); err != nil {
		return err
	}
	if n == 0 {
		return ErrGroupNotFound
	}
	return nil
}

func (s *RedisStore) AppendDeadLetter(ctx context.Context, stream string, dl DeadLetter) (string, error) {
	dl.ID = ""
	body, err := json.Marshal(dl)
	if err != nil {
		return "", err
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.keys.deadLetter(stream),
		Values: map[string]interface{}{"dead_letter": string(body)},
	}).Result()
}

func (s *RedisStore) DeadLetters(ctx context.Context, stream string, limit int64) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	msgs, err := s.client.XRangeN(ctx, s.keys.deadLetter(stream), "-", "+", limit).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(msgs))
	for _, msg := range msgs {
		dl, err := decodeDeadLetter(msg)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, nil
}

func (s *RedisStore) DeadLetter(ctx context.Context, stream, id string) (DeadLetter, error) {
	msgs, err := s.client.XRange(ctx, s.keys.deadLetter(stream), id, id).Result()
	if err != nil {
		return DeadLetter{}, err
	}
	if len(msgs) == 0 {
		return DeadLetter{}, ErrDeadLetterNotFound
	}
	return decodeDeadLetter(msgs[0])
}

func decodeDeadLetter(msg redis.XMessage) (DeadLetter, error) {
	raw, _ := msg.Values["dead_letter"].(string)
	var dl DeadLetter
	if err := json.Unmarshal([]byte(raw), &dl); err != nil {
		return DeadLetter{}, fmt.Errorf("decode dead letter %s: %w", msg.ID, err)
	}
	dl.ID = msg.ID
	return dl, nil
}

func (s *RedisStore) DeleteDeadLetter(ctx context.Context, stream, id string) error {
	n, err := s.client.XDel(ctx, s.keys.deadLetter(stream), id).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDeadLetterNotFound
	}
	return nil
}

func (s *RedisStore) DeadLetterCount(ctx context.Context, stream string) (int64, error) {
	return s.client.XLen(ctx, s.keys.deadLetter(stream)).Result()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
