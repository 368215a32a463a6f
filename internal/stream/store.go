package stream

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// StartPosition chooses where a newly created consumer group begins reading.
type StartPosition int

const (
	// StartNow delivers only entries appended after the group is created.
	StartNow StartPosition = iota
	// StartOrigin replays the stream from its first retained entry.
	StartOrigin
)

func (p StartPosition) String() string {
	if p == StartOrigin {
		return "origin"
	}
	return "now"
}

var (
	ErrGroupNotFound      = errors.New("consumer group not found")
	ErrDeadLetterNotFound = errors.New("dead letter not found")
)

// Entry is one stored envelope as seen by a consumer group.
type Entry struct {
	ID       string
	Sequence int64
	Payload  []byte
	// Deliveries counts how often the entry has been handed to a consumer of
	// the group, including this delivery. Zero means unknown.
	Deliveries int64
}

type AppendRequest struct {
	EventID        string
	Payload        []byte
	IdempotencyKey string
	IdempotencyTTL time.Duration
	MaxLen         int64
}

// AppendResult describes the stored entry. For a duplicate it describes the
// entry appended by the first publish of the same idempotency key.
type AppendResult struct {
	ID        string
	Sequence  int64
	EventID   string
	Duplicate bool
}

// GroupInfo summarises one consumer group on a stream.
type GroupInfo struct {
	Name    string
	Cursor  int64
	Pending int64
}

// FailureRecord is the history kept for one handler that gave up on an entry.
type FailureRecord struct {
	Handler  string    `json:"handler"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// DeadLetter is an entry that could not be processed, together with the
// original envelope and why it was given up on.
type DeadLetter struct {
	ID             string          `json:"id"`
	Stream         string          `json:"stream"`
	EntryID        string          `json:"entry_id"`
	Sequence       int64           `json:"sequence"`
	Group          string          `json:"group"`
	Reason         string          `json:"reason"`
	Envelope       json.RawMessage `json:"envelope"`
	Failures       []FailureRecord `json:"failures"`
	DeadLetteredAt time.Time       `json:"dead_lettered_at"`
}

// Store is the persistence port of the bus. Stream names are event types;
// implementations map them to their own key space.
type Store interface {
	// Append stores an entry unless req.IdempotencyKey was already used within
	// its TTL. The check and the append are atomic.
	Append(ctx context.Context, stream string, req AppendRequest) (AppendResult, error)
	// EnsureGroup creates group if it does not exist. Existing groups keep
	// their position.
	EnsureGroup(ctx context.Context, stream, group string, start StartPosition) error
	// ReadGroup returns up to count entries for consumer. With pending set it
	// returns entries already delivered to this consumer but not acknowledged,
	// without blocking; otherwise it waits up to block for new entries.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration, pending bool) ([]Entry, error)
	// ClaimStale moves entries idle for at least minIdle from other consumers
	// to consumer and returns them.
	ClaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error)
	// Ack acknowledges entries and advances the group's cursor to the highest
	// acknowledged sequence.
	Ack(ctx context.Context, stream, group string, entries []Entry) error
	Cursor(ctx context.Context, stream, group string) (int64, error)
	Length(ctx context.Context, stream string) (int64, error)
	LastSequence(ctx context.Context, stream string) (int64, error)
	Groups(ctx context.Context, stream string) ([]GroupInfo, error)
	DeleteGroup(ctx context.Context, stream, group string) error

	AppendDeadLetter(ctx context.Context, stream string, dl DeadLetter) (string, error)
	DeadLetters(ctx context.Context, stream string, limit int64) ([]DeadLetter, error)
	DeadLetter(ctx context.Context, stream, id string) (DeadLetter, error)
	DeleteDeadLetter(ctx context.Context, stream, id string) error
	DeadLetterCount(ctx context.Context, stream string) (int64, error)

	Ping(ctx context.Context) error
}

func maxSequence(entries []Entry) int64 {
	var max int64
	for _, e := range entries {
		if e.Sequence > max {
			max = e.Sequence
		}
	}
	return max
}
