package stream

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with the same group semantics as the
// Redis one: pending lists per consumer, claimable idle entries and durable
// cursors for the lifetime of the process.
type MemoryStore struct {
	mu      sync.Mutex
	streams map[string]*memStream
	idem    map[string]memIdem
	dlq     map[string][]DeadLetter
	dlqSeq  int64
	now     func() time.Time
}

type memStream struct {
	entries []Entry
	seq     int64
	groups  map[string]*memGroup
	signal  chan struct{}
}

type memGroup struct {
	next    int
	cursor  int64
	pending map[string]*memPending
}

type memPending struct {
	entry       Entry
	consumer    string
	deliveredAt time.Time
	deliveries  int64
}

type memIdem struct {
	result  AppendResult
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: make(map[string]*memStream),
		idem:    make(map[string]memIdem),
		dlq:     make(map[string][]DeadLetter),
		now:     time.Now,
	}
}

func (s *MemoryStore) streamLocked(name string) *memStream {
	st, ok := s.streams[name]
	if !ok {
		st = &memStream{groups: make(map[string]*memGroup), signal: make(chan struct{})}
		s.streams[name] = st
	}
	return st
}

func (s *MemoryStore) Append(ctx context.Context, stream string, req AppendRequest) (AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	idemKey := stream + "|" + req.IdempotencyKey
	if req.IdempotencyKey != "" {
		if prev, ok := s.idem[idemKey]; ok && now.Before(prev.expires) {
			res := prev.result
			res.Duplicate = true
			return res, nil
		}
	}

	st := s.streamLocked(stream)
	st.seq++
	e := Entry{ID: fmt.Sprintf("%d-0", st.seq), Sequence: st.seq, Payload: append([]byte(nil), req.Payload...)}
	st.entries = append(st.entries, e)
	if req.MaxLen > 0 && int64(len(st.entries)) > req.MaxLen {
		drop := len(st.entries) - int(req.MaxLen)
		st.entries = st.entries[drop:]
		for _, g := range st.groups {
			g.next -= drop
			if g.next < 0 {
				g.next = 0
			}
		}
	}
	close(st.signal)
	st.signal = make(chan struct{})

	res := AppendResult{ID: e.ID, Sequence: e.Sequence, EventID: req.EventID}
	if req.IdempotencyKey != "" {
		ttl := req.IdempotencyTTL
		if ttl <= 0 {
			ttl = time.Hour
		}
		s.idem[idemKey] = memIdem{result: res, expires: now.Add(ttl)}
	}
	return res, nil
}

func (s *MemoryStore) EnsureGroup(ctx context.Context, stream, group string, start StartPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.streamLocked(stream)
	if _, ok := st.groups[group]; ok {
		return nil
	}
	g := &memGroup{pending: make(map[string]*memPending)}
	if start == StartNow {
		g.next = len(st.entries)
		g.cursor = st.seq
	}
	st.groups[group] = g
	return nil
}

func (s *MemoryStore) groupLocked(stream, group string) (*memStream, *memGroup, error) {
	st, ok := s.streams[stream]
	if !ok {
		return nil, nil, ErrGroupNotFound
	}
	g, ok := st.groups[group]
	if !ok {
		return nil, nil, ErrGroupNotFound
	}
	return st, g, nil
}

func (s *MemoryStore) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration, pending bool) ([]Entry, error) {
	if count <= 0 {
		count = 1
	}
	if pending {
		return s.readPending(stream, group, consumer, count)
	}

	var timer <-chan time.Time
	if block > 0 {
		t := time.NewTimer(block)
		defer t.Stop()
		timer = t.C
	}

	for {
		s.mu.Lock()
		st, g, err := s.groupLocked(stream, group)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		if g.next < len(st.entries) {
			end := g.next + int(count)
			if end > len(st.entries) {
				end = len(st.entries)
			}
			now := s.now()
			out := make([]Entry, 0, end-g.next)
			for _, e := range st.entries[g.next:end] {
				e.Deliveries = 1
				g.pending[e.ID] = &memPending{entry: e, consumer: consumer, deliveredAt: now, deliveries: 1}
				out = append(out, e)
			}
			g.next = end
			s.mu.Unlock()
			return out, nil
		}
		signal := st.signal
		s.mu.Unlock()

		if timer == nil {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer:
			return nil, nil
		case <-signal:
		}
	}
}

func (s *MemoryStore) readPending(stream, group, consumer string, count int64) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, g, err := s.groupLocked(stream, group)
	if err != nil {
		return nil, err
	}
	var mine []*memPending
	for _, p := range g.pending {
		if p.consumer == consumer {
			mine = append(mine, p)
		}
	}
	return s.deliverLocked(mine, consumer, count), nil
}

func (s *MemoryStore) deliverLocked(ps []*memPending, consumer string, count int64) []Entry {
	sort.Slice(ps, func(i, j int) bool { return ps[i].entry.Sequence < ps[j].entry.Sequence })
	if int64(len(ps)) > count {
		ps = ps[:count]
	}
	now := s.now()
	out := make([]Entry, 0, len(ps))
	for _, p := range ps {
		p.consumer = consumer
		p.deliveries++
		p.deliveredAt = now
		e := p.entry
		e.Deliveries = p.deliveries
		out = append(out, e)
	}
	return out
}

func (s *MemoryStore) ClaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, g, err := s.groupLocked(stream, group)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var stale []*memPending
	for _, p := range g.pending {
		if p.consumer != consumer && now.Sub(p.deliveredAt) >= minIdle {
			stale = append(stale, p)
		}
	}
	if count <= 0 {
		count = int64(len(stale))
	}
	return s.deliverLocked(stale, consumer, count), nil
}

func (s *MemoryStore) Ack(ctx context.Context, stream, group string, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, g, err := s.groupLocked(stream, group)
	if err != nil {
		return err
	}
	for _, e := range entries {
		delete(g.pending, e.ID)
	}
	if max := maxSequence(entries); max > g.cursor {
		g.cursor = max
	}
	return nil
}

func (s *MemoryStore) Cursor(ctx context.Context, stream, group string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, g, err := s.groupLocked(stream, group)
	if err != nil {
		return 0, err
	}
	return g.cursor, nil
}

func (s *MemoryStore) Length(ctx context.Context, stream string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[stream]; ok {
		return int64(len(st.entries)), nil
	}
	return 0, nil
}

func (s *MemoryStore) LastSequence(ctx context.Context, stream string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[stream]; ok {
		return st.seq, nil
	}
	return 0, nil
}

func (s *MemoryStore) Groups(ctx context.Context, stream string) ([]GroupInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[stream]
	if !ok {
		return nil, nil
	}
	out := make([]GroupInfo, 0, len(st.groups))
	for name, g := range st.groups {
		out = append(out, GroupInfo{Name: name, Cursor: g.cursor, Pending: int64(len(g.pending))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) DeleteGroup(ctx context.Context, stream, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, _, err := s.groupLocked(stream, group)
	if err != nil {
		return err
	}
	delete(st.groups, group)
	return nil
}

func (s *MemoryStore) AppendDeadLetter(ctx context.Context, stream string, dl DeadLetter) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dlqSeq++
	dl.ID = fmt.Sprintf("%d-0", s.dlqSeq)
	s.dlq[stream] = append(s.dlq[stream], dl)
	return dl.ID, nil
}

func (s *MemoryStore) DeadLetters(ctx context.Context, stream string, limit int64) ([]DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.dlq[stream]
	if limit > 0 && int64(len(list)) > limit {
		list = list[:limit]
	}
	out := make([]DeadLetter, len(list))
	copy(out, list)
	return out, nil
}

func (s *MemoryStore) DeadLetter(ctx context.Context, stream, id string) (DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dl := range s.dlq[stream] {
		if dl.ID == id {
			return dl, nil
		}
	}
	return DeadLetter{}, ErrDeadLetterNotFound
}

func (s *MemoryStore) DeleteDeadLetter(ctx context.Context, stream, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.dlq[stream]
	for i, dl := range list {
		if dl.ID == id {
			s.dlq[stream] = append(list[:i:i], list[i+1:]...)
			return nil
		}
	}
	return ErrDeadLetterNotFound
}

func (s *MemoryStore) DeadLetterCount(ctx context.Context, stream string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.dlq[stream])), nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}
