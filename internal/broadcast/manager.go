package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"pulse/internal/config"
	"pulse/internal/leaderboard"
	"pulse/internal/logger"
	apperrors "pulse/pkg/errors"
	"pulse/pkg/logging"
	"pulse/pkg/metrics"
)

// Disconnect reasons, also used as metric labels.
const (
	ReasonClientClosed     = "client_closed"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonSendFailed       = "send_failed"
	ReasonSetupFailed      = "setup_failed"
	ReasonShutdown         = "shutdown"
)

// StateProvider serves the authoritative room state echoed to viewers.
type StateProvider interface {
	Snapshot(ctx context.Context, room, userID string) (leaderboard.Snapshot, error)
	Standing(ctx context.Context, room, userID string) (leaderboard.Entry, error)
	Nearby(ctx context.Context, room, userID string, radius int) ([]leaderboard.Entry, error)
	Range(ctx context.Context, room string, start, limit int) ([]leaderboard.Entry, error)
}

// Authenticator resolves a client token to a user id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// RoomSubscriber turns a room's live feed on. The returned func turns it off.
type RoomSubscriber interface {
	SubscribeRoom(ctx context.Context, roomID string, deliver func(context.Context, Message)) (func(), error)
}

type Options struct {
	SweepInterval   time.Duration
	StaleAfter      time.Duration
	SendTimeout     time.Duration
	DefaultRadius   int
	MaxRadius       int
	MaxDetailedView int
	InboundRPS      float64
	InboundBurst    int
	ReadLimitBytes  int64
}

func DefaultOptions() Options {
	return Options{
		SweepInterval:   30 * time.Second,
		StaleAfter:      120 * time.Second,
		SendTimeout:     5 * time.Second,
		DefaultRadius:   5,
		MaxRadius:       50,
		MaxDetailedView: 100,
		InboundRPS:      10,
		InboundBurst:    20,
		ReadLimitBytes:  4096,
	}
}

func OptionsFromConfig(cfg config.BroadcastConfig) Options {
	opts := DefaultOptions()
	if cfg.SweepInterval > 0 {
		opts.SweepInterval = cfg.SweepInterval
	}
	if cfg.StaleAfter > 0 {
		opts.StaleAfter = cfg.StaleAfter
	}
	if cfg.SendTimeout > 0 {
		opts.SendTimeout = cfg.SendTimeout
	}
	if cfg.DefaultRadius > 0 {
		opts.DefaultRadius = cfg.DefaultRadius
	}
	if cfg.MaxRadius > 0 {
		opts.MaxRadius = cfg.MaxRadius
	}
	if cfg.MaxDetailedView > 0 {
		opts.MaxDetailedView = cfg.MaxDetailedView
	}
	if cfg.InboundRPS > 0 {
		opts.InboundRPS = cfg.InboundRPS
	}
	if cfg.InboundBurst > 0 {
		opts.InboundBurst = cfg.InboundBurst
	}
	if cfg.ReadLimitBytes > 0 {
		opts.ReadLimitBytes = cfg.ReadLimitBytes
	}
	return opts
}

type ManagerOption func(*Manager)

func WithAuthenticator(a Authenticator) ManagerOption {
	return func(m *Manager) { m.auth = a }
}

func WithRoomSubscriber(s RoomSubscriber) ManagerOption {
	return func(m *Manager) { m.feed = s }
}

// WithClock replaces time.Now for heartbeat bookkeeping.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

type room struct {
	id        string
	createdAt time.Time
	members   map[string]*Connection

	// ready is closed once the live feed subscription settled; err holds its
	// outcome.
	ready       chan struct{}
	err         error
	unsubscribe func()
}

// RoomInfo describes one live room.
type RoomInfo struct {
	ID          string    `json:"id"`
	Connections int       `json:"connections"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Stats are cumulative counters plus the live per-room breakdown.
type Stats struct {
	ActiveConnections int            `json:"activeConnections"`
	TotalConnections  int64          `json:"totalConnections"`
	PeakConnections   int            `json:"peakConnections"`
	MessagesSent      int64          `json:"messagesSent"`
	MessagesReceived  int64          `json:"messagesReceived"`
	FailedSends       int64          `json:"failedSends"`
	Rooms             map[string]int `json:"rooms"`
}

// Manager owns every connection and room of this instance. All registry
// mutation happens under mu.
type Manager struct {
	opts   Options
	state  StateProvider
	auth   Authenticator
	feed   RoomSubscriber
	logger logger.Logger
	now    func() time.Time

	mu          sync.Mutex
	connections map[string]*Connection
	rooms       map[string]*room
	peak        int
	closed      bool

	total    atomic.Int64
	sent     atomic.Int64
	received atomic.Int64
	failed   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

func NewManager(state StateProvider, log logger.Logger, opts Options, options ...ManagerOption) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:        opts,
		state:       state,
		logger:      log,
		now:         time.Now,
		connections: make(map[string]*Connection),
		rooms:       make(map[string]*room),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, o := range options {
		o(m)
	}
	return m
}

// Connect registers a connection under roomID, turning the room's live feed on
// when it is the first member, and pushes the initial state snapshot.
func (m *Manager) Connect(ctx context.Context, t Transport, roomID, userID string) (*Connection, error) {
	if roomID == "" {
		metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
		return nil, apperrors.ErrValidation.WithMessage("room id is required")
	}

	now := m.now()
	conn := &Connection{
		ID:            uuid.NewString(),
		RoomID:        roomID,
		ConnectedAt:   now,
		transport:     t,
		limiter:       rate.NewLimiter(rate.Limit(m.opts.InboundRPS), m.opts.InboundBurst),
		userID:        userID,
		state:         StateConnecting,
		lastHeartbeat: now,
	}
	ctx = logging.WithRoomID(logging.WithConnectionID(ctx, conn.ID), roomID)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
		return nil, apperrors.ErrServiceUnavailable.WithMessage("broadcast manager is shut down")
	}
	r, exists := m.rooms[roomID]
	if !exists {
		r = &room{
			id:        roomID,
			createdAt: now,
			members:   make(map[string]*Connection),
			ready:     make(chan struct{}),
		}
		m.rooms[roomID] = r
	}
	conn.room = r
	r.members[conn.ID] = conn
	m.connections[conn.ID] = conn
	if len(m.connections) > m.peak {
		m.peak = len(m.connections)
	}
	m.refreshGaugesLocked()
	m.mu.Unlock()
	m.total.Add(1)

	if !exists {
		m.openRoom(ctx, r)
	}
	if err := m.awaitRoom(ctx, r); err != nil {
		m.Disconnect(conn.ID, ReasonSetupFailed)
		metrics.ConnectionsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	conn.markOpen()
	if err := m.sendInitialState(ctx, conn); err != nil {
		m.Disconnect(conn.ID, ReasonSetupFailed)
		metrics.ConnectionsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	metrics.ConnectionsTotal.WithLabelValues("accepted").Inc()
	m.logger.InfowCtx(ctx, "connection joined room", "user_id", userID)
	return conn, nil
}

// openRoom subscribes the live feed without holding mu, then settles the
// room. Members that left meanwhile may have emptied it, or the manager may
// have shut down.
func (m *Manager) openRoom(ctx context.Context, r *room) {
	var (
		unsubscribe func()
		err         error
	)
	if m.feed != nil {
		unsubscribe, err = m.feed.SubscribeRoom(m.ctx, r.id, func(ctx context.Context, msg Message) {
			m.BroadcastToRoom(ctx, r.id, msg, "")
		})
	}

	m.mu.Lock()
	shutDown := m.closed
	r.err = err
	if err == nil && shutDown {
		r.err = apperrors.ErrServiceUnavailable.WithMessage("broadcast manager is shut down")
	}
	r.unsubscribe = unsubscribe
	close(r.ready)
	// Shutdown skips rooms that were still opening, so their feed is released here.
	orphaned := err == nil && (shutDown || len(r.members) == 0)
	if err != nil || orphaned {
		if m.rooms[r.id] == r {
			delete(m.rooms, r.id)
		}
		m.refreshGaugesLocked()
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.ErrorwCtx(ctx, "room feed subscription failed", "error", err)
		return
	}
	if orphaned && unsubscribe != nil {
		unsubscribe()
	}
	m.logger.DebugwCtx(ctx, "room opened")
}

func (m *Manager) awaitRoom(ctx context.Context, r *room) error {
	select {
	case <-r.ready:
		if r.err != nil {
			return fmt.Errorf("subscribe room %s: %w", r.id, r.err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) sendInitialState(ctx context.Context, conn *Connection) error {
	userID := conn.UserID()
	snap, err := m.state.Snapshot(ctx, conn.RoomID, userID)
	if err != nil {
		m.logger.WarnwCtx(ctx, "initial snapshot unavailable", "error", err)
		return m.SendToConnection(ctx, conn.ID, errorMessage(CodeUnavailable, "leaderboard snapshot unavailable"))
	}
	return m.SendToConnection(ctx, conn.ID, NewMessage(TypeInitialState, InitialStateData{
		ConnectionID:  conn.ID,
		Authenticated: userID != "",
		Leaderboard:   snap,
	}))
}

// Disconnect removes the connection and discards its room when it was the
// last member. It reports whether the connection was registered.
func (m *Manager) Disconnect(connID, reason string) bool {
	m.mu.Lock()
	conn, ok := m.connections[connID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.connections, connID)
	var unsubscribe func()
	r := conn.room
	delete(r.members, connID)
	if len(r.members) == 0 && settled(r) && m.rooms[r.id] == r {
		delete(m.rooms, r.id)
		unsubscribe = r.unsubscribe
	}
	m.refreshGaugesLocked()
	m.mu.Unlock()

	conn.markClosed()
	if unsubscribe != nil {
		unsubscribe()
	}
	_ = conn.transport.Close()

	metrics.DisconnectsTotal.WithLabelValues(reason).Inc()
	m.logger.InfowCtx(logging.WithConnectionID(context.Background(), connID), "connection left room",
		"room_id", conn.RoomID,
		"reason", reason,
	)
	return true
}

func settled(r *room) bool {
	select {
	case <-r.ready:
		return true
	default:
		return false
	}
}

// BroadcastToRoom sends msg to every live connection of the room except those
// of excludeUserID. Connections whose send fails are disconnected. It returns
// the number of connections that received the message.
func (m *Manager) BroadcastToRoom(ctx context.Context, roomID string, msg Message, excludeUserID string) int {
	data, err := json.Marshal(msg)
	if err != nil {
		m.logger.ErrorwCtx(ctx, "broadcast message not encodable", "type", msg.Type, "error", err)
		return 0
	}

	m.mu.Lock()
	var targets []*Connection
	if r := m.rooms[roomID]; r != nil {
		targets = lo.Filter(lo.Values(r.members), func(c *Connection, _ int) bool {
			return excludeUserID == "" || c.UserID() != excludeUserID
		})
	}
	m.mu.Unlock()
	if len(targets) == 0 {
		return 0
	}

	var (
		delivered atomic.Int64
		g         errgroup.Group
	)
	g.SetLimit(64)
	for _, c := range targets {
		c := c
		g.Go(func() error {
			if err := m.send(ctx, c, msg.Type, data); err != nil {
				m.logger.WarnwCtx(ctx, "broadcast send failed, dropping connection",
					"connection_id", c.ID,
					"room_id", roomID,
					"error", err,
				)
				m.Disconnect(c.ID, ReasonSendFailed)
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(delivered.Load())
}

// SendToConnection unicasts msg. A failed send disconnects the connection.
func (m *Manager) SendToConnection(ctx context.Context, connID string, msg Message) error {
	conn, ok := m.lookup(connID)
	if !ok {
		return apperrors.ErrNotFound.WithMessage(fmt.Sprintf("connection %s not found", connID))
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return apperrors.ErrInternal.WithCause(err)
	}
	if err := m.send(ctx, conn, msg.Type, data); err != nil {
		m.Disconnect(connID, ReasonSendFailed)
		return apperrors.ErrConnectionSend.WithCause(err)
	}
	return nil
}

func (m *Manager) send(ctx context.Context, conn *Connection, msgType string, data []byte) error {
	sendCtx, cancel := context.WithTimeout(ctx, m.opts.SendTimeout)
	defer cancel()
	if err := conn.transport.Send(sendCtx, data); err != nil {
		m.failed.Add(1)
		metrics.OutboundMessagesTotal.WithLabelValues(msgType, "failed").Inc()
		return err
	}
	m.sent.Add(1)
	metrics.OutboundMessagesTotal.WithLabelValues(msgType, "ok").Inc()
	return nil
}

func (m *Manager) lookup(connID string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[connID]
	return c, ok
}

// HandleClientMessage processes one inbound frame. Every frame counts as a
// heartbeat. The returned error is only non-nil when the reply could not be
// delivered, in which case the connection is already gone.
func (m *Manager) HandleClientMessage(ctx context.Context, connID string, raw []byte) error {
	conn, ok := m.lookup(connID)
	if !ok {
		return apperrors.ErrNotFound.WithMessage(fmt.Sprintf("connection %s not found", connID))
	}
	conn.touch(m.now())
	m.received.Add(1)
	ctx = logging.WithRoomID(logging.WithConnectionID(ctx, connID), conn.RoomID)

	if !conn.limiter.Allow() {
		metrics.InboundMessagesTotal.WithLabelValues("any", "rate_limited").Inc()
		return m.SendToConnection(ctx, connID, errorMessage(CodeRateLimited, "too many messages"))
	}

	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil || in.Type == "" {
		metrics.InboundMessagesTotal.WithLabelValues("invalid", "rejected").Inc()
		return m.SendToConnection(ctx, connID, errorMessage(CodeInvalidMessage, "message must be a JSON object with a type"))
	}

	var reply *Message
	switch in.Type {
	case TypeHeartbeatResponse:
	case TypeAuthenticate:
		reply = m.handleAuthenticate(ctx, conn, in.Data)
	case TypeGetNearbyCompetitors:
		reply = m.handleNearby(ctx, conn, in.Data)
	case TypeGetDetailedView:
		reply = m.handleDetailedView(ctx, conn, in.Data)
	default:
		metrics.InboundMessagesTotal.WithLabelValues("unknown", "rejected").Inc()
		return m.SendToConnection(ctx, connID, errorMessage(CodeUnknownType, fmt.Sprintf("unsupported message type %q", in.Type)))
	}

	status := "ok"
	if reply != nil && reply.Type == TypeError {
		status = "rejected"
	}
	metrics.InboundMessagesTotal.WithLabelValues(in.Type, status).Inc()
	if reply == nil {
		return nil
	}
	return m.SendToConnection(ctx, connID, *reply)
}

func (m *Manager) handleAuthenticate(ctx context.Context, conn *Connection, data json.RawMessage) *Message {
	var req authenticateRequest
	if err := decodeData(data, &req); err != nil || req.Token == "" {
		msg := errorMessage(CodeInvalidMessage, "authenticate requires a token")
		return &msg
	}
	if m.auth == nil {
		msg := errorMessage(CodeAuthenticationFailed, "authentication is not configured")
		return &msg
	}
	userID, err := m.auth.Authenticate(ctx, req.Token)
	if err != nil {
		m.logger.InfowCtx(ctx, "client authentication rejected", "error", err)
		msg := errorMessage(CodeAuthenticationFailed, "invalid token")
		return &msg
	}
	conn.authenticate(userID)

	out := AuthenticationSuccessData{UserID: userID}
	if standing, err := m.state.Standing(ctx, conn.RoomID, userID); err == nil {
		out.Standing = &standing
	}
	msg := NewMessage(TypeAuthenticationSuccess, out)
	return &msg
}

func (m *Manager) handleNearby(ctx context.Context, conn *Connection, data json.RawMessage) *Message {
	var req nearbyRequest
	if err := decodeData(data, &req); err != nil {
		msg := errorMessage(CodeInvalidMessage, "radius must be an integer")
		return &msg
	}
	userID := conn.UserID()
	if userID == "" {
		msg := errorMessage(CodeAuthenticationRequired, "authenticate before requesting nearby competitors")
		return &msg
	}
	radius := m.clampRadius(req.Radius)
	entries, err := m.state.Nearby(ctx, conn.RoomID, userID, radius)
	if err != nil {
		if apperrors.IsNotFound(err) {
			msg := errorMessage(CodeNotRanked, "you are not ranked in this room yet")
			return &msg
		}
		m.logger.WarnwCtx(ctx, "nearby competitors unavailable", "error", err)
		msg := errorMessage(CodeUnavailable, "leaderboard unavailable")
		return &msg
	}
	msg := NewMessage(TypeNearbyCompetitors, NearbyCompetitorsData{Radius: radius, Competitors: entries})
	return &msg
}

func (m *Manager) handleDetailedView(ctx context.Context, conn *Connection, data json.RawMessage) *Message {
	var req detailedViewRequest
	if err := decodeData(data, &req); err != nil {
		msg := errorMessage(CodeInvalidMessage, "start and limit must be integers")
		return &msg
	}
	start := req.Start
	if start < 1 {
		start = 1
	}
	limit := req.Limit
	if limit <= 0 || limit > m.opts.MaxDetailedView {
		limit = m.opts.MaxDetailedView
	}
	entries, err := m.state.Range(ctx, conn.RoomID, start, limit)
	if err != nil {
		m.logger.WarnwCtx(ctx, "detailed view unavailable", "error", err)
		msg := errorMessage(CodeUnavailable, "leaderboard unavailable")
		return &msg
	}
	if userID := conn.UserID(); userID != "" {
		for i := range entries {
			entries[i].IsCurrentUser = entries[i].UserID == userID
		}
	}
	msg := NewMessage(TypeDetailedView, DetailedViewData{Start: start, Limit: limit, Entries: entries})
	return &msg
}

func (m *Manager) clampRadius(r int) int {
	if r <= 0 {
		r = m.opts.DefaultRadius
	}
	if r > m.opts.MaxRadius {
		r = m.opts.MaxRadius
	}
	return r
}

// Sweep disconnects connections silent for longer than StaleAfter and sends a
// heartbeat to the rest. It returns how many connections were dropped.
func (m *Manager) Sweep(ctx context.Context) int {
	start := time.Now()
	now := m.now()

	m.mu.Lock()
	all := lo.Values(m.connections)
	m.mu.Unlock()

	stale, live := lo.FilterReject(all, func(c *Connection, _ int) bool {
		return c.staleSince(now, m.opts.StaleAfter)
	})

	removed := 0
	for _, c := range stale {
		if m.Disconnect(c.ID, ReasonHeartbeatTimeout) {
			removed++
		}
	}

	var g errgroup.Group
	g.SetLimit(64)
	for _, c := range live {
		c := c
		g.Go(func() error {
			_ = m.SendToConnection(ctx, c.ID, NewMessage(TypeHeartbeat, HeartbeatData{ConnectionID: c.ID}))
			return nil
		})
	}
	_ = g.Wait()

	metrics.ObserveSweep(time.Since(start))
	if removed > 0 {
		m.logger.InfowCtx(ctx, "heartbeat sweep dropped stale connections", "removed", removed, "remaining", len(live))
	}
	return removed
}

// Run sweeps every SweepInterval until ctx is cancelled or the manager shuts
// down.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	rooms := make(map[string]int, len(m.rooms))
	for id, r := range m.rooms {
		rooms[id] = len(r.members)
	}
	active, peak := len(m.connections), m.peak
	m.mu.Unlock()

	return Stats{
		ActiveConnections: active,
		TotalConnections:  m.total.Load(),
		PeakConnections:   peak,
		MessagesSent:      m.sent.Load(),
		MessagesReceived:  m.received.Load(),
		FailedSends:       m.failed.Load(),
		Rooms:             rooms,
	}
}

func (m *Manager) Rooms() []RoomInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.MapToSlice(m.rooms, func(id string, r *room) RoomInfo {
		return RoomInfo{ID: id, Connections: len(r.members), CreatedAt: r.createdAt}
	})
}

func (m *Manager) Connections(roomID string) []ConnectionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rooms[roomID]
	if r == nil {
		return nil
	}
	return lo.Map(lo.Values(r.members), func(c *Connection, _ int) ConnectionInfo { return c.Info() })
}

// Shutdown stops the sweep, turns every room feed off, closes every
// connection and clears all state. Calling it again is a no-op.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cancel()
	conns := lo.Values(m.connections)
	unsubscribes := lo.FilterMap(lo.Values(m.rooms), func(r *room, _ int) (func(), bool) {
		return r.unsubscribe, settled(r) && r.unsubscribe != nil
	})
	m.connections = make(map[string]*Connection)
	m.rooms = make(map[string]*room)
	m.refreshGaugesLocked()
	m.mu.Unlock()

	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}

	var errs []error
	for _, c := range conns {
		c.markClosed()
		if err := c.transport.Close(); err != nil && !errors.Is(err, ErrTransportClosed) {
			errs = append(errs, err)
		}
		metrics.DisconnectsTotal.WithLabelValues(ReasonShutdown).Inc()
	}

	m.logger.InfowCtx(ctx, "broadcast manager stopped", "connections_closed", len(conns), "rooms_closed", len(unsubscribes))
	if len(errs) > 0 {
		m.logger.WarnwCtx(ctx, "some connections did not close cleanly", "count", len(errs), "error", errors.Join(errs...))
	}
	return nil
}

func (m *Manager) refreshGaugesLocked() {
	metrics.ConnectionsActive.Set(float64(len(m.connections)))
	metrics.RoomsActive.Set(float64(len(m.rooms)))
}
