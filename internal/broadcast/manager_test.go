package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/auth"
	"pulse/internal/config"
	"pulse/internal/events"
	"pulse/internal/leaderboard"
	"pulse/internal/logger"
)

const testRoom = "daily:2024-01-15"

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type fakeTransport struct {
	mu     sync.Mutex
	frames []frame
	fail   bool
	closed int
}

func (t *fakeTransport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail {
		return errors.New("broken pipe")
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	t.frames = append(t.frames, f)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed++
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) ofType(msgType string) []frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []frame
	for _, f := range t.frames {
		if f.Type == msgType {
			out = append(out, f)
		}
	}
	return out
}

func (t *fakeTransport) last() frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames[len(t.frames)-1]
}

type countingFeed struct {
	subscribed   atomic.Int32
	unsubscribed atomic.Int32
	delay        time.Duration
	err          error
	// entered is closed when SubscribeRoom starts; it then waits for release
	entered chan struct{}
	release chan struct{}

	mu       sync.Mutex
	delivers map[string]func(context.Context, Message)
}

func (f *countingFeed) SubscribeRoom(ctx context.Context, roomID string, deliver func(context.Context, Message)) (func(), error) {
	if f.entered != nil {
		close(f.entered)
		<-f.release
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	f.subscribed.Add(1)
	f.mu.Lock()
	if f.delivers == nil {
		f.delivers = make(map[string]func(context.Context, Message))
	}
	f.delivers[roomID] = deliver
	f.mu.Unlock()
	return func() { f.unsubscribed.Add(1) }, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newBoard(t *testing.T, ranked int) *leaderboard.Board {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	board := leaderboard.NewBoard(client, "pulse", 3)

	update := events.LeaderboardUpdated{TournamentID: testRoom}
	for i := 1; i <= ranked; i++ {
		update.Entries = append(update.Entries, events.LeaderboardEntry{
			UserID:      fmt.Sprintf("user-%d", i),
			DisplayName: fmt.Sprintf("Trader %d", i),
			Score:       float64(1000 - i*10),
		})
	}
	if ranked > 0 {
		require.NoError(t, board.Apply(context.Background(), update))
	}
	return board
}

func testManager(t *testing.T, options ...ManagerOption) *Manager {
	t.Helper()
	m := NewManager(newBoard(t, 10), logger.NopLogger(), DefaultOptions(), options...)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func connect(t *testing.T, m *Manager, userID string) (*Connection, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	conn, err := m.Connect(context.Background(), tr, testRoom, userID)
	require.NoError(t, err)
	return conn, tr
}

func clientMessage(t *testing.T, msgType string, data interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{"type": msgType, "data": data})
	require.NoError(t, err)
	return raw
}

func decodeErrorCode(t *testing.T, f frame) string {
	t.Helper()
	require.Equal(t, TypeError, f.Type)
	var e ErrorData
	require.NoError(t, json.Unmarshal(f.Data, &e))
	return e.Code
}

func TestConnectPushesInitialState(t *testing.T) {
	m := testManager(t)
	conn, tr := connect(t, m, "user-6")

	assert.Equal(t, StateAuthenticated, conn.State())
	states := tr.ofType(TypeInitialState)
	require.Len(t, states, 1)

	var data InitialStateData
	require.NoError(t, json.Unmarshal(states[0].Data, &data))
	assert.Equal(t, conn.ID, data.ConnectionID)
	assert.True(t, data.Authenticated)
	assert.Len(t, data.Leaderboard.Top, 3)
	require.NotNil(t, data.Leaderboard.You)
	assert.Equal(t, int64(6), data.Leaderboard.You.Rank)

	anon, _ := connect(t, m, "")
	assert.Equal(t, StateConnected, anon.State())
}

func TestConnectRequiresRoom(t *testing.T) {
	m := testManager(t)
	_, err := m.Connect(context.Background(), &fakeTransport{}, "", "")
	require.Error(t, err)
	assert.Zero(t, m.Stats().TotalConnections)
}

func TestConnectThenDisconnectLeavesNothingBehind(t *testing.T) {
	feed := &countingFeed{}
	m := testManager(t, WithRoomSubscriber(feed))

	conn, tr := connect(t, m, "")
	assert.Equal(t, int32(1), feed.subscribed.Load())
	require.Len(t, m.Rooms(), 1)

	assert.True(t, m.Disconnect(conn.ID, ReasonClientClosed))
	assert.False(t, m.Disconnect(conn.ID, ReasonClientClosed))

	stats := m.Stats()
	assert.Zero(t, stats.ActiveConnections)
	assert.Empty(t, stats.Rooms)
	assert.Empty(t, m.Rooms())
	assert.Equal(t, int64(1), stats.TotalConnections)
	assert.Equal(t, int32(1), feed.unsubscribed.Load())
	assert.Equal(t, StateDisconnected, conn.State())
	assert.Equal(t, 1, tr.closed)
}

func TestRoomFeedSharedByConcurrentJoiners(t *testing.T) {
	feed := &countingFeed{delay: 20 * time.Millisecond}
	m := testManager(t, WithRoomSubscriber(feed))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Connect(context.Background(), &fakeTransport{}, testRoom, "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), feed.subscribed.Load())
	stats := m.Stats()
	assert.Equal(t, 10, stats.ActiveConnections)
	assert.Equal(t, 10, stats.PeakConnections)
	assert.Equal(t, 10, stats.Rooms[testRoom])
}

func TestConnectFailsWhenFeedCannotSubscribe(t *testing.T) {
	m := testManager(t, WithRoomSubscriber(&countingFeed{err: errors.New("redis down")}))

	tr := &fakeTransport{}
	_, err := m.Connect(context.Background(), tr, testRoom, "")
	require.Error(t, err)
	assert.Empty(t, m.Rooms())
	assert.Zero(t, m.Stats().ActiveConnections)
	assert.Equal(t, 1, tr.closed)
}

func TestShutdownWhileRoomOpensReleasesFeed(t *testing.T) {
	feed := &countingFeed{entered: make(chan struct{}), release: make(chan struct{})}
	m := testManager(t, WithRoomSubscriber(feed))

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Connect(context.Background(), &fakeTransport{}, testRoom, "")
		errCh <- err
	}()

	<-feed.entered
	require.NoError(t, m.Shutdown(context.Background()))
	close(feed.release)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, apperrors.ErrServiceUnavailable)
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not return")
	}
	assert.Equal(t, int32(1), feed.subscribed.Load())
	assert.Equal(t, int32(1), feed.unsubscribed.Load())
	assert.Empty(t, m.Rooms())
}

func TestFeedDeliveriesReachRoom(t *testing.T) {
	feed := &countingFeed{}
	m := testManager(t, WithRoomSubscriber(feed))
	_, tr := connect(t, m, "")

	feed.mu.Lock()
	deliver := feed.delivers[testRoom]
	feed.mu.Unlock()
	require.NotNil(t, deliver)

	deliver(context.Background(), NewMessage(TypeLiveEvent, LiveEventData{EventID: "e-1"}))
	assert.Len(t, tr.ofType(TypeLiveEvent), 1)
}

func TestBroadcastDropsOnlyTheBrokenConnection(t *testing.T) {
	m := testManager(t)
	var healthy []*fakeTransport
	for i := 0; i < 4; i++ {
		_, tr := connect(t, m, "")
		healthy = append(healthy, tr)
	}
	broken, brokenTr := connect(t, m, "")
	brokenTr.mu.Lock()
	brokenTr.fail = true
	brokenTr.mu.Unlock()

	delivered := m.BroadcastToRoom(context.Background(), testRoom, NewMessage(TypeLeaderboardUpdate, nil), "")

	assert.Equal(t, 4, delivered)
	for _, tr := range healthy {
		assert.Len(t, tr.ofType(TypeLeaderboardUpdate), 1)
	}
	assert.Equal(t, StateDisconnected, broken.State())
	stats := m.Stats()
	assert.Equal(t, 4, stats.ActiveConnections)
	assert.Equal(t, int64(1), stats.FailedSends)
}

func TestBroadcastExcludesUser(t *testing.T) {
	m := testManager(t)
	_, self := connect(t, m, "user-1")
	_, other := connect(t, m, "user-2")

	delivered := m.BroadcastToRoom(context.Background(), testRoom, NewMessage(TypeAchievementUnlocked, nil), "user-1")

	assert.Equal(t, 1, delivered)
	assert.Empty(t, self.ofType(TypeAchievementUnlocked))
	assert.Len(t, other.ofType(TypeAchievementUnlocked), 1)
	assert.Zero(t, m.BroadcastToRoom(context.Background(), "empty-room", NewMessage(TypeLiveEvent, nil), ""))
}

func TestSweepDropsStaleConnections(t *testing.T) {
	clk := &clock{now: time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)}
	m := testManager(t, WithClock(clk.Now))

	stale, _ := connect(t, m, "")
	a, aTr := connect(t, m, "")
	b, bTr := connect(t, m, "")

	clk.Advance(90 * time.Second)
	require.NoError(t, m.HandleClientMessage(context.Background(), a.ID, clientMessage(t, TypeHeartbeatResponse, nil)))
	require.NoError(t, m.HandleClientMessage(context.Background(), b.ID, clientMessage(t, TypeGetDetailedView, map[string]int{"limit": 1})))
	clk.Advance(40 * time.Second)

	removed := m.Sweep(context.Background())

	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, m.Stats().ActiveConnections)
	assert.Equal(t, StateDisconnected, stale.State())
	assert.Len(t, aTr.ofType(TypeHeartbeat), 1)
	assert.Len(t, bTr.ofType(TypeHeartbeat), 1)
}

func TestNearbyCompetitorsAroundCaller(t *testing.T) {
	m := testManager(t)
	conn, tr := connect(t, m, "user-6")

	require.NoError(t, m.HandleClientMessage(context.Background(), conn.ID,
		clientMessage(t, TypeGetNearbyCompetitors, map[string]int{"radius": 2})))

	got := tr.last()
	require.Equal(t, TypeNearbyCompetitors, got.Type)
	var data NearbyCompetitorsData
	require.NoError(t, json.Unmarshal(got.Data, &data))
	assert.Equal(t, 2, data.Radius)
	require.Len(t, data.Competitors, 5)

	current := 0
	for i, e := range data.Competitors {
		assert.Equal(t, int64(4+i), e.Rank)
		if e.IsCurrentUser {
			current++
		}
	}
	assert.Equal(t, 1, current)
}

func TestNearbyRadiusIsClamped(t *testing.T) {
	opts := DefaultOptions()
	opts.DefaultRadius = 1
	opts.MaxRadius = 3
	m := NewManager(newBoard(t, 10), logger.NopLogger(), opts)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	conn, tr := connect(t, m, "user-6")

	for _, tc := range []struct {
		asked, want int
	}{
		{0, 1},
		{-4, 1},
		{50, 3},
	} {
		require.NoError(t, m.HandleClientMessage(context.Background(), conn.ID,
			clientMessage(t, TypeGetNearbyCompetitors, map[string]int{"radius": tc.asked})))
		var data NearbyCompetitorsData
		require.NoError(t, json.Unmarshal(tr.last().Data, &data))
		assert.Equal(t, tc.want, data.Radius)
		assert.Len(t, data.Competitors, 2*tc.want+1)
	}
}

func TestNearbyErrors(t *testing.T) {
	m := testManager(t)

	anon, anonTr := connect(t, m, "")
	require.NoError(t, m.HandleClientMessage(context.Background(), anon.ID, clientMessage(t, TypeGetNearbyCompetitors, nil)))
	assert.Equal(t, CodeAuthenticationRequired, decodeErrorCode(t, anonTr.last()))

	ghost, ghostTr := connect(t, m, "ghost")
	require.NoError(t, m.HandleClientMessage(context.Background(), ghost.ID, clientMessage(t, TypeGetNearbyCompetitors, nil)))
	assert.Equal(t, CodeNotRanked, decodeErrorCode(t, ghostTr.last()))
}

func TestDetailedViewIsClamped(t *testing.T) {
	m := testManager(t)
	conn, tr := connect(t, m, "user-3")

	require.NoError(t, m.HandleClientMessage(context.Background(), conn.ID,
		clientMessage(t, TypeGetDetailedView, map[string]int{"start": 2, "limit": 500})))

	var data DetailedViewData
	got := tr.last()
	require.Equal(t, TypeDetailedView, got.Type)
	require.NoError(t, json.Unmarshal(got.Data, &data))
	assert.Equal(t, 2, data.Start)
	assert.Equal(t, 100, data.Limit)
	require.Len(t, data.Entries, 9)
	assert.Equal(t, int64(2), data.Entries[0].Rank)
	assert.True(t, data.Entries[1].IsCurrentUser)
}

func TestAuthenticateUpgradesConnection(t *testing.T) {
	verifier := auth.NewVerifier(config.AuthConfig{JWTSecret: "test-secret", Issuer: "pulse"})
	m := testManager(t, WithAuthenticator(verifier))
	conn, tr := connect(t, m, "")
	require.Equal(t, StateConnected, conn.State())

	require.NoError(t, m.HandleClientMessage(context.Background(), conn.ID,
		clientMessage(t, TypeAuthenticate, map[string]string{"token": "not-a-jwt"})))
	assert.Equal(t, CodeAuthenticationFailed, decodeErrorCode(t, tr.last()))
	assert.Equal(t, StateConnected, conn.State())

	token, err := verifier.Issue("user-2", "Trader 2", time.Minute)
	require.NoError(t, err)
	require.NoError(t, m.HandleClientMessage(context.Background(), conn.ID,
		clientMessage(t, TypeAuthenticate, map[string]string{"token": token})))

	got := tr.last()
	require.Equal(t, TypeAuthenticationSuccess, got.Type)
	var data AuthenticationSuccessData
	require.NoError(t, json.Unmarshal(got.Data, &data))
	assert.Equal(t, "user-2", data.UserID)
	require.NotNil(t, data.Standing)
	assert.Equal(t, int64(2), data.Standing.Rank)
	assert.Equal(t, StateAuthenticated, conn.State())
	assert.Equal(t, "user-2", conn.UserID())
}

func TestClientMessageRejections(t *testing.T) {
	m := testManager(t)
	conn, tr := connect(t, m, "")

	require.NoError(t, m.HandleClientMessage(context.Background(), conn.ID, []byte("{not json")))
	assert.Equal(t, CodeInvalidMessage, decodeErrorCode(t, tr.last()))

	require.NoError(t, m.HandleClientMessage(context.Background(), conn.ID, clientMessage(t, "subscribe_everything", nil)))
	assert.Equal(t, CodeUnknownType, decodeErrorCode(t, tr.last()))

	err := m.HandleClientMessage(context.Background(), "missing", clientMessage(t, TypeHeartbeatResponse, nil))
	assert.Error(t, err)
}

func TestInboundRateLimit(t *testing.T) {
	opts := DefaultOptions()
	opts.InboundRPS = 0.001
	opts.InboundBurst = 2
	m := NewManager(newBoard(t, 3), logger.NopLogger(), opts)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	conn, tr := connect(t, m, "")

	for i := 0; i < 2; i++ {
		require.NoError(t, m.HandleClientMessage(context.Background(), conn.ID, clientMessage(t, TypeHeartbeatResponse, nil)))
	}
	require.NoError(t, m.HandleClientMessage(context.Background(), conn.ID, clientMessage(t, TypeHeartbeatResponse, nil)))
	assert.Equal(t, CodeRateLimited, decodeErrorCode(t, tr.last()))
	assert.Equal(t, int64(3), m.Stats().MessagesReceived)
}

func TestShutdown(t *testing.T) {
	t.Run("without connections", func(t *testing.T) {
		m := NewManager(newBoard(t, 0), logger.NopLogger(), DefaultOptions())
		require.NoError(t, m.Shutdown(context.Background()))
		require.NoError(t, m.Shutdown(context.Background()))
	})

	t.Run("closes everything", func(t *testing.T) {
		feed := &countingFeed{}
		m := NewManager(newBoard(t, 3), logger.NopLogger(), DefaultOptions(), WithRoomSubscriber(feed))
		var transports []*fakeTransport
		for _, room := range []string{testRoom, testRoom, "weekly"} {
			tr := &fakeTransport{}
			_, err := m.Connect(context.Background(), tr, room, "")
			require.NoError(t, err)
			transports = append(transports, tr)
		}

		done := make(chan error, 1)
		go func() { done <- m.Run(context.Background()) }()

		require.NoError(t, m.Shutdown(context.Background()))
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("sweep loop did not stop")
		}

		for _, tr := range transports {
			assert.Equal(t, 1, tr.closed)
		}
		assert.Equal(t, int32(2), feed.unsubscribed.Load())
		assert.Zero(t, m.Stats().ActiveConnections)
		assert.Empty(t, m.Rooms())

		_, err := m.Connect(context.Background(), &fakeTransport{}, testRoom, "")
		assert.Error(t, err)
		require.NoError(t, m.Shutdown(context.Background()))
	})
}

func TestOptionsFromConfig(t *testing.T) {
	opts := OptionsFromConfig(config.BroadcastConfig{SweepInterval: time.Second, StaleAfter: 4 * time.Second, MaxDetailedView: 20})
	assert.Equal(t, time.Second, opts.SweepInterval)
	assert.Equal(t, 4*time.Second, opts.StaleAfter)
	assert.Equal(t, 20, opts.MaxDetailedView)
	assert.Equal(t, 5*time.Second, opts.SendTimeout)
}
