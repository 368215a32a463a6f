package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/auth"
	"pulse/internal/broadcast"
	"pulse/internal/config"
	"pulse/internal/events"
	"pulse/internal/logger"
	"pulse/internal/stream"
	"pulse/pkg/health"
	"pulse/pkg/ratelimit"
)

type fakeRooms struct {
	joined []string
}

func (r *fakeRooms) Rooms() []broadcast.RoomInfo {
	return []broadcast.RoomInfo{{ID: "daily:2024-01-15", Connections: 2}}
}

func (r *fakeRooms) Stats() broadcast.Stats {
	return broadcast.Stats{ActiveConnections: 2, TotalConnections: 7, Rooms: map[string]int{"daily:2024-01-15": 2}}
}

func (r *fakeRooms) ServeWebSocket(w http.ResponseWriter, req *http.Request, roomID, userID string) error {
	r.joined = append(r.joined, roomID+"/"+userID)
	w.WriteHeader(http.StatusSwitchingProtocols)
	return nil
}

type testAPI struct {
	router   *gin.Engine
	bus      *stream.Bus
	store    *stream.MemoryStore
	rooms    *fakeRooms
	verifier *auth.Verifier
	checks   *health.CheckerRegistry
}

func newTestAPI(t *testing.T, requireAuth bool, admin ...gin.HandlerFunc) testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := stream.NewMemoryStore()
	bus := stream.NewBus(store, events.DefaultRegistry(), logger.NopLogger(), stream.DefaultOptions())
	rooms := &fakeRooms{}
	verifier := auth.NewVerifier(config.AuthConfig{JWTSecret: "test-secret", Issuer: "pulse"})
	checks := health.NewCheckerRegistry()

	router := gin.New()
	NewHandler(bus, rooms, verifier, checks, requireAuth, logger.NopLogger()).RegisterRoutes(router, admin...)
	return testAPI{router: router, bus: bus, store: store, rooms: rooms, verifier: verifier, checks: checks}
}

func (a testAPI) do(method, path string, body []byte, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func envelopeBody(t *testing.T, key string) []byte {
	t.Helper()
	env := events.NewBuilder(events.NFTMinted{TokenID: "tok-1", OwnerID: "user-1", Collection: "genesis"}).
		WithIdempotencyKey(key).
		MustBuild()
	body, err := env.Marshal()
	require.NoError(t, err)
	return body
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	code, _ := resp["error_code"].(string)
	return code
}

func TestPublishEvent(t *testing.T) {
	a := newTestAPI(t, false)

	first := a.do(http.MethodPost, "/api/v1/events", envelopeBody(t, "k1"))
	require.Equal(t, http.StatusCreated, first.Code)
	var res stream.PublishResult
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &res))
	assert.Equal(t, int64(1), res.Sequence)
	assert.False(t, res.Deduplicated)

	second := a.do(http.MethodPost, "/api/v1/events", envelopeBody(t, "k1"))
	require.Equal(t, http.StatusOK, second.Code)
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &res))
	assert.True(t, res.Deduplicated)

	n, err := a.store.Length(context.Background(), events.TypeNFTMinted)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPublishEventRejectsInvalidInput(t *testing.T) {
	a := newTestAPI(t, false)

	w := a.do(http.MethodPost, "/api/v1/events", []byte("{"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, w))

	w = a.do(http.MethodPost, "/api/v1/events", []byte(`{"event_type":"trading.unknown","domain":"trading","payload":{}}`))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "SCHEMA_VALIDATION", errorCode(t, w))
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t, false)
	a.checks.Register(health.NewFuncChecker("redis", func(ctx context.Context) error { return nil }))

	w := a.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, health.StatusHealthy, resp.Status)
	assert.Equal(t, 2, resp.ConnectionStats.ActiveConnections)
	assert.Contains(t, resp.Checks, "redis")
	assert.NotNil(t, resp.PerStreamDepth)
	assert.NotNil(t, resp.ConsumerLag)
}

func TestHealthUnhealthyCheck(t *testing.T) {
	a := newTestAPI(t, false)
	a.checks.Register(health.NewFuncChecker("redis", func(ctx context.Context) error { return errors.New("connection refused") }))
	a.checks.Register(health.NewFuncChecker("bus", func(ctx context.Context) error { return health.Degraded(errors.New("lagging")) }))

	w := a.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealthDegradedStillServes(t *testing.T) {
	a := newTestAPI(t, false)
	a.checks.Register(health.NewFuncChecker("bus", func(ctx context.Context) error { return health.Degraded(errors.New("lagging")) }))

	w := a.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, health.StatusDegraded, resp.Status)
}

func TestListRooms(t *testing.T) {
	a := newTestAPI(t, false)
	w := a.do(http.MethodGet, "/api/v1/rooms", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var rooms []broadcast.RoomInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rooms))
	require.Len(t, rooms, 1)
	assert.Equal(t, "daily:2024-01-15", rooms[0].ID)
}

func TestDeadLetterRoutes(t *testing.T) {
	a := newTestAPI(t, false)
	ctx := context.Background()

	env := events.NewBuilder(events.NFTMinted{TokenID: "tok-9", OwnerID: "user-2", Collection: "genesis"}).MustBuild()
	raw, err := env.Marshal()
	require.NoError(t, err)
	id, err := a.store.AppendDeadLetter(ctx, events.TypeNFTMinted, stream.DeadLetter{
		Stream:   events.TypeNFTMinted,
		Group:    "core",
		Reason:   stream.ReasonHandlerFailed,
		Envelope: raw,
	})
	require.NoError(t, err)

	w := a.do(http.MethodGet, "/api/v1/dead-letters/"+events.TypeNFTMinted+"?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var dls []stream.DeadLetter
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dls))
	require.Len(t, dls, 1)
	assert.Equal(t, "core", dls[0].Group)

	w = a.do(http.MethodPost, "/api/v1/dead-letters/"+events.TypeNFTMinted+"/"+id+"/replay", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var res stream.PublishResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, env.EventID, res.EventID)

	count, err := a.store.DeadLetterCount(ctx, events.TypeNFTMinted)
	require.NoError(t, err)
	assert.Zero(t, count)

	w = a.do(http.MethodPost, "/api/v1/dead-letters/"+events.TypeNFTMinted+"/"+id+"/replay", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeadLetterRoutesValidateInput(t *testing.T) {
	a := newTestAPI(t, false)

	w := a.do(http.MethodGet, "/api/v1/dead-letters/"+events.TypeNFTMinted+"?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(http.MethodGet, "/api/v1/dead-letters/trading.unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteGroup(t *testing.T) {
	a := newTestAPI(t, false)
	ctx := context.Background()
	require.NoError(t, a.store.EnsureGroup(ctx, events.TypeNFTMinted, "analytics", stream.StartOrigin))

	w := a.do(http.MethodDelete, "/api/v1/groups/"+events.TypeNFTMinted+"/analytics", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = a.do(http.MethodDelete, "/api/v1/groups/"+events.TypeNFTMinted+"/analytics", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestJoinRoomTokenHandling(t *testing.T) {
	a := newTestAPI(t, false)
	token, err := a.verifier.Issue("user-6", "Trader 6", time.Hour)
	require.NoError(t, err)

	a.do(http.MethodGet, "/ws/rooms/daily:2024-01-15?token="+token, nil)
	a.do(http.MethodGet, "/ws/rooms/daily:2024-01-15", nil, "Authorization", "Bearer "+token)
	a.do(http.MethodGet, "/ws/rooms/daily:2024-01-15?token=garbage", nil)
	a.do(http.MethodGet, "/ws/rooms/daily:2024-01-15", nil)

	assert.Equal(t, []string{
		"daily:2024-01-15/user-6",
		"daily:2024-01-15/user-6",
		"daily:2024-01-15/",
		"daily:2024-01-15/",
	}, a.rooms.joined)
}

func TestJoinRoomRequiresTokenWhenConfigured(t *testing.T) {
	a := newTestAPI(t, true)

	w := a.do(http.MethodGet, "/ws/rooms/daily:2024-01-15", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = a.do(http.MethodGet, "/ws/rooms/daily:2024-01-15?token=garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "AUTHENTICATION", errorCode(t, w))

	token, err := a.verifier.Issue("user-1", "", time.Hour)
	require.NoError(t, err)
	a.do(http.MethodGet, "/ws/rooms/daily:2024-01-15?token="+token, nil)
	assert.Equal(t, []string{"daily:2024-01-15/user-1"}, a.rooms.joined)
}

func TestAdminRoutesAreRateLimited(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	limiter := ratelimit.RateLimitMiddleware(ctx, ratelimit.RateLimitConfig{
		RPS:             0.001,
		Burst:           2,
		CleanupInterval: time.Minute,
		MaxAge:          time.Minute,
	})
	a := newTestAPI(t, false, limiter)

	assert.Equal(t, http.StatusOK, a.do(http.MethodGet, "/api/v1/rooms", nil).Code)
	assert.Equal(t, http.StatusOK, a.do(http.MethodGet, "/api/v1/rooms", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, a.do(http.MethodGet, "/api/v1/rooms", nil).Code)

	// Public routes are not behind the admin limiter.
	assert.Equal(t, http.StatusOK, a.do(http.MethodGet, "/health", nil).Code)
}
