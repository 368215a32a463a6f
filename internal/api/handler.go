package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pulse/internal/broadcast"
	"pulse/internal/constants"
	"pulse/internal/events"
	"pulse/internal/logger"
	"pulse/internal/stream"
	apperrors "pulse/pkg/errors"
	"pulse/pkg/health"
)

// Bus is the part of the stream bus exposed over HTTP.
type Bus interface {
	Publish(ctx context.Context, env events.Envelope) (stream.PublishResult, error)
	HealthCheck() stream.Health
	DeadLetters(ctx context.Context, eventType string, limit int64) ([]stream.DeadLetter, error)
	ReplayDeadLetter(ctx context.Context, eventType, id string) (stream.PublishResult, error)
	DeleteGroup(ctx context.Context, eventType, group string) error
}

// Rooms is the part of the broadcast manager exposed over HTTP.
type Rooms interface {
	Rooms() []broadcast.RoomInfo
	Stats() broadcast.Stats
	ServeWebSocket(w http.ResponseWriter, r *http.Request, roomID, userID string) error
}

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

type BaseHandler struct {
	Logger logger.Logger
}

func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	h.Logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)

	var verr *events.SchemaValidationError
	if errors.As(err, &verr) {
		err = apperrors.ErrSchemaValidation.WithMessage(verr.Error())
	}

	status := apperrors.ToHTTPStatus(err)
	response := apperrors.ToErrorResponse(err)

	c.JSON(status, response)
}

type Handler struct {
	BaseHandler
	Bus         Bus
	Rooms       Rooms
	Auth        Authenticator
	Health      *health.CheckerRegistry
	RequireAuth bool
}

func NewHandler(bus Bus, rooms Rooms, auth Authenticator, checks *health.CheckerRegistry, requireAuth bool, log logger.Logger) *Handler {
	return &Handler{
		BaseHandler: BaseHandler{Logger: log},
		Bus:         bus,
		Rooms:       rooms,
		Auth:        auth,
		Health:      checks,
		RequireAuth: requireAuth,
	}
}

// RegisterRoutes mounts the public routes on router and the administrative
// ones under /api/v1, behind adminMiddleware.
func (h *Handler) RegisterRoutes(router *gin.Engine, adminMiddleware ...gin.HandlerFunc) {
	router.GET("/health", h.GetHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws/rooms/:"+constants.RoomIDParam, h.JoinRoom)

	v1 := router.Group("/api/v1", adminMiddleware...)
	{
		v1.POST("/events", h.PublishEvent)
		v1.GET("/rooms", h.ListRooms)

		deadLetters := v1.Group("/dead-letters")
		{
			deadLetters.GET("/:event_type", h.ListDeadLetters)
			deadLetters.POST("/:event_type/:id/replay", h.ReplayDeadLetter)
		}

		v1.DELETE("/groups/:event_type/:group", h.DeleteGroup)
	}
}

// HealthResponse merges the bus snapshot, connection statistics and the
// dependency checks.
type HealthResponse struct {
	Status          health.Status                 `json:"status"`
	Bus             stream.Status                 `json:"bus"`
	PerStreamDepth  map[string]int64              `json:"perStreamDepth"`
	ConsumerLag     map[string]map[string]int64   `json:"consumerLag"`
	DeadLetters     map[string]int64              `json:"deadLetters"`
	ConnectionStats broadcast.Stats               `json:"connectionStats"`
	Checks          map[string]health.CheckResult `json:"checks"`
}

// GetHealth answers 503 only when a check is unhealthy; a degraded bus still
// serves.
func (h *Handler) GetHealth(c *gin.Context) {
	checks := h.Health.Check(c.Request.Context())
	busHealth := h.Bus.HealthCheck()

	resp := HealthResponse{
		Status:          checks.Status,
		Bus:             busHealth.Status,
		PerStreamDepth:  busHealth.PerStreamDepth,
		ConsumerLag:     busHealth.ConsumerLag,
		DeadLetters:     busHealth.DeadLetters,
		ConnectionStats: h.Rooms.Stats(),
		Checks:          checks.Checks,
	}

	status := http.StatusOK
	if checks.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

// JoinRoom upgrades the request to a websocket in the room named by the path.
// A token may come from the token query parameter or a bearer header. An
// invalid token is refused only when authentication is required on accept;
// otherwise the client joins anonymously and may authenticate later.
func (h *Handler) JoinRoom(c *gin.Context) {
	ctx := c.Request.Context()
	roomID := c.Param(constants.RoomIDParam)

	userID := ""
	token := bearerToken(c)
	if token != "" && h.Auth != nil {
		id, err := h.Auth.Authenticate(ctx, token)
		if err != nil && h.RequireAuth {
			h.HandleError(c, err)
			return
		}
		if err != nil {
			h.Logger.WarnwCtx(ctx, "Join with invalid token, continuing anonymously", "room_id", roomID, "error", err)
		}
		userID = id
	}
	if userID == "" && h.RequireAuth {
		h.HandleError(c, apperrors.ErrAuthentication.WithMessage("token required"))
		return
	}

	if err := h.Rooms.ServeWebSocket(c.Writer, c.Request, roomID, userID); err != nil {
		h.Logger.WarnwCtx(ctx, "Websocket session ended with error", "room_id", roomID, "error", err)
	}
}

func bearerToken(c *gin.Context) string {
	if token := c.Query(constants.TokenParam); token != "" {
		return token
	}
	header := c.GetHeader("Authorization")
	if rest, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(rest)
	}
	return ""
}

// PublishEvent appends an envelope for a producer that cannot reach the
// bus directly. A repeated idempotency key answers 200 with deduplicated set.
func (h *Handler) PublishEvent(c *gin.Context) {
	var env events.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, apperrors.ToErrorResponse(apperrors.ErrValidation.WithCause(err)))
		return
	}

	res, err := h.Bus.Publish(c.Request.Context(), env)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	status := http.StatusCreated
	if res.Deduplicated {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

func (h *Handler) ListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, h.Rooms.Rooms())
}

// ListDeadLetters returns the oldest dead letters of one event type.
func (h *Handler) ListDeadLetters(c *gin.Context) {
	limit := int64(constants.DefaultDeadLetterLimit)
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			h.HandleError(c, apperrors.ErrValidation.WithMessage("limit must be a positive integer"))
			return
		}
		limit = min(n, constants.MaxDeadLetterLimit)
	}

	dls, err := h.Bus.DeadLetters(c.Request.Context(), c.Param("event_type"), limit)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, dls)
}

func (h *Handler) ReplayDeadLetter(c *gin.Context) {
	res, err := h.Bus.ReplayDeadLetter(c.Request.Context(), c.Param("event_type"), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) DeleteGroup(c *gin.Context) {
	if err := h.Bus.DeleteGroup(c.Request.Context(), c.Param("event_type"), c.Param("group")); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
