package broadcast

import (
	"encoding/json"
	"time"

	"pulse/internal/leaderboard"
)

// Server to client message types.
const (
	TypeInitialState          = "initial_state"
	TypeLeaderboardUpdate     = "leaderboard_update"
	TypeLiveEvent             = "live_event"
	TypeAchievementUnlocked   = "achievement_unlocked"
	TypeHeartbeat             = "heartbeat"
	TypeAuthenticationSuccess = "authentication_success"
	TypeNearbyCompetitors     = "nearby_competitors"
	TypeDetailedView          = "detailed_view"
	TypeError                 = "error"
)

// Client to server message types.
const (
	TypeHeartbeatResponse    = "heartbeat_response"
	TypeAuthenticate         = "authenticate"
	TypeGetNearbyCompetitors = "get_nearby_competitors"
	TypeGetDetailedView      = "get_detailed_view"
)

// Error codes carried by TypeError messages.
const (
	CodeInvalidMessage         = "invalid_message"
	CodeUnknownType            = "unknown_type"
	CodeRateLimited            = "rate_limited"
	CodeAuthenticationFailed   = "authentication_failed"
	CodeAuthenticationRequired = "authentication_required"
	CodeNotRanked              = "not_ranked"
	CodeUnavailable            = "unavailable"
)

// Message is the wire frame exchanged with clients in both directions.
type Message struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

func NewMessage(msgType string, data interface{}) Message {
	return Message{Type: msgType, Timestamp: time.Now().UTC(), Data: data}
}

func errorMessage(code, message string) Message {
	return NewMessage(TypeError, ErrorData{Code: code, Message: message})
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type InitialStateData struct {
	ConnectionID  string               `json:"connection_id"`
	Authenticated bool                 `json:"authenticated"`
	Leaderboard   leaderboard.Snapshot `json:"leaderboard"`
}

type HeartbeatData struct {
	ConnectionID string `json:"connection_id"`
}

type AuthenticationSuccessData struct {
	UserID   string             `json:"user_id"`
	Standing *leaderboard.Entry `json:"standing,omitempty"`
}

type NearbyCompetitorsData struct {
	Radius      int                 `json:"radius"`
	Competitors []leaderboard.Entry `json:"competitors"`
}

type DetailedViewData struct {
	Start   int                 `json:"start"`
	Limit   int                 `json:"limit"`
	Entries []leaderboard.Entry `json:"entries"`
}

// LiveEventData wraps a room scoped domain event for viewers.
type LiveEventData struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type authenticateRequest struct {
	Token string `json:"token"`
}

type nearbyRequest struct {
	Radius int `json:"radius"`
}

type detailedViewRequest struct {
	Start int `json:"start"`
	Limit int `json:"limit"`
}

// decodeData tolerates an absent data field.
func decodeData(raw json.RawMessage, out interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, out)
}
