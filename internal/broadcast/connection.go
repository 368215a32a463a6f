package broadcast

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type State int

const (
	StateConnecting State = iota
	StateConnected
	StateAuthenticated
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Transport delivers encoded frames to one client. Send must be safe to call
// from several goroutines.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Close() error
}

// Connection is one client attached to a room.
type Connection struct {
	ID          string
	RoomID      string
	ConnectedAt time.Time

	transport Transport
	limiter   *rate.Limiter
	room      *room

	mu            sync.RWMutex
	userID        string
	state         State
	lastHeartbeat time.Time
}

// ConnectionInfo is a point-in-time view of a connection.
type ConnectionInfo struct {
	ID            string    `json:"id"`
	RoomID        string    `json:"room_id"`
	UserID        string    `json:"user_id,omitempty"`
	State         State     `json:"state"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Connection) LastHeartbeat() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHeartbeat
}

func (c *Connection) Info() ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ConnectionInfo{
		ID:            c.ID,
		RoomID:        c.RoomID,
		UserID:        c.userID,
		State:         c.state,
		ConnectedAt:   c.ConnectedAt,
		LastHeartbeat: c.lastHeartbeat,
	}
}

func (c *Connection) touch(t time.Time) {
	c.mu.Lock()
	if t.After(c.lastHeartbeat) {
		c.lastHeartbeat = t
	}
	c.mu.Unlock()
}

func (c *Connection) authenticate(userID string) {
	c.mu.Lock()
	c.userID = userID
	if c.state != StateDisconnected {
		c.state = StateAuthenticated
	}
	c.mu.Unlock()
}

// markOpen moves a connecting connection to Connected or Authenticated.
func (c *Connection) markOpen() {
	c.mu.Lock()
	if c.state == StateConnecting {
		if c.userID != "" {
			c.state = StateAuthenticated
		} else {
			c.state = StateConnected
		}
	}
	c.mu.Unlock()
}

func (c *Connection) markClosed() {
	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
}

func (c *Connection) staleSince(now time.Time, threshold time.Duration) bool {
	return now.Sub(c.LastHeartbeat()) > threshold
}
