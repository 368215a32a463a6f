package broadcast

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pulse/pkg/logging"
)

var ErrTransportClosed = errors.New("transport closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Viewers authenticate with a token, not a cookie, so any origin may connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocketTransport serializes writes to one gorilla connection.
type WebSocketTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func NewWebSocketTransport(conn *websocket.Conn, writeTimeout time.Duration) *WebSocketTransport {
	return &WebSocketTransport{conn: conn, writeTimeout: writeTimeout}
}

func (t *WebSocketTransport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(t.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and releases the socket. Only the first call has
// an effect.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	t.closed = true
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return t.conn.Close()
}

// ServeWebSocket upgrades the request, joins roomID and pumps inbound frames
// into HandleClientMessage until the client goes away. It blocks for the
// lifetime of the connection.
func (m *Manager) ServeWebSocket(w http.ResponseWriter, r *http.Request, roomID, userID string) error {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		return err
	}
	ws.SetReadLimit(m.opts.ReadLimitBytes)

	ctx := r.Context()
	conn, err := m.Connect(ctx, NewWebSocketTransport(ws, m.opts.SendTimeout), roomID, userID)
	if err != nil {
		_ = ws.Close()
		return err
	}
	ctx = logging.WithConnectionID(ctx, conn.ID)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.logger.DebugwCtx(ctx, "websocket read ended", "error", err)
			}
			m.Disconnect(conn.ID, ReasonClientClosed)
			return nil
		}
		if err := m.HandleClientMessage(ctx, conn.ID, data); err != nil {
			return nil
		}
	}
}
