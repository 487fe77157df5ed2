// Package ws carries the coordinator protocol over WebSocket connections.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mixmate/remixd/internal/event"
	"github.com/mixmate/remixd/internal/metrics"
	"github.com/mixmate/remixd/internal/router"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser clients connect from arbitrary origins; identity comes from
	// the authenticated userId, not the Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades HTTP requests to coordinator connections.
type Handler struct {
	router     *router.Router
	logger     zerolog.Logger
	sendBuffer int
}

// NewHandler creates a WebSocket handler dispatching into the given router.
func NewHandler(rt *router.Router, sendBuffer int, logger zerolog.Logger) *Handler {
	return &Handler{router: rt, logger: logger, sendBuffer: sendBuffer}
}

// ServeHTTP upgrades the connection. The authenticated user id arrives from
// the identity layer as a query parameter or header; the coordinator trusts
// the identifier it is given.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = r.Header.Get("X-User-Id")
	}
	if userID == "" {
		http.Error(w, "missing user identity", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, h.sendBuffer),
		logger: h.logger.With().Str("user", userID).Logger(),
	}
	metrics.ActiveConnections.Inc()
	h.logger.Debug().Str("conn", c.id).Str("user", userID).Msg("connection established")

	go c.writePump()
	go c.readPump(h.router)
}

// client is one live connection. It satisfies hub.Conn: Send enqueues into
// the bounded buffer and never blocks.
type client struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan []byte
	logger zerolog.Logger
}

func (c *client) ID() string     { return c.id }
func (c *client) UserID() string { return c.userID }

// Send implements hub.Conn. It reports false when the peer's buffer is full;
// the event is dropped for this peer only.
func (c *client) Send(env event.Envelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// readPump feeds inbound frames to the router until the connection dies,
// then runs the disconnect path exactly once.
func (c *client) readPump(rt *router.Router) {
	defer func() {
		rt.Disconnect(context.Background(), c)
		close(c.send)
		_ = c.conn.Close()
		metrics.ActiveConnections.Dec()
		c.logger.Debug().Str("conn", c.id).Msg("connection closed")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Str("conn", c.id).Msg("unexpected close")
			}
			return
		}
		rt.Dispatch(context.Background(), c, raw)
	}
}

// writePump drains the send buffer and keeps the connection alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
