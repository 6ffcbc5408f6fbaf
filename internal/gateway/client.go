package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/genialo555/ecotrack-tracking/internal/auth"
)

const (
	// writeWait bounds a single frame write to a client.
	writeWait = 10 * time.Second

	maxMessageSize = 4096
	// sendBufferSize caps the per-observer backlog; overflow drops events
	// rather than backpressuring ingestion.
	sendBufferSize = 32
)

// pongWait is the liveness window: a connection that sends neither a message
// nor a pong within it is reaped like an explicit disconnect. pingPeriod must
// be shorter than pongWait. Variables so tests can shorten the window.
var (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// client is one WebSocket connection. It implements presence.Sink; the
// read pump feeds the gateway, the write pump drains the send buffer and
// keeps the liveness ping going.
type client struct {
	id     string
	userID string
	role   string

	gw   *Gateway
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newClient(g *Gateway, ws *websocket.Conn, identity auth.Identity) *client {
	return &client{
		id:     uuid.NewString(),
		userID: identity.UserID,
		role:   identity.Role,
		gw:     g,
		ws:     ws,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
}

func (c *client) ID() string     { return c.id }
func (c *client) UserID() string { return c.userID }

// Enqueue queues a frame without blocking. It reports false when the buffer
// is full or the connection is shutting down.
func (c *client) Enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) shutdown() {
	c.once.Do(func() { close(c.done) })
}

// readPump owns inbound frames and the connection teardown. It exits on
// transport close or a missed liveness window, either way releasing the
// registry entry and topic memberships.
func (c *client) readPump() {
	defer func() {
		c.gw.DisconnectBackground(c)
		c.shutdown()
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("Connection closed unexpectedly", "conn", c.id, "user", c.userID, "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.gw.HandleMessage(context.Background(), c, raw)
	}
}

// writePump drains the send buffer and pings on pingPeriod.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
