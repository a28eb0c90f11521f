package collaboration

import (
	"log"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"

	"code-collab/internal/models"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong before the connection is
	// considered dead.
	pongWait = 60 * time.Second

	// Ping period; must be less than pongWait.
	pingPeriod = 54 * time.Second

	// Outbound queue depth per connection. A peer that falls this far
	// behind is evicted rather than allowed to stall the room.
	sendBuffer = 256
)

// Conn is one live WebSocket connection. It belongs to the gateway; the
// hub only holds it in room sets for broadcast. userID is the
// authenticated identity, bound at upgrade; sessionID stays empty until
// the connection joins a room.
type Conn struct {
	ID   string
	ws   *websocket.Conn
	send chan []byte
	hub  *Hub

	sessionID string
	userID    string

	connectedAt time.Time
	closed      bool // guarded by hub.mu
}

func newConn(ws *websocket.Conn, hub *Hub, userID string) *Conn {
	return &Conn{
		ID:          ksuid.New().String(),
		ws:          ws,
		send:        make(chan []byte, sendBuffer),
		hub:         hub,
		userID:      userID,
		connectedAt: time.Now(),
	}
}

// queue enqueues a pre-encoded frame, reporting false when the peer's
// buffer is full (slow or dead consumer). The hub closes the send queue
// when it evicts a connection, so sending is gated on the closed flag
// under the hub lock.
func (c *Conn) queue(message []byte) bool {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

// sendEvent encodes and enqueues an outbound event for this connection
// only. Delivery is best-effort; a full buffer is logged, never fatal.
func (c *Conn) sendEvent(event string, payload interface{}) {
	frame, err := models.EncodeEvent(event, payload)
	if err != nil {
		log.Printf("Failed to encode %s event for connection %s: %v", event, c.ID, err)
		return
	}
	if !c.queue(frame) {
		log.Printf("⚠️  Connection %s buffer full, dropping %s event", c.ID, event)
	}
}

// writePump drains the send queue onto the socket. One writer goroutine
// per connection; the socket is closed when the queue is closed or a
// write fails.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// Drain whatever else is already queued.
			n := len(c.send)
			for i := 0; i < n; i++ {
				c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.ws.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
