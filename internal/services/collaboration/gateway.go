package collaboration

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"

	"code-collab/internal/middleware"
	"code-collab/internal/models"
)

// Gateway is the WebSocket front end: it upgrades connections, routes
// inbound events to the sync handler and the hub, and owns each
// connection's lifetime. It is the only component that sees the wire.
type Gateway struct {
	hub      *Hub
	sync     *SyncHandler
	upgrader websocket.Upgrader

	maxMessageBytes int64
}

// NewGateway creates the WebSocket gateway. allowedOrigins is the upgrade
// origin allowlist; "*" admits any origin.
func NewGateway(hub *Hub, sync *SyncHandler, allowedOrigins []string, maxMessageBytes int64) *Gateway {
	return &Gateway{
		hub:  hub,
		sync: sync,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		maxMessageBytes: maxMessageBytes,
	}
}

// HandleConnection upgrades an authenticated HTTP request and runs the
// connection until it closes. No session association happens here; the
// client joins a room with an explicit join_session event.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.UserID(ctx)

	ctx, span := middleware.StartSpan(ctx, "WebSocket.Connect",
		attribute.String("user.id", userID),
	)

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		span.End()
		return
	}
	span.End()

	c := newConn(ws, g.hub, userID)
	log.Printf("✓ WebSocket connection %s established (user: %s)", c.ID, userID)

	c.sendEvent(models.EventConnected, &models.MessagePayload{
		Message: "Connected to collaboration service",
	})

	go c.writePump()
	g.readPump(context.WithoutCancel(ctx), c)
}

// readPump processes inbound frames in arrival order until the socket
// closes, then runs the leave cleanup path so no stale participant counts
// are left behind. Leave closes the send queue; the write pump drains what
// is already queued and then closes the socket, so a goodbye frame sent
// just before teardown still reaches the peer.
func (g *Gateway) readPump(ctx context.Context, c *Conn) {
	defer g.hub.Leave(c)

	c.ws.SetReadLimit(g.maxMessageBytes)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error on connection %s: %v", c.ID, err)
			}
			return
		}

		if !g.dispatch(ctx, c, message) {
			return
		}
	}
}

// dispatch demultiplexes one inbound frame. Returns false when the client
// asked to disconnect. Malformed frames are logged and skipped; nothing a
// single client sends may take down its session.
func (g *Gateway) dispatch(ctx context.Context, c *Conn, message []byte) bool {
	var env models.Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		log.Printf("Discarding unparseable frame from connection %s: %v", c.ID, err)
		return true
	}

	switch env.Event {
	case models.EventJoinSession:
		var payload models.JoinSessionPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil || payload.SessionID == "" {
			log.Printf("Discarding bad join_session payload from connection %s: %v", c.ID, err)
			return true
		}
		// The authenticated identity wins; the payload's user_id is only
		// a fallback for deployments running without auth.
		userID := c.userID
		if userID == "" {
			userID = payload.UserID
		}
		g.hub.Join(c, payload.SessionID, userID)

	case models.EventSyncStep1:
		var payload models.SyncStep1Payload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			// A state vector we cannot even parse means full-state
			// bootstrap, same as an empty one - but we need the session id.
			payload = models.SyncStep1Payload{SessionID: sessionIDOf(env.Data)}
			log.Printf("Malformed sync payload from connection %s, treating as empty state vector: %v", c.ID, err)
		}
		g.sync.HandleSyncStep1(ctx, c, &payload)

	case models.EventUpdate:
		var payload models.UpdatePayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			log.Printf("Discarding bad update payload from connection %s: %v", c.ID, err)
			return true
		}
		g.sync.HandleUpdate(ctx, c, &payload)

	case models.EventCursorPosition:
		var payload models.CursorPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil || payload.SessionID == "" {
			return true
		}
		g.hub.BroadcastCursor(c, &payload)

	case models.EventChatMessage:
		var payload models.ChatPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil || payload.SessionID == "" {
			return true
		}
		g.hub.BroadcastChat(&payload)

	case models.EventDisconnect:
		c.sendEvent(models.EventDisconnected, &models.MessagePayload{
			Message: "Disconnected from collaboration service",
		})
		return false

	default:
		log.Printf("Unknown event %q from connection %s", env.Event, c.ID)
	}
	return true
}

// sessionIDOf salvages the session id from a payload whose binary fields
// failed to decode, so sync can still fall back to a full snapshot.
func sessionIDOf(data json.RawMessage) string {
	var partial struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return ""
	}
	return partial.SessionID
}

func originChecker(allowedOrigins []string) func(*http.Request) bool {
	allowAll := false
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = true
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowAll {
			// Non-browser clients send no Origin header.
			return true
		}
		return allowed[origin]
	}
}
