package collaboration

import (
	"log"
	"sync"
	"time"

	"code-collab/internal/models"
)

/*
PRESENCE & BROADCAST HUB

One goroutine owns the room map and serializes membership changes and
fan-out. Rooms hold connections, not users: the registry owns the
participant set, the hub only knows who to deliver frames to.

Fan-out is fire-and-forget per connection; a peer whose outbound buffer is
full gets evicted so it can never stall delivery to the rest of the room.
*/

// BroadcastMessage is one frame headed for every connection in a session,
// optionally excluding the sender (updates and cursor moves are not echoed;
// chat is).
type BroadcastMessage struct {
	SessionID string
	Message   []byte
	Sender    *Conn // skip this connection when set
}

// Hub tracks room membership and fans events out to session participants.
type Hub struct {
	rooms      map[string]map[*Conn]bool // sessionID -> set of connections
	register   chan *Conn
	unregister chan *Conn
	broadcast  chan *BroadcastMessage
	mu         sync.RWMutex

	registry *Registry

	done chan struct{}
}

// NewHub creates a hub bound to the given registry.
func NewHub(registry *Registry) *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Conn]bool),
		register:   make(chan *Conn),
		unregister: make(chan *Conn),
		broadcast:  make(chan *BroadcastMessage, 256),
		registry:   registry,
		done:       make(chan struct{}),
	}
}

// Start begins the hub event loop.
func (h *Hub) Start() {
	log.Println("🔄 Starting collaboration hub...")

	go func() {
		for {
			select {
			case <-h.done:
				log.Println("Collaboration hub shutting down...")
				return

			case conn := <-h.register:
				h.handleRegister(conn)

			case conn := <-h.unregister:
				h.handleUnregister(conn)

			case msg := <-h.broadcast:
				h.handleBroadcast(msg)
			}
		}
	}()

	log.Println("✓ Collaboration hub started")
}

// Join adds the connection to a session's room, registers the user as a
// participant, and replies with the current session state to the joining
// connection only. A session that was never created over HTTP still gets
// a room (the document auto-creates on first sync), it just has no
// metadata to report.
func (h *Hub) Join(c *Conn, sessionID, userID string) {
	// A connection carries at most one session. Joining another room
	// detaches it from the previous one first, with the usual leave
	// notification, so stale memberships can never receive broadcasts.
	if prev := c.sessionID; prev != "" && prev != sessionID {
		h.detach(c)
		if count, err := h.registry.RemoveParticipant(prev, c.userID); err == nil {
			h.NotifyUserLeft(prev, c.userID, count)
		}
	}

	c.sessionID = sessionID
	c.userID = userID
	h.register <- c

	meta, err := h.registry.RegisterParticipant(sessionID, userID)
	if err != nil {
		log.Printf("  Connection %s joined untracked session %s", c.ID, sessionID)
		return
	}

	c.sendEvent(models.EventSessionState, &models.SessionStatePayload{
		SessionID:    sessionID,
		Participants: meta.Participants,
		Settings:     meta.Settings,
	})
}

// Leave removes the connection from its room, drops the user from the
// participant set, and tells the remaining members the new headcount.
// Safe to call for connections that never joined.
func (h *Hub) Leave(c *Conn) {
	h.unregister <- c

	if c.sessionID == "" {
		return
	}

	count, err := h.registry.RemoveParticipant(c.sessionID, c.userID)
	if err != nil {
		return
	}
	h.NotifyUserLeft(c.sessionID, c.userID, count)
}

// Broadcast queues a frame for every connection in the session except the
// sender. Broadcasting to an empty or unknown session is a silent no-op.
func (h *Hub) Broadcast(sessionID string, message []byte, sender *Conn) {
	h.broadcast <- &BroadcastMessage{
		SessionID: sessionID,
		Message:   message,
		Sender:    sender,
	}
}

// BroadcastCursor relays a cursor move to everyone else in the room.
// Cursor state is ephemeral: no ordering guarantee, last write wins.
func (h *Hub) BroadcastCursor(c *Conn, payload *models.CursorPayload) {
	frame, err := models.EncodeEvent(models.EventCursorUpdated, &models.CursorUpdatePayload{
		SessionID: payload.SessionID,
		UserID:    payload.UserID,
		Position:  payload.Position,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		log.Printf("Failed to encode cursor event: %v", err)
		return
	}
	h.Broadcast(payload.SessionID, frame, c)
}

// BroadcastChat stamps a chat message with a fresh id and timestamp and
// delivers it to the whole room, sender included - the echo doubles as a
// delivery confirmation.
func (h *Hub) BroadcastChat(payload *models.ChatPayload) {
	msg := models.NewChatMessage(payload.SessionID, payload.UserID, payload.Message)
	frame, err := models.EncodeEvent(models.EventChatMessage, msg)
	if err != nil {
		log.Printf("Failed to encode chat message: %v", err)
		return
	}
	h.Broadcast(payload.SessionID, frame, nil)
}

// NotifyUserJoined announces an HTTP-path join to the whole room.
func (h *Hub) NotifyUserJoined(sessionID, userID string, count int) {
	h.notifyPresence(models.EventUserJoined, sessionID, userID, count)
}

// NotifyUserLeft announces a departure with the updated headcount.
func (h *Hub) NotifyUserLeft(sessionID, userID string, count int) {
	h.notifyPresence(models.EventUserLeft, sessionID, userID, count)
}

func (h *Hub) notifyPresence(event, sessionID, userID string, count int) {
	frame, err := models.EncodeEvent(event, &models.PresencePayload{
		SessionID:        sessionID,
		UserID:           userID,
		ParticipantCount: count,
	})
	if err != nil {
		log.Printf("Failed to encode %s event: %v", event, err)
		return
	}
	h.Broadcast(sessionID, frame, nil)
}

// HasConnections reports whether a session's room has live members; the
// registry sweeper asks before evicting.
func (h *Hub) HasConnections(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sessionID]) > 0
}

// Connections returns the live connections in a session's room.
func (h *Hub) Connections(sessionID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	room := h.rooms[sessionID]
	conns := make([]*Conn, 0, len(room))
	for c := range room {
		conns = append(conns, c)
	}
	return conns
}

// detach removes a connection from its current room without closing its
// send queue, for connections moving between sessions.
func (h *Hub) detach(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if room, ok := h.rooms[c.sessionID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, c.sessionID)
		}
	}
}

// handleRegister adds a connection to its session's room.
func (h *Hub) handleRegister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[c.sessionID] == nil {
		h.rooms[c.sessionID] = make(map[*Conn]bool)
	}
	h.rooms[c.sessionID][c] = true

	log.Printf("  Connection %s joined session %s (total: %d connections)",
		c.ID, c.sessionID, len(h.rooms[c.sessionID]))
}

// handleUnregister removes a connection from its room and closes its send
// queue exactly once.
func (h *Hub) handleUnregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)

	if c.sessionID == "" {
		return
	}
	if room, ok := h.rooms[c.sessionID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, c.sessionID)
		}
		log.Printf("  Connection %s left session %s (remaining: %d connections)",
			c.ID, c.sessionID, len(room))
	}
}

// handleBroadcast fans a frame out to a room. Slow consumers are evicted
// inline so one broken peer cannot block the rest.
func (h *Hub) handleBroadcast(msg *BroadcastMessage) {
	h.mu.RLock()
	room := h.rooms[msg.SessionID]
	conns := make([]*Conn, 0, len(room))
	for c := range room {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if msg.Sender != nil && c == msg.Sender {
			continue
		}
		if !c.queue(msg.Message) {
			log.Printf("⚠️  Connection %s buffer full, closing connection", c.ID)
			h.handleUnregister(c)
		}
	}
}

// Shutdown closes every connection and stops the event loop.
func (h *Hub) Shutdown() {
	log.Println("🛑 Shutting down collaboration hub...")

	close(h.done)

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, room := range h.rooms {
		for c := range room {
			if !c.closed {
				c.closed = true
				close(c.send)
			}
			if c.ws != nil {
				c.ws.Close()
			}
		}
	}
	h.rooms = make(map[string]map[*Conn]bool)

	log.Println("✓ Collaboration hub shutdown complete")
}
