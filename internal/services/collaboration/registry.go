package collaboration

import (
	"errors"
	"log"
	"sync"
	"time"

	"code-collab/internal/crdt"
	"code-collab/internal/models"
)

var (
	// ErrSessionNotFound is returned for metadata lookups on unknown ids.
	// Document access never returns it; unseen ids auto-create.
	ErrSessionNotFound = errors.New("collaboration session not found")

	// ErrSessionFull is returned by the capacity-checked HTTP join path.
	ErrSessionFull = errors.New("collaboration session is full")
)

// sessionEntry binds a session's metadata to its replicated document.
// meta is nil for sessions that were only ever touched through the
// WebSocket document path and never created via the HTTP API; those stay
// invisible to metadata lookups, matching the split the API promises.
type sessionEntry struct {
	meta       *models.Session
	doc        *crdt.Document
	lastActive time.Time
}

// Registry is the single source of truth mapping session id -> document
// and metadata. It is constructed once at startup and injected into the
// gateway and hub; there is no package-level session table.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry

	// hasConnections asks the presence layer whether a session still has
	// live connections; the sweeper never evicts one that does.
	hasConnections func(sessionID string) bool

	ttl  time.Duration
	done chan struct{}
}

// NewRegistry creates an empty registry. Sessions idle longer than ttl
// (and with no connections) are evicted once Start is called.
func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{
		sessions: make(map[string]*sessionEntry),
		ttl:      ttl,
		done:     make(chan struct{}),
	}
}

// SetConnectionProbe wires the presence layer in; called once at startup.
func (r *Registry) SetConnectionProbe(probe func(sessionID string) bool) {
	r.hasConnections = probe
}

// CreateSession registers a new session with the creator as its first
// participant and eagerly creates the empty document.
func (r *Registry) CreateSession(creatorID string, req *models.SessionCreate) *models.Session {
	meta := models.NewSession(creatorID, req)

	r.mu.Lock()
	r.sessions[meta.ID] = &sessionEntry{
		meta:       meta,
		doc:        crdt.NewDocument(),
		lastActive: time.Now(),
	}
	r.mu.Unlock()

	log.Printf("  Session %s created by %s (max %d participants)",
		meta.ID, creatorID, meta.MaxParticipants)
	return meta.Clone()
}

// DescribeSession returns a copy of the session metadata.
func (r *Registry) DescribeSession(sessionID string) (*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.sessions[sessionID]
	if !ok || entry.meta == nil {
		return nil, ErrSessionNotFound
	}
	return entry.meta.Clone(), nil
}

// JoinSession is the capacity-checked join used by the HTTP surface.
// Adding an existing participant is idempotent and never trips the
// capacity check.
func (r *Registry) JoinSession(sessionID, userID string) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.sessions[sessionID]
	if !ok || entry.meta == nil {
		return nil, ErrSessionNotFound
	}
	if !entry.meta.HasParticipant(userID) && len(entry.meta.Participants) >= entry.meta.MaxParticipants {
		return nil, ErrSessionFull
	}
	entry.meta.AddParticipant(userID)
	entry.lastActive = time.Now()
	return entry.meta.Clone(), nil
}

// RegisterParticipant is the WebSocket-path join: idempotent and, unlike
// JoinSession, not capacity-checked. That asymmetry is inherited behavior
// the frontend relies on; do not "fix" it here without a product decision.
func (r *Registry) RegisterParticipant(sessionID, userID string) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.sessions[sessionID]
	if !ok || entry.meta == nil {
		return nil, ErrSessionNotFound
	}
	entry.meta.AddParticipant(userID)
	entry.lastActive = time.Now()
	return entry.meta.Clone(), nil
}

// RemoveParticipant drops a user from the participant set and returns the
// remaining count. Removing an absent user is a no-op.
func (r *Registry) RemoveParticipant(sessionID, userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.sessions[sessionID]
	if !ok || entry.meta == nil {
		return 0, ErrSessionNotFound
	}
	entry.meta.RemoveParticipant(userID)
	entry.lastActive = time.Now()
	return len(entry.meta.Participants), nil
}

// GetOrCreateDocument returns the session's document, creating an empty
// one atomically on first access. Concurrent first access from several
// connections yields the same document.
func (r *Registry) GetOrCreateDocument(sessionID string) *crdt.Document {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.sessions[sessionID]
	if !ok {
		entry = &sessionEntry{doc: crdt.NewDocument()}
		r.sessions[sessionID] = entry
	}
	entry.lastActive = time.Now()
	return entry.doc
}

// Start launches the idle-session sweeper.
func (r *Registry) Start() {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-r.done:
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

// Stop terminates the sweeper.
func (r *Registry) Stop() {
	close(r.done)
}

// sweep evicts sessions that have been idle past the TTL and have no live
// connections. The document goes with the session; there is no durable
// history to preserve.
func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.ttl)

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, entry := range r.sessions {
		if entry.lastActive.After(cutoff) {
			continue
		}
		if r.hasConnections != nil && r.hasConnections(id) {
			continue
		}
		delete(r.sessions, id)
		log.Printf("  Evicted idle session %s (idle since %s)",
			id, entry.lastActive.Format(time.RFC3339))
	}
}
