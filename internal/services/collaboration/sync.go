package collaboration

import (
	"context"
	"log"

	"go.opentelemetry.io/otel/attribute"

	"code-collab/internal/middleware"
	"code-collab/internal/models"
)

/*
TWO-STEP SYNC PROTOCOL

A connecting client advertises its state vector (sync step 1); the server
answers with exactly the updates the client is missing (sync step 2), sent
to that connection only. From then on the connection is synced: incremental
updates flow in, merge into the session document, and fan out to the rest
of the room. There is no further state to track - the CRDT merge is
idempotent and order-insensitive, so retries and races cannot corrupt it.
*/

// SyncHandler merges document updates and answers sync handshakes against
// the registry's documents.
type SyncHandler struct {
	registry *Registry
	hub      *Hub
}

// NewSyncHandler creates a sync handler over the given registry and hub.
func NewSyncHandler(registry *Registry, hub *Hub) *SyncHandler {
	return &SyncHandler{registry: registry, hub: hub}
}

// HandleSyncStep1 computes the updates the client is missing and replies
// with sync step 2 to the requesting connection only - never broadcast.
// A malformed state vector degrades to full-state encoding rather than
// erroring the connection.
func (s *SyncHandler) HandleSyncStep1(ctx context.Context, c *Conn, payload *models.SyncStep1Payload) {
	if payload.SessionID == "" {
		return
	}

	ctx, span := middleware.StartSpan(ctx, "Sync.Step1",
		attribute.String("session.id", payload.SessionID),
		attribute.String("connection.id", c.ID),
		attribute.Int("state_vector.size", len(payload.StateVector)),
	)
	defer span.End()

	doc := s.registry.GetOrCreateDocument(payload.SessionID)

	update, err := doc.EncodeStateAsUpdate(payload.StateVector)
	if err != nil {
		// Degrade to a full snapshot; the client still converges.
		log.Printf("Malformed state vector from connection %s, sending full state: %v", c.ID, err)
		middleware.AddSpanError(ctx, err)
		if update, err = doc.EncodeStateAsUpdate(nil); err != nil {
			log.Printf("Failed to encode document state for session %s: %v", payload.SessionID, err)
			return
		}
	}

	c.sendEvent(models.EventSyncStep2, &models.SyncStep2Payload{
		SessionID: payload.SessionID,
		Update:    models.BinaryPayload(update),
	})
}

// HandleUpdate merges an incremental update into the session document and
// hands the same bytes to the hub for fan-out to everyone except the
// sender. Empty updates are ignored; undecodable ones are dropped with a
// log line and never surfaced to the peer.
func (s *SyncHandler) HandleUpdate(ctx context.Context, c *Conn, payload *models.UpdatePayload) {
	if payload.SessionID == "" || len(payload.Update) == 0 {
		return
	}

	ctx, span := middleware.StartSpan(ctx, "Sync.Update",
		attribute.String("session.id", payload.SessionID),
		attribute.String("connection.id", c.ID),
		attribute.Int("update.size", len(payload.Update)),
	)
	defer span.End()

	doc := s.registry.GetOrCreateDocument(payload.SessionID)

	if err := doc.ApplyUpdate(payload.Update); err != nil {
		log.Printf("Dropping undecodable update from connection %s: %v", c.ID, err)
		middleware.AddSpanError(ctx, err)
		return
	}

	frame, err := models.EncodeEvent(models.EventUpdate, &models.UpdatePayload{
		SessionID: payload.SessionID,
		Update:    payload.Update,
	})
	if err != nil {
		log.Printf("Failed to encode update broadcast: %v", err)
		return
	}
	s.hub.Broadcast(payload.SessionID, frame, c)
}
