package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"code-collab/internal/middleware"
	"code-collab/internal/models"
	"code-collab/internal/services/collaboration"
)

// Handler serves the session-management HTTP surface. The WebSocket path
// carries the actual document traffic; these endpoints only manage room
// metadata and membership.
type Handler struct {
	sessions SessionService
	presence PresenceNotifier
}

func NewHandler(sessions SessionService, presence PresenceNotifier) *Handler {
	return &Handler{
		sessions: sessions,
		presence: presence,
	}
}

// CreateSession creates a new collaboration session owned by the caller.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	// Every field has a default, so an empty body is a valid request.
	var req models.SessionCreate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, CodeValidation, "request body is not valid JSON")
		return
	}

	session := h.sessions.CreateSession(userID, &req)
	writeData(w, http.StatusCreated, session)
}

// GetSession returns session metadata.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	session, err := h.sessions.DescribeSession(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, CodeSessionNotFound, "Collaboration session not found")
		return
	}
	writeData(w, http.StatusOK, session)
}

// JoinSession adds the caller to the session's participant set. This is
// the only capacity-enforced join; the WebSocket join_session event
// deliberately mirrors the original service and does not check capacity.
func (h *Handler) JoinSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	userID := middleware.UserID(r.Context())

	session, err := h.sessions.JoinSession(sessionID, userID)
	switch {
	case errors.Is(err, collaboration.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, CodeSessionNotFound, "Collaboration session not found")
		return
	case errors.Is(err, collaboration.ErrSessionFull):
		writeError(w, http.StatusBadRequest, CodeSessionFull, "Collaboration session is full")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, CodeInternal, "An internal server error occurred")
		return
	}

	h.presence.NotifyUserJoined(sessionID, userID, len(session.Participants))
	writeData(w, http.StatusOK, session)
}

// LeaveSession removes the caller from the participant set.
func (h *Handler) LeaveSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	userID := middleware.UserID(r.Context())

	count, err := h.sessions.RemoveParticipant(sessionID, userID)
	if err != nil {
		writeError(w, http.StatusNotFound, CodeSessionNotFound, "Collaboration session not found")
		return
	}

	h.presence.NotifyUserLeft(sessionID, userID, count)
	writeData(w, http.StatusOK, map[string]string{"message": "Left session successfully"})
}

// Health is the unauthenticated liveness probe.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
