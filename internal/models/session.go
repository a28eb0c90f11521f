package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session is one collaboration room: metadata plus the participant set.
// The replicated document bound to it lives in the registry, not here.
type Session struct {
	ID              string                 `json:"id"`
	CreatorID       string                 `json:"creator_id"`
	Name            string                 `json:"name"`
	Type            string                 `json:"type"`
	MaxParticipants int                    `json:"max_participants"`
	Participants    []string               `json:"participants"`
	Settings        map[string]interface{} `json:"settings"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// SessionCreate is the request body for creating a session.
type SessionCreate struct {
	Name            string                 `json:"name"`
	Type            string                 `json:"type"`
	MaxParticipants int                    `json:"maxParticipants"`
	Settings        map[string]interface{} `json:"settings"`
}

const (
	DefaultSessionType     = "general"
	DefaultMaxParticipants = 4
)

// NewSession builds a session with the creator as first participant,
// filling the defaults the API promises.
func NewSession(creatorID string, req *SessionCreate) *Session {
	id := uuid.NewString()
	now := time.Now().UTC()

	s := &Session{
		ID:              id,
		CreatorID:       creatorID,
		Name:            req.Name,
		Type:            req.Type,
		MaxParticipants: req.MaxParticipants,
		Participants:    []string{creatorID},
		Settings:        req.Settings,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if s.Name == "" {
		s.Name = fmt.Sprintf("Collaboration Session %s", id[:8])
	}
	if s.Type == "" {
		s.Type = DefaultSessionType
	}
	if s.MaxParticipants <= 0 {
		s.MaxParticipants = DefaultMaxParticipants
	}
	if s.Settings == nil {
		s.Settings = map[string]interface{}{}
	}
	return s
}

// HasParticipant reports membership in the participant set.
func (s *Session) HasParticipant(userID string) bool {
	for _, p := range s.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// AddParticipant adds userID if absent and reports whether the set changed.
func (s *Session) AddParticipant(userID string) bool {
	if s.HasParticipant(userID) {
		return false
	}
	s.Participants = append(s.Participants, userID)
	s.UpdatedAt = time.Now().UTC()
	return true
}

// RemoveParticipant drops userID if present and reports whether the set
// changed.
func (s *Session) RemoveParticipant(userID string) bool {
	for i, p := range s.Participants {
		if p == userID {
			s.Participants = append(s.Participants[:i], s.Participants[i+1:]...)
			s.UpdatedAt = time.Now().UTC()
			return true
		}
	}
	return false
}

// Clone returns a deep-enough copy safe to hand outside the registry lock.
func (s *Session) Clone() *Session {
	out := *s
	out.Participants = append([]string(nil), s.Participants...)
	out.Settings = make(map[string]interface{}, len(s.Settings))
	for k, v := range s.Settings {
		out.Settings[k] = v
	}
	return &out
}

// ChatMessage is a room-wide chat line, assigned its id and timestamp on
// the server at send time.
type ChatMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NewChatMessage stamps a chat payload for broadcast.
func NewChatMessage(sessionID, userID, message string) *ChatMessage {
	return &ChatMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    userID,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}
