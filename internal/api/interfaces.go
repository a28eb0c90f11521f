package api

import (
	"code-collab/internal/models"
)

/*
CONSUMER-DRIVEN INTERFACES

This package is the consumer of the collaboration services, so the
interfaces it needs live here. The registry and hub satisfy them without
knowing this package exists, and handler tests can swap in fakes.
*/

// SessionService is what the HTTP handlers need from the session registry.
type SessionService interface {
	CreateSession(creatorID string, req *models.SessionCreate) *models.Session
	DescribeSession(sessionID string) (*models.Session, error)
	JoinSession(sessionID, userID string) (*models.Session, error)
	RemoveParticipant(sessionID, userID string) (int, error)
}

// PresenceNotifier is what the HTTP handlers need from the broadcast hub:
// telling a session's room about membership changes made over HTTP.
type PresenceNotifier interface {
	NotifyUserJoined(sessionID, userID string, count int)
	NotifyUserLeft(sessionID, userID string, count int)
}
