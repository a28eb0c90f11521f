package models

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

/*
WEBSOCKET WIRE PROTOCOL

Every frame is a JSON envelope {"event": <name>, "data": <payload>}.
Update and state-vector fields are opaque CRDT bytes; over JSON they may
arrive either as a base64 string or as an array of byte-sized integers
(what a browser peer produces from a Uint8Array). BinaryPayload absorbs
both forms on the way in and always emits the integer-array form on the
way out, so nothing past the gateway ever sees the ambiguity.
*/

// Inbound event names.
const (
	EventJoinSession    = "join_session"
	EventSyncStep1      = "yjs_sync_step1"
	EventUpdate         = "yjs_update"
	EventCursorPosition = "cursor_position"
	EventChatMessage    = "chat_message"
	EventDisconnect     = "disconnect"
)

// Outbound event names.
const (
	EventConnected     = "connected"
	EventSessionState  = "session_state"
	EventSyncStep2     = "yjs_sync_step2"
	EventCursorUpdated = "cursor_updated"
	EventUserJoined    = "user_joined"
	EventUserLeft      = "user_left"
	EventDisconnected  = "disconnected"
)

// Envelope frames every WebSocket message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// BinaryPayload is an opaque byte blob with a JSON representation
// compatible with both wire forms.
type BinaryPayload []byte

func (b BinaryPayload) MarshalJSON() ([]byte, error) {
	ints := make([]int, len(b))
	for i, v := range b {
		ints[i] = int(v)
	}
	return json.Marshal(ints)
}

func (b *BinaryPayload) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*b = nil
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("binary payload is not valid base64: %w", err)
		}
		*b = raw
		return nil
	case '[':
		var ints []int
		if err := json.Unmarshal(data, &ints); err != nil {
			return err
		}
		raw := make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return fmt.Errorf("binary payload element %d out of byte range: %d", i, v)
			}
			raw[i] = byte(v)
		}
		*b = raw
		return nil
	default:
		return fmt.Errorf("binary payload must be a base64 string or an integer array")
	}
}

// JoinSessionPayload accompanies join_session.
type JoinSessionPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// SyncStep1Payload carries the client's state vector.
type SyncStep1Payload struct {
	SessionID   string        `json:"session_id"`
	StateVector BinaryPayload `json:"state_vector"`
}

// SyncStep2Payload is the reply with the updates the client is missing.
type SyncStep2Payload struct {
	SessionID string        `json:"session_id"`
	Update    BinaryPayload `json:"update"`
}

// UpdatePayload carries one incremental document update.
type UpdatePayload struct {
	SessionID string        `json:"session_id"`
	Update    BinaryPayload `json:"update"`
}

// CursorPayload carries an ephemeral cursor position. Position is passed
// through untouched; its shape belongs to the editor frontend.
type CursorPayload struct {
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id"`
	Position  json.RawMessage `json:"position"`
}

// CursorUpdatePayload is the broadcast form of a cursor move.
type CursorUpdatePayload struct {
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id"`
	Position  json.RawMessage `json:"position"`
	Timestamp time.Time       `json:"timestamp"`
}

// ChatPayload accompanies an inbound chat_message.
type ChatPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
}

// SessionStatePayload is sent to a connection that just joined a room.
type SessionStatePayload struct {
	SessionID    string                 `json:"session_id"`
	Participants []string               `json:"participants"`
	Settings     map[string]interface{} `json:"settings"`
}

// PresencePayload announces joins and leaves with the updated headcount.
type PresencePayload struct {
	SessionID        string `json:"session_id"`
	UserID           string `json:"user_id"`
	ParticipantCount int    `json:"participant_count"`
}

// MessagePayload is a plain informational message (connected/disconnected).
type MessagePayload struct {
	Message string `json:"message"`
}

// EncodeEvent marshals an outbound event into a ready-to-send frame.
func EncodeEvent(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return json.Marshal(&Envelope{Event: event, Data: data})
}
