package models

import (
	"encoding/json"
	"time"
)

// Event types published on the pub/sub topics.
const (
	EventPresenceChanged   = "presence_changed"
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"
	EventTimerUpdated      = "timer_updated"
	EventNotepadUpdated    = "notepad_updated"
	EventNotepadClaimed    = "notepad_claimed"
	EventActiveNotepad     = "active_notepad_changed"
	EventTyping            = "typing"
	EventChatMessage       = "chat_message"
	EventReactionUpdated   = "reaction_updated"
	EventRoomDeleted       = "room_deleted"
)

type Event struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"room_id,omitempty"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

// NewEvent marshals payload into an Event envelope.
func NewEvent(eventType, roomID string, at time.Time, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: eventType, RoomID: roomID, At: at, Payload: data}, nil
}

type ParticipantChange struct {
	Username     string   `json:"username"`
	Participants []string `json:"participants"`
}

type TypingChange struct {
	Username string `json:"username"`
	IsTyping bool   `json:"is_typing"`
}

type ReactionChange struct {
	MessageID string              `json:"message_id"`
	Reactions map[string][]string `json:"reactions"`
}

type PresenceChange struct {
	Username string `json:"username"`
	Reason   string `json:"reason"`
}

// WebSocket frames

type WSMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type WSReply struct {
	Type      string      `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
}

// API Error response
type APIError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}
