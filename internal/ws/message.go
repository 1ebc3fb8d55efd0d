package ws

import "github.com/daiski/backend/internal/model"

type EventType string

const (
	// client -> server
	EventJoinGroupChat EventType = "joinGroupChat"
	EventSendMessage   EventType = "sendMessage"

	// server -> client
	EventJoinedRoomSuccess EventType = "joinedRoomSuccess"
	EventJoinRoomError     EventType = "joinRoomError"
	EventChatMessage       EventType = "chatMessage"
	EventError             EventType = "error"
)

// IncomingMessage is what the client sends to the server.
type IncomingMessage struct {
	Type    EventType          `json:"type"`
	GroupID int64              `json:"groupId,omitempty"`
	UserID  string             `json:"userId,omitempty"`
	Message *model.ChatMessage `json:"message,omitempty"`
}

// OutgoingMessage is what the server sends to the client.
// Payload uses typed structs to avoid heap-heavy map[string]any.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// RoomStatusPayload acknowledges or rejects a room join.
type RoomStatusPayload struct {
	GroupID int64  `json:"groupId"`
	Message string `json:"message"`
}
