package model

import "time"

// MessageType distinguishes chat message payloads.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
)

// ChatSender is the sender identity embedded in every chat message.
type ChatSender struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

// ChatMessage is a single group-chat message. Immutable once created; it lives
// only in connection buffers and client transcripts, never in the database.
type ChatMessage struct {
	User     ChatSender  `json:"user"`
	Type     MessageType `json:"type"`
	Content  string      `json:"content,omitempty"`
	ImageURL string      `json:"imageUrl,omitempty"`
	Time     time.Time   `json:"time"`
}
