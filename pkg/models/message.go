package models

import "time"

// MessageType is the kind of realtime envelope.
type MessageType string

const (
	MessageTypeChat  MessageType = "CHAT"
	MessageTypeJoin  MessageType = "JOIN"
	MessageTypeLeave MessageType = "LEAVE"
)

// Message is the canonical chat message shape used everywhere past the
// transport boundary.
type Message struct {
	// ID is server-assigned; empty for optimistic and echoed messages.
	ID ID `json:"id,omitempty"`
	// LocalID correlates an optimistic send with its echo.
	LocalID string      `json:"clientId,omitempty"`
	Type    MessageType `json:"type"`
	RoomID  ID          `json:"chatRoomId,omitempty"`
	Sender  string      `json:"sender"`
	Content string      `json:"content,omitempty"`
	SentAt  time.Time   `json:"sentAt"`
}
