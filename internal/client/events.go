package client

import "github.com/haasonsaas/roomchat/pkg/models"

// EventKind names what changed.
type EventKind string

const (
	EventState    EventKind = "state"
	EventTimeline EventKind = "timeline"
	EventRooms    EventKind = "rooms"
	EventPresence EventKind = "presence"
	EventSession  EventKind = "session"
	EventError    EventKind = "error"
)

// Event is a change notification for the host.
type Event struct {
	Kind EventKind

	// EventState
	State   models.ChannelState
	Attempt int

	// EventPresence
	Message models.Message
	// EventRooms
	Rooms []models.Room
	// EventSession; nil after sign-out.
	Credential *models.Credential

	Err error
}
