package realtime

import (
	"github.com/haasonsaas/roomchat/internal/config"
	"github.com/haasonsaas/roomchat/pkg/models"
)

// Topics names the well-known destinations.
type Topics struct {
	Broadcast     string
	PrivateQueue  string
	RoomPrefix    string
	PublishPrefix string
	Join          string
}

// DefaultTopics returns the destinations the chat backend uses.
func DefaultTopics() Topics {
	return TopicsFromConfig(config.Default().Realtime.Topics)
}

// TopicsFromConfig converts the configured topic names.
func TopicsFromConfig(cfg config.TopicsConfig) Topics {
	return Topics{
		Broadcast:     cfg.Broadcast,
		PrivateQueue:  cfg.PrivateQueue,
		RoomPrefix:    cfg.RoomPrefix,
		PublishPrefix: cfg.PublishPrefix,
		Join:          cfg.Join,
	}
}

// RoomTopic is the inbound topic for a room.
func (t Topics) RoomTopic(roomID models.ID) string {
	return t.RoomPrefix + roomID.String()
}

// PublishDestination is the outbound destination for a room.
func (t Topics) PublishDestination(roomID models.ID) string {
	return t.PublishPrefix + roomID.String()
}
