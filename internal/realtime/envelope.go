package realtime

import (
	"encoding/json"
	"time"

	"github.com/haasonsaas/roomchat/internal/apperrors"
	"github.com/haasonsaas/roomchat/pkg/models"
)

// Envelope is the realtime payload record.
type Envelope struct {
	Type       models.MessageType `json:"type"`
	Content    string             `json:"content,omitempty"`
	Sender     string             `json:"sender"`
	ChatRoomID models.ID          `json:"chatRoomId,omitempty"`
	SentAt     string             `json:"sentAt,omitempty"`
	ClientID   string             `json:"clientId,omitempty"`
}

// ChatEnvelope builds the outbound record for a chat message.
func ChatEnvelope(msg models.Message) Envelope {
	env := Envelope{
		Type:       models.MessageTypeChat,
		Content:    msg.Content,
		Sender:     msg.Sender,
		ChatRoomID: msg.RoomID,
		ClientID:   msg.LocalID,
	}
	if !msg.SentAt.IsZero() {
		env.SentAt = msg.SentAt.UTC().Format(time.RFC3339Nano)
	}
	return env
}

// JoinEnvelope builds the join announcement for identity.
func JoinEnvelope(identity string) Envelope {
	return Envelope{Type: models.MessageTypeJoin, Sender: identity}
}

// DecodeEnvelope normalizes an inbound payload. Failures are
// MalformedPayload errors.
func DecodeEnvelope(body []byte, loc *time.Location, now time.Time) (models.Message, error) {
	var wire models.WireMessage
	if err := json.Unmarshal(body, &wire); err != nil {
		return models.Message{}, apperrors.MalformedPayload("payload is not a message record", err)
	}
	msg, err := wire.Normalize(loc, now)
	if err != nil {
		return models.Message{}, apperrors.MalformedPayload("payload failed validation", err)
	}
	return msg, nil
}
