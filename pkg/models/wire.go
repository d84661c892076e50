package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// WireMessage is the loosely typed message record the backend emits on the
// history endpoint and on realtime topics. Normalize turns it into a Message.
type WireMessage struct {
	ID         ID              `json:"id"`
	ClientID   string          `json:"clientId"`
	Type       MessageType     `json:"type"`
	Content    string          `json:"content"`
	Sender     json.RawMessage `json:"sender"`
	ChatRoomID ID              `json:"chatRoomId"`
	ChatRoom   *struct {
		ID ID `json:"id"`
	} `json:"chatRoom"`
	SentAt json.RawMessage `json:"sentAt"`
}

// ErrMissingSender is returned when a payload carries no usable sender.
var ErrMissingSender = errors.New("sender is required")

// Normalize validates the record and converts it to the canonical shape.
// A missing type means CHAT. A missing sentAt is stamped with now. Zone-less
// timestamps are read in loc.
func (w WireMessage) Normalize(loc *time.Location, now time.Time) (Message, error) {
	sender, err := ParseSender(w.Sender)
	if err != nil {
		return Message{}, err
	}

	msgType := MessageType(strings.ToUpper(strings.TrimSpace(string(w.Type))))
	switch msgType {
	case "":
		msgType = MessageTypeChat
	case MessageTypeChat, MessageTypeJoin, MessageTypeLeave:
	default:
		return Message{}, fmt.Errorf("unknown message type %q", w.Type)
	}
	if msgType == MessageTypeChat && w.Content == "" {
		return Message{}, fmt.Errorf("chat message without content")
	}

	sentAt, err := parseWireTime(w.SentAt, loc, now)
	if err != nil {
		return Message{}, err
	}

	roomID := w.ChatRoomID
	if roomID.IsZero() && w.ChatRoom != nil {
		roomID = w.ChatRoom.ID
	}

	return Message{
		ID:      w.ID,
		LocalID: w.ClientID,
		Type:    msgType,
		RoomID:  roomID,
		Sender:  sender,
		Content: w.Content,
		SentAt:  sentAt,
	}, nil
}

// ParseSender accepts a sender given as a plain string or as a user object
// with a username field.
func ParseSender(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", ErrMissingSender
	}

	var name string
	switch raw[0] {
	case '"':
		if err := json.Unmarshal(raw, &name); err != nil {
			return "", fmt.Errorf("decode sender: %w", err)
		}
	case '{':
		var user struct {
			Username string `json:"username"`
		}
		if err := json.Unmarshal(raw, &user); err != nil {
			return "", fmt.Errorf("decode sender: %w", err)
		}
		name = user.Username
	default:
		return "", fmt.Errorf("sender must be a string or object")
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrMissingSender
	}
	return name, nil
}

func parseWireTime(raw json.RawMessage, loc *time.Location, now time.Time) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return now, nil
	}
	if raw[0] == '"' {
		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			return time.Time{}, fmt.Errorf("decode sentAt: %w", err)
		}
		if strings.TrimSpace(value) == "" {
			return now, nil
		}
		return ParseTimestamp(value, loc)
	}
	// Epoch milliseconds.
	millis, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("sentAt must be a string or epoch milliseconds")
	}
	return time.UnixMilli(millis), nil
}
