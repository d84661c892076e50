package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestWireMessageNormalize(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		payload string
		want    Message
		wantErr bool
	}{
		{
			name:    "realtime envelope",
			payload: `{"type":"CHAT","content":"hi","sender":"alice","chatRoomId":7,"sentAt":"2024-03-01T10:00:00Z","clientId":"c1"}`,
			want: Message{
				LocalID: "c1", Type: MessageTypeChat, RoomID: "7", Sender: "alice", Content: "hi",
				SentAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
			},
		},
		{
			name:    "history record with sender object and zone-less time",
			payload: `{"id":15,"content":"hello","sender":{"id":3,"username":"bob"},"chatRoom":{"id":2,"name":"general"},"sentAt":"2024-03-01T09:30:00"}`,
			want: Message{
				ID: "15", Type: MessageTypeChat, RoomID: "2", Sender: "bob", Content: "hello",
				SentAt: time.Date(2024, 3, 1, 9, 30, 0, 0, loc),
			},
		},
		{
			name:    "missing sentAt is stamped with arrival time",
			payload: `{"type":"JOIN","sender":"carol"}`,
			want:    Message{Type: MessageTypeJoin, Sender: "carol", SentAt: now},
		},
		{
			name:    "epoch millis",
			payload: `{"content":"x","sender":"dan","sentAt":1709287200000}`,
			want:    Message{Type: MessageTypeChat, Sender: "dan", Content: "x", SentAt: time.UnixMilli(1709287200000)},
		},
		{"missing sender", `{"type":"CHAT","content":"hi"}`, Message{}, true},
		{"empty sender object", `{"content":"hi","sender":{}}`, Message{}, true},
		{"numeric sender", `{"content":"hi","sender":5}`, Message{}, true},
		{"chat without content", `{"type":"CHAT","sender":"alice"}`, Message{}, true},
		{"unknown type", `{"type":"TYPING","sender":"alice"}`, Message{}, true},
		{"bad timestamp", `{"content":"x","sender":"a","sentAt":"yesterday"}`, Message{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var wire WireMessage
			if err := json.Unmarshal([]byte(tt.payload), &wire); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			got, err := wire.Normalize(loc, now)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize() error = %v", err)
			}
			if !got.SentAt.Equal(tt.want.SentAt) {
				t.Errorf("SentAt = %v, want %v", got.SentAt, tt.want.SentAt)
			}
			got.SentAt, tt.want.SentAt = time.Time{}, time.Time{}
			if got != tt.want {
				t.Errorf("Normalize() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseSenderMissing(t *testing.T) {
	for _, raw := range []string{``, `null`, `"  "`} {
		if _, err := ParseSender(json.RawMessage(raw)); !errors.Is(err, ErrMissingSender) {
			t.Errorf("ParseSender(%q) error = %v, want ErrMissingSender", raw, err)
		}
	}
}
