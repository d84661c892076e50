package models

import (
	"encoding/json"
	"time"
)

// Room is a chat room as listed by the directory. Rooms are immutable once
// fetched; a directory reload replaces them wholesale.
type Room struct {
	ID          ID     `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IsPrivate   bool   `json:"isPrivate"`
}

// UnmarshalJSON accepts the privacy flag as either "isPrivate" or "private";
// the backend serializes it under both names depending on the endpoint.
func (r *Room) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID          ID     `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description"`
		IsPrivate   *bool  `json:"isPrivate"`
		Private     *bool  `json:"private"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.ID = raw.ID
	r.Name = raw.Name
	r.Description = raw.Description
	switch {
	case raw.IsPrivate != nil:
		r.IsPrivate = *raw.IsPrivate
	case raw.Private != nil:
		r.IsPrivate = *raw.Private
	default:
		r.IsPrivate = false
	}
	return nil
}

// RoomSpec describes a room to create. Password is required for private
// rooms and must be empty for public ones.
type RoomSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	IsPrivate   bool   `json:"isPrivate"`
	Password    string `json:"password,omitempty"`
}

// Membership is transient proof that the current credential may enter a room.
type Membership struct {
	RoomID    ID        `json:"room_id"`
	Implicit  bool      `json:"implicit"`
	GrantedAt time.Time `json:"granted_at"`
}
