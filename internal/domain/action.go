package domain

import (
	"encoding/json"
	"time"
)

// Action is a state-changing event emitted into a room. Payload is opaque to
// the server; only the client-side reducer decodes it by Kind.
type Action struct {
	ID        string          `db:"id" json:"id"`
	RoomID    string          `db:"room_id" json:"roomId"`
	Kind      string          `db:"kind" json:"kind"`
	Payload   json.RawMessage `db:"payload" json:"payload,omitempty"`
	SenderID  string          `db:"sender_id" json:"senderId"`
	Timestamp time.Time       `db:"created_at" json:"timestamp"`
}
