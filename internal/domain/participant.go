package domain

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleCreator Role = "creator"
	RoleMember  Role = "member"
)

type Participant struct {
	RoomID   string          `db:"room_id" json:"roomId"`
	UserID   string          `db:"user_id" json:"userId"`
	Role     Role            `db:"role" json:"role"`
	UserData json.RawMessage `db:"user_data" json:"userData,omitempty"`
	JoinedAt time.Time       `db:"joined_at" json:"joinedAt"`
}
