package http

import (
	"encoding/json"

	"github.com/cwrk-planet/room-hub/internal/domain"
)

type CreateRoomRequest struct {
	CreatorID       string                     `json:"creatorId"`
	CreatorData     json.RawMessage            `json:"creatorData,omitempty"`
	MaxParticipants *int                       `json:"maxParticipants,omitempty"`
	Metadata        map[string]json.RawMessage `json:"metadata,omitempty"`
}

type JoinRoomRequest struct {
	UserID   string          `json:"userId"`
	UserData json.RawMessage `json:"userData,omitempty"`
}

type RoomResponse struct {
	Success bool         `json:"success"`
	Room    *domain.Room `json:"room"`
}

type RoomsListResponse struct {
	Success    bool          `json:"success"`
	Items      []domain.Room `json:"items"`
	NextCursor string        `json:"nextCursor,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
