package service

import (
	"context"

	"github.com/cwrk-planet/room-hub/internal/domain"
)

// RoomStore is the durable side of the registry. Implementations must make
// AddParticipant atomic with respect to other AddParticipant calls for the
// same room and must report a code collision among non-closed rooms as
// domain.ErrCodeConflict.
type RoomStore interface {
	CreateRoom(ctx context.Context, room *domain.Room) error
	GetRoom(ctx context.Context, id string) (*domain.Room, error)
	// GetRoomByCode only considers rooms that are not closed.
	GetRoomByCode(ctx context.Context, code string) (*domain.Room, error)
	ListRooms(ctx context.Context, limit int, cursor string) ([]domain.Room, string, error)
	AddParticipant(ctx context.Context, roomID string, p domain.Participant) (*domain.Room, error)
	// RemoveParticipant with closeIfEmpty closes a room left without
	// participants in the same write; closed reports that it did.
	RemoveParticipant(ctx context.Context, roomID, userID string, closeIfEmpty bool) (room *domain.Room, closed bool, err error)
	SetStatus(ctx context.Context, roomID string, status domain.RoomStatus) (*domain.Room, error)
	Ping(ctx context.Context) error
}
