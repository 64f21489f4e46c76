// Package memory holds process-local stores used in development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cwrk-planet/room-hub/internal/cursor"
	"github.com/cwrk-planet/room-hub/internal/domain"
)

// RoomStore keeps rooms in a map. One mutex serializes all writes, which is
// what makes AddParticipant atomic.
type RoomStore struct {
	mu     sync.Mutex
	rooms  map[string]*domain.Room
	byCode map[string]string // code -> room id, non-closed rooms only
	now    func() time.Time
}

func NewRoomStore() *RoomStore {
	return &RoomStore{
		rooms:  make(map[string]*domain.Room),
		byCode: make(map[string]string),
		now:    time.Now,
	}
}

func (s *RoomStore) CreateRoom(_ context.Context, room *domain.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byCode[room.Code]; ok {
		return domain.ErrCodeConflict
	}
	if _, ok := s.rooms[room.ID]; ok {
		return domain.ErrConflict
	}
	s.rooms[room.ID] = room.Clone()
	s.byCode[room.Code] = room.ID
	return nil
}

func (s *RoomStore) GetRoom(_ context.Context, id string) (*domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[id]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	return r.Clone(), nil
}

func (s *RoomStore) GetRoomByCode(_ context.Context, code string) (*domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byCode[code]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	return s.rooms[id].Clone(), nil
}

func (s *RoomStore) ListRooms(_ context.Context, limit int, cursorStr string) ([]domain.Room, string, error) {
	cur, err := cursor.Decode(cursorStr)
	if err != nil {
		return nil, "", err
	}

	s.mu.Lock()
	all := make([]*domain.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		if cur.After(r.CreatedAt, r.ID) {
			all = append(all, r)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	if len(all) > limit {
		all = all[:limit]
	}
	rooms := make([]domain.Room, 0, len(all))
	for _, r := range all {
		rooms = append(rooms, *r.Clone())
	}
	s.mu.Unlock()

	return rooms, cursor.Next(rooms, limit), nil
}

func (s *RoomStore) AddParticipant(_ context.Context, roomID string, p domain.Participant) (*domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	if _, err := r.Admit(p, s.now().UTC()); err != nil {
		return nil, err
	}
	return r.Clone(), nil
}

func (s *RoomStore) RemoveParticipant(_ context.Context, roomID, userID string, closeIfEmpty bool) (*domain.Room, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return nil, false, domain.ErrRoomNotFound
	}
	closed, err := r.Leave(userID, s.now().UTC(), closeIfEmpty)
	if err != nil {
		return nil, false, err
	}
	if closed && s.byCode[r.Code] == r.ID {
		delete(s.byCode, r.Code)
	}
	return r.Clone(), closed, nil
}

func (s *RoomStore) SetStatus(_ context.Context, roomID string, status domain.RoomStatus) (*domain.Room, error) {
	if !status.Valid() {
		return nil, domain.Validationf("unknown room status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	r.Status = status
	r.UpdatedAt = s.now().UTC()
	if status == domain.RoomClosed && s.byCode[r.Code] == r.ID {
		delete(s.byCode, r.Code)
	}
	return r.Clone(), nil
}

func (s *RoomStore) Ping(context.Context) error { return nil }
