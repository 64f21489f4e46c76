package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cwrk-planet/room-hub/internal/domain"
	"github.com/cwrk-planet/room-hub/internal/metrics"
)

type Options struct {
	DefaultMaxParticipants int
	MinMaxParticipants     int
	MaxMaxParticipants     int
	// CodeAttempts bounds code regeneration on collision.
	CodeAttempts int
}

func DefaultOptions() Options {
	return Options{
		DefaultMaxParticipants: domain.DefaultMaxParticipants,
		MinMaxParticipants:     domain.MinMaxParticipants,
		MaxMaxParticipants:     domain.MaxMaxParticipants,
		CodeAttempts:           5,
	}
}

type CreateRoomParams struct {
	CreatorID       string
	CreatorData     json.RawMessage
	MaxParticipants *int
	Metadata        map[string]json.RawMessage
}

// RoomService is the session registry: the authoritative record of rooms
// and their rosters.
type RoomService struct {
	store RoomStore
	opts  Options

	newCode func() (string, error)
	now     func() time.Time
}

func NewRoomService(store RoomStore, opts Options) *RoomService {
	def := DefaultOptions()
	if opts.DefaultMaxParticipants <= 0 {
		opts.DefaultMaxParticipants = def.DefaultMaxParticipants
	}
	if opts.MinMaxParticipants <= 0 {
		opts.MinMaxParticipants = def.MinMaxParticipants
	}
	if opts.MaxMaxParticipants <= 0 {
		opts.MaxMaxParticipants = def.MaxMaxParticipants
	}
	if opts.CodeAttempts <= 0 {
		opts.CodeAttempts = def.CodeAttempts
	}
	return &RoomService{
		store:   store,
		opts:    opts,
		newCode: domain.NewRoomCode,
		now:     time.Now,
	}
}

func (s *RoomService) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// CreateRoom создаёт комнату в статусе pending; создатель становится первым участником.
func (s *RoomService) CreateRoom(ctx context.Context, p CreateRoomParams) (*domain.Room, error) {
	creatorID := strings.TrimSpace(p.CreatorID)
	if creatorID == "" {
		return nil, domain.Validationf("creatorId is required")
	}

	max := s.opts.DefaultMaxParticipants
	if p.MaxParticipants != nil {
		max = *p.MaxParticipants
		if max < s.opts.MinMaxParticipants || max > s.opts.MaxMaxParticipants {
			return nil, domain.Validationf("maxParticipants must be between %d and %d",
				s.opts.MinMaxParticipants, s.opts.MaxMaxParticipants)
		}
	}

	for attempt := 1; attempt <= s.opts.CodeAttempts; attempt++ {
		code, err := s.newCode()
		if err != nil {
			return nil, fmt.Errorf("generate room code: %w", err)
		}

		now := s.timestamp()
		id := uuid.NewString()
		room := &domain.Room{
			ID:              id,
			Code:            code,
			CreatorID:       creatorID,
			MaxParticipants: max,
			Status:          domain.RoomPending,
			Metadata:        p.Metadata,
			Participants: []domain.Participant{{
				RoomID:   id,
				UserID:   creatorID,
				Role:     domain.RoleCreator,
				UserData: p.CreatorData,
				JoinedAt: now,
			}},
			CreatedAt: now,
			UpdatedAt: now,
		}

		err = s.store.CreateRoom(ctx, room)
		switch {
		case err == nil:
			metrics.RoomsCreated.Inc()
			return room, nil
		case errors.Is(err, domain.ErrCodeConflict):
			slog.WarnContext(ctx, "service.CreateRoom: code collision", slog.String("code", code), slog.Int("attempt", attempt))
			continue
		default:
			return nil, storeErr("store.CreateRoom", err)
		}
	}
	return nil, fmt.Errorf("%w: no free room code after %d attempts", domain.ErrConflict, s.opts.CodeAttempts)
}

// FindRoomByCode ищет незакрытую комнату по коду (регистр не важен).
func (s *RoomService) FindRoomByCode(ctx context.Context, code string) (*domain.Room, error) {
	norm, err := domain.NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	room, err := s.store.GetRoomByCode(ctx, norm)
	if err != nil {
		return nil, storeErr("store.GetRoomByCode", err)
	}
	return room, nil
}

func (s *RoomService) GetRoom(ctx context.Context, id string) (*domain.Room, error) {
	if strings.TrimSpace(id) == "" {
		return nil, domain.Validationf("roomId is required")
	}
	room, err := s.store.GetRoom(ctx, id)
	if err != nil {
		return nil, storeErr("store.GetRoom", err)
	}
	return room, nil
}

// ListRooms возвращает список комнат с курсорной пагинацией, новые первыми.
func (s *RoomService) ListRooms(ctx context.Context, limit int, cursor string) ([]domain.Room, string, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 50 {
		limit = 50
	}

	rooms, next, err := s.store.ListRooms(ctx, limit, cursor)
	if err != nil {
		return nil, "", storeErr("store.ListRooms", err)
	}
	return rooms, next, nil
}

// AddParticipant admits userID into the room. Capacity and status are
// checked atomically by the store.
func (s *RoomService) AddParticipant(ctx context.Context, roomID, userID string, userData json.RawMessage) (*domain.Room, error) {
	if strings.TrimSpace(roomID) == "" {
		return nil, domain.Validationf("roomId is required")
	}
	if strings.TrimSpace(userID) == "" {
		return nil, domain.Validationf("userId is required")
	}

	room, err := s.store.AddParticipant(ctx, roomID, domain.Participant{
		RoomID:   roomID,
		UserID:   userID,
		UserData: userData,
	})
	if err != nil {
		err = storeErr("store.AddParticipant", err)
		metrics.Joins.WithLabelValues(domain.Code(err)).Inc()
		return nil, err
	}
	metrics.Joins.WithLabelValues("ok").Inc()
	return room, nil
}

// RemoveParticipant is an explicit leave. A room whose roster becomes empty
// is closed in the same store write.
func (s *RoomService) RemoveParticipant(ctx context.Context, roomID, userID string) (*domain.Room, error) {
	room, closed, err := s.store.RemoveParticipant(ctx, roomID, userID, true)
	if err != nil {
		return nil, storeErr("store.RemoveParticipant", err)
	}
	if closed {
		metrics.RoomsClosed.WithLabelValues("abandoned").Inc()
		slog.InfoContext(ctx, "room closed", slog.String("room_id", roomID), slog.String("reason", "abandoned"))
	}
	return room, nil
}

// CloseRoom is idempotent: closing a closed room returns it unchanged.
func (s *RoomService) CloseRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	return s.closeRoom(ctx, roomID, "request")
}

func (s *RoomService) closeRoom(ctx context.Context, roomID, reason string) (*domain.Room, error) {
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.Status == domain.RoomClosed {
		return room, nil
	}
	room, err = s.store.SetStatus(ctx, roomID, domain.RoomClosed)
	if err != nil {
		return nil, storeErr("store.SetStatus", err)
	}
	metrics.RoomsClosed.WithLabelValues(reason).Inc()
	slog.InfoContext(ctx, "room closed", slog.String("room_id", roomID), slog.String("reason", reason))
	return room, nil
}

func (s *RoomService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// storeErr keeps domain errors as they are and turns everything else into
// ErrPersistence.
func storeErr(op string, err error) error {
	if domain.Code(err) != domain.CodeInternal {
		return err
	}
	return domain.Persistence(op, err)
}
