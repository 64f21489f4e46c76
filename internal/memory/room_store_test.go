package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cwrk-planet/room-hub/internal/domain"
	"github.com/cwrk-planet/room-hub/internal/service"
	"github.com/cwrk-planet/room-hub/internal/storetest"
)

func seedRoom(t *testing.T, s *RoomStore, id, code string, status domain.RoomStatus, max int, at time.Time) *domain.Room {
	t.Helper()
	r := &domain.Room{
		ID:              id,
		Code:            code,
		CreatorID:       "creator-" + id,
		MaxParticipants: max,
		Status:          status,
		Participants:    []domain.Participant{{RoomID: id, UserID: "creator-" + id, Role: domain.RoleCreator}},
		CreatedAt:       at,
		UpdatedAt:       at,
	}
	if err := s.CreateRoom(context.Background(), r); err != nil {
		t.Fatalf("CreateRoom(%s): %v", id, err)
	}
	return r
}

func TestRoomStore_CodeConflictOnlyAmongOpenRooms(t *testing.T) {
	ctx := context.Background()
	s := NewRoomStore()
	now := time.Now()
	seedRoom(t, s, "r1", "ABC123", domain.RoomActive, 4, now)

	dup := &domain.Room{ID: "r2", Code: "ABC123", Status: domain.RoomPending}
	if err := s.CreateRoom(ctx, dup); !errors.Is(err, domain.ErrCodeConflict) {
		t.Fatalf("err = %v, want ErrCodeConflict", err)
	}

	if _, err := s.SetStatus(ctx, "r1", domain.RoomClosed); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if _, err := s.GetRoomByCode(ctx, "ABC123"); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("closed room must not be found by code, err = %v", err)
	}
	if err := s.CreateRoom(ctx, dup); err != nil {
		t.Fatalf("code must be reusable after close: %v", err)
	}
}

func TestRoomStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewRoomStore()
	seedRoom(t, s, "r1", "ABC123", domain.RoomActive, 4, time.Now())

	r, _ := s.GetRoom(ctx, "r1")
	r.Participants[0].UserID = "mutated"
	r.Status = domain.RoomClosed

	again, _ := s.GetRoom(ctx, "r1")
	if again.Participants[0].UserID != "creator-r1" || again.Status != domain.RoomActive {
		t.Fatalf("store state leaked: %+v", again)
	}
}

func TestRoomStore_ConcurrentJoinsRespectCapacity(t *testing.T) {
	ctx := context.Background()
	s := NewRoomStore()
	const max = 5
	seedRoom(t, s, "r1", "ABC123", domain.RoomActive, max, time.Now())

	const joiners = 40
	errs := make(chan error, joiners)
	start := make(chan struct{})
	for i := 0; i < joiners; i++ {
		go func(i int) {
			<-start
			_, err := s.AddParticipant(ctx, "r1", domain.Participant{UserID: fmt.Sprintf("u%d", i)})
			errs <- err
		}(i)
	}
	close(start)

	var ok, full int
	for i := 0; i < joiners; i++ {
		switch err := <-errs; {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrRoomFull):
			full++
		default:
			t.Fatalf("unexpected err: %v", err)
		}
	}
	r, _ := s.GetRoom(ctx, "r1")
	if len(r.Participants) != max || ok != max-1 || full != joiners-(max-1) {
		t.Fatalf("participants=%d ok=%d full=%d", len(r.Participants), ok, full)
	}
}

func TestRoomStore_ListRoomsPaginates(t *testing.T) {
	ctx := context.Background()
	s := NewRoomStore()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		seedRoom(t, s, fmt.Sprintf("r%d", i), fmt.Sprintf("CODE0%d", i), domain.RoomActive, 4, base.Add(time.Duration(i)*time.Minute))
	}

	var got []string
	cur := ""
	for page := 0; page < 5; page++ {
		rooms, next, err := s.ListRooms(ctx, 2, cur)
		if err != nil {
			t.Fatalf("ListRooms: %v", err)
		}
		for _, r := range rooms {
			got = append(got, r.ID)
		}
		if next == "" {
			break
		}
		cur = next
	}
	want := []string{"r4", "r3", "r2", "r1", "r0"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestRoomStore_RemoveParticipant(t *testing.T) {
	ctx := context.Background()
	s := NewRoomStore()
	seedRoom(t, s, "r1", "ABC123", domain.RoomActive, 4, time.Now())

	if _, err := s.AddParticipant(ctx, "r1", domain.Participant{UserID: "bob"}); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}
	r, closed, err := s.RemoveParticipant(ctx, "r1", "bob", false)
	if err != nil || closed || r.HasParticipant("bob") {
		t.Fatalf("RemoveParticipant: %v %v %+v", err, closed, r)
	}
	if _, _, err := s.RemoveParticipant(ctx, "r1", "bob", false); !errors.Is(err, domain.ErrNotInRoom) {
		t.Fatalf("second remove err = %v", err)
	}
	if _, _, err := s.RemoveParticipant(ctx, "nope", "bob", false); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("unknown room err = %v", err)
	}
}

func TestRoomStoreSuite(t *testing.T) {
	storetest.RoomStore(t, func(t *testing.T) service.RoomStore { return NewRoomStore() })
}
