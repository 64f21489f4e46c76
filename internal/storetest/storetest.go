// Package storetest holds behaviour suites shared by every RoomStore and
// action log backend.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cwrk-planet/room-hub/internal/actionlog"
	"github.com/cwrk-planet/room-hub/internal/domain"
	"github.com/cwrk-planet/room-hub/internal/service"
)

func newRoom(t *testing.T, creator string, max int) *domain.Room {
	t.Helper()
	code, err := domain.NewRoomCode()
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	id := uuid.NewString()
	return &domain.Room{
		ID:              id,
		Code:            code,
		CreatorID:       creator,
		MaxParticipants: max,
		Status:          domain.RoomPending,
		Metadata:        map[string]json.RawMessage{"game": json.RawMessage(`"chess"`)},
		Participants: []domain.Participant{{
			RoomID:   id,
			UserID:   creator,
			Role:     domain.RoleCreator,
			UserData: json.RawMessage(`{"name":"creator"}`),
			JoinedAt: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func mustCreate(t *testing.T, s service.RoomStore, r *domain.Room) {
	t.Helper()
	if err := s.CreateRoom(context.Background(), r); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
}

func activate(t *testing.T, s service.RoomStore, r *domain.Room) {
	t.Helper()
	if _, err := s.AddParticipant(context.Background(), r.ID, domain.Participant{UserID: r.CreatorID}); err != nil {
		t.Fatalf("creator join: %v", err)
	}
}

// JSONEqual compares two JSON documents ignoring formatting.
func JSONEqual(t *testing.T, got, want []byte) bool {
	t.Helper()
	if len(got) == 0 || len(want) == 0 {
		return len(got) == len(want)
	}
	var g, w any
	if err := json.Unmarshal(got, &g); err != nil {
		t.Fatalf("unmarshal %s: %v", got, err)
	}
	if err := json.Unmarshal(want, &w); err != nil {
		t.Fatalf("unmarshal %s: %v", want, err)
	}
	return reflect.DeepEqual(g, w)
}

// RoomStore runs the registry store suite against stores built by newStore.
func RoomStore(t *testing.T, newStore func(t *testing.T) service.RoomStore) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		r := newRoom(t, "alice", 4)
		mustCreate(t, s, r)

		got, err := s.GetRoom(ctx, r.ID)
		if err != nil {
			t.Fatalf("GetRoom: %v", err)
		}
		if got.Code != r.Code || got.Status != domain.RoomPending || got.MaxParticipants != 4 || got.CreatorID != "alice" {
			t.Fatalf("room = %+v", got)
		}
		if !JSONEqual(t, got.Metadata["game"], []byte(`"chess"`)) {
			t.Fatalf("metadata = %v", got.Metadata)
		}
		if len(got.Participants) != 1 || got.Participants[0].Role != domain.RoleCreator ||
			!JSONEqual(t, got.Participants[0].UserData, []byte(`{"name":"creator"}`)) {
			t.Fatalf("participants = %+v", got.Participants)
		}
		if !got.CreatedAt.Equal(r.CreatedAt) {
			t.Fatalf("created_at = %v, want %v", got.CreatedAt, r.CreatedAt)
		}

		byCode, err := s.GetRoomByCode(ctx, r.Code)
		if err != nil || byCode.ID != r.ID {
			t.Fatalf("GetRoomByCode = %v, %v", byCode, err)
		}

		if _, err := s.GetRoom(ctx, uuid.NewString()); !errors.Is(err, domain.ErrRoomNotFound) {
			t.Fatalf("missing room err = %v", err)
		}
	})

	t.Run("code unique among open rooms", func(t *testing.T) {
		s := newStore(t)
		first := newRoom(t, "alice", 4)
		mustCreate(t, s, first)

		dup := newRoom(t, "bob", 4)
		dup.Code = first.Code
		if err := s.CreateRoom(ctx, dup); !errors.Is(err, domain.ErrCodeConflict) {
			t.Fatalf("duplicate code err = %v", err)
		}

		if _, err := s.SetStatus(ctx, first.ID, domain.RoomClosed); err != nil {
			t.Fatal(err)
		}
		if _, err := s.GetRoomByCode(ctx, first.Code); !errors.Is(err, domain.ErrRoomNotFound) {
			t.Fatalf("closed room found by code: %v", err)
		}
		reuse := newRoom(t, "carol", 4)
		reuse.Code = first.Code
		if err := s.CreateRoom(ctx, reuse); err != nil {
			t.Fatalf("reuse code of closed room: %v", err)
		}
	})

	t.Run("admission rules", func(t *testing.T) {
		s := newStore(t)
		r := newRoom(t, "alice", 2)
		mustCreate(t, s, r)

		if _, err := s.AddParticipant(ctx, r.ID, domain.Participant{UserID: "bob"}); !errors.Is(err, domain.ErrRoomNotActive) {
			t.Fatalf("join pending room err = %v", err)
		}

		got, err := s.AddParticipant(ctx, r.ID, domain.Participant{UserID: "alice"})
		if err != nil || got.Status != domain.RoomActive || len(got.Participants) != 1 {
			t.Fatalf("creator join = %+v, %v", got, err)
		}

		got, err = s.AddParticipant(ctx, r.ID, domain.Participant{UserID: "bob", UserData: json.RawMessage(`{"n":1}`)})
		if err != nil || len(got.Participants) != 2 {
			t.Fatalf("bob join = %+v, %v", got, err)
		}
		if p := got.Participants[1]; p.UserID != "bob" || p.Role != domain.RoleMember || !JSONEqual(t, p.UserData, []byte(`{"n":1}`)) {
			t.Fatalf("bob = %+v", p)
		}

		if _, err := s.AddParticipant(ctx, r.ID, domain.Participant{UserID: "bob"}); err != nil {
			t.Fatalf("re-join: %v", err)
		}
		if _, err := s.AddParticipant(ctx, r.ID, domain.Participant{UserID: "carol"}); !errors.Is(err, domain.ErrRoomFull) {
			t.Fatalf("full room err = %v", err)
		}
		if _, err := s.AddParticipant(ctx, uuid.NewString(), domain.Participant{UserID: "carol"}); !errors.Is(err, domain.ErrRoomNotFound) {
			t.Fatalf("missing room err = %v", err)
		}

		if _, err := s.SetStatus(ctx, r.ID, domain.RoomClosed); err != nil {
			t.Fatal(err)
		}
		if _, err := s.AddParticipant(ctx, r.ID, domain.Participant{UserID: "alice"}); !errors.Is(err, domain.ErrRoomNotActive) {
			t.Fatalf("join closed room err = %v", err)
		}
	})

	t.Run("concurrent joins respect capacity", func(t *testing.T) {
		s := newStore(t)
		r := newRoom(t, "alice", 5)
		mustCreate(t, s, r)
		activate(t, s, r)

		var (
			wg     sync.WaitGroup
			mu     sync.Mutex
			ok     int
			full   int
			others []error
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.AddParticipant(ctx, r.ID, domain.Participant{UserID: fmt.Sprintf("u%d", i)})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case errors.Is(err, domain.ErrRoomFull):
					full++
				default:
					others = append(others, err)
				}
			}(i)
		}
		wg.Wait()

		if len(others) > 0 {
			t.Fatalf("unexpected errors: %v", others)
		}
		if ok != 4 || full != 16 {
			t.Fatalf("ok=%d full=%d, want 4 and 16", ok, full)
		}
		got, err := s.GetRoom(ctx, r.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(got.Participants) != 5 {
			t.Fatalf("roster size = %d", len(got.Participants))
		}
	})

	t.Run("remove participant", func(t *testing.T) {
		s := newStore(t)
		r := newRoom(t, "alice", 4)
		mustCreate(t, s, r)
		activate(t, s, r)
		if _, err := s.AddParticipant(ctx, r.ID, domain.Participant{UserID: "bob"}); err != nil {
			t.Fatal(err)
		}

		got, closed, err := s.RemoveParticipant(ctx, r.ID, "alice", true)
		if err != nil {
			t.Fatalf("RemoveParticipant: %v", err)
		}
		if closed || got.Status != domain.RoomActive {
			t.Fatalf("room with participants closed: %+v", got)
		}
		if len(got.Participants) != 1 || got.Participants[0].UserID != "bob" {
			t.Fatalf("roster = %+v", got.Participants)
		}
		if _, _, err := s.RemoveParticipant(ctx, r.ID, "alice", true); !errors.Is(err, domain.ErrNotInRoom) {
			t.Fatalf("second remove err = %v", err)
		}
		if _, _, err := s.RemoveParticipant(ctx, uuid.NewString(), "alice", true); !errors.Is(err, domain.ErrRoomNotFound) {
			t.Fatalf("missing room err = %v", err)
		}
	})

	t.Run("last remove closes in the same write", func(t *testing.T) {
		s := newStore(t)
		r := newRoom(t, "alice", 4)
		mustCreate(t, s, r)
		activate(t, s, r)

		got, closed, err := s.RemoveParticipant(ctx, r.ID, "alice", true)
		if err != nil || !closed || got.Status != domain.RoomClosed {
			t.Fatalf("RemoveParticipant = %+v, %v, %v", got, closed, err)
		}
		stored, err := s.GetRoom(ctx, r.ID)
		if err != nil || stored.Status != domain.RoomClosed || len(stored.Participants) != 0 {
			t.Fatalf("stored = %+v, %v", stored, err)
		}
		if _, err := s.GetRoomByCode(ctx, r.Code); !errors.Is(err, domain.ErrRoomNotFound) {
			t.Fatalf("closed room still found by code: %v", err)
		}
		if _, err := s.AddParticipant(ctx, r.ID, domain.Participant{UserID: "bob"}); !errors.Is(err, domain.ErrRoomNotActive) {
			t.Fatalf("join after close err = %v", err)
		}
	})

	t.Run("remove without close keeps empty room", func(t *testing.T) {
		s := newStore(t)
		r := newRoom(t, "alice", 4)
		mustCreate(t, s, r)
		activate(t, s, r)

		got, closed, err := s.RemoveParticipant(ctx, r.ID, "alice", false)
		if err != nil || closed || got.Status != domain.RoomActive {
			t.Fatalf("RemoveParticipant = %+v, %v, %v", got, closed, err)
		}
	})

	t.Run("list pages newest first", func(t *testing.T) {
		s := newStore(t)
		base := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)
		want := map[string]bool{}
		for i := 0; i < 5; i++ {
			r := newRoom(t, "lister", 4)
			r.CreatedAt = base.Add(time.Duration(i) * time.Second)
			r.UpdatedAt = r.CreatedAt
			mustCreate(t, s, r)
			want[r.ID] = true
		}

		seen := map[string]bool{}
		var prev *domain.Room
		cur := ""
		for page := 0; page < 1000 && len(seen) < len(want); page++ {
			items, next, err := s.ListRooms(ctx, 2, cur)
			if err != nil {
				t.Fatalf("ListRooms: %v", err)
			}
			for i := range items {
				it := items[i]
				if prev != nil && (it.CreatedAt.After(prev.CreatedAt) ||
					(it.CreatedAt.Equal(prev.CreatedAt) && it.ID >= prev.ID)) {
					t.Fatalf("order broken: %s after %s", it.ID, prev.ID)
				}
				prev = &it
				if want[it.ID] {
					if seen[it.ID] {
						t.Fatalf("room %s listed twice", it.ID)
					}
					seen[it.ID] = true
				}
			}
			if next == "" {
				break
			}
			cur = next
		}
		if len(seen) != len(want) {
			t.Fatalf("saw %d of %d rooms", len(seen), len(want))
		}

		if _, _, err := s.ListRooms(ctx, 2, "!!!"); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("bad cursor err = %v", err)
		}
	})

	t.Run("ping", func(t *testing.T) {
		if err := newStore(t).Ping(ctx); err != nil {
			t.Fatalf("Ping: %v", err)
		}
	})
}

// ActionLog runs the action log suite against logs built by newLog.
func ActionLog(t *testing.T, newLog func(t *testing.T) actionlog.Log) {
	ctx := context.Background()

	t.Run("append and list in order", func(t *testing.T) {
		l := newLog(t)
		roomID := uuid.NewString()
		other := uuid.NewString()
		base := time.Now().UTC().Truncate(time.Millisecond)

		var want []domain.Action
		for i := 0; i < 5; i++ {
			a := domain.Action{
				ID:        uuid.NewString(),
				RoomID:    roomID,
				Kind:      "add-paragraph",
				Payload:   json.RawMessage(fmt.Sprintf(`{"text":"p%d"}`, i)),
				SenderID:  "alice",
				Timestamp: base.Add(time.Duration(i) * time.Millisecond),
			}
			if err := l.AppendAction(ctx, roomID, a); err != nil {
				t.Fatalf("AppendAction: %v", err)
			}
			want = append(want, a)
		}
		if err := l.AppendAction(ctx, other, domain.Action{ID: uuid.NewString(), RoomID: other, Kind: "noop", SenderID: "bob", Timestamp: base}); err != nil {
			t.Fatal(err)
		}

		got, err := l.ListActions(ctx, roomID)
		if err != nil {
			t.Fatalf("ListActions: %v", err)
		}
		if len(got) != len(want) {
			t.Fatalf("got %d actions, want %d", len(got), len(want))
		}
		for i := range want {
			g, w := got[i], want[i]
			if g.ID != w.ID || g.Kind != w.Kind || g.SenderID != w.SenderID || g.RoomID != roomID {
				t.Fatalf("action %d = %+v, want %+v", i, g, w)
			}
			if !g.Timestamp.Equal(w.Timestamp) {
				t.Fatalf("action %d timestamp = %v, want %v", i, g.Timestamp, w.Timestamp)
			}
			if !JSONEqual(t, g.Payload, w.Payload) {
				t.Fatalf("action %d payload = %s, want %s", i, g.Payload, w.Payload)
			}
		}
	})

	t.Run("unknown room is empty", func(t *testing.T) {
		got, err := newLog(t).ListActions(ctx, uuid.NewString())
		if err != nil {
			t.Fatalf("ListActions: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("got %d actions", len(got))
		}
	})

	t.Run("empty payload", func(t *testing.T) {
		l := newLog(t)
		roomID := uuid.NewString()
		a := domain.Action{ID: uuid.NewString(), RoomID: roomID, Kind: "ping", SenderID: "alice", Timestamp: time.Now().UTC().Truncate(time.Millisecond)}
		if err := l.AppendAction(ctx, roomID, a); err != nil {
			t.Fatal(err)
		}
		got, err := l.ListActions(ctx, roomID)
		if err != nil || len(got) != 1 || len(got[0].Payload) != 0 {
			t.Fatalf("got %+v, %v", got, err)
		}
	})
}
