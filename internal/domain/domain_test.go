package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestNewRoomCode_Shape(t *testing.T) {
	for i := 0; i < 200; i++ {
		code, err := NewRoomCode()
		if err != nil {
			t.Fatalf("NewRoomCode: %v", err)
		}
		if !codeRe.MatchString(code) {
			t.Fatalf("code %q does not match %s", code, codeRe)
		}
	}
}

func TestNewRoomCode_SkipsBiasedBytes(t *testing.T) {
	// Six rejected bytes followed by six accepted ones.
	src := bytes.NewReader([]byte{255, 254, 253, 252, 255, 255, 0, 1, 2, 35, 36, 71})
	code, err := newRoomCode(src)
	if err != nil {
		t.Fatalf("newRoomCode: %v", err)
	}
	if code != "ABC9A9" {
		t.Fatalf("got %q, want ABC9A9", code)
	}
}

func TestNormalizeCode(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "abc123", want: "ABC123"},
		{in: "  xyz789 ", want: "XYZ789"},
		{in: "ABC12", wantErr: true},
		{in: "ABC1234", wantErr: true},
		{in: "AB-123", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := NormalizeCode(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("NormalizeCode(%q) err = %v, want validation error", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("NormalizeCode(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrRoomNotFound, CodeNotFound},
		{ErrRoomFull, CodeCapacity},
		{ErrRoomNotActive, CodeState},
		{ErrNotJoined, CodeState},
		{ErrInvalidCode, CodeValidation},
		{Validationf("userId is required"), CodeValidation},
		{ErrCodeConflict, CodeConflict},
		{Persistence("insert", errors.New("boom")), CodePersistence},
		{fmt.Errorf("wrapped: %w", ErrRoomFull), CodeCapacity},
		{errors.New("other"), CodeInternal},
	}
	for _, tt := range tests {
		if got := Code(tt.err); got != tt.want {
			t.Fatalf("Code(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestRoomClone_IsDeep(t *testing.T) {
	r := &Room{
		ID:           "r1",
		Metadata:     map[string]json.RawMessage{"theme": json.RawMessage(`"dark"`)},
		Participants: []Participant{{UserID: "a"}},
	}
	c := r.Clone()
	c.Participants[0].UserID = "b"
	c.Metadata["theme"][1] = 'X'
	if r.Participants[0].UserID != "a" {
		t.Fatal("participants shared")
	}
	if string(r.Metadata["theme"]) != `"dark"` {
		t.Fatal("metadata shared")
	}
	if !c.HasParticipant("b") || c.HasParticipant("a") {
		t.Fatal("HasParticipant mismatch")
	}
}

func TestRoomAdmit(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	newRoom := func(status RoomStatus, max int, users ...string) *Room {
		r := &Room{ID: "r1", CreatorID: "creator", MaxParticipants: max, Status: status}
		r.Participants = append(r.Participants, Participant{RoomID: "r1", UserID: "creator", Role: RoleCreator})
		for _, u := range users {
			r.Participants = append(r.Participants, Participant{RoomID: "r1", UserID: u, Role: RoleMember})
		}
		return r
	}

	tests := []struct {
		name       string
		room       *Room
		user       string
		wantAdded  bool
		wantErr    error
		wantStatus RoomStatus
		wantCount  int
	}{
		{"creator activates pending", newRoom(RoomPending, 2), "creator", false, nil, RoomActive, 1},
		{"member on pending", newRoom(RoomPending, 2), "bob", false, ErrRoomNotActive, RoomPending, 1},
		{"member joins active", newRoom(RoomActive, 2), "bob", true, nil, RoomActive, 2},
		{"existing member is idempotent", newRoom(RoomActive, 2, "bob"), "bob", false, nil, RoomActive, 2},
		{"full", newRoom(RoomActive, 2, "bob"), "carol", false, ErrRoomFull, RoomActive, 2},
		{"closed", newRoom(RoomClosed, 2), "creator", false, ErrRoomNotActive, RoomClosed, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			added, err := tt.room.Admit(Participant{UserID: tt.user}, now)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if added != tt.wantAdded {
				t.Fatalf("added = %v, want %v", added, tt.wantAdded)
			}
			if tt.room.Status != tt.wantStatus || len(tt.room.Participants) != tt.wantCount {
				t.Fatalf("status=%s count=%d, want %s %d", tt.room.Status, len(tt.room.Participants), tt.wantStatus, tt.wantCount)
			}
			if added {
				last := tt.room.Participants[len(tt.room.Participants)-1]
				if last.Role != RoleMember || !last.JoinedAt.Equal(now) || last.RoomID != "r1" {
					t.Fatalf("admitted participant = %+v", last)
				}
			}
		})
	}
}

func TestRoomRemove(t *testing.T) {
	r := &Room{ID: "r1", Participants: []Participant{{UserID: "a"}, {UserID: "b"}, {UserID: "c"}}}
	if err := r.Remove("b", time.Now()); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if len(r.Participants) != 2 || r.Participants[0].UserID != "a" || r.Participants[1].UserID != "c" {
		t.Fatalf("roster = %+v", r.Participants)
	}
	if err := r.Remove("b", time.Now()); !errors.Is(err, ErrNotInRoom) {
		t.Fatalf("second Remove err = %v", err)
	}
}

func TestRoomLeave(t *testing.T) {
	now := time.Now()
	r := &Room{ID: "r1", Status: RoomActive, Participants: []Participant{{UserID: "a"}, {UserID: "b"}}}

	if closed, err := r.Leave("a", now, true); err != nil || closed || r.Status != RoomActive {
		t.Fatalf("Leave(a) = %v, %v, status %s", closed, err, r.Status)
	}
	if closed, err := r.Leave("b", now, true); err != nil || !closed || r.Status != RoomClosed {
		t.Fatalf("Leave(b) = %v, %v, status %s", closed, err, r.Status)
	}

	kept := &Room{ID: "r2", Status: RoomActive, Participants: []Participant{{UserID: "a"}}}
	if closed, _ := kept.Leave("a", now, false); closed || kept.Status != RoomActive {
		t.Fatalf("closeIfEmpty=false closed the room")
	}
	if _, err := kept.Leave("a", now, true); !errors.Is(err, ErrNotInRoom) {
		t.Fatalf("second Leave err = %v", err)
	}
}
