package domain

import (
	"encoding/json"
	"time"
)

const (
	DefaultMaxParticipants = 8
	MinMaxParticipants     = 2
	MaxMaxParticipants     = 100
)

type RoomStatus string

const (
	RoomPending RoomStatus = "pending"
	RoomActive  RoomStatus = "active"
	RoomClosed  RoomStatus = "closed"
)

func (s RoomStatus) Valid() bool {
	switch s {
	case RoomPending, RoomActive, RoomClosed:
		return true
	}
	return false
}

type Room struct {
	ID              string                     `db:"id" json:"id"`
	Code            string                     `db:"code" json:"code"`
	CreatorID       string                     `db:"creator_id" json:"creatorId"`
	MaxParticipants int                        `db:"max_participants" json:"maxParticipants"`
	Status          RoomStatus                 `db:"status" json:"status"`
	Metadata        map[string]json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	Participants    []Participant              `db:"-" json:"participants"`
	CreatedAt       time.Time                  `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time                  `db:"updated_at" json:"updatedAt"`
}

// HasParticipant reports whether userID is on the roster.
func (r *Room) HasParticipant(userID string) bool {
	for _, p := range r.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices or maps with r.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	out := *r
	if r.Metadata != nil {
		out.Metadata = make(map[string]json.RawMessage, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = append(json.RawMessage(nil), v...)
		}
	}
	out.Participants = make([]Participant, len(r.Participants))
	copy(out.Participants, r.Participants)
	return &out
}

// Admit applies a join by p.UserID to r in memory. A pending room admits only
// its creator, which activates it. Re-admitting a listed user changes nothing
// and returns added == false. Callers must hold whatever lock serializes joins
// for the room.
func (r *Room) Admit(p Participant, now time.Time) (added bool, err error) {
	if r.Status == RoomClosed {
		return false, ErrRoomNotActive
	}
	if r.HasParticipant(p.UserID) {
		if r.Status == RoomPending && p.UserID == r.CreatorID {
			r.Status = RoomActive
			r.UpdatedAt = now
		}
		return false, nil
	}
	if r.Status == RoomPending {
		return false, ErrRoomNotActive
	}
	if len(r.Participants) >= r.MaxParticipants {
		return false, ErrRoomFull
	}

	p.RoomID = r.ID
	p.Role = RoleMember
	p.JoinedAt = now
	r.Participants = append(r.Participants, p)
	r.UpdatedAt = now
	return true, nil
}

// Leave drops userID and, with closeIfEmpty, closes a room whose roster
// became empty. It reports whether this call closed the room.
func (r *Room) Leave(userID string, now time.Time, closeIfEmpty bool) (bool, error) {
	if err := r.Remove(userID, now); err != nil {
		return false, err
	}
	if !closeIfEmpty || len(r.Participants) > 0 || r.Status == RoomClosed {
		return false, nil
	}
	r.Status = RoomClosed
	return true, nil
}

// Remove drops userID from the roster.
func (r *Room) Remove(userID string, now time.Time) error {
	for i, p := range r.Participants {
		if p.UserID == userID {
			r.Participants = append(r.Participants[:i:i], r.Participants[i+1:]...)
			r.UpdatedAt = now
			return nil
		}
	}
	return ErrNotInRoom
}
