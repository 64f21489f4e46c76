package agent

import (
	"encoding/json"

	"github.com/cwrk-planet/room-hub/pkg/protocol"
)

type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusJoined       Status = "joined"
	StatusReconnecting Status = "reconnecting"
	StatusFailed       Status = "failed"
	StatusClosed       Status = "closed"
)

// Reducer folds room actions into client state. The agent calls Reset and
// then Apply for every snapshot action when a room-state arrives, and Apply
// for every later action, including the agent's own.
type Reducer interface {
	Reset()
	Apply(a protocol.ActionEvent)
}

// View is the agent's local picture of the room.
type View struct {
	Status       Status
	Room         *protocol.RoomState
	Participants []protocol.Participant
	LastError    error
}

func (v View) clone() View {
	out := v
	if v.Room != nil {
		rs := *v.Room
		rs.Participants = append([]protocol.Participant(nil), v.Room.Participants...)
		rs.Actions = append([]protocol.ActionEvent(nil), v.Room.Actions...)
		if v.Room.Metadata != nil {
			rs.Metadata = make(map[string]json.RawMessage, len(v.Room.Metadata))
			for k, m := range v.Room.Metadata {
				rs.Metadata[k] = m
			}
		}
		out.Room = &rs
	}
	out.Participants = append([]protocol.Participant(nil), v.Participants...)
	return out
}

func (v *View) addParticipant(p protocol.Participant) {
	for i, cur := range v.Participants {
		if cur.UserID == p.UserID {
			v.Participants[i] = p
			return
		}
	}
	v.Participants = append(v.Participants, p)
}

func (v *View) removeParticipant(userID string) {
	for i, cur := range v.Participants {
		if cur.UserID == userID {
			v.Participants = append(v.Participants[:i:i], v.Participants[i+1:]...)
			return
		}
	}
}
