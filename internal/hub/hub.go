// Package hub keeps the live channel set of every room in this process and
// fans events out to it.
package hub

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/cwrk-planet/room-hub/internal/domain"
	"github.com/cwrk-planet/room-hub/internal/metrics"
	"github.com/cwrk-planet/room-hub/pkg/protocol"
)

// ErrBackpressure is returned by Channel.Send when the outbound queue is full.
var ErrBackpressure = errors.New("channel send queue full")

// Channel is one live transport connection. Send must not block: it either
// enqueues the message or fails.
type Channel interface {
	ID() string
	Send(msg protocol.Outbound) error
	Close() error
}

// Recorder receives every broadcast action. It must not block.
type Recorder interface {
	Record(roomID string, a domain.Action)
}

type member struct {
	ch       Channel
	userID   string
	userData json.RawMessage
}

type room struct {
	mu      sync.Mutex
	id      string
	info    *domain.Room
	members []*member // registration order
	history []domain.Action
	dead    bool // removed from Hub.rooms; callers must retry
}

type Hub struct {
	mu    sync.Mutex
	rooms map[string]*room

	rec Recorder
	now func() time.Time
}

func New(rec Recorder) *Hub {
	return &Hub{
		rooms: make(map[string]*room),
		rec:   rec,
		now:   time.Now,
	}
}

func (h *Hub) lookup(roomID string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[roomID]
}

// acquire returns the locked entry for roomID, creating it if needed.
func (h *Hub) acquire(roomID string) *room {
	for {
		h.mu.Lock()
		r, ok := h.rooms[roomID]
		if !ok {
			r = &room{id: roomID}
			h.rooms[roomID] = r
			metrics.LiveRooms.Inc()
		}
		h.mu.Unlock()

		r.mu.Lock()
		if !r.dead {
			return r
		}
		r.mu.Unlock()
	}
}

// drop must be called with r.mu held.
func (h *Hub) drop(r *room) {
	r.dead = true
	h.mu.Lock()
	if h.rooms[r.id] == r {
		delete(h.rooms, r.id)
		metrics.LiveRooms.Dec()
	}
	h.mu.Unlock()
}

func (r *room) find(ch Channel) int {
	for i, m := range r.members {
		if m.ch.ID() == ch.ID() {
			return i
		}
	}
	return -1
}

func (r *room) snapshot(exclude Channel) protocol.RoomState {
	st := protocol.RoomState{
		RoomID:       r.id,
		Participants: make([]protocol.Participant, 0, len(r.members)),
		Actions:      make([]protocol.ActionEvent, 0, len(r.history)),
	}
	if r.info != nil {
		st.Code = r.info.Code
		st.Status = string(r.info.Status)
		st.MaxParticipants = r.info.MaxParticipants
		st.Metadata = r.info.Metadata
	}
	for _, m := range r.members {
		if exclude != nil && m.ch.ID() == exclude.ID() {
			continue
		}
		st.Participants = append(st.Participants, protocol.Participant{
			UserID:    m.userID,
			UserData:  m.userData,
			ChannelID: m.ch.ID(),
		})
	}
	for _, a := range r.history {
		st.Actions = append(st.Actions, ActionEvent(a))
	}
	return st
}

// ActionEvent converts a stored action into its wire form.
func ActionEvent(a domain.Action) protocol.ActionEvent {
	return protocol.ActionEvent{
		ID:        a.ID,
		Action:    a.Kind,
		Payload:   a.Payload,
		SenderID:  a.SenderID,
		Timestamp: a.Timestamp.UnixMilli(),
	}
}

// send enqueues msg on every member except skip and returns the channels
// that could not take it.
func (r *room) send(msg protocol.Outbound, skip Channel, failed []Channel) []Channel {
	for _, m := range r.members {
		if skip != nil && m.ch.ID() == skip.ID() {
			continue
		}
		if err := m.ch.Send(msg); err != nil {
			metrics.DeliveryDrops.WithLabelValues(msg.Event()).Inc()
			failed = append(failed, m.ch)
		}
	}
	return failed
}

func closeAll(roomID string, chs []Channel) {
	for _, ch := range chs {
		slog.Warn("hub: closing lagging channel", slog.String("room_id", roomID), slog.String("channel_id", ch.ID()))
		_ = ch.Close()
	}
}

// Register adds ch to the room's live set, queues the snapshot for ch alone
// and announces the joiner to everyone else. info refreshes the cached room
// record when non-nil. seed becomes the action history if the room has no
// live entry yet. Registering a channel twice only re-sends the snapshot.
func (h *Hub) Register(roomID string, ch Channel, userID string, userData json.RawMessage, info *domain.Room, seed []domain.Action) protocol.RoomState {
	r := h.acquire(roomID)

	if info != nil {
		r.info = info.Clone()
	}

	var failed []Channel
	if r.find(ch) >= 0 {
		st := r.snapshot(ch)
		if err := ch.Send(st); err != nil {
			failed = append(failed, ch)
		}
		r.mu.Unlock()
		closeAll(roomID, failed)
		return st
	}

	if len(r.members) == 0 && len(r.history) == 0 && len(seed) > 0 {
		r.history = append([]domain.Action(nil), seed...)
	}

	st := r.snapshot(ch)
	r.members = append(r.members, &member{ch: ch, userID: userID, userData: userData})
	metrics.LiveChannels.Inc()

	if err := ch.Send(st); err != nil {
		failed = append(failed, ch)
	}
	failed = r.send(protocol.UserJoined{UserID: userID, UserData: userData, ChannelID: ch.ID()}, ch, failed)
	r.mu.Unlock()

	closeAll(roomID, failed)
	return st
}

// Deregister removes ch from the room. Unknown channels are a no-op. empty
// reports whether the room has no live channels afterwards.
func (h *Hub) Deregister(roomID string, ch Channel) (removed, empty bool) {
	r := h.lookup(roomID)
	if r == nil {
		return false, true
	}

	r.mu.Lock()
	if r.dead {
		r.mu.Unlock()
		return false, true
	}
	i := r.find(ch)
	if i < 0 {
		empty = len(r.members) == 0
		r.mu.Unlock()
		return false, empty
	}

	m := r.members[i]
	r.members = append(r.members[:i:i], r.members[i+1:]...)
	metrics.LiveChannels.Dec()

	failed := r.send(protocol.UserLeft{UserID: m.userID, ChannelID: ch.ID()}, nil, nil)
	if len(r.members) == 0 {
		h.drop(r)
		empty = true
	}
	r.mu.Unlock()

	closeAll(roomID, failed)
	return true, empty
}

// BroadcastAction stamps a, delivers it to every live channel except
// exclude in registration order and hands it to the Recorder. exclude must
// be registered in the room when non-nil; it receives an action-accepted
// event carrying the stamped action instead. Recording happens under the
// room lock, so the log sees the room's actions in broadcast order.
func (h *Hub) BroadcastAction(roomID string, a domain.Action, exclude Channel) (domain.Action, error) {
	r := h.lookup(roomID)
	if r == nil {
		return domain.Action{}, domain.ErrNotJoined
	}

	r.mu.Lock()
	if r.dead || (exclude != nil && r.find(exclude) < 0) {
		r.mu.Unlock()
		return domain.Action{}, domain.ErrNotJoined
	}

	now := h.now().UTC()
	a.ID = ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
	a.RoomID = roomID
	a.Timestamp = now
	r.history = append(r.history, a)

	ev := ActionEvent(a)
	failed := r.send(ev, exclude, nil)
	if exclude != nil {
		if err := exclude.Send(protocol.ActionAccepted(ev)); err != nil {
			metrics.DeliveryDrops.WithLabelValues(protocol.EventActionAccepted).Inc()
			failed = append(failed, exclude)
		}
	}
	if h.rec != nil {
		h.rec.Record(roomID, a)
	}
	r.mu.Unlock()

	metrics.ActionsBroadcast.Inc()
	closeAll(roomID, failed)
	return a, nil
}

// Live returns the number of channels registered for roomID.
func (h *Hub) Live(roomID string) int {
	r := h.lookup(roomID)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dead {
		return 0
	}
	return len(r.members)
}

// Evict sends msg to every channel of the room and closes them. The
// transport's disconnect path performs the deregistration.
func (h *Hub) Evict(roomID string, msg protocol.Error) int {
	r := h.lookup(roomID)
	if r == nil {
		return 0
	}

	r.mu.Lock()
	chs := make([]Channel, 0, len(r.members))
	for _, m := range r.members {
		_ = m.ch.Send(msg)
		chs = append(chs, m.ch)
	}
	r.mu.Unlock()

	for _, ch := range chs {
		_ = ch.Close()
	}
	return len(chs)
}

// Close closes every live channel. Used on shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	ids := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.Evict(id, protocol.Error{Message: "server shutting down", Code: domain.CodeState})
	}
}
