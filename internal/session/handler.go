// Package session interprets inbound protocol messages for one channel
// against the registry and the hub.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/cwrk-planet/room-hub/internal/actionlog"
	"github.com/cwrk-planet/room-hub/internal/domain"
	"github.com/cwrk-planet/room-hub/internal/hub"
	"github.com/cwrk-planet/room-hub/pkg/protocol"
)

type Registry interface {
	AddParticipant(ctx context.Context, roomID, userID string, userData json.RawMessage) (*domain.Room, error)
	RemoveParticipant(ctx context.Context, roomID, userID string) (*domain.Room, error)
}

type Hub interface {
	Register(roomID string, ch hub.Channel, userID string, userData json.RawMessage, info *domain.Room, seed []domain.Action) protocol.RoomState
	Deregister(roomID string, ch hub.Channel) (removed, empty bool)
	BroadcastAction(roomID string, a domain.Action, exclude hub.Channel) (domain.Action, error)
	Live(roomID string) int
}

// EmptyRoomPolicy is told when a room loses its last live channel and when
// a join into it starts. The func returned by RoomJoining is called once the
// join has settled.
type EmptyRoomPolicy interface {
	RoomEmpty(roomID string)
	RoomJoining(roomID string) (done func())
}

type Config struct {
	Registry Registry
	Hub      Hub
	History  actionlog.Reader // optional, seeds snapshots of rooms with no live entry
	Empty    EmptyRoomPolicy  // optional
	Logger   *slog.Logger
}

type Handler struct {
	registry Registry
	hub      Hub
	history  actionlog.Reader
	empty    EmptyRoomPolicy
	log      *slog.Logger
}

func NewHandler(cfg Config) *Handler {
	l := cfg.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Handler{
		registry: cfg.Registry,
		hub:      cfg.Hub,
		history:  cfg.History,
		empty:    cfg.Empty,
		log:      l.With(slog.String("component", "session")),
	}
}

type membership struct {
	state  State
	userID string
}

// Conn is the session of one transport channel. It may hold memberships in
// several rooms.
type Conn struct {
	h  *Handler
	ch hub.Channel

	mu          sync.Mutex
	memberships map[string]*membership
	closed      bool
}

func (h *Handler) Open(ch hub.Channel) *Conn {
	return &Conn{
		h:           h,
		ch:          ch,
		memberships: make(map[string]*membership),
	}
}

// State returns the pair state for roomID.
func (c *Conn) State(roomID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ms, ok := c.memberships[roomID]; ok {
		return ms.state
	}
	return Unjoined
}

// HandleFrame decodes a raw frame and dispatches it.
func (c *Conn) HandleFrame(ctx context.Context, data []byte) {
	msg, err := protocol.DecodeInbound(data)
	if err != nil {
		c.reply(ctx, domain.Validationf("%v", err))
		return
	}
	c.Handle(ctx, msg)
}

// Handle dispatches one inbound message. Failures are answered with an
// error event on the channel and leave the state untouched.
func (c *Conn) Handle(ctx context.Context, msg protocol.Inbound) {
	var err error
	switch m := msg.(type) {
	case protocol.JoinRoom:
		err = c.join(ctx, m)
	case protocol.RoomAction:
		err = c.action(m)
	case protocol.LeaveRoom:
		err = c.leave(ctx, m)
	default:
		err = domain.Validationf("unsupported event %q", msg.Event())
	}
	if err != nil {
		c.reply(ctx, err)
	}
}

func (c *Conn) reply(ctx context.Context, err error) {
	code := domain.Code(err)
	lvl := slog.LevelDebug
	if code == domain.CodePersistence || code == domain.CodeInternal {
		lvl = slog.LevelError
	}
	c.h.log.Log(ctx, lvl, "session: request rejected",
		slog.String("channel_id", c.ch.ID()),
		slog.String("code", code),
		slog.Any("err", err),
	)
	_ = c.ch.Send(protocol.Error{Message: err.Error(), Code: code})
}

func (c *Conn) join(ctx context.Context, m protocol.JoinRoom) error {
	roomID := strings.TrimSpace(m.RoomID)
	userID := strings.TrimSpace(m.UserID)
	if roomID == "" {
		return domain.Validationf("roomId is required")
	}
	if userID == "" {
		return domain.Validationf("userId is required")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrAlreadyLeft
	}
	if ms, ok := c.memberships[roomID]; ok {
		defer c.mu.Unlock()
		switch {
		case ms.state == Joining:
			return domain.ErrJoinPending
		case ms.state.Terminal():
			return domain.ErrAlreadyLeft
		case ms.userID != userID:
			return domain.Validationf("channel already joined room %s as another user", roomID)
		}
		// уже в комнате: только повторно отдаём снапшот
		c.h.hub.Register(roomID, c.ch, userID, m.UserData, nil, nil)
		return nil
	}
	ms := &membership{state: Joining, userID: userID}
	c.memberships[roomID] = ms
	c.mu.Unlock()

	if c.h.empty != nil {
		defer c.h.empty.RoomJoining(roomID)()
	}

	room, seed, err := c.admit(ctx, roomID, userID, m.UserData)
	if err != nil {
		c.mu.Lock()
		if c.memberships[roomID] == ms && ms.state == Joining {
			delete(c.memberships, roomID)
		}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || ms.state != Joining {
		// канал закрылся, пока шёл join: регистрировать нечего
		return domain.ErrAlreadyLeft
	}
	c.h.hub.Register(roomID, c.ch, userID, m.UserData, room, seed)
	ms.state = Joined

	c.h.log.InfoContext(ctx, "session: joined",
		slog.String("room_id", roomID),
		slog.String("user_id", userID),
		slog.String("channel_id", c.ch.ID()),
	)
	return nil
}

// admit records the participant, then loads the seed for a room with no live
// entry. A seed failure keeps the registry slot, as after a disconnect:
// AddParticipant is idempotent per user, so a retried join reuses it.
func (c *Conn) admit(ctx context.Context, roomID, userID string, userData json.RawMessage) (*domain.Room, []domain.Action, error) {
	room, err := c.h.registry.AddParticipant(ctx, roomID, userID, userData)
	if err != nil {
		return nil, nil, err
	}
	if c.h.history == nil || c.h.hub.Live(roomID) > 0 {
		return room, nil, nil
	}
	seed, err := c.h.history.ListActions(ctx, roomID)
	if err != nil {
		return nil, nil, domain.Persistence("ListActions", err)
	}
	return room, seed, nil
}

func (c *Conn) action(m protocol.RoomAction) error {
	roomID := strings.TrimSpace(m.RoomID)
	if roomID == "" {
		return domain.Validationf("roomId is required")
	}
	if strings.TrimSpace(m.Action) == "" {
		return domain.Validationf("action is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ms, ok := c.memberships[roomID]
	if !ok || ms.state != Joined {
		return domain.ErrNotJoined
	}
	_, err := c.h.hub.BroadcastAction(roomID, domain.Action{
		Kind:     m.Action,
		Payload:  m.Payload,
		SenderID: ms.userID,
	}, c.ch)
	return err
}

func (c *Conn) leave(ctx context.Context, m protocol.LeaveRoom) error {
	roomID := strings.TrimSpace(m.RoomID)
	if roomID == "" {
		return domain.Validationf("roomId is required")
	}

	c.mu.Lock()
	ms, ok := c.memberships[roomID]
	switch {
	case !ok:
		c.mu.Unlock()
		return domain.ErrNotJoined
	case ms.state.Terminal():
		c.mu.Unlock()
		return nil
	case ms.state == Joining:
		c.mu.Unlock()
		return domain.ErrJoinPending
	case m.UserID != "" && strings.TrimSpace(m.UserID) != ms.userID:
		c.mu.Unlock()
		return domain.Validationf("userId does not match the joined user")
	}
	_, empty := c.h.hub.Deregister(roomID, c.ch)
	ms.state = Left
	userID := ms.userID
	c.mu.Unlock()

	if empty && c.h.empty != nil {
		c.h.empty.RoomEmpty(roomID)
	}

	if _, err := c.h.registry.RemoveParticipant(ctx, roomID, userID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	c.h.log.InfoContext(ctx, "session: left",
		slog.String("room_id", roomID),
		slog.String("user_id", userID),
		slog.String("channel_id", c.ch.ID()),
	)
	return nil
}

// Disconnect ends every membership of the channel. Registry participants are
// kept so the users can reconnect. Safe to call more than once.
func (c *Conn) Disconnect(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true

	var empties []string
	for roomID, ms := range c.memberships {
		switch ms.state {
		case Joined:
			if _, empty := c.h.hub.Deregister(roomID, c.ch); empty {
				empties = append(empties, roomID)
			}
			ms.state = Disconnected
		case Joining:
			ms.state = Disconnected
		}
	}
	c.mu.Unlock()

	if c.h.empty != nil {
		for _, roomID := range empties {
			c.h.empty.RoomEmpty(roomID)
		}
	}
	c.h.log.DebugContext(ctx, "session: disconnected", slog.String("channel_id", c.ch.ID()))
}
