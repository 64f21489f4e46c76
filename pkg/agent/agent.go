// Package agent is the participant side of the room protocol: it joins a
// room over a transport connection, keeps a local view, sends actions and
// reconnects with bounded exponential backoff.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cwrk-planet/room-hub/internal/domain"
	"github.com/cwrk-planet/room-hub/pkg/protocol"
)

var (
	ErrReconnectExhausted = errors.New("agent: reconnect attempts exhausted")
	ErrNotJoined          = errors.New("agent: not joined")
	ErrClosed             = errors.New("agent: closed")
)

type Config struct {
	Dialer   Dialer
	RoomID   string
	UserID   string
	UserData json.RawMessage

	BaseDelay   time.Duration // 1s
	MaxAttempts int           // 5

	Reducer Reducer // optional
	Logger  *slog.Logger

	// OnChange is called after every view change, outside the agent's lock.
	OnChange func(View)
	// OnRetry is called before each reconnect wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

type Agent struct {
	cfg     Config
	log     *slog.Logger
	backoff *Backoff

	mu     sync.Mutex
	view   View
	conn   Conn
	joined bool

	done      chan struct{}
	closeOnce sync.Once
}

func New(cfg Config) (*Agent, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("agent: dialer is required")
	}
	if cfg.RoomID == "" || cfg.UserID == "" {
		return nil, errors.New("agent: room id and user id are required")
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	l := cfg.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Agent{
		cfg:     cfg,
		log:     l.With(slog.String("room_id", cfg.RoomID), slog.String("user_id", cfg.UserID)),
		backoff: NewBackoff(cfg.BaseDelay, cfg.MaxAttempts),
		view:    View{Status: StatusIdle},
		done:    make(chan struct{}),
	}, nil
}

// View returns a copy of the local room view.
func (a *Agent) View() View {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.view.clone()
}

func (a *Agent) update(fn func(v *View)) {
	a.mu.Lock()
	fn(&a.view)
	snap := a.view.clone()
	a.mu.Unlock()

	if a.cfg.OnChange != nil {
		a.cfg.OnChange(snap)
	}
}

func (a *Agent) setStatus(s Status, err error) {
	a.update(func(v *View) {
		v.Status = s
		if err != nil {
			v.LastError = err
		}
	})
}

// terminalJoinError reports whether err is a join rejection that retrying cannot fix.
func terminalJoinError(err error) bool {
	var re *protocol.RemoteError
	if !errors.As(err, &re) {
		return false
	}
	switch re.Code {
	case domain.CodeValidation, domain.CodeNotFound, domain.CodeCapacity, domain.CodeState:
		return true
	}
	return false
}

// Run connects and stays in the room until ctx is cancelled, Close is
// called, a join is rejected or the reconnect budget is spent.
func (a *Agent) Run(ctx context.Context) error {
	for {
		err := a.session(ctx)

		if a.stopped(ctx) {
			a.setStatus(StatusClosed, nil)
			return nil
		}
		if terminalJoinError(err) {
			a.log.Warn("agent: join rejected", slog.Any("err", err))
			a.setStatus(StatusFailed, err)
			return err
		}

		delay, ok := a.backoff.Next()
		if !ok {
			err = fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, a.cfg.MaxAttempts, err)
			a.log.Error("agent: giving up", slog.Any("err", err))
			a.setStatus(StatusFailed, err)
			return err
		}

		attempt := a.backoff.Attempt()
		a.log.Info("agent: reconnecting",
			slog.Int("attempt", attempt), slog.Duration("delay", delay), slog.Any("err", err))
		a.setStatus(StatusReconnecting, err)
		if a.cfg.OnRetry != nil {
			a.cfg.OnRetry(attempt, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.setStatus(StatusClosed, nil)
			return nil
		case <-a.done:
			timer.Stop()
			a.setStatus(StatusClosed, nil)
			return nil
		case <-timer.C:
		}
	}
}

func (a *Agent) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// session runs one connection: dial, join, read until the connection drops.
func (a *Agent) session(ctx context.Context) error {
	a.setStatus(StatusConnecting, nil)

	conn, err := a.cfg.Dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	a.mu.Lock()
	a.conn = conn
	a.joined = false
	a.mu.Unlock()

	stop := make(chan struct{})
	defer func() {
		close(stop)
		a.mu.Lock()
		a.conn = nil
		a.joined = false
		a.mu.Unlock()
		_ = conn.Close()
	}()

	// закрываем соединение, чтобы разблокировать ReadMessage
	go func() {
		select {
		case <-ctx.Done():
		case <-a.done:
		case <-stop:
			return
		}
		_ = conn.Close()
	}()

	join, err := protocol.Encode(protocol.JoinRoom{RoomID: a.cfg.RoomID, UserID: a.cfg.UserID, UserData: a.cfg.UserData})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(join); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		msg, err := protocol.DecodeOutbound(data)
		if err != nil {
			a.log.Warn("agent: bad frame", slog.Any("err", err))
			continue
		}
		if err := a.handle(msg); err != nil {
			return err
		}
	}
}

func (a *Agent) handle(msg protocol.Outbound) error {
	switch m := msg.(type) {
	case protocol.RoomState:
		if m.RoomID != a.cfg.RoomID {
			return nil
		}
		a.mu.Lock()
		first := !a.joined
		a.joined = true
		if r := a.cfg.Reducer; r != nil {
			r.Reset()
			for _, act := range m.Actions {
				r.Apply(act)
			}
		}
		a.mu.Unlock()
		if first {
			a.backoff.Reset()
		}
		a.update(func(v *View) {
			v.Status = StatusJoined
			v.Room = &m
			v.Participants = append([]protocol.Participant(nil), m.Participants...)
			v.LastError = nil
		})

	case protocol.UserJoined:
		a.update(func(v *View) {
			v.addParticipant(protocol.Participant{UserID: m.UserID, UserData: m.UserData, ChannelID: m.ChannelID})
		})

	case protocol.UserLeft:
		a.update(func(v *View) { v.removeParticipant(m.UserID) })

	case protocol.ActionEvent:
		a.apply(m)
	case protocol.ActionAccepted:
		// своё действие применяем только после подтверждения хабом
		a.apply(protocol.ActionEvent(m))

	case protocol.Error:
		err := m.Err()
		a.mu.Lock()
		joined := a.joined
		a.mu.Unlock()
		if !joined {
			return err
		}
		a.log.Warn("agent: error event", slog.Any("err", err))
		a.update(func(v *View) { v.LastError = err })
	}
	return nil
}

func (a *Agent) apply(act protocol.ActionEvent) {
	a.mu.Lock()
	if r := a.cfg.Reducer; r != nil {
		r.Apply(act)
	}
	a.mu.Unlock()
}

// SendAction emits an action to the room. The Reducer sees it once the hub
// answers with action-accepted; a rejected action is never applied.
func (a *Agent) SendAction(kind string, payload json.RawMessage) error {
	a.mu.Lock()
	conn, joined := a.conn, a.joined
	a.mu.Unlock()
	if conn == nil || !joined {
		return ErrNotJoined
	}

	data, err := protocol.Encode(protocol.RoomAction{RoomID: a.cfg.RoomID, Action: kind, Payload: payload})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(data); err != nil {
		return fmt.Errorf("send action: %w", err)
	}
	return nil
}

// Leave sends leave-room and closes the agent.
func (a *Agent) Leave() error {
	a.mu.Lock()
	conn, joined := a.conn, a.joined
	a.mu.Unlock()

	var err error
	if conn != nil && joined {
		var data []byte
		data, err = protocol.Encode(protocol.LeaveRoom{RoomID: a.cfg.RoomID, UserID: a.cfg.UserID})
		if err == nil {
			err = conn.WriteMessage(data)
		}
	}
	a.Close()
	return err
}

// Close stops Run and any pending reconnect timer.
func (a *Agent) Close() {
	a.closeOnce.Do(func() { close(a.done) })
}
