package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cwrk-planet/room-hub/internal/hub"
	"github.com/cwrk-planet/room-hub/pkg/protocol"
)

var ErrClosed = errors.New("ws: connection closed")

// wsConn is a hub.Channel over one WebSocket. Writes go through a bounded
// queue drained by writeLoop.
type wsConn struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

var _ hub.Channel = (*wsConn)(nil)

func newWsConn(c *websocket.Conn, buffer int) *wsConn {
	return &wsConn{
		id:     uuid.NewString(),
		conn:   c,
		send:   make(chan []byte, buffer),
		closed: make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(msg protocol.Outbound) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return ErrClosed
	default:
		return hub.ErrBackpressure
	}
}

// Close signals both loops to stop. The socket itself is closed by the
// writer after a close frame, or by readLoop's exit.
func (c *wsConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *wsConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// frameLimiter is a sliding-window limit on inbound frames.
type frameLimiter struct {
	limit    int
	interval time.Duration
	history  []time.Time
}

func newFrameLimiter(limit int, interval time.Duration) *frameLimiter {
	if limit <= 0 {
		return nil
	}
	return &frameLimiter{limit: limit, interval: interval, history: make([]time.Time, 0, limit)}
}

func (l *frameLimiter) Allow(now time.Time) bool {
	if l == nil {
		return true
	}
	windowStart := now.Add(-l.interval)

	fresh := l.history[:0]
	for _, t := range l.history {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	l.history = fresh

	if len(fresh) >= l.limit {
		return false
	}
	l.history = append(l.history, now)
	return true
}
