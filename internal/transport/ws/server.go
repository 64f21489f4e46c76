// Package ws serves the room protocol over WebSocket.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cwrk-planet/room-hub/internal/domain"
	"github.com/cwrk-planet/room-hub/internal/metrics"
	"github.com/cwrk-planet/room-hub/internal/session"
	"github.com/cwrk-planet/room-hub/pkg/protocol"
)

type Config struct {
	PingPeriod     time.Duration
	WriteTimeout   time.Duration
	ReadLimit      int64
	SendBuffer     int
	FrameLimit     int // frames per FrameInterval, 0 disables
	FrameInterval  time.Duration
	AllowedOrigins []string // empty allows any origin
}

func (c *Config) setDefaults() {
	if c.PingPeriod <= 0 {
		c.PingPeriod = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.FrameInterval <= 0 {
		c.FrameInterval = time.Second
	}
}

type Server struct {
	upgrader websocket.Upgrader
	sessions *session.Handler
	cfg      Config

	mu      sync.Mutex
	conns   map[*wsConn]struct{}
	closing bool
	wg      sync.WaitGroup
}

func NewServer(sessions *session.Handler, cfg Config) *Server {
	cfg.setDefaults()
	s := &Server{
		sessions: sessions,
		cfg:      cfg,
		conns:    make(map[*wsConn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// HandleWS: GET /ws. Rooms are joined with join-room frames after upgrade.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade уже ответил клиенту
		slog.Warn("ws upgrade failed", slog.Any("err", err))
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	metrics.WSConnections.Inc()
	defer metrics.WSConnections.Dec()

	c := newWsConn(conn, s.cfg.SendBuffer)
	if !s.track(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(s.cfg.WriteTimeout))
		_ = conn.Close()
		return
	}
	defer s.untrack(c)
	sess := s.sessions.Open(c)
	log := slog.With(slog.String("channel_id", c.id), slog.String("remote", r.RemoteAddr))
	log.Debug("ws connected")

	// контекст живёт, пока живо соединение
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(c)
		cancel()
	}()

	s.readLoop(ctx, c, sess)

	_ = c.Close()
	sess.Disconnect(context.WithoutCancel(ctx))
	<-writerDone
	_ = conn.Close()
	log.Debug("ws disconnected")
}

func (s *Server) readLoop(ctx context.Context, c *wsConn, sess *session.Conn) {
	limiter := newFrameLimiter(s.cfg.FrameLimit, s.cfg.FrameInterval)

	c.conn.SetReadLimit(s.cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * s.cfg.PingPeriod))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * s.cfg.PingPeriod))
	})

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.isClosed() {
				slog.Debug("ws read failed", slog.String("channel_id", c.id), slog.Any("err", err))
			}
			return
		}
		if c.isClosed() {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		if !limiter.Allow(time.Now()) {
			metrics.WSRateLimited.Inc()
			_ = c.Send(protocol.Error{Message: "too many messages", Code: domain.CodeValidation})
			continue
		}
		sess.HandleFrame(ctx, data)
	}
}

func (s *Server) writeLoop(c *wsConn) {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				_ = c.Close()
				_ = c.conn.Close()
				return
			}
		case <-c.closed:
			s.flush(c)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.cfg.WriteTimeout))
			// разблокирует readLoop
			_ = c.conn.Close()
			return
		}
	}
}

// flush writes whatever is still queued, typically a final error event.
func (s *Server) flush(c *wsConn) {
	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Server) track(c *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Close closes every open connection, joined to a room or not, and refuses
// new ones. Use Wait to block until their handlers return.
func (s *Server) Close() {
	s.mu.Lock()
	s.closing = true
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	slog.Info("ws: closing connections", slog.Int("count", len(conns)))
}

// Wait blocks until every connection handler has returned or ctx is done.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("ws: connections still open"), ctx.Err())
	}
}
