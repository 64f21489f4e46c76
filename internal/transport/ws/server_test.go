package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cwrk-planet/room-hub/internal/actionlog"
	"github.com/cwrk-planet/room-hub/internal/domain"
	"github.com/cwrk-planet/room-hub/internal/hub"
	"github.com/cwrk-planet/room-hub/internal/memory"
	"github.com/cwrk-planet/room-hub/internal/service"
	"github.com/cwrk-planet/room-hub/internal/session"
	"github.com/cwrk-planet/room-hub/pkg/protocol"
)

type testEnv struct {
	svc *service.RoomService
	hub *hub.Hub
	ws  *Server
	srv *httptest.Server
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	svc := service.NewRoomService(memory.NewRoomStore(), service.DefaultOptions())
	h := hub.New(nil)
	sessions := session.NewHandler(session.Config{Registry: svc, Hub: h, History: actionlog.NewMemory()})
	wsSrv := NewServer(sessions, cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsSrv.HandleWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testEnv{svc: svc, hub: h, ws: wsSrv, srv: srv}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg protocol.Inbound) {
	t.Helper()
	data, err := protocol.Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recv(t *testing.T, conn *websocket.Conn) protocol.Outbound {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := protocol.DecodeOutbound(data)
	if err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func TestEndToEnd(t *testing.T) {
	env := newTestEnv(t, Config{})
	max := 2
	room, err := env.svc.CreateRoom(context.Background(), service.CreateRoomParams{CreatorID: "A", MaxParticipants: &max})
	if err != nil {
		t.Fatal(err)
	}

	a := env.dial(t)
	send(t, a, protocol.JoinRoom{RoomID: room.ID, UserID: "A"})
	st, ok := recv(t, a).(protocol.RoomState)
	if !ok || len(st.Participants) != 0 || st.Code != room.Code {
		t.Fatalf("A snapshot = %#v", st)
	}

	b := env.dial(t)
	send(t, b, protocol.JoinRoom{RoomID: room.ID, UserID: "B", UserData: json.RawMessage(`{"name":"Bob"}`)})
	st, ok = recv(t, b).(protocol.RoomState)
	if !ok || len(st.Participants) != 1 || st.Participants[0].UserID != "A" {
		t.Fatalf("B snapshot = %#v", st)
	}
	if uj, ok := recv(t, a).(protocol.UserJoined); !ok || uj.UserID != "B" {
		t.Fatalf("A expected user-joined, got %#v", uj)
	}

	c := env.dial(t)
	send(t, c, protocol.JoinRoom{RoomID: room.ID, UserID: "C"})
	if e, ok := recv(t, c).(protocol.Error); !ok || e.Code != domain.CodeCapacity {
		t.Fatalf("C expected CapacityError, got %#v", e)
	}

	send(t, a, protocol.RoomAction{RoomID: room.ID, Action: "add-paragraph", Payload: json.RawMessage(`{"text":"hi"}`)})
	ev, ok := recv(t, b).(protocol.ActionEvent)
	if !ok || ev.SenderID != "A" || string(ev.Payload) != `{"text":"hi"}` {
		t.Fatalf("B expected room-action, got %#v", ev)
	}
	if ack, ok := recv(t, a).(protocol.ActionAccepted); !ok || ack.ID != ev.ID || ack.Timestamp != ev.Timestamp {
		t.Fatalf("A expected action-accepted for %s, got %#v", ev.ID, ack)
	}

	_ = b.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = b.Close()
	if ul, ok := recv(t, a).(protocol.UserLeft); !ok || ul.UserID != "B" {
		t.Fatalf("A expected user-left, got %#v", ul)
	}

	r, _ := env.svc.GetRoom(context.Background(), room.ID)
	if !r.HasParticipant("B") {
		t.Fatal("transport disconnect must keep the registry participant")
	}
}

func TestMalformedFrame(t *testing.T) {
	env := newTestEnv(t, Config{})
	conn := env.dial(t)
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	if e, ok := recv(t, conn).(protocol.Error); !ok || e.Code != domain.CodeValidation {
		t.Fatalf("expected ValidationError, got %#v", e)
	}
}

func TestFrameRateLimit(t *testing.T) {
	env := newTestEnv(t, Config{FrameLimit: 2, FrameInterval: time.Minute})
	conn := env.dial(t)
	for i := 0; i < 3; i++ {
		send(t, conn, protocol.LeaveRoom{RoomID: "r1", UserID: "x"})
	}

	var codes []string
	for i := 0; i < 3; i++ {
		e, ok := recv(t, conn).(protocol.Error)
		if !ok {
			t.Fatalf("expected error event, got %#v", e)
		}
		codes = append(codes, e.Code)
	}
	if codes[0] != domain.CodeState || codes[1] != domain.CodeState || codes[2] != domain.CodeValidation {
		t.Fatalf("codes = %v", codes)
	}
}

func TestHubEvictionClosesSocket(t *testing.T) {
	env := newTestEnv(t, Config{})
	room, _ := env.svc.CreateRoom(context.Background(), service.CreateRoomParams{CreatorID: "A"})

	a := env.dial(t)
	send(t, a, protocol.JoinRoom{RoomID: room.ID, UserID: "A"})
	recv(t, a)

	env.hub.Evict(room.ID, protocol.Error{Message: "room closed", Code: domain.CodeState})
	if e, ok := recv(t, a).(protocol.Error); !ok || e.Message != "room closed" {
		t.Fatalf("expected eviction notice, got %#v", e)
	}

	_ = a.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := a.ReadMessage(); err == nil {
		t.Fatal("socket must be closed after eviction")
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Live(room.ID) != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if env.hub.Live(room.ID) != 0 {
		t.Fatal("evicted channel still registered")
	}
}

func TestCloseDropsEveryConnection(t *testing.T) {
	env := newTestEnv(t, Config{})
	room, _ := env.svc.CreateRoom(context.Background(), service.CreateRoomParams{CreatorID: "A"})

	idle := env.dial(t) // never joins
	joined := env.dial(t)
	send(t, joined, protocol.JoinRoom{RoomID: room.ID, UserID: "A"})
	recv(t, joined)

	env.ws.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := env.ws.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if d := time.Since(start); d > time.Second {
		t.Fatalf("Wait took %s", d)
	}

	for _, c := range []*websocket.Conn{idle, joined} {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, _, err := c.ReadMessage(); err == nil {
			t.Fatal("socket still open after Close")
		}
	}

	late := env.dial(t)
	_ = late.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := late.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("late connection err = %v", err)
	}
}

func TestFrameLimiter(t *testing.T) {
	l := newFrameLimiter(2, time.Second)
	now := time.Unix(100, 0)
	if !l.Allow(now) || !l.Allow(now.Add(10*time.Millisecond)) {
		t.Fatal("first two frames must pass")
	}
	if l.Allow(now.Add(20 * time.Millisecond)) {
		t.Fatal("third frame in window must be rejected")
	}
	if !l.Allow(now.Add(1100 * time.Millisecond)) {
		t.Fatal("window must slide")
	}
	if !(*frameLimiter)(nil).Allow(now) {
		t.Fatal("nil limiter allows everything")
	}
}
