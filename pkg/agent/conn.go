package agent

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one transport connection to the hub. ReadMessage blocks until a
// frame arrives or the connection is closed.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WSDialer dials the hub's WebSocket endpoint.
type WSDialer struct {
	URL          string
	Header       http.Header
	Dialer       *websocket.Dialer // nil: websocket.DefaultDialer
	WriteTimeout time.Duration     // 5s
}

func (d WSDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	c, _, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, err
	}
	wt := d.WriteTimeout
	if wt <= 0 {
		wt = 5 * time.Second
	}
	return &wsConn{c: c, writeTimeout: wt}, nil
}

type wsConn struct {
	c            *websocket.Conn
	writeTimeout time.Duration

	wmu sync.Mutex // gorilla допускает только одного писателя
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.c.ReadMessage()
	return data, err
}

func (w *wsConn) WriteMessage(data []byte) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	_ = w.c.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	w.wmu.Lock()
	_ = w.c.SetWriteDeadline(time.Now().Add(time.Second))
	_ = w.c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	w.wmu.Unlock()
	return w.c.Close()
}
