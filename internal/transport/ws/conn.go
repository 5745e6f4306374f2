// Package ws wraps gorilla/websocket connections for use by several
// goroutines: writes are serialized, Close is idempotent, and Done reports
// when the connection is gone.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = pongWait * 9 / 10
)

// Conn is a WebSocket connection safe for concurrent writers. Reads must
// stay on one goroutine.
type Conn struct {
	raw *websocket.Conn
	id  string
	req *http.Request

	wmu       sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func Wrap(raw *websocket.Conn, req *http.Request) *Conn {
	c := &Conn{
		raw:  raw,
		id:   uuid.NewString(),
		req:  req,
		done: make(chan struct{}),
	}
	raw.SetReadDeadline(time.Now().Add(pongWait))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(pongWait))
	})
	return c
}

func (c *Conn) ID() string { return c.id }

// Request is the upgrade request for server-side connections, nil for
// dialed ones.
func (c *Conn) Request() *http.Request { return c.req }

func (c *Conn) Done() <-chan struct{} { return c.done }

// Read returns the next text or binary message.
func (c *Conn) Read() ([]byte, error) {
	for {
		mt, data, err := c.raw.ReadMessage()
		if err != nil {
			c.Close(websocket.CloseNormalClosure, "")
			return nil, err
		}
		c.raw.SetReadDeadline(time.Now().Add(pongWait))
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *Conn) WriteText(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.raw.SetWriteDeadline(time.Now().Add(writeWait))
	return c.raw.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) ping() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.raw.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// KeepAlive pings the peer until the connection closes.
func (c *Conn) KeepAlive() {
	t := time.NewTicker(pingEvery)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if err := c.ping(); err != nil {
				c.Close(websocket.CloseGoingAway, "ping failed")
				return
			}
		}
	}
}

// Close sends a close frame (best effort) and closes the socket.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		_ = c.raw.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		c.wmu.Unlock()
		_ = c.raw.Close()
		close(c.done)
	})
}

// IsClosed reports whether Close ran.
func (c *Conn) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

const (
	CloseGoingAway       = websocket.CloseGoingAway
	ClosePolicyViolation = websocket.ClosePolicyViolation
)

// Upgrader accepts any origin; protocol handlers authenticate themselves.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// IsUpgrade reports whether r asks for a WebSocket upgrade.
func IsUpgrade(r *http.Request) bool { return websocket.IsWebSocketUpgrade(r) }

// Upgrade upgrades r and wraps the result.
func Upgrade(w http.ResponseWriter, r *http.Request, header http.Header) (*Conn, error) {
	raw, err := Upgrader.Upgrade(w, r, header)
	if err != nil {
		return nil, err
	}
	return Wrap(raw, r), nil
}

// Dial connects to url with the given headers.
func Dial(ctx context.Context, url string, header http.Header) (*Conn, error) {
	d := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	raw, _, err := d.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return Wrap(raw, nil), nil
}

// IsNormalClose reports whether err is an orderly close from the peer.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
