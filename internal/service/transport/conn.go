package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the subset of *websocket.Conn the session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dialer opens a websocket. Failures must be *ConnectError.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

type wsDialer struct {
	dialer *websocket.Dialer
}

// NewDialer returns a gorilla/websocket dialer.
func NewDialer(handshakeTimeout time.Duration) Dialer {
	return &wsDialer{dialer: &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}}
}

func (d *wsDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	c, resp, err := d.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && errors.Is(err, websocket.ErrBadHandshake) {
			if resp.Body != nil {
				resp.Body.Close()
			}
			return nil, classifyStatus(resp.StatusCode)
		}
		return nil, &ConnectError{Kind: Unreachable, Err: err}
	}
	return &onceConn{Conn: c}, nil
}

func classifyStatus(code int) *ConnectError {
	err := fmt.Errorf("upgrade rejected with HTTP %d", code)
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &ConnectError{Kind: AuthRejected, Err: err}
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return &ConnectError{Kind: BadConfig, Err: err}
	default:
		return &ConnectError{Kind: Unreachable, Err: err}
	}
}

// onceConn releases the underlying connection exactly once.
type onceConn struct {
	*websocket.Conn
	once sync.Once
	err  error
}

func (c *onceConn) Close() error {
	c.once.Do(func() { c.err = c.Conn.Close() })
	return c.err
}
