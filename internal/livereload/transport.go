package livereload

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/coder/websocket"
)

// Transport carries frames for one session.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Pinger is implemented by transports that support keepalive probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// WebSocketTransport adapts a coder/websocket connection.
type WebSocketTransport struct {
	conn *websocket.Conn
}

// NewWebSocketTransport wraps conn. readLimit caps inbound frame size when
// positive.
func NewWebSocketTransport(conn *websocket.Conn, readLimit int64) *WebSocketTransport {
	if readLimit > 0 {
		conn.SetReadLimit(readLimit)
	}
	return &WebSocketTransport{conn: conn}
}

// Read returns the payload of the next data frame.
func (t *WebSocketTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

// Write sends data as one text frame.
func (t *WebSocketTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the pong.
func (t *WebSocketTransport) Ping(ctx context.Context) error {
	return t.conn.Ping(ctx)
}

// Close performs the closing handshake.
func (t *WebSocketTransport) Close(reason string) error {
	err := t.conn.Close(websocket.StatusNormalClosure, reason)
	if isNormalClosure(err) {
		return nil
	}
	return err
}

// isNormalClosure reports whether err is an orderly end of the connection
// rather than a transport failure.
func isNormalClosure(err error) bool {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return true
	}
	return false
}
