// Package transport wraps gorilla/websocket as the pipeline unit's
// outbound connection to a venue, grounded on the teacher's
// internal/marketdata/external/binance_websocket.go connectWebSocket/
// handleWebSocketMessages pair and internal/transport/websocket/client.go's
// ReadPump idiom (read deadline, pong handler, size limit) adapted from a
// server-side hub client to an outbound exchange dialer.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait       = 60 * time.Second
	maxMessageSize = 1 << 20
)

// Conn is the pipeline unit's view of one venue connection: a frame
// reader, a write for subscribe/unsubscribe control frames, and a close.
// Abstracted behind an interface so pipeline can be tested with a fake.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(b []byte) error
	Close() error
}

// Dialer opens venue connections. The default implementation dials a
// real websocket; tests substitute a fake.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer is the production Dialer, backed by
// gorilla/websocket.DefaultDialer.
type WebsocketDialer struct{}

func (WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(b []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
