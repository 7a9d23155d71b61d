package webchat

import (
	"sync"

	"github.com/gorilla/websocket"
)

// ClientConn is one attached observer. Sends must be safe to call from the
// forwarder goroutine and the read loop concurrently.
type ClientConn interface {
	Send(data []byte) error
	Close() error
}

// wsClient wraps a gorilla connection with a write lock; gorilla conns do not
// allow concurrent writers.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{conn: conn}
}

func (c *wsClient) Send(data []byte) error {
	if c == nil || c.conn == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClient) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
