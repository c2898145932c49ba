package ws

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// Client wraps a websocket connection as a hub subscriber. Writes are
// serialized because gorilla connections allow one concurrent writer.
type Client struct {
	mu   sync.Mutex
	conn *websocket.Conn
	log  *slog.Logger
}

// NewClient constructs a client wrapper.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{conn: conn, log: logger}
}

// Send writes a message to the websocket connection.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		if c.log != nil {
			c.log.Warn("websocket send failed", "error", err)
		}
		_ = c.conn.Close()
		return err
	}
	return nil
}

// Close terminates the connection.
func (c *Client) Close() {
	_ = c.conn.Close()
}
