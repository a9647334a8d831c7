// ABOUTME: Websocket adapter implementing the registry's Conn interface
// ABOUTME: Serializes writes; gorilla websocket connections allow one concurrent writer

package registry

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// WSConn wraps a gorilla websocket connection for use as a push target.
type WSConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

// NewWSConn wraps ws. The registry broadcasts from multiple goroutines, so
// writes are serialized here.
func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{ws: ws}
}

// WriteJSON sends v as a JSON text frame.
func (c *WSConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

// Close closes the underlying websocket.
func (c *WSConn) Close() error {
	return c.ws.Close()
}
