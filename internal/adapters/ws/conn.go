// Package ws is the WebSocket transport adapter: it upgrades connections,
// owns the read/write pumps and hands frames to the coordinator.
package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrBackpressure = errors.New("backpressure")

const writeDeadline = 5 * time.Second

// Conn wraps one *websocket.Conn behind a buffered send channel. A full
// buffer drops the frame instead of blocking the router.
type Conn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func NewConn(conn *websocket.Conn, buffer int) *Conn {
	return &Conn{
		conn: conn,
		send: make(chan []byte, buffer),
	}
}

func (c *Conn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}
