package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is the write side of one live socket. The hub only ever writes
// and closes; reads stay with the ws handler that owns the connection.
type Transport interface {
	WriteJSON(v any) error
	Close() error
}

// Conn wraps a websocket.Conn to serialize all writes, including control
// frames sent by the handler's ping loop.
type Conn struct {
	c  *websocket.Conn
	mu sync.Mutex
}

func NewConn(c *websocket.Conn) *Conn { return &Conn{c: c} }

func (w *Conn) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.c.WriteJSON(v)
}

func (w *Conn) WriteControl(mt int, data []byte, deadline time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.c.WriteControl(mt, data, deadline)
}

func (w *Conn) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.c.Close()
}
