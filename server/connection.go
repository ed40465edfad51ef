// File: server/connection.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connection is the thread-safe application side of a WebSocket. It guards
// the handle pointer only; the lock is never held across a transport call,
// since transport callbacks may re-enter these methods on the loop thread.

package server

import (
	"sync"

	"github.com/momentics/evws/api"
)

// Connection is embedded by application connection types. The zero value
// is detached; the server attaches it once at open and detaches it for good
// at close.
type Connection struct {
	mu       sync.Mutex
	handle   *wsHandle
	srv      *Server
	claimed  bool
	remoteIP string
	localIP  string
}

func (c *Connection) base() *Connection { return c }

// claim reserves c for exactly one handshake. A Connection never re-attaches.
func (c *Connection) claim() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.claimed {
		return false
	}
	c.claimed = true
	return true
}

func (c *Connection) attach(h *wsHandle) {
	c.mu.Lock()
	c.handle = h
	c.srv = h.srv
	c.remoteIP = h.stream.RemoteIP()
	c.localIP = h.stream.LocalIP()
	c.mu.Unlock()
}

func (c *Connection) detach() {
	c.mu.Lock()
	c.handle = nil
	c.srv = nil
	c.mu.Unlock()
}

// live returns the handle when present and not closed.
func (c *Connection) live() *wsHandle {
	c.mu.Lock()
	h := c.handle
	c.mu.Unlock()
	if h == nil || h.closed.Load() {
		return nil
	}
	return h
}

// LoopSubmit runs fn on the loop thread, FIFO with other deferred work. It
// returns false without scheduling when the connection is gone. fn must
// re-check IsConnected: the socket may close before fn runs. Safe from any
// goroutine.
func (c *Connection) LoopSubmit(fn func()) bool {
	h := c.live()
	if h == nil || fn == nil {
		return false
	}
	return h.srv.loop.Defer(fn)
}

// Server returns the owning server, nil once detached.
func (c *Connection) Server() *Server {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == nil {
		return nil
	}
	return c.srv
}

// IsConnected is a snapshot; it may be stale as soon as it returns.
func (c *Connection) IsConnected() bool {
	return c.live() != nil
}

// RemoteIPAddress returns the peer address cached at open. Call it only
// while attached; a never attached Connection reports "".
func (c *Connection) RemoteIPAddress() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteIP
}

// LocalIPAddress returns the local address cached at open.
func (c *Connection) LocalIPAddress() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localIP
}

// BufferedAmount returns outbound bytes held back by backpressure, 0 when
// not connected.
func (c *Connection) BufferedAmount() int {
	h := c.live()
	if h == nil {
		return 0
	}
	return int(h.buffered.Load())
}

// Send transmits one message. It reports true when the frame left in full,
// false when some of it was queued; HandleDrain follows as the queue
// empties. A send while the queue exceeds the backpressure limit is dropped
// with api.ErrBackpressure. Loop thread only.
func (c *Connection) Send(payload []byte, format api.Format) (bool, error) {
	h := c.live()
	if h == nil {
		return false, api.NewError(api.ErrCodeContract, "send", api.ErrNotConnected, "connection is closed")
	}
	return h.send(payload, format)
}

// Close starts the closing handshake with code and reason. HandleClose runs
// before Close returns. No-op when not connected. Loop thread only.
func (c *Connection) Close(code int, reason string) {
	if h := c.live(); h != nil {
		h.close(code, reason)
	}
}

// Abort drops queued output and resets the socket. HandleClose receives
// 1006. Loop thread only.
func (c *Connection) Abort() {
	if h := c.live(); h != nil {
		h.abort()
	}
}

// Default hooks.

func (c *Connection) HandleOpen() {}

func (c *Connection) HandleMessage([]byte, api.Format) {}

func (c *Connection) HandleDrain() {}

func (c *Connection) HandleClose(int, string) {}
