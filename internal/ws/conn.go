// Package ws implements the realtime help-desk relay: connection registry,
// authentication gate, routing engine, presence broadcasting and liveness
// sweeping over WebSocket transports.
package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/songforge/support-gateway/internal/model"
)

// transport is the slice of *websocket.Conn the relay relies on. Tests
// substitute an in-process fake.
type transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Conn is one live client connection. The registry holds a non-owning
// reference; the read loop in Hub.HandleWS owns the lifetime.
type Conn struct {
	id string
	ws transport

	// Set by the authentication gate, read by routing. Immutable after auth.
	userID  int64
	name    string
	isAgent bool
	authed  atomic.Bool

	// Flipped by the pong handler, cleared and checked by the sweep.
	alive atomic.Bool

	// Guards writes; gorilla allows only one concurrent writer.
	writeMu sync.Mutex
}

func newConn(id string, t transport) *Conn {
	c := &Conn{id: id, ws: t}
	c.alive.Store(true)
	return c
}

// UserID returns the authenticated identity id, 0 before authentication.
func (c *Conn) UserID() int64 { return c.userID }

// IsAgent reports whether the connection belongs to support staff.
func (c *Conn) IsAgent() bool { return c.isAgent }

func (c *Conn) role() string {
	if c.isAgent {
		return "agent"
	}
	return "customer"
}

// send marshals a payload into an envelope and writes it. Write errors are
// returned so callers can decide whether they matter; most delivery paths
// only log them.
func (c *Conn) send(t model.FrameType, payload any) error {
	frame, err := model.NewFrame(t, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(frame)
}

// sendError reports a failed operation without closing the connection.
func (c *Conn) sendError(message string) {
	_ = c.send(model.FrameError, model.ErrorPayload{Message: message})
}

func (c *Conn) close() {
	_ = c.ws.Close()
}
