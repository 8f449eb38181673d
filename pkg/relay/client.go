// Package relay provides the client-side connection manager for the support
// gateway's WebSocket protocol. It owns the dial/authenticate/reconnect
// lifecycle so callers just send frames and subscribe to inbound ones.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/songforge/support-gateway/internal/model"
	"github.com/songforge/support-gateway/pkg/logger"
)

// State is the connection manager's lifecycle state.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateReady          State = "ready"
)

// Handler receives an inbound frame. Handlers run on the read loop goroutine;
// a panicking handler is recovered and logged without affecting the others.
type Handler func(frame model.Frame)

// Fallback delivers a chat message out of band when the socket cannot, for
// example through the REST surface.
type Fallback func(ctx context.Context, msg model.ChatPayload) error

// Options configures a Client.
type Options struct {
	// URL is the WebSocket endpoint, e.g. wss://host/ws.
	URL string

	// Token is the bearer credential presented on the first frame.
	Token string

	// Fallback, when set, is tried for chat messages that fail to write.
	Fallback Fallback

	// HeartbeatInterval between application-level pings. Default 25s.
	HeartbeatInterval time.Duration

	// MaxReconnectAttempts before giving up for good. Default 10.
	MaxReconnectAttempts int

	// ReconnectInitialInterval is the first backoff delay. Default 1s.
	ReconnectInitialInterval time.Duration

	Logger *logger.Logger
}

// Client manages one logical connection to the gateway. Sends are refused
// while the connection is not ready so callers can fall back to REST; a
// frame accepted on a live socket whose write then fails is queued in order
// and flushed after the next successful authentication, never dropped.
type Client struct {
	opts Options

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	pending []model.Frame
	closed  bool

	// Serializes all writes to the live connection; gorilla allows only
	// one concurrent writer.
	writeMu sync.Mutex

	doneOnce sync.Once

	handlersMu sync.RWMutex
	handlers   map[model.FrameType][]Handler

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a client; call Connect to start it.
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("relay: URL is required")
	}
	if opts.Token == "" {
		return nil, errors.New("relay: token is required")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 25 * time.Second
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 10
	}
	if opts.ReconnectInitialInterval <= 0 {
		opts.ReconnectInitialInterval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logger.Global()
	}

	return &Client{
		opts:     opts,
		state:    StateDisconnected,
		handlers: make(map[model.FrameType][]Handler),
		done:     make(chan struct{}),
	}, nil
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// On registers a handler for a frame type. Multiple handlers per type are
// invoked in registration order.
func (c *Client) On(t model.FrameType, h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[t] = append(c.handlers[t], h)
}

// Connect starts the connection lifecycle. It returns once the first dial
// attempt has been made; reconnection continues in the background until
// Close is called or the attempt budget is exhausted.
func (c *Client) Connect(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	go c.run(runCtx)
}

// Close tears the connection down and stops reconnecting.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel := c.cancel
	conn := c.conn
	c.state = StateDisconnected
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	c.drainPending()
	c.doneOnce.Do(func() { close(c.done) })
}

// Done is closed when the client has given up: closed explicitly or out of
// reconnect attempts.
func (c *Client) Done() <-chan struct{} { return c.done }

// SendMessage sends a chat message, tagging it with a fresh correlation id.
// The id is returned so the caller can match the message_sent
// acknowledgement. While the connection is not ready the configured Fallback
// is tried; without one the send fails immediately so the caller can deliver
// through REST itself.
func (c *Client) SendMessage(ctx context.Context, ticketID int64, content string) (string, bool) {
	correlationID := uuid.New().String()
	payload := model.ChatPayload{
		ConversationID: ticketID,
		Content:        content,
		CorrelationID:  correlationID,
	}
	return correlationID, c.sendChat(ctx, payload)
}

// Send sends an arbitrary frame. Returns false when the client is closed or
// the connection is not ready; a frame accepted on a live socket is never
// dropped even if the write fails.
func (c *Client) Send(t model.FrameType, payload any) bool {
	frame, err := model.NewFrame(t, payload)
	if err != nil {
		c.opts.Logger.Error("failed to encode frame", zap.String("type", string(t)), zap.Error(err))
		return false
	}
	return c.sendFrame(frame)
}

func (c *Client) sendChat(ctx context.Context, payload model.ChatPayload) bool {
	frame, err := model.NewFrame(model.FrameMessage, payload)
	if err != nil {
		return false
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if c.state != StateReady || c.conn == nil {
		c.mu.Unlock()
		// Not ready: try the fallback on the caller's behalf, otherwise
		// refuse so the caller takes the REST path itself.
		if c.opts.Fallback != nil {
			if err := c.opts.Fallback(ctx, payload); err == nil {
				return true
			} else {
				c.opts.Logger.Warn("fallback delivery failed", zap.Error(err))
			}
		}
		return false
	}
	conn := c.conn
	c.mu.Unlock()

	writeErr := c.write(conn, frame)
	if writeErr == nil {
		return true
	}

	// The frame was accepted on a live socket, so it must not be lost:
	// fallback first, queue for the next session otherwise.
	c.opts.Logger.Warn("socket write failed, trying fallback", zap.Error(writeErr))
	c.dropConn(conn)

	if c.opts.Fallback != nil {
		if err := c.opts.Fallback(ctx, payload); err == nil {
			return true
		} else {
			c.opts.Logger.Warn("fallback delivery failed, queueing", zap.Error(err))
		}
	}

	c.mu.Lock()
	c.pending = append(c.pending, frame)
	c.mu.Unlock()
	return true
}

func (c *Client) sendFrame(frame model.Frame) bool {
	c.mu.Lock()
	if c.closed || c.state != StateReady || c.conn == nil {
		c.mu.Unlock()
		return false
	}
	conn := c.conn
	c.mu.Unlock()

	if err := c.write(conn, frame); err != nil {
		c.opts.Logger.Warn("socket write failed, frame queued", zap.Error(err))
		c.dropConn(conn)
		c.mu.Lock()
		c.pending = append(c.pending, frame)
		c.mu.Unlock()
	}
	return true
}

// dropConn closes a broken connection so the run loop notices and redials.
func (c *Client) dropConn(conn *websocket.Conn) {
	_ = conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.state = StateDisconnected
	}
	c.mu.Unlock()
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// run is the connection lifecycle loop: dial, authenticate, serve reads
// until the connection drops, back off, repeat.
func (c *Client) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.ReconnectInitialInterval
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}

		err := c.session(ctx)
		if errors.Is(err, errAuthRejected) {
			c.opts.Logger.Error("credential rejected, giving up")
			c.terminate()
			return
		}
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// Clean session end resets the budget.
			attempts = 0
			bo.Reset()
			continue
		}

		attempts++
		if attempts > c.opts.MaxReconnectAttempts {
			c.opts.Logger.Error("reconnect attempts exhausted",
				zap.Int("attempts", attempts-1))
			c.terminate()
			return
		}

		wait := bo.NextBackOff()
		c.opts.Logger.Info("reconnecting",
			zap.Int("attempt", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (c *Client) terminate() {
	c.mu.Lock()
	c.closed = true
	c.state = StateDisconnected
	c.mu.Unlock()
	c.drainPending()
	c.doneOnce.Do(func() { close(c.done) })
}

// drainPending makes a last delivery attempt for frames queued after a
// failed write. Chat messages go out through the fallback when one is
// configured; anything still undeliverable is logged, never lost silently.
func (c *Client) drainPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	undelivered := 0
	for _, frame := range pending {
		if frame.Type == model.FrameMessage && c.opts.Fallback != nil {
			var p model.ChatPayload
			if json.Unmarshal(frame.Data, &p) == nil {
				if err := c.opts.Fallback(context.Background(), p); err == nil {
					continue
				}
			}
		}
		undelivered++
		c.opts.Logger.Error("frame undeliverable at shutdown", zap.String("type", string(frame.Type)))
	}
	if undelivered > 0 {
		c.opts.Logger.Error("giving up with undelivered frames", zap.Int("count", undelivered))
	}
}

// write serializes frame writes to a connection.
func (c *Client) write(conn *websocket.Conn, frame model.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(frame)
}

var errAuthRejected = errors.New("authentication rejected")

// session runs one dial-to-disconnect cycle.
func (c *Client) session(ctx context.Context) error {
	c.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
			c.state = StateDisconnected
		}
		c.mu.Unlock()
	}()

	c.setState(StateAuthenticating)
	authFrame, err := model.NewFrame(model.FrameAuthenticate, model.AuthenticatePayload{Token: c.opts.Token})
	if err != nil {
		return err
	}
	if err := c.write(conn, authFrame); err != nil {
		return fmt.Errorf("send authenticate: %w", err)
	}

	// Sends stay refused until auth_success; the server rejects non-auth
	// frames on an unauthenticated connection anyway.
	authed := false
	heartbeatStop := make(chan struct{})
	defer close(heartbeatStop)

	for {
		if ctx.Err() != nil {
			return nil
		}

		var frame model.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		if !authed {
			switch frame.Type {
			case model.FrameAuthSuccess:
				authed = true
				c.promote(conn)
				go c.heartbeat(conn, heartbeatStop)
			case model.FrameAuthError:
				c.dispatch(frame)
				return errAuthRejected
			}
		}

		c.dispatch(frame)
	}
}

// promote drains the pending queue and then flips to ready. Frames queued
// while the flush is in flight are drained too, so ready always means an
// empty queue and send order is preserved across reconnects.
func (c *Client) promote(conn *websocket.Conn) {
	for {
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.conn = conn
			c.state = StateReady
			c.mu.Unlock()
			c.opts.Logger.Info("connection ready")
			return
		}
		batch := c.pending
		c.pending = nil
		c.mu.Unlock()

		for i, frame := range batch {
			if err := c.write(conn, frame); err != nil {
				// Put the unsent tail back at the front so order
				// survives the next reconnect.
				c.mu.Lock()
				c.pending = append(batch[i:], c.pending...)
				c.mu.Unlock()
				c.opts.Logger.Warn("flush interrupted", zap.Int("requeued", len(batch)-i), zap.Error(err))
				c.dropConn(conn)
				return
			}
		}
		c.opts.Logger.Info("flushed queued frames", zap.Int("count", len(batch)))
	}
}

func (c *Client) heartbeat(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			now := time.Now()
			frame, err := model.NewFrame(model.FramePing, model.PingPayload{Timestamp: &now})
			if err != nil {
				return
			}
			c.mu.Lock()
			live := c.conn == conn
			c.mu.Unlock()
			if !live {
				return
			}
			if err := c.write(conn, frame); err != nil {
				c.dropConn(conn)
				return
			}
		}
	}
}

// dispatch fans a frame out to its listeners. Each listener is isolated: a
// panic is recovered and logged, and the remaining listeners still run.
func (c *Client) dispatch(frame model.Frame) {
	c.handlersMu.RLock()
	handlers := c.handlers[frame.Type]
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.opts.Logger.Error("listener panicked",
						zap.String("type", string(frame.Type)),
						zap.Any("panic", r),
					)
				}
			}()
			h(frame)
		}()
	}
}
