package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/songforge/support-gateway/internal/auth"
	"github.com/songforge/support-gateway/internal/autoreply"
	"github.com/songforge/support-gateway/internal/events"
	"github.com/songforge/support-gateway/internal/model"
	"github.com/songforge/support-gateway/internal/store"
	"github.com/songforge/support-gateway/pkg/logger"
	"github.com/songforge/support-gateway/pkg/metrics"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Options configures the Hub.
type Options struct {
	AllowedOrigins  []string
	SweepInterval   time.Duration // liveness sweep period, default 30s
	MaxMessageBytes int64         // max inbound frame size, default 64KB
}

// Hub owns the connection registry and implements the routing engine,
// authentication gate and presence broadcaster. One Hub per server process.
type Hub struct {
	store     store.Store
	registry  *Registry
	verifier  *auth.Verifier
	events    *events.Publisher
	responder *autoreply.Responder
	logger    *logger.Logger
	upgrader  websocket.Upgrader

	sweepInterval   time.Duration
	maxMessageBytes int64
}

// NewHub creates a hub. events and responder may be nil-constructed no-ops.
func NewHub(
	st store.Store,
	verifier *auth.Verifier,
	pub *events.Publisher,
	responder *autoreply.Responder,
	log *logger.Logger,
	opts Options,
) *Hub {
	sweep := opts.SweepInterval
	if sweep <= 0 {
		sweep = 30 * time.Second
	}
	maxBytes := opts.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = 64 * 1024
	}

	return &Hub{
		store:           st,
		registry:        NewRegistry(),
		verifier:        verifier,
		events:          pub,
		responder:       responder,
		logger:          log.Component("hub"),
		upgrader:        makeUpgrader(opts.AllowedOrigins),
		sweepInterval:   sweep,
		maxMessageBytes: maxBytes,
	}
}

// Registry exposes the connection registry, mainly for the REST presence
// endpoint and tests.
func (h *Hub) Registry() *Registry { return h.registry }

// HandleWS upgrades the request and runs the connection's read loop until
// the transport closes. Authentication happens on the first frame, not at
// upgrade time.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newConn(uuid.New().String(), wsConn)
	h.serve(c)
}

// serve runs the read loop for a connection. Split from HandleWS so tests
// can drive a fake transport.
func (h *Hub) serve(c *Conn) {
	defer c.close()

	c.ws.SetReadLimit(h.maxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(2 * h.sweepInterval))
	c.ws.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return c.ws.SetReadDeadline(time.Now().Add(2 * h.sweepInterval))
	})

	defer h.drop(c)

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			h.logger.Debug("read error", zap.String("conn_id", c.id), zap.Error(err))
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(2 * h.sweepInterval))
		c.alive.Store(true)

		var frame model.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.sendError("malformed frame")
			continue
		}

		h.dispatch(c, frame)
	}
}

// drop unregisters a closed connection and updates presence if it was the
// last agent.
func (h *Hub) drop(c *Conn) {
	if !c.authed.Load() {
		return
	}
	removed := h.registry.Remove(c)
	if !removed {
		// Superseded by a newer connection for the same identity; the
		// replacement owns the registry entry now.
		h.logger.Debug("connection superseded, skipping cleanup",
			zap.Int64("user_id", c.userID), zap.String("conn_id", c.id))
		return
	}

	metrics.ConnectionClosed(c.role())
	h.logger.Info("client disconnected",
		zap.Int64("user_id", c.userID),
		zap.String("role", c.role()),
		zap.String("conn_id", c.id),
	)

	if c.isAgent && h.registry.AgentCount() == 0 {
		h.BroadcastPresence(context.Background(), false)
		go h.events.AgentPresenceChanged(context.Background(), false)
	}
}

func (h *Hub) dispatch(c *Conn, frame model.Frame) {
	switch frame.Type {
	case model.FramePing:
		h.handlePing(c)
		return
	case model.FrameAuthenticate:
		h.handleAuthenticate(c, frame.Data)
		return
	}

	if !c.authed.Load() {
		metrics.RecordFrame(string(frame.Type), "unauthenticated")
		c.sendError("not authenticated")
		return
	}

	switch frame.Type {
	case model.FrameMessage:
		h.handleChat(c, frame.Data)
	case model.FrameTicketStatus:
		h.handleTicketStatus(c, frame.Data)
	case model.FrameAssignTicket:
		h.handleAssignTicket(c, frame.Data)
	case model.FrameMarkRead:
		h.handleMarkRead(c, frame.Data)
	case model.FrameAdminStatus:
		h.handleAdminStatus(c, frame.Data)
	default:
		metrics.RecordFrame(string(frame.Type), "unknown")
		c.sendError("unknown message type")
	}
}

func (h *Hub) handlePing(c *Conn) {
	now := time.Now()
	_ = c.send(model.FramePong, model.PingPayload{Timestamp: &now})
}

// handleAuthenticate verifies the bearer credential carried on the first
// frame. Identity and role come from the verified token; the client-supplied
// fields are only logged when they disagree. A connection authenticates at
// most once: its identity is immutable after auth, so a repeat frame is
// rejected rather than re-registering the socket under a new identity.
func (h *Hub) handleAuthenticate(c *Conn, data json.RawMessage) {
	if c.authed.Load() {
		metrics.RecordFrame(string(model.FrameAuthenticate), "duplicate")
		c.sendError("already authenticated")
		return
	}

	var p model.AuthenticatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.sendError("malformed frame")
		return
	}

	identity, err := h.verifier.Verify(p.Token)
	if err != nil {
		metrics.RecordFrame(string(model.FrameAuthenticate), "rejected")
		_ = c.send(model.FrameAuthError, model.AuthErrorPayload{Message: "authentication failed: invalid or expired token"})
		return
	}

	if p.UserID != 0 && (p.UserID != identity.UserID || p.IsAdmin != identity.IsAdmin) {
		h.logger.Warn("client-claimed identity disagrees with token",
			zap.Int64("claimed_user_id", p.UserID),
			zap.Bool("claimed_is_admin", p.IsAdmin),
			zap.Int64("token_user_id", identity.UserID),
		)
	}

	c.userID = identity.UserID
	c.name = identity.Name
	c.isAgent = identity.IsAdmin
	c.authed.Store(true)

	if evicted := h.registry.Put(c); evicted != nil {
		h.logger.Info("replacing previous connection for identity",
			zap.Int64("user_id", c.userID), zap.String("role", c.role()))
		evicted.close()
	}

	metrics.ConnectionOpened(c.role())
	metrics.RecordFrame(string(model.FrameAuthenticate), "ok")
	h.logger.Info("client authenticated",
		zap.Int64("user_id", c.userID),
		zap.String("role", c.role()),
		zap.String("conn_id", c.id),
	)

	_ = c.send(model.FrameAuthSuccess, model.AuthSuccessPayload{
		UserID:  identity.UserID,
		IsAdmin: identity.IsAdmin,
	})

	if c.isAgent {
		ctx := context.Background()
		if err := h.store.TouchAgentActivity(ctx, c.userID); err != nil {
			h.logger.Warn("failed to touch agent activity", zap.Error(err))
		}
		h.BroadcastPresence(ctx, true)
		go h.events.AgentPresenceChanged(context.Background(), true)
	}
}

// handleChat routes a chat message: access check, persist (concurrently with
// display-name resolution), deliver to the authorized recipient set, ack the
// sender, then fire-and-forget the ticket status bump.
func (h *Hub) handleChat(c *Conn, data json.RawMessage) {
	var p model.ChatPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.sendError("malformed frame")
		return
	}
	if p.ConversationID == 0 || strings.TrimSpace(p.Content) == "" {
		metrics.RecordFrame(string(model.FrameMessage), "invalid")
		c.sendError("conversationId and content are required")
		return
	}

	wire, err := h.PostMessage(context.Background(), c.userID, c.isAgent, c.name, p.ConversationID, p.Content)
	if err != nil {
		if errors.Is(err, store.ErrTicketNotFound) {
			metrics.RecordFrame(string(model.FrameMessage), "denied")
			c.sendError("ticket not found or access denied")
			return
		}
		metrics.RecordFrame(string(model.FrameMessage), "error")
		c.sendError("failed to send message")
		return
	}

	metrics.RecordFrame(string(model.FrameMessage), "ok")

	_ = c.send(model.FrameMessageSent, model.MessageSentPayload{
		ConversationID: wire.TicketID,
		MessageID:      wire.ID,
		CorrelationID:  p.CorrelationID,
	})
}

// PostMessage persists and routes a chat message on behalf of an
// authenticated sender. Both the socket path and the REST fallback go
// through here, so delivery and status semantics cannot diverge.
func (h *Hub) PostMessage(ctx context.Context, senderID int64, senderIsAgent bool, senderName string, ticketID int64, content string) (model.WireMessage, error) {
	ticket, err := h.store.TicketForParticipant(ctx, ticketID, senderID, senderIsAgent)
	if err != nil {
		if !errors.Is(err, store.ErrTicketNotFound) {
			h.logger.Error("ticket lookup failed", zap.Int64("ticket_id", ticketID), zap.Error(err))
		}
		return model.WireMessage{}, err
	}

	msg := &model.TicketMessage{
		TicketID: ticket.ID,
		UserID:   senderID,
		Message:  content,
		IsAdmin:  senderIsAgent,
	}

	// The name lookup and the insert have no ordering dependency on each
	// other, but both must land before delivery: a recipient may only ever
	// observe a message id that exists in storage.
	name := senderName
	var insertErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if u, err := h.store.UserByID(ctx, senderID); err == nil && u.Name != "" {
			name = u.Name
		}
	}()
	go func() {
		defer wg.Done()
		insertErr = h.store.InsertMessage(ctx, msg)
	}()
	wg.Wait()

	if insertErr != nil {
		h.logger.Error("message insert failed", zap.Int64("ticket_id", ticket.ID), zap.Error(insertErr))
		return model.WireMessage{}, insertErr
	}

	wire := model.FromTicketMessage(msg, name)
	deliver := model.DeliverPayload{ConversationID: ticket.ID, Message: wire}

	if senderIsAgent {
		// Agent reply goes to the owning customer only. An offline
		// customer catches up through history on the next poll.
		if cust := h.registry.Customer(ticket.UserID); cust != nil {
			h.deliverTo(cust, deliver)
		} else {
			metrics.DeliveriesTotal.WithLabelValues("recipient_offline").Inc()
		}
	} else if ticket.AssignedTo != nil {
		// Fast path: straight to the assigned agent, no fan-out.
		if agent := h.registry.Agent(*ticket.AssignedTo); agent != nil {
			h.deliverTo(agent, deliver)
		} else {
			metrics.DeliveriesTotal.WithLabelValues("recipient_offline").Inc()
		}
	} else {
		// Unassigned: every connected agent sees it so anyone can pick
		// it up.
		for _, agent := range h.registry.Agents() {
			h.deliverTo(agent, deliver)
		}
	}

	role := "customer"
	if senderIsAgent {
		role = "agent"
	}
	metrics.MessagesRoutedTotal.WithLabelValues(role).Inc()

	go h.bumpAfterMessage(ticket.ID, senderIsAgent)
	go h.events.MessageCreated(context.Background(), wire)

	if !senderIsAgent && h.responder != nil && h.registry.AgentCount() == 0 {
		go h.autoRespond(ticket, wire)
	}

	return wire, nil
}

// deliverTo pushes a frame to one recipient; write failures are logged and
// never abort delivery to the rest of the set.
func (h *Hub) deliverTo(c *Conn, payload model.DeliverPayload) {
	if err := c.send(model.FrameMessage, payload); err != nil {
		h.logger.Warn("delivery failed",
			zap.Int64("recipient_id", c.userID),
			zap.Int64("ticket_id", payload.ConversationID),
			zap.Error(err),
		)
		metrics.DeliveriesTotal.WithLabelValues("error").Inc()
		return
	}
	metrics.DeliveriesTotal.WithLabelValues("delivered").Inc()
}

// bumpAfterMessage applies the best-effort status side effect of a new
// message. The ticket is re-fetched because an admin may have reassigned it
// while the message was in flight; an assigned ticket stays in_progress.
func (h *Hub) bumpAfterMessage(ticketID int64, senderIsAgent bool) {
	ctx := context.Background()

	status := model.TicketStatusAwaitingReply
	hasNew := false
	if senderIsAgent {
		status = model.TicketStatusOpen
		hasNew = true
		if t, err := h.store.TicketByID(ctx, ticketID); err == nil && t.AssignedTo != nil {
			status = model.TicketStatusInProgress
		}
	}

	if err := h.store.TouchTicket(ctx, ticketID, status, hasNew); err != nil {
		h.logger.Warn("ticket status bump failed",
			zap.Int64("ticket_id", ticketID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

// handleTicketStatus applies an agent's status change and notifies the
// owning customer plus every other agent.
func (h *Hub) handleTicketStatus(c *Conn, data json.RawMessage) {
	if !c.isAgent {
		metrics.RecordFrame(string(model.FrameTicketStatus), "unauthorized")
		c.sendError("unauthorized")
		return
	}

	var p model.TicketStatusPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.sendError("malformed frame")
		return
	}
	if p.TicketID == 0 || !p.Status.Valid() {
		metrics.RecordFrame(string(model.FrameTicketStatus), "invalid")
		c.sendError("ticketId and a valid status are required")
		return
	}

	if err := h.ChangeStatus(context.Background(), c.userID, p.TicketID, p.Status); err != nil {
		if errors.Is(err, store.ErrTicketNotFound) {
			c.sendError("ticket not found or access denied")
			return
		}
		c.sendError("failed to update ticket status")
		return
	}

	metrics.RecordFrame(string(model.FrameTicketStatus), "ok")
}

// ChangeStatus updates a ticket's status on behalf of an agent and notifies
// the owning customer and every other agent. The actor is excluded from the
// broadcast; it already knows.
func (h *Hub) ChangeStatus(ctx context.Context, actorID, ticketID int64, status model.TicketStatus) error {
	ticket, err := h.store.TicketByID(ctx, ticketID)
	if err != nil {
		if !errors.Is(err, store.ErrTicketNotFound) {
			h.logger.Error("ticket lookup failed", zap.Int64("ticket_id", ticketID), zap.Error(err))
		}
		return err
	}

	if err := h.store.UpdateTicketStatus(ctx, ticketID, status); err != nil {
		h.logger.Error("status update failed", zap.Int64("ticket_id", ticketID), zap.Error(err))
		return err
	}

	notice := model.TicketStatusPayload{TicketID: ticketID, Status: status}
	if cust := h.registry.Customer(ticket.UserID); cust != nil {
		if err := cust.send(model.FrameTicketStatus, notice); err != nil {
			h.logger.Warn("status notify failed", zap.Int64("recipient_id", cust.userID), zap.Error(err))
		}
	}
	for _, agent := range h.registry.Agents() {
		if agent.userID == actorID {
			continue
		}
		if err := agent.send(model.FrameTicketStatus, notice); err != nil {
			h.logger.Warn("status notify failed", zap.Int64("recipient_id", agent.userID), zap.Error(err))
		}
	}

	go h.events.TicketStatusChanged(context.Background(), ticketID, actorID, status)
	return nil
}

// handleAssignTicket applies an assignment change and broadcasts it to all
// agents, including the actor, so every "my tickets" view stays consistent.
func (h *Hub) handleAssignTicket(c *Conn, data json.RawMessage) {
	if !c.isAgent {
		metrics.RecordFrame(string(model.FrameAssignTicket), "unauthorized")
		c.sendError("unauthorized")
		return
	}

	var p model.AssignTicketPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.sendError("malformed frame")
		return
	}
	if p.TicketID == 0 {
		c.sendError("ticketId is required")
		return
	}

	if _, err := h.Assign(context.Background(), c.userID, p.TicketID, p.AssignedTo); err != nil {
		if errors.Is(err, store.ErrTicketNotFound) {
			c.sendError("ticket not found or access denied")
			return
		}
		c.sendError("failed to assign ticket")
		return
	}

	metrics.RecordFrame(string(model.FrameAssignTicket), "ok")
}

// Assign changes a ticket's assignment on behalf of an agent and broadcasts
// the result to all agents, including the actor, so every ticket list view
// converges on the same assignee. Last write wins on concurrent assigns.
func (h *Hub) Assign(ctx context.Context, actorID, ticketID int64, assignedTo *int64) (*model.Ticket, error) {
	ticket, err := h.store.AssignTicket(ctx, ticketID, assignedTo)
	if err != nil {
		if !errors.Is(err, store.ErrTicketNotFound) {
			h.logger.Error("assignment failed", zap.Int64("ticket_id", ticketID), zap.Error(err))
		}
		return nil, err
	}

	var assignedName string
	if ticket.AssignedTo != nil {
		if u, err := h.store.UserByID(ctx, *ticket.AssignedTo); err == nil {
			assignedName = u.Name
		}
	}

	notice := model.TicketAssignedPayload{
		TicketID:     ticket.ID,
		AssignedTo:   ticket.AssignedTo,
		AssignedName: assignedName,
	}
	for _, agent := range h.registry.Agents() {
		if err := agent.send(model.FrameTicketAssigned, notice); err != nil {
			h.logger.Warn("assignment notify failed", zap.Int64("recipient_id", agent.userID), zap.Error(err))
		}
	}

	go h.events.TicketAssigned(context.Background(), ticket.ID, actorID, ticket.AssignedTo)
	return ticket, nil
}

// handleMarkRead flips the read flag on the counterpart's messages. Local
// bookkeeping only; no broadcast.
func (h *Hub) handleMarkRead(c *Conn, data json.RawMessage) {
	var p model.MarkReadPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.sendError("malformed frame")
		return
	}
	if p.TicketID == 0 {
		c.sendError("ticketId is required")
		return
	}

	if err := h.MarkRead(context.Background(), c.userID, c.isAgent, p.TicketID); err != nil {
		if errors.Is(err, store.ErrTicketNotFound) {
			c.sendError("ticket not found or access denied")
			return
		}
		c.sendError("failed to mark messages read")
		return
	}

	metrics.RecordFrame(string(model.FrameMarkRead), "ok")
}

// MarkRead clears the unread state an actor sees on a ticket. The actor
// clears the *other* side's messages: an agent marks customer-authored
// messages read and vice versa. Idempotent.
func (h *Hub) MarkRead(ctx context.Context, actorID int64, actorIsAgent bool, ticketID int64) error {
	if _, err := h.store.TicketForParticipant(ctx, ticketID, actorID, actorIsAgent); err != nil {
		if !errors.Is(err, store.ErrTicketNotFound) {
			h.logger.Error("ticket lookup failed", zap.Int64("ticket_id", ticketID), zap.Error(err))
		}
		return err
	}

	if err := h.store.MarkMessagesRead(ctx, ticketID, !actorIsAgent); err != nil {
		h.logger.Error("mark read failed", zap.Int64("ticket_id", ticketID), zap.Error(err))
		return err
	}

	if !actorIsAgent {
		if err := h.store.ClearNewMessageFlag(ctx, ticketID); err != nil {
			h.logger.Warn("failed to clear new-message flag", zap.Int64("ticket_id", ticketID), zap.Error(err))
		}
	}
	return nil
}

// handleAdminStatus records an agent's self-reported presence transition.
// Explicit offline is distinct from disconnection: the agent is still
// connected but done for the day.
func (h *Hub) handleAdminStatus(c *Conn, data json.RawMessage) {
	if !c.isAgent {
		metrics.RecordFrame(string(model.FrameAdminStatus), "unauthorized")
		c.sendError("unauthorized")
		return
	}

	var p model.AdminStatusPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.sendError("malformed frame")
		return
	}

	ctx := context.Background()
	if err := h.store.TouchAgentActivity(ctx, c.userID); err != nil {
		h.logger.Warn("failed to touch agent activity", zap.Error(err))
	}

	h.BroadcastPresence(ctx, p.IsOnline)
	metrics.RecordFrame(string(model.FrameAdminStatus), "ok")
	go h.events.AgentPresenceChanged(context.Background(), p.IsOnline)
}

// autoRespond generates an automated reply to a customer message that
// arrived while no agent was connected, and delivers it over the same path
// an agent reply would take.
func (h *Hub) autoRespond(ticket *model.Ticket, incoming model.WireMessage) {
	ctx := context.Background()

	reply, err := h.responder.Reply(ctx, ticket, incoming)
	if err != nil {
		h.logger.Warn("auto-reply failed", zap.Int64("ticket_id", ticket.ID), zap.Error(err))
		return
	}
	if reply == nil {
		return
	}

	if cust := h.registry.Customer(ticket.UserID); cust != nil {
		h.deliverTo(cust, model.DeliverPayload{ConversationID: ticket.ID, Message: *reply})
	}
	go h.events.MessageCreated(context.Background(), *reply)
	h.bumpAfterMessage(ticket.ID, true)
}
