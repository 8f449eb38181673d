package model

import (
	"encoding/json"
	"time"
)

// FrameType identifies a wire protocol frame.
type FrameType string

// Client-to-server frame types.
const (
	FrameAuthenticate FrameType = "authenticate"
	FrameMessage      FrameType = "message"
	FrameTicketStatus FrameType = "ticket_status"
	FrameAssignTicket FrameType = "assign_ticket"
	FrameAdminStatus  FrameType = "admin_status"
	FrameMarkRead     FrameType = "mark_read"
	FramePing         FrameType = "ping"
)

// Server-to-client frame types.
const (
	FrameAuthSuccess    FrameType = "auth_success"
	FrameAuthError      FrameType = "auth_error"
	FrameMessageSent    FrameType = "message_sent"
	FrameTicketAssigned FrameType = "ticket_assigned"
	FramePong           FrameType = "pong"
	FrameError          FrameType = "error"
)

// Frame is the envelope for every wire protocol message. Every frame is a
// JSON object of the shape {"type": ..., "data": {...}} in both directions.
type Frame struct {
	Type FrameType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewFrame wraps a payload in an envelope. Marshalling the payload here keeps
// encoding failures at the call site instead of the write path.
func NewFrame(t FrameType, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Type: t}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: t, Data: data}, nil
}

// AuthenticatePayload is the first frame a client sends. The role and
// identity are taken from the verified token, not from the client fields;
// UserID and IsAdmin exist only for the server to cross-check and log.
type AuthenticatePayload struct {
	Token   string `json:"token"`
	UserID  int64  `json:"userId"`
	IsAdmin bool   `json:"isAdmin"`
}

// AuthSuccessPayload acknowledges admission.
type AuthSuccessPayload struct {
	UserID  int64 `json:"userId"`
	IsAdmin bool  `json:"isAdmin"`
}

// AuthErrorPayload reports a rejected authentication attempt.
type AuthErrorPayload struct {
	Message string `json:"message"`
}

// ChatPayload is a client-sent chat message. CorrelationID is a
// client-generated id echoed back on message_sent so optimistic UI entries
// can be reconciled without timestamp guessing.
type ChatPayload struct {
	ConversationID int64  `json:"conversationId"`
	Content        string `json:"content"`
	CorrelationID  string `json:"correlationId,omitempty"`
}

// DeliverPayload is a server-delivered chat message.
type DeliverPayload struct {
	ConversationID int64       `json:"conversationId"`
	Message        WireMessage `json:"message"`
}

// MessageSentPayload acknowledges a persisted message to its sender.
type MessageSentPayload struct {
	ConversationID int64  `json:"conversationId"`
	MessageID      int64  `json:"messageId"`
	CorrelationID  string `json:"correlationId,omitempty"`
}

// TicketStatusPayload carries a status change, in both directions.
type TicketStatusPayload struct {
	TicketID int64        `json:"ticketId"`
	Status   TicketStatus `json:"status"`
}

// AssignTicketPayload is an agent's assignment request. A nil AssignedTo
// unassigns the ticket.
type AssignTicketPayload struct {
	TicketID   int64  `json:"ticketId"`
	AssignedTo *int64 `json:"assignedTo"`
}

// TicketAssignedPayload broadcasts an assignment change to all agents.
type TicketAssignedPayload struct {
	TicketID     int64  `json:"ticketId"`
	AssignedTo   *int64 `json:"assignedTo"`
	AssignedName string `json:"assignedName,omitempty"`
}

// AdminStatusPayload is an agent's self-reported presence (client to server)
// and the presence broadcast pushed to customers (server to client).
type AdminStatusPayload struct {
	IsOnline       bool       `json:"isOnline"`
	LastActiveTime *time.Time `json:"lastActiveTime,omitempty"`
}

// MarkReadPayload clears unread flags for the counterpart's messages.
type MarkReadPayload struct {
	TicketID int64 `json:"ticketId"`
}

// PingPayload is an application-level liveness probe.
type PingPayload struct {
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// ErrorPayload reports a failed operation on an open connection.
type ErrorPayload struct {
	Message string `json:"message"`
}
