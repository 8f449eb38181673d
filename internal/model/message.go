package model

import (
	"time"
)

// TicketMessage represents a single chat entry within a ticket. Rows are
// immutable after insert except for the read flag.
type TicketMessage struct {
	ID             int64     `gorm:"primaryKey" json:"id"`
	TicketID       int64     `gorm:"index;not null" json:"ticket_id"`
	UserID         int64     `gorm:"index;not null" json:"user_id"`
	Message        string    `gorm:"type:text;not null" json:"message"`
	IsAdmin        bool      `json:"is_admin"`
	IsRead         bool      `json:"is_read"`
	IsAutoResponse bool      `json:"is_auto_response"`
	CreatedAt      time.Time `json:"created_at"`
}

// TableName maps TicketMessage onto the ticket_messages table.
func (TicketMessage) TableName() string { return "ticket_messages" }

// WireMessage is the message record delivered to recipients over the socket.
// Its ID is always the persisted row id, never a provisional one.
type WireMessage struct {
	ID             int64     `json:"id"`
	TicketID       int64     `json:"ticket_id"`
	UserID         int64     `json:"user_id"`
	UserName       string    `json:"user_name"`
	Message        string    `json:"message"`
	IsAdmin        bool      `json:"is_admin"`
	IsRead         bool      `json:"is_read"`
	IsAutoResponse bool      `json:"is_auto_response,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// FromTicketMessage builds the wire record for a persisted message.
func FromTicketMessage(m *TicketMessage, userName string) WireMessage {
	return WireMessage{
		ID:             m.ID,
		TicketID:       m.TicketID,
		UserID:         m.UserID,
		UserName:       userName,
		Message:        m.Message,
		IsAdmin:        m.IsAdmin,
		IsRead:         m.IsRead,
		IsAutoResponse: m.IsAutoResponse,
		CreatedAt:      m.CreatedAt,
	}
}
