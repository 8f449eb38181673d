// Package model defines data structures for the support gateway.
package model

import (
	"time"
)

// TicketStatus represents the lifecycle state of a support ticket.
type TicketStatus string

const (
	TicketStatusOpen          TicketStatus = "open"
	TicketStatusAwaitingReply TicketStatus = "awaiting_reply"
	TicketStatusInProgress    TicketStatus = "in_progress"
	TicketStatusResolved      TicketStatus = "resolved"
	TicketStatusClosed        TicketStatus = "closed"
)

// Valid reports whether s is a known ticket status.
func (s TicketStatus) Valid() bool {
	switch s {
	case TicketStatusOpen, TicketStatusAwaitingReply, TicketStatusInProgress,
		TicketStatusResolved, TicketStatusClosed:
		return true
	}
	return false
}

// Ticket represents a support conversation between one customer and the
// support team. Rows are created by the storefront's REST layer; the gateway
// only mutates status, assignment and bookkeeping flags.
type Ticket struct {
	ID            int64        `gorm:"primaryKey" json:"id"`
	UserID        int64        `gorm:"index;not null" json:"user_id"`
	Subject       string       `gorm:"type:varchar(255)" json:"subject"`
	Status        TicketStatus `gorm:"type:varchar(32);index;not null;default:open" json:"status"`
	Priority      string       `gorm:"type:varchar(32)" json:"priority,omitempty"`
	Category      string       `gorm:"type:varchar(64)" json:"category,omitempty"`
	AssignedTo    *int64       `gorm:"index" json:"assigned_to,omitempty"`
	HasNewMessage bool         `json:"has_new_message"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	LastMessageAt *time.Time   `json:"last_message_at,omitempty"`
}

// TableName maps Ticket onto the storefront's support_tickets table.
func (Ticket) TableName() string { return "support_tickets" }

// User is a read-only projection of the identity service's user row, used to
// resolve display names and agent activity.
type User struct {
	ID           int64      `gorm:"primaryKey" json:"id"`
	Name         string     `gorm:"type:varchar(255)" json:"name"`
	Email        string     `gorm:"type:varchar(255)" json:"email,omitempty"`
	IsAdmin      bool       `json:"is_admin"`
	LastActiveAt *time.Time `json:"last_active_at,omitempty"`
}

// TableName maps User onto the shared users table.
func (User) TableName() string { return "users" }
