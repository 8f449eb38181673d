// Package store provides the persistence gateway for tickets and ticket
// messages. The gateway treats the relational schema as an external
// collaborator: it inserts, reads and updates rows but never creates or
// deletes tickets.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/songforge/support-gateway/internal/model"
)

var (
	// ErrTicketNotFound is returned when a ticket does not exist or the
	// caller is not allowed to see it. The two cases are deliberately
	// indistinguishable.
	ErrTicketNotFound = errors.New("ticket not found")

	// ErrUserNotFound is returned when an identity row is missing.
	ErrUserNotFound = errors.New("user not found")
)

// Store is the persistence gateway used by the routing engine and the REST
// fallback surface.
type Store interface {
	// Ping reports whether the backing storage is reachable.
	Ping(ctx context.Context) error

	// TicketForParticipant fetches a ticket constrained to callers allowed
	// to act on it: the owning customer, or any agent.
	TicketForParticipant(ctx context.Context, ticketID, userID int64, isAgent bool) (*model.Ticket, error)

	// TicketByID fetches a ticket without an access constraint.
	TicketByID(ctx context.Context, ticketID int64) (*model.Ticket, error)

	// UpdateTicketStatus sets the ticket status and bumps updated_at.
	UpdateTicketStatus(ctx context.Context, ticketID int64, status model.TicketStatus) error

	// AssignTicket sets assigned_to and forces the status implied by the
	// assignment: in_progress when assigning, open when unassigning. The
	// updated ticket is returned.
	AssignTicket(ctx context.Context, ticketID int64, assignedTo *int64) (*model.Ticket, error)

	// TouchTicket records the bookkeeping side effects of a new message:
	// status, last_message_at and updated_at. When hasNewMessage is true the
	// customer-facing unread flag is raised as well; false leaves the flag
	// untouched (clearing it is ClearNewMessageFlag's job).
	TouchTicket(ctx context.Context, ticketID int64, status model.TicketStatus, hasNewMessage bool) error

	// ClearNewMessageFlag resets the customer-facing unread indicator.
	ClearNewMessageFlag(ctx context.Context, ticketID int64) error

	// InsertMessage persists a message and fills in its assigned ID and
	// creation timestamp.
	InsertMessage(ctx context.Context, msg *model.TicketMessage) error

	// MessagesAfter returns up to limit messages in a ticket with ids
	// greater than afterID, oldest first.
	MessagesAfter(ctx context.Context, ticketID, afterID int64, limit int) ([]model.TicketMessage, error)

	// MarkMessagesRead flips the read flag on all messages in the ticket
	// authored by the given side (agent-authored or customer-authored).
	MarkMessagesRead(ctx context.Context, ticketID int64, authoredByAgent bool) error

	// UserByID resolves an identity row.
	UserByID(ctx context.Context, userID int64) (*model.User, error)

	// AgentLastActive returns the most recent last_active_at across all
	// agents, or nil when no agent has ever been active.
	AgentLastActive(ctx context.Context) (*time.Time, error)

	// TouchAgentActivity bumps an agent's last_active_at to now.
	TouchAgentActivity(ctx context.Context, agentID int64) error

	// ListTicketsForUser returns a customer's tickets, newest activity first.
	ListTicketsForUser(ctx context.Context, userID int64) ([]model.Ticket, error)

	// ListTickets returns all tickets, newest activity first.
	ListTickets(ctx context.Context) ([]model.Ticket, error)
}
