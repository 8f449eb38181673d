package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/songforge/support-gateway/internal/model"
)

// MemoryStore is an in-memory Store used by tests and the development
// backend. All methods are safe for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	tickets  map[int64]*model.Ticket
	messages map[int64]*model.TicketMessage
	users    map[int64]*model.User
	nextMsg  int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		tickets:  make(map[int64]*model.Ticket),
		messages: make(map[int64]*model.TicketMessage),
		users:    make(map[int64]*model.User),
		nextMsg:  1,
	}
}

// SeedUser inserts or replaces an identity row.
func (s *MemoryStore) SeedUser(u model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = &u
}

// SeedTicket inserts or replaces a ticket row.
func (s *MemoryStore) SeedTicket(t model.Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	s.tickets[t.ID] = &t
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) TicketForParticipant(ctx context.Context, ticketID, userID int64, isAgent bool) (*model.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tickets[ticketID]
	if !ok {
		return nil, ErrTicketNotFound
	}
	if !isAgent && t.UserID != userID {
		return nil, ErrTicketNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) TicketByID(ctx context.Context, ticketID int64) (*model.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tickets[ticketID]
	if !ok {
		return nil, ErrTicketNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) UpdateTicketStatus(ctx context.Context, ticketID int64, status model.TicketStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[ticketID]
	if !ok {
		return ErrTicketNotFound
	}
	t.Status = status
	t.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) AssignTicket(ctx context.Context, ticketID int64, assignedTo *int64) (*model.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[ticketID]
	if !ok {
		return nil, ErrTicketNotFound
	}
	t.AssignedTo = assignedTo
	if assignedTo != nil {
		t.Status = model.TicketStatusInProgress
	} else {
		t.Status = model.TicketStatusOpen
	}
	t.UpdatedAt = time.Now()
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) TouchTicket(ctx context.Context, ticketID int64, status model.TicketStatus, hasNewMessage bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[ticketID]
	if !ok {
		return ErrTicketNotFound
	}
	now := time.Now()
	t.Status = status
	if hasNewMessage {
		t.HasNewMessage = true
	}
	t.LastMessageAt = &now
	t.UpdatedAt = now
	return nil
}

func (s *MemoryStore) ClearNewMessageFlag(ctx context.Context, ticketID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tickets[ticketID]; ok {
		t.HasNewMessage = false
	}
	return nil
}

func (s *MemoryStore) InsertMessage(ctx context.Context, msg *model.TicketMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg.ID = s.nextMsg
	s.nextMsg++
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	cp := *msg
	s.messages[msg.ID] = &cp
	return nil
}

func (s *MemoryStore) MessagesAfter(ctx context.Context, ticketID, afterID int64, limit int) ([]model.TicketMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var msgs []model.TicketMessage
	for _, m := range s.messages {
		if m.TicketID == ticketID && m.ID > afterID {
			msgs = append(msgs, *m)
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (s *MemoryStore) MarkMessagesRead(ctx context.Context, ticketID int64, authoredByAgent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.messages {
		if m.TicketID == ticketID && m.IsAdmin == authoredByAgent {
			m.IsRead = true
		}
	}
	return nil
}

func (s *MemoryStore) UserByID(ctx context.Context, userID int64) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) AgentLastActive(ctx context.Context) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *time.Time
	for _, u := range s.users {
		if !u.IsAdmin || u.LastActiveAt == nil {
			continue
		}
		if latest == nil || u.LastActiveAt.After(*latest) {
			t := *u.LastActiveAt
			latest = &t
		}
	}
	return latest, nil
}

func (s *MemoryStore) TouchAgentActivity(ctx context.Context, agentID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.users[agentID]; ok && u.IsAdmin {
		now := time.Now()
		u.LastActiveAt = &now
	}
	return nil
}

func (s *MemoryStore) ListTicketsForUser(ctx context.Context, userID int64) ([]model.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tickets []model.Ticket
	for _, t := range s.tickets {
		if t.UserID == userID {
			tickets = append(tickets, *t)
		}
	}
	sort.Slice(tickets, func(i, j int) bool { return tickets[i].UpdatedAt.After(tickets[j].UpdatedAt) })
	return tickets, nil
}

func (s *MemoryStore) ListTickets(ctx context.Context) ([]model.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tickets := make([]model.Ticket, 0, len(s.tickets))
	for _, t := range s.tickets {
		tickets = append(tickets, *t)
	}
	sort.Slice(tickets, func(i, j int) bool { return tickets[i].UpdatedAt.After(tickets[j].UpdatedAt) })
	return tickets, nil
}
