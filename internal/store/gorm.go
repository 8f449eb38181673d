package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/songforge/support-gateway/internal/model"
)

// gormStore implements Store on a Postgres database via gorm.
type gormStore struct {
	db *gorm.DB
}

// Open connects to Postgres and returns a Store. When migrate is true the
// gateway's tables are auto-migrated, which is only intended for development
// against a throwaway database; production schemas belong to the storefront.
func Open(dsn string, migrate bool) (Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if migrate {
		if err := db.AutoMigrate(&model.User{}, &model.Ticket{}, &model.TicketMessage{}); err != nil {
			return nil, fmt.Errorf("failed to migrate schema: %w", err)
		}
	}

	return &gormStore{db: db}, nil
}

// NewGorm wraps an existing gorm handle, mainly for tests.
func NewGorm(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *gormStore) TicketForParticipant(ctx context.Context, ticketID, userID int64, isAgent bool) (*model.Ticket, error) {
	var t model.Ticket
	q := s.db.WithContext(ctx).Where("id = ?", ticketID)
	if !isAgent {
		q = q.Where("user_id = ?", userID)
	}
	if err := q.First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTicketNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (s *gormStore) TicketByID(ctx context.Context, ticketID int64) (*model.Ticket, error) {
	var t model.Ticket
	if err := s.db.WithContext(ctx).First(&t, ticketID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTicketNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (s *gormStore) UpdateTicketStatus(ctx context.Context, ticketID int64, status model.TicketStatus) error {
	res := s.db.WithContext(ctx).Model(&model.Ticket{}).
		Where("id = ?", ticketID).
		Updates(map[string]any{
			"status":     status,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrTicketNotFound
	}
	return nil
}

func (s *gormStore) AssignTicket(ctx context.Context, ticketID int64, assignedTo *int64) (*model.Ticket, error) {
	status := model.TicketStatusInProgress
	if assignedTo == nil {
		status = model.TicketStatusOpen
	}

	res := s.db.WithContext(ctx).Model(&model.Ticket{}).
		Where("id = ?", ticketID).
		Updates(map[string]any{
			"assigned_to": assignedTo,
			"status":      status,
			"updated_at":  time.Now(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrTicketNotFound
	}

	return s.TicketByID(ctx, ticketID)
}

func (s *gormStore) TouchTicket(ctx context.Context, ticketID int64, status model.TicketStatus, hasNewMessage bool) error {
	now := time.Now()
	updates := map[string]any{
		"status":          status,
		"last_message_at": now,
		"updated_at":      now,
	}
	if hasNewMessage {
		updates["has_new_message"] = true
	}
	res := s.db.WithContext(ctx).Model(&model.Ticket{}).
		Where("id = ?", ticketID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrTicketNotFound
	}
	return nil
}

func (s *gormStore) ClearNewMessageFlag(ctx context.Context, ticketID int64) error {
	return s.db.WithContext(ctx).Model(&model.Ticket{}).
		Where("id = ?", ticketID).
		Update("has_new_message", false).Error
}

func (s *gormStore) InsertMessage(ctx context.Context, msg *model.TicketMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	return s.db.WithContext(ctx).Create(msg).Error
}

func (s *gormStore) MessagesAfter(ctx context.Context, ticketID, afterID int64, limit int) ([]model.TicketMessage, error) {
	var msgs []model.TicketMessage
	q := s.db.WithContext(ctx).
		Where("ticket_id = ? AND id > ?", ticketID, afterID).
		Order("id asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *gormStore) MarkMessagesRead(ctx context.Context, ticketID int64, authoredByAgent bool) error {
	return s.db.WithContext(ctx).Model(&model.TicketMessage{}).
		Where("ticket_id = ? AND is_admin = ? AND is_read = ?", ticketID, authoredByAgent, false).
		Update("is_read", true).Error
}

func (s *gormStore) UserByID(ctx context.Context, userID int64) (*model.User, error) {
	var u model.User
	if err := s.db.WithContext(ctx).First(&u, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *gormStore) AgentLastActive(ctx context.Context) (*time.Time, error) {
	var u model.User
	err := s.db.WithContext(ctx).
		Where("is_admin = ? AND last_active_at IS NOT NULL", true).
		Order("last_active_at desc").
		First(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return u.LastActiveAt, nil
}

func (s *gormStore) TouchAgentActivity(ctx context.Context, agentID int64) error {
	return s.db.WithContext(ctx).Model(&model.User{}).
		Where("id = ? AND is_admin = ?", agentID, true).
		Update("last_active_at", time.Now()).Error
}

func (s *gormStore) ListTicketsForUser(ctx context.Context, userID int64) ([]model.Ticket, error) {
	var tickets []model.Ticket
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at desc").
		Find(&tickets).Error
	if err != nil {
		return nil, err
	}
	return tickets, nil
}

func (s *gormStore) ListTickets(ctx context.Context) ([]model.Ticket, error) {
	var tickets []model.Ticket
	err := s.db.WithContext(ctx).
		Order("updated_at desc").
		Find(&tickets).Error
	if err != nil {
		return nil, err
	}
	return tickets, nil
}
