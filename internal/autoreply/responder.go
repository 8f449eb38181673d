// Package autoreply generates a first response to customer messages when no
// agent is reachable, so a customer never talks into a void overnight.
package autoreply

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/songforge/support-gateway/internal/llm"
	"github.com/songforge/support-gateway/internal/model"
	"github.com/songforge/support-gateway/internal/store"
	"github.com/songforge/support-gateway/pkg/logger"
	"github.com/songforge/support-gateway/pkg/metrics"
)

const defaultSystemPrompt = "You are the automated first responder for a custom song " +
	"commissioning service. A customer wrote to support while no human agent was online. " +
	"Acknowledge their message, answer what you safely can about order status wording, " +
	"revisions and delivery timelines in general terms, and let them know a member of the " +
	"team will follow up. Keep it to a few sentences. Never invent order details."

const historyWindow = 20

// Responder produces at most one automated agent reply per ticket per
// cooldown window. A nil *Responder is inert, mirroring a deployment with
// auto-reply disabled.
type Responder struct {
	llm      llm.Client
	store    store.Store
	logger   *logger.Logger
	agentID  int64
	cooldown time.Duration

	mu       sync.Mutex
	lastSent map[int64]time.Time
}

// New creates a responder replying as the given virtual agent identity.
func New(client llm.Client, st store.Store, agentID int64, cooldown time.Duration, log *logger.Logger) *Responder {
	if cooldown <= 0 {
		cooldown = 10 * time.Minute
	}
	return &Responder{
		llm:      client,
		store:    st,
		logger:   log,
		agentID:  agentID,
		cooldown: cooldown,
		lastSent: make(map[int64]time.Time),
	}
}

// Reply generates and persists an auto-response to a customer message.
// It returns nil without error when the cooldown suppresses a reply.
func (r *Responder) Reply(ctx context.Context, ticket *model.Ticket, incoming model.WireMessage) (*model.WireMessage, error) {
	if r == nil {
		return nil, nil
	}

	if !r.claim(ticket.ID) {
		return nil, nil
	}

	history, err := r.store.MessagesAfter(ctx, ticket.ID, 0, historyWindow)
	if err != nil {
		r.release(ticket.ID)
		metrics.AutoRepliesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to load ticket history: %w", err)
	}

	chat := make([]llm.ChatMessage, 0, len(history)+1)
	for _, m := range history {
		role := "user"
		if m.IsAdmin {
			role = "assistant"
		}
		chat = append(chat, llm.ChatMessage{Role: role, Content: m.Message})
	}
	if len(chat) == 0 {
		chat = append(chat, llm.ChatMessage{Role: "user", Content: incoming.Message})
	}

	resp, err := r.llm.Complete(ctx, &llm.CompletionRequest{
		System:   fmt.Sprintf("%s The ticket subject is: %q.", defaultSystemPrompt, ticket.Subject),
		Messages: chat,
	})
	if err != nil {
		r.release(ticket.ID)
		metrics.AutoRepliesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("completion failed: %w", err)
	}

	content := strings.TrimSpace(resp.Content)
	if content == "" {
		r.release(ticket.ID)
		metrics.AutoRepliesTotal.WithLabelValues("empty").Inc()
		return nil, nil
	}

	msg := &model.TicketMessage{
		TicketID:       ticket.ID,
		UserID:         r.agentID,
		Message:        content,
		IsAdmin:        true,
		IsAutoResponse: true,
	}
	if err := r.store.InsertMessage(ctx, msg); err != nil {
		r.release(ticket.ID)
		metrics.AutoRepliesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to persist auto-reply: %w", err)
	}

	name := "Support"
	if u, err := r.store.UserByID(ctx, r.agentID); err == nil {
		name = u.Name
	}

	r.logger.Info("auto-reply sent",
		zap.Int64("ticket_id", ticket.ID),
		zap.Int64("message_id", msg.ID),
		zap.String("provider", r.llm.Name()),
		zap.Int("tokens_out", resp.TokensOut),
	)
	metrics.AutoRepliesTotal.WithLabelValues("sent").Inc()

	wire := model.FromTicketMessage(msg, name)
	return &wire, nil
}

// claim reserves the ticket's cooldown slot; release undoes a claim whose
// reply never materialized.
func (r *Responder) claim(ticketID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if last, ok := r.lastSent[ticketID]; ok && time.Since(last) < r.cooldown {
		metrics.AutoRepliesTotal.WithLabelValues("cooldown").Inc()
		return false
	}
	r.lastSent[ticketID] = time.Now()
	return true
}

func (r *Responder) release(ticketID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lastSent, ticketID)
}
