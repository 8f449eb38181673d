package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/songforge/support-gateway/internal/model"
	"github.com/songforge/support-gateway/pkg/logger"
)

const (
	// StreamName is the name of the support events stream.
	StreamName = "SUPPORT_EVENTS"

	// SubjectPrefix is the prefix for all support event subjects.
	SubjectPrefix = "support"
)

// Event kinds published to the stream.
const (
	KindMessageCreated = "message.created"
	KindTicketStatus   = "ticket.status"
	KindTicketAssigned = "ticket.assigned"
	KindAgentPresence  = "agent.presence"
)

// Event is the envelope written to the stream.
type Event struct {
	Kind      string    `json:"kind"`
	TicketID  int64     `json:"ticket_id,omitempty"`
	ActorID   int64     `json:"actor_id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Publisher writes ticket lifecycle events to JetStream. A nil Publisher or
// one constructed without a client is a no-op, mirroring a relay deployed
// without an event bus.
type Publisher struct {
	client *Client
	logger *logger.Logger
}

// NewPublisher creates a publisher over the given client. client may be nil.
func NewPublisher(client *Client, log *logger.Logger) *Publisher {
	return &Publisher{client: client, logger: log}
}

// EnsureStream ensures the support events stream exists.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	if p == nil || p.client == nil {
		return nil
	}
	js := p.client.JetStream()

	if _, err := js.Stream(ctx, StreamName); err == nil {
		return nil
	}

	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      30 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Description: "Help-desk ticket and presence events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

func ticketSubject(ticketID int64, kind string) string {
	return fmt.Sprintf("%s.ticket.%d.%s", SubjectPrefix, ticketID, kind)
}

func presenceSubject() string {
	return fmt.Sprintf("%s.%s", SubjectPrefix, KindAgentPresence)
}

// publish marshals and writes one event. Failures are logged and swallowed.
func (p *Publisher) publish(ctx context.Context, subject string, ev Event) {
	if p == nil || p.client == nil {
		return
	}
	ev.CreatedAt = time.Now()

	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("failed to marshal event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if _, err := p.client.JetStream().Publish(ctx, subject, data); err != nil {
		p.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

// MessageCreated records a persisted chat message.
func (p *Publisher) MessageCreated(ctx context.Context, msg model.WireMessage) {
	p.publish(ctx, ticketSubject(msg.TicketID, KindMessageCreated), Event{
		Kind:     KindMessageCreated,
		TicketID: msg.TicketID,
		ActorID:  msg.UserID,
		Payload:  msg,
	})
}

// TicketStatusChanged records a status transition.
func (p *Publisher) TicketStatusChanged(ctx context.Context, ticketID, actorID int64, status model.TicketStatus) {
	p.publish(ctx, ticketSubject(ticketID, KindTicketStatus), Event{
		Kind:     KindTicketStatus,
		TicketID: ticketID,
		ActorID:  actorID,
		Payload:  map[string]any{"status": status},
	})
}

// TicketAssigned records an assignment change.
func (p *Publisher) TicketAssigned(ctx context.Context, ticketID, actorID int64, assignedTo *int64) {
	p.publish(ctx, ticketSubject(ticketID, KindTicketAssigned), Event{
		Kind:     KindTicketAssigned,
		TicketID: ticketID,
		ActorID:  actorID,
		Payload:  map[string]any{"assigned_to": assignedTo},
	})
}

// AgentPresenceChanged records an agent availability transition.
func (p *Publisher) AgentPresenceChanged(ctx context.Context, online bool) {
	p.publish(ctx, presenceSubject(), Event{
		Kind:    KindAgentPresence,
		Payload: map[string]any{"is_online": online},
	})
}
