package ws

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/songforge/support-gateway/internal/model"
	"github.com/songforge/support-gateway/pkg/metrics"
)

// BroadcastPresence pushes an agent availability update to every connected
// customer. The last-active timestamp comes from storage so the value shown
// survives agent reconnects.
func (h *Hub) BroadcastPresence(ctx context.Context, online bool) {
	lastActive, err := h.store.AgentLastActive(ctx)
	if err != nil {
		h.logger.Warn("failed to load agent last-active time", zap.Error(err))
	}

	payload := model.AdminStatusPayload{
		IsOnline:       online,
		LastActiveTime: lastActive,
	}

	for _, cust := range h.registry.Customers() {
		if err := cust.send(model.FrameAdminStatus, payload); err != nil {
			h.logger.Debug("presence push failed",
				zap.Int64("recipient_id", cust.userID), zap.Error(err))
		}
	}

	metrics.PresenceBroadcastsTotal.Inc()
	h.logger.Debug("agent presence broadcast", zap.Bool("online", online))
}

// Presence reports whether any agent is currently connected, and the most
// recent agent activity timestamp.
func (h *Hub) Presence(ctx context.Context) (bool, *time.Time) {
	lastActive, err := h.store.AgentLastActive(ctx)
	if err != nil {
		h.logger.Warn("failed to load agent last-active time", zap.Error(err))
	}
	return h.registry.AgentCount() > 0, lastActive
}
