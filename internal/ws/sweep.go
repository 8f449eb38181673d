package ws

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/songforge/support-gateway/pkg/metrics"
)

// RunSweep periodically reaps connections that missed a liveness round and
// pings the rest. Blocks until ctx is cancelled; run it in its own goroutine.
func (h *Hub) RunSweep(ctx context.Context) {
	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepOnce()
		}
	}
}

// sweepOnce runs one liveness round. A connection that never confirmed since
// the previous round is closed; closing unblocks its read loop, which does
// the registry cleanup. Survivors get their flag cleared and a fresh ping.
func (h *Hub) sweepOnce() {
	for _, c := range h.registry.All() {
		if !c.alive.Load() {
			h.logger.Info("closing unresponsive connection",
				zap.Int64("user_id", c.userID),
				zap.String("role", c.role()),
				zap.String("conn_id", c.id),
			)
			metrics.SweepClosedTotal.Inc()
			c.close()
			continue
		}

		c.alive.Store(false)
		deadline := time.Now().Add(5 * time.Second)
		if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			h.logger.Debug("ping failed", zap.String("conn_id", c.id), zap.Error(err))
		}
	}
}
