// Package events serves the long-lived event-stream connection that pushes
// job lifecycle notifications to clients.
package events

import (
	"time"

	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/proximet/mediacdn/internal/model"
)

// bus is the subscriber registry the stream reads from.
type bus interface {
	Subscribe() (string, <-chan model.Event)
	Unsubscribe(id string)
}

// Handler streams bus events over SSE.
type Handler struct {
	bus       bus
	heartbeat time.Duration
}

// NewHandler creates a Handler emitting a heartbeat at the given interval
// so clients can detect dead connections.
func NewHandler(b bus, heartbeat time.Duration) *Handler {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Handler{bus: b, heartbeat: heartbeat}
}

// Stream subscribes the connection and forwards events until the client
// disconnects. Delivery is at-most-once: clients that drop re-synchronize
// through the polling endpoints after reconnecting.
func (h *Handler) Stream(c *ginext.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	id, ch := h.bus.Subscribe()
	defer h.bus.Unsubscribe(id)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			zlog.Logger.Debug().Str("subscriber", id).Msg("event stream closed by client")
			return
		case <-ticker.C:
			c.SSEvent(string(model.EventHeartbeat), model.Event{Name: model.EventHeartbeat})
			c.Writer.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.SSEvent(string(ev.Name), ev)
			c.Writer.Flush()
		}
	}
}
