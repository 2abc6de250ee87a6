package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/voxweave/voxweave/internal/observe"
)

// keepaliveInterval is how often an idle event stream is pinged so half-dead
// connections are detected.
const keepaliveInterval = 30 * time.Second

// events upgrades the request to a websocket and streams bus events for the
// selected channels ("?channels=jobs,engines"). The first frame is the
// connected handshake; a client that stops reading long enough to fill its
// queue is disconnected.
func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("websocket accept failed", "error", err)
		return
	}
	defer c.CloseNow()

	sub := h.bus.Subscribe(parseChannels(r.URL.Query().Get("channels")))
	defer sub.Close()

	ctx := r.Context()
	m := observe.DefaultMetrics()
	m.BusSubscribers.Add(ctx, 1)
	defer m.BusSubscribers.Add(ctx, -1)

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
			if err := c.Ping(ctx); err != nil {
				return
			}
		case ev, ok := <-sub.C:
			if !ok {
				// Evicted by the bus for falling behind.
				c.Close(websocket.StatusPolicyViolation, "event queue overflow")
				return
			}
			if err := wsjson.Write(ctx, c, ev.Data); err != nil {
				slog.Debug("event write failed", "client_id", sub.ID, "error", err)
				return
			}
		}
	}
}

func parseChannels(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, ch := range strings.Split(raw, ",") {
		if ch = strings.TrimSpace(ch); ch != "" {
			out = append(out, ch)
		}
	}
	return out
}
