package server

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/clawdeck/internal/bus"
)

// feedEvent is one frame of the /ws dashboard feed.
type feedEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// handleWS streams task and cache events for one tenant. The feed is
// push-only; inbound frames are drained and ignored except for close.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	tenantID := s.tenantID(w, r)
	if tenantID == "" {
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "event feed unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	s.logger.Info("ws: feed connected", "tenant_id", tenantID)
	defer func() {
		s.logger.Info("ws: feed disconnecting", "tenant_id", tenantID)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Drain inbound frames so pings and close frames are processed.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if eventTenant(ev) != tenantID {
				continue
			}
			if err := wsjson.Write(ctx, conn, feedEvent{Topic: ev.Topic, Payload: ev.Payload}); err != nil {
				s.logger.Debug("ws: feed write failed", "tenant_id", tenantID, "error", err)
				return
			}
		}
	}
}

func eventTenant(ev bus.Event) string {
	switch p := ev.Payload.(type) {
	case bus.TaskEvent:
		return p.TenantID
	case bus.CacheEvent:
		return p.TenantID
	default:
		return ""
	}
}
