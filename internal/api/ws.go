package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/broadcast"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleCampaignEvents handles GET /ws/campaigns?campaignId=. Ownership is
// checked before the upgrade so failures are plain HTTP errors.
func (s *Server) handleCampaignEvents(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if owner == "" {
		owner = strings.TrimSpace(r.URL.Query().Get("userId"))
	}
	if owner == "" {
		s.sendError(w, http.StatusUnauthorized, "missing user identity")
		return
	}
	campaignID := r.URL.Query().Get("campaignId")
	if campaignID == "" {
		s.sendError(w, http.StatusBadRequest, "campaignId is required")
		return
	}

	sub, err := s.hub.Subscribe(campaignID, owner)
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	defer sub.Close()

	// The server write timeout must not cut a long-lived stream.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("failed to clear write deadline", "campaign_id", campaignID, "error", err)
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.config.AllowedOrigins,
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "campaign_id", campaignID, "error", err)
		return
	}
	defer conn.CloseNow()

	s.logger.Debug("realtime subscriber connected", "campaign_id", campaignID, "owner_id", owner)

	// Clients never send; CloseRead handles control frames and cancels
	// ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	if err := s.stream(ctx, conn, sub); err != nil {
		s.logger.Debug("realtime subscriber gone", "campaign_id", campaignID, "error", err)
		return
	}
	conn.Close(websocket.StatusGoingAway, "server shutting down")
}

// stream forwards events until ctx ends (error) or the hub closes the
// subscription (nil).
func (s *Server) stream(ctx context.Context, conn *websocket.Conn, sub *broadcast.Subscription) error {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				return err
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
