package api

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/broadcast"
)

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/campaigns?" + query
}

func TestCampaignEventsStream(t *testing.T) {
	env := newTestEnv(t, 10)
	c := env.createCampaign(t, "owner-1")

	srv := httptest.NewServer(env.server.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv, "campaignId="+c.ID+"&userId=owner-1"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.CloseNow()

	waitFor(t, "subscription", func() bool { return env.hub.Subscribers(c.ID) == 1 })

	w := env.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/qr", "owner-1", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("qr: expected 202, got %d", w.Code)
	}
	env.factory.Last(c.ID).QR("2@abc,def")

	for {
		var ev broadcast.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if ev.CampaignID != c.ID {
			t.Errorf("event for %s, want %s", ev.CampaignID, c.ID)
		}
		if _, ok := ev.Data["timestamp"]; !ok {
			t.Errorf("event %s without timestamp", ev.Type)
		}
		if ev.Type == broadcast.EventQRCode {
			qr, _ := ev.Data["qrCode"].(string)
			if !strings.HasPrefix(qr, "data:image/png;base64,") {
				t.Errorf("qrCode = %.40q", qr)
			}
			break
		}
	}

	conn.Close(websocket.StatusNormalClosure, "")
	waitFor(t, "unsubscribe", func() bool { return env.hub.Subscribers(c.ID) == 0 })
}

func TestCampaignEventsRejected(t *testing.T) {
	env := newTestEnv(t, 10)
	c := env.createCampaign(t, "owner-1")

	srv := httptest.NewServer(env.server.Handler())
	t.Cleanup(srv.Close)

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"no identity", "campaignId=" + c.ID, http.StatusUnauthorized},
		{"no campaign", "userId=owner-1", http.StatusBadRequest},
		{"other owner", "campaignId=" + c.ID + "&userId=owner-2", http.StatusForbidden},
		{"unknown campaign", "campaignId=nope&userId=owner-1", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			conn, resp, err := websocket.Dial(ctx, wsURL(srv, tt.query), nil)
			if err == nil {
				conn.CloseNow()
				t.Fatal("expected dial to fail")
			}
			if resp == nil || resp.StatusCode != tt.want {
				t.Errorf("expected %d, got %v", tt.want, resp)
			}
		})
	}
}

func TestCampaignEventsLogsUnsupportedDeadline(t *testing.T) {
	env := newTestEnv(t, 10)
	c := env.createCampaign(t, "owner-1")

	var logs bytes.Buffer
	env.server.logger = slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// a recorder can neither hijack nor set deadlines
	req := httptest.NewRequest(http.MethodGet, "/ws/campaigns?campaignId="+c.ID+"&userId=owner-1", nil)
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)

	if !strings.Contains(logs.String(), "failed to clear write deadline") {
		t.Errorf("deadline error not logged, logs:\n%s", logs.String())
	}
	if env.hub.Subscribers(c.ID) != 0 {
		t.Error("subscription leaked after failed upgrade")
	}
}
