package broadcast

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/models"
)

type fakeCampaigns map[string]*models.Campaign

func (f fakeCampaigns) GetByID(id string) (*models.Campaign, error) {
	return f[id], nil
}

func newTestHub(buffer int) *Hub {
	campaigns := fakeCampaigns{
		"c1": {ID: "c1", OwnerID: "alice"},
		"c2": {ID: "c2", OwnerID: "bob"},
	}
	h := New(campaigns, buffer, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.now = func() time.Time { return time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC) }
	return h
}

func TestSubscribeChecksOwnership(t *testing.T) {
	h := newTestHub(4)

	tests := []struct {
		name       string
		campaignID string
		ownerID    string
		wantErr    error
	}{
		{"owner admitted", "c1", "alice", nil},
		{"other owner rejected", "c1", "bob", models.ErrForbidden},
		{"unknown campaign", "missing", "alice", models.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, err := h.Subscribe(tt.campaignID, tt.ownerID)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Subscribe() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Subscribe() error = %v", err)
			}
			sub.Close()
		})
	}
}

func TestPublishReachesOnlyCampaignSubscribers(t *testing.T) {
	h := newTestHub(4)

	a, err := h.Subscribe("c1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := h.Subscribe("c2", "bob")
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	h.Publish("c1", EventProgress, map[string]any{"sent": 2})

	select {
	case ev := <-a.C:
		if ev.Type != EventProgress || ev.CampaignID != "c1" {
			t.Errorf("unexpected event %+v", ev)
		}
		if ev.Data["sent"] != 2 {
			t.Errorf("data.sent = %v, want 2", ev.Data["sent"])
		}
		if _, ok := ev.Data["timestamp"]; !ok {
			t.Error("expected timestamp in payload")
		}
	default:
		t.Fatal("subscriber of c1 received nothing")
	}

	select {
	case ev := <-b.C:
		t.Fatalf("subscriber of c2 received %+v", ev)
	default:
	}
}

func TestPublishDoesNotMutateCallerPayload(t *testing.T) {
	h := newTestHub(1)
	data := map[string]any{"status": "RUNNING"}
	h.Publish("c1", EventStatus, data)

	if _, ok := data["timestamp"]; ok {
		t.Error("Publish() added timestamp to caller map")
	}
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	h := newTestHub(1)
	sub, err := h.Subscribe("c1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	h.Publish("c1", EventProgress, map[string]any{"n": 1})
	h.Publish("c1", EventProgress, map[string]any{"n": 2})

	ev := <-sub.C
	if ev.Data["n"] != 1 {
		t.Errorf("first event n = %v, want 1", ev.Data["n"])
	}
	select {
	case ev := <-sub.C:
		t.Errorf("expected second event dropped, got %+v", ev)
	default:
	}
}

func TestSubscriptionClose(t *testing.T) {
	h := newTestHub(2)
	sub, err := h.Subscribe("c1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if n := h.Subscribers("c1"); n != 1 {
		t.Fatalf("Subscribers() = %d, want 1", n)
	}

	sub.Close()
	sub.Close()

	if n := h.Subscribers("c1"); n != 0 {
		t.Errorf("Subscribers() after close = %d, want 0", n)
	}
	if _, ok := <-sub.C; ok {
		t.Error("channel should be closed")
	}

	// publishing with no subscribers is a no-op
	h.Publish("c1", EventStatus, nil)
}

func TestHubClose(t *testing.T) {
	h := newTestHub(2)
	sub, err := h.Subscribe("c1", "alice")
	if err != nil {
		t.Fatal(err)
	}

	h.Close()
	if _, ok := <-sub.C; ok {
		t.Error("channel should be closed after hub close")
	}
	sub.Close()
}

func TestConcurrentPublishAndClose(t *testing.T) {
	h := newTestHub(8)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, err := h.Subscribe("c1", "alice")
			if err != nil {
				t.Error(err)
				return
			}
			for j := 0; j < 20; j++ {
				h.Publish("c1", EventProgress, map[string]any{"j": j})
			}
			sub.Close()
		}()
	}
	wg.Wait()

	if n := h.Subscribers("c1"); n != 0 {
		t.Errorf("Subscribers() = %d, want 0", n)
	}
}
