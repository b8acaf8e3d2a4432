package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/broadcast"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/db"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/models"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/repository"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/whatsapp"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/whatsapp/whatsapptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type published struct {
	campaignID string
	eventType  broadcast.EventType
	data       map[string]any
}

type recorder struct {
	mu     sync.Mutex
	events []published
}

func (r *recorder) Publish(campaignID string, eventType broadcast.EventType, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, published{campaignID, eventType, data})
}

func (r *recorder) ofType(t broadcast.EventType) []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []published
	for _, ev := range r.events {
		if ev.eventType == t {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	registry  *Registry
	factory   *whatsapptest.FakeFactory
	campaigns *repository.CampaignRepository
	pub       *recorder
	campaign  *models.Campaign
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := database.Migrate(); err != nil {
		t.Fatalf("migration failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	campaigns := repository.NewCampaignRepository(database.DB)
	c := &models.Campaign{OwnerID: "owner-1", Title: "Launch", Message: "Hi"}
	if err := campaigns.Create(c); err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		factory:   whatsapptest.NewFakeFactory(),
		campaigns: campaigns,
		pub:       &recorder{},
		campaign:  c,
	}
	f.registry = New(f.factory, campaigns, f.pub, Options{
		QRSize:            64,
		SessionsPerMinute: 60000,
		SessionBurst:      100,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(f.registry.Shutdown)
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (f *fixture) connect(t *testing.T) (string, *whatsapptest.FakeClient) {
	t.Helper()
	id, err := f.registry.Open(context.Background(), f.campaign.ID, f.campaign.OwnerID)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	client := f.factory.Last(f.campaign.ID)
	client.Ready()
	waitFor(t, "session connected", func() bool { return f.registry.IsConnected(f.campaign.ID) })
	return id, client
}

func TestOpenQRAndReady(t *testing.T) {
	f := newFixture(t)

	sessionID, err := f.registry.Open(context.Background(), f.campaign.ID, "owner-1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if sessionID == "" {
		t.Fatal("expected session id")
	}

	client := f.factory.Last(f.campaign.ID)
	waitFor(t, "client connect", client.Connected)

	if got, ok := f.registry.SessionID(f.campaign.ID); !ok || got != sessionID {
		t.Errorf("SessionID() = %q, %v", got, ok)
	}
	if f.registry.IsConnected(f.campaign.ID) {
		t.Error("session should not be connected before ready")
	}

	client.QR("2@pairing-code")
	waitFor(t, "qr_code event", func() bool { return len(f.pub.ofType(broadcast.EventQRCode)) == 1 })

	qr := f.pub.ofType(broadcast.EventQRCode)[0]
	if url, _ := qr.data["qrCode"].(string); !strings.HasPrefix(url, "data:image/png;base64,") {
		t.Errorf("qrCode payload = %.40q", url)
	}
	info, ok := f.registry.Info(f.campaign.ID)
	if !ok || info.State != StateQRPending || info.QRExpiresAt == nil {
		t.Errorf("Info() = %+v, %v", info, ok)
	}

	// a second QR supersedes the first window
	client.QR("2@next-code")
	waitFor(t, "second qr_code event", func() bool { return len(f.pub.ofType(broadcast.EventQRCode)) == 2 })

	client.Ready()
	waitFor(t, "connected", func() bool { return f.registry.IsConnected(f.campaign.ID) })

	c, err := f.campaigns.GetByID(f.campaign.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Connected || c.SessionID != sessionID {
		t.Errorf("persisted connected=%v session=%q, want true %q", c.Connected, c.SessionID, sessionID)
	}

	// authenticated after ready does not emit a second CONNECTED update
	client.Emit(whatsapp.Event{Kind: whatsapp.EventAuthenticated})
	client.Receipt()
	time.Sleep(20 * time.Millisecond)
	connected := 0
	for _, ev := range f.pub.ofType(broadcast.EventStatus) {
		if ev.data["state"] == StateConnected {
			connected++
		}
	}
	if connected != 1 {
		t.Errorf("CONNECTED status updates = %d, want 1", connected)
	}
}

func TestOpenSupersedesExistingSession(t *testing.T) {
	f := newFixture(t)
	firstID, first := f.connect(t)

	var lost []string
	var mu sync.Mutex
	f.registry.OnSessionLost(func(campaignID, reason string) {
		mu.Lock()
		lost = append(lost, reason)
		mu.Unlock()
	})

	secondID, err := f.registry.Open(context.Background(), f.campaign.ID, "owner-1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if secondID == firstID {
		t.Fatal("expected a fresh session id")
	}
	if !first.Closed() {
		t.Error("first adapter should be closed")
	}
	if n := f.factory.Live(f.campaign.ID); n != 1 {
		t.Errorf("live adapters = %d, want 1", n)
	}

	// late events from the old adapter are ignored
	first.Ready()
	first.Disconnect("late")
	time.Sleep(20 * time.Millisecond)

	if f.registry.IsConnected(f.campaign.ID) {
		t.Error("old adapter must not mark the new session connected")
	}
	if id, _ := f.registry.SessionID(f.campaign.ID); id != secondID {
		t.Errorf("SessionID() = %q, want %q", id, secondID)
	}

	c, _ := f.campaigns.GetByID(f.campaign.ID)
	if c.SessionID != secondID || c.Connected {
		t.Errorf("persisted session=%q connected=%v", c.SessionID, c.Connected)
	}

	// once the new session is announced, nothing mentions the old one
	announced := false
	for _, ev := range f.pub.ofType(broadcast.EventStatus) {
		switch ev.data["sessionId"] {
		case secondID:
			announced = true
		case firstID:
			if announced {
				t.Errorf("event for superseded session after the new one: %v", ev.data)
			}
		}
	}
	if !announced {
		t.Error("new session was never announced")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(lost) != 1 {
		t.Errorf("session lost callbacks = %d, want 1", len(lost))
	}
}

func TestConcurrentOpenLeavesOneAdapter(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.registry.Open(context.Background(), f.campaign.ID, "owner-1"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if n := len(f.factory.Clients(f.campaign.ID)); n != 10 {
		t.Fatalf("created adapters = %d, want 10", n)
	}
	if n := f.factory.Live(f.campaign.ID); n != 1 {
		t.Errorf("live adapters = %d, want 1", n)
	}
}

func TestDisconnectedEvent(t *testing.T) {
	f := newFixture(t)
	_, client := f.connect(t)

	lost := make(chan string, 1)
	f.registry.OnSessionLost(func(campaignID, reason string) { lost <- reason })

	client.Disconnect("phone went offline")

	select {
	case reason := <-lost:
		if reason != "phone went offline" {
			t.Errorf("reason = %q", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session lost callback not invoked")
	}

	if f.registry.HasActive(f.campaign.ID) {
		t.Error("session should be removed after disconnect")
	}
	if !client.Closed() {
		t.Error("adapter should be released")
	}
	c, _ := f.campaigns.GetByID(f.campaign.ID)
	if c.Connected {
		t.Error("connected flag should be cleared")
	}

	// never reconnects on its own
	client.Ready()
	time.Sleep(20 * time.Millisecond)
	if f.registry.HasActive(f.campaign.ID) {
		t.Error("registry must not resurrect a disconnected session")
	}
}

func TestDisconnectBeforeReadyDoesNotReportLoss(t *testing.T) {
	f := newFixture(t)
	called := false
	f.registry.OnSessionLost(func(string, string) { called = true })

	if _, err := f.registry.Open(context.Background(), f.campaign.ID, "owner-1"); err != nil {
		t.Fatal(err)
	}
	f.factory.Last(f.campaign.ID).Disconnect("QR code expired")
	waitFor(t, "session removed", func() bool { return !f.registry.HasActive(f.campaign.ID) })

	if called {
		t.Error("loss callback is only for connected sessions")
	}
}

func TestConnectFailure(t *testing.T) {
	f := newFixture(t)
	f.factory.ConnectErr = errors.New("dial failed")

	if _, err := f.registry.Open(context.Background(), f.campaign.ID, "owner-1"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	waitFor(t, "session removed", func() bool { return !f.registry.HasActive(f.campaign.ID) })
}

func TestFactoryFailure(t *testing.T) {
	f := newFixture(t)
	f.factory.NewErr = errors.New("store unavailable")

	if _, err := f.registry.Open(context.Background(), f.campaign.ID, "owner-1"); err == nil {
		t.Fatal("Open() expected error")
	}
	if f.registry.HasActive(f.campaign.ID) {
		t.Error("no session should be registered")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newFixture(t)
	_, client := f.connect(t)

	f.registry.Close(f.campaign.ID)
	f.registry.Close(f.campaign.ID)
	f.registry.Close("unknown")

	if !client.Closed() {
		t.Error("adapter should be closed")
	}
	if f.registry.HasActive(f.campaign.ID) {
		t.Error("session should be gone")
	}
}

func TestSend(t *testing.T) {
	f := newFixture(t)

	_, err := f.registry.Send(context.Background(), f.campaign.ID, whatsapp.Message{Phone: "989121234567", Text: "hi"})
	if !errors.Is(err, models.ErrSessionLost) {
		t.Fatalf("Send() without session error = %v, want ErrSessionLost", err)
	}

	_, client := f.connect(t)
	res, err := f.registry.Send(context.Background(), f.campaign.ID, whatsapp.Message{Phone: "989121234567", Text: "hi"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if res.MessageID == "" {
		t.Error("expected message id")
	}
	if sent := client.Sent(); len(sent) != 1 || sent[0].Phone != "989121234567" {
		t.Errorf("Sent() = %+v", sent)
	}
}

func TestReceiptForwarded(t *testing.T) {
	f := newFixture(t)
	got := make(chan []string, 1)
	f.registry.OnReceipt(func(campaignID string, ids []string, at time.Time) { got <- ids })

	_, client := f.connect(t)
	client.Receipt("m1", "m2")

	select {
	case ids := <-got:
		if len(ids) != 2 || ids[0] != "m1" {
			t.Errorf("receipt ids = %v", ids)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receipt not forwarded")
	}
}

func TestShutdownRejectsOpen(t *testing.T) {
	f := newFixture(t)
	_, client := f.connect(t)

	f.registry.Shutdown()
	if !client.Closed() {
		t.Error("Shutdown() should close adapters")
	}
	if _, err := f.registry.Open(context.Background(), f.campaign.ID, "owner-1"); !errors.Is(err, ErrClosed) {
		t.Errorf("Open() after shutdown error = %v, want ErrClosed", err)
	}
}
