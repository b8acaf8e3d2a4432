// Package whatsapptest provides an in-memory whatsapp.Factory for tests.
package whatsapptest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/whatsapp"
)

// ErrClosed is returned by Send on a closed client.
var ErrClosed = errors.New("fake client closed")

// SendFunc scripts the outcome of a send.
type SendFunc func(ctx context.Context, campaignID string, msg whatsapp.Message) (*whatsapp.SendResult, error)

// FakeFactory records every client it creates.
type FakeFactory struct {
	mu      sync.Mutex
	clients map[string][]*FakeClient
	purged  []string
	seq     int

	// Optional knobs, read at call time.
	NewErr     error
	ConnectErr error
	Send       SendFunc
}

// NewFakeFactory creates an empty factory.
func NewFakeFactory() *FakeFactory {
	return &FakeFactory{clients: make(map[string][]*FakeClient)}
}

// NewClient implements whatsapp.Factory.
func (f *FakeFactory) NewClient(ctx context.Context, campaignID string, handler whatsapp.EventHandler) (whatsapp.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.NewErr != nil {
		return nil, f.NewErr
	}
	c := &FakeClient{CampaignID: campaignID, factory: f, handler: handler}
	f.clients[campaignID] = append(f.clients[campaignID], c)
	return c, nil
}

// SetSend replaces the send script.
func (f *FakeFactory) SetSend(fn SendFunc) {
	f.mu.Lock()
	f.Send = fn
	f.mu.Unlock()
}

// Clients returns every client created for a campaign, oldest first.
func (f *FakeFactory) Clients(campaignID string) []*FakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*FakeClient, len(f.clients[campaignID]))
	copy(out, f.clients[campaignID])
	return out
}

// Last returns the newest client for a campaign, or nil.
func (f *FakeFactory) Last(campaignID string) *FakeClient {
	cs := f.Clients(campaignID)
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

// Live counts clients for a campaign that have not been closed.
func (f *FakeFactory) Live(campaignID string) int {
	n := 0
	for _, c := range f.Clients(campaignID) {
		if !c.Closed() {
			n++
		}
	}
	return n
}

// Purge records a purge request.
func (f *FakeFactory) Purge(ctx context.Context, campaignID string) error {
	f.mu.Lock()
	f.purged = append(f.purged, campaignID)
	f.mu.Unlock()
	return nil
}

// PurgeAll records a global purge.
func (f *FakeFactory) PurgeAll(ctx context.Context) (int, error) {
	return 0, f.Purge(ctx, "*")
}

// Purged returns the purge requests seen so far.
func (f *FakeFactory) Purged() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.purged...)
}

func (f *FakeFactory) nextID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return fmt.Sprintf("msg-%d", f.seq)
}

func (f *FakeFactory) script() (SendFunc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Send, f.ConnectErr
}

// FakeClient is a scripted whatsapp.Client.
type FakeClient struct {
	CampaignID string

	factory *FakeFactory
	handler whatsapp.EventHandler

	mu        sync.Mutex
	connected bool
	closed    bool
	sent      []whatsapp.Message
}

// Connect implements whatsapp.Client.
func (c *FakeClient) Connect(ctx context.Context) error {
	_, err := c.factory.script()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

// Send implements whatsapp.Client.
func (c *FakeClient) Send(ctx context.Context, msg whatsapp.Message) (*whatsapp.SendResult, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	fn, _ := c.factory.script()
	var (
		res *whatsapp.SendResult
		err error
	)
	if fn != nil {
		res, err = fn(ctx, c.CampaignID, msg)
	} else {
		res = &whatsapp.SendResult{MessageID: c.factory.nextID(), Timestamp: time.Now()}
	}
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.sent = append(c.sent, msg)
	c.mu.Unlock()
	return res, nil
}

// Close implements whatsapp.Client.
func (c *FakeClient) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Closed reports whether Close was called.
func (c *FakeClient) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Connected reports whether Connect succeeded.
func (c *FakeClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Sent returns the messages delivered so far.
func (c *FakeClient) Sent() []whatsapp.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]whatsapp.Message(nil), c.sent...)
}

// Emit delivers an event to the registered handler, even after Close, so
// tests can simulate late callbacks.
func (c *FakeClient) Emit(ev whatsapp.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	c.handler(ev)
}

// QR emits a qr-ready event.
func (c *FakeClient) QR(code string) {
	c.Emit(whatsapp.Event{Kind: whatsapp.EventQRReady, QRCode: code, QRTimeout: time.Minute})
}

// Ready emits a ready event.
func (c *FakeClient) Ready() {
	c.Emit(whatsapp.Event{Kind: whatsapp.EventReady})
}

// Disconnect emits a disconnected event.
func (c *FakeClient) Disconnect(reason string) {
	c.Emit(whatsapp.Event{Kind: whatsapp.EventDisconnected, Reason: reason})
}

// Receipt emits a delivery receipt.
func (c *FakeClient) Receipt(ids ...string) {
	c.Emit(whatsapp.Event{Kind: whatsapp.EventReceipt, MessageIDs: ids})
}
