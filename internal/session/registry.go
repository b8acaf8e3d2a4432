// Package session owns the live messaging account connection of every
// campaign. At most one adapter exists per campaign; opening a new session
// supersedes the previous one.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/broadcast"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/metrics"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/models"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/whatsapp"
)

// State is the connection state of a session.
type State string

const (
	StateInitializing State = "INITIALIZING"
	StateQRPending    State = "QR_PENDING"
	StateConnected    State = "CONNECTED"
	StateDisconnected State = "DISCONNECTED"
)

const defaultQRTimeout = 60 * time.Second

// ErrClosed is returned once the registry has been shut down.
var ErrClosed = errors.New("session registry closed")

// CampaignStore persists the denormalized session fields of a campaign.
type CampaignStore interface {
	UpdateSession(id, sessionID string, connected bool, at time.Time) error
	SetConnected(id string, connected bool, at time.Time) error
	TouchActivity(id string, at time.Time) error
}

// Publisher emits realtime events.
type Publisher interface {
	Publish(campaignID string, eventType broadcast.EventType, data map[string]any)
}

// Info is a point-in-time view of a session.
type Info struct {
	CampaignID   string     `json:"campaignId"`
	SessionID    string     `json:"sessionId"`
	State        State      `json:"state"`
	OpenedAt     time.Time  `json:"openedAt"`
	LastActivity time.Time  `json:"lastActivity"`
	QRExpiresAt  *time.Time `json:"qrExpiresAt,omitempty"`
}

// Options tunes the registry.
type Options struct {
	QRSize            int
	SessionsPerMinute int
	SessionBurst      int
	InboxSize         int
}

type entry struct {
	campaignID   string
	ownerID      string
	sessionID    string
	client       whatsapp.Client
	state        State
	openedAt     time.Time
	lastActivity time.Time
	qrExpiresAt  time.Time
	cancel       context.CancelFunc
}

type inbound struct {
	campaignID string
	sessionID  string
	event      whatsapp.Event
}

// Registry maps campaign id to its live session. All mutation of the map
// happens under mu; adapter callbacks are funnelled through a single inbox
// goroutine.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	factory   whatsapp.Factory
	campaigns CampaignStore
	pub       Publisher
	limiter   *rate.Limiter
	qrSize    int
	logger    *slog.Logger
	now       func() time.Time

	onLost    func(campaignID, reason string)
	onReceipt func(campaignID string, messageIDs []string, at time.Time)

	inbox chan inbound
	stop  chan struct{}
	wg    sync.WaitGroup
}

// New creates a registry and starts its inbox.
func New(factory whatsapp.Factory, campaigns CampaignStore, pub Publisher, opts Options, logger *slog.Logger) *Registry {
	if opts.QRSize == 0 {
		opts.QRSize = 256
	}
	if opts.SessionsPerMinute == 0 {
		opts.SessionsPerMinute = 30
	}
	if opts.SessionBurst == 0 {
		opts.SessionBurst = 5
	}
	if opts.InboxSize == 0 {
		opts.InboxSize = 64
	}

	r := &Registry{
		entries:   make(map[string]*entry),
		factory:   factory,
		campaigns: campaigns,
		pub:       pub,
		limiter:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.SessionsPerMinute)), opts.SessionBurst),
		qrSize:    opts.QRSize,
		logger:    logger.With("component", "session"),
		now:       time.Now,
		inbox:     make(chan inbound, opts.InboxSize),
		stop:      make(chan struct{}),
	}

	r.wg.Add(1)
	go r.run()
	return r
}

// OnSessionLost registers the callback invoked after a CONNECTED session
// goes away. Must be set before the first Open.
func (r *Registry) OnSessionLost(fn func(campaignID, reason string)) {
	r.onLost = fn
}

// OnReceipt registers the callback for delivery receipts. Must be set
// before the first Open.
func (r *Registry) OnReceipt(fn func(campaignID string, messageIDs []string, at time.Time)) {
	r.onReceipt = fn
}

// Open creates a fresh session for the campaign, closing any existing one
// first, and starts pairing. The returned id is opaque.
func (r *Registry) Open(ctx context.Context, campaignID, ownerID string) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("session creation throttled: %w", err)
	}

	// The superseded session is torn down and announced before the new one
	// is registered, so no event about it follows the new session id.
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return "", ErrClosed
		}
		old := r.entries[campaignID]
		if old == nil {
			break
		}
		r.detachLocked(old)
		r.mu.Unlock()
		r.finish(old, "superseded by a new session")
	}

	now := r.now()
	sessionID := uuid.NewString()
	e := &entry{
		campaignID:   campaignID,
		ownerID:      ownerID,
		sessionID:    sessionID,
		state:        StateInitializing,
		openedAt:     now,
		lastActivity: now,
	}

	client, err := r.factory.NewClient(ctx, campaignID, func(ev whatsapp.Event) {
		r.post(inbound{campaignID: campaignID, sessionID: sessionID, event: ev})
	})
	if err != nil {
		r.mu.Unlock()
		return "", fmt.Errorf("failed to create messaging client: %w", err)
	}
	e.client = client

	if err := r.campaigns.UpdateSession(campaignID, sessionID, false, now); err != nil {
		r.mu.Unlock()
		client.Close()
		return "", err
	}

	connectCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	r.entries[campaignID] = e
	metrics.SetSessionsActive(len(r.entries))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := client.Connect(connectCtx); err != nil {
			r.post(inbound{campaignID: campaignID, sessionID: sessionID, event: whatsapp.Event{
				Kind:   whatsapp.EventDisconnected,
				Reason: err.Error(),
				At:     r.now(),
			}})
		}
	}()
	r.mu.Unlock()

	r.logger.Info("session opened", "campaign_id", campaignID, "session_id", sessionID)
	r.pub.Publish(campaignID, broadcast.EventStatus, map[string]any{
		"sessionId": sessionID,
		"state":     StateInitializing,
		"connected": false,
		"message":   "waiting for QR code",
	})
	return sessionID, nil
}

// Close tears down the campaign's session. No-op when none exists.
func (r *Registry) Close(campaignID string) {
	r.mu.Lock()
	e := r.entries[campaignID]
	if e == nil {
		r.mu.Unlock()
		return
	}
	r.detachLocked(e)
	r.mu.Unlock()

	r.finish(e, "session closed")
}

// detachLocked removes e from the map and persists connected=false. The
// adapter itself is released by finish, outside the lock.
func (r *Registry) detachLocked(e *entry) {
	delete(r.entries, e.campaignID)
	metrics.SetSessionsActive(len(r.entries))
	if e.cancel != nil {
		e.cancel()
	}
	if err := r.campaigns.SetConnected(e.campaignID, false, r.now()); err != nil {
		r.logger.Error("failed to persist disconnect", "campaign_id", e.campaignID, "error", err)
	}
}

// finish releases a detached entry and notifies observers.
func (r *Registry) finish(e *entry, reason string) {
	if e == nil {
		return
	}
	if e.client != nil {
		e.client.Close()
	}

	r.logger.Info("session closed", "campaign_id", e.campaignID, "session_id", e.sessionID, "reason", reason)
	r.pub.Publish(e.campaignID, broadcast.EventStatus, map[string]any{
		"sessionId": e.sessionID,
		"state":     StateDisconnected,
		"connected": false,
		"message":   reason,
	})
	if e.state == StateConnected && r.onLost != nil {
		r.onLost(e.campaignID, reason)
	}
}

// HasActive reports whether any session (pairing or connected) exists.
func (r *Registry) HasActive(campaignID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[campaignID] != nil
}

// IsConnected reports whether the campaign's session is CONNECTED.
func (r *Registry) IsConnected(campaignID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[campaignID]
	return e != nil && e.state == StateConnected
}

// SessionID returns the id of the campaign's session, if any.
func (r *Registry) SessionID(campaignID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.entries[campaignID]; e != nil {
		return e.sessionID, true
	}
	return "", false
}

// Info returns a snapshot of the campaign's session.
func (r *Registry) Info(campaignID string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[campaignID]
	if e == nil {
		return Info{}, false
	}
	info := Info{
		CampaignID:   e.campaignID,
		SessionID:    e.sessionID,
		State:        e.state,
		OpenedAt:     e.openedAt,
		LastActivity: e.lastActivity,
	}
	if !e.qrExpiresAt.IsZero() {
		t := e.qrExpiresAt
		info.QRExpiresAt = &t
	}
	return info, true
}

// Send delivers a message through the campaign's connected session. When
// there is none the error wraps models.ErrSessionLost.
func (r *Registry) Send(ctx context.Context, campaignID string, msg whatsapp.Message) (*whatsapp.SendResult, error) {
	r.mu.Lock()
	e := r.entries[campaignID]
	if e == nil || e.state != StateConnected {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: no connected session for campaign %s", models.ErrSessionLost, campaignID)
	}
	client := e.client
	r.mu.Unlock()

	res, err := client.Send(ctx, msg)
	if err != nil {
		return nil, err
	}

	now := r.now()
	r.mu.Lock()
	if cur := r.entries[campaignID]; cur == e {
		e.lastActivity = now
	}
	r.mu.Unlock()
	if err := r.campaigns.TouchActivity(campaignID, now); err != nil {
		r.logger.Warn("failed to persist activity", "campaign_id", campaignID, "error", err)
	}
	return res, nil
}

// Shutdown closes every session and stops the inbox. Observers are not
// notified.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	for _, e := range entries {
		r.detachLocked(e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.client.Close()
	}
	close(r.stop)
	r.wg.Wait()
	r.logger.Info("session registry stopped", "closed_sessions", len(entries))
}

func (r *Registry) post(in inbound) {
	select {
	case r.inbox <- in:
	case <-r.stop:
	}
}

func (r *Registry) run() {
	defer r.wg.Done()
	for {
		select {
		case in := <-r.inbox:
			r.handle(in)
		case <-r.stop:
			return
		}
	}
}

func (r *Registry) handle(in inbound) {
	ev := in.event
	metrics.IncSessionEvent(string(ev.Kind))

	r.mu.Lock()
	e := r.entries[in.campaignID]
	if e == nil || e.sessionID != in.sessionID {
		r.mu.Unlock()
		r.logger.Debug("dropping event for stale session",
			"campaign_id", in.campaignID,
			"session_id", in.sessionID,
			"event", ev.Kind,
		)
		return
	}

	now := r.now()
	e.lastActivity = now

	switch ev.Kind {
	case whatsapp.EventQRReady:
		timeout := ev.QRTimeout
		if timeout <= 0 {
			timeout = defaultQRTimeout
		}
		e.state = StateQRPending
		e.qrExpiresAt = now.Add(timeout)
		expires := e.qrExpiresAt
		r.mu.Unlock()

		r.publishQR(in, ev.QRCode, expires)

	case whatsapp.EventAuthenticated, whatsapp.EventReady:
		if e.state == StateConnected {
			r.mu.Unlock()
			return
		}
		e.state = StateConnected
		e.qrExpiresAt = time.Time{}
		if err := r.campaigns.UpdateSession(in.campaignID, in.sessionID, true, now); err != nil {
			r.logger.Error("failed to persist connection", "campaign_id", in.campaignID, "error", err)
		}
		r.mu.Unlock()

		r.logger.Info("session connected", "campaign_id", in.campaignID, "session_id", in.sessionID)
		r.pub.Publish(in.campaignID, broadcast.EventStatus, map[string]any{
			"sessionId": in.sessionID,
			"state":     StateConnected,
			"connected": true,
			"message":   "messaging account connected",
		})

	case whatsapp.EventDisconnected:
		r.detachLocked(e)
		r.mu.Unlock()

		reason := ev.Reason
		if reason == "" {
			reason = "disconnected"
		}
		r.finish(e, reason)

	case whatsapp.EventReceipt:
		r.mu.Unlock()
		if r.onReceipt != nil && len(ev.MessageIDs) > 0 {
			at := ev.At
			if at.IsZero() {
				at = now
			}
			r.onReceipt(in.campaignID, ev.MessageIDs, at)
		}

	default:
		r.mu.Unlock()
	}
}

func (r *Registry) publishQR(in inbound, code string, expires time.Time) {
	url, err := whatsapp.RenderQR(code, r.qrSize)
	if err != nil {
		r.logger.Error("failed to render QR code", "campaign_id", in.campaignID, "error", err)
		return
	}
	if err := r.campaigns.TouchActivity(in.campaignID, r.now()); err != nil {
		r.logger.Warn("failed to persist activity", "campaign_id", in.campaignID, "error", err)
	}
	r.pub.Publish(in.campaignID, broadcast.EventQRCode, map[string]any{
		"sessionId": in.sessionID,
		"qrCode":    url,
		"expiresAt": expires.UTC(),
	})
}
