// Package broadcast fans campaign events out to realtime subscribers.
//
// Delivery is best effort: there is no persistence or replay, and a
// subscriber whose buffer is full misses the event. Late subscribers pull
// current state through the API instead.
package broadcast

import (
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/metrics"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/models"
)

// EventType names a realtime frame.
type EventType string

const (
	EventQRCode     EventType = "qr_code"
	EventStatus     EventType = "status_update"
	EventProgress   EventType = "progress_update"
	EventError      EventType = "error_update"
	EventCompletion EventType = "completion_update"
)

// Event is the frame written to subscribers.
type Event struct {
	Type       EventType      `json:"type"`
	CampaignID string         `json:"campaignId"`
	Data       map[string]any `json:"data"`
}

// CampaignLookup resolves campaign ownership.
type CampaignLookup interface {
	GetByID(id string) (*models.Campaign, error)
}

// Hub keeps one channel set per campaign.
type Hub struct {
	mu        sync.RWMutex
	subs      map[string]map[*Subscription]struct{}
	campaigns CampaignLookup
	buffer    int
	logger    *slog.Logger
	now       func() time.Time
}

// Subscription receives events for a single campaign until Close.
type Subscription struct {
	C          <-chan Event
	ch         chan Event
	campaignID string
	hub        *Hub
	once       sync.Once
}

// New creates a hub. buffer is the per-subscriber channel capacity.
func New(campaigns CampaignLookup, buffer int, logger *slog.Logger) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub{
		subs:      make(map[string]map[*Subscription]struct{}),
		campaigns: campaigns,
		buffer:    buffer,
		logger:    logger.With("component", "broadcast"),
		now:       time.Now,
	}
}

// Subscribe admits ownerID to the campaign's channel after checking that
// the campaign exists and belongs to them.
func (h *Hub) Subscribe(campaignID, ownerID string) (*Subscription, error) {
	c, err := h.campaigns.GetByID(campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign: %w", err)
	}
	if c == nil {
		return nil, fmt.Errorf("%w: campaign %s", models.ErrNotFound, campaignID)
	}
	if c.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: campaign %s", models.ErrForbidden, campaignID)
	}

	ch := make(chan Event, h.buffer)
	sub := &Subscription{C: ch, ch: ch, campaignID: campaignID, hub: h}

	h.mu.Lock()
	set, ok := h.subs[campaignID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[campaignID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	metrics.AddSubscribers(1)
	h.logger.Debug("subscriber joined", "campaign_id", campaignID)
	return sub, nil
}

// Close detaches the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subs[s.campaignID]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.campaignID)
	}
	close(s.ch)
	metrics.AddSubscribers(-1)
}

// Publish delivers an event to the campaign's current subscribers without
// blocking. A timestamp is added to the payload.
func (h *Hub) Publish(campaignID string, eventType EventType, data map[string]any) {
	payload := make(map[string]any, len(data)+1)
	maps.Copy(payload, data)
	payload["timestamp"] = h.now().UTC()

	ev := Event{Type: eventType, CampaignID: campaignID, Data: payload}
	metrics.IncBroadcast(string(eventType))

	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[campaignID] {
		select {
		case sub.ch <- ev:
		default:
			metrics.IncBroadcastDropped(string(eventType))
			h.logger.Debug("subscriber buffer full, event dropped",
				"campaign_id", campaignID,
				"type", eventType,
			)
		}
	}
}

// Subscribers returns the number of live subscriptions for a campaign.
func (h *Hub) Subscribers(campaignID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[campaignID])
}

// Close drops every subscription, closing their channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, set := range h.subs {
		for sub := range set {
			close(sub.ch)
			metrics.AddSubscribers(-1)
		}
		delete(h.subs, id)
	}
}
