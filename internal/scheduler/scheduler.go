// Package scheduler starts READY campaigns whose scheduled time has come.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/models"
)

// Campaigns lists campaigns that are due to start.
type Campaigns interface {
	ListScheduledDue(now time.Time) ([]models.Campaign, error)
}

// Starter starts dispatch for a campaign without an ownership check.
type Starter interface {
	StartScheduled(c *models.Campaign) error
}

// Sessions reports whether a campaign has a connected messaging session.
type Sessions interface {
	IsConnected(campaignID string) bool
}

// Config holds scheduler configuration
type Config struct {
	PollInterval time.Duration
}

// DefaultConfig returns default scheduler configuration
func DefaultConfig() Config {
	return Config{PollInterval: 30 * time.Second}
}

// Scheduler polls for due scheduled campaigns
type Scheduler struct {
	campaigns Campaigns
	starter   Starter
	sessions  Sessions
	logger    *slog.Logger

	pollInterval time.Duration
	now          func() time.Time
}

// New creates a new scheduler
func New(campaigns Campaigns, starter Starter, sessions Sessions, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Scheduler{
		campaigns:    campaigns,
		starter:      starter,
		sessions:     sessions,
		logger:       logger.With("component", "scheduler"),
		pollInterval: cfg.PollInterval,
		now:          time.Now,
	}
}

// Run polls until ctx is cancelled. It always returns nil.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "poll_interval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick starts every due campaign that has a connected session and
// returns how many were started.
func (s *Scheduler) tick(ctx context.Context) int {
	due, err := s.campaigns.ListScheduledDue(s.now())
	if err != nil {
		s.logger.Error("failed to get scheduled campaigns", "error", err)
		return 0
	}

	started := 0
	for i := range due {
		select {
		case <-ctx.Done():
			return started
		default:
		}

		c := &due[i]
		if !s.sessions.IsConnected(c.ID) {
			s.logger.Warn("scheduled campaign is due but has no connected session, will retry",
				"campaign_id", c.ID, "scheduled_at", c.ScheduledAt)
			continue
		}

		if err := s.starter.StartScheduled(c); err != nil {
			// Lost a race with an API call that already moved the campaign.
			if errors.Is(err, models.ErrConflict) || errors.Is(err, models.ErrPrecondition) {
				s.logger.Info("scheduled campaign not started", "campaign_id", c.ID, "reason", err)
				continue
			}
			s.logger.Error("failed to start scheduled campaign", "campaign_id", c.ID, "error", err)
			continue
		}

		started++
		s.logger.Info("scheduled campaign started", "campaign_id", c.ID, "scheduled_at", c.ScheduledAt)
	}
	return started
}
