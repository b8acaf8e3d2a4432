package models

import (
	"fmt"
	"strings"
	"time"
)

// CampaignStatus is the lifecycle status of a campaign
type CampaignStatus string

const (
	StatusDraft     CampaignStatus = "DRAFT"
	StatusReady     CampaignStatus = "READY"
	StatusRunning   CampaignStatus = "RUNNING"
	StatusPaused    CampaignStatus = "PAUSED"
	StatusCompleted CampaignStatus = "COMPLETED"
	StatusFailed    CampaignStatus = "FAILED"
)

// CampaignStatuses lists every valid status
var CampaignStatuses = []CampaignStatus{
	StatusDraft, StatusReady, StatusRunning, StatusPaused, StatusCompleted, StatusFailed,
}

// ParseCampaignStatus trims and upper-cases s and checks it against the known statuses
func ParseCampaignStatus(s string) (CampaignStatus, error) {
	clean := CampaignStatus(strings.ToUpper(strings.TrimSpace(s)))
	for _, st := range CampaignStatuses {
		if st == clean {
			return clean, nil
		}
	}
	return "", fmt.Errorf("%w: invalid campaign status %q", ErrValidation, s)
}

// Valid pacing intervals
const (
	Interval5s  = "5s"
	Interval10s = "10s"
	Interval20s = "20s"
)

// Intervals lists every accepted pacing interval
var Intervals = []string{Interval5s, Interval10s, Interval20s}

// ParseInterval validates a pacing interval and returns its duration
func ParseInterval(s string) (time.Duration, error) {
	for _, v := range Intervals {
		if v == s {
			return time.ParseDuration(s)
		}
	}
	return 0, fmt.Errorf("%w: invalid interval %q, must be one of: %s", ErrValidation, s, strings.Join(Intervals, ", "))
}

// Schedule types
const (
	ScheduleImmediate = "immediate"
	ScheduleScheduled = "scheduled"
)

// Campaign represents one bulk-message job
type Campaign struct {
	ID           string         `json:"id"`
	OwnerID      string         `json:"owner_id"`
	Title        string         `json:"title"`
	Message      string         `json:"message"`
	Interval     string         `json:"interval"`
	ScheduleType string         `json:"schedule_type"`
	ScheduledAt  *time.Time     `json:"scheduled_at,omitempty"`
	Timezone     string         `json:"timezone,omitempty"`
	Status       CampaignStatus `json:"status"`
	SessionID    string         `json:"session_id,omitempty"`
	Connected    bool           `json:"connected"`
	LastActivity *time.Time     `json:"last_activity,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`

	RecipientCount int `json:"recipient_count"` // joined field
}

// IntervalDuration returns the pacing interval, falling back to def when unset or invalid
func (c *Campaign) IntervalDuration(def time.Duration) time.Duration {
	if d, err := ParseInterval(c.Interval); err == nil {
		return d
	}
	return def
}

// CampaignListFilter for filtering campaigns
type CampaignListFilter struct {
	OwnerID string
	Status  CampaignStatus
	Limit   int
	Offset  int
}

// Attachment references a file stored by the upload layer
type Attachment struct {
	ID         string    `json:"id"`
	CampaignID string    `json:"campaign_id"`
	Path       string    `json:"-"`
	FileName   string    `json:"original_name"`
	MimeType   string    `json:"mimetype"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
}
