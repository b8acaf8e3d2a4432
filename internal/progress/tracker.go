// Package progress derives campaign progress from recipient rows and
// records per-recipient send outcomes.
package progress

import (
	"fmt"
	"math"
	"time"

	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/models"
)

// RecipientStore is the recipient persistence used by the tracker
type RecipientStore interface {
	CountByStatus(campaignID string) (map[models.RecipientStatus]int, error)
	List(campaignID string, status models.RecipientStatus, limit, offset int) ([]models.Recipient, error)
	UpdateOutcome(id string, outcome models.Outcome) (bool, error)
	MarkDelivered(campaignID string, messageIDs []string, at time.Time) (int, error)
}

// Tracker records outcomes and computes snapshots and reports
type Tracker struct {
	recipients RecipientStore
	now        func() time.Time
}

// New creates a tracker over the given recipient store
func New(recipients RecipientStore) *Tracker {
	return &Tracker{recipients: recipients, now: time.Now}
}

// Stats computes the progress snapshot of a recipient set
func Stats(recipients []models.Recipient) models.Stats {
	counts := make(map[models.RecipientStatus]int, 4)
	for _, r := range recipients {
		counts[r.Status]++
	}
	return FromCounts(counts)
}

// FromCounts computes the progress snapshot from per-status counts. Every
// other view of progress goes through here.
func FromCounts(counts map[models.RecipientStatus]int) models.Stats {
	s := models.Stats{
		Delivered: counts[models.RecipientDelivered],
		Failed:    counts[models.RecipientFailed],
		Pending:   counts[models.RecipientPending],
	}
	s.Sent = counts[models.RecipientSent] + s.Delivered
	s.Total = s.Sent + s.Failed + s.Pending
	if s.Total > 0 {
		s.DeliveryRate = int(math.Round(float64(s.Sent) / float64(s.Total) * 100))
	}
	return s
}

// Snapshot recomputes the current stats of a campaign
func (t *Tracker) Snapshot(campaignID string) (models.Stats, error) {
	counts, err := t.recipients.CountByStatus(campaignID)
	if err != nil {
		return models.Stats{}, fmt.Errorf("failed to count recipients: %w", err)
	}
	return FromCounts(counts), nil
}

// RecordOutcome persists the result of one send attempt. Recording a second
// outcome for the same recipient is ignored and reported as false.
func (t *Tracker) RecordOutcome(recipientID string, outcome models.Outcome) (bool, error) {
	if outcome.At.IsZero() {
		outcome.At = t.now()
	}
	switch outcome.Status {
	case models.RecipientSent, models.RecipientDelivered, models.RecipientFailed:
	default:
		return false, fmt.Errorf("%w: outcome status %q", models.ErrValidation, outcome.Status)
	}
	return t.recipients.UpdateOutcome(recipientID, outcome)
}

// MarkDelivered promotes SENT recipients confirmed by the messaging platform
func (t *Tracker) MarkDelivered(campaignID string, messageIDs []string, at time.Time) (int, error) {
	if at.IsZero() {
		at = t.now()
	}
	return t.recipients.MarkDelivered(campaignID, messageIDs, at)
}

// Report builds the outcome report of a campaign
func (t *Tracker) Report(c *models.Campaign) (*models.Report, error) {
	stats, err := t.Snapshot(c.ID)
	if err != nil {
		return nil, err
	}

	failed, err := t.recipients.List(c.ID, models.RecipientFailed, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed recipients: %w", err)
	}

	report := &models.Report{
		CampaignID:  c.ID,
		Title:       c.Title,
		Status:      c.Status,
		Stats:       stats,
		StartedAt:   c.StartedAt,
		CompletedAt: c.CompletedAt,
		Errors:      make([]models.FailedRecipient, 0, len(failed)),
		IsCompleted: c.Status == models.StatusCompleted,
	}
	for _, r := range failed {
		report.Errors = append(report.Errors, models.FailedRecipient{Phone: r.Phone, Name: r.Name, Error: r.Error})
	}

	report.Duration = Duration(c.StartedAt, c.CompletedAt, t.now())
	report.DurationSec = int64(report.Duration / time.Second)
	return report, nil
}

// Duration is completedAt-startedAt, or now-startedAt while still open
func Duration(startedAt, completedAt *time.Time, now time.Time) time.Duration {
	if startedAt == nil {
		return 0
	}
	end := now
	if completedAt != nil {
		end = *completedAt
	}
	if end.Before(*startedAt) {
		return 0
	}
	return end.Sub(*startedAt)
}
