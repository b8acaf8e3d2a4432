// Package campaign implements the campaign lifecycle used by the HTTP API:
// the wizard steps from draft to report, with ownership checked on every
// call.
package campaign

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/metrics"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/models"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/progress"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/repository"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/session"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Sessions is the Session Registry surface used by the service.
type Sessions interface {
	Open(ctx context.Context, campaignID, ownerID string) (string, error)
	Close(campaignID string)
	Info(campaignID string) (session.Info, bool)
}

// Dispatch is the Dispatch Loop surface used by the service.
type Dispatch interface {
	Start(campaignID, ownerID string) error
	Pause(campaignID, ownerID string) error
	Resume(campaignID, ownerID string) error
}

// Quota limits QR requests per owner. Take returns an error wrapping
// ratelimit.ErrQuotaExceeded when the owner is over quota.
type Quota interface {
	Take(ctx context.Context, ownerID string) error
}

// Service is the campaign lifecycle service
type Service struct {
	campaigns   *repository.CampaignRepository
	recipients  *repository.RecipientRepository
	attachments *repository.AttachmentRepository
	tracker     *progress.Tracker
	sessions    Sessions
	dispatch    Dispatch
	quota       Quota
	logger      *slog.Logger
	now         func() time.Time
}

// NewService creates a campaign service. quota may be nil.
func NewService(
	campaigns *repository.CampaignRepository,
	recipients *repository.RecipientRepository,
	attachments *repository.AttachmentRepository,
	tracker *progress.Tracker,
	sessions Sessions,
	dispatch Dispatch,
	quota Quota,
	logger *slog.Logger,
) *Service {
	return &Service{
		campaigns:   campaigns,
		recipients:  recipients,
		attachments: attachments,
		tracker:     tracker,
		sessions:    sessions,
		dispatch:    dispatch,
		quota:       quota,
		logger:      logger.With("component", "campaign"),
		now:         time.Now,
	}
}

// owned loads a campaign and checks that ownerID owns it
func (s *Service) owned(id, ownerID string) (*models.Campaign, error) {
	c, err := s.campaigns.GetByID(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign: %w", err)
	}
	if c == nil {
		return nil, fmt.Errorf("%w: campaign %s", models.ErrNotFound, id)
	}
	if c.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: campaign %s", models.ErrForbidden, id)
	}
	return c, nil
}

// editable loads an owned campaign that is not RUNNING
func (s *Service) editable(id, ownerID, what string) (*models.Campaign, error) {
	c, err := s.owned(id, ownerID)
	if err != nil {
		return nil, err
	}
	if c.Status == models.StatusRunning {
		return nil, fmt.Errorf("%w: cannot change %s while the campaign is running, pause it first", models.ErrConflict, what)
	}
	return c, nil
}

// Create creates a DRAFT campaign
func (s *Service) Create(ownerID, title, message string) (*models.Campaign, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, fmt.Errorf("%w: message is required", models.ErrValidation)
	}

	c := &models.Campaign{
		OwnerID: ownerID,
		Title:   strings.TrimSpace(title),
		Message: message,
	}
	if err := s.campaigns.Create(c); err != nil {
		return nil, err
	}

	s.logger.Info("campaign created", "campaign_id", c.ID, "owner_id", ownerID)
	return c, nil
}

// ListFilter selects campaigns for List
type ListFilter struct {
	Status string
	Limit  int
	Offset int
}

// List returns the owner's campaigns, newest first, and the total count
func (s *Service) List(ownerID string, f ListFilter) ([]models.Campaign, int, error) {
	filter := models.CampaignListFilter{OwnerID: ownerID, Limit: f.Limit, Offset: f.Offset}

	if strings.TrimSpace(f.Status) != "" {
		st, err := models.ParseCampaignStatus(f.Status)
		if err != nil {
			return nil, 0, err
		}
		filter.Status = st
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	return s.campaigns.List(filter)
}

// Detail is a campaign with its attachments and live session
type Detail struct {
	*models.Campaign
	Attachments []models.Attachment `json:"attachments"`
	Session     *session.Info       `json:"session,omitempty"`
}

// Get returns one campaign
func (s *Service) Get(id, ownerID string) (*Detail, error) {
	c, err := s.owned(id, ownerID)
	if err != nil {
		return nil, err
	}

	attachments, err := s.attachments.ListByCampaign(id)
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}

	d := &Detail{Campaign: c, Attachments: attachments}
	if info, ok := s.sessions.Info(id); ok {
		d.Session = &info
	}
	return d, nil
}

// Recipients lists a campaign's recipients, optionally by status
func (s *Service) Recipients(id, ownerID, status string, limit, offset int) ([]models.Recipient, error) {
	if _, err := s.owned(id, ownerID); err != nil {
		return nil, err
	}

	var st models.RecipientStatus
	if status = strings.ToUpper(strings.TrimSpace(status)); status != "" {
		switch models.RecipientStatus(status) {
		case models.RecipientPending, models.RecipientSent, models.RecipientDelivered, models.RecipientFailed:
			st = models.RecipientStatus(status)
		default:
			return nil, fmt.Errorf("%w: invalid recipient status %q", models.ErrValidation, status)
		}
	}
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	return s.recipients.List(id, st, limit, offset)
}

// SetRecipients replaces the recipient list with the valid rows and marks
// the campaign READY. Rows without a usable phone are skipped and reported.
func (s *Service) SetRecipients(id, ownerID string, rows []models.RecipientInput) (*models.RecipientImportResult, error) {
	c, err := s.editable(id, ownerID, "recipients")
	if err != nil {
		return nil, err
	}

	result := &models.RecipientImportResult{Total: len(rows)}
	valid := make([]models.Recipient, 0, len(rows))
	seen := make(map[string]bool, len(rows))

	for i, row := range rows {
		line := i + 2 // header is row 1
		phone := NormalizePhone(row.Phone)
		switch {
		case phone == "":
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("row %d: phone number is missing", line))
			continue
		case len(phone) < models.MinPhoneDigits:
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("row %d: invalid phone number %q", line, row.Phone))
			continue
		case seen[phone]:
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("row %d: duplicate phone number %s", line, phone))
			continue
		}
		seen[phone] = true
		valid = append(valid, models.Recipient{Phone: phone, Name: strings.TrimSpace(row.Name)})
	}

	if len(valid) == 0 {
		return result, fmt.Errorf("%w: no valid recipients found", models.ErrValidation)
	}

	if err := s.recipients.ReplaceAll(id, valid); err != nil {
		return nil, err
	}
	result.Imported = len(valid)

	if c.Status != models.StatusReady {
		if _, err := s.campaigns.UpdateStatus(id, models.StatusReady,
			models.StatusDraft, models.StatusPaused, models.StatusCompleted, models.StatusFailed); err != nil {
			return nil, err
		}
	}

	s.logger.Info("recipients imported", "campaign_id", id, "imported", result.Imported, "skipped", result.Skipped)
	return result, nil
}

// NormalizePhone strips everything but digits
func NormalizePhone(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// AttachmentRef points to a file already stored by the upload layer
type AttachmentRef struct {
	Path     string `json:"path"`
	FileName string `json:"filename"`
	MimeType string `json:"mimetype"`
	Size     int64  `json:"size"`
}

// SetAttachment replaces the campaign's attachment
func (s *Service) SetAttachment(id, ownerID string, ref AttachmentRef) (*models.Attachment, error) {
	if _, err := s.editable(id, ownerID, "the attachment"); err != nil {
		return nil, err
	}
	if strings.TrimSpace(ref.Path) == "" || strings.TrimSpace(ref.FileName) == "" {
		return nil, fmt.Errorf("%w: attachment path and filename are required", models.ErrValidation)
	}
	if ref.Size < 0 {
		return nil, fmt.Errorf("%w: attachment size must not be negative", models.ErrValidation)
	}

	if err := s.removeAttachments(id); err != nil {
		return nil, err
	}

	a := &models.Attachment{
		CampaignID: id,
		Path:       ref.Path,
		FileName:   ref.FileName,
		MimeType:   ref.MimeType,
		Size:       ref.Size,
	}
	if err := s.attachments.Create(a); err != nil {
		return nil, err
	}

	s.logger.Info("attachment set", "campaign_id", id, "file", a.FileName, "size", a.Size)
	return a, nil
}

// RemoveAttachment removes the campaign's attachment
func (s *Service) RemoveAttachment(id, ownerID string) error {
	if _, err := s.editable(id, ownerID, "the attachment"); err != nil {
		return err
	}

	existing, err := s.attachments.ListByCampaign(id)
	if err != nil {
		return fmt.Errorf("failed to list attachments: %w", err)
	}
	if len(existing) == 0 {
		return fmt.Errorf("%w: campaign has no attachment", models.ErrNotFound)
	}
	return s.removeAttachments(id)
}

func (s *Service) removeAttachments(id string) error {
	existing, err := s.attachments.ListByCampaign(id)
	if err != nil {
		return fmt.Errorf("failed to list attachments: %w", err)
	}
	for _, a := range existing {
		if _, err := s.attachments.Delete(a.ID, id); err != nil {
			return fmt.Errorf("failed to delete attachment: %w", err)
		}
	}
	return nil
}

// SetInterval sets the pacing interval (5s, 10s or 20s)
func (s *Service) SetInterval(id, ownerID, interval string) (*models.Campaign, error) {
	interval = strings.TrimSpace(interval)
	if _, err := models.ParseInterval(interval); err != nil {
		return nil, err
	}

	c, err := s.editable(id, ownerID, "the interval")
	if err != nil {
		return nil, err
	}

	c.Interval = interval
	if err := s.campaigns.Update(c); err != nil {
		return nil, fmt.Errorf("failed to update campaign: %w", err)
	}
	return c, nil
}

// Schedule is the requested start policy
type Schedule struct {
	Type     string     `json:"type"`
	At       *time.Time `json:"scheduledAt,omitempty"`
	Timezone string     `json:"timezone,omitempty"`
}

// SetSchedule sets an immediate or scheduled start
func (s *Service) SetSchedule(id, ownerID string, sched Schedule) (*models.Campaign, error) {
	c, err := s.editable(id, ownerID, "the schedule")
	if err != nil {
		return nil, err
	}

	switch sched.Type {
	case models.ScheduleImmediate, "":
		c.ScheduleType = models.ScheduleImmediate
		c.ScheduledAt = nil
		c.Timezone = ""
	case models.ScheduleScheduled:
		if sched.At == nil {
			return nil, fmt.Errorf("%w: scheduled time is required", models.ErrValidation)
		}
		loc, err := time.LoadLocation(sched.Timezone)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid timezone %q", models.ErrValidation, sched.Timezone)
		}
		if !sched.At.After(s.now()) {
			return nil, fmt.Errorf("%w: scheduled time must be in the future", models.ErrValidation)
		}
		at := sched.At.In(loc)
		c.ScheduleType = models.ScheduleScheduled
		c.ScheduledAt = &at
		c.Timezone = loc.String()
	default:
		return nil, fmt.Errorf("%w: invalid schedule type %q, must be %s or %s",
			models.ErrValidation, sched.Type, models.ScheduleImmediate, models.ScheduleScheduled)
	}

	if err := s.campaigns.Update(c); err != nil {
		return nil, fmt.Errorf("failed to update campaign: %w", err)
	}
	return c, nil
}

// RequestQR opens a new messaging session for the campaign, superseding
// any existing one, and returns its id. The QR code itself arrives on the
// realtime channel.
func (s *Service) RequestQR(ctx context.Context, id, ownerID string) (string, error) {
	c, err := s.owned(id, ownerID)
	if err != nil {
		return "", err
	}
	if c.Status == models.StatusRunning {
		return "", fmt.Errorf("%w: campaign is running, pause it before reconnecting", models.ErrConflict)
	}

	if s.quota != nil {
		if err := s.quota.Take(ctx, ownerID); err != nil {
			metrics.IncQRQuotaExceeded()
			s.logger.Warn("qr request rejected", "campaign_id", id, "owner_id", ownerID, "error", err)
			return "", err
		}
	}

	sessionID, err := s.sessions.Open(ctx, id, ownerID)
	if err != nil {
		return "", fmt.Errorf("failed to open session: %w", err)
	}
	return sessionID, nil
}

// Connection is the messaging-session view of a campaign
type Connection struct {
	CampaignID   string        `json:"campaignId"`
	Connected    bool          `json:"connected"`
	SessionID    string        `json:"sessionId,omitempty"`
	State        session.State `json:"state"`
	LastActivity *time.Time    `json:"lastActivity,omitempty"`
	QRExpiresAt  *time.Time    `json:"qrExpiresAt,omitempty"`
}

// Connection reports the campaign's session state
func (s *Service) Connection(id, ownerID string) (*Connection, error) {
	c, err := s.owned(id, ownerID)
	if err != nil {
		return nil, err
	}

	conn := &Connection{
		CampaignID:   id,
		State:        session.StateDisconnected,
		LastActivity: c.LastActivity,
	}
	if info, ok := s.sessions.Info(id); ok {
		conn.SessionID = info.SessionID
		conn.State = info.State
		conn.Connected = info.State == session.StateConnected
		conn.QRExpiresAt = info.QRExpiresAt
		if !info.LastActivity.IsZero() {
			t := info.LastActivity
			conn.LastActivity = &t
		}
	}
	return conn, nil
}

// Disconnect closes the campaign's session. Pausing is left to the caller.
func (s *Service) Disconnect(id, ownerID string) error {
	c, err := s.owned(id, ownerID)
	if err != nil {
		return err
	}
	if c.Status == models.StatusRunning {
		return fmt.Errorf("%w: campaign is running, pause it before disconnecting", models.ErrConflict)
	}
	s.sessions.Close(id)
	return nil
}

// Start begins dispatch
func (s *Service) Start(id, ownerID string) error {
	return s.dispatch.Start(id, ownerID)
}

// Pause pauses a RUNNING campaign
func (s *Service) Pause(id, ownerID string) error {
	return s.dispatch.Pause(id, ownerID)
}

// Resume continues a PAUSED campaign
func (s *Service) Resume(id, ownerID string) error {
	return s.dispatch.Resume(id, ownerID)
}

// Progress is the live progress view
type Progress struct {
	CampaignID  string                `json:"campaignId"`
	Status      models.CampaignStatus `json:"status"`
	Stats       models.Stats          `json:"progress"`
	StartedAt   *time.Time            `json:"startedAt,omitempty"`
	CompletedAt *time.Time            `json:"completedAt,omitempty"`
}

// Progress returns the current status and stats
func (s *Service) Progress(id, ownerID string) (*Progress, error) {
	c, err := s.owned(id, ownerID)
	if err != nil {
		return nil, err
	}
	stats, err := s.tracker.Snapshot(id)
	if err != nil {
		return nil, err
	}
	return &Progress{
		CampaignID:  id,
		Status:      c.Status,
		Stats:       stats,
		StartedAt:   c.StartedAt,
		CompletedAt: c.CompletedAt,
	}, nil
}

// Report returns the outcome report of a campaign that has started
func (s *Service) Report(id, ownerID string) (*models.Report, error) {
	c, err := s.owned(id, ownerID)
	if err != nil {
		return nil, err
	}
	switch c.Status {
	case models.StatusRunning, models.StatusPaused, models.StatusCompleted:
	default:
		return nil, fmt.Errorf("%w: campaign is %s, a report is available once it has started", models.ErrPrecondition, c.Status)
	}
	return s.tracker.Report(c)
}

// Delete removes a campaign with its recipients and attachments. RUNNING
// campaigns must be paused first.
func (s *Service) Delete(id, ownerID string) error {
	c, err := s.owned(id, ownerID)
	if err != nil {
		return err
	}
	if c.Status == models.StatusRunning {
		return fmt.Errorf("%w: cannot delete a running campaign, pause it first", models.ErrConflict)
	}

	s.sessions.Close(id)
	if err := s.campaigns.Delete(id); err != nil {
		return fmt.Errorf("failed to delete campaign: %w", err)
	}

	s.logger.Info("campaign deleted", "campaign_id", id, "owner_id", ownerID)
	return nil
}
