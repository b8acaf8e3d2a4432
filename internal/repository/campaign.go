package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/models"
)

type CampaignRepository struct {
	db *sql.DB
}

func NewCampaignRepository(db *sql.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

const campaignColumns = `c.id, c.owner_id, COALESCE(c.title, ''), c.message, c.send_interval, c.schedule_type,
	c.scheduled_at, COALESCE(c.timezone, ''), c.status, COALESCE(c.session_id, ''), c.connected,
	c.last_activity, c.started_at, c.completed_at, c.created_at, c.updated_at,
	COALESCE((SELECT COUNT(*) FROM recipients WHERE campaign_id = c.id), 0) as recipient_count`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(s rowScanner) (*models.Campaign, error) {
	c := &models.Campaign{}
	var scheduledAt, lastActivity, startedAt, completedAt sql.NullTime

	err := s.Scan(&c.ID, &c.OwnerID, &c.Title, &c.Message, &c.Interval, &c.ScheduleType,
		&scheduledAt, &c.Timezone, &c.Status, &c.SessionID, &c.Connected,
		&lastActivity, &startedAt, &completedAt, &c.CreatedAt, &c.UpdatedAt,
		&c.RecipientCount)
	if err != nil {
		return nil, err
	}

	if scheduledAt.Valid {
		c.ScheduledAt = &scheduledAt.Time
	}
	if lastActivity.Valid {
		c.LastActivity = &lastActivity.Time
	}
	if startedAt.Valid {
		c.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		c.CompletedAt = &completedAt.Time
	}
	return c, nil
}

// Create creates a new campaign in DRAFT status
func (r *CampaignRepository) Create(c *models.Campaign) error {
	c.ID = uuid.New().String()
	c.Status = models.StatusDraft
	if c.Interval == "" {
		c.Interval = models.Interval10s
	}
	if c.ScheduleType == "" {
		c.ScheduleType = models.ScheduleImmediate
	}
	c.CreatedAt = time.Now().UTC()
	c.UpdatedAt = c.CreatedAt

	_, err := r.db.Exec(`
		INSERT INTO campaigns (id, owner_id, title, message, send_interval, schedule_type, scheduled_at, timezone, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OwnerID, c.Title, c.Message, c.Interval, c.ScheduleType, utcPtr(c.ScheduledAt), c.Timezone, c.Status, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

// GetByID returns a campaign by ID, or nil when it does not exist
func (r *CampaignRepository) GetByID(id string) (*models.Campaign, error) {
	c, err := scanCampaign(r.db.QueryRow(`SELECT `+campaignColumns+` FROM campaigns c WHERE c.id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// List returns campaigns with optional filtering, newest first
func (r *CampaignRepository) List(filter models.CampaignListFilter) ([]models.Campaign, int, error) {
	where := " WHERE 1=1"
	args := []any{}

	if filter.OwnerID != "" {
		where += " AND c.owner_id = ?"
		args = append(args, filter.OwnerID)
	}
	if filter.Status != "" {
		where += " AND c.status = ?"
		args = append(args, filter.Status)
	}

	var total int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM campaigns c"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns c` + where + ` ORDER BY c.created_at DESC`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		if filter.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	campaigns, err := r.query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	return campaigns, total, nil
}

// ListByStatus returns every campaign in the given status
func (r *CampaignRepository) ListByStatus(status models.CampaignStatus) ([]models.Campaign, error) {
	return r.query(`SELECT `+campaignColumns+` FROM campaigns c WHERE c.status = ? ORDER BY c.created_at`, status)
}

// ListScheduledDue returns READY campaigns whose scheduled time has passed
func (r *CampaignRepository) ListScheduledDue(now time.Time) ([]models.Campaign, error) {
	return r.query(`SELECT `+campaignColumns+` FROM campaigns c
		WHERE c.status = ? AND c.schedule_type = ? AND c.scheduled_at IS NOT NULL AND c.scheduled_at <= ?
		ORDER BY c.scheduled_at`,
		models.StatusReady, models.ScheduleScheduled, now.UTC())
}

func (r *CampaignRepository) query(query string, args ...any) ([]models.Campaign, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := []models.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

// Update saves the editable fields of a campaign
func (r *CampaignRepository) Update(c *models.Campaign) error {
	c.UpdatedAt = time.Now().UTC()
	_, err := r.db.Exec(`
		UPDATE campaigns SET title = ?, message = ?, send_interval = ?, schedule_type = ?, scheduled_at = ?, timezone = ?, updated_at = ?
		WHERE id = ?`,
		c.Title, c.Message, c.Interval, c.ScheduleType, utcPtr(c.ScheduledAt), c.Timezone, c.UpdatedAt, c.ID,
	)
	return err
}

// UpdateStatus moves a campaign to status `to` only when its current status
// is one of `from`. It reports whether the transition happened. Entering
// RUNNING sets started_at once; entering COMPLETED or FAILED sets completed_at.
func (r *CampaignRepository) UpdateStatus(id string, to models.CampaignStatus, from ...models.CampaignStatus) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("no source status given for transition to %s", to)
	}

	now := time.Now().UTC()
	var startedAt, completedAt *time.Time

	switch to {
	case models.StatusRunning:
		startedAt = &now
	case models.StatusCompleted, models.StatusFailed:
		completedAt = &now
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{to, startedAt, completedAt, now, id}
	for _, f := range from {
		args = append(args, f)
	}

	res, err := r.db.Exec(`
		UPDATE campaigns SET status = ?, started_at = COALESCE(started_at, ?), completed_at = COALESCE(?, completed_at), updated_at = ?
		WHERE id = ? AND status IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update campaign status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetStatus unconditionally sets the status, used when editing a campaign
// outside the dispatch lifecycle (DRAFT <-> READY).
func (r *CampaignRepository) SetStatus(id string, status models.CampaignStatus) error {
	_, err := r.db.Exec("UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ?", status, time.Now().UTC(), id)
	return err
}

// UpdateSession records a new session id together with its connected flag
func (r *CampaignRepository) UpdateSession(id, sessionID string, connected bool, at time.Time) error {
	_, err := r.db.Exec(`
		UPDATE campaigns SET session_id = ?, connected = ?, last_activity = ?, updated_at = ?
		WHERE id = ?`,
		sessionID, connected, at.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update campaign session: %w", err)
	}
	return nil
}

// SetConnected updates the connected flag and last activity
func (r *CampaignRepository) SetConnected(id string, connected bool, at time.Time) error {
	_, err := r.db.Exec(`
		UPDATE campaigns SET connected = ?, last_activity = ?, updated_at = ?
		WHERE id = ?`,
		connected, at.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update campaign connection: %w", err)
	}
	return nil
}

// TouchActivity bumps the last activity timestamp
func (r *CampaignRepository) TouchActivity(id string, at time.Time) error {
	_, err := r.db.Exec("UPDATE campaigns SET last_activity = ? WHERE id = ?", at.UTC(), id)
	return err
}

// MarkInterrupted demotes a RUNNING campaign to PAUSED and clears its
// connected flag. It reports whether the campaign was RUNNING.
func (r *CampaignRepository) MarkInterrupted(id string) (bool, error) {
	res, err := r.db.Exec(`
		UPDATE campaigns SET status = ?, connected = 0, updated_at = ?
		WHERE id = ? AND status = ?`,
		models.StatusPaused, time.Now().UTC(), id, models.StatusRunning,
	)
	if err != nil {
		return false, fmt.Errorf("failed to pause campaign: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClearConnected resets every connected flag. Used at boot, when no
// session can still be live.
func (r *CampaignRepository) ClearConnected() (int64, error) {
	res, err := r.db.Exec("UPDATE campaigns SET connected = 0, updated_at = ? WHERE connected = 1", time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clear connected flags: %w", err)
	}
	return res.RowsAffected()
}

// Delete deletes a campaign; recipients and attachments cascade
func (r *CampaignRepository) Delete(id string) error {
	_, err := r.db.Exec("DELETE FROM campaigns WHERE id = ?", id)
	return err
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
