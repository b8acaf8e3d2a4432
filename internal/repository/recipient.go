package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/models"
)

type RecipientRepository struct {
	db *sql.DB
}

func NewRecipientRepository(db *sql.DB) *RecipientRepository {
	return &RecipientRepository{db: db}
}

const recipientColumns = `id, campaign_id, seq, phone, COALESCE(name, ''), status, COALESCE(message_id, ''),
	COALESCE(error, ''), sent_at, delivered_at, created_at`

func scanRecipient(s rowScanner) (*models.Recipient, error) {
	rc := &models.Recipient{}
	var sentAt, deliveredAt sql.NullTime

	err := s.Scan(&rc.ID, &rc.CampaignID, &rc.Seq, &rc.Phone, &rc.Name, &rc.Status, &rc.MessageID,
		&rc.Error, &sentAt, &deliveredAt, &rc.CreatedAt)
	if err != nil {
		return nil, err
	}
	if sentAt.Valid {
		rc.SentAt = &sentAt.Time
	}
	if deliveredAt.Valid {
		rc.DeliveredAt = &deliveredAt.Time
	}
	return rc, nil
}

// ReplaceAll swaps the recipient list of a campaign for the given rows.
// Creation order follows the slice order. The list of a RUNNING campaign is
// never replaced; the status is checked inside the same write transaction.
func (r *RecipientRepository) ReplaceAll(campaignID string, recipients []models.Recipient) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.Exec("UPDATE campaigns SET updated_at = ? WHERE id = ? AND status != ?",
		now, campaignID, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to lock campaign: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("%w: campaign %s is running or does not exist", models.ErrConflict, campaignID)
	}

	if _, err := tx.Exec("DELETE FROM recipients WHERE campaign_id = ?", campaignID); err != nil {
		return fmt.Errorf("failed to clear recipients: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO recipients (id, campaign_id, seq, phone, name, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range recipients {
		recipients[i].ID = uuid.New().String()
		recipients[i].CampaignID = campaignID
		recipients[i].Seq = i + 1
		recipients[i].Status = models.RecipientPending
		recipients[i].CreatedAt = now

		_, err := stmt.Exec(recipients[i].ID, campaignID, recipients[i].Seq, recipients[i].Phone,
			recipients[i].Name, recipients[i].Status, recipients[i].CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert recipient %s: %w", recipients[i].Phone, err)
		}
	}

	return tx.Commit()
}

// Count returns the number of recipients of a campaign
func (r *RecipientRepository) Count(campaignID string) (int, error) {
	var n int
	err := r.db.QueryRow("SELECT COUNT(*) FROM recipients WHERE campaign_id = ?", campaignID).Scan(&n)
	return n, err
}

// CountByStatus returns recipient counts grouped by status
func (r *RecipientRepository) CountByStatus(campaignID string) (map[models.RecipientStatus]int, error) {
	rows, err := r.db.Query(`
		SELECT status, COUNT(*) FROM recipients WHERE campaign_id = ? GROUP BY status`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.RecipientStatus]int)
	for rows.Next() {
		var status models.RecipientStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// List returns recipients of a campaign in creation order
func (r *RecipientRepository) List(campaignID string, status models.RecipientStatus, limit, offset int) ([]models.Recipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM recipients WHERE campaign_id = ?`
	args := []any{campaignID}

	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY seq"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	if offset > 0 {
		if limit <= 0 {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, offset)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recipients := []models.Recipient{}
	for rows.Next() {
		rc, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, *rc)
	}
	return recipients, rows.Err()
}

// NextPending returns the first PENDING recipient in creation order, or nil
func (r *RecipientRepository) NextPending(campaignID string) (*models.Recipient, error) {
	rc, err := scanRecipient(r.db.QueryRow(`
		SELECT `+recipientColumns+` FROM recipients
		WHERE campaign_id = ? AND status = ?
		ORDER BY seq LIMIT 1`, campaignID, models.RecipientPending))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// UpdateOutcome records the result of a send attempt. Only PENDING rows are
// touched, so a finished recipient is never rewritten.
func (r *RecipientRepository) UpdateOutcome(id string, outcome models.Outcome) (bool, error) {
	at := outcome.At.UTC()
	var sentAt *time.Time
	if outcome.Status == models.RecipientSent || outcome.Status == models.RecipientDelivered {
		sentAt = &at
	}

	res, err := r.db.Exec(`
		UPDATE recipients SET status = ?, message_id = ?, error = ?, sent_at = ?
		WHERE id = ? AND status = ?`,
		outcome.Status, nullString(outcome.MessageID), nullString(outcome.Error), sentAt, id, models.RecipientPending,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update recipient: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkDelivered promotes SENT recipients carrying one of the given message
// ids to DELIVERED and returns how many rows changed.
func (r *RecipientRepository) MarkDelivered(campaignID string, messageIDs []string, at time.Time) (int, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(messageIDs)), ",")
	args := []any{models.RecipientDelivered, at.UTC(), campaignID, models.RecipientSent}
	for _, id := range messageIDs {
		args = append(args, id)
	}

	res, err := r.db.Exec(`
		UPDATE recipients SET status = ?, delivered_at = ?
		WHERE campaign_id = ? AND status = ? AND message_id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark delivered: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
