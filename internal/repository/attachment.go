package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/models"
)

type AttachmentRepository struct {
	db *sql.DB
}

func NewAttachmentRepository(db *sql.DB) *AttachmentRepository {
	return &AttachmentRepository{db: db}
}

// Create stores a new attachment reference
func (r *AttachmentRepository) Create(a *models.Attachment) error {
	a.ID = uuid.New().String()
	a.CreatedAt = time.Now().UTC()

	_, err := r.db.Exec(`
		INSERT INTO attachments (id, campaign_id, path, file_name, mime_type, size, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.CampaignID, a.Path, a.FileName, a.MimeType, a.Size, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create attachment: %w", err)
	}
	return nil
}

// ListByCampaign returns the attachments of a campaign in upload order
func (r *AttachmentRepository) ListByCampaign(campaignID string) ([]models.Attachment, error) {
	rows, err := r.db.Query(`
		SELECT id, campaign_id, path, file_name, COALESCE(mime_type, ''), size, created_at
		FROM attachments WHERE campaign_id = ?
		ORDER BY created_at, rowid`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attachments := []models.Attachment{}
	for rows.Next() {
		var a models.Attachment
		if err := rows.Scan(&a.ID, &a.CampaignID, &a.Path, &a.FileName, &a.MimeType, &a.Size, &a.CreatedAt); err != nil {
			return nil, err
		}
		attachments = append(attachments, a)
	}
	return attachments, rows.Err()
}

// Delete removes one attachment of a campaign and reports whether it existed
func (r *AttachmentRepository) Delete(id, campaignID string) (bool, error) {
	res, err := r.db.Exec("DELETE FROM attachments WHERE id = ? AND campaign_id = ?", id, campaignID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
