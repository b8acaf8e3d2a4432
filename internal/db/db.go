package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func New(path string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &DB{db}, nil
}

// OpenMemory opens a private in-memory database limited to one connection,
// so every query sees the same schema.
func OpenMemory() (*DB, error) {
	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return &DB{db}, nil
}

func (db *DB) Migrate() error {
	for _, m := range Migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Migrations are applied in order; each statement is idempotent.
var Migrations = []string{
	migrationCampaigns,
	migrationCampaignsStatusIndex,
	migrationRecipients,
	migrationRecipientsOrderIndex,
	migrationRecipientsMessageIndex,
	migrationAttachments,
}

const migrationCampaigns = `
CREATE TABLE IF NOT EXISTS campaigns (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    title TEXT,
    message TEXT NOT NULL,
    send_interval TEXT NOT NULL DEFAULT '10s',
    schedule_type TEXT NOT NULL DEFAULT 'immediate',
    scheduled_at TIMESTAMP,
    timezone TEXT,
    status TEXT NOT NULL DEFAULT 'DRAFT',
    session_id TEXT,
    connected INTEGER NOT NULL DEFAULT 0,
    last_activity TIMESTAMP,
    started_at TIMESTAMP,
    completed_at TIMESTAMP,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

const migrationCampaignsStatusIndex = `
CREATE INDEX IF NOT EXISTS idx_campaigns_owner_status ON campaigns(owner_id, status);
`

const migrationRecipients = `
CREATE TABLE IF NOT EXISTS recipients (
    id TEXT PRIMARY KEY,
    campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
    seq INTEGER NOT NULL,
    phone TEXT NOT NULL,
    name TEXT,
    status TEXT NOT NULL DEFAULT 'PENDING',
    message_id TEXT,
    error TEXT,
    sent_at TIMESTAMP,
    delivered_at TIMESTAMP,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

const migrationRecipientsOrderIndex = `
CREATE INDEX IF NOT EXISTS idx_recipients_campaign_status_seq ON recipients(campaign_id, status, seq);
`

const migrationRecipientsMessageIndex = `
CREATE INDEX IF NOT EXISTS idx_recipients_message_id ON recipients(campaign_id, message_id);
`

const migrationAttachments = `
CREATE TABLE IF NOT EXISTS attachments (
    id TEXT PRIMARY KEY,
    campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
    path TEXT NOT NULL,
    file_name TEXT NOT NULL,
    mime_type TEXT,
    size INTEGER DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`
