package models

import "time"

// RecipientStatus is the delivery outcome of one recipient
type RecipientStatus string

const (
	RecipientPending   RecipientStatus = "PENDING"
	RecipientSent      RecipientStatus = "SENT"
	RecipientDelivered RecipientStatus = "DELIVERED"
	RecipientFailed    RecipientStatus = "FAILED"
)

// MinPhoneDigits is the minimum length of a normalised phone number
const MinPhoneDigits = 10

// Recipient is one destination phone number within a campaign
type Recipient struct {
	ID          string          `json:"id"`
	CampaignID  string          `json:"campaign_id"`
	Seq         int             `json:"seq"`
	Phone       string          `json:"phone"`
	Name        string          `json:"name,omitempty"`
	Status      RecipientStatus `json:"status"`
	MessageID   string          `json:"message_id,omitempty"`
	Error       string          `json:"error,omitempty"`
	SentAt      *time.Time      `json:"sent_at,omitempty"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// RecipientInput is one row handed over by the spreadsheet parser
type RecipientInput struct {
	Phone string `json:"phone"`
	Name  string `json:"name"`
}

// RecipientImportResult holds the result of an import operation
type RecipientImportResult struct {
	Total    int      `json:"total"`
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

// Outcome is the result of one send attempt
type Outcome struct {
	Status    RecipientStatus
	MessageID string
	Error     string
	At        time.Time
}
