package models

import "time"

// Stats is the derived progress snapshot of a campaign
type Stats struct {
	Total        int `json:"total"`
	Sent         int `json:"sent"`
	Failed       int `json:"failed"`
	Delivered    int `json:"delivered"`
	Pending      int `json:"pending"`
	DeliveryRate int `json:"deliveryRate"`
}

// FailedRecipient is one line of the report's error list
type FailedRecipient struct {
	Phone string `json:"phone"`
	Name  string `json:"name,omitempty"`
	Error string `json:"error"`
}

// Report is the campaign outcome report
type Report struct {
	CampaignID  string            `json:"campaignId"`
	Title       string            `json:"title"`
	Status      CampaignStatus    `json:"status"`
	Stats       Stats             `json:"stats"`
	StartedAt   *time.Time        `json:"startedAt,omitempty"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
	Duration    time.Duration     `json:"-"`
	DurationSec int64             `json:"durationSeconds"`
	Errors      []FailedRecipient `json:"errors"`
	IsCompleted bool              `json:"isCompleted"`
}
