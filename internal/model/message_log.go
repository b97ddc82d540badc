package model

import "time"

type MessageStatus string

const (
	MessageProcessing MessageStatus = "processing"
	MessageSent       MessageStatus = "sent"
	MessageFailed     MessageStatus = "failed"
	MessageBounced    MessageStatus = "bounced"
)

// MessageLog records one send attempt. A row is created with status
// "processing" before the transport call so a crash mid-send still
// leaves an auditable record.
type MessageLog struct {
	ID                int           `db:"id" json:"id"`
	CampaignID        int           `db:"campaign_id" json:"campaign_id"`
	RecipientID       int           `db:"recipient_id" json:"recipient_id"`
	StepID            *int          `db:"step_id" json:"step_id,omitempty"` // nil = original campaign send
	Subject           string        `db:"subject" json:"subject"`
	ToEmail           string        `db:"to_email" json:"to_email"`
	Status            MessageStatus `db:"status" json:"status"`
	OpenCount         int           `db:"open_count" json:"open_count"`
	ClickCount        int           `db:"click_count" json:"click_count"`
	ProviderMessageID string        `db:"provider_message_id" json:"provider_message_id,omitempty"`
	ThreadID          string        `db:"thread_id" json:"thread_id,omitempty"`
	LastError         string        `db:"last_error" json:"last_error,omitempty"`
	CreatedAt         time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time     `db:"updated_at" json:"updated_at"`
}
