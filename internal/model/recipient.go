package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientSent    RecipientStatus = "sent"
	RecipientFailed  RecipientStatus = "failed"
)

// Payload holds the per-recipient merge-field values, stored as JSONB.
type Payload map[string]string

func (p Payload) Value() (driver.Value, error) {
	if p == nil {
		return json.Marshal(Payload{})
	}
	return json.Marshal(p)
}

func (p *Payload) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	case nil:
		*p = Payload{}
		return nil
	}
	return fmt.Errorf("cannot scan %T into Payload", src)
}

type Recipient struct {
	ID         int             `db:"id" json:"id"`
	CampaignID int             `db:"campaign_id" json:"campaign_id"`
	Email      string          `db:"email" json:"email"`
	Payload    Payload         `db:"payload" json:"payload"`
	Status     RecipientStatus `db:"status" json:"status"`
	LastSentAt *time.Time      `db:"last_sent_at" json:"last_sent_at,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}
