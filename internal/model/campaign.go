package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCancelled CampaignStatus = "cancelled"
	CampaignCompleted CampaignStatus = "completed"
)

// SendStrategy is stored as a JSONB column on campaigns.
type SendStrategy struct {
	StartAt              *time.Time `json:"start_at,omitempty"`
	DelayMsBetweenEmails int64      `json:"delay_ms_between_emails"`
	TrackOpens           bool       `json:"track_opens"`
	TrackClicks          bool       `json:"track_clicks"`
	SubjectTemplate      string     `json:"subject_template"`
	HTMLTemplate         string     `json:"html_template"`
}

func (s SendStrategy) Value() (driver.Value, error) {
	return json.Marshal(s)
}

func (s *SendStrategy) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	case nil:
		*s = SendStrategy{}
		return nil
	}
	return fmt.Errorf("cannot scan %T into SendStrategy", src)
}

type Campaign struct {
	ID          int            `db:"id" json:"id"`
	UserID      int            `db:"user_id" json:"user_id"`
	Name        string         `db:"name" json:"name"`
	Status      CampaignStatus `db:"status" json:"status"`
	Strategy    SendStrategy   `db:"send_strategy" json:"send_strategy"`
	ScheduledAt *time.Time     `db:"scheduled_at" json:"scheduled_at,omitempty"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt   *time.Time     `db:"updated_at" json:"updated_at,omitempty"`
}
