package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// StepCondition is the per-step engagement condition authored on a
// follow-up step. Empty means the step always sends.
type StepCondition string

const (
	ConditionNone         StepCondition = ""
	ConditionIfNotReplied StepCondition = "if_not_replied"
	ConditionIfNotOpened  StepCondition = "if_not_opened"
	ConditionIfNotClicked StepCondition = "if_not_clicked"
)

type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	URL         string `json:"url"`
}

type Attachments []Attachment

func (a Attachments) Value() (driver.Value, error) {
	if a == nil {
		return json.Marshal(Attachments{})
	}
	return json.Marshal(a)
}

func (a *Attachments) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	case nil:
		*a = Attachments{}
		return nil
	}
	return fmt.Errorf("cannot scan %T into Attachments", src)
}

type FollowUpSequence struct {
	ID           int       `db:"id" json:"id"`
	CampaignID   int       `db:"campaign_id" json:"campaign_id"`
	Name         string    `db:"name" json:"name"`
	StopOnReply  bool      `db:"stop_on_reply" json:"stop_on_reply"`
	StopOnOpen   bool      `db:"stop_on_open" json:"stop_on_open"`
	MaxFollowUps int       `db:"max_follow_ups" json:"max_follow_ups"` // 0 = unlimited
	CreatedAt    time.Time `db:"created_at" json:"created_at"`

	Steps []FollowUpStep `json:"steps,omitempty"`
}

// FollowUpStep schedules with either DelayMs (relative to the anchor
// send) or ScheduledAt (absolute), never both. A nested step is only
// enqueued when its parent step's dispatch completes.
type FollowUpStep struct {
	ID              int           `db:"id" json:"id"`
	SequenceID      int           `db:"sequence_id" json:"sequence_id"`
	StepOrder       int           `db:"step_order" json:"step_order"`
	DelayMs         *int64        `db:"delay_ms" json:"delay_ms,omitempty"`
	ScheduledAt     *time.Time    `db:"scheduled_at" json:"scheduled_at,omitempty"`
	IsNested        bool          `db:"is_nested" json:"is_nested"`
	ParentStepID    *int          `db:"parent_step_id" json:"parent_step_id,omitempty"`
	SendAsReply     bool          `db:"send_as_reply" json:"send_as_reply"`
	Condition       StepCondition `db:"condition" json:"condition,omitempty"`
	SubjectTemplate string        `db:"subject_template" json:"subject_template"`
	HTMLTemplate    string        `db:"html_template" json:"html_template"`
	Attachments     Attachments   `db:"attachments" json:"attachments,omitempty"`
}
