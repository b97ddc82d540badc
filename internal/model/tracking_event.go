package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	EventOpen  EventType = "open"
	EventClick EventType = "click"
	EventReply EventType = "reply"
)

type Metadata map[string]string

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return json.Marshal(Metadata{})
	}
	return json.Marshal(m)
}

func (m *Metadata) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	case nil:
		*m = Metadata{}
		return nil
	}
	return fmt.Errorf("cannot scan %T into Metadata", src)
}

// TrackingEvent is append-only. Duplicate pixel fetches record
// duplicate open events on purpose: counters measure raw volume.
type TrackingEvent struct {
	ID           int       `db:"id" json:"id"`
	MessageLogID int       `db:"message_log_id" json:"message_log_id"`
	Type         EventType `db:"type" json:"type"`
	Metadata     Metadata  `db:"metadata" json:"metadata,omitempty"`
	OccurredAt   time.Time `db:"occurred_at" json:"occurred_at"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}
