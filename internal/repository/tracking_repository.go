package repository

import (
	"database/sql"
	"time"

	"github.com/mailloop/outreach-backend/internal/model"
)

type TrackingRepositoryInterface interface {
	RecordEvent(ev *model.TrackingEvent) error
	HasEvent(messageLogID int, eventType model.EventType) (bool, error)
}

type TrackingRepository struct {
	DB *sql.DB
}

// RecordEvent appends; tracking events are never mutated.
func (r *TrackingRepository) RecordEvent(ev *model.TrackingEvent) error {
	ev.CreatedAt = time.Now()
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = ev.CreatedAt
	}
	query := `
        INSERT INTO tracking_events (message_log_id, type, metadata, occurred_at, created_at)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING id
    `
	return r.DB.QueryRow(query, ev.MessageLogID, ev.Type, ev.Metadata, ev.OccurredAt, ev.CreatedAt).Scan(&ev.ID)
}

func (r *TrackingRepository) HasEvent(messageLogID int, eventType model.EventType) (bool, error) {
	query := `SELECT 1 FROM tracking_events WHERE message_log_id=$1 AND type=$2 LIMIT 1`
	var tmp int
	err := r.DB.QueryRow(query, messageLogID, eventType).Scan(&tmp)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

var _ TrackingRepositoryInterface = (*TrackingRepository)(nil)
