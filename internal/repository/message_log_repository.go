package repository

import (
	"database/sql"
	"fmt"
	"time"

	appErrors "github.com/mailloop/outreach-backend/internal/errors"
	"github.com/mailloop/outreach-backend/internal/model"
)

type MessageLogRepositoryInterface interface {
	Create(msg *model.MessageLog) error
	GetByID(id int) (*model.MessageLog, error)
	Finalize(id int, status model.MessageStatus, providerMessageID, threadID, lastError string) error
	IncrementCounter(id int, eventType model.EventType) error
	FindByStepAndRecipient(stepID, recipientID int) (*model.MessageLog, error)
}

type MessageLogRepository struct {
	DB *sql.DB
}

// Create inserts the log row at the start of a send attempt, before
// the transport call, so a crash mid-send still leaves a record.
func (r *MessageLogRepository) Create(msg *model.MessageLog) error {
	now := time.Now()
	msg.CreatedAt = now
	msg.UpdatedAt = now
	if msg.Status == "" {
		msg.Status = model.MessageProcessing
	}

	query := `
        INSERT INTO message_logs
        (campaign_id, recipient_id, step_id, subject, to_email, status, open_count, click_count, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, 0, 0, $7, $8)
        RETURNING id
    `
	return r.DB.QueryRow(
		query,
		msg.CampaignID,
		msg.RecipientID,
		msg.StepID,
		msg.Subject,
		msg.ToEmail,
		msg.Status,
		msg.CreatedAt,
		msg.UpdatedAt,
	).Scan(&msg.ID)
}

func (r *MessageLogRepository) GetByID(id int) (*model.MessageLog, error) {
	query := `
        SELECT id, campaign_id, recipient_id, step_id, subject, to_email, status,
               open_count, click_count, provider_message_id, thread_id, last_error, created_at, updated_at
        FROM message_logs WHERE id=$1
    `
	var msg model.MessageLog
	err := r.DB.QueryRow(query, id).Scan(
		&msg.ID, &msg.CampaignID, &msg.RecipientID, &msg.StepID, &msg.Subject, &msg.ToEmail, &msg.Status,
		&msg.OpenCount, &msg.ClickCount, &msg.ProviderMessageID, &msg.ThreadID, &msg.LastError,
		&msg.CreatedAt, &msg.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewNotFound("message log", id)
		}
		return nil, err
	}
	return &msg, nil
}

func (r *MessageLogRepository) Finalize(id int, status model.MessageStatus, providerMessageID, threadID, lastError string) error {
	query := `
        UPDATE message_logs
        SET status=$1, provider_message_id=$2, thread_id=$3, last_error=$4, updated_at=NOW()
        WHERE id=$5
    `
	_, err := r.DB.Exec(query, status, providerMessageID, threadID, lastError, id)
	return err
}

func (r *MessageLogRepository) IncrementCounter(id int, eventType model.EventType) error {
	var column string
	switch eventType {
	case model.EventOpen:
		column = "open_count"
	case model.EventClick:
		column = "click_count"
	default:
		return fmt.Errorf("no counter for event type %s", eventType)
	}
	query := fmt.Sprintf(`UPDATE message_logs SET %s=%s+1, updated_at=NOW() WHERE id=$1`, column, column)
	_, err := r.DB.Exec(query, id)
	return err
}

func (r *MessageLogRepository) FindByStepAndRecipient(stepID, recipientID int) (*model.MessageLog, error) {
	query := `
        SELECT id, campaign_id, recipient_id, step_id, subject, to_email, status,
               open_count, click_count, provider_message_id, thread_id, last_error, created_at, updated_at
        FROM message_logs
        WHERE step_id=$1 AND recipient_id=$2
        ORDER BY id DESC LIMIT 1
    `
	var msg model.MessageLog
	err := r.DB.QueryRow(query, stepID, recipientID).Scan(
		&msg.ID, &msg.CampaignID, &msg.RecipientID, &msg.StepID, &msg.Subject, &msg.ToEmail, &msg.Status,
		&msg.OpenCount, &msg.ClickCount, &msg.ProviderMessageID, &msg.ThreadID, &msg.LastError,
		&msg.CreatedAt, &msg.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &msg, nil
}

var _ MessageLogRepositoryInterface = (*MessageLogRepository)(nil)
