package repository

import (
	"database/sql"

	appErrors "github.com/mailloop/outreach-backend/internal/errors"
	"github.com/mailloop/outreach-backend/internal/model"
)

type SequenceRepositoryInterface interface {
	FindSequencesForCampaign(campaignID int) ([]*model.FollowUpSequence, error)
	GetSequence(id int) (*model.FollowUpSequence, error)
	GetStep(id int) (*model.FollowUpStep, error)
	ChildSteps(parentStepID int) ([]*model.FollowUpStep, error)
	CountFollowUpSends(sequenceID, recipientID int) (int, error)
}

type SequenceRepository struct {
	DB *sql.DB
}

const stepColumns = `
    id, sequence_id, step_order, delay_ms, scheduled_at, is_nested,
    parent_step_id, send_as_reply, condition, subject_template, html_template, attachments
`

func scanStep(row interface{ Scan(...any) error }) (*model.FollowUpStep, error) {
	var s model.FollowUpStep
	err := row.Scan(
		&s.ID, &s.SequenceID, &s.StepOrder, &s.DelayMs, &s.ScheduledAt, &s.IsNested,
		&s.ParentStepID, &s.SendAsReply, &s.Condition, &s.SubjectTemplate, &s.HTMLTemplate, &s.Attachments,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// FindSequencesForCampaign loads every sequence with its steps in
// authored order.
func (r *SequenceRepository) FindSequencesForCampaign(campaignID int) ([]*model.FollowUpSequence, error) {
	query := `
        SELECT id, campaign_id, name, stop_on_reply, stop_on_open, max_follow_ups, created_at
        FROM follow_up_sequences
        WHERE campaign_id=$1
        ORDER BY id ASC
    `
	rows, err := r.DB.Query(query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sequences := []*model.FollowUpSequence{}
	for rows.Next() {
		seq := &model.FollowUpSequence{}
		if err := rows.Scan(&seq.ID, &seq.CampaignID, &seq.Name, &seq.StopOnReply, &seq.StopOnOpen, &seq.MaxFollowUps, &seq.CreatedAt); err != nil {
			return nil, err
		}
		sequences = append(sequences, seq)
	}

	for _, seq := range sequences {
		steps, err := r.stepsForSequence(seq.ID)
		if err != nil {
			return nil, err
		}
		seq.Steps = steps
	}
	return sequences, nil
}

func (r *SequenceRepository) stepsForSequence(sequenceID int) ([]model.FollowUpStep, error) {
	query := `SELECT ` + stepColumns + ` FROM follow_up_steps WHERE sequence_id=$1 ORDER BY step_order ASC`
	rows, err := r.DB.Query(query, sequenceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	steps := []model.FollowUpStep{}
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, *s)
	}
	return steps, nil
}

func (r *SequenceRepository) GetSequence(id int) (*model.FollowUpSequence, error) {
	query := `
        SELECT id, campaign_id, name, stop_on_reply, stop_on_open, max_follow_ups, created_at
        FROM follow_up_sequences WHERE id=$1
    `
	var seq model.FollowUpSequence
	err := r.DB.QueryRow(query, id).Scan(
		&seq.ID, &seq.CampaignID, &seq.Name, &seq.StopOnReply, &seq.StopOnOpen, &seq.MaxFollowUps, &seq.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewNotFound("sequence", id)
		}
		return nil, err
	}
	return &seq, nil
}

func (r *SequenceRepository) GetStep(id int) (*model.FollowUpStep, error) {
	query := `SELECT ` + stepColumns + ` FROM follow_up_steps WHERE id=$1`
	s, err := scanStep(r.DB.QueryRow(query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewNotFound("follow-up step", id)
		}
		return nil, err
	}
	return s, nil
}

// ChildSteps resolves the parent/child adjacency one hop at a time;
// chains are never walked recursively at dispatch.
func (r *SequenceRepository) ChildSteps(parentStepID int) ([]*model.FollowUpStep, error) {
	query := `SELECT ` + stepColumns + ` FROM follow_up_steps WHERE parent_step_id=$1 ORDER BY step_order ASC`
	rows, err := r.DB.Query(query, parentStepID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	steps := []*model.FollowUpStep{}
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, nil
}

// CountFollowUpSends counts follow-up messages already sent to the
// recipient for one sequence, enforcing the sequence's max follow-ups.
func (r *SequenceRepository) CountFollowUpSends(sequenceID, recipientID int) (int, error) {
	query := `
        SELECT COUNT(*)
        FROM message_logs m
        JOIN follow_up_steps s ON s.id = m.step_id
        WHERE s.sequence_id=$1 AND m.recipient_id=$2 AND m.status='sent'
    `
	var count int
	err := r.DB.QueryRow(query, sequenceID, recipientID).Scan(&count)
	return count, err
}

var _ SequenceRepositoryInterface = (*SequenceRepository)(nil)
