package repository

import (
	"database/sql"
	"time"

	appErrors "github.com/mailloop/outreach-backend/internal/errors"
	"github.com/mailloop/outreach-backend/internal/model"
)

type CampaignRepositoryInterface interface {
	// Campaign lifecycle
	Create(c *model.Campaign, recipients []*model.Recipient) error
	GetByID(id int) (*model.Campaign, error)
	ListCampaigns(offset, limit int, status string) ([]*model.Campaign, int, error)
	UpdateStatus(id int, status model.CampaignStatus) error
	TransitionStatus(id int, from, to model.CampaignStatus) (bool, error)
	UpdateStrategy(id int, strategy model.SendStrategy, scheduledAt *time.Time) error

	// Recipients
	ListRecipients(campaignID int) ([]*model.Recipient, error)
	GetRecipient(id int) (*model.Recipient, error)
	UpdateRecipientStatus(id int, status model.RecipientStatus, lastSentAt *time.Time) error
	RecipientStats(campaignID int) (map[string]int, error)
}

type CampaignRepository struct {
	DB *sql.DB
}

// ====================== Campaign lifecycle ======================

// Create persists the campaign and its whole recipient list in one
// transaction: a campaign without its audience is never observable.
func (r *CampaignRepository) Create(c *model.Campaign, recipients []*model.Recipient) error {
	tx, err := r.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	c.CreatedAt = time.Now()
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}

	query := `
        INSERT INTO campaigns (user_id, name, status, send_strategy, created_at)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING id
    `
	if err := tx.QueryRow(query, c.UserID, c.Name, c.Status, c.Strategy, c.CreatedAt).Scan(&c.ID); err != nil {
		return err
	}

	recipientQuery := `
        INSERT INTO campaign_recipients (campaign_id, email, payload, status, created_at)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING id
    `
	for _, rec := range recipients {
		rec.CampaignID = c.ID
		rec.CreatedAt = c.CreatedAt
		if rec.Status == "" {
			rec.Status = model.RecipientPending
		}
		if err := tx.QueryRow(recipientQuery, rec.CampaignID, rec.Email, rec.Payload, rec.Status, rec.CreatedAt).Scan(&rec.ID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *CampaignRepository) GetByID(id int) (*model.Campaign, error) {
	query := `
        SELECT id, user_id, name, status, send_strategy, scheduled_at, created_at, updated_at
        FROM campaigns WHERE id=$1
    `
	var c model.Campaign
	err := r.DB.QueryRow(query, id).Scan(
		&c.ID, &c.UserID, &c.Name, &c.Status, &c.Strategy, &c.ScheduledAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewNotFound("campaign", id)
		}
		return nil, err
	}
	return &c, nil
}

func (r *CampaignRepository) ListCampaigns(offset, limit int, status string) ([]*model.Campaign, int, error) {
	campaigns := []*model.Campaign{}
	query := `
        SELECT id, user_id, name, status, send_strategy, scheduled_at, created_at, updated_at
        FROM campaigns WHERE 1=1
    `
	args := []interface{}{}
	if status != "" {
		query += " AND status=$1 ORDER BY id DESC LIMIT $2 OFFSET $3"
		args = append(args, status, limit, offset)
	} else {
		query += " ORDER BY id DESC LIMIT $1 OFFSET $2"
		args = append(args, limit, offset)
	}

	rows, err := r.DB.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		c := &model.Campaign{}
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.Status, &c.Strategy, &c.ScheduledAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}

	countQuery := `SELECT COUNT(*) FROM campaigns WHERE 1=1`
	countArgs := []interface{}{}
	if status != "" {
		countQuery += " AND status=$1"
		countArgs = append(countArgs, status)
	}
	var total int
	if err := r.DB.QueryRow(countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	return campaigns, total, nil
}

func (r *CampaignRepository) UpdateStatus(id int, status model.CampaignStatus) error {
	query := `UPDATE campaigns SET status=$1, updated_at=NOW() WHERE id=$2`
	_, err := r.DB.Exec(query, status, id)
	return err
}

// TransitionStatus flips status only when the current value matches
// `from`, and reports whether this call won the transition. Single-row
// atomicity is the only completion/running guard the engine uses.
func (r *CampaignRepository) TransitionStatus(id int, from, to model.CampaignStatus) (bool, error) {
	query := `UPDATE campaigns SET status=$1, updated_at=NOW() WHERE id=$2 AND status=$3`
	res, err := r.DB.Exec(query, to, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *CampaignRepository) UpdateStrategy(id int, strategy model.SendStrategy, scheduledAt *time.Time) error {
	query := `UPDATE campaigns SET send_strategy=$1, scheduled_at=$2, updated_at=NOW() WHERE id=$3`
	_, err := r.DB.Exec(query, strategy, scheduledAt, id)
	return err
}

// ====================== Recipients ======================

// ListRecipients returns the audience in stored order; the recipient
// job scheduler relies on this ordering for its monotonic due times.
func (r *CampaignRepository) ListRecipients(campaignID int) ([]*model.Recipient, error) {
	query := `
        SELECT id, campaign_id, email, payload, status, last_sent_at, created_at
        FROM campaign_recipients
        WHERE campaign_id=$1
        ORDER BY id ASC
    `
	rows, err := r.DB.Query(query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recipients := []*model.Recipient{}
	for rows.Next() {
		rec := &model.Recipient{}
		if err := rows.Scan(&rec.ID, &rec.CampaignID, &rec.Email, &rec.Payload, &rec.Status, &rec.LastSentAt, &rec.CreatedAt); err != nil {
			return nil, err
		}
		recipients = append(recipients, rec)
	}
	return recipients, nil
}

func (r *CampaignRepository) GetRecipient(id int) (*model.Recipient, error) {
	query := `
        SELECT id, campaign_id, email, payload, status, last_sent_at, created_at
        FROM campaign_recipients WHERE id=$1
    `
	var rec model.Recipient
	err := r.DB.QueryRow(query, id).Scan(
		&rec.ID, &rec.CampaignID, &rec.Email, &rec.Payload, &rec.Status, &rec.LastSentAt, &rec.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewNotFound("recipient", id)
		}
		return nil, err
	}
	return &rec, nil
}

func (r *CampaignRepository) UpdateRecipientStatus(id int, status model.RecipientStatus, lastSentAt *time.Time) error {
	if lastSentAt != nil {
		query := `UPDATE campaign_recipients SET status=$1, last_sent_at=$2 WHERE id=$3`
		_, err := r.DB.Exec(query, status, lastSentAt, id)
		return err
	}
	query := `UPDATE campaign_recipients SET status=$1 WHERE id=$2`
	_, err := r.DB.Exec(query, status, id)
	return err
}

func (r *CampaignRepository) RecipientStats(campaignID int) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM campaign_recipients WHERE campaign_id=$1 GROUP BY status`
	rows, err := r.DB.Query(query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{"total": 0, "pending": 0, "sent": 0, "failed": 0}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		if _, ok := stats[status]; ok {
			stats[status] = count
		}
		stats["total"] += count
	}
	return stats, nil
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
