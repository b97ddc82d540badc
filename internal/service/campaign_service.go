package service

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/mailloop/outreach-backend/internal/errors"
	"github.com/mailloop/outreach-backend/internal/model"
	"github.com/mailloop/outreach-backend/internal/queue"
	"github.com/mailloop/outreach-backend/internal/render"
	"github.com/mailloop/outreach-backend/internal/repository"
)

// DispatchJob is the queue payload for one recipient's original send.
type DispatchJob struct {
	CampaignID  int `json:"campaign_id"`
	RecipientID int `json:"recipient_id"`
}

// CompletionCheckJob asks whether the campaign has finished fanning out.
type CompletionCheckJob struct {
	CampaignID int `json:"campaign_id"`
}

// CampaignService owns the campaign lifecycle: creation, scheduling,
// pause/cancel, and the per-recipient dispatch fan-out.
type CampaignService struct {
	Campaigns           repository.CampaignRepositoryInterface
	Queue               queue.Queue
	Logger              *zap.Logger
	DispatchMaxAttempts int
	DispatchBackoff     time.Duration
	Now                 func() time.Time
}

func (s *CampaignService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

type RecipientInput struct {
	Email   string            `json:"email"`
	Payload map[string]string `json:"payload"`
}

type CreateCampaignInput struct {
	UserID     int                `json:"user_id"`
	Name       string             `json:"name"`
	Strategy   model.SendStrategy `json:"send_strategy"`
	Recipients []RecipientInput   `json:"recipients"`
}

// CreateCampaign persists the campaign and its whole audience in one
// unit, status draft.
func (s *CampaignService) CreateCampaign(in CreateCampaignInput) (*model.Campaign, error) {
	if len(in.Recipients) == 0 {
		return nil, appErrors.NewValidation("recipient list is empty")
	}
	if strings.TrimSpace(in.Strategy.SubjectTemplate) == "" || strings.TrimSpace(in.Strategy.HTMLTemplate) == "" {
		return nil, appErrors.NewValidation("campaign template is missing")
	}

	c := &model.Campaign{
		UserID:   in.UserID,
		Name:     in.Name,
		Status:   model.CampaignDraft,
		Strategy: in.Strategy,
	}
	recipients := make([]*model.Recipient, 0, len(in.Recipients))
	for _, r := range in.Recipients {
		if strings.TrimSpace(r.Email) == "" {
			return nil, appErrors.NewValidation("recipient email is empty")
		}
		recipients = append(recipients, &model.Recipient{
			Email:   r.Email,
			Payload: r.Payload,
			Status:  model.RecipientPending,
		})
	}

	if err := s.Campaigns.Create(c, recipients); err != nil {
		return nil, err
	}
	return c, nil
}

// ScheduleCampaign stores startAt in the send strategy, moves the
// campaign to scheduled and fans out one dispatch job per recipient.
// Only draft campaigns can be scheduled: the fan-out is a one-shot,
// and re-running it would enqueue a second dispatch per recipient on
// brokers that cannot dedup by key.
func (s *CampaignService) ScheduleCampaign(id int, startAt time.Time) error {
	c, err := s.Campaigns.GetByID(id)
	if err != nil {
		return err
	}
	if c.Status != model.CampaignDraft {
		return appErrors.NewValidation("campaign cannot be scheduled in status %s", c.Status)
	}

	c.Strategy.StartAt = &startAt
	if err := s.Campaigns.UpdateStrategy(id, c.Strategy, &startAt); err != nil {
		return err
	}
	if err := s.Campaigns.UpdateStatus(id, model.CampaignScheduled); err != nil {
		return err
	}

	return s.scheduleRecipientJobs(c, startAt)
}

// scheduleRecipientJobs walks the audience in stored order. The first
// recipient is due at max(startAt, now); each later one is due a full
// inter-message delay after the previous, so the outbound rate stays
// steady even when startAt is already in the past.
func (s *CampaignService) scheduleRecipientJobs(c *model.Campaign, startAt time.Time) error {
	recipients, err := s.Campaigns.ListRecipients(c.ID)
	if err != nil {
		return err
	}

	now := s.now()
	due := startAt
	if due.Before(now) {
		due = now
	}
	gap := time.Duration(c.Strategy.DelayMsBetweenEmails) * time.Millisecond

	for _, r := range recipients {
		job := queue.Job{
			Name:           queue.DispatchJobName,
			Payload:        DispatchJob{CampaignID: c.ID, RecipientID: r.ID},
			Delay:          due.Sub(now),
			MaxAttempts:    s.DispatchMaxAttempts,
			Backoff:        s.DispatchBackoff,
			IdempotencyKey: fmt.Sprintf("dispatch:%d:%d", c.ID, r.ID),
		}
		if err := s.Queue.Enqueue(job); err != nil {
			return err
		}
		due = due.Add(gap)
	}

	s.Logger.Info("campaign scheduled",
		zap.Int("campaign_id", c.ID),
		zap.Int("recipients", len(recipients)),
		zap.Time("start_at", startAt))
	return nil
}

// PauseCampaign and CancelCampaign are status-only transitions.
// Already-enqueued dispatch jobs are not revoked.
func (s *CampaignService) PauseCampaign(id int) error {
	return s.transitionTo(id, model.CampaignPaused)
}

func (s *CampaignService) CancelCampaign(id int) error {
	return s.transitionTo(id, model.CampaignCancelled)
}

func (s *CampaignService) transitionTo(id int, to model.CampaignStatus) error {
	c, err := s.Campaigns.GetByID(id)
	if err != nil {
		return err
	}
	if c.Status != model.CampaignScheduled && c.Status != model.CampaignRunning {
		return appErrors.NewValidation("campaign cannot move to %s from status %s", to, c.Status)
	}
	return s.Campaigns.UpdateStatus(id, to)
}

// ListCampaigns fetches campaigns with pagination.
func (s *CampaignService) ListCampaigns(page, pageSize int, status string) ([]model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.Campaigns.ListCampaigns(offset, pageSize, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}
	return campaigns, pagination, nil
}

type CampaignDetails struct {
	model.Campaign
	Stats map[string]int `json:"stats"`
}

func (s *CampaignService) GetCampaignDetails(id int) (*CampaignDetails, error) {
	c, err := s.Campaigns.GetByID(id)
	if err != nil {
		return nil, err
	}
	stats, err := s.Campaigns.RecipientStats(id)
	if err != nil {
		return nil, err
	}
	return &CampaignDetails{Campaign: *c, Stats: stats}, nil
}

// RenderPreview runs the full sanitization and merge pipeline for one
// recipient without sending anything.
func (s *CampaignService) RenderPreview(campaignID, recipientID int) (render.Rendered, error) {
	c, err := s.Campaigns.GetByID(campaignID)
	if err != nil {
		return render.Rendered{}, err
	}
	r, err := s.Campaigns.GetRecipient(recipientID)
	if err != nil {
		return render.Rendered{}, err
	}
	if r.CampaignID != c.ID {
		return render.Rendered{}, appErrors.NewValidation("recipient %d does not belong to campaign %d", recipientID, campaignID)
	}
	return render.RenderEmail(c.Strategy.SubjectTemplate, c.Strategy.HTMLTemplate, r.Payload)
}
