package service

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/mailloop/outreach-backend/internal/errors"
	"github.com/mailloop/outreach-backend/internal/metrics"
	"github.com/mailloop/outreach-backend/internal/model"
	"github.com/mailloop/outreach-backend/internal/notify"
	"github.com/mailloop/outreach-backend/internal/queue"
	"github.com/mailloop/outreach-backend/internal/render"
	"github.com/mailloop/outreach-backend/internal/repository"
	"github.com/mailloop/outreach-backend/internal/transport"
)

// DispatchService consumes dispatch and follow-up jobs: it renders,
// sends, records, and schedules dependent work. One job is one
// recipient send attempt.
type DispatchService struct {
	Campaigns repository.CampaignRepositoryInterface
	Messages  repository.MessageLogRepositoryInterface
	Sequences repository.SequenceRepositoryInterface
	Tracking  repository.TrackingRepositoryInterface
	Queue     queue.Queue
	Transport transport.Transport
	Scheduler *FollowUpScheduler
	Notifier  notify.Notifier
	Metrics   metrics.Sink
	Links     render.Links
	Logger    *zap.Logger
	Now       func() time.Time
}

func (s *DispatchService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// HandleDispatch processes one recipient's original campaign send.
func (s *DispatchService) HandleDispatch(payload []byte) error {
	var job DispatchJob
	if err := json.Unmarshal(payload, &job); err != nil {
		s.Logger.Error("invalid dispatch payload", zap.Error(err))
		return nil
	}

	campaign, err := s.Campaigns.GetByID(job.CampaignID)
	if err != nil {
		return s.fatalOrRetry("dispatch", err)
	}
	recipient, err := s.Campaigns.GetRecipient(job.RecipientID)
	if err != nil {
		return s.fatalOrRetry("dispatch", err)
	}

	// Status reflects observed progress: running begins with the first
	// dispatch job that executes, not at schedule time.
	if _, err := s.Campaigns.TransitionStatus(campaign.ID, model.CampaignScheduled, model.CampaignRunning); err != nil {
		return err
	}

	rendered, err := render.RenderEmail(
		campaign.Strategy.SubjectTemplate,
		campaign.Strategy.HTMLTemplate,
		recipient.Payload,
	)
	if err != nil {
		s.failRecipient(recipient.ID, err)
		return nil
	}
	s.reportSpam(rendered, campaign.ID, recipient.ID)

	logID, err := s.send(campaign, recipient, nil, rendered, nil, nil)
	if err != nil {
		return err
	}

	now := s.now()
	if err := s.Campaigns.UpdateRecipientStatus(recipient.ID, model.RecipientSent, &now); err != nil {
		s.Logger.Error("failed to mark recipient sent",
			zap.Int("recipient_id", recipient.ID), zap.Error(err))
	}

	// Follow-ups anchor at the actual send time. A scheduling failure
	// is logged rather than returned: retrying the job would resend
	// the message itself.
	if err := s.Scheduler.ScheduleForRecipient(campaign.ID, recipient.ID, logID, now); err != nil {
		s.Logger.Error("failed to schedule follow-ups",
			zap.Int("campaign_id", campaign.ID),
			zap.Int("recipient_id", recipient.ID),
			zap.Error(err))
	}

	// Completion detection rides the secondary queue, fire-and-forget.
	if err := s.Queue.Enqueue(queue.Job{
		Name:        queue.CompletionCheckJobName,
		Payload:     CompletionCheckJob{CampaignID: campaign.ID},
		MaxAttempts: 1,
	}); err != nil {
		s.Logger.Error("failed to enqueue completion check",
			zap.Int("campaign_id", campaign.ID), zap.Error(err))
	}

	return nil
}

// HandleFollowUp processes one follow-up send attempt: stop conditions
// are evaluated against the reference message first, then the step is
// rendered and sent, then the step's nested children are chained.
func (s *DispatchService) HandleFollowUp(payload []byte) error {
	var job FollowUpJob
	if err := json.Unmarshal(payload, &job); err != nil {
		s.Logger.Error("invalid follow-up payload", zap.Error(err))
		return nil
	}

	step, err := s.Sequences.GetStep(job.StepID)
	if err != nil {
		return s.fatalOrRetry("follow-up", err)
	}
	seq, err := s.Sequences.GetSequence(step.SequenceID)
	if err != nil {
		return s.fatalOrRetry("follow-up", err)
	}
	campaign, err := s.Campaigns.GetByID(job.CampaignID)
	if err != nil {
		return s.fatalOrRetry("follow-up", err)
	}
	recipient, err := s.Campaigns.GetRecipient(job.RecipientID)
	if err != nil {
		return s.fatalOrRetry("follow-up", err)
	}

	engagement, err := s.engagementFor(job.ReferenceMessageLogID)
	if err != nil {
		return err
	}
	if skip, reason := EvaluateStopConditions(ConditionsFor(seq, step), engagement); skip {
		s.Logger.Info("follow-up skipped",
			zap.Int("step_id", step.ID),
			zap.Int("recipient_id", recipient.ID),
			zap.String("reason", reason))
		s.Metrics.FollowUpSkipped(reason)
		return nil
	}

	rendered, err := render.RenderEmail(step.SubjectTemplate, step.HTMLTemplate, recipient.Payload)
	if err != nil {
		// The original send already succeeded; a broken follow-up
		// template only kills this step.
		s.Logger.Error("follow-up content error",
			zap.Int("step_id", step.ID), zap.Error(err))
		s.Metrics.MessageFailed()
		return nil
	}
	s.reportSpam(rendered, campaign.ID, recipient.ID)

	var threading map[string]string
	if step.SendAsReply {
		threading = s.threadingHeaders(job.ReferenceMessageLogID, step, recipient.ID)
	}

	logID, err := s.send(campaign, recipient, &step.ID, rendered, threading, step.Attachments)
	if err != nil {
		return err
	}

	now := s.now()
	if err := s.Campaigns.UpdateRecipientStatus(recipient.ID, model.RecipientSent, &now); err != nil {
		s.Logger.Error("failed to update recipient after follow-up",
			zap.Int("recipient_id", recipient.ID), zap.Error(err))
	}

	// Nested children anchor at this step's actual completion and
	// reference the message it just produced.
	if err := s.Scheduler.ScheduleChildren(step.ID, campaign.ID, recipient.ID, logID, now); err != nil {
		s.Logger.Error("failed to chain nested steps",
			zap.Int("step_id", step.ID), zap.Error(err))
	}

	return nil
}

// HandleCompletionCheck promotes the campaign to completed once every
// recipient is sent. The atomic running->completed transition is the
// only double-fire guard.
func (s *DispatchService) HandleCompletionCheck(payload []byte) error {
	var job CompletionCheckJob
	if err := json.Unmarshal(payload, &job); err != nil {
		s.Logger.Error("invalid completion check payload", zap.Error(err))
		return nil
	}

	stats, err := s.Campaigns.RecipientStats(job.CampaignID)
	if err != nil {
		return err
	}
	if stats["total"] == 0 || stats["sent"] != stats["total"] {
		return nil
	}

	won, err := s.Campaigns.TransitionStatus(job.CampaignID, model.CampaignRunning, model.CampaignCompleted)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	s.Logger.Info("campaign completed", zap.Int("campaign_id", job.CampaignID))
	if err := s.Notifier.Notify(notify.KindCampaignCompleted, map[string]int{"campaign_id": job.CampaignID}); err != nil {
		s.Logger.Error("workflow notification failed",
			zap.Int("campaign_id", job.CampaignID), zap.Error(err))
	}
	return nil
}

// DispatchDeadLetter runs when an original send exhausts its retries.
func (s *DispatchService) DispatchDeadLetter(payload []byte, cause error) {
	var job DispatchJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return
	}
	s.Logger.Error("dispatch permanently failed",
		zap.Int("campaign_id", job.CampaignID),
		zap.Int("recipient_id", job.RecipientID),
		zap.Error(cause))
	s.failRecipient(job.RecipientID, cause)
}

// FollowUpDeadLetter runs when a follow-up exhausts its retries. The
// recipient keeps their sent status from the original message.
func (s *DispatchService) FollowUpDeadLetter(payload []byte, cause error) {
	var job FollowUpJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return
	}
	s.Logger.Error("follow-up permanently failed",
		zap.Int("step_id", job.StepID),
		zap.Int("recipient_id", job.RecipientID),
		zap.Error(cause))
}

// send runs one attempt: create the processing log row first, inject
// tracking against its id, call the transport, finalize the row.
func (s *DispatchService) send(
	campaign *model.Campaign,
	recipient *model.Recipient,
	stepID *int,
	rendered render.Rendered,
	threading map[string]string,
	attachments model.Attachments,
) (int, error) {
	logRow := &model.MessageLog{
		CampaignID:  campaign.ID,
		RecipientID: recipient.ID,
		StepID:      stepID,
		Subject:     rendered.Subject,
		ToEmail:     recipient.Email,
		Status:      model.MessageProcessing,
	}
	if err := s.Messages.Create(logRow); err != nil {
		return 0, err
	}

	html := rendered.HTML
	if campaign.Strategy.TrackOpens {
		html = render.InjectOpenPixel(html, s.Links.OpenPixelURL(logRow.ID))
	}
	if campaign.Strategy.TrackClicks {
		html = render.RewriteLinks(html, func(target string) string {
			return s.Links.ClickURL(logRow.ID, target)
		})
	}

	result, err := s.Transport.Send(transport.SendRequest{
		To:               recipient.Email,
		Subject:          rendered.Subject,
		HTML:             html,
		Attachments:      attachments,
		ThreadingHeaders: threading,
	})
	if err != nil {
		if ferr := s.Messages.Finalize(logRow.ID, model.MessageFailed, "", "", err.Error()); ferr != nil {
			s.Logger.Error("failed to finalize message log",
				zap.Int("message_log_id", logRow.ID), zap.Error(ferr))
		}
		s.Metrics.MessageFailed()
		return logRow.ID, appErrors.NewTransport("send", err)
	}

	if err := s.Messages.Finalize(logRow.ID, model.MessageSent, result.ProviderMessageID, result.ThreadID, ""); err != nil {
		s.Logger.Error("failed to finalize message log",
			zap.Int("message_log_id", logRow.ID), zap.Error(err))
	}
	s.Metrics.MessageSent()
	return logRow.ID, nil
}

// threadingHeaders degrades to nil on any failure: threading is a
// presentation nicety, never a reason to fail the job.
func (s *DispatchService) threadingHeaders(referenceLogID int, step *model.FollowUpStep, recipientID int) map[string]string {
	ref := s.referenceMessage(referenceLogID, step, recipientID)
	if ref == nil {
		return nil
	}

	info, err := s.Transport.LookupThread(ref.ProviderMessageID)
	if err != nil {
		s.Logger.Warn("threading lookup failed, sending unthreaded",
			zap.Int("reference_log_id", referenceLogID), zap.Error(err))
		return nil
	}

	headers := map[string]string{
		"In-Reply-To": info.ProviderMessageID,
		"References":  info.ProviderMessageID,
	}
	if info.ThreadID != "" {
		headers["Thread-Id"] = info.ThreadID
	}
	return headers
}

// referenceMessage resolves the message a reply threads onto. When the
// job's reference is stale (deleted, or never finalized sent) and the
// step chains off a parent, the parent step's latest message for this
// recipient stands in.
func (s *DispatchService) referenceMessage(referenceLogID int, step *model.FollowUpStep, recipientID int) *model.MessageLog {
	ref, err := s.Messages.GetByID(referenceLogID)
	if err == nil && ref.Status == model.MessageSent && ref.ProviderMessageID != "" {
		return ref
	}

	if step.ParentStepID != nil {
		parent, perr := s.Messages.FindByStepAndRecipient(*step.ParentStepID, recipientID)
		if perr == nil && parent != nil && parent.Status == model.MessageSent && parent.ProviderMessageID != "" {
			s.Logger.Info("threading against parent step message",
				zap.Int("reference_log_id", referenceLogID),
				zap.Int("parent_step_id", *step.ParentStepID),
				zap.Int("message_log_id", parent.ID))
			return parent
		}
	}

	s.Logger.Warn("reference message unavailable, sending unthreaded",
		zap.Int("reference_log_id", referenceLogID), zap.Error(err))
	return nil
}

func (s *DispatchService) engagementFor(messageLogID int) (Engagement, error) {
	var e Engagement
	var err error
	if e.Replied, err = s.Tracking.HasEvent(messageLogID, model.EventReply); err != nil {
		return e, err
	}
	if e.Opened, err = s.Tracking.HasEvent(messageLogID, model.EventOpen); err != nil {
		return e, err
	}
	if e.Clicked, err = s.Tracking.HasEvent(messageLogID, model.EventClick); err != nil {
		return e, err
	}
	return e, nil
}

func (s *DispatchService) failRecipient(recipientID int, cause error) {
	s.Logger.Error("recipient dispatch failed",
		zap.Int("recipient_id", recipientID), zap.Error(cause))
	if err := s.Campaigns.UpdateRecipientStatus(recipientID, model.RecipientFailed, nil); err != nil {
		s.Logger.Error("failed to mark recipient failed",
			zap.Int("recipient_id", recipientID), zap.Error(err))
	}
	s.Metrics.MessageFailed()
}

func (s *DispatchService) reportSpam(r render.Rendered, campaignID, recipientID int) {
	if !r.Spam.Flagged {
		return
	}
	// Visibility over enforcement: flagged mail still goes out.
	s.Logger.Warn("message flagged as spam risk",
		zap.Int("campaign_id", campaignID),
		zap.Int("recipient_id", recipientID),
		zap.Int("score", r.Spam.Score),
		zap.Strings("reasons", r.Spam.Reasons))
	s.Metrics.SpamFlagged()
}

// fatalOrRetry swallows not-found errors (the entity is gone, retrying
// cannot help) and propagates everything else to the queue.
func (s *DispatchService) fatalOrRetry(op string, err error) error {
	if appErrors.IsNotFound(err) {
		s.Logger.Error(op+" references missing entity", zap.Error(err))
		return nil
	}
	return err
}
