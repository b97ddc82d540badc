package service

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mailloop/outreach-backend/internal/model"
	"github.com/mailloop/outreach-backend/internal/queue"
	"github.com/mailloop/outreach-backend/internal/repository"
)

const (
	// DefaultFollowUpDelay applies when a step carries neither a usable
	// absolute time nor a relative delay.
	DefaultFollowUpDelay = 48 * time.Hour
	// MinFollowUpDelay keeps a mis-configured near-zero delay from
	// firing before the originating send has been recorded.
	MinFollowUpDelay = time.Minute

	FollowUpMaxAttempts = 3
	FollowUpBackoff     = 5 * time.Second
)

// StopCondition is the tagged variant the scheduler evaluates at
// dispatch time, built from the sequence settings and the per-step
// condition string.
type StopCondition int

const (
	AlwaysSend StopCondition = iota
	StopIfReplied
	StopIfOpened
	StopIfNotOpened // "send only if not opened": skip when an open occurred
	StopIfClicked
)

// Engagement is what has been observed for the reference message.
type Engagement struct {
	Replied bool
	Opened  bool
	Clicked bool
}

// ConditionsFor merges sequence-level stop settings with the step's
// own condition.
func ConditionsFor(seq *model.FollowUpSequence, step *model.FollowUpStep) []StopCondition {
	conds := []StopCondition{}
	if seq.StopOnReply {
		conds = append(conds, StopIfReplied)
	}
	if seq.StopOnOpen {
		conds = append(conds, StopIfOpened)
	}
	switch step.Condition {
	case model.ConditionIfNotReplied:
		conds = append(conds, StopIfReplied)
	case model.ConditionIfNotOpened:
		conds = append(conds, StopIfNotOpened)
	case model.ConditionIfNotClicked:
		conds = append(conds, StopIfClicked)
	case model.ConditionNone:
	}
	return conds
}

// EvaluateStopConditions reports whether the step must be skipped, and
// why. Skipping is silent success, not a failure.
func EvaluateStopConditions(conds []StopCondition, e Engagement) (bool, string) {
	for _, c := range conds {
		switch c {
		case AlwaysSend:
		case StopIfReplied:
			if e.Replied {
				return true, "replied"
			}
		case StopIfOpened:
			if e.Opened {
				return true, "opened"
			}
		case StopIfNotOpened:
			if e.Opened {
				return true, "opened"
			}
		case StopIfClicked:
			if e.Clicked {
				return true, "clicked"
			}
		}
	}
	return false, ""
}

// FollowUpJob is the queue payload for one follow-up send attempt.
type FollowUpJob struct {
	CampaignID            int `json:"campaign_id"`
	RecipientID           int `json:"recipient_id"`
	StepID                int `json:"step_id"`
	ReferenceMessageLogID int `json:"reference_message_log_id"`
}

// FollowUpScheduler computes due times and enqueues follow-up jobs.
type FollowUpScheduler struct {
	Sequences repository.SequenceRepositoryInterface
	Queue     queue.Queue
	Logger    *zap.Logger
	Now       func() time.Time
}

func (s *FollowUpScheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// DueDelay computes how long to wait before dispatching a step.
// An absolute time still in the future is used verbatim; one already
// elapsed is a configuration error and falls back to the relative
// delay measured from now. Otherwise the relative delay is measured
// from the anchor (the actual send of the predecessor).
func DueDelay(step *model.FollowUpStep, anchor, now time.Time) time.Duration {
	relative := DefaultFollowUpDelay
	if step.DelayMs != nil && *step.DelayMs > 0 {
		relative = time.Duration(*step.DelayMs) * time.Millisecond
	}

	var due time.Time
	switch {
	case step.ScheduledAt != nil && step.ScheduledAt.After(now):
		due = *step.ScheduledAt
	case step.ScheduledAt != nil:
		due = now.Add(relative)
	default:
		due = anchor.Add(relative)
	}

	delay := due.Sub(now)
	if delay < MinFollowUpDelay {
		delay = MinFollowUpDelay
	}
	return delay
}

// ScheduleForRecipient enqueues every non-nested step of every
// sequence attached to the campaign, anchored at the original send.
// Nested steps are deliberately left out: they are enqueued only when
// their parent step's own dispatch completes.
func (s *FollowUpScheduler) ScheduleForRecipient(campaignID, recipientID, originLogID int, anchor time.Time) error {
	sequences, err := s.Sequences.FindSequencesForCampaign(campaignID)
	if err != nil {
		return err
	}

	for _, seq := range sequences {
		scheduled := 0
		for i := range seq.Steps {
			step := &seq.Steps[i]
			if step.IsNested {
				continue
			}
			if seq.MaxFollowUps > 0 && scheduled >= seq.MaxFollowUps {
				s.Logger.Info("follow-up cap reached at schedule time",
					zap.Int("sequence_id", seq.ID),
					zap.Int("recipient_id", recipientID))
				break
			}
			if err := s.enqueueStep(step, campaignID, recipientID, originLogID, anchor); err != nil {
				return err
			}
			scheduled++
		}
	}
	return nil
}

// ScheduleChildren enqueues the direct children of a completed step,
// anchored at that completion and referencing the message it produced.
func (s *FollowUpScheduler) ScheduleChildren(parentStepID, campaignID, recipientID, parentLogID int, anchor time.Time) error {
	children, err := s.Sequences.ChildSteps(parentStepID)
	if err != nil {
		return err
	}

	for _, step := range children {
		seq, err := s.Sequences.GetSequence(step.SequenceID)
		if err != nil {
			return err
		}
		if seq.MaxFollowUps > 0 {
			sent, err := s.Sequences.CountFollowUpSends(seq.ID, recipientID)
			if err != nil {
				return err
			}
			if sent >= seq.MaxFollowUps {
				s.Logger.Info("follow-up cap reached, dropping nested step",
					zap.Int("step_id", step.ID),
					zap.Int("recipient_id", recipientID))
				continue
			}
		}
		if err := s.enqueueStep(step, campaignID, recipientID, parentLogID, anchor); err != nil {
			return err
		}
	}
	return nil
}

func (s *FollowUpScheduler) enqueueStep(step *model.FollowUpStep, campaignID, recipientID, referenceLogID int, anchor time.Time) error {
	delay := DueDelay(step, anchor, s.now())
	return s.Queue.Enqueue(queue.Job{
		Name: queue.FollowUpJobName,
		Payload: FollowUpJob{
			CampaignID:            campaignID,
			RecipientID:           recipientID,
			StepID:                step.ID,
			ReferenceMessageLogID: referenceLogID,
		},
		Delay:          delay,
		MaxAttempts:    FollowUpMaxAttempts,
		Backoff:        FollowUpBackoff,
		IdempotencyKey: fmt.Sprintf("followup:%d:%d:%d", step.ID, recipientID, referenceLogID),
	})
}
