package service_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appErrors "github.com/mailloop/outreach-backend/internal/errors"
	"github.com/mailloop/outreach-backend/internal/metrics"
	"github.com/mailloop/outreach-backend/internal/model"
	"github.com/mailloop/outreach-backend/internal/notify"
	"github.com/mailloop/outreach-backend/internal/queue"
	"github.com/mailloop/outreach-backend/internal/render"
	"github.com/mailloop/outreach-backend/internal/service"
)

type dispatchFixture struct {
	campaigns *fakeCampaignRepo
	messages  *fakeMessageRepo
	sequences *fakeSequenceRepo
	tracking  *fakeTrackingRepo
	queue     *fakeQueue
	transport *fakeTransport
	notifier  *fakeNotifier
	svc       *service.DispatchService
	now       time.Time
}

func newDispatchFixture(t *testing.T, sequences ...*model.FollowUpSequence) *dispatchFixture {
	t.Helper()
	f := &dispatchFixture{
		campaigns: newFakeCampaignRepo(),
		messages:  newFakeMessageRepo(),
		sequences: newFakeSequenceRepo(sequences...),
		tracking:  newFakeTrackingRepo(),
		queue:     &fakeQueue{},
		transport: &fakeTransport{},
		notifier:  &fakeNotifier{},
		now:       time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	scheduler := &service.FollowUpScheduler{
		Sequences: f.sequences,
		Queue:     f.queue,
		Logger:    zap.NewNop(),
		Now:       func() time.Time { return f.now },
	}
	f.svc = &service.DispatchService{
		Campaigns: f.campaigns,
		Messages:  f.messages,
		Sequences: f.sequences,
		Tracking:  f.tracking,
		Queue:     f.queue,
		Transport: f.transport,
		Scheduler: scheduler,
		Notifier:  f.notifier,
		Metrics:   metrics.Nop{},
		Links:     render.Links{Base: "https://track.test"},
		Logger:    zap.NewNop(),
		Now:       func() time.Time { return f.now },
	}
	return f
}

func (f *dispatchFixture) seedCampaign(status model.CampaignStatus, strategy model.SendStrategy) *model.Campaign {
	return f.campaigns.addCampaign(&model.Campaign{
		ID: 1, UserID: 1, Name: "Launch", Status: status, Strategy: strategy,
	})
}

func (f *dispatchFixture) seedRecipient(payload map[string]string) *model.Recipient {
	return f.campaigns.addRecipient(&model.Recipient{
		ID: 2, CampaignID: 1,
		Email:   "alice@example.com",
		Payload: payload,
		Status:  model.RecipientPending,
	})
}

func dispatchPayload(t *testing.T, campaignID, recipientID int) []byte {
	t.Helper()
	b, err := json.Marshal(service.DispatchJob{CampaignID: campaignID, RecipientID: recipientID})
	require.NoError(t, err)
	return b
}

func followUpPayload(t *testing.T, job service.FollowUpJob) []byte {
	t.Helper()
	b, err := json.Marshal(job)
	require.NoError(t, err)
	return b
}

func TestHandleDispatchHappyPath(t *testing.T) {
	f := newDispatchFixture(t)
	f.seedCampaign(model.CampaignScheduled, validStrategy())
	f.seedRecipient(map[string]string{"first_name": "Alice"})

	require.NoError(t, f.svc.HandleDispatch(dispatchPayload(t, 1, 2)))

	// First executed dispatch moves the campaign to running.
	assert.Equal(t, model.CampaignRunning, f.campaigns.campaigns[1].Status)

	require.Len(t, f.transport.sends, 1)
	sent := f.transport.sends[0]
	assert.Equal(t, "alice@example.com", sent.To)
	assert.Equal(t, "Hi Alice", sent.Subject)
	assert.Contains(t, sent.HTML, "Hello Alice")

	// Tracking was injected against the real log id before sending.
	assert.Contains(t, sent.HTML, "https://track.test/track/open/1")

	logRow, err := f.messages.GetByID(1)
	require.NoError(t, err)
	assert.Equal(t, model.MessageSent, logRow.Status)
	assert.Equal(t, "pm-1", logRow.ProviderMessageID)

	assert.Equal(t, model.RecipientSent, f.campaigns.recipientStatuses[2])
	assert.Len(t, f.queue.byName(queue.CompletionCheckJobName), 1)
}

// Template "Hi {{name}}" with an empty payload renders to "Hi " and
// still goes out: a missing merge value is not a failure.
func TestHandleDispatchMissingMergeValue(t *testing.T) {
	f := newDispatchFixture(t)
	f.seedCampaign(model.CampaignScheduled, model.SendStrategy{
		SubjectTemplate: "Hi {{name}}",
		HTMLTemplate:    "<p>Hi {{name}}</p>",
	})
	f.seedRecipient(map[string]string{})

	require.NoError(t, f.svc.HandleDispatch(dispatchPayload(t, 1, 2)))

	require.Len(t, f.transport.sends, 1)
	assert.Equal(t, "Hi ", f.transport.sends[0].Subject)
	assert.Equal(t, "<p>Hi </p>", f.transport.sends[0].HTML)
}

func TestHandleDispatchContentErrorFailsRecipient(t *testing.T) {
	f := newDispatchFixture(t)
	f.seedCampaign(model.CampaignScheduled, model.SendStrategy{
		SubjectTemplate: "{{missing}}",
		HTMLTemplate:    "<p>hi</p>",
	})
	f.seedRecipient(nil)

	// Content errors are terminal: no retry, recipient failed.
	require.NoError(t, f.svc.HandleDispatch(dispatchPayload(t, 1, 2)))
	assert.Empty(t, f.transport.sends)
	assert.Equal(t, model.RecipientFailed, f.campaigns.recipientStatuses[2])
}

func TestHandleDispatchTransportFailure(t *testing.T) {
	f := newDispatchFixture(t)
	f.seedCampaign(model.CampaignScheduled, validStrategy())
	f.seedRecipient(nil)
	f.transport.sendErr = errors.New("smtp connection reset")

	err := f.svc.HandleDispatch(dispatchPayload(t, 1, 2))
	require.Error(t, err)
	assert.True(t, appErrors.Retryable(err), "transport failures go back to the queue")

	// The attempt left a failed log row behind.
	logRow, gerr := f.messages.GetByID(1)
	require.NoError(t, gerr)
	assert.Equal(t, model.MessageFailed, logRow.Status)
	assert.Contains(t, logRow.LastError, "smtp connection reset")

	// The recipient is not failed yet; the dead letter handler owns that.
	assert.Equal(t, model.RecipientStatus(""), f.campaigns.recipientStatuses[2])
}

func TestHandleDispatchLogCreatedBeforeTransport(t *testing.T) {
	f := newDispatchFixture(t)
	f.seedCampaign(model.CampaignScheduled, validStrategy())
	f.seedRecipient(nil)
	f.transport.sendErr = errors.New("boom")

	_ = f.svc.HandleDispatch(dispatchPayload(t, 1, 2))

	// Even a failed attempt has a log row: it was created first so the
	// tracking URLs could reference it.
	logRow, err := f.messages.GetByID(1)
	require.NoError(t, err)
	assert.Equal(t, 1, logRow.CampaignID)
	assert.Equal(t, 2, logRow.RecipientID)
}

func TestHandleDispatchSchedulesFollowUps(t *testing.T) {
	f := newDispatchFixture(t, &model.FollowUpSequence{
		ID: 1, CampaignID: 1,
		Steps: []model.FollowUpStep{
			{ID: 10, SequenceID: 1, StepOrder: 1, DelayMs: ms(3_600_000)},
		},
	})
	f.seedCampaign(model.CampaignScheduled, validStrategy())
	f.seedRecipient(nil)

	require.NoError(t, f.svc.HandleDispatch(dispatchPayload(t, 1, 2)))

	jobs := f.queue.byName(queue.FollowUpJobName)
	require.Len(t, jobs, 1)
	job := jobs[0].Payload.(service.FollowUpJob)
	assert.Equal(t, 10, job.StepID)
	assert.Equal(t, 1, job.ReferenceMessageLogID, "follow-up references the send it chases")
}

func TestHandleDispatchMissingEntityIsDropped(t *testing.T) {
	f := newDispatchFixture(t)
	// Neither campaign nor recipient exists; the job is consumed, not retried.
	assert.NoError(t, f.svc.HandleDispatch(dispatchPayload(t, 42, 43)))
	assert.Empty(t, f.transport.sends)
}

func TestHandleDispatchBadPayloadIsDropped(t *testing.T) {
	f := newDispatchFixture(t)
	assert.NoError(t, f.svc.HandleDispatch([]byte("{not json")))
}

func seqWithStep(stopOnReply bool, step model.FollowUpStep) *model.FollowUpSequence {
	return &model.FollowUpSequence{
		ID: 1, CampaignID: 1,
		StopOnReply: stopOnReply,
		Steps:       []model.FollowUpStep{step},
	}
}

// A reply to the original message suppresses the queued follow-up
// entirely: zero transport calls, job consumed as success.
func TestHandleFollowUpStopsAfterReply(t *testing.T) {
	f := newDispatchFixture(t, seqWithStep(true, model.FollowUpStep{
		ID: 10, SequenceID: 1, StepOrder: 1,
		SubjectTemplate: "Re: hi", HTMLTemplate: "<p>bump</p>",
	}))
	f.seedCampaign(model.CampaignRunning, validStrategy())
	f.seedRecipient(nil)
	f.tracking.setEvent(100, model.EventReply)

	err := f.svc.HandleFollowUp(followUpPayload(t, service.FollowUpJob{
		CampaignID: 1, RecipientID: 2, StepID: 10, ReferenceMessageLogID: 100,
	}))
	require.NoError(t, err)
	assert.Empty(t, f.transport.sends)
}

func TestHandleFollowUpStepConditionNotOpened(t *testing.T) {
	step := model.FollowUpStep{
		ID: 10, SequenceID: 1, StepOrder: 1,
		Condition:       model.ConditionIfNotOpened,
		SubjectTemplate: "Did you see this?", HTMLTemplate: "<p>bump</p>",
	}

	t.Run("open recorded, step skipped", func(t *testing.T) {
		f := newDispatchFixture(t, seqWithStep(false, step))
		f.seedCampaign(model.CampaignRunning, validStrategy())
		f.seedRecipient(nil)
		f.tracking.setEvent(100, model.EventOpen)

		require.NoError(t, f.svc.HandleFollowUp(followUpPayload(t, service.FollowUpJob{
			CampaignID: 1, RecipientID: 2, StepID: 10, ReferenceMessageLogID: 100,
		})))
		assert.Empty(t, f.transport.sends)
	})

	t.Run("no open, step sends", func(t *testing.T) {
		f := newDispatchFixture(t, seqWithStep(false, step))
		f.seedCampaign(model.CampaignRunning, validStrategy())
		f.seedRecipient(nil)

		require.NoError(t, f.svc.HandleFollowUp(followUpPayload(t, service.FollowUpJob{
			CampaignID: 1, RecipientID: 2, StepID: 10, ReferenceMessageLogID: 100,
		})))
		require.Len(t, f.transport.sends, 1)
		assert.Equal(t, "Did you see this?", f.transport.sends[0].Subject)
	})
}

func TestHandleFollowUpThreading(t *testing.T) {
	step := model.FollowUpStep{
		ID: 10, SequenceID: 1, StepOrder: 1,
		SendAsReply:     true,
		SubjectTemplate: "Re: hi", HTMLTemplate: "<p>bump</p>",
	}

	t.Run("reference sent, headers attached", func(t *testing.T) {
		f := newDispatchFixture(t, seqWithStep(false, step))
		f.seedCampaign(model.CampaignRunning, validStrategy())
		f.seedRecipient(nil)

		ref := &model.MessageLog{CampaignID: 1, RecipientID: 2, ToEmail: "alice@example.com"}
		require.NoError(t, f.messages.Create(ref))
		require.NoError(t, f.messages.Finalize(ref.ID, model.MessageSent, "orig-123", "th-1", ""))

		require.NoError(t, f.svc.HandleFollowUp(followUpPayload(t, service.FollowUpJob{
			CampaignID: 1, RecipientID: 2, StepID: 10, ReferenceMessageLogID: ref.ID,
		})))

		require.Len(t, f.transport.sends, 1)
		headers := f.transport.sends[0].ThreadingHeaders
		assert.Equal(t, "orig-123", headers["In-Reply-To"])
		assert.Equal(t, "orig-123", headers["References"])
		assert.Equal(t, "thread-orig-123", headers["Thread-Id"])
	})

	t.Run("lookup failure degrades to unthreaded", func(t *testing.T) {
		f := newDispatchFixture(t, seqWithStep(false, step))
		f.seedCampaign(model.CampaignRunning, validStrategy())
		f.seedRecipient(nil)
		f.transport.threadErr = errors.New("provider timeout")

		ref := &model.MessageLog{CampaignID: 1, RecipientID: 2, ToEmail: "alice@example.com"}
		require.NoError(t, f.messages.Create(ref))
		require.NoError(t, f.messages.Finalize(ref.ID, model.MessageSent, "orig-123", "", ""))

		require.NoError(t, f.svc.HandleFollowUp(followUpPayload(t, service.FollowUpJob{
			CampaignID: 1, RecipientID: 2, StepID: 10, ReferenceMessageLogID: ref.ID,
		})))

		require.Len(t, f.transport.sends, 1, "send proceeds without threading")
		assert.Nil(t, f.transport.sends[0].ThreadingHeaders)
	})

	t.Run("stale reference falls back to parent step message", func(t *testing.T) {
		parentID := 9
		nested := step
		nested.IsNested = true
		nested.ParentStepID = &parentID
		f := newDispatchFixture(t, seqWithStep(false, nested))
		f.seedCampaign(model.CampaignRunning, validStrategy())
		f.seedRecipient(nil)

		parentStep := parentID
		parentLog := &model.MessageLog{CampaignID: 1, RecipientID: 2, StepID: &parentStep, ToEmail: "alice@example.com"}
		require.NoError(t, f.messages.Create(parentLog))
		require.NoError(t, f.messages.Finalize(parentLog.ID, model.MessageSent, "parent-456", "", ""))

		require.NoError(t, f.svc.HandleFollowUp(followUpPayload(t, service.FollowUpJob{
			CampaignID: 1, RecipientID: 2, StepID: 10, ReferenceMessageLogID: 999,
		})))

		require.Len(t, f.transport.sends, 1)
		headers := f.transport.sends[0].ThreadingHeaders
		require.NotNil(t, headers)
		assert.Equal(t, "parent-456", headers["In-Reply-To"])
	})

	t.Run("missing reference degrades to unthreaded", func(t *testing.T) {
		f := newDispatchFixture(t, seqWithStep(false, step))
		f.seedCampaign(model.CampaignRunning, validStrategy())
		f.seedRecipient(nil)

		require.NoError(t, f.svc.HandleFollowUp(followUpPayload(t, service.FollowUpJob{
			CampaignID: 1, RecipientID: 2, StepID: 10, ReferenceMessageLogID: 999,
		})))
		require.Len(t, f.transport.sends, 1)
		assert.Nil(t, f.transport.sends[0].ThreadingHeaders)
	})
}

func TestHandleFollowUpChainsNestedChildren(t *testing.T) {
	parentID := 10
	f := newDispatchFixture(t, &model.FollowUpSequence{
		ID: 1, CampaignID: 1,
		Steps: []model.FollowUpStep{
			{
				ID: 10, SequenceID: 1, StepOrder: 1,
				SubjectTemplate: "First nudge", HTMLTemplate: "<p>bump</p>",
			},
			{
				ID: 11, SequenceID: 1, StepOrder: 2,
				IsNested: true, ParentStepID: &parentID, DelayMs: ms(3_600_000),
				SubjectTemplate: "Last note", HTMLTemplate: "<p>final</p>",
			},
		},
	})
	f.seedCampaign(model.CampaignRunning, validStrategy())
	f.seedRecipient(nil)

	require.NoError(t, f.svc.HandleFollowUp(followUpPayload(t, service.FollowUpJob{
		CampaignID: 1, RecipientID: 2, StepID: 10, ReferenceMessageLogID: 100,
	})))

	require.Len(t, f.transport.sends, 1)

	jobs := f.queue.byName(queue.FollowUpJobName)
	require.Len(t, jobs, 1)
	child := jobs[0].Payload.(service.FollowUpJob)
	assert.Equal(t, 11, child.StepID)
	assert.Equal(t, 1, child.ReferenceMessageLogID,
		"nested step references the message its parent just produced")
}

func TestHandleFollowUpContentErrorKillsOnlyThisStep(t *testing.T) {
	f := newDispatchFixture(t, seqWithStep(false, model.FollowUpStep{
		ID: 10, SequenceID: 1, StepOrder: 1,
		SubjectTemplate: "{{missing}}", HTMLTemplate: "<p>bump</p>",
	}))
	f.seedCampaign(model.CampaignRunning, validStrategy())
	recipient := f.seedRecipient(nil)
	recipient.Status = model.RecipientSent

	require.NoError(t, f.svc.HandleFollowUp(followUpPayload(t, service.FollowUpJob{
		CampaignID: 1, RecipientID: 2, StepID: 10, ReferenceMessageLogID: 100,
	})))
	assert.Empty(t, f.transport.sends)
	// The recipient keeps their status from the original send.
	assert.Equal(t, model.RecipientSent, recipient.Status)
}

func TestHandleCompletionCheck(t *testing.T) {
	t.Run("all sent completes once", func(t *testing.T) {
		f := newDispatchFixture(t)
		f.seedCampaign(model.CampaignRunning, validStrategy())
		f.campaigns.addRecipient(&model.Recipient{ID: 2, CampaignID: 1, Status: model.RecipientSent})
		f.campaigns.addRecipient(&model.Recipient{ID: 3, CampaignID: 1, Status: model.RecipientSent})

		payload, _ := json.Marshal(service.CompletionCheckJob{CampaignID: 1})
		require.NoError(t, f.svc.HandleCompletionCheck(payload))
		assert.Equal(t, model.CampaignCompleted, f.campaigns.campaigns[1].Status)
		assert.Equal(t, []string{notify.KindCampaignCompleted}, f.notifier.kinds)

		// A second check is a no-op: the transition already happened.
		require.NoError(t, f.svc.HandleCompletionCheck(payload))
		assert.Len(t, f.notifier.kinds, 1)
	})

	t.Run("pending recipients keep it running", func(t *testing.T) {
		f := newDispatchFixture(t)
		f.seedCampaign(model.CampaignRunning, validStrategy())
		f.campaigns.addRecipient(&model.Recipient{ID: 2, CampaignID: 1, Status: model.RecipientSent})
		f.campaigns.addRecipient(&model.Recipient{ID: 3, CampaignID: 1, Status: model.RecipientPending})

		payload, _ := json.Marshal(service.CompletionCheckJob{CampaignID: 1})
		require.NoError(t, f.svc.HandleCompletionCheck(payload))
		assert.Equal(t, model.CampaignRunning, f.campaigns.campaigns[1].Status)
		assert.Empty(t, f.notifier.kinds)
	})

	t.Run("empty audience never completes", func(t *testing.T) {
		f := newDispatchFixture(t)
		f.seedCampaign(model.CampaignRunning, validStrategy())

		payload, _ := json.Marshal(service.CompletionCheckJob{CampaignID: 1})
		require.NoError(t, f.svc.HandleCompletionCheck(payload))
		assert.Equal(t, model.CampaignRunning, f.campaigns.campaigns[1].Status)
	})
}

func TestDispatchDeadLetterFailsRecipient(t *testing.T) {
	f := newDispatchFixture(t)
	f.seedCampaign(model.CampaignRunning, validStrategy())
	f.seedRecipient(nil)

	f.svc.DispatchDeadLetter(dispatchPayload(t, 1, 2), errors.New("smtp down"))
	assert.Equal(t, model.RecipientFailed, f.campaigns.recipientStatuses[2])
}

func TestFollowUpDeadLetterKeepsRecipientStatus(t *testing.T) {
	f := newDispatchFixture(t)
	f.seedCampaign(model.CampaignRunning, validStrategy())
	recipient := f.seedRecipient(nil)
	recipient.Status = model.RecipientSent

	f.svc.FollowUpDeadLetter(followUpPayload(t, service.FollowUpJob{
		CampaignID: 1, RecipientID: 2, StepID: 10, ReferenceMessageLogID: 100,
	}), errors.New("smtp down"))
	assert.Equal(t, model.RecipientSent, recipient.Status)
}

func TestClickRewritePointsAtTracker(t *testing.T) {
	strategy := validStrategy()
	strategy.SubjectTemplate = "News"
	strategy.HTMLTemplate = `<p><a href="https://example.com/launch">Look</a></p>`

	f := newDispatchFixture(t)
	f.seedCampaign(model.CampaignScheduled, strategy)
	f.seedRecipient(nil)

	require.NoError(t, f.svc.HandleDispatch(dispatchPayload(t, 1, 2)))
	require.Len(t, f.transport.sends, 1)
	assert.Contains(t, f.transport.sends[0].HTML,
		`href="https://track.test/track/click/1?u=https%3A%2F%2Fexample.com%2Flaunch"`)
	assert.NotContains(t, f.transport.sends[0].HTML, `href="https://example.com/launch"`)
}
