package service_test

import (
	"fmt"
	"sync"
	"time"

	appErrors "github.com/mailloop/outreach-backend/internal/errors"
	"github.com/mailloop/outreach-backend/internal/model"
	"github.com/mailloop/outreach-backend/internal/queue"
	"github.com/mailloop/outreach-backend/internal/transport"
)

// ---- campaign repository ----

type fakeCampaignRepo struct {
	mu                sync.Mutex
	campaigns         map[int]*model.Campaign
	recipients        map[int]*model.Recipient
	recipientOrder    []int
	transitions       []string
	recipientStatuses map[int]model.RecipientStatus
	statsOverride     map[string]int
	nextID            int
}

func newFakeCampaignRepo() *fakeCampaignRepo {
	return &fakeCampaignRepo{
		campaigns:         map[int]*model.Campaign{},
		recipients:        map[int]*model.Recipient{},
		recipientStatuses: map[int]model.RecipientStatus{},
	}
}

func (f *fakeCampaignRepo) addCampaign(c *model.Campaign) *model.Campaign {
	f.campaigns[c.ID] = c
	return c
}

func (f *fakeCampaignRepo) addRecipient(r *model.Recipient) *model.Recipient {
	f.recipients[r.ID] = r
	f.recipientOrder = append(f.recipientOrder, r.ID)
	return r
}

func (f *fakeCampaignRepo) Create(c *model.Campaign, recipients []*model.Recipient) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	c.ID = f.nextID
	f.campaigns[c.ID] = c
	for _, r := range recipients {
		f.nextID++
		r.ID = f.nextID
		r.CampaignID = c.ID
		f.recipients[r.ID] = r
		f.recipientOrder = append(f.recipientOrder, r.ID)
	}
	return nil
}

func (f *fakeCampaignRepo) GetByID(id int) (*model.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok {
		return nil, appErrors.NewNotFound("campaign", id)
	}
	return c, nil
}

func (f *fakeCampaignRepo) ListCampaigns(offset, limit int, status string) ([]*model.Campaign, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := []*model.Campaign{}
	for _, c := range f.campaigns {
		if status == "" || string(c.Status) == status {
			all = append(all, c)
		}
	}
	total := len(all)
	if offset > total {
		return []*model.Campaign{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (f *fakeCampaignRepo) UpdateStatus(id int, status model.CampaignStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.campaigns[id]; ok {
		c.Status = status
	}
	return nil
}

func (f *fakeCampaignRepo) TransitionStatus(id int, from, to model.CampaignStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok || c.Status != from {
		return false, nil
	}
	c.Status = to
	f.transitions = append(f.transitions, fmt.Sprintf("%d:%s->%s", id, from, to))
	return true, nil
}

func (f *fakeCampaignRepo) UpdateStrategy(id int, strategy model.SendStrategy, scheduledAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.campaigns[id]; ok {
		c.Strategy = strategy
		c.ScheduledAt = scheduledAt
	}
	return nil
}

func (f *fakeCampaignRepo) ListRecipients(campaignID int) ([]*model.Recipient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*model.Recipient{}
	for _, id := range f.recipientOrder {
		if f.recipients[id].CampaignID == campaignID {
			out = append(out, f.recipients[id])
		}
	}
	return out, nil
}

func (f *fakeCampaignRepo) GetRecipient(id int) (*model.Recipient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.recipients[id]
	if !ok {
		return nil, appErrors.NewNotFound("recipient", id)
	}
	return r, nil
}

func (f *fakeCampaignRepo) UpdateRecipientStatus(id int, status model.RecipientStatus, lastSentAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recipientStatuses[id] = status
	if r, ok := f.recipients[id]; ok {
		r.Status = status
		if lastSentAt != nil {
			r.LastSentAt = lastSentAt
		}
	}
	return nil
}

func (f *fakeCampaignRepo) RecipientStats(campaignID int) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statsOverride != nil {
		return f.statsOverride, nil
	}
	stats := map[string]int{"total": 0, "pending": 0, "sent": 0, "failed": 0}
	for _, r := range f.recipients {
		if r.CampaignID != campaignID {
			continue
		}
		stats["total"]++
		stats[string(r.Status)]++
	}
	return stats, nil
}

// ---- message log repository ----

type fakeMessageRepo struct {
	mu     sync.Mutex
	logs   map[int]*model.MessageLog
	nextID int
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{logs: map[int]*model.MessageLog{}}
}

func (f *fakeMessageRepo) Create(msg *model.MessageLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	msg.ID = f.nextID
	msg.CreatedAt = time.Now()
	msg.UpdatedAt = msg.CreatedAt
	cp := *msg
	f.logs[msg.ID] = &cp
	return nil
}

func (f *fakeMessageRepo) GetByID(id int) (*model.MessageLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.logs[id]
	if !ok {
		return nil, appErrors.NewNotFound("message log", id)
	}
	return msg, nil
}

func (f *fakeMessageRepo) Finalize(id int, status model.MessageStatus, providerMessageID, threadID, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.logs[id]
	if !ok {
		return appErrors.NewNotFound("message log", id)
	}
	msg.Status = status
	msg.ProviderMessageID = providerMessageID
	msg.ThreadID = threadID
	msg.LastError = lastError
	return nil
}

func (f *fakeMessageRepo) IncrementCounter(id int, eventType model.EventType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.logs[id]
	if !ok {
		return appErrors.NewNotFound("message log", id)
	}
	switch eventType {
	case model.EventOpen:
		msg.OpenCount++
	case model.EventClick:
		msg.ClickCount++
	}
	return nil
}

func (f *fakeMessageRepo) FindByStepAndRecipient(stepID, recipientID int) (*model.MessageLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, msg := range f.logs {
		if msg.StepID != nil && *msg.StepID == stepID && msg.RecipientID == recipientID {
			return msg, nil
		}
	}
	return nil, nil
}

// ---- sequence repository ----

type fakeSequenceRepo struct {
	sequences  []*model.FollowUpSequence
	sentCounts map[int]int // sequence id -> follow-ups already sent
}

func newFakeSequenceRepo(sequences ...*model.FollowUpSequence) *fakeSequenceRepo {
	return &fakeSequenceRepo{sequences: sequences, sentCounts: map[int]int{}}
}

func (f *fakeSequenceRepo) FindSequencesForCampaign(campaignID int) ([]*model.FollowUpSequence, error) {
	out := []*model.FollowUpSequence{}
	for _, s := range f.sequences {
		if s.CampaignID == campaignID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSequenceRepo) GetSequence(id int) (*model.FollowUpSequence, error) {
	for _, s := range f.sequences {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, appErrors.NewNotFound("sequence", id)
}

func (f *fakeSequenceRepo) GetStep(id int) (*model.FollowUpStep, error) {
	for _, s := range f.sequences {
		for i := range s.Steps {
			if s.Steps[i].ID == id {
				return &s.Steps[i], nil
			}
		}
	}
	return nil, appErrors.NewNotFound("follow-up step", id)
}

func (f *fakeSequenceRepo) ChildSteps(parentStepID int) ([]*model.FollowUpStep, error) {
	out := []*model.FollowUpStep{}
	for _, s := range f.sequences {
		for i := range s.Steps {
			if s.Steps[i].ParentStepID != nil && *s.Steps[i].ParentStepID == parentStepID {
				out = append(out, &s.Steps[i])
			}
		}
	}
	return out, nil
}

func (f *fakeSequenceRepo) CountFollowUpSends(sequenceID, recipientID int) (int, error) {
	return f.sentCounts[sequenceID], nil
}

// ---- tracking repository ----

type fakeTrackingRepo struct {
	mu       sync.Mutex
	recorded []*model.TrackingEvent
	existing map[string]bool
}

func newFakeTrackingRepo() *fakeTrackingRepo {
	return &fakeTrackingRepo{existing: map[string]bool{}}
}

func (f *fakeTrackingRepo) setEvent(messageLogID int, t model.EventType) {
	f.existing[fmt.Sprintf("%d:%s", messageLogID, t)] = true
}

func (f *fakeTrackingRepo) RecordEvent(ev *model.TrackingEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev.ID = len(f.recorded) + 1
	f.recorded = append(f.recorded, ev)
	f.existing[fmt.Sprintf("%d:%s", ev.MessageLogID, ev.Type)] = true
	return nil
}

func (f *fakeTrackingRepo) HasEvent(messageLogID int, eventType model.EventType) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing[fmt.Sprintf("%d:%s", messageLogID, eventType)], nil
}

// ---- queue ----

type fakeQueue struct {
	mu   sync.Mutex
	jobs []queue.Job
}

func (f *fakeQueue) Enqueue(job queue.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeQueue) byName(name string) []queue.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []queue.Job{}
	for _, j := range f.jobs {
		if j.Name == name {
			out = append(out, j)
		}
	}
	return out
}

// ---- transport ----

type fakeTransport struct {
	mu        sync.Mutex
	sends     []transport.SendRequest
	sendErr   error
	threadErr error
	nextID    int
}

func (f *fakeTransport) Send(req transport.SendRequest) (transport.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return transport.SendResult{}, f.sendErr
	}
	f.sends = append(f.sends, req)
	f.nextID++
	return transport.SendResult{
		ProviderMessageID: fmt.Sprintf("pm-%d", f.nextID),
		ThreadID:          fmt.Sprintf("th-%d", f.nextID),
	}, nil
}

func (f *fakeTransport) LookupThread(providerMessageID string) (transport.ThreadInfo, error) {
	if f.threadErr != nil {
		return transport.ThreadInfo{}, f.threadErr
	}
	return transport.ThreadInfo{ProviderMessageID: providerMessageID, ThreadID: "thread-" + providerMessageID}, nil
}

// ---- notifier ----

type fakeNotifier struct {
	mu    sync.Mutex
	kinds []string
}

func (f *fakeNotifier) Notify(kind string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = append(f.kinds, kind)
	return nil
}
