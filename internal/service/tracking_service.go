package service

import (
	"time"

	"go.uber.org/zap"

	"github.com/mailloop/outreach-backend/internal/metrics"
	"github.com/mailloop/outreach-backend/internal/model"
	"github.com/mailloop/outreach-backend/internal/notify"
	"github.com/mailloop/outreach-backend/internal/repository"
)

// TrackingService ingests open/click/reply signals. Duplicates are
// recorded as-is: the counters measure raw engagement volume, and
// unique-open derivation is a read-time concern elsewhere.
type TrackingService struct {
	Tracking repository.TrackingRepositoryInterface
	Messages repository.MessageLogRepositoryInterface
	Notifier notify.Notifier
	Metrics  metrics.Sink
	Logger   *zap.Logger
}

func (s *TrackingService) RecordEvent(messageLogID int, eventType model.EventType, metadata map[string]string, occurredAt time.Time) error {
	ev := &model.TrackingEvent{
		MessageLogID: messageLogID,
		Type:         eventType,
		Metadata:     metadata,
		OccurredAt:   occurredAt,
	}
	if err := s.Tracking.RecordEvent(ev); err != nil {
		return err
	}

	if eventType == model.EventOpen || eventType == model.EventClick {
		if err := s.Messages.IncrementCounter(messageLogID, eventType); err != nil {
			return err
		}
	}
	s.Metrics.TrackingEvent(string(eventType))

	// Side-channel notification happens outside the write path; a
	// failure here is logged, never propagated.
	var kind string
	switch eventType {
	case model.EventOpen:
		kind = notify.KindMessageOpened
	case model.EventClick:
		kind = notify.KindMessageClicked
	default:
		return nil
	}
	if err := s.Notifier.Notify(kind, map[string]any{
		"message_log_id": messageLogID,
		"occurred_at":    occurredAt,
	}); err != nil {
		s.Logger.Error("workflow notification failed",
			zap.String("kind", kind),
			zap.Int("message_log_id", messageLogID),
			zap.Error(err))
	}
	return nil
}
