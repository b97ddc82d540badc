package notify

import (
	"go.uber.org/zap"

	"github.com/mailloop/outreach-backend/internal/queue"
)

// Event kinds published to the workflow side-channel.
const (
	KindCampaignCompleted = "campaign.completed"
	KindMessageOpened     = "message.opened"
	KindMessageClicked    = "message.clicked"
)

// Notifier is fire-and-forget: callers log failures and move on,
// never propagate them.
type Notifier interface {
	Notify(kind string, payload any) error
}

// QueueNotifier publishes workflow events onto a secondary queue read
// by an independent consumer, making the delivery contract explicit
// instead of hiding it in an unawaited call.
type QueueNotifier struct {
	Queue  queue.Queue
	Logger *zap.Logger
}

func (n *QueueNotifier) Notify(kind string, payload any) error {
	return n.Queue.Enqueue(queue.Job{
		Name: queue.WorkflowEventJobName,
		Payload: map[string]any{
			"kind":    kind,
			"payload": payload,
		},
		MaxAttempts: 1,
	})
}

// LogNotifier is the dev/test sink.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n *LogNotifier) Notify(kind string, payload any) error {
	n.Logger.Info("workflow event", zap.String("kind", kind), zap.Any("payload", payload))
	return nil
}
