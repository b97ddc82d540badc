package queue

import "time"

// Job names routed through the shared delayed queue.
const (
	DispatchJobName        = "campaign.dispatch"
	FollowUpJobName        = "campaign.followup"
	CompletionCheckJobName = "campaign.completion_check"
	WorkflowEventJobName   = "workflow.event"
)

// Job is one unit of delayed work. Payload is JSON-marshaled before
// publishing. MaxAttempts of 0 or 1 means no retries; Backoff is the
// first retry delay and doubles per attempt. Jobs sharing an
// IdempotencyKey are enqueued at most once per publisher process;
// callers needing a cross-process guarantee must gate the enqueue on
// durable state, the way campaign scheduling gates on the draft status.
type Job struct {
	Name           string
	Payload        any
	Delay          time.Duration
	MaxAttempts    int
	Backoff        time.Duration
	IdempotencyKey string
}

type Queue interface {
	Enqueue(job Job) error
}

// Handler processes one delivery. A nil return acks the job; an error
// return triggers the queue's retry policy.
type Handler func(payload []byte) error

// DeadLetterFunc runs after the final failed attempt.
type DeadLetterFunc func(payload []byte, err error)

// Consumer registers handlers by job name.
type Consumer interface {
	Register(name string, handler Handler, onDead DeadLetterFunc)
}
