package queue

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/mailloop/outreach-backend/internal/errors"
)

type registration struct {
	handler Handler
	onDead  DeadLetterFunc
}

// Memory runs jobs in-process with timers for delay and exponential
// backoff on retry. It backs the single-binary dev mode and tests;
// production uses the AMQP queue.
type Memory struct {
	mu       sync.Mutex
	handlers map[string]registration
	seen     map[string]bool
	logger   *zap.Logger
	wg       sync.WaitGroup
}

func NewMemory(logger *zap.Logger) *Memory {
	return &Memory{
		handlers: make(map[string]registration),
		seen:     make(map[string]bool),
		logger:   logger,
	}
}

func (q *Memory) Register(name string, handler Handler, onDead DeadLetterFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = registration{handler: handler, onDead: onDead}
}

func (q *Memory) Enqueue(job Job) error {
	body, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}

	q.mu.Lock()
	reg, ok := q.handlers[job.Name]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("no handler registered for job %s", job.Name)
	}
	if job.IdempotencyKey != "" {
		if q.seen[job.IdempotencyKey] {
			q.mu.Unlock()
			return nil
		}
		q.seen[job.IdempotencyKey] = true
	}
	q.mu.Unlock()

	q.wg.Add(1)
	time.AfterFunc(job.Delay, func() {
		defer q.wg.Done()
		q.process(reg, job, body)
	})
	return nil
}

func (q *Memory) process(reg registration, job Job, body []byte) {
	attempts := job.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := job.Backoff

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = reg.handler(body)
		if err == nil {
			return
		}
		if !appErrors.Retryable(err) {
			q.logger.Warn("job failed fatally",
				zap.String("job", job.Name), zap.Error(err))
			return
		}
		q.logger.Warn("job attempt failed",
			zap.String("job", job.Name),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(err))
		if attempt < attempts && backoff > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}

	q.logger.Error("job permanently failed",
		zap.String("job", job.Name), zap.Error(err))
	if reg.onDead != nil {
		reg.onDead(body, err)
	}
}

// Wait blocks until every enqueued job has finished. Test helper.
func (q *Memory) Wait() {
	q.wg.Wait()
}
