package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	appErrors "github.com/mailloop/outreach-backend/internal/errors"
)

const (
	workQueueName = "outreach_jobs"
	waitQueueName = "outreach_jobs_wait"

	headerJobName        = "x-job-name"
	headerRetryCount     = "x-retry-count"
	headerMaxAttempts    = "x-max-attempts"
	headerBackoffMs      = "x-backoff-ms"
	headerIdempotencyKey = "x-idempotency-key"
)

// AMQP publishes jobs to RabbitMQ. Delayed delivery uses a wait queue
// with per-message TTL that dead-letters into the work queue; retries
// carry an x-retry-count header and re-enter through the wait queue
// with the backoff as TTL.
type AMQP struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *zap.Logger

	mu       sync.Mutex
	handlers map[string]registration
	seen     map[string]bool
}

func DialAMQP(url string, logger *zap.Logger) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(workQueueName, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare work queue: %w", err)
	}
	if _, err := ch.QueueDeclare(waitQueueName, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": workQueueName,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare wait queue: %w", err)
	}

	return &AMQP{
		conn:     conn,
		ch:       ch,
		logger:   logger,
		handlers: make(map[string]registration),
		seen:     make(map[string]bool),
	}, nil
}

func (q *AMQP) Close() error {
	q.ch.Close()
	return q.conn.Close()
}

func (q *AMQP) Register(name string, handler Handler, onDead DeadLetterFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = registration{handler: handler, onDead: onDead}
}

func (q *AMQP) Enqueue(job Job) error {
	body, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}
	// Same publisher-side dedup as the in-memory queue. Retries bypass
	// this path: handleDelivery republishes through publish directly.
	if job.IdempotencyKey != "" {
		q.mu.Lock()
		if q.seen[job.IdempotencyKey] {
			q.mu.Unlock()
			return nil
		}
		q.seen[job.IdempotencyKey] = true
		q.mu.Unlock()
	}
	headers := amqp.Table{
		headerJobName:     job.Name,
		headerRetryCount:  int32(0),
		headerMaxAttempts: int32(job.MaxAttempts),
		headerBackoffMs:   job.Backoff.Milliseconds(),
	}
	if job.IdempotencyKey != "" {
		headers[headerIdempotencyKey] = job.IdempotencyKey
	}
	return q.publish(body, headers, job.Delay)
}

func (q *AMQP) publish(body []byte, headers amqp.Table, delay time.Duration) error {
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
		Body:         body,
	}
	target := workQueueName
	if delay > 0 {
		pub.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
		target = waitQueueName
	}
	return q.ch.Publish("", target, false, false, pub)
}

// Run consumes the work queue with the given concurrency and blocks
// until the delivery channel closes.
func (q *AMQP) Run(concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}
	if err := q.ch.Qos(concurrency, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	msgs, err := q.ch.Consume(workQueueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range msgs {
				q.handleDelivery(d)
			}
		}()
	}
	wg.Wait()
	return nil
}

func (q *AMQP) handleDelivery(d amqp.Delivery) {
	name, _ := d.Headers[headerJobName].(string)

	q.mu.Lock()
	reg, ok := q.handlers[name]
	q.mu.Unlock()
	if !ok {
		q.logger.Warn("no handler for job, dropping", zap.String("job", name))
		d.Ack(false)
		return
	}

	err := reg.handler(d.Body)
	if err == nil {
		d.Ack(false)
		return
	}

	retryCount := headerInt(d.Headers, headerRetryCount)
	maxAttempts := headerInt(d.Headers, headerMaxAttempts)
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	if !appErrors.Retryable(err) || retryCount+1 >= maxAttempts {
		q.logger.Error("job permanently failed",
			zap.String("job", name),
			zap.Int("attempts", retryCount+1),
			zap.Error(err))
		if reg.onDead != nil {
			reg.onDead(d.Body, err)
		}
		d.Ack(false)
		return
	}

	backoff := time.Duration(headerInt(d.Headers, headerBackoffMs)) * time.Millisecond
	delay := backoff << uint(retryCount)
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[headerRetryCount] = int32(retryCount + 1)

	q.logger.Warn("job attempt failed, scheduling retry",
		zap.String("job", name),
		zap.Int("attempt", retryCount+1),
		zap.Duration("backoff", delay),
		zap.Error(err))

	if pubErr := q.publish(d.Body, headers, delay); pubErr != nil {
		q.logger.Error("failed to schedule retry, requeueing",
			zap.String("job", name), zap.Error(pubErr))
		d.Nack(false, true)
		return
	}
	d.Ack(false)
}

func headerInt(headers amqp.Table, key string) int {
	switch v := headers[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
