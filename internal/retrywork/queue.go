package retrywork

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	queueKey        = "invoiceqa:retry_jobs"
	idempotencyTTL  = 24 * time.Hour
	idempotencyPref = "invoiceqa:job:"
)

// Job is one queued unit of retry work.
type Job struct {
	InvoiceID  string    `json:"invoice_id"`
	JobType    string    `json:"job_type"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Queue is the Redis-backed job queue. Enqueues are idempotent on
// (invoice_id, job_type) so a retried enqueue never duplicates work.
type Queue struct {
	rdb    *redis.Client
	logger *log.Logger
}

func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{
		rdb:    rdb,
		logger: log.New(log.Writer(), "[QUEUE] ", log.LstdFlags),
	}
}

// Enqueue pushes a job unless the idempotency key already exists.
// Returns true when the job was actually queued.
func (q *Queue) Enqueue(ctx context.Context, invoiceID, jobType string) (bool, error) {
	key := fmt.Sprintf("%s%s:%s", idempotencyPref, invoiceID, jobType)
	set, err := q.rdb.SetNX(ctx, key, "1", idempotencyTTL).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency check: %w", err)
	}
	if !set {
		return false, nil
	}

	payload, err := json.Marshal(Job{InvoiceID: invoiceID, JobType: jobType, EnqueuedAt: time.Now()})
	if err != nil {
		return false, err
	}
	if err := q.rdb.LPush(ctx, queueKey, payload).Err(); err != nil {
		return false, fmt.Errorf("enqueue: %w", err)
	}
	return true, nil
}

// Dequeue pops the oldest job, blocking up to timeout. A nil job with a
// nil error means the wait timed out.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	res, err := q.rdb.BRPop(ctx, timeout, queueKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		q.logger.Printf("WARN dropping malformed job payload: %v", err)
		return nil, nil
	}
	return &job, nil
}

// Depth reports the queued job count for the readiness probe.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, queueKey).Result()
}

// Ping checks broker connectivity.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}
