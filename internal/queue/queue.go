// Package queue implements C7, the task queue: at-least-once dispatch of
// pending verification tasks onto a bounded worker pool, backed by Redis,
// following spec.md §4.7. Scheduling mirrors BullMQ's own Redis layout —
// a "pending" zset scored by next-attempt time, an "active" hash tracking
// in-flight leases — but is driven entirely from this package's own Lua
// scripts rather than a BullMQ client, since no pack repo imports one.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dstack-verify/attestor/internal/platform/apperr"
	"github.com/dstack-verify/attestor/internal/platform/logger"
)

// Job is one unit of dispatch. JobID equals the Postgres verification
// task id, per spec.md §4.7's "Idempotency" rule — this invariant MUST be
// preserved by every producer.
type Job struct {
	JobID   string          `json:"jobId"`
	Payload json.RawMessage `json:"payload"`
}

// Config controls Redis connection and dispatch tuning, following
// spec.md §6's QUEUE_* environment variables.
type Config struct {
	URL         string
	QueueName   string
	Concurrency int
	MaxAttempts int
	BackoffMS   int
}

// Queue is the Redis-backed dispatch layer. It owns four keys per queue
// name: `<name>:pending` (zset scored by next-attempt unix-milli),
// `<name>:payloads` (hash of jobId -> Job JSON), `<name>:active`
// (hash of jobId -> worker lease deadline) and `<name>:attempts` (hash of
// jobId -> retry count), plus a pub/sub-free polling
// loop (no BRPOPLPUSH dependency, so pause/resume cannot leave a client
// blocked mid-command).
type Queue struct {
	rdb    *redis.Client
	name   string
	log    *logger.Logger
	paused bool
}

func pendingKey(name string) string { return name + ":pending" }
func payloadsKey(name string) string { return name + ":payloads" }
func activeKey(name string) string   { return name + ":active" }
func attemptsKey(name string) string { return name + ":attempts" }

// New connects to Redis and returns a Queue bound to cfg.QueueName.
func New(cfg Config, log *logger.Logger) (*Queue, error) {
	if log == nil {
		log = logger.NewDefault("queue")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	return &Queue{rdb: rdb, name: cfg.QueueName, log: log}, nil
}

// NewWithClient wraps an existing *redis.Client, useful for tests against
// miniredis or a shared connection pool.
func NewWithClient(rdb *redis.Client, name string, log *logger.Logger) *Queue {
	if log == nil {
		log = logger.NewDefault("queue")
	}
	return &Queue{rdb: rdb, name: name, log: log}
}

// claimScript atomically pops the highest-priority ready job (lowest
// score <= now) from pending, moves it to active with a lease deadline,
// and returns its id and payload. It is the Redis analogue of BullMQ's
// internal move-to-active Lua script.
var claimScript = redis.NewScript(`
local pendingKey = KEYS[1]
local activeKey = KEYS[2]
local payloadsKey = KEYS[3]
local now = tonumber(ARGV[1])
local leaseUntil = tonumber(ARGV[2])

local ids = redis.call('ZRANGEBYSCORE', pendingKey, '-inf', now, 'LIMIT', 0, 1)
if #ids == 0 then
  return nil
end
local id = ids[1]
redis.call('ZREM', pendingKey, id)
redis.call('HSET', activeKey, id, leaseUntil)
local payload = redis.call('HGET', payloadsKey, id)
return {id, payload}
`)

// Enqueue schedules job for immediate dispatch (step 2 of spec.md
// §4.7's "Enqueue"). Re-enqueuing a jobId already present in
// pending/payloads overwrites its payload and resets its score, which
// gives the BullMQ-equivalent de-duplication spec.md §4.7's "Idempotency"
// describes.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return apperr.QueueError("enqueue", err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, payloadsKey(q.name), job.JobID, data)
	pipe.ZAdd(ctx, pendingKey(q.name), redis.Z{Score: float64(time.Now().UnixMilli()), Member: job.JobID})
	pipe.HDel(ctx, activeKey(q.name), job.JobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperr.QueueError("enqueue", err)
	}
	return nil
}

// EnqueueAfter schedules job to become ready after delay, used by the
// retry path's exponential backoff (spec.md §4.7 "Retry").
func (q *Queue) EnqueueAfter(ctx context.Context, job Job, delay time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return apperr.QueueError("enqueue", err)
	}
	score := float64(time.Now().Add(delay).UnixMilli())
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, payloadsKey(q.name), job.JobID, data)
	pipe.ZAdd(ctx, pendingKey(q.name), redis.Z{Score: score, Member: job.JobID})
	pipe.HDel(ctx, activeKey(q.name), job.JobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperr.QueueError("enqueue", err)
	}
	return nil
}

// claim pulls the next ready job, if any, and marks it active under a
// lease. Returns (nil, nil) when nothing is ready.
func (q *Queue) claim(ctx context.Context, lease time.Duration) (*Job, error) {
	now := time.Now().UnixMilli()
	leaseUntil := time.Now().Add(lease).UnixMilli()
	res, err := claimScript.Run(ctx, q.rdb,
		[]string{pendingKey(q.name), activeKey(q.name), payloadsKey(q.name)},
		now, leaseUntil).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.QueueError("claim", err)
	}
	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 || pair[1] == nil {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(pair[1].(string)), &job); err != nil {
		return nil, apperr.QueueError("claim", err)
	}
	return &job, nil
}

// Ack removes a completed or permanently-failed job's bookkeeping.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	pipe := q.rdb.TxPipeline()
	pipe.HDel(ctx, activeKey(q.name), jobID)
	pipe.HDel(ctx, payloadsKey(q.name), jobID)
	pipe.HDel(ctx, attemptsKey(q.name), jobID)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return apperr.QueueError("ack", err)
	}
	return nil
}

// RemoveJob removes a job from the queue if it has not yet been claimed
// (spec.md §4.7 "Cancellation"). It does not attempt to interrupt a
// worker that already holds the job active — there is no pre-emption.
func (q *Queue) RemoveJob(ctx context.Context, jobID string) error {
	removed, err := q.rdb.ZRem(ctx, pendingKey(q.name), jobID).Result()
	if err != nil {
		return apperr.QueueError("remove", err)
	}
	if removed > 0 {
		pipe := q.rdb.TxPipeline()
		pipe.HDel(ctx, payloadsKey(q.name), jobID)
		pipe.HDel(ctx, attemptsKey(q.name), jobID)
		_, err := pipe.Exec(ctx)
		if err != nil {
			return apperr.QueueError("remove", err)
		}
	}
	return nil
}

// nextAttempt reads and increments the retry counter for jobID, returning
// the new attempt count (1-indexed).
func (q *Queue) nextAttempt(ctx context.Context, jobID string) (int, error) {
	n, err := q.rdb.HIncrBy(ctx, attemptsKey(q.name), jobID, 1).Result()
	if err != nil {
		return 0, apperr.QueueError("attempts", err)
	}
	return int(n), nil
}

// Pause stops Dispatcher.tick from claiming new jobs; in-flight jobs run
// to completion (spec.md §4.7 "Pause / resume / clean").
func (q *Queue) Pause()  { q.paused = true }

// Resume re-enables claiming.
func (q *Queue) Resume() { q.paused = false }

// Paused reports whether the queue is currently paused.
func (q *Queue) Paused() bool { return q.paused }

// Clean removes stale attempts/active bookkeeping for a jobId with no
// corresponding payload, the cooperative-signal cleanup named in
// spec.md §4.7.
func (q *Queue) Clean(ctx context.Context, jobID string) error {
	pipe := q.rdb.TxPipeline()
	pipe.HDel(ctx, activeKey(q.name), jobID)
	pipe.HDel(ctx, attemptsKey(q.name), jobID)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return apperr.QueueError("clean", err)
	}
	return nil
}

// Close releases the underlying Redis client.
func (q *Queue) Close() error {
	return q.rdb.Close()
}
