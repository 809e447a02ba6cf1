package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"cvtailor/internal/config"
)

// ErrQueueFull is returned by Dispatch when the ready list is at capacity.
// The API maps it to a retryable 503 so clients back off instead of piling
// unbounded work onto the workers.
var ErrQueueFull = errors.New("dispatch queue full")

// Dispatcher hands accepted jobs to the worker pool through Redis. Jobs are
// moved into an in-flight set with a visibility timeout on dequeue; a worker
// crash returns them to the ready list once the lease expires.
type Dispatcher struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	maxDepth      int64
	visibilityTTL time.Duration
}

// New builds a dispatcher from config.
func New(cfg config.Config) *Dispatcher {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 2 * time.Minute
	}
	maxDepth := int64(cfg.QueueMaxDepth)
	if maxDepth <= 0 {
		maxDepth = 200
	}
	return &Dispatcher{
		client:        client,
		readyKey:      "optimize:ready",
		inflightKey:   "optimize:inflight",
		maxDepth:      maxDepth,
		visibilityTTL: visibility,
	}
}

// Client exposes the underlying Redis client for components that share the
// connection (rate limiter).
func (d *Dispatcher) Client() *redis.Client {
	return d.client
}

// Dispatch pushes a job id onto the ready list, rejecting atomically when the
// list is already at capacity.
func (d *Dispatcher) Dispatch(ctx context.Context, jobID string) error {
	res, err := dispatchScript.Run(ctx, d.client, []string{d.readyKey}, jobID, d.maxDepth).Result()
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	if accepted, ok := res.(int64); !ok || accepted != 1 {
		return ErrQueueFull
	}
	return nil
}

// DequeueWithLease pops the next job id and places it into the in-flight set
// with a visibility deadline. Returns "" when the queue is empty.
func (d *Dispatcher) DequeueWithLease(ctx context.Context) (string, error) {
	deadline := time.Now().Add(d.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, d.client, []string{d.readyKey, d.inflightKey}, deadline).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
// Workers call this before slow provider calls.
func (d *Dispatcher) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return d.client.ZAdd(ctx, d.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking.
func (d *Dispatcher) Ack(ctx context.Context, jobID string) error {
	return d.client.ZRem(ctx, d.inflightKey, jobID).Err()
}

// RequeueExpired reclaims leases that timed out, re-enqueuing the job ids.
func (d *Dispatcher) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := d.client.ZRangeByScore(ctx, d.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := d.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, d.inflightKey, id)
		pipe.RPush(ctx, d.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Depth returns the current ready-list length.
func (d *Dispatcher) Depth(ctx context.Context) (int64, error) {
	return d.client.LLen(ctx, d.readyKey).Result()
}

// Ping verifies the Redis connection, used by the dispatch-time availability
// check.
func (d *Dispatcher) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

var dispatchScript = redis.NewScript(`
if redis.call('LLEN', KEYS[1]) >= tonumber(ARGV[2]) then
  return 0
end
redis.call('RPUSH', KEYS[1], ARGV[1])
return 1
`)

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
