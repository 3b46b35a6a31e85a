// Package queue coordinates orchestration runs in Redis. One message is one
// run for one item; the lease mechanism keeps at most one worker on an item
// while making crashed runs visible again.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"reelcast/internal/config"
)

const (
	readyKey    = "runs:ready"
	inflightKey = "runs:inflight"
)

// RunQueue is a Redis-backed work queue of item IDs awaiting orchestration.
type RunQueue struct {
	client   *redis.Client
	leaseTTL time.Duration
}

// New builds a queue client from config.
func New(cfg config.Config) *RunQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	lease := cfg.RunLeaseTimeout
	if lease == 0 {
		lease = 15 * time.Minute
	}
	return &RunQueue{client: client, leaseTTL: lease}
}

// NewWithClient wires an existing Redis client, used by tests.
func NewWithClient(client *redis.Client, leaseTTL time.Duration) *RunQueue {
	return &RunQueue{client: client, leaseTTL: leaseTTL}
}

// Enqueue appends an item's orchestration run to the ready queue.
func (q *RunQueue) Enqueue(ctx context.Context, itemID string) error {
	return q.client.RPush(ctx, readyKey, itemID).Err()
}

// DequeueWithLease pops the next run and records it in the in-flight set with
// a lease deadline. The pop and the lease write are one atomic script, so no
// two workers ever hold the same item. Returns "" when the queue is empty.
func (q *RunQueue) DequeueWithLease(ctx context.Context) (string, error) {
	deadline := time.Now().Add(q.leaseTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{readyKey, inflightKey}, deadline).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	itemID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return itemID, nil
}

// ExtendLease pushes the lease deadline forward for an in-flight run.
func (q *RunQueue) ExtendLease(ctx context.Context, itemID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: itemID,
	}).Err()
}

// Ack removes a finished run from in-flight tracking.
func (q *RunQueue) Ack(ctx context.Context, itemID string) error {
	return q.client.ZRem(ctx, inflightKey, itemID).Err()
}

// RequeueExpired reclaims runs whose lease timed out, re-enqueuing them so an
// item abandoned by a dead worker gets picked up again.
func (q *RunQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, inflightKey, &redis.ZRangeBy{
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

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, inflightKey, id)
		pipe.RPush(ctx, readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Depth returns the number of runs waiting in the ready queue.
func (q *RunQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if id then
  redis.call('ZADD', KEYS[2], ARGV[1], id)
  return id
end
return nil
`)
