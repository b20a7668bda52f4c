package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"audio-orchestrator/internal/models"
)

// EventChannel carries terminal job events for subscribers that prefer
// push notification over polling the query API.
const EventChannel = "jobs:events"

// Dispatch is the hand-off payload pushed onto a worker class queue.
// Delivery is at-least-once; workers deduplicate through the store's
// claim/ownership checks, never through the queue.
type Dispatch struct {
	JobID      string         `json:"job_id"`
	Type       models.JobType `json:"type"`
	EntityID   string         `json:"entity_id"`
	Params     map[string]any `json:"params,omitempty"`
	RetryCount int            `json:"retry_count"`
}

// RedisQueue coordinates per-class dispatch queues and the job event
// channel in Redis.
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue builds a queue around an existing Redis client.
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func readyKey(class models.JobType) string {
	return fmt.Sprintf("dispatch:ready:%s", class)
}

// Enqueue pushes a dispatch payload onto the class queue.
func (q *RedisQueue) Enqueue(ctx context.Context, d Dispatch) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal dispatch: %w", err)
	}
	return q.client.RPush(ctx, readyKey(d.Type), raw).Err()
}

// Dequeue blocks up to the given duration for the next dispatch on the
// class queue. Returns nil without error on timeout.
func (q *RedisQueue) Dequeue(ctx context.Context, class models.JobType, block time.Duration) (*Dispatch, error) {
	res, err := q.client.BRPop(ctx, block, readyKey(class)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected brpop reply length %d", len(res))
	}
	var d Dispatch
	if err := json.Unmarshal([]byte(res[1]), &d); err != nil {
		return nil, fmt.Errorf("unmarshal dispatch: %w", err)
	}
	return &d, nil
}

// Depth returns the number of undelivered dispatches for a class.
func (q *RedisQueue) Depth(ctx context.Context, class models.JobType) (int64, error) {
	return q.client.LLen(ctx, readyKey(class)).Result()
}

// PublishEvent announces a terminal transition on the event channel.
func (q *RedisQueue) PublishEvent(ctx context.Context, ev models.JobEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return q.client.Publish(ctx, EventChannel, raw).Err()
}
