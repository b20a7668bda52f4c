package autoscale

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"audio-orchestrator/internal/models"
)

// ActionLog records the last applied scaling action per worker class.
// The log is the cooldown's source of truth, so it lives outside the
// controller process: restarts must not grant a free scaling action,
// and the api service reads it for the autoscaling metrics endpoint.
type ActionLog interface {
	Last(ctx context.Context, class models.JobType) (time.Time, bool, error)
	Record(ctx context.Context, class models.JobType, at time.Time) error
}

const actionKey = "autoscale:last_action"

// RedisActionLog keeps the action log in a Redis hash keyed by class.
type RedisActionLog struct {
	client *redis.Client
}

func NewRedisActionLog(client *redis.Client) *RedisActionLog {
	return &RedisActionLog{client: client}
}

func (l *RedisActionLog) Last(ctx context.Context, class models.JobType) (time.Time, bool, error) {
	val, err := l.client.HGet(ctx, actionKey, string(class)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (l *RedisActionLog) Record(ctx context.Context, class models.JobType, at time.Time) error {
	return l.client.HSet(ctx, actionKey, string(class), at.UnixMilli()).Err()
}

// MemoryActionLog is the in-process ActionLog for memory-store runs and
// tests.
type MemoryActionLog struct {
	mu   sync.Mutex
	last map[models.JobType]time.Time
}

func NewMemoryActionLog() *MemoryActionLog {
	return &MemoryActionLog{last: make(map[models.JobType]time.Time)}
}

func (l *MemoryActionLog) Last(_ context.Context, class models.JobType) (time.Time, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.last[class]
	return t, ok, nil
}

func (l *MemoryActionLog) Record(_ context.Context, class models.JobType, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last[class] = at
	return nil
}

var (
	_ ActionLog = (*RedisActionLog)(nil)
	_ ActionLog = (*MemoryActionLog)(nil)
)
