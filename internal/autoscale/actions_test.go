package autoscale

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audio-orchestrator/internal/models"
)

func TestRedisActionLog(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := NewRedisActionLog(client)

	_, ok, err := log.Last(ctx, models.TypeAnalysis)
	require.NoError(t, err)
	assert.False(t, ok, "no action recorded yet")

	at := time.Now().Truncate(time.Millisecond)
	require.NoError(t, log.Record(ctx, models.TypeAnalysis, at))

	got, ok, err := log.Last(ctx, models.TypeAnalysis)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(at))

	// Classes are independent entries.
	_, ok, err = log.Last(ctx, models.TypeGeneration)
	require.NoError(t, err)
	assert.False(t, ok)

	// A second process sharing the Redis sees the same log, which is
	// what keeps the cooldown honest across controller restarts.
	other := NewRedisActionLog(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	got, ok, err = other.Last(ctx, models.TypeAnalysis)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(at))
}
