package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)

	allowed, _, err := bucket.Allow(ctx, "client-a")
	require.NoError(t, err)
	require.True(t, allowed, "first token should be granted")

	allowed, _, err = bucket.Allow(ctx, "client-a")
	require.NoError(t, err)
	require.True(t, allowed, "second token should be granted")

	allowed, _, err = bucket.Allow(ctx, "client-a")
	require.NoError(t, err)
	require.False(t, allowed, "third token should be rejected")

	// Budgets are per client.
	allowed, _, err = bucket.Allow(ctx, "client-b")
	require.NoError(t, err)
	require.True(t, allowed, "other clients keep their own budget")

	// Note: refill cannot be tested with miniredis.FastForward() because the
	// Lua script receives time from Go's time.Now(), not Redis's clock.
}
