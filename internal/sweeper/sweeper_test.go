package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"audio-orchestrator/internal/models"
	"audio-orchestrator/internal/store"
)

const (
	grace     = 30 * time.Second
	retention = 168 * time.Hour
)

func newSweeper(st store.Store) *Sweeper {
	return New(st, time.Minute, grace, retention, zap.NewNop())
}

func seedJob(t *testing.T, st *store.Memory, key string) models.Job {
	t.Helper()
	job, _, err := st.CreateOrGet(context.Background(), store.CreateParams{
		IdempotencyKey: key,
		Type:           models.TypeAnalysis,
		EntityID:       "entity-" + key,
	})
	require.NoError(t, err)
	return job
}

func completedJob(t *testing.T, st *store.Memory, key string) models.Job {
	t.Helper()
	job := seedJob(t, st, key)
	_, err := st.Claim(context.Background(), job.ID, "w1")
	require.NoError(t, err)
	done, err := st.Complete(context.Background(), job.ID, "w1", nil)
	require.NoError(t, err)
	return done
}

func TestSweep_CompletedDeletedAfterGrace(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(store.RetryPolicy{})
	s := newSweeper(st)

	job := completedJob(t, st, "k1")
	require.NotNil(t, job.CompletedAt)
	end := *job.CompletedAt

	// Still visible just inside the grace window.
	s.SetNow(func() time.Time { return end.Add(29 * time.Second) })
	assert.Equal(t, 0, s.Sweep(ctx))
	_, err := st.Get(ctx, job.ID)
	require.NoError(t, err)

	s.SetNow(func() time.Time { return end.Add(31 * time.Second) })
	assert.Equal(t, 1, s.Sweep(ctx))
	_, err = st.Get(ctx, job.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSweep_FailedAndCancelledKeptForRetention(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(store.RetryPolicy{})
	s := newSweeper(st)

	failed := seedJob(t, st, "k-failed")
	_, err := st.Claim(ctx, failed.ID, "w1")
	require.NoError(t, err)
	_, _, err = st.Fail(ctx, failed.ID, "w1", "boom", false)
	require.NoError(t, err)

	cancelled := seedJob(t, st, "k-cancelled")
	_, err = st.Cancel(ctx, cancelled.ID)
	require.NoError(t, err)

	// Failure diagnostics stick around well past the completion grace.
	s.SetNow(func() time.Time { return time.Now().UTC().Add(24 * time.Hour) })
	assert.Equal(t, 0, s.Sweep(ctx))

	s.SetNow(func() time.Time { return time.Now().UTC().Add(retention + time.Minute) })
	assert.Equal(t, 2, s.Sweep(ctx))
	_, err = st.Get(ctx, failed.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.Get(ctx, cancelled.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSweep_NeverDeletesActiveJobs(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(store.RetryPolicy{})
	s := newSweeper(st)

	pending := seedJob(t, st, "k-pending")
	running := seedJob(t, st, "k-running")
	_, err := st.Claim(ctx, running.ID, "w1")
	require.NoError(t, err)

	// Age is irrelevant for non-terminal jobs; staleness is the
	// monitor's concern, not the sweeper's.
	s.SetNow(func() time.Time { return time.Now().UTC().Add(365 * 24 * time.Hour) })
	assert.Equal(t, 0, s.Sweep(ctx))

	_, err = st.Get(ctx, pending.ID)
	require.NoError(t, err)
	_, err = st.Get(ctx, running.ID)
	require.NoError(t, err)
}

func TestSweep_Idempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(store.RetryPolicy{})
	s := newSweeper(st)

	completedJob(t, st, "k1")
	s.SetNow(func() time.Time { return time.Now().UTC().Add(time.Hour) })
	assert.Equal(t, 1, s.Sweep(ctx))
	assert.Equal(t, 0, s.Sweep(ctx), "a second pass finds nothing to delete")
}
