package monitor

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

type fakeDispatcher struct {
	dispatched []models.Job
}

func (f *fakeDispatcher) Dispatch(_ context.Context, job models.Job) {
	f.dispatched = append(f.dispatched, job)
}

type fakePublisher struct {
	events []models.JobEvent
}

func (f *fakePublisher) PublishEvent(_ context.Context, ev models.JobEvent) error {
	f.events = append(f.events, ev)
	return nil
}

func runningJob(t *testing.T, st *store.Memory, key, worker string) models.Job {
	t.Helper()
	ctx := context.Background()
	job, _, err := st.CreateOrGet(ctx, store.CreateParams{
		IdempotencyKey: key,
		Type:           models.TypeAnalysis,
		EntityID:       "entity-" + key,
	})
	require.NoError(t, err)
	claimed, err := st.Claim(ctx, job.ID, worker)
	require.NoError(t, err)
	return claimed
}

func TestSweep_FailsJobsPastStaleTimeout(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(store.RetryPolicy{MaxRetries: 0})
	disp := &fakeDispatcher{}
	pub := &fakePublisher{}
	m := New(st, disp, pub, time.Minute, 30*time.Minute, zap.NewNop())

	job := runningJob(t, st, "k1", "w1")
	got, err := st.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastHeartbeat)
	beat := *got.LastHeartbeat

	// Advance the sweep clock instead of sleeping. At 29 minutes of
	// silence the job survives; at 31 it is failed.
	m.SetNow(func() time.Time { return beat.Add(29 * time.Minute) })
	assert.Equal(t, 0, m.Sweep(ctx))
	got, err = st.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)

	m.SetNow(func() time.Time { return beat.Add(31 * time.Minute) })
	assert.Equal(t, 1, m.Sweep(ctx))
	got, err = st.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, StaleMessage, *got.ErrorMessage)
	assert.Len(t, pub.events, 1)
	assert.Empty(t, disp.dispatched, "retries disabled, no successor")
}

func TestSweep_ExactTimeoutIsNotStale(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(store.RetryPolicy{MaxRetries: 0})
	m := New(st, &fakeDispatcher{}, nil, time.Minute, 30*time.Minute, zap.NewNop())

	job := runningJob(t, st, "k1", "w1")
	got, err := st.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastHeartbeat)

	// Exactly at the threshold the job survives; staleness requires
	// strictly exceeding the timeout.
	m.SetNow(func() time.Time { return got.LastHeartbeat.Add(30 * time.Minute) })
	assert.Equal(t, 0, m.Sweep(ctx))
}

func TestSweep_DispatchesRetrySuccessor(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(store.RetryPolicy{MaxRetries: 3})
	disp := &fakeDispatcher{}
	pub := &fakePublisher{}
	m := New(st, disp, pub, time.Minute, 30*time.Minute, zap.NewNop())

	job := runningJob(t, st, "k1", "w1")
	m.SetNow(func() time.Time { return time.Now().UTC().Add(time.Hour) })
	assert.Equal(t, 1, m.Sweep(ctx))

	// A crashed worker gets the same treatment as a reported retryable
	// failure: a pending successor carrying the retry count.
	require.Len(t, disp.dispatched, 1)
	succ := disp.dispatched[0]
	assert.NotEqual(t, job.ID, succ.ID)
	assert.Equal(t, job.IdempotencyKey, succ.IdempotencyKey)
	assert.Equal(t, 1, succ.RetryCount)
	assert.Equal(t, models.StatusPending, succ.Status)

	require.Len(t, pub.events, 1)
	assert.Equal(t, job.ID, pub.events[0].JobID)
	assert.Equal(t, models.StatusFailed, pub.events[0].Status)
}

func TestSweep_OneFailureDoesNotAbortTheRest(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(store.RetryPolicy{MaxRetries: 0})
	m := New(st, &fakeDispatcher{}, nil, time.Minute, 30*time.Minute, zap.NewNop())

	a := runningJob(t, st, "k-a", "w1")
	b := runningJob(t, st, "k-b", "w2")

	// Concurrently completed between the list and the fail; the store
	// treats Fail on a completed job as a no-op, so the sweep proceeds.
	_, err := st.Complete(ctx, a.ID, "w1", nil)
	require.NoError(t, err)

	m.SetNow(func() time.Time { return time.Now().UTC().Add(time.Hour) })
	m.Sweep(ctx)

	got, err := st.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	got, err = st.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
}
