package autoscale

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"audio-orchestrator/internal/models"
	"audio-orchestrator/internal/store"
)

// recordingPool is a pool.Manager that remembers every resize request.
type recordingPool struct {
	mu       sync.Mutex
	replicas map[models.JobType]int
	sets     []int
}

func newRecordingPool(initial int) *recordingPool {
	m := make(map[models.JobType]int)
	for _, c := range models.KnownTypes {
		m[c] = initial
	}
	return &recordingPool{replicas: m}
}

func (p *recordingPool) GetReplicaCount(_ context.Context, class models.JobType) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.replicas[class], nil
}

func (p *recordingPool) SetReplicaCount(_ context.Context, class models.JobType, replicas int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replicas[class] = replicas
	p.sets = append(p.sets, replicas)
	return nil
}

// loadDriver adjusts the number of pending jobs of one class to a target.
type loadDriver struct {
	t     *testing.T
	st    *store.Memory
	class models.JobType
	ids   []string
	next  int
}

func (d *loadDriver) set(load int) {
	d.t.Helper()
	ctx := context.Background()
	for len(d.ids) < load {
		job, created, err := d.st.CreateOrGet(ctx, store.CreateParams{
			IdempotencyKey: fmt.Sprintf("%s-load-%d", d.class, d.next),
			Type:           d.class,
			EntityID:       "entity",
		})
		require.NoError(d.t, err)
		require.True(d.t, created)
		d.ids = append(d.ids, job.ID)
		d.next++
	}
	for len(d.ids) > load {
		last := d.ids[len(d.ids)-1]
		require.NoError(d.t, d.st.Delete(ctx, last))
		d.ids = d.ids[:len(d.ids)-1]
	}
}

func newController(t *testing.T, st store.Store, pm *recordingPool, limits Limits) *Controller {
	t.Helper()
	c, err := New(st, pm, NewMemoryActionLog(), []models.JobType{models.TypeAnalysis}, limits, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestLimits_Validate(t *testing.T) {
	bad := Limits{ScaleUpThreshold: 1, ScaleDownThreshold: 1, MinWorkers: 1, MaxWorkers: 10}
	assert.Error(t, bad.Validate(), "equal thresholds leave no hysteresis gap")

	bad = Limits{ScaleUpThreshold: 3, ScaleDownThreshold: 1, MinWorkers: 5, MaxWorkers: 2}
	assert.Error(t, bad.Validate())

	good := Limits{ScaleUpThreshold: 3, ScaleDownThreshold: 1, MinWorkers: 1, MaxWorkers: 10}
	assert.NoError(t, good.Validate())
}

func TestTick_HysteresisScenario(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(store.RetryPolicy{})
	pm := newRecordingPool(1)
	c := newController(t, st, pm, Limits{
		ScaleUpThreshold:   3,
		ScaleDownThreshold: 1,
		MinWorkers:         1,
		MaxWorkers:         2,
		Cooldown:           0,
	})
	driver := &loadDriver{t: t, st: st, class: models.TypeAnalysis}

	for _, load := range []int{0, 2, 3, 4, 3, 2, 1, 0} {
		driver.set(load)
		c.Tick(ctx)
	}

	// Exactly one scale-up (first time load reached 3) and one
	// scale-down (load fell to 1). Load 2 sits in the hysteresis gap
	// and triggers nothing; loads 4 and the second 3 found the pool at
	// MaxWorkers already.
	assert.Equal(t, []int{2, 1}, pm.sets)
}

func TestTick_ReplicasStayWithinBounds(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(store.RetryPolicy{})
	pm := newRecordingPool(2)
	c := newController(t, st, pm, Limits{
		ScaleUpThreshold:   3,
		ScaleDownThreshold: 1,
		MinWorkers:         1,
		MaxWorkers:         4,
		Cooldown:           0,
	})
	driver := &loadDriver{t: t, st: st, class: models.TypeAnalysis}

	driver.set(50)
	for i := 0; i < 10; i++ {
		c.Tick(ctx)
	}
	got, err := pm.GetReplicaCount(ctx, models.TypeAnalysis)
	require.NoError(t, err)
	assert.Equal(t, 4, got, "sustained load saturates at MaxWorkers")

	driver.set(0)
	for i := 0; i < 10; i++ {
		c.Tick(ctx)
	}
	got, err = pm.GetReplicaCount(ctx, models.TypeAnalysis)
	require.NoError(t, err)
	assert.Equal(t, 1, got, "idle pool drains to MinWorkers")

	for _, r := range pm.sets {
		assert.GreaterOrEqual(t, r, 1)
		assert.LessOrEqual(t, r, 4)
	}
}

func TestTick_OneStepPerTick(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(store.RetryPolicy{})
	pm := newRecordingPool(1)
	c := newController(t, st, pm, Limits{
		ScaleUpThreshold:   3,
		ScaleDownThreshold: 1,
		MinWorkers:         1,
		MaxWorkers:         10,
		Cooldown:           0,
	})
	driver := &loadDriver{t: t, st: st, class: models.TypeAnalysis}

	driver.set(100)
	c.Tick(ctx)
	got, err := pm.GetReplicaCount(ctx, models.TypeAnalysis)
	require.NoError(t, err)
	assert.Equal(t, 2, got, "a single tick moves by at most one replica")
}

func TestTick_CooldownSpacesActions(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(store.RetryPolicy{})
	pm := newRecordingPool(1)
	c := newController(t, st, pm, Limits{
		ScaleUpThreshold:   3,
		ScaleDownThreshold: 1,
		MinWorkers:         1,
		MaxWorkers:         10,
		Cooldown:           2 * time.Minute,
	})
	driver := &loadDriver{t: t, st: st, class: models.TypeAnalysis}
	driver.set(10)

	base := time.Now()
	c.SetNow(func() time.Time { return base })
	c.Tick(ctx)
	require.Equal(t, []int{2}, pm.sets)

	// Still hot, but inside the cooldown window.
	c.SetNow(func() time.Time { return base.Add(time.Minute) })
	c.Tick(ctx)
	assert.Equal(t, []int{2}, pm.sets)

	c.SetNow(func() time.Time { return base.Add(2 * time.Minute) })
	c.Tick(ctx)
	assert.Equal(t, []int{2, 3}, pm.sets)
}

func TestTick_NoopTicksDoNotRefreshCooldown(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(store.RetryPolicy{})
	pm := newRecordingPool(1)
	c := newController(t, st, pm, Limits{
		ScaleUpThreshold:   3,
		ScaleDownThreshold: 1,
		MinWorkers:         1,
		MaxWorkers:         10,
		Cooldown:           time.Minute,
	})
	driver := &loadDriver{t: t, st: st, class: models.TypeAnalysis}
	driver.set(10)

	base := time.Now()
	c.SetNow(func() time.Time { return base })
	c.Tick(ctx)
	require.Equal(t, []int{2}, pm.sets)

	// Evaluate every 10s under sustained load. Were the cooldown timer
	// refreshed on no-change ticks, scaling would be suppressed forever.
	for i := 1; i <= 6; i++ {
		c.SetNow(func() time.Time { return base.Add(time.Duration(i*10) * time.Second) })
		c.Tick(ctx)
	}
	assert.Equal(t, []int{2, 3}, pm.sets, "the action fires as soon as the window from the last applied action elapses")
}

func TestInspector_Metrics(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(store.RetryPolicy{})
	pm := newRecordingPool(2)
	actions := NewMemoryActionLog()
	insp := Inspector{Store: st, Pool: pm, Actions: actions}

	m, err := insp.Metrics(ctx, models.TypeGeneration)
	require.NoError(t, err)
	assert.Equal(t, models.TypeGeneration, m.Class)
	assert.Equal(t, 2, m.CurrentReplicas)
	assert.Nil(t, m.LastScaleAction)

	job, _, err := st.CreateOrGet(ctx, store.CreateParams{
		IdempotencyKey: "k1", Type: models.TypeGeneration, EntityID: "e1",
	})
	require.NoError(t, err)
	_, err = st.Claim(ctx, job.ID, "w1")
	require.NoError(t, err)
	at := time.Now().Truncate(time.Millisecond)
	require.NoError(t, actions.Record(ctx, models.TypeGeneration, at))

	m, err = insp.Metrics(ctx, models.TypeGeneration)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Running)
	assert.InDelta(t, 50.0, m.UtilizationPercent, 0.001)
	require.NotNil(t, m.LastScaleAction)
	assert.True(t, m.LastScaleAction.Equal(at))
}
