package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"audio-orchestrator/internal/models"
)

// Memory is an in-process Store used by tests and single-node dev runs
// (STORE_DRIVER=memory). It enforces the same state machine as the
// Postgres implementation behind a single mutex.
type Memory struct {
	mu     sync.Mutex
	jobs   map[string]*models.Job
	policy RetryPolicy
}

// NewMemory builds an empty in-memory store.
func NewMemory(policy RetryPolicy) *Memory {
	return &Memory{
		jobs:   make(map[string]*models.Job),
		policy: policy,
	}
}

func (m *Memory) CreateOrGet(_ context.Context, p CreateParams) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// The key is unique among non-failed jobs only; a terminally failed
	// row releases it for the retry successor.
	for _, j := range m.jobs {
		if j.IdempotencyKey == p.IdempotencyKey && j.Status != models.StatusFailed {
			return clone(j), false, nil
		}
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:             uuid.NewString(),
		Type:           p.Type,
		EntityID:       p.EntityID,
		IdempotencyKey: p.IdempotencyKey,
		Status:         models.StatusPending,
		Checkpoints:    map[string]string{},
		Metadata:       copyMap(p.Metadata),
		Params:         copyParams(p.Params),
		RetryCount:     p.RetryCount,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.jobs[job.ID] = job
	return clone(job), true, nil
}

func (m *Memory) Get(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return clone(j), nil
}

func (m *Memory) List(_ context.Context, f Filter) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Job, 0)
	for _, j := range m.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Type != "" && j.Type != f.Type {
			continue
		}
		out = append(out, clone(j))
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	if f.Skip > 0 {
		if f.Skip >= len(out) {
			return []models.Job{}, nil
		}
		out = out[f.Skip:]
	}
	if f.Take > 0 && f.Take < len(out) {
		out = out[:f.Take]
	}
	return out, nil
}

func (m *Memory) ListByEntity(ctx context.Context, entityID string) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Job, 0)
	for _, j := range m.jobs {
		if j.EntityID == entityID {
			out = append(out, clone(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (m *Memory) ListByStatus(ctx context.Context, status models.Status, jobType models.JobType) ([]models.Job, error) {
	return m.List(ctx, Filter{Status: status, Type: jobType})
}

func (m *Memory) Claim(_ context.Context, id, workerInstanceID string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	switch {
	case j.Status == models.StatusPending:
		now := time.Now().UTC()
		j.Status = models.StatusRunning
		j.WorkerInstanceID = &workerInstanceID
		j.StartedAt = &now
		j.LastHeartbeat = &now
		j.UpdatedAt = now
		return clone(j), nil
	case j.Status == models.StatusRunning && j.Owner() == workerInstanceID:
		return clone(j), nil
	case j.Status == models.StatusRunning:
		return models.Job{}, ErrNotOwner
	default:
		return models.Job{}, ErrInvalidTransition
	}
}

func (m *Memory) Heartbeat(_ context.Context, id, workerInstanceID, currentStep string, checkpoints map[string]string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	if j.Status != models.StatusRunning || j.Owner() != workerInstanceID {
		return models.Job{}, ErrNotOwner
	}
	now := time.Now().UTC()
	j.LastHeartbeat = &now
	j.UpdatedAt = now
	if currentStep != "" {
		j.CurrentStep = currentStep
	}
	if j.Checkpoints == nil {
		j.Checkpoints = map[string]string{}
	}
	for k, v := range checkpoints {
		j.Checkpoints[k] = v
	}
	return clone(j), nil
}

func (m *Memory) Complete(_ context.Context, id, workerInstanceID string, result map[string]string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	switch j.Status {
	case models.StatusCompleted, models.StatusFailed:
		return clone(j), nil
	case models.StatusCancelled:
		return models.Job{}, ErrInvalidTransition
	case models.StatusPending:
		return models.Job{}, ErrNotOwner
	}
	if j.Owner() != workerInstanceID {
		return models.Job{}, ErrNotOwner
	}
	now := time.Now().UTC()
	j.Status = models.StatusCompleted
	j.CompletedAt = &now
	j.UpdatedAt = now
	j.WorkerInstanceID = nil
	if j.Metadata == nil {
		j.Metadata = map[string]string{}
	}
	for k, v := range result {
		j.Metadata[k] = v
	}
	return clone(j), nil
}

func (m *Memory) Fail(_ context.Context, id, workerInstanceID, errMsg string, retryable bool) (models.Job, *models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, nil, ErrNotFound
	}
	switch j.Status {
	case models.StatusCompleted, models.StatusFailed:
		return clone(j), nil, nil
	case models.StatusCancelled:
		return models.Job{}, nil, ErrInvalidTransition
	case models.StatusPending:
		return models.Job{}, nil, ErrNotOwner
	}
	if j.Owner() != workerInstanceID {
		return models.Job{}, nil, ErrNotOwner
	}
	now := time.Now().UTC()
	j.Status = models.StatusFailed
	j.CompletedAt = &now
	j.UpdatedAt = now
	j.ErrorMessage = &errMsg
	j.WorkerInstanceID = nil

	if !retryable || !m.policy.Allows(*j) {
		return clone(j), nil, nil
	}

	// The original row is failed now, so the key is free again.
	succ := &models.Job{
		ID:             uuid.NewString(),
		Type:           j.Type,
		EntityID:       j.EntityID,
		IdempotencyKey: j.IdempotencyKey,
		Status:         models.StatusPending,
		Checkpoints:    map[string]string{},
		Metadata:       copyMap(j.Metadata),
		Params:         copyParams(j.Params),
		RetryCount:     j.RetryCount + 1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.jobs[succ.ID] = succ
	sc := clone(succ)
	return clone(j), &sc, nil
}

func (m *Memory) Cancel(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	switch j.Status {
	case models.StatusCancelled:
		return clone(j), nil
	case models.StatusCompleted, models.StatusFailed:
		return models.Job{}, ErrInvalidTransition
	}
	now := time.Now().UTC()
	j.Status = models.StatusCancelled
	j.CompletedAt = &now
	j.UpdatedAt = now
	j.WorkerInstanceID = nil
	return clone(j), nil
}

func (m *Memory) MarkDispatchFailed(_ context.Context, id, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	// A job that progressed past pending was delivered after all.
	if j.Status != models.StatusPending {
		return nil
	}
	now := time.Now().UTC()
	j.Status = models.StatusFailed
	j.CompletedAt = &now
	j.UpdatedAt = now
	j.ErrorMessage = &msg
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(m.jobs, id)
	return nil
}

func (m *Memory) CountActive(_ context.Context, jobType models.JobType) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending, running int64
	for _, j := range m.jobs {
		if j.Type != jobType {
			continue
		}
		switch j.Status {
		case models.StatusPending:
			pending++
		case models.StatusRunning:
			running++
		}
	}
	return pending, running, nil
}

func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		ByStatus: map[models.Status]int64{},
		ByType:   map[models.JobType]int64{},
	}
	var totalSecs float64
	var completed int64
	for _, j := range m.jobs {
		s.ByStatus[j.Status]++
		s.ByType[j.Type]++
		if j.Status == models.StatusCompleted && j.StartedAt != nil && j.CompletedAt != nil {
			totalSecs += j.CompletedAt.Sub(*j.StartedAt).Seconds()
			completed++
		}
	}
	if completed > 0 {
		s.AvgCompletionSeconds = totalSecs / float64(completed)
	}
	return s, nil
}

func clone(j *models.Job) models.Job {
	c := *j
	c.Checkpoints = copyMap(j.Checkpoints)
	c.Metadata = copyMap(j.Metadata)
	c.Params = copyParams(j.Params)
	if j.WorkerInstanceID != nil {
		w := *j.WorkerInstanceID
		c.WorkerInstanceID = &w
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.LastHeartbeat != nil {
		t := *j.LastHeartbeat
		c.LastHeartbeat = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.ErrorMessage != nil {
		e := *j.ErrorMessage
		c.ErrorMessage = &e
	}
	return c
}

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyParams(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var _ Store = (*Memory)(nil)
