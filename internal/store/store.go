package store

import (
	"context"
	"errors"

	"audio-orchestrator/internal/models"
)

var (
	// ErrNotFound is returned when no job exists for the given id.
	ErrNotFound = errors.New("job not found")
	// ErrNotOwner rejects a callback whose worker instance id does not
	// match the recorded owner, or that arrives while the job is not
	// running. Zombie writers land here.
	ErrNotOwner = errors.New("worker does not own job")
	// ErrInvalidTransition rejects mutations that would move a job out
	// of a terminal state.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// CreateParams collects inputs required to create a job.
type CreateParams struct {
	IdempotencyKey string
	Type           models.JobType
	EntityID       string
	Params         map[string]any
	Metadata       map[string]string
	RetryCount     int
}

// Filter narrows List results. Zero values mean "any".
type Filter struct {
	Status models.Status
	Type   models.JobType
	Skip   int
	Take   int
}

// Stats aggregates job counts and completion latency for the query API.
type Stats struct {
	ByStatus             map[models.Status]int64  `json:"by_status"`
	ByType               map[models.JobType]int64 `json:"by_type"`
	AvgCompletionSeconds float64                  `json:"avg_completion_seconds"`
}

// RetryPolicy controls automatic successor creation on retryable
// failures. Enabled is consulted per worker class.
type RetryPolicy struct {
	MaxRetries int
	Enabled    func(models.JobType) bool
}

// Allows reports whether a failed job may spawn a retry successor.
func (p RetryPolicy) Allows(job models.Job) bool {
	if p.Enabled != nil && !p.Enabled(job.Type) {
		return false
	}
	return job.RetryCount < p.MaxRetries
}

// Store is the job repository. All state transitions go through here;
// the scheduler, monitor, sweeper and autoscaler are pure functions of
// store state. Implementations must be safe for concurrent use.
type Store interface {
	// CreateOrGet atomically creates a job for the idempotency key or
	// returns the existing non-failed job holding it. Exactly one of
	// any set of concurrent identical calls observes created=true.
	CreateOrGet(ctx context.Context, p CreateParams) (models.Job, bool, error)

	Get(ctx context.Context, id string) (models.Job, error)
	List(ctx context.Context, f Filter) ([]models.Job, error)
	ListByEntity(ctx context.Context, entityID string) ([]models.Job, error)
	ListByStatus(ctx context.Context, status models.Status, jobType models.JobType) ([]models.Job, error)

	// Claim transitions pending->running and records the owner. It is
	// idempotent for the owning worker; a second worker gets ErrNotOwner.
	Claim(ctx context.Context, id, workerInstanceID string) (models.Job, error)

	// Heartbeat refreshes liveness, sets the current step and merges
	// (never replaces) checkpoint entries. Owner-only while running.
	Heartbeat(ctx context.Context, id, workerInstanceID, currentStep string, checkpoints map[string]string) (models.Job, error)

	// Complete transitions running->completed and merges the result
	// into metadata. Repeat calls after completed/failed are no-ops
	// returning the current state.
	Complete(ctx context.Context, id, workerInstanceID string, result map[string]string) (models.Job, error)

	// Fail transitions running->failed. When the failure is retryable
	// and the retry policy allows it, a successor job is created and
	// returned so the caller can dispatch it.
	Fail(ctx context.Context, id, workerInstanceID, errMsg string, retryable bool) (models.Job, *models.Job, error)

	// Cancel transitions pending/running->cancelled. Subsequent worker
	// callbacks for the job are rejected.
	Cancel(ctx context.Context, id string) (models.Job, error)

	// MarkDispatchFailed terminalizes a pending job whose hand-off
	// never succeeded.
	MarkDispatchFailed(ctx context.Context, id, msg string) error

	// Delete removes a job row. Used only by the cleanup sweeper.
	Delete(ctx context.Context, id string) error

	// CountActive returns pending and running counts for a class; the
	// autoscaler reads these every tick.
	CountActive(ctx context.Context, jobType models.JobType) (pending, running int64, err error)

	Stats(ctx context.Context) (Stats, error)
}
