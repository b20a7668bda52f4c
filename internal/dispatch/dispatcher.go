package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"audio-orchestrator/internal/models"
	"audio-orchestrator/internal/queue"
	"audio-orchestrator/internal/store"
	"audio-orchestrator/internal/telemetry"
)

// ErrValidation rejects malformed submissions before any job exists.
var ErrValidation = errors.New("invalid submission")

// Queue is the dispatch target. Satisfied by queue.RedisQueue.
type Queue interface {
	Enqueue(ctx context.Context, d queue.Dispatch) error
	PublishEvent(ctx context.Context, ev models.JobEvent) error
}

// Dispatcher accepts submissions, enforces idempotency through the
// store, and hands created jobs to the worker class queues. Submit
// returns as soon as the job row exists; delivery retries happen in the
// background and completion is observed via the query API or the event
// channel.
type Dispatcher struct {
	store          store.Store
	queue          Queue
	log            *zap.Logger
	maxRetries     int
	backoffInitial time.Duration
	backoffMax     time.Duration
}

// New builds a dispatcher.
func New(st store.Store, q Queue, log *zap.Logger, maxDispatchRetries int, backoffInitial, backoffMax time.Duration) *Dispatcher {
	return &Dispatcher{
		store:          st,
		queue:          q,
		log:            log,
		maxRetries:     maxDispatchRetries,
		backoffInitial: backoffInitial,
		backoffMax:     backoffMax,
	}
}

// SubmitResult is the asynchronous submission contract.
type SubmitResult struct {
	JobID   string        `json:"job_id"`
	Status  models.Status `json:"status"`
	Created bool          `json:"created"`
}

// Submit creates-or-finds the job for the request fingerprint. When an
// existing job is returned no new dispatch occurs, which is what keeps
// each logical request to at most one concurrent job.
func (d *Dispatcher) Submit(ctx context.Context, jobType models.JobType, entityID string, params map[string]any, metadata map[string]string) (SubmitResult, error) {
	if !models.ValidType(jobType) {
		return SubmitResult{}, fmt.Errorf("%w: unknown job type %q", ErrValidation, jobType)
	}
	if entityID == "" {
		return SubmitResult{}, fmt.Errorf("%w: entity_id is required", ErrValidation)
	}
	if params == nil {
		params = map[string]any{}
	}

	job, created, err := d.store.CreateOrGet(ctx, store.CreateParams{
		IdempotencyKey: IdempotencyKey(jobType, entityID, params),
		Type:           jobType,
		EntityID:       entityID,
		Params:         params,
		Metadata:       metadata,
	})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("create job: %w", err)
	}

	if created {
		telemetry.SubmitCounter.WithLabelValues(string(jobType)).Inc()
		go d.Dispatch(context.Background(), job)
	} else {
		telemetry.DuplicateCounter.WithLabelValues(string(jobType)).Inc()
	}

	return SubmitResult{JobID: job.ID, Status: job.Status, Created: created}, nil
}

// Dispatch delivers a pending job to its class queue, retrying with
// exponential backoff. After the last attempt the job is terminalized
// as dispatch_failed; it never sits pending forever.
func (d *Dispatcher) Dispatch(ctx context.Context, job models.Job) {
	payload := queue.Dispatch{
		JobID:      job.ID,
		Type:       job.Type,
		EntityID:   job.EntityID,
		Params:     job.Params,
		RetryCount: job.RetryCount,
	}

	var lastErr error
	for attempt := 1; attempt <= d.maxRetries; attempt++ {
		lastErr = d.queue.Enqueue(ctx, payload)
		if lastErr == nil {
			return
		}
		d.log.Warn("dispatch attempt failed",
			zap.String("job_id", job.ID),
			zap.String("type", string(job.Type)),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		if attempt == d.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoffWithJitter(d.backoffInitial, d.backoffMax, attempt)):
		}
	}

	telemetry.DispatchFailures.Inc()
	if err := d.store.MarkDispatchFailed(ctx, job.ID, "dispatch_failed"); err != nil {
		d.log.Error("mark dispatch failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	d.log.Error("job dispatch exhausted retries",
		zap.String("job_id", job.ID),
		zap.Error(lastErr))
	// MarkDispatchFailed no-ops when the job progressed past pending
	// (a retried delivery landed after all); only announce real failures.
	if got, err := d.store.Get(ctx, job.ID); err != nil || got.Status != models.StatusFailed {
		return
	}
	msg := "dispatch_failed"
	if err := d.queue.PublishEvent(ctx, models.JobEvent{
		JobID:    job.ID,
		Type:     job.Type,
		EntityID: job.EntityID,
		Status:   models.StatusFailed,
		Error:    &msg,
	}); err != nil {
		d.log.Warn("publish dispatch failure event", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// IdempotencyKey fingerprints a submission. encoding/json emits map
// keys in sorted order, so semantically identical parameter maps hash
// identically regardless of construction order.
func IdempotencyKey(jobType models.JobType, entityID string, params map[string]any) string {
	if params == nil {
		params = map[string]any{}
	}
	normalized, _ := json.Marshal(params)
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|", jobType, entityID)
	h.Write(normalized)
	return hex.EncodeToString(h.Sum(nil))
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 || base <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
