package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"audio-orchestrator/internal/models"
	"audio-orchestrator/internal/store"
	"audio-orchestrator/internal/telemetry"
)

// StaleMessage is recorded on jobs failed by the monitor.
const StaleMessage = "stale: no heartbeat"

// Dispatcher re-delivers retry successors spawned by stale failures.
type Dispatcher interface {
	Dispatch(ctx context.Context, job models.Job)
}

// Publisher announces terminal transitions. May be nil.
type Publisher interface {
	PublishEvent(ctx context.Context, ev models.JobEvent) error
}

// Monitor periodically fails running jobs whose owner has gone silent.
// It routes the failure through the normal store.Fail path so the retry
// policy applies to crashed workers exactly as it does to reported
// failures.
type Monitor struct {
	store      store.Store
	dispatcher Dispatcher
	events     Publisher
	interval   time.Duration
	timeout    time.Duration
	log        *zap.Logger
	now        func() time.Time
}

// New builds a monitor sweeping every interval with the given staleness
// timeout.
func New(st store.Store, d Dispatcher, events Publisher, interval, staleTimeout time.Duration, log *zap.Logger) *Monitor {
	return &Monitor{
		store:      st,
		dispatcher: d,
		events:     events,
		interval:   interval,
		timeout:    staleTimeout,
		log:        log,
		now:        time.Now,
	}
}

// Run sweeps on a fixed interval until context cancellation.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep fails every running job past the staleness threshold. One
// job's failure never aborts the rest of the sweep. Returns how many
// jobs were marked stale.
func (m *Monitor) Sweep(ctx context.Context) int {
	jobs, err := m.store.ListByStatus(ctx, models.StatusRunning, "")
	if err != nil {
		m.log.Error("list running jobs", zap.Error(err))
		return 0
	}

	now := m.now()
	stale := 0
	for _, job := range jobs {
		seen := job.LastHeartbeat
		if seen == nil {
			seen = job.StartedAt
		}
		if seen == nil || now.Sub(*seen) <= m.timeout {
			continue
		}

		failed, successor, err := m.store.Fail(ctx, job.ID, job.Owner(), StaleMessage, true)
		if err != nil {
			m.log.Warn("fail stale job", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		stale++
		telemetry.StaleFailures.Inc()
		m.log.Info("stale job failed",
			zap.String("job_id", job.ID),
			zap.String("type", string(job.Type)),
			zap.String("worker", job.Owner()),
			zap.Duration("silent_for", now.Sub(*seen)))

		if m.events != nil && failed.Status == models.StatusFailed {
			msg := StaleMessage
			if err := m.events.PublishEvent(ctx, models.JobEvent{
				JobID:    failed.ID,
				Type:     failed.Type,
				EntityID: failed.EntityID,
				Status:   models.StatusFailed,
				Error:    &msg,
			}); err != nil {
				m.log.Warn("publish stale event", zap.String("job_id", job.ID), zap.Error(err))
			}
		}

		if successor != nil {
			telemetry.RetryCounter.Inc()
			m.log.Info("retry successor dispatched",
				zap.String("job_id", successor.ID),
				zap.String("predecessor", job.ID),
				zap.Int("retry_count", successor.RetryCount))
			m.dispatcher.Dispatch(ctx, *successor)
		}
	}
	return stale
}

// SetNow overrides the clock. Test hook.
func (m *Monitor) SetNow(now func() time.Time) { m.now = now }
