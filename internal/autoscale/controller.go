package autoscale

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"audio-orchestrator/internal/models"
	"audio-orchestrator/internal/pool"
	"audio-orchestrator/internal/store"
	"audio-orchestrator/internal/telemetry"
)

// Limits parameterizes the control loop. ScaleUpThreshold must be
// strictly greater than ScaleDownThreshold: loads inside the open
// interval trigger nothing, which is what keeps the loop from flapping.
type Limits struct {
	ScaleUpThreshold   int
	ScaleDownThreshold int
	MinWorkers         int
	MaxWorkers         int
	Cooldown           time.Duration
	PollInterval       time.Duration
}

// Validate rejects limit sets without a hysteresis gap.
func (l Limits) Validate() error {
	if l.ScaleUpThreshold <= l.ScaleDownThreshold {
		return fmt.Errorf("scale-up threshold %d must exceed scale-down threshold %d", l.ScaleUpThreshold, l.ScaleDownThreshold)
	}
	if l.MinWorkers < 0 || l.MaxWorkers < l.MinWorkers {
		return fmt.Errorf("worker bounds invalid: min=%d max=%d", l.MinWorkers, l.MaxWorkers)
	}
	return nil
}

// Controller resizes each worker class pool to follow offered load.
// Every tick it re-reads both load and the live replica count, so
// manual operator overrides are reconciled rather than overwritten.
type Controller struct {
	store   store.Store
	pool    pool.Manager
	actions ActionLog
	classes []models.JobType
	limits  Limits
	log     *zap.Logger
	now     func() time.Time
}

// New builds a controller over the given worker classes.
func New(st store.Store, pm pool.Manager, actions ActionLog, classes []models.JobType, limits Limits, log *zap.Logger) (*Controller, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	return &Controller{
		store:   st,
		pool:    pm,
		actions: actions,
		classes: classes,
		limits:  limits,
		log:     log,
		now:     time.Now,
	}, nil
}

// Run ticks on the poll interval until context cancellation.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.limits.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick evaluates every worker class independently; one class's error
// never blocks the others.
func (c *Controller) Tick(ctx context.Context) {
	for _, class := range c.classes {
		if err := c.evaluate(ctx, class); err != nil {
			c.log.Warn("autoscale evaluation failed", zap.String("class", string(class)), zap.Error(err))
		}
	}
}

func (c *Controller) evaluate(ctx context.Context, class models.JobType) error {
	pending, running, err := c.store.CountActive(ctx, class)
	if err != nil {
		return fmt.Errorf("count active: %w", err)
	}
	telemetry.PendingGauge.WithLabelValues(string(class)).Set(float64(pending))
	telemetry.RunningGauge.WithLabelValues(string(class)).Set(float64(running))
	load := int(pending + running)

	// Never trust a cached replica count; an operator may have resized
	// the pool since the last tick.
	current, err := c.pool.GetReplicaCount(ctx, class)
	if err != nil {
		return fmt.Errorf("get replica count: %w", err)
	}
	telemetry.ReplicasGauge.WithLabelValues(string(class)).Set(float64(current))

	last, _, err := c.actions.Last(ctx, class)
	if err != nil {
		return fmt.Errorf("read action log: %w", err)
	}
	now := c.now()
	cooled := now.Sub(last) >= c.limits.Cooldown

	target := current
	switch {
	case load >= c.limits.ScaleUpThreshold && current < c.limits.MaxWorkers && cooled:
		target = min(c.limits.MaxWorkers, current+1)
	case load <= c.limits.ScaleDownThreshold && current > c.limits.MinWorkers && cooled:
		target = max(c.limits.MinWorkers, current-1)
	}
	if target == current {
		// No change: the cooldown timer must NOT be refreshed here, or
		// sustained evaluation would suppress scaling forever.
		return nil
	}

	if err := c.pool.SetReplicaCount(ctx, class, target); err != nil {
		return fmt.Errorf("set replica count: %w", err)
	}
	if err := c.actions.Record(ctx, class, now); err != nil {
		return fmt.Errorf("record action: %w", err)
	}
	if target > current {
		telemetry.ScaleUps.WithLabelValues(string(class)).Inc()
	} else {
		telemetry.ScaleDowns.WithLabelValues(string(class)).Inc()
	}
	c.log.Info("scaled worker class",
		zap.String("class", string(class)),
		zap.Int("load", load),
		zap.Int("from", current),
		zap.Int("to", target))
	return nil
}

// SetNow overrides the clock. Test hook.
func (c *Controller) SetNow(now func() time.Time) { c.now = now }

// ClassMetrics is the autoscaling observability payload for one class.
type ClassMetrics struct {
	Class              models.JobType `json:"class"`
	Pending            int64          `json:"pending"`
	Running            int64          `json:"running"`
	UtilizationPercent float64        `json:"utilization_percent"`
	CurrentReplicas    int            `json:"current_replicas"`
	LastScaleAction    *time.Time     `json:"last_scale_action,omitempty"`
}

// Inspector serves autoscaling metrics reads for the query API without
// owning the control loop.
type Inspector struct {
	Store   store.Store
	Pool    pool.Manager
	Actions ActionLog
}

// Metrics assembles the current autoscaling view of a worker class.
func (i Inspector) Metrics(ctx context.Context, class models.JobType) (ClassMetrics, error) {
	pending, running, err := i.Store.CountActive(ctx, class)
	if err != nil {
		return ClassMetrics{}, fmt.Errorf("count active: %w", err)
	}
	replicas, err := i.Pool.GetReplicaCount(ctx, class)
	if err != nil {
		return ClassMetrics{}, fmt.Errorf("get replica count: %w", err)
	}
	m := ClassMetrics{
		Class:           class,
		Pending:         pending,
		Running:         running,
		CurrentReplicas: replicas,
	}
	if replicas > 0 {
		m.UtilizationPercent = float64(running) / float64(replicas) * 100
	}
	if last, ok, err := i.Actions.Last(ctx, class); err != nil {
		return ClassMetrics{}, fmt.Errorf("read action log: %w", err)
	} else if ok {
		m.LastScaleAction = &last
	}
	return m, nil
}
