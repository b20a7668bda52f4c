package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"audio-orchestrator/internal/config"
	"audio-orchestrator/internal/models"
	"audio-orchestrator/internal/queue"
)

// Reference worker. The real analysis/generation/training services are
// external collaborators; this binary stands in for them during
// development by consuming a class queue and driving the full callback
// surface (claim, heartbeat, complete, fail) with simulated work.
func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	workerID := cfg.WorkerID
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	w := &worker{
		id:        workerID,
		class:     models.JobType(cfg.WorkerClass),
		queue:     queue.NewRedisQueue(rdb),
		base:      cfg.OrchestratorURL,
		client:    &http.Client{Timeout: 15 * time.Second},
		heartbeat: cfg.HeartbeatInterval,
		log:       log,
	}

	log.Info("worker started",
		zap.String("worker_id", workerID),
		zap.String("class", cfg.WorkerClass))
	w.run(ctx)
}

type worker struct {
	id        string
	class     models.JobType
	queue     *queue.RedisQueue
	base      string
	client    *http.Client
	heartbeat time.Duration
	log       *zap.Logger
}

func (w *worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		d, err := w.queue.Dequeue(ctx, w.class, 5*time.Second)
		if err != nil {
			w.log.Warn("dequeue", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if d == nil {
			continue
		}
		w.process(ctx, *d)
	}
}

var steps = []string{"downloading", "processing", "uploading"}

func (w *worker) process(ctx context.Context, d queue.Dispatch) {
	// Claiming establishes ownership; a conflict means the job was
	// cancelled or another delivery of the same dispatch won.
	status, err := w.callback(ctx, d.JobID, "claim", map[string]any{
		"worker_instance_id": w.id,
	})
	if err != nil {
		w.log.Warn("claim", zap.String("job_id", d.JobID), zap.Error(err))
		return
	}
	if status != http.StatusOK {
		w.log.Info("claim rejected", zap.String("job_id", d.JobID), zap.Int("status", status))
		return
	}

	total := 3 * time.Second
	if ms, ok := asInt(d.Params["duration_ms"]); ok && ms > 0 {
		total = time.Duration(ms) * time.Millisecond
	}

	for _, step := range steps {
		if _, err := w.callback(ctx, d.JobID, "heartbeat", map[string]any{
			"worker_instance_id": w.id,
			"current_step":       step,
			"checkpoints":        map[string]string{step: "started"},
		}); err != nil {
			w.log.Warn("heartbeat", zap.String("job_id", d.JobID), zap.Error(err))
			return
		}
		if !w.sleepWithHeartbeat(ctx, d.JobID, step, total/time.Duration(len(steps))) {
			return
		}
	}

	if fail, ok := d.Params["should_fail"].(bool); ok && fail {
		retryable := true
		if v, ok := d.Params["retryable"].(bool); ok {
			retryable = v
		}
		_, err := w.callback(ctx, d.JobID, "fail", map[string]any{
			"worker_instance_id": w.id,
			"error":              "simulated failure requested by params.should_fail",
			"retryable":          retryable,
		})
		if err != nil {
			w.log.Warn("fail callback", zap.String("job_id", d.JobID), zap.Error(err))
		}
		return
	}

	if _, err := w.callback(ctx, d.JobID, "complete", map[string]any{
		"worker_instance_id": w.id,
		"result": map[string]string{
			"processed_by": w.id,
			"duration_ms":  fmt.Sprintf("%d", total.Milliseconds()),
		},
	}); err != nil {
		w.log.Warn("complete callback", zap.String("job_id", d.JobID), zap.Error(err))
		return
	}
	w.log.Info("job completed", zap.String("job_id", d.JobID))
}

// sleepWithHeartbeat simulates work in chunks, heartbeating often
// enough to stay well inside the staleness timeout. Returns false if a
// heartbeat was rejected (job cancelled or reassigned) so the caller
// abandons the job.
func (w *worker) sleepWithHeartbeat(ctx context.Context, jobID, step string, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		chunk := remaining
		if chunk > w.heartbeat {
			chunk = w.heartbeat
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(chunk):
		}
		status, err := w.callback(ctx, jobID, "heartbeat", map[string]any{
			"worker_instance_id": w.id,
			"current_step":       step,
		})
		if err != nil {
			w.log.Warn("heartbeat", zap.String("job_id", jobID), zap.Error(err))
			return false
		}
		if status != http.StatusOK {
			w.log.Info("heartbeat rejected, abandoning job",
				zap.String("job_id", jobID), zap.Int("status", status))
			return false
		}
	}
}

func (w *worker) callback(ctx context.Context, jobID, action string, body map[string]any) (int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("marshal %s body: %w", action, err)
	}
	url := fmt.Sprintf("%s/jobs/%s/%s", w.base, jobID, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s callback: %w", action, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	default:
		return 0, false
	}
}
