package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"audio-orchestrator/internal/models"
)

// Manager is the worker pool manager collaborator: the thing that
// actually creates and destroys worker instances. The autoscaler only
// ever reads the live count and requests a new one.
type Manager interface {
	GetReplicaCount(ctx context.Context, class models.JobType) (int, error)
	SetReplicaCount(ctx context.Context, class models.JobType, replicas int) error
}

// HTTP talks to an external pool manager over its REST surface:
// GET /pools/{class} -> {"replicas": n} and PUT /pools/{class}.
type HTTP struct {
	base   string
	client *http.Client
}

// NewHTTP builds a client for the pool manager at base URL.
func NewHTTP(base string) *HTTP {
	return &HTTP{
		base:   base,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type replicasBody struct {
	Replicas int `json:"replicas"`
}

func (h *HTTP) GetReplicaCount(ctx context.Context, class models.JobType) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/pools/%s", h.base, class), nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("get replica count: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return 0, fmt.Errorf("get replica count: status %d", resp.StatusCode)
	}
	var body replicasBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode replica count: %w", err)
	}
	return body.Replicas, nil
}

func (h *HTTP) SetReplicaCount(ctx context.Context, class models.JobType, replicas int) error {
	raw, err := json.Marshal(replicasBody{Replicas: replicas})
	if err != nil {
		return fmt.Errorf("marshal replicas: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, fmt.Sprintf("%s/pools/%s", h.base, class), bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("set replica count: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("set replica count: status %d", resp.StatusCode)
	}
	return nil
}

// Static is an in-memory Manager used when no external pool manager is
// configured (dev runs) and by tests. Counts can also be adjusted out
// of band, mimicking a manual operator override.
type Static struct {
	mu       sync.Mutex
	replicas map[models.JobType]int
}

// NewStatic builds a Static pool with every known class at initial.
func NewStatic(initial int) *Static {
	m := make(map[models.JobType]int, len(models.KnownTypes))
	for _, c := range models.KnownTypes {
		m[c] = initial
	}
	return &Static{replicas: m}
}

func (s *Static) GetReplicaCount(_ context.Context, class models.JobType) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replicas[class], nil
}

func (s *Static) SetReplicaCount(_ context.Context, class models.JobType, replicas int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replicas[class] = replicas
	return nil
}

var (
	_ Manager = (*HTTP)(nil)
	_ Manager = (*Static)(nil)
)
