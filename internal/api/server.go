package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"audio-orchestrator/internal/autoscale"
	"audio-orchestrator/internal/dispatch"
	"audio-orchestrator/internal/models"
	"audio-orchestrator/internal/ratelimit"
	"audio-orchestrator/internal/store"
	"audio-orchestrator/internal/telemetry"
)

// Publisher announces terminal transitions on the event channel.
type Publisher interface {
	PublishEvent(ctx context.Context, ev models.JobEvent) error
}

// Server wires the submission, query and worker callback surfaces.
type Server struct {
	store      store.Store
	dispatcher *dispatch.Dispatcher
	limiter    *ratelimit.TokenBucket
	inspector  autoscale.Inspector
	events     Publisher
	log        *zap.Logger
}

// New constructs the API server. limiter and events may be nil.
func New(st store.Store, d *dispatch.Dispatcher, limiter *ratelimit.TokenBucket, inspector autoscale.Inspector, events Publisher, log *zap.Logger) *Server {
	return &Server{
		store:      st,
		dispatcher: d,
		limiter:    limiter,
		inspector:  inspector,
		events:     events,
		log:        log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs", s.handleList)
	r.Get("/jobs/{id}", s.handleGet)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Get("/stats", s.handleStats)

	// Worker callback surface.
	r.Post("/jobs/{id}/claim", s.handleClaim)
	r.Post("/jobs/{id}/heartbeat", s.handleHeartbeat)
	r.Post("/jobs/{id}/complete", s.handleComplete)
	r.Post("/jobs/{id}/fail", s.handleFail)

	r.Get("/autoscaling/{class}", s.handleAutoscaling)
	return r
}

type submitRequest struct {
	Type     models.JobType    `json:"type"`
	EntityID string            `json:"entity_id"`
	Params   map[string]any    `json:"params"`
	Metadata map[string]string `json:"metadata"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), clientFromRequest(r))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	res, err := s.dispatcher.Submit(r.Context(), req.Type, req.EntityID, req.Params, req.Metadata)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if entityID := q.Get("entity_id"); entityID != "" {
		jobs, err := s.store.ListByEntity(r.Context(), entityID)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
		return
	}

	f := store.Filter{
		Status: models.Status(q.Get("status")),
		Type:   models.JobType(q.Get("type")),
		Skip:   atoiDefault(q.Get("skip"), 0),
		Take:   atoiDefault(q.Get("take"), 50),
	}
	jobs, err := s.store.List(r.Context(), f)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.publish(r, job, nil)
	writeJSON(w, http.StatusOK, job)
}

type claimRequest struct {
	WorkerInstanceID string `json:"worker_instance_id"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerInstanceID == "" {
		http.Error(w, "worker_instance_id is required", http.StatusBadRequest)
		return
	}
	job, err := s.store.Claim(r.Context(), chi.URLParam(r, "id"), req.WorkerInstanceID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type heartbeatRequest struct {
	WorkerInstanceID string            `json:"worker_instance_id"`
	CurrentStep      string            `json:"current_step"`
	Checkpoints      map[string]string `json:"checkpoints"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerInstanceID == "" {
		http.Error(w, "worker_instance_id is required", http.StatusBadRequest)
		return
	}
	job, err := s.store.Heartbeat(r.Context(), chi.URLParam(r, "id"), req.WorkerInstanceID, req.CurrentStep, req.Checkpoints)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type completeRequest struct {
	WorkerInstanceID string            `json:"worker_instance_id"`
	Result           map[string]string `json:"result"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerInstanceID == "" {
		http.Error(w, "worker_instance_id is required", http.StatusBadRequest)
		return
	}
	job, err := s.store.Complete(r.Context(), chi.URLParam(r, "id"), req.WorkerInstanceID, req.Result)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.publish(r, job, nil)
	writeJSON(w, http.StatusOK, job)
}

type failRequest struct {
	WorkerInstanceID string `json:"worker_instance_id"`
	Error            string `json:"error"`
	Retryable        bool   `json:"retryable"`
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerInstanceID == "" {
		http.Error(w, "worker_instance_id is required", http.StatusBadRequest)
		return
	}
	job, successor, err := s.store.Fail(r.Context(), chi.URLParam(r, "id"), req.WorkerInstanceID, req.Error, req.Retryable)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.publish(r, job, job.ErrorMessage)
	if successor != nil {
		telemetry.RetryCounter.Inc()
		go s.dispatcher.Dispatch(context.Background(), *successor)
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job, "retry_job_id": successorID(successor)})
}

func (s *Server) handleAutoscaling(w http.ResponseWriter, r *http.Request) {
	class := models.JobType(chi.URLParam(r, "class"))
	if !models.ValidType(class) {
		http.Error(w, "unknown worker class", http.StatusNotFound)
		return
	}
	m, err := s.inspector.Metrics(r.Context(), class)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// publish announces a terminal transition; best effort.
func (s *Server) publish(r *http.Request, job models.Job, errMsg *string) {
	if s.events == nil || !job.Status.Terminal() {
		return
	}
	if err := s.events.PublishEvent(r.Context(), models.JobEvent{
		JobID:    job.ID,
		Type:     job.Type,
		EntityID: job.EntityID,
		Status:   job.Status,
		Error:    errMsg,
	}); err != nil {
		s.log.Warn("publish job event", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrNotOwner), errors.Is(err, store.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, dispatch.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.log.Error("request failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func successorID(j *models.Job) *string {
	if j == nil {
		return nil
	}
	return &j.ID
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return "default"
}

func atoiDefault(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
