package models

import (
	"time"
)

// Status enumerates job lifecycle states persisted in Postgres.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// JobType identifies the worker class that owns a job. Each class is
// dispatched through its own queue and scaled independently.
type JobType string

const (
	TypeAnalysis   JobType = "analysis"
	TypeGeneration JobType = "generation"
	TypeTraining   JobType = "training"
)

// KnownTypes lists every worker class the engine dispatches to.
var KnownTypes = []JobType{TypeAnalysis, TypeGeneration, TypeTraining}

// ValidType reports whether t names a known worker class.
func ValidType(t JobType) bool {
	for _, k := range KnownTypes {
		if t == k {
			return true
		}
	}
	return false
}

// Job represents one asynchronous processing task. The job row in the
// store is the single source of truth for its state; workers mutate it
// only through owner-checked callbacks.
type Job struct {
	ID               string            `json:"id"`
	Type             JobType           `json:"type"`
	EntityID         string            `json:"entity_id"`
	IdempotencyKey   string            `json:"idempotency_key"`
	Status           Status            `json:"status"`
	WorkerInstanceID *string           `json:"worker_instance_id,omitempty"`
	CurrentStep      string            `json:"current_step,omitempty"`
	Checkpoints      map[string]string `json:"checkpoints,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Params           map[string]any    `json:"params,omitempty"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	LastHeartbeat    *time.Time        `json:"last_heartbeat,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	ErrorMessage     *string           `json:"error_message,omitempty"`
	RetryCount       int               `json:"retry_count"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Owner returns the recorded worker instance id, or "" when unowned.
func (j Job) Owner() string {
	if j.WorkerInstanceID == nil {
		return ""
	}
	return *j.WorkerInstanceID
}

// JobEvent is published on the notification channel when a job reaches
// a terminal state, so clients can subscribe instead of polling.
type JobEvent struct {
	JobID    string  `json:"job_id"`
	Type     JobType `json:"type"`
	EntityID string  `json:"entity_id"`
	Status   Status  `json:"status"`
	Error    *string `json:"error,omitempty"`
}
