package model

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a transcode job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status admits no further worker transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// Priority orders jobs in the schedulable pool. Lower claims first.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

// Job represents a video transcode unit of work. It is owned exclusively by
// the queue: created on enqueue, mutated only by the worker loop or explicit
// cancel/retry/delete operations, and kept queryable after completion until
// deleted.
type Job struct {
	ID          uuid.UUID  `json:"id"`
	FilePath    string     `json:"file_path"`
	Directive   string     `json:"directive"`
	CacheKey    string     `json:"cache_key"`
	Status      Status     `json:"status"`
	Priority    Priority   `json:"priority"`
	Progress    int        `json:"progress"` // 0-100, non-decreasing while processing
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
