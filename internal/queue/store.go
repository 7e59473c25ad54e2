package queue

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/proximet/mediacdn/internal/model"
)

var (
	// ErrJobNotFound is returned when no job exists for the given id or key.
	ErrJobNotFound = errors.New("job not found")
	// ErrNoPendingJobs is returned by Claim when the schedulable pool is empty.
	ErrNoPendingJobs = errors.New("no pending jobs")
	// ErrInvalidTransition is returned for illegal state-machine changes and
	// surfaced to callers as a conflict.
	ErrInvalidTransition = errors.New("invalid job state transition")
	// ErrDuplicateJob is returned by Create when a non-terminal job already
	// holds the same cache key. The caller resolves it by fetching the
	// existing record.
	ErrDuplicateJob = errors.New("live job already exists for cache key")
)

// Store persists job records. Implementations must linearize Transition and
// Claim per job: no two transitions for the same job may apply out of order.
type Store interface {
	// Create inserts a new job record. At most one non-terminal job may
	// exist per cache key; a competing insert loses with ErrDuplicateJob.
	Create(ctx context.Context, job model.Job) error
	Get(ctx context.Context, id uuid.UUID) (model.Job, error)
	GetByCacheKey(ctx context.Context, key string) (model.Job, error)

	// Claim atomically selects the pending job with the lowest priority
	// value (oldest first within a tier), marks it processing and returns
	// it. Exactly one caller wins a given job.
	Claim(ctx context.Context) (model.Job, error)

	// Transition applies mutate to the job under the store's lock. The
	// mutate func validates the state change and returns the updated job
	// or an error; on error nothing is persisted.
	Transition(ctx context.Context, id uuid.UUID, mutate func(model.Job) (model.Job, error)) (model.Job, error)

	// List returns jobs ordered by creation time descending, optionally
	// filtered by status. limit <= 0 means no limit.
	List(ctx context.Context, status model.Status, limit int) ([]model.Job, error)

	// Delete removes a job record after guard approves it under the
	// store's lock, so a job cannot be claimed between check and removal.
	Delete(ctx context.Context, id uuid.UUID, guard func(model.Job) error) error

	CountByStatus(ctx context.Context) (map[model.Status]int, error)
}
