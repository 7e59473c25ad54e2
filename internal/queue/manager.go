// Package queue owns the asynchronous transcode job lifecycle: creation,
// priority scheduling, the status state machine and lifecycle event
// publication. The job store is the single source of truth for job state;
// the event bus is notification only.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/proximet/mediacdn/internal/model"
)

// eventBus is the notification fan-out for job lifecycle transitions.
type eventBus interface {
	Publish(ev model.Event)
}

// Manager validates state transitions, persists job records through the
// store and publishes an event for every transition.
type Manager struct {
	store Store
	bus   eventBus
}

// NewManager creates a Manager on top of the given store and bus.
func NewManager(store Store, bus eventBus) *Manager {
	return &Manager{store: store, bus: bus}
}

// Enqueue creates a pending job and announces it.
func (m *Manager) Enqueue(ctx context.Context, filePath, rawDirective, cacheKey string, priority model.Priority) (model.Job, error) {
	if priority < model.PriorityHigh || priority > model.PriorityLow {
		priority = model.PriorityNormal
	}

	job := model.Job{
		ID:        uuid.New(),
		FilePath:  filePath,
		Directive: rawDirective,
		CacheKey:  cacheKey,
		Status:    model.StatusPending,
		Priority:  priority,
		CreatedAt: time.Now(),
	}

	if err := m.store.Create(ctx, job); err != nil {
		return model.Job{}, fmt.Errorf("failed to create job: %w", err)
	}

	zlog.Logger.Info().
		Str("job", job.ID.String()).
		Str("path", filePath).
		Int("priority", int(priority)).
		Msg("job enqueued")

	m.publish(model.EventJobCreated, job)
	return job, nil
}

// Ensure returns the live job for a cache key, creating one when no job
// exists in a non-terminal state. The second return value reports whether a
// new job was created. A completed job whose artifact is still cached is
// returned as-is; a terminal job with no artifact is superseded.
//
// Get-or-create is atomic at the store: Create enforces one live job per
// cache key, so concurrent Ensure calls race to a single winning insert and
// the losers adopt the winner's record.
func (m *Manager) Ensure(ctx context.Context, filePath, rawDirective, cacheKey string, priority model.Priority, artifactCached bool) (model.Job, bool, error) {
	existing, err := m.store.GetByCacheKey(ctx, cacheKey)
	switch {
	case err == nil:
		if !existing.Status.Terminal() {
			return existing, false, nil
		}
		if existing.Status == model.StatusCompleted && artifactCached {
			return existing, false, nil
		}
	case !errors.Is(err, ErrJobNotFound):
		return model.Job{}, false, fmt.Errorf("failed to look up job: %w", err)
	}

	job, err := m.Enqueue(ctx, filePath, rawDirective, cacheKey, priority)
	if errors.Is(err, ErrDuplicateJob) {
		winner, gerr := m.store.GetByCacheKey(ctx, cacheKey)
		if gerr != nil {
			return model.Job{}, false, fmt.Errorf("failed to adopt concurrent job: %w", gerr)
		}
		return winner, false, nil
	}
	if err != nil {
		return model.Job{}, false, err
	}
	return job, true, nil
}

// Claim hands the next schedulable job to a worker (priority ascending,
// FIFO within a tier) and announces the start.
func (m *Manager) Claim(ctx context.Context) (model.Job, error) {
	job, err := m.store.Claim(ctx)
	if err != nil {
		return model.Job{}, err
	}

	m.publish(model.EventJobStarted, job)
	return job, nil
}

// Progress records transcode progress. Progress is non-decreasing while the
// job is processing; stale or backward updates are dropped silently.
func (m *Manager) Progress(ctx context.Context, id uuid.UUID, progress int) {
	job, err := m.store.Transition(ctx, id, func(j model.Job) (model.Job, error) {
		if j.Status != model.StatusProcessing {
			return model.Job{}, ErrInvalidTransition
		}
		if progress < j.Progress {
			return j, nil
		}
		if progress > 100 {
			progress = 100
		}
		j.Progress = progress
		return j, nil
	})
	if err != nil {
		return
	}

	m.publish(model.EventJobProgress, job)
}

// Complete marks a processing job done, forcing progress to 100.
func (m *Manager) Complete(ctx context.Context, id uuid.UUID) error {
	job, err := m.store.Transition(ctx, id, func(j model.Job) (model.Job, error) {
		if j.Status != model.StatusProcessing {
			return model.Job{}, ErrInvalidTransition
		}
		now := time.Now()
		j.Status = model.StatusCompleted
		j.Progress = 100
		j.CompletedAt = &now
		return j, nil
	})
	if err != nil {
		return err
	}

	zlog.Logger.Info().Str("job", id.String()).Msg("job completed")
	m.publish(model.EventJobCompleted, job)
	return nil
}

// Fail records a transcode failure with a human-readable cause.
func (m *Manager) Fail(ctx context.Context, id uuid.UUID, cause string) error {
	job, err := m.store.Transition(ctx, id, func(j model.Job) (model.Job, error) {
		if j.Status != model.StatusProcessing {
			return model.Job{}, ErrInvalidTransition
		}
		now := time.Now()
		j.Status = model.StatusError
		j.Error = cause
		j.CompletedAt = &now
		return j, nil
	})
	if err != nil {
		return err
	}

	zlog.Logger.Warn().Str("job", id.String()).Str("cause", cause).Msg("job failed")
	m.publish(model.EventJobError, job)
	return nil
}

// Cancel stops a job before a worker claims it. A job that is already
// processing cannot be cancelled; it runs to completion or failure.
func (m *Manager) Cancel(ctx context.Context, id uuid.UUID) (model.Job, error) {
	job, err := m.store.Transition(ctx, id, func(j model.Job) (model.Job, error) {
		if j.Status != model.StatusPending {
			return model.Job{}, fmt.Errorf("%w: cannot cancel %s job", ErrInvalidTransition, j.Status)
		}
		now := time.Now()
		j.Status = model.StatusCancelled
		j.CompletedAt = &now
		return j, nil
	})
	if err != nil {
		return model.Job{}, err
	}

	zlog.Logger.Info().Str("job", id.String()).Msg("job cancelled")
	m.publish(model.EventJobError, job)
	return job, nil
}

// Retry re-enters a failed job into the schedulable pool, clearing its
// error and resetting progress.
func (m *Manager) Retry(ctx context.Context, id uuid.UUID) (model.Job, error) {
	job, err := m.store.Transition(ctx, id, func(j model.Job) (model.Job, error) {
		if j.Status != model.StatusError {
			return model.Job{}, fmt.Errorf("%w: cannot retry %s job", ErrInvalidTransition, j.Status)
		}
		j.Status = model.StatusPending
		j.Progress = 0
		j.Error = ""
		j.StartedAt = nil
		j.CompletedAt = nil
		return j, nil
	})
	if err != nil {
		return model.Job{}, err
	}

	zlog.Logger.Info().Str("job", id.String()).Msg("job requeued for retry")
	m.publish(model.EventJobCreated, job)
	return job, nil
}

// Delete removes a job record. Only terminal jobs may be deleted; a pending
// or processing job is rejected, never silently destroyed mid-flight.
func (m *Manager) Delete(ctx context.Context, id uuid.UUID) error {
	return m.store.Delete(ctx, id, func(j model.Job) error {
		if !j.Status.Terminal() {
			return fmt.Errorf("%w: cannot delete %s job", ErrInvalidTransition, j.Status)
		}
		return nil
	})
}

// Get returns a job by id.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (model.Job, error) {
	return m.store.Get(ctx, id)
}

// GetByCacheKey returns the most recent job for a cache key.
func (m *Manager) GetByCacheKey(ctx context.Context, key string) (model.Job, error) {
	return m.store.GetByCacheKey(ctx, key)
}

// List returns jobs ordered newest first, optionally filtered by status.
func (m *Manager) List(ctx context.Context, status model.Status, limit int) ([]model.Job, error) {
	return m.store.List(ctx, status, limit)
}

// Stats returns job counts grouped by status.
func (m *Manager) Stats(ctx context.Context) (map[model.Status]int, error) {
	return m.store.CountByStatus(ctx)
}

// publish fans out a lifecycle event. Bus delivery is best-effort and must
// never affect the persisted job state.
func (m *Manager) publish(name model.EventName, job model.Job) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(model.Event{
		Name:     name,
		JobID:    job.ID,
		FilePath: job.FilePath,
		Status:   job.Status,
		Progress: job.Progress,
		Error:    job.Error,
	})
}
