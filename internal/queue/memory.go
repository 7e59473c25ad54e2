package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/proximet/mediacdn/internal/model"
)

// MemoryStore is the in-process Store used for broker-less deployments and
// tests. All operations are linearized under a single mutex.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]model.Job
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[uuid.UUID]model.Job)}
}

func (s *MemoryStore) Create(_ context.Context, job model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Uniqueness of the live job per cache key is enforced here, under the
	// same lock as the insert, so concurrent creators cannot both win.
	for _, existing := range s.jobs {
		if existing.CacheKey == job.CacheKey && !existing.Status.Terminal() {
			return ErrDuplicateJob
		}
	}

	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return model.Job{}, ErrJobNotFound
	}
	return job, nil
}

func (s *MemoryStore) GetByCacheKey(_ context.Context, key string) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Prefer the most recently created job for the key so a retry after a
	// deleted failure finds the live record.
	var found model.Job
	ok := false
	for _, job := range s.jobs {
		if job.CacheKey != key {
			continue
		}
		if !ok || job.CreatedAt.After(found.CreatedAt) {
			found, ok = job, true
		}
	}
	if !ok {
		return model.Job{}, ErrJobNotFound
	}
	return found, nil
}

func (s *MemoryStore) Claim(_ context.Context) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best model.Job
	ok := false
	for _, job := range s.jobs {
		if job.Status != model.StatusPending {
			continue
		}
		if !ok || less(job, best) {
			best, ok = job, true
		}
	}
	if !ok {
		return model.Job{}, ErrNoPendingJobs
	}

	now := time.Now()
	best.Status = model.StatusProcessing
	best.StartedAt = &now
	s.jobs[best.ID] = best

	return best, nil
}

func (s *MemoryStore) Transition(_ context.Context, id uuid.UUID, mutate func(model.Job) (model.Job, error)) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return model.Job{}, ErrJobNotFound
	}

	updated, err := mutate(job)
	if err != nil {
		return model.Job{}, err
	}

	s.jobs[id] = updated
	return updated, nil
}

func (s *MemoryStore) List(_ context.Context, status model.Status, limit int) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]model.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if status != "" && job.Status != status {
			continue
		}
		jobs = append(jobs, job)
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *MemoryStore) Delete(_ context.Context, id uuid.UUID, guard func(model.Job) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if err := guard(job); err != nil {
		return err
	}

	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) CountByStatus(_ context.Context) (map[model.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[model.Status]int)
	for _, job := range s.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

// less orders jobs for claiming: priority ascending, then FIFO within the
// same priority tier.
func less(a, b model.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
