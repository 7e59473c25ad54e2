// Package worker runs the bounded pool that drains the transcode queue.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/proximet/mediacdn/internal/model"
	"github.com/proximet/mediacdn/internal/queue"
)

// claimer hands out schedulable jobs and records their outcome.
type claimer interface {
	Claim(ctx context.Context) (model.Job, error)
	Complete(ctx context.Context, id uuid.UUID) error
	Fail(ctx context.Context, id uuid.UUID, cause string) error
}

// processor executes a claimed job.
type processor interface {
	ProcessJob(ctx context.Context, job model.Job) error
}

// Pool runs a fixed number of workers. Each worker is single-job-exclusive:
// it claims one job, runs it to completion or failure, then claims again.
// Claimed jobs are never preempted.
type Pool struct {
	queue     claimer
	processor processor
	workers   int
	interval  time.Duration
}

// NewPool creates a Pool of n workers polling for work every interval.
func NewPool(q claimer, p processor, n int, interval time.Duration) *Pool {
	if n <= 0 {
		n = 2
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Pool{queue: q, processor: p, workers: n, interval: interval}
}

// Run starts the workers and blocks until the context is cancelled and all
// in-flight jobs have finished.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup

	zlog.Logger.Info().Int("workers", p.workers).Msg("starting transcode workers")

	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.run(ctx, n)
		}(i)
	}

	wg.Wait()
	zlog.Logger.Info().Msg("transcode workers stopped")
}

func (p *Pool) run(ctx context.Context, n int) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for {
			job, err := p.queue.Claim(ctx)
			if err != nil {
				if !errors.Is(err, queue.ErrNoPendingJobs) {
					zlog.Logger.Err(err).Int("worker", n).Msg("failed to claim job")
				}
				break
			}

			p.process(ctx, n, job)

			if ctx.Err() != nil {
				return
			}
		}
	}
}

// process runs one job and records the outcome on the job record. A failure
// is captured there, never thrown through the event bus.
func (p *Pool) process(ctx context.Context, n int, job model.Job) {
	zlog.Logger.Info().
		Int("worker", n).
		Str("job", job.ID.String()).
		Str("path", job.FilePath).
		Msg("processing job")

	// Outcome recording must survive a shutdown cancellation: when ctx is
	// cancelled mid-transcode, the job still has to land in a terminal,
	// retryable state rather than strand in processing.
	record := context.WithoutCancel(ctx)

	if err := p.processor.ProcessJob(ctx, job); err != nil {
		if err := p.queue.Fail(record, job.ID, err.Error()); err != nil {
			zlog.Logger.Err(err).Str("job", job.ID.String()).Msg("failed to record job failure")
		}
		return
	}

	if err := p.queue.Complete(record, job.ID); err != nil {
		zlog.Logger.Err(err).Str("job", job.ID.String()).Msg("failed to record job completion")
	}
}
