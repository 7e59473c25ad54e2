package worker

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/proximet/mediacdn/internal/model"
	"github.com/proximet/mediacdn/internal/queue"
)

func TestMain(m *testing.M) {
	zlog.Init()
	os.Exit(m.Run())
}

// scriptedProcessor fails the paths listed in failures and signals after
// every processed job.
type scriptedProcessor struct {
	mu       sync.Mutex
	failures map[string]error
	seen     []string
	done     chan struct{}
}

func newScriptedProcessor(expected int) *scriptedProcessor {
	return &scriptedProcessor{
		failures: make(map[string]error),
		done:     make(chan struct{}, expected),
	}
}

func (p *scriptedProcessor) ProcessJob(_ context.Context, job model.Job) error {
	p.mu.Lock()
	p.seen = append(p.seen, job.FilePath)
	err := p.failures[job.FilePath]
	p.mu.Unlock()

	p.done <- struct{}{}
	return err
}

func waitFor(t *testing.T, p *scriptedProcessor, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-p.done:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for job %d of %d", i+1, n)
		}
	}
}

func TestPoolDrainsQueue(t *testing.T) {
	m := queue.NewManager(queue.NewMemoryStore(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobs := make([]model.Job, 3)
	for i, path := range []string{"a.mp4", "b.mp4", "c.mp4"} {
		job, err := m.Enqueue(ctx, path, "", "key-"+path, model.PriorityNormal)
		if err != nil {
			t.Fatal(err)
		}
		jobs[i] = job
	}

	proc := newScriptedProcessor(len(jobs))
	pool := NewPool(m, proc, 2, 10*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(stopped)
	}()

	waitFor(t, proc, len(jobs))

	// Completion is recorded asynchronously after the processor returns.
	deadline := time.After(5 * time.Second)
	for {
		stats, err := m.Stats(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if stats[model.StatusCompleted] == len(jobs) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("jobs never completed: %v", stats)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop after context cancellation")
	}
}

func TestPoolRecordsFailures(t *testing.T) {
	m := queue.NewManager(queue.NewMemoryStore(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	good, err := m.Enqueue(ctx, "good.mp4", "", "key-good", model.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	bad, err := m.Enqueue(ctx, "bad.mp4", "", "key-bad", model.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}

	proc := newScriptedProcessor(2)
	proc.failures["bad.mp4"] = errors.New("ffmpeg exited with code 1")

	pool := NewPool(m, proc, 1, 10*time.Millisecond)
	go pool.Run(ctx)

	waitFor(t, proc, 2)

	deadline := time.After(5 * time.Second)
	for {
		g, err := m.Get(ctx, good.ID)
		if err != nil {
			t.Fatal(err)
		}
		b, err := m.Get(ctx, bad.ID)
		if err != nil {
			t.Fatal(err)
		}
		if g.Status.Terminal() && b.Status.Terminal() {
			if g.Status != model.StatusCompleted {
				t.Errorf("good job = %s", g.Status)
			}
			if b.Status != model.StatusError || b.Error != "ffmpeg exited with code 1" {
				t.Errorf("bad job = %s %q", b.Status, b.Error)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("jobs not terminal: good=%s bad=%s", g.Status, b.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// singleJobQueue hands out one job, then reports an empty pool, and records
// the context used to mark the outcome.
type singleJobQueue struct {
	mu       sync.Mutex
	job      *model.Job
	recorded chan context.Context
}

func (q *singleJobQueue) Claim(context.Context) (model.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.job == nil {
		return model.Job{}, queue.ErrNoPendingJobs
	}
	job := *q.job
	q.job = nil
	return job, nil
}

func (q *singleJobQueue) Complete(ctx context.Context, _ uuid.UUID) error {
	q.recorded <- ctx
	return nil
}

func (q *singleJobQueue) Fail(ctx context.Context, _ uuid.UUID, _ string) error {
	q.recorded <- ctx
	return nil
}

// cancelAwareProcessor simulates a transcode killed by shutdown: it blocks
// until the context is cancelled, then returns its error.
type cancelAwareProcessor struct {
	started chan struct{}
}

func (p *cancelAwareProcessor) ProcessJob(ctx context.Context, _ model.Job) error {
	close(p.started)
	<-ctx.Done()
	return ctx.Err()
}

func TestPoolRecordsOutcomeAfterShutdownCancel(t *testing.T) {
	job := model.Job{ID: uuid.New(), FilePath: "clips/slow.mp4", Status: model.StatusProcessing}
	q := &singleJobQueue{job: &job, recorded: make(chan context.Context, 1)}
	proc := &cancelAwareProcessor{started: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		NewPool(q, proc, 1, time.Millisecond).Run(ctx)
		close(stopped)
	}()

	select {
	case <-proc.started:
	case <-time.After(5 * time.Second):
		t.Fatal("job was never claimed")
	}
	cancel()

	select {
	case recordCtx := <-q.recorded:
		if recordCtx.Err() != nil {
			t.Errorf("outcome recorded with a dead context: %v", recordCtx.Err())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("outcome was never recorded after cancellation")
	}

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestPoolDefaults(t *testing.T) {
	pool := NewPool(queue.NewManager(queue.NewMemoryStore(), nil), newScriptedProcessor(0), 0, 0)
	if pool.workers != 2 || pool.interval != time.Second {
		t.Errorf("defaults = (%d, %v)", pool.workers, pool.interval)
	}
}
