// Package queue runs the durable stage task queue. Stages chain by writing
// a task row; a small worker pool claims tasks, executes them through the
// pipeline runner, and retries or dead-letters failures. Tasks survive a
// process restart because the queue lives in the same sqlite store as the
// pipeline state.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"loom/internal/logging"
	"loom/internal/pipeline"
	"loom/internal/store"
)

// Options tunes the worker pool.
type Options struct {
	Workers      int
	MaxAttempts  int           // task attempts before dead-lettering
	BaseDelay    time.Duration // release backoff, doubled per attempt
	PollInterval time.Duration // idle sleep between claim attempts
}

// DefaultOptions returns the pool defaults.
func DefaultOptions() Options {
	return Options{
		Workers:      2,
		MaxAttempts:  3,
		BaseDelay:    2 * time.Second,
		PollInterval: 500 * time.Millisecond,
	}
}

// Queue is the stage task dispatcher.
type Queue struct {
	store  *store.Store
	runner *pipeline.Runner
	opts   Options

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a queue over the shared store and wires itself into the
// runner as its chaining target.
func New(st *store.Store, runner *pipeline.Runner, opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 2 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}

	q := &Queue{store: st, runner: runner, opts: opts}
	runner.SetEnqueue(q.Enqueue)
	return q
}

// Enqueue appends a stage task. Satisfies pipeline.EnqueueFunc.
func (q *Queue) Enqueue(ctx context.Context, stage pipeline.Stage, recordID, unrefinedID string) error {
	if _, err := pipeline.ParseStage(string(stage)); err != nil {
		return err
	}
	_, err := q.store.EnqueueTask(ctx, string(stage), recordID, unrefinedID)
	return err
}

// Start launches the workers. They run until Stop or context cancellation.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		return
	}

	ctx, q.cancel = context.WithCancel(ctx)

	// Tasks claimed by a previous process that died mid-flight would stay
	// unclaimable forever; hand them back with a restart backoff.
	if _, err := q.store.RecoverTasks(ctx, time.Now().Add(q.opts.BaseDelay)); err != nil {
		logging.Get(logging.CategoryQueue).Error("task recovery failed: %v", err)
	}

	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	logging.Queue("Started %d queue workers", q.opts.Workers)
}

// Stop cancels the workers and waits for in-flight tasks to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel := q.cancel
	q.cancel = nil
	q.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	q.wg.Wait()
	logging.Queue("Queue workers stopped")
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()

	for {
		task, err := q.store.ClaimTask(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Get(logging.CategoryQueue).Error("worker %d claim failed: %v", id, err)
		}
		if task == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.opts.PollInterval):
			}
			continue
		}

		q.execute(ctx, task)

		if ctx.Err() != nil {
			return
		}
	}
}

// execute runs one claimed task and settles it: delete on success, release
// with backoff on a transient failure, dead-letter once attempts run out.
// Not-ready outcomes count as success; the scheduler will come around again.
func (q *Queue) execute(ctx context.Context, t *Task) {
	// Settle with an uncancelable context so a shutdown mid-task still
	// records the outcome.
	settle := context.WithoutCancel(ctx)

	stage, err := pipeline.ParseStage(t.Stage)
	if err != nil {
		q.bury(settle, t, err)
		return
	}

	res, err := q.runner.Run(ctx, stage, t.RecordID, t.UnrefinedID)
	if err == nil {
		if res != nil && res.NotReady {
			logging.QueueDebug("Task %s (%s) not ready: %s", t.ID, t.Stage, res.Detail)
		}
		if cerr := q.store.CompleteTask(settle, t.ID); cerr != nil {
			logging.Get(logging.CategoryQueue).Error("failed to settle task %s: %v", t.ID, cerr)
		}
		return
	}

	// Precondition violations never heal with a retry.
	if errors.Is(err, pipeline.ErrStageAlreadyDone) ||
		errors.Is(err, pipeline.ErrMissingUpstream) ||
		errors.Is(err, store.ErrRecordNotFound) ||
		errors.Is(err, store.ErrBufferNotFound) {
		q.bury(settle, t, err)
		return
	}

	if t.Attempts+1 >= q.opts.MaxAttempts {
		q.bury(settle, t, err)
		return
	}

	delay := q.opts.BaseDelay << t.Attempts
	logging.Queue("Task %s (%s) attempt %d failed, retrying in %s: %v",
		t.ID, t.Stage, t.Attempts+1, delay, err)
	if rerr := q.store.ReleaseTask(settle, t.ID, time.Now().Add(delay)); rerr != nil {
		logging.Get(logging.CategoryQueue).Error("failed to release task %s: %v", t.ID, rerr)
	}
}

func (q *Queue) bury(ctx context.Context, t *Task, cause error) {
	t.Attempts++
	if err := q.store.DeadLetterTask(ctx, t, cause.Error()); err != nil {
		logging.Get(logging.CategoryQueue).Error("failed to dead-letter task %s: %v", t.ID, err)
	}
}

// Task aliases the store row so callers need not import both packages.
type Task = store.Task

// Stats summarizes queue depth for the stats surface.
func (q *Queue) Stats(ctx context.Context) (map[string]interface{}, error) {
	pending, err := q.store.PendingTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue depth: %w", err)
	}
	dead, err := q.store.DeadTasks(ctx, 1000)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"pending": pending,
		"dead":    len(dead),
		"workers": q.opts.Workers,
	}, nil
}
