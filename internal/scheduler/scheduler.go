// Package scheduler drives the collection cadence. Every tick collects one
// batch of raw upstream text and advances the collection-cycle counter; at
// the fan-out threshold it opens an unrefined buffer and dispatches the two
// parallel context producers, and every few fan-outs it dispatches the
// medium-term refiner.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"loom/internal/collect"
	"loom/internal/counter"
	"loom/internal/logging"
	"loom/internal/pipeline"
	"loom/internal/retry"
	"loom/internal/store"
)

// Thresholds for the cycle counters.
const (
	DefaultFanOutEvery = 12 // collection cycles per context fan-out
	DefaultMediumEvery = 3  // fan-outs per medium-term refinement
)

// Config tunes the scheduler.
type Config struct {
	FanOutEvery int
	MediumEvery int
	RetryPolicy retry.Policy
}

// DefaultConfig returns the production cadence.
func DefaultConfig() Config {
	return Config{
		FanOutEvery: DefaultFanOutEvery,
		MediumEvery: DefaultMediumEvery,
		RetryPolicy: retry.DefaultPolicy(),
	}
}

// TickResult reports what one tick did.
type TickResult struct {
	CycleCount  int    `json:"cycle_count"`
	FanOutFired bool   `json:"fan_out_fired"`
	BufferID    string `json:"buffer_id,omitempty"`
	MediumCount int    `json:"medium_count,omitempty"`
	MediumFired bool   `json:"medium_fired"`
}

// Scheduler owns the tick loop state.
type Scheduler struct {
	store     *store.Store
	counter   counter.Counter
	collector collect.Collector
	enqueue   pipeline.EnqueueFunc

	policy retry.Policy

	mu  sync.RWMutex
	cfg Config
}

// New creates a scheduler. enqueue dispatches stage tasks (the queue's
// Enqueue in production).
func New(st *store.Store, ctr counter.Counter, col collect.Collector, enqueue pipeline.EnqueueFunc, cfg Config) *Scheduler {
	if cfg.FanOutEvery <= 0 {
		cfg.FanOutEvery = DefaultFanOutEvery
	}
	if cfg.MediumEvery <= 0 {
		cfg.MediumEvery = DefaultMediumEvery
	}
	if cfg.RetryPolicy.MaxAttempts <= 0 {
		cfg.RetryPolicy = retry.DefaultPolicy()
	}
	return &Scheduler{store: st, counter: ctr, collector: col, enqueue: enqueue, policy: cfg.RetryPolicy, cfg: cfg}
}

// SetCadence swaps the thresholds at runtime (config reload).
func (s *Scheduler) SetCadence(fanOutEvery, mediumEvery int) {
	if fanOutEvery <= 0 || mediumEvery <= 0 {
		return
	}
	s.mu.Lock()
	s.cfg.FanOutEvery = fanOutEvery
	s.cfg.MediumEvery = mediumEvery
	s.mu.Unlock()
	logging.Scheduler("Cadence updated: fan-out every %d cycles, medium every %d fan-outs", fanOutEvery, mediumEvery)
}

func (s *Scheduler) cadence() (int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.FanOutEvery, s.cfg.MediumEvery
}

// Tick runs one collection cycle: collect, persist, count, and fire any
// thresholds that tripped. Counter failures are fail-open: the tick logs
// the outage, assumes the cycle is below threshold, and carries on, so a
// counter outage delays fan-outs instead of halting collection.
func (s *Scheduler) Tick(ctx context.Context) (*TickResult, error) {
	timer := logging.StartTimer(logging.CategoryScheduler, "tick")
	defer timer.StopWithInfo()

	var raw string
	err := retry.Do(ctx, s.policy, "collect", func(ctx context.Context) error {
		var cerr error
		raw, cerr = s.collector.Collect(ctx)
		return cerr
	})
	if err != nil {
		return nil, fmt.Errorf("collection failed: %w", err)
	}

	batch, err := s.store.AppendCollected(ctx, raw)
	if err != nil {
		return nil, err
	}
	logging.Scheduler("Collected batch %d (%d bytes)", batch.ID, len(raw))

	fanOutEvery, mediumEvery := s.cadence()

	res := &TickResult{CycleCount: s.bump(ctx, counter.KeyCollectionCycle)}
	if res.CycleCount < fanOutEvery {
		return res, nil
	}

	s.reset(ctx, counter.KeyCollectionCycle)
	res.FanOutFired = true
	res.BufferID = s.fanOut(ctx)

	res.MediumCount = s.bump(ctx, counter.KeyMediumTermCycle)
	if res.MediumCount < mediumEvery {
		return res, nil
	}

	s.reset(ctx, counter.KeyMediumTermCycle)
	res.MediumFired = true
	s.dispatch(ctx, pipeline.StageRefineMedium, "", "")
	return res, nil
}

// bump increments a cycle counter, failing open to 1 on a counter outage.
func (s *Scheduler) bump(ctx context.Context, key string) int {
	n, err := s.counter.Incr(ctx, key)
	if err != nil {
		logging.Get(logging.CategoryScheduler).Warn("counter %s unavailable, assuming below threshold: %v", key, err)
		return 1
	}
	return n
}

func (s *Scheduler) reset(ctx context.Context, key string) {
	if err := s.counter.Set(ctx, key, 0); err != nil {
		logging.Get(logging.CategoryScheduler).Warn("failed to reset counter %s: %v", key, err)
	}
}

// fanOut opens a fresh unrefined buffer and dispatches both context
// producers against it. Returns the buffer id, or "" when the buffer could
// not be created (the producers then resolve their own buffer).
func (s *Scheduler) fanOut(ctx context.Context) string {
	var bufferID string
	buf, err := s.store.CreateBuffer(ctx)
	if err != nil {
		logging.Get(logging.CategoryScheduler).Error("failed to open buffer for fan-out: %v", err)
	} else {
		bufferID = buf.ID
	}

	logging.Scheduler("Fan-out: dispatching context producers (buffer=%q)", bufferID)
	s.dispatch(ctx, pipeline.StageContextA, "", bufferID)
	s.dispatch(ctx, pipeline.StageContextB, "", bufferID)
	return bufferID
}

func (s *Scheduler) dispatch(ctx context.Context, stage pipeline.Stage, recordID, unrefinedID string) {
	if s.enqueue == nil {
		logging.SchedulerDebug("No queue wired; skipping dispatch of %s", stage)
		return
	}
	if err := s.enqueue(ctx, stage, recordID, unrefinedID); err != nil {
		logging.Get(logging.CategoryScheduler).Error("failed to dispatch %s: %v", stage, err)
	}
}
