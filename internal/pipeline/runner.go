package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"loom/internal/logging"
	"loom/internal/reasoning"
	"loom/internal/retry"
	"loom/internal/store"
	"loom/internal/vector"

	"golang.org/x/sync/errgroup"
)

// VectorSearcher is the nearest-neighbor service consumed by the research
// stage's vector leg and fed by the refiners.
type VectorSearcher interface {
	TopK(ctx context.Context, query string, k int) ([]vector.Snippet, error)
	Index(ctx context.Context, content string, metadata map[string]interface{}) error
}

// EnqueueFunc hands a follow-up stage task to the queue. Enqueue returning
// means the task is durable, not that it ran: chaining is fire-and-continue.
type EnqueueFunc func(ctx context.Context, stage Stage, recordID, unrefinedID string) error

// ClientSet holds the reasoning clients by role. Research runs on its own
// (typically Perplexity) client; every other stage uses the default.
type ClientSet struct {
	Default  reasoning.Client
	Research reasoning.Client
}

// For returns the client serving a stage.
func (c ClientSet) For(stage Stage) reasoning.Client {
	if stage == StageResearch && c.Research != nil {
		return c.Research
	}
	return c.Default
}

// Config tunes the runner.
type Config struct {
	RetryPolicy     retry.Policy
	RefinedWindow   int           // refined entries per type consumed downstream
	CollectedWindow int           // collected batches fed to context producers
	VectorTopK      int           // snippets fetched for vector context
	ReadyTimeout    time.Duration // bound on the medium-aggregation readiness poll
	PollInterval    time.Duration
}

// DefaultConfig returns the runner defaults.
func DefaultConfig() Config {
	return Config{
		RetryPolicy:     retry.DefaultPolicy(),
		RefinedWindow:   3,
		CollectedWindow: 5,
		VectorTopK:      5,
		ReadyTimeout:    30 * time.Second,
		PollInterval:    2 * time.Second,
	}
}

// Result is a stage invocation outcome. NotReady marks the successful no-op
// responses: nothing eligible to work on, or a join with a missing leg.
type Result struct {
	Stage       Stage  `json:"stage"`
	RecordID    string `json:"record_id,omitempty"`
	UnrefinedID string `json:"unrefined_id,omitempty"`
	NotReady    bool   `json:"not_ready,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// Runner executes stages against the shared store.
type Runner struct {
	store   *store.Store
	vec     VectorSearcher
	clients ClientSet
	enqueue EnqueueFunc
	cfg     Config
}

// NewRunner creates a stage runner. Call SetEnqueue before serving traffic
// so committed stages can chain.
func NewRunner(st *store.Store, vec VectorSearcher, clients ClientSet, cfg Config) *Runner {
	if cfg.RefinedWindow <= 0 {
		cfg.RefinedWindow = 3
	}
	if cfg.CollectedWindow <= 0 {
		cfg.CollectedWindow = 5
	}
	if cfg.VectorTopK <= 0 {
		cfg.VectorTopK = 5
	}
	return &Runner{store: st, vec: vec, clients: clients, cfg: cfg}
}

// SetEnqueue wires the task queue. Nil disables chaining (tests).
func (r *Runner) SetEnqueue(fn EnqueueFunc) {
	r.enqueue = fn
}

// Run executes one stage. recordID and unrefinedID are optional; without
// them the stage resolves its own target.
func (r *Runner) Run(ctx context.Context, stage Stage, recordID, unrefinedID string) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryPipeline, "stage "+string(stage))
	defer timer.StopWithInfo()

	switch stage {
	case StageObserve:
		return r.runObserve(ctx)
	case StageResearch:
		return r.runResearch(ctx, recordID)
	case StageFactCheck, StageAngles, StageSelectAngles, StageCategorize:
		return r.runRecordStage(ctx, stage, recordID)
	case StageContextA, StageContextB:
		return r.runContextProducer(ctx, stage, unrefinedID)
	case StageJoinCheck:
		return r.runJoinCheck(ctx, unrefinedID)
	case StageRefineShortA, StageRefineShortB:
		return r.runRefineShort(ctx, stage, unrefinedID)
	case StageRefineMedium:
		return r.runRefineMedium(ctx)
	default:
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
}

// complete makes the stage's single reasoning call under the retry policy.
func (r *Runner) complete(ctx context.Context, stage Stage, system, user string) (string, error) {
	client := r.clients.For(stage)
	if client == nil {
		return "", fmt.Errorf("no reasoning client configured for stage %s", stage)
	}

	var out string
	err := retry.Do(ctx, r.cfg.RetryPolicy, string(stage), func(ctx context.Context) error {
		var cerr error
		out, cerr = client.CompleteWithSystem(ctx, system, user)
		return cerr
	})
	return out, err
}

// commitField writes a record column under the retry policy. The write-once
// and not-found conditions are fatal, not transient.
func (r *Runner) commitField(ctx context.Context, id, column, value string) error {
	return retry.Do(ctx, r.cfg.RetryPolicy, "commit "+column, func(ctx context.Context) error {
		err := r.store.SetRecordField(ctx, id, column, value)
		if errors.Is(err, store.ErrFieldAlreadySet) || errors.Is(err, store.ErrRecordNotFound) {
			return retry.Fatal(err)
		}
		return err
	})
}

// chain enqueues the next stage, fire-and-continue. A chaining failure is
// logged and swallowed; the committed stage still reports success, and the
// record stays eligible for default resolution on the next tick.
func (r *Runner) chain(ctx context.Context, next Stage, recordID, unrefinedID string) {
	if next == "" {
		return
	}
	if r.enqueue == nil {
		logging.PipelineDebug("No queue wired; skipping chain to %s", next)
		return
	}
	err := retry.Do(ctx, r.cfg.RetryPolicy, "chain "+string(next), func(ctx context.Context) error {
		return r.enqueue(ctx, next, recordID, unrefinedID)
	})
	if err != nil {
		logging.Get(logging.CategoryPipeline).Error("Failed to chain %s (record=%q buffer=%q): %v",
			next, recordID, unrefinedID, err)
	}
}

// resolveRecord finds the target record for a record stage.
// With an explicit id the stage fails fast on violations; without one it
// falls back to the most recent eligible record or a not-ready no-op.
func (r *Runner) resolveRecord(ctx context.Context, stage Stage, recordID string) (*store.Record, *Result, error) {
	spec := recordStages[stage]

	if recordID != "" {
		rec, err := r.store.GetRecord(ctx, recordID)
		if err != nil {
			return nil, nil, err
		}
		if err := CanRun(rec, stage); err != nil {
			return nil, nil, err
		}
		return rec, nil, nil
	}

	rec, err := r.store.LatestEligible(ctx, spec.output, spec.upstream...)
	if errors.Is(err, store.ErrNoEligibleRecord) {
		logging.Pipeline("%s: no eligible record, nothing to do", stage)
		return nil, &Result{Stage: stage, NotReady: true, Detail: "no eligible record"}, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return rec, nil, nil
}

// runObserve starts a new pipeline record from the freshest refined context.
func (r *Runner) runObserve(ctx context.Context) (*Result, error) {
	shortA, err := r.store.LatestRefined(ctx, store.RefinedShortA, r.cfg.RefinedWindow)
	if err != nil {
		return nil, err
	}
	shortB, err := r.store.LatestRefined(ctx, store.RefinedShortB, r.cfg.RefinedWindow)
	if err != nil {
		return nil, err
	}
	medium, err := r.store.LatestRefined(ctx, store.RefinedMedium, 1)
	if err != nil {
		return nil, err
	}

	if len(shortA) == 0 && len(shortB) == 0 && len(medium) == 0 {
		logging.Pipeline("observe: no refined context yet, nothing to do")
		return &Result{Stage: StageObserve, NotReady: true, Detail: "no refined context"}, nil
	}

	var sb strings.Builder
	writeEntries := func(label string, entries []store.RefinedEntry) {
		if len(entries) == 0 {
			return
		}
		sb.WriteString(label)
		sb.WriteString(":\n")
		for _, e := range entries {
			sb.WriteString("- ")
			sb.WriteString(e.Content)
			sb.WriteString("\n")
		}
	}
	writeEntries("Short-term signal digests (A)", shortA)
	writeEntries("Short-term mood digests (B)", shortB)
	writeEntries("Medium-term synthesis", medium)

	observation, err := r.complete(ctx, StageObserve, observeSystemPrompt, sb.String())
	if err != nil {
		return nil, err
	}

	rec, err := r.store.CreateRecord(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.commitField(ctx, rec.ID, store.ColInitialObservation, observation); err != nil {
		return nil, err
	}

	r.chain(ctx, recordStages[StageObserve].next, rec.ID, "")
	return &Result{Stage: StageObserve, RecordID: rec.ID}, nil
}

// runResearch performs the synchronous two-leg fan-out: deep research and
// vector context are produced in parallel and both awaited before commit.
// A failed vector leg is tolerated (the record commits with an empty vector
// context); a failed research leg aborts the stage.
func (r *Runner) runResearch(ctx context.Context, recordID string) (*Result, error) {
	rec, skip, err := r.resolveRecord(ctx, StageResearch, recordID)
	if err != nil || skip != nil {
		return skip, err
	}

	observation, _ := rec.Field(store.ColInitialObservation)

	var research, vectorCtx string
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		out, err := r.complete(gctx, StageResearch, researchSystemPrompt, observation)
		if err != nil {
			return fmt.Errorf("research leg: %w", err)
		}
		research = out
		return nil
	})

	g.Go(func() error {
		if r.vec == nil {
			return nil
		}
		var snippets []vector.Snippet
		err := retry.Do(gctx, r.cfg.RetryPolicy, "vector context", func(ctx context.Context) error {
			var verr error
			snippets, verr = r.vec.TopK(ctx, observation, r.cfg.VectorTopK)
			return verr
		})
		if err != nil {
			// Tolerated: the join commits with an empty vector context.
			logging.Get(logging.CategoryPipeline).Warn("vector leg failed for record %s: %v", rec.ID, err)
			return nil
		}
		if len(snippets) > 0 {
			data, merr := json.Marshal(snippets)
			if merr != nil {
				return merr
			}
			vectorCtx = string(data)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := r.commitField(ctx, rec.ID, store.ColDeepResearch, research); err != nil {
		return nil, err
	}
	if err := r.commitField(ctx, rec.ID, store.ColVectorContext, vectorCtx); err != nil {
		return nil, err
	}

	r.chain(ctx, recordStages[StageResearch].next, rec.ID, "")
	return &Result{Stage: StageResearch, RecordID: rec.ID}, nil
}

// runRecordStage handles the single-call single-column stages.
func (r *Runner) runRecordStage(ctx context.Context, stage Stage, recordID string) (*Result, error) {
	rec, skip, err := r.resolveRecord(ctx, stage, recordID)
	if err != nil || skip != nil {
		return skip, err
	}

	spec := recordStages[stage]

	var system string
	switch stage {
	case StageFactCheck:
		system = factCheckSystemPrompt
	case StageAngles:
		system = anglesSystemPrompt
	case StageSelectAngles:
		system = selectAnglesSystemPrompt
	case StageCategorize:
		system = categorizeSystemPrompt
	}

	var sb strings.Builder
	for _, col := range spec.upstream {
		val, _ := rec.Field(col)
		if val == "" {
			continue
		}
		sb.WriteString(strings.ReplaceAll(col, "_", " "))
		sb.WriteString(":\n")
		sb.WriteString(val)
		sb.WriteString("\n\n")
	}

	out, err := r.complete(ctx, stage, system, sb.String())
	if err != nil {
		return nil, err
	}

	if err := r.commitField(ctx, rec.ID, spec.output, out); err != nil {
		return nil, err
	}

	r.chain(ctx, spec.next, rec.ID, "")
	return &Result{Stage: stage, RecordID: rec.ID}, nil
}
