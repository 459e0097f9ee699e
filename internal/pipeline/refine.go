package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"loom/internal/logging"
	"loom/internal/retry"
	"loom/internal/store"
)

// legFor maps a buffer stage to its leg bit.
func legFor(stage Stage) int {
	switch stage {
	case StageContextA, StageRefineShortA:
		return store.LegContextA
	default:
		return store.LegContextB
	}
}

// resolveBuffer finds the target unrefined buffer. Explicit ids fail fast;
// without one the most recent buffer is used, and nil means none exists yet.
func (r *Runner) resolveBuffer(ctx context.Context, unrefinedID string) (*store.Buffer, error) {
	if unrefinedID != "" {
		return r.store.GetBuffer(ctx, unrefinedID)
	}
	buf, err := r.store.LatestBuffer(ctx)
	if errors.Is(err, store.ErrBufferNotFound) {
		return nil, nil
	}
	return buf, err
}

// runContextProducer runs one leg of the collection fan-out: condense the
// latest collected batches into this leg's context and commit it to the
// buffer. The producer that completes the second leg fires the join.
func (r *Runner) runContextProducer(ctx context.Context, stage Stage, unrefinedID string) (*Result, error) {
	leg := legFor(stage)

	batches, err := r.store.LatestCollected(ctx, r.cfg.CollectedWindow)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		logging.Refine("%s: no collected batches yet, nothing to do", stage)
		return &Result{Stage: stage, NotReady: true, Detail: "no collected batches"}, nil
	}

	buf, err := r.resolveBuffer(ctx, unrefinedID)
	if err != nil {
		return nil, err
	}
	if unrefinedID == "" && (buf == nil || buf.Ready() || buf.ReadyMask&leg != 0) {
		buf, err = r.store.CreateBuffer(ctx)
		if err != nil {
			return nil, err
		}
		logging.Refine("%s: opened buffer %s", stage, buf.ID)
	}

	var sb strings.Builder
	for i := len(batches) - 1; i >= 0; i-- {
		sb.WriteString(batches[i].Content)
		sb.WriteString("\n\n")
	}

	system := contextASystemPrompt
	if stage == StageContextB {
		system = contextBSystemPrompt
	}
	out, err := r.complete(ctx, stage, system, sb.String())
	if err != nil {
		return nil, err
	}

	var becameReady bool
	err = retry.Do(ctx, r.cfg.RetryPolicy, "commit leg", func(ctx context.Context) error {
		var cerr error
		_, becameReady, cerr = r.store.CommitBufferLeg(ctx, buf.ID, leg, out)
		if errors.Is(cerr, store.ErrFieldAlreadySet) || errors.Is(cerr, store.ErrBufferNotFound) {
			return retry.Fatal(cerr)
		}
		return cerr
	})
	if err != nil {
		return nil, err
	}

	if becameReady {
		r.fireJoin(ctx, buf.ID)
	}
	return &Result{Stage: stage, UnrefinedID: buf.ID}, nil
}

// fireJoin claims the join for a ready buffer and enqueues both refiners.
// The joined_at guard keeps the leg-commit path and the poll path from
// dispatching the refiners twice.
func (r *Runner) fireJoin(ctx context.Context, bufferID string) bool {
	won, err := r.store.MarkBufferJoined(ctx, bufferID)
	if err != nil {
		logging.Get(logging.CategoryRefine).Error("join claim failed for buffer %s: %v", bufferID, err)
		return false
	}
	if !won {
		logging.RefineDebug("buffer %s already joined", bufferID)
		return false
	}
	logging.Refine("buffer %s ready, dispatching refiners", bufferID)
	r.chain(ctx, StageRefineShortA, "", bufferID)
	r.chain(ctx, StageRefineShortB, "", bufferID)
	return true
}

// runJoinCheck is the poll-style reconciliation path: inspect the latest
// buffer and fire the join if both legs landed but nothing dispatched the
// refiners. A buffer with a missing leg is a successful no-op.
func (r *Runner) runJoinCheck(ctx context.Context, unrefinedID string) (*Result, error) {
	buf, err := r.resolveBuffer(ctx, unrefinedID)
	if err != nil {
		return nil, err
	}
	if buf == nil {
		return &Result{Stage: StageJoinCheck, NotReady: true, Detail: "no buffer"}, nil
	}
	if !buf.Ready() {
		logging.RefineDebug("buffer %s not ready (mask=%d)", buf.ID, buf.ReadyMask)
		return &Result{Stage: StageJoinCheck, UnrefinedID: buf.ID, NotReady: true,
			Detail: fmt.Sprintf("awaiting legs (mask=%d)", buf.ReadyMask)}, nil
	}
	if buf.JoinedAt != nil {
		return &Result{Stage: StageJoinCheck, UnrefinedID: buf.ID, Detail: "already joined"}, nil
	}

	r.fireJoin(ctx, buf.ID)
	return &Result{Stage: StageJoinCheck, UnrefinedID: buf.ID}, nil
}

// runRefineShort distills one buffer leg into a short-term refined entry
// and feeds it to the vector index.
func (r *Runner) runRefineShort(ctx context.Context, stage Stage, unrefinedID string) (*Result, error) {
	buf, err := r.resolveBuffer(ctx, unrefinedID)
	if err != nil {
		return nil, err
	}
	if buf == nil {
		return &Result{Stage: stage, NotReady: true, Detail: "no buffer"}, nil
	}

	src := buf.ContextAUnrefined
	if stage == StageRefineShortB {
		src = buf.ContextBUnrefined
	}
	if src == nil || *src == "" {
		if unrefinedID != "" {
			return nil, fmt.Errorf("%w: buffer %s leg not committed", ErrMissingUpstream, buf.ID)
		}
		return &Result{Stage: stage, UnrefinedID: buf.ID, NotReady: true, Detail: "leg not committed"}, nil
	}
	content := *src

	out, err := r.complete(ctx, stage, refineShortSystemPrompt, content)
	if err != nil {
		return nil, err
	}

	entryType := store.RefinedShortA
	if stage == StageRefineShortB {
		entryType = store.RefinedShortB
	}
	var entry *store.RefinedEntry
	err = retry.Do(ctx, r.cfg.RetryPolicy, "append refined", func(ctx context.Context) error {
		var aerr error
		entry, aerr = r.store.AppendRefined(ctx, entryType, out)
		return aerr
	})
	if err != nil {
		return nil, err
	}

	r.indexRefined(ctx, entryType, entry.ID, out)
	return &Result{Stage: stage, UnrefinedID: buf.ID}, nil
}

// runRefineMedium aggregates recent short-term entries into a medium-term
// synthesis. Instead of a fixed pre-sleep it polls for short entries up to
// ReadyTimeout, then works with whatever landed.
func (r *Runner) runRefineMedium(ctx context.Context) (*Result, error) {
	shortA, shortB, err := r.awaitShortEntries(ctx)
	if err != nil {
		return nil, err
	}
	if len(shortA) == 0 && len(shortB) == 0 {
		logging.Refine("refine_medium: no short-term entries, nothing to do")
		return &Result{Stage: StageRefineMedium, NotReady: true, Detail: "no short-term entries"}, nil
	}

	var sb strings.Builder
	writeEntries := func(label string, entries []store.RefinedEntry) {
		if len(entries) == 0 {
			return
		}
		sb.WriteString(label)
		sb.WriteString(":\n")
		// oldest first reads chronologically
		for i := len(entries) - 1; i >= 0; i-- {
			sb.WriteString("- ")
			sb.WriteString(entries[i].Content)
			sb.WriteString("\n")
		}
	}
	writeEntries("Signal digests", shortA)
	writeEntries("Mood digests", shortB)

	out, err := r.complete(ctx, StageRefineMedium, refineMediumSystemPrompt, sb.String())
	if err != nil {
		return nil, err
	}

	var entry *store.RefinedEntry
	err = retry.Do(ctx, r.cfg.RetryPolicy, "append refined", func(ctx context.Context) error {
		var aerr error
		entry, aerr = r.store.AppendRefined(ctx, store.RefinedMedium, out)
		return aerr
	})
	if err != nil {
		return nil, err
	}

	r.indexRefined(ctx, store.RefinedMedium, entry.ID, out)
	return &Result{Stage: StageRefineMedium}, nil
}

// awaitShortEntries polls for short-term refined entries until both types
// are present or ReadyTimeout elapses. The medium refiner is usually
// triggered right after a fan-out, so the refiners may still be in flight.
func (r *Runner) awaitShortEntries(ctx context.Context) ([]store.RefinedEntry, []store.RefinedEntry, error) {
	deadline := time.Now().Add(r.cfg.ReadyTimeout)
	interval := r.cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	for {
		shortA, err := r.store.LatestRefined(ctx, store.RefinedShortA, r.cfg.RefinedWindow)
		if err != nil {
			return nil, nil, err
		}
		shortB, err := r.store.LatestRefined(ctx, store.RefinedShortB, r.cfg.RefinedWindow)
		if err != nil {
			return nil, nil, err
		}
		if len(shortA) > 0 && len(shortB) > 0 {
			return shortA, shortB, nil
		}
		if time.Now().After(deadline) {
			return shortA, shortB, nil
		}
		logging.RefineDebug("refine_medium: waiting for short-term entries (a=%d b=%d)", len(shortA), len(shortB))
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// indexRefined feeds a refined entry to the vector index. Index failures
// are logged, not fatal: search quality degrades but the pipeline advances.
func (r *Runner) indexRefined(ctx context.Context, entryType string, entryID int64, content string) {
	if r.vec == nil {
		return
	}
	meta := map[string]interface{}{"type": entryType, "refined_id": entryID}
	if err := r.vec.Index(ctx, content, meta); err != nil {
		logging.Get(logging.CategoryRefine).Warn("failed to index %s entry %d: %v", entryType, entryID, err)
	}
}
