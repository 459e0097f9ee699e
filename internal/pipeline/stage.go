// Package pipeline implements the multi-stage content pipeline: stage
// definitions, the stage handler runner, and the fan-out/join coordination
// over unrefined buffers. Stages are independently invokable; each performs
// exactly one external call, commits exactly one output, and chains by
// enqueueing the next stage task.
package pipeline

import (
	"fmt"

	"loom/internal/store"
)

// Stage names one transformation step.
type Stage string

const (
	// Record chain stages.
	StageObserve      Stage = "observe"       // refined context -> initial_observation (creates the record)
	StageResearch     Stage = "research"      // observation -> deep_research + vector_context (parallel legs)
	StageFactCheck    Stage = "factcheck"     // research + vector context -> fact_checked_research
	StageAngles       Stage = "angles"        // fact-checked research -> candidate_angles
	StageSelectAngles Stage = "select_angles" // candidate angles -> selected_angles
	StageCategorize   Stage = "categorize"    // selected angles -> categorization

	// Buffer/refinement stages.
	StageContextA     Stage = "context_a"      // collected text -> buffer leg A
	StageContextB     Stage = "context_b"      // collected text -> buffer leg B
	StageJoinCheck    Stage = "joincheck"      // poll: fire refiners once both legs committed
	StageRefineShortA Stage = "refine_short_a" // buffer leg A -> refined short_a entry
	StageRefineShortB Stage = "refine_short_b" // buffer leg B -> refined short_b entry
	StageRefineMedium Stage = "refine_medium"  // recent short entries -> refined medium entry
)

// recordStageSpec declares a record stage's upstream columns, its output
// column, and the stage chained after a successful commit.
type recordStageSpec struct {
	upstream []string
	output   string
	next     Stage
}

// recordStages is the single source of truth for legal stage transitions on
// pipeline records. A stage may only run when every upstream column is
// populated and its own output column is still empty.
var recordStages = map[Stage]recordStageSpec{
	StageObserve: {
		upstream: nil,
		output:   store.ColInitialObservation,
		next:     StageResearch,
	},
	StageResearch: {
		upstream: []string{store.ColInitialObservation},
		output:   store.ColDeepResearch, // vector_context committed by the parallel leg
		next:     StageFactCheck,
	},
	StageFactCheck: {
		upstream: []string{store.ColDeepResearch, store.ColVectorContext},
		output:   store.ColFactCheckedResearch,
		next:     StageAngles,
	},
	StageAngles: {
		upstream: []string{store.ColFactCheckedResearch},
		output:   store.ColCandidateAngles,
		next:     StageSelectAngles,
	},
	StageSelectAngles: {
		upstream: []string{store.ColCandidateAngles},
		output:   store.ColSelectedAngles,
		next:     StageCategorize,
	},
	StageCategorize: {
		upstream: []string{store.ColSelectedAngles},
		output:   store.ColCategorization,
		next:     "",
	},
}

// allStages lists every invokable stage for parsing and endpoint wiring.
var allStages = []Stage{
	StageObserve, StageResearch, StageFactCheck, StageAngles,
	StageSelectAngles, StageCategorize,
	StageContextA, StageContextB, StageJoinCheck,
	StageRefineShortA, StageRefineShortB, StageRefineMedium,
}

// Stages returns every invokable stage.
func Stages() []Stage {
	out := make([]Stage, len(allStages))
	copy(out, allStages)
	return out
}

// ParseStage validates a stage name.
func ParseStage(name string) (Stage, error) {
	for _, s := range allStages {
		if string(s) == name {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", name)
}

// IsRecordStage reports whether the stage operates on pipeline records.
func IsRecordStage(s Stage) bool {
	_, ok := recordStages[s]
	return ok
}

// Errors for stage preconditions.
var (
	// ErrMissingUpstream means an explicitly targeted record lacks a
	// required upstream column.
	ErrMissingUpstream = fmt.Errorf("required upstream field missing")
	// ErrStageAlreadyDone means the stage's output column is already
	// populated on the targeted record. Re-runs are rejected, not
	// recomputed; resubmit against a fresh record instead.
	ErrStageAlreadyDone = fmt.Errorf("stage output already populated")
)

// CanRun validates the upstream-before-downstream invariant for a stage
// against a concrete record. This is the only place stage transitions are
// checked.
func CanRun(rec *store.Record, stage Stage) error {
	spec, ok := recordStages[stage]
	if !ok {
		return fmt.Errorf("stage %s does not operate on records", stage)
	}

	for _, col := range spec.upstream {
		if _, ok := rec.Field(col); !ok {
			return fmt.Errorf("%w: %s needs %s on record %s", ErrMissingUpstream, stage, col, rec.ID)
		}
	}
	if _, ok := rec.Field(spec.output); ok {
		return fmt.Errorf("%w: %s on record %s", ErrStageAlreadyDone, spec.output, rec.ID)
	}
	return nil
}
