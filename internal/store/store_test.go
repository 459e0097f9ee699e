package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordFieldsAreWriteOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, err := s.CreateRecord(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)

	require.NoError(t, s.SetRecordField(ctx, rec.ID, ColInitialObservation, "first"))

	err = s.SetRecordField(ctx, rec.ID, ColInitialObservation, "second")
	require.ErrorIs(t, err, ErrFieldAlreadySet)

	got, err := s.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	obs, ok := got.Field(ColInitialObservation)
	require.True(t, ok)
	assert.Equal(t, "first", obs)
}

func TestSetRecordFieldUnknownRecordAndColumn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.SetRecordField(ctx, "missing", ColInitialObservation, "x")
	require.ErrorIs(t, err, ErrRecordNotFound)

	rec, err := s.CreateRecord(ctx)
	require.NoError(t, err)
	err = s.SetRecordField(ctx, rec.ID, "evil_column", "x")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRecordNotFound)
}

func TestLatestEligiblePicksNewestMatching(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// older: has observation, no research yet
	older, err := s.CreateRecord(ctx)
	require.NoError(t, err)
	require.NoError(t, s.SetRecordField(ctx, older.ID, ColInitialObservation, "old obs"))

	time.Sleep(5 * time.Millisecond)

	// newer: also eligible
	newer, err := s.CreateRecord(ctx)
	require.NoError(t, err)
	require.NoError(t, s.SetRecordField(ctx, newer.ID, ColInitialObservation, "new obs"))

	// ineligible: research already done
	done, err := s.CreateRecord(ctx)
	require.NoError(t, err)
	require.NoError(t, s.SetRecordField(ctx, done.ID, ColInitialObservation, "done obs"))
	require.NoError(t, s.SetRecordField(ctx, done.ID, ColDeepResearch, "done"))

	got, err := s.LatestEligible(ctx, ColDeepResearch, ColInitialObservation)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)
}

func TestLatestEligibleTreatsEmptyStringAsPopulated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, err := s.CreateRecord(ctx)
	require.NoError(t, err)
	require.NoError(t, s.SetRecordField(ctx, rec.ID, ColInitialObservation, "obs"))
	require.NoError(t, s.SetRecordField(ctx, rec.ID, ColDeepResearch, "research"))
	require.NoError(t, s.SetRecordField(ctx, rec.ID, ColVectorContext, ""))

	got, err := s.LatestEligible(ctx, ColFactCheckedResearch, ColDeepResearch, ColVectorContext)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
}

func TestLatestEligibleEmpty(t *testing.T) {
	s := newTestStore(t)

	_, err := s.LatestEligible(context.Background(), ColDeepResearch, ColInitialObservation)
	require.ErrorIs(t, err, ErrNoEligibleRecord)
}

func TestBufferLegCommitAndJoinTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	buf, err := s.CreateBuffer(ctx)
	require.NoError(t, err)
	assert.False(t, buf.Ready())

	mask, ready, err := s.CommitBufferLeg(ctx, buf.ID, LegContextA, "signals")
	require.NoError(t, err)
	assert.Equal(t, LegContextA, mask)
	assert.False(t, ready)

	// Same leg twice is rejected.
	_, _, err = s.CommitBufferLeg(ctx, buf.ID, LegContextA, "again")
	require.ErrorIs(t, err, ErrFieldAlreadySet)

	mask, ready, err = s.CommitBufferLeg(ctx, buf.ID, LegContextB, "moods")
	require.NoError(t, err)
	assert.Equal(t, LegContextA|LegContextB, mask)
	assert.True(t, ready, "second leg must observe the ready transition")

	got, err := s.GetBuffer(ctx, buf.ID)
	require.NoError(t, err)
	assert.True(t, got.Ready())
	require.NotNil(t, got.ContextAUnrefined)
	assert.Equal(t, "signals", *got.ContextAUnrefined)
}

func TestMarkBufferJoinedExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	buf, err := s.CreateBuffer(ctx)
	require.NoError(t, err)
	_, _, err = s.CommitBufferLeg(ctx, buf.ID, LegContextA, "a")
	require.NoError(t, err)
	_, _, err = s.CommitBufferLeg(ctx, buf.ID, LegContextB, "b")
	require.NoError(t, err)

	won, err := s.MarkBufferJoined(ctx, buf.ID)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.MarkBufferJoined(ctx, buf.ID)
	require.NoError(t, err)
	assert.False(t, won, "the join fires once per buffer")
}

func TestLatestBufferOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.LatestBuffer(ctx)
	require.ErrorIs(t, err, ErrBufferNotFound)

	_, err = s.CreateBuffer(ctx)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := s.CreateBuffer(ctx)
	require.NoError(t, err)

	got, err := s.LatestBuffer(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
}

func TestRefinedEntriesNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, content := range []string{"one", "two", "three"} {
		_, err := s.AppendRefined(ctx, RefinedShortA, content)
		require.NoError(t, err)
	}
	_, err := s.AppendRefined(ctx, RefinedShortB, "other type")
	require.NoError(t, err)

	entries, err := s.LatestRefined(ctx, RefinedShortA, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "three", entries[0].Content)
	assert.Equal(t, "two", entries[1].Content)
}

func TestCollectedBatchesNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AppendCollected(ctx, "first batch")
	require.NoError(t, err)
	_, err = s.AppendCollected(ctx, "second batch")
	require.NoError(t, err)

	batches, err := s.LatestCollected(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "second batch", batches[0].Content)
}

func TestTaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.EnqueueTask(ctx, "research", "rec-1", "")
	require.NoError(t, err)

	task, err := s.ClaimTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "research", task.Stage)
	assert.Equal(t, "rec-1", task.RecordID)

	// Claimed tasks are invisible to other workers.
	other, err := s.ClaimTask(ctx)
	require.NoError(t, err)
	assert.Nil(t, other)

	// Released with a future not-before, still invisible.
	require.NoError(t, s.ReleaseTask(ctx, task.ID, time.Now().Add(time.Hour)))
	other, err = s.ClaimTask(ctx)
	require.NoError(t, err)
	assert.Nil(t, other)

	// Released for immediate retry, visible with bumped attempts.
	require.NoError(t, s.ReleaseTask(ctx, task.ID, time.Now().Add(-time.Second)))
	task, err = s.ClaimTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, 2, task.Attempts)

	require.NoError(t, s.CompleteTask(ctx, task.ID))
	n, err := s.PendingTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRecoverTasksReclaimsOrphans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.EnqueueTask(ctx, "research", "rec-1", "")
	require.NoError(t, err)

	// A worker claims the task and the process dies before settling it.
	task, err := s.ClaimTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)

	orphan, err := s.ClaimTask(ctx)
	require.NoError(t, err)
	require.Nil(t, orphan, "claimed task must be invisible until recovered")

	n, err := s.RecoverTasks(ctx, time.Now().Add(-time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	recovered, err := s.ClaimTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, recovered, "recovery must make the task claimable again")
	assert.Equal(t, task.ID, recovered.ID)

	// Unclaimed tasks are untouched by the sweep.
	n, err = s.RecoverTasks(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDeadLetter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.EnqueueTask(ctx, "categorize", "rec-9", "")
	require.NoError(t, err)
	task, err := s.ClaimTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)

	task.Attempts = 3
	require.NoError(t, s.DeadLetterTask(ctx, task, "all attempts failed"))

	dead, err := s.DeadTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "categorize", dead[0].Stage)
	assert.Equal(t, "all attempts failed", dead[0].LastError)

	n, err := s.PendingTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, err := s.CreateRecord(ctx)
	require.NoError(t, err)
	require.NoError(t, s.SetRecordField(ctx, rec.ID, ColCategorization, `{"category":"science"}`))
	_, err = s.AppendRefined(ctx, RefinedMedium, "synthesis")
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats["records"])
	assert.Equal(t, 1, stats["completed"])
	assert.Equal(t, 1, stats["refined"])
}
