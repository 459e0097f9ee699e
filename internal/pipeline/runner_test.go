package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"loom/internal/retry"
	"loom/internal/store"
	"loom/internal/vector"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient implements reasoning.Client with canned responses per call.
type fakeClient struct {
	mu       sync.Mutex
	calls    int
	response string
	err      error
}

func (f *fakeClient) Complete(ctx context.Context, prompt string) (string, error) {
	return f.CompleteWithSystem(ctx, "", prompt)
}

func (f *fakeClient) CompleteWithSystem(ctx context.Context, system, user string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeSearcher implements VectorSearcher.
type fakeSearcher struct {
	snippets []vector.Snippet
	topKErr  error
	indexed  []string
}

func (f *fakeSearcher) TopK(ctx context.Context, query string, k int) ([]vector.Snippet, error) {
	if f.topKErr != nil {
		return nil, f.topKErr
	}
	return f.snippets, nil
}

func (f *fakeSearcher) Index(ctx context.Context, content string, metadata map[string]interface{}) error {
	f.indexed = append(f.indexed, content)
	return nil
}

type enqueued struct {
	stage       Stage
	recordID    string
	unrefinedID string
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryPolicy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}
	cfg.ReadyTimeout = 50 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	return cfg
}

func newTestRunner(t *testing.T, client *fakeClient, vec VectorSearcher) (*Runner, *store.Store, *[]enqueued) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	r := NewRunner(st, vec, ClientSet{Default: client}, testConfig())
	var queued []enqueued
	r.SetEnqueue(func(ctx context.Context, stage Stage, recordID, unrefinedID string) error {
		queued = append(queued, enqueued{stage, recordID, unrefinedID})
		return nil
	})
	return r, st, &queued
}

func TestUpstreamRequiredBeforeDownstream(t *testing.T) {
	client := &fakeClient{response: "out"}
	r, st, _ := newTestRunner(t, client, nil)
	ctx := context.Background()

	rec, err := st.CreateRecord(ctx)
	require.NoError(t, err)

	// Explicit target with missing upstream fails fast.
	_, err = r.Run(ctx, StageFactCheck, rec.ID, "")
	require.ErrorIs(t, err, ErrMissingUpstream)
	assert.Equal(t, 0, client.callCount())

	// Default resolution finds nothing eligible and no-ops.
	res, err := r.Run(ctx, StageFactCheck, "", "")
	require.NoError(t, err)
	assert.True(t, res.NotReady)
	assert.Equal(t, 0, client.callCount())
}

func TestExplicitRerunRejected(t *testing.T) {
	client := &fakeClient{response: "researched"}
	r, st, _ := newTestRunner(t, client, nil)
	ctx := context.Background()

	rec, err := st.CreateRecord(ctx)
	require.NoError(t, err)
	require.NoError(t, st.SetRecordField(ctx, rec.ID, store.ColInitialObservation, "obs"))

	_, err = r.Run(ctx, StageResearch, rec.ID, "")
	require.NoError(t, err)

	_, err = r.Run(ctx, StageResearch, rec.ID, "")
	require.ErrorIs(t, err, ErrStageAlreadyDone)
}

func TestRetryBoundedAndNothingCommitted(t *testing.T) {
	client := &fakeClient{err: &retry.StatusError{Code: 503, Body: "upstream down"}}
	r, st, queued := newTestRunner(t, client, nil)
	ctx := context.Background()

	rec, err := st.CreateRecord(ctx)
	require.NoError(t, err)
	require.NoError(t, st.SetRecordField(ctx, rec.ID, store.ColInitialObservation, "obs"))

	_, err = r.Run(ctx, StageResearch, rec.ID, "")
	require.Error(t, err)
	assert.Equal(t, 3, client.callCount())

	got, err := st.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	_, set := got.Field(store.ColDeepResearch)
	assert.False(t, set, "failed stage must not commit")
	assert.Empty(t, *queued, "failed stage must not chain")
}

func TestFatalStatusNotRetried(t *testing.T) {
	client := &fakeClient{err: &retry.StatusError{Code: 400, Body: "bad prompt"}}
	r, st, _ := newTestRunner(t, client, nil)
	ctx := context.Background()

	rec, err := st.CreateRecord(ctx)
	require.NoError(t, err)
	require.NoError(t, st.SetRecordField(ctx, rec.ID, store.ColInitialObservation, "obs"))

	_, err = r.Run(ctx, StageResearch, rec.ID, "")
	require.Error(t, err)
	assert.Equal(t, 1, client.callCount())
}

func TestResearchToleratesVectorLegFailure(t *testing.T) {
	client := &fakeClient{response: "deep findings"}
	vec := &fakeSearcher{topKErr: errors.New("vector store offline")}
	r, st, queued := newTestRunner(t, client, vec)
	ctx := context.Background()

	rec, err := st.CreateRecord(ctx)
	require.NoError(t, err)
	require.NoError(t, st.SetRecordField(ctx, rec.ID, store.ColInitialObservation, "obs"))

	res, err := r.Run(ctx, StageResearch, rec.ID, "")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, res.RecordID)

	got, err := st.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	deep, set := got.Field(store.ColDeepResearch)
	require.True(t, set)
	assert.Equal(t, "deep findings", deep)
	vctx, set := got.Field(store.ColVectorContext)
	require.True(t, set, "vector context commits even when the leg fails")
	assert.Empty(t, vctx)

	require.Len(t, *queued, 1)
	assert.Equal(t, StageFactCheck, (*queued)[0].stage)
}

func TestRecordChainAdvances(t *testing.T) {
	client := &fakeClient{response: "stage output"}
	r, st, queued := newTestRunner(t, client, &fakeSearcher{})
	ctx := context.Background()

	rec, err := st.CreateRecord(ctx)
	require.NoError(t, err)
	require.NoError(t, st.SetRecordField(ctx, rec.ID, store.ColInitialObservation, "obs"))
	require.NoError(t, st.SetRecordField(ctx, rec.ID, store.ColDeepResearch, "research"))
	require.NoError(t, st.SetRecordField(ctx, rec.ID, store.ColVectorContext, ""))

	// Default resolution picks this record up for factcheck.
	res, err := r.Run(ctx, StageFactCheck, "", "")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, res.RecordID)

	got, err := st.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	_, set := got.Field(store.ColFactCheckedResearch)
	assert.True(t, set)

	require.Len(t, *queued, 1)
	assert.Equal(t, StageAngles, (*queued)[0].stage)
}

func TestObserveNotReadyWithoutRefinedContext(t *testing.T) {
	client := &fakeClient{response: "obs"}
	r, _, _ := newTestRunner(t, client, nil)

	res, err := r.Run(context.Background(), StageObserve, "", "")
	require.NoError(t, err)
	assert.True(t, res.NotReady)
	assert.Equal(t, 0, client.callCount())
}

func TestObserveCreatesRecordFromRefinedContext(t *testing.T) {
	client := &fakeClient{response: "fresh observation"}
	r, st, queued := newTestRunner(t, client, nil)
	ctx := context.Background()

	_, err := st.AppendRefined(ctx, store.RefinedShortA, "signal digest")
	require.NoError(t, err)

	res, err := r.Run(ctx, StageObserve, "", "")
	require.NoError(t, err)
	require.NotEmpty(t, res.RecordID)

	got, err := st.GetRecord(ctx, res.RecordID)
	require.NoError(t, err)
	obs, set := got.Field(store.ColInitialObservation)
	require.True(t, set)
	assert.Equal(t, "fresh observation", obs)

	require.Len(t, *queued, 1)
	assert.Equal(t, StageResearch, (*queued)[0].stage)
}

func TestJoinCheckNoOpUntilBothLegs(t *testing.T) {
	client := &fakeClient{response: "leg content"}
	r, st, queued := newTestRunner(t, client, nil)
	ctx := context.Background()

	buf, err := st.CreateBuffer(ctx)
	require.NoError(t, err)
	_, ready, err := st.CommitBufferLeg(ctx, buf.ID, store.LegContextA, "signals")
	require.NoError(t, err)
	require.False(t, ready)

	res, err := r.Run(ctx, StageJoinCheck, buf.ID, "")
	require.NoError(t, err)
	assert.True(t, res.NotReady)
	assert.Empty(t, *queued)

	_, ready, err = st.CommitBufferLeg(ctx, buf.ID, store.LegContextB, "moods")
	require.NoError(t, err)
	require.True(t, ready)

	res, err = r.Run(ctx, StageJoinCheck, buf.ID, "")
	require.NoError(t, err)
	assert.False(t, res.NotReady)
	require.Len(t, *queued, 2)
	assert.Equal(t, StageRefineShortA, (*queued)[0].stage)
	assert.Equal(t, StageRefineShortB, (*queued)[1].stage)

	// Re-polling a joined buffer dispatches nothing further.
	res, err = r.Run(ctx, StageJoinCheck, buf.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "already joined", res.Detail)
	assert.Len(t, *queued, 2)
}

func TestContextProducersJoinOnce(t *testing.T) {
	client := &fakeClient{response: "condensed"}
	r, st, queued := newTestRunner(t, client, nil)
	ctx := context.Background()

	_, err := st.AppendCollected(ctx, "raw collected text")
	require.NoError(t, err)

	resA, err := r.Run(ctx, StageContextA, "", "")
	require.NoError(t, err)
	require.NotEmpty(t, resA.UnrefinedID)
	assert.Empty(t, *queued, "first leg must not fire the join")

	resB, err := r.Run(ctx, StageContextB, "", resA.UnrefinedID)
	require.NoError(t, err)
	assert.Equal(t, resA.UnrefinedID, resB.UnrefinedID)

	require.Len(t, *queued, 2)
	for _, q := range *queued {
		assert.Equal(t, resA.UnrefinedID, q.unrefinedID)
	}
}

func TestContextProducerNotReadyWithoutCollected(t *testing.T) {
	client := &fakeClient{response: "condensed"}
	r, _, _ := newTestRunner(t, client, nil)

	res, err := r.Run(context.Background(), StageContextA, "", "")
	require.NoError(t, err)
	assert.True(t, res.NotReady)
	assert.Equal(t, 0, client.callCount())
}

func TestRefineShortDistillsAndIndexes(t *testing.T) {
	client := &fakeClient{response: "digest"}
	vec := &fakeSearcher{}
	r, st, _ := newTestRunner(t, client, vec)
	ctx := context.Background()

	buf, err := st.CreateBuffer(ctx)
	require.NoError(t, err)
	_, _, err = st.CommitBufferLeg(ctx, buf.ID, store.LegContextA, "signals")
	require.NoError(t, err)

	res, err := r.Run(ctx, StageRefineShortA, "", buf.ID)
	require.NoError(t, err)
	assert.Equal(t, buf.ID, res.UnrefinedID)

	entries, err := st.LatestRefined(ctx, store.RefinedShortA, 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "digest", entries[0].Content)
	assert.Equal(t, []string{"digest"}, vec.indexed)

	// The other leg never committed, so its refiner fails fast.
	_, err = r.Run(ctx, StageRefineShortB, "", buf.ID)
	require.ErrorIs(t, err, ErrMissingUpstream)
}

func TestRefineMediumAggregatesShortEntries(t *testing.T) {
	client := &fakeClient{response: "medium synthesis"}
	r, st, _ := newTestRunner(t, client, nil)
	ctx := context.Background()

	_, err := st.AppendRefined(ctx, store.RefinedShortA, "a1")
	require.NoError(t, err)
	_, err = st.AppendRefined(ctx, store.RefinedShortB, "b1")
	require.NoError(t, err)

	res, err := r.Run(ctx, StageRefineMedium, "", "")
	require.NoError(t, err)
	assert.False(t, res.NotReady)

	entries, err := st.LatestRefined(ctx, store.RefinedMedium, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "medium synthesis", entries[0].Content)
}

func TestRefineMediumNotReadyWithoutShortEntries(t *testing.T) {
	client := &fakeClient{response: "medium synthesis"}
	r, _, _ := newTestRunner(t, client, nil)

	start := time.Now()
	res, err := r.Run(context.Background(), StageRefineMedium, "", "")
	require.NoError(t, err)
	assert.True(t, res.NotReady)
	assert.Equal(t, 0, client.callCount())
	assert.Less(t, time.Since(start), time.Second, "poll must respect its bound")
}
