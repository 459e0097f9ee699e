package vector

import (
	"context"
	"testing"

	"loom/internal/embedding"
	"loom/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSearch(t *testing.T) *Search {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	s, err := New(st.DB(), embedding.NewHashEngine())
	require.NoError(t, err)
	return s
}

func TestIndexAndTopK(t *testing.T) {
	s := newSearch(t)
	ctx := context.Background()

	docs := []string{
		"central bank raises interest rates again",
		"interest rates expected to rise next quarter",
		"new smartphone launch draws long lines",
		"striker scores twice in cup final",
	}
	for _, d := range docs {
		require.NoError(t, s.Index(ctx, d, map[string]interface{}{"source": "test"}))
	}

	hits, err := s.TopK(ctx, "interest rates rising", 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)

	// Both rate stories should outrank sports and gadgets.
	for _, h := range hits {
		assert.Contains(t, h.Content, "interest rates")
		assert.Greater(t, h.Score, 0.0)
	}
	assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score)
}

func TestTopKEmptyIndex(t *testing.T) {
	s := newSearch(t)

	hits, err := s.TopK(context.Background(), "anything", 3)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestTopKDefaultsK(t *testing.T) {
	s := newSearch(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Index(ctx, "repeated snippet about markets", nil))
	}

	hits, err := s.TopK(ctx, "markets", 0)
	require.NoError(t, err)
	assert.Len(t, hits, 5)
}

func TestStats(t *testing.T) {
	s := newSearch(t)
	ctx := context.Background()

	require.NoError(t, s.Index(ctx, "one snippet", nil))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats["total_snippets"])
	assert.Equal(t, "hash", stats["engine"])
}

func TestNewRequiresEngine(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()

	_, err = New(st.DB(), nil)
	assert.Error(t, err)
}
