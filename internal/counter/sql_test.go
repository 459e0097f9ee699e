package counter_test

import (
	"context"
	"testing"

	"loom/internal/counter"
	"loom/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLCounter(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctr := counter.NewSQL(st.DB())
	ctx := context.Background()

	n, err := ctr.Get(ctx, counter.KeyCollectionCycle)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "missing key reads as zero")

	for i := 1; i <= 3; i++ {
		n, err = ctr.Incr(ctx, counter.KeyCollectionCycle)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	require.NoError(t, ctr.Set(ctx, counter.KeyCollectionCycle, 0))
	n, err = ctr.Get(ctx, counter.KeyCollectionCycle)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Independent keys do not interfere.
	n, err = ctr.Incr(ctx, counter.KeyMediumTermCycle)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
