package retrieval

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	riskmatchtesting "github.com/meridianfm/riskmatch/internal/testing"
)

// seededVector produces a deterministic unit-ish vector per id. Vectors from
// nearby seeds land in nearby directions, giving the clusterer real structure.
func seededVector(seed int, dims int) []float32 {
	v := make([]float32, dims)
	for d := 0; d < dims; d++ {
		v[d] = float32(math.Sin(float64(seed)*0.7 + float64(d)*1.3))
	}
	return v
}

func newIVFIndex(t *testing.T, dims int) (*IVFIndex, *ExactIndex, func()) {
	t.Helper()

	db, cleanup := riskmatchtesting.NewTestDB(t, "corpus")
	exact, err := NewExactIndex(db.Conn(), dims)
	require.NoError(t, err)
	return NewIVFIndex(exact, 0.9, zerolog.Nop()), exact, cleanup
}

func TestIVFIndex_FallsBackToExactBeforeRebuild(t *testing.T) {
	ivf, _, cleanup := newIVFIndex(t, 4)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, ivf.Upsert(ctx, "ep-1", []float32{1, 0, 0, 0}, Metadata{}))

	results, err := ivf.Query(ctx, []float32{1, 0, 0, 0}, 5, Filter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "ep-1", results[0].ID)
}

func TestIVFIndex_RecallAfterRebuild(t *testing.T) {
	const dims = 8
	const n = 200

	ivf, exact, cleanup := newIVFIndex(t, dims)
	defer cleanup()

	ctx := context.Background()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("ep-%03d", i)
		require.NoError(t, ivf.Upsert(ctx, id, seededVector(i, dims), Metadata{}))
	}

	require.NoError(t, ivf.Rebuild(ctx))

	// Replay every stored vector as a query. Calibration guarantees the
	// target on its sample; over the full corpus allow a small margin.
	const k = 10
	hits, total := 0, 0
	for i := 0; i < n; i++ {
		query := seededVector(i, dims)

		exactTop, err := exact.Query(ctx, query, k, Filter{})
		require.NoError(t, err)
		approxTop, err := ivf.Query(ctx, query, k, Filter{})
		require.NoError(t, err)

		found := make(map[string]bool, len(approxTop))
		for _, c := range approxTop {
			found[c.ID] = true
		}
		for _, c := range exactTop {
			total++
			if found[c.ID] {
				hits++
			}
		}
	}

	recall := float64(hits) / float64(total)
	assert.GreaterOrEqual(t, recall, 0.8, "measured recall %f below target", recall)
}

func TestIVFIndex_PendingVisibleBeforeNextRebuild(t *testing.T) {
	const dims = 8

	ivf, _, cleanup := newIVFIndex(t, dims)
	defer cleanup()

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		require.NoError(t, ivf.Upsert(ctx, fmt.Sprintf("ep-%02d", i), seededVector(i, dims), Metadata{}))
	}
	require.NoError(t, ivf.Rebuild(ctx))

	// A vector added after the rebuild must be retrievable at full recall
	fresh := seededVector(999, dims)
	require.NoError(t, ivf.Upsert(ctx, "fresh", fresh, Metadata{}))

	results, err := ivf.Query(ctx, fresh, 1, Filter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "fresh", results[0].ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
}

func TestIVFIndex_RebuildDeterministic(t *testing.T) {
	const dims = 8

	build := func() ([][]float64, [][]string) {
		ivf, _, cleanup := newIVFIndex(t, dims)
		defer cleanup()

		ctx := context.Background()
		for i := 0; i < 60; i++ {
			require.NoError(t, ivf.Upsert(ctx, fmt.Sprintf("ep-%02d", i), seededVector(i, dims), Metadata{}))
		}
		require.NoError(t, ivf.Rebuild(ctx))
		return ivf.centroids, ivf.lists
	}

	c1, l1 := build()
	c2, l2 := build()
	assert.Equal(t, c1, c2)
	assert.Equal(t, l1, l2)
}

func TestIVFIndex_RebuildEmptyCorpus(t *testing.T) {
	ivf, _, cleanup := newIVFIndex(t, 4)
	defer cleanup()

	require.NoError(t, ivf.Rebuild(context.Background()))
	assert.Equal(t, 0, ivf.Count())

	results, err := ivf.Query(context.Background(), []float32{1, 0, 0, 0}, 5, Filter{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestIVFIndex_DeletedIDSkippedInListScan(t *testing.T) {
	const dims = 8

	ivf, _, cleanup := newIVFIndex(t, dims)
	defer cleanup()

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, ivf.Upsert(ctx, fmt.Sprintf("ep-%02d", i), seededVector(i, dims), Metadata{}))
	}
	require.NoError(t, ivf.Rebuild(ctx))

	// Deleting leaves the id in a cluster list until the next rebuild
	require.NoError(t, ivf.Delete(ctx, "ep-05"))

	results, err := ivf.Query(ctx, seededVector(5, dims), 20, Filter{})
	require.NoError(t, err)
	assert.NotContains(t, candidateIDs(results), "ep-05")
}
