package index_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/cortex/pkg/index"
	"github.com/MikeSquared-Agency/cortex/pkg/storage"
)

func unit(dims int, hot int) []float32 {
	v := make([]float32, dims)
	v[hot%dims] = 1
	return v
}

func TestInsertAndSearchFindsExactMatch(t *testing.T) {
	idx := index.New(index.DefaultConfig(8))
	require.NoError(t, idx.Insert("a", unit(8, 0)))
	require.NoError(t, idx.Insert("b", unit(8, 1)))
	require.NoError(t, idx.Insert("c", unit(8, 2)))

	results, err := idx.Search(context.Background(), unit(8, 0), 1, 0.0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, storage.NodeID("a"), results[0].ID)
	require.InDelta(t, 1.0, results[0].Score, 1e-6)
}

func TestSearchRespectsMinSimilarity(t *testing.T) {
	idx := index.New(index.DefaultConfig(8))
	require.NoError(t, idx.Insert("a", unit(8, 0)))
	require.NoError(t, idx.Insert("b", unit(8, 1)))

	results, err := idx.Search(context.Background(), unit(8, 0), 10, 0.99)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, storage.NodeID("a"), results[0].ID)
}

func TestDimensionMismatchIsInvalid(t *testing.T) {
	idx := index.New(index.DefaultConfig(8))
	err := idx.Insert("a", []float32{1, 2, 3})
	require.Error(t, err)

	require.NoError(t, idx.Insert("b", unit(8, 0)))
	_, err = idx.Search(context.Background(), []float32{1, 2}, 1, 0)
	require.Error(t, err)
}

func TestRemoveThenSearchExcludesNode(t *testing.T) {
	idx := index.New(index.DefaultConfig(8))
	require.NoError(t, idx.Insert("a", unit(8, 0)))
	require.NoError(t, idx.Insert("b", unit(8, 1)))
	idx.Remove("a")

	require.Equal(t, 1, idx.Size())
	results, err := idx.Search(context.Background(), unit(8, 0), 10, -1)
	require.NoError(t, err)
	for _, r := range results {
		require.NotEqual(t, storage.NodeID("a"), r.ID)
	}
}

func TestInsertReplacesExistingID(t *testing.T) {
	idx := index.New(index.DefaultConfig(8))
	require.NoError(t, idx.Insert("a", unit(8, 0)))
	require.NoError(t, idx.Insert("a", unit(8, 1)))
	require.Equal(t, 1, idx.Size())

	results, err := idx.Search(context.Background(), unit(8, 1), 1, 0.99)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, storage.NodeID("a"), results[0].ID)
}

func TestRebuildFromReplacesGraph(t *testing.T) {
	idx := index.New(index.DefaultConfig(8))
	require.NoError(t, idx.Insert("stale", unit(8, 0)))

	data := []struct {
		id  storage.NodeID
		vec []float32
	}{
		{"a", unit(8, 0)},
		{"b", unit(8, 1)},
	}
	i := 0
	require.NoError(t, idx.RebuildFrom(func() (storage.NodeID, []float32, bool) {
		if i >= len(data) {
			return "", nil, false
		}
		d := data[i]
		i++
		return d.id, d.vec, true
	}))

	require.Equal(t, 2, idx.Size())
	results, err := idx.Search(context.Background(), unit(8, 0), 10, -1)
	require.NoError(t, err)
	found := false
	for _, r := range results {
		if r.ID == "stale" {
			found = true
		}
	}
	require.False(t, found, "rebuild must discard the old graph")
}

func TestSearchOnEmptyIndexReturnsEmpty(t *testing.T) {
	idx := index.New(index.DefaultConfig(8))
	results, err := idx.Search(context.Background(), unit(8, 0), 5, 0)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestSearchHonorsCancelledContext(t *testing.T) {
	idx := index.New(index.DefaultConfig(8))
	for i := 0; i < 20; i++ {
		require.NoError(t, idx.Insert(storage.NodeID(fmt.Sprintf("node-%d", i)), unit(8, i)))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := idx.Search(ctx, unit(8, 0), 5, -1)
	require.Error(t, err)
}
