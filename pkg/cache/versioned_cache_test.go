package cache_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/cortex/pkg/cache"
)

func TestPutThenGetAtSameVersionHits(t *testing.T) {
	c := cache.NewVersionedCache(10)
	key := cache.Key("agent-1", "2000", "summary,facts")
	c.Put(key, 5, "rendered briefing")

	v, ok := c.Get(key, 5)
	require.True(t, ok)
	require.Equal(t, "rendered briefing", v)
}

func TestGetAtNewerVersionIsMiss(t *testing.T) {
	c := cache.NewVersionedCache(10)
	key := cache.Key("agent-1", "2000", "summary")
	c.Put(key, 5, "stale briefing")

	_, ok := c.Get(key, 6)
	require.False(t, ok)

	// the stale entry should have been evicted, not just skipped
	require.Equal(t, 0, c.Len())
}

func TestKeyIsStableForIdenticalParts(t *testing.T) {
	a := cache.Key("agent-1", "2000", "summary,facts")
	b := cache.Key("agent-1", "2000", "summary,facts")
	require.Equal(t, a, b)
}

func TestKeyDiffersWhenPartsDiffer(t *testing.T) {
	a := cache.Key("agent-1", "2000", "summary")
	b := cache.Key("agent-2", "2000", "summary")
	require.NotEqual(t, a, b)
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c := cache.NewVersionedCache(2)
	c.Put("a", 1, "A")
	c.Put("b", 1, "B")
	c.Put("c", 1, "C") // evicts "a"

	_, ok := c.Get("a", 1)
	require.False(t, ok)

	_, ok = c.Get("b", 1)
	require.True(t, ok)
	_, ok = c.Get("c", 1)
	require.True(t, ok)
}

func TestStatsTrackHitsAndMisses(t *testing.T) {
	c := cache.NewVersionedCache(10)
	c.Put("a", 1, "A")

	c.Get("a", 1) // hit
	c.Get("b", 1) // miss

	stats := c.Stats()
	require.Equal(t, uint64(1), stats.Hits)
	require.Equal(t, uint64(1), stats.Misses)
}

func TestClearRemovesAllEntries(t *testing.T) {
	c := cache.NewVersionedCache(10)
	c.Put("a", 1, "A")
	c.Put("b", 1, "B")
	c.Clear()
	require.Equal(t, 0, c.Len())
}
