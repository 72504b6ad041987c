package retention_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/cortex/pkg/retention"
	"github.com/MikeSquared-Agency/cortex/pkg/storage"
)

func putNode(t *testing.T, engine storage.Engine, id storage.NodeID, createdAt time.Time) {
	t.Helper()
	txn, err := engine.BeginWrite(context.Background())
	require.NoError(t, err)
	require.NoError(t, txn.PutNode(&storage.Node{
		ID:        id,
		Kind:      "fact",
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}))
	require.NoError(t, txn.Commit())
}

func getNode(t *testing.T, engine storage.Engine, id storage.NodeID) *storage.Node {
	t.Helper()
	txn, err := engine.BeginRead(context.Background())
	require.NoError(t, err)
	defer txn.Discard()
	n, err := txn.GetNode(id)
	require.NoError(t, err)
	return n
}

func TestSweepTombstonesNodesOlderThanMaxAge(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()

	now := time.Now()
	putNode(t, engine, "old", now.Add(-100*24*time.Hour))
	putNode(t, engine, "new", now.Add(-1*time.Hour))

	m := retention.NewManager(engine, retention.Policy{MaxAge: 90 * 24 * time.Hour})
	stats, err := m.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.AgedOut)

	require.True(t, getNode(t, engine, "old").Deleted)
	require.False(t, getNode(t, engine, "new").Deleted)
}

func TestSweepTrimsOldestBeyondMaxNodes(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()

	now := time.Now()
	putNode(t, engine, "a", now.Add(-3*time.Hour))
	putNode(t, engine, "b", now.Add(-2*time.Hour))
	putNode(t, engine, "c", now.Add(-1*time.Hour))

	m := retention.NewManager(engine, retention.Policy{MaxNodes: 2})
	stats, err := m.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Trimmed)

	require.True(t, getNode(t, engine, "a").Deleted)
	require.False(t, getNode(t, engine, "b").Deleted)
	require.False(t, getNode(t, engine, "c").Deleted)
}

func TestSweepSkipsAlreadyTombstonedNodes(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()

	now := time.Now()
	putNode(t, engine, "old", now.Add(-200*24*time.Hour))

	m := retention.NewManager(engine, retention.Policy{MaxAge: 90 * 24 * time.Hour})
	_, err := m.Sweep(context.Background())
	require.NoError(t, err)

	stats, err := m.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, stats.AgedOut)
}

func TestSweepWithZeroPolicyValuesDisablesThatRule(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()

	now := time.Now()
	putNode(t, engine, "old", now.Add(-500*24*time.Hour))

	m := retention.NewManager(engine, retention.Policy{})
	stats, err := m.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, stats.AgedOut)
	require.Equal(t, 0, stats.Trimmed)
	require.False(t, getNode(t, engine, "old").Deleted)
}

func TestSweepCallsOnTombstoneHook(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()

	now := time.Now()
	putNode(t, engine, "old", now.Add(-100*24*time.Hour))

	m := retention.NewManager(engine, retention.Policy{MaxAge: 90 * 24 * time.Hour})
	var notified []storage.NodeID
	m.OnTombstone = func(id storage.NodeID) { notified = append(notified, id) }

	_, err := m.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, []storage.NodeID{"old"}, notified)
}

func TestDefaultPolicyMatchesSpecDefaults(t *testing.T) {
	p := retention.DefaultPolicy()
	require.Equal(t, retention.DefaultMaxAge, p.MaxAge)
	require.Equal(t, retention.DefaultMaxNodes, p.MaxNodes)
}
