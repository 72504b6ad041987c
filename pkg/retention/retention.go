// Package retention enforces the two retention rules Cortex applies to
// the node store: tombstone nodes older than a configured age, and trim
// the oldest surviving nodes once the store exceeds a node-count cap.
// Both are soft deletes — Sweep never removes a node from storage, it
// only sets Deleted and writes an audit entry, leaving the tombstone
// spec §3 requires.
package retention

import (
	"context"
	"sort"
	"time"

	"github.com/MikeSquared-Agency/cortex/pkg/cortexerr"
	"github.com/MikeSquared-Agency/cortex/pkg/storage"
)

// DefaultMaxAge is the age beyond which a node is eligible for
// tombstoning: retention.max_age_days, default 90.
const DefaultMaxAge = 90 * 24 * time.Hour

// DefaultMaxNodes is the node-count cap beyond which the oldest
// surviving nodes are trimmed: retention.max_nodes, default 50000.
const DefaultMaxNodes = 50000

// Policy holds the two retention knobs. A zero MaxAge or MaxNodes
// disables that rule, so the zero Policy tombstones nothing.
type Policy struct {
	MaxAge   time.Duration
	MaxNodes int
}

// DefaultPolicy returns the spec's default retention policy.
func DefaultPolicy() Policy {
	return Policy{MaxAge: DefaultMaxAge, MaxNodes: DefaultMaxNodes}
}

// Stats summarizes one Sweep.
type Stats struct {
	AgedOut int // tombstoned for exceeding MaxAge
	Trimmed int // tombstoned for exceeding MaxNodes
	Scanned int
}

// Manager runs retention sweeps against a storage engine on the
// configured Policy. OnTombstone, if set, is called once per node the
// sweep tombstones — callers use it to drop the node from the vector
// index and any in-memory caches, since storage itself only marks the
// row deleted.
type Manager struct {
	engine      storage.Engine
	policy      Policy
	now         func() time.Time
	OnTombstone func(storage.NodeID)
}

// NewManager builds a Manager over engine with policy.
func NewManager(engine storage.Engine, policy Policy) *Manager {
	return &Manager{engine: engine, policy: policy, now: time.Now}
}

// Sweep tombstones every node older than the policy's MaxAge, then — if
// the store still exceeds MaxNodes after aging out — tombstones the
// oldest remaining nodes until the count no longer exceeds the cap. Both
// passes run inside a single write transaction, so a sweep either
// commits in full or changes nothing.
func (m *Manager) Sweep(ctx context.Context) (Stats, error) {
	txn, err := m.engine.BeginWrite(ctx)
	if err != nil {
		return Stats{}, err
	}
	defer txn.Discard()

	now := m.now()
	cutoff := now.Add(-m.policy.MaxAge)

	var stats Stats
	var survivors []*storage.Node

	err = txn.AllNodes(func(n *storage.Node) error {
		stats.Scanned++
		if n.Deleted {
			return nil
		}
		if m.policy.MaxAge > 0 && n.CreatedAt.Before(cutoff) {
			if err := m.tombstone(txn, n, now); err != nil {
				return err
			}
			stats.AgedOut++
			return nil
		}
		survivors = append(survivors, n)
		return nil
	})
	if err != nil {
		return Stats{}, err
	}

	if m.policy.MaxNodes > 0 && len(survivors) > m.policy.MaxNodes {
		sort.Slice(survivors, func(i, j int) bool {
			return survivors[i].CreatedAt.Before(survivors[j].CreatedAt)
		})
		excess := len(survivors) - m.policy.MaxNodes
		for _, n := range survivors[:excess] {
			if err := m.tombstone(txn, n, now); err != nil {
				return Stats{}, err
			}
			stats.Trimmed++
		}
	}

	if stats.AgedOut == 0 && stats.Trimmed == 0 {
		return stats, nil
	}
	if err := txn.Commit(); err != nil {
		return Stats{}, cortexerr.New("retention.Sweep", cortexerr.Storage, err)
	}
	return stats, nil
}

func (m *Manager) tombstone(txn storage.WriteTxn, n *storage.Node, now time.Time) error {
	cp := *n
	cp.Deleted = true
	cp.UpdatedAt = now
	if err := txn.PutNode(&cp); err != nil {
		return err
	}
	if err := txn.AppendAudit(storage.AuditDeleteNode, string(n.ID), "retention sweep"); err != nil {
		return err
	}
	if m.OnTombstone != nil {
		m.OnTombstone(n.ID)
	}
	return nil
}
