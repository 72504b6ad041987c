package storage

import "context"

// Engine is the storage contract every backend (BadgerEngine,
// MemoryEngine) implements. At most one WriteTxn may be open at a
// time; any number of ReadTxns may run concurrently with it, each
// seeing a consistent snapshot (spec §4.1).
type Engine interface {
	BeginRead(ctx context.Context) (ReadTxn, error)
	BeginWrite(ctx context.Context) (WriteTxn, error)
	Close() error
}

// ReadTxn is a consistent, read-only snapshot of the store.
type ReadTxn interface {
	GetNode(id NodeID) (*Node, error)
	GetEdge(id EdgeID) (*Edge, error)

	// NodesByKind returns ids of nodes with the given kind.
	NodesByKind(kind string) ([]NodeID, error)
	// NodesByAgent returns ids of nodes with the given source_agent.
	NodesByAgent(agent string) ([]NodeID, error)
	// EdgesFrom returns ids of edges with the given From node.
	EdgesFrom(id NodeID) ([]EdgeID, error)
	// EdgesTo returns ids of edges with the given To node.
	EdgesTo(id NodeID) ([]EdgeID, error)

	// AllNodes streams every node, tombstoned ones included, for
	// cold-start and recovery use (vector-index rebuild, retention
	// sweeps).
	AllNodes(fn func(*Node) error) error
	// AllAudit streams every audit entry in key order.
	AllAudit(fn func(AuditEntry) error) error

	// NodeCount and EdgeCount are approximate point-in-time counts.
	NodeCount() (int64, error)
	EdgeCount() (int64, error)

	// Meta reads a value from the meta table, "" if absent.
	Meta(key string) (string, error)

	// Discard releases the transaction's resources without committing.
	// Safe to call on an already-committed WriteTxn (no-op).
	Discard()
}

// WriteTxn is a single in-flight write transaction. All mutations are
// invisible to other transactions until Commit succeeds; a WriteTxn
// that is never committed (Discard or simply dropped) changes nothing.
type WriteTxn interface {
	ReadTxn

	PutNode(n *Node) error
	DeleteNode(id NodeID) error
	PutEdge(e *Edge) error
	DeleteEdge(id EdgeID) error
	AppendAudit(op AuditOp, targetID, detail string) error
	SetMeta(key, value string) error

	// Commit makes every change in this transaction atomically visible
	// and durable, or none at all.
	Commit() error
}
