// Package storage provides the transactional key-value layer Cortex
// builds its graph on: nodes, edges, a meta table, and an append-only
// audit log, with ACID single-writer semantics.
//
// Two implementations are provided: BadgerEngine (persistent,
// single-file, backed by BadgerDB) and MemoryEngine (an in-memory fake
// for tests). Both satisfy the Engine interface, so the Graph Engine
// and everything above it never depends on which one is in use.
package storage

import "time"

// NodeID is a UUIDv7 string, sortable by creation time.
type NodeID string

// EdgeID is a UUIDv7 string.
type EdgeID string

// Node is a typed knowledge record. Kind and the validated-lowercase
// convention are enforced by the Graph Engine before a Node ever
// reaches storage; storage itself trusts its input.
type Node struct {
	ID           NodeID            `json:"id"`
	Kind         string            `json:"kind"`
	Title        string            `json:"title"`
	Body         string            `json:"body"`
	Importance   float64           `json:"importance"`
	Tags         []string          `json:"tags"`
	SourceAgent  string            `json:"source_agent"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Metadata     map[string]string `json:"metadata"`
	Embedding    []float32         `json:"embedding,omitempty"`
	Deleted      bool              `json:"deleted,omitempty"`
}

// HasEmbedding reports whether the node carries a unit-norm embedding.
func (n *Node) HasEmbedding() bool { return len(n.Embedding) > 0 }

// Edge is a directed, weighted relationship between two nodes.
type Edge struct {
	ID             EdgeID    `json:"id"`
	From           NodeID    `json:"from"`
	To             NodeID    `json:"to"`
	Relation       string    `json:"relation"`
	Weight         float64   `json:"weight"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// AuditOp names the mutation an AuditEntry records.
type AuditOp string

const (
	AuditCreateNode AuditOp = "create_node"
	AuditUpdateNode AuditOp = "update_node"
	AuditDeleteNode AuditOp = "delete_node"
	AuditCreateEdge AuditOp = "create_edge"
	AuditUpdateEdge AuditOp = "update_edge"
	AuditDeleteEdge AuditOp = "delete_edge"
)

// AuditEntry is one immutable line in the audit log (spec invariant
// I7): one entry per mutation, ordered by its nanosecond key, never
// deleted. Seq breaks ties between entries committed within the same
// nanosecond.
type AuditEntry struct {
	At       time.Time `json:"at"`
	Seq      uint64    `json:"seq"`
	Op       AuditOp   `json:"op"`
	TargetID string    `json:"target_id"`
	Detail   string    `json:"detail,omitempty"`
}

// SchemaVersion is the current on-disk format version. Opening a
// database stamped with a newer version fails fast; an older one is
// eligible for migration (none are defined yet — this is the hook).
const SchemaVersion = 1

const metaSchemaVersionKey = "schema_version"
