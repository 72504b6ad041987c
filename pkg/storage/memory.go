package storage

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MikeSquared-Agency/cortex/pkg/cortexerr"
)

// MemoryEngine is an in-memory Engine used by tests that want Engine
// semantics (single writer, snapshot reads, audit ordering) without
// touching disk. It is not a cache in front of BadgerEngine — it is a
// complete, independent implementation.
type MemoryEngine struct {
	mu       sync.RWMutex // guards the committed state below
	writeMu  sync.Mutex   // serializes writers, like BadgerEngine.writeMu
	auditSeq atomic.Uint64

	nodes map[NodeID]*Node
	edges map[EdgeID]*Edge
	meta  map[string]string
	audit []AuditEntry

	closed bool
}

// NewMemoryEngine returns a ready-to-use empty MemoryEngine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		nodes: make(map[NodeID]*Node),
		edges: make(map[EdgeID]*Edge),
		meta:  map[string]string{metaSchemaVersionKey: "1"},
	}
}

func (m *MemoryEngine) Close() error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.closed = true
	return nil
}

// BeginRead takes a deep-enough snapshot of the committed maps so the
// returned txn is unaffected by concurrent writers.
func (m *MemoryEngine) BeginRead(ctx context.Context) (ReadTxn, error) {
	if err := ctx.Err(); err != nil {
		return nil, cortexerr.New("storage.BeginRead", cortexerr.Cancelled, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, cortexerr.New("storage.BeginRead", cortexerr.Storage, nil)
	}
	return m.snapshot(false), nil
}

func (m *MemoryEngine) BeginWrite(ctx context.Context) (WriteTxn, error) {
	if err := ctx.Err(); err != nil {
		return nil, cortexerr.New("storage.BeginWrite", cortexerr.Cancelled, err)
	}
	m.writeMu.Lock()
	if m.closed {
		m.writeMu.Unlock()
		return nil, cortexerr.New("storage.BeginWrite", cortexerr.Storage, nil)
	}
	m.mu.RLock()
	txn := m.snapshot(true)
	m.mu.RUnlock()
	return txn, nil
}

func (m *MemoryEngine) snapshot(writable bool) *memoryTxn {
	nodes := make(map[NodeID]*Node, len(m.nodes))
	for k, v := range m.nodes {
		cp := *v
		nodes[k] = &cp
	}
	edges := make(map[EdgeID]*Edge, len(m.edges))
	for k, v := range m.edges {
		cp := *v
		edges[k] = &cp
	}
	meta := make(map[string]string, len(m.meta))
	for k, v := range m.meta {
		meta[k] = v
	}
	return &memoryTxn{
		engine:   m,
		writable: writable,
		nodes:    nodes,
		edges:    edges,
		meta:     meta,
	}
}

// memoryTxn is a copy-on-write snapshot. Writers mutate their own copy
// and publish it back to the engine atomically on Commit.
type memoryTxn struct {
	engine   *MemoryEngine
	writable bool
	done     bool

	nodes map[NodeID]*Node
	edges map[EdgeID]*Edge
	meta  map[string]string

	pendingAudit []AuditEntry
}

func (t *memoryTxn) finishWriter() {
	if t.writable && !t.done {
		t.engine.writeMu.Unlock()
	}
	t.done = true
}

func (t *memoryTxn) Discard() {
	if t.done {
		return
	}
	t.finishWriter()
}

func (t *memoryTxn) GetNode(id NodeID) (*Node, error) {
	n, ok := t.nodes[id]
	if !ok {
		return nil, cortexerr.New("storage.GetNode", cortexerr.NotFound, nil)
	}
	cp := *n
	return &cp, nil
}

func (t *memoryTxn) GetEdge(id EdgeID) (*Edge, error) {
	e, ok := t.edges[id]
	if !ok {
		return nil, cortexerr.New("storage.GetEdge", cortexerr.NotFound, nil)
	}
	cp := *e
	return &cp, nil
}

func (t *memoryTxn) NodesByKind(kind string) ([]NodeID, error) {
	var out []NodeID
	for id, n := range t.nodes {
		if n.Kind == kind {
			out = append(out, id)
		}
	}
	sortNodeIDs(out)
	return out, nil
}

func (t *memoryTxn) NodesByAgent(agent string) ([]NodeID, error) {
	var out []NodeID
	for id, n := range t.nodes {
		if n.SourceAgent == agent {
			out = append(out, id)
		}
	}
	sortNodeIDs(out)
	return out, nil
}

func (t *memoryTxn) EdgesFrom(id NodeID) ([]EdgeID, error) {
	var out []EdgeID
	for eid, e := range t.edges {
		if e.From == id {
			out = append(out, eid)
		}
	}
	sortEdgeIDs(out)
	return out, nil
}

func (t *memoryTxn) EdgesTo(id NodeID) ([]EdgeID, error) {
	var out []EdgeID
	for eid, e := range t.edges {
		if e.To == id {
			out = append(out, eid)
		}
	}
	sortEdgeIDs(out)
	return out, nil
}

func (t *memoryTxn) AllNodes(fn func(*Node) error) error {
	ids := make([]NodeID, 0, len(t.nodes))
	for id := range t.nodes {
		ids = append(ids, id)
	}
	sortNodeIDs(ids)
	for _, id := range ids {
		cp := *t.nodes[id]
		if err := fn(&cp); err != nil {
			return err
		}
	}
	return nil
}

func (t *memoryTxn) AllAudit(fn func(AuditEntry) error) error {
	entries := t.engine.auditSnapshot()
	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (t *memoryTxn) NodeCount() (int64, error) { return int64(len(t.nodes)), nil }
func (t *memoryTxn) EdgeCount() (int64, error) { return int64(len(t.edges)), nil }

func (t *memoryTxn) Meta(key string) (string, error) { return t.meta[key], nil }

func (t *memoryTxn) requireWritable(op string) error {
	if !t.writable {
		return cortexerr.New(op, cortexerr.Internal, nil)
	}
	return nil
}

func (t *memoryTxn) PutNode(n *Node) error {
	if err := t.requireWritable("storage.PutNode"); err != nil {
		return err
	}
	cp := *n
	t.nodes[n.ID] = &cp
	return nil
}

func (t *memoryTxn) DeleteNode(id NodeID) error {
	if err := t.requireWritable("storage.DeleteNode"); err != nil {
		return err
	}
	if _, ok := t.nodes[id]; !ok {
		return cortexerr.New("storage.DeleteNode", cortexerr.NotFound, nil)
	}
	delete(t.nodes, id)
	return nil
}

func (t *memoryTxn) PutEdge(e *Edge) error {
	if err := t.requireWritable("storage.PutEdge"); err != nil {
		return err
	}
	cp := *e
	t.edges[e.ID] = &cp
	return nil
}

func (t *memoryTxn) DeleteEdge(id EdgeID) error {
	if err := t.requireWritable("storage.DeleteEdge"); err != nil {
		return err
	}
	if _, ok := t.edges[id]; !ok {
		return cortexerr.New("storage.DeleteEdge", cortexerr.NotFound, nil)
	}
	delete(t.edges, id)
	return nil
}

func (t *memoryTxn) AppendAudit(op AuditOp, targetID, detail string) error {
	if err := t.requireWritable("storage.AppendAudit"); err != nil {
		return err
	}
	t.pendingAudit = append(t.pendingAudit, AuditEntry{
		At:       time.Now(),
		Seq:      t.engine.auditSeq.Add(1),
		Op:       op,
		TargetID: targetID,
		Detail:   detail,
	})
	return nil
}

func (t *memoryTxn) SetMeta(key, value string) error {
	if err := t.requireWritable("storage.SetMeta"); err != nil {
		return err
	}
	t.meta[key] = value
	return nil
}

func (t *memoryTxn) Commit() error {
	if err := t.requireWritable("storage.Commit"); err != nil {
		return err
	}
	defer t.finishWriter()

	t.engine.mu.Lock()
	t.engine.nodes = t.nodes
	t.engine.edges = t.edges
	t.engine.meta = t.meta
	t.engine.mu.Unlock()

	if len(t.pendingAudit) > 0 {
		t.engine.appendAudit(t.pendingAudit)
	}
	t.done = true
	return nil
}

func (m *MemoryEngine) appendAudit(entries []AuditEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entries...)
}

func (m *MemoryEngine) auditSnapshot() []AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AuditEntry, len(m.audit))
	copy(out, m.audit)
	return out
}

func sortNodeIDs(ids []NodeID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

func sortEdgeIDs(ids []EdgeID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
