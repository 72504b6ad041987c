package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/MikeSquared-Agency/cortex/pkg/cortexerr"
)

// Key prefixes for BadgerDB storage organization, one byte each for
// efficiency — mirrors the teacher's key-prefix scheme.
const (
	prefixNode     = byte(0x01) // node:id -> Node
	prefixEdge     = byte(0x02) // edge:id -> Edge
	prefixKindIdx  = byte(0x03) // kindIdx:kind\x00nodeID -> nil
	prefixAgentIdx = byte(0x04) // agentIdx:agent\x00nodeID -> nil
	prefixFromIdx  = byte(0x05) // fromIdx:nodeID\x00edgeID -> nil
	prefixToIdx    = byte(0x06) // toIdx:nodeID\x00edgeID -> nil
	prefixAudit    = byte(0x07) // audit:unixNano(16BE)+seq(8BE) -> AuditEntry
	prefixMeta     = byte(0x08) // meta:key -> value
)

// BadgerEngine is the persistent, single-file storage backend. It
// satisfies Engine with full ACID transaction support supplied by
// BadgerDB's own WAL and MVCC snapshotting.
type BadgerEngine struct {
	db      *badger.DB
	writeMu sync.Mutex // serializes writers (spec: at most one write txn)
	auditSeq atomic.Uint64
	closed  bool
}

// BadgerOptions configures a BadgerEngine.
type BadgerOptions struct {
	DataDir    string
	InMemory   bool
	SyncWrites bool
	Logger     badger.Logger
}

// NewBadgerEngine opens (or creates) a database file at dataDir with
// default options.
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{DataDir: dataDir, SyncWrites: true})
}

// NewBadgerEngineInMemory opens an ephemeral in-memory BadgerDB,
// useful for tests that want Engine semantics without a file.
func NewBadgerEngineInMemory() (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{InMemory: true})
}

// NewBadgerEngineWithOptions opens a database with explicit options.
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	bopts := badger.DefaultOptions(opts.DataDir)
	bopts = bopts.WithInMemory(opts.InMemory)
	bopts = bopts.WithSyncWrites(opts.SyncWrites)
	if opts.Logger != nil {
		bopts = bopts.WithLogger(opts.Logger)
	} else {
		bopts = bopts.WithLogger(nil)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		if err == badger.ErrWindowsNotSupported {
			return nil, cortexerr.New("storage.Open", cortexerr.Busy, err)
		}
		return nil, cortexerr.New("storage.Open", cortexerr.Storage, err)
	}

	eng := &BadgerEngine{db: db}
	if err := eng.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, cortexerr.New("storage.Open", cortexerr.Storage, err)
	}
	return eng, nil
}

func (b *BadgerEngine) ensureSchema() error {
	return b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(metaSchemaVersionKey))
		if err == badger.ErrKeyNotFound {
			return txn.Set(metaKey(metaSchemaVersionKey), []byte(strconv.Itoa(SchemaVersion)))
		}
		if err != nil {
			return err
		}
		var raw []byte
		if raw, err = item.ValueCopy(nil); err != nil {
			return err
		}
		version, err := strconv.Atoi(string(raw))
		if err != nil {
			return err
		}
		if version > SchemaVersion {
			return fmt.Errorf("schema version %d is newer than supported version %d", version, SchemaVersion)
		}
		// version < SchemaVersion: no migrations are defined yet.
		return nil
	})
}

// Close flushes and closes the underlying database file.
func (b *BadgerEngine) Close() error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if err := b.db.Close(); err != nil {
		return cortexerr.New("storage.Close", cortexerr.Storage, err)
	}
	return nil
}

// BeginRead opens a read-only snapshot.
func (b *BadgerEngine) BeginRead(ctx context.Context) (ReadTxn, error) {
	if err := ctx.Err(); err != nil {
		return nil, cortexerr.New("storage.BeginRead", cortexerr.Cancelled, err)
	}
	if b.closed {
		return nil, cortexerr.New("storage.BeginRead", cortexerr.Storage, fmt.Errorf("engine closed"))
	}
	return &badgerTxn{engine: b, txn: b.db.NewTransaction(false), writable: false}, nil
}

// BeginWrite opens the single write transaction. The caller must
// Commit or Discard it before another BeginWrite can proceed.
func (b *BadgerEngine) BeginWrite(ctx context.Context) (WriteTxn, error) {
	if err := ctx.Err(); err != nil {
		return nil, cortexerr.New("storage.BeginWrite", cortexerr.Cancelled, err)
	}
	b.writeMu.Lock()
	if b.closed {
		b.writeMu.Unlock()
		return nil, cortexerr.New("storage.BeginWrite", cortexerr.Storage, fmt.Errorf("engine closed"))
	}
	return &badgerTxn{engine: b, txn: b.db.NewTransaction(true), writable: true}, nil
}

// badgerTxn implements both ReadTxn and WriteTxn over a *badger.Txn.
type badgerTxn struct {
	engine   *BadgerEngine
	txn      *badger.Txn
	writable bool
	done     bool
}

func (t *badgerTxn) finishWriter() {
	if t.writable && !t.done {
		t.engine.writeMu.Unlock()
	}
	t.done = true
}

func (t *badgerTxn) Discard() {
	if t.done {
		return
	}
	t.txn.Discard()
	t.finishWriter()
}

func (t *badgerTxn) GetNode(id NodeID) (*Node, error) {
	item, err := t.txn.Get(nodeKey(id))
	if err == badger.ErrKeyNotFound {
		return nil, cortexerr.New("storage.GetNode", cortexerr.NotFound, nil)
	}
	if err != nil {
		return nil, cortexerr.New("storage.GetNode", cortexerr.Storage, err)
	}
	var n *Node
	err = item.Value(func(val []byte) error {
		var decErr error
		n, decErr = decodeNode(val)
		return decErr
	})
	if err != nil {
		return nil, cortexerr.New("storage.GetNode", cortexerr.Storage, err)
	}
	return n, nil
}

func (t *badgerTxn) GetEdge(id EdgeID) (*Edge, error) {
	item, err := t.txn.Get(edgeKey(id))
	if err == badger.ErrKeyNotFound {
		return nil, cortexerr.New("storage.GetEdge", cortexerr.NotFound, nil)
	}
	if err != nil {
		return nil, cortexerr.New("storage.GetEdge", cortexerr.Storage, err)
	}
	var e *Edge
	err = item.Value(func(val []byte) error {
		var decErr error
		e, decErr = decodeEdge(val)
		return decErr
	})
	if err != nil {
		return nil, cortexerr.New("storage.GetEdge", cortexerr.Storage, err)
	}
	return e, nil
}

// scanKeysByPrefix returns the full key (including prefix) of every
// entry under prefix, in key order.
func (t *badgerTxn) scanKeysByPrefix(prefix []byte) ([]string, error) {
	var keys []string
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := t.txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, string(it.Item().KeyCopy(nil)))
	}
	return keys, nil
}

func (t *badgerTxn) NodesByKind(kind string) ([]NodeID, error) {
	raw, err := t.scanKeysByPrefix(kindIndexPrefix(kind))
	if err != nil {
		return nil, err
	}
	out := make([]NodeID, 0, len(raw))
	for _, r := range raw {
		out = append(out, NodeID(extractIDAfterNUL(r)))
	}
	return dedupNodeIDs(out), nil
}

func (t *badgerTxn) NodesByAgent(agent string) ([]NodeID, error) {
	raw, err := t.scanKeysByPrefix(agentIndexPrefix(agent))
	if err != nil {
		return nil, err
	}
	out := make([]NodeID, 0, len(raw))
	for _, r := range raw {
		out = append(out, NodeID(extractIDAfterNUL(r)))
	}
	return dedupNodeIDs(out), nil
}

func (t *badgerTxn) EdgesFrom(id NodeID) ([]EdgeID, error) {
	raw, err := t.scanKeysByPrefix(fromIndexPrefix(id))
	if err != nil {
		return nil, err
	}
	out := make([]EdgeID, 0, len(raw))
	for _, r := range raw {
		out = append(out, EdgeID(extractIDAfterNUL(r)))
	}
	return out, nil
}

func (t *badgerTxn) EdgesTo(id NodeID) ([]EdgeID, error) {
	raw, err := t.scanKeysByPrefix(toIndexPrefix(id))
	if err != nil {
		return nil, err
	}
	out := make([]EdgeID, 0, len(raw))
	for _, r := range raw {
		out = append(out, EdgeID(extractIDAfterNUL(r)))
	}
	return out, nil
}

func (t *badgerTxn) AllNodes(fn func(*Node) error) error {
	opts := badger.DefaultIteratorOptions
	prefix := []byte{prefixNode}
	it := t.txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var n *Node
		err := it.Item().Value(func(val []byte) error {
			var decErr error
			n, decErr = decodeNode(val)
			return decErr
		})
		if err != nil {
			return cortexerr.New("storage.AllNodes", cortexerr.Storage, err)
		}
		if err := fn(n); err != nil {
			return err
		}
	}
	return nil
}

func (t *badgerTxn) AllAudit(fn func(AuditEntry) error) error {
	opts := badger.DefaultIteratorOptions
	prefix := []byte{prefixAudit}
	it := t.txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var e AuditEntry
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
		if err != nil {
			return cortexerr.New("storage.AllAudit", cortexerr.Storage, err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (t *badgerTxn) NodeCount() (int64, error) {
	var n int64
	err := t.AllNodes(func(*Node) error { n++; return nil })
	return n, err
}

func (t *badgerTxn) EdgeCount() (int64, error) {
	var n int64
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	prefix := []byte{prefixEdge}
	it := t.txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		n++
	}
	return n, nil
}

func (t *badgerTxn) Meta(key string) (string, error) {
	item, err := t.txn.Get(metaKey(key))
	if err == badger.ErrKeyNotFound {
		return "", nil
	}
	if err != nil {
		return "", cortexerr.New("storage.Meta", cortexerr.Storage, err)
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return "", cortexerr.New("storage.Meta", cortexerr.Storage, err)
	}
	return string(val), nil
}

func (t *badgerTxn) requireWritable(op string) error {
	if !t.writable {
		return cortexerr.New(op, cortexerr.Internal, fmt.Errorf("write attempted on read transaction"))
	}
	return nil
}

func (t *badgerTxn) PutNode(n *Node) error {
	if err := t.requireWritable("storage.PutNode"); err != nil {
		return err
	}
	// Remove a stale kind-index entry if the kind changed on update.
	if item, err := t.txn.Get(nodeKey(n.ID)); err == nil {
		var prevBytes []byte
		if prevBytes, err = item.ValueCopy(nil); err == nil {
			if prev, derr := decodeNode(prevBytes); derr == nil {
				if prev.Kind != n.Kind {
					_ = t.txn.Delete(kindIndexKey(prev.Kind, prev.ID))
				}
				if prev.SourceAgent != n.SourceAgent {
					_ = t.txn.Delete(agentIndexKey(prev.SourceAgent, prev.ID))
				}
			}
		}
	}

	data, err := encodeNode(n)
	if err != nil {
		return cortexerr.New("storage.PutNode", cortexerr.Storage, err)
	}
	if err := t.txn.Set(nodeKey(n.ID), data); err != nil {
		return cortexerr.New("storage.PutNode", cortexerr.Storage, err)
	}
	if err := t.txn.Set(kindIndexKey(n.Kind, n.ID), nil); err != nil {
		return cortexerr.New("storage.PutNode", cortexerr.Storage, err)
	}
	if n.SourceAgent != "" {
		if err := t.txn.Set(agentIndexKey(n.SourceAgent, n.ID), nil); err != nil {
			return cortexerr.New("storage.PutNode", cortexerr.Storage, err)
		}
	}
	return nil
}

func (t *badgerTxn) DeleteNode(id NodeID) error {
	if err := t.requireWritable("storage.DeleteNode"); err != nil {
		return err
	}
	item, err := t.txn.Get(nodeKey(id))
	if err == badger.ErrKeyNotFound {
		return cortexerr.New("storage.DeleteNode", cortexerr.NotFound, nil)
	}
	if err != nil {
		return cortexerr.New("storage.DeleteNode", cortexerr.Storage, err)
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return cortexerr.New("storage.DeleteNode", cortexerr.Storage, err)
	}
	n, err := decodeNode(raw)
	if err != nil {
		return cortexerr.New("storage.DeleteNode", cortexerr.Storage, err)
	}
	if err := t.txn.Delete(nodeKey(id)); err != nil {
		return cortexerr.New("storage.DeleteNode", cortexerr.Storage, err)
	}
	_ = t.txn.Delete(kindIndexKey(n.Kind, id))
	if n.SourceAgent != "" {
		_ = t.txn.Delete(agentIndexKey(n.SourceAgent, id))
	}
	return nil
}

func (t *badgerTxn) PutEdge(e *Edge) error {
	if err := t.requireWritable("storage.PutEdge"); err != nil {
		return err
	}
	data, err := encodeEdge(e)
	if err != nil {
		return cortexerr.New("storage.PutEdge", cortexerr.Storage, err)
	}
	if err := t.txn.Set(edgeKey(e.ID), data); err != nil {
		return cortexerr.New("storage.PutEdge", cortexerr.Storage, err)
	}
	if err := t.txn.Set(fromIndexKey(e.From, e.ID), nil); err != nil {
		return cortexerr.New("storage.PutEdge", cortexerr.Storage, err)
	}
	if err := t.txn.Set(toIndexKey(e.To, e.ID), nil); err != nil {
		return cortexerr.New("storage.PutEdge", cortexerr.Storage, err)
	}
	return nil
}

func (t *badgerTxn) DeleteEdge(id EdgeID) error {
	if err := t.requireWritable("storage.DeleteEdge"); err != nil {
		return err
	}
	item, err := t.txn.Get(edgeKey(id))
	if err == badger.ErrKeyNotFound {
		return cortexerr.New("storage.DeleteEdge", cortexerr.NotFound, nil)
	}
	if err != nil {
		return cortexerr.New("storage.DeleteEdge", cortexerr.Storage, err)
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return cortexerr.New("storage.DeleteEdge", cortexerr.Storage, err)
	}
	e, err := decodeEdge(raw)
	if err != nil {
		return cortexerr.New("storage.DeleteEdge", cortexerr.Storage, err)
	}
	if err := t.txn.Delete(edgeKey(id)); err != nil {
		return cortexerr.New("storage.DeleteEdge", cortexerr.Storage, err)
	}
	_ = t.txn.Delete(fromIndexKey(e.From, id))
	_ = t.txn.Delete(toIndexKey(e.To, id))
	return nil
}

func (t *badgerTxn) AppendAudit(op AuditOp, targetID, detail string) error {
	if err := t.requireWritable("storage.AppendAudit"); err != nil {
		return err
	}
	entry := AuditEntry{
		At:       time.Now(),
		Seq:      t.engine.auditSeq.Add(1),
		Op:       op,
		TargetID: targetID,
		Detail:   detail,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return cortexerr.New("storage.AppendAudit", cortexerr.Storage, err)
	}
	if err := t.txn.Set(auditKey(entry.At, entry.Seq), data); err != nil {
		return cortexerr.New("storage.AppendAudit", cortexerr.Storage, err)
	}
	return nil
}

func (t *badgerTxn) SetMeta(key, value string) error {
	if err := t.requireWritable("storage.SetMeta"); err != nil {
		return err
	}
	if err := t.txn.Set(metaKey(key), []byte(value)); err != nil {
		return cortexerr.New("storage.SetMeta", cortexerr.Storage, err)
	}
	return nil
}

func (t *badgerTxn) Commit() error {
	if err := t.requireWritable("storage.Commit"); err != nil {
		return err
	}
	defer t.finishWriter()
	if err := t.txn.Commit(); err != nil {
		return cortexerr.New("storage.Commit", cortexerr.Storage, err)
	}
	t.done = true
	return nil
}

// --- key encoding ---

func nodeKey(id NodeID) []byte {
	return append([]byte{prefixNode}, []byte(id)...)
}

func edgeKey(id EdgeID) []byte {
	return append([]byte{prefixEdge}, []byte(id)...)
}

func kindIndexPrefix(kind string) []byte {
	b := []byte{prefixKindIdx}
	b = append(b, []byte(kind)...)
	return append(b, 0x00)
}

func kindIndexKey(kind string, id NodeID) []byte {
	return append(kindIndexPrefix(kind), []byte(id)...)
}

func agentIndexPrefix(agent string) []byte {
	b := []byte{prefixAgentIdx}
	b = append(b, []byte(agent)...)
	return append(b, 0x00)
}

func agentIndexKey(agent string, id NodeID) []byte {
	return append(agentIndexPrefix(agent), []byte(id)...)
}

func fromIndexPrefix(id NodeID) []byte {
	b := []byte{prefixFromIdx}
	b = append(b, []byte(id)...)
	return append(b, 0x00)
}

func fromIndexKey(from NodeID, edge EdgeID) []byte {
	return append(fromIndexPrefix(from), []byte(edge)...)
}

func toIndexPrefix(id NodeID) []byte {
	b := []byte{prefixToIdx}
	b = append(b, []byte(id)...)
	return append(b, 0x00)
}

func toIndexKey(to NodeID, edge EdgeID) []byte {
	return append(toIndexPrefix(to), []byte(edge)...)
}

func auditKey(at time.Time, seq uint64) []byte {
	// The timestamp field is 16 bytes wide; a unix-nanosecond time fits
	// in its low 8 bytes, so the high 8 stay zero.
	key := make([]byte, 1+16+8)
	key[0] = prefixAudit
	binary.BigEndian.PutUint64(key[9:17], uint64(at.UnixNano()))
	binary.BigEndian.PutUint64(key[17:25], seq)
	return key
}

func metaKey(key string) []byte {
	return append([]byte{prefixMeta}, []byte(key)...)
}

func extractIDAfterNUL(s string) string {
	// s is a whole index key (prefix byte, indexed value, NUL, id);
	// the id is everything after the first NUL.
	for i := 0; i < len(s); i++ {
		if s[i] == 0x00 {
			return s[i+1:]
		}
	}
	return s
}

func dedupNodeIDs(in []NodeID) []NodeID {
	seen := make(map[NodeID]struct{}, len(in))
	out := make([]NodeID, 0, len(in))
	for _, id := range in {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// --- serialization ---

type serializableNode struct {
	ID          NodeID            `json:"id"`
	Kind        string            `json:"kind"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Importance  float64           `json:"importance"`
	Tags        []string          `json:"tags"`
	SourceAgent string            `json:"source_agent"`
	CreatedAt   int64             `json:"created_at"`
	UpdatedAt   int64             `json:"updated_at"`
	Metadata    map[string]string `json:"metadata"`
	Embedding   []float32         `json:"embedding,omitempty"`
	Deleted     bool              `json:"deleted,omitempty"`
}

func encodeNode(n *Node) ([]byte, error) {
	return json.Marshal(serializableNode{
		ID: n.ID, Kind: n.Kind, Title: n.Title, Body: n.Body,
		Importance: n.Importance, Tags: n.Tags, SourceAgent: n.SourceAgent,
		CreatedAt: n.CreatedAt.UnixNano(), UpdatedAt: n.UpdatedAt.UnixNano(),
		Metadata: n.Metadata, Embedding: n.Embedding, Deleted: n.Deleted,
	})
}

func decodeNode(data []byte) (*Node, error) {
	var s serializableNode
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &Node{
		ID: s.ID, Kind: s.Kind, Title: s.Title, Body: s.Body,
		Importance: s.Importance, Tags: s.Tags, SourceAgent: s.SourceAgent,
		CreatedAt: time.Unix(0, s.CreatedAt), UpdatedAt: time.Unix(0, s.UpdatedAt),
		Metadata: s.Metadata, Embedding: s.Embedding, Deleted: s.Deleted,
	}, nil
}

type serializableEdge struct {
	ID             EdgeID  `json:"id"`
	From           NodeID  `json:"from"`
	To             NodeID  `json:"to"`
	Relation       string  `json:"relation"`
	Weight         float64 `json:"weight"`
	CreatedAt      int64   `json:"created_at"`
	LastAccessedAt int64   `json:"last_accessed_at"`
}

func encodeEdge(e *Edge) ([]byte, error) {
	return json.Marshal(serializableEdge{
		ID: e.ID, From: e.From, To: e.To, Relation: e.Relation, Weight: e.Weight,
		CreatedAt: e.CreatedAt.UnixNano(), LastAccessedAt: e.LastAccessedAt.UnixNano(),
	})
}

func decodeEdge(data []byte) (*Edge, error) {
	var s serializableEdge
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &Edge{
		ID: s.ID, From: s.From, To: s.To, Relation: s.Relation, Weight: s.Weight,
		CreatedAt: time.Unix(0, s.CreatedAt), LastAccessedAt: time.Unix(0, s.LastAccessedAt),
	}, nil
}
