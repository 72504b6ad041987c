// Package graph owns every write path into storage and the vector
// index together: it is the only component permitted to mutate both
// in concert, and the only component that increments graph_version.
// Everything above it — the auto-linker, prompt graph, briefing
// engine, selector — reads and writes through this package instead of
// touching pkg/storage or pkg/index directly.
package graph

import (
	"context"
	"log"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/cortex/pkg/cortexerr"
	"github.com/MikeSquared-Agency/cortex/pkg/embed"
	"github.com/MikeSquared-Agency/cortex/pkg/index"
	"github.com/MikeSquared-Agency/cortex/pkg/storage"
)

var (
	kindRe     = regexp.MustCompile(`^[a-z0-9-]+$`)
	relationRe = regexp.MustCompile(`^[a-z0-9_]+$`)
)

// traverseNodeBudget caps the work a single Traverse call can do,
// independent of the requested depth, so a dense graph can't turn a
// shallow traversal into an unbounded scan.
const traverseNodeBudget = 2000

// defaultBacklogSize is the changed-node backlog capacity when Options
// doesn't specify one.
const defaultBacklogSize = 4096

// oversampleFactor is k' = k * oversampleFactor for the vector-index
// probe behind SimilaritySearch and HybridSearch, per spec default 3.
const oversampleFactor = 3

// Options configures a new Engine.
type Options struct {
	// BacklogSize bounds the changed-node queue the Auto-Linker drains.
	// <= 0 defaults to defaultBacklogSize.
	BacklogSize int
}

// Engine is the Graph Engine: referential-integrity layer, traversal,
// hybrid search, and the single owner of graph_version.
type Engine struct {
	storage  storage.Engine
	index    *index.Index
	embedder embed.Embedder

	version atomic.Uint64

	backlogMu      sync.Mutex
	backlog        chan storage.NodeID
	backlogDropped atomic.Uint64
}

// New constructs an Engine over storage, idx (sized for embedder's
// dimensions), and embedder.
func New(store storage.Engine, idx *index.Index, embedder embed.Embedder, opts Options) *Engine {
	size := opts.BacklogSize
	if size <= 0 {
		size = defaultBacklogSize
	}
	return &Engine{
		storage:  store,
		index:    idx,
		embedder: embedder,
		backlog:  make(chan storage.NodeID, size),
	}
}

// GraphVersion returns the current value of the process-wide mutation
// counter (spec invariant I5).
func (e *Engine) GraphVersion() uint64 { return e.version.Load() }

// BacklogDropped returns how many changed-node ids were evicted from
// the backlog because it was full when produced.
func (e *Engine) BacklogDropped() uint64 { return e.backlogDropped.Load() }

// Close releases the underlying storage engine.
func (e *Engine) Close() error { return e.storage.Close() }

// DrainBacklog pops up to n changed-node ids without blocking. n <= 0
// drains everything currently queued.
func (e *Engine) DrainBacklog(n int) []storage.NodeID {
	var out []storage.NodeID
	for n <= 0 || len(out) < n {
		select {
		case id := <-e.backlog:
			out = append(out, id)
		default:
			return out
		}
	}
	return out
}

func (e *Engine) pushBacklog(id storage.NodeID) {
	e.backlogMu.Lock()
	defer e.backlogMu.Unlock()
	select {
	case e.backlog <- id:
		return
	default:
	}
	select {
	case <-e.backlog:
		e.backlogDropped.Add(1)
	default:
	}
	select {
	case e.backlog <- id:
	default:
	}
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		lt := toLower(t)
		if lt == "" {
			continue
		}
		if _, ok := seen[lt]; ok {
			continue
		}
		seen[lt] = struct{}{}
		out = append(out, lt)
	}
	sort.Strings(out)
	return out
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails if the global random source errors,
		// which never happens with the default reader.
		panic(cortexerr.New("graph.newID", cortexerr.Internal, err))
	}
	return id.String()
}

// CreateNode validates fields, embeds title+body, assigns a UUIDv7 id,
// writes the node and its audit entry in one transaction, then (post
// commit) inserts the embedding into the vector index and bumps
// graph_version.
func (e *Engine) CreateNode(ctx context.Context, kind, title, body string, importance float64, tags []string, sourceAgent string, metadata map[string]string) (*storage.Node, error) {
	kind = toLower(kind)
	if !kindRe.MatchString(kind) {
		return nil, cortexerr.Newf("graph.CreateNode", cortexerr.Invalid, "kind %q does not match %s", kind, kindRe.String())
	}
	if title == "" {
		return nil, cortexerr.New("graph.CreateNode", cortexerr.Invalid, nil)
	}
	if importance < 0 || importance > 1 {
		return nil, cortexerr.Newf("graph.CreateNode", cortexerr.Invalid, "importance %v out of [0,1]", importance)
	}

	vec, err := e.embedder.Embed(ctx, title+"\n\n"+body)
	if err != nil {
		return nil, cortexerr.New("graph.CreateNode", cortexerr.Storage, err)
	}

	now := time.Now()
	node := &storage.Node{
		ID:          storage.NodeID(newID()),
		Kind:        kind,
		Title:       title,
		Body:        body,
		Importance:  importance,
		Tags:        normalizeTags(tags),
		SourceAgent: sourceAgent,
		CreatedAt:   now,
		UpdatedAt:   now,
		Metadata:    metadata,
		Embedding:   vec,
	}

	txn, err := e.storage.BeginWrite(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Discard()

	if err := txn.PutNode(node); err != nil {
		return nil, err
	}
	if err := txn.AppendAudit(storage.AuditCreateNode, string(node.ID), "kind="+kind); err != nil {
		return nil, err
	}
	if err := txn.Commit(); err != nil {
		return nil, cortexerr.New("graph.CreateNode", cortexerr.Storage, err)
	}

	e.afterCommit(ctx, node)
	return node, nil
}

// afterCommit performs the post-commit index update and bookkeeping
// common to every node mutation: index insert, repair-marker on
// failure, graph_version bump, and backlog push.
func (e *Engine) afterCommit(ctx context.Context, node *storage.Node) {
	if node.HasEmbedding() {
		if err := e.index.Insert(node.ID, node.Embedding); err != nil {
			e.markIndexRepairNeeded(ctx, node.ID, err)
		}
	}
	e.version.Add(1)
	e.pushBacklog(node.ID)
}

func (e *Engine) markIndexRepairNeeded(ctx context.Context, id storage.NodeID, cause error) {
	log.Printf("graph: vector index update failed for node %s, marking for repair: %v", id, cause)
	txn, err := e.storage.BeginWrite(ctx)
	if err != nil {
		log.Printf("graph: could not open write txn to record repair marker for %s: %v", id, err)
		return
	}
	defer txn.Discard()
	if err := txn.SetMeta("index_repair:"+string(id), "1"); err != nil {
		log.Printf("graph: could not set repair marker for %s: %v", id, err)
		return
	}
	if err := txn.Commit(); err != nil {
		log.Printf("graph: could not commit repair marker for %s: %v", id, err)
	}
}

// NodePatch describes a partial update to a node. Nil fields are left
// unchanged.
type NodePatch struct {
	Title       *string
	Body        *string
	Importance  *float64
	Tags        *[]string
	SourceAgent *string
	Metadata    *map[string]string
}

// UpdateNode applies patch to node id. If Title or Body changed, the
// node is re-embedded and the index entry replaced.
func (e *Engine) UpdateNode(ctx context.Context, id storage.NodeID, patch NodePatch) (*storage.Node, error) {
	txn, err := e.storage.BeginWrite(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Discard()

	node, err := txn.GetNode(id)
	if err != nil {
		return nil, err
	}

	reembed := false
	if patch.Title != nil && *patch.Title != node.Title {
		if *patch.Title == "" {
			return nil, cortexerr.New("graph.UpdateNode", cortexerr.Invalid, nil)
		}
		node.Title = *patch.Title
		reembed = true
	}
	if patch.Body != nil && *patch.Body != node.Body {
		node.Body = *patch.Body
		reembed = true
	}
	if patch.Importance != nil {
		if *patch.Importance < 0 || *patch.Importance > 1 {
			return nil, cortexerr.Newf("graph.UpdateNode", cortexerr.Invalid, "importance %v out of [0,1]", *patch.Importance)
		}
		node.Importance = *patch.Importance
	}
	if patch.Tags != nil {
		node.Tags = normalizeTags(*patch.Tags)
	}
	if patch.SourceAgent != nil {
		node.SourceAgent = *patch.SourceAgent
	}
	if patch.Metadata != nil {
		node.Metadata = *patch.Metadata
	}

	if reembed {
		vec, err := e.embedder.Embed(ctx, node.Title+"\n\n"+node.Body)
		if err != nil {
			return nil, cortexerr.New("graph.UpdateNode", cortexerr.Storage, err)
		}
		node.Embedding = vec
	}
	node.UpdatedAt = time.Now()

	if err := txn.PutNode(node); err != nil {
		return nil, err
	}
	if err := txn.AppendAudit(storage.AuditUpdateNode, string(node.ID), ""); err != nil {
		return nil, err
	}
	if err := txn.Commit(); err != nil {
		return nil, cortexerr.New("graph.UpdateNode", cortexerr.Storage, err)
	}

	e.afterCommit(ctx, node)
	return node, nil
}

// DeleteNode removes node id. If hard is false, the node is tombstoned
// (Deleted = true, left in storage) rather than removed outright.
// Either way, every edge with From == id or To == id is deleted
// (satisfies I2) and the node is removed from the vector index.
func (e *Engine) DeleteNode(ctx context.Context, id storage.NodeID, hard bool) error {
	txn, err := e.storage.BeginWrite(ctx)
	if err != nil {
		return err
	}
	defer txn.Discard()

	node, err := txn.GetNode(id)
	if err != nil {
		return err
	}

	from, err := txn.EdgesFrom(id)
	if err != nil {
		return err
	}
	to, err := txn.EdgesTo(id)
	if err != nil {
		return err
	}
	cascaded := make(map[storage.EdgeID]struct{}, len(from)+len(to))
	for _, eid := range from {
		cascaded[eid] = struct{}{}
	}
	for _, eid := range to {
		cascaded[eid] = struct{}{}
	}
	for eid := range cascaded {
		if err := txn.DeleteEdge(eid); err != nil && cortexerr.KindOf(err) != cortexerr.NotFound {
			return err
		}
		if err := txn.AppendAudit(storage.AuditDeleteEdge, string(eid), "cascade from delete_node"); err != nil {
			return err
		}
	}

	if hard {
		if err := txn.DeleteNode(id); err != nil {
			return err
		}
	} else {
		node.Deleted = true
		node.UpdatedAt = time.Now()
		if err := txn.PutNode(node); err != nil {
			return err
		}
	}
	if err := txn.AppendAudit(storage.AuditDeleteNode, string(id), ""); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return cortexerr.New("graph.DeleteNode", cortexerr.Storage, err)
	}

	e.index.Remove(id)
	e.version.Add(1)
	return nil
}

// CreateEdge verifies both endpoints exist, validates relation, stores
// the edge, and bumps graph_version.
func (e *Engine) CreateEdge(ctx context.Context, from, to storage.NodeID, relation string, weight float64) (*storage.Edge, error) {
	relation = toLower(relation)
	if !relationRe.MatchString(relation) {
		return nil, cortexerr.Newf("graph.CreateEdge", cortexerr.Invalid, "relation %q does not match %s", relation, relationRe.String())
	}
	if weight < 0 || weight > 1 {
		return nil, cortexerr.Newf("graph.CreateEdge", cortexerr.Invalid, "weight %v out of [0,1]", weight)
	}

	txn, err := e.storage.BeginWrite(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Discard()

	if _, err := txn.GetNode(from); err != nil {
		return nil, err
	}
	if _, err := txn.GetNode(to); err != nil {
		return nil, err
	}

	now := time.Now()
	edge := &storage.Edge{
		ID:             storage.EdgeID(newID()),
		From:           from,
		To:             to,
		Relation:       relation,
		Weight:         weight,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if err := txn.PutEdge(edge); err != nil {
		return nil, err
	}
	if err := txn.AppendAudit(storage.AuditCreateEdge, string(edge.ID), relation); err != nil {
		return nil, err
	}
	if err := txn.Commit(); err != nil {
		return nil, cortexerr.New("graph.CreateEdge", cortexerr.Storage, err)
	}

	e.version.Add(1)
	return edge, nil
}

// UpdateEdgeWeight persists a new weight (and, independently,
// lastAccessedAt) for edge id. Unlike CreateNode/UpdateNode/DeleteNode/
// CreateEdge this does not bump graph_version: it is used by the
// Auto-Linker's reinforcement and decay passes, which touch many edges
// per cycle as one scoped operation rather than one mutation each.
func (e *Engine) UpdateEdgeWeight(ctx context.Context, id storage.EdgeID, weight float64, lastAccessedAt time.Time) error {
	txn, err := e.storage.BeginWrite(ctx)
	if err != nil {
		return err
	}
	defer txn.Discard()

	edge, err := txn.GetEdge(id)
	if err != nil {
		return err
	}
	edge.Weight = weight
	edge.LastAccessedAt = lastAccessedAt
	if err := txn.PutEdge(edge); err != nil {
		return err
	}
	if err := txn.AppendAudit(storage.AuditUpdateEdge, string(id), ""); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return cortexerr.New("graph.UpdateEdgeWeight", cortexerr.Storage, err)
	}
	return nil
}

// DeleteEdgeDirect removes edge id without touching any node or the
// vector index. Like UpdateEdgeWeight, it does not bump graph_version;
// it backs the Auto-Linker's cap-enforcement, dedup, and decay passes.
func (e *Engine) DeleteEdgeDirect(ctx context.Context, id storage.EdgeID) error {
	txn, err := e.storage.BeginWrite(ctx)
	if err != nil {
		return err
	}
	defer txn.Discard()

	if err := txn.DeleteEdge(id); err != nil {
		return err
	}
	if err := txn.AppendAudit(storage.AuditDeleteEdge, string(id), "auto-linker"); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return cortexerr.New("graph.DeleteEdgeDirect", cortexerr.Storage, err)
	}
	return nil
}

// SearchNeighbors returns the k nearest nodes to id's embedding (id
// excluded), at or above minSimilarity. Returns (nil, nil) if id has
// no embedding.
func (e *Engine) SearchNeighbors(ctx context.Context, id storage.NodeID, k int, minSimilarity float64) ([]ScoredNode, error) {
	node, err := e.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if !node.HasEmbedding() {
		return nil, nil
	}

	results, err := e.index.Search(ctx, node.Embedding, k+1, minSimilarity)
	if err != nil {
		return nil, err
	}

	txn, err := e.storage.BeginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Discard()

	out := make([]ScoredNode, 0, k)
	for _, r := range results {
		if r.ID == id {
			continue
		}
		if len(out) >= k {
			break
		}
		n, err := txn.GetNode(r.ID)
		if err != nil {
			if cortexerr.KindOf(err) == cortexerr.NotFound {
				continue
			}
			return nil, err
		}
		out = append(out, ScoredNode{Node: n, Score: r.Score})
	}
	return out, nil
}

// GetMeta is a pure read of a small-metadata key (spec.md's examples:
// a "swap_recommended" marker persisted per agent, the vector-index
// repair markers this package itself writes).
func (e *Engine) GetMeta(ctx context.Context, key string) (string, error) {
	txn, err := e.storage.BeginRead(ctx)
	if err != nil {
		return "", err
	}
	defer txn.Discard()
	return txn.Meta(key)
}

// SetMeta persists a small-metadata key outside of any node/edge
// mutation. Does not bump graph_version: meta is bookkeeping, not
// graph content.
func (e *Engine) SetMeta(ctx context.Context, key, value string) error {
	txn, err := e.storage.BeginWrite(ctx)
	if err != nil {
		return err
	}
	defer txn.Discard()
	if err := txn.SetMeta(key, value); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return cortexerr.New("graph.SetMeta", cortexerr.Storage, err)
	}
	return nil
}

// GetNode is a pure read.
func (e *Engine) GetNode(ctx context.Context, id storage.NodeID) (*storage.Node, error) {
	txn, err := e.storage.BeginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Discard()
	return txn.GetNode(id)
}

// GetEdge is a pure read.
func (e *Engine) GetEdge(ctx context.Context, id storage.EdgeID) (*storage.Edge, error) {
	txn, err := e.storage.BeginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Discard()
	return txn.GetEdge(id)
}

// NodesByKind returns every non-deleted node of the given kind. Used
// by packages built above the Graph Engine (pkg/prompt, pkg/briefing)
// that need to enumerate a kind instead of walking edges, so they
// never have to reach into pkg/storage directly.
func (e *Engine) NodesByKind(ctx context.Context, kind string) ([]*storage.Node, error) {
	txn, err := e.storage.BeginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Discard()

	ids, err := txn.NodesByKind(kind)
	if err != nil {
		return nil, err
	}
	out := make([]*storage.Node, 0, len(ids))
	for _, id := range ids {
		n, err := txn.GetNode(id)
		if err != nil {
			if cortexerr.KindOf(err) == cortexerr.NotFound {
				continue
			}
			return nil, err
		}
		if n.Deleted {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// NodesByAgent returns every non-deleted node whose SourceAgent equals
// agent. Used by pkg/briefing's active_context section.
func (e *Engine) NodesByAgent(ctx context.Context, agent string) ([]*storage.Node, error) {
	txn, err := e.storage.BeginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Discard()

	ids, err := txn.NodesByAgent(agent)
	if err != nil {
		return nil, err
	}
	out := make([]*storage.Node, 0, len(ids))
	for _, id := range ids {
		n, err := txn.GetNode(id)
		if err != nil {
			if cortexerr.KindOf(err) == cortexerr.NotFound {
				continue
			}
			return nil, err
		}
		if n.Deleted {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// AllNodes streams every non-deleted node. Used by pkg/briefing's
// unresolved section, which has no secondary index to scan by tag.
func (e *Engine) AllNodes(ctx context.Context) ([]*storage.Node, error) {
	txn, err := e.storage.BeginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Discard()

	var out []*storage.Node
	err = txn.AllNodes(func(n *storage.Node) error {
		if !n.Deleted {
			out = append(out, n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Direction selects which edges ListEdges / Traverse follow.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
	Both
)

// ListEdges returns the edges incident to node in the given direction.
func (e *Engine) ListEdges(ctx context.Context, node storage.NodeID, dir Direction) ([]*storage.Edge, error) {
	txn, err := e.storage.BeginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Discard()
	return e.listEdges(txn, node, dir)
}

func (e *Engine) listEdges(txn storage.ReadTxn, node storage.NodeID, dir Direction) ([]*storage.Edge, error) {
	var ids []storage.EdgeID
	if dir == Outgoing || dir == Both {
		out, err := txn.EdgesFrom(node)
		if err != nil {
			return nil, err
		}
		ids = append(ids, out...)
	}
	if dir == Incoming || dir == Both {
		in, err := txn.EdgesTo(node)
		if err != nil {
			return nil, err
		}
		ids = append(ids, in...)
	}
	edges := make([]*storage.Edge, 0, len(ids))
	for _, id := range ids {
		edge, err := txn.GetEdge(id)
		if err != nil {
			if cortexerr.KindOf(err) == cortexerr.NotFound {
				continue
			}
			return nil, err
		}
		edges = append(edges, edge)
	}
	return edges, nil
}

// Subgraph is the result of a Traverse call.
type Subgraph struct {
	Nodes     []*storage.Node
	Edges     []*storage.Edge
	Truncated bool
}

// Traverse performs a breadth-first walk from start up to depth hops in
// direction dir, capped at traverseNodeBudget visited nodes, reading
// from a single snapshot for consistency.
func (e *Engine) Traverse(ctx context.Context, start storage.NodeID, depth int, dir Direction) (*Subgraph, error) {
	txn, err := e.storage.BeginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Discard()

	startNode, err := txn.GetNode(start)
	if err != nil {
		return nil, err
	}

	visited := map[storage.NodeID]struct{}{start: {}}
	nodes := []*storage.Node{startNode}
	var edges []*storage.Edge
	edgeSeen := map[storage.EdgeID]struct{}{}

	frontier := []storage.NodeID{start}
	truncated := false
	for d := 0; d < depth && len(frontier) > 0; d++ {
		var next []storage.NodeID
		for _, id := range frontier {
			if ctx.Err() != nil {
				return nil, cortexerr.New("graph.Traverse", cortexerr.Cancelled, ctx.Err())
			}
			neighbors, err := e.listEdges(txn, id, dir)
			if err != nil {
				return nil, err
			}
			for _, edge := range neighbors {
				if _, ok := edgeSeen[edge.ID]; !ok {
					edgeSeen[edge.ID] = struct{}{}
					edges = append(edges, edge)
				}
				other := edge.To
				if other == id {
					other = edge.From
				}
				if _, ok := visited[other]; ok {
					continue
				}
				if len(nodes) >= traverseNodeBudget {
					truncated = true
					continue
				}
				n, err := txn.GetNode(other)
				if err != nil {
					if cortexerr.KindOf(err) == cortexerr.NotFound {
						continue
					}
					return nil, err
				}
				visited[other] = struct{}{}
				nodes = append(nodes, n)
				next = append(next, other)
			}
		}
		frontier = next
	}

	return &Subgraph{Nodes: nodes, Edges: edges, Truncated: truncated}, nil
}

// ScoredNode pairs a node with the score a search assigned it.
type ScoredNode struct {
	Node  *storage.Node
	Score float64
}

// SimilaritySearch embeds queryText, probes the vector index for
// k*oversampleFactor candidates, optionally filters by kind, and
// returns the top k.
func (e *Engine) SimilaritySearch(ctx context.Context, queryText string, k int, kindFilter string) ([]ScoredNode, error) {
	vec, err := e.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, cortexerr.New("graph.SimilaritySearch", cortexerr.Storage, err)
	}
	results, err := e.index.Search(ctx, vec, k*oversampleFactor, 0)
	if err != nil {
		return nil, err
	}

	txn, err := e.storage.BeginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Discard()

	out := make([]ScoredNode, 0, k)
	for _, r := range results {
		if len(out) >= k {
			break
		}
		node, err := txn.GetNode(r.ID)
		if err != nil {
			if cortexerr.KindOf(err) == cortexerr.NotFound {
				continue
			}
			return nil, err
		}
		if kindFilter != "" && node.Kind != kindFilter {
			continue
		}
		out = append(out, ScoredNode{Node: node, Score: r.Score})
	}
	return out, nil
}

// hybridDiscount is β in the hop-discounted graph score.
const hybridDiscount = 0.5

// HybridSearch blends a vector-similarity pass with a graph-proximity
// pass: candidates come from the vector index, then each candidate's
// neighborhood is walked up to hops steps, spreading a discounted
// weight-product score to every node reached. The final ranking
// combines both scores with weight alpha.
func (e *Engine) HybridSearch(ctx context.Context, queryText string, k int, alpha float64, hops int) ([]ScoredNode, error) {
	vec, err := e.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, cortexerr.New("graph.HybridSearch", cortexerr.Storage, err)
	}
	candidates, err := e.index.Search(ctx, vec, k*oversampleFactor, 0)
	if err != nil {
		return nil, err
	}

	txn, err := e.storage.BeginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Discard()

	sv := make(map[storage.NodeID]float64, len(candidates))
	for _, c := range candidates {
		sv[c.ID] = c.Score
	}

	sg := make(map[storage.NodeID]float64)
	type frontierEntry struct {
		id      storage.NodeID
		product float64
		hop     int
	}
	for _, c := range candidates {
		queue := []frontierEntry{{id: c.ID, product: 1, hop: 0}}
		for len(queue) > 0 {
			if ctx.Err() != nil {
				return nil, cortexerr.New("graph.HybridSearch", cortexerr.Cancelled, ctx.Err())
			}
			cur := queue[0]
			queue = queue[1:]
			if cur.hop >= hops {
				continue
			}
			edges, err := e.listEdges(txn, cur.id, Outgoing)
			if err != nil {
				return nil, err
			}
			nextHop := cur.hop + 1
			discount := 1.0
			for i := 1; i < nextHop; i++ {
				discount *= hybridDiscount
			}
			for _, edge := range edges {
				product := cur.product * edge.Weight
				sg[edge.To] += product * discount
				queue = append(queue, frontierEntry{id: edge.To, product: product, hop: nextHop})
			}
		}
	}

	ids := make(map[storage.NodeID]struct{}, len(sv)+len(sg))
	for id := range sv {
		ids[id] = struct{}{}
	}
	for id := range sg {
		ids[id] = struct{}{}
	}

	scored := make([]ScoredNode, 0, len(ids))
	for id := range ids {
		node, err := txn.GetNode(id)
		if err != nil {
			if cortexerr.KindOf(err) == cortexerr.NotFound {
				continue
			}
			return nil, err
		}
		score := alpha*sv[id] + (1-alpha)*clip01(sg[id])
		scored = append(scored, ScoredNode{Node: node, Score: score})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Node.ID < scored[j].Node.ID
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func clip01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
