// Package autolinker runs the background cycle that keeps similar_to
// edges in sync with the vector index: it drains the Graph Engine's
// changed-node backlog, discovers or reinforces similarity edges for
// each one, enforces the per-node edge cap, deduplicates redundant
// edges, and decays everything it touched. The worker loop is built in
// the same shape as the teacher's embed queue: a cancellable
// background goroutine woken by either a ticker or an explicit
// trigger, with its own stats snapshot and a graceful Close.
package autolinker

import (
	"context"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MikeSquared-Agency/cortex/pkg/cortexerr"
	"github.com/MikeSquared-Agency/cortex/pkg/decay"
	"github.com/MikeSquared-Agency/cortex/pkg/graph"
	"github.com/MikeSquared-Agency/cortex/pkg/storage"
)

// similarTo is the only relation the Auto-Linker creates or reinforces.
const similarTo = "similar_to"

// ReinforceStep is how much weight a repeated similarity discovery
// adds to an existing similar_to edge, capped at 1.0.
const ReinforceStep = 0.05

// State names a phase of one Auto-Linker cycle.
type State int

const (
	Idle State = iota
	Draining
	Linking
	Deduping
	Decaying
)

func (s State) String() string {
	switch s {
	case Draining:
		return "draining"
	case Linking:
		return "linking"
	case Deduping:
		return "deduping"
	case Decaying:
		return "decaying"
	default:
		return "idle"
	}
}

// ContradictionRule reports whether candidate contradicts node. The
// registry starts empty; callers Register the rules their domain
// needs. A rule firing produces a contradicts edge instead of a
// similar_to one, so the cap and dedup passes, which only handle
// similar_to edges, leave it alone.
type ContradictionRule func(node, candidate *storage.Node) bool

// Config tunes one Auto-Linker. BatchSize <= 0 drains the entire
// backlog each cycle.
type Config struct {
	Interval            time.Duration
	SimilarityThreshold float64
	MaxEdgesPerNode     int
	MinWeight           float64
	BatchSize           int
}

// Stats is a point-in-time snapshot of cumulative Auto-Linker counters.
type Stats struct {
	Cycles          uint64
	NodesProcessed  uint64
	EdgesCreated    uint64
	EdgesReinforced uint64
	EdgesPruned     uint64
}

type counters struct {
	cycles          atomic.Uint64
	nodesProcessed  atomic.Uint64
	edgesCreated    atomic.Uint64
	edgesReinforced atomic.Uint64
	edgesPruned     atomic.Uint64
}

// Linker owns the background cycle. Construct with New, start it with
// Start, and stop it with Close.
type Linker struct {
	graph   *graph.Engine
	decay   *decay.Registry
	cfg     Config
	rules   []ContradictionRule
	rulesMu sync.RWMutex

	state atomic.Int32
	stats counters

	ctx     context.Context
	cancel  context.CancelFunc
	trigger chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// New constructs a Linker over g, using registry for the decay pass.
// registry may be nil, in which case decay.NewRegistry's defaults
// apply.
func New(g *graph.Engine, registry *decay.Registry, cfg Config) *Linker {
	if registry == nil {
		registry = decay.NewRegistry()
	}
	if cfg.MinWeight <= 0 {
		cfg.MinWeight = decay.DefaultMinWeight
	}
	return &Linker{
		graph:   g,
		decay:   registry,
		cfg:     cfg,
		trigger: make(chan struct{}, 1),
	}
}

// Register adds a contradiction rule. Safe to call before or after
// Start.
func (l *Linker) Register(rule ContradictionRule) {
	l.rulesMu.Lock()
	defer l.rulesMu.Unlock()
	l.rules = append(l.rules, rule)
}

// State returns the phase the current (or most recent) cycle is in.
func (l *Linker) State() State { return State(l.state.Load()) }

// Stats returns a snapshot of cumulative counters.
func (l *Linker) Stats() Stats {
	return Stats{
		Cycles:          l.stats.cycles.Load(),
		NodesProcessed:  l.stats.nodesProcessed.Load(),
		EdgesCreated:    l.stats.edgesCreated.Load(),
		EdgesReinforced: l.stats.edgesReinforced.Load(),
		EdgesPruned:     l.stats.edgesPruned.Load(),
	}
}

// Start launches the background worker loop. Safe to call once.
func (l *Linker) Start(ctx context.Context) {
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go l.worker()
}

// Trigger wakes the worker loop immediately instead of waiting for the
// next tick. Non-blocking: a pending trigger is not duplicated.
func (l *Linker) Trigger() {
	select {
	case l.trigger <- struct{}{}:
	default:
	}
}

// Close stops the worker loop and waits for it to exit. Safe to call
// even if Start was never called.
func (l *Linker) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
	return nil
}

func (l *Linker) worker() {
	defer l.wg.Done()
	interval := l.cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-l.trigger:
			l.runCycleLogged()
		case <-ticker.C:
			l.runCycleLogged()
		}
	}
}

func (l *Linker) runCycleLogged() {
	if _, err := l.RunCycle(l.ctx); err != nil {
		log.Printf("autolinker: cycle aborted: %v", err)
	}
}

// RunCycle drives one full Idle -> Draining -> Linking -> Deduping ->
// Decaying -> Idle pass synchronously, returning the stats for this
// cycle alone. Exported so a caller can run a cycle on demand, e.g.
// from cmd/cortex or a test, without waiting on the ticker.
func (l *Linker) RunCycle(ctx context.Context) (Stats, error) {
	before := l.Stats()
	if err := ctx.Err(); err != nil {
		return Stats{}, cortexerr.New("autolinker.RunCycle", cortexerr.Cancelled, err)
	}
	// A cycle that has started runs to completion even if ctx is
	// cancelled; cancellation takes effect at the next cycle boundary.
	ctx = context.WithoutCancel(ctx)

	l.state.Store(int32(Draining))
	ids := l.graph.DrainBacklog(l.cfg.BatchSize)

	touched := make(map[storage.NodeID]struct{}, len(ids))

	l.state.Store(int32(Linking))
	for _, id := range ids {
		if err := l.linkOne(ctx, id, touched); err != nil {
			if cortexerr.Is(err, cortexerr.NotFound) || cortexerr.Is(err, cortexerr.Invalid) {
				log.Printf("autolinker: skipping node %s: %v", id, err)
				continue
			}
			l.state.Store(int32(Idle))
			return l.delta(before), err
		}
	}

	l.state.Store(int32(Deduping))
	if err := l.dedupScoped(ctx, touched); err != nil {
		l.state.Store(int32(Idle))
		return l.delta(before), err
	}

	l.state.Store(int32(Decaying))
	if err := l.decayScoped(ctx, touched); err != nil {
		l.state.Store(int32(Idle))
		return l.delta(before), err
	}

	l.state.Store(int32(Idle))
	l.stats.cycles.Add(1)
	return l.delta(before), nil
}

func (l *Linker) delta(before Stats) Stats {
	after := l.Stats()
	return Stats{
		Cycles:          after.Cycles - before.Cycles,
		NodesProcessed:  after.NodesProcessed - before.NodesProcessed,
		EdgesCreated:    after.EdgesCreated - before.EdgesCreated,
		EdgesReinforced: after.EdgesReinforced - before.EdgesReinforced,
		EdgesPruned:     after.EdgesPruned - before.EdgesPruned,
	}
}

// linkOne runs steps 2, 3, and 6 of the cycle for a single changed
// node: discover/reinforce similar_to edges, enforce the per-node cap,
// then check contradiction rules against the same neighbor set.
func (l *Linker) linkOne(ctx context.Context, id storage.NodeID, touched map[storage.NodeID]struct{}) error {
	node, err := l.graph.GetNode(ctx, id)
	if err != nil {
		return err
	}
	if node.Deleted || !node.HasEmbedding() {
		return nil
	}

	neighbors, err := l.graph.SearchNeighbors(ctx, id, l.cfg.MaxEdgesPerNode+1, l.cfg.SimilarityThreshold)
	if err != nil {
		return err
	}
	l.stats.nodesProcessed.Add(1)
	touched[id] = struct{}{}

	existing, err := l.graph.ListEdges(ctx, id, graph.Outgoing)
	if err != nil {
		return err
	}
	byTarget := make(map[storage.NodeID]*storage.Edge, len(existing))
	for _, e := range existing {
		if e.Relation == similarTo {
			byTarget[e.To] = e
		}
	}

	now := time.Now()
	for _, cand := range neighbors {
		touched[cand.Node.ID] = struct{}{}
		if edge, ok := byTarget[cand.Node.ID]; ok {
			newWeight := edge.Weight + ReinforceStep
			if newWeight > 1 {
				newWeight = 1
			}
			if err := l.graph.UpdateEdgeWeight(ctx, edge.ID, newWeight, now); err != nil {
				return err
			}
			l.stats.edgesReinforced.Add(1)
			continue
		}
		weight := cand.Score
		if weight > 1 {
			weight = 1
		}
		if weight < 0 {
			weight = 0
		}
		if _, err := l.graph.CreateEdge(ctx, id, cand.Node.ID, similarTo, weight); err != nil {
			return err
		}
		l.stats.edgesCreated.Add(1)
	}

	if err := l.enforceCap(ctx, id); err != nil {
		return err
	}

	l.checkContradictions(ctx, node, neighbors)
	return nil
}

// enforceCap satisfies I6: a node may have at most MaxEdgesPerNode
// outgoing similar_to edges. Excess is pruned lowest-weight first.
func (l *Linker) enforceCap(ctx context.Context, id storage.NodeID) error {
	if l.cfg.MaxEdgesPerNode <= 0 {
		return nil
	}
	edges, err := l.graph.ListEdges(ctx, id, graph.Outgoing)
	if err != nil {
		return err
	}
	var sim []*storage.Edge
	for _, e := range edges {
		if e.Relation == similarTo {
			sim = append(sim, e)
		}
	}
	if len(sim) <= l.cfg.MaxEdgesPerNode {
		return nil
	}
	sort.Slice(sim, func(i, j int) bool { return sim[i].Weight < sim[j].Weight })
	excess := len(sim) - l.cfg.MaxEdgesPerNode
	for i := 0; i < excess; i++ {
		if err := l.graph.DeleteEdgeDirect(ctx, sim[i].ID); err != nil {
			return err
		}
		l.stats.edgesPruned.Add(1)
	}
	return nil
}

// checkContradictions fires registered rules against the candidates
// surfaced for node, creating a contradicts edge for any that trip one.
func (l *Linker) checkContradictions(ctx context.Context, node *storage.Node, neighbors []graph.ScoredNode) {
	l.rulesMu.RLock()
	rules := l.rules
	l.rulesMu.RUnlock()
	if len(rules) == 0 {
		return
	}

	existing, err := l.graph.ListEdges(ctx, node.ID, graph.Outgoing)
	if err != nil {
		return
	}
	hasContradicts := make(map[storage.NodeID]struct{}, len(existing))
	for _, e := range existing {
		if e.Relation == "contradicts" {
			hasContradicts[e.To] = struct{}{}
		}
	}

	for _, cand := range neighbors {
		if _, ok := hasContradicts[cand.Node.ID]; ok {
			continue
		}
		for _, rule := range rules {
			if rule(node, cand.Node) {
				_, _ = l.graph.CreateEdge(ctx, node.ID, cand.Node.ID, "contradicts", 1.0)
				break
			}
		}
	}
}

// dedupScoped collapses duplicate similar_to edges between any pair of
// touched nodes down to the single highest-weight edge, in either
// direction, and drops edges whose endpoints no longer resolve.
func (l *Linker) dedupScoped(ctx context.Context, touched map[storage.NodeID]struct{}) error {
	type pairEdges struct {
		keep *storage.Edge
		all  []*storage.Edge
	}
	pairs := make(map[[2]storage.NodeID]*pairEdges)

	seenEdge := make(map[storage.EdgeID]struct{})
	for id := range touched {
		edges, err := l.graph.ListEdges(ctx, id, graph.Both)
		if err != nil {
			return err
		}
		for _, e := range edges {
			if e.Relation != similarTo {
				continue
			}
			if _, ok := seenEdge[e.ID]; ok {
				continue
			}
			seenEdge[e.ID] = struct{}{}

			gone := false
			for _, end := range []storage.NodeID{e.From, e.To} {
				n, err := l.graph.GetNode(ctx, end)
				if cortexerr.Is(err, cortexerr.NotFound) || (err == nil && n.Deleted) {
					gone = true
				} else if err != nil {
					return err
				}
			}
			if gone {
				if err := l.graph.DeleteEdgeDirect(ctx, e.ID); err != nil {
					return err
				}
				l.stats.edgesPruned.Add(1)
				continue
			}

			key := pairKey(e.From, e.To)
			pe, ok := pairs[key]
			if !ok {
				pe = &pairEdges{}
				pairs[key] = pe
			}
			pe.all = append(pe.all, e)
		}
	}

	for _, pe := range pairs {
		if len(pe.all) <= 1 {
			continue
		}
		best := pe.all[0]
		for _, e := range pe.all[1:] {
			if e.Weight > best.Weight {
				best = e
			}
		}
		for _, e := range pe.all {
			if e.ID == best.ID {
				continue
			}
			if err := l.graph.DeleteEdgeDirect(ctx, e.ID); err != nil {
				return err
			}
			l.stats.edgesPruned.Add(1)
		}
	}
	return nil
}

func pairKey(a, b storage.NodeID) [2]storage.NodeID {
	if a < b {
		return [2]storage.NodeID{a, b}
	}
	return [2]storage.NodeID{b, a}
}

// decayScoped applies one decay step to every edge incident to a
// touched node, pruning anything that falls below MinWeight. Edges
// reinforced earlier in this same cycle have a fresh LastAccessedAt,
// so they decay by roughly nothing; only edges untouched since a
// previous cycle actually fade.
func (l *Linker) decayScoped(ctx context.Context, touched map[storage.NodeID]struct{}) error {
	now := time.Now()
	seen := make(map[storage.EdgeID]struct{})
	for id := range touched {
		edges, err := l.graph.ListEdges(ctx, id, graph.Both)
		if err != nil {
			return err
		}
		for _, e := range edges {
			if _, ok := seen[e.ID]; ok {
				continue
			}
			seen[e.ID] = struct{}{}

			elapsed := now.Sub(e.LastAccessedAt).Seconds()
			newWeight := decay.Apply(e.Weight, e.Relation, elapsed, l.decay)
			if newWeight == e.Weight {
				continue
			}
			if newWeight < l.cfg.MinWeight {
				if err := l.graph.DeleteEdgeDirect(ctx, e.ID); err != nil {
					return err
				}
				l.stats.edgesPruned.Add(1)
				continue
			}
			if err := l.graph.UpdateEdgeWeight(ctx, e.ID, newWeight, e.LastAccessedAt); err != nil {
				return err
			}
		}
	}
	return nil
}
