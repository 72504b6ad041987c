// Package briefing renders a per-agent summary of the graph — spec.md
// §4.7's fixed-order sections, deduped against a shared seen-ids set,
// trimmed to a token budget, and cached against the graph's mutation
// counter so a briefing only ever goes stale on a real write.
package briefing

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/cortex/pkg/cache"
	"github.com/MikeSquared-Agency/cortex/pkg/config"
	"github.com/MikeSquared-Agency/cortex/pkg/cortexerr"
	"github.com/MikeSquared-Agency/cortex/pkg/graph"
	"github.com/MikeSquared-Agency/cortex/pkg/storage"
)

// sectionOrder is spec.md §4.7's fixed rendering order.
var sectionOrder = []string{"identity", "goals", "patterns", "unresolved", "active_context"}

const (
	relRelatesTo  = "relates_to"
	relUses       = "uses"
	relContradicts = "contradicts"
	tagUnresolved = "unresolved"

	kindGoal    = "goal"
	kindPattern = "pattern"
	kindAgent   = "agent"

	patternLambdaPerDay       = 1.0 / 30.0
	activeContextLambdaPerDay = 1.0 / 7.0

	patternHopBudget = 2

	// approxWordsToTokens matches spec.md's ≈ words·1.3 token estimate.
	approxWordsToTokens = 1.3

	defaultCacheSize = 64
)

// Section is one rendered section of a briefing.
type Section struct {
	Name string
	Body string
}

// Result is a rendered briefing.
type Result struct {
	Text     string
	Sections []Section
}

// Engine renders and caches briefings over a Graph Engine.
type Engine struct {
	graph *graph.Engine
	cache *cache.VersionedCache
	cfg   config.BriefingConfig
}

// New constructs a briefing Engine. A nil cache allocates a default-
// sized one.
func New(g *graph.Engine, c *cache.VersionedCache, cfg config.BriefingConfig) *Engine {
	if c == nil {
		c = cache.NewVersionedCache(defaultCacheSize)
	}
	return &Engine{graph: g, cache: c, cfg: cfg}
}

// PreWarm renders and caches a default-budget briefing for every agent
// named in cfg.PreWarmAgents, per spec.md's startup pre-warming note.
// Errors for individual agents are swallowed (degrade, don't abort
// startup) since a missing agent node just yields an empty briefing.
func (e *Engine) PreWarm(ctx context.Context) {
	for _, agentID := range e.cfg.PreWarmAgents {
		_, _ = e.Brief(ctx, agentID, e.cfg.MaxTokens)
	}
}

func (e *Engine) activeSections() []string {
	if len(e.cfg.Sections) == 0 {
		return sectionOrder
	}
	allowed := make(map[string]struct{}, len(e.cfg.Sections))
	for _, s := range e.cfg.Sections {
		allowed[s] = struct{}{}
	}
	out := make([]string, 0, len(sectionOrder))
	for _, s := range sectionOrder {
		if _, ok := allowed[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

func sectionsSignature(sections []string) string {
	return strings.Join(sections, ",")
}

// Brief renders (or returns a cached) briefing for agentID within
// maxTokens. On any non-fatal error building a later section, it
// degrades to whatever sections already rendered (identity-only in
// the worst case) rather than failing the whole call.
func (e *Engine) Brief(ctx context.Context, agentID string, maxTokens int) (*Result, error) {
	if maxTokens <= 0 {
		maxTokens = 2000
	}
	sections := e.activeSections()
	bucket := tokenBucket(maxTokens)
	key := cache.Key(agentID, bucket, sectionsSignature(sections))

	version := e.graph.GraphVersion()
	if cached, ok := e.cache.Get(key, version); ok {
		if result, ok := cached.(*Result); ok {
			return result, nil
		}
	}

	result := e.render(ctx, agentID, maxTokens, sections)
	e.cache.Put(key, version, result)
	return result, nil
}

func tokenBucket(maxTokens int) string {
	return strconv.Itoa((maxTokens / 100) * 100)
}

type renderer struct {
	graph    *graph.Engine
	agentID  string
	seenIDs  map[storage.NodeID]struct{}
	budget   int
	used     int
	identity *storage.Node
}

func (e *Engine) render(ctx context.Context, agentID string, maxTokens int, sections []string) *Result {
	r := &renderer{
		graph:   e.graph,
		agentID: agentID,
		seenIDs: make(map[storage.NodeID]struct{}),
		budget:  maxTokens,
	}

	var rendered []Section
	for _, name := range sections {
		if r.used >= r.budget {
			break
		}
		nodes, err := r.collect(ctx, name)
		if err != nil {
			// Degrade: stop adding sections, keep what rendered so far.
			break
		}
		section, ok := r.renderSection(name, nodes)
		if !ok {
			continue
		}
		rendered = append(rendered, section)
	}

	var b strings.Builder
	for i, s := range rendered {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(s.Body)
	}
	return &Result{Text: b.String(), Sections: rendered}
}

func (r *renderer) collect(ctx context.Context, name string) ([]*storage.Node, error) {
	switch name {
	case "identity":
		return r.collectIdentity(ctx)
	case "goals":
		return r.collectGoals(ctx)
	case "patterns":
		return r.collectPatterns(ctx)
	case "unresolved":
		return r.collectUnresolved(ctx)
	case "active_context":
		return r.collectActiveContext(ctx)
	default:
		return nil, nil
	}
}

func (r *renderer) collectIdentity(ctx context.Context) ([]*storage.Node, error) {
	agents, err := r.graph.NodesByKind(ctx, kindAgent)
	if err != nil {
		return nil, err
	}
	for _, n := range agents {
		if n.Title == r.agentID || n.Metadata["agent_id"] == r.agentID {
			r.identity = n
			return []*storage.Node{n}, nil
		}
	}
	return nil, nil
}

func (r *renderer) collectGoals(ctx context.Context) ([]*storage.Node, error) {
	if r.identity == nil {
		return nil, nil
	}
	edges, err := r.graph.ListEdges(ctx, r.identity.ID, graph.Outgoing)
	if err != nil {
		return nil, err
	}
	var goals []*storage.Node
	for _, e := range edges {
		if e.Relation != relRelatesTo && e.Relation != relUses {
			continue
		}
		n, err := r.graph.GetNode(ctx, e.To)
		if err != nil {
			if cortexerr.KindOf(err) == cortexerr.NotFound {
				continue
			}
			return nil, err
		}
		if n.Kind != kindGoal || n.Deleted {
			continue
		}
		goals = append(goals, n)
	}
	sort.SliceStable(goals, func(i, j int) bool {
		if goals[i].Importance != goals[j].Importance {
			return goals[i].Importance > goals[j].Importance
		}
		return goals[i].CreatedAt.After(goals[j].CreatedAt)
	})
	return goals, nil
}

func (r *renderer) collectPatterns(ctx context.Context) ([]*storage.Node, error) {
	if r.identity == nil {
		return nil, nil
	}
	byAgent, err := r.graph.NodesByAgent(ctx, r.agentID)
	if err != nil {
		return nil, err
	}
	candidates := make(map[storage.NodeID]*storage.Node)
	for _, n := range byAgent {
		if n.Kind == kindPattern {
			candidates[n.ID] = n
		}
	}

	sub, err := r.graph.Traverse(ctx, r.identity.ID, patternHopBudget, graph.Both)
	if err != nil {
		return nil, err
	}
	for _, n := range sub.Nodes {
		if n.Kind == kindPattern {
			candidates[n.ID] = n
		}
	}

	now := time.Now()
	patterns := make([]*storage.Node, 0, len(candidates))
	for _, n := range candidates {
		patterns = append(patterns, n)
	}
	sort.SliceStable(patterns, func(i, j int) bool {
		return patternScore(patterns[i], now) > patternScore(patterns[j], now)
	})
	return patterns, nil
}

func patternScore(n *storage.Node, now time.Time) float64 {
	return n.Importance * recencyDecay(n.CreatedAt, now, patternLambdaPerDay)
}

func (r *renderer) collectUnresolved(ctx context.Context) ([]*storage.Node, error) {
	all, err := r.graph.AllNodes(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[storage.NodeID]struct{})
	var unresolved []*storage.Node
	for _, n := range all {
		if hasTag(n.Tags, tagUnresolved) {
			seen[n.ID] = struct{}{}
			unresolved = append(unresolved, n)
			continue
		}
		incoming, err := r.graph.ListEdges(ctx, n.ID, graph.Incoming)
		if err != nil {
			return nil, err
		}
		for _, e := range incoming {
			if e.Relation == relContradicts {
				if _, ok := seen[n.ID]; !ok {
					seen[n.ID] = struct{}{}
					unresolved = append(unresolved, n)
				}
				break
			}
		}
	}
	sort.SliceStable(unresolved, func(i, j int) bool {
		return unresolved[i].CreatedAt.After(unresolved[j].CreatedAt)
	})
	return unresolved, nil
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (r *renderer) collectActiveContext(ctx context.Context) ([]*storage.Node, error) {
	byAgent, err := r.graph.NodesByAgent(ctx, r.agentID)
	if err != nil {
		return nil, err
	}
	candidates := make(map[storage.NodeID]*storage.Node, len(byAgent))
	for _, n := range byAgent {
		candidates[n.ID] = n
	}

	if r.identity != nil {
		incoming, err := r.graph.ListEdges(ctx, r.identity.ID, graph.Incoming)
		if err != nil {
			return nil, err
		}
		for _, e := range incoming {
			n, err := r.graph.GetNode(ctx, e.From)
			if err != nil {
				if cortexerr.KindOf(err) == cortexerr.NotFound {
					continue
				}
				return nil, err
			}
			if !n.Deleted {
				candidates[n.ID] = n
			}
		}
	}

	now := time.Now()
	out := make([]*storage.Node, 0, len(candidates))
	for _, n := range candidates {
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return activeContextScore(out[i], now) > activeContextScore(out[j], now)
	})
	return out, nil
}

func activeContextScore(n *storage.Node, now time.Time) float64 {
	return n.Importance * recencyDecay(n.CreatedAt, now, activeContextLambdaPerDay)
}

// recencyDecay computes e^(-λ·age_in_days), the exponential-decay
// weight spec.md §4.7 names for the patterns and active_context
// sections.
func recencyDecay(createdAt, now time.Time, lambdaPerDay float64) float64 {
	ageDays := now.Sub(createdAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Exp(-lambdaPerDay * ageDays)
}

// renderSection formats nodes as headed markdown, skipping ids already
// in seenIDs, adding newly selected ids before returning, and
// truncating against the remaining token budget. Returns ok=false if
// nothing new to add (section omitted entirely).
func (r *renderer) renderSection(name string, nodes []*storage.Node) (Section, bool) {
	var fresh []*storage.Node
	for _, n := range nodes {
		if _, ok := r.seenIDs[n.ID]; ok {
			continue
		}
		fresh = append(fresh, n)
	}
	if len(fresh) == 0 {
		return Section{}, false
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n", name)
	added := false
	for _, n := range fresh {
		line := fmt.Sprintf("- %s: %s\n", n.Title, n.Body)
		lineTokens := estimateTokens(line)
		if r.used+lineTokens > r.budget && added {
			break
		}
		b.WriteString(line)
		r.seenIDs[n.ID] = struct{}{}
		r.used += lineTokens
		added = true
		if r.used >= r.budget {
			break
		}
	}
	if !added {
		return Section{}, false
	}
	return Section{Name: name, Body: strings.TrimRight(b.String(), "\n")}, true
}

func estimateTokens(s string) int {
	words := len(strings.Fields(s))
	return int(math.Ceil(float64(words) * approxWordsToTokens))
}
