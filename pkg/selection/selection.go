// Package selection implements epsilon-greedy prompt-variant scoring
// for an agent, observation-driven EMA weight updates, and a
// rolling-window rollback detector — spec.md §4.6's "agent selection"
// half of the prompt subsystem. It depends only on the Graph Engine
// and storage types, not on pkg/prompt: a "variant" here is simply
// whatever node an agent's uses edge points at, so this package never
// needs to know about slugs, branches, or version chains.
package selection

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/cortex/pkg/cortexerr"
	"github.com/MikeSquared-Agency/cortex/pkg/graph"
	"github.com/MikeSquared-Agency/cortex/pkg/storage"
)

const (
	relUses       = "uses"
	relPerformed  = "performed"
	relInformedBy = "informed_by"
	relRolledBack = "rolled_back"
	relRolledTo   = "rolled_back_to"
	relSupersedes = "supersedes"
)

// TaskOutcome is the coarse result of whatever the selected prompt was
// used for, per spec.md §4.6's observation model.
type TaskOutcome string

const (
	Success TaskOutcome = "success"
	Partial TaskOutcome = "partial"
	Failure TaskOutcome = "failure"
)

func (o TaskOutcome) value() float64 {
	switch o {
	case Success:
		return 1.0
	case Partial:
		return 0.5
	default:
		return 0.0
	}
}

// taskTypes is the closed set of Signals.TaskType values that expand
// to one-hot task_* signals.
var taskTypes = []string{"coding", "planning", "casual", "crisis", "reflection"}

// Signals is the context an agent observes at selection time.
type Signals struct {
	Sentiment      float64
	TaskType       string
	CorrectionRate float64
	TopicShift     float64
	Energy         float64
}

func (s Signals) asMap() map[string]float64 {
	m := map[string]float64{
		"sentiment":            s.Sentiment,
		"user_pleased":         s.Sentiment,
		"user_frustrated":      1 - s.Sentiment,
		"correction_rate":      s.CorrectionRate,
		"correction_rate_high": s.CorrectionRate,
		"topic_shift":          s.TopicShift,
		"topic_shift_high":     s.TopicShift,
		"energy":               s.Energy,
		"energy_high":          s.Energy,
	}
	for _, t := range taskTypes {
		v := 0.0
		if s.TaskType == t {
			v = 1
		}
		m["task_"+t] = v
	}
	return m
}

// Variant is a scored candidate from one Select call.
type Variant struct {
	Node  *storage.Node
	Edge  *storage.Edge
	Score float64
}

// Config tunes one Selector.
type Config struct {
	Epsilon           float64
	EMAAlpha          float64
	RollbackThreshold float64
	RollbackEnabled   bool
	RollbackWindow    int
}

// Selector runs epsilon-greedy selection and observation-driven
// learning over a Graph Engine.
type Selector struct {
	graph *graph.Engine
	cfg   Config

	rngMu sync.Mutex
	rng   *rand.Rand

	windowsMu sync.Mutex
	windows   map[storage.EdgeID][]float64
}

// New constructs a Selector over g.
func New(g *graph.Engine, cfg Config) *Selector {
	if cfg.RollbackWindow <= 0 {
		cfg.RollbackWindow = 10
	}
	if cfg.EMAAlpha <= 0 {
		cfg.EMAAlpha = 0.1
	}
	return &Selector{
		graph:   g,
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		windows: make(map[storage.EdgeID][]float64),
	}
}

func metaKey(agent storage.NodeID) string { return "selection:last_selected:" + string(agent) }

// Select scores every variant bound to agent via a uses edge, returns
// the chosen one, and reports whether it differs from the agent's
// previously selected variant (swap_recommended).
func (s *Selector) Select(ctx context.Context, agent storage.NodeID, signals Signals) (*Variant, bool, error) {
	edges, err := s.graph.ListEdges(ctx, agent, graph.Outgoing)
	if err != nil {
		return nil, false, err
	}

	sigs := signals.asMap()
	type scored struct {
		edge  *storage.Edge
		node  *storage.Node
		score float64
	}
	var candidates []scored
	for _, e := range edges {
		if e.Relation != relUses {
			continue
		}
		node, err := s.graph.GetNode(ctx, e.To)
		if err != nil {
			if cortexerr.KindOf(err) == cortexerr.NotFound {
				continue
			}
			return nil, false, err
		}
		fit := contextFit(node, sigs)
		score := 0.5*e.Weight + 0.5*fit
		candidates = append(candidates, scored{edge: e, node: node, score: score})
	}
	if len(candidates) == 0 {
		return nil, false, cortexerr.Newf("selection.Select", cortexerr.NotFound, "agent %s has no uses edges", agent)
	}

	s.rngMu.Lock()
	explore := s.rng.Float64() < s.cfg.Epsilon
	var idx int
	if explore {
		idx = s.rng.Intn(len(candidates))
	}
	s.rngMu.Unlock()

	var chosen scored
	if explore {
		chosen = candidates[idx]
	} else {
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].score != candidates[j].score {
				return candidates[i].score > candidates[j].score
			}
			if candidates[i].edge.Weight != candidates[j].edge.Weight {
				return candidates[i].edge.Weight > candidates[j].edge.Weight
			}
			return candidates[i].node.ID < candidates[j].node.ID
		})
		chosen = candidates[0]
	}

	prev, _ := s.graph.GetMeta(ctx, metaKey(agent))
	swap := prev != "" && prev != string(chosen.node.ID)
	if err := s.graph.SetMeta(ctx, metaKey(agent), string(chosen.node.ID)); err != nil {
		return nil, false, err
	}

	return &Variant{Node: chosen.node, Edge: chosen.edge, Score: chosen.score}, swap, nil
}

// contextFit implements spec.md §4.6's context_fit formula, reading
// context_weights from the candidate node's generic Metadata (a JSON
// object stored under "context_weights", written via SetContextWeights).
// Missing or unparseable weights default to 0.5.
func contextFit(node *storage.Node, signals map[string]float64) float64 {
	raw, ok := node.Metadata["context_weights"]
	if !ok || raw == "" {
		return 0.5
	}
	var weights map[string]float64
	if err := json.Unmarshal([]byte(raw), &weights); err != nil || len(weights) == 0 {
		return 0.5
	}
	var num, den float64
	for signal, w := range weights {
		num += w * signals[signal]
		den += math.Abs(w)
	}
	if den == 0 {
		return 0.5
	}
	x := num / den
	if x > 1 {
		x = 1
	}
	if x < -1 {
		x = -1
	}
	return (x + 1) / 2
}

// SetContextWeights writes node's context_weights into its generic
// Metadata as a JSON blob, for contextFit to read at selection time.
func (s *Selector) SetContextWeights(ctx context.Context, node storage.NodeID, weights map[string]float64) error {
	raw, err := json.Marshal(weights)
	if err != nil {
		return cortexerr.New("selection.SetContextWeights", cortexerr.Internal, err)
	}
	n, err := s.graph.GetNode(ctx, node)
	if err != nil {
		return err
	}
	meta := make(map[string]string, len(n.Metadata)+1)
	for k, v := range n.Metadata {
		meta[k] = v
	}
	meta["context_weights"] = string(raw)
	_, err = s.graph.UpdateNode(ctx, node, graph.NodePatch{Metadata: &meta})
	return err
}

// ObserveResult reports what Observe did.
type ObserveResult struct {
	ObservationScore float64
	NewWeight        float64
	RolledBack       bool
	RolledBackTo     storage.NodeID
}

// Observe records an outcome for (agent, variant): computes the
// observation score, writes an observation node and its edges, EMA-
// updates the uses edge's weight, and runs the rollback detector.
func (s *Selector) Observe(ctx context.Context, agent, variant storage.NodeID, sentiment float64, correctionCount int, outcome TaskOutcome, tokenCost float64) (ObserveResult, error) {
	edges, err := s.graph.ListEdges(ctx, agent, graph.Outgoing)
	if err != nil {
		return ObserveResult{}, err
	}
	var usesEdge *storage.Edge
	for _, e := range edges {
		if e.Relation == relUses && e.To == variant {
			usesEdge = e
			break
		}
	}
	if usesEdge == nil {
		return ObserveResult{}, cortexerr.Newf("selection.Observe", cortexerr.NotFound, "agent %s has no uses edge to %s", agent, variant)
	}

	correctionPenalty := math.Min(float64(correctionCount)*0.1, 1.0)
	score := 0.5*sentiment + 0.3*(1-correctionPenalty) + 0.2*outcome.value()

	obsMeta := map[string]string{
		"variant_id":       string(variant),
		"sentiment_score":  strconv.FormatFloat(sentiment, 'f', -1, 64),
		"correction_count": strconv.Itoa(correctionCount),
		"task_outcome":     string(outcome),
		"token_cost":       strconv.FormatFloat(tokenCost, 'f', -1, 64),
	}
	obs, err := s.graph.CreateNode(ctx, "observation", "observation", "", 0, nil, string(agent), obsMeta)
	if err != nil {
		return ObserveResult{}, err
	}
	if _, err := s.graph.CreateEdge(ctx, agent, obs.ID, relPerformed, 1.0); err != nil {
		return ObserveResult{}, err
	}
	if _, err := s.graph.CreateEdge(ctx, obs.ID, variant, relInformedBy, 1.0); err != nil {
		return ObserveResult{}, err
	}

	newWeight := (1-s.cfg.EMAAlpha)*usesEdge.Weight + s.cfg.EMAAlpha*score
	if err := s.graph.UpdateEdgeWeight(ctx, usesEdge.ID, newWeight, time.Now()); err != nil {
		return ObserveResult{}, err
	}

	result := ObserveResult{ObservationScore: score, NewWeight: newWeight}
	if s.cfg.RollbackEnabled {
		rolledTo, rolledBack, err := s.checkRollback(ctx, agent, variant, usesEdge.ID, newWeight, score)
		if err != nil {
			return result, err
		}
		result.RolledBack = rolledBack
		result.RolledBackTo = rolledTo
	}
	return result, nil
}

// checkRollback maintains a rolling window of observation scores per
// uses edge. Once full, if mean+stddev falls below RollbackThreshold,
// it finds the predecessor version via an incoming supersedes edge,
// marks variant inactive (rolled_back / rolled_back_to), and rebinds
// the agent's uses edge to the predecessor at the same weight — this
// is how "selection henceforth resolves to the predecessor" is
// realized without pkg/selection depending on pkg/prompt (see
// DESIGN.md's Open Question decision).
func (s *Selector) checkRollback(ctx context.Context, agent, variant storage.NodeID, usesEdgeID storage.EdgeID, usesWeight, score float64) (storage.NodeID, bool, error) {
	s.windowsMu.Lock()
	window := append(s.windows[usesEdgeID], score)
	if len(window) > s.cfg.RollbackWindow {
		window = window[len(window)-s.cfg.RollbackWindow:]
	}
	s.windows[usesEdgeID] = window
	full := len(window) == s.cfg.RollbackWindow
	snapshot := append([]float64(nil), window...)
	s.windowsMu.Unlock()

	if !full {
		return "", false, nil
	}
	mean, stddev := meanStddev(snapshot)
	if mean+stddev >= s.cfg.RollbackThreshold {
		return "", false, nil
	}

	incoming, err := s.graph.ListEdges(ctx, variant, graph.Incoming)
	if err != nil {
		return "", false, err
	}
	var predecessor storage.NodeID
	for _, e := range incoming {
		if e.Relation == relSupersedes {
			predecessor = e.From
			break
		}
	}
	if predecessor == "" {
		return "", false, nil
	}

	if _, err := s.graph.CreateEdge(ctx, variant, predecessor, relRolledBack, 1.0); err != nil {
		return "", false, err
	}
	if _, err := s.graph.CreateEdge(ctx, variant, predecessor, relRolledTo, 1.0); err != nil {
		return "", false, err
	}
	if err := s.graph.DeleteEdgeDirect(ctx, usesEdgeID); err != nil {
		return "", false, err
	}
	if _, err := s.graph.CreateEdge(ctx, agent, predecessor, relUses, usesWeight); err != nil {
		return "", false, err
	}

	s.windowsMu.Lock()
	delete(s.windows, usesEdgeID)
	s.windowsMu.Unlock()

	return predecessor, true, nil
}

func meanStddev(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	if len(xs) < 2 {
		return mean, 0
	}
	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(xs)-1))
}
