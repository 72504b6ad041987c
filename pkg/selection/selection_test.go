package selection_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/cortex/pkg/embed"
	"github.com/MikeSquared-Agency/cortex/pkg/graph"
	"github.com/MikeSquared-Agency/cortex/pkg/index"
	"github.com/MikeSquared-Agency/cortex/pkg/selection"
	"github.com/MikeSquared-Agency/cortex/pkg/storage"
)

const testDims = 32

func newEngine(t *testing.T) *graph.Engine {
	t.Helper()
	store := storage.NewMemoryEngine()
	t.Cleanup(func() { store.Close() })
	idx := index.New(index.DefaultConfig(testDims))
	embedder := embed.NewHashed(testDims)
	return graph.New(store, idx, embedder, graph.Options{})
}

func bindAgentToVariant(t *testing.T, g *graph.Engine, agentTitle, variantTitle string, weight float64) (*storage.Node, *storage.Node) {
	t.Helper()
	ctx := context.Background()
	agent, err := g.CreateNode(ctx, "agent", agentTitle, "", 0.5, nil, "", nil)
	require.NoError(t, err)
	variant, err := g.CreateNode(ctx, "prompt", variantTitle, "body text", 0.5, nil, "", nil)
	require.NoError(t, err)
	_, err = g.CreateEdge(ctx, agent.ID, variant.ID, "uses", weight)
	require.NoError(t, err)
	return agent, variant
}

func TestSelectEpsilonZeroIsDeterministicArgmax(t *testing.T) {
	g := newEngine(t)
	ctx := context.Background()
	agent, err := g.CreateNode(ctx, "agent", "agent-1", "", 0.5, nil, "", nil)
	require.NoError(t, err)
	strong, err := g.CreateNode(ctx, "prompt", "strong", "body", 0.5, nil, "", nil)
	require.NoError(t, err)
	weak, err := g.CreateNode(ctx, "prompt", "weak", "body", 0.5, nil, "", nil)
	require.NoError(t, err)
	_, err = g.CreateEdge(ctx, agent.ID, strong.ID, "uses", 0.9)
	require.NoError(t, err)
	_, err = g.CreateEdge(ctx, agent.ID, weak.ID, "uses", 0.1)
	require.NoError(t, err)

	sel := selection.New(g, selection.Config{Epsilon: 0, RollbackThreshold: 0.4, RollbackWindow: 10})

	for i := 0; i < 100; i++ {
		v, _, err := sel.Select(ctx, agent.ID, selection.Signals{})
		require.NoError(t, err)
		require.Equal(t, strong.ID, v.Node.ID)
	}
}

func TestSelectEpsilonOneIsStatisticallyUniform(t *testing.T) {
	g := newEngine(t)
	ctx := context.Background()
	agent, err := g.CreateNode(ctx, "agent", "agent-2", "", 0.5, nil, "", nil)
	require.NoError(t, err)
	strong, err := g.CreateNode(ctx, "prompt", "strong2", "body", 0.5, nil, "", nil)
	require.NoError(t, err)
	weak, err := g.CreateNode(ctx, "prompt", "weak2", "body", 0.5, nil, "", nil)
	require.NoError(t, err)
	_, err = g.CreateEdge(ctx, agent.ID, strong.ID, "uses", 0.9)
	require.NoError(t, err)
	_, err = g.CreateEdge(ctx, agent.ID, weak.ID, "uses", 0.1)
	require.NoError(t, err)

	sel := selection.New(g, selection.Config{Epsilon: 1, RollbackThreshold: 0.4, RollbackWindow: 10})

	counts := map[storage.NodeID]int{}
	const trials = 400
	for i := 0; i < trials; i++ {
		v, _, err := sel.Select(ctx, agent.ID, selection.Signals{})
		require.NoError(t, err)
		counts[v.Node.ID]++
	}
	// With pure exploration both variants should appear, nowhere near a
	// 100/0 split that epsilon=0 would produce.
	require.Greater(t, counts[strong.ID], trials/2-80)
	require.Greater(t, counts[weak.ID], trials/2-80)
}

func TestSelectNoSwapRecommendedWhileChoiceIsUnchanged(t *testing.T) {
	g := newEngine(t)
	ctx := context.Background()
	agent, variantA := bindAgentToVariant(t, g, "agent-3", "variant-a", 0.9)
	variantB, err := g.CreateNode(ctx, "prompt", "variant-b", "body", 0.5, nil, "", nil)
	require.NoError(t, err)
	_, err = g.CreateEdge(ctx, agent.ID, variantB.ID, "uses", 0.1)
	require.NoError(t, err)

	sel := selection.New(g, selection.Config{Epsilon: 0, RollbackThreshold: 0.4, RollbackWindow: 10})

	v1, swap1, err := sel.Select(ctx, agent.ID, selection.Signals{})
	require.NoError(t, err)
	require.Equal(t, variantA.ID, v1.Node.ID)
	require.False(t, swap1)

	v2, swap2, err := sel.Select(ctx, agent.ID, selection.Signals{})
	require.NoError(t, err)
	require.Equal(t, variantA.ID, v2.Node.ID)
	require.False(t, swap2)
}

func TestObserveUpdatesUsesWeightWithEMA(t *testing.T) {
	g := newEngine(t)
	ctx := context.Background()
	agent, variant := bindAgentToVariant(t, g, "agent-4", "variant-4", 0.5)

	sel := selection.New(g, selection.Config{Epsilon: 0, RollbackThreshold: 0.0, RollbackWindow: 10})

	result, err := sel.Observe(ctx, agent.ID, variant.ID, 1.0, 0, selection.Success, 100)
	require.NoError(t, err)
	require.InDelta(t, 1.0, result.ObservationScore, 1e-9)
	require.InDelta(t, 0.9*0.5+0.1*1.0, result.NewWeight, 1e-9)

	edges, err := g.ListEdges(ctx, agent.ID, graph.Outgoing)
	require.NoError(t, err)
	var uses *storage.Edge
	for _, e := range edges {
		if e.Relation == "uses" && e.To == variant.ID {
			uses = e
		}
	}
	require.NotNil(t, uses)
	require.InDelta(t, result.NewWeight, uses.Weight, 1e-9)
}

func TestObserveCreatesObservationNodeAndEdges(t *testing.T) {
	g := newEngine(t)
	ctx := context.Background()
	agent, variant := bindAgentToVariant(t, g, "agent-5", "variant-5", 0.5)
	sel := selection.New(g, selection.Config{Epsilon: 0, RollbackThreshold: 0.0, RollbackWindow: 10})

	_, err := sel.Observe(ctx, agent.ID, variant.ID, 0.8, 1, selection.Partial, 50)
	require.NoError(t, err)

	observations, err := g.NodesByKind(ctx, "observation")
	require.NoError(t, err)
	require.Len(t, observations, 1)

	outgoing, err := g.ListEdges(ctx, agent.ID, graph.Outgoing)
	require.NoError(t, err)
	var sawPerformed bool
	for _, e := range outgoing {
		if e.Relation == "performed" && e.To == observations[0].ID {
			sawPerformed = true
		}
	}
	require.True(t, sawPerformed)
}

func TestObserveTriggersRollbackAfterSustainedLowScores(t *testing.T) {
	g := newEngine(t)
	ctx := context.Background()
	agent, err := g.CreateNode(ctx, "agent", "agent-6", "", 0.5, nil, "", nil)
	require.NoError(t, err)
	v1, err := g.CreateNode(ctx, "prompt", "v1", "body", 0.5, nil, "", nil)
	require.NoError(t, err)
	v2, err := g.CreateNode(ctx, "prompt", "v2", "body", 0.5, nil, "", nil)
	require.NoError(t, err)
	_, err = g.CreateEdge(ctx, v1.ID, v2.ID, "supersedes", 1.0)
	require.NoError(t, err)
	_, err = g.CreateEdge(ctx, agent.ID, v2.ID, "uses", 0.5)
	require.NoError(t, err)

	sel := selection.New(g, selection.Config{Epsilon: 0, RollbackEnabled: true, RollbackThreshold: 0.9, RollbackWindow: 3})

	var last selection.ObserveResult
	for i := 0; i < 3; i++ {
		last, err = sel.Observe(ctx, agent.ID, v2.ID, 0.0, 10, selection.Failure, 0)
		require.NoError(t, err)
	}
	require.True(t, last.RolledBack)
	require.Equal(t, v1.ID, last.RolledBackTo)

	outgoing, err := g.ListEdges(ctx, agent.ID, graph.Outgoing)
	require.NoError(t, err)
	var usesV1, usesV2 bool
	for _, e := range outgoing {
		if e.Relation == "uses" {
			if e.To == v1.ID {
				usesV1 = true
			}
			if e.To == v2.ID {
				usesV2 = true
			}
		}
	}
	require.True(t, usesV1)
	require.False(t, usesV2)
}

func TestContextFitDefaultsWhenNoWeightsSet(t *testing.T) {
	g := newEngine(t)
	ctx := context.Background()
	agent, variant := bindAgentToVariant(t, g, "agent-7", "variant-7", 0.5)
	sel := selection.New(g, selection.Config{Epsilon: 0, RollbackThreshold: 0.4, RollbackWindow: 10})

	v, _, err := sel.Select(ctx, agent.ID, selection.Signals{Sentiment: 1.0})
	require.NoError(t, err)
	require.Equal(t, variant.ID, v.Node.ID)
	// total_score = 0.5*0.5(weight) + 0.5*0.5(default fit) = 0.5
	require.InDelta(t, 0.5, v.Score, 1e-9)
}

func TestContextFitRewardsMatchingSignal(t *testing.T) {
	g := newEngine(t)
	ctx := context.Background()
	agent, matching := bindAgentToVariant(t, g, "agent-8", "matching", 0.5)
	offTopic, err := g.CreateNode(ctx, "prompt", "off-topic", "body", 0.5, nil, "", nil)
	require.NoError(t, err)
	_, err = g.CreateEdge(ctx, agent.ID, offTopic.ID, "uses", 0.5)
	require.NoError(t, err)

	sel := selection.New(g, selection.Config{Epsilon: 0, RollbackThreshold: 0.4, RollbackWindow: 10})

	require.NoError(t, sel.SetContextWeights(ctx, matching.ID, map[string]float64{"sentiment": 1.0}))
	require.NoError(t, sel.SetContextWeights(ctx, offTopic.ID, map[string]float64{"sentiment": -1.0}))

	v, _, err := sel.Select(ctx, agent.ID, selection.Signals{Sentiment: 1.0})
	require.NoError(t, err)
	require.Equal(t, matching.ID, v.Node.ID)
}
