package briefing_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/cortex/pkg/briefing"
	"github.com/MikeSquared-Agency/cortex/pkg/config"
	"github.com/MikeSquared-Agency/cortex/pkg/embed"
	"github.com/MikeSquared-Agency/cortex/pkg/graph"
	"github.com/MikeSquared-Agency/cortex/pkg/index"
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

func TestBriefIncludesIdentityWhenAgentExists(t *testing.T) {
	g := newEngine(t)
	ctx := context.Background()
	_, err := g.CreateNode(ctx, "agent", "agent-1", "", 0.5, nil, "", nil)
	require.NoError(t, err)

	e := briefing.New(g, nil, config.BriefingConfig{MaxTokens: 2000})
	result, err := e.Brief(ctx, "agent-1", 2000)
	require.NoError(t, err)
	require.Contains(t, result.Text, "identity")
	require.Contains(t, result.Text, "agent-1")
}

func TestBriefEmptyWhenAgentUnknown(t *testing.T) {
	g := newEngine(t)
	e := briefing.New(g, nil, config.BriefingConfig{MaxTokens: 2000})
	result, err := e.Brief(context.Background(), "nobody", 2000)
	require.NoError(t, err)
	require.Empty(t, result.Sections)
}

func TestBriefGoalsSortedByImportanceThenRecency(t *testing.T) {
	g := newEngine(t)
	ctx := context.Background()
	agent, err := g.CreateNode(ctx, "agent", "agent-2", "", 0.5, nil, "", nil)
	require.NoError(t, err)
	low, err := g.CreateNode(ctx, "goal", "low-priority", "finish docs", 0.2, nil, "", nil)
	require.NoError(t, err)
	high, err := g.CreateNode(ctx, "goal", "high-priority", "ship release", 0.9, nil, "", nil)
	require.NoError(t, err)
	_, err = g.CreateEdge(ctx, agent.ID, low.ID, "relates_to", 1.0)
	require.NoError(t, err)
	_, err = g.CreateEdge(ctx, agent.ID, high.ID, "uses", 1.0)
	require.NoError(t, err)

	e := briefing.New(g, nil, config.BriefingConfig{MaxTokens: 2000})
	result, err := e.Brief(ctx, "agent-2", 2000)
	require.NoError(t, err)

	var goalsSection string
	for _, s := range result.Sections {
		if s.Name == "goals" {
			goalsSection = s.Body
		}
	}
	require.True(t, strings.Index(goalsSection, "high-priority") < strings.Index(goalsSection, "low-priority"))
}

func TestBriefDedupesAcrossSections(t *testing.T) {
	g := newEngine(t)
	ctx := context.Background()
	agent, err := g.CreateNode(ctx, "agent", "agent-3", "", 0.5, nil, "", nil)
	require.NoError(t, err)
	shared, err := g.CreateNode(ctx, "goal", "dual-purpose", "body", 0.9, nil, "agent-3", nil)
	require.NoError(t, err)
	_, err = g.CreateEdge(ctx, agent.ID, shared.ID, "relates_to", 1.0)
	require.NoError(t, err)

	e := briefing.New(g, nil, config.BriefingConfig{MaxTokens: 2000})
	result, err := e.Brief(ctx, "agent-3", 2000)
	require.NoError(t, err)

	count := strings.Count(result.Text, "dual-purpose")
	require.Equal(t, 1, count)
}

func TestBriefStopsAtTokenBudget(t *testing.T) {
	g := newEngine(t)
	ctx := context.Background()
	agent, err := g.CreateNode(ctx, "agent", "agent-4", "", 0.5, nil, "", nil)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		goal, err := g.CreateNode(ctx, "goal", "goal", strings.Repeat("word ", 20), 0.5, nil, "", nil)
		require.NoError(t, err)
		_, err = g.CreateEdge(ctx, agent.ID, goal.ID, "relates_to", 1.0)
		require.NoError(t, err)
	}

	e := briefing.New(g, nil, config.BriefingConfig{MaxTokens: 30})
	result, err := e.Brief(ctx, "agent-4", 30)
	require.NoError(t, err)
	require.NotEmpty(t, result.Text)
	require.Less(t, len(result.Text), 2000)
}

func TestBriefUnresolvedIncludesTaggedAndContradicted(t *testing.T) {
	g := newEngine(t)
	ctx := context.Background()
	_, err := g.CreateNode(ctx, "agent", "agent-5", "", 0.5, nil, "", nil)
	require.NoError(t, err)
	tagged, err := g.CreateNode(ctx, "fact", "tagged-fact", "body", 0.5, []string{"unresolved"}, "", nil)
	require.NoError(t, err)
	contradicted, err := g.CreateNode(ctx, "fact", "contradicted-fact", "body", 0.5, nil, "", nil)
	require.NoError(t, err)
	contradictor, err := g.CreateNode(ctx, "fact", "contradictor", "body", 0.5, nil, "", nil)
	require.NoError(t, err)
	_, err = g.CreateEdge(ctx, contradictor.ID, contradicted.ID, "contradicts", 1.0)
	require.NoError(t, err)

	e := briefing.New(g, nil, config.BriefingConfig{MaxTokens: 2000})
	result, err := e.Brief(ctx, "agent-5", 2000)
	require.NoError(t, err)
	require.Contains(t, result.Text, "tagged-fact")
	require.Contains(t, result.Text, "contradicted-fact")
}

func TestBriefResultUnaffectedByUnrelatedGraphChange(t *testing.T) {
	g := newEngine(t)
	ctx := context.Background()
	_, err := g.CreateNode(ctx, "agent", "agent-6", "", 0.5, nil, "", nil)
	require.NoError(t, err)

	e := briefing.New(g, nil, config.BriefingConfig{MaxTokens: 2000})
	first, err := e.Brief(ctx, "agent-6", 2000)
	require.NoError(t, err)

	_, err = g.CreateNode(ctx, "goal", "new-goal", "body", 0.9, nil, "", nil)
	require.NoError(t, err)

	second, err := e.Brief(ctx, "agent-6", 2000)
	require.NoError(t, err)
	require.Equal(t, first.Text, second.Text) // new-goal isn't linked to agent-6, unaffected either way

	// A repeat call with no mutation in between returns the same text.
	third, err := e.Brief(ctx, "agent-6", 2000)
	require.NoError(t, err)
	require.Equal(t, second.Text, third.Text)
}

func TestPreWarmRendersConfiguredAgents(t *testing.T) {
	g := newEngine(t)
	ctx := context.Background()
	_, err := g.CreateNode(ctx, "agent", "agent-7", "", 0.5, nil, "", nil)
	require.NoError(t, err)

	e := briefing.New(g, nil, config.BriefingConfig{MaxTokens: 2000, PreWarmAgents: []string{"agent-7"}})
	e.PreWarm(ctx)

	result, err := e.Brief(ctx, "agent-7", 2000)
	require.NoError(t, err)
	require.Contains(t, result.Text, "agent-7")
}
