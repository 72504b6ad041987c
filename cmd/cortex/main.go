// Command cortex wires the five core subsystems together and runs one
// demonstration cycle. The gRPC/HTTP surfaces, CLI flag parsing, and
// config-file loading are out of scope per spec.md §1; this binary
// exists to prove the wiring compiles and behaves the way DESIGN.md
// says it does, in the teacher's plain Go idiom.
package main

import (
	"context"
	"log"
	"time"

	"github.com/MikeSquared-Agency/cortex/pkg/autolinker"
	"github.com/MikeSquared-Agency/cortex/pkg/briefing"
	"github.com/MikeSquared-Agency/cortex/pkg/config"
	"github.com/MikeSquared-Agency/cortex/pkg/decay"
	"github.com/MikeSquared-Agency/cortex/pkg/embed"
	"github.com/MikeSquared-Agency/cortex/pkg/graph"
	"github.com/MikeSquared-Agency/cortex/pkg/index"
	"github.com/MikeSquared-Agency/cortex/pkg/prompt"
	"github.com/MikeSquared-Agency/cortex/pkg/retention"
	"github.com/MikeSquared-Agency/cortex/pkg/selection"
	"github.com/MikeSquared-Agency/cortex/pkg/storage"
)

func main() {
	cfg := config.LoadFromEnv()

	store, err := openStorage(cfg.Storage)
	if err != nil {
		log.Fatalf("opening storage: %v", err)
	}
	defer store.Close()

	embedder := embed.NewCachedEmbedder(embed.NewHashed(cfg.Embedding.Dimensions), 1024)
	idx := index.New(index.DefaultConfig(cfg.Embedding.Dimensions))

	g := graph.New(store, idx, embedder, graph.Options{})

	if err := rebuildIndex(context.Background(), g, store, idx); err != nil {
		log.Fatalf("rebuilding vector index: %v", err)
	}

	linker := autolinker.New(g, decay.NewRegistry(), autolinker.Config{
		Interval:            cfg.AutoLinker.IntervalDuration(),
		SimilarityThreshold: cfg.AutoLinker.SimilarityThreshold,
		MaxEdgesPerNode:     cfg.AutoLinker.MaxEdgesPerNode,
		MinWeight:           decay.DefaultMinWeight,
	})

	briefer := briefing.New(g, nil, cfg.Briefing)

	selector := selection.New(g, selection.Config{
		Epsilon:           cfg.Selection.Epsilon,
		EMAAlpha:          cfg.Selection.EMAAlpha,
		RollbackThreshold: cfg.Selection.RollbackThreshold,
		RollbackEnabled:   cfg.Selection.RollbackEnabled,
		RollbackWindow:    cfg.Selection.RollbackWindow,
	})
	prompts := prompt.NewManager(g)

	retainer := retention.NewManager(store, retention.Policy{
		MaxAge:   cfg.Retention.MaxAge(),
		MaxNodes: cfg.Retention.MaxNodes,
	})
	retainer.OnTombstone = idx.Remove

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	agent, variant, err := seed(ctx, g, prompts)
	if err != nil {
		log.Fatalf("seeding demo nodes: %v", err)
	}

	variant2, err := prompts.CreateNewVersion(ctx, "demo-agent-system-prompt", "main", map[string]string{"identity": "v2"}, nil)
	if err != nil {
		log.Fatalf("creating prompt version: %v", err)
	}
	if _, err := g.CreateEdge(ctx, agent.ID, variant2.ID, "uses", 0.5); err != nil {
		log.Fatalf("binding second variant: %v", err)
	}

	if cfg.AutoLinker.Enabled {
		stats, err := linker.RunCycle(ctx)
		if err != nil {
			log.Fatalf("auto-linker cycle: %v", err)
		}
		log.Printf("auto-linker cycle: nodes_processed=%d edges_created=%d edges_reinforced=%d edges_pruned=%d",
			stats.NodesProcessed, stats.EdgesCreated, stats.EdgesReinforced, stats.EdgesPruned)
	}

	briefer.PreWarm(ctx)
	for _, agentID := range cfg.Briefing.PreWarmAgents {
		result, err := briefer.Brief(ctx, agentID, cfg.Briefing.MaxTokens)
		if err != nil {
			log.Printf("briefing %s: %v", agentID, err)
			continue
		}
		log.Printf("briefing %s: %d sections", agentID, len(result.Sections))
	}

	retentionStats, err := retainer.Sweep(ctx)
	if err != nil {
		log.Fatalf("retention sweep: %v", err)
	}
	log.Printf("retention sweep: scanned=%d aged_out=%d trimmed=%d",
		retentionStats.Scanned, retentionStats.AgedOut, retentionStats.Trimmed)

	selected, swap, err := selector.Select(ctx, agent.ID, selection.Signals{Sentiment: 0.8, TaskType: "coding"})
	if err != nil {
		log.Printf("selection: %v", err)
	} else {
		log.Printf("selection: chose %s (score=%.3f swap_recommended=%v)", selected.Node.ID, selected.Score, swap)
		if _, err := selector.Observe(ctx, agent.ID, variant.ID, 0.9, 0, selection.Success, 120); err != nil {
			log.Printf("observe: %v", err)
		}
	}

	log.Printf("graph_version=%d backlog_dropped=%d", g.GraphVersion(), g.BacklogDropped())
}

func openStorage(cfg config.StorageConfig) (storage.Engine, error) {
	if cfg.DataDir == "" {
		return storage.NewMemoryEngine(), nil
	}
	return storage.NewBadgerEngine(cfg.DataDir)
}

// rebuildIndex streams every node's embedding into idx at startup, per
// spec.md §4.3's recovery rule. Nodes with no embedding are skipped.
func rebuildIndex(ctx context.Context, g *graph.Engine, store storage.Engine, idx *index.Index) error {
	nodes, err := g.AllNodes(ctx)
	if err != nil {
		return err
	}
	withEmbedding := make([]*storage.Node, 0, len(nodes))
	skipped := 0
	for _, n := range nodes {
		if !n.HasEmbedding() {
			skipped++
			continue
		}
		withEmbedding = append(withEmbedding, n)
	}
	if skipped > 0 {
		log.Printf("rebuildIndex: skipped %d node(s) with no embedding", skipped)
	}
	i := 0
	return idx.RebuildFrom(func() (storage.NodeID, []float32, bool) {
		if i >= len(withEmbedding) {
			return "", nil, false
		}
		n := withEmbedding[i]
		i++
		return n.ID, n.Embedding, true
	})
}

// seed creates a handful of demo nodes so the auto-linker, briefing
// engine, and selector all have something to work with on a fresh
// database: two near-duplicate facts for the auto-linker to process, an
// agent node, and a first prompt version bound to it via a uses edge.
// Returns the agent node and the first prompt variant.
func seed(ctx context.Context, g *graph.Engine, prompts *prompt.Manager) (*storage.Node, *storage.Node, error) {
	if existing, err := g.NodesByKind(ctx, "agent"); err != nil {
		return nil, nil, err
	} else if len(existing) > 0 {
		variants, err := g.NodesByKind(ctx, "prompt")
		if err != nil || len(variants) == 0 {
			return nil, nil, err
		}
		return existing[0], variants[0], nil
	}

	if _, err := g.CreateNode(ctx, "fact", "JWT is used for auth", "JSON Web Tokens authenticate API requests.", 0.7, []string{"security"}, "demo-agent", nil); err != nil {
		return nil, nil, err
	}
	if _, err := g.CreateNode(ctx, "fact", "JWTs are used for authentication", "Bearer tokens carry claims for stateless auth.", 0.65, []string{"security"}, "demo-agent", nil); err != nil {
		return nil, nil, err
	}
	agent, err := g.CreateNode(ctx, "agent", "demo-agent", "", 0, nil, "", map[string]string{"agent_id": "demo-agent"})
	if err != nil {
		return nil, nil, err
	}
	variant, err := prompts.CreateFirstVersion(ctx, "demo-agent-system-prompt", "main", map[string]string{"identity": "v1"}, nil)
	if err != nil {
		return nil, nil, err
	}
	if _, err := g.CreateEdge(ctx, agent.ID, variant.ID, "uses", 0.9); err != nil {
		return nil, nil, err
	}
	return agent, variant, nil
}
