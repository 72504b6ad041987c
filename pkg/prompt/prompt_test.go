package prompt_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/cortex/pkg/cortexerr"
	"github.com/MikeSquared-Agency/cortex/pkg/embed"
	"github.com/MikeSquared-Agency/cortex/pkg/graph"
	"github.com/MikeSquared-Agency/cortex/pkg/index"
	"github.com/MikeSquared-Agency/cortex/pkg/prompt"
	"github.com/MikeSquared-Agency/cortex/pkg/storage"
)

const testDims = 32

func newManager(t *testing.T) *prompt.Manager {
	t.Helper()
	store := storage.NewMemoryEngine()
	t.Cleanup(func() { store.Close() })
	idx := index.New(index.DefaultConfig(testDims))
	embedder := embed.NewHashed(testDims)
	g := graph.New(store, idx, embedder, graph.Options{})
	return prompt.NewManager(g)
}

func TestCreateFirstVersionThenHeadFindsIt(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	node, err := m.CreateFirstVersion(ctx, "system", "main", map[string]string{"intro": "hi"}, nil)
	require.NoError(t, err)

	head, body, err := m.Head(ctx, "system", "main")
	require.NoError(t, err)
	require.Equal(t, node.ID, head.ID)
	require.Equal(t, 1, body.Version)
}

func TestCreateFirstVersionConflictsIfHeadExists(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	_, err := m.CreateFirstVersion(ctx, "system", "main", map[string]string{"a": "1"}, nil)
	require.NoError(t, err)

	_, err = m.CreateFirstVersion(ctx, "system", "main", map[string]string{"a": "2"}, nil)
	require.True(t, cortexerr.Is(err, cortexerr.Conflict))
}

func TestCreateNewVersionIncrementsAndSupersedes(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	v1, err := m.CreateFirstVersion(ctx, "system", "main", map[string]string{"a": "1"}, nil)
	require.NoError(t, err)

	v2, err := m.CreateNewVersion(ctx, "system", "main", map[string]string{"a": "2"}, nil)
	require.NoError(t, err)

	head, body, err := m.Head(ctx, "system", "main")
	require.NoError(t, err)
	require.Equal(t, v2.ID, head.ID)
	require.Equal(t, 2, body.Version)
	require.NotEqual(t, v1.ID, head.ID)
}

func TestCreateNewVersionWithoutHeadFails(t *testing.T) {
	m := newManager(t)
	_, err := m.CreateNewVersion(context.Background(), "missing", "main", nil, nil)
	require.True(t, cortexerr.Is(err, cortexerr.NotFound))
}

func TestBranchCopiesHeadAndLinksBranchedFrom(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	_, err := m.CreateFirstVersion(ctx, "system", "main", map[string]string{"a": "1"}, nil)
	require.NoError(t, err)

	branched, err := m.Branch(ctx, "system", "main", "experiment")
	require.NoError(t, err)

	head, body, err := m.Head(ctx, "system", "experiment")
	require.NoError(t, err)
	require.Equal(t, branched.ID, head.ID)
	require.Equal(t, 1, body.Version)
	require.Equal(t, "1", body.Sections["a"])
}

func TestBranchConflictsIfTargetBranchHasHead(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	_, err := m.CreateFirstVersion(ctx, "system", "main", map[string]string{"a": "1"}, nil)
	require.NoError(t, err)
	_, err = m.CreateFirstVersion(ctx, "system", "experiment", map[string]string{"a": "x"}, nil)
	require.NoError(t, err)

	_, err = m.Branch(ctx, "system", "main", "experiment")
	require.True(t, cortexerr.Is(err, cortexerr.Conflict))
}

func TestResolveMergesInheritedSectionsRootFirst(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	parent, err := m.CreateFirstVersion(ctx, "base", "main", map[string]string{"goals": "be helpful", "tone": "formal"}, nil)
	require.NoError(t, err)

	child, err := m.CreateFirstVersion(ctx, "child", "main", map[string]string{"tone": "casual", "extra": "x"}, nil)
	require.NoError(t, err)
	require.NoError(t, m.SetInheritsFrom(ctx, child.ID, parent.ID))

	effective, err := m.Resolve(ctx, "child", "main")
	require.NoError(t, err)
	require.Equal(t, "be helpful", effective.Sections["goals"])
	require.Equal(t, "x", effective.Sections["extra"])
	// tone wasn't in child's override_sections, so the inherited value wins.
	require.Equal(t, "formal", effective.Sections["tone"])
}

func TestResolveAppliesOverrideSections(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	parent, err := m.CreateFirstVersion(ctx, "base2", "main", map[string]string{"tone": "formal"}, nil)
	require.NoError(t, err)

	child, err := m.CreateFirstVersion(ctx, "child2", "main", map[string]string{"tone": "casual"}, nil)
	require.NoError(t, err)
	require.NoError(t, m.SetInheritsFrom(ctx, child.ID, parent.ID))
	require.NoError(t, m.SetOverrideSections(ctx, child.ID, []string{"tone"}))

	effective, err := m.Resolve(ctx, "child2", "main")
	require.NoError(t, err)
	require.Equal(t, "casual", effective.Sections["tone"])
}

func TestResolveCyclicInheritsFromAbortsWithInvalid(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	a, err := m.CreateFirstVersion(ctx, "a", "main", map[string]string{"x": "1"}, nil)
	require.NoError(t, err)
	b, err := m.CreateFirstVersion(ctx, "b", "main", map[string]string{"y": "2"}, nil)
	require.NoError(t, err)

	require.NoError(t, m.SetInheritsFrom(ctx, a.ID, b.ID))
	require.NoError(t, m.SetInheritsFrom(ctx, b.ID, a.ID))

	_, err = m.Resolve(ctx, "a", "main")
	require.True(t, cortexerr.Is(err, cortexerr.Invalid))
}
