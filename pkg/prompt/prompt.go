// Package prompt implements the prompt-versioning state machine:
// per (slug, branch), a chain of prompt nodes linked by supersedes
// edges, exactly one of which is HEAD, plus inheritance resolution
// for layered prompt templates. It is built directly on pkg/graph —
// prompt nodes are ordinary nodes of kind "prompt" whose structured
// fields (slug, branch, version, sections, ...) are carried as a JSON
// body, since the core Node schema has no dedicated columns for them.
package prompt

import (
	"context"
	"encoding/json"

	"github.com/MikeSquared-Agency/cortex/pkg/cortexerr"
	"github.com/MikeSquared-Agency/cortex/pkg/graph"
	"github.com/MikeSquared-Agency/cortex/pkg/storage"
)

const kindPrompt = "prompt"

const (
	relSupersedes   = "supersedes"
	relBranchedFrom = "branched_from"
)

const defaultBranch = "main"

// Body is the structured payload carried in a prompt node's Body
// field as JSON. Metadata is kept as map[string]any rather than
// map[string]string so it can hold context_weights (a nested
// signal -> float map) alongside arbitrary caller data, matching
// spec.md's "metadata (may contain context_weights: map signal->float)".
type Body struct {
	Slug             string            `json:"slug"`
	Type             string            `json:"type,omitempty"`
	Branch           string            `json:"branch"`
	Version          int               `json:"version"`
	Sections         map[string]string `json:"sections"`
	OverrideSections []string          `json:"override_sections,omitempty"`
	Metadata         map[string]any    `json:"metadata,omitempty"`

	// InheritsFrom is the id of a parent prompt node Resolve should
	// merge with. The create functions take no such parameter;
	// SetInheritsFrom sets it on an existing version.
	InheritsFrom string `json:"inherits_from,omitempty"`
}

// ContextWeights extracts the context_weights sub-map from Metadata,
// if present, as map[string]float64. JSON numbers decode as float64,
// so any numeric value under that key round-trips cleanly.
func (b *Body) ContextWeights() map[string]float64 {
	raw, ok := b.Metadata["context_weights"]
	if !ok {
		return nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		if f, ok := v.(float64); ok {
			out[k] = f
		}
	}
	return out
}

// EffectiveSections is the result of Resolve: the merged section set
// for a (slug, branch)'s HEAD, plus which node/version produced it.
type EffectiveSections struct {
	HeadID   storage.NodeID
	Version  int
	Sections map[string]string
}

// Manager runs the versioning state machine over a Graph Engine.
type Manager struct {
	graph *graph.Engine
}

// NewManager constructs a Manager over g.
func NewManager(g *graph.Engine) *Manager {
	return &Manager{graph: g}
}

func parseBody(n *storage.Node) (*Body, error) {
	var b Body
	if err := json.Unmarshal([]byte(n.Body), &b); err != nil {
		return nil, cortexerr.New("prompt.parseBody", cortexerr.Storage, err)
	}
	return &b, nil
}

func encodeBody(b *Body) (string, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return "", cortexerr.New("prompt.encodeBody", cortexerr.Internal, err)
	}
	return string(raw), nil
}

// Head finds the HEAD node for (slug, branch): the prompt node with no
// outgoing supersedes edge and no outgoing rolled_back edge (per the
// recorded rollback-chain decision, an outgoing rolled_back edge marks
// a node inactive for HEAD resolution even though it stays in the
// supersedes chain). Returns NotFound if no prompt node exists for the
// pair.
func (m *Manager) Head(ctx context.Context, slug, branch string) (*storage.Node, *Body, error) {
	nodes, err := m.graph.NodesByKind(ctx, kindPrompt)
	if err != nil {
		return nil, nil, err
	}

	var headNode *storage.Node
	var headBody *Body
	for _, n := range nodes {
		b, err := parseBody(n)
		if err != nil {
			return nil, nil, err
		}
		if b.Slug != slug || b.Branch != branch {
			continue
		}
		edges, err := m.graph.ListEdges(ctx, n.ID, graph.Outgoing)
		if err != nil {
			return nil, nil, err
		}
		active := true
		for _, e := range edges {
			if e.Relation == relSupersedes || e.Relation == "rolled_back" {
				active = false
				break
			}
		}
		if !active {
			continue
		}
		if headNode != nil {
			return nil, nil, cortexerr.Newf("prompt.Head", cortexerr.Internal, "multiple heads for %s@%s", slug, branch)
		}
		headNode, headBody = n, b
	}
	if headNode == nil {
		return nil, nil, cortexerr.Newf("prompt.Head", cortexerr.NotFound, "no prompt head for %s@%s", slug, branch)
	}
	return headNode, headBody, nil
}

func normalizeBranch(branch string) string {
	if branch == "" {
		return defaultBranch
	}
	return branch
}

// CreateFirstVersion creates version 1 of slug on branch. Fails with
// Conflict if a HEAD already exists for that pair.
func (m *Manager) CreateFirstVersion(ctx context.Context, slug, branch string, sections map[string]string, metadata map[string]any) (*storage.Node, error) {
	branch = normalizeBranch(branch)
	if _, _, err := m.Head(ctx, slug, branch); err == nil {
		return nil, cortexerr.Newf("prompt.CreateFirstVersion", cortexerr.Conflict, "head already exists for %s@%s", slug, branch)
	} else if cortexerr.KindOf(err) != cortexerr.NotFound {
		return nil, err
	}

	body := &Body{Slug: slug, Branch: branch, Version: 1, Sections: sections, Metadata: metadata}
	return m.writeNode(ctx, body)
}

// CreateNewVersion looks up the current HEAD for (slug, branch),
// writes a new node with version = head.version+1, and links
// head -> new with relation supersedes, preserving I4.
func (m *Manager) CreateNewVersion(ctx context.Context, slug, branch string, sections map[string]string, metadata map[string]any) (*storage.Node, error) {
	branch = normalizeBranch(branch)
	head, headBody, err := m.Head(ctx, slug, branch)
	if err != nil {
		return nil, err
	}

	body := &Body{Slug: slug, Branch: branch, Version: headBody.Version + 1, Sections: sections, Metadata: metadata, InheritsFrom: headBody.InheritsFrom}
	node, err := m.writeNode(ctx, body)
	if err != nil {
		return nil, err
	}
	if _, err := m.graph.CreateEdge(ctx, head.ID, node.ID, relSupersedes, 1.0); err != nil {
		return nil, err
	}
	return node, nil
}

// Branch creates a new branch for slug by copying fromBranch's HEAD
// fields into a version-1 node on newBranch, linked new -> head with
// relation branched_from. Fails with Conflict if (slug, newBranch)
// already has a HEAD.
func (m *Manager) Branch(ctx context.Context, slug, fromBranch, newBranch string) (*storage.Node, error) {
	fromBranch = normalizeBranch(fromBranch)
	if _, _, err := m.Head(ctx, slug, newBranch); err == nil {
		return nil, cortexerr.Newf("prompt.Branch", cortexerr.Conflict, "head already exists for %s@%s", slug, newBranch)
	} else if cortexerr.KindOf(err) != cortexerr.NotFound {
		return nil, err
	}

	head, headBody, err := m.Head(ctx, slug, fromBranch)
	if err != nil {
		return nil, err
	}

	body := &Body{
		Slug:             slug,
		Type:             headBody.Type,
		Branch:           newBranch,
		Version:          1,
		Sections:         headBody.Sections,
		OverrideSections: headBody.OverrideSections,
		Metadata:         headBody.Metadata,
		InheritsFrom:     headBody.InheritsFrom,
	}
	node, err := m.writeNode(ctx, body)
	if err != nil {
		return nil, err
	}
	if _, err := m.graph.CreateEdge(ctx, node.ID, head.ID, relBranchedFrom, 1.0); err != nil {
		return nil, err
	}
	return node, nil
}

// SetInheritsFrom points node's prompt body at parent for Resolve's
// inheritance merge. Spec.md §4.6 describes Resolve following
// inherits_from but not how it is set; this is the one mutation point
// for that link, applied to an already-created version (see DESIGN.md).
func (m *Manager) SetInheritsFrom(ctx context.Context, node storage.NodeID, parent storage.NodeID) error {
	n, err := m.graph.GetNode(ctx, node)
	if err != nil {
		return err
	}
	body, err := parseBody(n)
	if err != nil {
		return err
	}
	body.InheritsFrom = string(parent)
	encoded, err := encodeBody(body)
	if err != nil {
		return err
	}
	_, err = m.graph.UpdateNode(ctx, node, graph.NodePatch{Body: &encoded})
	return err
}

// SetOverrideSections replaces node's override_sections list: the
// names that should win over an inherited section of the same name
// during Resolve, rather than yielding to it.
func (m *Manager) SetOverrideSections(ctx context.Context, node storage.NodeID, names []string) error {
	n, err := m.graph.GetNode(ctx, node)
	if err != nil {
		return err
	}
	body, err := parseBody(n)
	if err != nil {
		return err
	}
	body.OverrideSections = names
	encoded, err := encodeBody(body)
	if err != nil {
		return err
	}
	_, err = m.graph.UpdateNode(ctx, node, graph.NodePatch{Body: &encoded})
	return err
}

// maxInheritanceDepth bounds the inherits_from walk independent of
// cycle detection, so a long (non-cyclic) chain still terminates in
// bounded work.
const maxInheritanceDepth = 64

// Resolve finds HEAD for (slug, branch), follows inherits_from
// transitively (cycle-guarded), and merges sections root-first:
// a child's sections overwrite an inherited name only if that name is
// listed in the child's override_sections; otherwise the child's
// sections are added only if the name is absent so far.
func (m *Manager) Resolve(ctx context.Context, slug, branch string) (*EffectiveSections, error) {
	head, headBody, err := m.Head(ctx, slug, branch)
	if err != nil {
		return nil, err
	}

	chain := []*Body{headBody}
	visited := map[storage.NodeID]struct{}{head.ID: {}}
	cur := headBody
	for cur.InheritsFrom != "" {
		if len(chain) >= maxInheritanceDepth {
			return nil, cortexerr.Newf("prompt.Resolve", cortexerr.Invalid, "inherits_from chain exceeds %d hops", maxInheritanceDepth)
		}
		parentID := storage.NodeID(cur.InheritsFrom)
		if _, ok := visited[parentID]; ok {
			return nil, cortexerr.Newf("prompt.Resolve", cortexerr.Invalid, "cyclic inherits_from at %s", parentID)
		}
		visited[parentID] = struct{}{}

		parentNode, err := m.graph.GetNode(ctx, parentID)
		if err != nil {
			return nil, err
		}
		parentBody, err := parseBody(parentNode)
		if err != nil {
			return nil, err
		}
		chain = append(chain, parentBody)
		cur = parentBody
	}

	effective := map[string]string{}
	for i := len(chain) - 1; i >= 0; i-- {
		body := chain[i]
		if i == len(chain)-1 {
			for k, v := range body.Sections {
				effective[k] = v
			}
			continue
		}
		overrides := make(map[string]struct{}, len(body.OverrideSections))
		for _, name := range body.OverrideSections {
			overrides[name] = struct{}{}
		}
		for k, v := range body.Sections {
			if _, exists := effective[k]; exists {
				if _, override := overrides[k]; override {
					effective[k] = v
				}
				continue
			}
			effective[k] = v
		}
	}

	return &EffectiveSections{HeadID: head.ID, Version: headBody.Version, Sections: effective}, nil
}

func (m *Manager) writeNode(ctx context.Context, body *Body) (*storage.Node, error) {
	encoded, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	title := body.Slug + "@" + body.Branch
	return m.graph.CreateNode(ctx, kindPrompt, title, encoded, 0, nil, "", nil)
}
