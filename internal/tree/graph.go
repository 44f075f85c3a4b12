package tree

import (
	"sync"

	"github.com/elysia-ai/elysia/internal/errs"
	"github.com/elysia-ai/elysia/internal/settings"
)

// NodeKind distinguishes decision branches from tool leaves.
type NodeKind string

const (
	NodeBranch NodeKind = "branch"
	NodeTool   NodeKind = "tool"
)

// Node is one vertex of a decision graph. Branches carry an
// instruction for the selector; tool nodes reference a registered tool
// by id. Tool nodes may themselves have children, which the run loop
// descends into after the tool succeeds.
type Node struct {
	ID          string
	Kind        NodeKind
	Instruction string
	children    []*Node // ordered
}

func (n *Node) Children() []*Node {
	out := make([]*Node, len(n.children))
	copy(out, n.children)
	return out
}

func (n *Node) child(id string) *Node {
	for _, c := range n.children {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// find walks the subtree for the first node with the given id.
func (n *Node) find(id string) *Node {
	if n.ID == id {
		return n
	}
	for _, c := range n.children {
		if hit := c.find(id); hit != nil {
			return hit
		}
	}
	return nil
}

const rootBranchID = "base"

// Graph is the mutable decision graph of one tree. Mutations validate
// fully before committing, so a failed call leaves the graph
// untouched. Linkage is by id within a parent; construction never
// re-links existing nodes, so the graph stays acyclic.
type Graph struct {
	mu   sync.RWMutex
	root *Node
}

// NewGraph builds a graph from a branch-initialisation template.
func NewGraph(template string) (*Graph, error) {
	root := &Node{
		ID:          rootBranchID,
		Kind:        NodeBranch,
		Instruction: "Choose the action that moves the conversation toward answering the user.",
	}
	switch template {
	case settings.BranchInitOneBranch:
		root.children = []*Node{
			{ID: "query", Kind: NodeTool},
			{ID: "aggregate", Kind: NodeTool},
			{ID: "text_response", Kind: NodeTool},
		}
	case settings.BranchInitMultiBranch:
		root.children = []*Node{
			{
				ID:          "search",
				Kind:        NodeBranch,
				Instruction: "Retrieve or count records from the user's collections.",
				children: []*Node{
					{ID: "query", Kind: NodeTool},
					{ID: "aggregate", Kind: NodeTool},
				},
			},
			{ID: "text_response", Kind: NodeTool},
		}
	case settings.BranchInitEmpty:
	default:
		return nil, errs.Config("unknown branch initialisation %q", template)
	}
	return &Graph{root: root}, nil
}

// Root returns the root branch node.
func (g *Graph) Root() *Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.root
}

// Find returns the first node with the given id, or nil.
func (g *Graph) Find(id string) *Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.root.find(id)
}

// attachTargets resolves where a mutation lands: the parent branch
// itself, or the tool nodes named by fromToolIDs inside its subtree.
func (g *Graph) attachTargets(parentBranchID string, fromToolIDs []string) ([]*Node, error) {
	parent := g.root.find(parentBranchID)
	if parent == nil {
		return nil, errs.NotFound("branch %q", parentBranchID)
	}
	if parent.Kind != NodeBranch {
		return nil, errs.Config("%q is not a branch", parentBranchID)
	}
	if len(fromToolIDs) == 0 {
		return []*Node{parent}, nil
	}
	targets := make([]*Node, 0, len(fromToolIDs))
	for _, id := range fromToolIDs {
		target := parent.find(id)
		if target == nil {
			return nil, errs.NotFound("tool %q under branch %q", id, parentBranchID)
		}
		if target.Kind != NodeTool {
			return nil, errs.Config("%q is not a tool node", id)
		}
		targets = append(targets, target)
	}
	return targets, nil
}

// AddTool attaches a tool leaf under a branch, or under specific tool
// nodes inside that branch's subtree when fromToolIDs is given.
func (g *Graph) AddTool(toolID, parentBranchID string, fromToolIDs ...string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	targets, err := g.attachTargets(parentBranchID, fromToolIDs)
	if err != nil {
		return err
	}
	for _, target := range targets {
		if target.child(toolID) != nil {
			return errs.Config("node %q already has child %q", target.ID, toolID)
		}
	}
	for _, target := range targets {
		target.children = append(target.children, &Node{ID: toolID, Kind: NodeTool})
	}
	return nil
}

// RemoveTool detaches a tool leaf added by AddTool. The subtree under
// the tool node goes with it.
func (g *Graph) RemoveTool(toolID, parentBranchID string, fromToolIDs ...string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	targets, err := g.attachTargets(parentBranchID, fromToolIDs)
	if err != nil {
		return err
	}
	for _, target := range targets {
		c := target.child(toolID)
		if c == nil || c.Kind != NodeTool {
			return errs.NotFound("tool %q under node %q", toolID, target.ID)
		}
	}
	for _, target := range targets {
		target.removeChild(toolID)
	}
	return nil
}

// AddBranch attaches a new decision branch. With root set, the branch
// lands directly under the graph root regardless of parentBranchID.
func (g *Graph) AddBranch(id, instruction, parentBranchID string, fromToolIDs []string, root bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	var targets []*Node
	var err error
	if root {
		targets = []*Node{g.root}
	} else {
		targets, err = g.attachTargets(parentBranchID, fromToolIDs)
		if err != nil {
			return err
		}
	}
	if g.root.find(id) != nil {
		return errs.Config("branch id %q already in use", id)
	}
	for _, target := range targets {
		target.children = append(target.children, &Node{
			ID:          id,
			Kind:        NodeBranch,
			Instruction: instruction,
		})
	}
	return nil
}

// RemoveBranch removes a branch and its whole subtree. The root branch
// cannot be removed.
func (g *Graph) RemoveBranch(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if id == g.root.ID {
		return errs.Config("cannot remove the root branch")
	}
	if !g.root.removeDescendant(id, NodeBranch) {
		return errs.NotFound("branch %q", id)
	}
	return nil
}

func (n *Node) removeChild(id string) {
	for i, c := range n.children {
		if c.ID == id {
			n.children = append(n.children[:i], n.children[i+1:]...)
			return
		}
	}
}

func (n *Node) removeDescendant(id string, kind NodeKind) bool {
	for i, c := range n.children {
		if c.ID == id && c.Kind == kind {
			n.children = append(n.children[:i], n.children[i+1:]...)
			return true
		}
		if c.removeDescendant(id, kind) {
			return true
		}
	}
	return false
}

// Shape renders the graph as nested maps for structural comparison and
// the HTTP surface: {id, kind, options: {childID: ...}} with child
// order preserved in "order".
func (g *Graph) Shape() map[string]any {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.root.shape()
}

func (n *Node) shape() map[string]any {
	out := map[string]any{
		"id":   n.ID,
		"kind": string(n.Kind),
	}
	if n.Instruction != "" {
		out["instruction"] = n.Instruction
	}
	if len(n.children) > 0 {
		options := make(map[string]any, len(n.children))
		order := make([]string, 0, len(n.children))
		for _, c := range n.children {
			options[c.ID] = c.shape()
			order = append(order, c.ID)
		}
		out["options"] = options
		out["order"] = order
	}
	return out
}
