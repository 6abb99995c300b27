package manager

import (
	"context"

	"github.com/go-go-golems/convtree/pkg/conversation"
	"github.com/go-go-golems/convtree/pkg/conversation/branch"
	"github.com/go-go-golems/convtree/pkg/conversation/navigation"
	"github.com/go-go-golems/convtree/pkg/events"
	"github.com/pkg/errors"
)

// mutateActive runs f on the locked active tree and saves the tree if f
// succeeds. The event returned by f is published after the lock is released,
// even when f fails. The lock is released even if f panics.
func (m *Manager) mutateActive(
	ctx context.Context,
	op string,
	f func(st *treeState) (events.Event, error),
) error {
	st, err := m.lockActiveTree(op)
	if err != nil {
		return err
	}
	ev, err := func() (events.Event, error) {
		defer st.mu.Unlock()
		ev, err := f(st)
		if err == nil || keepsMutation(err) {
			st.dirty = true
			if saveErr := m.persist(ctx, st); saveErr != nil && err == nil {
				err = saveErr
			}
		}
		return ev, err
	}()

	m.publish(ev)
	return err
}

// keepsMutation reports whether the tree was changed even though the
// operation returned an error, as with a failed session replay after a
// switch.
func keepsMutation(err error) bool {
	return conversation.IsIO(err)
}

// CreateBranch branches off fromNodeID in the active tree. An empty
// fromNodeID branches off the active node.
func (m *Manager) CreateBranch(ctx context.Context, fromNodeID string, name string, opts branch.Options) (*conversation.Node, error) {
	var ret *conversation.Node
	err := m.mutateActive(ctx, "create branch", func(st *treeState) (events.Event, error) {
		if fromNodeID == "" {
			fromNodeID = st.tree.ActiveNodeID
		}
		node, err := m.branches.CreateBranch(ctx, st.tree, fromNodeID, name, opts)
		if err != nil {
			return nil, err
		}
		m.cacheNode(st.tree.ID, node)
		ret = node.Clone()
		return events.NewBranchCreatedEvent(st.tree.ID, node), nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// SwitchToNode checks out nodeID in the active tree. If the session replay
// fails the switch is kept and the result is returned with the error.
func (m *Manager) SwitchToNode(ctx context.Context, nodeID string) (*navigation.SwitchResult, error) {
	return m.switchWith(ctx, "switch node", func(tree *conversation.Tree) (*navigation.SwitchResult, error) {
		return m.navigation.SwitchTo(ctx, tree, nodeID)
	})
}

// NavigateToParent checks out the parent of the active node. It returns nil,
// nil at the root.
func (m *Manager) NavigateToParent(ctx context.Context) (*navigation.SwitchResult, error) {
	return m.switchWith(ctx, "navigate to parent", func(tree *conversation.Tree) (*navigation.SwitchResult, error) {
		return m.navigation.ToParent(ctx, tree)
	})
}

// NavigateToChild checks out the index-th child of the active node. It
// returns nil, nil if there is no such child.
func (m *Manager) NavigateToChild(ctx context.Context, index int) (*navigation.SwitchResult, error) {
	return m.switchWith(ctx, "navigate to child", func(tree *conversation.Tree) (*navigation.SwitchResult, error) {
		return m.navigation.ToChild(ctx, tree, index)
	})
}

// NavigateToSibling moves offset positions through the siblings of the
// active node, wrapping around.
func (m *Manager) NavigateToSibling(ctx context.Context, offset int) (*navigation.SwitchResult, error) {
	return m.switchWith(ctx, "navigate to sibling", func(tree *conversation.Tree) (*navigation.SwitchResult, error) {
		return m.navigation.ToSibling(ctx, tree, offset)
	})
}

func (m *Manager) switchWith(
	ctx context.Context,
	op string,
	f func(tree *conversation.Tree) (*navigation.SwitchResult, error),
) (*navigation.SwitchResult, error) {
	var ret *navigation.SwitchResult
	err := m.mutateActive(ctx, op, func(st *treeState) (events.Event, error) {
		res, err := f(st.tree)
		if res == nil {
			return nil, err
		}
		m.cacheNode(st.tree.ID, res.Node)
		ret = &navigation.SwitchResult{Node: res.Node.Clone(), PreviousNodeID: res.PreviousNodeID}
		return events.NewNodeSwitchedEvent(st.tree.ID, res.PreviousNodeID, res.Node.ID), err
	})
	return ret, err
}

// PathToRoot returns copies of the nodes from the root to the active node.
func (m *Manager) PathToRoot() ([]*conversation.Node, error) {
	st, err := m.lockActiveTree("path to root")
	if err != nil {
		return nil, err
	}
	defer st.mu.Unlock()

	path := m.navigation.PathToRoot(st.tree)
	ret := make([]*conversation.Node, 0, len(path))
	for _, n := range path {
		ret = append(ret, n.Clone())
	}
	return ret, nil
}

func (m *Manager) CompareBranches(a string, b string) (*branch.Comparison, error) {
	st, err := m.lockActiveTree("compare branches")
	if err != nil {
		return nil, err
	}
	defer st.mu.Unlock()
	return m.branches.CompareBranches(st.tree, a, b)
}

// MergeBranches merges sourceID into targetID within the active tree. Merge
// status changes are persisted whether or not the merge succeeds. A merge
// that leaves the tree invalid is rolled back and not persisted.
func (m *Manager) MergeBranches(
	ctx context.Context,
	sourceID string,
	targetID string,
	strategy conversation.MergeStrategy,
) (*conversation.MergeResult, error) {
	var ret *conversation.MergeResult
	err := m.mutateActive(ctx, "merge branches", func(st *treeState) (events.Event, error) {
		before := st.tree.Clone()
		res, err := m.branches.MergeBranches(ctx, st.tree, sourceID, targetID, strategy)
		if err != nil {
			if conversation.IsIntegrity(err) {
				st.tree = before
			}
			return nil, err
		}
		if res.Success {
			m.uncacheNodes(st.tree.ID, map[string]*conversation.Node{targetID: nil})
		}
		ret = res
		return events.NewMergeEvent(st.tree.ID, sourceID, targetID, res), nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// AppendMessage adds a message to the active node of the active tree. The
// change is saved by the auto-saver or the next explicit save.
func (m *Manager) AppendMessage(ctx context.Context, msg *conversation.Message) error {
	const op = "append message"
	if msg == nil {
		return conversation.NewValidationError(op, "pass a message", "message is nil")
	}
	st, err := m.lockActiveTree(op)
	if err != nil {
		return err
	}
	defer st.mu.Unlock()

	node, ok := st.tree.ActiveNode()
	if !ok {
		return conversation.NewIntegrityError(op, errors.Errorf("active node %s not found", st.tree.ActiveNodeID))
	}
	node.AppendMessages(msg)
	st.tree.Metadata.TotalMessages++
	st.tree.Touch()
	st.dirty = true
	return nil
}

// PruneEmptyBranches removes empty leaves from the active tree and returns
// their ids.
func (m *Manager) PruneEmptyBranches(ctx context.Context) ([]string, error) {
	var removed []string
	err := m.mutateActive(ctx, "prune empty branches", func(st *treeState) (events.Event, error) {
		removed = st.tree.PruneEmptyBranches()
		if len(removed) == 0 {
			return nil, nil
		}
		gone := make(map[string]*conversation.Node, len(removed))
		for _, id := range removed {
			gone[id] = nil
		}
		m.uncacheNodes(st.tree.ID, gone)
		return events.NewNodesPrunedEvent(st.tree.ID, removed), nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// ValidateTree validates a loaded tree, or the active tree if id is empty.
func (m *Manager) ValidateTree(id string) (conversation.ValidationResult, error) {
	const op = "validate tree"
	var st *treeState
	var err error
	if id == "" {
		st, err = m.lockActiveTree(op)
	} else {
		st, err = m.lockTree(op, id)
	}
	if err != nil {
		return conversation.ValidationResult{}, err
	}
	defer st.mu.Unlock()
	return conversation.Validate(st.tree), nil
}

type Stats struct {
	TreeID       string                    `json:"treeId"`
	Name         string                    `json:"name"`
	ActiveNodeID string                    `json:"activeNodeId"`
	ActiveDepth  int                       `json:"activeDepth"`
	Metadata     conversation.TreeMetadata `json:"metadata"`
	Unsaved      bool                      `json:"unsaved"`
}

// Stats summarizes the active tree.
func (m *Manager) Stats() (*Stats, error) {
	st, err := m.lockActiveTree("stats")
	if err != nil {
		return nil, err
	}
	defer st.mu.Unlock()

	md := st.tree.Metadata
	md.Tags = append([]string{}, md.Tags...)
	return &Stats{
		TreeID:       st.tree.ID,
		Name:         st.tree.Name,
		ActiveNodeID: st.tree.ActiveNodeID,
		ActiveDepth:  st.tree.Depth(st.tree.ActiveNodeID),
		Metadata:     md,
		Unsaved:      st.dirty,
	}, nil
}
