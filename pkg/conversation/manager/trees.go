package manager

import (
	"context"

	"github.com/go-go-golems/convtree/pkg/conversation"
	"github.com/go-go-golems/convtree/pkg/conversation/store"
	"github.com/go-go-golems/convtree/pkg/events"
	"github.com/huandu/go-clone"
	"github.com/rs/zerolog/log"
)

type CreateOptions struct {
	Description string
	Messages    conversation.Conversation
	Tags        []string
	// Context seeds the context snapshot of the root node.
	Context map[string]interface{}
}

// CreateTree creates a tree with a single root node, saves it and makes it
// the active tree.
func (m *Manager) CreateTree(ctx context.Context, name string, opts CreateOptions) (*conversation.Tree, error) {
	const op = "create tree"
	if err := m.checkInitialized(op); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, conversation.NewValidationError(op, "pass a non-empty name", "tree name is empty")
	}

	tree := conversation.NewTree(name, opts.Description, opts.Messages)
	if len(opts.Tags) > 0 {
		tree.Metadata.Tags = append([]string{}, opts.Tags...)
	}
	if opts.Context != nil {
		root, _ := tree.Root()
		root.ContextSnapshot = clone.Clone(opts.Context).(map[string]interface{})
	}

	st := &treeState{tree: tree}
	if err := m.persist(ctx, st); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.trees[tree.ID] = st
	m.activeTreeID = tree.ID
	m.mu.Unlock()
	m.cacheNode(tree.ID, tree.Nodes[tree.RootID])

	log.Info().
		Str("tree_id", tree.ID).
		Str("name", name).
		Int("messages", len(opts.Messages)).
		Msg("Created conversation tree")
	m.publish(events.NewTreeCreatedEvent(tree))

	return tree.Clone(), nil
}

// LoadTree loads a tree from the store, validates it and makes it the active
// tree. A tree that is already loaded is not read again. Concurrent loads of
// the same id share a single read.
func (m *Manager) LoadTree(ctx context.Context, id string) (*conversation.Tree, error) {
	const op = "load tree"
	if err := m.checkInitialized(op); err != nil {
		return nil, err
	}

	v, err, shared := m.loads.Do(id, func() (interface{}, error) {
		if st := m.state(id); st != nil {
			return st, nil
		}
		return m.loadFromStore(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	st := v.(*treeState)

	m.mu.Lock()
	m.activeTreeID = id
	m.mu.Unlock()

	st.mu.Lock()
	ret := st.tree.Clone()
	st.mu.Unlock()

	log.Info().Str("tree_id", id).Bool("shared", shared).Msg("Loaded conversation tree")
	m.publish(events.NewTreeLoadedEvent(ret))
	return ret, nil
}

func (m *Manager) loadFromStore(ctx context.Context, id string) (*treeState, error) {
	tree, err := m.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	if tree.Metadata.TotalNodes != len(tree.Nodes) {
		log.Warn().
			Str("tree_id", id).
			Int("recorded", tree.Metadata.TotalNodes).
			Int("actual", len(tree.Nodes)).
			Msg("Node count out of sync, recomputing tree metadata")
		tree.RecomputeMetadata()
	}

	if m.validateOnLoad {
		res := conversation.Validate(tree)
		if !res.IsValid {
			log.Error().Str("tree_id", id).Strs("errors", res.Errors).Msg("Refusing to load invalid tree")
			return nil, res.Err()
		}
	}

	st := &treeState{tree: tree}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.trees[id]; ok {
		return existing, nil
	}
	m.trees[id] = st
	return st, nil
}

func (m *Manager) SaveTree(ctx context.Context, id string) error {
	return m.saveTree(ctx, "save tree", id, false)
}

func (m *Manager) SaveActiveTree(ctx context.Context) error {
	const op = "save active tree"
	if err := m.checkInitialized(op); err != nil {
		return err
	}
	id := m.ActiveTreeID()
	if id == "" {
		return noActiveTreeError(op)
	}
	return m.saveTree(ctx, op, id, false)
}

func (m *Manager) saveTree(ctx context.Context, op string, id string, auto bool) error {
	st, err := m.lockTree(op, id)
	if err != nil {
		return err
	}
	err = m.persist(ctx, st)
	var ev events.Event
	if err == nil {
		ev = events.NewTreeSavedEvent(st.tree, auto)
	}
	st.mu.Unlock()
	if err != nil {
		return err
	}

	log.Debug().Str("tree_id", id).Bool("auto", auto).Msg("Saved conversation tree")
	m.publish(ev)
	return nil
}

// DeleteTree removes a tree from memory and from the store. It returns false
// if the tree existed in neither.
func (m *Manager) DeleteTree(ctx context.Context, id string) (bool, error) {
	const op = "delete tree"
	if err := m.checkInitialized(op); err != nil {
		return false, err
	}

	inMemory := false
	if st := m.state(id); st != nil {
		st.mu.Lock()
		st.deleted = true
		m.uncacheNodes(id, st.tree.Nodes)
		st.mu.Unlock()

		m.mu.Lock()
		delete(m.trees, id)
		if m.activeTreeID == id {
			m.activeTreeID = ""
		}
		m.mu.Unlock()
		inMemory = true
	}

	onDisk, err := m.store.Delete(ctx, id)
	if err != nil {
		return inMemory, err
	}
	if !inMemory && !onDisk {
		return false, nil
	}

	log.Info().Str("tree_id", id).Msg("Deleted conversation tree")
	m.publish(events.NewTreeDeletedEvent(id))
	return true, nil
}

func (m *Manager) ListTrees(ctx context.Context) ([]store.TreeSummary, error) {
	if err := m.checkInitialized("list trees"); err != nil {
		return nil, err
	}
	return m.store.List(ctx)
}

func (m *Manager) ActiveTreeID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeTreeID
}

// ActiveTree returns a copy of the active tree.
func (m *Manager) ActiveTree() (*conversation.Tree, error) {
	st, err := m.lockActiveTree("active tree")
	if err != nil {
		return nil, err
	}
	defer st.mu.Unlock()
	return st.tree.Clone(), nil
}

// Tree returns a copy of a loaded tree.
func (m *Manager) Tree(id string) (*conversation.Tree, error) {
	st, err := m.lockTree("get tree", id)
	if err != nil {
		return nil, err
	}
	defer st.mu.Unlock()
	return st.tree.Clone(), nil
}

// SetActiveTree makes id the active tree, loading it if needed.
func (m *Manager) SetActiveTree(ctx context.Context, id string) error {
	const op = "set active tree"
	if err := m.checkInitialized(op); err != nil {
		return err
	}
	if m.state(id) == nil {
		_, err := m.LoadTree(ctx, id)
		return err
	}
	m.mu.Lock()
	m.activeTreeID = id
	m.mu.Unlock()
	log.Debug().Str("tree_id", id).Msg("Switched active tree")
	return nil
}

// ImportTree adds a tree built outside the manager, for example from an
// export, and makes it the active tree. An existing tree with the same id is
// only replaced when replace is set.
func (m *Manager) ImportTree(ctx context.Context, tree *conversation.Tree, replace bool) (*conversation.Tree, error) {
	const op = "import tree"
	if err := m.checkInitialized(op); err != nil {
		return nil, err
	}
	if tree == nil {
		return nil, conversation.NewValidationError(op, "pass a tree", "tree is nil")
	}
	if err := conversation.Validate(tree).Err(); err != nil {
		return nil, err
	}
	if !replace && (m.state(tree.ID) != nil || m.store.Exists(ctx, tree.ID)) {
		return nil, conversation.NewValidationError(op,
			"delete the existing tree or import with replace",
			"tree %s already exists", tree.ID)
	}

	tree = tree.Clone()
	tree.RecomputeMetadata()
	if old := m.state(tree.ID); old != nil {
		old.mu.Lock()
		old.deleted = true
		m.uncacheNodes(tree.ID, old.tree.Nodes)
		old.mu.Unlock()
	}

	st := &treeState{tree: tree}
	if err := m.persist(ctx, st); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.trees[tree.ID] = st
	m.activeTreeID = tree.ID
	m.mu.Unlock()

	log.Info().Str("tree_id", tree.ID).Int("nodes", len(tree.Nodes)).Bool("replace", replace).Msg("Imported conversation tree")
	m.publish(events.NewTreeLoadedEvent(tree))
	return tree.Clone(), nil
}
