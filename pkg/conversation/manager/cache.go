package manager

import (
	"github.com/go-go-golems/convtree/pkg/conversation"
)

func cacheKey(treeID, nodeID string) string {
	return treeID + "/" + nodeID
}

func (m *Manager) cacheNode(treeID string, node *conversation.Node) {
	if m.cache == nil || node == nil {
		return
	}
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	m.cache.Add(cacheKey(treeID, node.ID), node)
}

// uncacheNodes drops the given node ids of a tree from the cache. Only the
// keys of nodes are used.
func (m *Manager) uncacheNodes(treeID string, nodes map[string]*conversation.Node) {
	if m.cache == nil {
		return
	}
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	for id := range nodes {
		m.cache.Remove(cacheKey(treeID, id))
	}
}

// CachedNode returns a copy of a recently used node. The cache is only a
// hint: entries that are no longer part of their loaded tree are dropped and
// reported as misses.
func (m *Manager) CachedNode(treeID string, nodeID string) (*conversation.Node, bool) {
	if m.cache == nil {
		return nil, false
	}
	m.cacheMu.Lock()
	v, ok := m.cache.Get(cacheKey(treeID, nodeID))
	m.cacheMu.Unlock()
	if !ok {
		return nil, false
	}

	st := m.state(treeID)
	if st == nil {
		m.uncacheNodes(treeID, map[string]*conversation.Node{nodeID: nil})
		return nil, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	current, ok := st.tree.Nodes[nodeID]
	if !ok || current != v.(*conversation.Node) {
		m.uncacheNodes(treeID, map[string]*conversation.Node{nodeID: nil})
		return nil, false
	}
	return current.Clone(), true
}
