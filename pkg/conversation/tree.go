package conversation

import (
	"time"

	"github.com/google/uuid"
	"github.com/huandu/go-clone"
	"github.com/lithammer/shortuuid/v3"
)

type MergeStatus string

const (
	MergeStatusUnmerged MergeStatus = "unmerged"
	MergeStatusMerged   MergeStatus = "merged"
	MergeStatusConflict MergeStatus = "conflict"
)

// MainBranchName is the branch name given to the root node of every tree.
const MainBranchName = "main"

// BranchPoint records where and why a node diverged from its parent.
type BranchPoint struct {
	MessageIndex     int                    `json:"messageIndex" yaml:"messageIndex"`
	Timestamp        time.Time              `json:"timestamp" yaml:"timestamp"`
	DivergenceReason string                 `json:"divergenceReason" yaml:"divergenceReason"`
	Metadata         map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

type NodeMetadata struct {
	BranchName   string                 `json:"branchName" yaml:"branchName"`
	IsMainBranch bool                   `json:"isMainBranch" yaml:"isMainBranch"`
	MergeStatus  MergeStatus            `json:"mergeStatus" yaml:"mergeStatus"`
	MessageCount int                    `json:"messageCount" yaml:"messageCount"`
	Size         int                    `json:"size" yaml:"size"`
	Tags         []string               `json:"tags" yaml:"tags"`
	Custom       map[string]interface{} `json:"custom,omitempty" yaml:"custom,omitempty"`
}

// Node is one snapshot of a conversation plus its position in the tree.
// Parent and child links are ids into Tree.Nodes, never pointers.
type Node struct {
	ID              string                 `json:"id" yaml:"id"`
	Name            string                 `json:"name" yaml:"name"`
	Description     string                 `json:"description,omitempty" yaml:"description,omitempty"`
	ParentID        string                 `json:"parentId,omitempty" yaml:"parentId,omitempty"`
	Children        []string               `json:"children" yaml:"children"`
	Messages        Conversation           `json:"messages" yaml:"messages"`
	ContextSnapshot map[string]interface{} `json:"contextSnapshot,omitempty" yaml:"contextSnapshot,omitempty"`
	BranchPoint     *BranchPoint           `json:"branchPoint,omitempty" yaml:"branchPoint,omitempty"`
	Metadata        NodeMetadata           `json:"metadata" yaml:"metadata"`
	CreatedAt       time.Time              `json:"createdAt" yaml:"createdAt"`
	LastModified    time.Time              `json:"lastModified" yaml:"lastModified"`
	LastActive      time.Time              `json:"lastActive" yaml:"lastActive"`
}

type TreeMetadata struct {
	TotalNodes         int      `json:"totalNodes" yaml:"totalNodes"`
	TotalMessages      int      `json:"totalMessages" yaml:"totalMessages"`
	MaxDepth           int      `json:"maxDepth" yaml:"maxDepth"`
	BranchCount        int      `json:"branchCount" yaml:"branchCount"`
	MergedBranches     int      `json:"mergedBranches" yaml:"mergedBranches"`
	ConflictedBranches int      `json:"conflictedBranches" yaml:"conflictedBranches"`
	Tags               []string `json:"tags" yaml:"tags"`
}

// Tree is a persistent, branchable tree of conversation states.
//
// Nodes are kept in an id-keyed map, parent/child relationships are expressed
// through ids. RootID names the single node without a parent, ActiveNodeID the
// node that is currently checked out.
type Tree struct {
	ID           string           `json:"id" yaml:"id"`
	Name         string           `json:"name" yaml:"name"`
	Description  string           `json:"description,omitempty" yaml:"description,omitempty"`
	RootID       string           `json:"rootId" yaml:"rootId"`
	Nodes        map[string]*Node `json:"-" yaml:"nodes"`
	ActiveNodeID string           `json:"activeNodeId" yaml:"activeNodeId"`
	Metadata     TreeMetadata     `json:"metadata" yaml:"metadata"`
	CreatedAt    time.Time        `json:"createdAt" yaml:"createdAt"`
	LastModified time.Time        `json:"lastModified" yaml:"lastModified"`
}

func NewTreeID() string {
	return uuid.NewString()
}

func NewNodeID() string {
	return "node_" + shortuuid.New()
}

// NewNode allocates a detached node with fresh timestamps.
func NewNode(name string) *Node {
	now := time.Now()
	return &Node{
		ID:       NewNodeID(),
		Name:     name,
		Children: []string{},
		Messages: Conversation{},
		Metadata: NodeMetadata{
			BranchName:  name,
			MergeStatus: MergeStatusUnmerged,
			Tags:        []string{},
		},
		CreatedAt:    now,
		LastModified: now,
		LastActive:   now,
	}
}

// NewTree creates a tree holding a single root node seeded with messages.
func NewTree(name string, description string, seed Conversation) *Tree {
	now := time.Now()
	root := NewNode(MainBranchName)
	root.Description = description
	root.Metadata.IsMainBranch = true
	if len(seed) > 0 {
		root.Messages = clone.Clone(seed).(Conversation)
	}
	root.RefreshStats()

	t := &Tree{
		ID:           NewTreeID(),
		Name:         name,
		Description:  description,
		RootID:       root.ID,
		Nodes:        map[string]*Node{root.ID: root},
		ActiveNodeID: root.ID,
		Metadata: TreeMetadata{
			Tags: []string{},
		},
		CreatedAt:    now,
		LastModified: now,
	}
	t.RecomputeMetadata()
	return t
}

func (t *Tree) Node(id string) (*Node, bool) {
	n, ok := t.Nodes[id]
	return n, ok
}

func (t *Tree) Root() (*Node, bool) {
	return t.Node(t.RootID)
}

func (t *Tree) ActiveNode() (*Node, bool) {
	return t.Node(t.ActiveNodeID)
}

// Depth returns the number of hops from the root to id, or -1 if id is unknown
// or its parent chain does not reach a root within len(Nodes) hops.
func (t *Tree) Depth(id string) int {
	n, ok := t.Nodes[id]
	if !ok {
		return -1
	}
	depth := 0
	for n.ParentID != "" {
		parent, ok := t.Nodes[n.ParentID]
		if !ok || depth >= len(t.Nodes) {
			return -1
		}
		depth++
		n = parent
	}
	return depth
}

// PathToRoot returns the nodes from the root down to id, root first.
// It returns nil if id is unknown. A broken parent chain stops the walk at the
// last reachable node.
func (t *Tree) PathToRoot(id string) []*Node {
	n, ok := t.Nodes[id]
	if !ok {
		return nil
	}
	var path []*Node
	for hops := 0; hops <= len(t.Nodes); hops++ {
		path = append(path, n)
		if n.ParentID == "" {
			break
		}
		parent, ok := t.Nodes[n.ParentID]
		if !ok {
			break
		}
		n = parent
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// IsAncestor reports whether ancestorID lies strictly above id on id's path to the root.
func (t *Tree) IsAncestor(ancestorID string, id string) bool {
	if ancestorID == id {
		return false
	}
	for _, n := range t.PathToRoot(id) {
		if n.ID == ancestorID {
			return true
		}
	}
	return false
}

// RecomputeMetadata refreshes the aggregate counters that can be derived from
// the node set. The branch counter is kept by branching and pruning, merge
// counters are history. Neither is touched here.
func (t *Tree) RecomputeMetadata() {
	t.Metadata.TotalNodes = len(t.Nodes)
	total := 0
	maxDepth := 0
	for id, n := range t.Nodes {
		total += len(n.Messages)
		if d := t.Depth(id); d > maxDepth {
			maxDepth = d
		}
	}
	t.Metadata.TotalMessages = total
	t.Metadata.MaxDepth = maxDepth
}

// Touch marks the tree as modified.
func (t *Tree) Touch() {
	t.LastModified = time.Now()
}

// Clone returns a deep copy of the tree.
func (t *Tree) Clone() *Tree {
	if t == nil {
		return nil
	}
	return clone.Clone(t).(*Tree)
}

// PruneEmptyBranches removes leaf nodes that have neither messages nor
// children, repeating until no such leaf is left. The root and the active node
// are never removed. Every removed node counts as a removed branch. It
// returns the ids of the removed nodes.
func (t *Tree) PruneEmptyBranches() []string {
	var removed []string
	for {
		var victims []string
		for id, n := range t.Nodes {
			if id == t.RootID || id == t.ActiveNodeID {
				continue
			}
			if len(n.Children) == 0 && len(n.Messages) == 0 {
				victims = append(victims, id)
			}
		}
		if len(victims) == 0 {
			break
		}
		for _, id := range victims {
			n := t.Nodes[id]
			if parent, ok := t.Nodes[n.ParentID]; ok {
				parent.Children = removeString(parent.Children, id)
				parent.Touch()
			}
			delete(t.Nodes, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		t.Metadata.BranchCount -= len(removed)
		if t.Metadata.BranchCount < 0 {
			t.Metadata.BranchCount = 0
		}
		t.RecomputeMetadata()
		t.Touch()
	}
	return removed
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	return clone.Clone(n).(*Node)
}

// Touch marks the node as modified.
func (n *Node) Touch() {
	n.LastModified = time.Now()
}

// RefreshStats recomputes the message count and size of the node.
func (n *Node) RefreshStats() {
	n.Metadata.MessageCount = len(n.Messages)
	n.Metadata.Size = n.Messages.Size()
}

// Model returns the model identifier recorded for this node, if any.
func (n *Node) Model() string {
	if m, ok := n.Metadata.Custom["model"].(string); ok && m != "" {
		return m
	}
	if m, ok := n.ContextSnapshot["model"].(string); ok {
		return m
	}
	return ""
}

// AppendMessages adds messages to the node and refreshes its stats.
func (n *Node) AppendMessages(msgs ...*Message) {
	n.Messages = append(n.Messages, msgs...)
	n.RefreshStats()
	n.Touch()
}

func removeString(s []string, v string) []string {
	ret := s[:0]
	for _, x := range s {
		if x != v {
			ret = append(ret, x)
		}
	}
	return ret
}
