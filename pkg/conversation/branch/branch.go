// Package branch creates branches in a conversation tree, compares them and
// merges them back together.
package branch

import (
	"context"
	"time"

	"github.com/go-go-golems/convtree/pkg/conversation"
	"github.com/huandu/go-clone"
	"github.com/iancoleman/strcase"
	"github.com/rs/zerolog/log"
)

const DefaultMaxBranchDepth = 10

// Checkpointer snapshots external state (files, tool context) when a branch
// asks for it.
type Checkpointer interface {
	CreateCheckpoint(ctx context.Context, label string) (string, error)
}

type Service struct {
	maxDepth           int
	checkpointer       Checkpointer
	validateAfterMerge bool
}

type ServiceOption func(*Service)

func WithMaxDepth(depth int) ServiceOption {
	return func(s *Service) {
		if depth > 0 {
			s.maxDepth = depth
		}
	}
}

func WithCheckpointer(c Checkpointer) ServiceOption {
	return func(s *Service) {
		s.checkpointer = c
	}
}

func WithValidateAfterMerge(validate bool) ServiceOption {
	return func(s *Service) {
		s.validateAfterMerge = validate
	}
}

func NewService(options ...ServiceOption) *Service {
	s := &Service{
		maxDepth:           DefaultMaxBranchDepth,
		validateAfterMerge: true,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

func (s *Service) MaxDepth() int {
	return s.maxDepth
}

// Options tunes a single CreateBranch call. CopyMessages and CopyContext
// default to true when left nil.
type Options struct {
	Description      string
	DivergenceReason string
	CopyMessages     *bool
	CopyContext      *bool
	Tags             []string
	Custom           map[string]interface{}
	CreateCheckpoint bool
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// CreateBranch adds a child of fromNodeID to the tree.
func (s *Service) CreateBranch(ctx context.Context, tree *conversation.Tree, fromNodeID string, name string, opts Options) (*conversation.Node, error) {
	const op = "create branch"
	source, ok := tree.Node(fromNodeID)
	if !ok {
		return nil, conversation.NewNotFoundError(op, "source node %s not found in tree %s", fromNodeID, tree.ID)
	}
	depth := tree.Depth(fromNodeID)
	if depth < 0 {
		return nil, conversation.NewIntegrityError(op, conversation.Validate(tree).Err())
	}
	if depth >= s.maxDepth {
		return nil, conversation.NewValidationError(op,
			"branch from a shallower node or raise the maximum branch depth",
			"node %s is at depth %d, maximum branch depth is %d", fromNodeID, depth, s.maxDepth)
	}

	now := time.Now()
	node := conversation.NewNode(name)
	node.Description = opts.Description
	node.ParentID = source.ID
	node.Metadata.BranchName = strcase.ToKebab(name)
	if len(opts.Tags) > 0 {
		node.Metadata.Tags = append([]string{}, opts.Tags...)
	}
	if opts.Custom != nil {
		node.Metadata.Custom = clone.Clone(opts.Custom).(map[string]interface{})
	}

	if boolOr(opts.CopyMessages, true) && len(source.Messages) > 0 {
		node.Messages = clone.Clone(source.Messages).(conversation.Conversation)
	}
	if boolOr(opts.CopyContext, true) && source.ContextSnapshot != nil {
		node.ContextSnapshot = clone.Clone(source.ContextSnapshot).(map[string]interface{})
	}
	node.RefreshStats()

	reason := opts.DivergenceReason
	if reason == "" {
		reason = "manual branch"
	}
	node.BranchPoint = &conversation.BranchPoint{
		MessageIndex:     len(source.Messages),
		Timestamp:        now,
		DivergenceReason: reason,
		Metadata: map[string]interface{}{
			"sourceNodeId": source.ID,
			"sourceBranch": source.Metadata.BranchName,
		},
	}

	if opts.CreateCheckpoint && s.checkpointer != nil {
		checkpointID, err := s.checkpointer.CreateCheckpoint(ctx, "branch: "+name)
		if err != nil {
			log.Warn().Err(err).Str("tree_id", tree.ID).Str("branch", name).Msg("Failed to create checkpoint for branch")
		} else {
			node.BranchPoint.Metadata["checkpointId"] = checkpointID
		}
	}

	source.Children = append(source.Children, node.ID)
	source.Touch()
	tree.Nodes[node.ID] = node

	tree.Metadata.TotalNodes++
	tree.Metadata.BranchCount++
	tree.Metadata.TotalMessages += len(node.Messages)
	if depth+1 > tree.Metadata.MaxDepth {
		tree.Metadata.MaxDepth = depth + 1
	}
	tree.Touch()

	log.Info().
		Str("tree_id", tree.ID).
		Str("node_id", node.ID).
		Str("from", source.ID).
		Str("branch", node.Metadata.BranchName).
		Int("depth", depth+1).
		Int("messages", len(node.Messages)).
		Msg("Created branch")

	return node, nil
}

// CommonAncestor returns the deepest node that lies on both a's and b's path
// to the root.
func (s *Service) CommonAncestor(tree *conversation.Tree, a string, b string) (*conversation.Node, error) {
	const op = "common ancestor"
	pathA := tree.PathToRoot(a)
	if pathA == nil {
		return nil, conversation.NewNotFoundError(op, "node %s not found", a)
	}
	pathB := tree.PathToRoot(b)
	if pathB == nil {
		return nil, conversation.NewNotFoundError(op, "node %s not found", b)
	}

	var ancestor *conversation.Node
	for i := 0; i < len(pathA) && i < len(pathB); i++ {
		if pathA[i].ID != pathB[i].ID {
			break
		}
		ancestor = pathA[i]
	}
	if ancestor == nil {
		return nil, conversation.NewIntegrityError(op, conversation.Validate(tree).Err())
	}
	return ancestor, nil
}

// ContextDiff lists the top-level context keys that differ between two nodes.
type ContextDiff struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Changed []string `json:"changed"`
}

// MetadataDiff captures metadata differences between two nodes.
type MetadataDiff struct {
	MergeStatus [2]conversation.MergeStatus `json:"mergeStatus"`
	Models      [2]string                   `json:"models"`
	TagsOnlyA   []string                    `json:"tagsOnlyA"`
	TagsOnlyB   []string                    `json:"tagsOnlyB"`
}

// Comparison is the result of CompareBranches.
type Comparison struct {
	NodeA            string                       `json:"nodeA"`
	NodeB            string                       `json:"nodeB"`
	CommonAncestorID string                       `json:"commonAncestorId"`
	MessageDelta     int                          `json:"messageDelta"`
	UniqueToA        int                          `json:"uniqueToA"`
	UniqueToB        int                          `json:"uniqueToB"`
	Context          ContextDiff                  `json:"context"`
	Metadata         MetadataDiff                 `json:"metadata"`
	Conflicts        []conversation.MergeConflict `json:"conflicts"`
}

// CompareBranches describes how a and b diverged from their common ancestor.
func (s *Service) CompareBranches(tree *conversation.Tree, a string, b string) (*Comparison, error) {
	nodeA, ok := tree.Node(a)
	if !ok {
		return nil, conversation.NewNotFoundError("compare branches", "node %s not found", a)
	}
	nodeB, ok := tree.Node(b)
	if !ok {
		return nil, conversation.NewNotFoundError("compare branches", "node %s not found", b)
	}
	ancestor, err := s.CommonAncestor(tree, a, b)
	if err != nil {
		return nil, err
	}

	base := ancestor.Messages.IDs()
	return &Comparison{
		NodeA:            a,
		NodeB:            b,
		CommonAncestorID: ancestor.ID,
		MessageDelta:     len(nodeA.Messages) - len(nodeB.Messages),
		UniqueToA:        len(delta(nodeA.Messages, base)),
		UniqueToB:        len(delta(nodeB.Messages, base)),
		Context:          diffContext(nodeA.ContextSnapshot, nodeB.ContextSnapshot),
		Metadata: MetadataDiff{
			MergeStatus: [2]conversation.MergeStatus{nodeA.Metadata.MergeStatus, nodeB.Metadata.MergeStatus},
			Models:      [2]string{nodeA.Model(), nodeB.Model()},
			TagsOnlyA:   subtract(nodeA.Metadata.Tags, nodeB.Metadata.Tags),
			TagsOnlyB:   subtract(nodeB.Metadata.Tags, nodeA.Metadata.Tags),
		},
		Conflicts: DetectConflicts(nodeA, nodeB, ancestor),
	}, nil
}

func subtract(a, b []string) []string {
	in := make(map[string]struct{}, len(b))
	for _, x := range b {
		in[x] = struct{}{}
	}
	ret := []string{}
	for _, x := range a {
		if _, ok := in[x]; !ok {
			ret = append(ret, x)
		}
	}
	return ret
}
