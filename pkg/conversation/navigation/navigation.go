// Package navigation moves the active node pointer of a conversation tree and
// keeps the external session transcript in sync with the checked out branch.
package navigation

import (
	"context"
	"fmt"
	"time"

	"github.com/go-go-golems/convtree/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// SessionLog is the conversation history the user sees. Switching branches
// replaces its current session with the messages of the target node.
type SessionLog interface {
	EndSession(ctx context.Context) error
	StartSession(ctx context.Context, label string) error
	AddMessage(ctx context.Context, role string, content string, metadata map[string]interface{}) error
}

// SwitchResult describes a completed pointer move.
type SwitchResult struct {
	Node           *conversation.Node
	PreviousNodeID string
}

type Service struct {
	sessionLog SessionLog
}

// New creates a navigation service. A nil session log disables replay.
func New(sessionLog SessionLog) *Service {
	return &Service{sessionLog: sessionLog}
}

// SwitchTo makes nodeID the active node and replays its messages into the
// session log. If the replay fails the pointer move is kept and the replay
// error is returned alongside the result.
func (s *Service) SwitchTo(ctx context.Context, tree *conversation.Tree, nodeID string) (*SwitchResult, error) {
	const op = "switch node"
	node, ok := tree.Node(nodeID)
	if !ok {
		return nil, conversation.NewNotFoundError(op, "node %s not found in tree %s", nodeID, tree.ID)
	}

	previous := tree.ActiveNodeID
	tree.ActiveNodeID = nodeID
	node.LastActive = time.Now()

	log.Info().
		Str("tree_id", tree.ID).
		Str("from", previous).
		Str("to", nodeID).
		Str("branch", node.Metadata.BranchName).
		Msg("Switched active node")

	res := &SwitchResult{Node: node, PreviousNodeID: previous}
	if err := s.replay(ctx, tree, node); err != nil {
		log.Warn().Err(err).Str("tree_id", tree.ID).Str("node_id", nodeID).Msg("Failed to replay node messages")
		return res, conversation.NewIOError(op, err)
	}
	return res, nil
}

// SessionLabel is the label of the session started when switching to node.
func SessionLabel(tree *conversation.Tree, node *conversation.Node) string {
	return fmt.Sprintf("%s - %s", tree.Name, node.Name)
}

func (s *Service) replay(ctx context.Context, tree *conversation.Tree, node *conversation.Node) error {
	if s.sessionLog == nil {
		return nil
	}
	if err := s.sessionLog.EndSession(ctx); err != nil {
		return errors.Wrap(err, "failed to end session")
	}
	if err := s.sessionLog.StartSession(ctx, SessionLabel(tree, node)); err != nil {
		return errors.Wrap(err, "failed to start session")
	}
	replayed := 0
	for _, m := range node.Messages {
		if m.Role == conversation.RoleTool {
			continue
		}
		if err := s.sessionLog.AddMessage(ctx, string(m.Role), m.Content, m.Metadata); err != nil {
			return errors.Wrapf(err, "failed to replay message %s", m.ID)
		}
		replayed++
	}
	log.Debug().Str("node_id", node.ID).Int("messages", replayed).Msg("Replayed node messages")
	return nil
}

// ToParent switches to the parent of the active node. It returns nil, nil
// when the active node is the root.
func (s *Service) ToParent(ctx context.Context, tree *conversation.Tree) (*SwitchResult, error) {
	active, ok := tree.ActiveNode()
	if !ok {
		return nil, conversation.NewNotFoundError("navigate to parent", "active node %s not found", tree.ActiveNodeID)
	}
	if active.ParentID == "" {
		return nil, nil
	}
	return s.SwitchTo(ctx, tree, active.ParentID)
}

// ToChild switches to the index-th child of the active node. It returns nil,
// nil if there is no such child.
func (s *Service) ToChild(ctx context.Context, tree *conversation.Tree, index int) (*SwitchResult, error) {
	active, ok := tree.ActiveNode()
	if !ok {
		return nil, conversation.NewNotFoundError("navigate to child", "active node %s not found", tree.ActiveNodeID)
	}
	if index < 0 || index >= len(active.Children) {
		return nil, nil
	}
	return s.SwitchTo(ctx, tree, active.Children[index])
}

// Siblings returns the ids of the other children of the active node's parent.
func (s *Service) Siblings(tree *conversation.Tree) []string {
	active, ok := tree.ActiveNode()
	if !ok || active.ParentID == "" {
		return nil
	}
	parent, ok := tree.Node(active.ParentID)
	if !ok {
		return nil
	}
	var ret []string
	for _, c := range parent.Children {
		if c != active.ID {
			ret = append(ret, c)
		}
	}
	return ret
}

// ToSibling moves offset positions through the parent's children list,
// wrapping around. It returns nil, nil for the root or an only child.
func (s *Service) ToSibling(ctx context.Context, tree *conversation.Tree, offset int) (*SwitchResult, error) {
	active, ok := tree.ActiveNode()
	if !ok || active.ParentID == "" {
		return nil, nil
	}
	parent, ok := tree.Node(active.ParentID)
	if !ok || len(parent.Children) < 2 {
		return nil, nil
	}
	idx := -1
	for i, c := range parent.Children {
		if c == active.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, nil
	}
	n := len(parent.Children)
	next := ((idx+offset)%n + n) % n
	if next == idx {
		return nil, nil
	}
	return s.SwitchTo(ctx, tree, parent.Children[next])
}

// PathToRoot returns the nodes from the root down to the active node.
func (s *Service) PathToRoot(tree *conversation.Tree) []*conversation.Node {
	return tree.PathToRoot(tree.ActiveNodeID)
}
