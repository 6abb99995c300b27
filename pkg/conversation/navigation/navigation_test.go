package navigation

import (
	"context"
	"testing"

	"github.com/go-go-golems/convtree/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedMessage struct {
	role    string
	content string
}

type fakeLog struct {
	ended    int
	labels   []string
	messages []recordedMessage
	failAdd  error
}

func (f *fakeLog) EndSession(ctx context.Context) error {
	f.ended++
	return nil
}

func (f *fakeLog) StartSession(ctx context.Context, label string) error {
	f.labels = append(f.labels, label)
	f.messages = nil
	return nil
}

func (f *fakeLog) AddMessage(ctx context.Context, role string, content string, metadata map[string]interface{}) error {
	if f.failAdd != nil {
		return f.failAdd
	}
	f.messages = append(f.messages, recordedMessage{role: role, content: content})
	return nil
}

// testTree returns root -> (left, right), left -> leaf.
func testTree() (*conversation.Tree, map[string]*conversation.Node) {
	tree := conversation.NewTree("nav", "", conversation.Conversation{
		conversation.NewMessage(conversation.RoleUser, "q"),
		conversation.NewMessage(conversation.RoleTool, "tool output"),
		conversation.NewMessage(conversation.RoleAssistant, "a"),
	})
	root, _ := tree.Root()
	add := func(parent *conversation.Node, name string) *conversation.Node {
		n := conversation.NewNode(name)
		n.ParentID = parent.ID
		n.Messages = append(conversation.Conversation{}, parent.Messages...)
		parent.Children = append(parent.Children, n.ID)
		tree.Nodes[n.ID] = n
		return n
	}
	left := add(root, "left")
	right := add(root, "right")
	leaf := add(left, "leaf")
	tree.RecomputeMetadata()
	return tree, map[string]*conversation.Node{"root": root, "left": left, "right": right, "leaf": leaf}
}

func TestSwitchToReplaysNonToolMessages(t *testing.T) {
	tree, nodes := testTree()
	sl := &fakeLog{}
	s := New(sl)

	res, err := s.SwitchTo(context.Background(), tree, nodes["left"].ID)
	require.NoError(t, err)
	assert.Equal(t, nodes["root"].ID, res.PreviousNodeID)
	assert.Equal(t, nodes["left"].ID, tree.ActiveNodeID)
	assert.False(t, nodes["left"].LastActive.IsZero())

	assert.Equal(t, 1, sl.ended)
	assert.Equal(t, []string{"nav - left"}, sl.labels)
	assert.Equal(t, []recordedMessage{{"user", "q"}, {"assistant", "a"}}, sl.messages)
}

func TestSwitchToUnknownNode(t *testing.T) {
	tree, nodes := testTree()
	s := New(&fakeLog{})
	_, err := s.SwitchTo(context.Background(), tree, "nope")
	require.Error(t, err)
	assert.True(t, conversation.IsNotFound(err))
	assert.Equal(t, nodes["root"].ID, tree.ActiveNodeID)
}

func TestSwitchToKeepsPointerWhenReplayFails(t *testing.T) {
	tree, nodes := testTree()
	s := New(&fakeLog{failAdd: errors.New("log closed")})
	res, err := s.SwitchTo(context.Background(), tree, nodes["right"].ID)
	require.Error(t, err)
	assert.True(t, conversation.IsIO(err))
	require.NotNil(t, res)
	assert.Equal(t, nodes["right"].ID, tree.ActiveNodeID)
}

func TestSwitchWithoutLog(t *testing.T) {
	tree, nodes := testTree()
	s := New(nil)
	_, err := s.SwitchTo(context.Background(), tree, nodes["leaf"].ID)
	require.NoError(t, err)
	assert.Equal(t, nodes["leaf"].ID, tree.ActiveNodeID)
}

func TestToParentAndChild(t *testing.T) {
	ctx := context.Background()
	tree, nodes := testTree()
	s := New(nil)

	res, err := s.ToParent(ctx, tree)
	require.NoError(t, err)
	assert.Nil(t, res, "root has no parent")

	res, err = s.ToChild(ctx, tree, 1)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, nodes["right"].ID, tree.ActiveNodeID)

	res, err = s.ToChild(ctx, tree, 0)
	require.NoError(t, err)
	assert.Nil(t, res, "right has no children")

	res, err = s.ToParent(ctx, tree)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, nodes["root"].ID, tree.ActiveNodeID)

	res, err = s.ToChild(ctx, tree, 5)
	require.NoError(t, err)
	assert.Nil(t, res)
	res, err = s.ToChild(ctx, tree, -1)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, nodes["root"].ID, tree.ActiveNodeID)
}

func TestPathToRoot(t *testing.T) {
	tree, nodes := testTree()
	s := New(nil)
	tree.ActiveNodeID = nodes["leaf"].ID

	path := s.PathToRoot(tree)
	require.Len(t, path, 3)
	assert.Equal(t, nodes["root"].ID, path[0].ID)
	assert.Equal(t, nodes["left"].ID, path[1].ID)
	assert.Equal(t, nodes["leaf"].ID, path[2].ID)
}

func TestSiblings(t *testing.T) {
	ctx := context.Background()
	tree, nodes := testTree()
	s := New(nil)

	assert.Nil(t, s.Siblings(tree))

	tree.ActiveNodeID = nodes["left"].ID
	assert.Equal(t, []string{nodes["right"].ID}, s.Siblings(tree))

	res, err := s.ToSibling(ctx, tree, 1)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, nodes["right"].ID, tree.ActiveNodeID)

	res, err = s.ToSibling(ctx, tree, 1)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, nodes["left"].ID, tree.ActiveNodeID, "wraps around")

	tree.ActiveNodeID = nodes["leaf"].ID
	res, err = s.ToSibling(ctx, tree, 1)
	require.NoError(t, err)
	assert.Nil(t, res, "only child")
}
