package manager

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/convtree/pkg/config"
	"github.com/go-go-golems/convtree/pkg/conversation"
	"github.com/go-go-golems/convtree/pkg/conversation/branch"
	"github.com/go-go-golems/convtree/pkg/conversation/store"
	"github.com/go-go-golems/convtree/pkg/events"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/multierr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []events.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	ret := make([]events.EventType, 0, len(p.events))
	for _, ev := range p.events {
		ret = append(ret, ev.Type())
	}
	return ret
}

type fakeSessionLog struct {
	mu       sync.Mutex
	labels   []string
	messages []string
	failAdd  error
}

func (f *fakeSessionLog) EndSession(ctx context.Context) error { return nil }

func (f *fakeSessionLog) StartSession(ctx context.Context, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labels = append(f.labels, label)
	f.messages = nil
	return nil
}

func (f *fakeSessionLog) AddMessage(ctx context.Context, role string, content string, metadata map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAdd != nil {
		return f.failAdd
	}
	f.messages = append(f.messages, content)
	return nil
}

func seed() conversation.Conversation {
	return conversation.Conversation{
		conversation.NewMessage(conversation.RoleUser, "hello"),
		conversation.NewMessage(conversation.RoleAssistant, "hi there"),
	}
}

func newTestManager(t *testing.T, dir string, options ...Option) *Manager {
	t.Helper()
	m := New(store.NewFileStore(dir), options...)
	require.NoError(t, m.Initialize(context.Background()))
	t.Cleanup(func() {
		_ = m.Close(context.Background())
	})
	return m
}

func TestOperationsRequireInitialize(t *testing.T) {
	ctx := context.Background()
	m := New(store.NewFileStore(t.TempDir()))

	_, err := m.CreateTree(ctx, "t", CreateOptions{})
	assert.True(t, conversation.IsNotInitialized(err))
	_, err = m.LoadTree(ctx, "x")
	assert.True(t, conversation.IsNotInitialized(err))
	_, err = m.ListTrees(ctx)
	assert.True(t, conversation.IsNotInitialized(err))
	assert.True(t, conversation.IsNotInitialized(m.StartAutoSave(ctx)))
	assert.NotEmpty(t, conversation.Hint(err))
}

func TestInitializeCreatesLayout(t *testing.T) {
	dir := t.TempDir() + "/trees"
	m := newTestManager(t, dir)
	assert.True(t, m.IsInitialized())
	assert.DirExists(t, dir+"/nodes")
	assert.DirExists(t, dir+"/visualization")
	require.NoError(t, m.Initialize(context.Background()))
}

func TestNoActiveTree(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	_, err := m.CreateBranch(context.Background(), "", "b", branch.Options{})
	require.Error(t, err)
	assert.True(t, conversation.IsNotFound(err))
	assert.Equal(t, "create or load a tree first", conversation.Hint(err))

	err = m.SaveActiveTree(context.Background())
	assert.True(t, conversation.IsNotFound(err))
}

func TestCreateTree(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	pub := &recordingPublisher{}
	m := newTestManager(t, dir, WithPublisher(pub))

	tree, err := m.CreateTree(ctx, "research", CreateOptions{
		Description: "notes",
		Messages:    seed(),
		Tags:        []string{"work"},
		Context:     map[string]interface{}{"model": "gpt-4"},
	})
	require.NoError(t, err)

	assert.Equal(t, tree.ID, m.ActiveTreeID())
	assert.Equal(t, tree.RootID, tree.ActiveNodeID)
	assert.Equal(t, 1, tree.Metadata.TotalNodes)
	assert.Equal(t, 2, tree.Metadata.TotalMessages)
	assert.Equal(t, []string{"work"}, tree.Metadata.Tags)
	root, _ := tree.Root()
	assert.Equal(t, "gpt-4", root.ContextSnapshot["model"])

	assert.True(t, store.NewFileStore(dir).Exists(ctx, tree.ID))
	assert.Equal(t, []events.EventType{events.EventTypeTreeCreated}, pub.types())

	_, err = m.CreateTree(ctx, "", CreateOptions{})
	assert.True(t, conversation.IsValidation(err))
}

func TestReturnedTreeIsACopy(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, t.TempDir())
	tree, err := m.CreateTree(ctx, "t", CreateOptions{Messages: seed()})
	require.NoError(t, err)

	tree.Name = "changed"
	for _, n := range tree.Nodes {
		n.Messages = nil
	}

	active, err := m.ActiveTree()
	require.NoError(t, err)
	assert.Equal(t, "t", active.Name)
	assert.Equal(t, 2, active.Metadata.TotalMessages)
	root, _ := active.Root()
	assert.Len(t, root.Messages, 2)
}

func TestLoadTreeFromAnotherManager(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m1 := newTestManager(t, dir)
	tree, err := m1.CreateTree(ctx, "shared", CreateOptions{Messages: seed()})
	require.NoError(t, err)
	_, err = m1.CreateBranch(ctx, "", "idea", branch.Options{})
	require.NoError(t, err)

	pub := &recordingPublisher{}
	m2 := newTestManager(t, dir, WithPublisher(pub))
	loaded, err := m2.LoadTree(ctx, tree.ID)
	require.NoError(t, err)
	assert.Equal(t, tree.ID, m2.ActiveTreeID())
	assert.Len(t, loaded.Nodes, 2)
	assert.Equal(t, 2, loaded.Metadata.TotalNodes)
	assert.Equal(t, []events.EventType{events.EventTypeTreeLoaded}, pub.types())

	summaries, err := m2.ListTrees(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "shared", summaries[0].Name)
}

func TestLoadTreeRecomputesNodeCount(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := store.NewFileStore(dir)
	tree := conversation.NewTree("drift", "", seed())
	tree.Metadata.TotalNodes = 7
	require.NoError(t, s.Save(ctx, tree))

	m := newTestManager(t, dir)
	loaded, err := m.LoadTree(ctx, tree.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Metadata.TotalNodes)
}

func TestLoadTreeRejectsInvalidTree(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := store.NewFileStore(dir)
	tree := conversation.NewTree("broken", "", nil)
	tree.ActiveNodeID = "node_missing"
	require.NoError(t, s.Save(ctx, tree))

	m := newTestManager(t, dir)
	_, err := m.LoadTree(ctx, tree.ID)
	require.Error(t, err)
	assert.True(t, conversation.IsIntegrity(err))
	assert.Empty(t, m.ActiveTreeID())

	lenient := newTestManager(t, dir, WithValidateOnLoad(false))
	_, err = lenient.LoadTree(ctx, tree.ID)
	require.NoError(t, err)
}

func TestLoadUnknownTree(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	_, err := m.LoadTree(context.Background(), "does-not-exist")
	assert.True(t, conversation.IsNotFound(err))
}

func TestConcurrentLoadsShareTree(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := store.NewFileStore(dir)
	tree := conversation.NewTree("hot", "", seed())
	require.NoError(t, s.Save(ctx, tree))

	m := newTestManager(t, dir)
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.LoadTree(ctx, tree.ID)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	assert.Len(t, m.trees, 1)
}

func TestCreateBranchAndSwitch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	pub := &recordingPublisher{}
	sl := &fakeSessionLog{}
	m := newTestManager(t, dir, WithPublisher(pub), WithSessionLog(sl))

	tree, err := m.CreateTree(ctx, "chat", CreateOptions{Messages: seed()})
	require.NoError(t, err)

	node, err := m.CreateBranch(ctx, "", "Try Another Approach", branch.Options{Description: "alt"})
	require.NoError(t, err)
	assert.Equal(t, tree.RootID, node.ParentID)
	assert.Equal(t, "try-another-approach", node.Metadata.BranchName)
	assert.Len(t, node.Messages, 2)

	// creating a branch does not move the pointer
	assert.Equal(t, tree.RootID, mustActive(t, m).ActiveNodeID)

	res, err := m.SwitchToNode(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, tree.RootID, res.PreviousNodeID)
	assert.Equal(t, node.ID, res.Node.ID)
	assert.Equal(t, node.ID, mustActive(t, m).ActiveNodeID)
	assert.Equal(t, []string{"chat - Try Another Approach"}, sl.labels)
	assert.Equal(t, []string{"hello", "hi there"}, sl.messages)

	reloaded, err := store.NewFileStore(dir).Load(ctx, tree.ID)
	require.NoError(t, err)
	assert.Equal(t, node.ID, reloaded.ActiveNodeID)
	assert.Equal(t, 1, reloaded.Metadata.BranchCount)

	assert.Equal(t, []events.EventType{
		events.EventTypeTreeCreated,
		events.EventTypeBranchCreated,
		events.EventTypeNodeSwitched,
	}, pub.types())

	_, err = m.SwitchToNode(ctx, "node_nope")
	assert.True(t, conversation.IsNotFound(err))
}

func TestSwitchKeepsPointerWhenReplayFails(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sl := &fakeSessionLog{failAdd: errors.New("disk full")}
	m := newTestManager(t, dir, WithSessionLog(sl))

	tree, err := m.CreateTree(ctx, "chat", CreateOptions{Messages: seed()})
	require.NoError(t, err)
	node, err := m.CreateBranch(ctx, "", "b", branch.Options{})
	require.NoError(t, err)

	res, err := m.SwitchToNode(ctx, node.ID)
	require.Error(t, err)
	assert.True(t, conversation.IsIO(err))
	require.NotNil(t, res)
	assert.Equal(t, node.ID, res.Node.ID)
	assert.Equal(t, node.ID, mustActive(t, m).ActiveNodeID)

	reloaded, err := store.NewFileStore(dir).Load(ctx, tree.ID)
	require.NoError(t, err)
	assert.Equal(t, node.ID, reloaded.ActiveNodeID)
}

func TestNavigateParentAndChild(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, t.TempDir())
	tree, err := m.CreateTree(ctx, "nav", CreateOptions{Messages: seed()})
	require.NoError(t, err)
	a, err := m.CreateBranch(ctx, "", "a", branch.Options{})
	require.NoError(t, err)
	b, err := m.CreateBranch(ctx, "", "b", branch.Options{})
	require.NoError(t, err)

	res, err := m.NavigateToParent(ctx)
	require.NoError(t, err)
	assert.Nil(t, res)

	res, err = m.NavigateToChild(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, b.ID, res.Node.ID)

	res, err = m.NavigateToSibling(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, a.ID, res.Node.ID)

	path, err := m.PathToRoot()
	require.NoError(t, err)
	require.Len(t, path, 2)
	assert.Equal(t, tree.RootID, path[0].ID)
	assert.Equal(t, a.ID, path[1].ID)

	res, err = m.NavigateToChild(ctx, 5)
	require.NoError(t, err)
	assert.Nil(t, res)

	res, err = m.NavigateToParent(ctx)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, tree.RootID, res.Node.ID)
}

func TestBranchDepthLimit(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, t.TempDir(), WithMaxBranchDepth(2))
	_, err := m.CreateTree(ctx, "deep", CreateOptions{})
	require.NoError(t, err)

	from := ""
	for i := 0; i < 2; i++ {
		n, err := m.CreateBranch(ctx, from, "level", branch.Options{})
		require.NoError(t, err)
		from = n.ID
	}
	_, err = m.CreateBranch(ctx, from, "too-deep", branch.Options{})
	require.Error(t, err)
	assert.True(t, conversation.IsValidation(err))
}

func TestAppendMessageAndMerge(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	pub := &recordingPublisher{}
	m := newTestManager(t, dir, WithPublisher(pub))

	tree, err := m.CreateTree(ctx, "merge", CreateOptions{Messages: seed()})
	require.NoError(t, err)
	feature, err := m.CreateBranch(ctx, "", "feature", branch.Options{})
	require.NoError(t, err)
	_, err = m.SwitchToNode(ctx, feature.ID)
	require.NoError(t, err)

	require.NoError(t, m.AppendMessage(ctx, conversation.NewMessage(conversation.RoleUser, "more")))
	require.Error(t, m.AppendMessage(ctx, nil))

	stats, err := m.Stats()
	require.NoError(t, err)
	assert.True(t, stats.Unsaved)
	assert.Equal(t, 5, stats.Metadata.TotalMessages)
	assert.Equal(t, 1, stats.ActiveDepth)

	res, err := m.MergeBranches(ctx, feature.ID, tree.RootID, conversation.MergeStrategyFastForward)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Metadata.MergedMessages)

	active := mustActive(t, m)
	root, _ := active.Root()
	assert.Len(t, root.Messages, 3)
	assert.Equal(t, conversation.MergeStatusMerged, active.Nodes[feature.ID].Metadata.MergeStatus)
	assert.Equal(t, 1, active.Metadata.MergedBranches)

	// the merge saved the appended message too
	reloaded, err := store.NewFileStore(dir).Load(ctx, tree.ID)
	require.NoError(t, err)
	assert.Len(t, reloaded.Nodes[feature.ID].Messages, 3)

	stats, err = m.Stats()
	require.NoError(t, err)
	assert.False(t, stats.Unsaved)

	types := pub.types()
	assert.Equal(t, events.EventTypeBranchesMerged, types[len(types)-1])
}

func TestMergeConflictIsPersisted(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	pub := &recordingPublisher{}
	m := newTestManager(t, dir, WithPublisher(pub))

	tree, err := m.CreateTree(ctx, "conflict", CreateOptions{Messages: seed()})
	require.NoError(t, err)
	a, err := m.CreateBranch(ctx, "", "a", branch.Options{})
	require.NoError(t, err)
	b, err := m.CreateBranch(ctx, "", "b", branch.Options{})
	require.NoError(t, err)

	for _, n := range []*conversation.Node{a, b} {
		_, err = m.SwitchToNode(ctx, n.ID)
		require.NoError(t, err)
		require.NoError(t, m.AppendMessage(ctx, conversation.NewMessage(conversation.RoleUser, "on "+n.Name)))
	}

	res, err := m.MergeBranches(ctx, a.ID, b.ID, conversation.MergeStrategyThreeWay)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Conflicts)

	reloaded, err := store.NewFileStore(dir).Load(ctx, tree.ID)
	require.NoError(t, err)
	assert.Equal(t, conversation.MergeStatusConflict, reloaded.Nodes[a.ID].Metadata.MergeStatus)
	assert.Equal(t, 1, reloaded.Metadata.ConflictedBranches)

	types := pub.types()
	assert.Equal(t, events.EventTypeMergeConflict, types[len(types)-1])

	_, err = m.MergeBranches(ctx, a.ID, a.ID, conversation.MergeStrategyManual)
	assert.True(t, conversation.IsValidation(err))
}

func TestCompareBranches(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, t.TempDir())
	tree, err := m.CreateTree(ctx, "cmp", CreateOptions{Messages: seed()})
	require.NoError(t, err)
	a, err := m.CreateBranch(ctx, "", "a", branch.Options{})
	require.NoError(t, err)

	cmp, err := m.CompareBranches(tree.RootID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, tree.RootID, cmp.CommonAncestorID)
	assert.Equal(t, 0, cmp.MessageDelta)
}

func TestPruneEmptyBranches(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	m := newTestManager(t, t.TempDir(), WithPublisher(pub))
	_, err := m.CreateTree(ctx, "prune", CreateOptions{Messages: seed()})
	require.NoError(t, err)
	noCopy := false
	empty, err := m.CreateBranch(ctx, "", "empty", branch.Options{CopyMessages: &noCopy})
	require.NoError(t, err)
	full, err := m.CreateBranch(ctx, "", "full", branch.Options{})
	require.NoError(t, err)

	removed, err := m.PruneEmptyBranches(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{empty.ID}, removed)

	active := mustActive(t, m)
	assert.NotContains(t, active.Nodes, empty.ID)
	assert.Contains(t, active.Nodes, full.ID)
	assert.Equal(t, 2, active.Metadata.TotalNodes)

	_, ok := m.CachedNode(active.ID, empty.ID)
	assert.False(t, ok)

	types := pub.types()
	assert.Equal(t, events.EventTypeNodesPruned, types[len(types)-1])

	removed, err = m.PruneEmptyBranches(ctx)
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestValidateTree(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, t.TempDir())
	tree, err := m.CreateTree(ctx, "v", CreateOptions{})
	require.NoError(t, err)

	res, err := m.ValidateTree("")
	require.NoError(t, err)
	assert.True(t, res.IsValid)

	res, err = m.ValidateTree(tree.ID)
	require.NoError(t, err)
	assert.True(t, res.IsValid)

	_, err = m.ValidateTree("unknown")
	assert.True(t, conversation.IsNotFound(err))
}

func TestDeleteTree(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	pub := &recordingPublisher{}
	m := newTestManager(t, dir, WithPublisher(pub))
	tree, err := m.CreateTree(ctx, "gone", CreateOptions{})
	require.NoError(t, err)

	ok, err := m.DeleteTree(ctx, tree.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, m.ActiveTreeID())
	assert.False(t, store.NewFileStore(dir).Exists(ctx, tree.ID))

	_, err = m.Tree(tree.ID)
	assert.True(t, conversation.IsNotFound(err))

	ok, err = m.DeleteTree(ctx, tree.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	types := pub.types()
	assert.Equal(t, events.EventTypeTreeDeleted, types[len(types)-1])
}

func TestSetActiveTree(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m := newTestManager(t, dir)
	first, err := m.CreateTree(ctx, "first", CreateOptions{})
	require.NoError(t, err)
	second, err := m.CreateTree(ctx, "second", CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, second.ID, m.ActiveTreeID())

	require.NoError(t, m.SetActiveTree(ctx, first.ID))
	assert.Equal(t, first.ID, m.ActiveTreeID())

	other := newTestManager(t, dir)
	require.NoError(t, other.SetActiveTree(ctx, second.ID))
	assert.Equal(t, second.ID, other.ActiveTreeID())
}

func TestCachedNode(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, t.TempDir(), WithNodeCacheSize(2))
	tree, err := m.CreateTree(ctx, "cache", CreateOptions{Messages: seed()})
	require.NoError(t, err)

	root, ok := m.CachedNode(tree.ID, tree.RootID)
	require.True(t, ok)
	assert.Len(t, root.Messages, 2)

	a, err := m.CreateBranch(ctx, "", "a", branch.Options{})
	require.NoError(t, err)
	_, err = m.CreateBranch(ctx, "", "b", branch.Options{})
	require.NoError(t, err)

	// capacity 2: the root was evicted
	_, ok = m.CachedNode(tree.ID, tree.RootID)
	assert.False(t, ok)
	_, ok = m.CachedNode(tree.ID, a.ID)
	assert.True(t, ok)

	disabled := newTestManager(t, t.TempDir(), WithNodeCacheSize(0))
	tree, err = disabled.CreateTree(ctx, "nocache", CreateOptions{})
	require.NoError(t, err)
	_, ok = disabled.CachedNode(tree.ID, tree.RootID)
	assert.False(t, ok)
}

func TestAutoSave(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	pub := &recordingPublisher{}
	m := newTestManager(t, dir, WithAutoSaveInterval(10*time.Millisecond), WithPublisher(pub))
	tree, err := m.CreateTree(ctx, "auto", CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, m.StartAutoSave(ctx))
	require.NoError(t, m.StartAutoSave(ctx))
	assert.True(t, m.IsAutoSaving())

	require.NoError(t, m.AppendMessage(ctx, conversation.NewMessage(conversation.RoleUser, "saved later")))

	s := store.NewFileStore(dir)
	require.Eventually(t, func() bool {
		loaded, err := s.Load(ctx, tree.ID)
		return err == nil && len(loaded.Nodes[tree.RootID].Messages) == 1
	}, 2*time.Second, 10*time.Millisecond)

	m.StopAutoSave()
	m.StopAutoSave()
	assert.False(t, m.IsAutoSaving())
	assert.Contains(t, pub.types(), events.EventTypeTreeSaved)
}

func TestAutoSaveStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := newTestManager(t, t.TempDir(), WithAutoSaveInterval(time.Hour))
	require.NoError(t, m.StartAutoSave(ctx))
	cancel()
	m.StopAutoSave()
	assert.False(t, m.IsAutoSaving())
}

func TestAutoSaveRejectsNonPositiveInterval(t *testing.T) {
	m := newTestManager(t, t.TempDir(), WithAutoSaveInterval(0))
	err := m.StartAutoSave(context.Background())
	assert.True(t, conversation.IsValidation(err))
}

func TestCloseSavesDirtyTrees(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m := New(store.NewFileStore(dir), WithAutoSaveInterval(time.Hour))
	require.NoError(t, m.Initialize(ctx))
	tree, err := m.CreateTree(ctx, "close", CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, m.StartAutoSave(ctx))
	require.NoError(t, m.AppendMessage(ctx, conversation.NewMessage(conversation.RoleUser, "pending")))

	require.NoError(t, m.Close(ctx))
	assert.False(t, m.IsAutoSaving())

	loaded, err := store.NewFileStore(dir).Load(ctx, tree.ID)
	require.NoError(t, err)
	assert.Len(t, loaded.Nodes[tree.RootID].Messages, 1)
}

func TestNewFromSettings(t *testing.T) {
	ctx := context.Background()
	s := config.NewSettings()
	s.StorageDir = t.TempDir()
	s.MaxBranchDepth = 1
	s.NodeCacheSize = 0

	m := NewFromSettings(s)
	require.NoError(t, m.Initialize(ctx))
	defer func() {
		_ = m.Close(ctx)
	}()
	assert.Equal(t, s.StorageDir, m.store.Root())
	assert.Nil(t, m.cache)
	assert.Equal(t, 1, m.branches.MaxDepth())

	_, err := m.CreateTree(ctx, "settings", CreateOptions{})
	require.NoError(t, err)
	n, err := m.CreateBranch(ctx, "", "one", branch.Options{})
	require.NoError(t, err)
	_, err = m.CreateBranch(ctx, n.ID, "two", branch.Options{})
	assert.True(t, conversation.IsValidation(err))
}

func mustActive(t *testing.T, m *Manager) *conversation.Tree {
	t.Helper()
	tree, err := m.ActiveTree()
	require.NoError(t, err)
	return tree
}

// flakyStore fails the next n saves, then behaves like the file store.
type flakyStore struct {
	*store.FileStore
	mu       sync.Mutex
	failures int
	attempts int
}

func (s *flakyStore) Save(ctx context.Context, tree *conversation.Tree) error {
	s.mu.Lock()
	s.attempts++
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return conversation.NewIOError("save tree", errors.New("disk full"))
	}
	s.mu.Unlock()
	return s.FileStore.Save(ctx, tree)
}

func (s *flakyStore) failNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

func (s *flakyStore) saveAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func TestAutoSaveSurvivesFailedSave(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fs := &flakyStore{FileStore: store.NewFileStore(dir)}
	m := New(fs, WithAutoSaveInterval(10*time.Millisecond))
	require.NoError(t, m.Initialize(ctx))
	t.Cleanup(func() {
		_ = m.Close(context.Background())
	})

	tree, err := m.CreateTree(ctx, "flaky", CreateOptions{})
	require.NoError(t, err)
	created := fs.saveAttempts()

	fs.failNext(1)
	require.NoError(t, m.AppendMessage(ctx, conversation.NewMessage(conversation.RoleUser, "retry me")))
	require.NoError(t, m.StartAutoSave(ctx))

	disk := store.NewFileStore(dir)
	require.Eventually(t, func() bool {
		loaded, err := disk.Load(ctx, tree.ID)
		return err == nil && len(loaded.Nodes[tree.RootID].Messages) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.GreaterOrEqual(t, fs.saveAttempts()-created, 2)
	assert.True(t, m.IsAutoSaving())
	stats, err := m.Stats()
	require.NoError(t, err)
	assert.False(t, stats.Unsaved)
	m.StopAutoSave()
}

func TestCloseReportsEveryFailedSave(t *testing.T) {
	ctx := context.Background()
	fs := &flakyStore{FileStore: store.NewFileStore(t.TempDir())}
	m := New(fs)
	require.NoError(t, m.Initialize(ctx))

	first, err := m.CreateTree(ctx, "first", CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, m.AppendMessage(ctx, conversation.NewMessage(conversation.RoleUser, "one")))
	_, err = m.CreateTree(ctx, "second", CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, m.AppendMessage(ctx, conversation.NewMessage(conversation.RoleUser, "two")))
	require.NotEqual(t, first.ID, m.ActiveTreeID())

	fs.failNext(2)
	err = m.Close(ctx)
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)

	// the trees stay dirty, a second close saves them
	require.NoError(t, m.Close(ctx))
}

func TestLoadTreeRejectsNullMessage(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	tree := conversation.NewTree("nulls", "", seed())
	require.NoError(t, store.NewFileStore(dir).Save(ctx, tree))

	path := filepath.Join(dir, tree.ID, "nodes", tree.RootID+".json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	raw["messages"] = append([]interface{}{nil}, raw["messages"].([]interface{})...)
	data, err = json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	for _, validate := range []bool{true, false} {
		m := newTestManager(t, dir, WithValidateOnLoad(validate))
		_, err := m.LoadTree(ctx, tree.ID)
		require.Error(t, err)
		assert.True(t, conversation.IsCorrupt(err))
		assert.Empty(t, m.ActiveTreeID())
		require.NoError(t, m.Close(ctx))
	}
}

func TestDeleteTreeKeepsLayoutDirectories(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m := newTestManager(t, dir)

	for _, name := range []string{"nodes", "visualization"} {
		ok, err := m.DeleteTree(ctx, name)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.DirExists(t, filepath.Join(dir, name))
	}
}
