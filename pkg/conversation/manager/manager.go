// Package manager owns the conversation trees of a session: it loads and
// saves them through a store, routes every mutation through the branch and
// navigation services, keeps the active tree persisted in the background and
// announces changes as events.
package manager

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-go-golems/convtree/pkg/config"
	"github.com/go-go-golems/convtree/pkg/conversation"
	"github.com/go-go-golems/convtree/pkg/conversation/branch"
	"github.com/go-go-golems/convtree/pkg/conversation/navigation"
	"github.com/go-go-golems/convtree/pkg/conversation/store"
	"github.com/go-go-golems/convtree/pkg/events"
	"github.com/golang/groupcache/lru"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultAutoSaveInterval = 30 * time.Second
	DefaultNodeCacheSize    = 50

	nodesDirName         = "nodes"
	visualizationDirName = "visualization"
)

// Store is the persistence backend of the manager.
type Store interface {
	Root() string
	Exists(ctx context.Context, id string) bool
	Load(ctx context.Context, id string) (*conversation.Tree, error)
	Save(ctx context.Context, tree *conversation.Tree) error
	List(ctx context.Context) ([]store.TreeSummary, error)
	Delete(ctx context.Context, id string) (bool, error)
}

var _ Store = (*store.FileStore)(nil)

// treeState is a loaded tree together with the lock serializing all
// operations on it.
type treeState struct {
	mu      sync.Mutex
	tree    *conversation.Tree
	dirty   bool
	deleted bool
}

type Manager struct {
	store      Store
	storageDir string

	sessionLog         navigation.SessionLog
	checkpointer       branch.Checkpointer
	publisher          events.Publisher
	maxBranchDepth     int
	autoSaveInterval   time.Duration
	nodeCacheSize      int
	validateOnLoad     bool
	validateAfterMerge bool

	branches   *branch.Service
	navigation *navigation.Service

	mu           sync.RWMutex
	initialized  bool
	trees        map[string]*treeState
	activeTreeID string

	loads singleflight.Group

	cacheMu sync.Mutex
	cache   *lru.Cache

	autoSaveMu     sync.Mutex
	autoSaveCancel context.CancelFunc
	autoSaveDone   chan struct{}
}

type Option func(*Manager)

func WithSessionLog(l navigation.SessionLog) Option {
	return func(m *Manager) {
		m.sessionLog = l
	}
}

func WithCheckpointer(c branch.Checkpointer) Option {
	return func(m *Manager) {
		m.checkpointer = c
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) {
		m.publisher = p
	}
}

func WithMaxBranchDepth(depth int) Option {
	return func(m *Manager) {
		m.maxBranchDepth = depth
	}
}

func WithAutoSaveInterval(interval time.Duration) Option {
	return func(m *Manager) {
		m.autoSaveInterval = interval
	}
}

// WithNodeCacheSize sets the capacity of the node lookup cache. Zero disables
// the cache.
func WithNodeCacheSize(size int) Option {
	return func(m *Manager) {
		m.nodeCacheSize = size
	}
}

func WithValidateOnLoad(validate bool) Option {
	return func(m *Manager) {
		m.validateOnLoad = validate
	}
}

func WithValidateAfterMerge(validate bool) Option {
	return func(m *Manager) {
		m.validateAfterMerge = validate
	}
}

// WithStorageDir overrides the directory prepared by Initialize. It defaults
// to the store root.
func WithStorageDir(dir string) Option {
	return func(m *Manager) {
		m.storageDir = dir
	}
}

func New(s Store, options ...Option) *Manager {
	m := &Manager{
		store:              s,
		storageDir:         s.Root(),
		maxBranchDepth:     branch.DefaultMaxBranchDepth,
		autoSaveInterval:   DefaultAutoSaveInterval,
		nodeCacheSize:      DefaultNodeCacheSize,
		validateOnLoad:     true,
		validateAfterMerge: true,
		trees:              map[string]*treeState{},
	}
	for _, o := range options {
		o(m)
	}

	m.branches = branch.NewService(
		branch.WithMaxDepth(m.maxBranchDepth),
		branch.WithCheckpointer(m.checkpointer),
		branch.WithValidateAfterMerge(m.validateAfterMerge),
	)
	m.navigation = navigation.New(m.sessionLog)
	if m.nodeCacheSize > 0 {
		m.cache = lru.New(m.nodeCacheSize)
	}
	return m
}

// NewFromSettings creates a manager backed by a file store in
// settings.StorageDir.
func NewFromSettings(s *config.Settings, options ...Option) *Manager {
	opts := []Option{
		WithMaxBranchDepth(s.MaxBranchDepth),
		WithAutoSaveInterval(s.AutoSaveInterval),
		WithNodeCacheSize(s.NodeCacheSize),
		WithValidateOnLoad(s.ValidateOnLoad),
		WithValidateAfterMerge(s.ValidateAfterMerge),
	}
	return New(store.NewFileStore(s.StorageDir), append(opts, options...)...)
}

// Initialize prepares the storage directory layout. No other method can be
// used before it.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return nil
	}

	for _, dir := range []string{
		m.storageDir,
		filepath.Join(m.storageDir, nodesDirName),
		filepath.Join(m.storageDir, visualizationDirName),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return conversation.NewIOError("initialize", errors.Wrapf(err, "failed to create %s", dir))
		}
	}
	m.initialized = true

	log.Info().Str("storage_dir", m.storageDir).Msg("Conversation tree manager initialized")
	return nil
}

func (m *Manager) IsInitialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

func (m *Manager) checkInitialized(op string) error {
	if !m.IsInitialized() {
		return conversation.NewNotInitializedError(op)
	}
	return nil
}

// Close stops the auto-saver and saves every tree with unsaved changes. The
// save failures of all trees are combined into the returned error.
func (m *Manager) Close(ctx context.Context) error {
	m.StopAutoSave()
	if !m.IsInitialized() {
		return nil
	}

	m.mu.RLock()
	states := make([]*treeState, 0, len(m.trees))
	for _, st := range m.trees {
		states = append(states, st)
	}
	m.mu.RUnlock()

	var ret error
	for _, st := range states {
		st.mu.Lock()
		if st.dirty && !st.deleted {
			if err := m.persist(ctx, st); err != nil {
				log.Error().Err(err).Str("tree_id", st.tree.ID).Msg("Failed to save tree on close")
				ret = multierr.Append(ret, err)
			}
		}
		st.mu.Unlock()
	}
	return ret
}

func (m *Manager) state(id string) *treeState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.trees[id]
}

// lockTree returns the locked state of a loaded tree. The caller must unlock
// it.
func (m *Manager) lockTree(op string, id string) (*treeState, error) {
	if err := m.checkInitialized(op); err != nil {
		return nil, err
	}
	st := m.state(id)
	if st == nil {
		return nil, conversation.NewNotFoundError(op, "tree %s is not loaded", id)
	}
	st.mu.Lock()
	if st.deleted {
		st.mu.Unlock()
		return nil, conversation.NewNotFoundError(op, "tree %s was deleted", id)
	}
	return st, nil
}

func (m *Manager) lockActiveTree(op string) (*treeState, error) {
	if err := m.checkInitialized(op); err != nil {
		return nil, err
	}
	m.mu.RLock()
	id := m.activeTreeID
	m.mu.RUnlock()
	if id == "" {
		return nil, noActiveTreeError(op)
	}
	return m.lockTree(op, id)
}

func noActiveTreeError(op string) error {
	return &conversation.Error{
		Category: conversation.CategoryNotFound,
		Op:       op,
		Message:  "no active tree",
		Hint:     "create or load a tree first",
	}
}

// persist saves the tree of a locked state.
func (m *Manager) persist(ctx context.Context, st *treeState) error {
	if err := m.store.Save(ctx, st.tree); err != nil {
		return err
	}
	st.dirty = false
	return nil
}

func (m *Manager) publish(ev events.Event) {
	if m.publisher == nil || ev == nil {
		return
	}
	if err := m.publisher.Publish(ev); err != nil {
		log.Warn().Err(err).Str("event_type", string(ev.Type())).Msg("Failed to publish tree event")
	}
}
