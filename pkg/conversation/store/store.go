// Package store persists conversation trees on disk.
//
// Every tree lives in its own directory below the store root:
//
//	<root>/<treeId>/metadata.json      the tree without its nodes
//	<root>/<treeId>/nodes/<nodeId>.json one file per node
//
// The metadata file and the node files are independent JSON documents. Each
// file is replaced atomically, but there is no transaction spanning files.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-go-golems/convtree/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	metadataFileName = "metadata.json"
	nodesDirName     = "nodes"
	nodeFileExt      = ".json"
)

// TreeSummary is the lightweight listing entry built from a metadata file only.
type TreeSummary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	RootID       string    `json:"rootId"`
	ActiveNodeID string    `json:"activeNodeId"`
	NodeCount    int       `json:"nodeCount"`
	MessageCount int       `json:"messageCount"`
	BranchCount  int       `json:"branchCount"`
	Tags         []string  `json:"tags"`
	CreatedAt    time.Time `json:"createdAt"`
	LastModified time.Time `json:"lastModified"`
}

// FileStore implements tree persistence on the local file system.
type FileStore struct {
	root     string
	fileMode os.FileMode
	dirMode  os.FileMode
}

type Option func(*FileStore)

func WithFileMode(mode os.FileMode) Option {
	return func(s *FileStore) {
		s.fileMode = mode
	}
}

func WithDirMode(mode os.FileMode) Option {
	return func(s *FileStore) {
		s.dirMode = mode
	}
}

func NewFileStore(root string, opts ...Option) *FileStore {
	s := &FileStore{
		root:     root,
		fileMode: 0644,
		dirMode:  0755,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) treeDir(id string) string {
	return filepath.Join(s.root, id)
}

func (s *FileStore) metadataPath(id string) string {
	return filepath.Join(s.treeDir(id), metadataFileName)
}

func (s *FileStore) nodesDir(id string) string {
	return filepath.Join(s.treeDir(id), nodesDirName)
}

func validID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

// Exists reports whether a metadata file is present for id.
func (s *FileStore) Exists(ctx context.Context, id string) bool {
	if !validID(id) {
		return false
	}
	_, err := os.Stat(s.metadataPath(id))
	return err == nil
}

// Load reads a tree and all of its nodes.
func (s *FileStore) Load(ctx context.Context, id string) (*conversation.Tree, error) {
	const op = "load tree"
	if !validID(id) {
		return nil, conversation.NewNotFoundError(op, "tree %q not found", id)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tree, err := s.readMetadata(id)
	if err != nil {
		return nil, err
	}

	tree.Nodes = map[string]*conversation.Node{}
	entries, err := os.ReadDir(s.nodesDir(id))
	if err != nil && !os.IsNotExist(err) {
		return nil, conversation.NewIOError(op, errors.Wrapf(err, "failed to read nodes of tree %s", id))
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != nodeFileExt {
			continue
		}
		path := filepath.Join(s.nodesDir(id), e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, conversation.NewIOError(op, errors.Wrapf(err, "failed to read node file %s", path))
		}
		var node conversation.Node
		if err := json.Unmarshal(data, &node); err != nil {
			return nil, conversation.NewCorruptError(op, path, err)
		}
		if i := node.Messages.NullIndex(); i >= 0 {
			return nil, conversation.NewCorruptError(op, path, errors.Errorf("message %d is null", i))
		}
		if node.Children == nil {
			node.Children = []string{}
		}
		tree.Nodes[node.ID] = &node
	}

	log.Debug().
		Str("tree_id", id).
		Int("nodes", len(tree.Nodes)).
		Msg("Loaded conversation tree")

	return tree, nil
}

func (s *FileStore) readMetadata(id string) (*conversation.Tree, error) {
	const op = "load tree"
	path := s.metadataPath(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, conversation.NewNotFoundError(op, "tree %s not found", id)
		}
		return nil, conversation.NewIOError(op, errors.Wrapf(err, "failed to read %s", path))
	}
	var tree conversation.Tree
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, conversation.NewCorruptError(op, path, err)
	}
	return &tree, nil
}

// Save writes the tree metadata and one file per node, creating directories as
// needed. Node files of nodes that are no longer part of the tree are removed.
// tree.LastModified is updated as a side effect.
func (s *FileStore) Save(ctx context.Context, tree *conversation.Tree) error {
	const op = "save tree"
	if tree == nil || !validID(tree.ID) {
		return conversation.NewValidationError(op, "save a tree created by the manager", "tree has no valid id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	nodesDir := s.nodesDir(tree.ID)
	if err := os.MkdirAll(nodesDir, s.dirMode); err != nil {
		return conversation.NewIOError(op, errors.Wrapf(err, "failed to create %s", nodesDir))
	}

	tree.LastModified = time.Now()

	data, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		return conversation.NewIOError(op, errors.Wrap(err, "failed to marshal tree metadata"))
	}
	if err := s.writeFile(s.metadataPath(tree.ID), data); err != nil {
		return conversation.NewIOError(op, err)
	}

	for id, node := range tree.Nodes {
		if !validID(id) {
			return conversation.NewValidationError(op, "node ids must not contain path separators", "invalid node id %q", id)
		}
		data, err := json.MarshalIndent(node, "", "  ")
		if err != nil {
			return conversation.NewIOError(op, errors.Wrapf(err, "failed to marshal node %s", id))
		}
		if err := s.writeFile(filepath.Join(nodesDir, id+nodeFileExt), data); err != nil {
			return conversation.NewIOError(op, err)
		}
	}

	if err := s.removeStaleNodes(tree); err != nil {
		// stale files are only a disk-space problem until the next load
		log.Warn().Err(err).Str("tree_id", tree.ID).Msg("Failed to remove stale node files")
	}

	log.Debug().
		Str("tree_id", tree.ID).
		Int("nodes", len(tree.Nodes)).
		Msg("Saved conversation tree")

	return nil
}

func (s *FileStore) removeStaleNodes(tree *conversation.Tree) error {
	entries, err := os.ReadDir(s.nodesDir(tree.ID))
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != nodeFileExt {
			continue
		}
		if _, ok := tree.Nodes[strings.TrimSuffix(name, nodeFileExt)]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(s.nodesDir(tree.ID), name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// writeFile replaces path atomically by writing to a temp file in the same
// directory and renaming it.
func (s *FileStore) writeFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "failed to create temp file for %s", path)
	}
	tmp := f.Name()
	defer func() {
		_ = os.Remove(tmp)
	}()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write %s", path)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %s", path)
	}
	if err := os.Chmod(tmp, s.fileMode); err != nil {
		return errors.Wrapf(err, "failed to chmod %s", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "failed to rename into %s", path)
	}
	return nil
}

// List returns summaries of all stored trees, most recently modified first.
// Only metadata files are read.
func (s *FileStore) List(ctx context.Context) ([]TreeSummary, error) {
	const op = "list trees"
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return []TreeSummary{}, nil
		}
		return nil, conversation.NewIOError(op, errors.Wrapf(err, "failed to read %s", s.root))
	}

	summaries := []TreeSummary{}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.IsDir() {
			continue
		}
		id := e.Name()
		if _, err := os.Stat(s.metadataPath(id)); err != nil {
			log.Debug().Str("dir", id).Msg("Skipping directory without tree metadata")
			continue
		}
		tree, err := s.readMetadata(id)
		if err != nil {
			log.Warn().Err(err).Str("tree_id", id).Msg("Skipping unreadable tree metadata")
			continue
		}
		summaries = append(summaries, summarize(tree))
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].LastModified.After(summaries[j].LastModified)
	})

	return summaries, nil
}

func summarize(tree *conversation.Tree) TreeSummary {
	tags := tree.Metadata.Tags
	if tags == nil {
		tags = []string{}
	}
	return TreeSummary{
		ID:           tree.ID,
		Name:         tree.Name,
		Description:  tree.Description,
		RootID:       tree.RootID,
		ActiveNodeID: tree.ActiveNodeID,
		NodeCount:    tree.Metadata.TotalNodes,
		MessageCount: tree.Metadata.TotalMessages,
		BranchCount:  tree.Metadata.BranchCount,
		Tags:         tags,
		CreatedAt:    tree.CreatedAt,
		LastModified: tree.LastModified,
	}
}

// Delete removes the tree directory. It returns false without an error when
// there is no tree metadata for id.
func (s *FileStore) Delete(ctx context.Context, id string) (bool, error) {
	if !validID(id) {
		return false, nil
	}
	// only directories holding a metadata file are trees, the layout
	// directories next to them are not
	path := s.metadataPath(id)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, conversation.NewIOError("delete tree", errors.Wrapf(err, "failed to stat %s", path))
	}
	dir := s.treeDir(id)
	if err := os.RemoveAll(dir); err != nil {
		return false, conversation.NewIOError("delete tree", errors.Wrapf(err, "failed to remove %s", dir))
	}
	log.Debug().Str("tree_id", id).Msg("Deleted conversation tree from disk")
	return true, nil
}
