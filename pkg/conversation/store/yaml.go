package store

import (
	"io"

	"github.com/go-go-golems/convtree/pkg/conversation"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ExportYAML writes the whole tree, nodes included, as a single YAML document.
func ExportYAML(w io.Writer, tree *conversation.Tree) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(tree); err != nil {
		return errors.Wrap(err, "failed to encode tree as YAML")
	}
	return enc.Close()
}

// ImportYAML reads a tree written by ExportYAML and validates it.
func ImportYAML(r io.Reader) (*conversation.Tree, error) {
	var tree conversation.Tree
	if err := yaml.NewDecoder(r).Decode(&tree); err != nil {
		return nil, conversation.NewCorruptError("import tree", "YAML input", err)
	}
	if tree.Nodes == nil {
		tree.Nodes = map[string]*conversation.Node{}
	}
	for id, n := range tree.Nodes {
		if n == nil {
			return nil, conversation.NewCorruptError("import tree", "YAML input", errors.Errorf("node %s is null", id))
		}
		if i := n.Messages.NullIndex(); i >= 0 {
			return nil, conversation.NewCorruptError("import tree", "YAML input",
				errors.Errorf("node %s has a null message at index %d", id, i))
		}
		if n.Children == nil {
			n.Children = []string{}
		}
	}
	tree.RecomputeMetadata()
	if err := conversation.Validate(&tree).Err(); err != nil {
		return nil, err
	}
	return &tree, nil
}
