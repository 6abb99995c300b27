package conversation

import (
	"fmt"
	"sort"

	"go.uber.org/multierr"
)

// ValidationResult lists every structural problem found in a tree.
type ValidationResult struct {
	IsValid bool     `json:"isValid"`
	Errors  []string `json:"errors"`
}

// Err returns nil for a valid tree and an integrity error carrying all
// problems otherwise.
func (r ValidationResult) Err() error {
	if r.IsValid {
		return nil
	}
	var err error
	for _, e := range r.Errors {
		err = multierr.Append(err, fmt.Errorf("%s", e))
	}
	return NewIntegrityError("validate tree", err)
}

type color int

const (
	white color = iota
	gray
	black
)

// Validate checks the structural invariants of a tree:
//
//   - the root exists and has no parent
//   - the active node exists
//   - every parent pointer names an existing node that lists the child
//   - every child id names an existing node pointing back at its parent
//   - the parent pointer graph has no cycles and only the root lacks a parent
//   - no node entry and no message is null
//
// The node counter in the metadata is derived state and is not checked here,
// see Tree.RecomputeMetadata.
func Validate(t *Tree) ValidationResult {
	var errs []string
	addf := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if t == nil {
		return ValidationResult{IsValid: false, Errors: []string{"tree is nil"}}
	}

	if root, ok := t.Nodes[t.RootID]; !ok || root == nil {
		addf("root node %s not found", t.RootID)
	} else if root.ParentID != "" {
		addf("root node %s has parent %s", t.RootID, root.ParentID)
	}

	if active, ok := t.Nodes[t.ActiveNodeID]; !ok || active == nil {
		addf("active node %s not found", t.ActiveNodeID)
	}

	// iterate in a stable order so the error list is deterministic
	ids := make([]string, 0, len(t.Nodes))
	for id := range t.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		n := t.Nodes[id]
		if n == nil {
			addf("node %s is null", id)
			continue
		}
		if i := n.Messages.NullIndex(); i >= 0 {
			addf("node %s has a null message at index %d", id, i)
		}
		if n.ID != id {
			addf("node stored under %s has id %s", id, n.ID)
		}
		if n.ParentID != "" {
			parent, ok := t.Nodes[n.ParentID]
			if !ok || parent == nil {
				addf("node %s references missing parent %s", id, n.ParentID)
			} else if !containsString(parent.Children, id) {
				addf("parent %s does not list node %s as a child", n.ParentID, id)
			}
		} else if id != t.RootID {
			addf("node %s has no parent but is not the root", id)
		}
		for _, c := range n.Children {
			child, ok := t.Nodes[c]
			if !ok || child == nil {
				addf("node %s references missing child %s", id, c)
			} else if child.ParentID != id {
				addf("child %s of node %s has parent %q", c, id, child.ParentID)
			}
		}
	}

	for _, id := range findCycles(t, ids) {
		addf("cycle detected at node %s", id)
	}

	return ValidationResult{IsValid: len(errs) == 0, Errors: errs}
}

// findCycles runs a three-colour DFS over the parent pointer graph. Every node
// has at most one outgoing edge, so this is O(V). It returns the node at which
// each back-edge was found.
func findCycles(t *Tree, ids []string) []string {
	colors := make(map[string]color, len(t.Nodes))
	var cycles []string

	for _, start := range ids {
		if colors[start] != white {
			continue
		}
		var stack []string
		id := start
		for {
			colors[id] = gray
			stack = append(stack, id)
			n := t.Nodes[id]
			if n == nil || n.ParentID == "" {
				break
			}
			next := n.ParentID
			if parent, ok := t.Nodes[next]; !ok || parent == nil {
				break
			}
			c := colors[next]
			if c == gray {
				cycles = append(cycles, next)
				break
			}
			if c == black {
				break
			}
			id = next
		}
		for _, s := range stack {
			colors[s] = black
		}
	}
	return cycles
}

func containsString(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
