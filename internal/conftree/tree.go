// Package conftree folds the nested configuration layers of a device group
// into a single rooted tree and projects it into treemap rows.
//
// Nodes are held in an arena indexed by integer id. Index 0 is the synthetic
// root. Branch nodes are configuration keys shared across every source that
// sets them; leaf nodes are distinct scalar values under a key, so two
// sources that disagree on a value show up as sibling leaves under the same
// branch. The tree is append-only during construction and read-only
// afterwards.
package conftree

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

const (
	// RootID is the arena index of the synthetic root node.
	RootID = 0

	// RootPath is the path-qualified id of the root, and the first segment
	// of every other node's path.
	RootPath = "ROOT"
)

// Node is a read-only view of a single tree node.
type Node struct {
	ID       int
	Label    string
	Path     string
	Parent   int
	Children []int
	Depth    int
	Leaf     bool
	Sources  []string
}

type node struct {
	label    string
	path     string
	parent   int
	children []int
	depth    int
	leaf     bool
	sources  []string
	sourceAt map[string]struct{}
}

// Tree is an arena of configuration nodes rooted at RootID.
type Tree struct {
	nodes  []node
	byPath map[string]int
	leaves int
}

// New returns a tree containing only the synthetic root.
func New() *Tree {
	t := &Tree{byPath: make(map[string]int)}
	t.nodes = append(t.nodes, node{
		label:    RootPath,
		path:     RootPath,
		parent:   -1,
		sourceAt: make(map[string]struct{}),
	})
	t.byPath[RootPath] = RootID
	return t
}

// AddConfig walks one source's nested configuration and merges it into the
// tree. A map value becomes (or reuses) a branch node keyed by its path; a
// scalar or list value becomes a leaf keyed by its stringified value under
// the owning key's branch. Keys are visited in sorted order so node ids are
// deterministic across runs. An empty or nil config adds nothing.
func (t *Tree) AddConfig(source string, config map[string]any) {
	t.addMap(source, RootID, config)
}

func (t *Tree) addMap(source string, parent int, config map[string]any) {
	keys := make([]string, 0, len(config))
	for k := range config {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		branch := t.ensureChild(parent, key, branchPath(t.nodes[parent].path, key), false)
		t.tagSource(branch, source)

		if m, ok := config[key].(map[string]any); ok {
			t.addMap(source, branch, m)
			continue
		}

		value := Stringify(config[key])
		leaf := t.ensureChild(branch, value, leafPath(t.nodes[branch].path, value), true)
		t.tagSource(leaf, source)
	}
}

// ensureChild returns the id of parent's child with the given path, creating
// it if absent. Children are looked up by full path, so a key branch and a
// value leaf can never collide.
func (t *Tree) ensureChild(parent int, label, path string, leaf bool) int {
	if id, ok := t.byPath[path]; ok {
		return id
	}
	id := len(t.nodes)
	t.nodes = append(t.nodes, node{
		label:    label,
		path:     path,
		parent:   parent,
		depth:    t.nodes[parent].depth + 1,
		leaf:     leaf,
		sourceAt: make(map[string]struct{}),
	})
	t.nodes[parent].children = append(t.nodes[parent].children, id)
	t.byPath[path] = id
	if leaf {
		t.leaves++
	}
	return id
}

func (t *Tree) tagSource(id int, source string) {
	n := &t.nodes[id]
	if _, ok := n.sourceAt[source]; ok {
		return
	}
	n.sourceAt[source] = struct{}{}
	n.sources = append(n.sources, source)
}

// Branch paths join with a dot (ROOT.wifi.ssid); leaf paths join with an
// equals sign (ROOT.wifi.ssid=Net1) so a value can never shadow a sibling
// key.
func branchPath(parent, key string) string {
	return parent + "." + key
}

func leafPath(parent, value string) string {
	return parent + "=" + value
}

// Stringify renders a decoded JSON scalar or list the way it is keyed in the
// tree. Lists re-encode as JSON; numbers drop a trailing ".0".
func Stringify(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return "null"
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

// Len returns the total node count, root included.
func (t *Tree) Len() int { return len(t.nodes) }

// LeafCount returns the number of value leaves in the full tree.
func (t *Tree) LeafCount() int { return t.leaves }

// Node returns a copy of the node with the given id.
func (t *Tree) Node(id int) (Node, bool) {
	if id < 0 || id >= len(t.nodes) {
		return Node{}, false
	}
	n := t.nodes[id]
	return Node{
		ID:       id,
		Label:    n.label,
		Path:     n.path,
		Parent:   n.parent,
		Children: append([]int(nil), n.children...),
		Depth:    n.depth,
		Leaf:     n.leaf,
		Sources:  append([]string(nil), n.sources...),
	}, true
}

// NodeByPath resolves a path-qualified id (as emitted in flattened rows)
// back to an arena id.
func (t *Tree) NodeByPath(path string) (int, bool) {
	id, ok := t.byPath[path]
	return id, ok
}
