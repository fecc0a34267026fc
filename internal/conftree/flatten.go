package conftree

import (
	"bufio"
	"fmt"
	"io"
)

// Row is one treemap box: id and parent are path-qualified node ids, value
// is the number of retained sources on the node (0 for the root, which the
// chart sizes from its children).
type Row struct {
	ID     string `json:"id"`
	Parent string `json:"parent"`
	Label  string `json:"label"`
	Value  int    `json:"value"`
}

// Flatten projects the subtree under root into preorder rows for the
// treemap. maxDepth counts levels below the selected root; rows deeper than
// maxDepth are pruned from the projection but stay in the tree so a
// re-rooted call reveals them. maxDepth <= 0 means unlimited. Nodes whose
// sources are all in exclude are dropped with their subtree; retained nodes
// report only their non-excluded source count.
func (t *Tree) Flatten(root, maxDepth int, exclude []string) ([]Row, error) {
	if root < 0 || root >= len(t.nodes) {
		return nil, fmt.Errorf("conftree: no node with id %d", root)
	}

	excluded := make(map[string]struct{}, len(exclude))
	for _, s := range exclude {
		excluded[s] = struct{}{}
	}

	base := t.nodes[root].depth
	rows := make([]Row, 0, len(t.nodes))

	var walk func(id int)
	walk = func(id int) {
		n := t.nodes[id]
		rel := n.depth - base
		if maxDepth > 0 && rel > maxDepth {
			return
		}

		retained := t.retainedSources(id, excluded)
		if id != root && id != RootID && retained == 0 {
			return
		}

		row := Row{ID: n.path, Label: n.label, Value: retained}
		if id == root {
			// The selected root anchors the chart: no parent, no weight.
			row.Parent = ""
			row.Value = 0
			if id == RootID {
				row.Label = ""
			}
		} else {
			row.Parent = t.nodes[n.parent].path
		}
		rows = append(rows, row)

		for _, c := range n.children {
			walk(c)
		}
	}
	walk(root)

	return rows, nil
}

func (t *Tree) retainedSources(id int, excluded map[string]struct{}) int {
	if len(excluded) == 0 {
		return len(t.nodes[id].sources)
	}
	n := 0
	for _, s := range t.nodes[id].sources {
		if _, ok := excluded[s]; !ok {
			n++
		}
	}
	return n
}

// SubtreeMap returns the subtree under id as nested maps for the JSON side
// panel: branches map key to child map, leaves map the value string to the
// list of sources that hold that value.
func (t *Tree) SubtreeMap(id int) (map[string]any, error) {
	if id < 0 || id >= len(t.nodes) {
		return nil, fmt.Errorf("conftree: no node with id %d", id)
	}
	return map[string]any{t.nodes[id].label: t.subtreeBody(id)}, nil
}

func (t *Tree) subtreeBody(id int) any {
	n := t.nodes[id]
	if n.leaf {
		return append([]string(nil), n.sources...)
	}
	body := make(map[string]any, len(n.children))
	for _, c := range n.children {
		body[t.nodes[c].label] = t.subtreeBody(c)
	}
	return body
}

// WriteText writes an indented text rendering of the subtree under id, one
// node per line. This is the offline dump format; it is not parsed back.
func (t *Tree) WriteText(w io.Writer, id int) error {
	if id < 0 || id >= len(t.nodes) {
		return fmt.Errorf("conftree: no node with id %d", id)
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, t.nodes[id].label)
	t.writeChildren(bw, id, "")
	return bw.Flush()
}

func (t *Tree) writeChildren(w io.Writer, id int, prefix string) {
	children := t.nodes[id].children
	for i, c := range children {
		connector, childPrefix := "├── ", prefix+"│   "
		if i == len(children)-1 {
			connector, childPrefix = "└── ", prefix+"    "
		}
		fmt.Fprintf(w, "%s%s%s\n", prefix, connector, t.nodes[c].label)
		t.writeChildren(w, c, childPrefix)
	}
}
