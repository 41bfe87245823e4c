package btree

import (
	"fmt"
	"io"
	"strings"

	"github.com/keystone-kv/keystone/core/storage"
)

// WriteDOT emits a Graphviz description of the tree: internal nodes and
// leaves as record-shaped boxes, child edges solid, the leaf chain dashed.
// Intended for small trees during debugging and teaching.
func (t *BPlusTree) WriteDOT(w io.Writer) error {
	var b strings.Builder
	b.WriteString("digraph BPlusTree {\n")
	b.WriteString("  node [shape=record, fontname=\"Courier\", fontsize=10];\n")
	b.WriteString("  edge [fontsize=8];\n")
	b.WriteString("  rankdir=TB;\n\n")

	if t.IsEmpty() {
		b.WriteString("  empty [label=\"Empty Tree\", shape=box];\n")
	} else {
		ids := make(map[int64]int)
		counter := 0
		if err := t.writeDOTNode(&b, t.rootOffset, &counter, ids); err != nil {
			return err
		}

		b.WriteString("\n  // Leaf chain (dashed)\n")
		b.WriteString("  edge [style=dashed, color=blue, constraint=false];\n")
		for off, id := range ids {
			page, err := t.pinPage(off)
			if err != nil {
				continue
			}
			if pageIsLeaf(page) {
				next := leafPage{page}.nextLeaf()
				if nextID, ok := ids[next]; next != storage.InvalidPageID && ok {
					fmt.Fprintf(&b, "  node%d -> node%d [label=\"next\"];\n", id, nextID)
				}
			}
			t.unpinPage(off, false)
		}
	}

	b.WriteString("}\n")
	_, err := io.WriteString(w, b.String())
	return err
}

func (t *BPlusTree) writeDOTNode(b *strings.Builder, nodeOff int64, counter *int, ids map[int64]int) error {
	if nodeOff == storage.InvalidPageID {
		return nil
	}
	page, err := t.pinPage(nodeOff)
	if err != nil {
		return err
	}
	id := *counter
	*counter++
	ids[nodeOff] = id

	if pageIsLeaf(page) {
		leaf := leafPage{page}
		n := leaf.numKeys()
		fmt.Fprintf(b, "  node%d [label=\"", id)
		if n == 0 {
			b.WriteString("LEAF (empty)")
		} else {
			b.WriteString("{LEAF|{")
			for i := 0; i < n; i++ {
				if i > 0 {
					b.WriteString("|")
				}
				fmt.Fprintf(b, "%d", leaf.keyAt(i))
				if preview := dotPreview(leaf.dataAt(i)); preview != "" {
					fmt.Fprintf(b, "\\n%s", preview)
				}
			}
			b.WriteString("}}")
		}
		b.WriteString("\", style=filled, fillcolor=lightgreen];\n")
		t.unpinPage(nodeOff, false)
		return nil
	}

	node := internalPage{page}
	n := node.numKeys()
	fmt.Fprintf(b, "  node%d [label=\"", id)
	if n == 0 {
		b.WriteString("INTERNAL (empty)")
	} else {
		b.WriteString("{INTERNAL|{")
		for i := 0; i < n; i++ {
			if i > 0 {
				b.WriteString("|")
			}
			fmt.Fprintf(b, "%d", node.keyAt(i))
		}
		b.WriteString("}}")
	}
	b.WriteString("\", style=filled, fillcolor=lightblue];\n")

	children := make([]int64, 0, n+1)
	for i := 0; i <= n; i++ {
		children = append(children, node.childAt(i))
	}
	t.unpinPage(nodeOff, false)

	for i, child := range children {
		if err := t.writeDOTNode(b, child, counter, ids); err != nil {
			return err
		}
		if childID, ok := ids[child]; ok {
			fmt.Fprintf(b, "  node%d -> node%d [label=\"c%d\"];\n", id, childID, i)
		}
	}
	return nil
}

// dotPreview shows the first few printable payload bytes.
func dotPreview(data []byte) string {
	const max = 8
	var sb strings.Builder
	for _, c := range data {
		if c == 0 || sb.Len() >= max {
			break
		}
		if c < 0x20 || c > 0x7e {
			c = '?'
		}
		// Escape characters that would break the DOT record label.
		switch c {
		case '"', '{', '}', '|', '<', '>', '\\':
			sb.WriteByte('?')
		default:
			sb.WriteByte(c)
		}
	}
	if sb.Len() == 0 {
		return ""
	}
	return sb.String() + "..."
}
