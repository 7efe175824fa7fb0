package prosemirror

import (
	"fmt"
	"strings"

	"docsync/live/internal/crdt"
)

type treeFrame struct {
	out      *Node
	children []*crdt.Node
	next     int
}

// TreeFromDoc walks the default fragment of doc into a document tree.
// Each run of equally marked characters becomes one text node. The tree is
// normalized so its HTML is stable under a parse and render round trip; a
// document without content yields EmptyDoc.
func TreeFromDoc(doc *crdt.Doc) Node {
	root := doc.Fragment(crdt.DefaultFragment)
	out := &Node{Type: TypeDoc}
	stack := []*treeFrame{{out: out, children: root.Children()}}
	for len(stack) > 0 {
		frame := stack[len(stack)-1]
		if frame.next == len(frame.children) {
			stack = stack[:len(stack)-1]
			if len(stack) > 0 {
				parent := stack[len(stack)-1].out
				parent.Content = append(parent.Content, *frame.out)
			}
			continue
		}
		child := frame.children[frame.next]
		frame.next++

		if child.Kind() == crdt.KindText {
			for _, run := range child.Runs() {
				frame.out.Content = append(frame.out.Content, Node{
					Type:  TypeText,
					Text:  run.Text,
					Marks: decodeMarks(run.Marks),
				})
			}
			continue
		}
		children := child.Children()
		node := &Node{Type: child.Name(), Attrs: child.Attrs()}
		if len(children) > 0 {
			node.Content = make([]Node, 0, len(children))
		}
		stack = append(stack, &treeFrame{out: node, children: children})
	}
	return normalize(*out)
}

// DocFromTree materialises tree into a fresh document.
func DocFromTree(tree Node) (*crdt.Doc, error) {
	if tree.Type != TypeDoc {
		return nil, &ConversionError{Op: "build document", Err: fmt.Errorf("root node is %q, want %q", tree.Type, TypeDoc)}
	}
	doc := crdt.New()
	doc.Transact(nil, func(tx *crdt.Txn) {
		writeTree(tx, doc.Fragment(crdt.DefaultFragment), tree)
	})
	return doc, nil
}

// ReplaceContent replaces the whole content of doc with tree inside one
// transaction and returns the encoded update (nil when nothing changed).
// The replacement is an ordinary set of operations, so it merges with
// concurrent edits like any client change.
func ReplaceContent(doc *crdt.Doc, tree Node, origin any) []byte {
	return doc.Transact(origin, func(tx *crdt.Txn) {
		root := doc.Fragment(crdt.DefaultFragment)
		for root.Len() > 0 {
			tx.DeleteChild(root, 0)
		}
		writeTree(tx, root, tree)
	})
}

type writeItem struct {
	parent *crdt.Node
	node   *Node
	runs   []Node
}

// writeTree appends the content of tree under parent. Consecutive text
// nodes share one replicated text node.
func writeTree(tx *crdt.Txn, parent *crdt.Node, tree Node) {
	stack := contentItems(parent, tree.Content)
	for len(stack) > 0 {
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if item.node == nil {
			text := tx.InsertTextNode(item.parent, item.parent.Len())
			offset := 0
			for _, run := range item.runs {
				tx.InsertText(text, offset, run.Text, encodeMarks(run.Marks))
				offset += len([]rune(run.Text))
			}
			continue
		}
		element := tx.InsertElement(item.parent, item.parent.Len(), item.node.Type, item.node.Attrs)
		stack = append(stack, contentItems(element, item.node.Content)...)
	}
}

// contentItems groups content into write items, returned in reverse so
// the last pushed item is the first child.
func contentItems(parent *crdt.Node, content []Node) []writeItem {
	var items []writeItem
	for i := 0; i < len(content); i++ {
		if content[i].Type != TypeText {
			items = append(items, writeItem{parent: parent, node: &content[i]})
			continue
		}
		start := i
		for i+1 < len(content) && content[i+1].Type == TypeText {
			i++
		}
		items = append(items, writeItem{parent: parent, runs: content[start : i+1]})
	}
	for l, r := 0, len(items)-1; l < r; l, r = l+1, r-1 {
		items[l], items[r] = items[r], items[l]
	}
	return items
}

// PlainText returns the text of a tree with one line per textblock.
func PlainText(tree Node) string {
	var b strings.Builder
	stack := []*Node{&tree}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		switch node.Type {
		case TypeText:
			b.WriteString(node.Text)
			continue
		case TypeHardBreak:
			b.WriteString("\n")
			continue
		}
		if spec, ok := nodes[node.Type]; ok && spec.kind == kindTextblock && b.Len() > 0 {
			b.WriteString("\n")
		}
		for i := len(node.Content) - 1; i >= 0; i-- {
			stack = append(stack, &node.Content[i])
		}
	}
	return b.String()
}
