package crdt

import "unicode/utf8"

// Txn collects the operations of one Transact call. Every method builds
// an operation, integrates it locally and records it for the update.
type Txn struct {
	doc *Doc
	ops []Op
}

func (t *Txn) nextID() ID {
	t.doc.clock++
	return ID{Client: t.doc.client, Clock: t.doc.clock}
}

func (t *Txn) apply(op Op) {
	status, err := t.doc.integrate(op)
	if err != nil || status != integrated {
		panic("crdt: local operation failed to integrate")
	}
	t.ops = append(t.ops, op)
}

func idPtr(item *Item) *ID {
	if item == nil {
		return nil
	}
	id := item.id
	return &id
}

func insertOp(parent *Node, id ID, left, right *Item) Op {
	op := Op{
		Kind:        OpInsert,
		ID:          id,
		Origin:      idPtr(left),
		RightOrigin: idPtr(right),
	}
	if parent.item == nil {
		op.Root = parent.name
	} else {
		op.Parent = idPtr(parent.item)
	}
	return op
}

// InsertElement inserts a new element with the given attributes as the
// index-th visible child of parent.
func (t *Txn) InsertElement(parent *Node, index int, tag string, attrs map[string]any) *Node {
	left, right := parent.neighbors(index)
	id := t.nextID()
	op := insertOp(parent, id, left, right)
	op.Content = ContentElement
	op.Tag = tag
	t.apply(op)
	node := t.doc.items[id].node
	for _, key := range sortedKeys(attrs) {
		t.SetAttr(node, key, attrs[key])
	}
	return node
}

// InsertTextNode inserts an empty text node as the index-th visible child
// of parent.
func (t *Txn) InsertTextNode(parent *Node, index int) *Node {
	left, right := parent.neighbors(index)
	id := t.nextID()
	op := insertOp(parent, id, left, right)
	op.Content = ContentText
	t.apply(op)
	return t.doc.items[id].node
}

// DeleteChild removes the index-th visible child of parent.
func (t *Txn) DeleteChild(parent *Node, index int) {
	for _, item := range parent.visible(index, 1) {
		t.apply(Op{Kind: OpDelete, ID: t.nextID(), Target: idPtr(item)})
	}
}

// SetAttr sets an element attribute.
func (t *Txn) SetAttr(node *Node, key string, value any) {
	if node.kind != KindElement {
		return
	}
	t.apply(Op{Kind: OpAttr, ID: t.nextID(), Target: idPtr(node.item), Key: key, Value: value})
}

// InsertText splices s into a text node at rune index, every character
// carrying marks.
func (t *Txn) InsertText(text *Node, index int, s string, marks string) {
	if text.kind != KindText || s == "" {
		return
	}
	left, right := text.neighbors(index)
	for len(s) > 0 {
		r, size := utf8.DecodeRuneInString(s)
		s = s[size:]
		id := t.nextID()
		op := insertOp(text, id, left, right)
		op.Content = ContentChar
		op.Char = string(r)
		op.Marks = marks
		t.apply(op)
		left = t.doc.items[id]
	}
}

// DeleteText removes length characters starting at rune index.
func (t *Txn) DeleteText(text *Node, index, length int) {
	if text.kind != KindText || length <= 0 {
		return
	}
	for _, item := range text.visible(index, length) {
		t.apply(Op{Kind: OpDelete, ID: t.nextID(), Target: idPtr(item)})
	}
}
