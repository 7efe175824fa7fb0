// Package crdt implements the replicated document tree that collaborating
// clients edit: named root fragments holding element and text nodes.
//
// Every change is an operation identified by a Lamport ID. Ordered
// children and characters merge with YATA integration (left origin plus
// right origin), deletions leave tombstones, and element attributes are
// last-writer-wins registers. Replicas that have applied the same set of
// operations hold the same tree regardless of delivery order.
package crdt

import (
	"crypto/rand"
	"encoding/binary"
	"strings"
)

// ID identifies one operation: the replica that produced it and its
// Lamport clock at the time.
type ID struct {
	Client uint64 `cbor:"c"`
	Clock  uint64 `cbor:"k"`
}

// Less orders IDs by clock, then client. Used for last-writer-wins.
func (id ID) Less(other ID) bool {
	if id.Clock != other.Clock {
		return id.Clock < other.Clock
	}
	return id.Client < other.Client
}

// Kind is the type of a tree node.
type Kind uint8

const (
	KindFragment Kind = iota
	KindElement
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindFragment:
		return "fragment"
	case KindElement:
		return "element"
	case KindText:
		return "text"
	default:
		return "unknown"
	}
}

// DefaultFragment is the root fragment editors bind to.
const DefaultFragment = "default"

type attr struct {
	id    ID
	value any
}

// Item is one entry of an ordered sequence: either a child node of a
// fragment/element or a single character of a text node.
type Item struct {
	id          ID
	parent      *Node
	origin      *ID
	rightOrigin *ID
	left        *Item
	right       *Item
	deleted     bool

	char  string
	marks string
	node  *Node
}

// Node is a fragment, element or text node of the tree.
type Node struct {
	doc   *Doc
	kind  Kind
	name  string
	item  *Item
	start *Item
	attrs map[string]attr
}

// Kind reports the node type.
func (n *Node) Kind() Kind { return n.kind }

// Name is the element tag, or the fragment name for roots.
func (n *Node) Name() string { return n.name }

// ID returns the id of the operation that created the node. Root
// fragments have no creating operation.
func (n *Node) ID() (ID, bool) {
	if n.item == nil {
		return ID{}, false
	}
	return n.item.id, true
}

// Deleted reports whether the node, or any of its ancestors, was removed.
func (n *Node) Deleted() bool {
	for current := n; current != nil && current.item != nil; current = current.item.parent {
		if current.item.deleted {
			return true
		}
	}
	return false
}

// Attr returns the current value of an element attribute.
func (n *Node) Attr(key string) (any, bool) {
	entry, ok := n.attrs[key]
	if !ok {
		return nil, false
	}
	return entry.value, true
}

// Attrs returns a copy of the element attributes.
func (n *Node) Attrs() map[string]any {
	if len(n.attrs) == 0 {
		return nil
	}
	out := make(map[string]any, len(n.attrs))
	for key, entry := range n.attrs {
		out[key] = entry.value
	}
	return out
}

// Children returns the visible child nodes in order.
func (n *Node) Children() []*Node {
	var children []*Node
	for it := n.start; it != nil; it = it.right {
		if !it.deleted && it.node != nil {
			children = append(children, it.node)
		}
	}
	return children
}

// Len is the number of visible entries: characters for text nodes,
// children otherwise.
func (n *Node) Len() int {
	count := 0
	for it := n.start; it != nil; it = it.right {
		if !it.deleted {
			count++
		}
	}
	return count
}

// String returns the visible characters of a text node.
func (n *Node) String() string {
	var b strings.Builder
	for it := n.start; it != nil; it = it.right {
		if !it.deleted {
			b.WriteString(it.char)
		}
	}
	return b.String()
}

// Run is a maximal span of characters sharing the same marks.
type Run struct {
	Text  string
	Marks string
}

// Runs splits a text node into runs of equally marked characters.
func (n *Node) Runs() []Run {
	var runs []Run
	var b strings.Builder
	current := ""
	started := false
	for it := n.start; it != nil; it = it.right {
		if it.deleted {
			continue
		}
		if started && it.marks != current {
			runs = append(runs, Run{Text: b.String(), Marks: current})
			b.Reset()
		}
		current = it.marks
		started = true
		b.WriteString(it.char)
	}
	if started {
		runs = append(runs, Run{Text: b.String(), Marks: current})
	}
	return runs
}

// MarksAt returns the marks of the visible character at index, or of the
// last character when index is past the end.
func (n *Node) MarksAt(index int) string {
	marks := ""
	i := 0
	for it := n.start; it != nil; it = it.right {
		if it.deleted {
			continue
		}
		marks = it.marks
		if i == index {
			break
		}
		i++
	}
	return marks
}

// neighbors returns the items a new entry at visible index is inserted
// between.
func (n *Node) neighbors(index int) (*Item, *Item) {
	if index <= 0 {
		return nil, n.start
	}
	count := 0
	var last *Item
	for it := n.start; it != nil; it = it.right {
		last = it
		if it.deleted {
			continue
		}
		count++
		if count == index {
			return it, it.right
		}
	}
	return last, nil
}

// visible returns up to length visible items starting at index.
func (n *Node) visible(index, length int) []*Item {
	var out []*Item
	i := 0
	for it := n.start; it != nil && len(out) < length; it = it.right {
		if it.deleted {
			continue
		}
		if i >= index {
			out = append(out, it)
		}
		i++
	}
	return out
}

// UpdateEvent is delivered to observers after a transaction or a remote
// update changed the document.
type UpdateEvent struct {
	Update []byte
	Origin any
	Local  bool
}

// Doc is one replica of a document. It is not safe for concurrent use;
// callers serialize access.
type Doc struct {
	client    uint64
	clock     uint64
	items     map[ID]*Item
	applied   map[ID]struct{}
	roots     map[string]*Node
	state     map[uint64]uint64
	log       []Op
	pending   []Op
	observers map[int]func(UpdateEvent)
	nextObs   int
}

// New creates an empty document with a random replica id.
func New() *Doc {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	client := binary.BigEndian.Uint64(buf[:]) >> 11
	if client == 0 {
		client = 1
	}
	return NewWithClient(client)
}

// NewWithClient creates an empty document with a fixed replica id.
func NewWithClient(client uint64) *Doc {
	return &Doc{
		client:    client,
		items:     make(map[ID]*Item),
		applied:   make(map[ID]struct{}),
		roots:     make(map[string]*Node),
		state:     make(map[uint64]uint64),
		observers: make(map[int]func(UpdateEvent)),
	}
}

// ClientID is this replica's id.
func (d *Doc) ClientID() uint64 { return d.client }

// Fragment returns the named root fragment, creating it on first use.
// Roots exist implicitly on every replica and need no operation.
func (d *Doc) Fragment(name string) *Node {
	if root, ok := d.roots[name]; ok {
		return root
	}
	root := &Node{doc: d, kind: KindFragment, name: name}
	d.roots[name] = root
	return root
}

// StateVector reports the highest clock applied per replica.
func (d *Doc) StateVector() map[uint64]uint64 {
	out := make(map[uint64]uint64, len(d.state))
	for client, clock := range d.state {
		out[client] = clock
	}
	return out
}

// PendingCount is the number of received operations still waiting for
// their causal dependencies.
func (d *Doc) PendingCount() int { return len(d.pending) }

// Observe registers fn for every future update. The returned function
// removes the observer.
func (d *Doc) Observe(fn func(UpdateEvent)) func() {
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	return func() { delete(d.observers, id) }
}

func (d *Doc) emit(event UpdateEvent) {
	for _, fn := range d.observers {
		fn(event)
	}
}

// Transact runs fn as one atomic transaction. Observers are notified once,
// and only if fn produced operations. The encoded update is returned (nil
// when nothing changed).
func (d *Doc) Transact(origin any, fn func(*Txn)) []byte {
	txn := &Txn{doc: d}
	fn(txn)
	if len(txn.ops) == 0 {
		return nil
	}
	update, err := encodeOps(txn.ops)
	if err != nil {
		// Locally built operations always encode.
		panic("crdt: encode transaction: " + err.Error())
	}
	d.emit(UpdateEvent{Update: update, Origin: origin, Local: true})
	return update
}

type integration int

const (
	integrated integration = iota
	duplicate
	notReady
)

func sameID(a, b *ID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (d *Doc) observeClock(id ID) {
	if id.Clock > d.clock {
		d.clock = id.Clock
	}
	if id.Clock > d.state[id.Client] {
		d.state[id.Client] = id.Clock
	}
}

func (d *Doc) integrate(op Op) (integration, error) {
	if _, seen := d.applied[op.ID]; seen {
		return duplicate, nil
	}
	switch op.Kind {
	case OpInsert:
		status, err := d.integrateInsert(op)
		if status != integrated || err != nil {
			return status, err
		}
	case OpDelete:
		target, ok := d.items[*op.Target]
		if !ok {
			return notReady, nil
		}
		target.deleted = true
	case OpAttr:
		target, ok := d.items[*op.Target]
		if !ok {
			return notReady, nil
		}
		if target.node == nil || target.node.kind != KindElement {
			return notReady, errInvalidOp(op, "attribute target is not an element")
		}
		current, exists := target.node.attrs[op.Key]
		if !exists || current.id.Less(op.ID) {
			target.node.attrs[op.Key] = attr{id: op.ID, value: op.Value}
		}
	default:
		return notReady, errInvalidOp(op, "unknown operation kind")
	}
	d.applied[op.ID] = struct{}{}
	d.observeClock(op.ID)
	d.log = append(d.log, op)
	return integrated, nil
}

func (d *Doc) integrateInsert(op Op) (integration, error) {
	var parent *Node
	if op.Parent == nil {
		parent = d.Fragment(op.Root)
	} else {
		parentItem, ok := d.items[*op.Parent]
		if !ok {
			return notReady, nil
		}
		if parentItem.node == nil {
			return notReady, errInvalidOp(op, "parent is not a node")
		}
		parent = parentItem.node
	}

	switch op.Content {
	case ContentChar:
		if parent.kind != KindText {
			return notReady, errInvalidOp(op, "character outside a text node")
		}
	case ContentElement, ContentText:
		if parent.kind == KindText {
			return notReady, errInvalidOp(op, "node inside a text node")
		}
	}

	var left, right *Item
	if op.Origin != nil {
		item, ok := d.items[*op.Origin]
		if !ok {
			return notReady, nil
		}
		if item.parent != parent {
			return notReady, errInvalidOp(op, "origin belongs to another parent")
		}
		left = item
	}
	if op.RightOrigin != nil {
		item, ok := d.items[*op.RightOrigin]
		if !ok {
			return notReady, nil
		}
		if item.parent != parent {
			return notReady, errInvalidOp(op, "right origin belongs to another parent")
		}
		right = item
	}

	item := &Item{
		id:          op.ID,
		parent:      parent,
		origin:      op.Origin,
		rightOrigin: op.RightOrigin,
		char:        op.Char,
		marks:       op.Marks,
	}
	switch op.Content {
	case ContentElement:
		item.node = &Node{doc: d, kind: KindElement, name: op.Tag, item: item, attrs: make(map[string]attr)}
	case ContentText:
		item.node = &Node{doc: d, kind: KindText, item: item}
	}

	d.place(item, left, right)
	d.items[op.ID] = item
	return integrated, nil
}

// place links item into its parent's sequence using YATA conflict
// resolution: among concurrent inserts sharing an origin, the lower
// replica id goes first.
func (d *Doc) place(item, left, right *Item) {
	parent := item.parent
	var o *Item
	if left != nil {
		o = left.right
	} else {
		o = parent.start
	}
	conflicting := make(map[*Item]struct{})
	beforeOrigin := make(map[*Item]struct{})
	for o != nil && o != right {
		beforeOrigin[o] = struct{}{}
		conflicting[o] = struct{}{}
		if sameID(item.origin, o.origin) {
			if o.id.Client < item.id.Client {
				left = o
				clear(conflicting)
			} else if sameID(item.rightOrigin, o.rightOrigin) {
				break
			}
		} else if o.origin != nil {
			originItem := d.items[*o.origin]
			if _, ok := beforeOrigin[originItem]; !ok {
				break
			}
			if _, ok := conflicting[originItem]; !ok {
				left = o
				clear(conflicting)
			}
		} else {
			break
		}
		o = o.right
	}

	item.left = left
	if left != nil {
		item.right = left.right
		left.right = item
	} else {
		item.right = parent.start
		parent.start = item
	}
	if item.right != nil {
		item.right.left = item
	}
}
