package crdt

import (
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"

	"docsync/live/internal/codec"
)

// OpKind is the type of an operation.
type OpKind uint8

const (
	OpInsert OpKind = 1
	OpDelete OpKind = 2
	OpAttr   OpKind = 3
)

// ContentKind is what an insert operation creates.
type ContentKind uint8

const (
	ContentChar    ContentKind = 1
	ContentElement ContentKind = 2
	ContentText    ContentKind = 3
)

// Op is the replicated unit of change.
type Op struct {
	Kind        OpKind      `cbor:"t"`
	ID          ID          `cbor:"i"`
	Root        string      `cbor:"r,omitempty"`
	Parent      *ID         `cbor:"p,omitempty"`
	Origin      *ID         `cbor:"o,omitempty"`
	RightOrigin *ID         `cbor:"ro,omitempty"`
	Content     ContentKind `cbor:"ck,omitempty"`
	Tag         string      `cbor:"g,omitempty"`
	Char        string      `cbor:"ch,omitempty"`
	Marks       string      `cbor:"m,omitempty"`
	Target      *ID         `cbor:"x,omitempty"`
	Key         string      `cbor:"a,omitempty"`
	Value       any         `cbor:"v,omitempty"`
}

const updateVersion = 1

// maxPending bounds how many causally incomplete operations a replica
// buffers before rejecting further updates.
const maxPending = 1 << 16

type update struct {
	Version int  `cbor:"v"`
	Ops     []Op `cbor:"o"`
}

var (
	// ErrMalformedUpdate is returned when update bytes cannot be decoded
	// or contain operations that do not fit the tree.
	ErrMalformedUpdate = errors.New("malformed update")
	// ErrPendingOverflow is returned when too many operations wait for
	// missing dependencies.
	ErrPendingOverflow = errors.New("pending operation buffer full")
)

// PartialUpdateError is returned by ApplyUpdate when some operations of
// an update were integrated and others did not fit the tree. The
// integrated operations stay applied and were emitted to observers; the
// ones that did not fit are dropped.
type PartialUpdateError struct {
	Applied int
	Err     error
}

func (e *PartialUpdateError) Error() string {
	return fmt.Sprintf("update partially applied (%d operations): %v", e.Applied, e.Err)
}

func (e *PartialUpdateError) Unwrap() error { return e.Err }

func errInvalidOp(op Op, reason string) error {
	return fmt.Errorf("%w: op %d@%d: %s", ErrMalformedUpdate, op.ID.Clock, op.ID.Client, reason)
}

func encodeOps(ops []Op) ([]byte, error) {
	return codec.Marshal(update{Version: updateVersion, Ops: ops})
}

func decodeUpdate(data []byte) ([]Op, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty update", ErrMalformedUpdate)
	}
	var u update
	if err := codec.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if u.Version != updateVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedUpdate, u.Version)
	}
	for _, op := range u.Ops {
		if err := validateOp(op); err != nil {
			return nil, err
		}
	}
	return u.Ops, nil
}

func validateOp(op Op) error {
	if op.ID.Client == 0 || op.ID.Clock == 0 {
		return errInvalidOp(op, "missing id")
	}
	switch op.Kind {
	case OpInsert:
		if (op.Parent == nil) == (op.Root == "") {
			return errInvalidOp(op, "insert needs exactly one of parent or root")
		}
		switch op.Content {
		case ContentChar:
			if utf8.RuneCountInString(op.Char) != 1 {
				return errInvalidOp(op, "character content must be one rune")
			}
		case ContentElement:
			if op.Tag == "" {
				return errInvalidOp(op, "element without tag")
			}
		case ContentText:
		default:
			return errInvalidOp(op, "unknown content kind")
		}
	case OpDelete:
		if op.Target == nil {
			return errInvalidOp(op, "delete without target")
		}
	case OpAttr:
		if op.Target == nil || op.Key == "" {
			return errInvalidOp(op, "attribute without target or key")
		}
	default:
		return errInvalidOp(op, "unknown operation kind")
	}
	return nil
}

// ValidateUpdate reports whether data decodes to a well-formed update
// without applying it.
func ValidateUpdate(data []byte) error {
	_, err := decodeUpdate(data)
	return err
}

// ApplyUpdate integrates a remote update. Already known operations are
// ignored; operations whose dependencies are missing are buffered and
// retried on later updates. Observers receive the operations that were
// actually integrated.
//
// Operations are not all-or-nothing: an operation that does not fit the
// tree is dropped while the rest integrate, and the error is then a
// *PartialUpdateError. It still matches ErrMalformedUpdate.
func (d *Doc) ApplyUpdate(data []byte, origin any) error {
	ops, err := decodeUpdate(data)
	if err != nil {
		return err
	}
	if len(d.pending)+len(ops) > maxPending {
		return ErrPendingOverflow
	}

	queue := append(ops, d.pending...)
	d.pending = nil
	var applied []Op
	var invalid error
	for len(queue) > 0 {
		var waiting []Op
		progress := false
		for _, op := range queue {
			status, err := d.integrate(op)
			switch {
			case err != nil:
				if invalid == nil {
					invalid = err
				}
			case status == integrated:
				applied = append(applied, op)
				progress = true
			case status == notReady:
				waiting = append(waiting, op)
			}
		}
		queue = waiting
		if !progress {
			break
		}
	}
	d.pending = queue

	if len(applied) > 0 {
		encoded, err := encodeOps(applied)
		if err == nil {
			d.emit(UpdateEvent{Update: encoded, Origin: origin, Local: false})
		}
	}
	if invalid != nil && len(applied) > 0 {
		return &PartialUpdateError{Applied: len(applied), Err: invalid}
	}
	return invalid
}

// EncodeStateAsUpdate encodes every operation the remote replica with
// state vector sv has not seen. A nil sv encodes the full state.
func (d *Doc) EncodeStateAsUpdate(sv map[uint64]uint64) []byte {
	ops := make([]Op, 0, len(d.log))
	for _, op := range d.log {
		if op.ID.Clock > sv[op.ID.Client] {
			ops = append(ops, op)
		}
	}
	encoded, err := encodeOps(ops)
	if err != nil {
		panic("crdt: encode state: " + err.Error())
	}
	return encoded
}

// FromUpdate builds a fresh replica from update bytes.
func FromUpdate(data []byte) (*Doc, error) {
	doc := New()
	if err := doc.ApplyUpdate(data, nil); err != nil {
		return nil, err
	}
	return doc, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
