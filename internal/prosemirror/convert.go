package prosemirror

import (
	"fmt"

	"docsync/live/internal/crdt"
)

// ConversionError reports binary or HTML input that could not be
// converted.
type ConversionError struct {
	Op  string
	Err error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// Presentation is the tree and HTML form of a document.
type Presentation struct {
	Tree Node   `json:"tree"`
	HTML string `json:"html"`
}

// Present renders a live document.
func Present(doc *crdt.Doc) Presentation {
	tree := TreeFromDoc(doc)
	return Presentation{Tree: tree, HTML: RenderHTML(tree)}
}

// DecodeDoc builds a document from its binary encoding. Empty input is an
// empty document.
func DecodeDoc(data []byte) (*crdt.Doc, error) {
	if len(data) == 0 {
		return crdt.New(), nil
	}
	doc, err := crdt.FromUpdate(data)
	if err != nil {
		return nil, &ConversionError{Op: "decode binary", Err: err}
	}
	return doc, nil
}

// BytesToPresentation decodes binary document state and renders it. The
// returned Presentation is always usable: input that fails to decode
// yields the empty document together with a *ConversionError for the
// caller to log.
func BytesToPresentation(data []byte) (Presentation, error) {
	doc, err := DecodeDoc(data)
	if err != nil {
		empty := EmptyDoc()
		return Presentation{Tree: empty, HTML: RenderHTML(empty)}, err
	}
	return Present(doc), nil
}

// HTMLToBytes parses html and encodes it as the binary state of a fresh
// document.
func HTMLToBytes(html string) ([]byte, error) {
	tree, err := ParseHTML(html)
	if err != nil {
		return nil, err
	}
	doc, err := DocFromTree(tree)
	if err != nil {
		return nil, err
	}
	return doc.EncodeStateAsUpdate(nil), nil
}
