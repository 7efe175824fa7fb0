// Package prosemirror converts between the replicated document, its
// ProseMirror-shaped JSON tree and HTML.
//
// The node and mark catalog is fixed: every supported type is registered
// once below and both directions of every conversion go through it.
package prosemirror

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Node is a node of the ProseMirror document tree.
type Node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []Node         `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

// Mark is inline formatting applied to a text node.
type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// Node types.
const (
	TypeDoc            = "doc"
	TypeParagraph      = "paragraph"
	TypeHeading        = "heading"
	TypeBulletList     = "bulletList"
	TypeOrderedList    = "orderedList"
	TypeListItem       = "listItem"
	TypeBlockquote     = "blockquote"
	TypeCodeBlock      = "codeBlock"
	TypeHardBreak      = "hardBreak"
	TypeHorizontalRule = "horizontalRule"
	TypeImage          = "image"
	TypeTable          = "table"
	TypeTableRow       = "tableRow"
	TypeTableHeader    = "tableHeader"
	TypeTableCell      = "tableCell"
	TypeText           = "text"
)

// EmptyDoc is the canonical empty document: one empty paragraph.
func EmptyDoc() Node {
	return Node{Type: TypeDoc, Content: []Node{{Type: TypeParagraph}}}
}

// EmptyHTML is the rendering of EmptyDoc.
const EmptyHTML = "<p></p>"

type nodeKind int

const (
	kindContainer nodeKind = iota
	kindTextblock
	kindInline
	kindBlockLeaf
)

// attribute is one rendered HTML attribute.
type attribute struct {
	Key, Val string
}

type nodeSpec struct {
	kind nodeKind
	// render returns the HTML tag and attributes for a node.
	render func(Node) (string, []attribute)
	// parse builds node attributes from the HTML tag and its attributes.
	parse func(tag string, attrs map[string]string) map[string]any
}

type markSpec struct {
	rank   int
	render func(Mark) (string, []attribute)
	parse  func(attrs map[string]string) map[string]any
}

func fixedTag(tag string) func(Node) (string, []attribute) {
	return func(Node) (string, []attribute) { return tag, nil }
}

var nodes = map[string]nodeSpec{
	TypeParagraph: {kind: kindTextblock, render: fixedTag("p")},
	TypeHeading: {
		kind: kindTextblock,
		render: func(n Node) (string, []attribute) {
			return "h" + strconv.Itoa(clampLevel(intAttr(n.Attrs, "level", 1))), nil
		},
		parse: func(tag string, _ map[string]string) map[string]any {
			level, _ := strconv.Atoi(strings.TrimPrefix(tag, "h"))
			return map[string]any{"level": clampLevel(level)}
		},
	},
	TypeBulletList: {kind: kindContainer, render: fixedTag("ul")},
	TypeOrderedList: {
		kind: kindContainer,
		render: func(n Node) (string, []attribute) {
			if start := intAttr(n.Attrs, "start", 1); start != 1 {
				return "ol", []attribute{{"start", strconv.Itoa(start)}}
			}
			return "ol", nil
		},
		parse: func(_ string, attrs map[string]string) map[string]any {
			start, err := strconv.Atoi(attrs["start"])
			if err != nil || start == 1 {
				return nil
			}
			return map[string]any{"start": start}
		},
	},
	TypeListItem:   {kind: kindContainer, render: fixedTag("li")},
	TypeBlockquote: {kind: kindContainer, render: fixedTag("blockquote")},
	TypeCodeBlock: {
		kind:   kindTextblock,
		render: fixedTag("pre"),
	},
	TypeHardBreak:      {kind: kindInline, render: fixedTag("br")},
	TypeHorizontalRule: {kind: kindBlockLeaf, render: fixedTag("hr")},
	TypeImage: {
		kind: kindBlockLeaf,
		render: func(n Node) (string, []attribute) {
			return "img", stringAttrs(n.Attrs, "src", "alt", "title")
		},
		parse: func(_ string, attrs map[string]string) map[string]any {
			return pickAttrs(attrs, "src", "alt", "title")
		},
	},
	TypeTable:       {kind: kindContainer, render: fixedTag("table")},
	TypeTableRow:    {kind: kindContainer, render: fixedTag("tr")},
	TypeTableHeader: {kind: kindContainer, render: cellTag("th"), parse: parseCell},
	TypeTableCell:   {kind: kindContainer, render: cellTag("td"), parse: parseCell},
}

// tags maps HTML tags to node types for parsing.
var tags = map[string]string{
	"p":          TypeParagraph,
	"h1":         TypeHeading,
	"h2":         TypeHeading,
	"h3":         TypeHeading,
	"h4":         TypeHeading,
	"h5":         TypeHeading,
	"h6":         TypeHeading,
	"ul":         TypeBulletList,
	"ol":         TypeOrderedList,
	"li":         TypeListItem,
	"blockquote": TypeBlockquote,
	"pre":        TypeCodeBlock,
	"br":         TypeHardBreak,
	"hr":         TypeHorizontalRule,
	"img":        TypeImage,
	"table":      TypeTable,
	"tr":         TypeTableRow,
	"th":         TypeTableHeader,
	"td":         TypeTableCell,
}

var marks = map[string]markSpec{
	"link": {
		rank: 0,
		render: func(m Mark) (string, []attribute) {
			return "a", stringAttrs(m.Attrs, "href", "title")
		},
		parse: func(attrs map[string]string) map[string]any {
			return pickAttrs(attrs, "href", "title")
		},
	},
	"bold":      {rank: 1, render: fixedMark("strong")},
	"italic":    {rank: 2, render: fixedMark("em")},
	"underline": {rank: 3, render: fixedMark("u")},
	"strike":    {rank: 4, render: fixedMark("s")},
	"code":      {rank: 5, render: fixedMark("code")},
}

var markTags = map[string]string{
	"a":      "link",
	"strong": "bold",
	"b":      "bold",
	"em":     "italic",
	"i":      "italic",
	"u":      "underline",
	"s":      "strike",
	"strike": "strike",
	"del":    "strike",
	"code":   "code",
}

func fixedMark(tag string) func(Mark) (string, []attribute) {
	return func(Mark) (string, []attribute) { return tag, nil }
}

func cellTag(tag string) func(Node) (string, []attribute) {
	return func(n Node) (string, []attribute) {
		var attrs []attribute
		if span := intAttr(n.Attrs, "colspan", 1); span > 1 {
			attrs = append(attrs, attribute{"colspan", strconv.Itoa(span)})
		}
		if span := intAttr(n.Attrs, "rowspan", 1); span > 1 {
			attrs = append(attrs, attribute{"rowspan", strconv.Itoa(span)})
		}
		return tag, attrs
	}
}

func parseCell(_ string, attrs map[string]string) map[string]any {
	out := map[string]any{}
	for _, key := range []string{"colspan", "rowspan"} {
		if span, err := strconv.Atoi(attrs[key]); err == nil && span > 1 {
			out[key] = span
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func clampLevel(level int) int {
	switch {
	case level < 1:
		return 1
	case level > 6:
		return 6
	default:
		return level
	}
}

// intAttr reads a numeric attribute. Values arrive as int when built
// locally, float64 from JSON and uint64 or int64 from the binary encoding.
func intAttr(attrs map[string]any, key string, fallback int) int {
	switch v := attrs[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func stringAttrs(attrs map[string]any, keys ...string) []attribute {
	var out []attribute
	for _, key := range keys {
		if v, ok := attrs[key].(string); ok && v != "" {
			out = append(out, attribute{key, v})
		}
	}
	return out
}

func pickAttrs(attrs map[string]string, keys ...string) map[string]any {
	out := map[string]any{}
	for _, key := range keys {
		if v := attrs[key]; v != "" {
			out[key] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func markRank(m Mark) int {
	if spec, ok := marks[m.Type]; ok {
		return spec.rank
	}
	return len(marks)
}

// sortMarks returns marks in canonical order, outermost first.
func sortMarks(in []Mark) []Mark {
	out := append([]Mark(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := markRank(out[i]), markRank(out[j])
		if ri != rj {
			return ri < rj
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// encodeMarks is the per-character mark representation stored in the
// replicated document. Equal mark sets encode to equal strings.
func encodeMarks(in []Mark) string {
	if len(in) == 0 {
		return ""
	}
	encoded, err := json.Marshal(sortMarks(in))
	if err != nil {
		panic(fmt.Sprintf("prosemirror: encode marks: %v", err))
	}
	return string(encoded)
}

func decodeMarks(s string) []Mark {
	if s == "" {
		return nil
	}
	var out []Mark
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func sameMarks(a, b []Mark) bool {
	return encodeMarks(a) == encodeMarks(b)
}
