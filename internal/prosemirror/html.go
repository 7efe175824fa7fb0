package prosemirror

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// RenderHTML renders a document tree. Output has no insignificant
// whitespace, so it parses back to the same tree.
func RenderHTML(tree Node) string {
	var b strings.Builder
	renderNode(&b, tree)
	if tree.Type == TypeDoc && b.Len() == 0 {
		return EmptyHTML
	}
	return b.String()
}

func renderNode(b *strings.Builder, node Node) {
	switch node.Type {
	case TypeDoc:
		renderContent(b, node.Content)
		return
	case TypeText:
		renderText(b, node.Text, node.Marks)
		return
	case TypeCodeBlock:
		b.WriteString("<pre><code")
		if lang, ok := node.Attrs["language"].(string); ok && lang != "" {
			writeAttrs(b, []attribute{{"class", "language-" + lang}})
		}
		b.WriteString(">")
		for _, child := range node.Content {
			if child.Type == TypeHardBreak {
				b.WriteString("\n")
				continue
			}
			b.WriteString(html.EscapeString(child.Text))
		}
		b.WriteString("</code></pre>")
		return
	}

	spec, ok := nodes[node.Type]
	if !ok {
		// Unknown node type - render content if any
		renderContent(b, node.Content)
		return
	}
	tag, attrs := spec.render(node)
	b.WriteString("<" + tag)
	writeAttrs(b, attrs)
	b.WriteString(">")
	if spec.kind == kindInline || spec.kind == kindBlockLeaf {
		return
	}
	renderContent(b, node.Content)
	b.WriteString("</" + tag + ">")
}

func renderContent(b *strings.Builder, content []Node) {
	for _, child := range content {
		renderNode(b, child)
	}
}

// renderText wraps text in its marks, outermost first.
func renderText(b *strings.Builder, text string, textMarks []Mark) {
	if text == "" {
		return
	}
	ordered := sortMarks(textMarks)
	var closing []string
	for _, mark := range ordered {
		spec, ok := marks[mark.Type]
		if !ok {
			continue
		}
		tag, attrs := spec.render(mark)
		b.WriteString("<" + tag)
		writeAttrs(b, attrs)
		b.WriteString(">")
		closing = append(closing, tag)
	}
	b.WriteString(html.EscapeString(text))
	for i := len(closing) - 1; i >= 0; i-- {
		b.WriteString("</" + closing[i] + ">")
	}
}

func writeAttrs(b *strings.Builder, attrs []attribute) {
	for _, attr := range attrs {
		fmt.Fprintf(b, ` %s="%s"`, attr.Key, html.EscapeString(attr.Val))
	}
}

type tagKind int

const (
	tagNode tagKind = iota
	tagMark
	tagSkip
)

type openTag struct {
	name  string
	kind  tagKind
	depth int
}

// parser builds a tree from a token stream. stack holds the open nodes
// (stack[0] is the doc); paragraphs opened to hold stray inline content
// have no entry in tags and close with the enclosing tag.
type parser struct {
	stack []*Node
	tags  []openTag
	marks []Mark
}

// ParseHTML parses an HTML fragment into a document tree. Unknown tags
// are transparent; inline content outside a textblock is wrapped in a
// paragraph.
func ParseHTML(input string) (Node, error) {
	p := &parser{stack: []*Node{{Type: TypeDoc}}}
	tokenizer := html.NewTokenizer(strings.NewReader(input))
	for {
		kind := tokenizer.Next()
		if kind == html.ErrorToken {
			if err := tokenizer.Err(); !errors.Is(err, io.EOF) {
				return Node{}, &ConversionError{Op: "parse html", Err: err}
			}
			break
		}
		token := tokenizer.Token()
		switch kind {
		case html.StartTagToken:
			p.start(token, false)
		case html.SelfClosingTagToken:
			p.start(token, true)
		case html.EndTagToken:
			p.end(token.Data)
		case html.TextToken:
			p.text(token.Data)
		}
	}
	p.closeTo(1)
	doc := *p.stack[0]
	if len(doc.Content) == 0 {
		return EmptyDoc(), nil
	}
	return doc, nil
}

func (p *parser) top() *Node { return p.stack[len(p.stack)-1] }

func (p *parser) inCode() bool {
	for _, node := range p.stack {
		if node.Type == TypeCodeBlock {
			return true
		}
	}
	return false
}

func (p *parser) push(node Node) {
	n := node
	p.stack = append(p.stack, &n)
}

// closeTo pops open nodes until depth remain, appending each to its parent.
func (p *parser) closeTo(depth int) {
	for len(p.stack) > depth && len(p.stack) > 1 {
		last := len(p.stack) - 1
		child := p.stack[last]
		p.stack = p.stack[:last]
		parent := p.top()
		parent.Content = append(parent.Content, *child)
	}
}

func (p *parser) isTextblock(node *Node) bool {
	spec, ok := nodes[node.Type]
	return ok && spec.kind == kindTextblock
}

// closeTextblocks pops textblocks so a block can open at this position.
func (p *parser) closeTextblocks() {
	for len(p.stack) > 1 && p.isTextblock(p.top()) {
		p.closeTo(len(p.stack) - 1)
	}
}

func (p *parser) ensureTextblock() {
	if p.isTextblock(p.top()) {
		return
	}
	p.push(Node{Type: TypeParagraph})
}

func attrMap(token html.Token) map[string]string {
	out := make(map[string]string, len(token.Attr))
	for _, attr := range token.Attr {
		out[attr.Key] = attr.Val
	}
	return out
}

func (p *parser) start(token html.Token, selfClosing bool) {
	name := token.Data
	attrs := attrMap(token)

	if p.inCode() {
		if name == "code" {
			if lang, ok := strings.CutPrefix(attrs["class"], "language-"); ok && lang != "" {
				block := p.top()
				if block.Attrs == nil {
					block.Attrs = map[string]any{}
				}
				block.Attrs["language"] = lang
			}
		}
		if !selfClosing {
			p.tags = append(p.tags, openTag{name: name, kind: tagSkip, depth: len(p.stack)})
		}
		return
	}

	if markType, ok := markTags[name]; ok {
		if selfClosing {
			return
		}
		mark := Mark{Type: markType}
		if parse := marks[markType].parse; parse != nil {
			mark.Attrs = parse(attrs)
		}
		p.marks = append(p.marks, mark)
		p.tags = append(p.tags, openTag{name: name, kind: tagMark})
		return
	}

	nodeType, ok := tags[name]
	if !ok {
		if !selfClosing {
			p.tags = append(p.tags, openTag{name: name, kind: tagSkip, depth: len(p.stack)})
		}
		return
	}
	spec := nodes[nodeType]
	node := Node{Type: nodeType}
	if spec.parse != nil {
		node.Attrs = spec.parse(name, attrs)
	}

	switch spec.kind {
	case kindInline:
		p.ensureTextblock()
		top := p.top()
		top.Content = append(top.Content, node)
		return
	case kindBlockLeaf:
		// An open textblock keeps the leaf inline.
		top := p.top()
		top.Content = append(top.Content, node)
		return
	}

	p.closeTextblocks()
	p.push(node)
	if selfClosing {
		p.closeTo(len(p.stack) - 1)
		return
	}
	p.tags = append(p.tags, openTag{name: name, kind: tagNode, depth: len(p.stack)})
}

func (p *parser) end(name string) {
	found := -1
	for i := len(p.tags) - 1; i >= 0; i-- {
		if p.tags[i].name == name {
			found = i
			break
		}
	}
	if found < 0 {
		return
	}
	for i := len(p.tags) - 1; i >= found; i-- {
		open := p.tags[i]
		switch open.kind {
		case tagMark:
			if len(p.marks) > 0 {
				p.marks = p.marks[:len(p.marks)-1]
			}
		case tagNode:
			p.closeTo(open.depth - 1)
		case tagSkip:
			p.closeTo(open.depth)
		}
	}
	p.tags = p.tags[:found]
}

func (p *parser) text(data string) {
	if data == "" {
		return
	}
	if p.inCode() {
		p.appendText(data, nil)
		return
	}
	if strings.TrimSpace(data) == "" && !p.isTextblock(p.top()) {
		return
	}
	p.ensureTextblock()
	p.appendText(data, p.marks)
}

func (p *parser) appendText(data string, textMarks []Mark) {
	top := p.top()
	if n := len(top.Content); n > 0 {
		last := &top.Content[n-1]
		if last.Type == TypeText && sameMarks(last.Marks, textMarks) {
			last.Text += data
			return
		}
	}
	top.Content = append(top.Content, Node{
		Type:  TypeText,
		Text:  data,
		Marks: sortMarks(textMarks),
	})
}
