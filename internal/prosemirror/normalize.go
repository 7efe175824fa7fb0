package prosemirror

import "strings"

// normalize rewrites a tree read from a replica into the shape ParseHTML
// produces for its rendering, so rendering, parsing and rendering again
// yields the same HTML. Unknown node types are unwrapped, unknown marks
// dropped, inline content outside a textblock is wrapped in a paragraph
// and a code block holds a single plain text node.
func normalize(tree Node) Node {
	out := Node{Type: TypeDoc, Attrs: tree.Attrs}
	out.Content = normalizeContent(TypeDoc, tree.Content)
	if len(out.Content) == 0 {
		return EmptyDoc()
	}
	return out
}

func isInline(node Node) bool {
	return node.Type == TypeText || node.Type == TypeHardBreak
}

func isBlockLeaf(node Node) bool {
	spec, ok := nodes[node.Type]
	return ok && spec.kind == kindBlockLeaf
}

// unwrapUnknown replaces nodes of unregistered types by their content.
func unwrapUnknown(content []Node) []Node {
	out := make([]Node, 0, len(content))
	for _, child := range content {
		if child.Type == TypeText {
			out = append(out, child)
			continue
		}
		if _, ok := nodes[child.Type]; !ok {
			out = append(out, unwrapUnknown(child.Content)...)
			continue
		}
		out = append(out, child)
	}
	return out
}

func normalizeContent(parentType string, content []Node) []Node {
	content = unwrapUnknown(content)
	if parentType == TypeCodeBlock {
		return codeText(content)
	}
	if spec, ok := nodes[parentType]; ok && spec.kind == kindTextblock {
		return normalizeInline(content)
	}

	var out []Node
	var run []Node
	flush := func() {
		if len(run) == 0 {
			return
		}
		inline := normalizeInline(run)
		if len(inline) > 0 {
			out = append(out, Node{Type: TypeParagraph, Content: inline})
		}
		run = nil
	}
	for _, child := range content {
		if isInline(child) {
			run = append(run, child)
			continue
		}
		flush()
		if isBlockLeaf(child) {
			out = append(out, Node{Type: child.Type, Attrs: child.Attrs})
			continue
		}
		out = append(out, Node{
			Type:    child.Type,
			Attrs:   child.Attrs,
			Content: normalizeContent(child.Type, child.Content),
		})
	}
	flush()
	return out
}

// normalizeInline flattens content for a textblock: nested blocks give up
// their inline content, empty text disappears and neighbouring text with
// equal marks merges.
func normalizeInline(content []Node) []Node {
	var out []Node
	stack := make([]Node, 0, len(content))
	for i := len(content) - 1; i >= 0; i-- {
		stack = append(stack, content[i])
	}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch {
		case node.Type == TypeText:
			if node.Text == "" {
				continue
			}
			textMarks := canonicalMarks(node.Marks)
			if n := len(out); n > 0 && out[n-1].Type == TypeText && sameMarks(out[n-1].Marks, textMarks) {
				out[n-1].Text += node.Text
				continue
			}
			out = append(out, Node{Type: TypeText, Text: node.Text, Marks: textMarks})
		case node.Type == TypeHardBreak || isBlockLeaf(node):
			out = append(out, Node{Type: node.Type, Attrs: node.Attrs})
		default:
			for i := len(node.Content) - 1; i >= 0; i-- {
				stack = append(stack, node.Content[i])
			}
		}
	}
	return out
}

// canonicalMarks drops unknown marks and reduces attributes to the ones
// that survive rendering.
func canonicalMarks(in []Mark) []Mark {
	var out []Mark
	for _, mark := range in {
		spec, ok := marks[mark.Type]
		if !ok {
			continue
		}
		canonical := Mark{Type: mark.Type}
		if spec.parse != nil {
			_, rendered := spec.render(mark)
			attrs := make(map[string]string, len(rendered))
			for _, attr := range rendered {
				attrs[attr.Key] = attr.Val
			}
			canonical.Attrs = spec.parse(attrs)
		}
		out = append(out, canonical)
	}
	if len(out) == 0 {
		return nil
	}
	return sortMarks(out)
}

// codeText collapses code block content into one unmarked text node.
func codeText(content []Node) []Node {
	var b strings.Builder
	stack := make([]Node, 0, len(content))
	for i := len(content) - 1; i >= 0; i-- {
		stack = append(stack, content[i])
	}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		switch node.Type {
		case TypeText:
			b.WriteString(node.Text)
		case TypeHardBreak:
			b.WriteString("\n")
		default:
			for i := len(node.Content) - 1; i >= 0; i-- {
				stack = append(stack, node.Content[i])
			}
		}
	}
	if b.Len() == 0 {
		return nil
	}
	return []Node{{Type: TypeText, Text: b.String()}}
}
