package compiler

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Template is a pre-parsed instructions template.
//
// Syntax:
//
//	{{ name }}  {{ a.b }}  {{ items[0].title }}
//	{% if name %} ... {% else %} ... {% endif %}
//	{% if not name %} ... {% endif %}
//
// Nothing else is evaluated: there are no filters, loops or function calls.
type Template struct {
	nodes []node
}

type nodeKind int

const (
	nodeText nodeKind = iota
	nodeVar
	nodeIf
)

type node struct {
	kind   nodeKind
	text   string
	path   path
	negate bool
	then   []node
	els    []node
}

type segment struct {
	key   string
	index int
	isIdx bool
}

type path struct {
	raw      string
	segments []segment
}

func (p path) root() string { return p.segments[0].key }

// Parse parses src into a Template.
func Parse(src string) (*Template, error) {
	p := &parser{src: src}
	nodes, term, err := p.parseNodes()
	if err != nil {
		return nil, err
	}
	if term != "" {
		return nil, fmt.Errorf("unexpected {%% %s %%}", term)
	}
	return &Template{nodes: nodes}, nil
}

type parser struct {
	src string
	pos int
}

// parseNodes reads until EOF or a block terminator ("else", "endif"),
// returning the terminator it stopped at.
func (p *parser) parseNodes() ([]node, string, error) {
	var nodes []node
	for p.pos < len(p.src) {
		rest := p.src[p.pos:]
		open := indexOfTag(rest)
		if open < 0 {
			nodes = append(nodes, node{kind: nodeText, text: rest})
			p.pos = len(p.src)
			break
		}
		if open > 0 {
			nodes = append(nodes, node{kind: nodeText, text: rest[:open]})
		}
		p.pos += open

		switch p.src[p.pos+1] {
		case '{':
			expr, err := p.readTag("{{", "}}")
			if err != nil {
				return nil, "", err
			}
			pth, err := parsePath(expr)
			if err != nil {
				return nil, "", err
			}
			nodes = append(nodes, node{kind: nodeVar, path: pth})

		case '%':
			stmt, err := p.readTag("{%", "%}")
			if err != nil {
				return nil, "", err
			}
			fields := strings.Fields(stmt)
			if len(fields) == 0 {
				return nil, "", fmt.Errorf("empty {%% %%} tag")
			}
			switch fields[0] {
			case "else", "endif":
				if len(fields) != 1 {
					return nil, "", fmt.Errorf("unexpected arguments to {%% %s %%}", fields[0])
				}
				return nodes, fields[0], nil
			case "if":
				n, err := p.parseIf(fields[1:])
				if err != nil {
					return nil, "", err
				}
				nodes = append(nodes, n)
			default:
				return nil, "", fmt.Errorf("unsupported tag {%% %s %%}", fields[0])
			}
		}
	}
	return nodes, "", nil
}

func (p *parser) parseIf(args []string) (node, error) {
	n := node{kind: nodeIf}
	if len(args) == 2 && args[0] == "not" {
		n.negate = true
		args = args[1:]
	}
	if len(args) != 1 {
		return n, fmt.Errorf("{%% if %%} takes a single variable")
	}
	pth, err := parsePath(args[0])
	if err != nil {
		return n, err
	}
	n.path = pth

	then, term, err := p.parseNodes()
	if err != nil {
		return n, err
	}
	n.then = then
	if term == "else" {
		els, term2, err := p.parseNodes()
		if err != nil {
			return n, err
		}
		if term2 != "endif" {
			return n, fmt.Errorf("missing {%% endif %%} for {%% if %s %%}", pth.raw)
		}
		n.els = els
		return n, nil
	}
	if term != "endif" {
		return n, fmt.Errorf("missing {%% endif %%} for {%% if %s %%}", pth.raw)
	}
	return n, nil
}

func (p *parser) readTag(open, closing string) (string, error) {
	start := p.pos + len(open)
	end := strings.Index(p.src[start:], closing)
	if end < 0 {
		return "", fmt.Errorf("unterminated %s at offset %d", open, p.pos)
	}
	p.pos = start + end + len(closing)
	return strings.TrimSpace(p.src[start : start+end]), nil
}

func indexOfTag(s string) int {
	for i := 0; i+1 < len(s); i++ {
		if s[i] == '{' && (s[i+1] == '{' || s[i+1] == '%') {
			return i
		}
	}
	return -1
}

func parsePath(expr string) (path, error) {
	p := path{raw: expr}
	if expr == "" {
		return p, fmt.Errorf("empty variable reference")
	}
	for part := range strings.SplitSeq(expr, ".") {
		name, rest, _ := strings.Cut(part, "[")
		if !isIdent(name) {
			return p, fmt.Errorf("invalid variable reference %q", expr)
		}
		p.segments = append(p.segments, segment{key: name})
		for rest != "" {
			idx, after, ok := strings.Cut(rest, "]")
			n, err := strconv.Atoi(idx)
			if !ok || err != nil || n < 0 {
				return p, fmt.Errorf("invalid index in %q", expr)
			}
			p.segments = append(p.segments, segment{index: n, isIdx: true})
			rest = strings.TrimPrefix(after, "[")
			if after != "" && !strings.HasPrefix(after, "[") {
				return p, fmt.Errorf("invalid variable reference %q", expr)
			}
		}
	}
	return p, nil
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '-'):
		default:
			return false
		}
	}
	return true
}

// =============================================================================
// RENDERING
// =============================================================================

// MissingVariableError reports a referenced variable absent from the input.
type MissingVariableError struct {
	Name string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("template variable %q is missing from the input", e.Name)
}

type renderState struct {
	input    map[string]any
	optional func(root string) bool
	bindings map[string]any
	sb       strings.Builder
}

// Render evaluates the template against input. Variables for which optional
// returns true render as empty when absent. The returned bindings hold every
// top-level input field the template read.
func (t *Template) Render(input map[string]any, optional func(root string) bool) (string, map[string]any, error) {
	if optional == nil {
		optional = func(string) bool { return false }
	}
	st := &renderState{input: input, optional: optional, bindings: make(map[string]any)}
	if err := st.render(t.nodes); err != nil {
		return "", nil, err
	}
	return st.sb.String(), st.bindings, nil
}

func (st *renderState) render(nodes []node) error {
	for _, n := range nodes {
		switch n.kind {
		case nodeText:
			st.sb.WriteString(n.text)
		case nodeVar:
			v, ok := st.lookup(n.path)
			if !ok {
				if st.optional(n.path.root()) {
					continue
				}
				return &MissingVariableError{Name: n.path.raw}
			}
			st.sb.WriteString(stringify(v))
		case nodeIf:
			v, ok := st.lookup(n.path)
			cond := ok && truthy(v)
			if n.negate {
				cond = !cond
			}
			branch := n.els
			if cond {
				branch = n.then
			}
			if err := st.render(branch); err != nil {
				return err
			}
		}
	}
	return nil
}

func (st *renderState) lookup(p path) (any, bool) {
	root, ok := st.input[p.root()]
	if !ok {
		return nil, false
	}
	st.bindings[p.root()] = root

	cur := root
	for _, seg := range p.segments[1:] {
		switch c := cur.(type) {
		case map[string]any:
			if seg.isIdx {
				return nil, false
			}
			if cur, ok = c[seg.key]; !ok {
				return nil, false
			}
		case []any:
			if !seg.isIdx || seg.index >= len(c) {
				return nil, false
			}
			cur = c[seg.index]
		default:
			return nil, false
		}
	}
	return cur, true
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case json.Number:
		f, err := t.Float64()
		return err != nil || f != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
