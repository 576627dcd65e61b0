package agentle

import (
	"fmt"
	"reflect"
	"strings"
)

// Prompt is an immutable template text. Compiled distinguishes a resolved
// prompt from a template; compiling a compiled prompt is a no-op, which makes
// compilation idempotent.
//
// Template grammar:
//
//	{{name.path}}            variable substitution, dotted paths walk nested
//	                         maps and struct fields
//	{{#if cond}}...{{/if}}   conditional block, cond is a dotted path
//	{{#each list}}...{{/each}} iteration; {{this}} is the current element
type Prompt struct {
	Text     string
	Compiled bool
}

// NewPrompt wraps template text.
func NewPrompt(text string) Prompt {
	return Prompt{Text: text}
}

// Compile resolves the template against context and returns the compiled
// prompt. Control blocks require balanced {{#if}}/{{/if}} and
// {{#each}}/{{/each}} pairs; imbalance is a ConfigurationError.
func (p Prompt) Compile(context map[string]any) (Prompt, error) {
	if p.Compiled {
		return p, nil
	}
	nodes, rest, err := parseNodes(p.Text, "")
	if err != nil {
		return Prompt{}, err
	}
	if rest != "" {
		return Prompt{}, &ErrConfiguration{Field: "prompt", Message: "unexpected closing tag"}
	}
	var b strings.Builder
	renderNodes(&b, nodes, scope{vars: context})
	return Prompt{Text: b.String(), Compiled: true}, nil
}

// MustCompile is Compile that panics on template errors. For templates known
// good at build time.
func (p Prompt) MustCompile(context map[string]any) Prompt {
	out, err := p.Compile(context)
	if err != nil {
		panic(err)
	}
	return out
}

// scope is a lookup chain: "this" binds the current each-element, falling
// back to the enclosing variables.
type scope struct {
	vars map[string]any
	this any
	has  bool // this is bound
}

func (s scope) lookup(path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any
	if parts[0] == "this" && s.has {
		cur = s.this
		parts = parts[1:]
	} else {
		v, ok := s.vars[parts[0]]
		if !ok {
			return nil, false
		}
		cur = v
		parts = parts[1:]
	}
	for _, key := range parts {
		next, ok := field(cur, key)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// field resolves one path segment against maps and structs (pointers are
// dereferenced).
func field(v any, key string) (any, bool) {
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		mv := rv.MapIndex(reflect.ValueOf(key))
		if !mv.IsValid() {
			return nil, false
		}
		return mv.Interface(), true
	case reflect.Struct:
		fv := rv.FieldByNameFunc(func(name string) bool {
			return strings.EqualFold(name, key)
		})
		if !fv.IsValid() || !fv.CanInterface() {
			return nil, false
		}
		return fv.Interface(), true
	}
	return nil, false
}

// truthy mirrors the usual template conventions: nil, false, zero numbers,
// empty strings, and empty collections are false.
func truthy(v any) bool {
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool()
	case reflect.String:
		return rv.Len() > 0
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

// --- parser ---

type nodeKind int

const (
	nodeText nodeKind = iota
	nodeVar
	nodeIf
	nodeEach
)

type node struct {
	kind     nodeKind
	text     string // text content or var/cond/list path
	children []node
}

// parseNodes parses until the closing tag for openBlock ("" at top level).
// Returns the parsed nodes and the unconsumed remainder after the closing
// tag. Control blocks nest; a recursive descent keeps the pairing straight,
// which a regex cannot.
func parseNodes(s, openBlock string) ([]node, string, error) {
	var nodes []node
	for {
		i := strings.Index(s, "{{")
		if i < 0 {
			if openBlock != "" {
				return nil, "", &ErrConfiguration{Field: "prompt", Message: "unclosed {{#" + openBlock + "}}"}
			}
			if s != "" {
				nodes = append(nodes, node{kind: nodeText, text: s})
			}
			return nodes, "", nil
		}
		if i > 0 {
			nodes = append(nodes, node{kind: nodeText, text: s[:i]})
		}
		s = s[i:]
		j := strings.Index(s, "}}")
		if j < 0 {
			// Dangling braces render literally.
			nodes = append(nodes, node{kind: nodeText, text: s})
			return nodes, "", nil
		}
		tag := strings.TrimSpace(s[2:j])
		s = s[j+2:]
		switch {
		case strings.HasPrefix(tag, "#if "):
			children, rest, err := parseNodes(s, "if")
			if err != nil {
				return nil, "", err
			}
			nodes = append(nodes, node{kind: nodeIf, text: strings.TrimSpace(tag[4:]), children: children})
			s = rest
		case strings.HasPrefix(tag, "#each "):
			children, rest, err := parseNodes(s, "each")
			if err != nil {
				return nil, "", err
			}
			nodes = append(nodes, node{kind: nodeEach, text: strings.TrimSpace(tag[6:]), children: children})
			s = rest
		case tag == "/if", tag == "/each":
			if openBlock == "" || tag != "/"+openBlock {
				return nil, "", &ErrConfiguration{Field: "prompt", Message: "unexpected {{" + tag + "}}"}
			}
			return nodes, s, nil
		default:
			nodes = append(nodes, node{kind: nodeVar, text: tag})
		}
	}
}

func renderNodes(b *strings.Builder, nodes []node, sc scope) {
	for _, n := range nodes {
		switch n.kind {
		case nodeText:
			b.WriteString(n.text)
		case nodeVar:
			if v, ok := sc.lookup(n.text); ok {
				b.WriteString(stringify(v))
			}
		case nodeIf:
			if v, ok := sc.lookup(n.text); ok && truthy(v) {
				renderNodes(b, n.children, sc)
			}
		case nodeEach:
			v, ok := sc.lookup(n.text)
			if !ok {
				continue
			}
			rv := reflect.ValueOf(v)
			if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
				continue
			}
			for i := 0; i < rv.Len(); i++ {
				renderNodes(b, n.children, scope{vars: sc.vars, this: rv.Index(i).Interface(), has: true})
			}
		}
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
