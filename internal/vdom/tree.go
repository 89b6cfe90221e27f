// Package vdom is a minimal virtual DOM for component tests.
//
// Rendered output is an ordinary golang.org/x/net/html node tree hanging off
// a Tree's root container, so it serializes to real HTML. Event handlers are
// kept beside the tree, keyed by node, because html.Node attributes can only
// hold strings.
package vdom

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Handler is whatever a caller attaches to an event; vdom only stores and
// returns it.
type Handler any

// Tree is a mount point plus the handlers of everything rendered into it.
type Tree struct {
	Root *html.Node

	handlers map[*html.Node]map[string]Handler
}

// NewTree returns an empty tree whose root is a detached <div>.
func NewTree() *Tree {
	return &Tree{
		Root:     &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div},
		handlers: make(map[*html.Node]map[string]Handler),
	}
}

// Element creates a detached element node.
func Element(tag string, attrs ...html.Attribute) *html.Node {
	tag = strings.ToLower(tag)
	return &html.Node{
		Type:     html.ElementNode,
		Data:     tag,
		DataAtom: atom.Lookup([]byte(tag)),
		Attr:     attrs,
	}
}

// Text creates a detached text node.
func Text(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}

// On attaches h to n for event. A second handler for the same event
// replaces the first.
func (t *Tree) On(n *html.Node, event string, h Handler) {
	m := t.handlers[n]
	if m == nil {
		m = make(map[string]Handler)
		t.handlers[n] = m
	}
	m[EventName(event)] = h
}

// Handler returns the handler n has for event.
func (t *Tree) Handler(n *html.Node, event string) (Handler, bool) {
	h, ok := t.handlers[n][EventName(event)]
	return h, ok
}

// Mount appends n to the root.
func (t *Tree) Mount(n *html.Node) {
	t.Root.AppendChild(n)
}

// Mounted reports whether anything is rendered.
func (t *Tree) Mounted() bool {
	return t.Root.FirstChild != nil
}

// Unmount removes everything from the root and drops its handlers. It
// reports whether anything was mounted.
func (t *Tree) Unmount() bool {
	if !t.Mounted() {
		return false
	}
	for c := t.Root.FirstChild; c != nil; {
		next := c.NextSibling
		t.Root.RemoveChild(c)
		c = next
	}
	t.handlers = make(map[*html.Node]map[string]Handler)
	return true
}

// Contains reports whether n is attached under the root.
func (t *Tree) Contains(n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p == t.Root {
			return true
		}
	}
	return false
}

// Attr returns the value of n's attribute key.
func Attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// TextContent concatenates every text node under n.
func TextContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(TextContent(c))
	}
	return sb.String()
}

// OuterHTML serializes n itself.
func OuterHTML(n *html.Node) (string, error) {
	var buf bytes.Buffer
	if err := html.Render(&buf, n); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// InnerHTML serializes n's children.
func InnerHTML(n *html.Node) (string, error) {
	var buf bytes.Buffer
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&buf, c); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}
