package testkit

import (
	"fmt"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
	"golang.org/x/net/html"

	"github.com/albertocavalcante/skykit/internal/vdom"
)

// Element is the descriptor h() returns: a tag or component, its props and
// its children. Nothing is rendered until it reaches render().
type Element struct {
	Tag      starlark.Value
	Props    *starlark.Dict
	Children starlark.Tuple
}

var (
	_ starlark.Value    = (*Element)(nil)
	_ starlark.HasAttrs = (*Element)(nil)
)

func (e *Element) String() string        { return fmt.Sprintf("<element %s>", displayName(e.Tag)) }
func (e *Element) Type() string          { return "testkit.element" }
func (e *Element) Truth() starlark.Bool  { return starlark.True }
func (e *Element) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: %s", e.Type()) }

func (e *Element) Freeze() {
	e.Tag.Freeze()
	e.Props.Freeze()
	e.Children.Freeze()
}

func (e *Element) Attr(name string) (starlark.Value, error) {
	switch name {
	case "tag":
		return e.Tag, nil
	case "props":
		return e.Props, nil
	case "children":
		return e.Children, nil
	}
	return nil, nil
}

func (e *Element) AttrNames() []string { return []string{"children", "props", "tag"} }

// component is implemented by the values stub() and with_context() return.
type component interface {
	starlark.Value
	name() string
	render(r *renderer, props *starlark.Dict) ([]*html.Node, error)
}

// displayName names a tag for error messages and wrappers.
func displayName(tag starlark.Value) string {
	switch t := tag.(type) {
	case starlark.String:
		return string(t)
	case component:
		return t.name()
	case starlark.Callable:
		return t.Name()
	}
	return tag.Type()
}

func isTag(v starlark.Value) bool {
	switch v.(type) {
	case starlark.String, component, starlark.Callable:
		return true
	}
	return false
}

// Handle is what render() returns: the mount point of one rendered
// component.
type Handle struct {
	tree *vdom.Tree
	name string
}

var _ starlark.HasAttrs = (*Handle)(nil)

func (h *Handle) String() string        { return fmt.Sprintf("<handle %s>", h.name) }
func (h *Handle) Type() string          { return "testkit.handle" }
func (h *Handle) Freeze()               {}
func (h *Handle) Truth() starlark.Bool  { return starlark.True }
func (h *Handle) Hash() (uint32, error) { return starlark.String(fmt.Sprintf("%p", h)).Hash() }

// root is the first rendered element, or nil once unmounted.
func (h *Handle) root() *html.Node {
	for c := h.tree.Root.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			return c
		}
	}
	return nil
}

func (h *Handle) Attr(name string) (starlark.Value, error) {
	switch name {
	case "name":
		return starlark.String(h.name), nil
	case "mounted":
		return starlark.Bool(h.tree.Mounted()), nil
	case "root":
		if n := h.root(); n != nil {
			return &Node{n: n, tree: h.tree}, nil
		}
		return starlark.None, nil
	}
	return nil, nil
}

func (h *Handle) AttrNames() []string { return []string{"mounted", "name", "root"} }

// Node is a rendered DOM node.
type Node struct {
	n    *html.Node
	tree *vdom.Tree
}

var (
	_ starlark.HasAttrs   = (*Node)(nil)
	_ starlark.Comparable = (*Node)(nil)
)

func (n *Node) String() string {
	s, err := vdom.OuterHTML(n.n)
	if err != nil {
		return "<node " + n.n.Data + ">"
	}
	return s
}

func (n *Node) Type() string          { return "testkit.node" }
func (n *Node) Freeze()               {}
func (n *Node) Truth() starlark.Bool  { return starlark.True }
func (n *Node) Hash() (uint32, error) { return starlark.String(fmt.Sprintf("%p", n.n)).Hash() }

func (n *Node) CompareSameType(op syntax.Token, y starlark.Value, _ int) (bool, error) {
	same := n.n == y.(*Node).n
	switch op {
	case syntax.EQL:
		return same, nil
	case syntax.NEQ:
		return !same, nil
	}
	return false, fmt.Errorf("%s %s %s not implemented", n.Type(), op, y.Type())
}

func (n *Node) Attr(name string) (starlark.Value, error) {
	switch name {
	case "tag":
		return starlark.String(n.n.Data), nil
	case "text":
		return starlark.String(vdom.TextContent(n.n)), nil
	case "attrs":
		d := starlark.NewDict(len(n.n.Attr))
		for _, a := range n.n.Attr {
			if err := d.SetKey(starlark.String(a.Key), starlark.String(a.Val)); err != nil {
				return nil, err
			}
		}
		return d, nil
	case "children":
		var out []starlark.Value
		for c := n.n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode {
				out = append(out, &Node{n: c, tree: n.tree})
			}
		}
		return starlark.NewList(out), nil
	case "parent":
		p := n.n.Parent
		if p == nil || p == n.tree.Root {
			return starlark.None, nil
		}
		return &Node{n: p, tree: n.tree}, nil
	}
	return nil, nil
}

func (n *Node) AttrNames() []string {
	return []string{"attrs", "children", "parent", "tag", "text"}
}
