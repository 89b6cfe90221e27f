package testkit

import (
	"fmt"
	"strings"

	"go.starlark.net/starlark"
	"golang.org/x/net/html"

	"github.com/albertocavalcante/skykit/internal/vdom"
)

const rendererKey = "testkit.renderer"

// renderer turns element descriptors into nodes of one tree. While it runs
// it is stored in the thread, so components can read the innermost context
// with testkit.context().
type renderer struct {
	thread   *starlark.Thread
	tree     *vdom.Tree
	contexts []starlark.Value
	depth    int
}

const maxDepth = 256

// attrAliases maps prop names to the attribute they render as.
var attrAliases = map[string]string{
	"class_name": "class",
	"classname":  "class",
	"html_for":   "for",
	"htmlfor":    "for",
}

func currentRenderer(thread *starlark.Thread) *renderer {
	r, _ := thread.Local(rendererKey).(*renderer)
	return r
}

// mount renders v into r.tree. The previous renderer of the thread, if any,
// is restored afterwards.
func (r *renderer) mount(v starlark.Value) error {
	prev := r.thread.Local(rendererKey)
	r.thread.SetLocal(rendererKey, r)
	defer r.thread.SetLocal(rendererKey, prev)

	nodes, err := r.value(v)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		r.tree.Mount(n)
	}
	return nil
}

// value renders anything that may appear as a child.
func (r *renderer) value(v starlark.Value) ([]*html.Node, error) {
	switch v := v.(type) {
	case starlark.NoneType, starlark.Bool:
		return nil, nil
	case starlark.String:
		return []*html.Node{vdom.Text(string(v))}, nil
	case starlark.Int, starlark.Float:
		return []*html.Node{vdom.Text(v.String())}, nil
	case *Element:
		return r.element(v)
	case *starlark.List, starlark.Tuple:
		var out []*html.Node
		iter := starlark.Iterate(v)
		defer iter.Done()
		var x starlark.Value
		for iter.Next(&x) {
			nodes, err := r.value(x)
			if err != nil {
				return nil, err
			}
			out = append(out, nodes...)
		}
		return out, nil
	}
	return nil, fmt.Errorf("cannot render %s", v.Type())
}

func (r *renderer) element(e *Element) ([]*html.Node, error) {
	r.depth++
	defer func() { r.depth-- }()
	if r.depth > maxDepth {
		return nil, fmt.Errorf("render: component nesting exceeds %d (recursive component?)", maxDepth)
	}

	switch tag := e.Tag.(type) {
	case starlark.String:
		return r.host(string(tag), e.Props, e.Children)
	case component:
		return tag.render(r, componentProps(e))
	case starlark.Callable:
		out, err := starlark.Call(r.thread, tag, starlark.Tuple{componentProps(e)}, nil)
		if err != nil {
			return nil, err
		}
		return r.value(out)
	}
	return nil, fmt.Errorf("render: invalid tag %s", e.Tag.Type())
}

// componentProps copies e's props and adds its children, when it has any,
// under "children".
func componentProps(e *Element) *starlark.Dict {
	props := starlark.NewDict(e.Props.Len() + 1)
	for _, kv := range e.Props.Items() {
		_ = props.SetKey(kv[0], kv[1])
	}
	if len(e.Children) > 0 {
		_ = props.SetKey(starlark.String("children"), starlark.NewList(append([]starlark.Value(nil), e.Children...)))
	}
	return props
}

// host renders an HTML element. Handler props become event handlers;
// everything else except "children", "key" and "ref" becomes an attribute.
func (r *renderer) host(tag string, props *starlark.Dict, children starlark.Tuple) ([]*html.Node, error) {
	n := vdom.Element(tag)

	for _, kv := range props.Items() {
		key, ok := starlark.AsString(kv[0])
		if !ok {
			return nil, fmt.Errorf("<%s>: prop keys must be strings, got %s", tag, kv[0].Type())
		}
		val := kv[1]

		if event, ok := vdom.HandlerProp(key); ok {
			if val == starlark.None {
				continue
			}
			fn, ok := val.(starlark.Callable)
			if !ok {
				return nil, fmt.Errorf("<%s>: %s must be callable, got %s", tag, key, val.Type())
			}
			r.tree.On(n, event, fn)
			continue
		}

		switch key {
		case "children", "key", "ref":
			continue
		}
		attr, keep := attrValue(val)
		if !keep {
			continue
		}
		name := strings.ToLower(key)
		if alias, ok := attrAliases[name]; ok {
			name = alias
		}
		n.Attr = append(n.Attr, html.Attribute{Key: name, Val: attr})
	}

	if len(children) == 0 {
		if c, found, _ := props.Get(starlark.String("children")); found {
			children = starlark.Tuple{c}
		}
	}
	for _, c := range children {
		nodes, err := r.value(c)
		if err != nil {
			return nil, err
		}
		for _, child := range nodes {
			n.AppendChild(child)
		}
	}
	return []*html.Node{n}, nil
}

// attrValue renders a prop value as an attribute. None and False drop the
// attribute; True renders it empty.
func attrValue(v starlark.Value) (string, bool) {
	switch v := v.(type) {
	case starlark.NoneType:
		return "", false
	case starlark.Bool:
		return "", bool(v)
	case starlark.String:
		return string(v), true
	}
	return v.String(), true
}
