package testkit

import (
	"fmt"
	"strings"

	"go.starlark.net/starlark"
	"golang.org/x/net/html"
)

// stubComponent renders its tag with the props it was given, in place of a
// real component.
type stubComponent struct {
	tag       starlark.Value
	children  starlark.Value
	dataProps bool
}

var _ component = (*stubComponent)(nil)

func (s *stubComponent) String() string        { return fmt.Sprintf("<stub %s>", s.name()) }
func (s *stubComponent) Type() string          { return "testkit.stub" }
func (s *stubComponent) Freeze()               { s.tag.Freeze(); s.children.Freeze() }
func (s *stubComponent) Truth() starlark.Bool  { return starlark.True }
func (s *stubComponent) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: %s", s.Type()) }
func (s *stubComponent) name() string          { return displayName(s.tag) }

// render passes every prop through. With data props on, each prop except
// children and handlers is also copied to "data-<lowercased key>". The
// stub's own children are used only when the caller gave none.
func (s *stubComponent) render(r *renderer, props *starlark.Dict) ([]*html.Node, error) {
	out := starlark.NewDict(props.Len())
	var children starlark.Value = starlark.None
	for _, kv := range props.Items() {
		key, _ := starlark.AsString(kv[0])
		if key == "children" {
			children = kv[1]
			continue
		}
		_ = out.SetKey(kv[0], kv[1])
		if !s.dataProps {
			continue
		}
		if _, callable := kv[1].(starlark.Callable); callable {
			continue
		}
		_ = out.SetKey(starlark.String("data-"+strings.ToLower(key)), kv[1])
	}
	if !children.Truth() {
		children = s.children
	}

	return r.element(&Element{Tag: s.tag, Props: out, Children: childrenTuple(children)})
}

// childrenTuple spreads a children value back into element children.
func childrenTuple(v starlark.Value) starlark.Tuple {
	switch v := v.(type) {
	case starlark.NoneType:
		return nil
	case starlark.Tuple:
		return v
	case *starlark.List:
		out := make(starlark.Tuple, v.Len())
		for i := range out {
			out[i] = v.Index(i)
		}
		return out
	}
	return starlark.Tuple{v}
}

// contextComponent renders its component with a context visible to the
// whole subtree through testkit.context().
type contextComponent struct {
	inner   starlark.Value
	context starlark.Value
}

var _ component = (*contextComponent)(nil)

func (c *contextComponent) String() string        { return fmt.Sprintf("<component %s>", c.name()) }
func (c *contextComponent) Type() string          { return "testkit.component" }
func (c *contextComponent) Freeze()               { c.inner.Freeze(); c.context.Freeze() }
func (c *contextComponent) Truth() starlark.Bool  { return starlark.True }
func (c *contextComponent) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: %s", c.Type()) }

func (c *contextComponent) name() string {
	inner := "Component"
	if _, ok := c.inner.(starlark.String); !ok {
		inner = displayName(c.inner)
	}
	return inner + ":withContext"
}

func (c *contextComponent) render(r *renderer, props *starlark.Dict) ([]*html.Node, error) {
	r.contexts = append(r.contexts, c.context)
	defer func() { r.contexts = r.contexts[:len(r.contexts)-1] }()

	var children starlark.Tuple
	if v, found, _ := props.Get(starlark.String("children")); found {
		children = childrenTuple(v)
		if _, err := props.Delete(starlark.String("children")); err != nil {
			return nil, err
		}
	}
	return r.element(&Element{Tag: c.inner, Props: props, Children: children})
}
