// Package testkit is the Starlark helper module for component tests:
// building element trees, rendering them into a virtual DOM, simulating
// events, querying the output, and stubbing or contextualizing components.
package testkit

import (
	"fmt"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"golang.org/x/net/html"

	"github.com/albertocavalcante/skykit/internal/vdom"
)

// ModuleName is the name the module is predeclared under.
const ModuleName = "testkit"

// NewModule returns the testkit module.
func NewModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: ModuleName,
		Members: starlark.StringDict{
			"h":               starlark.NewBuiltin("h", h),
			"render":          starlark.NewBuiltin("render", render),
			"unmount":         starlark.NewBuiltin("unmount", unmount),
			"simulate":        starlark.NewBuiltin("simulate", simulate),
			"simulate_native": starlark.NewBuiltin("simulate_native", simulateNative),
			"query":           starlark.NewBuiltin("query", query),
			"query_all":       starlark.NewBuiltin("query_all", queryAll),
			"stub":            starlark.NewBuiltin("stub", stub),
			"with_context":    starlark.NewBuiltin("with_context", withContext),
			"context":         starlark.NewBuiltin("context", contextFn),
			"html":            starlark.NewBuiltin("html", htmlFn),
		},
	}
}

// newElement implements the shared h()/render() signature:
// (tag, props=None, *children, **props).
func newElement(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (*Element, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%s: missing argument for tag", b.Name())
	}
	tag := args[0]
	if !isTag(tag) {
		return nil, fmt.Errorf("%s: tag must be a string or component, got %s", b.Name(), tag.Type())
	}

	props := starlark.NewDict(len(kwargs))
	var children starlark.Tuple
	if len(args) > 1 {
		switch p := args[1].(type) {
		case starlark.NoneType:
		case *starlark.Dict:
			for _, kv := range p.Items() {
				if err := props.SetKey(kv[0], kv[1]); err != nil {
					return nil, err
				}
			}
		default:
			return nil, fmt.Errorf("%s: props must be a dict or None, got %s", b.Name(), p.Type())
		}
		children = append(children, args[2:]...)
	}
	for _, kv := range kwargs {
		if err := props.SetKey(kv[0], kv[1]); err != nil {
			return nil, err
		}
	}
	return &Element{Tag: tag, Props: props, Children: children}, nil
}

func h(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	return newElement(b, args, kwargs)
}

// render mounts a component into a fresh tree. An element built with h()
// may be passed on its own.
func render(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var e *Element
	if len(args) > 0 {
		if el, ok := args[0].(*Element); ok {
			if len(args) > 1 || len(kwargs) > 0 {
				return nil, fmt.Errorf("%s: an element takes no extra props or children", b.Name())
			}
			e = el
		}
	}
	if e == nil {
		var err error
		if e, err = newElement(b, args, kwargs); err != nil {
			return nil, err
		}
	}

	r := &renderer{thread: thread, tree: vdom.NewTree()}
	if err := r.mount(e); err != nil {
		return nil, err
	}
	return &Handle{tree: r.tree, name: displayName(e.Tag)}, nil
}

func unmount(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var handle *Handle
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &handle); err != nil {
		return nil, err
	}
	return starlark.Bool(handle.tree.Unmount()), nil
}

// target resolves a handle or node to the node events are fired at.
func target(b *starlark.Builtin, v starlark.Value) (*html.Node, *vdom.Tree, error) {
	switch v := v.(type) {
	case *Node:
		return v.n, v.tree, nil
	case *Handle:
		root := v.root()
		if root == nil {
			return nil, nil, fmt.Errorf("%s: %s is not mounted", b.Name(), v)
		}
		return root, v.tree, nil
	}
	return nil, nil, fmt.Errorf("%s: target must be a handle or node, got %s", b.Name(), v.Type())
}

// scope resolves a handle or node to the node queries search under. A
// handle searches its whole mount point, so the rendered root itself can
// match.
func scope(b *starlark.Builtin, v starlark.Value) (*html.Node, *vdom.Tree, error) {
	switch v := v.(type) {
	case *Node:
		return v.n, v.tree, nil
	case *Handle:
		return v.tree.Root, v.tree, nil
	}
	return nil, nil, fmt.Errorf("%s: target must be a handle or node, got %s", b.Name(), v.Type())
}

func simulate(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var tv starlark.Value
	var event string
	var data starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "target", &tv, "event", &event, "data?", &data); err != nil {
		return nil, err
	}
	return dispatch(thread, b, tv, &vdom.Event{Type: event, Data: data})
}

func simulateNative(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var tv starlark.Value
	var event string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "target", &tv, "event", &event); err != nil {
		return nil, err
	}
	return dispatch(thread, b, tv, &vdom.Event{Type: event, Data: starlark.None, Native: true})
}

// dispatch fires ev at the target and bubbles it up. Handlers receive an
// event struct, or nothing if they declare no parameters. It returns the
// number of handlers that ran.
func dispatch(thread *starlark.Thread, b *starlark.Builtin, tv starlark.Value, ev *vdom.Event) (starlark.Value, error) {
	n, tree, err := target(b, tv)
	if err != nil {
		return nil, err
	}
	ev.Target = n

	ran, err := tree.Dispatch(ev, func(h vdom.Handler, ev *vdom.Event) error {
		fn := h.(starlark.Callable)
		var args starlark.Tuple
		if f, ok := fn.(*starlark.Function); !ok || f.NumParams() > 0 {
			args = starlark.Tuple{eventValue(tree, ev)}
		}
		_, err := starlark.Call(thread, fn, args, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return starlark.MakeInt(ran), nil
}

func eventValue(tree *vdom.Tree, ev *vdom.Event) starlark.Value {
	data, _ := ev.Data.(starlark.Value)
	if data == nil {
		data = starlark.None
	}
	return starlarkstruct.FromStringDict(starlark.String("event"), starlark.StringDict{
		"type":           starlark.String(ev.Type),
		"target":         &Node{n: ev.Target, tree: tree},
		"current_target": &Node{n: ev.CurrentTarget, tree: tree},
		"data":           data,
		"native":         starlark.Bool(ev.Native),
		"stop_propagation": starlark.NewBuiltin("stop_propagation", func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
			ev.StopPropagation()
			return starlark.None, nil
		}),
	})
}

func query(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var tv starlark.Value
	var sel string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "target", &tv, "selector", &sel); err != nil {
		return nil, err
	}
	root, tree, err := scope(b, tv)
	if err != nil {
		return nil, err
	}
	n, err := vdom.Query(root, sel)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if n == nil {
		return starlark.None, nil
	}
	return &Node{n: n, tree: tree}, nil
}

func queryAll(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var tv starlark.Value
	var sel string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "target", &tv, "selector", &sel); err != nil {
		return nil, err
	}
	root, tree, err := scope(b, tv)
	if err != nil {
		return nil, err
	}
	nodes, err := vdom.QueryAll(root, sel)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	out := make([]starlark.Value, len(nodes))
	for i, n := range nodes {
		out[i] = &Node{n: n, tree: tree}
	}
	return starlark.NewList(out), nil
}

func stub(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var tag starlark.Value
	var children starlark.Value = starlark.None
	var dataProps bool
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "tag", &tag, "children?", &children, "show_data_props?", &dataProps); err != nil {
		return nil, err
	}
	if !isTag(tag) {
		return nil, fmt.Errorf("%s: tag must be a string or component, got %s", b.Name(), tag.Type())
	}
	return &stubComponent{tag: tag, children: children, dataProps: dataProps}, nil
}

func withContext(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var inner, ctx starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "component", &inner, "context", &ctx); err != nil {
		return nil, err
	}
	if !isTag(inner) {
		return nil, fmt.Errorf("%s: component must be a string or component, got %s", b.Name(), inner.Type())
	}
	return &contextComponent{inner: inner, context: ctx}, nil
}

// contextFn returns the innermost context of the render in progress, or
// None outside of one.
func contextFn(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	r := currentRenderer(thread)
	if r == nil || len(r.contexts) == 0 {
		return starlark.None, nil
	}
	return r.contexts[len(r.contexts)-1], nil
}

// htmlFn serializes a handle's mounted output or a single node.
func htmlFn(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var tv starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &tv); err != nil {
		return nil, err
	}
	var s string
	var err error
	switch v := tv.(type) {
	case *Handle:
		s, err = vdom.InnerHTML(v.tree.Root)
	case *Node:
		s, err = vdom.OuterHTML(v.n)
	default:
		return nil, fmt.Errorf("%s: target must be a handle or node, got %s", b.Name(), tv.Type())
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.String(s), nil
}
