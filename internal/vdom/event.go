package vdom

import (
	"errors"
	"strings"

	"golang.org/x/net/html"
)

// ErrDetached is returned when an event targets a node outside the tree.
var ErrDetached = errors.New("node is not mounted")

// EventName normalizes an event or handler suffix: case and underscores are
// ignored, so "keyDown", "key_down" and "keydown" are the same event.
func EventName(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "_", ""))
}

// HandlerProp reports the event a prop binds: "on_click" and "onClick" both
// bind "click". Plain props like "one" or "online" bind nothing.
func HandlerProp(key string) (string, bool) {
	switch {
	case strings.HasPrefix(key, "on_") && len(key) > 3:
		return EventName(key[3:]), true
	case strings.HasPrefix(key, "on") && len(key) > 2 && 'A' <= key[2] && key[2] <= 'Z':
		return EventName(key[2:]), true
	}
	return "", false
}

// Event is one simulated event on its way up the tree.
type Event struct {
	Type   string
	Target *html.Node

	// CurrentTarget is the node whose handler is running.
	CurrentTarget *html.Node

	// Native marks events simulated without synthetic data.
	Native bool

	Data any

	stopped bool
}

// StopPropagation keeps the event from reaching further ancestors.
func (e *Event) StopPropagation() { e.stopped = true }

// Stopped reports whether StopPropagation was called.
func (e *Event) Stopped() bool { return e.stopped }

// Dispatch delivers ev to the target's handler and then to each ancestor's,
// up to and including the root, calling call for every handler found. It
// returns how many handlers ran. The first error from call ends dispatch.
func (t *Tree) Dispatch(ev *Event, call func(h Handler, ev *Event) error) (int, error) {
	if ev.Target == nil || !t.Contains(ev.Target) {
		return 0, ErrDetached
	}
	ev.Type = EventName(ev.Type)

	ran := 0
	for n := ev.Target; n != nil; n = n.Parent {
		h, ok := t.Handler(n, ev.Type)
		if !ok {
			continue
		}
		ev.CurrentTarget = n
		ran++
		if err := call(h, ev); err != nil {
			return ran, err
		}
		if ev.stopped {
			break
		}
	}
	return ran, nil
}
