package tester

import (
	"fmt"
	"regexp"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

// NewAssertModule creates the built-in assert module.
//
// Available functions:
//   - assert.eq(a, b, msg=None)
//   - assert.ne(a, b, msg=None)
//   - assert.true(cond, msg=None)
//   - assert.false(cond, msg=None)
//   - assert.contains(container, item, msg=None)
//   - assert.fails(fn, pattern=None) returns the error message
//   - assert.len(container, n, msg=None)
//   - assert.lt/le/gt/ge(a, b, msg=None)
func NewAssertModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "assert",
		Members: starlark.StringDict{
			"eq":       starlark.NewBuiltin("assert.eq", compareBuiltin(syntax.EQL, "==")),
			"ne":       starlark.NewBuiltin("assert.ne", compareBuiltin(syntax.NEQ, "!=")),
			"lt":       starlark.NewBuiltin("assert.lt", compareBuiltin(syntax.LT, "<")),
			"le":       starlark.NewBuiltin("assert.le", compareBuiltin(syntax.LE, "<=")),
			"gt":       starlark.NewBuiltin("assert.gt", compareBuiltin(syntax.GT, ">")),
			"ge":       starlark.NewBuiltin("assert.ge", compareBuiltin(syntax.GE, ">=")),
			"true":     starlark.NewBuiltin("assert.true", truthBuiltin(true)),
			"false":    starlark.NewBuiltin("assert.false", truthBuiltin(false)),
			"contains": starlark.NewBuiltin("assert.contains", assertContains),
			"fails":    starlark.NewBuiltin("assert.fails", assertFails),
			"len":      starlark.NewBuiltin("assert.len", assertLen),
		},
	}
}

type builtinFunc func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error)

func compareBuiltin(op syntax.Token, sym string) builtinFunc {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var x, y starlark.Value
		var msg starlark.Value = starlark.None
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "a", &x, "b", &y, "msg?", &msg); err != nil {
			return nil, err
		}
		ok, err := starlark.Compare(op, x, y)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		if !ok {
			return nil, assertionError(msg, "%s %s %s", x.String(), sym, y.String())
		}
		return starlark.None, nil
	}
}

func truthBuiltin(want bool) builtinFunc {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var cond starlark.Value
		var msg starlark.Value = starlark.None
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "cond", &cond, "msg?", &msg); err != nil {
			return nil, err
		}
		if bool(cond.Truth()) != want {
			return nil, assertionError(msg, "expected %s to be %t", cond.String(), want)
		}
		return starlark.None, nil
	}
}

// assertContains uses the language's own "in" operator, so anything that
// supports membership works.
func assertContains(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var container, item starlark.Value
	var msg starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "container", &container, "item", &item, "msg?", &msg); err != nil {
		return nil, err
	}
	in, err := starlark.Binary(syntax.IN, item, container)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if !in.Truth() {
		return nil, assertionError(msg, "expected %s to contain %s", container.String(), item.String())
	}
	return starlark.None, nil
}

// assertFails calls fn and requires it to fail. If pattern is given the
// error message must match it as a regular expression.
func assertFails(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var fn starlark.Callable
	var pattern string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "fn", &fn, "pattern?", &pattern); err != nil {
		return nil, err
	}

	_, callErr := starlark.Call(thread, fn, nil, nil)
	if callErr == nil {
		return nil, fmt.Errorf("assertion failed: expected %s to fail", fn.Name())
	}

	msg := callErr.Error()
	if evalErr, ok := callErr.(*starlark.EvalError); ok {
		msg = evalErr.Msg
	}
	if pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		if !re.MatchString(msg) {
			return nil, fmt.Errorf("assertion failed: error %q does not match %q", msg, pattern)
		}
	}
	return starlark.String(msg), nil
}

func assertLen(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var container starlark.Value
	var want int
	var msg starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "container", &container, "n", &want, "msg?", &msg); err != nil {
		return nil, err
	}
	got := starlark.Len(container)
	if got < 0 {
		return nil, fmt.Errorf("%s: %s has no len()", b.Name(), container.Type())
	}
	if got != want {
		return nil, assertionError(msg, "expected len(%s) == %d, got %d", container.String(), want, got)
	}
	return starlark.None, nil
}

// assertionError prefers the caller's message when one was given.
func assertionError(customMsg starlark.Value, format string, args ...any) error {
	if s, ok := customMsg.(starlark.String); ok && s != "" {
		return fmt.Errorf("assertion failed: %s", string(s))
	}
	return fmt.Errorf("assertion failed: "+format, args...)
}
