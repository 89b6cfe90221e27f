package instrument

import (
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/albertocavalcante/skykit/internal/starlark/coverage"
)

// CounterModule is the predeclared name instrumented code calls into.
const CounterModule = "__skycov__"

// Predeclared returns the bindings instrumented code needs at run time.
// Merge it into the environment of every module compiled from instrumented
// source.
func (in *Instrumenter) Predeclared() starlark.StringDict {
	return starlark.StringDict{CounterModule: in.module}
}

func newCounterModule(acc *coverage.Accumulator) *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: CounterModule,
		Members: starlark.StringDict{
			// s(path, id, value=None) counts a statement and returns value.
			"s": starlark.NewBuiltin("s", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				path, id, value, err := unpackCounter(b, args, kwargs)
				if err != nil {
					return nil, err
				}
				if err := acc.HitStatement(path, id); err != nil {
					return nil, err
				}
				return value, nil
			}),
			// b(path, id, value) counts the branch selected by value's truth.
			"b": starlark.NewBuiltin("b", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				path, id, value, err := unpackCounter(b, args, kwargs)
				if err != nil {
					return nil, err
				}
				if err := acc.HitBranch(path, id, bool(value.Truth())); err != nil {
					return nil, err
				}
				return value, nil
			}),
			// f(path, id, value=None) counts a function entry.
			"f": starlark.NewBuiltin("f", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				path, id, value, err := unpackCounter(b, args, kwargs)
				if err != nil {
					return nil, err
				}
				if err := acc.HitFunction(path, id); err != nil {
					return nil, err
				}
				return value, nil
			}),
		},
	}
}

func unpackCounter(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (string, int, starlark.Value, error) {
	var (
		path  string
		id    int
		value starlark.Value = starlark.None
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path, "id", &id, "value?", &value); err != nil {
		return "", 0, nil, err
	}
	return path, id, value, nil
}
