package skyconfig

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// DefaultStarlarkTimeout bounds the execution of a Starlark config file.
const DefaultStarlarkTimeout = 5 * time.Second

// ErrConfigureNotFound is returned when the file has no configure() function.
var ErrConfigureNotFound = errors.New("config file must define a configure() function")

// ErrConfigureReturnType is returned when configure() doesn't return a dict.
var ErrConfigureReturnType = errors.New("configure() must return a dict")

// LoadStarlarkConfig runs path and converts the dict returned by its
// configure() function. The file sees only a small sandbox (getenv, host
// info, duration validation) and is cancelled after timeout.
func LoadStarlarkConfig(path string, timeout time.Duration) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	thread := &starlark.Thread{Name: path}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel("execution timeout")
		case <-done:
		}
	}()
	defer close(done)

	globals, err := starlark.ExecFile(thread, path, data, configPredeclared())
	if err != nil {
		return nil, fmt.Errorf("executing config %s: %w", path, err)
	}

	fn, ok := globals["configure"]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrConfigureNotFound)
	}
	if _, ok := fn.(*starlark.Function); !ok {
		return nil, fmt.Errorf("%s: configure must be a function, got %s", path, fn.Type())
	}

	result, err := starlark.Call(thread, fn, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: calling configure(): %w", path, err)
	}
	dict, ok := result.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("%s: %w, got %s", path, ErrConfigureReturnType, result.Type())
	}

	cfg, err := dictToConfig(dict)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func configPredeclared() starlark.StringDict {
	return starlark.StringDict{
		"getenv":    starlark.NewBuiltin("getenv", builtinGetenv),
		"host_os":   starlark.String(runtime.GOOS),
		"host_arch": starlark.String(runtime.GOARCH),
		"duration":  starlark.NewBuiltin("duration", builtinDuration),
		"struct":    starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
}

// builtinGetenv implements getenv(name, default="").
func builtinGetenv(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var fallback starlark.String
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "default?", &fallback); err != nil {
		return nil, err
	}
	if val := os.Getenv(name); val != "" {
		return starlark.String(val), nil
	}
	return fallback, nil
}

// builtinDuration implements duration(s): it validates s and returns it.
func builtinDuration(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var s string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "s", &s); err != nil {
		return nil, err
	}
	if _, err := time.ParseDuration(s); err != nil {
		return nil, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return starlark.String(s), nil
}

// section reads the value stored under key as a mapping. Both dicts and
// struct(...) values are accepted.
type section struct {
	name string
	get  func(key string) (starlark.Value, bool)
}

func asSection(name string, v starlark.Value) (*section, error) {
	switch v := v.(type) {
	case *starlark.Dict:
		return &section{name: name, get: func(key string) (starlark.Value, bool) {
			val, found, _ := v.Get(starlark.String(key))
			return val, found
		}}, nil
	case *starlarkstruct.Struct:
		return &section{name: name, get: func(key string) (starlark.Value, bool) {
			val, err := v.Attr(key)
			return val, err == nil && val != nil
		}}, nil
	}
	return nil, fmt.Errorf("%s must be a dict, got %s", name, v.Type())
}

func (s *section) str(key string, dst *string) error {
	v, ok := s.get(key)
	if !ok {
		return nil
	}
	str, ok := starlark.AsString(v)
	if !ok {
		return fmt.Errorf("%s.%s must be a string, got %s", s.name, key, v.Type())
	}
	*dst = str
	return nil
}

func (s *section) boolean(key string, dst *bool) error {
	v, ok := s.get(key)
	if !ok {
		return nil
	}
	b, ok := v.(starlark.Bool)
	if !ok {
		return fmt.Errorf("%s.%s must be a bool, got %s", s.name, key, v.Type())
	}
	*dst = bool(b)
	return nil
}

func (s *section) number(key string, dst *float64) error {
	v, ok := s.get(key)
	if !ok {
		return nil
	}
	f, ok := starlark.AsFloat(v)
	if !ok {
		return fmt.Errorf("%s.%s must be a number, got %s", s.name, key, v.Type())
	}
	*dst = f
	return nil
}

func (s *section) strings(key string, dst *[]string) error {
	v, ok := s.get(key)
	if !ok {
		return nil
	}
	iter, ok := v.(starlark.Indexable)
	if !ok {
		return fmt.Errorf("%s.%s must be a list, got %s", s.name, key, v.Type())
	}
	out := make([]string, 0, iter.Len())
	for i := 0; i < iter.Len(); i++ {
		str, ok := starlark.AsString(iter.Index(i))
		if !ok {
			return fmt.Errorf("%s.%s[%d] must be a string", s.name, key, i)
		}
		out = append(out, str)
	}
	*dst = out
	return nil
}

func dictToConfig(d *starlark.Dict) (*Config, error) {
	cfg := DefaultConfig()
	root, _ := asSection("config", d)

	if v, ok := root.get("test"); ok {
		s, err := asSection("test", v)
		if err != nil {
			return nil, err
		}
		if err := parseTestConfig(s, &cfg.Test); err != nil {
			return nil, err
		}
	}
	if v, ok := root.get("coverage"); ok {
		s, err := asSection("coverage", v)
		if err != nil {
			return nil, err
		}
		if err := parseCoverageConfig(s, &cfg.Coverage); err != nil {
			return nil, err
		}
	}
	if v, ok := root.get("transform"); ok {
		s, err := asSection("transform", v)
		if err != nil {
			return nil, err
		}
		if err := parseTransformConfig(s, &cfg.Transform); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func parseTestConfig(s *section, cfg *TestConfig) error {
	var timeout string
	if err := s.str("timeout", &timeout); err != nil {
		return err
	}
	if timeout != "" {
		if err := cfg.Timeout.UnmarshalText([]byte(timeout)); err != nil {
			return fmt.Errorf("test.timeout: %w", err)
		}
	}

	if v, ok := s.get("parallel"); ok {
		switch val := v.(type) {
		case starlark.String:
			cfg.Parallel = string(val)
		case starlark.Int:
			n, _ := val.Int64()
			cfg.Parallel = fmt.Sprintf("%d", n)
		default:
			return fmt.Errorf("test.parallel must be a string or int, got %s", v.Type())
		}
	}

	for _, err := range []error{
		s.strings("prelude", &cfg.Prelude),
		s.str("prefix", &cfg.Prefix),
		s.boolean("fail_fast", &cfg.FailFast),
		s.boolean("verbose", &cfg.Verbose),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

func parseCoverageConfig(s *section, cfg *CoverageConfig) error {
	// instrument accepts a bool as well as the string spellings.
	if v, ok := s.get("instrument"); ok {
		if b, isBool := v.(starlark.Bool); isBool {
			cfg.Instrument = fmt.Sprint(bool(b))
		} else if err := s.str("instrument", &cfg.Instrument); err != nil {
			return err
		}
	}
	for _, err := range []error{
		s.str("exclude", &cfg.Exclude),
		s.str("output", &cfg.Output),
		s.str("format", &cfg.Format),
		s.number("fail_under", &cfg.FailUnder),
		s.boolean("merge", &cfg.Merge),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

func parseTransformConfig(s *section, cfg *TransformConfig) error {
	if v, ok := s.get("non_standard"); ok {
		b, isBool := v.(starlark.Bool)
		if !isBool {
			return fmt.Errorf("transform.non_standard must be a bool, got %s", v.Type())
		}
		nonStandard := bool(b)
		cfg.NonStandard = &nonStandard
	}
	if err := s.str("type_mode", &cfg.TypeMode); err != nil {
		return err
	}
	return s.strings("extensions", &cfg.Extensions)
}
