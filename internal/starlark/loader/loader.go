// Package loader is the module system Starlark files are loaded through.
//
// A Loader resolves load() paths, caches each module's globals by absolute
// path, and compiles files through the Handler registered for their
// extension. Install plugs the typed Starlark pipeline (transform, then
// optional coverage instrumentation) into a Loader as the handler for
// ".tstar" files.
package loader

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
	"go.uber.org/zap"

	"github.com/albertocavalcante/skykit/internal/starlark/transform"
)

var (
	// ErrNoHandler is returned when no handler is registered for a file's
	// extension.
	ErrNoHandler = errors.New("no load handler for extension")

	// ErrCycle is returned when a module loads itself, directly or not.
	ErrCycle = errors.New("load cycle")
)

// Loader loads and caches modules. A Loader is not safe for concurrent use;
// give each worker its own.
type Loader struct {
	registry    *Registry
	predeclared starlark.StringDict
	fileOptions *syntax.FileOptions
	print       func(*starlark.Thread, string)
	logger      *zap.Logger
	root        string

	cache      map[string]*Module
	loading    []string
	dependents map[string]map[string]bool
}

// Option configures a Loader.
type Option func(*Loader)

// WithPredeclared adds bindings visible to every module.
func WithPredeclared(env starlark.StringDict) Option {
	return func(l *Loader) {
		for k, v := range env {
			l.predeclared[k] = v
		}
	}
}

// WithFileOptions sets the dialect modules are compiled with. The default
// enables the non-standard extensions (while, top-level control flow,
// global reassignment, recursion, sets).
func WithFileOptions(opts *syntax.FileOptions) Option {
	return func(l *Loader) { l.fileOptions = opts }
}

// WithPrint routes print() output.
func WithPrint(fn func(thread *starlark.Thread, msg string)) Option {
	return func(l *Loader) { l.print = fn }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithRoot sets the directory "//"-prefixed load paths are resolved against.
func WithRoot(dir string) Option {
	return func(l *Loader) { l.root = dir }
}

// New returns a Loader dispatching through reg.
func New(reg *Registry, opts ...Option) *Loader {
	if reg == nil {
		reg = NewRegistry()
	}
	l := &Loader{
		registry:    reg,
		predeclared: make(starlark.StringDict),
		fileOptions: transform.FileOptions(true),
		logger:      zap.NewNop(),
		cache:       make(map[string]*Module),
		dependents:  make(map[string]map[string]bool),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Registry returns the extension registry the loader dispatches through.
func (l *Loader) Registry() *Registry { return l.registry }

// Predeclare adds bindings visible to modules compiled from now on.
func (l *Loader) Predeclare(env starlark.StringDict) {
	for k, v := range env {
		l.predeclared[k] = v
	}
}

// Require loads filename and returns its globals. A module already in the
// cache is returned without touching its handler again. A failed load is not
// cached, so a later Require retries it.
func (l *Loader) Require(filename string) (starlark.StringDict, error) {
	abs, err := filepath.Abs(filename)
	if err != nil {
		return nil, err
	}
	return l.require(abs, "")
}

func (l *Loader) require(path, from string) (starlark.StringDict, error) {
	path = filepath.Clean(path)
	if from != "" {
		if l.dependents[path] == nil {
			l.dependents[path] = make(map[string]bool)
		}
		l.dependents[path][from] = true
	}

	if m, ok := l.cache[path]; ok {
		return m.Globals, nil
	}
	for i, p := range l.loading {
		if p == path {
			chain := append(append([]string{}, l.loading[i:]...), path)
			return nil, fmt.Errorf("%w: %s", ErrCycle, strings.Join(chain, " -> "))
		}
	}

	ext := filepath.Ext(path)
	h, ok := l.registry.Lookup(ext)
	if !ok {
		return nil, fmt.Errorf("%w %q: %s", ErrNoHandler, ext, path)
	}

	l.loading = append(l.loading, path)
	defer func() { l.loading = l.loading[:len(l.loading)-1] }()

	start := time.Now()
	m := &Module{Filename: path, loader: l}
	if err := h(m, path); err != nil {
		l.logger.Debug("load failed", zap.String("path", path), zap.Error(err))
		return nil, err
	}
	if !m.loaded {
		return nil, fmt.Errorf("handler for %s did not compile %s", ext, path)
	}

	l.cache[path] = m
	l.logger.Debug("module loaded",
		zap.String("path", path),
		zap.Int("globals", len(m.Globals)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return m.Globals, nil
}

// Cached reports whether filename is in the module cache.
func (l *Loader) Cached(filename string) bool {
	abs, err := filepath.Abs(filename)
	if err != nil {
		return false
	}
	_, ok := l.cache[abs]
	return ok
}

// Invalidate evicts filename and every module that loaded it, directly or
// transitively. It returns the evicted paths.
func (l *Loader) Invalidate(filename string) []string {
	abs, err := filepath.Abs(filename)
	if err != nil {
		return nil
	}
	var evicted []string
	seen := make(map[string]bool)
	var evict func(string)
	evict = func(path string) {
		if seen[path] {
			return
		}
		seen[path] = true
		if _, ok := l.cache[path]; ok {
			delete(l.cache, path)
			evicted = append(evicted, path)
		}
		for dep := range l.dependents[path] {
			evict(dep)
		}
	}
	evict(abs)
	if len(evicted) > 0 {
		l.logger.Debug("modules invalidated", zap.Strings("paths", evicted))
	}
	return evicted
}

// Dependents returns every module that loaded filename, directly or
// transitively, whether or not it is still cached.
func (l *Loader) Dependents(filename string) []string {
	abs, err := filepath.Abs(filename)
	if err != nil {
		return nil
	}
	seen := map[string]bool{abs: true}
	queue := []string{abs}
	var out []string
	for len(queue) > 0 {
		path := queue[0]
		queue = queue[1:]
		for dep := range l.dependents[path] {
			if !seen[dep] {
				seen[dep] = true
				out = append(out, dep)
				queue = append(queue, dep)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Modules returns the paths of all cached modules, sorted.
func (l *Loader) Modules() []string {
	paths := make([]string, 0, len(l.cache))
	for p := range l.cache {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
