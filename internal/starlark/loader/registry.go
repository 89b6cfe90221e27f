package loader

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// Handler compiles the file at filename into m, usually by reading it and
// calling m.Compile. Registering a handler for an extension makes every
// load of a file with that extension go through it.
type Handler func(m *Module, filename string) error

// Registry maps file extensions (".star", ".tstar") to load handlers.
// Registering an extension again replaces the previous handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns a registry that knows how to load plain ".star" files.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	r.handlers[".star"] = compileFile
	return r
}

// Register installs h for ext. The last registration for an extension wins.
func (r *Registry) Register(ext string, h Handler) error {
	if !strings.HasPrefix(ext, ".") || len(ext) < 2 {
		return fmt.Errorf("invalid extension %q: must start with a dot", ext)
	}
	if h == nil {
		return fmt.Errorf("nil handler for %s", ext)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[ext] = h
	return nil
}

// Lookup returns the handler registered for ext.
func (r *Registry) Lookup(ext string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[ext]
	return h, ok
}

// Extensions returns the registered extensions, sorted.
func (r *Registry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exts := make([]string, 0, len(r.handlers))
	for ext := range r.handlers {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// compileFile is the built-in handler for standard Starlark sources.
func compileFile(m *Module, filename string) error {
	src, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return m.Compile(src, filename)
}
