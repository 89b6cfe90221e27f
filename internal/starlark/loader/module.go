package loader

import (
	"path/filepath"
	"strings"

	"go.starlark.net/starlark"
)

// Module is one loaded file.
type Module struct {
	// Filename is the absolute path the module was loaded from.
	Filename string

	// Globals holds the module's top-level bindings once compiled.
	Globals starlark.StringDict

	loader *Loader
	loaded bool
}

// Compile executes src as the body of m. Loads inside src resolve relative
// to the directory of m's file and go back through the loader, so they are
// cached and dispatched by extension like any other module.
func (m *Module) Compile(src []byte, filename string) error {
	l := m.loader
	thread := &starlark.Thread{
		Name: filename,
		Load: func(_ *starlark.Thread, module string) (starlark.StringDict, error) {
			return l.require(m.resolve(module), m.Filename)
		},
		Print: l.print,
	}
	globals, err := starlark.ExecFileOptions(l.fileOptions, thread, filename, src, l.predeclared)
	if err != nil {
		return err
	}
	m.Globals = globals
	m.loaded = true
	return nil
}

// resolve turns a load() argument into a path. Absolute paths are kept;
// everything else is relative to the loading file. A leading "//" is
// relative to the loader's root.
func (m *Module) resolve(module string) string {
	switch {
	case strings.HasPrefix(module, "//") && m.loader.root != "":
		return filepath.Join(m.loader.root, filepath.FromSlash(module[2:]))
	case filepath.IsAbs(module):
		return module
	}
	return filepath.Join(filepath.Dir(m.Filename), filepath.FromSlash(module))
}
