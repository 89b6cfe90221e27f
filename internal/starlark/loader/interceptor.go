package loader

import (
	"errors"
	"os"
	"regexp"

	"go.uber.org/zap"

	"github.com/albertocavalcante/skykit/internal/starlark/instrument"
	"github.com/albertocavalcante/skykit/internal/starlark/transform"
)

// DefaultExtensions are the extensions Install claims when none are given.
var DefaultExtensions = []string{".tstar"}

// Config configures the typed Starlark load pipeline.
type Config struct {
	// Mode turns coverage instrumentation on or off.
	Mode instrument.Mode

	// Extensions to intercept. Defaults to DefaultExtensions.
	Extensions []string

	// Transform options. The zero value means transform.DefaultOptions().
	Transform transform.Options

	// Exclude matches paths that are never instrumented. Defaults to
	// instrument.DefaultExclude.
	Exclude *regexp.Regexp

	// Instrumenter is required when Mode is instrument.Enabled.
	Instrumenter *instrument.Instrumenter

	// ReadFile reads source files. Defaults to os.ReadFile.
	ReadFile func(name string) ([]byte, error)

	Logger *zap.Logger
}

// Interceptor is an installed pipeline.
type Interceptor struct {
	cfg Config
}

// Install registers the pipeline with l for every configured extension,
// replacing whatever handler was there. Calling Install again with a new
// Config replaces the previous installation.
func Install(l *Loader, cfg Config) (*Interceptor, error) {
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = DefaultExtensions
	}
	if cfg.Transform == (transform.Options{}) {
		cfg.Transform = transform.DefaultOptions()
	}
	if cfg.Exclude == nil {
		cfg.Exclude = instrument.DefaultExclude
	}
	if cfg.ReadFile == nil {
		cfg.ReadFile = os.ReadFile
	}
	if cfg.Logger == nil {
		cfg.Logger = l.logger
	}
	if cfg.Mode == instrument.Enabled {
		if cfg.Instrumenter == nil {
			return nil, errors.New("instrumentation enabled without an instrumenter")
		}
		l.Predeclare(cfg.Instrumenter.Predeclared())
	}

	ic := &Interceptor{cfg: cfg}
	for _, ext := range cfg.Extensions {
		if err := l.registry.Register(ext, ic.handle); err != nil {
			return nil, err
		}
	}
	cfg.Logger.Debug("load pipeline installed",
		zap.Strings("extensions", cfg.Extensions),
		zap.Stringer("instrument", cfg.Mode),
	)
	return ic, nil
}

// Config returns the effective configuration, defaults applied.
func (ic *Interceptor) Config() Config { return ic.cfg }

// Instruments reports whether a file at path would be instrumented.
func (ic *Interceptor) Instruments(path string) bool {
	return ic.cfg.Mode == instrument.Enabled && !ic.cfg.Exclude.MatchString(path)
}

// handle runs read, transform, instrument and compile for one file. Errors
// from any stage are returned as-is.
func (ic *Interceptor) handle(m *Module, filename string) error {
	src, err := ic.cfg.ReadFile(filename)
	if err != nil {
		return err
	}

	text, err := transform.Transform(src, filename, ic.cfg.Transform)
	if err != nil {
		return err
	}

	instrumented := ic.Instruments(filename)
	if instrumented {
		text, err = ic.cfg.Instrumenter.Instrument(text, filename)
		if err != nil {
			return err
		}
	}

	ic.cfg.Logger.Debug("compiling",
		zap.String("path", filename),
		zap.Bool("instrumented", instrumented),
	)
	return m.Compile(text, filename)
}
