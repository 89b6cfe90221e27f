// Package skytranspile implements the skytranspile command, which shows the
// standard Starlark the load pipeline produces for typed modules.
package skytranspile

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/albertocavalcante/skykit/internal/logging"
	"github.com/albertocavalcante/skykit/internal/skyconfig"
	"github.com/albertocavalcante/skykit/internal/starlark/coverage"
	"github.com/albertocavalcante/skykit/internal/starlark/formatter"
	"github.com/albertocavalcante/skykit/internal/starlark/instrument"
	"github.com/albertocavalcante/skykit/internal/starlark/transform"
	"github.com/albertocavalcante/skykit/internal/version"
)

// Exit codes
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

// Run executes skytranspile with the given arguments.
// Returns exit code.
func Run(args []string) int {
	return RunWithIO(context.Background(), args, os.Stdin, os.Stdout, os.Stderr)
}

// RunWithIO allows custom IO for embedding/testing. A file argument of "-"
// reads from stdin.
func RunWithIO(_ context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var (
		instrumentFlag bool
		diffFlag       bool
		fmtFlag        bool
		typeModeFlag   string
		standardFlag   bool
		versionFlag    bool
		debugFlag      bool
	)

	fs := flag.NewFlagSet("skytranspile", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&instrumentFlag, "instrument", false, "insert coverage counters, as skytest -instrument does")
	fs.BoolVar(&diffFlag, "diff", false, "print a unified diff against the input instead of the output")
	fs.BoolVar(&fmtFlag, "fmt", false, "pretty-print the output (line numbers are not preserved)")
	fs.StringVar(&typeModeFlag, "type-mode", "", "annotation handling: disabled, strip, checked (default: config or strip)")
	fs.BoolVar(&standardFlag, "standard", false, "parse with the standard grammar, without go.starlark.net extensions")
	fs.BoolVar(&versionFlag, "version", false, "print version and exit")
	fs.BoolVar(&debugFlag, "debug", false, "log pipeline activity to stderr")

	fs.Usage = func() {
		writeln(stderr, "Usage: skytranspile [flags] <files...>")
		writeln(stderr)
		writeln(stderr, "Prints the Starlark a typed module is turned into when it is loaded.")
		writeln(stderr, "Annotations are blanked out in place, so every line of the output")
		writeln(stderr, "matches the same line of the input unless -fmt is given.")
		writeln(stderr)
		writeln(stderr, "Flags:")
		fs.PrintDefaults()
		writeln(stderr)
		writeln(stderr, "Examples:")
		writeln(stderr, "  skytranspile widget.tstar                # Print transformed source")
		writeln(stderr, "  skytranspile -diff widget.tstar          # Show what changed")
		writeln(stderr, "  skytranspile -instrument -fmt widget.tstar")
		writeln(stderr, "  cat widget.tstar | skytranspile -        # Read from stdin")
	}

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return exitOK
		}
		return exitUsage
	}

	if versionFlag {
		writef(stdout, "skytranspile %s\n", version.String())
		return exitOK
	}

	if fs.NArg() == 0 {
		fs.Usage()
		return exitUsage
	}

	logger := logging.New(stderr, logging.Level(debugFlag), "console")
	defer func() { _ = logger.Sync() }()

	cfg, configPath, err := skyconfig.DiscoverConfig("")
	if err != nil {
		writef(stderr, "skytranspile: %v\n", err)
		return exitUsage
	}
	if configPath != "" {
		logger.Debug("using config", zap.String("path", configPath))
	}
	if typeModeFlag != "" {
		cfg.Transform.TypeMode = typeModeFlag
	}
	if standardFlag {
		nonStandard := false
		cfg.Transform.NonStandard = &nonStandard
	}
	opts, err := cfg.TransformOptions()
	if err != nil {
		writef(stderr, "skytranspile: %v\n", err)
		return exitUsage
	}

	t := &transpiler{
		opts:   opts,
		fmt:    fmtFlag,
		logger: logger,
	}
	if instrumentFlag {
		t.instrumenter = instrument.New(coverage.NewAccumulator())
	}

	code := exitOK
	multi := fs.NArg() > 1
	for _, path := range fs.Args() {
		src, err := readInput(path, stdin)
		if err != nil {
			writef(stderr, "skytranspile: %v\n", err)
			code = exitError
			continue
		}

		res, err := t.transpile(path, src)
		if err != nil {
			writef(stderr, "skytranspile: %v\n", err)
			code = exitError
			continue
		}

		switch {
		case diffFlag:
			writef(stdout, "%s", res.Diff())
		case multi:
			writef(stdout, "# %s\n%s", path, res.Output)
		default:
			_, _ = stdout.Write(res.Output)
		}
	}
	return code
}

// transpiler runs the load pipeline stages that rewrite source text.
type transpiler struct {
	opts         transform.Options
	instrumenter *instrument.Instrumenter
	fmt          bool
	logger       *zap.Logger
}

func (t *transpiler) transpile(path string, src []byte) (*formatter.Result, error) {
	out, err := transform.Transform(src, path, t.opts)
	if err != nil {
		return nil, err
	}
	if t.instrumenter != nil {
		out, err = t.instrumenter.Instrument(out, path)
		if err != nil {
			return nil, err
		}
	}
	if t.fmt {
		out, err = formatter.Format(out, path)
		if err != nil {
			return nil, fmt.Errorf("formatting %s: %w", path, err)
		}
	}
	t.logger.Debug("transpiled",
		zap.String("path", path),
		zap.Bool("instrumented", t.instrumenter != nil),
		zap.Int("bytes", len(out)),
	)
	return &formatter.Result{Path: path, Original: src, Output: out}, nil
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		if stdin == nil {
			return nil, fmt.Errorf("no stdin")
		}
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func writef(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}

func writeln(w io.Writer, args ...any) {
	_, _ = fmt.Fprintln(w, args...)
}
