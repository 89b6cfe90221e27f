package skytest

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/albertocavalcante/skykit/internal/logging"
	"github.com/albertocavalcante/skykit/internal/skyconfig"
	"github.com/albertocavalcante/skykit/internal/starlark/coverage"
	"github.com/albertocavalcante/skykit/internal/starlark/instrument"
	"github.com/albertocavalcante/skykit/internal/starlark/loader"
	"github.com/albertocavalcante/skykit/internal/starlark/tester"
	"github.com/albertocavalcante/skykit/internal/version"
)

// Exit codes
const (
	exitOK     = 0
	exitFailed = 1
	exitError  = 2
)

// stringSliceFlag allows a flag to be specified multiple times.
type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ", ")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, value)
	return nil
}

// modeFlag is a boolean flag that keeps its text, so an unset flag can
// fall back to the config file and the environment.
type modeFlag struct {
	value string
}

func (m *modeFlag) String() string { return m.value }

func (m *modeFlag) Set(s string) error {
	if _, err := instrument.ParseMode(s); err != nil {
		return err
	}
	m.value = s
	return nil
}

func (m *modeFlag) IsBoolFlag() bool { return true }

// Run executes skytest with the given arguments.
// Returns exit code.
func Run(args []string) int {
	return RunWithIO(context.Background(), args, os.Stdin, os.Stdout, os.Stderr)
}

// RunWithIO allows custom IO for embedding/testing.
func RunWithIO(ctx context.Context, args []string, _ io.Reader, stdout, stderr io.Writer) int {
	var (
		jsonFlag          bool
		junitFlag         bool
		versionFlag       bool
		verboseFlag       bool
		recursiveFlag     bool
		prefixFlag        string
		durationFlag      bool
		filterFlag        string
		preludeFlags      stringSliceFlag
		timeoutFlag       time.Duration
		bailFlag          bool
		watchFlag         bool
		parallelFlag      string
		configFlag        string
		configTimeoutFlag time.Duration
		instrumentFlag    modeFlag
		coverProfileFlag  string
		coverFormatFlag   string
		coverMergeFlag    bool
		failUnderFlag     float64
		debugFlag         bool
	)

	fs := flag.NewFlagSet("skytest", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&jsonFlag, "json", false, "output results as JSON")
	fs.BoolVar(&junitFlag, "junit", false, "output results as JUnit XML")
	fs.BoolVar(&versionFlag, "version", false, "print version and exit")
	fs.BoolVar(&verboseFlag, "v", false, "verbose output")
	fs.BoolVar(&recursiveFlag, "r", false, "search directories recursively")
	fs.StringVar(&prefixFlag, "prefix", "", "test function prefix (default: from config or test_)")
	fs.BoolVar(&durationFlag, "duration", false, "show test durations")
	fs.StringVar(&filterFlag, "k", "", "filter tests by name pattern (supports 'not' prefix)")
	fs.Var(&preludeFlags, "prelude", "prelude file to load before tests (can be specified multiple times)")
	fs.DurationVar(&timeoutFlag, "timeout", 0, "timeout per test (0 to use config default)")
	fs.BoolVar(&bailFlag, "bail", false, "stop on first test failure")
	fs.BoolVar(&bailFlag, "x", false, "stop on first test failure (short for --bail)")
	fs.BoolVar(&watchFlag, "watch", false, "watch for file changes and re-run affected tests")
	fs.BoolVar(&watchFlag, "w", false, "watch mode (short for --watch)")
	fs.StringVar(&parallelFlag, "j", "", "number of parallel test files (auto, 1-N)")
	fs.StringVar(&configFlag, "config", "", "config file path (config.sky, sky.star, or sky.toml)")
	fs.DurationVar(&configTimeoutFlag, "config-timeout", skyconfig.DefaultStarlarkTimeout, "timeout for Starlark config execution")
	fs.Var(&instrumentFlag, "instrument", "instrument typed modules for coverage (true/false; default: config or $"+skyconfig.EnvInstrument+")")
	fs.StringVar(&coverProfileFlag, "coverprofile", "", "write the coverage profile to this file")
	fs.StringVar(&coverFormatFlag, "coverformat", "", "coverage report format: "+strings.Join(coverage.Formats, ", "))
	fs.BoolVar(&coverMergeFlag, "covermerge", false, "merge into an existing coverage profile instead of replacing it")
	fs.Float64Var(&failUnderFlag, "fail-under", 0, "fail when line coverage is below this percentage")
	fs.BoolVar(&debugFlag, "debug", false, "log load pipeline activity to stderr")

	fs.Usage = func() {
		writeln(stderr, "Usage: skytest [flags] <paths...>")
		writeln(stderr)
		writeln(stderr, "Starlark test runner.")
		writeln(stderr)
		writeln(stderr, "Discovers and runs test functions in Starlark files. Typed modules")
		writeln(stderr, "(.tstar) are loaded through the transform pipeline and, with")
		writeln(stderr, "-instrument, record line, branch and function coverage.")
		writeln(stderr, "Test files match: *_test.star, test_*.star, *_test.tstar, test_*.tstar")
		writeln(stderr, "Test functions match: test_* prefix (configurable)")
		writeln(stderr)
		writeln(stderr, "Flags:")
		fs.PrintDefaults()
		writeln(stderr)
		writeln(stderr, "Examples:")
		writeln(stderr, "  skytest .                         # Run tests in current directory")
		writeln(stderr, "  skytest -r .                      # Run tests recursively")
		writeln(stderr, "  skytest widget_test.tstar         # Run specific test file")
		writeln(stderr, "  skytest -k parse                  # Run tests containing 'parse'")
		writeln(stderr, "  skytest -k 'not slow'             # Exclude tests containing 'slow'")
		writeln(stderr, "  skytest a_test.star::test_foo     # Run specific test function")
		writeln(stderr, "  skytest -instrument -coverprofile=cover.json .")
		writeln(stderr, "  skytest -instrument -coverformat=lcov -coverprofile=cover.json .")
		writeln(stderr, "  skytest -j auto -r .              # Run files in parallel")
		writeln(stderr, "  skytest -watch -r .               # Re-run affected tests on change")
		writeln(stderr, "  skytest -junit -r . > out.xml     # JUnit output for CI")
		writeln(stderr)
		writeln(stderr, "Configuration:")
		writeln(stderr, "  Config resolution order:")
		writeln(stderr, "    1. --config flag (if specified)")
		writeln(stderr, "    2. SKY_CONFIG environment variable (if set)")
		writeln(stderr, "    3. Walk up directories looking for: config.sky, sky.star, sky.toml")
		writeln(stderr)
		writeln(stderr, "  sky.toml example:")
		writeln(stderr, "    [test]")
		writeln(stderr, "    timeout = \"60s\"")
		writeln(stderr, "    parallel = \"auto\"")
		writeln(stderr)
		writeln(stderr, "    [coverage]")
		writeln(stderr, "    instrument = \"true\"")
		writeln(stderr, "    output = \"coverage.json\"")
		writeln(stderr, "    fail_under = 80")
		writeln(stderr)
		writeln(stderr, "Assert module:")
		writeln(stderr, "  assert.eq(a, b, msg=None)       # Assert a == b")
		writeln(stderr, "  assert.ne(a, b, msg=None)       # Assert a != b")
		writeln(stderr, "  assert.true(cond, msg=None)     # Assert cond is truthy")
		writeln(stderr, "  assert.false(cond, msg=None)    # Assert cond is falsy")
		writeln(stderr, "  assert.contains(c, item)        # Assert item in c")
		writeln(stderr, "  assert.len(c, n)                # Assert len(c) == n")
		writeln(stderr, "  assert.fails(fn, pattern=None)  # Assert fn() raises error")
		writeln(stderr, "  assert.lt(a, b), assert.le(a, b), assert.gt(a, b), assert.ge(a, b)")
	}

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return exitOK
		}
		return exitError
	}

	if versionFlag {
		writef(stdout, "skytest %s\n", version.String())
		return exitOK
	}

	logger := logging.New(stderr, logging.Level(debugFlag), "console")
	defer func() { _ = logger.Sync() }()

	// Config file provides defaults, CLI overrides.
	var cfg *skyconfig.Config
	if configFlag != "" {
		var err error
		ext := filepath.Ext(configFlag)
		if ext == ".star" || ext == ".sky" {
			cfg, err = skyconfig.LoadStarlarkConfig(configFlag, configTimeoutFlag)
		} else {
			cfg, err = skyconfig.LoadConfig(configFlag)
		}
		if err != nil {
			writef(stderr, "skytest: loading config %s: %v\n", configFlag, err)
			return exitError
		}
	} else {
		var configPath string
		var err error
		cfg, configPath, err = skyconfig.DiscoverConfig("")
		if err != nil {
			writef(stderr, "skytest: %v\n", err)
			return exitError
		}
		if configPath != "" {
			logger.Debug("using config", zap.String("path", configPath))
		}
	}

	cfg.Merge(&skyconfig.Config{
		Test: skyconfig.TestConfig{
			Timeout:  skyconfig.Duration{Duration: timeoutFlag},
			Parallel: parallelFlag,
			Prelude:  preludeFlags,
			Prefix:   prefixFlag,
			FailFast: bailFlag,
			Verbose:  verboseFlag,
		},
		Coverage: skyconfig.CoverageConfig{
			Instrument: instrumentFlag.value,
			Output:     coverProfileFlag,
			Format:     coverFormatFlag,
			FailUnder:  failUnderFlag,
			Merge:      coverMergeFlag,
		},
	})

	pipeline, err := newPipeline(cfg, logger)
	if err != nil {
		writef(stderr, "skytest: %v\n", err)
		return exitError
	}

	var covReporter coverage.Reporter
	if pipeline.mode == instrument.Enabled {
		covReporter, err = coverage.NewReporter(cfg.Coverage.Format)
		if err != nil {
			writef(stderr, "skytest: %v\n", err)
			return exitError
		}
	}

	paths := fs.Args()
	if len(paths) == 0 {
		paths = []string{"."}
	}
	targets, err := expandTargets(paths, recursiveFlag)
	if err != nil {
		writef(stderr, "skytest: %v\n", err)
		return exitError
	}
	if len(targets) == 0 {
		writeln(stderr, "skytest: no test files found")
		return exitError
	}

	opts := tester.DefaultOptions()
	opts.TestPrefix = cfg.Test.Prefix
	opts.Filter = filterFlag
	opts.Preludes = cfg.Test.Prelude
	opts.Timeout = cfg.Test.Timeout.Duration
	opts.FailFast = cfg.Test.FailFast
	opts.Logger = logger

	var reporter tester.Reporter
	switch {
	case jsonFlag:
		reporter = &tester.JSONReporter{}
	case junitFlag:
		reporter = &tester.JUnitReporter{}
	default:
		reporter = &tester.TextReporter{
			Verbose:      cfg.Test.Verbose,
			ShowDuration: durationFlag,
			Color:        tester.IsTerminal(stdout),
		}
	}

	if watchFlag {
		return runWatchMode(ctx, targets, pipeline, opts, reporter, stdout, stderr)
	}

	workers := parseParallelism(cfg.Test.Parallel)
	var result *tester.RunResult
	if workers > 1 && len(targets) > 1 {
		result, err = runParallel(ctx, targets, workers, pipeline, opts, reporter, stdout)
	} else {
		result, err = runSequential(ctx, targets, pipeline, opts, reporter, stdout)
	}
	if err != nil {
		writef(stderr, "skytest: %v\n", err)
		return exitError
	}

	reporter.ReportSummary(stdout, result)

	code := exitOK
	if result.HasFailures() {
		code = exitFailed
	}

	if pipeline.mode == instrument.Enabled {
		covOut := stdout
		if jsonFlag || junitFlag {
			covOut = stderr
		}
		below, err := writeCoverage(cfg.Coverage, pipeline.acc.Report(), covReporter, covOut)
		if err != nil {
			writef(stderr, "skytest: coverage: %v\n", err)
			return exitError
		}
		if below && code == exitOK {
			code = exitFailed
		}
	}
	return code
}

// pipeline holds what every worker needs to build its own loader. The
// accumulator is shared; loaders and runners are not.
type pipeline struct {
	mode   instrument.Mode
	cfg    loader.Config
	acc    *coverage.Accumulator
	logger *zap.Logger
}

func newPipeline(cfg *skyconfig.Config, logger *zap.Logger) (*pipeline, error) {
	mode, err := cfg.InstrumentMode()
	if err != nil {
		return nil, err
	}
	exclude, err := cfg.ExcludePattern()
	if err != nil {
		return nil, err
	}
	topts, err := cfg.TransformOptions()
	if err != nil {
		return nil, err
	}

	p := &pipeline{
		mode:   mode,
		acc:    coverage.NewAccumulator(),
		logger: logger,
		cfg: loader.Config{
			Mode:       mode,
			Extensions: cfg.Transform.Extensions,
			Transform:  topts,
			Exclude:    exclude,
			Logger:     logger,
		},
	}
	return p, nil
}

// newRunner builds a loader with the pipeline installed and a runner on top
// of it.
func (p *pipeline) newRunner(opts tester.Options) (*tester.Runner, error) {
	l := loader.New(nil, loader.WithLogger(p.logger))
	cfg := p.cfg
	if cfg.Mode == instrument.Enabled {
		cfg.Instrumenter = instrument.New(p.acc)
	}
	if _, err := loader.Install(l, cfg); err != nil {
		return nil, err
	}
	opts.Loader = l
	return tester.New(opts), nil
}

// expandTargets turns command-line arguments into test targets. A target
// naming tests ("file::test") must be a single file.
func expandTargets(args []string, recursive bool) ([]tester.Target, error) {
	var targets []tester.Target
	seen := make(map[string]int)

	for _, arg := range args {
		t := tester.ParseTarget(arg)
		if len(t.Tests) > 0 {
			if i, ok := seen[t.Path]; ok {
				targets[i].Tests = append(targets[i].Tests, t.Tests...)
				continue
			}
			seen[t.Path] = len(targets)
			targets = append(targets, t)
			continue
		}

		files, err := tester.ExpandPaths([]string{t.Path}, nil, recursive)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if _, ok := seen[f]; ok {
				continue
			}
			seen[f] = len(targets)
			targets = append(targets, tester.Target{Path: f})
		}
	}
	return targets, nil
}

// writeCoverage renders the coverage report, writes the profile if one is
// configured, and reports whether coverage fell below the threshold.
func writeCoverage(cfg skyconfig.CoverageConfig, report *coverage.Report, r coverage.Reporter, w io.Writer) (bool, error) {
	if err := r.Write(w, report); err != nil {
		return false, err
	}
	if cfg.Output != "" {
		if err := coverage.WriteProfile(cfg.Output, report, cfg.Merge); err != nil {
			return false, err
		}
	}
	if cfg.FailUnder > 0 && report.Percentage() < cfg.FailUnder {
		writef(w, "coverage %.1f%% is below the required %.1f%%\n", report.Percentage(), cfg.FailUnder)
		return true, nil
	}
	return false, nil
}

// Helper functions for writing output.
// Write errors are intentionally ignored because:
//  1. These functions write to stdout/stderr where there's no reasonable recovery
//     if the terminal/pipe is broken (EPIPE, etc.)
//  2. If we can't write error messages, we can't report the write failure either
//  3. The exit code still reflects the actual operation status
func writef(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}

func writeln(w io.Writer, args ...any) {
	_, _ = fmt.Fprintln(w, args...)
}

// parseParallelism parses the -j flag value and returns the number of workers.
// Returns 1 for sequential execution (empty, "1", invalid values).
// Returns runtime.NumCPU() for "auto".
// Returns the parsed number for valid numeric values > 0.
func parseParallelism(flag string) int {
	if flag == "" || flag == "1" {
		return 1
	}
	if strings.EqualFold(flag, "auto") {
		return runtime.NumCPU()
	}
	n, err := strconv.Atoi(flag)
	if err != nil || n < 1 {
		return 1
	}
	return n
}
