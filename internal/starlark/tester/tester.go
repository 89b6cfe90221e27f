// Package tester runs Starlark test files.
//
// Test files are loaded through a loader.Loader, so typed test files and
// every module they load go through the same pipeline as production code.
// The runner finds test functions by prefix, wraps each in setup/teardown,
// and reports results. The assert and testkit modules are predeclared.
package tester

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
	"go.uber.org/zap"

	"github.com/albertocavalcante/skykit/internal/starlark/loader"
	"github.com/albertocavalcante/skykit/internal/starlark/testkit"
	"github.com/albertocavalcante/skykit/internal/starlark/transform"
)

// ErrTimeout is the cause recorded for a test that ran past its deadline.
var ErrTimeout = errors.New("test timed out")

// TestResult represents the result of running a single test.
type TestResult struct {
	// Name is the test function name.
	Name string

	// File is the source file containing the test.
	File string

	Passed bool

	Duration time.Duration

	// Error contains the error if the test failed.
	Error error

	// Output holds everything the test printed.
	Output string
}

// FileResult represents the results of running all tests in a file.
type FileResult struct {
	File string

	// Tests contains results for each test function.
	Tests []TestResult

	// LoadError is set when the file itself could not be loaded. No tests
	// ran in that case.
	LoadError error

	Duration time.Duration
}

// Summary returns counts of passed and failed tests. A file that failed to
// load counts as one failure.
func (fr *FileResult) Summary() (passed, failed int) {
	if fr.LoadError != nil {
		failed++
	}
	for _, t := range fr.Tests {
		if t.Passed {
			passed++
		} else {
			failed++
		}
	}
	return
}

// RunResult contains all results from a test run.
type RunResult struct {
	Files []FileResult

	// Duration is total time for the entire run.
	Duration time.Duration
}

// Summary returns total counts of passed and failed tests.
func (rr *RunResult) Summary() (passed, failed, files int) {
	files = len(rr.Files)
	for _, fr := range rr.Files {
		p, f := fr.Summary()
		passed += p
		failed += f
	}
	return
}

// HasFailures returns true if any test failed.
func (rr *RunResult) HasFailures() bool {
	_, failed, _ := rr.Summary()
	return failed > 0
}

// Options configures the test runner.
type Options struct {
	// TestPrefix is the prefix for test functions (default: "test_").
	TestPrefix string

	// Loader loads test files and everything they load. If nil, the runner
	// creates one with the default registry and no interceptor.
	Loader *loader.Loader

	// Predeclared contains additional predeclared values.
	Predeclared starlark.StringDict

	// DisableAssert disables the built-in assert module.
	DisableAssert bool

	// Filter is a test name filter pattern (the -k flag).
	// Supports "not <pattern>" to exclude tests matching pattern.
	Filter string

	// TestNames filters to specific test function names (file::test).
	TestNames []string

	// Preludes are loaded once before the first test file. Their globals
	// become predeclared in every module loaded afterwards.
	Preludes []string

	// Timeout bounds each test, setup and teardown included. Zero means no
	// limit.
	Timeout time.Duration

	// FailFast stops a file after its first failing test.
	FailFast bool

	Logger *zap.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		TestPrefix:  "test_",
		Predeclared: make(starlark.StringDict),
	}
}

// Runner executes Starlark tests. A Runner is bound to one Loader and, like
// it, is not safe for concurrent use.
type Runner struct {
	opts     Options
	loader   *loader.Loader
	logger   *zap.Logger
	preludes bool
}

// New creates a new test runner and predeclares the test environment in its
// loader.
func New(opts Options) *Runner {
	if opts.TestPrefix == "" {
		opts.TestPrefix = "test_"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	l := opts.Loader
	if l == nil {
		l = loader.New(nil, loader.WithLogger(opts.Logger))
	}

	r := &Runner{opts: opts, loader: l, logger: opts.Logger}
	l.Predeclare(r.buildPredeclared())
	return r
}

// Loader returns the loader test files are loaded through.
func (r *Runner) Loader() *loader.Loader { return r.loader }

// RunFile loads filename through the loader and runs its tests. The file is
// evicted from the module cache first, so every call executes it afresh;
// the modules it loads stay cached.
func (r *Runner) RunFile(filename string) (*FileResult, error) {
	return r.runFile(filename, r.opts.TestNames)
}

// RunTarget runs the tests t selects. A target without test names runs
// whatever RunFile would.
func (r *Runner) RunTarget(t Target) (*FileResult, error) {
	if len(t.Tests) == 0 {
		return r.RunFile(t.Path)
	}
	return r.runFile(t.Path, t.Tests)
}

func (r *Runner) runFile(filename string, names []string) (*FileResult, error) {
	if err := r.loadPreludes(); err != nil {
		return nil, err
	}

	start := time.Now()
	result := &FileResult{File: filename}

	r.loader.Invalidate(filename)
	globals, err := r.loader.Require(filename)
	if err != nil {
		result.LoadError = err
		result.Duration = time.Since(start)
		r.logger.Debug("test file failed to load", zap.String("file", filename), zap.Error(err))
		return result, nil
	}

	setupFn, _ := globals["setup"].(starlark.Callable)
	teardownFn, _ := globals["teardown"].(starlark.Callable)

	for _, name := range r.findTestFunctions(globals) {
		if !r.matchesFilter(name, names) {
			continue
		}
		tr := r.runSingleTest(name, globals[name].(starlark.Callable), setupFn, teardownFn)
		tr.File = filename
		result.Tests = append(result.Tests, tr)
		if !tr.Passed && r.opts.FailFast {
			break
		}
	}

	result.Duration = time.Since(start)
	r.logger.Debug("test file finished",
		zap.String("file", filename),
		zap.Int("tests", len(result.Tests)),
		zap.Duration("elapsed", result.Duration),
	)
	return result, nil
}

// Run runs every file in order. Load errors are recorded per file; only a
// prelude failure aborts the run.
func (r *Runner) Run(files []string) (*RunResult, error) {
	start := time.Now()
	rr := &RunResult{}
	for _, f := range files {
		fr, err := r.RunFile(f)
		if err != nil {
			return nil, err
		}
		rr.Files = append(rr.Files, *fr)
	}
	rr.Duration = time.Since(start)
	return rr, nil
}

func (r *Runner) buildPredeclared() starlark.StringDict {
	predeclared := make(starlark.StringDict)
	if !r.opts.DisableAssert {
		predeclared["assert"] = NewAssertModule()
	}
	predeclared["testkit"] = testkit.NewModule()
	for k, v := range r.opts.Predeclared {
		predeclared[k] = v
	}
	return predeclared
}

// loadPreludes loads each prelude once, in order. Later preludes see the
// globals of earlier ones.
func (r *Runner) loadPreludes() error {
	if r.preludes {
		return nil
	}
	for _, path := range r.opts.Preludes {
		globals, err := r.loader.Require(path)
		if err != nil {
			return fmt.Errorf("loading prelude %s: %w", path, err)
		}
		r.loader.Predeclare(globals)
	}
	r.preludes = true
	return nil
}

// findTestFunctions returns sorted list of test function names.
func (r *Runner) findTestFunctions(globals starlark.StringDict) []string {
	var names []string
	for name, val := range globals {
		if _, ok := val.(*starlark.Function); ok && strings.HasPrefix(name, r.opts.TestPrefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// matchesFilter checks if a test name matches the current filter options.
func (r *Runner) matchesFilter(name string, names []string) bool {
	if len(names) > 0 {
		for _, allowed := range names {
			if name == allowed {
				return true
			}
		}
		return false
	}
	return MatchFilter(r.opts.Filter, name)
}

// MatchFilter reports whether name passes a -k filter: a case-insensitive
// substring, or "not <substring>" to exclude.
func MatchFilter(filter, name string) bool {
	if filter == "" {
		return true
	}
	negate := false
	if len(filter) > 4 && strings.EqualFold(filter[:4], "not ") {
		negate = true
		filter = strings.TrimSpace(filter[4:])
	}
	matches := strings.Contains(strings.ToLower(name), strings.ToLower(filter))
	return matches != negate
}

// runSingleTest executes one test function with setup/teardown on a fresh
// thread. Teardown runs even when the test fails.
func (r *Runner) runSingleTest(name string, testFn, setupFn, teardownFn starlark.Callable) TestResult {
	result := TestResult{Name: name}
	start := time.Now()

	var out strings.Builder
	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			out.WriteString(msg)
			out.WriteByte('\n')
		},
	}

	var timedOut atomic.Bool
	if r.opts.Timeout > 0 {
		timer := time.AfterFunc(r.opts.Timeout, func() {
			timedOut.Store(true)
			thread.Cancel(ErrTimeout.Error())
		})
		defer timer.Stop()
	}

	defer func() {
		result.Output = out.String()
		result.Duration = time.Since(start)
	}()

	if setupFn != nil {
		if _, err := starlark.Call(thread, setupFn, nil, nil); err != nil {
			result.Error = fmt.Errorf("setup failed: %w", r.timeoutCause(err, timedOut.Load()))
			return result
		}
	}

	if _, err := starlark.Call(thread, testFn, nil, nil); err != nil {
		result.Error = r.timeoutCause(err, timedOut.Load())
	} else {
		result.Passed = true
	}

	if teardownFn != nil {
		if _, err := starlark.Call(thread, teardownFn, nil, nil); err != nil && result.Error == nil {
			result.Error = fmt.Errorf("teardown failed: %w", r.timeoutCause(err, timedOut.Load()))
			result.Passed = false
		}
	}
	return result
}

func (r *Runner) timeoutCause(err error, timedOut bool) error {
	if timedOut {
		return fmt.Errorf("%w after %s: %v", ErrTimeout, r.opts.Timeout, err)
	}
	return err
}

// DiscoverTests lists the test functions in a file without executing it.
// Typed sources are transformed first so annotations do not trip the parser.
func DiscoverTests(filename string, src []byte, prefix string) ([]string, error) {
	if prefix == "" {
		prefix = "test_"
	}

	text, err := transform.Transform(src, filename, transform.DefaultOptions())
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filename, err)
	}
	f, err := transform.FileOptions(true).Parse(filename, text, 0)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filename, err)
	}

	var tests []string
	for _, stmt := range f.Stmts {
		if def, ok := stmt.(*syntax.DefStmt); ok && strings.HasPrefix(def.Name.Name, prefix) {
			tests = append(tests, def.Name.Name)
		}
	}
	sort.Strings(tests)
	return tests, nil
}
