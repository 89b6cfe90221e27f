package tester

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/albertocavalcante/skykit/internal/starlark/coverage"
	"github.com/albertocavalcante/skykit/internal/starlark/instrument"
	"github.com/albertocavalcante/skykit/internal/starlark/loader"
)

func writeFile(t *testing.T, dir, rel, content string) string {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func runSource(t *testing.T, opts Options, src string) *FileResult {
	t.Helper()
	path := writeFile(t, t.TempDir(), "case_test.star", src)
	result, err := New(opts).RunFile(path)
	if err != nil {
		t.Fatalf("RunFile: %v", err)
	}
	return result
}

func testNames(fr *FileResult) []string {
	var names []string
	for _, tr := range fr.Tests {
		names = append(names, tr.Name)
	}
	return names
}

func TestRunnerBasic(t *testing.T) {
	result := runSource(t, DefaultOptions(), `
def test_addition():
    assert.eq(1 + 1, 2)

def test_string():
    assert.eq("hello" + " world", "hello world")

def helper_not_a_test():
    pass
`)

	if diff := cmp.Diff([]string{"test_addition", "test_string"}, testNames(result)); diff != "" {
		t.Errorf("tests mismatch (-want +got):\n%s", diff)
	}
	passed, failed := result.Summary()
	if passed != 2 || failed != 0 {
		t.Errorf("Summary() = %d passed, %d failed, want 2, 0", passed, failed)
	}
}

func TestRunnerFailingTest(t *testing.T) {
	result := runSource(t, DefaultOptions(), `
def test_will_fail():
    assert.eq(1, 2, "numbers should match")
`)

	if len(result.Tests) != 1 {
		t.Fatalf("expected 1 test, got %d", len(result.Tests))
	}
	tr := result.Tests[0]
	if tr.Passed {
		t.Error("expected test to fail")
	}
	if tr.Error == nil || !strings.Contains(tr.Error.Error(), "assertion failed: numbers should match") {
		t.Errorf("Error = %v, want the custom message", tr.Error)
	}
}

func TestRunnerSetupTeardown(t *testing.T) {
	result := runSource(t, DefaultOptions(), `
def setup():
    print("setup")

def teardown():
    print("teardown")

def test_first():
    print("first")

def test_second():
    print("second")
    fail("boom")
`)

	want := []TestResult{
		{Name: "test_first", Passed: true, Output: "setup\nfirst\nteardown\n"},
		{Name: "test_second", Passed: false, Output: "setup\nsecond\nteardown\n"},
	}
	opts := cmpopts.IgnoreFields(TestResult{}, "File", "Duration", "Error")
	if diff := cmp.Diff(want, result.Tests, opts); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
}

func TestRunnerSetupAndTeardownFailures(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantErr string
	}{
		{
			name: "setup",
			src: `
def setup():
    fail("no fixture")

def test_a():
    pass
`,
			wantErr: "setup failed",
		},
		{
			name: "teardown",
			src: `
def teardown():
    fail("cleanup")

def test_a():
    pass
`,
			wantErr: "teardown failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := runSource(t, DefaultOptions(), tt.src)
			tr := result.Tests[0]
			if tr.Passed {
				t.Fatal("expected failure")
			}
			if !strings.Contains(tr.Error.Error(), tt.wantErr) {
				t.Errorf("Error = %v, want %q", tr.Error, tt.wantErr)
			}
		})
	}
}

func TestRunnerCustomPrefix(t *testing.T) {
	opts := DefaultOptions()
	opts.TestPrefix = "check_"
	result := runSource(t, opts, `
def check_one():
    pass

def test_ignored():
    pass
`)
	if diff := cmp.Diff([]string{"check_one"}, testNames(result)); diff != "" {
		t.Errorf("tests mismatch (-want +got):\n%s", diff)
	}
}

const filterSource = `
def test_parse_ok():
    pass

def test_parse_error():
    pass

def test_render():
    pass
`

func TestRunnerFilter(t *testing.T) {
	tests := []struct {
		name      string
		filter    string
		testNames []string
		want      []string
	}{
		{"none", "", nil, []string{"test_parse_error", "test_parse_ok", "test_render"}},
		{"substring", "parse", nil, []string{"test_parse_error", "test_parse_ok"}},
		{"case insensitive", "RENDER", nil, []string{"test_render"}},
		{"negated", "not parse", nil, []string{"test_render"}},
		{"names", "", []string{"test_render", "test_parse_ok"}, []string{"test_parse_ok", "test_render"}},
		{"names win over filter", "parse", []string{"test_render"}, []string{"test_render"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.Filter = tt.filter
			opts.TestNames = tt.testNames
			result := runSource(t, opts, filterSource)
			if diff := cmp.Diff(tt.want, testNames(result)); diff != "" {
				t.Errorf("tests mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMatchFilter(t *testing.T) {
	tests := []struct {
		filter, name string
		want         bool
	}{
		{"", "test_a", true},
		{"a", "test_a", true},
		{"b", "test_a", false},
		{"NOT a", "test_a", false},
		{"not b", "test_a", true},
		{"not", "test_nothing", true},
	}
	for _, tt := range tests {
		if got := MatchFilter(tt.filter, tt.name); got != tt.want {
			t.Errorf("MatchFilter(%q, %q) = %v, want %v", tt.filter, tt.name, got, tt.want)
		}
	}
}

func TestRunnerFailFast(t *testing.T) {
	opts := DefaultOptions()
	opts.FailFast = true
	result := runSource(t, opts, `
def test_a():
    pass

def test_b():
    fail("stop here")

def test_c():
    pass
`)
	if diff := cmp.Diff([]string{"test_a", "test_b"}, testNames(result)); diff != "" {
		t.Errorf("tests mismatch (-want +got):\n%s", diff)
	}
}

func TestRunnerTimeout(t *testing.T) {
	opts := DefaultOptions()
	opts.Timeout = 50 * time.Millisecond
	start := time.Now()
	result := runSource(t, opts, `
def test_spin():
    while True:
        pass

def test_quick():
    pass
`)
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timeout not enforced, took %s", elapsed)
	}

	byName := map[string]TestResult{}
	for _, tr := range result.Tests {
		byName[tr.Name] = tr
	}
	if !errors.Is(byName["test_spin"].Error, ErrTimeout) {
		t.Errorf("test_spin error = %v, want ErrTimeout", byName["test_spin"].Error)
	}
	if !byName["test_quick"].Passed {
		t.Errorf("test_quick failed: %v", byName["test_quick"].Error)
	}
}

func TestRunnerLoadError(t *testing.T) {
	result := runSource(t, DefaultOptions(), "def test_broken(\n")
	if result.LoadError == nil {
		t.Fatal("expected a load error")
	}
	if len(result.Tests) != 0 {
		t.Errorf("ran %d tests from a broken file", len(result.Tests))
	}
	if passed, failed := result.Summary(); passed != 0 || failed != 1 {
		t.Errorf("Summary() = %d, %d, want 0, 1", passed, failed)
	}
}

func TestRunnerRerunsFileAfresh(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "again_test.star", "def test_v():\n    assert.eq(1, 1)\n")

	r := New(DefaultOptions())
	if fr, err := r.RunFile(path); err != nil || fr.Tests[0].Error != nil {
		t.Fatalf("first run: %v %+v", err, fr)
	}

	writeFile(t, dir, "again_test.star", "def test_v():\n    assert.eq(1, 2)\n")
	fr, err := r.RunFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if fr.Tests[0].Passed {
		t.Error("second run used the cached module")
	}
}

func TestRunnerPreludes(t *testing.T) {
	dir := t.TempDir()
	prelude := writeFile(t, dir, "prelude.star", "answer = 42\n")
	path := writeFile(t, dir, "uses_test.star", "def test_answer():\n    assert.eq(answer, 42)\n")

	opts := DefaultOptions()
	opts.Preludes = []string{prelude}
	result, err := New(opts).RunFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if result.LoadError != nil || !result.Tests[0].Passed {
		t.Fatalf("result = %+v", result)
	}

	opts.Preludes = []string{filepath.Join(dir, "missing.star")}
	if _, err := New(opts).RunFile(path); err == nil {
		t.Error("expected a prelude error")
	}
}

const typedWidget = `def label(count: int, title: str = "items") -> str:
    if count == 1:
        return "1 item"
    return "%d %s" % (count, title)
`

const typedWidgetTest = `load("src/widget.tstar", "label")

def test_label() -> None:
    got: str = label(3)
    assert.eq(got, "3 items")
`

func TestRunnerThroughTypedPipeline(t *testing.T) {
	dir := t.TempDir()
	widget := writeFile(t, dir, "src/widget.tstar", typedWidget)
	testFile := writeFile(t, dir, "widget_test.tstar", typedWidgetTest)

	acc := coverage.NewAccumulator()
	l := loader.New(nil)
	if _, err := loader.Install(l, loader.Config{
		Mode:         instrument.Enabled,
		Instrumenter: instrument.New(acc),
	}); err != nil {
		t.Fatal(err)
	}

	opts := DefaultOptions()
	opts.Loader = l
	result, err := New(opts).RunFile(testFile)
	if err != nil {
		t.Fatal(err)
	}
	if result.LoadError != nil {
		t.Fatalf("load error: %v", result.LoadError)
	}
	if !result.Tests[0].Passed {
		t.Fatalf("test_label failed: %v", result.Tests[0].Error)
	}

	if !acc.Has(widget) {
		t.Fatal("widget was not instrumented")
	}
	if acc.Has(testFile) {
		t.Error("test file was instrumented")
	}
	fc := acc.Report().Files[widget]
	if fc.Lines.Hits[4] != 1 {
		t.Errorf("line 4 hits = %d, want 1", fc.Lines.Hits[4])
	}
	if fc.Lines.Hits[3] != 0 {
		t.Errorf("line 3 hits = %d, want 0", fc.Lines.Hits[3])
	}
}

func TestDiscoverTests(t *testing.T) {
	src := []byte(`
def test_b(x: int = 1) -> None:
    pass

def helper():
    pass

def test_a():
    pass
`)
	got, err := DiscoverTests("typed_test.tstar", src, "")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"test_a", "test_b"}, got); diff != "" {
		t.Errorf("DiscoverTests mismatch (-want +got):\n%s", diff)
	}

	if _, err := DiscoverTests("bad.star", []byte("def (\n"), ""); err == nil {
		t.Error("expected parse error")
	}
}

func TestDiscoverFiles(t *testing.T) {
	dir := t.TempDir()
	for _, rel := range []string{
		"a_test.star",
		"test_b.tstar",
		"c_test.tstar",
		"helper.star",
		"sub/d_test.star",
		"node_modules/e_test.star",
	} {
		writeFile(t, dir, rel, "")
	}

	rel := func(paths []string) []string {
		var out []string
		for _, p := range paths {
			r, _ := filepath.Rel(dir, p)
			out = append(out, filepath.ToSlash(r))
		}
		return out
	}

	flat, err := DiscoverFiles(dir, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a_test.star", "c_test.tstar", "test_b.tstar"}, rel(flat)); diff != "" {
		t.Errorf("non-recursive mismatch (-want +got):\n%s", diff)
	}

	deep, err := DiscoverFiles(dir, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a_test.star", "c_test.tstar", "sub/d_test.star", "test_b.tstar"}
	if diff := cmp.Diff(want, rel(deep)); diff != "" {
		t.Errorf("recursive mismatch (-want +got):\n%s", diff)
	}

	if !IsTestFile("x/widget_test.tstar", nil) || IsTestFile("widget.tstar", nil) {
		t.Error("IsTestFile misclassified typed files")
	}
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		arg  string
		want Target
	}{
		{"a_test.star", Target{Path: "a_test.star"}},
		{"a_test.star::test_x", Target{Path: "a_test.star", Tests: []string{"test_x"}}},
		{"a_test.star::test_x, test_y", Target{Path: "a_test.star", Tests: []string{"test_x", "test_y"}}},
		{"a_test.star::", Target{Path: "a_test.star"}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, ParseTarget(tt.arg)); diff != "" {
			t.Errorf("ParseTarget(%q) mismatch (-want +got):\n%s", tt.arg, diff)
		}
	}
}

func TestRunnerRunTarget(t *testing.T) {
	path := writeFile(t, t.TempDir(), "pick_test.star", `
def test_a():
    pass

def test_b():
    pass

def test_c():
    pass
`)
	r := New(DefaultOptions())

	fr, err := r.RunTarget(ParseTarget(path + "::test_c,test_a"))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"test_a", "test_c"}, testNames(fr)); diff != "" {
		t.Errorf("selected tests mismatch (-want +got):\n%s", diff)
	}

	fr, err = r.RunTarget(ParseTarget(path))
	if err != nil {
		t.Fatal(err)
	}
	if got := len(fr.Tests); got != 3 {
		t.Errorf("plain target ran %d tests, want 3", got)
	}
}

func sampleRun() *RunResult {
	return &RunResult{
		Files: []FileResult{
			{
				File: "a_test.star",
				Tests: []TestResult{
					{Name: "test_ok", Passed: true},
					{Name: "test_bad", Error: errors.New("assertion failed: 1 == 2"), Output: "debug\n"},
				},
			},
			{File: "b_test.star", LoadError: errors.New("b_test.star:1:5: got '(', want name")},
		},
	}
}

func TestTextReporter(t *testing.T) {
	var buf bytes.Buffer
	r := &TextReporter{}
	run := sampleRun()
	for i := range run.Files {
		r.ReportFile(&buf, &run.Files[i])
	}
	r.ReportSummary(&buf, run)

	want := `PASS  a_test.star::test_ok
FAIL  a_test.star::test_bad
      assertion failed: 1 == 2
      Output:
        debug
ERROR  b_test.star
      b_test.star:1:5: got '(', want name

Results: 1 passed, 2 failed, 3 total in 2 file(s)
`
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestTextReporterColor(t *testing.T) {
	var buf bytes.Buffer
	r := &TextReporter{Color: true}
	r.ReportFile(&buf, &sampleRun().Files[0])
	if !strings.Contains(buf.String(), ansiGreen+"PASS"+ansiReset) {
		t.Errorf("expected colored PASS, got %q", buf.String())
	}
	if IsTerminal(&buf) {
		t.Error("a buffer is not a terminal")
	}
}

func TestJSONReporter(t *testing.T) {
	var buf bytes.Buffer
	(&JSONReporter{}).ReportSummary(&buf, sampleRun())

	var got jsonRun
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, buf.String())
	}
	if got.Passed != 1 || got.Failed != 2 || got.Total != 3 || got.Files != 2 {
		t.Errorf("counts = %+v", got)
	}
	if got.Results[0].Tests[1].Error != "assertion failed: 1 == 2" {
		t.Errorf("error = %q", got.Results[0].Tests[1].Error)
	}
	if got.Results[1].LoadError == "" {
		t.Error("load error missing")
	}
}

func TestJUnitReporter(t *testing.T) {
	var buf bytes.Buffer
	(&JUnitReporter{}).ReportSummary(&buf, sampleRun())
	out := buf.String()

	for _, want := range []string{
		`<testsuites tests="2" failures="1" errors="1"`,
		`<testcase name="test_bad" classname="a_test.star"`,
		`<failure message="assertion failed: 1 == 2" type="AssertionError">`,
		`<error message="b_test.star:1:5: got &#39;(&#39;, want name" type="LoadError">`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
