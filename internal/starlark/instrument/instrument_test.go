package instrument

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/albertocavalcante/skykit/internal/starlark/coverage"
	"github.com/albertocavalcante/skykit/internal/starlark/transform"
)

func TestInstrument(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		want    string
		wantMap coverage.FileMap
	}{
		{
			name: "statements and if",
			src: `x = 1
if x > 0:
    y = "a"
else:
    y = "b"
`,
			want: `__skycov__.s("m.star", 0); x = 1
if __skycov__.s("m.star", 1, __skycov__.b("m.star", 0, (x > 0))):
    __skycov__.s("m.star", 2); y = "a"
else:
    __skycov__.s("m.star", 3); y = "b"
`,
			wantMap: coverage.FileMap{
				Statements: []int{1, 2, 3, 5},
				Branches:   []int{2},
			},
		},
		{
			name: "functions loops and conditional expressions",
			src: `def f(xs):
    for x in xs:
        pass
    return 1 if xs else 2
g = lambda: 3
`,
			want: `def f(xs):
    for x in __skycov__.f("m.star", 0, __skycov__.s("m.star", 0, (xs))):
        __skycov__.s("m.star", 1); pass
    __skycov__.s("m.star", 2); return 1 if __skycov__.b("m.star", 0, (xs)) else 2
__skycov__.s("m.star", 3); g = lambda: __skycov__.f("m.star", 1, (3))
`,
			wantMap: coverage.FileMap{
				Statements: []int{2, 3, 4, 5},
				Branches:   []int{4},
				Functions:  []coverage.FunctionInfo{{Name: "f", Line: 1}, {Name: "lambda", Line: 5}},
			},
		},
		{
			name: "load is left alone",
			src:  "load(\"lib.star\", \"h\")\nh()\n",
			want: "load(\"lib.star\", \"h\")\n__skycov__.s(\"m.star\", 0); h()\n",
			wantMap: coverage.FileMap{
				Statements: []int{2},
			},
		},
		{
			name: "multibyte columns",
			src:  "s = \"é\"; t = 1 if s else 0\n",
			want: "__skycov__.s(\"m.star\", 0); s = \"é\"; __skycov__.s(\"m.star\", 1); t = 1 if __skycov__.b(\"m.star\", 0, (s)) else 0\n",
			wantMap: coverage.FileMap{
				Statements: []int{1, 1},
				Branches:   []int{1},
			},
		},
		{
			name: "bare tuple iterable",
			src:  "for a in 1, 2:\n    pass\n",
			want: "for a in __skycov__.s(\"m.star\", 0, (1, 2)):\n    __skycov__.s(\"m.star\", 1); pass\n",
			wantMap: coverage.FileMap{
				Statements: []int{1, 2},
			},
		},
		{
			name: "function entry skips nested defs",
			src:  "def outer():\n    def inner():\n        pass\n    return inner\n",
			want: "def outer():\n    def inner():\n        __skycov__.f(\"m.star\", 1); __skycov__.s(\"m.star\", 0); pass\n    __skycov__.f(\"m.star\", 0); __skycov__.s(\"m.star\", 1); return inner\n",
			wantMap: coverage.FileMap{
				Statements: []int{3, 4},
				Functions:  []coverage.FunctionInfo{{Name: "outer", Line: 1}, {Name: "inner", Line: 2}},
			},
		},
		{
			name: "body of only defs counts entry in a default",
			src:  "def outer():\n    def inner(a, b = 2):\n        return a + b\n",
			want: "def outer():\n    def inner(a, b = __skycov__.f(\"m.star\", 0, (2))):\n        __skycov__.f(\"m.star\", 1); __skycov__.s(\"m.star\", 0); return a + b\n",
			wantMap: coverage.FileMap{
				Statements: []int{3},
				Functions:  []coverage.FunctionInfo{{Name: "outer", Line: 1}, {Name: "inner", Line: 2}},
			},
		},
		{
			name: "body of only defs without defaults",
			src:  "def outer():\n    def inner(x, **kw):\n        pass\n    def other():\n        pass\n",
			want: "def outer():\n    def inner(x, *, __skycov_entry__=__skycov__.f(\"m.star\", 0), **kw):\n        __skycov__.f(\"m.star\", 1); __skycov__.s(\"m.star\", 0); pass\n    def other():\n        __skycov__.f(\"m.star\", 2); __skycov__.s(\"m.star\", 1); pass\n",
			wantMap: coverage.FileMap{
				Statements: []int{3, 5},
				Functions:  []coverage.FunctionInfo{{Name: "outer", Line: 1}, {Name: "inner", Line: 2}, {Name: "other", Line: 4}},
			},
		},
		{
			name: "body of only defs after varargs",
			src:  "def outer():\n    def inner(a, *rest,):\n        pass\n",
			want: "def outer():\n    def inner(a, *rest,__skycov_entry__=__skycov__.f(\"m.star\", 0)):\n        __skycov__.f(\"m.star\", 1); __skycov__.s(\"m.star\", 0); pass\n",
			wantMap: coverage.FileMap{
				Statements: []int{3},
				Functions:  []coverage.FunctionInfo{{Name: "outer", Line: 1}, {Name: "inner", Line: 2}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := coverage.NewAccumulator()
			got, err := New(acc).Instrument([]byte(tt.src), "m.star")
			if err != nil {
				t.Fatalf("Instrument: %v", err)
			}
			if diff := cmp.Diff(tt.want, string(got)); diff != "" {
				t.Errorf("output mismatch (-want +got):\n%s", diff)
			}
			if n, m := bytes.Count([]byte(tt.src), []byte("\n")), bytes.Count(got, []byte("\n")); n != m {
				t.Errorf("line count changed: %d -> %d", n, m)
			}
			if !acc.Has("m.star") {
				t.Fatal("file not registered")
			}
			fc := acc.Report().GetFile("m.star")
			if len(fc.Statements) != len(tt.wantMap.Statements) {
				t.Errorf("len(Statements) = %d, want %d", len(fc.Statements), len(tt.wantMap.Statements))
			}
			for _, line := range tt.wantMap.Statements {
				if _, ok := fc.Lines.Hits[line]; !ok {
					t.Errorf("line %d not registered", line)
				}
			}
			if len(fc.Branches) != len(tt.wantMap.Branches) {
				t.Errorf("len(Branches) = %d, want %d", len(fc.Branches), len(tt.wantMap.Branches))
			}
			for _, fn := range tt.wantMap.Functions {
				if got := fc.Functions[fn.Name]; got == nil || got.StartLine != fn.Line {
					t.Errorf("function %s at line %d not registered: %+v", fn.Name, fn.Line, got)
				}
			}
		})
	}
}

func TestInstrumentDeterministic(t *testing.T) {
	src := []byte("def f(a):\n    return a if a else None\nf(1)\n")
	in := New(coverage.NewAccumulator())
	first, err := in.Instrument(src, "d.star")
	if err != nil {
		t.Fatal(err)
	}
	second, err := in.Instrument(src, "d.star")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("instrumenting twice differs:\n%s\n---\n%s", first, second)
	}
}

func TestInstrumentSyntaxError(t *testing.T) {
	acc := coverage.NewAccumulator()
	_, err := New(acc).Instrument([]byte("x = 1\ndef f(:\n"), "bad.star")
	var serr syntax.Error
	if !errors.As(err, &serr) {
		t.Fatalf("error = %v, want syntax.Error", err)
	}
	if serr.Pos.Line != 2 {
		t.Errorf("error line = %d, want 2", serr.Pos.Line)
	}
	if acc.Has("bad.star") {
		t.Error("file registered despite parse failure")
	}
}

func exec(t *testing.T, in *Instrumenter, filename, src string) starlark.StringDict {
	t.Helper()
	out, err := in.Instrument([]byte(src), filename)
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	thread := &starlark.Thread{Name: t.Name()}
	globals, err := starlark.ExecFileOptions(transform.FileOptions(true), thread, filename, out, in.Predeclared())
	if err != nil {
		t.Fatalf("exec instrumented source: %v\n%s", err, out)
	}
	return globals
}

func TestInstrumentedExecution(t *testing.T) {
	acc := coverage.NewAccumulator()
	in := New(acc)
	globals := exec(t, in, "run.star", `def double(n):
    return n * 2

total = 0
for i in [1, 2, 3]:
    total += double(i)
label = "big" if total > 10 else "small"
n = 0
while n < 2:
    n += 1
`)

	if got := globals["label"]; got != starlark.String("big") {
		t.Errorf("label = %v, want \"big\"", got)
	}
	if got := globals["n"].String(); got != "2" {
		t.Errorf("n = %s, want 2", got)
	}

	fc := acc.Report().GetFile("run.star")
	wantLines := map[int]int{2: 3, 4: 1, 5: 1, 6: 3, 7: 1, 8: 1, 9: 3, 10: 2}
	if diff := cmp.Diff(wantLines, fc.Lines.Hits); diff != "" {
		t.Errorf("line hits mismatch (-want +got):\n%s", diff)
	}
	if fc.Functions["double"].Hits != 3 {
		t.Errorf("double.Hits = %d, want 3", fc.Functions["double"].Hits)
	}
	wantBranches := []coverage.BranchCoverage{
		{Line: 7, Taken: 1},
		{Line: 9, Taken: 2, NotTaken: 1},
	}
	var gotBranches []coverage.BranchCoverage
	for _, b := range fc.Branches {
		gotBranches = append(gotBranches, *b)
	}
	if diff := cmp.Diff(wantBranches, gotBranches); diff != "" {
		t.Errorf("branches mismatch (-want +got):\n%s", diff)
	}
}

func TestInstrumentedDefOnlyBodies(t *testing.T) {
	acc := coverage.NewAccumulator()
	globals := exec(t, New(acc), "defs.star", `def make():
    def helper(a, b = 2):
        return a + b

def outer():
    def inner():
        return 1

def scoped(x, *args, **kwargs):
    def inner(y):
        return y

make()
outer()
outer()
scoped(1, 2, k = 3)
`)
	if globals["outer"] == nil {
		t.Fatal("outer not defined")
	}

	fns := acc.Report().GetFile("defs.star").Functions
	for name, want := range map[string]int{"make": 1, "outer": 2, "scoped": 1, "helper": 0} {
		if fns[name] == nil {
			t.Errorf("function %s not registered", name)
			continue
		}
		if got := fns[name].Hits; got != want {
			t.Errorf("%s.Hits = %d, want %d", name, got, want)
		}
	}
}

func TestInstrumentedTupleIteration(t *testing.T) {
	globals := exec(t, New(coverage.NewAccumulator()), "tuple.star", "seen = []\nfor a in 1, 2:\n    seen.append(a)\n")
	if got := globals["seen"].String(); got != "[1, 2]" {
		t.Errorf("seen = %s, want [1, 2]", got)
	}
}

func TestCounterRequiresRegistration(t *testing.T) {
	in := New(coverage.NewAccumulator())
	thread := &starlark.Thread{Name: "unregistered"}
	_, err := starlark.ExecFileOptions(transform.FileOptions(true), thread, "x.star",
		`__skycov__.s("never.star", 0)`, in.Predeclared())
	if err == nil {
		t.Fatal("expected error for unregistered file")
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", Disabled, false},
		{"false", Disabled, false},
		{"FALSE", Disabled, false},
		{"0", Disabled, false},
		{"no", Disabled, false},
		{"off", Disabled, false},
		{"disabled", Disabled, false},
		{"true", Enabled, false},
		{" 1 ", Enabled, false},
		{"yes", Enabled, false},
		{"on", Enabled, false},
		{"enabled", Enabled, false},
		{"maybe", Disabled, true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMode(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestExcluded(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"src/widget.tstar", false},
		{"/repo/lib/button.tstar", false},
		{"tests/widget.tstar", true},
		{"/repo/tests/helper.star", true},
		{"src/widget_test.star", true},
		{"src/test_widget.tstar", true},
		{"src/latest_widget.tstar", false},
		{"vendor/lib.star", true},
		{"/repo/third_party/x/y.star", true},
		{"/repo/external/rules/defs.star", true},
		{"/repo/myvendor/lib.star", false},
	}
	for _, tt := range tests {
		if got := Excluded(tt.path); got != tt.want {
			t.Errorf("Excluded(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
