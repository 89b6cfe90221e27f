package formatter

import (
	"strings"
	"testing"
)

func TestFormat(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		want    string
		wantErr bool
	}{
		{
			name: "spacing",
			src:  `x=1+2`,
			want: "x = 1 + 2\n",
		},
		{
			name: "one-line def",
			src:  `def foo(x,y): return x+y`,
			want: "def foo(x, y):\n    return x + y\n",
		},
		{
			name: "already formatted",
			src:  "y = 2\n",
			want: "y = 2\n",
		},
		{
			name: "blanked annotations collapse",
			src:  "def area(w     , h     )       :\n    return w * h\n",
			want: "def area(w, h):\n    return w * h\n",
		},
		{
			name:    "parse error",
			src:     `def foo(: return`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Format([]byte(tt.src), "m.star")
			if (err != nil) != tt.wantErr {
				t.Errorf("Format() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && string(got) != tt.want {
				t.Errorf("Format() =\n%q\nwant:\n%q", string(got), tt.want)
			}
		})
	}
}

func TestDiff(t *testing.T) {
	got := Diff("w.tstar", []byte("a = 1\nx: int = 1\nb = 2\n"), []byte("a = 1\nx      = 1\nb = 2\n"))
	for _, want := range []string{
		"--- w.tstar\n",
		"+++ w.tstar (transpiled)\n",
		"-x: int = 1\n",
		"+x      = 1\n",
		" a = 1\n",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("diff missing %q:\n%s", want, got)
		}
	}
}

func TestResult(t *testing.T) {
	same := &Result{Path: "m.star", Original: []byte("x = 1\n"), Output: []byte("x = 1\n")}
	if same.Changed() || same.Diff() != "" {
		t.Errorf("unchanged result reports a change: %q", same.Diff())
	}

	changed := &Result{Path: "m.star", Original: []byte("x = 1\n"), Output: []byte("x = 2\n")}
	if !changed.Changed() {
		t.Error("Changed() = false, want true")
	}
	if !strings.Contains(changed.Diff(), "+x = 2") {
		t.Errorf("Diff() = %q", changed.Diff())
	}
}
