package tester

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/albertocavalcante/skykit/internal/starlark/loader"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newWatcher(t *testing.T) *Watcher {
	t.Helper()
	w, err := NewWatcher(nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(func() {
		if err := w.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return w
}

func TestWatcherAddRemove(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a_test.star", "")
	b := writeFile(t, dir, "lib/b.star", "")

	w := newWatcher(t)
	if err := w.Add(a, b, a); err != nil {
		t.Fatal(err)
	}
	want := []string{a, b}
	sort.Strings(want)
	if diff := cmp.Diff(want, w.WatchedFiles()); diff != "" {
		t.Errorf("WatchedFiles mismatch (-want +got):\n%s", diff)
	}

	if err := w.Remove(b); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{a}, w.WatchedFiles()); diff != "" {
		t.Errorf("after Remove (-want +got):\n%s", diff)
	}
}

func TestWatcherAddMissingDirectory(t *testing.T) {
	w := newWatcher(t)
	if err := w.Add(filepath.Join(t.TempDir(), "nope", "x.star")); err == nil {
		t.Error("expected an error for a missing directory")
	}
}

func TestWatcherReportsWrites(t *testing.T) {
	dir := t.TempDir()
	watched := writeFile(t, dir, "widget.star", "v = 1\n")
	other := writeFile(t, dir, "unrelated.star", "")

	w := newWatcher(t)
	if err := w.Add(watched); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(other, []byte("x = 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(watched, []byte("v = 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-w.Events:
		if ev.File != watched {
			t.Errorf("event for %s, want %s", ev.File, watched)
		}
	case err := <-w.Errors:
		t.Fatalf("watcher error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("no event within 5s")
	}
}

func TestAffected(t *testing.T) {
	dir := t.TempDir()
	leaf := writeFile(t, dir, "lib/leaf.star", "v = 1\n")
	writeFile(t, dir, "lib/mid.star", "load(\"leaf.star\", \"v\")\nw = v\n")
	aTest := writeFile(t, dir, "a_test.star", "load(\"lib/mid.star\", \"w\")\ndef test_w():\n    assert.eq(w, 1)\n")
	bTest := writeFile(t, dir, "b_test.star", "def test_b():\n    pass\n")

	r := New(DefaultOptions())
	if _, err := r.Run([]string{aTest, bTest}); err != nil {
		t.Fatal(err)
	}
	l := r.Loader()

	tests := []string{aTest, bTest}
	if diff := cmp.Diff([]string{aTest}, Affected(l, leaf, tests)); diff != "" {
		t.Errorf("Affected(leaf) mismatch (-want +got):\n%s", diff)
	}
	if l.Cached(leaf) || l.Cached(aTest) {
		t.Error("changed module and its dependents should be evicted")
	}
	if !l.Cached(bTest) {
		t.Error("unrelated test file was evicted")
	}

	if diff := cmp.Diff([]string{bTest}, Affected(l, bTest, tests)); diff != "" {
		t.Errorf("Affected(bTest) mismatch (-want +got):\n%s", diff)
	}
	if got := Affected(loader.New(nil), filepath.Join(dir, "x.star"), tests); len(got) != 0 {
		t.Errorf("Affected(unknown) = %v, want none", got)
	}
}

func TestWatchRerun(t *testing.T) {
	dir := t.TempDir()
	leaf := writeFile(t, dir, "leaf.star", "v = 1\n")
	aTest := writeFile(t, dir, "a_test.star", "load(\"leaf.star\", \"v\")\ndef test_v():\n    assert.eq(v, 1)\n")

	r := New(DefaultOptions())
	if _, err := r.RunFile(aTest); err != nil {
		t.Fatal(err)
	}

	w := newWatcher(t)
	if err := w.Add(r.Loader().Modules()...); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(leaf, []byte("v = 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var ev WatchEvent
	select {
	case ev = <-w.Events:
	case <-time.After(5 * time.Second):
		t.Fatal("no event within 5s")
	}

	rerun := Affected(r.Loader(), ev.File, []string{aTest})
	if diff := cmp.Diff([]string{aTest}, rerun); diff != "" {
		t.Fatalf("rerun mismatch (-want +got):\n%s", diff)
	}
	fr, err := r.RunFile(aTest)
	if err != nil {
		t.Fatal(err)
	}
	if fr.Tests[0].Passed {
		t.Error("rerun should see the edited module and fail")
	}
}
