// Package formatter renders transformed Starlark for people to read.
//
// Format pretty-prints with buildtools; it normalizes layout, so line
// numbers in its output no longer match the source. Diff produces a unified
// diff between a source and what it turned into.
package formatter

import (
	"bytes"

	"github.com/bazelbuild/buildtools/build"
	"github.com/pmezard/go-difflib/difflib"
)

// Result pairs a file's source with its rendered form.
type Result struct {
	// Path is the file path.
	Path string
	// Original is the source as read.
	Original []byte
	// Output is what the source turned into.
	Output []byte
}

// Changed returns true if the output differs from the source.
func (r *Result) Changed() bool {
	return !bytes.Equal(r.Original, r.Output)
}

// Diff returns a unified diff from the source to the output, or "" when
// they are equal.
func (r *Result) Diff() string {
	if !r.Changed() {
		return ""
	}
	return Diff(r.Path, r.Original, r.Output)
}

// Format pretty-prints Starlark source. path is used in error messages only.
func Format(src []byte, path string) ([]byte, error) {
	f, err := build.ParseDefault(path, src)
	if err != nil {
		return nil, err
	}
	return build.Format(f), nil
}

// Diff returns a unified diff with three lines of context. The new side is
// labeled "<path> (transpiled)".
func Diff(path string, before, after []byte) string {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(before)),
		B:        difflib.SplitLines(string(after)),
		FromFile: path,
		ToFile:   path + " (transpiled)",
		Context:  3,
	}
	text, _ := difflib.GetUnifiedDiffString(diff)
	return text
}
