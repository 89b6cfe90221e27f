// Package transform converts typed Starlark sources into standard Starlark.
//
// Typed Starlark is the dialect used by .tstar component modules: ordinary
// Starlark plus PEP-484 style annotations on parameters, return values and
// assignments. Transform removes the annotations by overwriting them with
// spaces, so every remaining token keeps its line and column. Stack traces,
// coverage lines and syntax errors in the transformed code therefore point
// at the right place in the file the user wrote.
package transform

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.starlark.net/syntax"

	"github.com/albertocavalcante/skykit/internal/starlark/typemode"
)

// Options configures Transform.
type Options struct {
	// NonStandard enables the go.starlark.net grammar extensions (while
	// loops, set literals, top-level control flow, global reassignment and
	// recursion). The load pipeline always runs with it enabled.
	NonStandard bool

	// Annotations controls annotation handling. The zero value means
	// typemode.Strip.
	Annotations typemode.Mode
}

// DefaultOptions returns the options the load pipeline uses.
func DefaultOptions() Options {
	return Options{NonStandard: true, Annotations: typemode.Strip}
}

func (o Options) mode() typemode.Mode {
	if o.Annotations == "" {
		return typemode.Strip
	}
	return o.Annotations
}

// FileOptions returns the parser options for the given grammar setting.
func FileOptions(nonStandard bool) *syntax.FileOptions {
	if !nonStandard {
		return &syntax.FileOptions{}
	}
	return &syntax.FileOptions{
		Set:             true,
		While:           true,
		TopLevelControl: true,
		GlobalReassign:  true,
		Recursion:       true,
	}
}

// Transform converts typed Starlark source into executable Starlark.
//
// The result has exactly as many lines as src. Transform is deterministic
// and has no side effects. If src is not valid under the selected grammar the
// returned error is the parser's syntax.Error, unwrapped, carrying the
// position of the offending token.
func Transform(src []byte, filename string, opts Options) ([]byte, error) {
	out := src
	mode := opts.mode()
	if mode.StripsAnnotations() {
		anns, err := findAnnotations(filename, src, opts.NonStandard)
		if err != nil {
			return nil, err
		}
		if mode.ChecksAnnotations() {
			for _, a := range anns {
				if err := checkAnnotation(filename, src, a); err != nil {
					return nil, err
				}
			}
		}
		out = applyEdits(src, anns)
	}

	if _, err := FileOptions(opts.NonStandard).Parse(filename, out, 0); err != nil {
		return nil, err
	}
	return out, nil
}

// applyEdits blanks every annotation, rune by rune, keeping newlines.
// Bare declarations ("x: int") become "pass" statements. anns must be sorted.
func applyEdits(src []byte, anns []annotation) []byte {
	var b bytes.Buffer
	b.Grow(len(src))
	prev := 0
	for _, a := range anns {
		if a.start < prev {
			continue
		}
		b.Write(src[prev:a.start])
		blank := blankOut(src[a.start:a.end])
		if a.decl {
			if len(blank) >= 4 && !strings.Contains(blank[:4], "\n") {
				blank = blank[4:]
			}
			b.WriteString("pass")
		}
		b.WriteString(continueLines(blank))
		prev = a.end
	}
	b.Write(src[prev:])
	return b.Bytes()
}

// continueLines ends every line of a blanked region but the last with a
// backslash. Once an annotation's brackets are gone its line breaks would
// otherwise end the statement.
func continueLines(blank string) string {
	if !strings.Contains(blank, "\n") {
		return blank
	}
	out := []byte(blank)
	for i := 1; i < len(out); i++ {
		if out[i] == '\n' && out[i-1] == ' ' {
			out[i-1] = '\\'
		}
	}
	return string(out)
}

func blankOut(seg []byte) string {
	var sb strings.Builder
	for len(seg) > 0 {
		r, size := utf8.DecodeRune(seg)
		seg = seg[size:]
		if r == '\n' || r == '\r' {
			sb.WriteRune(r)
			continue
		}
		sb.WriteByte(' ')
	}
	return sb.String()
}

// checkAnnotation reports an error if the annotation is not a type expression.
func checkAnnotation(filename string, src []byte, a annotation) error {
	text := src[a.typeStart:a.typeEnd]
	pos := positionAt(filename, src, a.typeStart)

	expr, err := (&syntax.FileOptions{}).ParseExpr(filename, text, 0)
	if err != nil {
		msg := err.Error()
		var serr syntax.Error
		if errors.As(err, &serr) {
			msg = serr.Msg
		}
		return syntax.Error{Pos: pos, Msg: fmt.Sprintf("invalid type annotation %q: %s", text, msg)}
	}
	if !isTypeExpr(expr) {
		return syntax.Error{Pos: pos, Msg: fmt.Sprintf("invalid type annotation %q: not a type expression", text)}
	}
	return nil
}

func isTypeExpr(e syntax.Expr) bool {
	switch e := e.(type) {
	case *syntax.Ident:
		return true
	case *syntax.DotExpr:
		return isTypeExpr(e.X)
	case *syntax.Literal:
		return e.Token == syntax.STRING
	case *syntax.ParenExpr:
		return isTypeExpr(e.X)
	case *syntax.BinaryExpr:
		return e.Op == syntax.PIPE && isTypeExpr(e.X) && isTypeExpr(e.Y)
	case *syntax.IndexExpr:
		return isTypeExpr(e.X) && isTypeExpr(e.Y)
	case *syntax.ListExpr:
		for _, x := range e.List {
			if !isTypeExpr(x) {
				return false
			}
		}
		return true
	case *syntax.TupleExpr:
		for _, x := range e.List {
			if !isTypeExpr(x) {
				return false
			}
		}
		return true
	}
	return false
}

// positionAt converts a byte offset into a 1-based line and rune column.
func positionAt(filename string, src []byte, offset int) syntax.Position {
	line := 1 + bytes.Count(src[:offset], []byte("\n"))
	lineStart := bytes.LastIndexByte(src[:offset], '\n') + 1
	col := 1 + utf8.RuneCount(src[lineStart:offset])
	return syntax.MakePosition(&filename, int32(line), int32(col))
}
