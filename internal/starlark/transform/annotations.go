package transform

import (
	"bytes"
	"errors"
	"regexp"
	"sort"

	"github.com/bazelbuild/buildtools/build"
	"go.starlark.net/syntax"
)

// annotation is a region of source to blank out.
type annotation struct {
	start, end         int // region removed from the output
	typeStart, typeEnd int // the type expression itself
	decl               bool
}

var (
	declLine  = regexp.MustCompile(`^[ \t]*([A-Za-z_][A-Za-z0-9_]*)[ \t]*:`)
	whileLine = regexp.MustCompile(`^[ \t]*while\b`)
)

// reserved words never start an annotated declaration.
var reserved = map[string]bool{
	"break": true, "continue": true, "def": true, "elif": true, "else": true,
	"for": true, "if": true, "lambda": true, "load": true, "pass": true,
	"return": true, "while": true,
}

// findAnnotations locates every annotation in src, in source order.
//
// The buildtools parser reads parameter, return and assignment annotations
// natively. It does not know bare declarations ("x: int") or while loops, so
// when it stops on one of those the statement is rewritten in a same-length
// copy of the source ("x= int", "if    n < 3:") and parsing starts over.
// Every byte offset in the copy is therefore valid in src.
func findAnnotations(filename string, src []byte, nonStandard bool) ([]annotation, error) {
	buf := bytes.Clone(src)
	decls := make(map[int]bool) // offsets of declaration colons
	var last *build.ParseError
	for {
		f, err := build.ParseDefault(filename, buf)
		if err == nil {
			return collect(f, src, decls), nil
		}
		var perr build.ParseError
		if !errors.As(err, &perr) {
			return nil, err
		}
		// A rewrite that did not move the error forward hit a real
		// syntax error; report the one before it.
		if last != nil && perr.Pos.Byte <= last.Pos.Byte {
			return nil, unparsable(filename, src, *last, nonStandard)
		}
		last = &perr
		if !rewrite(buf, perr.Pos, decls) {
			return nil, unparsable(filename, src, perr, nonStandard)
		}
	}
}

// rewrite turns the nearest bare declaration or while statement at or before
// pos into syntax the buildtools parser accepts, without changing its length.
func rewrite(buf []byte, pos build.Position, decls map[int]bool) bool {
	end := pos.Byte
	if end > len(buf) {
		end = len(buf)
	}
	lineEnd := end
	for lineEnd > 0 {
		lineStart := bytes.LastIndexByte(buf[:lineEnd-1], '\n') + 1
		line := buf[lineStart:lineEnd]
		if loc := whileLine.FindIndex(line); loc != nil {
			at := lineStart + loc[1] - len("while")
			copy(buf[at:], "if   ")
			return true
		}
		if m := declLine.FindSubmatchIndex(line); m != nil && !reserved[string(line[m[2]:m[3]])] {
			colon := lineStart + m[1] - 1
			buf[colon] = '='
			decls[colon] = true
			return true
		}
		lineEnd = lineStart
	}
	return false
}

// unparsable reports why src could not be read. Source that go.starlark.net
// accepts unchanged carries no annotations, so it is not an error.
func unparsable(filename string, src []byte, perr build.ParseError, nonStandard bool) error {
	_, err := FileOptions(nonStandard).Parse(filename, src, 0)
	if err == nil {
		return nil
	}
	var serr syntax.Error
	if errors.As(err, &serr) && int(serr.Pos.Line) >= perr.Pos.Line {
		return err
	}
	return syntax.Error{
		Pos: syntax.MakePosition(&filename, int32(perr.Pos.Line), int32(perr.Pos.LineRune)),
		Msg: perr.Message,
	}
}

// collect walks the parsed file and returns the annotation spans.
func collect(f *build.File, src []byte, decls map[int]bool) []annotation {
	var anns []annotation
	build.Walk(f, func(x build.Expr, _ []build.Expr) {
		switch x := x.(type) {
		case *build.TypedIdent:
			_, nameEnd := x.Ident.Span()
			typeStart, typeEnd := x.Type.Span()
			colon := bytes.IndexByte(src[nameEnd.Byte:typeStart.Byte], ':')
			if colon < 0 {
				return
			}
			anns = append(anns, annotation{
				start:     nameEnd.Byte + colon,
				end:       typeEnd.Byte,
				typeStart: typeStart.Byte,
				typeEnd:   typeEnd.Byte,
			})
		case *build.DefStmt:
			if x.Type == nil {
				return
			}
			typeStart, typeEnd := x.Type.Span()
			arrow := bytes.LastIndex(src[:typeStart.Byte], []byte("->"))
			if arrow < 0 {
				return
			}
			anns = append(anns, annotation{
				start:     arrow,
				end:       typeEnd.Byte,
				typeStart: typeStart.Byte,
				typeEnd:   typeEnd.Byte,
			})
		case *build.AssignExpr:
			if !decls[x.OpPos.Byte] {
				return
			}
			if _, ok := x.LHS.(*build.Ident); !ok {
				return
			}
			nameStart, _ := x.LHS.Span()
			typeStart, typeEnd := x.RHS.Span()
			anns = append(anns, annotation{
				start:     nameStart.Byte,
				end:       typeEnd.Byte,
				typeStart: typeStart.Byte,
				typeEnd:   typeEnd.Byte,
				decl:      true,
			})
		}
	})
	sort.Slice(anns, func(i, j int) bool { return anns[i].start < anns[j].start })
	return anns
}
