// Package instrument rewrites Starlark source so that executing it records
// statement, branch and function coverage into a coverage.Accumulator.
//
// Every insertion is made on the line of the code it counts, so the
// instrumented text has the same number of lines as its input and runtime
// errors keep their original line numbers.
package instrument

import (
	"bytes"
	"fmt"
	"sort"
	"unicode/utf8"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/albertocavalcante/skykit/internal/starlark/coverage"
	"github.com/albertocavalcante/skykit/internal/starlark/transform"
)

// Instrumenter adds coverage counters to source text. One Instrumenter may be
// shared by several loaders; the accumulator it reports into is safe for
// concurrent use.
type Instrumenter struct {
	acc    *coverage.Accumulator
	module *starlarkstruct.Module
}

// New returns an Instrumenter that registers files with acc.
func New(acc *coverage.Accumulator) *Instrumenter {
	return &Instrumenter{acc: acc, module: newCounterModule(acc)}
}

// Accumulator returns the accumulator counters report into.
func (in *Instrumenter) Accumulator() *coverage.Accumulator { return in.acc }

// Instrument parses src and returns it with coverage counters inserted. The
// file's coverage map is registered under filename before returning, so the
// counters are valid as soon as the result is executed. A parse failure is
// returned as the parser's syntax.Error.
func (in *Instrumenter) Instrument(src []byte, filename string) ([]byte, error) {
	f, err := transform.FileOptions(true).Parse(filename, src, 0)
	if err != nil {
		return nil, err
	}

	r := &rewriter{
		src:   src,
		lines: lineOffsets(src),
		path:  starlark.String(filename).String(),
	}
	r.stmts(f.Stmts, -1)

	in.acc.Register(filename, r.fileMap)
	return r.apply(), nil
}

type edit struct {
	offset  int
	text    string
	closing bool
	seq     int
}

type rewriter struct {
	src     []byte
	lines   []int
	path    string
	fileMap coverage.FileMap
	edits   []edit
	seq     int
}

func (r *rewriter) statement(pos syntax.Position) int {
	r.fileMap.Statements = append(r.fileMap.Statements, int(pos.Line))
	return len(r.fileMap.Statements) - 1
}

func (r *rewriter) branch(pos syntax.Position) int {
	r.fileMap.Branches = append(r.fileMap.Branches, int(pos.Line))
	return len(r.fileMap.Branches) - 1
}

func (r *rewriter) function(name string, pos syntax.Position) int {
	r.fileMap.Functions = append(r.fileMap.Functions, coverage.FunctionInfo{Name: name, Line: int(pos.Line)})
	return len(r.fileMap.Functions) - 1
}

// call renders the opening of a counter call: __skycov__.kind(path, id, .
func (r *rewriter) call(kind string, id int) string {
	return fmt.Sprintf("%s.%s(%s, %d, ", CounterModule, kind, r.path, id)
}

// prefix inserts text immediately before pos.
func (r *rewriter) prefix(pos syntax.Position, text string) {
	r.edits = append(r.edits, edit{offset: r.offset(pos), text: text, seq: r.seq})
	r.seq++
}

// wrap surrounds e with open and close. The expression is always
// parenthesized so that bare tuples stay a single argument.
func (r *rewriter) wrap(e syntax.Expr, open, close string) {
	start, _ := e.Span()
	r.edits = append(r.edits,
		edit{offset: r.offset(start), text: open + "(", seq: r.seq},
		edit{offset: r.end(e), text: ")" + close, closing: true, seq: r.seq},
	)
	r.seq++
}

// stmts instruments a statement list. entry, when non-negative, is the ID of
// the function whose body this is; it is counted on the first statement that
// executes.
func (r *rewriter) stmts(list []syntax.Stmt, entry int) {
	if entry >= 0 && onlyDefs(list) {
		r.enterOnDefine(list[0].(*syntax.DefStmt), entry)
		entry = -1
	}
	for _, s := range list {
		if _, isDef := s.(*syntax.DefStmt); !isDef && entry >= 0 {
			r.stmt(s, entry)
			entry = -1
			continue
		}
		r.stmt(s, -1)
	}
}

func onlyDefs(list []syntax.Stmt) bool {
	for _, s := range list {
		if _, ok := s.(*syntax.DefStmt); !ok {
			return false
		}
	}
	return len(list) > 0
}

// entryParam is the keyword-only parameter enterOnDefine adds to carry a
// function entry counter.
const entryParam = "__skycov_entry__"

// enterOnDefine counts entry when d is defined. Executing a def evaluates its
// default values, so the counter wraps the first default; a def without one
// gets a keyword-only parameter whose default is the counter.
func (r *rewriter) enterOnDefine(d *syntax.DefStmt, entry int) {
	hasStar := false
	var kwargs *syntax.UnaryExpr
	for _, p := range d.Params {
		switch p := p.(type) {
		case *syntax.BinaryExpr:
			if p.Op == syntax.EQ {
				r.wrap(p.Y, r.call("f", entry), ")")
				return
			}
		case *syntax.UnaryExpr:
			if p.Op == syntax.STAR {
				hasStar = true
			} else if p.Op == syntax.STARSTAR {
				kwargs = p
			}
		}
	}

	param := fmt.Sprintf("%s=%s.f(%s, %d)", entryParam, CounterModule, r.path, entry)
	if !hasStar {
		param = "*, " + param
	}
	if kwargs != nil {
		r.prefix(kwargs.OpPos, param+", ")
		return
	}
	at := r.offset(d.Rparen)
	before := bytes.TrimRight(r.src[:at], " \t\r\n")
	if n := len(before); n > 0 && before[n-1] != '(' && before[n-1] != ',' {
		param = ", " + param
	}
	r.prefix(d.Rparen, param)
}

func (r *rewriter) stmt(s syntax.Stmt, entry int) {
	enter, leave := "", ""
	if entry >= 0 {
		enter, leave = r.call("f", entry), ")"
	}

	switch s := s.(type) {
	case *syntax.LoadStmt:
		// load must stay a plain statement.

	case *syntax.DefStmt:
		for _, p := range s.Params {
			r.expr(p)
		}
		id := r.function(s.Name.Name, s.Def)
		r.stmts(s.Body, id)

	case *syntax.IfStmt:
		id := r.statement(s.If)
		b := r.branch(s.If)
		r.wrap(s.Cond, enter+r.call("s", id)+r.call("b", b), "))"+leave)
		r.expr(s.Cond)
		r.stmts(s.True, -1)
		r.stmts(s.False, -1)

	case *syntax.WhileStmt:
		id := r.statement(s.While)
		b := r.branch(s.While)
		r.wrap(s.Cond, enter+r.call("s", id)+r.call("b", b), "))"+leave)
		r.expr(s.Cond)
		r.stmts(s.Body, -1)

	case *syntax.ForStmt:
		id := r.statement(s.For)
		r.wrap(s.X, enter+r.call("s", id), ")"+leave)
		r.expr(s.X)
		r.stmts(s.Body, -1)

	default:
		start, _ := s.Span()
		id := r.statement(start)
		text := fmt.Sprintf("%s.s(%s, %d); ", CounterModule, r.path, id)
		if entry >= 0 {
			text = fmt.Sprintf("%s.f(%s, %d); ", CounterModule, r.path, entry) + text
		}
		r.prefix(start, text)
		syntax.Walk(s, r.visit)
	}
}

func (r *rewriter) expr(e syntax.Expr) {
	syntax.Walk(e, r.visit)
}

// visit counts the branches and lambdas nested inside an expression.
func (r *rewriter) visit(n syntax.Node) bool {
	switch n := n.(type) {
	case *syntax.CondExpr:
		start, _ := n.Cond.Span()
		r.wrap(n.Cond, r.call("b", r.branch(start)), ")")
	case *syntax.IfClause:
		start, _ := n.Cond.Span()
		r.wrap(n.Cond, r.call("b", r.branch(start)), ")")
	case *syntax.LambdaExpr:
		for _, p := range n.Params {
			syntax.Walk(p, r.visit)
		}
		r.wrap(n.Body, r.call("f", r.function("lambda", n.Lambda)), ")")
		syntax.Walk(n.Body, r.visit)
		return false
	}
	return true
}

// apply returns src with all edits inserted. At a shared offset, closings
// come before openings, inner closings before outer ones, and outer openings
// before inner ones.
func (r *rewriter) apply() []byte {
	sort.SliceStable(r.edits, func(i, j int) bool {
		a, b := r.edits[i], r.edits[j]
		if a.offset != b.offset {
			return a.offset < b.offset
		}
		if a.closing != b.closing {
			return a.closing
		}
		if a.closing {
			return a.seq > b.seq
		}
		return a.seq < b.seq
	})

	var buf bytes.Buffer
	prev := 0
	for _, e := range r.edits {
		buf.Write(r.src[prev:e.offset])
		buf.WriteString(e.text)
		prev = e.offset
	}
	buf.Write(r.src[prev:])
	return buf.Bytes()
}

// lineOffsets returns the byte offset at which each line starts.
func lineOffsets(src []byte) []int {
	offsets := []int{0}
	for i, c := range src {
		if c == '\n' {
			offsets = append(offsets, i+1)
		}
	}
	return offsets
}

// offset converts a parser position (1-based line, 1-based rune column) into a
// byte offset in src.
func (r *rewriter) offset(pos syntax.Position) int {
	off := r.lines[pos.Line-1]
	for col := int32(1); col < pos.Col && off < len(r.src); col++ {
		_, size := utf8.DecodeRune(r.src[off:])
		off += size
	}
	return off
}

// end returns the byte offset just past e. Some node spans stop at their
// closing bracket rather than after it, so ends are derived here.
func (r *rewriter) end(e syntax.Expr) int {
	switch e := e.(type) {
	case *syntax.Ident:
		return r.offset(e.NamePos) + len(e.Name)
	case *syntax.Literal:
		return r.offset(e.TokenPos) + len(e.Raw)
	case *syntax.ParenExpr:
		return r.offset(e.Rparen) + 1
	case *syntax.CallExpr:
		return r.offset(e.Rparen) + 1
	case *syntax.ListExpr:
		return r.offset(e.Rbrack) + 1
	case *syntax.Comprehension:
		return r.offset(e.Rbrack) + 1
	case *syntax.DictExpr:
		return r.offset(e.Rbrace) + 1
	case *syntax.IndexExpr:
		return r.offset(e.Rbrack) + 1
	case *syntax.SliceExpr:
		return r.offset(e.Rbrack) + 1
	case *syntax.TupleExpr:
		if e.Lparen.IsValid() {
			return r.offset(e.Rparen) + 1
		}
		return r.end(e.List[len(e.List)-1])
	case *syntax.DotExpr:
		return r.end(e.Name)
	case *syntax.UnaryExpr:
		if e.X == nil {
			return r.offset(e.OpPos) + 1
		}
		return r.end(e.X)
	case *syntax.BinaryExpr:
		return r.end(e.Y)
	case *syntax.CondExpr:
		return r.end(e.False)
	case *syntax.LambdaExpr:
		return r.end(e.Body)
	case *syntax.DictEntry:
		return r.end(e.Value)
	}
	_, end := e.Span()
	return r.offset(end)
}
