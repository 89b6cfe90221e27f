// Package coverage holds the coverage accumulator that instrumented Starlark
// modules report into, and the report formats built from it.
//
// The accumulator is keyed by file path. Instrumentation registers a file's
// map of statements, branches and functions once, before the file runs; the
// instrumented code then bumps counters by ID as it executes. Files that were
// never instrumented never appear.
package coverage

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownFile is returned when a counter is bumped for a file that was
// never registered with the accumulator.
var ErrUnknownFile = errors.New("coverage: file not registered")

// LineCoverage tracks execution counts for lines in a file.
type LineCoverage struct {
	// Hits maps line numbers (1-based) to execution counts.
	// A line with a zero count is executable but was never run.
	Hits map[int]int

	TotalLines   int
	CoveredLines int
}

// NewLineCoverage creates a new LineCoverage instance.
func NewLineCoverage() *LineCoverage {
	return &LineCoverage{
		Hits: make(map[int]int),
	}
}

// RecordHit records an execution of the given line.
func (lc *LineCoverage) RecordHit(line int) {
	lc.Hits[line]++
}

// Compute calculates TotalLines and CoveredLines from Hits.
func (lc *LineCoverage) Compute() {
	lc.TotalLines = len(lc.Hits)
	lc.CoveredLines = 0
	for _, count := range lc.Hits {
		if count > 0 {
			lc.CoveredLines++
		}
	}
}

// Percentage returns the coverage percentage (0-100).
func (lc *LineCoverage) Percentage() float64 {
	if lc.TotalLines == 0 {
		return 100.0
	}
	return float64(lc.CoveredLines) / float64(lc.TotalLines) * 100.0
}

// Lines returns sorted list of all line numbers.
func (lc *LineCoverage) Lines() []int {
	lines := make([]int, 0, len(lc.Hits))
	for line := range lc.Hits {
		lines = append(lines, line)
	}
	sort.Ints(lines)
	return lines
}

// BranchCoverage counts both outcomes of one two-way decision
// (an if/elif/while condition or a conditional expression).
type BranchCoverage struct {
	Line     int
	Taken    int
	NotTaken int
}

// Covered returns how many of the two outcomes were observed.
func (bc *BranchCoverage) Covered() int {
	n := 0
	if bc.Taken > 0 {
		n++
	}
	if bc.NotTaken > 0 {
		n++
	}
	return n
}

// FunctionCoverage contains coverage data for a single function.
type FunctionCoverage struct {
	Name      string
	StartLine int
	EndLine   int
	Hits      int
}

// FileCoverage contains coverage data for a single file.
type FileCoverage struct {
	Path string

	Lines *LineCoverage

	// Statements holds per-statement hit counts indexed by statement ID.
	Statements []int

	// Branches is indexed by branch ID.
	Branches []*BranchCoverage

	// Functions is keyed by function name.
	Functions map[string]*FunctionCoverage

	fileMap     FileMap
	functionIDs []*FunctionCoverage
}

// NewFileCoverage creates a new FileCoverage for the given path.
func NewFileCoverage(path string) *FileCoverage {
	return &FileCoverage{
		Path:      path,
		Lines:     NewLineCoverage(),
		Functions: make(map[string]*FunctionCoverage),
	}
}

// BranchTotals returns the number of branch outcomes and how many were covered.
func (fc *FileCoverage) BranchTotals() (total, covered int) {
	for _, b := range fc.Branches {
		total += 2
		covered += b.Covered()
	}
	return total, covered
}

// FileMap describes the instrumented points of one file. IDs are slice indexes.
type FileMap struct {
	// Statements maps statement ID to its line.
	Statements []int
	// Branches maps branch ID to its line.
	Branches []int
	// Functions maps function ID to its name and line.
	Functions []FunctionInfo
}

// FunctionInfo names one instrumented function.
type FunctionInfo struct {
	Name string
	Line int
}

func (m FileMap) equal(o FileMap) bool {
	if len(m.Statements) != len(o.Statements) || len(m.Branches) != len(o.Branches) || len(m.Functions) != len(o.Functions) {
		return false
	}
	for i := range m.Statements {
		if m.Statements[i] != o.Statements[i] {
			return false
		}
	}
	for i := range m.Branches {
		if m.Branches[i] != o.Branches[i] {
			return false
		}
	}
	for i := range m.Functions {
		if m.Functions[i] != o.Functions[i] {
			return false
		}
	}
	return true
}

// Report contains aggregated coverage data for multiple files.
type Report struct {
	mu sync.RWMutex

	Files map[string]*FileCoverage

	TotalLines      int
	CoveredLines    int
	TotalBranches   int
	CoveredBranches int
}

// NewReport creates a new empty coverage report.
func NewReport() *Report {
	return &Report{
		Files: make(map[string]*FileCoverage),
	}
}

// AddFile adds or returns existing file coverage.
func (r *Report) AddFile(path string) *FileCoverage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addFileLocked(path)
}

func (r *Report) addFileLocked(path string) *FileCoverage {
	if fc, ok := r.Files[path]; ok {
		return fc
	}
	fc := NewFileCoverage(path)
	r.Files[path] = fc
	return fc
}

// GetFile returns file coverage or nil if not found.
func (r *Report) GetFile(path string) *FileCoverage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.Files[path]
}

// Compute calculates aggregate statistics.
func (r *Report) Compute() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.TotalLines, r.CoveredLines = 0, 0
	r.TotalBranches, r.CoveredBranches = 0, 0
	for _, fc := range r.Files {
		fc.Lines.Compute()
		r.TotalLines += fc.Lines.TotalLines
		r.CoveredLines += fc.Lines.CoveredLines
		total, covered := fc.BranchTotals()
		r.TotalBranches += total
		r.CoveredBranches += covered
	}
}

// Percentage returns the overall line coverage percentage.
func (r *Report) Percentage() float64 {
	if r.TotalLines == 0 {
		return 100.0
	}
	return float64(r.CoveredLines) / float64(r.TotalLines) * 100.0
}

// BranchPercentage returns the overall branch coverage percentage.
func (r *Report) BranchPercentage() float64 {
	if r.TotalBranches == 0 {
		return 100.0
	}
	return float64(r.CoveredBranches) / float64(r.TotalBranches) * 100.0
}

// FilePaths returns sorted list of all file paths.
func (r *Report) FilePaths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	paths := make([]string, 0, len(r.Files))
	for path := range r.Files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Merge combines another report into this one.
func (r *Report) Merge(other *Report) {
	r.mu.Lock()
	defer r.mu.Unlock()

	other.mu.RLock()
	defer other.mu.RUnlock()

	for path, otherFC := range other.Files {
		fc := r.addFileLocked(path)

		for line, count := range otherFC.Lines.Hits {
			fc.Lines.Hits[line] += count
		}

		fc.Branches = mergeBranches(fc.Branches, otherFC.Branches)

		for name, otherFn := range otherFC.Functions {
			if fn, ok := fc.Functions[name]; ok {
				fn.Hits += otherFn.Hits
				continue
			}
			fc.Functions[name] = &FunctionCoverage{
				Name:      otherFn.Name,
				StartLine: otherFn.StartLine,
				EndLine:   otherFn.EndLine,
				Hits:      otherFn.Hits,
			}
		}
	}
}

// branchKey identifies a branch across runs: its line, and its position
// among the branches on that line.
type branchKey struct{ line, nth int }

// mergeBranches adds the counts of src into dst. Branches are matched by
// branchKey rather than by ID, so a file whose branch list changed between
// runs never counts one branch twice.
func mergeBranches(dst, src []*BranchCoverage) []*BranchCoverage {
	index := make(map[branchKey]*BranchCoverage, len(dst))
	nth := make(map[int]int)
	for _, b := range dst {
		index[branchKey{b.Line, nth[b.Line]}] = b
		nth[b.Line]++
	}

	added := false
	nth = make(map[int]int)
	for _, ob := range src {
		k := branchKey{ob.Line, nth[ob.Line]}
		nth[ob.Line]++
		if b, ok := index[k]; ok {
			b.Taken += ob.Taken
			b.NotTaken += ob.NotTaken
			continue
		}
		nb := &BranchCoverage{Line: ob.Line, Taken: ob.Taken, NotTaken: ob.NotTaken}
		index[k] = nb
		dst = append(dst, nb)
		added = true
	}
	if added {
		sort.SliceStable(dst, func(i, j int) bool { return dst[i].Line < dst[j].Line })
	}
	return dst
}

// Accumulator is the shared sink instrumented code reports into.
// It is safe for concurrent use.
type Accumulator struct {
	mu     sync.Mutex
	report *Report
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{report: NewReport()}
}

// Register declares the instrumented points of a file. Every statement line
// enters the line table with a zero count so unexecuted code is reported.
//
// Registering the same map again keeps the counts gathered so far; a
// different map (the file changed) starts the file over.
func (a *Accumulator) Register(path string, m FileMap) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if fc, ok := a.report.Files[path]; ok && fc.fileMap.equal(m) {
		return
	}

	fc := NewFileCoverage(path)
	fc.fileMap = m
	fc.Statements = make([]int, len(m.Statements))
	for _, line := range m.Statements {
		fc.Lines.Hits[line] += 0
	}
	for _, line := range m.Branches {
		fc.Branches = append(fc.Branches, &BranchCoverage{Line: line})
	}
	for _, fn := range m.Functions {
		name := fn.Name
		if _, dup := fc.Functions[name]; dup {
			name = fmt.Sprintf("%s:%d", fn.Name, fn.Line)
		}
		cov := &FunctionCoverage{Name: name, StartLine: fn.Line}
		fc.Functions[name] = cov
		fc.functionIDs = append(fc.functionIDs, cov)
	}

	a.report.mu.Lock()
	a.report.Files[path] = fc
	a.report.mu.Unlock()
}

// Has reports whether path was registered.
func (a *Accumulator) Has(path string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.report.Files[path]
	return ok
}

func (a *Accumulator) file(path string) (*FileCoverage, error) {
	fc, ok := a.report.Files[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFile, path)
	}
	return fc, nil
}

// HitStatement records one execution of statement id in path.
func (a *Accumulator) HitStatement(path string, id int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	fc, err := a.file(path)
	if err != nil {
		return err
	}
	if id < 0 || id >= len(fc.Statements) {
		return fmt.Errorf("coverage: %s: statement %d out of range", path, id)
	}
	fc.Statements[id]++
	fc.Lines.RecordHit(fc.fileMap.Statements[id])
	return nil
}

// HitBranch records one evaluation of branch id in path.
func (a *Accumulator) HitBranch(path string, id int, taken bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	fc, err := a.file(path)
	if err != nil {
		return err
	}
	if id < 0 || id >= len(fc.Branches) {
		return fmt.Errorf("coverage: %s: branch %d out of range", path, id)
	}
	if taken {
		fc.Branches[id].Taken++
	} else {
		fc.Branches[id].NotTaken++
	}
	return nil
}

// HitFunction records one call of function id in path.
func (a *Accumulator) HitFunction(path string, id int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	fc, err := a.file(path)
	if err != nil {
		return err
	}
	if id < 0 || id >= len(fc.functionIDs) {
		return fmt.Errorf("coverage: %s: function %d out of range", path, id)
	}
	fc.functionIDs[id].Hits++
	return nil
}

// Report returns the accumulated data with statistics computed.
func (a *Accumulator) Report() *Report {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.report.Compute()
	return a.report
}
