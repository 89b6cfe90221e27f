package coverage

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Reporter renders a coverage report.
type Reporter interface {
	Write(w io.Writer, report *Report) error
}

// Formats lists the report formats accepted by NewReporter.
var Formats = []string{"text", "json", "lcov", "cobertura"}

// NewReporter returns the reporter for a format name.
func NewReporter(format string) (Reporter, error) {
	switch strings.ToLower(format) {
	case "", "text":
		return &TextReporter{Verbose: true, ShowMissing: true}, nil
	case "json":
		return &JSONReporter{Pretty: true}, nil
	case "lcov":
		return &LCOVReporter{}, nil
	case "cobertura", "xml":
		return &CoberturaReporter{}, nil
	}
	return nil, fmt.Errorf("unknown coverage format %q (want one of %s)", format, strings.Join(Formats, ", "))
}

// TextReporter prints a per-file summary table.
type TextReporter struct {
	// Verbose prints one row per file.
	Verbose bool

	// ShowMissing lists uncovered line ranges under each row.
	ShowMissing bool
}

// Write implements Reporter.
func (r *TextReporter) Write(w io.Writer, report *Report) error {
	report.Compute()

	writef(w, "Coverage Report\n")
	writef(w, "===============\n\n")

	if r.Verbose {
		for _, path := range report.FilePaths() {
			fc := report.Files[path]
			total, covered := fc.BranchTotals()
			writef(w, "%-56s %6.1f%% (%d/%d lines, %d/%d branches)\n",
				truncatePath(path, 56),
				fc.Lines.Percentage(),
				fc.Lines.CoveredLines, fc.Lines.TotalLines,
				covered, total,
			)
			if r.ShowMissing {
				if missing := missingLines(fc); len(missing) > 0 {
					writef(w, "  Missing: %s\n", formatLineRanges(missing))
				}
			}
		}
		writef(w, "\n")
	}

	writef(w, "Total: %.1f%% (%d/%d lines), branches %.1f%% (%d/%d)\n",
		report.Percentage(), report.CoveredLines, report.TotalLines,
		report.BranchPercentage(), report.CoveredBranches, report.TotalBranches,
	)
	return nil
}

func missingLines(fc *FileCoverage) []int {
	var missing []int
	for _, line := range fc.Lines.Lines() {
		if fc.Lines.Hits[line] == 0 {
			missing = append(missing, line)
		}
	}
	return missing
}

// formatLineRanges collapses sorted line numbers into ranges ("1-5, 10").
func formatLineRanges(lines []int) string {
	if len(lines) == 0 {
		return ""
	}
	var parts []string
	start, end := lines[0], lines[0]
	flush := func() {
		if start == end {
			parts = append(parts, fmt.Sprintf("%d", start))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", start, end))
		}
	}
	for _, line := range lines[1:] {
		if line == end+1 {
			end = line
			continue
		}
		flush()
		start, end = line, line
	}
	flush()
	return strings.Join(parts, ", ")
}

func truncatePath(path string, maxLen int) string {
	if len(path) <= maxLen {
		return path
	}
	return "..." + path[len(path)-maxLen+3:]
}

// JSONReporter writes a machine-readable summary.
type JSONReporter struct {
	Pretty bool
}

// JSONReport is the JSON summary document.
type JSONReport struct {
	Timestamp        string        `json:"timestamp"`
	TotalLines       int           `json:"total_lines"`
	CoveredLines     int           `json:"covered_lines"`
	Percentage       float64       `json:"percentage"`
	TotalBranches    int           `json:"total_branches"`
	CoveredBranches  int           `json:"covered_branches"`
	BranchPercentage float64       `json:"branch_percentage"`
	Files            []JSONFileCov `json:"files"`
}

// JSONFileCov is one file of a JSONReport.
type JSONFileCov struct {
	Path             string   `json:"path"`
	TotalLines       int      `json:"total_lines"`
	CoveredLines     int      `json:"covered_lines"`
	Percentage       float64  `json:"percentage"`
	MissingLines     []int    `json:"missing_lines,omitempty"`
	TotalBranches    int      `json:"total_branches"`
	CoveredBranches  int      `json:"covered_branches"`
	UncalledFunction []string `json:"uncalled_functions,omitempty"`
}

// Write implements Reporter.
func (r *JSONReporter) Write(w io.Writer, report *Report) error {
	report.Compute()

	jr := JSONReport{
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
		TotalLines:       report.TotalLines,
		CoveredLines:     report.CoveredLines,
		Percentage:       report.Percentage(),
		TotalBranches:    report.TotalBranches,
		CoveredBranches:  report.CoveredBranches,
		BranchPercentage: report.BranchPercentage(),
	}

	for _, path := range report.FilePaths() {
		fc := report.Files[path]
		total, covered := fc.BranchTotals()
		jfc := JSONFileCov{
			Path:            path,
			TotalLines:      fc.Lines.TotalLines,
			CoveredLines:    fc.Lines.CoveredLines,
			Percentage:      fc.Lines.Percentage(),
			MissingLines:    missingLines(fc),
			TotalBranches:   total,
			CoveredBranches: covered,
		}
		for _, name := range functionNames(fc) {
			if fc.Functions[name].Hits == 0 {
				jfc.UncalledFunction = append(jfc.UncalledFunction, name)
			}
		}
		jr.Files = append(jr.Files, jfc)
	}

	var data []byte
	var err error
	if r.Pretty {
		data, err = json.MarshalIndent(jr, "", "  ")
	} else {
		data, err = json.Marshal(jr)
	}
	if err != nil {
		return fmt.Errorf("encoding JSON: %w", err)
	}
	_, _ = w.Write(append(data, '\n'))
	return nil
}

// functionNames returns function names ordered by start line.
func functionNames(fc *FileCoverage) []string {
	names := make([]string, 0, len(fc.Functions))
	for name := range fc.Functions {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := fc.Functions[names[i]], fc.Functions[names[j]]
		if a.StartLine != b.StartLine {
			return a.StartLine < b.StartLine
		}
		return names[i] < names[j]
	})
	return names
}

// CoberturaReporter writes Cobertura XML, which most CI systems ingest.
type CoberturaReporter struct {
	// SourceDir is recorded as the <source> root when set.
	SourceDir string
}

type coberturaCoverage struct {
	XMLName         xml.Name           `xml:"coverage"`
	LineRate        string             `xml:"line-rate,attr"`
	BranchRate      string             `xml:"branch-rate,attr"`
	Version         string             `xml:"version,attr"`
	Timestamp       int64              `xml:"timestamp,attr"`
	LinesValid      int                `xml:"lines-valid,attr"`
	LinesCovered    int                `xml:"lines-covered,attr"`
	BranchesValid   int                `xml:"branches-valid,attr"`
	BranchesCovered int                `xml:"branches-covered,attr"`
	Sources         []string           `xml:"sources>source"`
	Packages        []coberturaPackage `xml:"packages>package"`
}

type coberturaPackage struct {
	Name       string           `xml:"name,attr"`
	LineRate   string           `xml:"line-rate,attr"`
	BranchRate string           `xml:"branch-rate,attr"`
	Classes    []coberturaClass `xml:"classes>class"`
}

type coberturaClass struct {
	Name       string          `xml:"name,attr"`
	Filename   string          `xml:"filename,attr"`
	LineRate   string          `xml:"line-rate,attr"`
	BranchRate string          `xml:"branch-rate,attr"`
	Lines      []coberturaLine `xml:"lines>line"`
}

type coberturaLine struct {
	Number            int    `xml:"number,attr"`
	Hits              int    `xml:"hits,attr"`
	Branch            bool   `xml:"branch,attr"`
	ConditionCoverage string `xml:"condition-coverage,attr,omitempty"`
}

func rate(covered, total int) string {
	if total == 0 {
		return "1.0"
	}
	return fmt.Sprintf("%.4f", float64(covered)/float64(total))
}

// Write implements Reporter.
func (r *CoberturaReporter) Write(w io.Writer, report *Report) error {
	report.Compute()

	cov := coberturaCoverage{
		LineRate:        rate(report.CoveredLines, report.TotalLines),
		BranchRate:      rate(report.CoveredBranches, report.TotalBranches),
		Version:         "1.0",
		Timestamp:       time.Now().Unix(),
		LinesValid:      report.TotalLines,
		LinesCovered:    report.CoveredLines,
		BranchesValid:   report.TotalBranches,
		BranchesCovered: report.CoveredBranches,
	}
	if r.SourceDir != "" {
		cov.Sources = []string{r.SourceDir}
	}

	var dirs []string
	byDir := make(map[string][]string)
	for _, path := range report.FilePaths() {
		dir := filepath.Dir(path)
		if _, ok := byDir[dir]; !ok {
			dirs = append(dirs, dir)
		}
		byDir[dir] = append(byDir[dir], path)
	}

	for _, dir := range dirs {
		pkg := coberturaPackage{Name: dir}
		var lines, linesHit, branches, branchesHit int
		for _, path := range byDir[dir] {
			fc := report.Files[path]
			bt, bc := fc.BranchTotals()
			lines += fc.Lines.TotalLines
			linesHit += fc.Lines.CoveredLines
			branches += bt
			branchesHit += bc

			perLine := make(map[int][2]int)
			for _, b := range fc.Branches {
				v := perLine[b.Line]
				v[0] += 2
				v[1] += b.Covered()
				perLine[b.Line] = v
			}

			class := coberturaClass{
				Name:       filepath.Base(path),
				Filename:   path,
				LineRate:   rate(fc.Lines.CoveredLines, fc.Lines.TotalLines),
				BranchRate: rate(bc, bt),
			}
			for _, line := range fc.Lines.Lines() {
				cl := coberturaLine{Number: line, Hits: fc.Lines.Hits[line]}
				if v, ok := perLine[line]; ok {
					cl.Branch = true
					cl.ConditionCoverage = fmt.Sprintf("%d%% (%d/%d)", v[1]*100/v[0], v[1], v[0])
				}
				class.Lines = append(class.Lines, cl)
			}
			pkg.Classes = append(pkg.Classes, class)
		}
		pkg.LineRate = rate(linesHit, lines)
		pkg.BranchRate = rate(branchesHit, branches)
		cov.Packages = append(cov.Packages, pkg)
	}

	_, _ = io.WriteString(w, xml.Header)
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(cov); err != nil {
		return fmt.Errorf("encoding Cobertura XML: %w", err)
	}
	_, _ = io.WriteString(w, "\n")
	return nil
}

// LCOVReporter writes an LCOV tracefile for genhtml and editor plugins.
type LCOVReporter struct{}

// Write implements Reporter.
func (r *LCOVReporter) Write(w io.Writer, report *Report) error {
	report.Compute()

	for _, path := range report.FilePaths() {
		fc := report.Files[path]
		writef(w, "TN:\nSF:%s\n", path)

		names := functionNames(fc)
		hit := 0
		for _, name := range names {
			writef(w, "FN:%d,%s\n", fc.Functions[name].StartLine, name)
		}
		for _, name := range names {
			fn := fc.Functions[name]
			writef(w, "FNDA:%d,%s\n", fn.Hits, name)
			if fn.Hits > 0 {
				hit++
			}
		}
		writef(w, "FNF:%d\nFNH:%d\n", len(names), hit)

		for id, b := range fc.Branches {
			writef(w, "BRDA:%d,%d,0,%s\n", b.Line, id, lcovCount(b.Taken, b.Taken+b.NotTaken))
			writef(w, "BRDA:%d,%d,1,%s\n", b.Line, id, lcovCount(b.NotTaken, b.Taken+b.NotTaken))
		}
		total, covered := fc.BranchTotals()
		writef(w, "BRF:%d\nBRH:%d\n", total, covered)

		for _, line := range fc.Lines.Lines() {
			writef(w, "DA:%d,%d\n", line, fc.Lines.Hits[line])
		}
		writef(w, "LF:%d\nLH:%d\n", fc.Lines.TotalLines, fc.Lines.CoveredLines)
		writef(w, "end_of_record\n")
	}
	return nil
}

// lcovCount renders a BRDA count; "-" means the condition never ran.
func lcovCount(n, evaluated int) string {
	if evaluated == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", n)
}

func writef(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
