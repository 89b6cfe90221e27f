package tester

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"
)

// Reporter formats test results for output.
type Reporter interface {
	// ReportFile reports results for a single file.
	ReportFile(w io.Writer, result *FileResult)

	// ReportSummary reports the final summary.
	ReportSummary(w io.Writer, result *RunResult)
}

const (
	ansiReset = "\x1b[0m"
	ansiRed   = "\x1b[31m"
	ansiGreen = "\x1b[32m"
	ansiDim   = "\x1b[2m"
)

// IsTerminal reports whether w is a terminal, which is when TextReporter
// should color its output.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// TextReporter outputs results in human-readable text format.
type TextReporter struct {
	// Verbose prints captured output of every test, not just failures.
	Verbose bool

	ShowDuration bool

	// Color wraps statuses in ANSI colors.
	Color bool
}

func (r *TextReporter) paint(color, s string) string {
	if !r.Color {
		return s
	}
	return color + s + ansiReset
}

// ReportFile implements Reporter.
func (r *TextReporter) ReportFile(w io.Writer, result *FileResult) {
	if result.LoadError != nil {
		_, _ = fmt.Fprintf(w, "%s  %s\n", r.paint(ansiRed, "ERROR"), result.File)
		writeIndented(w, "      ", result.LoadError.Error())
		return
	}

	for _, t := range result.Tests {
		status := r.paint(ansiGreen, "PASS")
		if !t.Passed {
			status = r.paint(ansiRed, "FAIL")
		}

		if r.ShowDuration {
			_, _ = fmt.Fprintf(w, "%s  %s::%s %s\n", status, result.File, t.Name,
				r.paint(ansiDim, "("+t.Duration.Round(time.Millisecond).String()+")"))
		} else {
			_, _ = fmt.Fprintf(w, "%s  %s::%s\n", status, result.File, t.Name)
		}

		if !t.Passed && t.Error != nil {
			writeIndented(w, "      ", t.Error.Error())
		}
		if t.Output != "" && (r.Verbose || !t.Passed) {
			_, _ = fmt.Fprintf(w, "      Output:\n")
			writeIndented(w, "        ", strings.TrimRight(t.Output, "\n"))
		}
	}
}

func writeIndented(w io.Writer, indent, text string) {
	for _, line := range strings.Split(text, "\n") {
		_, _ = fmt.Fprintf(w, "%s%s\n", indent, line)
	}
}

// ReportSummary implements Reporter.
func (r *TextReporter) ReportSummary(w io.Writer, result *RunResult) {
	passed, failed, files := result.Summary()

	_, _ = fmt.Fprintln(w)
	counts := fmt.Sprintf("%d passed, %d failed", passed, failed)
	if failed > 0 {
		counts = r.paint(ansiRed, counts)
	} else {
		counts = r.paint(ansiGreen, counts)
	}
	_, _ = fmt.Fprintf(w, "Results: %s, %d total in %d file(s)\n", counts, passed+failed, files)

	if r.ShowDuration {
		_, _ = fmt.Fprintf(w, "Duration: %s\n", result.Duration.Round(time.Millisecond))
	}
}

// JUnitReporter outputs results in JUnit XML format.
type JUnitReporter struct{}

type junitTestSuites struct {
	XMLName xml.Name         `xml:"testsuites"`
	Suites  []junitTestSuite `xml:"testsuite"`
	Tests   int              `xml:"tests,attr"`
	Fails   int              `xml:"failures,attr"`
	Errors  int              `xml:"errors,attr"`
	Time    float64          `xml:"time,attr"`
}

type junitTestSuite struct {
	Name      string          `xml:"name,attr"`
	Tests     int             `xml:"tests,attr"`
	Failures  int             `xml:"failures,attr"`
	Errors    int             `xml:"errors,attr"`
	Time      float64         `xml:"time,attr"`
	TestCases []junitTestCase `xml:"testcase"`
}

type junitTestCase struct {
	Name      string        `xml:"name,attr"`
	ClassName string        `xml:"classname,attr"`
	Time      float64       `xml:"time,attr"`
	Failure   *junitProblem `xml:"failure,omitempty"`
	Error     *junitProblem `xml:"error,omitempty"`
	SystemOut string        `xml:"system-out,omitempty"`
}

type junitProblem struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
	Content string `xml:",chardata"`
}

// ReportFile implements Reporter. JUnit writes everything in the summary.
func (r *JUnitReporter) ReportFile(io.Writer, *FileResult) {}

// ReportSummary implements Reporter.
func (r *JUnitReporter) ReportSummary(w io.Writer, result *RunResult) {
	suites := junitTestSuites{Time: result.Duration.Seconds()}

	for _, fr := range result.Files {
		suite := junitTestSuite{
			Name:  fr.File,
			Tests: len(fr.Tests),
			Time:  fr.Duration.Seconds(),
		}

		if fr.LoadError != nil {
			suite.Errors++
			suite.TestCases = append(suite.TestCases, junitTestCase{
				Name:      "load",
				ClassName: fr.File,
				Error: &junitProblem{
					Message: fr.LoadError.Error(),
					Type:    "LoadError",
					Content: fr.LoadError.Error(),
				},
			})
		}

		for _, t := range fr.Tests {
			tc := junitTestCase{
				Name:      t.Name,
				ClassName: fr.File,
				Time:      t.Duration.Seconds(),
				SystemOut: t.Output,
			}
			if !t.Passed && t.Error != nil {
				suite.Failures++
				tc.Failure = &junitProblem{
					Message: firstLine(t.Error.Error()),
					Type:    "AssertionError",
					Content: t.Error.Error(),
				}
			}
			suite.TestCases = append(suite.TestCases, tc)
		}

		suites.Suites = append(suites.Suites, suite)
		suites.Tests += suite.Tests
		suites.Fails += suite.Failures
		suites.Errors += suite.Errors
	}

	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	_, _ = fmt.Fprint(w, xml.Header)
	_ = enc.Encode(suites)
	_, _ = fmt.Fprintln(w)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

// JSONReporter outputs results as one JSON document.
type JSONReporter struct{}

type jsonTest struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Duration int64  `json:"duration_ms"`
	Error    string `json:"error,omitempty"`
	Output   string `json:"output,omitempty"`
}

type jsonFile struct {
	File      string     `json:"file"`
	LoadError string     `json:"load_error,omitempty"`
	Duration  int64      `json:"duration_ms"`
	Tests     []jsonTest `json:"tests"`
}

type jsonRun struct {
	Passed   int        `json:"passed"`
	Failed   int        `json:"failed"`
	Total    int        `json:"total"`
	Files    int        `json:"files"`
	Duration int64      `json:"duration_ms"`
	Results  []jsonFile `json:"results"`
}

// ReportFile implements Reporter. JSON writes everything in the summary.
func (r *JSONReporter) ReportFile(io.Writer, *FileResult) {}

// ReportSummary implements Reporter.
func (r *JSONReporter) ReportSummary(w io.Writer, result *RunResult) {
	passed, failed, files := result.Summary()
	out := jsonRun{
		Passed:   passed,
		Failed:   failed,
		Total:    passed + failed,
		Files:    files,
		Duration: result.Duration.Milliseconds(),
		Results:  []jsonFile{},
	}

	for _, fr := range result.Files {
		jf := jsonFile{
			File:     fr.File,
			Duration: fr.Duration.Milliseconds(),
			Tests:    []jsonTest{},
		}
		if fr.LoadError != nil {
			jf.LoadError = fr.LoadError.Error()
		}
		for _, t := range fr.Tests {
			jt := jsonTest{
				Name:     t.Name,
				Passed:   t.Passed,
				Duration: t.Duration.Milliseconds(),
				Output:   t.Output,
			}
			if t.Error != nil {
				jt.Error = t.Error.Error()
			}
			jf.Tests = append(jf.Tests, jt)
		}
		out.Results = append(out.Results, jf)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}
