package tester

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultTestPatterns match plain and typed test files.
var DefaultTestPatterns = []string{
	"*_test.star",
	"test_*.star",
	"*_test.tstar",
	"test_*.tstar",
}

// skipDirs are never descended into during recursive discovery.
var skipDirs = map[string]bool{
	".git":          true,
	"node_modules":  true,
	"__snapshots__": true,
}

// DiscoverFiles finds test files matching the given patterns in a directory.
// If patterns is empty, uses DefaultTestPatterns.
// If recursive is true, searches subdirectories as well.
func DiscoverFiles(dir string, patterns []string, recursive bool) ([]string, error) {
	if len(patterns) == 0 {
		patterns = DefaultTestPatterns
	}

	var files []string
	seen := make(map[string]bool)

	walkFn := func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if path != dir && (!recursive || skipDirs[d.Name()]) {
				return filepath.SkipDir
			}
			return nil
		}

		// Check if file matches any pattern
		base := filepath.Base(path)
		for _, pattern := range patterns {
			matched, err := filepath.Match(pattern, base)
			if err != nil {
				return err
			}
			if matched && !seen[path] {
				files = append(files, path)
				seen[path] = true
				break
			}
		}

		return nil
	}

	if err := filepath.WalkDir(dir, walkFn); err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

// IsTestFile checks if a filename matches test file patterns.
func IsTestFile(filename string, patterns []string) bool {
	if len(patterns) == 0 {
		patterns = DefaultTestPatterns
	}

	base := filepath.Base(filename)
	for _, pattern := range patterns {
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
	}
	return false
}

// ClassifyPath determines how to process a path argument.
// Returns:
//   - "file" if path is a single file
//   - "dir" if path is a directory
//   - "glob" if path contains glob characters
func ClassifyPath(path string) string {
	// Check for glob characters
	if strings.ContainsAny(path, "*?[") {
		return "glob"
	}

	info, err := os.Stat(path)
	if err != nil {
		// Assume it's a file pattern that doesn't exist yet
		return "file"
	}

	if info.IsDir() {
		return "dir"
	}
	return "file"
}

// ExpandPaths expands a list of paths into test files.
// Handles files, directories, and glob patterns.
func ExpandPaths(paths []string, patterns []string, recursive bool) ([]string, error) {
	if len(patterns) == 0 {
		patterns = DefaultTestPatterns
	}

	var result []string
	seen := make(map[string]bool)

	for _, path := range paths {
		switch ClassifyPath(path) {
		case "glob":
			matches, err := filepath.Glob(path)
			if err != nil {
				return nil, err
			}
			for _, m := range matches {
				if !seen[m] {
					result = append(result, m)
					seen[m] = true
				}
			}

		case "dir":
			files, err := DiscoverFiles(path, patterns, recursive)
			if err != nil {
				return nil, err
			}
			for _, f := range files {
				if !seen[f] {
					result = append(result, f)
					seen[f] = true
				}
			}

		default: // file
			if !seen[path] {
				result = append(result, path)
				seen[path] = true
			}
		}
	}

	return result, nil
}

// Target is one command-line selection: a path, optionally narrowed to
// named tests with "file::test_a,test_b".
type Target struct {
	Path  string
	Tests []string
}

// ParseTarget splits a command-line argument into a Target.
func ParseTarget(arg string) Target {
	path, names, ok := strings.Cut(arg, "::")
	if !ok {
		return Target{Path: arg}
	}
	var tests []string
	for _, n := range strings.Split(names, ",") {
		if n = strings.TrimSpace(n); n != "" {
			tests = append(tests, n)
		}
	}
	return Target{Path: path, Tests: tests}
}
