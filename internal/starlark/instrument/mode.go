package instrument

import (
	"fmt"
	"regexp"
	"strings"
)

// Mode selects whether loaded modules are instrumented for coverage.
type Mode int

const (
	Disabled Mode = iota
	Enabled
)

func (m Mode) String() string {
	if m == Enabled {
		return "enabled"
	}
	return "disabled"
}

// ParseMode interprets a flag, config or environment value. Unset and the
// usual false spellings disable instrumentation; anything unrecognized is an
// error rather than silently enabling it.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "false", "0", "no", "off", "disabled":
		return Disabled, nil
	case "true", "1", "yes", "on", "enabled":
		return Enabled, nil
	}
	return Disabled, fmt.Errorf("invalid instrument mode %q (want true or false)", s)
}

// DefaultExclude matches files that are never instrumented: anything under
// a tests directory, test files, and dependency trees.
var DefaultExclude = regexp.MustCompile(`tests|_test\.|(^|/)test_[^/]*$|(^|/)(vendor|third_party|external)/`)

// Excluded reports whether DefaultExclude matches path.
func Excluded(path string) bool {
	return DefaultExclude.MatchString(path)
}
