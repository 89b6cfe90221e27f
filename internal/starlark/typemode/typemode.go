// Package typemode defines how type annotations in typed Starlark sources are handled
// before the code reaches the interpreter.
package typemode

import "fmt"

// Mode controls how annotations are processed by the source transformer.
type Mode string

const (
	// Disabled leaves annotations in place. The standard grammar rejects them,
	// so any annotated file fails to load with a syntax error.
	Disabled Mode = "disabled"

	// Strip blanks annotations out of the source without looking at them.
	Strip Mode = "strip"

	// Checked blanks annotations out and requires each one to be a well-formed
	// type expression.
	Checked Mode = "checked"
)

// String returns the string representation of the Mode.
func (m Mode) String() string {
	return string(m)
}

// Parse parses a string into a Mode.
// An empty string selects Strip, the mode typed sources are loaded with by default.
func Parse(s string) (Mode, error) {
	switch s {
	case "", "strip", "parse_only", "parse-only":
		return Strip, nil
	case "disabled", "off":
		return Disabled, nil
	case "checked", "enabled":
		return Checked, nil
	default:
		return "", fmt.Errorf("unknown type mode: %q (valid: disabled, strip, checked)", s)
	}
}

// StripsAnnotations reports whether annotations are removed in this mode.
func (m Mode) StripsAnnotations() bool {
	return m == Strip || m == Checked
}

// ChecksAnnotations reports whether annotations must be valid type expressions.
func (m Mode) ChecksAnnotations() bool {
	return m == Checked
}
