package vdom

import (
	"fmt"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// Selector is a compiled CSS selector group. Matching is done by cascadia,
// so type selectors, "*", #id, .class, attribute tests, the descendant,
// child and sibling combinators and the structural pseudo-classes all work.
type Selector struct {
	src   string
	group cascadia.SelectorGroup
}

// SyntaxError reports an invalid selector.
type SyntaxError struct {
	Selector string
	Err      error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("invalid selector %q: %v", e.Selector, e.Err)
}

func (e *SyntaxError) Unwrap() error { return e.Err }

// Compile parses a selector.
func Compile(src string) (*Selector, error) {
	group, err := cascadia.ParseGroup(src)
	if err != nil {
		return nil, &SyntaxError{Selector: src, Err: err}
	}
	return &Selector{src: src, group: group}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(src string) *Selector {
	s, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Selector) String() string { return s.src }

// Match reports whether n matches any selector of the group. Combinators
// look at n's real ancestors, which may lie outside the queried container.
func (s *Selector) Match(n *html.Node) bool {
	return s.group.Match(n)
}

// QueryAll returns the descendants of root that match sel, in document
// order. root itself is never included.
func QueryAll(root *html.Node, sel string) ([]*html.Node, error) {
	s, err := Compile(sel)
	if err != nil {
		return nil, err
	}
	return cascadia.QueryAll(root, s.group), nil
}

// Query returns the first descendant of root matching sel, or nil.
func Query(root *html.Node, sel string) (*html.Node, error) {
	s, err := Compile(sel)
	if err != nil {
		return nil, err
	}
	return cascadia.Query(root, s.group), nil
}
