// Package parsing implements the anchored token grammar used to pull
// commands out of free-form comment bodies.
//
// A Parser is a set of literal anchors plus an ordered list of tokens.
// Tokens are greedy and polymorphic over a single capability: consume
// text at an offset and report how much was eaten plus a typed value.
package parsing

import "regexp"

// Token consumes text starting at an offset. On success it returns the
// number of characters consumed, the token value, and true. On failure
// it returns (0, nil, false).
type Token interface {
	Consume(text string, offset int) (consumed int, value any, ok bool)
}

// Match is the value produced by a RegexToken with no capture group
// selected. It exposes the submatches by name or index.
type Match struct {
	re     *regexp.Regexp
	groups []string
}

// Group returns the numbered capture group, or "" if it did not
// participate in the match.
func (m *Match) Group(i int) string {
	if i < 0 || i >= len(m.groups) {
		return ""
	}
	return m.groups[i]
}

// Named returns the named capture group, or "" if absent.
func (m *Match) Named(name string) string {
	for i, n := range m.re.SubexpNames() {
		if n == name && i < len(m.groups) {
			return m.groups[i]
		}
	}
	return ""
}

// RegexToken matches a regexp anchored at the offset. If capture is
// negative the value is a *Match; otherwise it is the capture group's
// string.
type RegexToken struct {
	re      *regexp.Regexp
	capture int
}

// NewRegexToken compiles pattern, which must be written to anchor at
// the start of input (a leading ^).
func NewRegexToken(pattern string, capture int) *RegexToken {
	return &RegexToken{re: regexp.MustCompile(pattern), capture: capture}
}

func (t *RegexToken) Consume(text string, offset int) (int, any, bool) {
	loc := t.re.FindStringSubmatchIndex(text[offset:])
	if loc == nil || loc[0] != 0 {
		return 0, nil, false
	}

	groups := make([]string, len(loc)/2)
	for i := range groups {
		lo, hi := loc[2*i], loc[2*i+1]
		if lo >= 0 {
			groups[i] = text[offset+lo : offset+hi]
		}
	}

	consumed := loc[1]
	if t.capture < 0 {
		return consumed, &Match{re: t.re, groups: groups}, true
	}
	if t.capture >= len(groups) {
		return 0, nil, false
	}
	return consumed, groups[t.capture], true
}

// FallbackToken tries its children in order; the first success wins.
type FallbackToken struct {
	children []Token
}

func NewFallbackToken(children ...Token) *FallbackToken {
	return &FallbackToken{children: children}
}

func (t *FallbackToken) Consume(text string, offset int) (int, any, bool) {
	for _, child := range t.children {
		if consumed, value, ok := child.Consume(text, offset); ok {
			return consumed, value, true
		}
	}
	return 0, nil, false
}

// TransformedToken runs an inner token and applies a pure function to
// its value. A nil result from the transform fails the token.
type TransformedToken struct {
	child     Token
	transform func(any) any
}

func NewTransformedToken(child Token, transform func(any) any) *TransformedToken {
	return &TransformedToken{child: child, transform: transform}
}

func (t *TransformedToken) Consume(text string, offset int) (int, any, bool) {
	consumed, value, ok := t.child.Consume(text, offset)
	if !ok {
		return 0, nil, false
	}
	transformed := t.transform(value)
	if transformed == nil {
		return 0, nil, false
	}
	return consumed, transformed, true
}
