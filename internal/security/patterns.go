package security

import (
	"fmt"
	"regexp"
)

// PatternMatcher tests text against the configured suspicious patterns.
// Patterns are compiled case-insensitively.
type PatternMatcher struct {
	patterns []*regexp.Regexp
}

// NewPatternMatcher compiles patterns. An invalid pattern is an error.
func NewPatternMatcher(patterns []string) (*PatternMatcher, error) {
	m := &PatternMatcher{patterns: make([]*regexp.Regexp, 0, len(patterns))}
	for _, p := range patterns {
		re, err := regexp.Compile("(?is)" + p)
		if err != nil {
			return nil, fmt.Errorf("compile pattern %q: %w", p, err)
		}
		m.patterns = append(m.patterns, re)
	}
	return m, nil
}

// MustPatternMatcher is NewPatternMatcher that panics on error. For
// patterns already checked by config validation.
func MustPatternMatcher(patterns []string) *PatternMatcher {
	m, err := NewPatternMatcher(patterns)
	if err != nil {
		panic(err)
	}
	return m
}

// Match reports whether any pattern matches any of the inputs.
func (m *PatternMatcher) Match(inputs ...string) bool {
	for _, re := range m.patterns {
		for _, in := range inputs {
			if in != "" && re.MatchString(in) {
				return true
			}
		}
	}
	return false
}

// Matches returns the source of every pattern that matches input, in
// configured order. A pattern counts once however often it occurs.
func (m *PatternMatcher) Matches(input string) []string {
	if input == "" {
		return nil
	}
	var out []string
	for _, re := range m.patterns {
		if re.MatchString(input) {
			out = append(out, re.String()[len("(?is)"):])
		}
	}
	return out
}

// Len returns the number of patterns.
func (m *PatternMatcher) Len() int {
	return len(m.patterns)
}
