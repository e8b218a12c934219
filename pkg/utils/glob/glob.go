// Package glob implements the hostname patterns used for host filters and
// credential auto-assignment.
//
// '*' matches any run of characters (including none, and including '.', '-'
// and '/'), '?' matches exactly one character. Matching is case-insensitive
// and anchored to the whole string, so "dev-*" matches "dev-web" but neither
// "devops" nor "development".
package glob

import (
	"regexp"
	"strings"
)

type Pattern struct {
	raw string
	re  *regexp.Regexp
}

func Compile(pattern string) (*Pattern, error) {
	var b strings.Builder
	b.WriteString(`(?is)^`)
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(`.*`)
		case '?':
			b.WriteString(`.`)
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString(`$`)

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, err
	}
	return &Pattern{raw: pattern, re: re}, nil
}

func MustCompile(pattern string) *Pattern {
	p, err := Compile(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Pattern) Match(s string) bool {
	return p.re.MatchString(s)
}

// MatchAny reports whether any of the candidates matches. Empty candidates
// are ignored.
func (p *Pattern) MatchAny(candidates ...string) bool {
	for _, c := range candidates {
		if c != "" && p.re.MatchString(c) {
			return true
		}
	}
	return false
}

func (p *Pattern) String() string {
	return p.raw
}

// Match is a convenience for one-off checks. Invalid patterns never match.
func Match(pattern, s string) bool {
	p, err := Compile(pattern)
	if err != nil {
		return false
	}
	return p.Match(s)
}
