package router

import (
	"fmt"
	"regexp"
	"strings"
)

// Pattern matches event sources and types. A pattern matches a value when
// it is equal to it, is the single wildcard "*", or, with embedded "*"
// wildcards, when the anchored regex produced by expanding each "*" to
// ".*" matches. Matching is case-sensitive; the empty pattern matches only
// the empty string. The AMQP "#" wildcard has no special meaning here and
// is treated as a literal.
type Pattern struct {
	raw   string
	regex *regexp.Regexp // nil for exact or "*" patterns
}

// CompilePattern builds a matcher for the pattern string.
func CompilePattern(raw string) (*Pattern, error) {
	p := &Pattern{raw: raw}
	if raw == "*" || !strings.Contains(raw, "*") {
		return p, nil
	}

	// Escape regex metacharacters, then expand the escaped wildcards.
	escaped := regexp.QuoteMeta(raw)
	expanded := strings.ReplaceAll(escaped, `\*`, `.*`)
	re, err := regexp.Compile("^" + expanded + "$")
	if err != nil {
		return nil, fmt.Errorf("router: invalid pattern %q: %w", raw, err)
	}
	p.regex = re
	return p, nil
}

// Matches tests the value against the pattern.
func (p *Pattern) Matches(value string) bool {
	if p.raw == "*" {
		return true
	}
	if p.regex != nil {
		return p.regex.MatchString(value)
	}
	return p.raw == value
}

// String returns the original pattern text.
func (p *Pattern) String() string {
	return p.raw
}
