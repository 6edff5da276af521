package util

import (
	"fmt"
	"time"

	"github.com/dlclark/regexp2"
)

const (
	// MaxRegexLength is the maximum allowed pattern length for
	// operator-supplied regexes.
	MaxRegexLength = 500
	// DefaultRegexTimeout bounds a single match attempt so a
	// pathological pattern cannot stall rule evaluation.
	DefaultRegexTimeout = 100 * time.Millisecond
)

// SafeRegex is a compiled, timeout-bounded, case-insensitive regex for
// legacy REGEX rule conditions. regexp2's match timeout protects the
// engine from catastrophic backtracking in operator-written patterns.
type SafeRegex struct {
	re      *regexp2.Regexp
	pattern string
}

// CompileSafeRegex validates and compiles a pattern with the given
// match timeout (DefaultRegexTimeout when zero).
func CompileSafeRegex(pattern string, timeout time.Duration) (*SafeRegex, error) {
	if pattern == "" {
		return nil, fmt.Errorf("regex pattern cannot be empty")
	}
	if len(pattern) > MaxRegexLength {
		return nil, fmt.Errorf("regex pattern too long: %d characters (max %d)", len(pattern), MaxRegexLength)
	}
	re, err := regexp2.Compile(pattern, regexp2.IgnoreCase)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultRegexTimeout
	}
	re.MatchTimeout = timeout
	return &SafeRegex{re: re, pattern: pattern}, nil
}

// MatchString reports whether the pattern matches anywhere in s. A
// timeout or internal error counts as a non-match with the error
// returned for the caller's explanation trail.
func (sr *SafeRegex) MatchString(s string) (bool, error) {
	ok, err := sr.re.MatchString(s)
	if err != nil {
		return false, fmt.Errorf("regex %q evaluation failed: %w", sr.pattern, err)
	}
	return ok, nil
}

// Pattern returns the source pattern.
func (sr *SafeRegex) Pattern() string {
	return sr.pattern
}
