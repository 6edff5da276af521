package detect

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"sitewatch/core"
	"sitewatch/util"
)

// Filter is a single category/keyword condition. An empty filter is a
// wildcard that matches every event.
type Filter struct {
	Category string
	Keyword  string
}

// Empty reports whether the filter has no constraints.
func (f Filter) Empty() bool {
	return f.Category == "" && f.Keyword == ""
}

// Matcher evaluates filters and legacy single conditions against
// events. It is stateless apart from a compiled-regex cache and safe
// for concurrent use.
type Matcher struct {
	regexTimeout time.Duration

	mu    sync.RWMutex
	cache map[string]*util.SafeRegex
}

// NewMatcher creates a matcher with the given regex match timeout.
func NewMatcher(regexTimeout time.Duration) *Matcher {
	return &Matcher{
		regexTimeout: regexTimeout,
		cache:        make(map[string]*util.SafeRegex),
	}
}

// normalizedMessage returns the event's normalized message, folding the
// raw message on the fly when ingestion did not provide one.
func normalizedMessage(event *core.Event) string {
	if event.Message != "" {
		return event.Message
	}
	return util.NormalizeText(event.RawMessage)
}

// MatchFilter checks a category/keyword filter against an event.
// Category comparison is exact after case normalization; keyword uses
// contains semantics over the normalized message. Malformed input (nil
// event) is a non-match, never an error.
func (m *Matcher) MatchFilter(event *core.Event, f Filter) (bool, []string) {
	if event == nil {
		return false, []string{"no event to match"}
	}
	var details []string

	if f.Category != "" {
		if !strings.EqualFold(event.Category, f.Category) {
			details = append(details, fmt.Sprintf("Category mismatch: %s != %s", event.Category, f.Category))
			return false, details
		}
		details = append(details, fmt.Sprintf("Category matched: %s", f.Category))
	}

	if f.Keyword != "" {
		normKey := util.NormalizeText(f.Keyword)
		if !strings.Contains(normalizedMessage(event), normKey) {
			details = append(details, fmt.Sprintf("Keyword %q not found in normalized message", normKey))
			return false, details
		}
		details = append(details, fmt.Sprintf("Keyword %q matched", normKey))
	}

	return true, details
}

// MatchLegacy checks a first-generation single condition
// (SEVERITY/KEYWORD/REGEX over value). An empty condition type matches.
func (m *Matcher) MatchLegacy(event *core.Event, condType, value string) (bool, []string) {
	if event == nil {
		return false, []string{"no event to match"}
	}
	switch condType {
	case "":
		return true, nil
	case core.CondSeverity:
		if !strings.EqualFold(event.Severity, value) {
			return false, []string{fmt.Sprintf("Severity mismatch: %s != %s", event.Severity, value)}
		}
		return true, []string{fmt.Sprintf("Severity matched: %s", value)}
	case core.CondKeyword:
		if !strings.Contains(normalizedMessage(event), util.NormalizeText(value)) {
			return false, []string{fmt.Sprintf("Condition keyword %q not found", value)}
		}
		return true, []string{fmt.Sprintf("Condition keyword %q matched", value)}
	case core.CondRegex:
		re, err := m.compiled(value)
		if err != nil {
			return false, []string{fmt.Sprintf("Invalid regex: %v", err)}
		}
		ok, err := re.MatchString(normalizedMessage(event))
		if err != nil {
			return false, []string{err.Error()}
		}
		if !ok {
			return false, []string{fmt.Sprintf("Regex %q did not match", value)}
		}
		return true, []string{fmt.Sprintf("Regex %q matched", value)}
	default:
		return false, []string{fmt.Sprintf("Unknown condition type %q", condType)}
	}
}

// MatchSimple applies the full simple-mode condition check: category
// and keyword filters plus the legacy condition. The legacy KEYWORD
// type only applies when the newer match_keyword field is unset, as in
// first-generation rules.
func (m *Matcher) MatchSimple(event *core.Event, spec core.SimpleSpec) (bool, []string) {
	filterOK, details := m.MatchFilter(event, Filter{Category: spec.MatchCategory, Keyword: spec.MatchKeyword})

	legacyType := spec.ConditionType
	if legacyType == core.CondKeyword && spec.MatchKeyword != "" {
		legacyType = ""
	}
	legacyOK, legacyDetails := m.MatchLegacy(event, legacyType, spec.Value)
	details = append(details, legacyDetails...)

	return filterOK && legacyOK, details
}

func (m *Matcher) compiled(pattern string) (*util.SafeRegex, error) {
	m.mu.RLock()
	re, ok := m.cache[pattern]
	m.mu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := util.CompileSafeRegex(pattern, m.regexTimeout)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cache[pattern] = re
	m.mu.Unlock()
	return re, nil
}
