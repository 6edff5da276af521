package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ModeKind identifies a rule's detection mode. Exactly one mode payload
// is populated per rule; illegal combinations are unrepresentable by
// construction and rejected by Validate before persistence.
type ModeKind string

const (
	ModeSimple   ModeKind = "simple"
	ModeSequence ModeKind = "sequence"
	ModeLogic    ModeKind = "logic"
)

// TimeScope restricts when a rule may fire.
type TimeScope string

const (
	ScopeNone        TimeScope = "NONE"
	ScopeBusiness    TimeScope = "BUSINESS_HOURS"
	ScopeOffBusiness TimeScope = "OFF_BUSINESS_HOURS"
	ScopeNight       TimeScope = "NIGHT"
	ScopeWeekend     TimeScope = "WEEKEND"
	ScopeHolidays    TimeScope = "HOLIDAYS"
)

// Legacy single-condition types carried from the first generation of
// rules. Empty means "filters only" (category/keyword).
const (
	CondKeyword  = "KEYWORD"
	CondSeverity = "SEVERITY"
	CondRegex    = "REGEX"
)

// SimpleSpec is the payload of a simple (filter + frequency) rule.
type SimpleSpec struct {
	MatchCategory string `json:"match_category,omitempty"`
	MatchKeyword  string `json:"match_keyword,omitempty"`

	// Legacy condition, kept for first-generation rules: KEYWORD,
	// SEVERITY or REGEX applied to Value.
	ConditionType string `json:"condition_type,omitempty"`
	Value         string `json:"value,omitempty"`

	// FrequencyCount of 1 with no window degenerates to a plain match.
	FrequencyCount int `json:"frequency_count"`
	// FrequencyWindow in seconds; 0 means no temporal constraint.
	FrequencyWindow int `json:"frequency_window"`
	// SlidingWindowDays supersedes FrequencyWindow when > 0.
	SlidingWindowDays int `json:"sliding_window_days"`
	// IsOpenOnly restricts counting to events whose incident is still
	// open at evaluation time.
	IsOpenOnly bool `json:"is_open_only"`
}

// SequenceSpec is the payload of an "A then B within Δt" rule.
type SequenceSpec struct {
	ACategory       string `json:"seq_a_category,omitempty"`
	AKeyword        string `json:"seq_a_keyword,omitempty"`
	BCategory       string `json:"seq_b_category,omitempty"`
	BKeyword        string `json:"seq_b_keyword,omitempty"`
	MaxDelaySeconds int    `json:"seq_max_delay_seconds"`
	// LookbackDays bounds how long an unmatched A stays pending.
	LookbackDays int `json:"seq_lookback_days"`
}

// DefaultLookbackDays applies when a sequence payload omits the
// lookback bound.
const DefaultLookbackDays = 2

// LogicSpec is the payload of a boolean-expression rule.
type LogicSpec struct {
	Tree *LogicNode `json:"logic_tree"`
}

// Rule is a persisted detection specification.
type Rule struct {
	ID          string `json:"id"`
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description,omitempty"`

	// ScopeSiteCode limits the rule to one site; empty means all sites.
	ScopeSiteCode string `json:"scope_site_code,omitempty"`

	TimeScope TimeScope `json:"time_scope"`
	// ScheduleStart/ScheduleEnd are optional "HH:MM" overrides of the
	// default window for BUSINESS_HOURS / OFF_BUSINESS_HOURS / NIGHT.
	ScheduleStart string `json:"schedule_start,omitempty"`
	ScheduleEnd   string `json:"schedule_end,omitempty"`

	Mode     ModeKind      `json:"mode"`
	Simple   *SimpleSpec   `json:"simple,omitempty"`
	Sequence *SequenceSpec `json:"sequence,omitempty"`
	Logic    *LogicSpec    `json:"logic,omitempty"`

	EmailNotify bool `json:"email_notify"`
	IsActive    bool `json:"is_active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AppliesToSite reports whether the rule is in scope for a site.
func (r *Rule) AppliesToSite(siteCode string) bool {
	return r.ScopeSiteCode == "" || r.ScopeSiteCode == siteCode
}

// SimpleOrDefault returns the simple payload with defaulted numeric
// fields, so callers never see a zero frequency count.
func (s *SimpleSpec) withDefaults() SimpleSpec {
	out := *s
	if out.FrequencyCount < 1 {
		out.FrequencyCount = 1
	}
	return out
}

// EffectiveSimple returns the defaulted simple payload; callers must
// only use it on ModeSimple rules.
func (r *Rule) EffectiveSimple() SimpleSpec {
	if r.Simple == nil {
		return SimpleSpec{FrequencyCount: 1}
	}
	return r.Simple.withDefaults()
}

// EffectiveSequence returns the sequence payload with the lookback
// default applied.
func (r *Rule) EffectiveSequence() SequenceSpec {
	if r.Sequence == nil {
		return SequenceSpec{LookbackDays: DefaultLookbackDays}
	}
	out := *r.Sequence
	if out.LookbackDays <= 0 {
		out.LookbackDays = DefaultLookbackDays
	}
	return out
}

// Normalize canonicalizes enum casing and clears payloads that do not
// belong to the selected mode. Enabling one mode forces the others off;
// a rule can never carry sequence and logic payloads at once.
func (r *Rule) Normalize() {
	r.Mode = ModeKind(strings.ToLower(strings.TrimSpace(string(r.Mode))))
	if r.Mode == "" {
		r.Mode = ModeSimple
	}
	r.TimeScope = TimeScope(strings.ToUpper(strings.TrimSpace(string(r.TimeScope))))
	if r.TimeScope == "" {
		r.TimeScope = ScopeNone
	}
	switch r.Mode {
	case ModeSimple:
		r.Sequence = nil
		r.Logic = nil
		if r.Simple == nil {
			r.Simple = &SimpleSpec{FrequencyCount: 1}
		}
		r.Simple.ConditionType = strings.ToUpper(strings.TrimSpace(r.Simple.ConditionType))
	case ModeSequence:
		r.Simple = nil
		r.Logic = nil
	case ModeLogic:
		r.Simple = nil
		r.Sequence = nil
		if r.Logic != nil {
			r.Logic.Tree.Normalize()
		}
	}
}

// Validate rejects malformed rule payloads at save time. It assumes
// Normalize has run.
func (r *Rule) Validate() error {
	if r == nil {
		return fmt.Errorf("cannot validate nil rule")
	}
	if strings.TrimSpace(r.Name) == "" {
		return &ValidationError{Field: "name", Message: "name is required"}
	}

	switch r.TimeScope {
	case ScopeNone, ScopeBusiness, ScopeOffBusiness, ScopeNight, ScopeWeekend, ScopeHolidays:
	default:
		return &ValidationError{Field: "time_scope", Message: fmt.Sprintf("unknown time scope %q", r.TimeScope)}
	}
	if err := validateClock("schedule_start", r.ScheduleStart); err != nil {
		return err
	}
	if err := validateClock("schedule_end", r.ScheduleEnd); err != nil {
		return err
	}
	if (r.ScheduleStart == "") != (r.ScheduleEnd == "") {
		return &ValidationError{Field: "schedule_start", Message: "schedule_start and schedule_end must be set together"}
	}

	switch r.Mode {
	case ModeSimple:
		if r.Simple == nil {
			return &ValidationError{Field: "simple", Message: "simple mode requires a simple payload"}
		}
		return r.Simple.validate()
	case ModeSequence:
		if r.Sequence == nil {
			return &ValidationError{Field: "sequence", Message: "sequence mode requires a sequence payload"}
		}
		return r.Sequence.validate()
	case ModeLogic:
		if r.Logic == nil || r.Logic.Tree == nil {
			return &ValidationError{Field: "logic_tree", Message: "logic mode requires a logic tree"}
		}
		if err := r.Logic.Tree.Validate(); err != nil {
			return &ValidationError{Field: "logic_tree", Message: err.Error()}
		}
		return nil
	default:
		return &ValidationError{Field: "mode", Message: fmt.Sprintf("unknown mode %q (must be simple, sequence or logic)", r.Mode)}
	}
}

func (s *SimpleSpec) validate() error {
	if s.FrequencyCount < 0 {
		return &ValidationError{Field: "frequency_count", Message: "frequency_count cannot be negative"}
	}
	if s.FrequencyWindow < 0 {
		return &ValidationError{Field: "frequency_window", Message: "frequency_window cannot be negative"}
	}
	if s.SlidingWindowDays < 0 {
		return &ValidationError{Field: "sliding_window_days", Message: "sliding_window_days cannot be negative"}
	}
	switch s.ConditionType {
	case "", CondKeyword, CondSeverity, CondRegex:
	default:
		return &ValidationError{Field: "condition_type", Message: fmt.Sprintf("unknown condition type %q", s.ConditionType)}
	}
	if s.ConditionType != "" && strings.TrimSpace(s.Value) == "" {
		return &ValidationError{Field: "value", Message: "value is required when condition_type is set"}
	}
	return nil
}

func (s *SequenceSpec) validate() error {
	if s.ACategory == "" && s.AKeyword == "" {
		return &ValidationError{Field: "seq_a_keyword", Message: "sequence step A needs a category or keyword"}
	}
	if s.BCategory == "" && s.BKeyword == "" {
		return &ValidationError{Field: "seq_b_keyword", Message: "sequence step B needs a category or keyword"}
	}
	if s.MaxDelaySeconds <= 0 {
		return &ValidationError{Field: "seq_max_delay_seconds", Message: "seq_max_delay_seconds must be positive"}
	}
	if s.LookbackDays < 0 {
		return &ValidationError{Field: "seq_lookback_days", Message: "seq_lookback_days cannot be negative"}
	}
	return nil
}

// validateClock checks an optional "HH:MM" field.
func validateClock(field, value string) error {
	if value == "" {
		return nil
	}
	if _, _, err := ParseClock(value); err != nil {
		return &ValidationError{Field: field, Message: err.Error()}
	}
	return nil
}

// ParseClock parses an "HH:MM" string into hour and minute.
func ParseClock(value string) (hour, minute int, err error) {
	parts := strings.Split(value, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%q is not a valid HH:MM time", value)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("%q is not a valid HH:MM time", value)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%q is not a valid HH:MM time", value)
	}
	return hour, minute, nil
}

// ValidationError carries a field-level message back to the console so
// operators see which field to fix.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
