package core

import "time"

// AlertHit is the record of a rule firing against one event (or, for
// sequence rules, an A/B event pair). Hits are never mutated: a replay
// in replace mode deletes a rule's hits and reinserts them.
type AlertHit struct {
	ID       string `json:"id"`
	RuleID   string `json:"rule_id"`
	RuleName string `json:"rule_name"`
	EventID  string `json:"event_id"`
	// PairEventID is the A-side event of a sequence match, empty for
	// simple and logic rules.
	PairEventID  string    `json:"pair_event_id,omitempty"`
	SiteCode     string    `json:"site_code"`
	MatchedAt    time.Time `json:"matched_at"`
	Score        float64   `json:"score,omitempty"`
	Explanations []string  `json:"explanations,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Verdict is the detailed outcome of evaluating one rule against one
// event. The Details trail is what dry-run and the rule tester surface
// to operators; live evaluation only looks at Triggered.
type Verdict struct {
	RuleID      string   `json:"rule_id"`
	Triggered   bool     `json:"triggered"`
	ConditionOK bool     `json:"condition_ok"`
	TimeScopeOK bool     `json:"time_scope_ok"`
	FrequencyOK bool     `json:"frequency_ok"`
	Details     []string `json:"details"`
	// PairEventID carries the matched A event for sequence rules.
	PairEventID string `json:"pair_event_id,omitempty"`
}

// Explain appends a reason to the verdict trail.
func (v *Verdict) Explain(reason string) {
	v.Details = append(v.Details, reason)
}
