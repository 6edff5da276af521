package core

import "time"

// Event is an immutable normalized monitoring record produced by the
// ingestion pipeline. The engine consumes it read-only.
type Event struct {
	ID        string    `json:"id"`
	SiteCode  string    `json:"site_code"`
	Timestamp time.Time `json:"timestamp"` // always UTC, enforced at ingestion
	Category  string    `json:"category,omitempty"`
	EventType string    `json:"event_type,omitempty"`
	Severity  string    `json:"severity,omitempty"`
	// RawMessage is the message as received; Message is its normalized
	// form (lowercased, accent-folded). Message may be empty, in which
	// case matchers normalize RawMessage on the fly.
	RawMessage string `json:"raw_message"`
	Message    string `json:"normalized_message,omitempty"`
	// Incident linkage. IncidentOpen reflects the incident state at
	// evaluation time; events without an incident have IncidentID == "".
	IncidentID   string `json:"incident_id,omitempty"`
	IncidentOpen bool   `json:"incident_open,omitempty"`
}

// Historical reports whether the event was loaded from the event store
// (it has a persisted ID) rather than synthesized for ad-hoc testing.
func (e *Event) Historical() bool {
	return e != nil && e.ID != ""
}
