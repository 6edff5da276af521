package core

import "time"

// Replay job lifecycle states.
const (
	ReplayRunning  = "RUNNING"
	ReplaySuccess  = "SUCCESS"
	ReplayError    = "ERROR"
	ReplayCanceled = "CANCELED"
)

// ReplayJob tracks one historical reprocessing run. A single job may be
// RUNNING at a time; progress counters are updated as rules complete so
// the console can poll them.
type ReplayJob struct {
	ID            string     `json:"id"`
	Status        string     `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	RulesTotal    int        `json:"rules_total"`
	RulesDone     int        `json:"rules_done"`
	EventsScanned int64      `json:"events_scanned"`
	AlertsCreated int64      `json:"alerts_created"`
	Error         string     `json:"error,omitempty"`
}

// Finished reports whether the job reached a terminal state.
func (j *ReplayJob) Finished() bool {
	return j.Status != ReplayRunning
}
