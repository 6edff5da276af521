package detect

import (
	"context"
	"fmt"
	"sort"
	"time"

	"sitewatch/core"
	"sitewatch/metrics"
	"sitewatch/util"
	"go.uber.org/zap"
)

// RecentEventSource supplies the historical slice a dry run evaluates.
type RecentEventSource interface {
	// GetRecentEvents returns up to limit events with timestamps at or
	// before the cutoff, most recent first. A zero cutoff means no upper
	// bound.
	GetRecentEvents(ctx context.Context, cutoff time.Time, limit int) ([]*core.Event, error)
}

// DryRunRequest parameterizes a simulation.
type DryRunRequest struct {
	// ReferenceTime overrides "now" for window aging and time scoping.
	// Zero means each event's own timestamp, as in live evaluation.
	ReferenceTime time.Time
	// Limit caps how many recent events are replayed; 0 means the
	// configured default.
	Limit int
}

// DryRunEventResult is the per-event outcome of a simulation.
type DryRunEventResult struct {
	EventID   string    `json:"event_id"`
	SiteCode  string    `json:"site_code"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Matched   bool      `json:"matched"`
	Details   []string  `json:"details"`
}

// DryRunResult is the full simulation report.
type DryRunResult struct {
	RuleID         string              `json:"rule_id"`
	RuleName       string              `json:"rule_name"`
	EvaluatedCount int                 `json:"evaluated_count"`
	MatchedCount   int                 `json:"matched_count"`
	Results        []DryRunEventResult `json:"results"`
}

// DryRunSimulator evaluates a single rule against recent history on a
// disposable copy of the engine state. Nothing is persisted, no
// notification is sent, and the live aggregators are never touched, so
// a simulation can run while ingestion continues.
type DryRunSimulator struct {
	engine       *RuleEngine
	events       RecentEventSource
	defaultLimit int
	logger       *zap.SugaredLogger
}

// NewDryRunSimulator wires a simulator over the shared engine.
func NewDryRunSimulator(engine *RuleEngine, events RecentEventSource, defaultLimit int, logger *zap.SugaredLogger) *DryRunSimulator {
	if defaultLimit <= 0 {
		defaultLimit = 200
	}
	return &DryRunSimulator{
		engine:       engine,
		events:       events,
		defaultLimit: defaultLimit,
		logger:       logger,
	}
}

// Simulate runs the rule over the most recent events in ascending event
// order. The rule may be unsaved (dry runs validate drafts), so it is
// normalized and validated here rather than assumed clean.
func (s *DryRunSimulator) Simulate(ctx context.Context, rule *core.Rule, req DryRunRequest) (*DryRunResult, error) {
	rule.Normalize()
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = s.defaultLimit
	}

	events, err := s.events.GetRecentEvents(ctx, req.ReferenceTime, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load events for dry run: %w", err)
	}
	// Stores return most-recent-first; state machines need ascending
	// event time.
	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	metrics.DryRuns.Inc()
	fork := s.engine.fork()
	// A draft rule has no ID yet; give the fork's state a stable key.
	stateRule := *rule
	if stateRule.ID == "" {
		stateRule.ID = "dry-run"
	}

	result := &DryRunResult{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Results:  make([]DryRunEventResult, 0, len(events)),
	}
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		verdict := fork.evaluateRule(&stateRule, event, req.ReferenceTime)
		result.EvaluatedCount++
		if verdict.Triggered {
			result.MatchedCount++
		}
		result.Results = append(result.Results, DryRunEventResult{
			EventID:   event.ID,
			SiteCode:  event.SiteCode,
			Timestamp: event.Timestamp,
			Message:   event.RawMessage,
			Matched:   verdict.Triggered,
			Details:   verdict.Details,
		})
	}

	s.logger.Infow("Dry run completed",
		"rule", rule.Name, "evaluated", result.EvaluatedCount, "matched", result.MatchedCount)
	return result, nil
}

// TestSample evaluates a rule against a single synthetic event built
// from free text, for the console's quick tester. Frequency windows are
// evaluated as if this were the first qualifying event. Without an
// explicit site the sample inherits the rule's own site scope, so a
// site-scoped rule can always match its sample; "TEST-SITE" is the
// final fallback.
func (s *DryRunSimulator) TestSample(rule *core.Rule, sampleText, siteCode string) (*core.Verdict, *core.Event, error) {
	rule.Normalize()
	if err := rule.Validate(); err != nil {
		return nil, nil, err
	}

	if siteCode == "" {
		siteCode = rule.ScopeSiteCode
	}
	if siteCode == "" {
		siteCode = "TEST-SITE"
	}

	event := &core.Event{
		ID:           "sample",
		SiteCode:     siteCode,
		Timestamp:    time.Now().UTC(),
		RawMessage:   sampleText,
		Message:      util.NormalizeText(sampleText),
		IncidentOpen: true,
	}
	fork := s.engine.fork()

	stateRule := *rule
	if stateRule.ID == "" {
		stateRule.ID = "sample"
	}
	verdict := fork.evaluateRule(&stateRule, event, time.Time{})
	return verdict, event, nil
}
