package detect

import (
	"context"
	"fmt"
	"time"

	"sitewatch/core"
	"sitewatch/metrics"
	"sitewatch/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ConditionStore supplies the named conditions referenced by logic
// trees.
type ConditionStore interface {
	GetActiveConditionsByCodes(codes []string) (map[string]*core.NamedCondition, error)
}

// HitWriter persists alert hits from the live ingestion path.
type HitWriter interface {
	CreateHit(ctx context.Context, hit *core.AlertHit) error
}

// NotificationSink receives fire-and-forget notification requests for
// rules with email_notify set. Delivery is the sink's problem; the
// engine never blocks on it.
type NotificationSink interface {
	NotifyHit(rule *core.Rule, hit *core.AlertHit)
}

// RuleEngine orchestrates rule evaluation: site scope, time scope, then
// the mode-specific evaluator. Evaluators are pure functions of (rule,
// accumulated state, event), and state transitions are applied in
// event-time order, so replaying the same stream against the same rule
// set reproduces the same hits.
type RuleEngine struct {
	matcher    *Matcher
	timeScope  *TimeScopeFilter
	freq       *FrequencyAggregator
	seq        *SequenceDetector
	conditions ConditionStore

	// ruleLocks serializes live evaluation against replay per rule.
	// Replay takes a rule's lock for its whole pass; live ingestion
	// takes it per evaluation. Unrelated rules never contend.
	ruleLocks *util.KeyedMutex

	hits   HitWriter
	notify NotificationSink
	logger *zap.SugaredLogger
}

// NewRuleEngine wires the engine. hits and notify may be nil for
// evaluation-only uses (rule tester).
func NewRuleEngine(matcher *Matcher, timeScope *TimeScopeFilter, freq *FrequencyAggregator, seq *SequenceDetector, conditions ConditionStore, ruleLocks *util.KeyedMutex, hits HitWriter, notify NotificationSink, logger *zap.SugaredLogger) *RuleEngine {
	return &RuleEngine{
		matcher:    matcher,
		timeScope:  timeScope,
		freq:       freq,
		seq:        seq,
		conditions: conditions,
		ruleLocks:  ruleLocks,
		hits:       hits,
		notify:     notify,
		logger:     logger,
	}
}

// fork returns an engine sharing the stateless collaborators but
// starting from empty aggregation state. Dry runs and the rule tester
// evaluate on forks: the simulated sample alone supplies the counting
// history, so re-running the same simulation yields the same verdicts
// regardless of what live ingestion has accumulated. Forks impose no
// concurrency constraint and persist nothing.
func (e *RuleEngine) fork() *RuleEngine {
	return &RuleEngine{
		matcher:    e.matcher,
		timeScope:  e.timeScope,
		freq:       e.freq.Fresh(),
		seq:        e.seq.Fresh(),
		conditions: e.conditions,
		ruleLocks:  util.NewKeyedMutex(1),
		logger:     e.logger,
	}
}

// CheckAndTrigger evaluates every active rule against the event,
// persisting a hit and emitting a notification request per trigger.
// This is the live-ingestion entry point.
func (e *RuleEngine) CheckAndTrigger(ctx context.Context, rules []*core.Rule, event *core.Event) ([]*core.AlertHit, error) {
	var hits []*core.AlertHit
	for _, rule := range rules {
		if !rule.IsActive {
			continue
		}
		verdict := e.EvaluateRule(rule, event, time.Time{})
		if !verdict.Triggered {
			continue
		}
		hit := e.BuildHit(rule, event, verdict)
		if e.hits != nil {
			if err := e.hits.CreateHit(ctx, hit); err != nil {
				// One rule's storage failure must not sink the batch.
				e.logger.Errorw("Failed to record rule hit",
					"rule_id", rule.ID, "event_id", event.ID, "error", err)
				continue
			}
		}
		e.logger.Warnw("ALERT TRIGGERED",
			"rule", rule.Name, "site", event.SiteCode, "event_id", event.ID)
		if rule.EmailNotify && e.notify != nil {
			e.notify.NotifyHit(rule, hit)
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// EvaluateRule evaluates one rule against one event, recording state
// transitions in the shared aggregators. referenceTime overrides "now"
// for window aging and time scoping; zero means the event's own time.
func (e *RuleEngine) EvaluateRule(rule *core.Rule, event *core.Event, referenceTime time.Time) *core.Verdict {
	e.ruleLocks.Lock(rule.ID)
	defer e.ruleLocks.Unlock(rule.ID)
	return e.evaluateRule(rule, event, referenceTime)
}

// evaluateRule is the lock-free core, called directly by the replay
// coordinator (which holds the rule lock for its whole pass) and by
// dry-run forks (which own their state outright).
func (e *RuleEngine) evaluateRule(rule *core.Rule, event *core.Event, referenceTime time.Time) *core.Verdict {
	start := time.Now()
	defer func() {
		metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	}()
	metrics.EventsEvaluated.WithLabelValues(string(rule.Mode)).Inc()

	now := referenceTime
	if now.IsZero() {
		now = event.Timestamp
	}

	verdict := &core.Verdict{
		RuleID:      rule.ID,
		TimeScopeOK: true,
		FrequencyOK: true,
	}

	// Site scope first: a site-scoped rule ignores other sites.
	if !rule.AppliesToSite(event.SiteCode) {
		verdict.TimeScopeOK = false
		verdict.Explain(fmt.Sprintf("Site mismatch: expected %s", rule.ScopeSiteCode))
		return verdict
	}

	// Time scope gate.
	inScope, reason := e.timeScope.InScope(now, rule.TimeScope, rule.ScheduleStart, rule.ScheduleEnd)
	verdict.Explain(reason)
	if !inScope {
		verdict.TimeScopeOK = false
		return verdict
	}

	switch rule.Mode {
	case core.ModeLogic:
		e.evaluateLogic(rule, event, now, verdict)
	case core.ModeSequence:
		e.evaluateSequence(rule, event, verdict)
	default:
		e.evaluateSimple(rule, event, now, verdict)
	}

	if verdict.Triggered {
		metrics.HitsGenerated.WithLabelValues(string(rule.Mode)).Inc()
	}
	return verdict
}

func (e *RuleEngine) evaluateSimple(rule *core.Rule, event *core.Event, now time.Time, verdict *core.Verdict) {
	spec := rule.EffectiveSimple()

	ok, details := e.matcher.MatchSimple(event, spec)
	for _, d := range details {
		verdict.Explain(d)
	}
	verdict.ConditionOK = ok
	if !ok {
		return
	}
	verdict.Explain("General conditions matched")

	params := FrequencyParams{
		Count:         spec.FrequencyCount,
		WindowSeconds: spec.FrequencyWindow,
		SlidingDays:   spec.SlidingWindowDays,
		OpenOnly:      spec.IsOpenOnly,
	}
	triggered, count := e.freq.Record(rule.ID, event.SiteCode, event.Timestamp, now, event.IncidentOpen, params)
	verdict.FrequencyOK = triggered
	if !triggered {
		verdict.Explain(frequencyDetail(false, count, params))
		return
	}
	verdict.Explain(frequencyDetail(true, count, params))
	verdict.Triggered = true
	verdict.Explain("Rule TRIGGERED")
}

func frequencyDetail(met bool, count int, params FrequencyParams) string {
	state := "not met"
	if met {
		state = "met"
	}
	switch {
	case params.SlidingDays > 0:
		return fmt.Sprintf("Frequency %s: %d/%d matches in last %d days (OpenOnly=%t)",
			state, count, params.Count, params.SlidingDays, params.OpenOnly)
	case params.WindowSeconds > 0:
		return fmt.Sprintf("Frequency %s: %d/%d matches in %ds",
			state, count, params.Count, params.WindowSeconds)
	default:
		return fmt.Sprintf("Frequency %s: %d/%d matches (all time)", state, count, params.Count)
	}
}

func (e *RuleEngine) evaluateSequence(rule *core.Rule, event *core.Event, verdict *core.Verdict) {
	spec := rule.EffectiveSequence()

	matchesA, _ := e.matcher.MatchFilter(event, Filter{Category: spec.ACategory, Keyword: spec.AKeyword})
	matchesB, _ := e.matcher.MatchFilter(event, Filter{Category: spec.BCategory, Keyword: spec.BKeyword})
	verdict.ConditionOK = matchesA || matchesB

	triggered, pair, detail := e.seq.Observe(rule.ID, event.SiteCode, event, matchesA, matchesB, spec)
	verdict.Explain(detail)
	if !triggered {
		verdict.FrequencyOK = false
		return
	}
	verdict.Triggered = true
	verdict.PairEventID = pair.AEventID
	verdict.Explain("Rule TRIGGERED")
}

func (e *RuleEngine) evaluateLogic(rule *core.Rule, event *core.Event, now time.Time, verdict *core.Verdict) {
	if rule.Logic == nil || rule.Logic.Tree == nil {
		verdict.FrequencyOK = false
		verdict.Explain("Logic rule has no tree")
		return
	}
	tree := rule.Logic.Tree
	condMap, err := e.loadConditions(tree)
	if err != nil {
		// Treated like a downstream failure for this rule only: the
		// evaluation is marked failed, not the whole batch.
		verdict.FrequencyOK = false
		verdict.Explain(fmt.Sprintf("Failed to load conditions: %v", err))
		e.logger.Errorw("Failed to load logic-tree conditions", "rule_id", rule.ID, "error", err)
		return
	}

	resolve := func(code string) (ConditionResult, error) {
		cond, ok := condMap[code]
		if !ok || !cond.IsActive {
			return ConditionResult{}, fmt.Errorf("condition %q not found or inactive", code)
		}
		return e.evaluateNamedCondition(rule, cond, event, now), nil
	}

	result, details := EvaluateLogicTree(tree, resolve)
	for _, d := range details {
		verdict.Explain(d)
	}
	verdict.ConditionOK = result
	verdict.Triggered = result
	if result {
		verdict.Explain("Logic tree MATCHED")
	} else {
		verdict.Explain("Logic tree did NOT match")
	}
}

func (e *RuleEngine) loadConditions(tree *core.LogicNode) (map[string]*core.NamedCondition, error) {
	codes := tree.RefCodes()
	if len(codes) == 0 {
		return nil, nil
	}
	if e.conditions == nil {
		return nil, fmt.Errorf("no condition store configured")
	}
	return e.conditions.GetActiveConditionsByCodes(codes)
}

// evaluateNamedCondition evaluates one logic-tree leaf. Aggregation
// state for conditions is keyed per (rule, condition): two rules
// referencing the same condition count independently, and resetting a
// rule's state (replay) clears its condition windows without touching
// other rules.
func (e *RuleEngine) evaluateNamedCondition(rule *core.Rule, cond *core.NamedCondition, event *core.Event, now time.Time) ConditionResult {
	key := rule.ID + "\x00" + core.RefPrefix + cond.Code

	switch cond.Type {
	case core.ConditionSequence:
		spec := *cond.Sequence
		if spec.LookbackDays <= 0 {
			spec.LookbackDays = core.DefaultLookbackDays
		}
		matchesA, _ := e.matcher.MatchFilter(event, Filter{Category: spec.ACategory, Keyword: spec.AKeyword})
		matchesB, _ := e.matcher.MatchFilter(event, Filter{Category: spec.BCategory, Keyword: spec.BKeyword})
		triggered, _, detail := e.seq.Observe(key, event.SiteCode, event, matchesA, matchesB, spec)
		return ConditionResult{Matched: triggered, Details: []string{detail}}

	default:
		spec := *cond.Simple
		ok, details := e.matcher.MatchSimple(event, spec)
		if !ok {
			return ConditionResult{Details: details}
		}
		params := FrequencyParams{
			Count:         spec.FrequencyCount,
			WindowSeconds: spec.FrequencyWindow,
			SlidingDays:   spec.SlidingWindowDays,
			OpenOnly:      spec.IsOpenOnly,
		}
		triggered, count := e.freq.Record(key, event.SiteCode, event.Timestamp, now, event.IncidentOpen, params)
		details = append(details, frequencyDetail(triggered, count, params))
		return ConditionResult{Matched: triggered, Details: details}
	}
}

// BuildHit constructs the immutable AlertHit for a triggered verdict.
func (e *RuleEngine) BuildHit(rule *core.Rule, event *core.Event, verdict *core.Verdict) *core.AlertHit {
	return &core.AlertHit{
		ID:           uuid.NewString(),
		RuleID:       rule.ID,
		RuleName:     rule.Name,
		EventID:      event.ID,
		PairEventID:  verdict.PairEventID,
		SiteCode:     event.SiteCode,
		MatchedAt:    event.Timestamp,
		Explanations: verdict.Details,
		CreatedAt:    time.Now().UTC(),
	}
}

// ResetRuleState clears the aggregation state of one rule across all
// sites, including its logic-condition windows (their keys carry the
// rule id prefix). The replay coordinator calls this at each rule
// boundary.
func (e *RuleEngine) ResetRuleState(ruleID string) {
	e.freq.ResetKey(ruleID)
	e.seq.ResetKey(ruleID)
}
