package detect

import (
	"context"
	"errors"
	"sync"
	"time"

	"sitewatch/core"
	"sitewatch/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrReplayBusy is returned when a replay is requested while one is
// already running.
var ErrReplayBusy = errors.New("a replay is already running")

// ReplayEventSource pages the full historical event stream in ascending
// (timestamp, id) order.
type ReplayEventSource interface {
	// GetEventsAscending returns up to limit events strictly after the
	// (afterTime, afterID) cursor. Zero cursor starts from the
	// beginning.
	GetEventsAscending(ctx context.Context, afterTime time.Time, afterID string, limit int) ([]*core.Event, error)
}

// ReplayRuleSource supplies the active rules a replay reprocesses.
type ReplayRuleSource interface {
	GetActiveRules(ctx context.Context) ([]*core.Rule, error)
}

// HitReplacer atomically swaps a rule's hit history: delete all
// existing hits for the rule and insert the recomputed set in one
// transaction. An aborted replay therefore never leaves a rule with a
// half-rewritten history.
type HitReplacer interface {
	ReplaceHitsForRule(ctx context.Context, ruleID string, hits []*core.AlertHit) error
}

// ReplayJobStore persists job lifecycle and progress.
type ReplayJobStore interface {
	CreateReplayJob(ctx context.Context, job *core.ReplayJob) error
	UpdateReplayJob(ctx context.Context, job *core.ReplayJob) error
	GetReplayJob(ctx context.Context, id string) (*core.ReplayJob, error)
}

// ReplayCoordinator runs historical reprocessing in the background.
// Rules are replayed one at a time; each rule's pass holds that rule's
// engine lock, so live ingestion of unrelated rules proceeds while one
// rule is being rebuilt. Cancellation is honored between rules only,
// keeping the per-rule transaction all-or-nothing.
type ReplayCoordinator struct {
	engine    *RuleEngine
	events    ReplayEventSource
	rules     ReplayRuleSource
	hits      HitReplacer
	jobs      ReplayJobStore
	batchSize int
	logger    *zap.SugaredLogger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	current *core.ReplayJob
}

// NewReplayCoordinator wires a coordinator over the shared engine.
func NewReplayCoordinator(engine *RuleEngine, events ReplayEventSource, rules ReplayRuleSource, hits HitReplacer, jobs ReplayJobStore, batchSize int, logger *zap.SugaredLogger) *ReplayCoordinator {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &ReplayCoordinator{
		engine:    engine,
		events:    events,
		rules:     rules,
		hits:      hits,
		jobs:      jobs,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Start launches a replay of every active rule over the full event
// history and returns the job id immediately. Only one replay runs at a
// time.
func (rc *ReplayCoordinator) Start(parent context.Context) (*core.ReplayJob, error) {
	rc.mu.Lock()
	if rc.running {
		rc.mu.Unlock()
		return nil, ErrReplayBusy
	}

	job := &core.ReplayJob{
		ID:        uuid.NewString(),
		Status:    core.ReplayRunning,
		StartedAt: time.Now().UTC(),
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	rc.running = true
	rc.cancel = cancel
	rc.current = job
	rc.mu.Unlock()

	if err := rc.jobs.CreateReplayJob(ctx, job); err != nil {
		rc.finish(job, core.ReplayError, err)
		return nil, err
	}

	go rc.run(ctx, job)
	return job, nil
}

// Cancel requests cancellation of the running replay, if any. The rule
// currently being rebuilt completes first.
func (rc *ReplayCoordinator) Cancel() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if !rc.running {
		return false
	}
	rc.cancel()
	return true
}

// Job returns the job by id, preferring the live in-memory copy for the
// running job so progress polling does not race the store.
func (rc *ReplayCoordinator) Job(ctx context.Context, id string) (*core.ReplayJob, error) {
	rc.mu.Lock()
	if rc.current != nil && rc.current.ID == id {
		snapshot := *rc.current
		rc.mu.Unlock()
		return &snapshot, nil
	}
	rc.mu.Unlock()
	return rc.jobs.GetReplayJob(ctx, id)
}

func (rc *ReplayCoordinator) run(ctx context.Context, job *core.ReplayJob) {
	rules, err := rc.rules.GetActiveRules(ctx)
	if err != nil {
		rc.finish(job, core.ReplayError, err)
		return
	}

	rc.mu.Lock()
	job.RulesTotal = len(rules)
	rc.mu.Unlock()
	rc.persistProgress(job)

	rc.logger.Infow("Replay started", "job_id", job.ID, "rules", len(rules))

	for _, rule := range rules {
		// Cancellation point: only between rules, never mid-rule.
		if ctx.Err() != nil {
			rc.finish(job, core.ReplayCanceled, nil)
			return
		}
		scanned, created, err := rc.replayRule(ctx, rule)
		rc.mu.Lock()
		job.EventsScanned += scanned
		job.AlertsCreated += created
		if err == nil {
			job.RulesDone++
		}
		rc.mu.Unlock()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				rc.finish(job, core.ReplayCanceled, nil)
				return
			}
			rc.finish(job, core.ReplayError, err)
			return
		}
		rc.persistProgress(job)
	}

	rc.finish(job, core.ReplaySuccess, nil)
}

// replayRule rebuilds one rule's hit history from scratch: reset the
// rule's aggregation state, stream all events in ascending order
// through the evaluator, then atomically replace the stored hits.
func (rc *ReplayCoordinator) replayRule(ctx context.Context, rule *core.Rule) (scanned, created int64, err error) {
	rc.engine.ruleLocks.Lock(rule.ID)
	defer rc.engine.ruleLocks.Unlock(rule.ID)

	rc.engine.ResetRuleState(rule.ID)

	var hits []*core.AlertHit
	var cursorTime time.Time
	var cursorID string

	for {
		events, err := rc.events.GetEventsAscending(ctx, cursorTime, cursorID, rc.batchSize)
		if err != nil {
			return scanned, created, err
		}
		if len(events) == 0 {
			break
		}
		for _, event := range events {
			scanned++
			verdict := rc.engine.evaluateRule(rule, event, time.Time{})
			if verdict.Triggered {
				hit := rc.engine.BuildHit(rule, event, verdict)
				hits = append(hits, hit)
				created++
			}
		}
		last := events[len(events)-1]
		cursorTime, cursorID = last.Timestamp, last.ID
	}

	if err := rc.hits.ReplaceHitsForRule(ctx, rule.ID, hits); err != nil {
		return scanned, created, err
	}
	rc.logger.Infow("Rule replay completed",
		"rule", rule.Name, "events_scanned", scanned, "alerts_created", created)
	return scanned, created, nil
}

func (rc *ReplayCoordinator) persistProgress(job *core.ReplayJob) {
	rc.mu.Lock()
	snapshot := *job
	rc.mu.Unlock()
	if err := rc.jobs.UpdateReplayJob(context.Background(), &snapshot); err != nil {
		rc.logger.Errorw("Failed to persist replay progress", "job_id", job.ID, "error", err)
	}
}

func (rc *ReplayCoordinator) finish(job *core.ReplayJob, status string, cause error) {
	now := time.Now().UTC()

	rc.mu.Lock()
	job.Status = status
	job.FinishedAt = &now
	if cause != nil {
		job.Error = cause.Error()
	}
	rc.running = false
	if rc.cancel != nil {
		rc.cancel()
		rc.cancel = nil
	}
	snapshot := *job
	rc.mu.Unlock()

	metrics.ReplayRuns.WithLabelValues(status).Inc()
	if err := rc.jobs.UpdateReplayJob(context.Background(), &snapshot); err != nil {
		rc.logger.Errorw("Failed to persist replay result", "job_id", job.ID, "error", err)
	}

	switch status {
	case core.ReplayError:
		rc.logger.Errorw("Replay failed", "job_id", job.ID, "error", cause)
	default:
		rc.logger.Infow("Replay finished",
			"job_id", job.ID, "status", status,
			"events_scanned", snapshot.EventsScanned, "alerts_created", snapshot.AlertsCreated)
	}
}
