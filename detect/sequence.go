package detect

import (
	"fmt"
	"sync"
	"time"

	"sitewatch/core"
	"sitewatch/metrics"
	"go.uber.org/zap"
)

// pendingA remembers an unmatched A occurrence awaiting its B. At most
// one is retained per (rule, site): a newer A overwrites an unmatched
// one (most-recent-A policy).
type pendingA struct {
	eventID string
	at      time.Time
}

// MatchedPair describes a completed A-then-B correlation.
type MatchedPair struct {
	AEventID string
	ATime    time.Time
	BEventID string
	BTime    time.Time
}

// SequenceDetector is the per-(rule, site) state machine for
// "A then B within Δt" rules. Expiry of stale pending state is lazy:
// it is checked when the next event for the key arrives, there is no
// background timer. A lapsed state is not an error and is only logged
// at debug level.
type SequenceDetector struct {
	mu      sync.Mutex
	pending map[string]pendingA
	logger  *zap.SugaredLogger
	shared  bool
}

// NewSequenceDetector creates the engine's shared detector.
func NewSequenceDetector(logger *zap.SugaredLogger) *SequenceDetector {
	return &SequenceDetector{
		pending: make(map[string]pendingA),
		logger:  logger,
		shared:  true,
	}
}

// Observe feeds one event into the (key, site) state machine.
// matchesA/matchesB are the filter results for the event against the
// rule's two sub-filters; spec is the rule's sequence payload. Returns
// the matched pair when the sequence completes.
func (sd *SequenceDetector) Observe(key, site string, event *core.Event, matchesA, matchesB bool, spec core.SequenceSpec) (bool, *MatchedPair, string) {
	sd.mu.Lock()
	defer sd.mu.Unlock()

	k := key + "\x00" + site
	state, hasPending := sd.pending[k]

	// Lazy lookback expiry: a pending A older than the lookback window
	// is discarded before anything else happens.
	if hasPending {
		lookback := time.Duration(spec.LookbackDays) * 24 * time.Hour
		if spec.LookbackDays > 0 && event.Timestamp.Sub(state.at) > lookback {
			sd.logger.Debugw("Sequence state expired",
				"key", key, "site", site, "a_event", state.eventID, "age", event.Timestamp.Sub(state.at))
			delete(sd.pending, k)
			hasPending = false
		}
	}

	if hasPending && matchesB {
		delay := event.Timestamp.Sub(state.at)
		if delay >= 0 && delay <= time.Duration(spec.MaxDelaySeconds)*time.Second {
			pair := &MatchedPair{
				AEventID: state.eventID,
				ATime:    state.at,
				BEventID: event.ID,
				BTime:    event.Timestamp,
			}
			delete(sd.pending, k)
			sd.updateGauge()
			detail := fmt.Sprintf("SEQUENCE MATCHED: A(id:%s, time:%s) followed by B(id:%s, time:%s), delay %.0fs (max allowed: %ds)",
				pair.AEventID, pair.ATime.Format(time.RFC3339), pair.BEventID, pair.BTime.Format(time.RFC3339),
				delay.Seconds(), spec.MaxDelaySeconds)
			return true, pair, detail
		}
	}

	if matchesA {
		// Most-recent-A: an earlier unmatched A is discarded without
		// emitting, so a very old A cannot pair with an unrelated B.
		sd.pending[k] = pendingA{eventID: event.ID, at: event.Timestamp}
		sd.updateGauge()
		return false, nil, "Sequence step A observed, awaiting B"
	}

	return false, nil, "No valid sequence (A->B) found in lookback window."
}

func (sd *SequenceDetector) updateGauge() {
	if sd.shared {
		metrics.SequenceStates.Set(float64(len(sd.pending)))
	}
}

// Fresh returns an empty detector for dry-run isolation.
func (sd *SequenceDetector) Fresh() *SequenceDetector {
	return &SequenceDetector{pending: make(map[string]pendingA), logger: sd.logger}
}

// Reset clears all pending state.
func (sd *SequenceDetector) Reset() {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	sd.pending = make(map[string]pendingA)
	sd.updateGauge()
}

// ResetKey clears the pending state of a single rule across all sites.
func (sd *SequenceDetector) ResetKey(key string) {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	prefix := key + "\x00"
	for k := range sd.pending {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(sd.pending, k)
		}
	}
	sd.updateGauge()
}

// Len reports the number of pending sequence states.
func (sd *SequenceDetector) Len() int {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return len(sd.pending)
}
