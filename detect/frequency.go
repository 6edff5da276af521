package detect

import (
	"sort"
	"sync"
	"time"

	"sitewatch/metrics"
	"go.uber.org/zap"
)

// FrequencyAggregator maintains per-(rule, site) sliding windows of
// qualifying event timestamps and decides threshold crossings. All
// state lives in a keyed map guarded by one mutex per aggregator; the
// engine owns one shared aggregator for live ingestion and replay, and
// dry runs operate on fresh disposable instances.
type FrequencyAggregator struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	// maxPerKey caps one key's retained timestamps so an unbounded
	// all-time window cannot exhaust memory.
	maxPerKey int
	logger    *zap.SugaredLogger
	// shared marks the engine-owned instance; clones skip gauge updates
	// so dry runs do not disturb the metric.
	shared bool
}

// FrequencyParams is the windowing part of a simple spec.
type FrequencyParams struct {
	Count int
	// WindowSeconds applies when SlidingDays is zero; zero for both
	// means an all-time count.
	WindowSeconds int
	SlidingDays   int
	OpenOnly      bool
}

// NewFrequencyAggregator creates the engine's shared aggregator.
func NewFrequencyAggregator(maxPerKey int, logger *zap.SugaredLogger) *FrequencyAggregator {
	if maxPerKey <= 0 {
		maxPerKey = 10000
	}
	return &FrequencyAggregator{
		entries:   make(map[string][]time.Time),
		maxPerKey: maxPerKey,
		logger:    logger,
		shared:    true,
	}
}

// Record registers a qualifying event for (key, site) at eventTime and
// reports whether the threshold is crossed. now is the reference time
// windows age against: the event time during live ingestion and
// replay, or the dry-run override. Counting is decided at recording
// time; later incident-closure transitions never retract a count.
//
// incidentOpen only matters when params.OpenOnly is set: a qualifying
// event whose incident is already closed is evicted immediately
// regardless of age, so it never contributes to the count.
func (fa *FrequencyAggregator) Record(key, site string, eventTime, now time.Time, incidentOpen bool, params FrequencyParams) (bool, int) {
	if params.Count < 1 {
		params.Count = 1
	}

	fa.mu.Lock()
	defer fa.mu.Unlock()

	k := key + "\x00" + site
	times := fa.entries[k]

	if !params.OpenOnly || incidentOpen {
		// Insert preserving order; replay feeds events in ascending
		// event time, live ingestion is close enough that append wins.
		if n := len(times); n > 0 && eventTime.Before(times[n-1]) {
			idx := sort.Search(n, func(i int) bool { return times[i].After(eventTime) })
			times = append(times, time.Time{})
			copy(times[idx+1:], times[idx:])
			times[idx] = eventTime
		} else {
			times = append(times, eventTime)
		}
	}

	times = evictWindow(times, now, params)
	if len(times) > fa.maxPerKey {
		times = times[len(times)-fa.maxPerKey:]
	}

	if len(times) == 0 {
		delete(fa.entries, k)
	} else {
		fa.entries[k] = times
	}
	if fa.shared {
		metrics.FrequencyEntries.Set(float64(len(fa.entries)))
	}

	return len(times) >= params.Count, len(times)
}

// evictWindow drops timestamps older than the rule's window relative
// to now. The sliding-day window supersedes the fixed-second window;
// zero for both means no temporal constraint.
func evictWindow(times []time.Time, now time.Time, params FrequencyParams) []time.Time {
	var cutoff time.Time
	switch {
	case params.SlidingDays > 0:
		cutoff = now.AddDate(0, 0, -params.SlidingDays)
	case params.WindowSeconds > 0:
		cutoff = now.Add(-time.Duration(params.WindowSeconds) * time.Second)
	default:
		return times
	}

	idx := sort.Search(len(times), func(i int) bool { return !times[i].Before(cutoff) })
	if idx == 0 {
		return times
	}
	return append([]time.Time(nil), times[idx:]...)
}

// Fresh returns an empty aggregator for dry-run isolation. It shares
// nothing with the source and never touches shared gauges; only the
// simulated history feeds it.
func (fa *FrequencyAggregator) Fresh() *FrequencyAggregator {
	return &FrequencyAggregator{
		entries:   make(map[string][]time.Time),
		maxPerKey: fa.maxPerKey,
		logger:    fa.logger,
	}
}

// Reset clears all windows. Replay resets state before reprocessing so
// counts are a pure function of the historical stream.
func (fa *FrequencyAggregator) Reset() {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	fa.entries = make(map[string][]time.Time)
	if fa.shared {
		metrics.FrequencyEntries.Set(0)
	}
}

// ResetKey clears the windows of a single rule across all sites.
func (fa *FrequencyAggregator) ResetKey(key string) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	prefix := key + "\x00"
	for k := range fa.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(fa.entries, k)
		}
	}
}

// Len reports the number of live (rule, site) windows.
func (fa *FrequencyAggregator) Len() int {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return len(fa.entries)
}
