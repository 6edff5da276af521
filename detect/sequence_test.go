package detect

import (
	"fmt"
	"testing"
	"time"

	"sitewatch/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var seqBase = time.Date(2026, 6, 9, 10, 0, 0, 0, time.UTC)

func seqSpec(maxDelay int) core.SequenceSpec {
	return core.SequenceSpec{
		ACategory:       "INTRUSION",
		BCategory:       "TECHNIQUE",
		MaxDelaySeconds: maxDelay,
		LookbackDays:    2,
	}
}

func seqEvent(id string, offset time.Duration) *core.Event {
	return &core.Event{ID: id, SiteCode: "LYO", Timestamp: seqBase.Add(offset)}
}

func TestSequenceBasicPair(t *testing.T) {
	sd := NewSequenceDetector(zap.NewNop().Sugar())
	spec := seqSpec(60)

	hit, pair, _ := sd.Observe("rule-1", "LYO", seqEvent("a1", 0), true, false, spec)
	assert.False(t, hit)
	assert.Nil(t, pair)

	hit, pair, detail := sd.Observe("rule-1", "LYO", seqEvent("b1", 30*time.Second), false, true, spec)
	require.True(t, hit)
	require.NotNil(t, pair)
	assert.Equal(t, "a1", pair.AEventID)
	assert.Equal(t, "b1", pair.BEventID)
	assert.Contains(t, detail, "SEQUENCE MATCHED")

	// The pending state was consumed: another B finds nothing.
	hit, _, _ = sd.Observe("rule-1", "LYO", seqEvent("b2", 40*time.Second), false, true, spec)
	assert.False(t, hit)
}

func TestSequenceMaxDelayExceeded(t *testing.T) {
	sd := NewSequenceDetector(zap.NewNop().Sugar())
	spec := seqSpec(60)

	sd.Observe("rule-1", "LYO", seqEvent("a1", 0), true, false, spec)
	hit, _, _ := sd.Observe("rule-1", "LYO", seqEvent("b1", 90*time.Second), false, true, spec)
	assert.False(t, hit, "B past the max delay must not pair")
}

func TestSequenceMostRecentAOverwrites(t *testing.T) {
	sd := NewSequenceDetector(zap.NewNop().Sugar())
	spec := seqSpec(4)

	sd.Observe("rule-1", "LYO", seqEvent("a1", 0), true, false, spec)
	sd.Observe("rule-1", "LYO", seqEvent("a2", 10*time.Second), true, false, spec)

	// B at t+15 is 15s after a1 but only 5s after a2; the newer A is the
	// pending one and 5s exceeds the 4s budget.
	hit, _, _ := sd.Observe("rule-1", "LYO", seqEvent("b1", 15*time.Second), false, true, spec)
	assert.False(t, hit)
}

func TestSequenceBBeforeAnyA(t *testing.T) {
	sd := NewSequenceDetector(zap.NewNop().Sugar())
	spec := seqSpec(60)

	hit, _, detail := sd.Observe("rule-1", "LYO", seqEvent("b1", 0), false, true, spec)
	assert.False(t, hit)
	assert.Contains(t, detail, "No valid sequence")
}

func TestSequenceLookbackExpiry(t *testing.T) {
	sd := NewSequenceDetector(zap.NewNop().Sugar())
	spec := seqSpec(60)
	spec.LookbackDays = 1

	sd.Observe("rule-1", "LYO", seqEvent("a1", 0), true, false, spec)

	// The next event for the key arrives past the lookback bound; even a
	// hypothetical in-delay B would find no pending A.
	hit, _, _ := sd.Observe("rule-1", "LYO", seqEvent("b1", 25*time.Hour), false, true, spec)
	assert.False(t, hit)
	assert.Equal(t, 0, sd.Len(), "expired state is discarded")
}

func TestSequenceEventMatchingBothSides(t *testing.T) {
	sd := NewSequenceDetector(zap.NewNop().Sugar())
	spec := seqSpec(60)

	sd.Observe("rule-1", "LYO", seqEvent("a1", 0), true, false, spec)

	// An event matching both filters completes the pending pair rather
	// than restarting the sequence.
	hit, pair, _ := sd.Observe("rule-1", "LYO", seqEvent("ab", 10*time.Second), true, true, spec)
	require.True(t, hit)
	assert.Equal(t, "a1", pair.AEventID)
}

func TestSequenceSitesAreIndependent(t *testing.T) {
	sd := NewSequenceDetector(zap.NewNop().Sugar())
	spec := seqSpec(60)

	sd.Observe("rule-1", "LYO", seqEvent("a1", 0), true, false, spec)

	bElsewhere := &core.Event{ID: "b1", SiteCode: "PAR", Timestamp: seqBase.Add(10 * time.Second)}
	hit, _, _ := sd.Observe("rule-1", "PAR", bElsewhere, false, true, spec)
	assert.False(t, hit, "an A at another site must not pair")
}

func TestSequenceFreshIsolation(t *testing.T) {
	sd := NewSequenceDetector(zap.NewNop().Sugar())
	spec := seqSpec(60)
	sd.Observe("rule-1", "LYO", seqEvent("a1", 0), true, false, spec)

	// A fresh instance never sees the live pending A.
	fresh := sd.Fresh()
	hit, _, _ := fresh.Observe("rule-1", "LYO", seqEvent("b1", 10*time.Second), false, true, spec)
	assert.False(t, hit)

	// The source still holds its pending A.
	hit, _, _ = sd.Observe("rule-1", "LYO", seqEvent("b2", 20*time.Second), false, true, spec)
	assert.True(t, hit)
}

func TestSequenceResetKey(t *testing.T) {
	sd := NewSequenceDetector(zap.NewNop().Sugar())
	spec := seqSpec(60)

	for i, site := range []string{"LYO", "PAR"} {
		sd.Observe("rule-1", site, seqEvent(fmt.Sprintf("a%d", i), 0), true, false, spec)
	}
	sd.Observe("rule-2", "LYO", seqEvent("a9", 0), true, false, spec)
	assert.Equal(t, 3, sd.Len())

	sd.ResetKey("rule-1")
	assert.Equal(t, 1, sd.Len())
}
