package detect

import (
	"context"
	"testing"
	"time"

	"sitewatch/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRecentEvents struct {
	events []*core.Event
}

func (f *fakeRecentEvents) GetRecentEvents(_ context.Context, cutoff time.Time, limit int) ([]*core.Event, error) {
	// Most recent first, as the store would return them.
	var out []*core.Event
	for i := len(f.events) - 1; i >= 0; i-- {
		e := f.events[i]
		if !cutoff.IsZero() && e.Timestamp.After(cutoff) {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func newDryRunFixture(t *testing.T, events []*core.Event) (*DryRunSimulator, *RuleEngine) {
	t.Helper()
	engine := newTestEngine(t, nil, nil, nil)
	sim := NewDryRunSimulator(engine, &fakeRecentEvents{events: events}, 200, zap.NewNop().Sugar())
	return sim, engine
}

func TestDryRunSimulate(t *testing.T) {
	events := []*core.Event{
		engineEvent("e1", "LYO", "", "ALARME INTRUSION zone 1", engBase),
		engineEvent("e2", "LYO", "", "porte ouverte", engBase.Add(5*time.Minute)),
		engineEvent("e3", "LYO", "", "ALARME INTRUSION zone 2", engBase.Add(10*time.Minute)),
	}
	sim, _ := newDryRunFixture(t, events)

	rule := simpleRule("")
	res, err := sim.Simulate(context.Background(), rule, DryRunRequest{})
	require.NoError(t, err)

	assert.Equal(t, 3, res.EvaluatedCount)
	assert.Equal(t, 1, res.MatchedCount, "threshold of 2 is crossed at the second intrusion")
	require.Len(t, res.Results, 3)
	assert.False(t, res.Results[0].Matched)
	assert.False(t, res.Results[1].Matched)
	assert.True(t, res.Results[2].Matched)
	assert.NotEmpty(t, res.Results[2].Details)
}

func TestDryRunDoesNotTouchLiveState(t *testing.T) {
	events := []*core.Event{
		engineEvent("e1", "LYO", "", "intrusion", engBase),
		engineEvent("e2", "LYO", "", "intrusion", engBase.Add(time.Minute)),
	}
	sim, engine := newDryRunFixture(t, events)

	rule := simpleRule("rule-live")
	_, err := sim.Simulate(context.Background(), rule, DryRunRequest{})
	require.NoError(t, err)

	// The live engine starts cold: its first evaluation of the same rule
	// must not see the dry run's accumulated matches.
	v := engine.EvaluateRule(rule, engineEvent("e3", "LYO", "", "intrusion", engBase.Add(2*time.Minute)), time.Time{})
	assert.False(t, v.Triggered)
}

func TestDryRunIgnoresLiveState(t *testing.T) {
	events := []*core.Event{
		engineEvent("e1", "LYO", "", "intrusion", engBase),
		engineEvent("e2", "LYO", "", "intrusion", engBase.Add(time.Minute)),
	}
	sim, engine := newDryRunFixture(t, events)
	rule := simpleRule("rule-live")

	// The same events already went through live ingestion. The
	// simulation replays them from scratch; counting them on top of the
	// live windows would double every match.
	for _, e := range events {
		engine.EvaluateRule(rule, e, time.Time{})
	}

	res, err := sim.Simulate(context.Background(), rule, DryRunRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.MatchedCount, "threshold of 2 crossed exactly once")
	require.Len(t, res.Results, 2)
	assert.False(t, res.Results[0].Matched, "a single match cannot cross the threshold")
	assert.True(t, res.Results[1].Matched)
}

func TestDryRunIsDeterministic(t *testing.T) {
	events := []*core.Event{
		engineEvent("e1", "LYO", "", "intrusion", engBase),
		engineEvent("e2", "PAR", "", "intrusion", engBase.Add(time.Minute)),
		engineEvent("e3", "LYO", "", "intrusion", engBase.Add(2*time.Minute)),
	}
	sim, _ := newDryRunFixture(t, events)
	rule := simpleRule("")

	first, err := sim.Simulate(context.Background(), rule, DryRunRequest{})
	require.NoError(t, err)
	second, err := sim.Simulate(context.Background(), rule, DryRunRequest{})
	require.NoError(t, err)

	assert.Equal(t, first.MatchedCount, second.MatchedCount)
	require.Equal(t, len(first.Results), len(second.Results))
	for i := range first.Results {
		assert.Equal(t, first.Results[i].Matched, second.Results[i].Matched)
	}
}

func TestDryRunReferenceTimeCutoff(t *testing.T) {
	events := []*core.Event{
		engineEvent("e1", "LYO", "", "intrusion", engBase),
		engineEvent("e2", "LYO", "", "intrusion", engBase.Add(time.Hour)),
	}
	sim, _ := newDryRunFixture(t, events)

	rule := simpleRule("")
	res, err := sim.Simulate(context.Background(), rule, DryRunRequest{ReferenceTime: engBase.Add(30 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.EvaluatedCount, "events after the reference time are out of the simulation")
}

func TestDryRunRejectsInvalidRule(t *testing.T) {
	sim, _ := newDryRunFixture(t, nil)
	rule := &core.Rule{Mode: core.ModeSimple}

	_, err := sim.Simulate(context.Background(), rule, DryRunRequest{})
	require.Error(t, err)
	var verr *core.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestDryRunLimit(t *testing.T) {
	var events []*core.Event
	for i := 0; i < 10; i++ {
		events = append(events, engineEvent("e", "LYO", "", "intrusion", engBase.Add(time.Duration(i)*time.Minute)))
	}
	sim, _ := newDryRunFixture(t, events)

	rule := simpleRule("")
	res, err := sim.Simulate(context.Background(), rule, DryRunRequest{Limit: 4})
	require.NoError(t, err)
	assert.Equal(t, 4, res.EvaluatedCount)
}

func TestTestSample(t *testing.T) {
	sim, _ := newDryRunFixture(t, nil)

	rule := simpleRule("")
	rule.Simple.FrequencyCount = 1
	verdict, event, err := sim.TestSample(rule, `="ALARME INTRUSION"`, "LYO")
	require.NoError(t, err)
	assert.True(t, verdict.Triggered, "Excel-wrapped sample text still matches after normalization")
	assert.Equal(t, "LYO", event.SiteCode)

	verdict, _, err = sim.TestSample(rule, "rien a signaler", "LYO")
	require.NoError(t, err)
	assert.False(t, verdict.Triggered)
}

func TestTestSampleDefaultsToRuleSite(t *testing.T) {
	sim, _ := newDryRunFixture(t, nil)

	rule := simpleRule("")
	rule.Simple.FrequencyCount = 1
	rule.ScopeSiteCode = "LYO"

	// No site supplied: the sample inherits the rule's scope so a
	// site-scoped rule can match its own sample.
	verdict, event, err := sim.TestSample(rule, "ALARME INTRUSION", "")
	require.NoError(t, err)
	assert.Equal(t, "LYO", event.SiteCode)
	assert.True(t, verdict.Triggered)

	rule.ScopeSiteCode = ""
	_, event, err = sim.TestSample(rule, "ALARME INTRUSION", "")
	require.NoError(t, err)
	assert.Equal(t, "TEST-SITE", event.SiteCode)
}
