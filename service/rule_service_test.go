package service

import (
	"context"
	"testing"

	"sitewatch/core"
	"sitewatch/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memRuleStore struct {
	rules          map[string]*core.Rule
	activeFetches  int
	getRuleFetches int
}

func newMemRuleStore() *memRuleStore {
	return &memRuleStore{rules: make(map[string]*core.Rule)}
}

func (m *memRuleStore) CreateRule(rule *core.Rule) error {
	clone := *rule
	m.rules[rule.ID] = &clone
	return nil
}

func (m *memRuleStore) GetRule(id string) (*core.Rule, error) {
	m.getRuleFetches++
	rule, ok := m.rules[id]
	if !ok {
		return nil, storage.ErrRuleNotFound
	}
	clone := *rule
	return &clone, nil
}

func (m *memRuleStore) GetRules(limit, offset int) ([]*core.Rule, error) {
	var out []*core.Rule
	for _, r := range m.rules {
		out = append(out, r)
	}
	return out, nil
}

func (m *memRuleStore) GetActiveRules() ([]*core.Rule, error) {
	m.activeFetches++
	var out []*core.Rule
	for _, r := range m.rules {
		if r.IsActive {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRuleStore) UpdateRule(rule *core.Rule) error {
	if _, ok := m.rules[rule.ID]; !ok {
		return storage.ErrRuleNotFound
	}
	clone := *rule
	m.rules[rule.ID] = &clone
	return nil
}

func (m *memRuleStore) DeleteRule(id string) error {
	if _, ok := m.rules[id]; !ok {
		return storage.ErrRuleNotFound
	}
	delete(m.rules, id)
	return nil
}

func (m *memRuleStore) CountRules() (int, error) {
	return len(m.rules), nil
}

func validRule(name string) *core.Rule {
	return &core.Rule{
		Name:     name,
		Mode:     core.ModeSimple,
		IsActive: true,
		Simple:   &core.SimpleSpec{MatchKeyword: "intrusion", FrequencyCount: 1},
	}
}

func newRuleService(t *testing.T) (*RuleService, *memRuleStore) {
	t.Helper()
	store := newMemRuleStore()
	svc, err := NewRuleService(store, 16, zap.NewNop().Sugar())
	require.NoError(t, err)
	return svc, store
}

func TestCreateRuleAssignsIDAndValidates(t *testing.T) {
	svc, store := newRuleService(t)

	rule := validRule("Intrusion")
	require.NoError(t, svc.CreateRule(rule))
	assert.NotEmpty(t, rule.ID)
	assert.Contains(t, store.rules, rule.ID)

	bad := &core.Rule{Mode: core.ModeSimple}
	err := svc.CreateRule(bad)
	require.Error(t, err)
	var verr *core.ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.Equal(t, "name", verr.Field)
}

func TestGetRuleUsesCache(t *testing.T) {
	svc, store := newRuleService(t)
	rule := validRule("Cached")
	require.NoError(t, svc.CreateRule(rule))

	first, err := svc.GetRule(rule.ID)
	require.NoError(t, err)
	fetches := store.getRuleFetches

	second, err := svc.GetRule(rule.ID)
	require.NoError(t, err)
	assert.Equal(t, fetches, store.getRuleFetches, "second read is served from cache")
	assert.Equal(t, first.Name, second.Name)
}

func TestActiveRulesCacheInvalidation(t *testing.T) {
	svc, store := newRuleService(t)
	ctx := context.Background()

	rule := validRule("One")
	require.NoError(t, svc.CreateRule(rule))

	_, err := svc.GetActiveRules(ctx)
	require.NoError(t, err)
	_, err = svc.GetActiveRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, store.activeFetches, "repeated reads hit the cache")

	rule.IsActive = false
	require.NoError(t, svc.UpdateRule(rule))

	active, err := svc.GetActiveRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.Equal(t, 2, store.activeFetches, "write invalidated the snapshot")
}

func TestPatchRuleMergesAndRevalidates(t *testing.T) {
	svc, _ := newRuleService(t)
	rule := validRule("Patchable")
	rule.Simple.FrequencyCount = 3
	require.NoError(t, svc.CreateRule(rule))

	patched, err := svc.PatchRule(rule.ID, []byte(`{"is_active": false, "description": "paused"}`))
	require.NoError(t, err)
	assert.False(t, patched.IsActive)
	assert.Equal(t, "paused", patched.Description)
	require.NotNil(t, patched.Simple)
	assert.Equal(t, 3, patched.Simple.FrequencyCount, "unpatched fields survive")

	// A patch producing an invalid rule is rejected wholesale.
	_, err = svc.PatchRule(rule.ID, []byte(`{"time_scope": "LUNCH"}`))
	require.Error(t, err)
	got, err := svc.GetRule(rule.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ScopeNone, got.TimeScope, "stored rule unchanged after failed patch")

	_, err = svc.PatchRule("missing", []byte(`{}`))
	assert.ErrorIs(t, err, storage.ErrRuleNotFound)
}

func TestPatchRuleModeSwitchClearsPayloads(t *testing.T) {
	svc, _ := newRuleService(t)
	rule := validRule("Switcher")
	require.NoError(t, svc.CreateRule(rule))

	patch := []byte(`{
		"mode": "sequence",
		"sequence": {"seq_a_keyword": "intrusion", "seq_b_keyword": "defaut", "seq_max_delay_seconds": 300}
	}`)
	patched, err := svc.PatchRule(rule.ID, patch)
	require.NoError(t, err)
	assert.Equal(t, core.ModeSequence, patched.Mode)
	assert.Nil(t, patched.Simple, "switching modes drops the old payload")
	require.NotNil(t, patched.Sequence)
}

func TestDeleteRule(t *testing.T) {
	svc, _ := newRuleService(t)
	rule := validRule("Doomed")
	require.NoError(t, svc.CreateRule(rule))

	require.NoError(t, svc.DeleteRule(rule.ID))
	_, err := svc.GetRule(rule.ID)
	assert.ErrorIs(t, err, storage.ErrRuleNotFound)
}
