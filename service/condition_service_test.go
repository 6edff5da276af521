package service

import (
	"testing"

	"sitewatch/core"
	"sitewatch/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memConditionStore struct {
	conditions map[string]*core.NamedCondition
}

func newMemConditionStore() *memConditionStore {
	return &memConditionStore{conditions: make(map[string]*core.NamedCondition)}
}

func (m *memConditionStore) CreateCondition(cond *core.NamedCondition) error {
	clone := *cond
	m.conditions[cond.Code] = &clone
	return nil
}

func (m *memConditionStore) GetCondition(code string) (*core.NamedCondition, error) {
	cond, ok := m.conditions[code]
	if !ok {
		return nil, storage.ErrConditionNotFound
	}
	clone := *cond
	return &clone, nil
}

func (m *memConditionStore) GetConditions(limit, offset int) ([]*core.NamedCondition, error) {
	var out []*core.NamedCondition
	for _, c := range m.conditions {
		out = append(out, c)
	}
	return out, nil
}

func (m *memConditionStore) UpdateCondition(cond *core.NamedCondition) error {
	if _, ok := m.conditions[cond.Code]; !ok {
		return storage.ErrConditionNotFound
	}
	clone := *cond
	m.conditions[cond.Code] = &clone
	return nil
}

func (m *memConditionStore) DeleteCondition(code string) error {
	if _, ok := m.conditions[code]; !ok {
		return storage.ErrConditionNotFound
	}
	delete(m.conditions, code)
	return nil
}

func (m *memConditionStore) GetActiveConditionsByCodes(codes []string) (map[string]*core.NamedCondition, error) {
	out := make(map[string]*core.NamedCondition)
	for _, code := range codes {
		if c, ok := m.conditions[code]; ok && c.IsActive {
			out[code] = c
		}
	}
	return out, nil
}

func validCondition(code string) *core.NamedCondition {
	return &core.NamedCondition{
		Code:     code,
		Type:     core.ConditionSimple,
		IsActive: true,
		Simple:   &core.SimpleSpec{MatchKeyword: "intrusion", FrequencyCount: 1},
	}
}

func newConditionService(t *testing.T, rules *memRuleStore) (*ConditionService, *memConditionStore) {
	t.Helper()
	store := newMemConditionStore()
	return NewConditionService(store, rules, zap.NewNop().Sugar()), store
}

func logicRuleReferencing(code string) *core.Rule {
	return &core.Rule{
		ID:       "rule-logic",
		Name:     "Uses " + code,
		Mode:     core.ModeLogic,
		IsActive: true,
		Logic:    &core.LogicSpec{Tree: &core.LogicNode{Ref: core.RefPrefix + code}},
	}
}

func TestConditionCRUD(t *testing.T) {
	svc, _ := newConditionService(t, newMemRuleStore())

	cond := validCondition("intr")
	require.NoError(t, svc.CreateCondition(cond))

	got, err := svc.GetCondition("intr")
	require.NoError(t, err)
	assert.Equal(t, core.ConditionSimple, got.Type)

	got.Label = "Intrusion"
	require.NoError(t, svc.UpdateCondition(got))

	require.NoError(t, svc.DeleteCondition("intr"))
	_, err = svc.GetCondition("intr")
	assert.ErrorIs(t, err, storage.ErrConditionNotFound)
}

func TestConditionValidationRejected(t *testing.T) {
	svc, _ := newConditionService(t, newMemRuleStore())

	err := svc.CreateCondition(&core.NamedCondition{Code: "bad code", Type: core.ConditionSimple,
		Simple: &core.SimpleSpec{FrequencyCount: 1}})
	require.Error(t, err)
	var verr *core.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestConditionDeleteGuardedByActiveRule(t *testing.T) {
	rules := newMemRuleStore()
	require.NoError(t, rules.CreateRule(logicRuleReferencing("intr")))
	svc, _ := newConditionService(t, rules)

	require.NoError(t, svc.CreateCondition(validCondition("intr")))

	err := svc.DeleteCondition("intr")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "referenced by active rule")

	// Once the referencing rule is inactive, deletion goes through.
	rule := rules.rules["rule-logic"]
	rule.IsActive = false
	require.NoError(t, svc.DeleteCondition("intr"))
}

func TestConditionDeactivationGuarded(t *testing.T) {
	rules := newMemRuleStore()
	require.NoError(t, rules.CreateRule(logicRuleReferencing("intr")))
	svc, _ := newConditionService(t, rules)

	cond := validCondition("intr")
	require.NoError(t, svc.CreateCondition(cond))

	cond.IsActive = false
	err := svc.UpdateCondition(cond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "referenced by active rule")
}
