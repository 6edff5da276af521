// Package service holds the application logic between the HTTP API and
// storage: validation, identifier assignment and rule caching.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"sitewatch/core"
	"sitewatch/storage"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RuleService validates and persists rules and serves the engine's
// active-rule set from cache. Every write path invalidates, so the
// engine sees a change on the next event at the latest.
type RuleService struct {
	store  storage.RuleStorer
	byID   *lru.Cache[string, *core.Rule]
	logger *zap.SugaredLogger

	mu     sync.Mutex
	active []*core.Rule // nil means stale
}

// NewRuleService creates the service with an id-keyed LRU of cacheSize
// entries.
func NewRuleService(store storage.RuleStorer, cacheSize int, logger *zap.SugaredLogger) (*RuleService, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	byID, err := lru.New[string, *core.Rule](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create rule cache: %w", err)
	}
	return &RuleService{store: store, byID: byID, logger: logger}, nil
}

// CreateRule normalizes, validates and persists a new rule, assigning
// its id.
func (s *RuleService) CreateRule(rule *core.Rule) error {
	rule.Normalize()
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if err := s.store.CreateRule(rule); err != nil {
		return err
	}
	s.invalidate(rule.ID)
	s.logger.Infow("Rule created", "rule_id", rule.ID, "name", rule.Name, "mode", rule.Mode)
	return nil
}

// GetRule returns one rule, from cache when possible.
func (s *RuleService) GetRule(id string) (*core.Rule, error) {
	if rule, ok := s.byID.Get(id); ok {
		return rule, nil
	}
	rule, err := s.store.GetRule(id)
	if err != nil {
		return nil, err
	}
	s.byID.Add(id, rule)
	return rule, nil
}

// ListRules returns rules with pagination and the total count.
func (s *RuleService) ListRules(limit, offset int) ([]*core.Rule, int, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rules, err := s.store.GetRules(limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.store.CountRules()
	if err != nil {
		return nil, 0, err
	}
	return rules, total, nil
}

// UpdateRule replaces a rule after full validation.
func (s *RuleService) UpdateRule(rule *core.Rule) error {
	rule.Normalize()
	if err := rule.Validate(); err != nil {
		return err
	}
	if err := s.store.UpdateRule(rule); err != nil {
		return err
	}
	s.invalidate(rule.ID)
	s.logger.Infow("Rule updated", "rule_id", rule.ID, "name", rule.Name)
	return nil
}

// PatchRule applies a partial JSON update: fields present in the patch
// overwrite the stored rule, everything else is kept. The merged result
// is re-validated as a whole, so a patch can never leave an invalid
// rule behind.
func (s *RuleService) PatchRule(id string, patch []byte) (*core.Rule, error) {
	stored, err := s.store.GetRule(id)
	if err != nil {
		return nil, err
	}

	merged := *stored
	if err := json.Unmarshal(patch, &merged); err != nil {
		return nil, &core.ValidationError{Field: "body", Message: fmt.Sprintf("invalid patch payload: %v", err)}
	}
	merged.ID = id // the id is not patchable

	merged.Normalize()
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.UpdateRule(&merged); err != nil {
		return nil, err
	}
	s.invalidate(id)
	s.logger.Infow("Rule patched", "rule_id", id)
	return &merged, nil
}

// DeleteRule removes a rule and its hits.
func (s *RuleService) DeleteRule(id string) error {
	if err := s.store.DeleteRule(id); err != nil {
		return err
	}
	s.invalidate(id)
	s.logger.Infow("Rule deleted", "rule_id", id)
	return nil
}

// GetActiveRules serves the engine's evaluation set, cached between
// writes.
func (s *RuleService) GetActiveRules(_ context.Context) ([]*core.Rule, error) {
	s.mu.Lock()
	if s.active != nil {
		cached := s.active
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	rules, err := s.store.GetActiveRules()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.active = rules
	s.mu.Unlock()
	return rules, nil
}

func (s *RuleService) invalidate(id string) {
	s.byID.Remove(id)
	s.mu.Lock()
	s.active = nil
	s.mu.Unlock()
}
