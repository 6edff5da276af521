package service

import (
	"fmt"

	"sitewatch/core"
	"sitewatch/storage"
	"go.uber.org/zap"
)

// ConditionService validates and persists named conditions. Deletion
// and deactivation are guarded: a condition referenced by an active
// logic rule cannot be removed from under it.
type ConditionService struct {
	store  storage.ConditionStorer
	rules  storage.RuleStorer
	logger *zap.SugaredLogger
}

// NewConditionService creates the service.
func NewConditionService(store storage.ConditionStorer, rules storage.RuleStorer, logger *zap.SugaredLogger) *ConditionService {
	return &ConditionService{store: store, rules: rules, logger: logger}
}

// CreateCondition normalizes, validates and persists a condition.
func (s *ConditionService) CreateCondition(cond *core.NamedCondition) error {
	cond.Normalize()
	if err := cond.Validate(); err != nil {
		return err
	}
	if err := s.store.CreateCondition(cond); err != nil {
		return err
	}
	s.logger.Infow("Condition created", "code", cond.Code, "type", cond.Type)
	return nil
}

// GetCondition returns one condition by code.
func (s *ConditionService) GetCondition(code string) (*core.NamedCondition, error) {
	return s.store.GetCondition(code)
}

// ListConditions returns conditions with pagination.
func (s *ConditionService) ListConditions(limit, offset int) ([]*core.NamedCondition, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.GetConditions(limit, offset)
}

// UpdateCondition replaces a condition after validation. Deactivating a
// condition still referenced by an active logic rule is rejected.
func (s *ConditionService) UpdateCondition(cond *core.NamedCondition) error {
	cond.Normalize()
	if err := cond.Validate(); err != nil {
		return err
	}
	if !cond.IsActive {
		if err := s.ensureUnreferenced(cond.Code); err != nil {
			return err
		}
	}
	if err := s.store.UpdateCondition(cond); err != nil {
		return err
	}
	s.logger.Infow("Condition updated", "code", cond.Code)
	return nil
}

// DeleteCondition removes a condition unless an active logic rule still
// references it.
func (s *ConditionService) DeleteCondition(code string) error {
	if err := s.ensureUnreferenced(code); err != nil {
		return err
	}
	if err := s.store.DeleteCondition(code); err != nil {
		return err
	}
	s.logger.Infow("Condition deleted", "code", code)
	return nil
}

// ensureUnreferenced fails when any active logic rule references code.
func (s *ConditionService) ensureUnreferenced(code string) error {
	rules, err := s.rules.GetActiveRules()
	if err != nil {
		return fmt.Errorf("failed to check condition references: %w", err)
	}
	for _, rule := range rules {
		if rule.Mode != core.ModeLogic || rule.Logic == nil || rule.Logic.Tree == nil {
			continue
		}
		for _, ref := range rule.Logic.Tree.RefCodes() {
			if ref == code {
				return &core.ValidationError{
					Field:   "code",
					Message: fmt.Sprintf("condition %q is referenced by active rule %q", code, rule.Name),
				}
			}
		}
	}
	return nil
}
