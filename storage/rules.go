package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sitewatch/core"
	"go.uber.org/zap"
)

// RuleStorer is the persistence contract for detection rules.
type RuleStorer interface {
	CreateRule(rule *core.Rule) error
	GetRule(id string) (*core.Rule, error)
	GetRules(limit, offset int) ([]*core.Rule, error)
	GetActiveRules() ([]*core.Rule, error)
	UpdateRule(rule *core.Rule) error
	DeleteRule(id string) error
	CountRules() (int, error)
}

// SQLiteRuleStorage handles rule persistence in SQLite.
type SQLiteRuleStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteRuleStorage creates a new SQLite rule storage handler.
func NewSQLiteRuleStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteRuleStorage {
	return &SQLiteRuleStorage{sqlite: sqlite, logger: logger}
}

const ruleColumns = `id, name, description, scope_site_code, time_scope,
	schedule_start, schedule_end, mode, simple_spec, sequence_spec,
	logic_tree, email_notify, is_active, created_at, updated_at`

// CreateRule persists a new rule. Timestamps are set here so every
// caller gets the same clock.
func (s *SQLiteRuleStorage) CreateRule(rule *core.Rule) error {
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	simpleJSON, sequenceJSON, logicJSON, err := marshalRulePayloads(rule)
	if err != nil {
		return err
	}

	_, err = s.sqlite.execWrite(`
		INSERT INTO rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.Name, rule.Description, rule.ScopeSiteCode, string(rule.TimeScope),
		rule.ScheduleStart, rule.ScheduleEnd, string(rule.Mode), simpleJSON, sequenceJSON,
		logicJSON, boolToInt(rule.EmailNotify), boolToInt(rule.IsActive),
		formatTime(rule.CreatedAt), formatTime(rule.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

// GetRule retrieves one rule by id.
func (s *SQLiteRuleStorage) GetRule(id string) (*core.Rule, error) {
	row := s.sqlite.ReadDB.QueryRow(`SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	return rule, err
}

// GetRules retrieves rules with pagination, newest first.
func (s *SQLiteRuleStorage) GetRules(limit, offset int) ([]*core.Rule, error) {
	rows, err := s.sqlite.ReadDB.Query(`
		SELECT `+ruleColumns+` FROM rules
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()
	return collectRules(rows)
}

// GetActiveRules retrieves every active rule, oldest first so engine
// evaluation order is stable.
func (s *SQLiteRuleStorage) GetActiveRules() ([]*core.Rule, error) {
	rows, err := s.sqlite.ReadDB.Query(`
		SELECT ` + ruleColumns + ` FROM rules
		WHERE is_active = 1
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active rules: %w", err)
	}
	defer rows.Close()
	return collectRules(rows)
}

// UpdateRule replaces a rule's stored fields.
func (s *SQLiteRuleStorage) UpdateRule(rule *core.Rule) error {
	rule.UpdatedAt = time.Now().UTC()

	simpleJSON, sequenceJSON, logicJSON, err := marshalRulePayloads(rule)
	if err != nil {
		return err
	}

	res, err := s.sqlite.execWrite(`
		UPDATE rules SET
			name = ?, description = ?, scope_site_code = ?, time_scope = ?,
			schedule_start = ?, schedule_end = ?, mode = ?,
			simple_spec = ?, sequence_spec = ?, logic_tree = ?,
			email_notify = ?, is_active = ?, updated_at = ?
		WHERE id = ?`,
		rule.Name, rule.Description, rule.ScopeSiteCode, string(rule.TimeScope),
		rule.ScheduleStart, rule.ScheduleEnd, string(rule.Mode),
		simpleJSON, sequenceJSON, logicJSON,
		boolToInt(rule.EmailNotify), boolToInt(rule.IsActive), formatTime(rule.UpdatedAt),
		rule.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// DeleteRule removes a rule and its hits.
func (s *SQLiteRuleStorage) DeleteRule(id string) error {
	return s.sqlite.WithTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM hits WHERE rule_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete rule hits: %w", err)
		}
		res, err := tx.Exec(`DELETE FROM rules WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete rule: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrRuleNotFound
		}
		return nil
	})
}

// CountRules returns the total number of rules.
func (s *SQLiteRuleStorage) CountRules() (int, error) {
	var count int
	if err := s.sqlite.ReadDB.QueryRow(`SELECT COUNT(*) FROM rules`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rules: %w", err)
	}
	return count, nil
}

func marshalRulePayloads(rule *core.Rule) (simple, sequence, logic sql.NullString, err error) {
	if rule.Simple != nil {
		data, mErr := json.Marshal(rule.Simple)
		if mErr != nil {
			return simple, sequence, logic, fmt.Errorf("failed to marshal simple spec: %w", mErr)
		}
		simple = sql.NullString{String: string(data), Valid: true}
	}
	if rule.Sequence != nil {
		data, mErr := json.Marshal(rule.Sequence)
		if mErr != nil {
			return simple, sequence, logic, fmt.Errorf("failed to marshal sequence spec: %w", mErr)
		}
		sequence = sql.NullString{String: string(data), Valid: true}
	}
	if rule.Logic != nil && rule.Logic.Tree != nil {
		data, mErr := json.Marshal(rule.Logic.Tree)
		if mErr != nil {
			return simple, sequence, logic, fmt.Errorf("failed to marshal logic tree: %w", mErr)
		}
		logic = sql.NullString{String: string(data), Valid: true}
	}
	return simple, sequence, logic, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*core.Rule, error) {
	var rule core.Rule
	var timeScope, mode string
	var simpleJSON, sequenceJSON, logicJSON sql.NullString
	var emailNotify, isActive int
	var createdAt, updatedAt string

	err := row.Scan(
		&rule.ID, &rule.Name, &rule.Description, &rule.ScopeSiteCode, &timeScope,
		&rule.ScheduleStart, &rule.ScheduleEnd, &mode, &simpleJSON, &sequenceJSON,
		&logicJSON, &emailNotify, &isActive, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.TimeScope = core.TimeScope(timeScope)
	rule.Mode = core.ModeKind(mode)
	rule.EmailNotify = emailNotify == 1
	rule.IsActive = isActive == 1

	if simpleJSON.Valid && simpleJSON.String != "" {
		rule.Simple = &core.SimpleSpec{}
		if err := json.Unmarshal([]byte(simpleJSON.String), rule.Simple); err != nil {
			return nil, fmt.Errorf("failed to unmarshal simple spec of rule %s: %w", rule.ID, err)
		}
	}
	if sequenceJSON.Valid && sequenceJSON.String != "" {
		rule.Sequence = &core.SequenceSpec{}
		if err := json.Unmarshal([]byte(sequenceJSON.String), rule.Sequence); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sequence spec of rule %s: %w", rule.ID, err)
		}
	}
	if logicJSON.Valid && logicJSON.String != "" {
		tree := &core.LogicNode{}
		if err := json.Unmarshal([]byte(logicJSON.String), tree); err != nil {
			return nil, fmt.Errorf("failed to unmarshal logic tree of rule %s: %w", rule.ID, err)
		}
		rule.Logic = &core.LogicSpec{Tree: tree}
	}

	if rule.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if rule.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &rule, nil
}

func collectRules(rows *sql.Rows) ([]*core.Rule, error) {
	var rules []*core.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
