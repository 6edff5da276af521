package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"sitewatch/core"
	"go.uber.org/zap"
)

// ConditionStorer is the persistence contract for named conditions.
type ConditionStorer interface {
	CreateCondition(cond *core.NamedCondition) error
	GetCondition(code string) (*core.NamedCondition, error)
	GetConditions(limit, offset int) ([]*core.NamedCondition, error)
	UpdateCondition(cond *core.NamedCondition) error
	DeleteCondition(code string) error
	GetActiveConditionsByCodes(codes []string) (map[string]*core.NamedCondition, error)
}

// SQLiteConditionStorage handles named-condition persistence in SQLite.
type SQLiteConditionStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteConditionStorage creates a new SQLite condition storage
// handler.
func NewSQLiteConditionStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteConditionStorage {
	return &SQLiteConditionStorage{sqlite: sqlite, logger: logger}
}

const conditionColumns = `code, label, type, simple_spec, sequence_spec, is_active, created_at, updated_at`

// CreateCondition persists a new named condition.
func (s *SQLiteConditionStorage) CreateCondition(cond *core.NamedCondition) error {
	now := time.Now().UTC()
	cond.CreatedAt = now
	cond.UpdatedAt = now

	simpleJSON, sequenceJSON, err := marshalConditionPayloads(cond)
	if err != nil {
		return err
	}

	_, err = s.sqlite.execWrite(`
		INSERT INTO conditions (`+conditionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cond.Code, cond.Label, cond.Type, simpleJSON, sequenceJSON,
		boolToInt(cond.IsActive), formatTime(cond.CreatedAt), formatTime(cond.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert condition: %w", err)
	}
	return nil
}

// GetCondition retrieves one named condition by code.
func (s *SQLiteConditionStorage) GetCondition(code string) (*core.NamedCondition, error) {
	row := s.sqlite.ReadDB.QueryRow(`SELECT `+conditionColumns+` FROM conditions WHERE code = ?`, code)
	cond, err := scanCondition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConditionNotFound
	}
	return cond, err
}

// GetConditions retrieves conditions with pagination, by code.
func (s *SQLiteConditionStorage) GetConditions(limit, offset int) ([]*core.NamedCondition, error) {
	rows, err := s.sqlite.ReadDB.Query(`
		SELECT `+conditionColumns+` FROM conditions
		ORDER BY code ASC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query conditions: %w", err)
	}
	defer rows.Close()

	var conds []*core.NamedCondition
	for rows.Next() {
		cond, err := scanCondition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan condition: %w", err)
		}
		conds = append(conds, cond)
	}
	return conds, rows.Err()
}

// UpdateCondition replaces a condition's stored fields.
func (s *SQLiteConditionStorage) UpdateCondition(cond *core.NamedCondition) error {
	cond.UpdatedAt = time.Now().UTC()

	simpleJSON, sequenceJSON, err := marshalConditionPayloads(cond)
	if err != nil {
		return err
	}

	res, err := s.sqlite.execWrite(`
		UPDATE conditions SET
			label = ?, type = ?, simple_spec = ?, sequence_spec = ?,
			is_active = ?, updated_at = ?
		WHERE code = ?`,
		cond.Label, cond.Type, simpleJSON, sequenceJSON,
		boolToInt(cond.IsActive), formatTime(cond.UpdatedAt), cond.Code,
	)
	if err != nil {
		return fmt.Errorf("failed to update condition: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConditionNotFound
	}
	return nil
}

// DeleteCondition removes a named condition.
func (s *SQLiteConditionStorage) DeleteCondition(code string) error {
	res, err := s.sqlite.execWrite(`DELETE FROM conditions WHERE code = ?`, code)
	if err != nil {
		return fmt.Errorf("failed to delete condition: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConditionNotFound
	}
	return nil
}

// GetActiveConditionsByCodes loads the active conditions among codes,
// keyed by code. Missing or inactive codes are simply absent from the
// map; the engine reports them per leaf.
func (s *SQLiteConditionStorage) GetActiveConditionsByCodes(codes []string) (map[string]*core.NamedCondition, error) {
	out := make(map[string]*core.NamedCondition, len(codes))
	if len(codes) == 0 {
		return out, nil
	}

	placeholders := strings.Repeat("?,", len(codes))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(codes))
	for i, c := range codes {
		args[i] = c
	}

	rows, err := s.sqlite.ReadDB.Query(`
		SELECT `+conditionColumns+` FROM conditions
		WHERE is_active = 1 AND code IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conditions by code: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		cond, err := scanCondition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan condition: %w", err)
		}
		out[cond.Code] = cond
	}
	return out, rows.Err()
}

func marshalConditionPayloads(cond *core.NamedCondition) (simple, sequence sql.NullString, err error) {
	if cond.Simple != nil {
		data, mErr := json.Marshal(cond.Simple)
		if mErr != nil {
			return simple, sequence, fmt.Errorf("failed to marshal simple payload: %w", mErr)
		}
		simple = sql.NullString{String: string(data), Valid: true}
	}
	if cond.Sequence != nil {
		data, mErr := json.Marshal(cond.Sequence)
		if mErr != nil {
			return simple, sequence, fmt.Errorf("failed to marshal sequence payload: %w", mErr)
		}
		sequence = sql.NullString{String: string(data), Valid: true}
	}
	return simple, sequence, nil
}

func scanCondition(row rowScanner) (*core.NamedCondition, error) {
	var cond core.NamedCondition
	var simpleJSON, sequenceJSON sql.NullString
	var isActive int
	var createdAt, updatedAt string

	err := row.Scan(&cond.Code, &cond.Label, &cond.Type, &simpleJSON, &sequenceJSON,
		&isActive, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	cond.IsActive = isActive == 1
	if simpleJSON.Valid && simpleJSON.String != "" {
		cond.Simple = &core.SimpleSpec{}
		if err := json.Unmarshal([]byte(simpleJSON.String), cond.Simple); err != nil {
			return nil, fmt.Errorf("failed to unmarshal simple payload of condition %s: %w", cond.Code, err)
		}
	}
	if sequenceJSON.Valid && sequenceJSON.String != "" {
		cond.Sequence = &core.SequenceSpec{}
		if err := json.Unmarshal([]byte(sequenceJSON.String), cond.Sequence); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sequence payload of condition %s: %w", cond.Code, err)
		}
	}
	if cond.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if cond.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &cond, nil
}
