package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"sitewatch/core"
	"go.uber.org/zap"
)

// HitStorer is the persistence contract for alert hits.
type HitStorer interface {
	CreateHit(ctx context.Context, hit *core.AlertHit) error
	GetHit(id string) (*core.AlertHit, error)
	GetHits(limit, offset int) ([]*core.AlertHit, error)
	GetHitsForRule(ruleID string, limit, offset int) ([]*core.AlertHit, error)
	ReplaceHitsForRule(ctx context.Context, ruleID string, hits []*core.AlertHit) error
	CountHits() (int64, error)
}

// SQLiteHitStorage handles alert-hit persistence in SQLite.
type SQLiteHitStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteHitStorage creates a new SQLite hit storage handler.
func NewSQLiteHitStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteHitStorage {
	return &SQLiteHitStorage{sqlite: sqlite, logger: logger}
}

const hitColumns = `id, rule_id, rule_name, event_id, pair_event_id, site_code,
	matched_at, score, explanations, created_at`

// CreateHit persists a hit. A hit already recorded for the same
// (event, rule) pair returns ErrDuplicateHit; re-evaluating an event
// must never double-alert.
func (s *SQLiteHitStorage) CreateHit(_ context.Context, hit *core.AlertHit) error {
	explanations, err := marshalExplanations(hit.Explanations)
	if err != nil {
		return err
	}

	_, err = s.sqlite.execWrite(`
		INSERT INTO hits (`+hitColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		hit.ID, hit.RuleID, hit.RuleName, hit.EventID, hit.PairEventID, hit.SiteCode,
		formatTime(hit.MatchedAt), hit.Score, explanations, formatTime(hit.CreatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateHit
		}
		return fmt.Errorf("failed to insert hit: %w", err)
	}
	return nil
}

// GetHit retrieves one hit by id.
func (s *SQLiteHitStorage) GetHit(id string) (*core.AlertHit, error) {
	row := s.sqlite.ReadDB.QueryRow(`SELECT `+hitColumns+` FROM hits WHERE id = ?`, id)
	hit, err := scanHit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHitNotFound
	}
	return hit, err
}

// GetHits retrieves hits with pagination, newest first.
func (s *SQLiteHitStorage) GetHits(limit, offset int) ([]*core.AlertHit, error) {
	rows, err := s.sqlite.ReadDB.Query(`
		SELECT `+hitColumns+` FROM hits
		ORDER BY matched_at DESC, id DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query hits: %w", err)
	}
	defer rows.Close()
	return collectHits(rows)
}

// GetHitsForRule retrieves one rule's hits, newest first.
func (s *SQLiteHitStorage) GetHitsForRule(ruleID string, limit, offset int) ([]*core.AlertHit, error) {
	rows, err := s.sqlite.ReadDB.Query(`
		SELECT `+hitColumns+` FROM hits
		WHERE rule_id = ?
		ORDER BY matched_at DESC, id DESC
		LIMIT ? OFFSET ?`, ruleID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query rule hits: %w", err)
	}
	defer rows.Close()
	return collectHits(rows)
}

// ReplaceHitsForRule atomically swaps a rule's hit history: all
// existing hits are deleted and the recomputed set inserted in one
// transaction, so a crash mid-replay never leaves a half-rewritten
// history.
func (s *SQLiteHitStorage) ReplaceHitsForRule(_ context.Context, ruleID string, hits []*core.AlertHit) error {
	return s.sqlite.WithTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM hits WHERE rule_id = ?`, ruleID); err != nil {
			return fmt.Errorf("failed to delete hits of rule %s: %w", ruleID, err)
		}
		stmt, err := tx.Prepare(`
			INSERT INTO hits (` + hitColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare hit insert: %w", err)
		}
		defer stmt.Close()

		for _, hit := range hits {
			explanations, err := marshalExplanations(hit.Explanations)
			if err != nil {
				return err
			}
			if _, err := stmt.Exec(
				hit.ID, hit.RuleID, hit.RuleName, hit.EventID, hit.PairEventID, hit.SiteCode,
				formatTime(hit.MatchedAt), hit.Score, explanations, formatTime(hit.CreatedAt),
			); err != nil {
				return fmt.Errorf("failed to insert replayed hit: %w", err)
			}
		}
		return nil
	})
}

// CountHits returns the total number of stored hits.
func (s *SQLiteHitStorage) CountHits() (int64, error) {
	var count int64
	if err := s.sqlite.ReadDB.QueryRow(`SELECT COUNT(*) FROM hits`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count hits: %w", err)
	}
	return count, nil
}

func marshalExplanations(explanations []string) (sql.NullString, error) {
	if len(explanations) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(explanations)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal explanations: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func scanHit(row rowScanner) (*core.AlertHit, error) {
	var hit core.AlertHit
	var matchedAt, createdAt string
	var explanations sql.NullString

	err := row.Scan(&hit.ID, &hit.RuleID, &hit.RuleName, &hit.EventID, &hit.PairEventID,
		&hit.SiteCode, &matchedAt, &hit.Score, &explanations, &createdAt)
	if err != nil {
		return nil, err
	}

	if explanations.Valid && explanations.String != "" {
		if err := json.Unmarshal([]byte(explanations.String), &hit.Explanations); err != nil {
			return nil, fmt.Errorf("failed to unmarshal explanations of hit %s: %w", hit.ID, err)
		}
	}
	if hit.MatchedAt, err = parseTime(matchedAt); err != nil {
		return nil, err
	}
	if hit.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &hit, nil
}

func collectHits(rows *sql.Rows) ([]*core.AlertHit, error) {
	var hits []*core.AlertHit
	for rows.Next() {
		hit, err := scanHit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan hit: %w", err)
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}
