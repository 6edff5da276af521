package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"sitewatch/core"
	"go.uber.org/zap"
)

// ReplayJobStorer is the persistence contract for replay jobs.
type ReplayJobStorer interface {
	CreateReplayJob(ctx context.Context, job *core.ReplayJob) error
	UpdateReplayJob(ctx context.Context, job *core.ReplayJob) error
	GetReplayJob(ctx context.Context, id string) (*core.ReplayJob, error)
	GetReplayJobs(limit int) ([]*core.ReplayJob, error)
}

// SQLiteReplayJobStorage handles replay-job persistence in SQLite.
type SQLiteReplayJobStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteReplayJobStorage creates a new SQLite replay-job storage
// handler.
func NewSQLiteReplayJobStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteReplayJobStorage {
	return &SQLiteReplayJobStorage{sqlite: sqlite, logger: logger}
}

const jobColumns = `id, status, started_at, finished_at, rules_total, rules_done,
	events_scanned, alerts_created, error`

// CreateReplayJob persists a new job.
func (s *SQLiteReplayJobStorage) CreateReplayJob(_ context.Context, job *core.ReplayJob) error {
	_, err := s.sqlite.execWrite(`
		INSERT INTO replay_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Status, formatTime(job.StartedAt), formatFinished(job),
		job.RulesTotal, job.RulesDone, job.EventsScanned, job.AlertsCreated, job.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert replay job: %w", err)
	}
	return nil
}

// UpdateReplayJob persists a job's progress and final state.
func (s *SQLiteReplayJobStorage) UpdateReplayJob(_ context.Context, job *core.ReplayJob) error {
	res, err := s.sqlite.execWrite(`
		UPDATE replay_jobs SET
			status = ?, finished_at = ?, rules_total = ?, rules_done = ?,
			events_scanned = ?, alerts_created = ?, error = ?
		WHERE id = ?`,
		job.Status, formatFinished(job), job.RulesTotal, job.RulesDone,
		job.EventsScanned, job.AlertsCreated, job.Error, job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update replay job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrReplayJobNotFound
	}
	return nil
}

// GetReplayJob retrieves one job by id.
func (s *SQLiteReplayJobStorage) GetReplayJob(_ context.Context, id string) (*core.ReplayJob, error) {
	row := s.sqlite.ReadDB.QueryRow(`SELECT `+jobColumns+` FROM replay_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReplayJobNotFound
	}
	return job, err
}

// GetReplayJobs retrieves the most recent jobs.
func (s *SQLiteReplayJobStorage) GetReplayJobs(limit int) ([]*core.ReplayJob, error) {
	rows, err := s.sqlite.ReadDB.Query(`
		SELECT `+jobColumns+` FROM replay_jobs
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query replay jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*core.ReplayJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan replay job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func formatFinished(job *core.ReplayJob) string {
	if job.FinishedAt == nil {
		return ""
	}
	return formatTime(*job.FinishedAt)
}

func scanJob(row rowScanner) (*core.ReplayJob, error) {
	var job core.ReplayJob
	var startedAt, finishedAt string

	err := row.Scan(&job.ID, &job.Status, &startedAt, &finishedAt, &job.RulesTotal,
		&job.RulesDone, &job.EventsScanned, &job.AlertsCreated, &job.Error)
	if err != nil {
		return nil, err
	}

	if job.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if finishedAt != "" {
		t, err := parseTime(finishedAt)
		if err != nil {
			return nil, err
		}
		job.FinishedAt = &t
	}
	return &job, nil
}
